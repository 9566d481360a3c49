package stores

import (
	"context"
	"sort"
	"sync"

	"github.com/oarkflow/rbac"
)

// MemoryAssignmentStore keeps assignments in-memory for tests, demos and
// single-process deployments.
type MemoryAssignmentStore struct {
	mu          sync.RWMutex
	assignments map[string][]rbac.RoleAssignment
}

func NewMemoryAssignmentStore() *MemoryAssignmentStore {
	return &MemoryAssignmentStore{assignments: make(map[string][]rbac.RoleAssignment)}
}

func (s *MemoryAssignmentStore) GetAssignments(ctx context.Context, subjectID string) ([]rbac.RoleAssignment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneAssignments(s.assignments[subjectID]), nil
}

func (s *MemoryAssignmentStore) CreateAssignment(ctx context.Context, a rbac.RoleAssignment) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.assignments[a.SubjectID] {
		if existing.SameBinding(a) {
			return false, nil
		}
	}
	s.assignments[a.SubjectID] = append(s.assignments[a.SubjectID], a)
	return true, nil
}

func (s *MemoryAssignmentStore) DeleteAssignment(ctx context.Context, subjectID, role string, scope rbac.Scope) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.assignments[subjectID]
	for i, a := range list {
		if a.Role == role && a.Scope == scope {
			s.assignments[subjectID] = append(list[:i:i], list[i+1:]...)
			if len(s.assignments[subjectID]) == 0 {
				delete(s.assignments, subjectID)
			}
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryAssignmentStore) PurgeScope(ctx context.Context, scope rbac.Scope) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	affected := make([]string, 0)
	for subjectID, list := range s.assignments {
		kept := list[:0:0]
		for _, a := range list {
			if !inScope(scope, a.Scope) {
				kept = append(kept, a)
			}
		}
		if len(kept) == len(list) {
			continue
		}
		affected = append(affected, subjectID)
		if len(kept) == 0 {
			delete(s.assignments, subjectID)
		} else {
			s.assignments[subjectID] = kept
		}
	}
	sort.Strings(affected)
	return affected, nil
}

// Len returns the total number of assignments held.
func (s *MemoryAssignmentStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, list := range s.assignments {
		n += len(list)
	}
	return n
}

// MemoryAuditStore keeps audit events in-memory
type MemoryAuditStore struct {
	mu      sync.RWMutex
	entries []*rbac.AuditEvent
}

func NewMemoryAuditStore() *MemoryAuditStore {
	return &MemoryAuditStore{
		entries: make([]*rbac.AuditEvent, 0),
	}
}

func (s *MemoryAuditStore) LogDecision(ctx context.Context, event *rbac.AuditEvent) error {
	dup := *event
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, &dup)
	return nil
}

func (s *MemoryAuditStore) GetAccessLog(ctx context.Context, filter rbac.AuditFilter) ([]*rbac.AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*rbac.AuditEvent, 0)
	for _, entry := range s.entries {
		if !filter.Match(entry) {
			continue
		}
		dup := *entry
		result = append(result, &dup)
		if filter.Limit > 0 && len(result) >= filter.Limit {
			break
		}
	}
	return result, nil
}

// Len returns the number of stored events.
func (s *MemoryAuditStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

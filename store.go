package rbac

import (
	"context"
	"fmt"
	"strings"
)

// ============================================================================
// STORAGE INTERFACES
// ============================================================================

// AssignmentStore is the read side consumed by the Evaluator.
// GetAssignments returns every assignment of a subject, in any order, and an
// empty slice (not an error) for subjects without assignments.
type AssignmentStore interface {
	GetAssignments(ctx context.Context, subjectID string) ([]RoleAssignment, error)
}

// AssignmentWriter is the mutation side used by administrative flows.
type AssignmentWriter interface {
	// CreateAssignment is idempotent: an existing (subject, role, scope) tuple
	// reports created == false and no error.
	CreateAssignment(ctx context.Context, a RoleAssignment) (created bool, err error)
	DeleteAssignment(ctx context.Context, subjectID, role string, scope Scope) (deleted bool, err error)
	// PurgeScope removes assignments inside scope (a tenant purge includes that
	// tenant's client assignments) and returns the affected subject IDs.
	PurgeScope(ctx context.Context, scope Scope) (subjects []string, err error)
}

// AssignmentRepository is a store that supports both sides.
type AssignmentRepository interface {
	AssignmentStore
	AssignmentWriter
}

// ValidateAssignment checks an assignment against the catalog before it is persisted.
func ValidateAssignment(catalog *Catalog, a RoleAssignment) error {
	if strings.TrimSpace(a.SubjectID) == "" {
		return fmt.Errorf("%w: subject_id is required", ErrInvalidAssignment)
	}
	switch a.SubjectType {
	case "", SubjectUser, SubjectService:
	default:
		return fmt.Errorf("%w: subject_type %q", ErrInvalidAssignment, a.SubjectType)
	}
	if err := a.Scope.Validate(); err != nil {
		return err
	}
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	if _, ok := catalog.Lookup(a.Role); !ok {
		return fmt.Errorf("%w: %q", ErrUnknownRole, a.Role)
	}
	return nil
}

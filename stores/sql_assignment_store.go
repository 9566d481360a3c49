package stores

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/oarkflow/squealx"
	_ "modernc.org/sqlite"

	"github.com/oarkflow/rbac"
)

// OpenDB opens a squealx handle for "sqlite" or "postgres".
func OpenDB(driver, dsn string) (*squealx.DB, error) {
	var sqlDriver string
	switch driver {
	case "sqlite":
		sqlDriver = "sqlite"
	case "postgres":
		sqlDriver = "pgx"
	default:
		return nil, fmt.Errorf("unsupported sql driver %q", driver)
	}
	sqlDB, err := sql.Open(sqlDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == "sqlite" {
		// :memory: databases are per connection
		sqlDB.SetMaxOpenConns(1)
	}
	return squealx.NewDb(sqlDB, driver, "rbac"), nil
}

// SQLAssignmentStore implements rbac.AssignmentRepository backed by a SQL DB (squealx).
// Absent tenant/client IDs are stored as '' so the unique index covers every scope kind.
type SQLAssignmentStore struct {
	db *squealx.DB
}

func NewSQLAssignmentStore(db *squealx.DB) *SQLAssignmentStore {
	return &SQLAssignmentStore{db: db}
}

func (s *SQLAssignmentStore) GetAssignments(ctx context.Context, subjectID string) ([]rbac.RoleAssignment, error) {
	out := make([]rbac.RoleAssignment, 0)
	q := `SELECT id, subject_id, subject_type, role, tenant_id, client_id, created_at FROM role_assignments WHERE subject_id = :subject_id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"subject_id": subjectID})
	if err != nil {
		return nil, fmt.Errorf("query assignments: %w", err)
	}
	defer r.Close()
	for r.Next() {
		var (
			a           rbac.RoleAssignment
			subjectType string
			createdRaw  any
		)
		if err := r.Scan(&a.ID, &a.SubjectID, &subjectType, &a.Role, &a.Scope.TenantID, &a.Scope.ClientID, &createdRaw); err != nil {
			return nil, fmt.Errorf("scan assignment: %w", err)
		}
		a.SubjectType = rbac.SubjectType(subjectType)
		a.CreatedAt = scanTime(createdRaw)
		out = append(out, a)
	}
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("iterate assignments: %w", err)
	}
	return out, nil
}

func (s *SQLAssignmentStore) CreateAssignment(ctx context.Context, a rbac.RoleAssignment) (bool, error) {
	q := `INSERT INTO role_assignments(id, subject_id, subject_type, role, tenant_id, client_id, created_at)
VALUES(:id, :subject_id, :subject_type, :role, :tenant_id, :client_id, :created_at)
ON CONFLICT(subject_id, role, tenant_id, client_id) DO NOTHING`
	res, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"id":           a.ID,
		"subject_id":   a.SubjectID,
		"subject_type": string(a.SubjectType),
		"role":         a.Role,
		"tenant_id":    a.Scope.TenantID,
		"client_id":    a.Scope.ClientID,
		"created_at":   a.CreatedAt.UTC(),
	})
	if err != nil {
		return false, fmt.Errorf("insert assignment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert assignment: %w", err)
	}
	return n > 0, nil
}

func (s *SQLAssignmentStore) DeleteAssignment(ctx context.Context, subjectID, role string, scope rbac.Scope) (bool, error) {
	q := `DELETE FROM role_assignments WHERE subject_id = :subject_id AND role = :role AND tenant_id = :tenant_id AND client_id = :client_id`
	res, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"subject_id": subjectID,
		"role":       role,
		"tenant_id":  scope.TenantID,
		"client_id":  scope.ClientID,
	})
	if err != nil {
		return false, fmt.Errorf("delete assignment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete assignment: %w", err)
	}
	return n > 0, nil
}

// PurgeScope deletes in one statement and reads the affected subjects back
// with RETURNING, so no concurrent insert can slip between the two.
func (s *SQLAssignmentStore) PurgeScope(ctx context.Context, scope rbac.Scope) ([]string, error) {
	params := map[string]any{"tenant_id": scope.TenantID}
	q := `DELETE FROM role_assignments WHERE tenant_id = :tenant_id`
	switch scope.Kind() {
	case rbac.ScopeTenant:
	case rbac.ScopeClient:
		q += ` AND client_id = :client_id`
		params["client_id"] = scope.ClientID
	default:
		return nil, fmt.Errorf("%w: cannot purge %s", rbac.ErrInvalidScope, scope)
	}
	q += ` RETURNING subject_id`
	r, err := s.db.NamedQueryContext(ctx, q, params)
	if err != nil {
		return nil, fmt.Errorf("purge scope: %w", err)
	}
	defer r.Close()
	seen := make(map[string]struct{})
	for r.Next() {
		var subjectID string
		if err := r.Scan(&subjectID); err != nil {
			return nil, fmt.Errorf("scan purged subject: %w", err)
		}
		seen[subjectID] = struct{}{}
	}
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("purge scope: %w", err)
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// Count returns the number of stored assignments.
func (s *SQLAssignmentStore) Count(ctx context.Context) (int, error) {
	var n int
	r, err := s.db.NamedQueryContext(ctx, `SELECT COUNT(*) FROM role_assignments`, map[string]any{})
	if err != nil {
		return 0, err
	}
	defer r.Close()
	if r.Next() {
		if err := r.Scan(&n); err != nil {
			return 0, err
		}
	}
	return n, r.Err()
}

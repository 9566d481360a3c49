package stores

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/oarkflow/squealx"

	"github.com/oarkflow/rbac"
)

// SQLAuditStore persists audit events in SQL
type SQLAuditStore struct {
	db *squealx.DB
}

func NewSQLAuditStore(db *squealx.DB) *SQLAuditStore {
	return &SQLAuditStore{db: db}
}

func (s *SQLAuditStore) LogDecision(ctx context.Context, ev *rbac.AuditEvent) error {
	id := ev.ID
	if id == "" {
		id = uuid.NewString()
	}
	q := `INSERT INTO audit_log(id, timestamp, action, subject_id, action_attempted, resource, tenant_id, client_id, allowed, reason, correlation_id, cache_hit)
VALUES(:id, :timestamp, :action, :subject_id, :action_attempted, :resource, :tenant_id, :client_id, :allowed, :reason, :correlation_id, :cache_hit)`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"id":               id,
		"timestamp":        ev.Timestamp.UTC(),
		"action":           ev.Action,
		"subject_id":       ev.Subject,
		"action_attempted": ev.ActionAttempted,
		"resource":         ev.Resource,
		"tenant_id":        ev.TenantID,
		"client_id":        ev.ClientID,
		"allowed":          boolToInt(ev.Allow),
		"reason":           ev.Reason,
		"correlation_id":   ev.CorrelationID,
		"cache_hit":        boolToInt(ev.CacheHit),
	})
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

func (s *SQLAuditStore) GetAccessLog(ctx context.Context, filter rbac.AuditFilter) ([]*rbac.AuditEvent, error) {
	q := `SELECT id, timestamp, action, subject_id, action_attempted, resource, tenant_id, client_id, allowed, reason, correlation_id, cache_hit FROM audit_log WHERE 1=1`
	params := map[string]any{}
	if filter.SubjectID != "" {
		q += " AND subject_id = :subject_id"
		params["subject_id"] = filter.SubjectID
	}
	if filter.TenantID != "" {
		q += " AND tenant_id = :tenant_id"
		params["tenant_id"] = filter.TenantID
	}
	if filter.CorrelationID != "" {
		q += " AND correlation_id = :correlation_id"
		params["correlation_id"] = filter.CorrelationID
	}
	if filter.Allow != nil {
		q += " AND allowed = :allowed"
		params["allowed"] = boolToInt(*filter.Allow)
	}
	if !filter.StartTime.IsZero() {
		q += " AND timestamp >= :start"
		params["start"] = filter.StartTime.UTC()
	}
	if !filter.EndTime.IsZero() {
		q += " AND timestamp <= :end"
		params["end"] = filter.EndTime.UTC()
	}
	q += " ORDER BY timestamp"
	if filter.Limit > 0 {
		q += " LIMIT :limit"
		params["limit"] = filter.Limit
	} else {
		q += " LIMIT 100"
	}
	r, err := s.db.NamedQueryContext(ctx, q, params)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer r.Close()
	out := make([]*rbac.AuditEvent, 0)
	for r.Next() {
		var (
			ev                rbac.AuditEvent
			timestampRaw      any
			allowed, cacheHit int
		)
		if err := r.Scan(&ev.ID, &timestampRaw, &ev.Action, &ev.Subject, &ev.ActionAttempted, &ev.Resource,
			&ev.TenantID, &ev.ClientID, &allowed, &ev.Reason, &ev.CorrelationID, &cacheHit); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		ev.Timestamp = scanTime(timestampRaw)
		ev.Allow = allowed != 0
		ev.CacheHit = cacheHit != 0
		out = append(out, &ev)
	}
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	return out, nil
}

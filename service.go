package rbac

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/oarkflow/rbac/logger"
)

// ============================================================================
// POLICY SERVICE
// ============================================================================

// Service is the entry point for callers: it fronts the evaluator with the
// decision cache, emits audit events and keeps the cache coherent with
// assignment mutations made through it.
type Service struct {
	store     AssignmentStore
	writer    AssignmentWriter
	catalog   *Catalog
	evaluator *Evaluator
	cache     *DecisionCache
	auditor   *AsyncAuditor
	auditSink AuditSink

	logger       logger.Logger
	traceIDFunc  logger.TraceIDFunc
	cacheConfig  CacheConfig
	storeTimeout time.Duration
	auditBuffer  int
	batchWorkers int
	tenantScoped []string

	checks, allowed, denied atomic.Uint64
}

// Option configures a Service.
type Option func(*Service) error

func WithCatalog(c *Catalog) Option {
	return func(s *Service) error {
		if c == nil {
			return errors.New("rbac: nil catalog")
		}
		s.catalog = c
		return nil
	}
}

// WithStoreTimeout bounds each assignment lookup made on a cache miss.
func WithStoreTimeout(d time.Duration) Option {
	return func(s *Service) error {
		if d <= 0 {
			return fmt.Errorf("rbac: store timeout must be positive, got %s", d)
		}
		s.storeTimeout = d
		return nil
	}
}

func WithDecisionCacheTTL(d time.Duration) Option {
	return func(s *Service) error {
		if d <= 0 {
			return fmt.Errorf("rbac: decision cache ttl must be positive, got %s", d)
		}
		s.cacheConfig.TTL = d
		return nil
	}
}

// WithCacheConfig replaces the ristretto sizing. Zero fields keep their defaults.
func WithCacheConfig(cfg CacheConfig) Option {
	return func(s *Service) error {
		ttl := s.cacheConfig.TTL
		s.cacheConfig = cfg
		if cfg.TTL <= 0 {
			s.cacheConfig.TTL = ttl
		}
		return nil
	}
}

// WithAuditSink sets where audit events go. The default writes them to the logger.
func WithAuditSink(sink AuditSink) Option {
	return func(s *Service) error {
		s.auditSink = sink
		return nil
	}
}

func WithAuditBuffer(n int) Option {
	return func(s *Service) error {
		s.auditBuffer = n
		return nil
	}
}

func WithBatchWorkerCount(n int) Option {
	return func(s *Service) error {
		if n <= 0 {
			return fmt.Errorf("rbac: batch worker count must be positive, got %d", n)
		}
		s.batchWorkers = n
		return nil
	}
}

// WithTenantScoped replaces the resource types that require a tenant context.
func WithTenantScoped(resourceTypes ...string) Option {
	return func(s *Service) error {
		s.tenantScoped = append([]string(nil), resourceTypes...)
		return nil
	}
}

// NewService wires a Service around store. If store also implements
// AssignmentWriter, Assign, Revoke and PurgeScope are enabled.
func NewService(store AssignmentStore, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("rbac: nil assignment store")
	}
	s := &Service{
		store:        store,
		catalog:      DefaultCatalog(),
		logger:       logger.NewNullLogger(),
		traceIDFunc:  uuid.NewString,
		cacheConfig:  DefaultCacheConfig(),
		storeTimeout: DefaultStoreTimeout,
		auditBuffer:  1024,
		batchWorkers: 8,
		tenantScoped: DefaultTenantScopedResources,
	}
	if w, ok := store.(AssignmentWriter); ok {
		s.writer = w
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	s.evaluator = NewEvaluator(store,
		WithEvaluatorCatalog(s.catalog),
		WithEvaluatorLogger(logger.With(s.logger, "component", "evaluator")),
		WithTenantScopedResources(s.tenantScoped...),
	)
	s.cacheConfig.FillTimeout = s.storeTimeout
	cache, err := NewDecisionCache(s.cacheConfig)
	if err != nil {
		return nil, err
	}
	s.cache = cache
	if s.auditSink == nil {
		s.auditSink = LoggerAuditSink{Logger: s.logger}
	}
	s.auditor = NewAsyncAuditor(s.auditSink, s.auditBuffer, logger.With(s.logger, "component", "audit"))
	return s, nil
}

func (s *Service) Catalog() *Catalog           { return s.catalog }
func (s *Service) Evaluator() *Evaluator       { return s.evaluator }
func (s *Service) Cache() *DecisionCache       { return s.cache }
func (s *Service) Store() AssignmentStore      { return s.store }
func (s *Service) Writable() bool              { return s.writer != nil }
func (s *Service) AuditSink() AuditSink        { return s.auditSink }
func (s *Service) Logger() logger.Logger       { return s.logger }
func (s *Service) StoreTimeout() time.Duration { return s.storeTimeout }

func (s *Service) correlationID(ctx context.Context) string {
	if id := CorrelationIDFrom(ctx); id != "" {
		return id
	}
	if s.traceIDFunc != nil {
		return s.traceIDFunc()
	}
	return ""
}

// Check answers req through the decision cache. It never returns an allow it
// could not justify: store failures, expired deadlines and panics all deny.
func (s *Service) Check(ctx context.Context, req CheckRequest) (d Decision) {
	corrID := s.correlationID(ctx)
	cacheHit := false
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("policy check panicked", "subject", req.Subject, "correlation_id", corrID, "panic", fmt.Sprint(r))
			d, cacheHit = Deny(ReasonStoreUnavailable), false
		}
		s.record(req, d, corrID, cacheHit)
	}()

	if pre, done := s.evaluator.Precheck(req); done {
		return pre
	}
	d, cacheHit, err := s.cache.Fill(ctx, KeyFor(req), 0, func(fillCtx context.Context) Decision {
		return s.evaluator.Evaluate(fillCtx, req)
	})
	if err != nil {
		s.logger.Warn("policy check did not complete", "subject", req.Subject, "correlation_id", corrID, "error", err)
	}
	return d
}

// record counts the decision and audits it. Cache hits are only audited when
// they deny.
func (s *Service) record(req CheckRequest, d Decision, corrID string, cacheHit bool) {
	s.checks.Add(1)
	if d.Allow {
		s.allowed.Add(1)
	} else {
		s.denied.Add(1)
	}
	if cacheHit && d.Allow {
		return
	}
	s.auditor.Publish(NewAuditEvent(req, d, corrID, cacheHit))
}

// Evaluate decides req against the store directly, bypassing the cache. It
// is not audited.
func (s *Service) Evaluate(ctx context.Context, req CheckRequest) (d Decision) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("policy evaluation panicked", "subject", req.Subject, "panic", fmt.Sprint(r))
			d = Deny(ReasonStoreUnavailable)
		}
	}()
	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	return s.evaluator.Evaluate(ctx, req)
}

// BatchCheck runs Check for every request on a bounded pool of workers.
// Decisions are returned in request order.
func (s *Service) BatchCheck(ctx context.Context, reqs []CheckRequest) []Decision {
	decisions := make([]Decision, len(reqs))
	var g errgroup.Group
	g.SetLimit(s.batchWorkers)
	for i, req := range reqs {
		g.Go(func() error {
			decisions[i] = s.Check(ctx, req)
			return nil
		})
	}
	_ = g.Wait()
	return decisions
}

// InvalidateSubject drops every cached decision of subjectID. Later checks see
// the store's current state.
func (s *Service) InvalidateSubject(_ context.Context, subjectID string) {
	s.cache.InvalidateSubject(subjectID)
	s.logger.Debug("subject invalidated", "subject", subjectID)
}

// Assignments lists the subject's assignments straight from the store.
func (s *Service) Assignments(ctx context.Context, subjectID string) ([]RoleAssignment, error) {
	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	out, err := s.store.GetAssignments(ctx, subjectID)
	if err != nil {
		return nil, fmt.Errorf("get assignments for %s: %w", subjectID, err)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Role != out[j].Role {
			return out[i].Role < out[j].Role
		}
		return out[i].Scope.String() < out[j].Scope.String()
	})
	return out, nil
}

// Assign persists a and invalidates the subject before returning. The returned
// bool is false when the binding already existed.
func (s *Service) Assign(ctx context.Context, a RoleAssignment) (RoleAssignment, bool, error) {
	if s.writer == nil {
		return a, false, ErrNoWriter
	}
	if a.SubjectType == "" {
		a.SubjectType = SubjectUser
	}
	if err := ValidateAssignment(s.catalog, a); err != nil {
		return a, false, err
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	created, err := s.writer.CreateAssignment(ctx, a)
	if err != nil {
		return a, false, fmt.Errorf("assign %s to %s: %w", a.Role, a.SubjectID, err)
	}
	s.InvalidateSubject(ctx, a.SubjectID)
	s.logger.Info("role assigned", "subject", a.SubjectID, "role", a.Role, "scope", a.Scope.String(), "created", created)
	return a, created, nil
}

// Revoke deletes one binding and invalidates the subject before returning.
func (s *Service) Revoke(ctx context.Context, subjectID, role string, scope Scope) (bool, error) {
	if s.writer == nil {
		return false, ErrNoWriter
	}
	if err := scope.Validate(); err != nil {
		return false, err
	}
	deleted, err := s.writer.DeleteAssignment(ctx, subjectID, role, scope)
	if err != nil {
		return false, fmt.Errorf("revoke %s from %s: %w", role, subjectID, err)
	}
	s.InvalidateSubject(ctx, subjectID)
	s.logger.Info("role revoked", "subject", subjectID, "role", role, "scope", scope.String(), "deleted", deleted)
	return deleted, nil
}

// PurgeScope removes every assignment inside a deleted tenant or client and
// invalidates each affected subject. Platform scope cannot be purged.
func (s *Service) PurgeScope(ctx context.Context, scope Scope) ([]string, error) {
	if s.writer == nil {
		return nil, ErrNoWriter
	}
	switch scope.Kind() {
	case ScopeTenant, ScopeClient:
	default:
		return nil, fmt.Errorf("%w: cannot purge %s", ErrInvalidScope, scope)
	}
	subjects, err := s.writer.PurgeScope(ctx, scope)
	// subjects may be partial on error; invalidate what we know about
	for _, id := range subjects {
		s.InvalidateSubject(ctx, id)
	}
	if err != nil {
		return subjects, fmt.Errorf("purge %s: %w", scope, err)
	}
	s.logger.Info("scope purged", "scope", scope.String(), "subjects", len(subjects))
	return subjects, nil
}

// EffectivePermissions lists what subjectID may do in reqCtx.
func (s *Service) EffectivePermissions(ctx context.Context, subjectID string, reqCtx RequestContext) ([]Permission, error) {
	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	perms, err := s.evaluator.EffectivePermissions(ctx, subjectID, reqCtx)
	if err != nil {
		return nil, fmt.Errorf("effective permissions for %s: %w", subjectID, err)
	}
	return perms, nil
}

// GetAccessLog queries the audit sink when it supports it.
func (s *Service) GetAccessLog(ctx context.Context, filter AuditFilter) ([]*AuditEvent, error) {
	store, ok := s.auditSink.(AuditStore)
	if !ok {
		return nil, ErrNoAuditStore
	}
	return store.GetAccessLog(ctx, filter)
}

// Stats is a snapshot of service counters.
type Stats struct {
	Checks       uint64     `json:"checks"`
	Allowed      uint64     `json:"allowed"`
	Denied       uint64     `json:"denied"`
	AuditDropped uint64     `json:"audit_dropped"`
	AuditFailed  uint64     `json:"audit_failed"`
	Cache        CacheStats `json:"cache"`
}

func (s *Service) Stats() Stats {
	return Stats{
		Checks:       s.checks.Load(),
		Allowed:      s.allowed.Load(),
		Denied:       s.denied.Load(),
		AuditDropped: s.auditor.Dropped(),
		AuditFailed:  s.auditor.Failed(),
		Cache:        s.cache.Stats(),
	}
}

// Close drains pending audit events and releases the cache.
func (s *Service) Close(ctx context.Context) error {
	err := s.auditor.Close(ctx)
	s.cache.Close()
	return err
}

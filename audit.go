package rbac

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oarkflow/rbac/logger"
)

// ============================================================================
// AUDIT
// ============================================================================

// AuditActionCheckResult is the action recorded for every policy check event.
const AuditActionCheckResult = "policy.check.result"

// AuditEvent records one decision. It carries the outcome only: no role
// internals and no credentials.
type AuditEvent struct {
	ID              string    `json:"id,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
	Action          string    `json:"action"`
	Subject         string    `json:"subject"`
	ActionAttempted string    `json:"action_attempted"`
	Resource        string    `json:"resource"`
	TenantID        string    `json:"tenant_id,omitempty"`
	ClientID        string    `json:"client_id,omitempty"`
	Allow           bool      `json:"allow"`
	Reason          string    `json:"reason"`
	CorrelationID   string    `json:"correlation_id,omitempty"`
	CacheHit        bool      `json:"cache_hit"`
}

// NewAuditEvent builds the event for req and its decision.
func NewAuditEvent(req CheckRequest, d Decision, correlationID string, cacheHit bool) AuditEvent {
	return AuditEvent{
		Timestamp:       time.Now().UTC(),
		Action:          AuditActionCheckResult,
		Subject:         req.Subject,
		ActionAttempted: req.Action,
		Resource:        req.Resource,
		TenantID:        req.Context.TenantID,
		ClientID:        req.Context.ClientID,
		Allow:           d.Allow,
		Reason:          d.Reason,
		CorrelationID:   correlationID,
		CacheHit:        cacheHit,
	}
}

// AuditSink receives decision events.
type AuditSink interface {
	LogDecision(ctx context.Context, event *AuditEvent) error
}

// AuditStore is a sink that can also be queried.
type AuditStore interface {
	AuditSink
	GetAccessLog(ctx context.Context, filter AuditFilter) ([]*AuditEvent, error)
}

// AuditFilter for querying audit logs. Zero fields do not filter.
type AuditFilter struct {
	SubjectID     string
	TenantID      string
	CorrelationID string
	Allow         *bool
	StartTime     time.Time
	EndTime       time.Time
	Limit         int
}

// Match reports whether ev passes the filter, ignoring Limit.
func (f AuditFilter) Match(ev *AuditEvent) bool {
	switch {
	case f.SubjectID != "" && ev.Subject != f.SubjectID:
		return false
	case f.TenantID != "" && ev.TenantID != f.TenantID:
		return false
	case f.CorrelationID != "" && ev.CorrelationID != f.CorrelationID:
		return false
	case f.Allow != nil && ev.Allow != *f.Allow:
		return false
	case !f.StartTime.IsZero() && ev.Timestamp.Before(f.StartTime):
		return false
	case !f.EndTime.IsZero() && ev.Timestamp.After(f.EndTime):
		return false
	}
	return true
}

// LoggerAuditSink writes events through a Logger.
type LoggerAuditSink struct {
	Logger logger.Logger
}

func (s LoggerAuditSink) LogDecision(_ context.Context, ev *AuditEvent) error {
	s.Logger.Info("audit decision",
		"action", ev.Action,
		"subject", ev.Subject,
		"action_attempted", ev.ActionAttempted,
		"resource", ev.Resource,
		"tenant_id", ev.TenantID,
		"client_id", ev.ClientID,
		"allow", ev.Allow,
		"reason", ev.Reason,
		"correlation_id", ev.CorrelationID,
		"cache_hit", ev.CacheHit,
	)
	return nil
}

// MultiAuditSink fans an event out to every sink and joins their errors.
type MultiAuditSink []AuditSink

func (m MultiAuditSink) LogDecision(ctx context.Context, ev *AuditEvent) error {
	var errs []error
	for _, s := range m {
		if err := s.LogDecision(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// AsyncAuditor delivers events to a sink from a single background worker.
// Publish never blocks: when the buffer is full the event is dropped and counted.
type AsyncAuditor struct {
	sink    AuditSink
	logger  logger.Logger
	ch      chan AuditEvent
	done    chan struct{}
	once    sync.Once
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Uint64
	failed  atomic.Uint64
}

func NewAsyncAuditor(sink AuditSink, buffer int, l logger.Logger) *AsyncAuditor {
	if buffer <= 0 {
		buffer = 1024
	}
	if l == nil {
		l = logger.NewNullLogger()
	}
	a := &AsyncAuditor{
		sink:   sink,
		logger: l,
		ch:     make(chan AuditEvent, buffer),
		done:   make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *AsyncAuditor) run() {
	defer close(a.done)
	bg := context.Background()
	for ev := range a.ch {
		if err := a.sink.LogDecision(bg, &ev); err != nil {
			a.failed.Add(1)
			a.logger.Error("audit sink failed", "subject", ev.Subject, "correlation_id", ev.CorrelationID, "error", err)
		}
	}
}

// Publish queues ev and reports whether it was accepted.
func (a *AsyncAuditor) Publish(ev AuditEvent) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		a.dropped.Add(1)
		return false
	}
	select {
	case a.ch <- ev:
		return true
	default:
		a.dropped.Add(1)
		return false
	}
}

// Dropped counts events lost to a full buffer or a closed auditor.
func (a *AsyncAuditor) Dropped() uint64 { return a.dropped.Load() }

// Failed counts events the sink rejected.
func (a *AsyncAuditor) Failed() uint64 { return a.failed.Load() }

// Close stops accepting events and waits for the buffer to drain or ctx to end.
func (a *AsyncAuditor) Close(ctx context.Context) error {
	a.once.Do(func() {
		a.mu.Lock()
		a.closed = true
		close(a.ch)
		a.mu.Unlock()
	})
	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type correlationKey struct{}

// WithCorrelationID attaches a correlation ID to ctx.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationIDFrom returns the correlation ID stored in ctx, if any.
func CorrelationIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

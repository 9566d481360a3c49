package rbac

import (
	"context"
	"strings"

	"github.com/oarkflow/rbac/logger"
)

// DefaultTenantScopedResources lists resource types that cannot be checked
// without a tenant in the request context.
var DefaultTenantScopedResources = []string{"client", "prompt", "workflow", "user"}

// Evaluator turns a CheckRequest into a Decision from the current store state.
// It holds no cache; identical store state yields identical decisions.
type Evaluator struct {
	store        AssignmentStore
	catalog      *Catalog
	tenantScoped map[string]struct{}
	logger       logger.Logger
}

// EvaluatorOption configures an Evaluator.
type EvaluatorOption func(*Evaluator)

func WithEvaluatorCatalog(c *Catalog) EvaluatorOption {
	return func(e *Evaluator) {
		if c != nil {
			e.catalog = c
		}
	}
}

// WithTenantScopedResources replaces the tenant-scoped resource type allowlist.
func WithTenantScopedResources(types ...string) EvaluatorOption {
	return func(e *Evaluator) {
		e.tenantScoped = make(map[string]struct{}, len(types))
		for _, t := range types {
			if t = strings.TrimSpace(t); t != "" {
				e.tenantScoped[t] = struct{}{}
			}
		}
	}
}

func WithEvaluatorLogger(l logger.Logger) EvaluatorOption {
	return func(e *Evaluator) {
		if l != nil {
			e.logger = l
		}
	}
}

func NewEvaluator(store AssignmentStore, opts ...EvaluatorOption) *Evaluator {
	e := &Evaluator{
		store:   store,
		catalog: DefaultCatalog(),
		logger:  logger.NewNullLogger(),
	}
	WithTenantScopedResources(DefaultTenantScopedResources...)(e)
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Catalog returns the catalog roles are resolved against.
func (e *Evaluator) Catalog() *Catalog { return e.catalog }

// RequiresTenant reports whether resourceType is tenant-scoped.
func (e *Evaluator) RequiresTenant(resourceType string) bool {
	_, ok := e.tenantScoped[resourceType]
	return ok
}

// candidate is an assignment that grants the permission in the requested scope.
type candidate struct {
	role  string
	scope Scope
}

// Precheck applies the request-shape rules that need no store access. It
// returns false when the request must go on to a store lookup.
func (e *Evaluator) Precheck(req CheckRequest) (Decision, bool) {
	resourceType, _ := splitResource(req.Resource)
	if strings.TrimSpace(req.Action) == "" || resourceType == "" || strings.TrimSpace(req.Subject) == "" {
		return Deny(ReasonMalformedRequest), true
	}
	if e.RequiresTenant(resourceType) && req.Context.TenantID == "" {
		return Deny(ReasonMissingTenantContext), true
	}
	return Decision{}, false
}

// Evaluate decides req. Failures never produce an allow.
func (e *Evaluator) Evaluate(ctx context.Context, req CheckRequest) Decision {
	if d, done := e.Precheck(req); done {
		return d
	}

	if err := ctx.Err(); err != nil {
		e.logger.Warn("check abandoned before store lookup", "subject", req.Subject, "error", err)
		return Deny(ReasonStoreUnavailable)
	}
	assignments, err := e.store.GetAssignments(ctx, req.Subject)
	if err == nil {
		// a store may return late data after the deadline; do not trust it
		err = ctx.Err()
	}
	if err != nil {
		e.logger.Error("assignment store unavailable", "subject", req.Subject, "error", err)
		return Deny(ReasonStoreUnavailable)
	}
	if len(assignments) == 0 {
		return Deny(ReasonNoRolesAssigned)
	}

	required := NewPermission(strings.TrimSpace(req.Action), req.ResourceType())
	var (
		best        *candidate
		outOfScope  bool
		catalogGaps bool
	)
	for _, a := range assignments {
		role, ok := e.catalog.Lookup(a.Role)
		if !ok {
			catalogGaps = true
			e.logger.Error("assignment references unknown role",
				"subject", a.SubjectID, "role", a.Role, "scope", a.Scope.String())
			continue
		}
		if !role.Has(required) {
			continue
		}
		if !Matches(a.Scope, req.Context) {
			outOfScope = true
			continue
		}
		if best == nil || a.Scope.Narrowness() > best.scope.Narrowness() ||
			(a.Scope.Narrowness() == best.scope.Narrowness() && a.Role < best.role) {
			best = &candidate{role: a.Role, scope: a.Scope}
		}
	}

	switch {
	case best != nil:
		return Allow(GrantedBy(best.role))
	case catalogGaps:
		// an unknown role may have granted the permission here
		return Deny(ReasonInternalError)
	case outOfScope:
		return Deny(ReasonScopeMismatch)
	default:
		return Deny(ReasonLacksPermission)
	}
}

// EffectivePermissions returns the union of permissions granted by the subject's
// assignments whose scope matches reqCtx. Unknown roles contribute nothing.
func (e *Evaluator) EffectivePermissions(ctx context.Context, subjectID string, reqCtx RequestContext) ([]Permission, error) {
	assignments, err := e.store.GetAssignments(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	seen := make(map[Permission]struct{})
	out := make([]Permission, 0)
	for _, a := range assignments {
		if !Matches(a.Scope, reqCtx) {
			continue
		}
		role, ok := e.catalog.Lookup(a.Role)
		if !ok {
			continue
		}
		for _, p := range role.Permissions() {
			if _, dup := seen[p]; dup {
				continue
			}
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	sortPermissions(out)
	return out, nil
}

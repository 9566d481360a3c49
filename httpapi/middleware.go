package httpapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/oarkflow/rbac"
)

const (
	HeaderCorrelationID = "X-Correlation-ID"
	HeaderSubjectID     = "X-Subject-ID"
	HeaderTenantID      = "X-Tenant-ID"
	HeaderClientID      = "X-Client-ID"
)

// CorrelationID propagates the caller's correlation ID, or a fresh one, into
// the request context and echoes it on the response.
func CorrelationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(HeaderCorrelationID))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(HeaderCorrelationID, id)
		next.ServeHTTP(w, r.WithContext(rbac.WithCorrelationID(r.Context(), id)))
	})
}

// AuthOptions configures the authorization middleware. Extractor functions are
// supplied by the application; OnDenied lets it customize the response.
type AuthOptions struct {
	Service  *rbac.Service
	Subject  func(r *http.Request) string
	Context  func(r *http.Request) rbac.RequestContext
	Action   string
	Resource string
	OnDenied func(w http.ResponseWriter, r *http.Request, decision rbac.Decision)
}

// HeaderSubject reads the caller identity from X-Subject-ID. It is only
// trustworthy behind a gateway that sets the header from a verified token.
func HeaderSubject(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(HeaderSubjectID))
}

// HeaderContext reads the request context from X-Tenant-ID and X-Client-ID.
func HeaderContext(r *http.Request) rbac.RequestContext {
	return rbac.RequestContext{
		TenantID: strings.TrimSpace(r.Header.Get(HeaderTenantID)),
		ClientID: strings.TrimSpace(r.Header.Get(HeaderClientID)),
	}
}

type guardKey struct{}

// GuardedContext returns the request context a RequirePermission check passed in.
func GuardedContext(ctx context.Context) (rbac.RequestContext, bool) {
	rc, ok := ctx.Value(guardKey{}).(rbac.RequestContext)
	return rc, ok
}

// RequirePermission returns a middleware that lets a request through only when
// the service allows Action on Resource for the extracted subject and context.
func RequirePermission(opts AuthOptions) func(next http.Handler) http.Handler {
	if opts.Subject == nil {
		opts.Subject = HeaderSubject
	}
	if opts.Context == nil {
		opts.Context = HeaderContext
	}
	if opts.OnDenied == nil {
		opts.OnDenied = func(w http.ResponseWriter, r *http.Request, decision rbac.Decision) {
			writeJSON(w, http.StatusForbidden, decision)
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rc := opts.Context(r)
			dec := opts.Service.Check(r.Context(), rbac.CheckRequest{
				Subject:  opts.Subject(r),
				Action:   opts.Action,
				Resource: opts.Resource,
				Context:  rc,
			})
			if !dec.Allow {
				opts.OnDenied(w, r, dec)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), guardKey{}, rc)))
		})
	}
}

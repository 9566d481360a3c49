package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"

	"github.com/oarkflow/rbac"
	"github.com/oarkflow/rbac/logger"
)

const maxBodyBytes = 1 << 20

// Handler exposes a Service over HTTP.
type Handler struct {
	svc        *rbac.Service
	logger     logger.Logger
	validator  *validator.Validate
	rateLimit  int
	rateWindow time.Duration
	adminGuard bool
}

// Option configures a Handler.
type Option func(*Handler)

func WithLogger(l logger.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithRateLimit caps requests per client IP. Zero disables limiting.
func WithRateLimit(requests int, window time.Duration) Option {
	return func(h *Handler) {
		h.rateLimit, h.rateWindow = requests, window
	}
}

// WithAdminGuard requires callers of the assignment mutation routes to hold
// manage:role_assignment in the context given by X-Tenant-ID/X-Client-ID, and
// confines them to scopes inside that context. GET /audit then requires
// read:audit_log and is limited to the caller's tenant.
func WithAdminGuard() Option {
	return func(h *Handler) { h.adminGuard = true }
}

func NewHandler(svc *rbac.Service, opts ...Option) *Handler {
	h := &Handler{
		svc:        svc,
		logger:     svc.Logger(),
		validator:  validator.New(),
		rateWindow: time.Minute,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes builds the complete router.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(CorrelationID)
	r.Use(middleware.Recoverer)
	if h.rateLimit > 0 {
		r.Use(httprate.Limit(h.rateLimit, h.rateWindow, httprate.WithKeyFuncs(httprate.KeyByIP)))
	}
	h.MountRoutes(r)
	return r
}

// MountRoutes registers the policy routes on the provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/healthz", h.healthz)
	r.Get("/stats", h.stats)
	r.Group(func(r chi.Router) {
		if h.adminGuard {
			r.Use(RequirePermission(AuthOptions{
				Service:  h.svc,
				Action:   "read",
				Resource: "audit_log",
			}))
		}
		r.Get("/audit", h.accessLog)
	})
	r.Post("/policies/check", h.check)
	r.Post("/policies/check/batch", h.checkBatch)
	r.Route("/subjects/{subjectID}", func(r chi.Router) {
		r.Post("/invalidate", h.invalidate)
		r.Get("/assignments", h.listAssignments)
		r.Get("/permissions", h.listPermissions)
	})
	r.Group(func(r chi.Router) {
		if h.adminGuard {
			r.Use(RequirePermission(AuthOptions{
				Service:  h.svc,
				Action:   "manage",
				Resource: "role_assignment",
			}))
		}
		r.Post("/assignments", h.createAssignment)
		r.Delete("/assignments", h.deleteAssignment)
	})
}

type errorResponse struct {
	Error string `json:"error"`
}

type batchRequest struct {
	Requests []rbac.CheckRequest `json:"requests" validate:"required,min=1,max=256,dive"`
}

type batchResponse struct {
	Decisions []rbac.Decision `json:"decisions"`
}

type assignmentRequest struct {
	SubjectID   string `json:"subject_id" validate:"required"`
	SubjectType string `json:"subject_type" validate:"omitempty,oneof=user service"`
	Role        string `json:"role" validate:"required"`
	TenantID    string `json:"tenant_id"`
	ClientID    string `json:"client_id"`
}

func (a assignmentRequest) scope() rbac.Scope {
	return rbac.Scope{TenantID: strings.TrimSpace(a.TenantID), ClientID: strings.TrimSpace(a.ClientID)}
}

func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Stats())
}

func (h *Handler) accessLog(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := rbac.AuditFilter{
		SubjectID:     q.Get("subject_id"),
		TenantID:      q.Get("tenant_id"),
		CorrelationID: q.Get("correlation_id"),
		Limit:         100,
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 1000 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be between 1 and 1000"})
			return
		}
		filter.Limit = n
	}
	if raw := q.Get("allow"); raw != "" {
		allow, err := strconv.ParseBool(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "allow must be a boolean"})
			return
		}
		filter.Allow = &allow
	}
	// a tenant-bound caller only reads that tenant's events
	if rc, guarded := GuardedContext(r.Context()); guarded && rc.TenantID != "" {
		if filter.TenantID == "" {
			filter.TenantID = rc.TenantID
		}
		if filter.TenantID != rc.TenantID {
			writeJSON(w, http.StatusForbidden, rbac.Deny(rbac.ReasonScopeMismatch))
			return
		}
	}
	events, err := h.svc.GetAccessLog(r.Context(), filter)
	switch {
	case errors.Is(err, rbac.ErrNoAuditStore):
		writeJSON(w, http.StatusNotImplemented, errorResponse{Error: err.Error()})
	case err != nil:
		h.logger.Error("access log query failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "audit store unavailable"})
	default:
		writeJSON(w, http.StatusOK, map[string]any{"events": events})
	}
}

func (h *Handler) check(w http.ResponseWriter, r *http.Request) {
	var req rbac.CheckRequest
	if !h.decode(w, r, &req) {
		return
	}
	if h.malformed(req) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: rbac.ReasonMalformedRequest})
		return
	}
	writeJSON(w, http.StatusOK, h.svc.Check(r.Context(), req))
}

func (h *Handler) checkBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if !h.decode(w, r, &req) {
		return
	}
	for i, one := range req.Requests {
		if h.malformed(one) {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "requests[" + strconv.Itoa(i) + "]: " + rbac.ReasonMalformedRequest})
			return
		}
	}
	writeJSON(w, http.StatusOK, batchResponse{Decisions: h.svc.BatchCheck(r.Context(), req.Requests)})
}

func (h *Handler) invalidate(w http.ResponseWriter, r *http.Request) {
	h.svc.InvalidateSubject(r.Context(), chi.URLParam(r, "subjectID"))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listAssignments(w http.ResponseWriter, r *http.Request) {
	out, err := h.svc.Assignments(r.Context(), chi.URLParam(r, "subjectID"))
	if err != nil {
		h.logger.Error("list assignments failed", "subject", chi.URLParam(r, "subjectID"), "error", err)
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "assignment store unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"assignments": out})
}

func (h *Handler) listPermissions(w http.ResponseWriter, r *http.Request) {
	rc := rbac.RequestContext{
		TenantID: r.URL.Query().Get("tenant_id"),
		ClientID: r.URL.Query().Get("client_id"),
	}
	perms, err := h.svc.EffectivePermissions(r.Context(), chi.URLParam(r, "subjectID"), rc)
	if err != nil {
		h.logger.Error("list permissions failed", "subject", chi.URLParam(r, "subjectID"), "error", err)
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "assignment store unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"permissions": perms})
}

func (h *Handler) createAssignment(w http.ResponseWriter, r *http.Request) {
	var req assignmentRequest
	if !h.decode(w, r, &req) || !h.withinGuard(w, r, req.scope()) {
		return
	}
	a, created, err := h.svc.Assign(r.Context(), rbac.RoleAssignment{
		SubjectID:   req.SubjectID,
		SubjectType: rbac.SubjectType(req.SubjectType),
		Role:        req.Role,
		Scope:       req.scope(),
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, a)
}

func (h *Handler) deleteAssignment(w http.ResponseWriter, r *http.Request) {
	var req assignmentRequest
	if !h.decode(w, r, &req) || !h.withinGuard(w, r, req.scope()) {
		return
	}
	if _, err := h.svc.Revoke(r.Context(), req.SubjectID, req.Role, req.scope()); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// withinGuard rejects targets outside the context the admin guard checked.
func (h *Handler) withinGuard(w http.ResponseWriter, r *http.Request, target rbac.Scope) bool {
	rc, guarded := GuardedContext(r.Context())
	if !guarded {
		return true
	}
	if (rbac.Scope{TenantID: rc.TenantID, ClientID: rc.ClientID}).Contains(target) {
		return true
	}
	writeJSON(w, http.StatusForbidden, rbac.Deny(rbac.ReasonScopeMismatch))
	return false
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed JSON: " + err.Error()})
		return false
	}
	if err := h.validator.Struct(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: validationMessage(err)})
		return false
	}
	return true
}

// malformed reports requests that pass field validation but still have no usable
// subject, action or resource type.
func (h *Handler) malformed(req rbac.CheckRequest) bool {
	d, done := h.svc.Evaluator().Precheck(req)
	return done && d.Reason == rbac.ReasonMalformedRequest
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, rbac.ErrInvalidScope),
		errors.Is(err, rbac.ErrUnknownRole),
		errors.Is(err, rbac.ErrInvalidAssignment):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.Is(err, rbac.ErrNoWriter):
		writeJSON(w, http.StatusNotImplemented, errorResponse{Error: err.Error()})
	default:
		h.logger.Error("assignment mutation failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "assignment store unavailable"})
	}
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, strings.ToLower(fe.Field())+" failed "+fe.Tag())
	}
	return strings.Join(parts, "; ")
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

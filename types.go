package rbac

import (
	"strings"
	"time"
)

// ============================================================================
// DOMAIN OBJECTS
// ============================================================================

// SubjectType tags the kind of actor being authorized.
type SubjectType string

const (
	SubjectUser    SubjectType = "user"
	SubjectService SubjectType = "service"
)

// Subject is an actor identity owned by an external identity provider.
type Subject struct {
	ID   string      `json:"id"`
	Type SubjectType `json:"type"`
}

// RoleAssignment binds a subject to a role within a scope.
// (SubjectID, Role, Scope) is unique.
type RoleAssignment struct {
	ID          string      `json:"id,omitempty" yaml:"id,omitempty"`
	SubjectID   string      `json:"subject_id" yaml:"subject_id"`
	SubjectType SubjectType `json:"subject_type,omitempty" yaml:"subject_type,omitempty"`
	Role        string      `json:"role" yaml:"role"`
	Scope       Scope       `json:"scope" yaml:"scope"`
	CreatedAt   time.Time   `json:"created_at,omitempty" yaml:"created_at,omitempty"`
}

// SameBinding reports whether a and b describe the same (subject, role, scope) tuple.
func (a RoleAssignment) SameBinding(b RoleAssignment) bool {
	return a.SubjectID == b.SubjectID && a.Role == b.Role && a.Scope == b.Scope
}

// CheckRequest asks whether Subject may perform Action on Resource ("{type}:{id}")
// in Context. Only the resource type takes part in the decision.
type CheckRequest struct {
	Subject  string         `json:"subject" validate:"required"`
	Action   string         `json:"action" validate:"required"`
	Resource string         `json:"resource" validate:"required"`
	Context  RequestContext `json:"context"`
}

// ResourceType returns the segment of Resource before the first ':'.
func (r CheckRequest) ResourceType() string {
	rt, _ := splitResource(r.Resource)
	return rt
}

// Reason explains a decision. Callers may log or display it but must not branch on it.
type Reason = string

const (
	ReasonMalformedRequest     Reason = "malformed_request"
	ReasonMissingTenantContext Reason = "missing_tenant_context"
	ReasonNoRolesAssigned      Reason = "no_roles_assigned"
	ReasonLacksPermission      Reason = "lacks_permission"
	ReasonScopeMismatch        Reason = "scope_mismatch"
	ReasonStoreUnavailable     Reason = "store_unavailable"
	ReasonInternalError        Reason = "internal_error"

	grantedByPrefix = "granted_by_role:"
)

// GrantedBy is the allow reason naming the role that matched.
func GrantedBy(role string) Reason { return grantedByPrefix + role }

// Decision is the outcome of a check.
type Decision struct {
	Allow  bool   `json:"allow"`
	Reason Reason `json:"reason"`
}

func Allow(reason Reason) Decision { return Decision{Allow: true, Reason: reason} }
func Deny(reason Reason) Decision  { return Decision{Allow: false, Reason: reason} }

// Cacheable is false for outcomes caused by transient failures.
func (d Decision) Cacheable() bool {
	return d.Reason != ReasonStoreUnavailable && d.Reason != ReasonInternalError
}

// GrantingRole returns the role named by an allow reason, if any.
func (d Decision) GrantingRole() (string, bool) {
	if !d.Allow {
		return "", false
	}
	return strings.CutPrefix(d.Reason, grantedByPrefix)
}

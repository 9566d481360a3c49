package rbac

import "fmt"

// ScopeKind tags the three valid scope forms.
type ScopeKind uint8

const (
	ScopeInvalid ScopeKind = iota
	ScopePlatform
	ScopeTenant
	ScopeClient
)

func (k ScopeKind) String() string {
	switch k {
	case ScopePlatform:
		return "platform"
	case ScopeTenant:
		return "tenant"
	case ScopeClient:
		return "client"
	default:
		return "invalid"
	}
}

// Scope is the boundary an assignment applies to. Empty IDs mean "not set":
//
//	Platform: {}          Tenant: {T, ""}          Client: {T, C}
//
// A client without a tenant is invalid.
type Scope struct {
	TenantID string `json:"tenant_id,omitempty" yaml:"tenant_id,omitempty"`
	ClientID string `json:"client_id,omitempty" yaml:"client_id,omitempty"`
}

func PlatformScope() Scope                   { return Scope{} }
func TenantScope(tenantID string) Scope      { return Scope{TenantID: tenantID} }
func ClientScope(tenantID, clientID string) Scope {
	return Scope{TenantID: tenantID, ClientID: clientID}
}

func (s Scope) Kind() ScopeKind {
	switch {
	case s.TenantID == "" && s.ClientID == "":
		return ScopePlatform
	case s.TenantID != "" && s.ClientID == "":
		return ScopeTenant
	case s.TenantID != "" && s.ClientID != "":
		return ScopeClient
	default:
		return ScopeInvalid
	}
}

// Validate rejects the client-without-tenant form.
func (s Scope) Validate() error {
	if s.Kind() == ScopeInvalid {
		return fmt.Errorf("%w: client %q has no tenant", ErrInvalidScope, s.ClientID)
	}
	return nil
}

// Narrowness ranks scopes for reason tie-breaks: Client > Tenant > Platform.
func (s Scope) Narrowness() int {
	switch s.Kind() {
	case ScopeClient:
		return 3
	case ScopeTenant:
		return 2
	case ScopePlatform:
		return 1
	default:
		return 0
	}
}

// Contains reports whether other lies inside s, e.g. a tenant contains its clients.
func (s Scope) Contains(other Scope) bool {
	switch s.Kind() {
	case ScopePlatform:
		return true
	case ScopeTenant:
		return other.TenantID == s.TenantID
	case ScopeClient:
		return other == s
	default:
		return false
	}
}

func (s Scope) String() string {
	switch s.Kind() {
	case ScopePlatform:
		return "platform"
	case ScopeTenant:
		return "tenant:" + s.TenantID
	case ScopeClient:
		return "client:" + s.TenantID + "/" + s.ClientID
	default:
		return "invalid:/" + s.ClientID
	}
}

// RequestContext is the tenant/client a check is made in. Empty means absent.
type RequestContext struct {
	TenantID string `json:"tenant_id,omitempty" yaml:"tenant_id,omitempty"`
	ClientID string `json:"client_id,omitempty" yaml:"client_id,omitempty"`
}

// Matches reports whether an assignment scope covers the request context.
// First rule wins:
//  1. platform assignments match any context, including one without a tenant;
//  2. tenant assignments match when the tenant is equal, whatever the client;
//  3. client assignments match when both tenant and client are equal;
//  4. anything else does not match.
func Matches(assignment Scope, ctx RequestContext) bool {
	switch assignment.Kind() {
	case ScopePlatform:
		return true
	case ScopeTenant:
		return ctx.TenantID == assignment.TenantID
	case ScopeClient:
		return ctx.TenantID == assignment.TenantID && ctx.ClientID == assignment.ClientID
	default:
		return false
	}
}

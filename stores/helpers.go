package stores

import (
	"encoding/json"
	"time"

	"github.com/oarkflow/date"

	"github.com/oarkflow/rbac"
)

func parseFlexibleTime(s string) (time.Time, error) {
	return date.Parse(s)
}

// scanTime normalizes a timestamp column: drivers hand back time.Time, text or bytes.
func scanTime(raw any) time.Time {
	switch v := raw.(type) {
	case time.Time:
		return v.UTC()
	case string:
		if t, err := parseFlexibleTime(v); err == nil {
			return t.UTC()
		}
	case []byte:
		if t, err := parseFlexibleTime(string(v)); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// binding is the identity of an assignment: what makes two assignments duplicates.
type binding struct {
	Role     string `json:"role"`
	TenantID string `json:"tenant_id,omitempty"`
	ClientID string `json:"client_id,omitempty"`
}

func bindingOf(a rbac.RoleAssignment) binding {
	return binding{Role: a.Role, TenantID: a.Scope.TenantID, ClientID: a.Scope.ClientID}
}

func (b binding) scope() rbac.Scope {
	return rbac.Scope{TenantID: b.TenantID, ClientID: b.ClientID}
}

func (b binding) encode() string {
	data, _ := json.Marshal(b)
	return string(data)
}

func decodeBinding(s string) (binding, error) {
	var b binding
	err := json.Unmarshal([]byte(s), &b)
	return b, err
}

// inScope reports whether an assignment scope falls inside a purged scope.
func inScope(purged, assigned rbac.Scope) bool {
	switch purged.Kind() {
	case rbac.ScopeTenant:
		return assigned.TenantID == purged.TenantID
	case rbac.ScopeClient:
		return assigned == purged
	default:
		return false
	}
}

func cloneAssignments(in []rbac.RoleAssignment) []rbac.RoleAssignment {
	out := make([]rbac.RoleAssignment, len(in))
	copy(out, in)
	return out
}

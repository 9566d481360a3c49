package rbac

import (
	"fmt"
	"sort"
	"strings"
)

// Built-in role names.
const (
	RoleSuperAdmin  = "super_admin"
	RoleTenantAdmin = "tenant_admin"
	RoleClientAdmin = "client_admin"
	RoleAgent       = "agent"
	RoleViewer      = "viewer"
)

// RoleDefinition is the declarative form of a role, as found in config files.
type RoleDefinition struct {
	Name        string   `json:"name" yaml:"name"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Permissions []string `json:"permissions" yaml:"permissions"`
}

// Role is a named, immutable set of permissions. Obtain roles from a Catalog.
type Role struct {
	name        string
	description string
	perms       map[Permission]struct{}
}

func (r *Role) Name() string        { return r.name }
func (r *Role) Description() string { return r.description }

// Has reports whether the role grants p.
func (r *Role) Has(p Permission) bool {
	_, ok := r.perms[p]
	return ok
}

// Permissions returns the role's permissions in sorted order.
func (r *Role) Permissions() []Permission {
	out := make([]Permission, 0, len(r.perms))
	for p := range r.perms {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Catalog maps role names to roles. It is built once and never mutated, so a
// single instance can be shared by every request.
type Catalog struct {
	roles map[string]*Role
}

// NewCatalog validates and freezes the given definitions.
func NewCatalog(defs ...RoleDefinition) (*Catalog, error) {
	c := &Catalog{roles: make(map[string]*Role, len(defs))}
	for _, def := range defs {
		name := strings.TrimSpace(def.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: empty role name", ErrUnknownRole)
		}
		if _, exists := c.roles[name]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateRole, name)
		}
		role := &Role{name: name, description: def.Description, perms: make(map[Permission]struct{}, len(def.Permissions))}
		for _, raw := range def.Permissions {
			p, err := ParsePermission(raw)
			if err != nil {
				return nil, fmt.Errorf("role %s: %w", name, err)
			}
			role.perms[p] = struct{}{}
		}
		c.roles[name] = role
	}
	return c, nil
}

// Lookup resolves a role by name.
func (c *Catalog) Lookup(name string) (*Role, bool) {
	r, ok := c.roles[name]
	return r, ok
}

// Names returns the role names in sorted order.
func (c *Catalog) Names() []string {
	out := make([]string, 0, len(c.roles))
	for name := range c.roles {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Definitions exports the catalog back into its declarative form.
func (c *Catalog) Definitions() []RoleDefinition {
	out := make([]RoleDefinition, 0, len(c.roles))
	for _, name := range c.Names() {
		r := c.roles[name]
		def := RoleDefinition{Name: r.name, Description: r.description}
		for _, p := range r.Permissions() {
			def.Permissions = append(def.Permissions, p.String())
		}
		out = append(out, def)
	}
	return out
}

func crud(resourceTypes ...string) []string {
	out := make([]string, 0, len(resourceTypes)*3)
	for _, rt := range resourceTypes {
		out = append(out, "read:"+rt, "write:"+rt, "delete:"+rt)
	}
	return out
}

// BuiltinRoles returns the deploy-time role definitions.
func BuiltinRoles() []RoleDefinition {
	superPerms := crud("tenant", "client", "user", "prompt", "workflow")
	for _, rt := range []string{"tenant", "client", "user", "prompt", "workflow"} {
		superPerms = append(superPerms, "manage:"+rt)
	}
	superPerms = append(superPerms, "execute:workflow", "manage:role_assignment", "read:audit_log")

	tenantPerms := append([]string{"read:tenant"}, crud("client", "user", "prompt", "workflow")...)
	tenantPerms = append(tenantPerms, "manage:client", "execute:workflow", "manage:role_assignment", "read:audit_log")

	clientPerms := append([]string{"read:client", "write:client"}, crud("prompt", "workflow")...)
	clientPerms = append(clientPerms, "execute:workflow", "read:user", "manage:role_assignment")

	return []RoleDefinition{
		{Name: RoleSuperAdmin, Description: "Platform operator with unrestricted access", Permissions: superPerms},
		{Name: RoleTenantAdmin, Description: "Administers one tenant and its clients", Permissions: tenantPerms},
		{Name: RoleClientAdmin, Description: "Administers one client", Permissions: clientPerms},
		{Name: RoleAgent, Description: "Works prompts and workflows", Permissions: []string{"read:client", "read:prompt", "write:prompt", "read:workflow", "execute:workflow"}},
		{Name: RoleViewer, Description: "Read-only access", Permissions: []string{"read:client", "read:prompt", "read:workflow"}},
	}
}

var builtinCatalog = mustCatalog(BuiltinRoles()...)

func mustCatalog(defs ...RoleDefinition) *Catalog {
	c, err := NewCatalog(defs...)
	if err != nil {
		panic(err)
	}
	return c
}

// DefaultCatalog returns the shared catalog of built-in roles.
func DefaultCatalog() *Catalog { return builtinCatalog }

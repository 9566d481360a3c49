package rbac

import "time"

// Builders provide a fluent API for creating role definitions and assignments

// RoleBuilder builds a RoleDefinition
type RoleBuilder struct {
	def RoleDefinition
}

func NewRoleBuilder(name string) *RoleBuilder {
	return &RoleBuilder{def: RoleDefinition{Name: name, Permissions: []string{}}}
}
func (b *RoleBuilder) Description(d string) *RoleBuilder { b.def.Description = d; return b }
func (b *RoleBuilder) Permission(action, resourceType string) *RoleBuilder {
	b.def.Permissions = append(b.def.Permissions, NewPermission(action, resourceType).String())
	return b
}

// CRUD grants read, write and delete on each resource type.
func (b *RoleBuilder) CRUD(resourceTypes ...string) *RoleBuilder {
	b.def.Permissions = append(b.def.Permissions, crud(resourceTypes...)...)
	return b
}
func (b *RoleBuilder) Build() RoleDefinition { return b.def }

// AssignmentBuilder builds a RoleAssignment
type AssignmentBuilder struct {
	a RoleAssignment
}

func NewAssignmentBuilder(subjectID string) *AssignmentBuilder {
	return &AssignmentBuilder{a: RoleAssignment{SubjectID: subjectID, SubjectType: SubjectUser}}
}

func (b *AssignmentBuilder) ID(id string) *AssignmentBuilder          { b.a.ID = id; return b }
func (b *AssignmentBuilder) Service() *AssignmentBuilder              { b.a.SubjectType = SubjectService; return b }
func (b *AssignmentBuilder) Role(role string) *AssignmentBuilder      { b.a.Role = role; return b }
func (b *AssignmentBuilder) Platform() *AssignmentBuilder             { b.a.Scope = PlatformScope(); return b }
func (b *AssignmentBuilder) Tenant(t string) *AssignmentBuilder       { b.a.Scope = TenantScope(t); return b }
func (b *AssignmentBuilder) Client(t, c string) *AssignmentBuilder    { b.a.Scope = ClientScope(t, c); return b }
func (b *AssignmentBuilder) CreatedAt(t time.Time) *AssignmentBuilder { b.a.CreatedAt = t; return b }
func (b *AssignmentBuilder) Build() RoleAssignment                    { return b.a }

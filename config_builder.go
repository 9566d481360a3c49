package rbac

import "time"

// ConfigBuilder provides fluent API for building configurations
type ConfigBuilder struct {
	cfg *Config
}

func NewConfigBuilder() *ConfigBuilder {
	return &ConfigBuilder{
		cfg: &Config{
			Version:     1,
			Roles:       []RoleDefinition{},
			Tenants:     []TenantConfig{},
			Assignments: []AssignmentConfig{},
			Engine: EngineConfig{
				DecisionCacheTTL: DefaultDecisionCacheTTL.Milliseconds(),
				StoreTimeout:     DefaultStoreTimeout.Milliseconds(),
				AuditBufferSize:  1024,
				BatchWorkerCount: 8,
			},
		},
	}
}

func (b *ConfigBuilder) Version(v uint16) *ConfigBuilder {
	b.cfg.Version = v
	return b
}

// AddRole adds a role definition. Adding any role replaces the built-in catalog.
func (b *ConfigBuilder) AddRole(def RoleDefinition) *ConfigBuilder {
	b.cfg.Roles = append(b.cfg.Roles, def)
	return b
}

// WithBuiltinRoles copies the built-in roles into the config so they can be extended.
func (b *ConfigBuilder) WithBuiltinRoles() *ConfigBuilder {
	b.cfg.Roles = append(b.cfg.Roles, BuiltinRoles()...)
	return b
}

func (b *ConfigBuilder) AddTenant(id, name string, clients ...string) *ConfigBuilder {
	b.cfg.Tenants = append(b.cfg.Tenants, TenantConfig{ID: id, Name: name, Clients: clients})
	return b
}

func (b *ConfigBuilder) Assign(subjectID, role string, scope Scope) *ConfigBuilder {
	b.cfg.Assignments = append(b.cfg.Assignments, AssignmentConfig{
		SubjectID: subjectID,
		Role:      role,
		TenantID:  scope.TenantID,
		ClientID:  scope.ClientID,
	})
	return b
}

func (b *ConfigBuilder) AssignService(subjectID, role string, scope Scope) *ConfigBuilder {
	b.Assign(subjectID, role, scope)
	b.cfg.Assignments[len(b.cfg.Assignments)-1].SubjectType = SubjectService
	return b
}

func (b *ConfigBuilder) TenantScoped(resourceTypes ...string) *ConfigBuilder {
	b.cfg.TenantScopedResources = append(b.cfg.TenantScopedResources, resourceTypes...)
	return b
}

func (b *ConfigBuilder) DecisionCacheTTL(d time.Duration) *ConfigBuilder {
	b.cfg.Engine.DecisionCacheTTL = d.Milliseconds()
	return b
}

func (b *ConfigBuilder) StoreTimeout(d time.Duration) *ConfigBuilder {
	b.cfg.Engine.StoreTimeout = d.Milliseconds()
	return b
}

func (b *ConfigBuilder) AuditBufferSize(n int) *ConfigBuilder {
	b.cfg.Engine.AuditBufferSize = n
	return b
}

func (b *ConfigBuilder) BatchWorkers(n int) *ConfigBuilder {
	b.cfg.Engine.BatchWorkerCount = n
	return b
}

func (b *ConfigBuilder) Ristretto(numCounters, maxCost, bufferItems int64) *ConfigBuilder {
	b.cfg.Engine.RistrettoNumCounter = numCounters
	b.cfg.Engine.RistrettoMaxCost = maxCost
	b.cfg.Engine.RistrettoBuffer = bufferItems
	return b
}

func (b *ConfigBuilder) Build() *Config {
	return b.cfg
}

package rbac

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents a complete policy engine configuration
type Config struct {
	Version uint16 `json:"version" yaml:"version"`
	// Roles replaces the built-in catalog when non-empty.
	Roles                 []RoleDefinition   `json:"roles,omitempty" yaml:"roles,omitempty"`
	TenantScopedResources []string           `json:"tenant_scoped_resources,omitempty" yaml:"tenant_scoped_resources,omitempty"`
	Tenants               []TenantConfig     `json:"tenants,omitempty" yaml:"tenants,omitempty"`
	Assignments           []AssignmentConfig `json:"assignments,omitempty" yaml:"assignments,omitempty"`
	Engine                EngineConfig       `json:"engine" yaml:"engine"`
}

// TenantConfig declares a tenant and its clients. When any tenant is declared,
// seed assignments must reference declared tenants and clients only.
type TenantConfig struct {
	ID      string   `json:"id" yaml:"id"`
	Name    string   `json:"name,omitempty" yaml:"name,omitempty"`
	Clients []string `json:"clients,omitempty" yaml:"clients,omitempty"`
}

// AssignmentConfig is a seed role assignment.
type AssignmentConfig struct {
	SubjectID   string      `json:"subject_id" yaml:"subject_id"`
	SubjectType SubjectType `json:"subject_type,omitempty" yaml:"subject_type,omitempty"`
	Role        string      `json:"role" yaml:"role"`
	TenantID    string      `json:"tenant_id,omitempty" yaml:"tenant_id,omitempty"`
	ClientID    string      `json:"client_id,omitempty" yaml:"client_id,omitempty"`
}

func (a AssignmentConfig) Assignment() RoleAssignment {
	st := a.SubjectType
	if st == "" {
		st = SubjectUser
	}
	return RoleAssignment{
		SubjectID:   a.SubjectID,
		SubjectType: st,
		Role:        a.Role,
		Scope:       Scope{TenantID: a.TenantID, ClientID: a.ClientID},
	}
}

type EngineConfig struct {
	DecisionCacheTTL    int64 `json:"decision_cache_ttl_ms" yaml:"decision_cache_ttl_ms"`
	StoreTimeout        int64 `json:"store_timeout_ms" yaml:"store_timeout_ms"`
	AuditBufferSize     int   `json:"audit_buffer_size" yaml:"audit_buffer_size"`
	BatchWorkerCount    int   `json:"batch_worker_count" yaml:"batch_worker_count"`
	RistrettoNumCounter int64 `json:"ristretto_num_counter" yaml:"ristretto_num_counter"`
	RistrettoMaxCost    int64 `json:"ristretto_max_cost" yaml:"ristretto_max_cost"`
	RistrettoBuffer     int64 `json:"ristretto_buffer" yaml:"ristretto_buffer"`
}

// ConfigLoader loads configuration from various formats
type ConfigLoader struct{}

func NewConfigLoader() *ConfigLoader {
	return &ConfigLoader{}
}

func (l *ConfigLoader) LoadYAML(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (l *ConfigLoader) LoadJSON(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile picks the decoder from the file extension.
func (l *ConfigLoader) LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return l.LoadYAML(data)
	case ".json":
		return l.LoadJSON(data)
	default:
		return nil, fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}
}

// ToYAML exports config to YAML
func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// ToJSON exports config to JSON
func (c *Config) ToJSON() ([]byte, error) {
	return json.MarshalIndent(c, "", "  ")
}

// Catalog builds the role catalog the config describes.
func (c *Config) Catalog() (*Catalog, error) {
	if len(c.Roles) == 0 {
		return DefaultCatalog(), nil
	}
	return NewCatalog(c.Roles...)
}

// Validate checks roles, tenants and seed assignments without touching a store.
func (c *Config) Validate() error {
	catalog, err := c.Catalog()
	if err != nil {
		return err
	}
	clients := make(map[string]map[string]bool, len(c.Tenants))
	for _, t := range c.Tenants {
		if t.ID == "" {
			return fmt.Errorf("%w: tenant without id", ErrInvalidScope)
		}
		if _, dup := clients[t.ID]; dup {
			return fmt.Errorf("%w: duplicate tenant %s", ErrInvalidScope, t.ID)
		}
		clients[t.ID] = make(map[string]bool, len(t.Clients))
		for _, cl := range t.Clients {
			clients[t.ID][cl] = true
		}
	}
	for i, ac := range c.Assignments {
		a := ac.Assignment()
		if err := ValidateAssignment(catalog, a); err != nil {
			return fmt.Errorf("assignment %d: %w", i, err)
		}
		if len(clients) == 0 || a.Scope.Kind() == ScopePlatform {
			continue
		}
		known, ok := clients[a.Scope.TenantID]
		if !ok {
			return fmt.Errorf("assignment %d: %w: undeclared tenant %s", i, ErrInvalidScope, a.Scope.TenantID)
		}
		if a.Scope.Kind() == ScopeClient && !known[a.Scope.ClientID] {
			return fmt.Errorf("assignment %d: %w: undeclared client %s", i, ErrInvalidScope, a.Scope)
		}
	}
	return nil
}

// Options translates the config into Service options.
func (c *Config) Options() ([]Option, error) {
	catalog, err := c.Catalog()
	if err != nil {
		return nil, err
	}
	opts := []Option{WithCatalog(catalog)}
	if len(c.TenantScopedResources) > 0 {
		opts = append(opts, WithTenantScoped(c.TenantScopedResources...))
	}
	e := c.Engine
	if e.RistrettoNumCounter > 0 || e.RistrettoMaxCost > 0 || e.RistrettoBuffer > 0 {
		opts = append(opts, WithCacheConfig(CacheConfig{
			NumCounters: e.RistrettoNumCounter,
			MaxCost:     e.RistrettoMaxCost,
			BufferItems: e.RistrettoBuffer,
		}))
	}
	if e.DecisionCacheTTL > 0 {
		opts = append(opts, WithDecisionCacheTTL(time.Duration(e.DecisionCacheTTL)*time.Millisecond))
	}
	if e.StoreTimeout > 0 {
		opts = append(opts, WithStoreTimeout(time.Duration(e.StoreTimeout)*time.Millisecond))
	}
	if e.AuditBufferSize > 0 {
		opts = append(opts, WithAuditBuffer(e.AuditBufferSize))
	}
	if e.BatchWorkerCount > 0 {
		opts = append(opts, WithBatchWorkerCount(e.BatchWorkerCount))
	}
	return opts, nil
}

// ApplyResult counts what ApplyConfig did.
type ApplyResult struct {
	Created  int `json:"created"`
	Existing int `json:"existing"`
}

// ApplyConfig seeds the config's assignments through the service. Running it
// twice is harmless: existing bindings are counted, not duplicated. Engine
// settings are construction-time only; pass cfg.Options() to NewService.
func (s *Service) ApplyConfig(ctx context.Context, cfg *Config) (ApplyResult, error) {
	var res ApplyResult
	if err := cfg.Validate(); err != nil {
		return res, err
	}
	for i, ac := range cfg.Assignments {
		_, created, err := s.Assign(ctx, ac.Assignment())
		if err != nil {
			return res, fmt.Errorf("apply assignment %d: %w", i, err)
		}
		if created {
			res.Created++
		} else {
			res.Existing++
		}
	}
	s.logger.Info("config applied", "version", int(cfg.Version), "created", res.Created, "existing", res.Existing)
	return res, nil
}

// NewServiceFromConfig builds a Service from cfg and seeds its assignments.
// Extra options are applied after the config's own.
func NewServiceFromConfig(ctx context.Context, store AssignmentStore, cfg *Config, extra ...Option) (*Service, error) {
	opts, err := cfg.Options()
	if err != nil {
		return nil, err
	}
	svc, err := NewService(store, append(opts, extra...)...)
	if err != nil {
		return nil, err
	}
	if len(cfg.Assignments) > 0 {
		if _, err := svc.ApplyConfig(ctx, cfg); err != nil {
			_ = svc.Close(ctx)
			return nil, err
		}
	}
	return svc, nil
}

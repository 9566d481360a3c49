package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/oarkflow/rbac"
	"github.com/oarkflow/rbac/stores"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	switch cmd {
	case "convert":
		handleConvert()
	case "validate":
		handleValidate()
	case "stats":
		handleStats()
	case "apply":
		handleApply()
	case "check":
		handleCheck()
	case "roles":
		handleRoles()
	default:
		fmt.Printf("Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("rbac-config - Configuration tool for the rbac policy engine")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  rbac-config convert <input> <output>          - Convert between formats")
	fmt.Println("  rbac-config validate <file>                   - Validate configuration")
	fmt.Println("  rbac-config stats <file>                      - Show configuration statistics")
	fmt.Println("  rbac-config apply <file> [sqlite-dsn]         - Seed assignments into a store")
	fmt.Println("  rbac-config check <file> <subject> <action> <resource> [tenant] [client]")
	fmt.Println("                                                - Evaluate one request against the file")
	fmt.Println("  rbac-config roles [file]                      - List roles and their permissions")
	fmt.Println()
	fmt.Println("Supported formats: .yaml, .yml, .json")
}

func handleConvert() {
	if len(os.Args) < 4 {
		fmt.Println("Usage: rbac-config convert <input> <output>")
		os.Exit(1)
	}

	inputFile := os.Args[2]
	outputFile := os.Args[3]

	cfg, err := loadConfig(inputFile)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	if err := saveConfig(cfg, outputFile); err != nil {
		fmt.Printf("Error saving config: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Converted %s -> %s\n", inputFile, outputFile)
}

func handleValidate() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: rbac-config validate <file>")
		os.Exit(1)
	}

	cfg, err := loadConfig(os.Args[2])
	if err != nil {
		fmt.Printf("Invalid configuration: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Printf("Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Configuration is valid\n")
	fmt.Printf("  Version: %d\n", cfg.Version)
	fmt.Printf("  Roles: %d\n", len(cfg.Roles))
	fmt.Printf("  Tenants: %d\n", len(cfg.Tenants))
	fmt.Printf("  Assignments: %d\n", len(cfg.Assignments))
}

func handleStats() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: rbac-config stats <file>")
		os.Exit(1)
	}

	filename := os.Args[2]
	cfg, err := loadConfig(filename)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}
	catalog, err := cfg.Catalog()
	if err != nil {
		fmt.Printf("Error building role catalog: %v\n", err)
		os.Exit(1)
	}

	stat, _ := os.Stat(filename)

	fmt.Println("Configuration Statistics")
	fmt.Println("========================")
	if stat != nil {
		fmt.Printf("File size: %d bytes\n", stat.Size())
	}
	fmt.Printf("Version: %d\n", cfg.Version)
	fmt.Println()

	clients := 0
	for _, t := range cfg.Tenants {
		clients += len(t.Clients)
	}
	fmt.Println("Components:")
	fmt.Printf("  Roles:       %d\n", len(catalog.Names()))
	fmt.Printf("  Tenants:     %d\n", len(cfg.Tenants))
	fmt.Printf("  Clients:     %d\n", clients)
	fmt.Printf("  Assignments: %d\n", len(cfg.Assignments))
	fmt.Println()

	if len(cfg.Assignments) > 0 {
		byKind := map[rbac.ScopeKind]int{}
		byRole := map[string]int{}
		services := 0
		for _, ac := range cfg.Assignments {
			a := ac.Assignment()
			byKind[a.Scope.Kind()]++
			byRole[a.Role]++
			if a.SubjectType == rbac.SubjectService {
				services++
			}
		}
		fmt.Println("Assignment Details:")
		fmt.Printf("  Platform scoped: %d\n", byKind[rbac.ScopePlatform])
		fmt.Printf("  Tenant scoped:   %d\n", byKind[rbac.ScopeTenant])
		fmt.Printf("  Client scoped:   %d\n", byKind[rbac.ScopeClient])
		fmt.Printf("  Service subjects: %d\n", services)
		for _, name := range catalog.Names() {
			if n := byRole[name]; n > 0 {
				fmt.Printf("  %s: %d\n", name, n)
			}
		}
		fmt.Println()
	}

	fmt.Println("Engine Configuration:")
	fmt.Printf("  Decision cache TTL:  %dms\n", cfg.Engine.DecisionCacheTTL)
	fmt.Printf("  Store timeout:       %dms\n", cfg.Engine.StoreTimeout)
	fmt.Printf("  Audit buffer size:   %d\n", cfg.Engine.AuditBufferSize)
	fmt.Printf("  Batch worker count:  %d\n", cfg.Engine.BatchWorkerCount)
}

func handleApply() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: rbac-config apply <file> [sqlite-dsn]")
		os.Exit(1)
	}

	cfg, err := loadConfig(os.Args[2])
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	var store rbac.AssignmentStore = stores.NewMemoryAssignmentStore()
	if len(os.Args) > 3 {
		db, err := stores.OpenDB("sqlite", os.Args[3])
		if err != nil {
			fmt.Printf("Error opening database: %v\n", err)
			os.Exit(1)
		}
		defer db.Close()
		if err := stores.Migrate(ctx, db); err != nil {
			fmt.Printf("Error migrating database: %v\n", err)
			os.Exit(1)
		}
		store = stores.NewSQLAssignmentStore(db)
	}

	opts, err := cfg.Options()
	if err != nil {
		fmt.Printf("Error building options: %v\n", err)
		os.Exit(1)
	}
	svc, err := rbac.NewService(store, opts...)
	if err != nil {
		fmt.Printf("Error building service: %v\n", err)
		os.Exit(1)
	}
	defer svc.Close(ctx)

	res, err := svc.ApplyConfig(ctx, cfg)
	if err != nil {
		fmt.Printf("Error applying config: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Configuration applied successfully\n")
	fmt.Printf("  Assignments created: %d\n", res.Created)
	fmt.Printf("  Assignments already present: %d\n", res.Existing)
}

func handleCheck() {
	if len(os.Args) < 6 {
		fmt.Println("Usage: rbac-config check <file> <subject> <action> <resource> [tenant] [client]")
		os.Exit(1)
	}

	cfg, err := loadConfig(os.Args[2])
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	req := rbac.CheckRequest{Subject: os.Args[3], Action: os.Args[4], Resource: os.Args[5]}
	if len(os.Args) > 6 {
		req.Context.TenantID = os.Args[6]
	}
	if len(os.Args) > 7 {
		req.Context.ClientID = os.Args[7]
	}

	ctx := context.Background()
	svc, err := rbac.NewServiceFromConfig(ctx, stores.NewMemoryAssignmentStore(), cfg)
	if err != nil {
		fmt.Printf("Error building service: %v\n", err)
		os.Exit(1)
	}

	d := svc.Evaluate(ctx, req)
	_ = svc.Close(ctx)
	if !d.Allow {
		fmt.Printf("DENY (%s)\n", d.Reason)
		os.Exit(2)
	}
	fmt.Printf("ALLOW (%s)\n", d.Reason)
}

func handleRoles() {
	catalog := rbac.DefaultCatalog()
	if len(os.Args) > 2 {
		cfg, err := loadConfig(os.Args[2])
		if err != nil {
			fmt.Printf("Error loading config: %v\n", err)
			os.Exit(1)
		}
		if catalog, err = cfg.Catalog(); err != nil {
			fmt.Printf("Error building role catalog: %v\n", err)
			os.Exit(1)
		}
	}
	for _, def := range catalog.Definitions() {
		fmt.Printf("%s - %s\n", def.Name, def.Description)
		fmt.Printf("  %s\n", strings.Join(def.Permissions, ", "))
	}
}

func loadConfig(filename string) (*rbac.Config, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml", ".json":
		return rbac.NewConfigLoader().LoadFile(filename)
	default:
		return nil, fmt.Errorf("unsupported file format: %s", filepath.Ext(filename))
	}
}

func saveConfig(cfg *rbac.Config, filename string) error {
	ext := strings.ToLower(filepath.Ext(filename))

	var data []byte
	var err error

	switch ext {
	case ".yaml", ".yml":
		data, err = cfg.ToYAML()
	case ".json":
		data, err = cfg.ToJSON()
	default:
		return fmt.Errorf("unsupported file format: %s", ext)
	}

	if err != nil {
		return err
	}

	return os.WriteFile(filename, data, 0644)
}

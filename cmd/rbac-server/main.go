package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/unrolled/secure"

	"github.com/oarkflow/rbac"
	"github.com/oarkflow/rbac/httpapi"
	"github.com/oarkflow/rbac/logger"
	"github.com/oarkflow/rbac/stores"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	log := newLogger(cfg)
	if err := run(ctx, stop, cfg, log); err != nil {
		log.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, stop context.CancelFunc, cfg *Config, log logger.Logger) error {
	be, err := openBackend(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer be.close(log)

	policy := &rbac.Config{}
	if cfg.ConfigFile != "" {
		if policy, err = rbac.NewConfigLoader().LoadFile(cfg.ConfigFile); err != nil {
			return err
		}
	}
	if policy.Engine.StoreTimeout == 0 {
		policy.Engine.StoreTimeout = cfg.StoreTimeout.Milliseconds()
	}

	opts := []rbac.Option{rbac.WithLogger(log)}
	if be.audit != nil {
		opts = append(opts, rbac.WithAuditSink(be.audit))
	}
	svc, err := rbac.NewServiceFromConfig(ctx, be.store, policy, opts...)
	if err != nil {
		return err
	}

	handlerOpts := []httpapi.Option{
		httpapi.WithLogger(log),
		httpapi.WithRateLimit(cfg.RateLimit, cfg.RateWindow),
	}
	if cfg.AdminGuard {
		handlerOpts = append(handlerOpts, httpapi.WithAdminGuard())
	}
	secureMiddleware := secure.New(secure.Options{
		FrameDeny:             true,
		ContentTypeNosniff:    true,
		BrowserXssFilter:      true,
		ReferrerPolicy:        "no-referrer",
		ContentSecurityPolicy: "default-src 'none'",
		SSLRedirect:           cfg.IsProduction(),
		SSLProxyHeaders:       map[string]string{"X-Forwarded-Proto": "https"},
		IsDevelopment:         !cfg.IsProduction(),
	})

	server := &http.Server{
		Addr:         cfg.Addr,
		Handler:      secureMiddleware.Handler(httpapi.NewHandler(svc, handlerOpts...).Routes()),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	go func() {
		log.Info("starting http server", "addr", cfg.Addr, "store", cfg.StoreDriver, "writable", svc.Writable())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownWait)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown", "error", err)
	}
	if err := svc.Close(shutdownCtx); err != nil {
		log.Warn("audit drain incomplete", "error", err, "dropped", svc.Stats().AuditDropped)
	}
	return nil
}

func newLogger(cfg *Config) logger.Logger {
	if cfg.LogFormat == "text" {
		return logger.NewSLogLogger(slog.New(slog.NewTextHandler(os.Stdout, nil)))
	}
	return logger.NewPhusluLogger()
}

// backend is the storage the server runs against.
type backend struct {
	store   rbac.AssignmentStore
	audit   rbac.AuditSink
	closers []func() error
}

func (b *backend) close(log logger.Logger) {
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			log.Warn("backend close", "error", err)
		}
	}
}

func openBackend(ctx context.Context, cfg *Config, log logger.Logger) (*backend, error) {
	be := &backend{}
	switch cfg.StoreDriver {
	case "memory":
		be.store = stores.NewMemoryAssignmentStore()
	case "sqlite", "postgres":
		db, err := stores.OpenDB(cfg.StoreDriver, cfg.DSN)
		if err != nil {
			return nil, err
		}
		be.closers = append(be.closers, db.Close)
		if err := stores.Migrate(ctx, db); err != nil {
			be.close(log)
			return nil, err
		}
		be.store = stores.NewSQLAssignmentStore(db)
		if cfg.SQLAudit {
			be.audit = stores.NewSQLAuditStore(db)
		}
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		be.closers = append(be.closers, client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			// checks fail closed until redis comes back
			log.Warn("redis ping", "error", err)
		}
		be.store = stores.NewRedisAssignmentStore(client).WithPrefix(cfg.RedisPrefix)
	}
	return be, nil
}

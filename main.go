package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/occi-engine/pkg/apperrors"
	"github.com/ekaya-inc/occi-engine/pkg/catalog"
	"github.com/ekaya-inc/occi-engine/pkg/config"
	"github.com/ekaya-inc/occi-engine/pkg/database"
	"github.com/ekaya-inc/occi-engine/pkg/handlers"
	"github.com/ekaya-inc/occi-engine/pkg/logging"
	"github.com/ekaya-inc/occi-engine/pkg/metrics"
	"github.com/ekaya-inc/occi-engine/pkg/middleware"
	"github.com/ekaya-inc/occi-engine/pkg/registry"
	"github.com/ekaya-inc/occi-engine/pkg/repositories"
	"github.com/ekaya-inc/occi-engine/pkg/retry"
	"github.com/ekaya-inc/occi-engine/pkg/services"
)

// Version is set at build time via ldflags
var Version = "dev"

const shutdownTimeout = 15 * time.Second

func main() {
	// Load configuration
	cfg, err := config.Load(Version)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	apperrors.SetPanicOnInvariant(cfg.IsDevelopment())

	logger.Info("Configuration loaded",
		zap.String("version", cfg.Version),
		zap.String("base_url", cfg.BaseURL),
		zap.String("backend", cfg.Persistence.Backend),
		zap.Duration("autosave_interval", cfg.Persistence.AutosaveInterval),
		zap.String("default_owner", cfg.Registry.DefaultOwner),
		zap.Strings("default_extensions", cfg.Registry.DefaultExtensions))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cat := catalog.New(logger)
	if err := cat.LoadFrom(catalog.NewBuiltinSource()); err != nil {
		logger.Fatal("Failed to load builtin extensions", zap.Error(err))
	}
	if cfg.Registry.ExtensionsDir != "" {
		if err := cat.LoadFrom(catalog.NewDirSource(cfg.Registry.ExtensionsDir)); err != nil {
			logger.Fatal("Failed to load extensions",
				zap.String("dir", cfg.Registry.ExtensionsDir),
				zap.Error(err))
		}
	}

	m := metrics.New()
	manager, err := registry.NewManager(cat, registry.Options{
		DefaultOwner:      cfg.Registry.DefaultOwner,
		DefaultExtensions: cfg.Registry.DefaultExtensions,
		Metrics:           m,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to create registry manager", zap.Error(err))
	}
	defer manager.Close()

	repo, closeRepo, err := openSnapshotRepository(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to open snapshot store", zap.Error(err))
	}
	defer closeRepo()

	var snapshots services.SnapshotService
	if repo != nil {
		snapshots = services.NewSnapshotService(manager, repo, m, logger)
		n, err := snapshots.LoadAll(ctx)
		if err != nil {
			// Unreadable tenants are skipped; the rest still serve.
			logger.Error("Some tenant snapshots could not be restored", zap.Error(err))
		}
		logger.Info("Tenant snapshots restored", zap.Int("tenants", n))
		snapshots.RunScheduler(ctx, cfg.Persistence.AutosaveInterval)
	}

	mux := http.NewServeMux()

	healthHandler := handlers.NewHealthHandler(cfg, manager, m, logger)
	healthHandler.RegisterRoutes(mux)

	occiHandler := handlers.NewOCCIHandler(manager, m, logger)
	occiHandler.RegisterRoutes(mux)

	server := &http.Server{
		Addr:              cfg.BindAddr + ":" + cfg.Port,
		Handler:           middleware.RequestLogger(logger)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Starting occi-engine",
			zap.String("addr", server.Addr),
			zap.Bool("tls", cfg.TLSCertPath != ""))
		var err error
		if cfg.TLSCertPath != "" {
			err = server.ListenAndServeTLS(cfg.TLSCertPath, cfg.TLSKeyPath)
		} else {
			err = server.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			logger.Error("Server failed", zap.Error(err))
		}
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown failed", zap.Error(err))
	}

	if snapshots != nil {
		n, err := snapshots.SaveAll(shutdownCtx)
		if err != nil {
			logger.Error("Final snapshot save incomplete", zap.Error(err))
		}
		logger.Info("Final snapshot save", zap.Int("tenants", n))
	}
	logger.Info("occi-engine stopped")
}

// openSnapshotRepository opens the configured snapshot store. The returned
// close function is always safe to call. A nil repository means persistence
// is disabled.
func openSnapshotRepository(ctx context.Context, cfg *config.Config, logger *zap.Logger) (repositories.SnapshotRepository, func(), error) {
	noop := func() {}
	p := cfg.Persistence

	switch p.Backend {
	case config.BackendNone:
		logger.Warn("Persistence disabled; tenants live in memory only")
		return nil, noop, nil

	case config.BackendFile:
		repo, err := repositories.NewFileSnapshotRepository(p.FileDir)
		if err != nil {
			return nil, noop, err
		}
		logger.Info("Using file snapshot store", zap.String("dir", p.FileDir))
		return repo, noop, nil

	case config.BackendSQLite:
		db, err := database.OpenSQLite(ctx, p.SQLitePath)
		if err != nil {
			return nil, noop, err
		}
		if err := database.RunMigrations(db, database.DialectSQLite, logger); err != nil {
			db.Close()
			return nil, noop, err
		}
		logger.Info("Using SQLite snapshot store", zap.String("path", p.SQLitePath))
		return repositories.NewSQLiteSnapshotRepository(db), func() { db.Close() }, nil

	case config.BackendPostgres:
		dbCfg := &database.Config{
			URL:            p.Database.ConnectionString(),
			MaxConnections: p.Database.MaxConnections,
		}
		db, err := retry.DoWithResult(ctx, retry.DefaultConfig(), func() (*database.DB, error) {
			return database.NewConnection(ctx, dbCfg, logger)
		})
		if err != nil {
			return nil, noop, err
		}
		if err := database.RunMigrations(db.StdDB(), database.DialectPostgres, logger); err != nil {
			db.Close()
			return nil, noop, err
		}
		return repositories.NewPostgresSnapshotRepository(db), db.Close, nil

	case config.BackendRedis:
		client, err := database.NewRedisClient(ctx, &p.Redis)
		if err != nil {
			return nil, noop, err
		}
		if client == nil {
			return nil, noop, fmt.Errorf("redis backend selected but no redis host configured")
		}
		logger.Info("Using Redis snapshot store", zap.String("addr", p.Redis.Addr()))
		return repositories.NewRedisSnapshotRepository(client, p.Redis.KeyPrefix), func() { _ = client.Close() }, nil

	default:
		return nil, noop, fmt.Errorf("unknown persistence backend %q", p.Backend)
	}
}

package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"transport-simulator/internal/config"
	"transport-simulator/internal/db"
	"transport-simulator/internal/logging"
	"transport-simulator/internal/metrics"
	"transport-simulator/internal/path"
	"transport-simulator/internal/publisher"
	"transport-simulator/internal/script"
	"transport-simulator/internal/sim"
	"transport-simulator/internal/transport"
	"transport-simulator/internal/world"
)

func main() {
	// Load configuration from .env and environment
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	// Root context with cancellation on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	src, closeSrc, err := openSource(ctx, cfg, log)
	if err != nil {
		log.Fatal("path source", zap.Error(err))
	}
	defer closeSrc()

	regions, err := src.Regions(ctx)
	if err != nil {
		log.Fatal("load regions", zap.Error(err))
	}
	w := world.NewService(regions)

	// Metrics setup
	var mcol *metrics.Collector
	if cfg.MetricsAddr != "" {
		mcol = metrics.NewCollector(cfg.SpeedMultiplier, cfg.TickInterval, cfg.PublishInterval)
		srv := mcol.Serve(cfg.MetricsAddr, log)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	// Initialize NATS publisher
	pub, err := publisher.NewNATSPublisher(cfg.NATSURL, cfg.NATSSubjectPrefix, cfg.LogNATSSubjects, wrapPublisherMetrics(mcol), log)
	if err != nil {
		log.Fatal("nats error", zap.Error(err))
	}
	defer pub.Close()

	deps := transport.Deps{
		World:     w,
		Hooks:     script.NewDispatcher(log),
		Scripts:   script.NewLoggingRunner(log, unhandledCounter(mcol)),
		Broadcast: pub,
		Log:       log,
	}
	if mcol != nil {
		deps.Metrics = mcol
	}

	mgr := sim.NewManager(src, w, deps, pub, sim.Options{
		TickInterval:    cfg.TickInterval,
		PublishInterval: cfg.PublishInterval,
		ReloadInterval:  cfg.ReloadInterval,
		SpeedMultiplier: cfg.SpeedMultiplier,
		Metrics:         mcol,
		Log:             log,
	})
	n, err := mgr.LoadTransports(ctx)
	if err != nil {
		log.Fatal("load transports", zap.Error(err))
	}
	if n == 0 {
		log.Warn("no transports loaded")
	}

	// Block until context cancelled; Run despawns everything on the way out
	if err := mgr.Run(ctx); err != nil {
		log.Error("simulation stopped", zap.Error(err))
	}
	log.Info("shutdown complete")
}

// openSource returns the YAML file source when PATHS_FILE is set, otherwise
// the world database, resolving the realm's latest import when needed.
func openSource(ctx context.Context, cfg *config.Config, log *zap.Logger) (path.Source, func(), error) {
	if cfg.PathsFile != "" {
		src, err := path.LoadFile(cfg.PathsFile)
		if err != nil {
			return nil, nil, err
		}
		log.Info("using paths file", zap.String("file", cfg.PathsFile))
		return src, func() {}, nil
	}

	finalDSN := cfg.DatabaseURL
	dbName := cfg.WorldDB
	if dbName == "" && cfg.Realm != "" {
		name, err := resolveRealm(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		dbName = name
	}
	if dbName != "" {
		var err error
		if finalDSN, err = db.WithDBName(cfg.DatabaseURL, dbName); err != nil {
			return nil, nil, fmt.Errorf("compose DSN: %w", err)
		}
	}
	sqlDB, err := db.Open(finalDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("db open (world): %w", err)
	}
	if err := db.Ping(ctx, sqlDB); err != nil {
		sqlDB.Close()
		return nil, nil, fmt.Errorf("db ping (world): %w", err)
	}
	log.Info("using world database", zap.String("database", dbName), zap.String("realm", cfg.Realm))
	return db.NewSource(sqlDB), func() { sqlDB.Close() }, nil
}

// resolveRealm reads latest_world_imports from the cluster's meta database.
func resolveRealm(ctx context.Context, cfg *config.Config) (string, error) {
	rootDSN, err := db.WithDBName(cfg.DatabaseURL, "postgres")
	if err != nil {
		return "", fmt.Errorf("invalid base DSN: %w", err)
	}
	var metaDB *sql.DB
	if metaDB, err = db.Open(rootDSN); err != nil {
		return "", fmt.Errorf("db open (meta): %w", err)
	}
	defer metaDB.Close()
	if err := db.Ping(ctx, metaDB); err != nil {
		return "", fmt.Errorf("db ping (meta): %w", err)
	}
	name, err := db.ResolveLatestWorldDB(ctx, metaDB, cfg.Realm)
	if err != nil {
		return "", fmt.Errorf("resolve world database for realm %q: %w", cfg.Realm, err)
	}
	return name, nil
}

func unhandledCounter(c *metrics.Collector) script.Counter {
	if c == nil {
		return nil
	}
	return c.UnhandledScripts
}

// wrapPublisherMetrics adapts our Collector to the PublisherMetrics interface.
func wrapPublisherMetrics(c *metrics.Collector) publisher.PublisherMetrics {
	if c == nil {
		return nil
	}
	return &pubMetrics{c: c}
}

type pubMetrics struct{ c *metrics.Collector }

func (p *pubMetrics) NATSPublishedInc()              { p.c.NATSPublished.Inc() }
func (p *pubMetrics) NATSPublishErrInc()             { p.c.NATSPublishErrs.Inc() }
func (p *pubMetrics) PublishObserve(d time.Duration) { p.c.PublishDuration.Observe(d.Seconds()) }
func (p *pubMetrics) NATSSetConnected(b bool) {
	if b {
		p.c.NATSConnected.Set(1)
	} else {
		p.c.NATSConnected.Set(0)
	}
}

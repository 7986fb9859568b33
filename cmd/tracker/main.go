// Package main runs the recommendation tracker: admission over HTTP,
// periodic monitoring of ACTIVE recommendations and scheduled maintenance.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"recommendation-tracker/internal/api"
	"recommendation-tracker/internal/config"
	"recommendation-tracker/internal/cronrunner"
	"recommendation-tracker/internal/domain"
	"recommendation-tracker/internal/gate"
	"recommendation-tracker/internal/lifecycle"
	"recommendation-tracker/internal/logger"
	"recommendation-tracker/internal/oracle"
	"recommendation-tracker/internal/risk"
	"recommendation-tracker/internal/storage"
	chstore "recommendation-tracker/internal/storage/clickhouse"
	"recommendation-tracker/internal/storage/memory"
	"recommendation-tracker/internal/storage/migrations"
	pgstore "recommendation-tracker/internal/storage/postgres"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to YAML config")
	envOnly := flag.Bool("env-only", false, "Read configuration from TRACKER_* environment variables only")
	flag.Parse()

	cfg, err := config.Load(*configPath, *envOnly)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	zl, err := logger.New(cfg.Log)
	if err != nil {
		log.Fatalf("build logger: %v", err)
	}
	defer zl.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, zl); err != nil && !errors.Is(err, context.Canceled) {
		zl.Error("tracker exited", zap.Error(err))
		os.Exit(1)
	}
	zl.Info("shutdown complete")
}

func run(ctx context.Context, cfg config.Config, zl *zap.Logger) error {
	stores, cleanup, err := createStores(ctx, cfg.Storage, zl)
	if err != nil {
		return fmt.Errorf("create stores: %w", err)
	}
	defer cleanup()

	priceOracle, closeOracle, err := createOracle(ctx, cfg.Oracle, zl)
	if err != nil {
		return fmt.Errorf("create oracle: %w", err)
	}
	defer closeOracle()

	engine := lifecycle.New(lifecycle.Options{
		Config:    cfg.Lifecycle,
		Store:     stores.recommendations,
		Snapshots: stores.snapshots,
		Oracle:    priceOracle,
		Gate: &gate.Gate{
			Config: cfg.Admission,
			Store:  stores.recommendations,
			Logger: zl.Named("gate"),
		},
		Risk:       &risk.Parameterizer{Config: cfg.Risk},
		Normalizer: domain.NewSymbolNormalizer(cfg.Admission.SymbolAliases),
		Logger:     zl.Named("lifecycle"),
	})
	if err := engine.Init(ctx); err != nil {
		return fmt.Errorf("init engine: %w", err)
	}
	engine.Start(ctx)

	var cron *cronrunner.Runner
	if cfg.Cron.Enabled {
		cron, err = scheduleJobs(ctx, cfg.Cron, engine, zl.Named("cron"))
		if err != nil {
			return fmt.Errorf("schedule jobs: %w", err)
		}
		cron.Start()
	}

	srv := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           api.New(engine, zl.Named("api"), api.WithOperatorToken(cfg.Server.OperatorToken)).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		zl.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		drainAlerts(gctx, engine.Alerts(), zl.Named("alerts"))
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		zl.Info("shutting down")

		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if cron != nil {
			cron.Stop()
		}
		if err := srv.Shutdown(sctx); err != nil {
			zl.Warn("http shutdown", zap.Error(err))
		}
		return engine.Shutdown(sctx)
	})

	return g.Wait()
}

// stores holds the persistence layer of the tracker.
type stores struct {
	recommendations storage.RecommendationStore
	snapshots       storage.SnapshotStore
}

func createStores(ctx context.Context, cfg config.StorageConfig, zl *zap.Logger) (*stores, func(), error) {
	if cfg.UseMemory {
		zl.Warn("using in-memory storage; state is lost on restart")
		return &stores{
			recommendations: memory.NewRecommendationStore(),
			snapshots:       memory.NewSnapshotStore(),
		}, func() {}, nil
	}

	pool, err := pgstore.NewPool(ctx, cfg.PostgresDSN,
		pgstore.WithMaxConns(cfg.PostgresMaxConns),
		pgstore.WithMaxConnLifetime(cfg.PostgresConnMaxAge),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("connect postgres: %w", err)
	}
	if cfg.RunMigrations {
		if err := migrations.RunPostgresMigrations(ctx, pool, zl); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("postgres migrations: %w", err)
		}
	}

	chConn, err := migrations.RunClickhouseMigrations(ctx, cfg.ClickhouseDSN, zl)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("clickhouse: %w", err)
	}

	cleanup := func() {
		if err := chConn.Close(); err != nil {
			zl.Warn("close clickhouse", zap.Error(err))
		}
		pool.Close()
	}

	return &stores{
		recommendations: pgstore.NewRecommendationStore(pool),
		snapshots:       chstore.NewSnapshotStore(chConn),
	}, cleanup, nil
}

// createOracle builds the REST oracle and, when a stream endpoint is
// configured, puts the streaming cache in front of it.
func createOracle(ctx context.Context, cfg config.OracleConfig, zl *zap.Logger) (oracle.PriceOracle, func(), error) {
	rest := oracle.NewRESTOracle(cfg.RESTURL,
		oracle.WithTimeout(cfg.Timeout),
		oracle.WithMaxRetries(cfg.MaxRetries),
		oracle.WithRetryDelay(cfg.RetryDelay),
	)
	if cfg.StreamURL == "" {
		return rest, func() {}, nil
	}

	sc := oracle.DefaultStreamConfig()
	if cfg.MaxStaleness > 0 {
		sc.MaxStaleness = cfg.MaxStaleness
	}
	stream, err := oracle.NewStreamOracle(ctx, cfg.StreamURL, &sc, zl.Named("oracle"))
	if err != nil {
		return nil, nil, fmt.Errorf("connect price stream: %w", err)
	}

	closeFn := func() {
		if err := stream.Close(); err != nil {
			zl.Warn("close price stream", zap.Error(err))
		}
	}
	return &oracle.Fallback{Primary: stream, Secondary: rest, Logger: zl.Named("oracle")}, closeFn, nil
}

func scheduleJobs(ctx context.Context, cfg config.CronConfig, engine *lifecycle.Engine, zl *zap.Logger) (*cronrunner.Runner, error) {
	runner := cronrunner.New(zl, ctx)

	if cfg.Reconcile != "" {
		if _, err := runner.Add("reconcile", cfg.Reconcile, func(ctx context.Context) error {
			_, err := engine.Reconcile(ctx)
			return err
		}); err != nil {
			return nil, fmt.Errorf("reconcile job: %w", err)
		}
	}

	if cfg.ExposureSummary != "" {
		if _, err := runner.Add("exposure_summary", cfg.ExposureSummary, func(context.Context) error {
			for _, x := range engine.ExposureSummary() {
				zl.Info("exposure",
					zap.String("symbol", x.Symbol),
					zap.Float64("long", x.LongNotional),
					zap.Float64("short", x.ShortNotional),
					zap.Int("active", x.ActiveCount),
				)
			}
			return nil
		}); err != nil {
			return nil, fmt.Errorf("exposure job: %w", err)
		}
	}

	return runner, nil
}

// drainAlerts logs unpersisted closures until ctx is done.
func drainAlerts(ctx context.Context, alerts <-chan lifecycle.Alert, zl *zap.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case a := <-alerts:
			zl.Error("closure not persisted",
				zap.String("id", a.RecommendationID),
				zap.String("symbol", a.Symbol),
				zap.String("status", string(a.Status)),
				zap.Time("at", a.At),
				zap.Error(a.Err),
			)
		}
	}
}

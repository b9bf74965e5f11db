// Package main wires together the crawl engine service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/regintel/crawl-engine/internal/api"
	"github.com/regintel/crawl-engine/internal/clock/system"
	"github.com/regintel/crawl-engine/internal/config"
	"github.com/regintel/crawl-engine/internal/engine"
	"github.com/regintel/crawl-engine/internal/executor"
	sha256hash "github.com/regintel/crawl-engine/internal/hash/sha256"
	"github.com/regintel/crawl-engine/internal/id/uuid"
	"github.com/regintel/crawl-engine/internal/logging"
	"github.com/regintel/crawl-engine/internal/logstore"
	outboxmem "github.com/regintel/crawl-engine/internal/outbox/memory"
	outboxpubsub "github.com/regintel/crawl-engine/internal/outbox/pubsub"
	"github.com/regintel/crawl-engine/internal/pipeline"
	"github.com/regintel/crawl-engine/internal/recovery"
	"github.com/regintel/crawl-engine/internal/registry"
	"github.com/regintel/crawl-engine/internal/reset"
	"github.com/regintel/crawl-engine/internal/scheduler"
	memorystorage "github.com/regintel/crawl-engine/internal/storage/memory"
	postgresstorage "github.com/regintel/crawl-engine/internal/storage/postgres"
	"github.com/regintel/crawl-engine/internal/units"
)

// publisher is the union of what the orchestrator and the health endpoint
// need from an outbox implementation.
type publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
	Ping(ctx context.Context) error
}

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := newStore(ctx, cfg)
	if err != nil {
		logger.Fatal("storage init failed", zap.Error(err))
	}
	defer store.Close()

	logs, err := logstore.New(cfg.Logs.Dir, cfg.Logs.MaxBytes, logger.Named("logstore"))
	if err != nil {
		logger.Fatal("log store init failed", zap.Error(err))
	}

	pub, clearer, err := newPublisher(ctx, cfg)
	if err != nil {
		logger.Fatal("outbox init failed", zap.Error(err))
	}

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer func() {
			if closeErr := rdb.Close(); closeErr != nil {
				logger.Warn("redis close failed", zap.Error(closeErr))
			}
		}()
	}

	clock := system.New()
	idGen := uuid.New()
	hasher := sha256hash.New()

	reg := registry.New()
	targets := make([]pipeline.Target, 0, len(cfg.Units))
	var unitClosers []interface{ Close() }
	for _, uc := range cfg.Units {
		unit, err := units.Build(units.Spec{
			Name:     uc.Name,
			Kind:     uc.Kind,
			Label:    uc.Label,
			Category: uc.Category,
			SourceID: uc.SourceID,
			BaseURL:  uc.BaseURL,
			Settings: uc.Settings,
		})
		if err != nil {
			logger.Fatal("unit build failed", zap.String("unit", uc.Name), zap.Error(err))
		}
		if err := reg.Register(unit); err != nil {
			logger.Fatal("unit registration failed", zap.String("unit", uc.Name), zap.Error(err))
		}
		if closer, ok := unit.(interface{ Close() }); ok {
			unitClosers = append(unitClosers, closer)
		}
		targets = append(targets, pipeline.Target{
			CrawlerName: uc.Name,
			SourceID:    uc.SourceID,
			Retry:       cfg.RetryDefaults(),
		})
	}
	logger.Info("crawler units registered", zap.Strings("units", reg.Names()))

	// Anything still marked running belonged to a previous process.
	orphaned, err := store.MarkOrphanedRuns(ctx, clock.Now())
	if err != nil {
		logger.Error("orphaned run sweep failed", zap.Error(err))
	} else if orphaned > 0 {
		logger.Warn("orphaned runs failed over", zap.Int("count", orphaned))
	}

	exec := executor.New(reg, store, logs, clock, idGen, executor.Config{
		Retry:          cfg.RetryDefaults(),
		DefaultTimeout: cfg.UnitTimeout(),
	}, logger.Named("executor"))

	orch := pipeline.New(targets, exec, store, pub, hasher, clock, idGen, pipeline.Config{
		Concurrency:   cfg.Pipeline.Concurrency,
		QuickMaxItems: cfg.Pipeline.QuickMaxItems,
		Topic:         cfg.Outbox.Topic,
	}, logger.Named("pipeline"))

	recov := recovery.New(store, orch, logger.Named("recovery"))
	resetSvc := reset.New(store, logs, rdb, clearer, logger.Named("reset"))

	sched := scheduler.New(store, exec, clock, scheduler.Config{
		PollInterval: cfg.PollInterval(),
		BatchLimit:   cfg.Scheduler.BatchLimit,
	}, logger.Named("scheduler"))
	if cfg.Scheduler.Enabled {
		go sched.Run(ctx)
	}

	apiServer := api.NewServer(ctx, store, reg, exec, orch, recov, resetSvc,
		logs, pub, idGen, clock, cfg, logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	sched.Wait()
	orch.Wait()
	for _, closer := range unitClosers {
		closer.Close()
	}
	if pc, ok := pub.(interface{ Close() error }); ok {
		if err := pc.Close(); err != nil {
			logger.Warn("publisher close failed", zap.Error(err))
		}
	}
	logger.Info("shutdown complete")
}

func newStore(ctx context.Context, cfg config.Config) (engine.Store, error) {
	switch cfg.Storage.Driver {
	case "postgres":
		return postgresstorage.New(ctx, postgresstorage.Config{
			DSN:             cfg.Storage.DSN,
			MaxConns:        cfg.Storage.MaxConns,
			MinConns:        cfg.Storage.MinConns,
			MaxConnLifetime: time.Duration(cfg.Storage.ConnLifetime) * time.Second,
		})
	default:
		return memorystorage.New(), nil
	}
}

func newPublisher(ctx context.Context, cfg config.Config) (publisher, reset.Clearer, error) {
	switch cfg.Outbox.Provider {
	case "pubsub":
		pub, err := outboxpubsub.New(ctx, cfg.Outbox.ProjectID, cfg.Outbox.Topic)
		if err != nil {
			return nil, nil, err
		}
		return pub, nil, nil
	default:
		pub := outboxmem.New()
		return pub, pub, nil
	}
}

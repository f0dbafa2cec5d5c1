// Package main wires together the forged job service binary.
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

	gcpubsub "cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/calebmoore/forged/internal/api"
	"github.com/calebmoore/forged/internal/artifacts"
	gcsstore "github.com/calebmoore/forged/internal/artifacts/gcs"
	localstore "github.com/calebmoore/forged/internal/artifacts/local"
	"github.com/calebmoore/forged/internal/clock/system"
	"github.com/calebmoore/forged/internal/config"
	"github.com/calebmoore/forged/internal/forge"
	"github.com/calebmoore/forged/internal/history"
	"github.com/calebmoore/forged/internal/id/uuid"
	"github.com/calebmoore/forged/internal/logging"
	"github.com/calebmoore/forged/internal/notify"
	pubsubpublisher "github.com/calebmoore/forged/internal/notify/pubsub"
	execoptimizer "github.com/calebmoore/forged/internal/optimizer/exec"
	"github.com/calebmoore/forged/internal/optimizer/sim"
	"github.com/calebmoore/forged/internal/progress"
	"github.com/calebmoore/forged/internal/progress/sinks"
	"github.com/calebmoore/forged/internal/scheduler"
	"github.com/calebmoore/forged/internal/uploads"
	"github.com/calebmoore/forged/internal/worker"
)

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
		_ = logger.Sync()
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("startup failed", zap.Error(err))
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	staging, err := uploads.New(uploads.Config{
		BaseDir:  cfg.Uploads.Dir,
		MaxBytes: cfg.Uploads.MaxBytes,
	})
	if err != nil {
		return fmt.Errorf("init upload staging: %w", err)
	}

	blobStore, err := newBlobStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init artifact store: %w", err)
	}
	registry := artifacts.NewRegistry(blobStore)

	optimizer, err := newOptimizer(cfg, logger)
	if err != nil {
		return fmt.Errorf("init optimizer: %w", err)
	}

	promSink, err := sinks.NewPrometheusSink(nil)
	if err != nil {
		return fmt.Errorf("init prometheus sink: %w", err)
	}
	hubSinks := []progress.Sink{
		sinks.NewLogSink(logger.Named("events")),
		promSink,
	}

	var runStore *history.Store
	if cfg.HistoryEnabled() {
		runStore, err = history.NewStore(ctx, history.StoreConfig{
			DSN:      cfg.DB.DSN,
			MaxConns: cfg.DB.MaxConns,
			MinConns: cfg.DB.MinConns,
		})
		if err != nil {
			return fmt.Errorf("init run history: %w", err)
		}
		defer runStore.Close()
		if err := runStore.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("ensure run history schema: %w", err)
		}
		hubSinks = append(hubSinks, history.NewSink(runStore, logger.Named("history")))
		logger.Info("run history enabled")
	}

	hub := progress.NewHub(progress.Config{
		BufferSize:       cfg.Progress.BufferSize,
		SubscriberBuffer: cfg.Progress.SubscriberBuffer,
		MaxBatchEvents:   cfg.Progress.MaxBatchEvents,
		MaxBatchWait:     time.Duration(cfg.Progress.MaxBatchWaitMs) * time.Millisecond,
		BaseContext:      context.Background(),
		Logger:           logger.Named("hub"),
	}, hubSinks...)

	var notifier scheduler.Notifier
	if cfg.NotifyEnabled() {
		client, err := gcpubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			return fmt.Errorf("init pubsub client: %w", err)
		}
		defer func() {
			_ = client.Close()
		}()
		notifier = notify.NewJobNotifier(
			pubsubpublisher.New(client),
			cfg.PubSub.TopicName,
			logger.Named("notify"),
		)
		logger.Info("job notifications enabled", zap.String("topic", cfg.PubSub.TopicName))
	}

	clock := system.New()
	runner := worker.NewRunner(worker.Config{
		PreviewMinInterval: time.Duration(cfg.Worker.PreviewMinIntervalMs) * time.Millisecond,
	}, optimizer, registry, hub, clock, logger.Named("worker"))

	sched := scheduler.New(scheduler.Deps{
		Runner:   runner,
		Uploads:  staging,
		Registry: registry,
		Hub:      hub,
		Notifier: notifier,
		Clock:    clock,
		IDs:      uuid.New(),
		Logger:   logger.Named("scheduler"),
	})

	var repo history.Repository
	if runStore != nil {
		repo = runStore
	}
	apiServer := api.NewServer(sched, repo, logger.Named("api"), api.Options{})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server started",
			zap.Int("port", cfg.Server.Port),
			zap.String("optimizer", cfg.Optimizer.Mode),
			zap.String("artifacts", cfg.Outputs.Backend),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	if err := sched.Shutdown(shutdownCtx); err != nil {
		logger.Error("scheduler shutdown error", zap.Error(err))
	}
	if err := hub.Close(shutdownCtx); err != nil {
		logger.Error("hub close error", zap.Error(err))
	}
	logger.Info("shutdown complete")
	return nil
}

func newBlobStore(ctx context.Context, cfg config.Config) (artifacts.BlobStore, error) {
	switch cfg.Outputs.Backend {
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("init gcs client: %w", err)
		}
		return gcsstore.New(client, gcsstore.Config{Bucket: cfg.Outputs.GCSBucket})
	default:
		return localstore.New(localstore.Config{BaseDir: cfg.Outputs.Dir})
	}
}

func newOptimizer(cfg config.Config, logger *zap.Logger) (forge.Optimizer, error) {
	switch cfg.Optimizer.Mode {
	case "exec":
		return execoptimizer.New(execoptimizer.Config{
			Binary:         cfg.Optimizer.Exec.Binary,
			WorkDir:        cfg.Optimizer.Exec.WorkDir,
			TerminateGrace: time.Duration(cfg.Optimizer.Exec.TerminateGraceSeconds) * time.Second,
		}, logger.Named("optimizer"))
	default:
		return sim.New(sim.Config{
			WorkDir:      cfg.Optimizer.Sim.WorkDir,
			StepDelay:    time.Duration(cfg.Optimizer.Sim.StepDelayMs) * time.Millisecond,
			PreviewEvery: cfg.Optimizer.Sim.PreviewEvery,
		}), nil
	}
}

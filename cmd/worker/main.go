package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"contentq/internal/config"
	"contentq/internal/jobs"
	"contentq/internal/store"
	"contentq/internal/telemetry"
	"contentq/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	logger := newLogger(cfg)
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("connect postgres", zap.Error(err))
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		logger.Fatal("migrations", zap.Error(err))
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	processor := worker.NewProcessor(cfg, st, logger, workerID)

	compress, err := worker.NewMediaCompressHandler(ctx, cfg)
	if err != nil {
		logger.Fatal("init media compress handler", zap.Error(err))
	}
	processor.RegisterHandler(jobs.TypeMediaCompress, compress.Handle)
	processor.RegisterHandler(jobs.TypeHealthCheck, worker.NewHealthCheckHandler(st, rdb).Handle)

	// Transcription, connector sync, and recommendation analysis run inside
	// the main application service; the worker only owns their scheduling.
	callout := worker.NewServiceCalloutHandler(cfg.AppServiceURL, cfg.AppServiceToken)
	processor.RegisterHandler(jobs.TypeTranscription, callout.Handle)
	processor.RegisterHandler(jobs.TypeConnectorSync, callout.Handle)
	processor.RegisterHandler(jobs.TypeRecommendations, callout.Handle)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()

	logger.Info("worker started",
		zap.String("worker_id", workerID),
		zap.Duration("lease_timeout", cfg.LeaseTimeout),
		zap.Duration("backoff_initial", cfg.BackoffInitial),
	)
	if err := processor.Run(ctx); err != nil {
		logger.Info("worker stopped", zap.Error(err))
	}
}

func newLogger(cfg config.Config) *zap.Logger {
	if cfg.Production() {
		logger, err := zap.NewProduction()
		if err != nil {
			panic(err)
		}
		return logger
	}
	logger, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	return logger
}

package main

import (
	"context"
	"flag"

	"renderapi/internal/config"
	"renderapi/internal/pkg/logger"
	"renderapi/internal/pkg/shutdown"
	"renderapi/internal/storage"
	"renderapi/internal/worker"
	"renderapi/internal/worker/renderer"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (defaults to $CONFIG_FILE)")
	flag.Parse()

	if err := config.LoadDotEnv(); err != nil {
		logger.NewDefault().LogFatal("failed to load .env", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.NewDefault().LogFatal("invalid configuration", err)
	}
	if err := cfg.ValidateStandaloneWorker(); err != nil {
		logger.NewDefault().LogFatal("invalid worker configuration", err)
	}

	log := logger.New(logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		ServiceName: "render-worker",
		AddSource:   cfg.Log.Source,
	})

	ctx := context.Background()
	shutdownMgr := shutdown.NewManager(log, cfg.ShutdownTimeout)

	store, err := storage.OpenJobStore(ctx, cfg, log)
	if err != nil {
		log.LogFatal("failed to open job store", err)
	}
	shutdownMgr.Register("store", func(ctx context.Context) error {
		return store.Close()
	})

	rdb, err := storage.OpenRedis(ctx, cfg.RedisAddr, log)
	if err != nil {
		log.LogFatal("failed to connect to Redis", err)
	}
	shutdownMgr.Register("redis", func(ctx context.Context) error {
		return rdb.Close()
	})

	done := make(chan struct{})
	go func() {
		err := worker.Run(shutdownMgr.Context(), worker.Deps{
			Store:       store,
			Queue:       storage.NewQueue(rdb, cfg.QueueName),
			Renderer:    renderer.NewHTTPClient(cfg.RendererBaseURL, cfg.RendererTimeout),
			Concurrency: cfg.WorkerConcurrency,
			Log:         log,
		})
		close(done)
		if err != nil && shutdownMgr.Context().Err() == nil {
			log.Error("worker stopped unexpectedly", "error", err.Error())
			shutdownMgr.Shutdown()
		}
	}()
	shutdownMgr.Register("worker", func(ctx context.Context) error {
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	runCtx, stop := context.WithCancel(ctx)
	go func() {
		<-shutdownMgr.Done()
		stop()
	}()
	shutdownMgr.Wait(runCtx)
}

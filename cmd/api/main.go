package main

import (
	"context"
	"flag"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"renderapi/internal/config"
	"renderapi/internal/httpapi"
	"renderapi/internal/pkg/logger"
	"renderapi/internal/pkg/shutdown"
	"renderapi/internal/render"
	"renderapi/internal/repositories"
	"renderapi/internal/retention"
	"renderapi/internal/storage"
	"renderapi/internal/worker"
	"renderapi/internal/worker/queue"
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

	// Initialize logger
	log := logger.New(logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		ServiceName: "render-api",
		AddSource:   cfg.Log.Source,
	})

	log.Info("starting render API",
		"mode", cfg.Mode,
		"store", cfg.StoreDriver,
	)
	if cfg.APIKey == "" {
		log.Warn("RENDER_API_KEY is not set; /render endpoints accept unauthenticated requests")
	}

	ctx := context.Background()
	shutdownMgr := shutdown.NewManager(log, cfg.ShutdownTimeout)

	// Job store
	store, err := storage.OpenJobStore(ctx, cfg, log)
	if err != nil {
		log.LogFatal("failed to open job store", err)
	}
	shutdownMgr.Register("store", func(ctx context.Context) error {
		return store.Close()
	})

	// Redis
	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb, err = storage.OpenRedis(ctx, cfg.RedisAddr, log)
		if err != nil {
			log.LogFatal("failed to connect to Redis", err)
		}
		shutdownMgr.Register("redis", func(ctx context.Context) error {
			return rdb.Close()
		})
	}

	// Completion pipeline
	var enqueuer render.Enqueuer
	if !cfg.Simulating() {
		q := storage.NewQueue(rdb, cfg.QueueName)
		enqueuer = q
		if rdb == nil {
			startInProcessWorker(shutdownMgr, cfg, store, q, log)
		} else {
			log.Info("render jobs go to Redis; run cmd/worker to process them", "queue", cfg.QueueName)
		}
	}

	// Retention
	sweeper := retention.NewSweeper(retention.Deps{
		Store:     store,
		Retention: cfg.Retention,
		Log:       log,
	})
	if err := sweeper.Start(cfg.RetentionSchedule); err != nil {
		log.LogFatal("failed to start retention sweeper", err)
	}
	shutdownMgr.Register("retention", sweeper.Stop)

	svc := render.NewService(render.Deps{
		Store:   store,
		IDs:     render.NewIDGenerator(cfg.JobIDPrefix, nil),
		Deriver: render.NewStatusDeriver(cfg.CompletionThreshold, cfg.Simulating()),
		Queue:   enqueuer,
		Log:     log,
	})

	router := httpapi.NewRouter(httpapi.Deps{
		Render:         svc,
		Store:          store,
		RDB:            rdb,
		Log:            log,
		APIKey:         cfg.APIKey,
		CORSOrigins:    cfg.CORSOrigins,
		RequestTimeout: cfg.RequestTimeout,
	})

	server := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	shutdownMgr.Register("http-server", func(ctx context.Context) error {
		log.Info("shutting down HTTP server")
		return server.Shutdown(ctx)
	})

	go func() {
		log.Info("HTTP server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.LogFatal("HTTP server failed", err)
		}
	}()

	shutdownMgr.Wait(ctx)
}

func startInProcessWorker(mgr *shutdown.Manager, cfg *config.Config, store repositories.JobStore, q queue.Queue, log *logger.Logger) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		err := worker.Run(mgr.Context(), worker.Deps{
			Store:       store,
			Queue:       q,
			Renderer:    renderer.NewHTTPClient(cfg.RendererBaseURL, cfg.RendererTimeout),
			Concurrency: cfg.WorkerConcurrency,
			Log:         log,
		})
		if err != nil && mgr.Context().Err() == nil {
			log.Error("in-process worker stopped", "error", err.Error())
		}
	}()

	mgr.Register("worker", func(ctx context.Context) error {
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}

package main

import (
	"context"
	stderrors "errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"reel/internal/adapters/jobstore/fsstore"
	"reel/internal/adapters/jobstore/pgstore"
	"reel/internal/adapters/jobstore/redisstore"
	"reel/internal/config"
	"reel/internal/httpapi"
	"reel/internal/httpapi/handlers"
	"reel/internal/janitor"
	"reel/internal/metrics"
	"reel/internal/notify"
	"reel/internal/pkg/errors"
	"reel/internal/pkg/logger"
	"reel/internal/pkg/middleware"
	"reel/internal/pkg/shutdown"
	"reel/internal/ports"
	"reel/internal/scripts"
	"reel/internal/storage"
	"reel/internal/worker"
	"reel/internal/worker/processor"
	"reel/internal/worker/renderer"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the worker pool",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, log, err := loadConfig(true)
	if err != nil {
		return err
	}
	log.Info("starting reel", "version", version)
	log.Debug("configuration", "config", cfg.String())

	ctx := cmd.Context()
	shutdownMgr := shutdown.NewManager(log, cfg.ShutdownTimeout)

	// Handlers run in reverse: http-server, janitor, worker-pool, notifier,
	// job-store.
	store, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	shutdownMgr.Register("job-store", func(context.Context) error { return store.Close() })

	scriptStore, err := scripts.NewStore(cfg.ScriptsDir())
	if err != nil {
		return err
	}

	sp, err := storage.NewProvider(ctx, cfg)
	if err != nil {
		return err
	}
	log.Info("storage provider initialized", "provider", sp.Provider())

	m := metrics.New()

	notifier := notify.New(store, webhookClient(cfg, log), notify.Config{
		Signer: notify.Signer{
			Secret:          cfg.WebhookSigningSecret,
			SecondarySecret: cfg.WebhookSigningSecretSecondary,
		},
		MaxAttempts: cfg.WebhookMaxAttempts,
		BackoffBase: cfg.WebhookBackoffBase,
		BackoffMax:  cfg.WebhookBackoffMax,
	}, m, log)
	shutdownMgr.Register("notifier", notifier.Drain)

	renderTimeouts, err := cfg.RenderTimeouts()
	if err != nil {
		return err
	}
	proc := processor.New(processor.Deps{
		Store:    store,
		Renderer: newRenderer(cfg, log),
		Uploader: processor.NewOutputHandler(sp, log),
		Inputs:   processor.NewInputHandler(scriptStore, sp, cfg.WorkDir()),
		Cleanup:  processor.NewCleanup(cfg.WorkDir(), cfg.KeepWorkdir),
		Notifier: notifier,
		Timeouts: processor.Timeouts{
			Render:          cfg.RenderTimeout,
			RenderByQuality: renderTimeouts,
			Upload:          cfg.UploadTimeout,
		},
		Metrics: m,
		Log:     log,
	})

	svc := worker.New(worker.Deps{
		Store:         store,
		Processor:     proc,
		Checker:       scriptStore,
		Notifier:      notifier,
		Slots:         cfg.WorkerSlots,
		QueueCapacity: cfg.QueueCapacity,
		Ceiling: worker.RetryCeiling{
			Default:   cfg.RetryCeiling,
			ByQuality: cfg.RetryCeilings(),
		},
		Metrics: m,
		Log:     log,
	})
	shutdownMgr.Register("worker-pool", svc.Stop)

	janitorCtx, stopJanitor := context.WithCancel(context.WithoutCancel(ctx))
	jan := janitor.New(cfg.WorkDir(), cfg.CleanupMaxAge, svc.Pool.Busy, log)
	svc.Sweeper = jan
	shutdownMgr.RegisterSimple("janitor", stopJanitor)

	router := httpapi.NewRouter(httpapi.Deps{
		Handlers: handlers.Deps{
			Jobs:    svc.Dispatcher,
			Health:  svc.Health,
			Scripts: scriptStore,
			Store:   store,
			SP:      sp,
			Service: cfg.ServiceName,
		},
		Metrics:        m.Handler(),
		AllowedOrigins: cfg.CORSAllowedOrigins,
		SubmitLimiter:  middleware.NewRateLimiter(cfg.SubmitRateLimit, cfg.SubmitRateBurst),
		Log:            log,
	})
	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      10 * time.Minute,
		IdleTimeout:       120 * time.Second,
	}
	shutdownMgr.Register("http-server", func(ctx context.Context) error {
		log.Info("shutting down HTTP server")
		return server.Shutdown(ctx)
	})

	g, gctx := errgroup.WithContext(ctx)

	// The API is up during recovery so /health answers; submissions are
	// refused with UNAVAILABLE until the dispatcher opens.
	g.Go(func() error {
		log.Info("HTTP server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "serve.http", "HTTP server failed")
		}
		return nil
	})

	g.Go(func() error {
		rep, err := svc.Run(gctx)
		if err != nil {
			return err
		}
		log.Info("recovery finished",
			"requeued", rep.Requeued,
			"reset", rep.Reset,
			"failed", rep.Failed,
			"renotified", rep.Renotified,
		)
		return jan.Run(janitorCtx, cfg.CleanupInterval)
	})

	g.Go(func() error {
		return shutdownMgr.WaitWithContext(gctx)
	})

	err = g.Wait()
	// A failed goroutine cancels gctx, which runs the shutdown handlers; make
	// sure they ran before returning.
	if serr := shutdownMgr.Shutdown(); err == nil {
		err = serr
	}
	return err
}

func openStore(ctx context.Context, cfg *config.Config, log *logger.Logger) (ports.JobStore, error) {
	switch cfg.JobStore {
	case "postgres":
		log.Info("connecting to PostgreSQL")
		s, err := pgstore.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		log.Info("PostgreSQL connected")
		return s, nil
	case "redis":
		log.Info("connecting to Redis", "addr", cfg.RedisAddr)
		s, err := redisstore.Open(ctx, redisstore.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPass,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			return nil, err
		}
		log.Info("Redis connected")
		return s, nil
	case "fs", "":
		s, err := fsstore.Open(cfg.JobsDir(), log)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, errors.Validationf("unknown job store %q", cfg.JobStore)
	}
}

func newRenderer(cfg *config.Config, log *logger.Logger) renderer.Client {
	if cfg.Renderer == "http" {
		return renderer.NewHTTPClient(cfg.RendererHTTPBaseURL)
	}
	return renderer.NewManim(renderer.ManimConfig{
		ManimBin:   cfg.ManimBin,
		FFmpegBin:  cfg.FFmpegBin,
		FFprobeBin: cfg.FFprobeBin,
	}, log)
}

func webhookClient(cfg *config.Config, log *logger.Logger) *http.Client {
	if cfg.WebhookAllowPrivate {
		log.Warn("WEBHOOK_ALLOW_PRIVATE is set, webhook targets are not screened")
		return notify.BuildPlainClient(cfg.WebhookTimeout)
	}
	return notify.BuildSafeClient(cfg.WebhookTimeout)
}

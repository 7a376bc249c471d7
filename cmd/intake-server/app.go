package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/NdodaEnde/Hospital-Platform/internal/config"
	"github.com/NdodaEnde/Hospital-Platform/internal/domain/extraction"
	"github.com/NdodaEnde/Hospital-Platform/internal/domain/patient"
	"github.com/NdodaEnde/Hospital-Platform/internal/platform/archive"
	"github.com/NdodaEnde/Hospital-Platform/internal/platform/classifier/comprehend"
	"github.com/NdodaEnde/Hospital-Platform/internal/platform/classifier/notes"
	"github.com/NdodaEnde/Hospital-Platform/internal/platform/db"
	"github.com/NdodaEnde/Hospital-Platform/internal/platform/middleware"
	"github.com/NdodaEnde/Hospital-Platform/internal/platform/scheduler"
	"github.com/NdodaEnde/Hospital-Platform/internal/platform/search"
	"github.com/NdodaEnde/Hospital-Platform/internal/platform/webhook"
)

const version = "0.1.0"

// app owns every long-lived component built from a Config.
type app struct {
	cfg     *config.Config
	logger  zerolog.Logger
	pool    *pgxpool.Pool
	store   patient.Store
	sink    *search.Sink
	hooks   *webhook.Notifier
	svc     *patient.Service
	limiter *middleware.RateLimiter
	sweeper *scheduler.Scheduler
	closers []func() error
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	if err := a.init(ctx); err != nil {
		a.Close(context.Background())
		return nil, err
	}
	return a, nil
}

func (a *app) init(ctx context.Context) error {
	cfg := a.cfg

	if cfg.NeedsPostgres() {
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{MaxConns: cfg.DBMaxConns, MinConns: cfg.DBMinConns})
		if err != nil {
			return err
		}
		a.pool = pool
		a.closers = append(a.closers, func() error { pool.Close(); return nil })
		a.logger.Info().Msg("connected to database")
	}

	switch cfg.StoreDriver {
	case config.DriverPostgres:
		a.store = patient.NewPostgresStore(a.pool)
	case config.DriverSQLite:
		s, err := patient.OpenSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return err
		}
		a.store = s
		a.closers = append(a.closers, s.Close)
	default:
		a.store = patient.NewMemoryStore()
	}

	var awsCfg aws.Config
	if cfg.NeedsAWS() {
		loaded, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
		if err != nil {
			return fmt.Errorf("load aws config: %w", err)
		}
		awsCfg = loaded
	}

	var classifier extraction.Classifier
	switch cfg.Classifier {
	case config.ClassifierNotes:
		classifier = notes.New()
	default:
		classifier = comprehend.NewFromConfig(awsCfg, cfg.ClassifierChunkSize, a.logger)
	}

	svc := patient.NewService(classifier, patient.NewEngine(patient.NewUniqueID), a.store, a.logger)
	svc.SetRetryPolicy(patient.RetryPolicy{
		MaxAttempts: cfg.ClassifyMaxAttempts,
		Backoff:     cfg.ClassifyBackoff,
		MaxBackoff:  patient.DefaultRetryPolicy.MaxBackoff,
	})
	if rs, ok := a.store.(patient.ReviewStore); ok {
		svc.SetReviewStore(rs)
	}
	svc.SetHoldForReview(cfg.ReviewHold)

	var backend search.Backend
	switch cfg.IndexDriver {
	case config.DriverPostgres:
		backend = search.NewPostgresBackend(a.pool)
	case config.DriverMemory:
		backend = search.NewMemoryBackend()
	}
	if backend != nil {
		a.sink = search.NewSink(backend, a.logger, search.SinkOptions{
			Workers:   cfg.IndexWorkers,
			QueueSize: cfg.IndexQueueSize,
		})
		svc.SetIndexer(a.sink)
		svc.SetSearcher(a.sink)
	}

	var docs archive.Store
	switch cfg.ArchiveDriver {
	case config.DriverS3:
		store, err := archive.NewS3Store(awsCfg, archive.S3Config{
			Bucket:    cfg.ArchiveS3Bucket,
			Endpoint:  cfg.ArchiveS3Endpoint,
			PathStyle: cfg.ArchiveS3PathStyle,
			AccessKey: cfg.ArchiveS3AccessKey,
			SecretKey: cfg.ArchiveS3SecretKey,
		})
		if err != nil {
			return err
		}
		docs = store
	case config.DriverMemory:
		docs = archive.NewMemoryStore()
	}
	if docs != nil {
		if cfg.ArchiveKey != "" {
			sealed, err := encryptArchive(docs, cfg)
			if err != nil {
				return err
			}
			docs = sealed
		}
		svc.SetArchive(docs)
	}

	if len(cfg.WebhookURLs) > 0 {
		endpoints := make([]webhook.Endpoint, 0, len(cfg.WebhookURLs))
		for _, u := range cfg.WebhookURLs {
			endpoints = append(endpoints, webhook.Endpoint{URL: u, Secret: cfg.WebhookSecret, Events: cfg.WebhookEvents})
		}
		hooks, err := webhook.New(endpoints, a.logger)
		if err != nil {
			return fmt.Errorf("webhooks: %w", err)
		}
		a.hooks = hooks
		svc.SetNotifier(hooks)
	}

	a.svc = svc
	a.limiter = middleware.NewRateLimiter(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
		Cost:              middleware.DocumentCost,
	})

	if cfg.ReviewHold {
		a.sweeper = scheduler.New(svc, scheduler.Options{
			Retention: cfg.ReviewRetention,
			Interval:  cfg.ReviewSweepInterval,
		}, a.logger)
	}
	return nil
}

// router builds the echo instance with the full middleware chain.
func (a *app) router() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(a.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(a.logger))
	e.Use(middleware.Metrics())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: a.cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{echo.HeaderContentType, middleware.RequestIDHeader},
	}))
	e.Use(middleware.SecurityHeaders(a.cfg.IsProduction()))
	e.Use(middleware.BodyLimit(a.cfg.BodyLimit))
	e.Use(middleware.RequestTimeout(a.cfg.RequestTimeout))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "version": version})
	})
	e.GET("/health/db", db.HealthHandler(a.store, a.pool))
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	api := e.Group("/api/v1")
	api.Use(a.limiter.Middleware())
	patient.NewHandler(a.svc).RegisterRoutes(api)

	return e
}

// Close flushes webhooks, drains the index queue and releases stores in
// reverse order.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	if a.sweeper != nil {
		a.sweeper.Stop()
	}
	if a.limiter != nil {
		a.limiter.Stop()
	}
	if a.hooks != nil {
		if err := a.hooks.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flush webhooks: %w", err))
		}
	}
	if a.sink != nil {
		if err := a.sink.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("drain index queue: %w", err))
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// serve runs the HTTP server until ctx is cancelled, then shuts down within
// grace.
func (a *app) serve(ctx context.Context, grace time.Duration) error {
	e := a.router()
	a.limiter.Cleanup(5 * time.Minute)
	if a.sweeper != nil {
		if err := a.sweeper.Start(); err != nil {
			return err
		}
	}

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + a.cfg.Port
		a.logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	a.logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	a.logger.Info().Msg("server stopped")
	return nil
}

func encryptArchive(next archive.Store, cfg *config.Config) (*archive.EncryptedStore, error) {
	key, err := archive.ParseKey(cfg.ArchiveKey)
	if err != nil {
		return nil, fmt.Errorf("ARCHIVE_ENCRYPTION_KEY: %w", err)
	}
	sealed, err := archive.NewEncryptedStore(next, key, cfg.ArchiveKeyVersion)
	if err != nil {
		return nil, err
	}
	for _, entry := range cfg.ArchivePreviousKeys {
		version, prev, err := archive.ParseVersionedKey(entry)
		if err != nil {
			return nil, fmt.Errorf("ARCHIVE_PREVIOUS_KEYS: %w", err)
		}
		if err := sealed.AddPreviousKey(prev, version); err != nil {
			return nil, err
		}
	}
	return sealed, nil
}

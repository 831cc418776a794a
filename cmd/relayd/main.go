// Command relayd runs the SMTP relay: the delivery engine with its
// dispatch, report and cleanup loops, plus the HTTP control plane.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/relaypost/relaypost/internal/api"
	"github.com/relaypost/relaypost/internal/attachcache"
	"github.com/relaypost/relaypost/internal/attachment"
	"github.com/relaypost/relaypost/internal/config"
	"github.com/relaypost/relaypost/internal/engine"
	"github.com/relaypost/relaypost/internal/health"
	"github.com/relaypost/relaypost/internal/logger"
	"github.com/relaypost/relaypost/internal/metrics"
	"github.com/relaypost/relaypost/internal/middleware"
	"github.com/relaypost/relaypost/internal/ratelimit"
	"github.com/relaypost/relaypost/internal/report"
	"github.com/relaypost/relaypost/internal/repository"
	"github.com/relaypost/relaypost/internal/retry"
	"github.com/relaypost/relaypost/internal/smtppool"
)

// Version is set at build time.
var Version = "dev"

func main() {
	cfg := config.Load()
	log := logger.New(logger.DefaultConfig())

	store, err := repository.NewPostgresStore(cfg.Database.DSN())
	if err != nil {
		log.Error("Failed to open database", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := store.Ping(ctx); err != nil {
		cancel()
		log.Error("Failed to reach database", "error", err, "host", cfg.Database.Host)
		os.Exit(1)
	}
	cancel()
	log.Info("Connected to database", "host", cfg.Database.Host, "dbname", cfg.Database.DBName)

	cache := attachcache.New(cfg.Cache, log)
	resolver := attachment.NewResolver(cache, cfg.Cache.BaseDir,
		cfg.SMTP.AttachmentTimeout, cfg.SMTP.MaxAttachFetches, log)

	dialer := &smtppool.NetDialer{
		ConnectTimeout: cfg.SMTP.ConnectTimeout,
		CommandTimeout: cfg.SMTP.CommandTimeout,
		Decode:         smtppool.PlainCredentials,
	}
	pool := smtppool.New(dialer, cfg.Engine.MaxPerAccount, cfg.SMTP.SessionTTL, log)
	defer pool.Close()

	eng := engine.New(engine.Deps{
		Store:    store,
		Limiter:  ratelimit.New(store),
		Resolver: resolver,
		Pool:     pool,
		Sink:     report.NewSink(cfg.Report),
		Schedule: retry.NewSchedule(cfg.Engine.RetryDelays, cfg.Engine.MaxRetries),
		Cache:    cache,
		Logger:   log,
	}, cfg.Engine, cfg.Report.BatchSize)

	eng.Start()
	log.Info("Delivery engine started", "active", eng.Active())

	healthHandler := health.NewHandler(health.Config{
		DB:      store.DB(),
		Engine:  eng,
		Version: Version,
	})

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(60 * time.Second))
	r.Use(middleware.StructuredLogger(log))
	r.Use(middleware.Metrics)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", healthHandler.Health)
	r.Get("/health/live", healthHandler.Liveness)
	r.Get("/health/ready", healthHandler.Readiness)
	metrics.RegisterRoutes(r)

	r.Route("/api/v1", func(r chi.Router) {
		api.RegisterRoutes(r,
			api.NewMessageHandler(eng, log),
			api.NewAccountHandler(store, log),
			api.NewTenantHandler(store, log),
			api.NewCommandHandler(eng, store, log),
		)
	})

	addr := cfg.Server.Host + ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("Starting control plane", "addr", addr, "version", Version)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("Control plane failed", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down")
	healthHandler.SetReady(false)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Control plane forced to shut down", "error", err)
	}

	// Engine drain is bounded by the configured shutdown grace.
	eng.Stop()
	log.Info("Relay exited")
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/Strob0t/MendForge/internal/adapter/browserhttp"
	mfhttp "github.com/Strob0t/MendForge/internal/adapter/http"
	mfnats "github.com/Strob0t/MendForge/internal/adapter/nats"
	"github.com/Strob0t/MendForge/internal/adapter/otel"
	"github.com/Strob0t/MendForge/internal/adapter/postgres"
	"github.com/Strob0t/MendForge/internal/adapter/repairhttp"
	"github.com/Strob0t/MendForge/internal/adapter/ristretto"
	"github.com/Strob0t/MendForge/internal/adapter/ws"
	"github.com/Strob0t/MendForge/internal/config"
	"github.com/Strob0t/MendForge/internal/logger"
	"github.com/Strob0t/MendForge/internal/middleware"
	"github.com/Strob0t/MendForge/internal/resilience"
	"github.com/Strob0t/MendForge/internal/service"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, logClose := logger.New(cfg.Logging)
	slog.SetDefault(log)
	defer logClose.Close()

	slog.Info("config loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"warm_slots", cfg.Scheduler.WarmSlots,
		"max_slots", cfg.Scheduler.MaxSlots,
	)

	ctx := context.Background()

	// --- Observability ---
	otelShutdown, err := otel.Init(ctx, cfg.Logging.Service, cfg.Otel)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelShutdown(shutdownCtx)
	}()

	// --- Infrastructure ---

	// PostgreSQL
	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()
	slog.Info("postgres connected")

	if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	slog.Info("migrations applied")

	// NATS
	queue, err := mfnats.Connect(ctx, cfg.NATS.URL)
	if err != nil {
		return fmt.Errorf("nats: %w", err)
	}
	defer func() { _ = queue.Close() }()

	// L1 fingerprint cache
	l1, err := ristretto.New(cfg.Cache.L1MaxSizeMB * 1024 * 1024)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	defer l1.Close()

	// Browser runner and repair backend sidecars
	driver := browserhttp.NewDriver(cfg.Browser)
	generator := repairhttp.NewClient(cfg.Repair)
	generator.SetBreaker(resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout))

	// --- Services ---
	hub := ws.NewHub()
	store := postgres.NewStore(pool)

	auditSvc := service.NewAuditService(store)
	resolver := service.NewResolverService(cfg.Resolver)
	fingerprints := service.NewFingerprintService(store, l1, cfg.Fingerprint, cfg.Cache.FingerprintTTL)
	scorer := service.NewScorerService(cfg.Scoring)
	proposer := service.NewProposalService(store, queue, hub, auditSvc, resolver, scorer, generator)
	gate := service.NewGateService(store, queue, hub, auditSvc)
	safety := service.NewSafetyService(cfg.Safety, driver, store, queue, hub, auditSvc, nil)

	engine := service.NewEngineService(store, queue, hub, auditSvc, driver, resolver,
		fingerprints, proposer, safety, gate)
	safety.SetStepRunner(engine.StepRunner())

	scheduler := service.NewSchedulerService(cfg.Scheduler, driver, auditSvc, hub, engine.Execute)
	engine.SetScheduler(scheduler)

	metrics, err := otel.NewMetrics()
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	resolver.SetMetrics(metrics)
	proposer.SetMetrics(metrics)
	gate.SetMetrics(metrics)
	safety.SetMetrics(metrics)
	engine.SetMetrics(metrics)
	scheduler.SetMetrics(metrics)

	scheduler.Start()
	defer scheduler.Stop()

	// Requeue subscriber: healed tests re-run after apply and revert
	cancelRequeues, err := engine.SubscribeRequeues(ctx)
	if err != nil {
		return fmt.Errorf("requeue subscriber: %w", err)
	}
	defer cancelRequeues()

	// --- HTTP ---
	handlers := &mfhttp.Handlers{
		Engine:    engine,
		Scheduler: scheduler,
		Gate:      gate,
		Audit:     auditSvc,
		Store:     store,
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(mfhttp.SecurityHeaders)
	r.Use(mfhttp.CORS(cfg.Server.CORSOrigin))
	r.Use(middleware.RequestID)
	r.Use(middleware.TenantID)
	r.Use(mfhttp.Logger)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(30 * time.Second))
	if cfg.Otel.Enabled {
		r.Use(otel.HTTPMiddleware(cfg.Logging.Service))
	}

	// Health endpoint with dependency status
	r.Get("/health", healthHandler(queue, generator, driver))

	// WebSocket endpoint for dashboard event streams
	r.Get("/ws", hub.HandleWS)

	// API routes
	mfhttp.MountRoutes(r, handlers)

	addr := ":" + cfg.Server.Port

	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		slog.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
		}
	}()

	<-done
	slog.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return queue.Drain()
}

// healthHandler returns an http.HandlerFunc that reports dependency health.
func healthHandler(queue *mfnats.Queue, generator *repairhttp.Client, driver *browserhttp.Driver) http.HandlerFunc {
	type healthStatus struct {
		Status  string `json:"status"`
		NATS    string `json:"nats"`
		Repair  string `json:"repair"`
		Browser string `json:"browser"`
	}

	describe := func(ok bool) string {
		if ok {
			return "ok"
		}
		return "unreachable"
	}

	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		repairOK, _ := generator.Health(ctx)
		browserOK, _ := driver.Health(ctx)

		status := healthStatus{
			Status:  "ok",
			NATS:    describe(queue.IsConnected()),
			Repair:  describe(repairOK),
			Browser: describe(browserOK),
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(status)
	}
}

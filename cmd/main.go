package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/kkkkikiki/loyalty/internal/config"
	"github.com/kkkkikiki/loyalty/internal/database"
	"github.com/kkkkikiki/loyalty/internal/engine"
	"github.com/kkkkikiki/loyalty/internal/points"
	"github.com/kkkkikiki/loyalty/internal/repository"
	"github.com/kkkkikiki/loyalty/internal/scheduler"
	"github.com/kkkkikiki/loyalty/internal/service"
	"github.com/kkkkikiki/loyalty/internal/tasks"
)

func main() {
	ctx := context.Background()

	// Load configuration from environment variables
	cfg, err := config.Load(ctx)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("starting loyalty service", zap.String("environment", cfg.App.Environment))

	// Initialize database connections
	db, err := database.NewDB(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Error("error closing database connections", zap.Error(err))
		}
	}()

	// Wire the engine, ledger and scheduler over the shared pool
	ledger := points.NewLedger(repository.NewPointsRepository(db.Postgres), logger, cfg.Loyalty.DefaultLevel)
	ruleEngine := engine.NewRuleEngine(db.Postgres, cfg.Loyalty.OfferValidityDays, logger)
	lifecycle := engine.NewOfferLifecycleManager(db.Postgres, ledger, logger)
	registry := tasks.NewRegistry(ruleEngine, lifecycle, cfg.Loyalty.SendChannel)
	supervisor := scheduler.NewSupervisor(cfg.Scheduler, registry, logger)

	loyaltyService := service.NewLoyaltyServer(
		db.Postgres, ruleEngine, lifecycle, ledger, supervisor, cfg.Loyalty, logger)

	router := chi.NewRouter()
	router.Mount("/", loyaltyService.Routes())

	// Add health check endpoint
	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		hostname, _ := os.Hostname()
		w.WriteHeader(http.StatusOK)
		response := fmt.Sprintf(`{"status":"ok","service":"loyalty-engine","hostname":"%s"}`, hostname)
		w.Write([]byte(response))
	})

	// Add database health check endpoint
	router.Get("/health/db", func(w http.ResponseWriter, r *http.Request) {
		if err := db.Postgres.PingContext(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"error","message":"postgres unavailable"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok","postgres":"connected"}`))
	})

	// Add Prometheus metrics endpoint
	router.Handle("/metrics", promhttp.Handler())

	// Create server with configuration optimized for high concurrency
	server := &http.Server{
		Addr:           cfg.Server.GetServerAddr(),
		ReadTimeout:    time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout:   time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:    120 * time.Second, // Keep connections alive longer
		MaxHeaderBytes: 1 << 20,           // 1MB
		// Use h2c so we can serve HTTP/2 without TLS
		Handler: h2c.NewHandler(router, &http2.Server{
			MaxConcurrentStreams: 1000, // Allow more concurrent streams
		}),
	}

	// Start server in goroutine
	go func() {
		logger.Info("starting loyalty service", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("failed to start server", zap.Error(err))
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down server")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Fatal("server forced to shutdown", zap.Error(err))
	}

	logger.Info("server exited gracefully")
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	if cfg.App.IsDevelopment() {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

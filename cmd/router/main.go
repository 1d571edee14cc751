// FlowCatalyst Message Router
//
// Standalone message router binary. Polls brokers for queues named by a
// remote configuration source, dispatches payloads through per-pool worker
// groups, and delivers each one over HTTP.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"go.flowcatalyst.tech/internal/common/lifecycle"
	"go.flowcatalyst.tech/internal/common/secrets"
	"go.flowcatalyst.tech/internal/manager"
	"go.flowcatalyst.tech/internal/router/configsync"
	"go.flowcatalyst.tech/internal/router/health"
	"go.flowcatalyst.tech/internal/router/shutdown"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	setupLogging()

	slog.Info("Starting FlowCatalyst Message Router",
		"version", version,
		"build_time", buildTime,
		"component", "router")

	ctx, cancelRoot := context.WithCancel(context.Background())
	defer cancelRoot()

	// ========================================
	// 1. INFRASTRUCTURE INITIALIZATION
	// ========================================
	app, cleanup, err := lifecycle.Initialize(ctx)
	if err != nil {
		slog.Error("Failed to initialize", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	secretsProvider, err := secrets.NewProvider(secrets.LoadConfigFromEnv())
	if err != nil {
		slog.Error("Failed to initialize secrets provider", "error", err)
		os.Exit(1)
	}

	// ========================================
	// 2. COMPONENT WIRING
	// ========================================
	mgr := manager.New()

	brokerHealth := health.NewBrokerHealthService()
	breakerRegistry := health.NewCircuitBreakerRegistry()

	brokerFactory := newDeploymentBrokerFactory(app.Config)
	consumerFactory := newDeploymentConsumerFactory(mgr, brokerHealth)

	syncCfg := configsync.DefaultConfig()
	syncCfg.SourceURL = app.Config.ConfigSync.SourceURL
	syncCfg.Interval = app.Config.ConfigSync.Interval
	syncCfg.InitialRetryAttempts = app.Config.ConfigSync.InitialRetryAttempts
	syncCfg.InitialRetryDelay = app.Config.ConfigSync.InitialRetryDelay
	syncCfg.FetchTimeout = app.Config.ConfigSync.FetchTimeout
	syncCfg.AuthSecretName = app.Config.ConfigSync.AuthSecretName
	syncCfg.SecretsProvider = secretsProvider

	syncer := configsync.New(syncCfg, brokerFactory, consumerFactory, mgr, breakerRegistry)

	infraHealth := health.NewInfrastructureHealthService(true, syncer)
	infraHealth.SetQueueManagerStatus(true)

	statusService := health.NewHealthStatusService(infraHealth, brokerHealth, syncer)
	statusService.SetCircuitBreakerGetter(breakerRegistry)

	// ========================================
	// 3. HTTP SERVER
	// ========================================
	httpRouter := setupHTTPRouter(statusService, app.Config.HTTP.CORSOrigins)
	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", app.Config.HTTP.Port),
		Handler:      httpRouter,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// ========================================
	// 4. SERVICE STARTUP
	// ========================================
	managerDone := make(chan struct{})
	go func() {
		defer close(managerDone)
		mgr.Run(ctx)
	}()

	syncerDone := make(chan struct{})
	go func() {
		defer close(syncerDone)
		syncer.Run(ctx)
	}()

	go func() {
		slog.Info("HTTP server listening", "port", app.Config.HTTP.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	// ========================================
	// 5. SHUTDOWN SEQUENCING
	// ========================================
	sc := shutdown.New()

	sc.RegisterHTTP("http-server", func(shutdownCtx context.Context) error {
		return httpServer.Shutdown(shutdownCtx)
	})

	// Consumers, pools, and mediators are all owned dynamically by the
	// syncer as queue/pool definitions come and go, so their drain
	// sequence lives inside syncer.Run's response to ctx cancellation
	// rather than as static per-resource hooks here. Cancelling the root
	// context here triggers that drain; this final hook just waits for
	// it (and for the manager actor) to finish.
	sc.RegisterFinal("router-actors", func(shutdownCtx context.Context) error {
		cancelRoot()
		for _, done := range []chan struct{}{syncerDone, managerDone} {
			select {
			case <-done:
			case <-shutdownCtx.Done():
				return shutdownCtx.Err()
			}
		}
		return nil
	})

	slog.Info("Router ready",
		"port", app.Config.HTTP.Port,
		"configSource", app.Config.ConfigSync.SourceURL)

	if err := sc.Run(); err != nil {
		slog.Error("shutdown did not complete cleanly", "error", err)
		os.Exit(1)
	}

	slog.Info("FlowCatalyst Message Router stopped")
}

// setupLogging configures the slog default logger.
func setupLogging() {
	logLevel := slog.LevelInfo
	if os.Getenv("FLOWCATALYST_DEV") == "true" {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
}

// setupHTTPRouter creates the HTTP router with health/metrics endpoints.
func setupHTTPRouter(statusService *health.HealthStatusService, corsOrigins []string) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/q/health/live", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(health.NewHealthyStatus("UP"))
	})

	r.Get("/q/health/ready", func(w http.ResponseWriter, req *http.Request) {
		status := statusService.GetHealthStatus(req.Context())
		w.Header().Set("Content-Type", "application/json")
		if status.Status == "UNHEALTHY" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(status)
	})

	r.Get("/q/health", func(w http.ResponseWriter, req *http.Request) {
		status := statusService.GetHealthStatus(req.Context())
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(status)
	})

	r.Handle("/metrics", promhttp.Handler())
	r.Handle("/q/metrics", promhttp.Handler())

	return r
}

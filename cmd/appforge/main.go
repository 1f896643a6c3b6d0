// AppForge build server — provides the pipeline HTTP API, runs queue
// workers, and streams build events over WebSockets.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/appforge/appforge/pkg/api"
	"github.com/appforge/appforge/pkg/cleanup"
	"github.com/appforge/appforge/pkg/config"
	"github.com/appforge/appforge/pkg/database"
	"github.com/appforge/appforge/pkg/events"
	"github.com/appforge/appforge/pkg/llm"
	"github.com/appforge/appforge/pkg/metrics"
	"github.com/appforge/appforge/pkg/orchestrator"
	"github.com/appforge/appforge/pkg/queue"
	"github.com/appforge/appforge/pkg/registry"
	"github.com/appforge/appforge/pkg/router"
	"github.com/appforge/appforge/pkg/services"
	"github.com/appforge/appforge/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// resolveReplicaID determines the replica identifier for multi-replica
// coordination. Priority: REPLICA_ID env > HOSTNAME env > "local"
func resolveReplicaID() string {
	if id := os.Getenv("REPLICA_ID"); id != "" {
		return id
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return "local"
}

// parseAuthTokens parses AUTH_TOKENS ("token:user,token:user") into a
// token-to-user map.
func parseAuthTokens(raw string) map[string]string {
	tokens := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		token, user, ok := strings.Cut(pair, ":")
		if !ok || token == "" || user == "" {
			slog.Warn("Ignoring malformed AUTH_TOKENS entry")
			continue
		}
		tokens[token] = user
	}
	return tokens
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	// Load .env file from config directory
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	httpPort := getEnv("HTTP_PORT", "8080")
	replicaID := resolveReplicaID()

	slog.Info("Starting AppForge",
		"version", version.Full(),
		"http_port", httpPort,
		"replica_id", replicaID,
		"config_dir", *configDir)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// 1. Initialize configuration
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	// 2. Initialize database (runs migrations)
	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}

	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	slog.Info("Connected to PostgreSQL database")

	// 3. Stage registry: built-ins plus custom stages from YAML
	stageRegistry, err := registry.NewWithBuiltins()
	if err != nil {
		slog.Error("Failed to initialize stage registry", "error", err)
		os.Exit(1)
	}
	if len(cfg.CustomStages) > 0 {
		if err := stageRegistry.Register(cfg.CustomStages...); err != nil {
			slog.Warn("Custom stage registration failed, continuing with built-ins",
				"error", err)
		} else {
			slog.Info("Registered custom stages", "count", len(cfg.CustomStages))
		}
	}

	// 4. Domain services
	buildService := services.NewBuildService(dbClient.DB(), stageRegistry)
	stageService := services.NewStageService(dbClient.DB(), stageRegistry)
	eventService := services.NewEventService(dbClient.DB())
	metricsService := services.NewMetricsService(dbClient.DB())
	slog.Info("Services initialized")

	// 5. One-time startup orphan recovery
	if recovered, err := queue.RecoverStartupOrphans(ctx, buildService, cfg.Queue.OrphanThreshold); err != nil {
		slog.Error("Startup orphan recovery failed", "error", err)
		// Non-fatal — the periodic scan will retry
	} else if recovered > 0 {
		slog.Info("Recovered orphaned builds at startup", "count", recovered)
	}

	// 6. Metrics collector (also observes router traffic)
	collector := metrics.NewCollector(metricsService, cfg.Metrics, prometheus.DefaultRegisterer)
	go collector.Run(ctx)

	// 7. LLM providers and model router
	providers, err := llm.NewProviders(cfg.Providers)
	if err != nil {
		slog.Error("Failed to initialize LLM providers", "error", err)
		os.Exit(1)
	}
	modelRouter, err := router.New(cfg.Router, cfg.Providers, providers, collector)
	if err != nil {
		slog.Error("Failed to initialize model router", "error", err)
		os.Exit(1)
	}
	go modelRouter.RunHealthChecks(ctx)
	slog.Info("Model router initialized", "providers", len(providers))

	// 8. Build executor and worker pool
	executor := orchestrator.NewExecutor(stageRegistry, buildService, stageService, eventService, modelRouter, collector)
	workerPool := queue.NewWorkerPool(replicaID, buildService, cfg.Queue, executor, eventService)
	if err := workerPool.Start(ctx); err != nil {
		slog.Error("Failed to start worker pool", "error", err)
		os.Exit(1)
	}

	// 9. Event stream fabric: connection manager + LISTEN connection
	connManager := events.NewConnectionManager(eventService, cfg.Fabric)
	go connManager.Run(ctx)

	notifyListener := events.NewNotifyListener(dbClient.DSN(), connManager)
	if err := notifyListener.Start(ctx); err != nil {
		slog.Error("Failed to start notify listener", "error", err)
		os.Exit(1)
	}
	defer notifyListener.Stop(ctx)
	slog.Info("Event stream fabric initialized")

	// 10. Retention
	retention := cleanup.NewService(cfg.Retention, buildService, eventService)
	retention.Start(ctx)
	defer retention.Stop()

	// 11. HTTP server
	authTokens := parseAuthTokens(os.Getenv("AUTH_TOKENS"))
	if len(authTokens) == 0 {
		slog.Warn("AUTH_TOKENS not set, all API requests will be rejected")
	}
	auth := api.NewStaticAuthenticator(authTokens)

	apiServer := api.NewServer(buildService, stageService, eventService,
		workerPool, dbClient, collector, connManager, auth)
	httpServer := &http.Server{
		Addr:              ":" + httpPort,
		Handler:           apiServer.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("AppForge started successfully",
		"replica_id", replicaID,
		"workers", cfg.Queue.WorkerCount)

	// 12. Wait for shutdown signal or server error
	select {
	case <-ctx.Done():
		slog.Info("Shutdown signal received")
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 13. Graceful shutdown: drain workers, then the HTTP server
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Queue.GracefulShutdownTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		workerPool.Stop()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("Worker pool stopped gracefully")
	case <-shutdownCtx.Done():
		slog.Warn("Shutdown timeout exceeded, incomplete builds will be orphan-recovered")
	}

	httpShutdownCtx, httpCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}

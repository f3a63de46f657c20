package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dubflow/internal/client/apprise"
	"github.com/dubflow/internal/client/provider"
	"github.com/dubflow/internal/config"
	"github.com/dubflow/internal/events"
	"github.com/dubflow/internal/executor"
	"github.com/dubflow/internal/handler"
	"github.com/dubflow/internal/pipeline"
	"github.com/dubflow/internal/store"
	"github.com/dubflow/internal/supervisor"
	"github.com/dubflow/internal/version"
	"github.com/dubflow/pkg/logger"
)

func main() {
	// Initialize logger
	isDev := os.Getenv("ENV") != "production"
	logger.Init(isDev)
	defer logger.Sync()

	version.PrintBanner(nil)

	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/config.yaml"
	}

	logger.Infof("📁 Loading config: %s", configPath)
	cfgMgr, err := config.NewManager(configPath)
	if err != nil {
		logger.Fatalf("❌ Config error: %v", err)
	}
	defer cfgMgr.Stop()
	cfg := cfgMgr.Get()

	// Open the job store
	jobStore, err := openStore(cfg.Store)
	if err != nil {
		logger.Fatalf("❌ Store error: %v", err)
	}
	defer jobStore.Close()

	// Initialize Apprise client
	var notifier supervisor.Notifier
	if cfg.Apprise.Enabled {
		notifier = apprise.NewClient(cfg.Apprise)
		logger.Infof("🔔 Notifications: enabled (key=%s)", cfg.Apprise.Key)
	} else {
		logger.Info("🔔 Notifications: disabled")
	}

	// Event bus + supervisor, with all available executor strategies
	bus := events.NewBus()
	stages := pipeline.ParseStages(cfg.Pipeline.Stages)
	simulated := executor.NewSimulated(cfg.Simulated, executor.NewLibrary(cfg.Library))
	sup := supervisor.New(jobStore, simulated, bus, stages, cfg.Pipeline.MaxActiveJobs, notifier)
	if cfg.Provider.BaseURL != "" {
		live := executor.NewLive(provider.NewClient(cfg.Provider), cfg.Provider)
		sup.RegisterExecutor(pipeline.StrategyLive, live)
	}

	defaultStrategy, ok := pipeline.ParseStrategy(cfg.Pipeline.Strategy)
	if !ok {
		logger.Fatalf("❌ Unknown executor strategy %q", cfg.Pipeline.Strategy)
	}
	if defaultStrategy == pipeline.StrategyLive && cfg.Provider.BaseURL == "" {
		logger.Fatalf("❌ Live executor needs provider.base_url")
	}
	sup.SetDefaultStrategy(defaultStrategy)

	// Initialize HTTP server
	if !isDev {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger())

	// Register routes
	h := handler.New(sup, bus)
	h.RegisterRoutes(router)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("❌ Server error: %v", err)
		}
	}()

	// Print startup info
	logger.Info("")
	logger.Infof("⚙️  Executor: %s", cfg.Pipeline.Strategy)
	logger.Infof("🗄️  Store: %s", cfg.Store.Driver)
	if cfg.Provider.RateLimitRPM > 0 {
		logger.Infof("🚦 Provider rate limit: %d polls/min", cfg.Provider.RateLimitRPM)
	}
	logger.Info("")
	logger.Infof("🌐 API server: http://localhost:%d", cfg.Server.Port)
	logger.Infof("   POST /api/v1/jobs             - Start a localization job")
	logger.Infof("   GET  /api/v1/jobs/:id/events  - Live progress (SSE)")
	logger.Infof("   POST /api/v1/jobs/:id/approve - Publish after review")
	logger.Info("")
	logger.Info("────────────────────────────────────────────────────────────────")
	logger.Info("✅  Ready! Waiting for localization jobs...")
	logger.Info("────────────────────────────────────────────────────────────────")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("")
	logger.Info("🛑 Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Errorf("❌ Shutdown error: %v", err)
	}
	sup.Shutdown(ctx)

	logger.Info("👋 Goodbye!")
}

// jobStore adds teardown to the supervisor's persistence surface.
type jobStore interface {
	supervisor.Store
	Close() error
}

func openStore(cfg config.StoreConfig) (jobStore, error) {
	switch cfg.Driver {
	case "memory":
		return store.NewMemory(), nil
	case "sqlite", "":
		return store.OpenSQLite(cfg.Path)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// requestLogger returns a gin middleware for logging HTTP requests
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		status := c.Writer.Status()
		if path != "/api/v1/health" || status >= 400 {
			latency := time.Since(start)
			logger.Debugf("HTTP %s %s → %d (%v)", c.Request.Method, path, status, latency)
		}
	}
}

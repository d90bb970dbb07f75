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
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/codepod-dev/codepod/internal/agent/orchestrator"
	"github.com/codepod-dev/codepod/internal/api"
	"github.com/codepod-dev/codepod/internal/common/config"
	"github.com/codepod-dev/codepod/internal/common/database"
	"github.com/codepod-dev/codepod/internal/common/logger"
	"github.com/codepod-dev/codepod/internal/events/bus"
	projectstore "github.com/codepod-dev/codepod/internal/project/store"
	"github.com/codepod-dev/codepod/internal/sandbox/lifecycle"
	"github.com/codepod-dev/codepod/internal/sandbox/provider"
	"github.com/codepod-dev/codepod/internal/sandbox/reaper"
	sandboxstore "github.com/codepod-dev/codepod/internal/sandbox/store"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting codepod service...")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 3. Connect to the event bus. An empty NATS URL selects the in-memory
	// bus for single-process deployments.
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		eventBus, err = bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		log.Info("Connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		eventBus = bus.NewMemoryEventBus(log)
		log.Info("Using in-memory event bus")
	}
	defer eventBus.Close()

	// 4. Open the database and initialize the schema
	db, err := database.New(ctx, cfg.Database)
	if err != nil {
		log.Fatal("Failed to open database", zap.Error(err))
	}
	defer db.Close()
	log.Info("Connected to database", zap.String("driver", db.Driver()))

	projects := projectstore.New(db.DB)
	sandboxes := sandboxstore.New(db.DB)

	// 5. Initialize the sandbox provider backend
	var prov provider.Provider
	switch cfg.Provider.Backend {
	case "sprites":
		prov = provider.NewSpritesProvider(cfg.Provider.Sprites, log)
	case "docker":
		dockerProv, err := provider.NewDockerProvider(cfg.Provider.Docker, log)
		if err != nil {
			log.Fatal("Failed to initialize Docker provider", zap.Error(err))
		}
		if err := dockerProv.Ping(ctx); err != nil {
			log.Fatal("Failed to connect to Docker daemon", zap.Error(err))
		}
		prov = dockerProv
	}
	log.Info("Initialized sandbox provider", zap.String("backend", prov.Name()))

	// 6. Wire the lifecycle manager, reaper and orchestrator
	manager := lifecycle.NewManager(sandboxes, prov, eventBus, cfg.Provider.PreviewPort, log)
	defer manager.Close()

	rp := reaper.New(sandboxes, manager, eventBus, cfg.Reaper, log)
	orch := orchestrator.New(projects, manager, cfg.Agent, log)

	// 7. Setup HTTP server
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	handler := api.NewHandler(projects, sandboxes, manager, rp, orch, eventBus, log)
	router := api.SetupRouter(handler, log)

	server := &http.Server{
		Addr:    cfg.Server.Addr(),
		Handler: router,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		if err := rp.Run(gctx); err != nil && err != context.Canceled {
			return fmt.Errorf("reaper: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down codepod service...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("service exited with error", zap.Error(err))
		os.Exit(1)
	}

	log.Info("codepod service stopped")
}

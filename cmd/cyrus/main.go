// Package main is the entry point for the Cyrus edge worker.
// One binary runs webhook intake, session orchestration, persistence and
// the operator event feed against a single agent tracker workspace.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ceedaragents/cyrus/internal/common/config"
	"github.com/ceedaragents/cyrus/internal/common/httpmw"
	"github.com/ceedaragents/cyrus/internal/common/logger"
	"github.com/ceedaragents/cyrus/internal/coordinator"
	edgeconfig "github.com/ceedaragents/cyrus/internal/config"
	"github.com/ceedaragents/cyrus/internal/events"
	"github.com/ceedaragents/cyrus/internal/gateway"
	"github.com/ceedaragents/cyrus/internal/orchestrator"
	"github.com/ceedaragents/cyrus/internal/persistence"
	"github.com/ceedaragents/cyrus/internal/router"
	"github.com/ceedaragents/cyrus/internal/tracing"
	"github.com/ceedaragents/cyrus/internal/webhook"
	"github.com/ceedaragents/cyrus/internal/workspace"
)

func main() {
	// 1. Load process configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "cyrus: load configuration:", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "cyrus: initialize logger:", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting Cyrus edge worker...", zap.String("home", cfg.Cyrus.HomeDir()))

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Initialize event bus (in-memory by default, NATS when configured)
	eventBus, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}

	// 5. Persisted worker state
	store := persistence.NewStore(cfg.Cyrus.StateDir(), log)
	writer := persistence.NewWriter(store, store.Load(), log)
	writer.Start(ctx)

	// 6. Repository configuration with hot reload
	domain, err := edgeconfig.NewManager(cfg.Cyrus.ConfigPath(), cfg.Cyrus.HomeDir(), eventBus, log)
	if err != nil {
		log.Fatal("Failed to load edge configuration", zap.Error(err))
	}
	if err := domain.Start(ctx); err != nil {
		log.Fatal("Failed to watch edge configuration", zap.Error(err))
	}

	// 7. Workspace provisioning
	workspaces, err := workspace.NewManager(cfg.Cyrus.WorkspacesDir(), log)
	if err != nil {
		log.Fatal("Failed to prepare workspace directory", zap.Error(err))
	}

	// 8. Tracker clients, router, session coordinator
	trackers := orchestrator.NewTrackerRegistry(domain, log)
	route := router.New(trackers, log)
	coord := coordinator.NewManager(trackers, writer, store, workspaces, domain, eventBus, log)

	// 9. Orchestrator service
	svc := orchestrator.NewService(orchestrator.ServiceConfig{
		WebhookPath:      cfg.Webhook.Path,
		WebhookAuthMode:  webhook.AuthMode(cfg.Webhook.AuthMode),
		WebhookSecret:    cfg.Webhook.Secret,
		WebhookAPIKey:    cfg.Webhook.APIKey,
		DrainTimeout:     cfg.Shutdown.Timeout(),
		SandboxCleanup:   cfg.Docker.Enabled,
		DockerHost:       cfg.Docker.Host,
		DockerAPIVersion: cfg.Docker.APIVersion,
	}, domain, coord, trackers, route, store, writer, eventBus, log)

	// 10. Operator event feed
	feed := gateway.NewFeed(eventBus, log)

	// 11. HTTP server
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(httpmw.RequestLogger(log, "cyrus"))
	engine.Use(httpmw.OtelTracing("cyrus"))
	svc.RegisterRoutes(engine)
	feed.RegisterRoutes(engine)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      engine,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// 12. Recover persisted sessions and open intake
	if err := svc.Start(ctx); err != nil {
		log.Fatal("Failed to start orchestrator", zap.Error(err))
	}
	if err := feed.Start(); err != nil {
		log.Fatal("Failed to start event feed", zap.Error(err))
	}

	log.Info("Cyrus edge worker ready",
		zap.String("addr", server.Addr),
		zap.String("webhook", cfg.Webhook.Path),
		zap.String("events", "/events/ws"),
		zap.String("status", "/status"),
	)

	// 13. Serve until signalled, then drain
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var received os.Signal
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		select {
		case sig := <-quit:
			received = sig
			log.Info("Shutting down Cyrus...", zap.String("signal", sig.String()))
		case <-gctx.Done():
			// The listener failed; shut down whatever is left.
		}
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Shutdown.Timeout())
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	})

	exitCode := 0
	if err := g.Wait(); err != nil {
		log.Error("HTTP server error", zap.Error(err))
		exitCode = 1
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Shutdown.Timeout())
	defer shutdownCancel()

	if err := svc.Stop(shutdownCtx); err != nil {
		log.Error("Orchestrator stop error", zap.Error(err))
	}
	if err := feed.Close(); err != nil {
		log.Error("Event feed stop error", zap.Error(err))
	}
	if err := domain.Close(); err != nil {
		log.Error("Config watcher stop error", zap.Error(err))
	}
	writer.Close()
	if err := busCleanup(); err != nil {
		log.Error("Event bus close error", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracer shutdown error", zap.Error(err))
	}

	log.Info("Cyrus stopped")

	// A terminated worker propagates the conventional 128+SIGTERM code so
	// supervisors can tell a commanded stop from a crash.
	if received == syscall.SIGTERM && exitCode == 0 {
		exitCode = 143
	}
	if exitCode != 0 {
		_ = log.Sync()
		os.Exit(exitCode)
	}
}

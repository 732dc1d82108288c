package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wsforge/wsforge/internal/common/config"
	"github.com/wsforge/wsforge/internal/common/execx"
	"github.com/wsforge/wsforge/internal/common/logger"
	"github.com/wsforge/wsforge/internal/engine/docker"
	"github.com/wsforge/wsforge/internal/events/bus"
	"github.com/wsforge/wsforge/internal/events/heartbeat"
	"github.com/wsforge/wsforge/internal/gateway/api"
	"github.com/wsforge/wsforge/internal/gateway/sse"
	"github.com/wsforge/wsforge/internal/gateway/websocket"
	"github.com/wsforge/wsforge/internal/workspace/activity"
	"github.com/wsforge/wsforge/internal/workspace/gc"
	"github.com/wsforge/wsforge/internal/workspace/meta"
	"github.com/wsforge/wsforge/internal/workspace/reaper"
	"github.com/wsforge/wsforge/internal/workspace/run"
	"github.com/wsforge/wsforge/internal/workspace/supervisor"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting workspace agent...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Connect the event bus; no NATS URL means in-memory
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		eventBus, err = bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
	} else {
		eventBus = bus.NewMemoryEventBus(log)
	}
	defer eventBus.Close()

	// 5. Initialize container engine client
	engineClient, err := docker.NewClient(cfg.Docker, log)
	if err != nil {
		log.Fatal("Failed to initialize container engine client", zap.Error(err))
	}
	defer engineClient.Close()

	if err := engineClient.Ping(ctx); err != nil {
		log.Fatal("Failed to reach container engine", zap.Error(err))
	}
	log.Info("Connected to container engine")

	// 6. Workspace state: meta store and activity tracker
	store := meta.NewStore(cfg.Workspace, log)
	tracker := activity.NewTracker()

	// 7. Supervisor, run engine and observer
	sup := supervisor.New(cfg, engineClient, store, log)
	runEngine := run.NewEngine(cfg.Workspace, cfg.Run, engineClient, store, eventBus, log)
	observer := run.NewObserver(cfg.Workspace, cfg.Run, cfg.Preview, engineClient, store, log)

	// 8. Orphan GC
	runner := execx.NewRunner(log)
	collector := gc.New(cfg.GC, cfg.Workspace, runner, runEngine, sup, log)

	// 9. Idle reaper
	idleReaper := reaper.New(cfg.Idle, tracker, runEngine, sup, log)

	// 10. HTTP surface: handlers, realtime channels, auth gate
	handler := api.NewHandler(sup, runEngine, observer, collector, tracker, store, cfg.Preview, log)
	streamer := sse.NewStatusStreamer(observer, tracker, log)
	terminal := websocket.NewTerminalHandler(engineClient, store, tracker, log)
	gate := api.NewAuthGate(cfg.Auth, log)
	router := api.SetupRouter(handler, streamer, terminal, gate, log)

	// WriteTimeout stays off: it would sever long-lived SSE streams.
	server := &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:     router,
		ReadTimeout: cfg.Server.ReadTimeoutDuration(),
	}

	// 11. Background loops
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		idleReaper.Start(groupCtx)
		return nil
	})
	group.Go(func() error {
		collector.Start(groupCtx)
		return nil
	})
	group.Go(func() error {
		heartbeat.New(eventBus, tracker, log).Start(groupCtx)
		return nil
	})

	// 12. Start HTTP server
	go func() {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	// 13. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down workspace agent...")

	// 14. Graceful shutdown
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := group.Wait(); err != nil {
		log.Error("Background loop error", zap.Error(err))
	}

	log.Info("Workspace agent stopped")
}

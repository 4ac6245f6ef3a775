package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/agent"
	"github.com/agentdeck/agentdeck/internal/auth"
	"github.com/agentdeck/agentdeck/internal/common/config"
	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/events"
	"github.com/agentdeck/agentdeck/internal/events/bus"
	"github.com/agentdeck/agentdeck/internal/frames"
	"github.com/agentdeck/agentdeck/internal/httpapi"
	"github.com/agentdeck/agentdeck/internal/push"
	"github.com/agentdeck/agentdeck/internal/relay"
	"github.com/agentdeck/agentdeck/internal/session"
	"github.com/agentdeck/agentdeck/internal/settings"
	"github.com/agentdeck/agentdeck/internal/transcript"
)

// heartbeatInterval is the shared liveness tick for SSE and frame
// subscribers.
const heartbeatInterval = 20 * time.Second

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

	log.Info("Starting AgentDeck server...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Event bus
	eventBus := bus.NewBus()
	defer eventBus.Close()

	// 4. Transcript store over the projects root
	if err := os.MkdirAll(cfg.Projects.Root, 0o755); err != nil {
		log.Fatal("Failed to create projects root", zap.Error(err))
	}
	store := transcript.NewStore(cfg.Projects.Root, log)
	store.SetExternalThreshold(cfg.Projects.ExternalThresholdDuration())

	// 5. Session-metadata overlay
	meta, err := session.NewMetaStore(filepath.Join(cfg.Data.Dir, "agentdeck.db"))
	if err != nil {
		log.Fatal("Failed to open metadata store", zap.Error(err))
	}
	defer meta.Close()

	// 6. Auth state and tokens
	authStore, err := auth.NewStore(cfg.Data.Dir)
	if err != nil {
		log.Fatal("Failed to load auth state", zap.Error(err))
	}
	tokens := auth.NewTokenIssuer()

	// 7. Supervisor over the AI CLI runner
	runner := agent.NewExecRunner(cfg.Agent.Command)
	sup := agent.NewSupervisor(runner, store, eventBus, cfg.Agent.IdleTimeoutDuration(), log)
	sup.Start(ctx)
	defer sup.Stop()

	view := session.NewView(store, sup, meta, log)

	// 8. Transcript file watcher
	watcher := transcript.NewWatcher(store, eventBus, cfg.Projects.WatchDebounceDuration(), log)
	if err := watcher.Start(ctx); err != nil {
		log.Error("Transcript watcher unavailable", zap.Error(err))
	} else {
		defer watcher.Stop()
	}

	// 9. Shared heartbeat ticker; both carriers forward it
	go func() {
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		var seq int64
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				seq++
				eventBus.Publish(bus.New(events.KindHeartbeat, "", events.Heartbeat{Seq: seq}))
			}
		}
	}()

	// 10. HTTP router shared by both carriers
	frameOpts := frames.Options{
		UploadDir:     filepath.Join(cfg.Data.Dir, "uploads"),
		MaxUploadSize: cfg.Uploads.MaxBytes,
	}
	router := httpapi.NewRouter(httpapi.Deps{
		Store:         store,
		View:          view,
		Sup:           sup,
		Meta:          meta,
		Bus:           eventBus,
		Settings:      settings.NewStore(cfg.Data.Dir),
		Push:          push.NewStore(cfg.Data.Dir),
		Auth:          authStore,
		Tokens:        tokens,
		UploadDir:     frameOpts.UploadDir,
		MaxUploadSize: frameOpts.MaxUploadSize,
	}, log)

	// 11. Bind. This is the only failure that exits non-zero; everything
	// after it is protocol-level.
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		log.Fatal("Failed to bind", zap.String("addr", addr), zap.Error(err))
	}

	server := &http.Server{
		Handler:     router,
		ReadTimeout: cfg.Server.ReadTimeoutDuration(),
		// Write timeout stays off: SSE and websocket connections are
		// long-lived by design.
	}
	go func() {
		log.Info("HTTP server listening", zap.String("addr", addr))
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Error("HTTP server stopped", zap.Error(err))
		}
	}()

	// 12. Optional encrypted relay
	if cfg.Relay.URL != "" {
		relayClient := relay.NewClient(cfg.Relay.URL, authStore, tokens, router, eventBus, frameOpts, log)
		go func() {
			if err := relayClient.Run(ctx); err != nil && ctx.Err() == nil {
				log.Error("Relay stopped", zap.Error(err))
			}
		}()
	}

	// 13. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down AgentDeck server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	log.Info("AgentDeck server stopped")
}

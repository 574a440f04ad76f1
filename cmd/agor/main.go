// Package main is the Agor daemon entry point: one process serving the
// WebSocket gateway and driving agent subprocesses for every session.
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
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/agor-dev/agor/internal/agent"
	"github.com/agor-dev/agor/internal/common/config"
	"github.com/agor-dev/agor/internal/common/httpmw"
	"github.com/agor-dev/agor/internal/common/logger"
	"github.com/agor-dev/agor/internal/events"
	"github.com/agor-dev/agor/internal/events/bus"
	gateway "github.com/agor-dev/agor/internal/gateway/websocket"
	"github.com/agor-dev/agor/internal/identity"
	"github.com/agor-dev/agor/internal/mcp"
	"github.com/agor-dev/agor/internal/mcpserver"
	"github.com/agor-dev/agor/internal/permission"
	"github.com/agor-dev/agor/internal/secrets"
	"github.com/agor-dev/agor/internal/session"
	"github.com/agor-dev/agor/internal/store"
	"github.com/agor-dev/agor/internal/unixenv"
	"github.com/agor-dev/agor/internal/worktree"
)

func main() {
	// .env is optional; real deployments configure via environment.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

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

	log.Info("Starting Agor daemon...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Event bus: NATS when configured, in-memory otherwise.
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		log.Info("Connecting to NATS...", zap.String("url", cfg.NATS.URL))
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus
		log.Info("Connected to NATS event bus")
	} else {
		log.Info("Using in-memory event bus")
		eventBus = bus.NewMemoryEventBus(log)
	}
	defer eventBus.Close()

	clock := store.SystemClock{}
	st, err := store.OpenSQLite(cfg.Database.Path, clock)
	if err != nil {
		log.Fatal("Failed to open database",
			zap.String("path", cfg.Database.Path), zap.Error(err))
	}
	defer st.Close()
	log.Info("Database ready", zap.String("path", cfg.Database.Path))

	// Unix provisioning and identities.
	executor := &unixenv.ExecExecutor{SudoPrefix: cfg.Unix.SudoCommand}
	controller := unixenv.NewController(cfg.Unix, executor, log)
	identities := identity.NewStore(st.Users(), controller, cfg.Unix, log)

	// Reconcile host groups, modes and symlinks from stored truth so a
	// restart converges the machine before any session runs.
	worktrees := worktree.NewService(st, controller, cfg.Unix, log)
	if err := worktrees.SyncAll(ctx); err != nil {
		log.Error("Unix environment reconciliation failed", zap.Error(err))
	}

	// Secrets and MCP resolution.
	masterKey, err := secrets.NewMasterKeyProvider(cfg.Secrets.DataDir)
	if err != nil {
		log.Fatal("Failed to initialize master key", zap.Error(err))
	}
	secretResolver := secrets.NewResolver(st.Users(), masterKey, nil, log)
	mcpResolver := mcp.NewResolver(st.MCPServers(), st.Worktrees(), secretResolver, cfg.MCP, log)

	broadcaster := events.NewBusBroadcaster(eventBus, log)
	arbiter := permission.NewArbiter(st, clock, broadcaster, log)

	spawner := agent.NewExecSpawner()
	kernel := session.NewKernel(session.Deps{
		Store:       st,
		Clock:       clock,
		Broadcaster: broadcaster,
		Permissions: arbiter,
		Secrets:     secretResolver,
		MCP:         mcpResolver,
		Credentials: session.NewUnixCredentials(identities, controller, cfg.Unix, log),
		Agents:      cfg.Agents,
		NewDriver: func() session.PromptDriver {
			return agent.NewDriver(spawner, cfg.Agents, log)
		},
		Logger: log,
	})

	// Viewer gateway: hub fed from the bus, commands routed to the
	// kernel and arbiter.
	hub := gateway.NewHub(log)
	go hub.Run(ctx)

	bridge := gateway.NewBridge(hub, eventBus, log)
	if err := bridge.Start(); err != nil {
		log.Fatal("Failed to start event bridge", zap.Error(err))
	}
	defer bridge.Stop()

	gw := gateway.NewGateway(hub, kernel, worktrees, arbiter, log)
	wsHandler := gateway.NewHandler(hub, gw, log)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(log, "agor"))
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "agor"})
	})
	wsHandler.RegisterRoutes(router)

	// Built-in "agor" MCP endpoint; agents authenticate with their
	// session's mcp_token.
	var selfServer *mcpserver.Server
	if cfg.MCP.SelfServerEnabled {
		selfServer = mcpserver.New(st.Sessions(), st.Tasks(), kernel, log)
		selfServer.RegisterRoutes(router)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("HTTP server listening", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	// Graceful shutdown on SIGINT/SIGTERM.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down...")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown failed", zap.Error(err))
	}
	if selfServer != nil {
		if err := selfServer.Shutdown(shutdownCtx); err != nil {
			log.Error("MCP server shutdown failed", zap.Error(err))
		}
	}

	log.Info("Agor daemon stopped")
}

package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pulsegram/realtime/api/ws"
	"github.com/pulsegram/realtime/config"
	"github.com/pulsegram/realtime/internal/auth"
	"github.com/pulsegram/realtime/internal/bus"
	natsc "github.com/pulsegram/realtime/internal/nats"
	"github.com/pulsegram/realtime/internal/port"
	redisc "github.com/pulsegram/realtime/internal/redis"
	"github.com/pulsegram/realtime/internal/websocket"
	"github.com/pulsegram/realtime/pkg/logger"
	"github.com/pulsegram/realtime/service"
)

// App represents the main application structure holding all dependencies
type App struct {
	cfg         config.Config
	logger      logger.Logger
	natsClient  *natsc.Client
	redisClient *redisc.Client
	chatService *service.ChatService
	hub         *websocket.Hub
	httpServer  *http.Server
	rootCtx     context.Context
	cancel      context.CancelFunc
}

// NewApp initializes and connects all application dependencies
func NewApp(cfg config.Config) (*App, error) {
	baseLogger := logger.NewLogger(cfg.LogLevel, cfg.LogFile)
	rootCtx := logger.NewContext(context.Background(), baseLogger)
	rootCtx, rootCancel := context.WithCancel(rootCtx)

	log := logger.FromContext(rootCtx).WithModule("app")
	log.Infof("Initializing application components...")

	redisClient, err := redisc.NewClient(rootCtx, cfg.RedisURL)
	if err != nil {
		rootCancel()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	// With a NATS URL the node joins the shared fan-out bus; without one it
	// runs standalone on the in-process bus.
	var (
		natsClient *natsc.Client
		eventBus   port.EventBus
		notifier   port.NotificationDispatcher
	)
	if cfg.NATSURL != "" {
		natsClient, err = natsc.NewClient(cfg.NATSURL, baseLogger.WithModule("nats"))
		if err != nil {
			rootCancel()
			redisClient.Close()
			return nil, fmt.Errorf("failed to connect to NATS: %w", err)
		}
		eventBus = natsClient
		notifier = natsc.NewNotifier(natsClient, baseLogger.WithModule("notify"))
	} else {
		log.Warnf("No NATS URL configured, running single-node with in-process bus")
		eventBus = bus.NewMemory()
		notifier = bus.NewLogNotifier(baseLogger.WithModule("notify"))
	}

	chatService, err := service.NewChatService(service.Config{
		Bus:           eventBus,
		Store:         redisClient,
		Participants:  redisClient,
		Notifier:      notifier,
		LastSeen:      redisClient,
		PresenceGrace: cfg.PresenceGrace(),
		TypingTTL:     cfg.TypingTTL(),
		Logger:        baseLogger,
	})
	if err != nil {
		rootCancel()
		redisClient.Close()
		if natsClient != nil {
			natsClient.Close()
		}
		return nil, fmt.Errorf("failed to build chat service: %w", err)
	}

	hub := websocket.NewHub()
	go hub.Run()

	verifier := auth.NewJWTVerifier(cfg.JWTSecret)
	httpServer := createHTTPServer(rootCtx, cfg.Port, hub, chatService, verifier)

	app := &App{
		cfg:         cfg,
		logger:      log,
		natsClient:  natsClient,
		redisClient: redisClient,
		chatService: chatService,
		hub:         hub,
		httpServer:  httpServer,
		rootCtx:     rootCtx,
		cancel:      rootCancel,
	}

	log.Infof("Application initialized successfully")
	return app, nil
}

func createHTTPServer(ctx context.Context, port int, hub *websocket.Hub, chatService *service.ChatService, verifier *auth.JWTVerifier) *http.Server {
	wsConfig := ws.WSConfig{
		Hub:         hub,
		ChatService: chatService,
		Verifier:    verifier,
		RootCtx:     ctx,
	}

	return &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: ws.SetupWebSocketRoutes(wsConfig),
	}
}

// Start runs the application and handles graceful shutdown on signal
func (a *App) Start() error {
	log := a.logger.WithFields(map[string]interface{}{
		"port": a.cfg.Port,
	})

	log.Infof("Starting application server")

	go func() {
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithFields(map[string]interface{}{
				"error": err.Error(),
			}).Fatalf("HTTP server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	sig := <-quit
	log.WithFields(map[string]interface{}{
		"signal": sig.String(),
	}).Warnf("Received shutdown signal")

	return a.Stop()
}

// Stop gracefully shuts down the server and closes all connections
func (a *App) Stop() error {
	log := a.logger.WithFields(map[string]interface{}{
		"shutdown_timeout": "5s",
	})

	log.Infof("Initiating graceful shutdown")

	a.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := a.httpServer.Shutdown(ctx); err != nil {
		log.WithFields(map[string]interface{}{
			"error": err.Error(),
		}).Errorf("HTTP server shutdown error")
	}

	log.Infof("Closing websocket connections")
	a.hub.Close()
	a.chatService.Close()

	if a.natsClient != nil {
		log.Infof("Closing NATS connection")
		a.natsClient.Close()
	}

	log.Infof("Closing Redis connection")
	a.redisClient.Close()

	log.Infof("Shutdown completed successfully")
	return nil
}

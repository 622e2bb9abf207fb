// Package app wires every component into one runnable server.
package app

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/labstack/gommon/log"
	"github.com/rs/cors"

	"coursechat/internal/api"
	"coursechat/internal/auth"
	"coursechat/internal/cache"
	"coursechat/internal/chat"
	"coursechat/internal/config"
	"coursechat/internal/database"
	"coursechat/internal/hub"
	"coursechat/internal/logging"
	"coursechat/internal/registry"
	"coursechat/internal/router"
	"coursechat/internal/websocket"
)

// Application coordinates all system components
// Clean dependency injection pattern with proper initialization order
type Application struct {
	config        *config.Config
	dbManager     *database.Manager
	cache         cache.Cache
	conversations *registry.Registry
	connections   *websocket.Registry
	messageRouter *router.Router
	messageHub    *hub.Hub
	service       *chat.Service
	apiServer     *api.Server
	httpServer    *http.Server
	listener      net.Listener
	logger        *log.Logger
}

// NewApplication creates a new application instance with all components initialized
// Component initialization follows strict dependency order:
// Database → Cache → Registry → Broker → Service → API → HTTP
func NewApplication(cfg *config.Config) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logging.Configure(cfg.Log.Level, os.Stderr)
	logger := logging.For("app")
	if cfg.Auth.JWTSecret == config.DevJWTSecret {
		logger.Warn("using the development JWT secret; set COURSECHAT_AUTH_JWT_SECRET in production")
	}

	// STEP 1: store, migrations applied on open
	dbManager, err := database.NewManager(cfg.StoreConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database manager: %w", err)
	}

	// STEP 2: summary cache
	summaryCache, err := newCache(cfg.Cache)
	if err != nil {
		_ = dbManager.Close()
		return nil, fmt.Errorf("failed to initialize cache: %w", err)
	}

	// STEP 3: conversation registry
	conversations := registry.New(dbManager, summaryCache, cfg.Cache.SummaryTTL)

	// STEP 4: broker
	connections := websocket.NewRegistry()
	messageRouter := router.NewRouter(connections)
	limiter := router.NewRateLimiter(cfg.RateLimit.MessagesPerMinute)
	messageHub := hub.NewHub(connections, messageRouter, limiter, hub.Config{
		ReadTimeout:   cfg.WebSocket.ReadTimeout,
		SweepInterval: cfg.WebSocket.PingInterval,
	})

	// STEP 5: use cases
	service := chat.NewService(conversations, messageHub, limiter)

	// STEP 6: HTTP surface
	verifier := auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	apiServer := api.NewServer(service, dbManager, connections, verifier)
	wsHandler := websocket.NewHandler(connections, verifier, websocket.HandlerConfig{
		PingInterval:   cfg.WebSocket.PingInterval,
		ReadTimeout:    cfg.WebSocket.ReadTimeout,
		WriteTimeout:   cfg.WebSocket.WriteTimeout,
		BufferSize:     cfg.WebSocket.BufferSize,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
	})
	apiServer.Handle("/ws", http.HandlerFunc(wsHandler.HandleWebSocket))

	corsHandler := cors.New(cors.Options{
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:         86400,
	}).Handler(apiServer)

	httpServer := &http.Server{
		Addr:         cfg.Address(),
		Handler:      corsHandler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	return &Application{
		config:        cfg,
		dbManager:     dbManager,
		cache:         summaryCache,
		conversations: conversations,
		connections:   connections,
		messageRouter: messageRouter,
		messageHub:    messageHub,
		service:       service,
		apiServer:     apiServer,
		httpServer:    httpServer,
		logger:        logger,
	}, nil
}

func newCache(cfg *config.CacheConfig) (cache.Cache, error) {
	if cfg.RedisURL == "" {
		return cache.NewMemory(), nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return cache.NewRedis(ctx, cfg.RedisURL)
}

// Handler is the full HTTP handler (REST, /ws and /health behind CORS).
func (app *Application) Handler() http.Handler {
	return app.httpServer.Handler
}

// Start listens on the configured address and serves.
func (app *Application) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", app.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", app.httpServer.Addr, err)
	}
	return app.StartOn(ctx, ln)
}

// StartOn serves on an existing listener.
// Hub starts first to handle deliveries, then HTTP server accepts connections
func (app *Application) StartOn(ctx context.Context, ln net.Listener) error {
	app.listener = ln
	app.logger.Infof("starting coursechat on %s", ln.Addr())

	if err := app.messageHub.Start(ctx); err != nil {
		_ = ln.Close()
		return fmt.Errorf("failed to start message hub: %w", err)
	}

	serverErrCh := make(chan error, 1)
	go func() {
		if err := app.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErrCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	select {
	case err := <-serverErrCh:
		_ = app.messageHub.Stop()
		return err
	case <-time.After(100 * time.Millisecond):
		app.logger.Info("coursechat started")
		return nil
	case <-ctx.Done():
		_ = app.messageHub.Stop()
		return ctx.Err()
	}
}

// Stop gracefully shuts down the application
// Reverse dependency order: HTTP → live connections → Hub → Cache → Database
func (app *Application) Stop(ctx context.Context) error {
	app.logger.Info("shutting down coursechat")

	if err := app.httpServer.Shutdown(ctx); err != nil {
		app.logger.Errorf("HTTP server shutdown error: %v", err)
	}
	if n := app.connections.CloseAll(); n > 0 {
		app.logger.Infof("closed %d live connections", n)
	}
	if err := app.messageHub.Stop(); err != nil && err != hub.ErrHubNotRunning {
		app.logger.Errorf("message hub shutdown error: %v", err)
	}
	if err := app.cache.Close(); err != nil {
		app.logger.Errorf("cache shutdown error: %v", err)
	}
	if err := app.dbManager.Close(); err != nil {
		app.logger.Errorf("database shutdown error: %v", err)
		return err
	}

	app.logger.Info("coursechat shutdown complete")
	return nil
}

// GetAddr returns the address the server listens on.
func (app *Application) GetAddr() string {
	if app.listener != nil {
		return app.listener.Addr().String()
	}
	return app.httpServer.Addr
}

// Config returns the configuration the application was built with.
func (app *Application) Config() *config.Config {
	return app.config
}

// Connections exposes the live connection registry.
func (app *Application) Connections() *websocket.Registry {
	return app.connections
}

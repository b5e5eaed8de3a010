package serve

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/hoalng/chat-service/internal/config"
	"github.com/hoalng/chat-service/internal/event/ws"
	routeevents "github.com/hoalng/chat-service/internal/plugin/route/events"
	routemessages "github.com/hoalng/chat-service/internal/plugin/route/messages"
	routepolls "github.com/hoalng/chat-service/internal/plugin/route/polls"
	routesystem "github.com/hoalng/chat-service/internal/plugin/route/system"
	storemetrics "github.com/hoalng/chat-service/internal/plugin/store/metrics"
	registrycache "github.com/hoalng/chat-service/internal/registry/cache"
	registrymigrate "github.com/hoalng/chat-service/internal/registry/migrate"
	registryroute "github.com/hoalng/chat-service/internal/registry/route"
	registrystore "github.com/hoalng/chat-service/internal/registry/store"
	"github.com/hoalng/chat-service/internal/security"
	"github.com/hoalng/chat-service/internal/service"
)

// Server holds the running server and its subsystems.
type Server struct {
	Config *config.Config
	Store  registrystore.MessageStore
	Router *gin.Engine
	Hub    *ws.Hub
	// Port is the bound listen port; differs from config when port 0 was requested.
	Port int

	httpServer *http.Server
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// StartServer initializes all subsystems and starts the HTTP listener.
// Use cfg.Listener.Port=0 for an OS-assigned port; the bound port is Server.Port.
func StartServer(ctx context.Context, cfg *config.Config) (*Server, error) {
	log.Info("Starting chat service",
		"httpPort", cfg.Listener.Port,
		"db", cfg.DatastoreType,
		"cache", cfg.CacheType,
	)

	// Initialize Prometheus metrics with configured constant labels.
	metricsLabels, err := security.ParseMetricsLabels(cfg.MetricsLabels)
	if err != nil {
		return nil, fmt.Errorf("invalid --metrics-labels: %w", err)
	}
	security.InitMetrics(metricsLabels)

	// Run migrations
	if err := registrymigrate.RunAll(ctx); err != nil {
		return nil, fmt.Errorf("migrations failed: %w", err)
	}

	// Initialize cache and inject into context so store loaders can read it.
	var messageCache registrycache.MessageCache
	if cacheLoader, err := registrycache.Select(cfg.CacheType); err != nil {
		log.Warn("Cache not available", "cache", cfg.CacheType, "err", err)
	} else if loaded, err := cacheLoader(ctx); err != nil {
		log.Warn("Failed to initialize cache", "cache", cfg.CacheType, "err", err)
	} else {
		messageCache = loaded
		ctx = registrycache.WithMessageCacheContext(ctx, messageCache)
	}

	// Initialize store
	storeLoader, err := registrystore.Select(cfg.DatastoreType)
	if err != nil {
		return nil, err
	}
	store, err := storeLoader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	store = storemetrics.Wrap(store)

	// Wire up services
	hub := ws.NewHub()
	syncer := service.NewSyncer(messageCache, cfg)
	history := service.NewHistory(store, messageCache, syncer, cfg)
	messages := service.NewMessages(store, syncer, hub)
	polls := service.NewPolls(store, syncer, hub)

	// Set up gin
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(security.AccessLogMiddleware("/health", "/ready", "/metrics"))
	router.Use(security.MetricsMiddleware())
	router.Use(maxBodySizeMiddleware(cfg.MaxBodySize))
	if cfg.CORSEnabled {
		router.Use(corsMiddleware(cfg.CORSOrigins))
	}

	// Mount route plugins.
	if err := registryroute.Mount(router); err != nil {
		return nil, fmt.Errorf("failed to load routes: %w", err)
	}

	auth := security.AuthMiddleware(cfg)
	routemessages.MountRoutes(router, history, messages, auth)
	routepolls.MountRoutes(router, polls, auth)
	routeevents.MountRoutes(router, hub, store, auth)

	httpServer := &http.Server{
		Handler:           router,
		ReadHeaderTimeout: cfg.Listener.ReadHeaderTimeout,
	}
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Listener.Port))
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}
	go func() {
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server error", "err", err)
		}
	}()

	port := ln.Addr().(*net.TCPAddr).Port
	log.Info("Server listening", "port", port)

	routesystem.MarkReady()
	return &Server{
		Config:     cfg,
		Store:      store,
		Router:     router,
		Hub:        hub,
		Port:       port,
		httpServer: httpServer,
	}, nil
}

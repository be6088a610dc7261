package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/xiaoyuanzhu-com/session-fleet/channel"
	"github.com/xiaoyuanzhu-com/session-fleet/db"
	"github.com/xiaoyuanzhu-com/session-fleet/log"
	"github.com/xiaoyuanzhu-com/session-fleet/metrics"
	"github.com/xiaoyuanzhu-com/session-fleet/notifications"
	"github.com/xiaoyuanzhu-com/session-fleet/session"
	"github.com/xiaoyuanzhu-com/session-fleet/vendors"
	"github.com/xiaoyuanzhu-com/session-fleet/workers/health"
)

// Server owns and coordinates all application components
type Server struct {
	cfg *Config

	// Components (owned by server)
	database     *db.DB
	registry     *prometheus.Registry
	metrics      *metrics.Metrics
	notifService *notifications.Service
	manager      *session.Manager
	monitor      *health.Monitor

	// Shutdown context - cancelled when server is shutting down.
	// Long-running handlers (WebSocket, SSE) should listen to this.
	shutdownCtx    context.Context
	shutdownCancel context.CancelFunc

	// HTTP
	router *gin.Engine
	http   *http.Server
}

// New creates a new server with all components initialized
func New(cfg *Config) (*Server, error) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:            cfg,
		shutdownCtx:    ctx,
		shutdownCancel: cancel,
	}

	// 1. Open database
	log.Info().Msg("initializing database")
	database, err := db.Open(cfg.ToDBConfig())
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	s.database = database

	// 2. Metrics registry
	s.registry = prometheus.NewRegistry()
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.metrics = metrics.NewMetrics(s.registry)

	// 3. Create notifications service
	log.Info().Msg("initializing notifications service")
	s.notifService = notifications.NewService(database.Notifications())

	// 4. Create session manager
	log.Info().Msg("initializing session manager")
	factory := cfg.ChannelFactory
	if factory == nil {
		factory, err = channel.NewFactory(cfg.ToDriverConfig())
		if err != nil {
			s.database.Close()
			cancel()
			return nil, fmt.Errorf("failed to create channel factory: %w", err)
		}
	}

	deps := session.Deps{
		DB:       database,
		Factory:  factory,
		Notifier: s.notifService,
		Metrics:  s.metrics,
	}
	// A nil *OSSMirror must not become a non-nil interface
	if mirror := vendors.NewOSSMirror(cfg.ToOSSConfig()); mirror != nil {
		deps.Mirror = mirror
	}

	s.manager, err = session.NewManager(cfg.ToSessionConfig(), deps)
	if err != nil {
		s.database.Close()
		cancel()
		return nil, fmt.Errorf("failed to create session manager: %w", err)
	}

	// 5. Create health monitor
	log.Info().Msg("initializing health monitor")
	s.monitor = health.NewMonitor(cfg.ToMonitorConfig(), s.manager, s.metrics)

	// 6. Wire service connections
	s.connectServices()

	// 7. Setup HTTP router
	s.setupRouter()

	log.Info().Msg("server initialized successfully")
	return s, nil
}

// connectServices wires up event handlers between services
func (s *Server) connectServices() {
	// Session → Notifications: broadcast every state change to SSE/WebSocket clients
	s.manager.OnTransition(func(tenantID string, from, to session.State) {
		s.notifService.NotifyStateChanged(tenantID, string(from), string(to))
	})
}

// setupRouter creates and configures the Gin router
func (s *Server) setupRouter() {
	// Set Gin mode
	if !s.cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}

	// Create router
	s.router = gin.New()

	// Middleware
	s.router.Use(gin.Recovery())
	s.router.Use(log.GinLogger())

	// Security headers (production only)
	if !s.cfg.IsDevelopment() {
		s.router.Use(s.securityHeadersMiddleware())
	}

	// Gzip compression (skip SSE, WebSocket and upload endpoints)
	s.router.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{
		"/api/notifications/stream", // SSE - needs streaming
		"/api/fleet/ws",             // WebSocket - protocol upgrade
		"/api/media/tus/",           // TUS - resumable upload protocol
	})))

	// Trust proxy headers
	s.router.SetTrustedProxies(nil)

	// Note: API routes should be set up by calling code (main.go)
	// to avoid import cycles
}

// securityHeadersMiddleware adds security headers for production
func (s *Server) securityHeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// HSTS - enforce HTTPS for 1 year, include subdomains
		c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")

		// Prevent MIME type sniffing
		c.Header("X-Content-Type-Options", "nosniff")

		// Clickjacking protection
		c.Header("X-Frame-Options", "SAMEORIGIN")

		// Referrer policy - don't leak full URLs to other origins
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		c.Next()
	}
}

// Start starts all background services and the HTTP server
func (s *Server) Start() error {
	log.Info().Msg("starting server components")

	s.manager.Start()
	s.monitor.Start()

	// Bring every registered tenant back without blocking the listener
	go func() {
		if err := s.manager.Replay(s.shutdownCtx); err != nil {
			log.Error().Err(err).Msg("tenant replay failed")
		}
	}()

	// Create HTTP server
	s.http = &http.Server{
		Addr:     fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:  s.router,
		ErrorLog: log.StdErrorLogger(), // Route Go's internal HTTP errors through zerolog
	}

	log.Info().
		Str("addr", s.http.Addr).
		Str("env", s.cfg.Env).
		Msg("HTTP server starting")

	// Start HTTP server (blocks)
	return s.http.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down server")

	// 1. Cancel the shutdown context to signal all long-running handlers (WebSocket, SSE)
	log.Info().Msg("signaling handlers to stop")
	s.shutdownCancel()

	// Give handlers a moment to process the cancellation and close connections.
	time.Sleep(100 * time.Millisecond)

	// 2. Close notification service to cleanly disconnect SSE clients
	s.notifService.Shutdown()

	// 3. Shutdown HTTP server (stop accepting new requests and wait for existing ones)
	if s.http != nil {
		if err := s.http.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("http server shutdown error")
		}
	}

	// 4. Stop sweeps, then save READY tenants and destroy every client
	s.monitor.Stop()
	if err := s.manager.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("session manager shutdown error")
	}

	// Close database last
	if s.database != nil {
		if err := s.database.Close(); err != nil {
			log.Error().Err(err).Msg("database close error")
			return err
		}
	}

	log.Info().Msg("server shutdown complete")
	return nil
}

// Component accessors for API handlers
func (s *Server) Config() *Config                       { return s.cfg }
func (s *Server) DB() *db.DB                            { return s.database }
func (s *Server) Sessions() *session.Manager            { return s.manager }
func (s *Server) Notifications() *notifications.Service { return s.notifService }
func (s *Server) MetricsRegistry() *prometheus.Registry { return s.registry }
func (s *Server) Router() *gin.Engine                   { return s.router }
func (s *Server) ShutdownContext() context.Context      { return s.shutdownCtx }

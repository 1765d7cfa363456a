// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lnsuite/nwcd/internal/config"
	"github.com/lnsuite/nwcd/internal/escrow"
	"github.com/lnsuite/nwcd/internal/health"
	"github.com/lnsuite/nwcd/internal/logging"
	"github.com/lnsuite/nwcd/internal/metrics"
	"github.com/lnsuite/nwcd/internal/nwc"
	"github.com/lnsuite/nwcd/internal/ratelimit"
	"github.com/lnsuite/nwcd/internal/realtime"
	"github.com/lnsuite/nwcd/internal/security"
	"github.com/lnsuite/nwcd/internal/session"
	"github.com/lnsuite/nwcd/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	sessions     *session.Manager
	escrows      *escrow.Coordinator
	realtimeHub  *realtime.Hub
	healthReg    *health.Registry
	rateLimiter  *ratelimit.Limiter
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server) *Server

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) *Server {
		s.logger = logger
		return s
	}
}

// dialOverride carries a custom dial function into New (for testing)
var dialOverride nwc.DialFunc

// WithDialFunc sets a custom wallet dialer (for testing)
func WithDialFunc(dial nwc.DialFunc) Option {
	return func(s *Server) *Server {
		dialOverride = dial
		return s
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
	}

	// Apply options first (may set logger or dialer)
	for _, opt := range opts {
		s = opt(s)
	}

	ctx := context.Background()

	// Realtime hub for WebSocket streaming
	s.realtimeHub = realtime.NewHub(s.logger)

	// Wallet backend: the dial function every session connect goes through
	dial := dialOverride
	dialOverride = nil
	if dial == nil {
		// Only simulated mode ships; Validate enforces this.
		simnet := nwc.NewSimulatedNetwork()
		dial = simnet.Dial
		s.logger.Info("using simulated wallet backend")
	}

	// Session manager with realtime fanout
	store := session.NewMemoryStore()
	s.sessions = session.NewManager(store, dial, s.logger,
		session.WithPollInterval(cfg.BalancePollInterval),
		session.WithDialTimeout(cfg.DialTimeout),
		session.WithMinInvoiceMsat(cfg.MinInvoiceMsat),
		session.WithEventSink(func(ev session.Event) {
			s.realtimeHub.BroadcastNotification(ev.SessionID, map[string]interface{}{
				"notificationType": ev.Type,
				"paymentHash":      ev.Transaction.PaymentHash,
				"amountMsat":       ev.Transaction.AmountMsat,
				"state":            ev.Transaction.State,
				"receivedAt":       ev.ReceivedAt,
			})
		}),
		session.WithBalanceSink(func(sessionID string, balanceMsat int64) {
			s.realtimeHub.BroadcastBalance(sessionID, balanceMsat)
		}),
	)

	// Seed configured sessions so they show up disconnected before first connect
	for _, id := range cfg.Sessions {
		if _, err := s.sessions.EnsureSession(ctx, id); err != nil {
			return nil, fmt.Errorf("failed to seed session %q: %w", id, err)
		}
	}
	s.logger.Info("sessions seeded", "count", len(cfg.Sessions))

	// Escrow coordinator on top of the session layer
	s.escrows = escrow.NewCoordinator(escrow.NewMemoryStore(), s.sessions, s.logger)

	// Health checkers
	s.healthReg = health.NewRegistry()
	s.healthReg.Register("sessions", func(ctx context.Context) health.Status {
		if _, err := s.sessions.List(ctx); err != nil {
			return health.Status{Name: "sessions", Healthy: false, Detail: err.Error()}
		}
		return health.Status{Name: "sessions", Healthy: true}
	})
	s.healthReg.Register("realtime", func(ctx context.Context) health.Status {
		return health.Status{Name: "realtime", Healthy: true}
	})

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS (allow all origins for demo - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	limiterCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPS > 0 {
		limiterCfg.RequestsPerMinute = s.cfg.RateLimitRPS * 60
		limiterCfg.BurstSize = s.cfg.RateLimitRPS
	}
	s.rateLimiter = ratelimit.New(limiterCfg)
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		// Add to context
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		// Set response header
		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket for real-time streaming
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	// API info
	s.router.GET("/api", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")
	// Validate :id URL params on all v1 routes (no-op when param absent)
	v1.Use(validation.SessionIDParamMiddleware())

	// Sessions
	v1.GET("/sessions", s.listSessions)
	v1.GET("/sessions/:id", s.getSession)
	v1.POST("/sessions/:id/connect", s.connectSession)
	v1.POST("/sessions/:id/disconnect", s.disconnectSession)
	v1.POST("/sessions/:id/balance/refresh", s.refreshBalance)
	v1.GET("/sessions/:id/transactions", s.listTransactions)

	// Payments
	v1.POST("/sessions/:id/invoices", s.createInvoice)
	v1.POST("/sessions/:id/payments", s.payInvoice)
	v1.GET("/invoices/qr", s.invoiceQR)

	// Notification subscription (at most one per session)
	v1.POST("/sessions/:id/subscription", s.subscribe)
	v1.DELETE("/sessions/:id/subscription", s.unsubscribe)
	v1.GET("/sessions/:id/subscription", s.subscriptionStatus)

	// Escrows
	v1.POST("/sessions/:id/escrows", s.createEscrow)
	v1.GET("/sessions/:id/escrows", s.listEscrows)
	v1.GET("/escrows/:escrowId", s.getEscrow)
	v1.POST("/escrows/:escrowId/settle", s.settleEscrow)
	v1.POST("/escrows/:escrowId/cancel", s.cancelEscrow)

	// Realtime hub stats
	v1.GET("/realtime/stats", s.realtimeStats)
}

// -----------------------------------------------------------------------------
// Health handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, checks := s.healthReg.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "nwcd",
		"description": "Wallet session coordination daemon",
		"version":     "0.1.0",
		"walletMode":  s.cfg.WalletMode,
	})
}

func (s *Server) realtimeStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.realtimeHub.Stats())
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"walletMode", s.cfg.WalletMode,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	// Runtime metrics sampling
	go metrics.StartRuntimeCollector(runCtx, 15*time.Second)

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines (hub, collectors)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Detach escrow watchers before their sessions go away
	s.escrows.Close()
	s.logger.Info("escrow coordinator stopped")

	// Close all wallet connections
	s.sessions.Close(ctx)
	s.logger.Info("sessions disconnected")

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}

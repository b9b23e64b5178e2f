// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mstollen/peertrade/internal/chain"
	"github.com/mstollen/peertrade/internal/config"
	"github.com/mstollen/peertrade/internal/dispute"
	"github.com/mstollen/peertrade/internal/escrow"
	"github.com/mstollen/peertrade/internal/health"
	"github.com/mstollen/peertrade/internal/idgen"
	"github.com/mstollen/peertrade/internal/listener"
	"github.com/mstollen/peertrade/internal/logging"
	"github.com/mstollen/peertrade/internal/metrics"
	"github.com/mstollen/peertrade/internal/order"
	"github.com/mstollen/peertrade/internal/ratelimit"
	"github.com/mstollen/peertrade/internal/reconcile"
	"github.com/mstollen/peertrade/internal/security"
	"github.com/mstollen/peertrade/internal/traces"
	"github.com/mstollen/peertrade/internal/validation"
)

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg *config.Config

	orders   *order.Service
	escrows  *escrow.Service
	disputes *dispute.Service
	events   chain.EventStore
	cursor   chain.CursorStore

	reconciler *reconcile.Reconciler
	validator  *reconcile.Validator
	sweepTimer *reconcile.Timer
	listener   *listener.Listener

	chainClient listener.EthClient // injectable for tests

	limiter       *ratelimit.Limiter
	checks        *health.Registry
	db            *sql.DB // nil if using in-memory
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	traceShutdown func(context.Context) error
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithChainClient sets a custom chain client (for testing)
func WithChainClient(c listener.EthClient) Option {
	return func(s *Server) {
		s.chainClient = c
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
		checks: health.NewRegistry(),
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	// Tracing (no-op when no OTLP endpoint is configured)
	shutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	s.traceShutdown = shutdown

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		orderStore   order.Store
		escrowStore  escrow.Store
		disputeStore dispute.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		orderStore = order.NewPostgresStore(db)
		escrowStore = escrow.NewPostgresStore(db)
		disputeStore = dispute.NewPostgresStore(db)
		s.events = chain.NewPostgresEventStore(db)
		s.cursor = chain.NewPostgresCursorStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		s.checks.Register("database", func(ctx context.Context) health.Status {
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Healthy: false, Detail: err.Error()}
			}
			return health.Status{Healthy: true}
		})
	} else {
		orderStore = order.NewMemoryStore()
		escrowStore = escrow.NewMemoryStore()
		disputeStore = dispute.NewMemoryStore()
		s.events = chain.NewMemoryEventStore()
		s.cursor = chain.NewMemoryCursorStore(cfg.StartBlock)
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Domain services
	s.orders = order.NewService(orderStore)
	s.escrows = escrow.NewService(escrowStore)
	s.disputes = dispute.NewService(disputeStore, s.events)

	// Reconciliation core
	s.validator = reconcile.NewValidator(s.escrows, s.orders)
	s.reconciler = reconcile.New(s.escrows, s.orders, s.events, s.validator, s.logger).
		WithDisputes(s.disputes).
		WithPoolSize(cfg.WorkerPoolSize)
	s.sweepTimer = reconcile.NewTimer(s.reconciler, cfg.ReconcileInterval, s.logger)

	// On-chain event listener
	if cfg.ListenerEnabled() {
		client := s.chainClient
		if client == nil {
			c, err := listener.Dial(cfg.RPCURL)
			if err != nil {
				return nil, fmt.Errorf("failed to connect listener: %w", err)
			}
			client = c
		}

		// A fresh cursor starts at the configured deploy block instead of
		// scanning from genesis.
		if cfg.StartBlock > 0 {
			last, err := s.cursor.Get(ctx)
			if err == nil && last == 0 {
				_ = s.cursor.Advance(ctx, cfg.StartBlock)
			}
		}

		s.listener = listener.New(listener.Config{
			Contract:     common.HexToAddress(cfg.EscrowContract),
			PollInterval: cfg.PollInterval,
		}, client, s.events, s.cursor, s.logger)
		s.logger.Info("escrow listener configured",
			"contract", cfg.EscrowContract, "startBlock", cfg.StartBlock)

		s.checks.Register("listener", func(ctx context.Context) health.Status {
			last, err := s.cursor.Get(ctx)
			if err != nil {
				return health.Status{Healthy: false, Detail: "cursor unreadable: " + err.Error()}
			}
			return health.Status{Healthy: true, Detail: fmt.Sprintf("synced to block %d", last)}
		})
	} else {
		s.logger.Info("escrow listener disabled (no ESCROW_CONTRACT set)")
	}

	s.checks.Register("reconciler", func(ctx context.Context) health.Status {
		if !s.sweepTimer.Running() && s.ready.Load() {
			return health.Status{Healthy: false, Detail: "sweep timer not running"}
		}
		return health.Status{Healthy: true}
	})

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.limiter = ratelimit.New(ratelimit.DefaultConfig())
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
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

	// Security headers and request body size cap
	s.router.Use(security.HeadersMiddleware())
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

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

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

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

// adminAuthMiddleware guards operator endpoints with the shared admin
// secret. Without a configured secret the admin surface is only open in
// development.
func (s *Server) adminAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.AdminSecret == "" {
			if s.cfg.IsDevelopment() {
				c.Next()
				return
			}
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "admin_disabled",
				"message": "Admin API requires ADMIN_SECRET to be configured",
			})
			return
		}

		provided := c.GetHeader("X-Admin-Secret")
		if subtle.ConstantTimeCompare([]byte(provided), []byte(s.cfg.AdminSecret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Invalid admin secret",
			})
			return
		}

		c.Next()
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

	// API info
	s.router.GET("/api", s.infoHandler)

	// V1 API group (rate limited per client IP)
	v1 := s.router.Group("/v1")
	v1.Use(s.limiter.Middleware())

	order.NewHandler(s.orders).RegisterRoutes(v1)
	escrow.NewHandler(s.escrows).RegisterRoutes(v1)
	dispute.NewHandler(s.disputes).RegisterRoutes(v1)

	// Admin group (operator surface)
	admin := s.router.Group("/admin")
	admin.Use(s.adminAuthMiddleware())

	reconcile.NewHandler(s.reconciler, s.validator).RegisterAdminRoutes(admin)
	dispute.NewHandler(s.disputes).RegisterAdminRoutes(admin)
	admin.POST("/listener/poll", s.pollListenerHandler)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.checks.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, gin.H{
		"status":    status,
		"version":   "0.1.0",
		"checks":    statuses,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
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
		"name":        "PeerTrade",
		"description": "P2P crypto trading backend with on-chain state reconciliation",
		"version":     "0.1.0",
		"chainId":     s.cfg.ChainID,
	})
}

// pollListenerHandler handles POST /admin/listener/poll. Triggers one
// block window scan so operators can pull events without waiting for
// the next tick.
func (s *Server) pollListenerHandler(c *gin.Context) {
	if s.listener == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "listener_disabled",
			"message": "No escrow contract configured",
		})
		return
	}
	if err := s.listener.Poll(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "poll_failed",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "polled"})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Cancellable context for background goroutines so Shutdown() can stop them.
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

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start the reconciliation sweep timer
	go s.sweepTimer.Start(runCtx)

	// Start the event listener
	if s.listener != nil {
		s.listener.Start(runCtx)
	}

	// Start DB stats collection
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

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

	// Cancel the context for all background goroutines (timer, listener)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	s.sweepTimer.Stop()
	s.logger.Info("sweep timer stopped")

	s.limiter.Stop()

	if s.listener != nil {
		s.listener.Stop()
		s.logger.Info("escrow listener stopped")
	}

	if s.traceShutdown != nil {
		if err := s.traceShutdown(ctx); err != nil {
			s.logger.Error("trace shutdown error", "error", err)
		}
	}

	// Close database connection pool
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

func generateRequestID() string {
	return idgen.Hex(16)
}

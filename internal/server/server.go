// Package server sets up the HTTP server with all routes
package server

import (
	"context"
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

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/safegate/internal/approval"
	"github.com/mbd888/safegate/internal/audit"
	"github.com/mbd888/safegate/internal/config"
	"github.com/mbd888/safegate/internal/failsafe"
	"github.com/mbd888/safegate/internal/guard"
	"github.com/mbd888/safegate/internal/health"
	"github.com/mbd888/safegate/internal/logging"
	"github.com/mbd888/safegate/internal/mediation"
	"github.com/mbd888/safegate/internal/metrics"
	"github.com/mbd888/safegate/internal/ratelimit"
	"github.com/mbd888/safegate/internal/realtime"
	"github.com/mbd888/safegate/internal/risk"
	"github.com/mbd888/safegate/internal/security"
	"github.com/mbd888/safegate/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	version      string
	service      *guard.Service
	tracker      *failsafe.Tracker
	realtimeHub  *realtime.Hub
	health       *health.Registry
	rateLimiter  *ratelimit.Limiter
	dispatcher   approval.Dispatcher
	db           *sql.DB       // nil if using in-memory
	redis        *redis.Client // nil if not configured
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

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

// WithVersion sets the build version reported by /health
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// WithDispatcher overrides the dispatcher chosen from config (for testing)
func WithDispatcher(d approval.Dispatcher) Option {
	return func(s *Server) {
		s.dispatcher = d
	}
}

// New creates a new server instance. It opens the configured stores and
// wires the pipeline but does not listen until Run.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:     cfg,
		version: "dev",
		logger:  logging.New(cfg.LogLevel, "json"),
		health:  health.NewRegistry(),
	}

	// Apply options first (may set logger/dispatcher)
	for _, opt := range opts {
		opt(s)
	}

	if err := s.openStores(); err != nil {
		s.closeStores()
		return nil, err
	}

	lib := risk.Default()
	if cfg.RulesetPath != "" {
		loaded, err := risk.LoadFile(cfg.RulesetPath)
		if err != nil {
			s.closeStores()
			return nil, fmt.Errorf("failed to load ruleset: %w", err)
		}
		lib = loaded
	}
	s.logger.Info("ruleset loaded", "version", lib.Version(), "path", cfg.RulesetPath)

	quiet, err := cfg.QuietHours()
	if err != nil {
		s.closeStores()
		return nil, err
	}

	s.realtimeHub = realtime.NewHub(s.logger)
	s.tracker = failsafe.New(cfg.FailsafeThreshold)
	s.tracker.OnTransition(func(from, to failsafe.Mode) {
		s.logger.Error("failsafe mode changed", "from", from.String(), "to", to.String())
		s.realtimeHub.Publish(realtime.EventModeChange, realtime.Alert{Mode: to.String()})
	})

	mediator := mediation.NewMediator(s.contactLedger()).
		WithCaps(cfg.Caps()).
		WithQuietHours(quiet)
	gateway := approval.NewGateway(approval.NewSigner(cfg.ApprovalSecret)).
		WithPolicy(cfg.TokenPolicy())

	s.service = guard.NewService(guard.Options{
		Classifier: risk.NewClassifier(lib),
		Mediator:   mediator,
		Gateway:    gateway,
		Dispatcher: s.selectDispatcher(),
		Audit:      s.auditSink(),
		Failsafe:   s.tracker,
		Publisher:  s.realtimeHub,
	})

	s.health.Register("failsafe", health.Failsafe(s.tracker.Snapshot))
	if s.db != nil {
		s.health.Register("postgres", health.Postgres(s.db))
	}
	if s.redis != nil {
		s.health.Register("redis", health.Redis(s.redis))
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

func (s *Server) openStores() error {
	if s.cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", s.cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.Ping(); err != nil {
			_ = db.Close()
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))
	}

	if s.cfg.RedisURL != "" {
		opts, err := redis.ParseURL(s.cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("failed to parse REDIS_URL: %w", err)
		}
		client := redis.NewClient(opts)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.redis = client
		s.logger.Info("using Redis", "url", maskDSN(s.cfg.RedisURL))
	}
	return nil
}

// contactLedger prefers Redis, then Postgres, then memory.
func (s *Server) contactLedger() mediation.ContactLedger {
	switch {
	case s.redis != nil:
		s.logger.Info("contact ledger: redis")
		return mediation.NewRedisLedger(s.redis, s.cfg.RedisPrefix)
	case s.db != nil:
		s.logger.Info("contact ledger: postgres")
		return mediation.NewPostgresLedger(s.db)
	default:
		s.logger.Info("contact ledger: memory")
		return mediation.NewMemoryLedger()
	}
}

func (s *Server) auditSink() audit.Sink {
	if s.db != nil {
		return audit.NewPostgresSink(s.db)
	}
	s.logger.Warn("audit trail is in-memory; records are lost on restart")
	return audit.NewMemorySink()
}

func (s *Server) selectDispatcher() approval.Dispatcher {
	switch {
	case s.dispatcher != nil:
		return s.dispatcher
	case s.redis != nil:
		return approval.NewRedisDispatcher(s.redis, s.cfg.DispatchStream, 100_000)
	default:
		return approval.LogDispatcher{Logger: s.logger}
	}
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		if _, ok := u.User.Password(); ok {
			u.User = url.UserPassword(u.User.Username(), "***")
		}
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Security headers
	s.router.Use(security.HeadersMiddleware(s.cfg.IsProduction()))
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Logging
	s.router.Use(s.loggingMiddleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Rate limiting
	rl := ratelimit.DefaultConfig()
	rl.RequestsPerMinute = s.cfg.RateLimitRPM
	rl.BurstSize = max(rl.BurstSize, s.cfg.RateLimitRPM/10)
	s.rateLimiter = ratelimit.New(rl)
	s.router.Use(s.rateLimiter.Middleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || !validation.IsValidID(requestID) {
			requestID = uuid.NewString()
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
			logger.Debug("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// timeoutMiddleware bounds the request context. Store calls observe it;
// audit writes detach from it and always complete.
func timeoutMiddleware(d time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), d)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
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

	// WebSocket feed for human reviewers
	s.router.GET("/ws", gin.WrapF(s.realtimeHub.HandleWebSocket))

	v1 := s.router.Group("/v1")
	v1.Use(timeoutMiddleware(s.cfg.RequestTimeout))

	guard.NewHandler(s.service).RegisterRoutes(v1)
	audit.NewHandler(s.service.Audit()).RegisterRoutes(v1)
	v1.GET("/realtime/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"realtime": s.realtimeHub.Stats()})
	})
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Mode      string            `json:"system_mode"`
	Checks    map[string]string `json:"checks,omitempty"`
	Timestamp string            `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.health.CheckAll(ctx)
	checks := make(map[string]string, len(statuses))
	for _, st := range statuses {
		switch {
		case !st.Healthy && st.Detail != "":
			checks[st.Name] = "unhealthy: " + st.Detail
		case !st.Healthy:
			checks[st.Name] = "unhealthy"
		default:
			checks[st.Name] = "healthy"
		}
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   s.version,
		Mode:      s.tracker.Snapshot().Mode,
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
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.StartBackground(runCtx)

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

// StartBackground starts the realtime hub and pool metrics. They stop when
// ctx is done. Run calls it; the MCP binary calls it without listening.
func (s *Server) StartBackground(ctx context.Context) {
	go s.realtimeHub.Run(ctx)
	go metrics.StartDBStatsCollector(ctx, s.db, 15*time.Second)
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines (hub, collectors)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	s.Close()
	s.logger.Info("server stopped")
	return nil
}

// Close releases the rate limiter and store connections. Shutdown calls it;
// callers that never Run (the MCP binary, tests) call it directly.
func (s *Server) Close() {
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
	s.closeStores()
}

func (s *Server) closeStores() {
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
		s.redis = nil
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
		s.db = nil
	}
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Service returns the pipeline, for in-process callers such as the MCP server
func (s *Server) Service() *guard.Service {
	return s.service
}

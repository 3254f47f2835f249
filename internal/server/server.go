// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/mbd888/peerex/internal/admin"
	"github.com/mbd888/peerex/internal/auth"
	"github.com/mbd888/peerex/internal/circuitbreaker"
	"github.com/mbd888/peerex/internal/config"
	"github.com/mbd888/peerex/internal/coord"
	"github.com/mbd888/peerex/internal/escrow"
	"github.com/mbd888/peerex/internal/health"
	"github.com/mbd888/peerex/internal/ledger"
	"github.com/mbd888/peerex/internal/logging"
	"github.com/mbd888/peerex/internal/message"
	"github.com/mbd888/peerex/internal/metrics"
	"github.com/mbd888/peerex/internal/order"
	"github.com/mbd888/peerex/internal/ratelimit"
	"github.com/mbd888/peerex/internal/rating"
	"github.com/mbd888/peerex/internal/realtime"
	"github.com/mbd888/peerex/internal/reconciliation"
	"github.com/mbd888/peerex/internal/security"
	"github.com/mbd888/peerex/internal/traces"
	"github.com/mbd888/peerex/internal/trade"
	"github.com/mbd888/peerex/internal/validation"
	"golang.org/x/sync/errgroup"
)

// Version is reported by /health and the tracer resource.
const Version = "0.1.0"

const (
	breakerThreshold = 5
	breakerOpenFor   = 30 * time.Second
	dbStatsInterval  = 15 * time.Second
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg     *config.Config
	authMgr *auth.Manager

	orderService   *order.Service
	ledgerService  *ledger.Service
	tradeStore     trade.Store
	tradeService   *trade.Service
	tradeTimer     *trade.Timer
	messageService *message.Service
	ratingService  *rating.Service
	reconciler     *reconciliation.Runner
	reconTimer     *reconciliation.Timer

	realtimeHub *realtime.Hub
	relay       *realtime.Relay
	bus         coord.Bus
	locker      coord.Locker
	redis       *coord.RedisClient // nil without REDIS_URL

	rateLimiter  *ratelimit.Limiter
	checks       *health.Registry
	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	stopTracing  func(context.Context) error
	workers      *errgroup.Group
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run
	drainDelay   time.Duration

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

// WithDrainDelay sets how long Shutdown waits for load balancers to notice
// the server is no longer ready.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		drainDelay: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	stopTracing, err := traces.Init(ctx, cfg.OTLPEndpoint, Version, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	s.stopTracing = stopTracing

	s.authMgr = auth.NewManager(cfg.JWTSecret)
	s.checks = health.NewRegistry(2 * time.Second)

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		orderStore   order.Store
		ledgerStore  ledger.Store
		messageStore message.Store
		ratingStore  rating.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		orderStore = order.NewPostgresStore(db)
		ledgerStore = ledger.NewPostgresStore(db)
		s.tradeStore = trade.NewPostgresStore(db)
		messageStore = message.NewPostgresStore(db)
		ratingStore = rating.NewPostgresStore(db)
		s.checks.Register("database", health.Ping("database", db.PingContext))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		orderStore = order.NewMemoryStore()
		ledgerStore = ledger.NewMemoryStore()
		s.tradeStore = trade.NewMemoryStore()
		messageStore = message.NewMemoryStore()
		ratingStore = rating.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Coordination (Redis if REDIS_URL set, otherwise process-local)
	if cfg.RedisURL != "" {
		rc, err := coord.NewRedis(ctx, cfg.RedisURL)
		if err != nil {
			s.closeDB()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.redis = rc
		s.locker = coord.NewRedisLocker(rc)
		s.bus = coord.NewRedisBus(rc)
		s.checks.Register("redis", health.Ping("redis", rc.Ping))
		s.logger.Info("using Redis for the watcher lock and event fan-out")
	} else {
		s.locker = coord.NewMemoryLocker()
		s.bus = coord.NewMemoryBus()
		s.logger.Info("using process-local coordination (single replica only)")
	}

	s.realtimeHub = realtime.NewHub(s.authMgr, s.logger)
	s.relay = realtime.NewRelay(s.bus, s.realtimeHub, s.logger)

	s.orderService = order.NewService(orderStore, s.logger)
	s.ledgerService = ledger.NewService(ledgerStore, s.logger)

	custody := escrow.NewGuard(&escrowLedgerAdapter{l: s.ledgerService}, cfg.EscrowTimeout, s.logger).
		WithBreaker(circuitbreaker.New(breakerThreshold, breakerOpenFor))

	s.tradeService = trade.NewService(s.tradeStore, &orderBookAdapter{orders: s.orderService}, custody, s.logger).
		WithPublisher(s.relay).
		WithCASAttempts(cfg.CASMaxAttempts).
		WithStaleAfter(cfg.SettlementStaleAfter)
	s.tradeTimer = trade.NewTimer(s.tradeService, s.tradeStore, s.locker, s.logger).
		WithInterval(cfg.WatcherInterval)

	s.messageService = message.NewService(messageStore, messageTrades{trades: s.tradeService}, s.logger).
		WithPublisher(s.relay).
		WithGracePeriod(cfg.MessageGracePeriod)
	s.ratingService = rating.NewService(ratingStore, ratingTrades{trades: s.tradeService}, s.logger)

	s.reconciler = reconciliation.NewRunner(s.ledgerService, s.tradeStore, s.logger).
		WithStaleAfter(cfg.SettlementStaleAfter)
	s.reconTimer = reconciliation.NewTimer(s.reconciler, s.logger).
		WithInterval(cfg.ReconcileInterval).
		WithLocker(s.locker)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
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

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(splitOrigins(s.cfg.AllowedOrigins)))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPM,
		BurstSize:         s.cfg.RateLimitBurst,
	})
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func splitOrigins(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	return strings.Split(raw, ",")
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

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// Realtime (authenticates its own upgrade)
	s.router.GET("/ws", gin.WrapF(s.realtimeHub.HandleWebSocket))

	v1 := s.router.Group("/v1")
	v1.Use(auth.Middleware(s.authMgr), auth.RequireAuth())

	order.NewHandler(s.orderService, s.logger).RegisterRoutes(v1)
	trade.NewHandler(s.tradeService, s.logger).RegisterRoutes(v1)
	message.NewHandler(s.messageService, s.logger).RegisterRoutes(v1)
	rating.NewHandler(s.ratingService, s.logger).RegisterRoutes(v1)

	ledgerHandler := ledger.NewHandler(s.ledgerService, s.logger)
	ledgerHandler.RegisterRoutes(v1)

	// Operator surface
	ops := v1.Group("")
	ops.Use(auth.RequireRole(auth.RoleArbiter))
	ledgerHandler.RegisterOperatorRoutes(ops)
	admin.NewHandler().
		WithClaims(s.tradeStore, s.tradeService).
		WithSweeper(s.tradeTimer).
		WithReconciler(s.reconciler).
		RegisterRoutes(ops)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, checks := s.checks.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
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
	if healthy, checks := s.checks.CheckAll(c.Request.Context()); !healthy {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "checks": checks})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// startWorkers launches the hub, the event relay, the deadline watcher,
// reconciliation and the DB stats sampler under ctx.
func (s *Server) startWorkers(ctx context.Context) {
	g, ctx := errgroup.WithContext(ctx)
	s.workers = g

	g.Go(func() error {
		s.realtimeHub.Run(ctx)
		return nil
	})
	g.Go(func() error {
		if err := s.relay.Run(ctx); err != nil {
			s.logger.Error("realtime relay stopped", "error", err)
		}
		return nil
	})
	g.Go(func() error {
		s.tradeTimer.Start(ctx)
		return nil
	})
	g.Go(func() error {
		s.reconTimer.Start(ctx)
		return nil
	})
	if s.db != nil {
		g.Go(func() error {
			metrics.StartDBStatsCollector(ctx, s.db, dbStatsInterval)
			return nil
		})
	}
}

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

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.startWorkers(runCtx)

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		_ = s.Shutdown()
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

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var shutdownErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	// Requests have drained; stop the hub, timers and relay.
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	s.tradeTimer.Stop()
	s.reconTimer.Stop()
	if s.workers != nil {
		_ = s.workers.Wait()
		s.logger.Info("background workers stopped")
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if err := s.stopTracing(ctx); err != nil {
		s.logger.Error("tracer shutdown error", "error", err)
	}

	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}
	s.closeDB()

	s.logger.Info("server stopped")
	return shutdownErr
}

func (s *Server) closeDB() {
	if s.db == nil {
		return
	}
	if err := s.db.Close(); err != nil {
		s.logger.Error("database close error", "error", err)
	} else {
		s.logger.Info("database connection closed")
	}
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

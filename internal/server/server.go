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

	"github.com/mbd888/trustgate/internal/accounts"
	"github.com/mbd888/trustgate/internal/auth"
	"github.com/mbd888/trustgate/internal/circuitbreaker"
	"github.com/mbd888/trustgate/internal/config"
	"github.com/mbd888/trustgate/internal/health"
	"github.com/mbd888/trustgate/internal/logging"
	"github.com/mbd888/trustgate/internal/metrics"
	"github.com/mbd888/trustgate/internal/outbox"
	"github.com/mbd888/trustgate/internal/ratelimit"
	"github.com/mbd888/trustgate/internal/realtime"
	"github.com/mbd888/trustgate/internal/security"
	"github.com/mbd888/trustgate/internal/traces"
	"github.com/mbd888/trustgate/internal/validation"
	"github.com/mbd888/trustgate/internal/trust"
	"github.com/mbd888/trustgate/migrations"
)

// Version is reported by /health and the tracer resource.
var Version = "0.1.0"

// activityStore is what the server needs from the account datastore.
type activityStore interface {
	trust.ActivitySource
	accounts.Writer
}

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	db           *sql.DB       // nil if using in-memory
	redis        *redis.Client // nil if using the in-process queue
	trustStore   trust.Store
	activity     activityStore
	outboxStore  outbox.Store
	publisher    outbox.Publisher
	relay        *outbox.Relay
	breaker      *circuitbreaker.Breaker
	queue        trust.Queue
	trustService *trust.Service
	worker       *trust.Worker
	realtimeHub  *realtime.Hub
	verifier     *auth.Verifier
	limiter      *ratelimit.Limiter // nil when rate limiting is disabled
	health       *health.Registry
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	stopTracing  func(context.Context) error
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run
	drainDelay   time.Duration
	seedDemo     bool
	clock        func() time.Time

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

// WithPublisher sets the outbox publisher instead of building one from
// KAFKA_BROKERS (for testing)
func WithPublisher(p outbox.Publisher) Option {
	return func(s *Server) {
		s.publisher = p
	}
}

// WithoutDemoData skips seeding demo accounts in development mode
func WithoutDemoData() Option {
	return func(s *Server) {
		s.seedDemo = false
	}
}

// WithClock overrides the time source of the trust service (for testing)
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		s.clock = now
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		drainDelay: 5 * time.Second,
		seedDemo:   cfg.IsDevelopment(),
		health:     health.NewRegistry(),
	}

	// Apply options first (may set publisher/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Context for initialization
	ctx := context.Background()

	stopTracing, err := traces.Init(ctx, cfg.OTLPEndpoint, Version, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.stopTracing = stopTracing

	if err := s.setupStorage(ctx); err != nil {
		return nil, err
	}
	if err := s.setupQueue(ctx); err != nil {
		return nil, err
	}
	if err := s.setupPublisher(); err != nil {
		return nil, err
	}

	s.breaker = circuitbreaker.New(circuitbreaker.DefaultThreshold, circuitbreaker.DefaultOpenDuration).
		OnTransition(func(key string, from, to circuitbreaker.State) {
			s.logger.Warn("circuit breaker state changed", "key", key, "from", from.String(), "to", to.String())
		})
	s.relay = outbox.NewRelay(s.outboxStore, s.publisher, s.logger).
		WithPollInterval(cfg.OutboxPollInterval).
		WithBreaker(s.breaker)

	mode, err := trust.ParseMode(cfg.ScoringMode)
	if err != nil {
		return nil, err
	}
	scorer := trust.NewScorer().WithMode(mode).WithSmoothing(cfg.Smoothing)

	// Create realtime hub for WebSocket streaming
	s.realtimeHub = realtime.NewHub(s.logger)

	s.trustService = trust.NewService(s.trustStore, s.activity, s.logger).
		WithScorer(scorer).
		WithEvents(s.realtimeHub).
		WithQueue(s.queue).
		WithAnalyzeEveryNLogins(cfg.AnalyzeEveryNLogins)
	if s.clock != nil {
		s.trustService.WithClock(s.clock)
	}
	s.worker = trust.NewWorker(s.queue, s.trustService, s.logger)
	s.logger.Info("trust engine configured",
		"scoring_mode", mode,
		"smoothing", cfg.Smoothing,
		"analyze_every_n_logins", cfg.AnalyzeEveryNLogins,
	)

	s.verifier = auth.NewVerifier(cfg.JWTSecret)
	if cfg.RateLimitRPM > 0 {
		s.limiter = ratelimit.New(ratelimit.Config{
			RequestsPerMinute: cfg.RateLimitRPM,
			BurstSize:         cfg.RateLimitBurst,
			CleanupInterval:   time.Minute,
		})
	}

	if s.seedDemo && s.db == nil {
		if err := seedDemoData(ctx, s.trustService, s.activity, s.now()); err != nil {
			s.logger.Warn("failed to seed demo data", "error", err)
		} else {
			s.logger.Info("demo accounts seeded", "accounts", len(demoAccounts))
		}
	}

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

// setupStorage selects Postgres when DATABASE_URL is set, otherwise in-memory.
func (s *Server) setupStorage(ctx context.Context) error {
	if s.cfg.DatabaseURL == "" {
		ob := outbox.NewMemoryStore()
		s.outboxStore = ob
		s.trustStore = trust.NewMemoryStore().WithOutbox(ob)
		s.activity = accounts.NewMemoryStore()
		s.logger.Info("using in-memory storage")
		return nil
	}

	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	applied, err := migrations.Up(ctx, db)
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	ob := outbox.NewPostgresStore(db)
	s.db = db
	s.outboxStore = ob
	s.trustStore = trust.NewPostgresStore(db).WithOutbox(ob)
	s.activity = accounts.NewPostgresStore(db)
	s.health.Register("postgres", db.PingContext)
	s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL), "migrations_applied", applied)
	return nil
}

// setupQueue selects the Redis queue when REDIS_URL is set.
func (s *Server) setupQueue(ctx context.Context) error {
	if s.cfg.RedisURL == "" {
		s.queue = trust.NewMemoryQueue(1024)
		s.logger.Info("using in-process analysis queue")
		return nil
	}

	opts, err := redis.ParseURL(s.cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("failed to parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return fmt.Errorf("failed to connect to redis: %w", err)
	}

	s.redis = client
	s.queue = trust.NewRedisQueue(client, trust.DefaultRedisQueueKey)
	s.health.Register("redis", func(ctx context.Context) error { return client.Ping(ctx).Err() })
	s.logger.Info("using Redis analysis queue", "addr", opts.Addr)
	return nil
}

// setupPublisher connects the audit relay to Kafka when KAFKA_BROKERS is set.
func (s *Server) setupPublisher() error {
	if s.publisher != nil {
		return nil
	}
	if s.cfg.KafkaBrokers == "" {
		s.publisher = outbox.NoopPublisher{}
		s.logger.Info("audit event publishing disabled (no KAFKA_BROKERS set)")
		return nil
	}

	pub, err := outbox.NewKafkaPublisher(outbox.KafkaConfig{
		Brokers: s.cfg.KafkaBrokers,
		Topic:   s.cfg.AuditTopic,
	}, s.logger)
	if err != nil {
		return fmt.Errorf("failed to create kafka publisher: %w", err)
	}
	s.publisher = pub
	s.health.Register("kafka", health.Ping(pub))

	ctx, cancel := context.WithTimeout(context.Background(), topicProvisionTimeout)
	defer cancel()
	ensureAuditTopic(ctx, pub, s.cfg.AuditTopic, s.logger)

	s.logger.Info("publishing audit events to kafka", "topic", s.cfg.AuditTopic)
	return nil
}

const topicProvisionTimeout = 10 * time.Second

type topicProvisioner interface {
	EnsureTopic(ctx context.Context, partitions int32, replication int16) error
}

// ensureAuditTopic creates the audit topic through the admin API. Failures only
// warn: the producer can still auto-create the topic on first publish.
func ensureAuditTopic(ctx context.Context, p topicProvisioner, topic string, logger *slog.Logger) {
	if err := p.EnsureTopic(ctx, outbox.BrokerDefaultPartitions, outbox.BrokerDefaultReplication); err != nil {
		logger.Warn("failed to provision audit topic", "topic", topic, "error", err)
		return
	}
	logger.Info("audit topic ready", "topic", topic)
}

func (s *Server) now() time.Time {
	if s.clock != nil {
		return s.clock()
	}
	return time.Now()
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

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())

	// Security headers, CORS and body limit
	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
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

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
		}

		logger := logging.L(c.Request.Context())

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed", append(attrs, "client_ip", c.ClientIP())...)
		case status >= 400:
			logger.Warn("request completed", attrs...)
		default:
			logger.Info("request completed", attrs...)
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

	// V1 API group
	v1 := s.router.Group("/v1")
	v1.Use(auth.Middleware(s.verifier))
	if s.limiter != nil {
		v1.Use(s.limiter.Middleware())
	}
	trust.NewHandler(s.trustService, s.realtimeHub).RegisterRoutes(v1)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string                 `json:"status"`
	Version   string                 `json:"version"`
	Checks    []health.Status        `json:"checks"`
	Realtime  map[string]interface{} `json:"realtime,omitempty"`
	Timestamp string                 `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, checks := s.health.CheckAll(c.Request.Context())

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
		Realtime:  s.realtimeHub.Stats(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	health.Live(c)
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	s.health.Ready(c)
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

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "version", Version)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.startBackground(runCtx)

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
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

// startBackground launches the hub, the analysis worker and the outbox relay.
func (s *Server) startBackground(ctx context.Context) {
	if rq, ok := s.queue.(*trust.RedisQueue); ok {
		moved, err := rq.Recover(ctx)
		if err != nil {
			s.logger.Warn("failed to recover in-flight analysis tasks", "error", err)
		} else if moved > 0 {
			s.logger.Info("recovered in-flight analysis tasks", "count", moved)
		}
	}

	go s.realtimeHub.Run(ctx)
	go s.worker.Start(ctx)
	go s.relay.Start(ctx)

	if s.db != nil {
		go metrics.StartDBStatsCollector(ctx, s.db, 15*time.Second)
	}
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

	// Worker first so no new commits land after the relay drains.
	s.worker.Stop()
	s.relay.Stop()
	if s.limiter != nil {
		s.limiter.Stop()
	}

	// Cancel the context for all background goroutines (hub, worker, relay)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	s.publisher.Close()

	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
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

	if err := s.stopTracing(ctx); err != nil {
		s.logger.Error("tracer shutdown error", "error", err)
	}

	s.logger.Info("server stopped")
	return shutdownErr
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Verifier returns the token verifier, used by tests and tokengen.
func (s *Server) Verifier() *auth.Verifier {
	return s.verifier
}

// Package server provides the HTTP API for the analysis service.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/nerdCopter/OpenDRS/internal/config"
	"github.com/nerdCopter/OpenDRS/internal/drs"
	"github.com/nerdCopter/OpenDRS/internal/inventory"
	"github.com/nerdCopter/OpenDRS/internal/metrics"
	"github.com/nerdCopter/OpenDRS/internal/repository/etcd"
	"github.com/nerdCopter/OpenDRS/internal/repository/memory"
	"github.com/nerdCopter/OpenDRS/internal/repository/postgres"
	"github.com/nerdCopter/OpenDRS/internal/repository/redis"
	"github.com/nerdCopter/OpenDRS/internal/server/middleware"
	"github.com/nerdCopter/OpenDRS/internal/services/analysis"
	"github.com/nerdCopter/OpenDRS/internal/services/auth"
)

// Server represents the main HTTP server.
type Server struct {
	config     *config.Config
	logger     *zap.Logger
	httpServer *http.Server
	mux        *http.ServeMux

	// Infrastructure
	db    *postgres.DB
	cache *redis.Cache
	etcd  *etcd.Client

	// Repositories and services
	store           analysis.RunStore
	provider        inventory.Provider
	analysisService *analysis.Service

	// Observability
	registry *prometheus.Registry
	metrics  *metrics.Metrics

	// Leadership
	leaderFlag *leaderFlag
	leader     *etcd.Leader
	instanceID string
}

// leaderFlag is the LeaderChecker handed to the analysis service. Without
// etcd the single instance is always leader; with etcd the election
// callback flips it.
type leaderFlag struct {
	v atomic.Bool
}

func (f *leaderFlag) IsLeader() bool {
	return f.v.Load()
}

// ServerOption configures the server.
type ServerOption func(*Server)

// WithPostgreSQL enables PostgreSQL as the run store.
func WithPostgreSQL(db *postgres.DB) ServerOption {
	return func(s *Server) {
		s.db = db
	}
}

// WithRedis enables Redis caching and event publishing.
func WithRedis(cache *redis.Cache) ServerOption {
	return func(s *Server) {
		s.cache = cache
	}
}

// WithEtcd enables etcd for distributed coordination.
func WithEtcd(client *etcd.Client) ServerOption {
	return func(s *Server) {
		s.etcd = client
	}
}

// WithProvider overrides the inventory provider built from configuration.
func WithProvider(p inventory.Provider) ServerOption {
	return func(s *Server) {
		s.provider = p
	}
}

// New creates a new server instance.
func New(cfg *config.Config, logger *zap.Logger, opts ...ServerOption) (*Server, error) {
	s := &Server{
		config:     cfg,
		logger:     logger,
		mux:        http.NewServeMux(),
		leaderFlag: &leaderFlag{},
		instanceID: uuid.New().String(),
	}

	for _, opt := range opts {
		opt(s)
	}

	// Single-instance deployments are always leader.
	if s.etcd == nil {
		s.leaderFlag.v.Store(true)
	}

	if err := s.initServices(); err != nil {
		return nil, err
	}

	s.registerRoutes()

	handler := s.setupMiddleware(s.mux)
	s.httpServer = &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return s, nil
}

// initServices builds the store, engine, and analysis service.
func (s *Server) initServices() error {
	if s.db != nil {
		s.logger.Info("Using PostgreSQL run store")
		s.store = postgres.NewRunRepository(s.db, s.logger)
	} else {
		s.logger.Info("Using in-memory run store")
		s.store = memory.NewRunRepository()
	}

	if s.provider == nil {
		p, err := inventory.New(s.config.Inventory, s.logger)
		if err != nil {
			return fmt.Errorf("failed to build inventory provider: %w", err)
		}
		s.provider = p
	}

	engine, err := drs.NewEngine(s.config.Engine, s.logger)
	if err != nil {
		return fmt.Errorf("failed to build engine: %w", err)
	}

	s.registry = prometheus.NewRegistry()
	s.registry.MustRegister(collectors.NewGoCollector())
	s.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	s.metrics = metrics.New(s.registry)

	s.analysisService = analysis.NewService(
		s.config.Engine,
		engine,
		s.provider,
		s.store,
		s.cache,
		s.etcd,
		s.leaderFlag,
		s.metrics,
		s.logger,
	)

	s.logger.Info("Services initialized",
		zap.Bool("postgres", s.db != nil),
		zap.Bool("redis", s.cache != nil),
		zap.Bool("etcd", s.etcd != nil),
	)
	return nil
}

// registerRoutes registers all HTTP routes.
func (s *Server) registerRoutes() {
	// Health endpoints
	s.mux.HandleFunc("/health", s.healthHandler)
	s.mux.HandleFunc("/healthz", s.healthHandler)
	s.mux.HandleFunc("/ready", s.readyHandler)
	s.mux.HandleFunc("/live", s.liveHandler)

	s.mux.HandleFunc("/api/v1/info", s.infoHandler)

	// Metrics
	s.mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	// Analysis API
	h := newAnalysisHandler(s.analysisService, s.logger)
	s.mux.HandleFunc("POST /api/v1/analyze", h.handleAnalyze)
	s.mux.HandleFunc("GET /api/v1/runs", h.handleListRuns)
	s.mux.HandleFunc("GET /api/v1/runs/latest", h.handleLatestRun)
	s.mux.HandleFunc("GET /api/v1/runs/{id}", h.handleGetRun)
	s.mux.HandleFunc("GET /api/v1/runs/{id}/export", h.handleExportRun)
	s.mux.HandleFunc("GET /api/v1/recommendations", h.handleListRecommendations)
	s.mux.HandleFunc("GET /api/v1/clusters/{cluster}/recommendations", h.handleClusterRecommendations)
	s.mux.HandleFunc("POST /api/v1/import", h.handleImport)

	// Coordination
	s.mux.HandleFunc("GET /api/v1/instances", s.instancesHandler)

	// Event stream
	ev := newEventsHandler(s.cache, s.logger)
	s.mux.HandleFunc("GET /api/v1/events", ev.handleEvents)

	s.logger.Info("All routes registered")
}

// setupMiddleware configures the middleware chain.
func (s *Server) setupMiddleware(handler http.Handler) http.Handler {
	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   s.config.CORS.AllowedOrigins,
		AllowedMethods:   s.config.CORS.AllowedMethods,
		AllowedHeaders:   s.config.CORS.AllowedHeaders,
		AllowCredentials: s.config.CORS.AllowCredentials,
		MaxAge:           86400,
	})

	if s.config.Auth.Enabled {
		authn := middleware.NewAuthenticator(
			auth.NewJWTManager(s.config.Auth),
			s.config.Auth.APIKeyHash,
			s.logger,
		)
		handler = authn.Middleware(handler)
	}

	if s.cache != nil && s.config.Auth.RateLimitPerMinute > 0 {
		rl := middleware.NewRateLimiter(s.cache, s.config.Auth.RateLimitPerMinute, s.logger)
		handler = rl.Middleware(handler)
	}

	handler = corsHandler.Handler(handler)
	handler = s.loggingMiddleware(handler)
	handler = s.recoveryMiddleware(handler)

	return handler
}

// loggingMiddleware logs HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		// Skip logging for health checks
		if r.URL.Path == "/health" || r.URL.Path == "/healthz" || r.URL.Path == "/ready" || r.URL.Path == "/live" {
			return
		}

		s.logger.Info("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", wrapped.statusCode),
			zap.Duration("duration", time.Since(start)),
			zap.String("remote_addr", r.RemoteAddr),
		)
	})
}

// recoveryMiddleware recovers from panics.
func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				s.logger.Error("Panic recovered",
					zap.Any("error", err),
					zap.String("path", r.URL.Path),
				)
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// healthHandler returns health status.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"healthy","service":"opendrs"}`)
}

// readyHandler returns readiness status.
func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ready := true
	details := map[string]string{}

	if s.db != nil {
		if err := s.db.Health(ctx); err != nil {
			ready = false
			details["postgres"] = "unhealthy"
		} else {
			details["postgres"] = "healthy"
		}
	}

	if s.cache != nil {
		if err := s.cache.Health(ctx); err != nil {
			ready = false
			details["redis"] = "unhealthy"
		} else {
			details["redis"] = "healthy"
		}
	}

	if s.etcd != nil {
		if err := s.etcd.Health(ctx); err != nil {
			ready = false
			details["etcd"] = "unhealthy"
		} else {
			details["etcd"] = "healthy"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if ready {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"ready":true,"components":%s}`, toJSON(details))
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprintf(w, `{"ready":false,"components":%s}`, toJSON(details))
	}
}

// liveHandler returns liveness status.
func (s *Server) liveHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"alive":true}`)
}

// infoHandler returns API information.
func (s *Server) infoHandler(w http.ResponseWriter, r *http.Request) {
	lastRun := ""
	if t := s.analysisService.LastRun(); !t.IsZero() {
		lastRun = t.Format(time.RFC3339)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{
		"name": "OpenDRS",
		"version": "0.1.0",
		"api_version": "v1",
		"description": "VM migration recommendation engine",
		"analysis": {
			"periodic_running": %t,
			"leader": %t,
			"last_run": %q
		},
		"infrastructure": {
			"postgres": %t,
			"redis": %t,
			"etcd": %t
		}
	}`, s.analysisService.IsRunning(), s.leaderFlag.IsLeader(), lastRun,
		s.db != nil, s.cache != nil, s.etcd != nil)
}

// instancesHandler lists the service instances registered in etcd and which
// one currently leads.
func (s *Server) instancesHandler(w http.ResponseWriter, r *http.Request) {
	if s.etcd == nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotImplemented)
		fmt.Fprintf(w, `{"code":"unimplemented","message":"instance listing requires etcd coordination"}`)
		return
	}

	instances, err := s.etcd.ListInstances(r.Context())
	if err != nil {
		s.logger.Error("Failed to list instances", zap.Error(err))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprintf(w, `{"code":"internal","message":"failed to list instances"}`)
		return
	}

	// The leader value is the campaigning session's lease; absence just
	// means no one currently holds the election.
	leaderLease, err := s.etcd.GetLeader(r.Context(), "opendrs")
	if err != nil {
		leaderLease = ""
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{
		"instances":    instances,
		"count":        len(instances),
		"leader_lease": leaderLease,
		"this_instance": map[string]interface{}{
			"id":     s.instanceID,
			"leader": s.leaderFlag.IsLeader(),
		},
	}); err != nil {
		s.logger.Error("Failed to encode instances response", zap.Error(err))
	}
}

// AnalysisService returns the analysis service for use by callers that
// embed the server.
func (s *Server) AnalysisService() *analysis.Service {
	return s.analysisService
}

// Run starts the HTTP server and blocks until shutdown.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("Starting server",
		zap.String("address", s.config.Server.Address()),
	)

	// Start leader election and instance registration if etcd is available
	if s.etcd != nil {
		leader, err := s.etcd.CampaignForLeader(ctx, "opendrs", func(isLeader bool) {
			s.leaderFlag.v.Store(isLeader)
			if isLeader {
				s.logger.Info("This instance is now the leader")
			} else {
				s.logger.Info("This instance is now a follower")
			}
		})
		if err != nil {
			s.logger.Warn("Failed to start leader election", zap.Error(err))
		} else {
			s.leader = leader
		}

		s.registerInstance(ctx)
	}

	// Periodic analysis loop
	go s.analysisService.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("Shutdown signal received")
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	return s.Shutdown()
}

// registerInstance registers this instance in etcd and keeps its
// heartbeat fresh until ctx is cancelled.
func (s *Server) registerInstance(ctx context.Context) {
	hostname, _ := os.Hostname()
	state := etcd.InstanceState{
		ID:        s.instanceID,
		Hostname:  hostname,
		Version:   "0.1.0",
		StartedAt: time.Now(),
	}
	if err := s.etcd.RegisterInstance(ctx, state); err != nil {
		s.logger.Warn("Failed to register instance", zap.Error(err))
		return
	}

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.etcd.UpdateInstanceHeartbeat(ctx, s.instanceID); err != nil && ctx.Err() == nil {
					s.logger.Warn("Failed to update instance heartbeat", zap.Error(err))
				}
			}
		}
	}()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Shutting down server...")

	if s.leader != nil {
		if err := s.leader.Resign(shutdownCtx); err != nil {
			s.logger.Warn("Failed to resign leadership", zap.Error(err))
		}
	}
	if s.etcd != nil {
		if err := s.etcd.DeregisterInstance(shutdownCtx, s.instanceID); err != nil {
			s.logger.Warn("Failed to deregister instance", zap.Error(err))
		}
	}

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTP shutdown error: %w", err)
	}

	if s.etcd != nil {
		if err := s.etcd.Close(); err != nil {
			s.logger.Warn("Failed to close etcd", zap.Error(err))
		}
	}
	if s.cache != nil {
		if err := s.cache.Close(); err != nil {
			s.logger.Warn("Failed to close Redis", zap.Error(err))
		}
	}
	if s.db != nil {
		s.db.Close()
	}

	s.logger.Info("Server stopped gracefully")
	return nil
}

// Address returns the server address.
func (s *Server) Address() string {
	return s.config.Server.Address()
}

// toJSON converts a map to JSON string.
func toJSON(m map[string]string) string {
	if len(m) == 0 {
		return "{}"
	}
	result := "{"
	first := true
	for k, v := range m {
		if !first {
			result += ","
		}
		result += fmt.Sprintf(`"%s":"%s"`, k, v)
		first = false
	}
	result += "}"
	return result
}

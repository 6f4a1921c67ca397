// Package analysis provides the migration analysis service. It ties the
// recommendation engine to inventory, persistence, caching, and events, and
// owns the periodic analysis loop.
package analysis

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nerdCopter/OpenDRS/internal/config"
	"github.com/nerdCopter/OpenDRS/internal/domain"
	"github.com/nerdCopter/OpenDRS/internal/drs"
	"github.com/nerdCopter/OpenDRS/internal/export"
	"github.com/nerdCopter/OpenDRS/internal/inventory"
	"github.com/nerdCopter/OpenDRS/internal/metrics"
	"github.com/nerdCopter/OpenDRS/internal/repository/etcd"
	"github.com/nerdCopter/OpenDRS/internal/repository/redis"
)

// RunStore persists analysis runs and their recommendations.
type RunStore interface {
	CreateRun(ctx context.Context, run *domain.AnalysisRun, recs []*domain.Recommendation) error
	GetRun(ctx context.Context, id string) (*domain.AnalysisRun, error)
	ListRuns(ctx context.Context, limit int) ([]*domain.AnalysisRun, error)
	ListRecommendations(ctx context.Context, filter domain.RecommendationFilter) ([]*domain.Recommendation, error)
	DeleteOldRuns(ctx context.Context, olderThan time.Time) (int64, error)
}

// LeaderChecker checks if this instance is the leader.
type LeaderChecker interface {
	IsLeader() bool
}

const (
	runLockKey     = "analysis-run"
	runLockTimeout = 30 * time.Second
	runRetention   = 7 * 24 * time.Hour
)

// Service orchestrates analysis runs. Cache, coordinator, leader checker,
// and metrics are optional; a nil value disables the corresponding feature.
type Service struct {
	cfg      config.EngineConfig
	engine   *drs.Engine
	provider inventory.Provider
	store    RunStore
	cache    *redis.Cache
	coord    *etcd.Client
	leader   LeaderChecker
	metrics  *metrics.Metrics
	logger   *zap.Logger

	runMu sync.Mutex

	mu        sync.RWMutex
	isRunning bool
	lastRun   time.Time
}

// NewService creates a new analysis service.
func NewService(
	cfg config.EngineConfig,
	engine *drs.Engine,
	provider inventory.Provider,
	store RunStore,
	cache *redis.Cache,
	coord *etcd.Client,
	leader LeaderChecker,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Service {
	return &Service{
		cfg:      cfg,
		engine:   engine,
		provider: provider,
		store:    store,
		cache:    cache,
		coord:    coord,
		leader:   leader,
		metrics:  m,
		logger:   logger.Named("analysis-service"),
	}
}

// DefaultOptions returns the configured analysis options. Handlers start
// from these and apply per-request overrides.
func (s *Service) DefaultOptions() domain.AnalysisOptions {
	return s.engine.Options()
}

// RunAnalysis fetches an inventory snapshot from the configured provider
// and analyzes it.
func (s *Service) RunAnalysis(ctx context.Context, opts domain.AnalysisOptions) (*domain.AnalysisRun, *domain.AnalysisResult, error) {
	inv, err := s.provider.Snapshot(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to fetch inventory: %w", err)
	}
	return s.AnalyzeSnapshot(ctx, inv, opts)
}

// AnalyzeSnapshot runs the engine over a caller-supplied snapshot,
// persists the run, caches per-cluster results, and publishes events.
func (s *Service) AnalyzeSnapshot(ctx context.Context, inv *domain.Inventory, opts domain.AnalysisOptions) (*domain.AnalysisRun, *domain.AnalysisResult, error) {
	release, err := s.acquireRunLock(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer release()

	started := time.Now()

	result, err := s.engine.Analyze(inv, opts)
	if s.metrics != nil {
		s.metrics.ObserveRun(result, time.Since(started), err)
	}
	if err != nil {
		return nil, nil, err
	}

	run := &domain.AnalysisRun{
		ID:              uuid.New().String(),
		Options:         opts,
		StartedAt:       started,
		CompletedAt:     time.Now(),
		ClustersTotal:   result.ClustersTotal,
		ClustersSkipped: result.ClustersSkipped,
		Diagnostics:     result.Diagnostics,
	}

	if err := s.store.CreateRun(ctx, run, result.Recommendations); err != nil {
		return nil, nil, fmt.Errorf("failed to store analysis run: %w", err)
	}

	s.mu.Lock()
	s.lastRun = time.Now()
	s.mu.Unlock()

	s.publishResults(ctx, run, inv, result)

	s.logger.Info("Analysis run complete",
		zap.String("run_id", run.ID),
		zap.Int("recommendations", len(result.Recommendations)),
		zap.Int("diagnostics", len(result.Diagnostics)),
		zap.Duration("duration", time.Since(started)),
	)

	return run, result, nil
}

// acquireRunLock serializes runs. The local mutex covers a single
// instance; the etcd lock extends that across instances when a
// coordinator is configured.
func (s *Service) acquireRunLock(ctx context.Context) (func(), error) {
	s.runMu.Lock()

	if s.coord == nil {
		return s.runMu.Unlock, nil
	}

	lock, err := s.coord.TryAcquireLock(ctx, runLockKey, runLockTimeout)
	if err != nil {
		s.runMu.Unlock()
		return nil, fmt.Errorf("failed to acquire analysis run lock: %w", err)
	}

	return func() {
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := lock.Unlock(unlockCtx); err != nil {
			s.logger.Warn("Failed to release analysis run lock", zap.Error(err))
		}
		s.runMu.Unlock()
	}, nil
}

// publishResults caches per-cluster results and emits events. Failures are
// logged and swallowed, the run itself already succeeded.
func (s *Service) publishResults(ctx context.Context, run *domain.AnalysisRun, inv *domain.Inventory, result *domain.AnalysisResult) {
	if s.cache == nil {
		return
	}

	// Drop entries from earlier runs first; clusters missing from this
	// snapshot must not linger with stale results.
	if err := s.cache.InvalidateAnalysis(ctx); err != nil {
		s.logger.Warn("Failed to invalidate analysis cache", zap.Error(err))
	}

	if err := s.cache.SetLatestRun(ctx, run); err != nil {
		s.logger.Warn("Failed to cache latest run", zap.Error(err))
	}

	recsByCluster := make(map[string][]*domain.Recommendation)
	for _, rec := range result.Recommendations {
		recsByCluster[rec.Cluster] = append(recsByCluster[rec.Cluster], rec)
	}
	diagsByCluster := make(map[string][]domain.Diagnostic)
	for _, diag := range result.Diagnostics {
		diagsByCluster[diag.Cluster] = append(diagsByCluster[diag.Cluster], diag)
	}

	for _, cs := range inv.Clusters {
		if !run.Options.WantsCluster(cs.Name) {
			continue
		}
		if err := s.cache.SetClusterResult(ctx, run.ID, cs.Name, recsByCluster[cs.Name], diagsByCluster[cs.Name]); err != nil {
			s.logger.Warn("Failed to cache cluster result",
				zap.String("cluster", cs.Name),
				zap.Error(err),
			)
		}
	}

	if err := s.cache.PublishRunCompleted(ctx, run); err != nil {
		s.logger.Warn("Failed to publish run event", zap.Error(err))
	}
	for _, rec := range result.Recommendations {
		if err := s.cache.PublishRecommendation(ctx, rec); err != nil {
			s.logger.Warn("Failed to publish recommendation event", zap.Error(err))
			break
		}
	}
}

// GetRun retrieves a stored run by ID.
func (s *Service) GetRun(ctx context.Context, id string) (*domain.AnalysisRun, error) {
	return s.store.GetRun(ctx, id)
}

// LatestRun returns the most recent run, served from cache when possible.
func (s *Service) LatestRun(ctx context.Context) (*domain.AnalysisRun, error) {
	if s.cache != nil {
		if run, err := s.cache.GetLatestRun(ctx); err == nil {
			return run, nil
		}
	}

	runs, err := s.store.ListRuns(ctx, 1)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, fmt.Errorf("no analysis runs recorded: %w", domain.ErrNotFound)
	}
	return runs[0], nil
}

// ClusterRecommendations returns what the most recent run produced for one
// cluster: the run ID, its recommendations in emission order, and the
// diagnostics raised for that cluster. Served from cache when possible,
// rebuilt from the store on a miss.
func (s *Service) ClusterRecommendations(ctx context.Context, cluster string) (string, []*domain.Recommendation, []domain.Diagnostic, error) {
	if s.cache != nil {
		if runID, recs, diags, err := s.cache.GetClusterResult(ctx, cluster); err == nil {
			return runID, recs, diags, nil
		}
	}

	run, err := s.LatestRun(ctx)
	if err != nil {
		return "", nil, nil, err
	}

	recs, err := s.store.ListRecommendations(ctx, domain.RecommendationFilter{RunID: run.ID, Cluster: cluster})
	if err != nil {
		return "", nil, nil, err
	}

	var diags []domain.Diagnostic
	for _, d := range run.Diagnostics {
		if d.Cluster == cluster {
			diags = append(diags, d)
		}
	}
	return run.ID, recs, diags, nil
}

// ListRuns returns recent runs, newest first.
func (s *Service) ListRuns(ctx context.Context, limit int) ([]*domain.AnalysisRun, error) {
	return s.store.ListRuns(ctx, limit)
}

// ListRecommendations returns stored recommendations matching the filter.
func (s *Service) ListRecommendations(ctx context.Context, filter domain.RecommendationFilter) ([]*domain.Recommendation, error) {
	return s.store.ListRecommendations(ctx, filter)
}

// ExportCSV writes a stored run's recommendations to w in the CSV wire
// format, preserving the order the engine emitted them.
func (s *Service) ExportCSV(ctx context.Context, runID string, w io.Writer) error {
	if _, err := s.store.GetRun(ctx, runID); err != nil {
		return err
	}

	recs, err := s.store.ListRecommendations(ctx, domain.RecommendationFilter{RunID: runID})
	if err != nil {
		return err
	}

	return export.WriteCSV(w, recs)
}

// ImportCSV parses a CSV produced by ExportCSV back into recommendation
// records.
func (s *Service) ImportCSV(r io.Reader) ([]*domain.Recommendation, error) {
	return export.ReadCSV(r)
}

// LastRun returns when the most recent run finished.
func (s *Service) LastRun() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastRun
}

// IsRunning reports whether the periodic loop is active.
func (s *Service) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// Start begins the periodic analysis loop. It blocks until ctx is
// cancelled, so callers run it in a goroutine.
func (s *Service) Start(ctx context.Context) {
	if !s.cfg.Enabled {
		s.logger.Info("Periodic analysis disabled")
		return
	}

	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.mu.Unlock()

	s.logger.Info("Starting periodic analysis",
		zap.Duration("interval", s.cfg.Interval),
		zap.Int("aggressiveness", s.cfg.Aggressiveness),
		zap.Bool("balance_mode", s.cfg.BalanceMode),
	)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	// Run initial analysis
	s.runOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Periodic analysis stopped")
			s.mu.Lock()
			s.isRunning = false
			s.mu.Unlock()
			return
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

// runOnce performs a single periodic cycle.
func (s *Service) runOnce(ctx context.Context) {
	// Only run on leader
	if s.leader != nil && !s.leader.IsLeader() {
		s.logger.Debug("Not leader, skipping periodic analysis")
		return
	}

	if _, _, err := s.RunAnalysis(ctx, s.engine.Options()); err != nil {
		if ctx.Err() != nil {
			return
		}
		s.logger.Error("Periodic analysis failed", zap.Error(err))
	}

	if removed, err := s.store.DeleteOldRuns(ctx, time.Now().Add(-runRetention)); err != nil {
		s.logger.Warn("Failed to clean up old runs", zap.Error(err))
	} else if removed > 0 {
		s.logger.Info("Cleaned up old runs", zap.Int64("removed", removed))
	}
}

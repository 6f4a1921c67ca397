// Package memory provides in-memory implementations of repository interfaces.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nerdCopter/OpenDRS/internal/domain"
)

// RunRepository is an in-memory store for analysis runs and their
// recommendations. It backs single-node deployments and tests where no
// database is configured.
type RunRepository struct {
	mu   sync.RWMutex
	runs map[string]*domain.AnalysisRun
	recs map[string][]*domain.Recommendation
}

// NewRunRepository creates a new in-memory run repository.
func NewRunRepository() *RunRepository {
	return &RunRepository{
		runs: make(map[string]*domain.AnalysisRun),
		recs: make(map[string][]*domain.Recommendation),
	}
}

// CreateRun stores a completed run together with its recommendations.
func (r *RunRepository) CreateRun(ctx context.Context, run *domain.AnalysisRun, recs []*domain.Recommendation) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if _, ok := r.runs[run.ID]; ok {
		return fmt.Errorf("%w: run %s", domain.ErrAlreadyExists, run.ID)
	}

	run.Recommendations = len(recs)

	// Store copies
	stored := *run
	stored.Diagnostics = append([]domain.Diagnostic(nil), run.Diagnostics...)
	r.runs[run.ID] = &stored

	storedRecs := make([]*domain.Recommendation, 0, len(recs))
	for _, rec := range recs {
		storedRecs = append(storedRecs, copyRecommendation(rec))
	}
	r.recs[run.ID] = storedRecs

	return nil
}

// GetRun retrieves a run by ID.
func (r *RunRepository) GetRun(ctx context.Context, id string) (*domain.AnalysisRun, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	run, ok := r.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: run %s", domain.ErrNotFound, id)
	}

	// Return a copy
	result := *run
	result.Diagnostics = append([]domain.Diagnostic(nil), run.Diagnostics...)
	return &result, nil
}

// ListRuns returns up to limit runs, newest first.
func (r *RunRepository) ListRuns(ctx context.Context, limit int) ([]*domain.AnalysisRun, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	runs := make([]*domain.AnalysisRun, 0, len(r.runs))
	for _, run := range r.runs {
		result := *run
		result.Diagnostics = append([]domain.Diagnostic(nil), run.Diagnostics...)
		runs = append(runs, &result)
	}

	sort.Slice(runs, func(i, j int) bool {
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})

	if len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

// ListRecommendations returns stored recommendations. Filtering by run ID
// returns them in the order the engine emitted them; otherwise newest first.
func (r *RunRepository) ListRecommendations(ctx context.Context, filter domain.RecommendationFilter) ([]*domain.Recommendation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*domain.Recommendation
	collect := func(recs []*domain.Recommendation) {
		for _, rec := range recs {
			if filter.Cluster != "" && rec.Cluster != filter.Cluster {
				continue
			}
			if filter.Reason != "" && rec.Reason != filter.Reason {
				continue
			}
			out = append(out, copyRecommendation(rec))
		}
	}

	if filter.RunID != "" {
		// Per-run slices are kept in emission order.
		collect(r.recs[filter.RunID])
	} else {
		for _, recs := range r.recs {
			collect(recs)
		}
		sort.SliceStable(out, func(i, j int) bool {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		})
	}

	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// DeleteOldRuns removes runs that started before the cutoff, along with
// their recommendations. It returns the number of runs removed.
func (r *RunRepository) DeleteOldRuns(ctx context.Context, olderThan time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var removed int64
	for id, run := range r.runs {
		if run.StartedAt.Before(olderThan) {
			delete(r.runs, id)
			delete(r.recs, id)
			removed++
		}
	}
	return removed, nil
}

func copyRecommendation(rec *domain.Recommendation) *domain.Recommendation {
	out := *rec
	if rec.SourceUtilization != nil {
		u := *rec.SourceUtilization
		out.SourceUtilization = &u
	}
	if rec.DestinationUtilization != nil {
		u := *rec.DestinationUtilization
		out.DestinationUtilization = &u
	}
	return &out
}

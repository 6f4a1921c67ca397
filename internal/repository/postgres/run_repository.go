// Package postgres provides PostgreSQL repository implementations.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/nerdCopter/OpenDRS/internal/domain"
)

// RunRepository stores analysis runs and their recommendations in
// PostgreSQL.
type RunRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewRunRepository creates a new PostgreSQL analysis run repository.
func NewRunRepository(db *DB, logger *zap.Logger) *RunRepository {
	return &RunRepository{
		db:     db,
		logger: logger.With(zap.String("repository", "run")),
	}
}

// CreateRun stores a run together with its recommendations in one
// transaction.
func (r *RunRepository) CreateRun(ctx context.Context, run *domain.AnalysisRun, recs []*domain.Recommendation) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}

	optionsJSON, err := json.Marshal(run.Options)
	if err != nil {
		return fmt.Errorf("failed to marshal options: %w", err)
	}
	diagnosticsJSON, err := json.Marshal(run.Diagnostics)
	if err != nil {
		return fmt.Errorf("failed to marshal diagnostics: %w", err)
	}

	tx, err := r.db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO analysis_runs (id, options, started_at, completed_at, clusters_total, clusters_skipped, recommendation_count, diagnostics)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err = tx.Exec(ctx, query,
		run.ID,
		optionsJSON,
		run.StartedAt,
		run.CompletedAt,
		run.ClustersTotal,
		run.ClustersSkipped,
		len(recs),
		diagnosticsJSON,
	)
	if err != nil {
		r.logger.Error("Failed to insert analysis run", zap.Error(err), zap.String("run_id", run.ID))
		return fmt.Errorf("failed to insert analysis run: %w", err)
	}

	// seq preserves the engine's emission order; created_at alone cannot,
	// recommendations from one pass may share a timestamp.
	recQuery := `
		INSERT INTO recommendations (id, run_id, seq, cluster, vm_name, reason, source_host, source_utilization, destination_host, destination_utilization, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	for i, rec := range recs {
		if rec.ID == "" {
			rec.ID = uuid.New().String()
		}

		srcJSON, err := marshalUtilization(rec.SourceUtilization)
		if err != nil {
			return err
		}
		dstJSON, err := marshalUtilization(rec.DestinationUtilization)
		if err != nil {
			return err
		}

		_, err = tx.Exec(ctx, recQuery,
			rec.ID,
			run.ID,
			i,
			rec.Cluster,
			rec.VMName,
			string(rec.Reason),
			rec.SourceHost,
			srcJSON,
			rec.DestinationHost,
			dstJSON,
			rec.CreatedAt,
		)
		if err != nil {
			r.logger.Error("Failed to insert recommendation",
				zap.Error(err),
				zap.String("run_id", run.ID),
				zap.String("vm", rec.VMName),
			)
			return fmt.Errorf("failed to insert recommendation: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit analysis run: %w", err)
	}

	run.Recommendations = len(recs)

	r.logger.Info("Stored analysis run",
		zap.String("run_id", run.ID),
		zap.Int("recommendations", len(recs)),
	)
	return nil
}

// GetRun retrieves a run by ID, without its recommendations.
func (r *RunRepository) GetRun(ctx context.Context, id string) (*domain.AnalysisRun, error) {
	query := `
		SELECT id, options, started_at, completed_at, clusters_total, clusters_skipped, recommendation_count, diagnostics
		FROM analysis_runs
		WHERE id = $1
	`

	run := &domain.AnalysisRun{}
	var optionsJSON, diagnosticsJSON []byte

	err := r.db.pool.QueryRow(ctx, query, id).Scan(
		&run.ID,
		&optionsJSON,
		&run.StartedAt,
		&run.CompletedAt,
		&run.ClustersTotal,
		&run.ClustersSkipped,
		&run.Recommendations,
		&diagnosticsJSON,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get analysis run: %w", err)
	}

	if len(optionsJSON) > 0 {
		if err := json.Unmarshal(optionsJSON, &run.Options); err != nil {
			r.logger.Warn("Failed to unmarshal run options", zap.Error(err))
		}
	}
	if len(diagnosticsJSON) > 0 {
		if err := json.Unmarshal(diagnosticsJSON, &run.Diagnostics); err != nil {
			r.logger.Warn("Failed to unmarshal run diagnostics", zap.Error(err))
		}
	}

	return run, nil
}

// ListRuns returns the most recent runs, newest first.
func (r *RunRepository) ListRuns(ctx context.Context, limit int) ([]*domain.AnalysisRun, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, options, started_at, completed_at, clusters_total, clusters_skipped, recommendation_count, diagnostics
		FROM analysis_runs
		ORDER BY started_at DESC
		LIMIT $1
	`

	rows, err := r.db.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list analysis runs: %w", err)
	}
	defer rows.Close()

	var runs []*domain.AnalysisRun
	for rows.Next() {
		run := &domain.AnalysisRun{}
		var optionsJSON, diagnosticsJSON []byte

		err := rows.Scan(
			&run.ID,
			&optionsJSON,
			&run.StartedAt,
			&run.CompletedAt,
			&run.ClustersTotal,
			&run.ClustersSkipped,
			&run.Recommendations,
			&diagnosticsJSON,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan analysis run: %w", err)
		}

		if len(optionsJSON) > 0 {
			json.Unmarshal(optionsJSON, &run.Options)
		}
		if len(diagnosticsJSON) > 0 {
			json.Unmarshal(diagnosticsJSON, &run.Diagnostics)
		}

		runs = append(runs, run)
	}

	return runs, nil
}

// ListRecommendations returns stored recommendations. Filtering by run ID
// returns them in the order the engine emitted them; otherwise newest first.
func (r *RunRepository) ListRecommendations(ctx context.Context, filter domain.RecommendationFilter) ([]*domain.Recommendation, error) {
	query := `
		SELECT id, cluster, vm_name, reason, source_host, source_utilization, destination_host, destination_utilization, created_at
		FROM recommendations
		WHERE 1=1
	`
	args := []interface{}{}
	argNum := 1

	if filter.RunID != "" {
		query += fmt.Sprintf(" AND run_id = $%d", argNum)
		args = append(args, filter.RunID)
		argNum++
	}
	if filter.Cluster != "" {
		query += fmt.Sprintf(" AND cluster = $%d", argNum)
		args = append(args, filter.Cluster)
		argNum++
	}
	if filter.Reason != "" {
		query += fmt.Sprintf(" AND reason = $%d", argNum)
		args = append(args, string(filter.Reason))
		argNum++
	}

	if filter.RunID != "" {
		query += " ORDER BY seq ASC"
	} else {
		query += " ORDER BY created_at DESC, seq ASC"
	}

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argNum)
		args = append(args, filter.Limit)
	}

	rows, err := r.db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list recommendations: %w", err)
	}
	defer rows.Close()

	var recs []*domain.Recommendation
	for rows.Next() {
		rec := &domain.Recommendation{}
		var reason string
		var srcJSON, dstJSON []byte

		err := rows.Scan(
			&rec.ID,
			&rec.Cluster,
			&rec.VMName,
			&reason,
			&rec.SourceHost,
			&srcJSON,
			&rec.DestinationHost,
			&dstJSON,
			&rec.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan recommendation: %w", err)
		}

		rec.Reason = domain.RecommendationReason(reason)
		rec.SourceUtilization = unmarshalUtilization(srcJSON)
		rec.DestinationUtilization = unmarshalUtilization(dstJSON)

		recs = append(recs, rec)
	}

	return recs, nil
}

// DeleteOldRuns removes runs (and their recommendations, via cascade) that
// started before the cutoff. Returns the number of deleted runs.
func (r *RunRepository) DeleteOldRuns(ctx context.Context, olderThan time.Time) (int64, error) {
	query := `DELETE FROM analysis_runs WHERE started_at < $1`

	result, err := r.db.pool.Exec(ctx, query, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old runs: %w", err)
	}

	deleted := result.RowsAffected()
	if deleted > 0 {
		r.logger.Info("Deleted old analysis runs",
			zap.Int64("count", deleted),
			zap.Time("older_than", olderThan),
		)
	}
	return deleted, nil
}

func marshalUtilization(u *domain.HostUtilization) ([]byte, error) {
	if u == nil {
		return nil, nil
	}
	data, err := json.Marshal(u)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal utilization: %w", err)
	}
	return data, nil
}

func unmarshalUtilization(data []byte) *domain.HostUtilization {
	if len(data) == 0 {
		return nil
	}
	u := &domain.HostUtilization{}
	if err := json.Unmarshal(data, u); err != nil {
		return nil
	}
	return u
}

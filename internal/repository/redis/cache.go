// Package redis provides Redis caching and pub/sub functionality.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nerdCopter/OpenDRS/internal/config"
	"github.com/nerdCopter/OpenDRS/internal/domain"
)

// ErrCacheMiss indicates the key was not found in cache.
var ErrCacheMiss = errors.New("cache miss")

// Cache wraps a Redis client for caching operations.
type Cache struct {
	client *redis.Client
	logger *zap.Logger
}

// NewCache creates a new Redis cache connection.
func NewCache(cfg config.RedisConfig, logger *zap.Logger) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Connected to Redis", zap.String("addr", cfg.Address()))

	return &Cache{client: client, logger: logger}, nil
}

// Close closes the Redis connection.
func (c *Cache) Close() error {
	return c.client.Close()
}

// Health checks if Redis is reachable.
func (c *Cache) Health(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// =============================================================================
// Generic Cache Operations
// =============================================================================

// Get retrieves a value from cache and unmarshals it into dest.
func (c *Cache) Get(ctx context.Context, key string, dest interface{}) error {
	val, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return ErrCacheMiss
	}
	if err != nil {
		return fmt.Errorf("redis get error: %w", err)
	}

	return json.Unmarshal([]byte(val), dest)
}

// Set stores a value in cache with a TTL.
func (c *Cache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}

	return c.client.Set(ctx, key, data, ttl).Err()
}

// DeletePattern removes all keys matching a pattern.
func (c *Cache) DeletePattern(ctx context.Context, pattern string) error {
	iter := c.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			c.logger.Warn("Failed to delete key", zap.String("key", iter.Val()), zap.Error(err))
		}
	}
	return iter.Err()
}

// =============================================================================
// Analysis Result Cache
// =============================================================================

const resultCacheTTL = 10 * time.Minute

// clusterResult is the cached per-cluster slice of a full analysis.
type clusterResult struct {
	RunID           string                   `json:"run_id"`
	Recommendations []*domain.Recommendation `json:"recommendations"`
	Diagnostics     []domain.Diagnostic      `json:"diagnostics,omitempty"`
}

// SetClusterResult caches the recommendations and diagnostics one run
// produced for a single cluster.
func (c *Cache) SetClusterResult(ctx context.Context, runID, cluster string, recs []*domain.Recommendation, diags []domain.Diagnostic) error {
	key := fmt.Sprintf("analysis:cluster:%s", cluster)
	return c.Set(ctx, key, clusterResult{RunID: runID, Recommendations: recs, Diagnostics: diags}, resultCacheTTL)
}

// GetClusterResult retrieves the most recently cached result for a cluster.
func (c *Cache) GetClusterResult(ctx context.Context, cluster string) (string, []*domain.Recommendation, []domain.Diagnostic, error) {
	key := fmt.Sprintf("analysis:cluster:%s", cluster)
	var res clusterResult
	if err := c.Get(ctx, key, &res); err != nil {
		return "", nil, nil, err
	}
	return res.RunID, res.Recommendations, res.Diagnostics, nil
}

// SetLatestRun caches the most recent run record.
func (c *Cache) SetLatestRun(ctx context.Context, run *domain.AnalysisRun) error {
	return c.Set(ctx, "analysis:latest-run", run, resultCacheTTL)
}

// GetLatestRun retrieves the most recent run record from cache.
func (c *Cache) GetLatestRun(ctx context.Context) (*domain.AnalysisRun, error) {
	var run domain.AnalysisRun
	if err := c.Get(ctx, "analysis:latest-run", &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// InvalidateAnalysis drops every cached analysis entry.
func (c *Cache) InvalidateAnalysis(ctx context.Context) error {
	return c.DeletePattern(ctx, "analysis:*")
}

// =============================================================================
// Pub/Sub Operations for Real-time Updates
// =============================================================================

// Event channel and type names used on the analysis pub/sub channel.
const (
	AnalysisChannel = "events:analysis"

	EventAnalysisCompleted     = "analysis.completed"
	EventRecommendationCreated = "recommendation.created"
)

// Event represents a real-time event.
type Event struct {
	Type       string      `json:"type"` // "analysis.completed", "recommendation.created", etc.
	ResourceID string      `json:"resource_id"`
	Data       interface{} `json:"data,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
}

// Publish publishes an event to a channel.
func (c *Cache) Publish(ctx context.Context, channel string, event Event) error {
	event.Timestamp = time.Now()
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return c.client.Publish(ctx, channel, data).Err()
}

// Subscribe subscribes to a channel and returns a message channel.
func (c *Cache) Subscribe(ctx context.Context, channels ...string) <-chan Event {
	pubsub := c.client.Subscribe(ctx, channels...)
	events := make(chan Event, 100)

	go func() {
		defer close(events)
		defer pubsub.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-pubsub.Channel():
				var event Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					c.logger.Warn("Failed to unmarshal event", zap.Error(err))
					continue
				}
				events <- event
			}
		}
	}()

	return events
}

// PublishRunCompleted announces a finished analysis run.
func (c *Cache) PublishRunCompleted(ctx context.Context, run *domain.AnalysisRun) error {
	return c.Publish(ctx, AnalysisChannel, Event{
		Type:       EventAnalysisCompleted,
		ResourceID: run.ID,
		Data:       run,
	})
}

// PublishRecommendation announces a single recommendation from a run.
func (c *Cache) PublishRecommendation(ctx context.Context, rec *domain.Recommendation) error {
	return c.Publish(ctx, AnalysisChannel, Event{
		Type:       EventRecommendationCreated,
		ResourceID: rec.ID,
		Data:       rec,
	})
}

// =============================================================================
// Rate Limiting
// =============================================================================

// RateLimitResult contains the result of a rate limit check.
type RateLimitResult struct {
	Allowed   bool
	Remaining int64
	ResetAt   time.Time
}

// CheckRateLimit checks if a request is within rate limits.
// Uses a sliding window algorithm.
func (c *Cache) CheckRateLimit(ctx context.Context, key string, limit int64, window time.Duration) (*RateLimitResult, error) {
	now := time.Now()
	windowStart := now.Add(-window)

	pipe := c.client.Pipeline()

	// Remove old entries
	pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", windowStart.UnixNano()))

	// Count current entries
	countCmd := pipe.ZCard(ctx, key)

	// Add current request
	pipe.ZAdd(ctx, key, redis.Z{
		Score:  float64(now.UnixNano()),
		Member: now.UnixNano(),
	})

	// Set expiry
	pipe.Expire(ctx, key, window)

	_, err := pipe.Exec(ctx)
	if err != nil {
		return nil, fmt.Errorf("rate limit check failed: %w", err)
	}

	count := countCmd.Val()
	allowed := count < limit
	remaining := limit - count - 1
	if remaining < 0 {
		remaining = 0
	}

	return &RateLimitResult{
		Allowed:   allowed,
		Remaining: remaining,
		ResetAt:   now.Add(window),
	}, nil
}

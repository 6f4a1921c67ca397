// Package inventory supplies the cluster snapshots the engine analyzes.
package inventory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/nerdCopter/OpenDRS/internal/config"
	"github.com/nerdCopter/OpenDRS/internal/domain"
)

// Provider returns a point-in-time view of the managed clusters. Every
// analysis run fetches a fresh snapshot; the engine never mutates it.
type Provider interface {
	Snapshot(ctx context.Context) (*domain.Inventory, error)
}

// New builds the provider selected by configuration.
func New(cfg config.InventoryConfig, logger *zap.Logger) (Provider, error) {
	switch cfg.Source {
	case "file":
		return NewFileProvider(cfg.Path, logger), nil
	default:
		return nil, fmt.Errorf("unknown inventory source %q", cfg.Source)
	}
}

// FileProvider reads the inventory from a JSON file on every call, so an
// external collector may refresh the file between runs without restarting
// the service.
type FileProvider struct {
	path   string
	logger *zap.Logger
}

// NewFileProvider creates a provider reading from path.
func NewFileProvider(path string, logger *zap.Logger) *FileProvider {
	return &FileProvider{
		path:   path,
		logger: logger.With(zap.String("component", "inventory")),
	}
}

// Snapshot loads and decodes the inventory file.
func (p *FileProvider) Snapshot(ctx context.Context) (*domain.Inventory, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(p.path)
	if err != nil {
		return nil, fmt.Errorf("reading inventory file: %w", err)
	}

	var inv domain.Inventory
	if err := json.Unmarshal(data, &inv); err != nil {
		return nil, fmt.Errorf("decoding inventory file %s: %w", p.path, err)
	}

	if inv.TakenAt.IsZero() {
		inv.TakenAt = time.Now()
	}

	p.logger.Debug("Loaded inventory snapshot",
		zap.String("path", p.path),
		zap.Int("clusters", len(inv.Clusters)),
		zap.Time("taken_at", inv.TakenAt),
	)

	return &inv, nil
}

// StaticProvider serves a fixed inventory. Useful for tests and one-shot
// analyses over an already-parsed snapshot.
type StaticProvider struct {
	inv *domain.Inventory
}

// NewStaticProvider wraps an in-memory inventory.
func NewStaticProvider(inv *domain.Inventory) *StaticProvider {
	return &StaticProvider{inv: inv}
}

// Snapshot returns the wrapped inventory as-is.
func (p *StaticProvider) Snapshot(ctx context.Context) (*domain.Inventory, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.inv == nil {
		return nil, fmt.Errorf("no inventory loaded: %w", domain.ErrUnavailable)
	}
	return p.inv, nil
}

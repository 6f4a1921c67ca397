// Package drs implements the migration recommendation engine: utilization
// analysis, maintenance evacuation planning, rule-aware placement, and
// count-based load balancing over a point-in-time inventory snapshot.
package drs

import (
	"fmt"
	"regexp"
	"time"

	"go.uber.org/zap"

	"github.com/nerdCopter/OpenDRS/internal/config"
	"github.com/nerdCopter/OpenDRS/internal/domain"
)

// DefaultAggressiveness is the threshold level used when the caller does not
// pick one. Level 3 sets the over-utilization cutoff at mean + one standard
// deviation.
const DefaultAggressiveness = 3

// Engine computes migration recommendations for the clusters in an inventory
// snapshot. It is stateless between runs: every Analyze call is a pure
// computation over the snapshot it is handed, so a single Engine is safe for
// concurrent use.
type Engine struct {
	cfg     config.EngineConfig
	infraVM *regexp.Regexp
	logger  *zap.Logger
}

// NewEngine creates an engine from static configuration. The infrastructure
// VM pattern is compiled once here; an invalid pattern is a startup error,
// not something to discover mid-run.
func NewEngine(cfg config.EngineConfig, logger *zap.Logger) (*Engine, error) {
	var infraVM *regexp.Regexp
	if cfg.InfraVMPattern != "" {
		re, err := regexp.Compile(cfg.InfraVMPattern)
		if err != nil {
			return nil, fmt.Errorf("compiling infrastructure VM pattern %q: %w", cfg.InfraVMPattern, err)
		}
		infraVM = re
	}

	return &Engine{
		cfg:     cfg,
		infraVM: infraVM,
		logger:  logger.With(zap.String("component", "drs")),
	}, nil
}

// Options returns the analysis options implied by the engine configuration.
// Callers copy this and override individual fields per request.
func (e *Engine) Options() domain.AnalysisOptions {
	return domain.AnalysisOptions{
		Aggressiveness: e.cfg.Aggressiveness,
		BypassRules:    e.cfg.BypassRules,
		BalanceMode:    e.cfg.BalanceMode,
		Clusters:       e.cfg.Clusters,
	}
}

func (e *Engine) normalizeOptions(opts domain.AnalysisOptions) (domain.AnalysisOptions, error) {
	if opts.Aggressiveness == 0 {
		opts.Aggressiveness = e.cfg.Aggressiveness
	}
	if opts.Aggressiveness == 0 {
		opts.Aggressiveness = DefaultAggressiveness
	}
	if opts.Aggressiveness < 1 || opts.Aggressiveness > 5 {
		return opts, fmt.Errorf("%w: aggressiveness %d outside 1..5", domain.ErrInvalidArgument, opts.Aggressiveness)
	}
	return opts, nil
}

// Analyze runs one full dry-run analysis over the snapshot and returns every
// migration recommendation together with the diagnostics accumulated along
// the way. The snapshot is never mutated. A structurally broken cluster is
// skipped with diagnostics; it never aborts the rest of the run.
func (e *Engine) Analyze(inv *domain.Inventory, opts domain.AnalysisOptions) (*domain.AnalysisResult, error) {
	if inv == nil {
		return nil, fmt.Errorf("%w: nil inventory", domain.ErrInvalidArgument)
	}
	opts, err := e.normalizeOptions(opts)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	result := &domain.AnalysisResult{}

	for _, cs := range inv.Clusters {
		if !opts.WantsCluster(cs.Name) {
			continue
		}
		result.ClustersTotal++

		if diags := validateSnapshot(cs); len(diags) > 0 {
			result.ClustersSkipped++
			result.Diagnostics = append(result.Diagnostics, diags...)
			e.logger.Warn("Skipping structurally invalid cluster",
				zap.String("cluster", cs.Name),
				zap.Int("problems", len(diags)),
			)
			continue
		}

		recs, diags := e.analyzeCluster(cs, opts)
		result.Recommendations = append(result.Recommendations, recs...)
		result.Diagnostics = append(result.Diagnostics, diags...)
	}

	// A record without both a VM and a destination is not actionable and
	// must never reach a consumer.
	kept := result.Recommendations[:0]
	for _, rec := range result.Recommendations {
		if rec.IsComplete() {
			kept = append(kept, rec)
		}
	}
	result.Recommendations = kept

	e.logger.Info("Analysis complete",
		zap.Duration("duration", time.Since(start)),
		zap.Int("clusters", result.ClustersTotal),
		zap.Int("clusters_skipped", result.ClustersSkipped),
		zap.Int("recommendations", len(result.Recommendations)),
		zap.Int("diagnostics", len(result.Diagnostics)),
	)

	return result, nil
}

// analyzeCluster runs the pipeline for one cluster: rule indexing,
// maintenance evacuation, the standard utilization pass, and optionally the
// count balancer. Output order is evacuations, then keep-together and
// rebalance moves, then load-balancing moves.
func (e *Engine) analyzeCluster(cs *domain.ClusterSnapshot, opts domain.AnalysisOptions) ([]*domain.Recommendation, []domain.Diagnostic) {
	idx, diags := newRuleIndex(cs, e.logger)
	ev := newEvaluator(idx, opts.BypassRules)

	// Hosts in any other connection state are neither evacuation sources
	// nor destinations; their VMs stay where they are.
	var connected, maintenance []*domain.Host
	for _, h := range cs.Hosts {
		switch {
		case h.InMaintenance():
			maintenance = append(maintenance, h)
		case h.IsConnected():
			connected = append(connected, h)
		}
	}

	recs, evacDiags := e.planEvacuations(cs, maintenance, connected, ev)
	diags = append(diags, evacDiags...)

	// One recommendation per VM per run. Evacuated VMs are settled and are
	// off the table for the later passes.
	moved := make(map[string]bool, len(recs))
	for _, rec := range recs {
		moved[rec.VMName] = true
	}

	if len(connected) < 2 {
		diags = append(diags, domain.Diagnostic{
			Cluster: cs.Name,
			Subject: cs.Name,
			Message: fmt.Sprintf("cluster %q has %d connected hosts; standard analysis needs at least 2", cs.Name, len(connected)),
		})
	} else {
		load := AnalyzeUtilization(connected, opts.Aggressiveness)
		if len(load.Overutilized) > 0 && len(load.Underutilized) > 0 {
			placed, placeDiags := e.placeStandard(cs, load, ev, moved)
			recs = append(recs, placed...)
			diags = append(diags, placeDiags...)
		} else {
			e.logger.Debug("No standard placement needed",
				zap.String("cluster", cs.Name),
				zap.Int("overutilized", len(load.Overutilized)),
				zap.Int("underutilized", len(load.Underutilized)),
			)
		}
	}

	if opts.BalanceMode {
		recs = append(recs, e.balanceCounts(cs, connected, ev, moved)...)
	}

	return recs, diags
}

// validateSnapshot rejects snapshots the solvers cannot reason about:
// duplicate host or VM names, or a VM referencing a host absent from the
// cluster. A VM with no host at all is fine, it is simply not resident
// anywhere.
func validateSnapshot(cs *domain.ClusterSnapshot) []domain.Diagnostic {
	var diags []domain.Diagnostic

	hosts := make(map[string]bool, len(cs.Hosts))
	for _, h := range cs.Hosts {
		if hosts[h.Name] {
			diags = append(diags, domain.Diagnostic{
				Cluster: cs.Name,
				Subject: h.Name,
				Message: fmt.Sprintf("duplicate host name %q in cluster snapshot", h.Name),
			})
		}
		hosts[h.Name] = true
	}

	vms := make(map[string]bool, len(cs.VMs))
	for _, vm := range cs.VMs {
		if vms[vm.Name] {
			diags = append(diags, domain.Diagnostic{
				Cluster: cs.Name,
				Subject: vm.Name,
				Message: fmt.Sprintf("duplicate VM name %q in cluster snapshot", vm.Name),
			})
		}
		vms[vm.Name] = true

		if vm.Host != "" && !hosts[vm.Host] {
			diags = append(diags, domain.Diagnostic{
				Cluster: cs.Name,
				Subject: vm.Name,
				Message: fmt.Sprintf("VM %q references unknown host %q", vm.Name, vm.Host),
			})
		}
	}

	return diags
}

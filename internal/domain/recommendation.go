package domain

import "time"

// RecommendationReason classifies why a migration is being recommended.
type RecommendationReason string

const (
	// ReasonMaintenanceEvacuation moves a VM off a host that is in, or
	// entering, maintenance mode.
	ReasonMaintenanceEvacuation RecommendationReason = "MaintenanceEvacuation"
	// ReasonKeepTogetherMigration moves a VM as part of an affinity group
	// relocating to a common host.
	ReasonKeepTogetherMigration RecommendationReason = "KeepTogetherMigration"
	// ReasonRebalance moves a VM off an over-utilized host.
	ReasonRebalance RecommendationReason = "Rebalance"
	// ReasonLoadBalancing moves a VM to equalize per-host VM counts.
	ReasonLoadBalancing RecommendationReason = "LoadBalancing"
)

// Valid reports whether the reason is one of the known values.
func (r RecommendationReason) Valid() bool {
	switch r {
	case ReasonMaintenanceEvacuation, ReasonKeepTogetherMigration, ReasonRebalance, ReasonLoadBalancing:
		return true
	}
	return false
}

// HostUtilization is a CPU/memory utilization pair captured at analysis time.
type HostUtilization struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemPercent float64 `json:"mem_percent"`
}

// Recommendation is one proposed VM-to-host migration. It is immutable once
// created. Utilization snapshots are nil for evacuation and load-balancing
// reasons, where resource utilization played no part in the decision.
type Recommendation struct {
	ID                     string               `json:"id"`
	Cluster                string               `json:"cluster"`
	VMName                 string               `json:"vm_name"`
	Reason                 RecommendationReason `json:"reason"`
	SourceHost             string               `json:"source_host"`
	SourceUtilization      *HostUtilization     `json:"source_utilization,omitempty"`
	DestinationHost        string               `json:"destination_host"`
	DestinationUtilization *HostUtilization     `json:"destination_utilization,omitempty"`
	CreatedAt              time.Time            `json:"created_at"`
}

// IsComplete reports whether the record carries the mandatory fields.
// Incomplete records are dropped by the aggregator's final filter.
func (r *Recommendation) IsComplete() bool {
	return r.VMName != "" && r.DestinationHost != ""
}

// Diagnostic is a non-fatal condition encountered during analysis: a skipped
// cluster, an unplaceable VM or group, an unresolvable rule reference. The
// engine reports diagnostics instead of aborting the run.
type Diagnostic struct {
	Cluster string `json:"cluster"`
	Subject string `json:"subject,omitempty"`
	Message string `json:"message"`
}

// AnalysisOptions is the configuration surface the engine consumes for one
// run. Zero-valued fields fall back to defaults (aggressiveness 3, rules
// enforced, balancing off, all clusters).
type AnalysisOptions struct {
	Aggressiveness int      `json:"aggressiveness"`
	BypassRules    bool     `json:"bypass_rules"`
	BalanceMode    bool     `json:"balance_mode"`
	Clusters       []string `json:"clusters,omitempty"`
}

// WantsCluster reports whether the cluster-name filter admits the cluster.
// An empty filter admits every cluster.
func (o AnalysisOptions) WantsCluster(name string) bool {
	if len(o.Clusters) == 0 {
		return true
	}
	for _, c := range o.Clusters {
		if c == name {
			return true
		}
	}
	return false
}

// AnalysisResult is the outcome of analyzing one inventory snapshot:
// the ordered recommendation list plus every diagnostic raised on the way.
type AnalysisResult struct {
	Recommendations []*Recommendation `json:"recommendations"`
	Diagnostics     []Diagnostic      `json:"diagnostics,omitempty"`
	ClustersTotal   int               `json:"clusters_total"`
	ClustersSkipped int               `json:"clusters_skipped"`
}

// AnalysisRun is a persisted record of one engine invocation.
type AnalysisRun struct {
	ID              string          `json:"id"`
	Options         AnalysisOptions `json:"options"`
	StartedAt       time.Time       `json:"started_at"`
	CompletedAt     time.Time       `json:"completed_at"`
	ClustersTotal   int             `json:"clusters_total"`
	ClustersSkipped int             `json:"clusters_skipped"`
	Recommendations int             `json:"recommendations"`
	Diagnostics     []Diagnostic    `json:"diagnostics,omitempty"`
}

// RecommendationFilter selects stored recommendations. Zero-valued fields
// match everything.
type RecommendationFilter struct {
	RunID   string
	Cluster string
	Reason  RecommendationReason
	Limit   int
}

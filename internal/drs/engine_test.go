// Package drs tests cover the recommendation engine end to end: analysis
// classification, constraint checks, evacuation, placement, and balancing.
package drs

import (
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/nerdCopter/OpenDRS/internal/config"
	"github.com/nerdCopter/OpenDRS/internal/domain"
)

func testEngine(t *testing.T) *Engine {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	e, err := NewEngine(config.EngineConfig{InfraVMPattern: "^vCLS"}, logger)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	return e
}

// testHost builds a host with 10000 MHz CPU and 100 GB memory capacity, so
// used values read directly as percentages (9000 MHz = 90%, 70 GB = 70%).
func testHost(name string, state domain.HostConnectionState, cpuUsedMHz, memUsedGB float64) *domain.Host {
	return &domain.Host{
		Name:           name,
		State:          state,
		CPUCapacityMHz: 10000,
		CPUUsedMHz:     cpuUsedMHz,
		MemCapacityGB:  100,
		MemUsedGB:      memUsedGB,
	}
}

func testVM(name, host string, cpuUsedMHz, memUsedGB float64) *domain.VM {
	return &domain.VM{
		Name:       name,
		Host:       host,
		Power:      domain.PowerStateOn,
		CPUUsedMHz: cpuUsedMHz,
		MemUsedGB:  memUsedGB,
	}
}

func TestNewEngine_InvalidPattern(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	if _, err := NewEngine(config.EngineConfig{InfraVMPattern: "["}, logger); err == nil {
		t.Fatal("expected error for an invalid infrastructure VM pattern")
	}
}

func TestEngine_Analyze_NilInventory(t *testing.T) {
	e := testEngine(t)
	if _, err := e.Analyze(nil, domain.AnalysisOptions{}); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("err = %v, want ErrInvalidArgument", err)
	}
}

func TestEngine_Analyze_AggressivenessBounds(t *testing.T) {
	e := testEngine(t)
	inv := &domain.Inventory{}

	if _, err := e.Analyze(inv, domain.AnalysisOptions{Aggressiveness: 7}); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Errorf("level 7: err = %v, want ErrInvalidArgument", err)
	}
	if _, err := e.Analyze(inv, domain.AnalysisOptions{Aggressiveness: -1}); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Errorf("level -1: err = %v, want ErrInvalidArgument", err)
	}

	// Zero means "use the default" and is fine.
	if _, err := e.Analyze(inv, domain.AnalysisOptions{}); err != nil {
		t.Errorf("level 0: unexpected error %v", err)
	}
}

func TestEngine_Analyze_PassOrdering(t *testing.T) {
	// One cluster exercising all three passes: a maintenance host to drain,
	// an over/under pair to rebalance, and lopsided VM counts to even out.
	cs := &domain.ClusterSnapshot{
		Name: "prod",
		Hosts: []*domain.Host{
			testHost("esx-maint", domain.HostStateMaintenance, 1000, 10),
			testHost("esx-01", domain.HostStateConnected, 9000, 70),
			testHost("esx-02", domain.HostStateConnected, 2000, 20),
			testHost("esx-03", domain.HostStateConnected, 3000, 30),
		},
		VMs: []*domain.VM{
			testVM("evac-1", "esx-maint", 500, 4),
			testVM("hot-1", "esx-01", 3000, 20),
			testVM("hot-2", "esx-01", 2500, 15),
			testVM("hot-3", "esx-01", 2000, 15),
			testVM("hot-4", "esx-01", 1500, 20),
		},
	}
	inv := &domain.Inventory{Clusters: []*domain.ClusterSnapshot{cs}}

	e := testEngine(t)
	result, err := e.Analyze(inv, domain.AnalysisOptions{Aggressiveness: 3, BalanceMode: true})
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}

	if result.ClustersTotal != 1 || result.ClustersSkipped != 0 {
		t.Errorf("clusters total/skipped = %d/%d, want 1/0", result.ClustersTotal, result.ClustersSkipped)
	}
	if len(result.Recommendations) == 0 {
		t.Fatal("no recommendations produced")
	}

	// Evacuations first, then rebalancing, then load balancing.
	rank := map[domain.RecommendationReason]int{
		domain.ReasonMaintenanceEvacuation: 0,
		domain.ReasonKeepTogetherMigration: 1,
		domain.ReasonRebalance:             1,
		domain.ReasonLoadBalancing:         2,
	}
	last := -1
	seen := make(map[domain.RecommendationReason]bool)
	for i, rec := range result.Recommendations {
		r, ok := rank[rec.Reason]
		if !ok {
			t.Fatalf("rec[%d] has unknown reason %s", i, rec.Reason)
		}
		if r < last {
			t.Errorf("rec[%d] (%s) out of order", i, rec.Reason)
		}
		last = r
		seen[rec.Reason] = true

		if !rec.IsComplete() {
			t.Errorf("rec[%d] incomplete: %+v", i, rec)
		}
	}
	if !seen[domain.ReasonMaintenanceEvacuation] {
		t.Error("no evacuation recommendation for the maintenance host")
	}
	if !seen[domain.ReasonRebalance] {
		t.Error("no rebalance recommendation for the over-utilized host")
	}

	// evac-1 settled during evacuation; nothing else may touch it.
	var evacRecs int
	for _, rec := range result.Recommendations {
		if rec.VMName == "evac-1" {
			evacRecs++
		}
	}
	if evacRecs != 1 {
		t.Errorf("evac-1 appears in %d recommendations, want exactly 1", evacRecs)
	}
}

func TestEngine_Analyze_ClusterFilter(t *testing.T) {
	inv := &domain.Inventory{Clusters: []*domain.ClusterSnapshot{
		balancedCluster("alpha"),
		balancedCluster("beta"),
	}}

	e := testEngine(t)
	result, err := e.Analyze(inv, domain.AnalysisOptions{Aggressiveness: 3, Clusters: []string{"beta"}})
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}
	if result.ClustersTotal != 1 {
		t.Errorf("ClustersTotal = %d, want 1 after filtering", result.ClustersTotal)
	}
}

func TestEngine_Analyze_BalancedClusterIsQuiet(t *testing.T) {
	inv := &domain.Inventory{Clusters: []*domain.ClusterSnapshot{balancedCluster("prod")}}

	e := testEngine(t)
	result, err := e.Analyze(inv, domain.AnalysisOptions{Aggressiveness: 3})
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}
	if len(result.Recommendations) != 0 {
		t.Errorf("recommendations = %d, want none for a balanced cluster", len(result.Recommendations))
	}
	if len(result.Diagnostics) != 0 {
		t.Errorf("diagnostics = %v, want none", result.Diagnostics)
	}
}

func TestEngine_Analyze_SingleConnectedHost(t *testing.T) {
	cs := &domain.ClusterSnapshot{
		Name:  "edge",
		Hosts: []*domain.Host{testHost("esx-01", domain.HostStateConnected, 9000, 90)},
		VMs:   []*domain.VM{testVM("vm-a", "esx-01", 4000, 40)},
	}
	inv := &domain.Inventory{Clusters: []*domain.ClusterSnapshot{cs}}

	e := testEngine(t)
	result, err := e.Analyze(inv, domain.AnalysisOptions{Aggressiveness: 3})
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}

	if len(result.Recommendations) != 0 {
		t.Errorf("recommendations = %d, want none", len(result.Recommendations))
	}
	if len(result.Diagnostics) != 1 {
		t.Fatalf("diagnostics = %v, want the too-few-hosts report", result.Diagnostics)
	}
	if result.ClustersSkipped != 0 {
		t.Errorf("ClustersSkipped = %d, a small cluster is reported, not skipped", result.ClustersSkipped)
	}
}

func TestEngine_Analyze_SkipsBrokenClusterOnly(t *testing.T) {
	broken := &domain.ClusterSnapshot{
		Name: "broken",
		Hosts: []*domain.Host{
			testHost("esx-01", domain.HostStateConnected, 5000, 50),
			testHost("esx-01", domain.HostStateConnected, 5000, 50),
		},
	}
	healthy := &domain.ClusterSnapshot{
		Name: "healthy",
		Hosts: []*domain.Host{
			testHost("esx-10", domain.HostStateMaintenance, 1000, 10),
			testHost("esx-11", domain.HostStateConnected, 2000, 20),
			testHost("esx-12", domain.HostStateConnected, 2000, 20),
		},
		VMs: []*domain.VM{testVM("vm-a", "esx-10", 500, 4)},
	}
	inv := &domain.Inventory{Clusters: []*domain.ClusterSnapshot{broken, healthy}}

	e := testEngine(t)
	result, err := e.Analyze(inv, domain.AnalysisOptions{Aggressiveness: 3})
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}

	if result.ClustersTotal != 2 || result.ClustersSkipped != 1 {
		t.Errorf("clusters total/skipped = %d/%d, want 2/1", result.ClustersTotal, result.ClustersSkipped)
	}
	if len(result.Recommendations) != 1 || result.Recommendations[0].Cluster != "healthy" {
		t.Errorf("recommendations = %+v, want the healthy cluster's evacuation only", result.Recommendations)
	}
}

func TestValidateSnapshot(t *testing.T) {
	tests := []struct {
		name     string
		snapshot *domain.ClusterSnapshot
		want     int
	}{
		{
			"clean",
			&domain.ClusterSnapshot{
				Name:  "c",
				Hosts: []*domain.Host{testHost("h1", domain.HostStateConnected, 0, 0)},
				VMs:   []*domain.VM{testVM("v1", "h1", 0, 0)},
			},
			0,
		},
		{
			"duplicate host",
			&domain.ClusterSnapshot{
				Name: "c",
				Hosts: []*domain.Host{
					testHost("h1", domain.HostStateConnected, 0, 0),
					testHost("h1", domain.HostStateConnected, 0, 0),
				},
			},
			1,
		},
		{
			"duplicate vm",
			&domain.ClusterSnapshot{
				Name:  "c",
				Hosts: []*domain.Host{testHost("h1", domain.HostStateConnected, 0, 0)},
				VMs:   []*domain.VM{testVM("v1", "h1", 0, 0), testVM("v1", "h1", 0, 0)},
			},
			1,
		},
		{
			"vm on unknown host",
			&domain.ClusterSnapshot{
				Name:  "c",
				Hosts: []*domain.Host{testHost("h1", domain.HostStateConnected, 0, 0)},
				VMs:   []*domain.VM{testVM("v1", "h9", 0, 0)},
			},
			1,
		},
		{
			"homeless vm allowed",
			&domain.ClusterSnapshot{
				Name:  "c",
				Hosts: []*domain.Host{testHost("h1", domain.HostStateConnected, 0, 0)},
				VMs:   []*domain.VM{testVM("v1", "", 0, 0)},
			},
			0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := validateSnapshot(tt.snapshot); len(got) != tt.want {
				t.Errorf("diagnostics = %v, want %d", got, tt.want)
			}
		})
	}
}

// balancedCluster has three identical hosts: no over- or under-utilization.
func balancedCluster(name string) *domain.ClusterSnapshot {
	return &domain.ClusterSnapshot{
		Name: name,
		Hosts: []*domain.Host{
			testHost(name+"-esx-01", domain.HostStateConnected, 5000, 50),
			testHost(name+"-esx-02", domain.HostStateConnected, 5000, 50),
			testHost(name+"-esx-03", domain.HostStateConnected, 5000, 50),
		},
		VMs: []*domain.VM{
			testVM(name+"-vm-1", name+"-esx-01", 2000, 20),
			testVM(name+"-vm-2", name+"-esx-02", 2000, 20),
			testVM(name+"-vm-3", name+"-esx-03", 2000, 20),
		},
	}
}

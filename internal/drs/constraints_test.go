package drs

import (
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/nerdCopter/OpenDRS/internal/domain"
)

func separateCluster() *domain.ClusterSnapshot {
	return &domain.ClusterSnapshot{
		Name: "prod",
		Hosts: []*domain.Host{
			testHost("esx-01", domain.HostStateConnected, 5000, 50),
			testHost("esx-02", domain.HostStateConnected, 5000, 50),
			testHost("esx-03", domain.HostStateConnected, 5000, 50),
		},
		VMs: []*domain.VM{
			testVM("db-01", "esx-01", 1000, 8),
			testVM("db-02", "esx-02", 1000, 8),
			testVM("web-01", "esx-03", 500, 4),
		},
		AffinityRules: []*domain.AffinityRule{
			{Name: "db-anti-affinity", Kind: domain.AffinitySeparate, VMGroup: "databases", Enabled: true},
		},
		VMGroups: []*domain.VMGroup{
			{Name: "databases", VMs: []string{"db-01", "db-02"}},
		},
	}
}

func TestEvaluator_SeparateRule(t *testing.T) {
	cs := separateCluster()
	logger, _ := zap.NewDevelopment()
	idx, diags := newRuleIndex(cs, logger)
	if len(diags) != 0 {
		t.Fatalf("unexpected diagnostics: %v", diags)
	}

	ev := newEvaluator(idx, false)
	db1 := cs.FindVM("db-01")

	if ev.canPlace([]*domain.VM{db1}, cs.FindHost("esx-02")) {
		t.Error("placement onto esx-02 allowed, but db-02 already lives there")
	}
	if !ev.canPlace([]*domain.VM{db1}, cs.FindHost("esx-03")) {
		t.Error("placement onto esx-03 rejected, no rule forbids it")
	}
}

func TestEvaluator_SeparateSeesProposedPlacements(t *testing.T) {
	cs := separateCluster()
	logger, _ := zap.NewDevelopment()
	idx, _ := newRuleIndex(cs, logger)
	ev := newEvaluator(idx, false)

	// Recommend db-02 onto esx-03 first; db-01 must then be kept away
	// even though the snapshot still shows db-02 on esx-02.
	ev.commit("esx-03", []*domain.VM{cs.FindVM("db-02")})

	if ev.canPlace([]*domain.VM{cs.FindVM("db-01")}, cs.FindHost("esx-03")) {
		t.Error("placement ignored a pending recommendation onto the same host")
	}
}

func TestEvaluator_SeparateRejectsWholeGroup(t *testing.T) {
	cs := separateCluster()
	logger, _ := zap.NewDevelopment()
	idx, _ := newRuleIndex(cs, logger)
	ev := newEvaluator(idx, false)

	both := []*domain.VM{cs.FindVM("db-01"), cs.FindVM("db-02")}
	if ev.canPlace(both, cs.FindHost("esx-03")) {
		t.Error("placing both anti-affinity members on one host was allowed")
	}
}

func TestEvaluator_Bypass(t *testing.T) {
	cs := separateCluster()
	logger, _ := zap.NewDevelopment()
	idx, _ := newRuleIndex(cs, logger)
	ev := newEvaluator(idx, true)

	if !ev.canPlace([]*domain.VM{cs.FindVM("db-01")}, cs.FindHost("esx-02")) {
		t.Error("bypass mode still enforced the separate rule")
	}
}

func TestEvaluator_VMHostRules(t *testing.T) {
	cs := &domain.ClusterSnapshot{
		Name: "prod",
		Hosts: []*domain.Host{
			testHost("esx-01", domain.HostStateConnected, 5000, 50),
			testHost("esx-02", domain.HostStateConnected, 5000, 50),
			testHost("esx-03", domain.HostStateConnected, 5000, 50),
		},
		VMs: []*domain.VM{
			testVM("licensed-01", "esx-01", 1000, 8),
			testVM("floating-01", "esx-01", 1000, 8),
		},
		VMHostRules: []*domain.VMHostRule{
			{Name: "license-pin", Type: domain.VMHostRuleRequired, VMGroup: "licensed", HostGroup: "licensed-hosts", Enabled: true},
			{Name: "no-dmz", Type: domain.VMHostRuleForbidden, VMGroup: "floating", HostGroup: "dmz-hosts", Enabled: true},
		},
		VMGroups: []*domain.VMGroup{
			{Name: "licensed", VMs: []string{"licensed-01"}},
			{Name: "floating", VMs: []string{"floating-01"}},
		},
		HostGroups: []*domain.HostGroup{
			{Name: "licensed-hosts", Hosts: []string{"esx-01", "esx-02"}},
			{Name: "dmz-hosts", Hosts: []string{"esx-03"}},
		},
	}

	logger, _ := zap.NewDevelopment()
	idx, diags := newRuleIndex(cs, logger)
	if len(diags) != 0 {
		t.Fatalf("unexpected diagnostics: %v", diags)
	}
	ev := newEvaluator(idx, false)

	licensed := cs.FindVM("licensed-01")
	if !ev.canPlace([]*domain.VM{licensed}, cs.FindHost("esx-02")) {
		t.Error("required host group member esx-02 rejected")
	}
	if ev.canPlace([]*domain.VM{licensed}, cs.FindHost("esx-03")) {
		t.Error("host outside the required group accepted")
	}

	floating := cs.FindVM("floating-01")
	if ev.canPlace([]*domain.VM{floating}, cs.FindHost("esx-03")) {
		t.Error("forbidden host accepted")
	}
	if !ev.canPlace([]*domain.VM{floating}, cs.FindHost("esx-02")) {
		t.Error("unconstrained host rejected")
	}
}

func TestRuleIndex_UnresolvedGroupIgnoresRule(t *testing.T) {
	cs := separateCluster()
	cs.AffinityRules = append(cs.AffinityRules, &domain.AffinityRule{
		Name: "ghost-rule", Kind: domain.AffinitySeparate, VMGroup: "no-such-group", Enabled: true,
	})

	logger, _ := zap.NewDevelopment()
	idx, diags := newRuleIndex(cs, logger)

	if len(diags) != 1 || !strings.Contains(diags[0].Message, "no-such-group") {
		t.Fatalf("diagnostics = %v, want one naming the unknown group", diags)
	}
	if len(idx.separate) != 1 {
		t.Errorf("separate rules = %d, want only the resolvable one", len(idx.separate))
	}
}

func TestRuleIndex_DisabledRulesSkipped(t *testing.T) {
	cs := separateCluster()
	cs.AffinityRules[0].Enabled = false

	logger, _ := zap.NewDevelopment()
	idx, diags := newRuleIndex(cs, logger)
	if len(diags) != 0 {
		t.Fatalf("unexpected diagnostics: %v", diags)
	}

	ev := newEvaluator(idx, false)
	if !ev.canPlace([]*domain.VM{cs.FindVM("db-01")}, cs.FindHost("esx-02")) {
		t.Error("disabled rule still enforced")
	}
	if idx.subjectToRule("db-01") {
		t.Error("VM counted as ruled by a disabled rule")
	}
}

func TestRuleIndex_ContradictionReported(t *testing.T) {
	cs := &domain.ClusterSnapshot{
		Name: "prod",
		Hosts: []*domain.Host{
			testHost("esx-01", domain.HostStateConnected, 5000, 50),
			testHost("esx-02", domain.HostStateConnected, 5000, 50),
		},
		VMs: []*domain.VM{testVM("app-01", "esx-02", 1000, 8)},
		VMHostRules: []*domain.VMHostRule{
			{Name: "must-esx1", Type: domain.VMHostRuleRequired, VMGroup: "apps", HostGroup: "g1", Enabled: true},
			{Name: "never-esx1", Type: domain.VMHostRuleForbidden, VMGroup: "apps", HostGroup: "g1", Enabled: true},
		},
		VMGroups:   []*domain.VMGroup{{Name: "apps", VMs: []string{"app-01"}}},
		HostGroups: []*domain.HostGroup{{Name: "g1", Hosts: []string{"esx-01"}}},
	}

	logger, _ := zap.NewDevelopment()
	idx, diags := newRuleIndex(cs, logger)

	if len(diags) != 1 || !strings.Contains(diags[0].Message, "require and forbid") {
		t.Fatalf("diagnostics = %v, want one contradiction report", diags)
	}

	// Forbidden wins during evaluation.
	ev := newEvaluator(idx, false)
	if ev.canPlace([]*domain.VM{cs.FindVM("app-01")}, cs.FindHost("esx-01")) {
		t.Error("contradictory rules resolved in favor of the required side")
	}
}

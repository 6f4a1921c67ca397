package domain

// AffinityKind represents the kind of a VM-VM affinity rule.
type AffinityKind string

const (
	// AffinityKeepTogether requires all group members to co-reside on one host.
	AffinityKeepTogether AffinityKind = "KEEP_TOGETHER"
	// AffinitySeparate forbids two group members from co-residing on one host.
	AffinitySeparate AffinityKind = "SEPARATE"
)

// AffinityRule is a VM-VM placement constraint over a named VM group.
type AffinityRule struct {
	Name    string       `json:"name"`
	Kind    AffinityKind `json:"kind"`
	VMGroup string       `json:"vm_group"`
	Enabled bool         `json:"enabled"`
}

// VMHostRuleType denotes whether a VM-host rule requires or forbids
// residence on the referenced host group.
type VMHostRuleType string

const (
	// VMHostRuleRequired means group VMs must run on a host in the host group.
	VMHostRuleRequired VMHostRuleType = "REQUIRED"
	// VMHostRuleForbidden means group VMs must not run on a host in the host group.
	VMHostRuleForbidden VMHostRuleType = "FORBIDDEN"
)

// VMHostRule is a VM-to-host-group placement constraint. A required and a
// forbidden rule covering the same VM/host pair are contradictory; the
// evaluator reports the anomaly instead of crashing.
type VMHostRule struct {
	Name      string         `json:"name"`
	Type      VMHostRuleType `json:"type"`
	VMGroup   string         `json:"vm_group"`
	HostGroup string         `json:"host_group"`
	Enabled   bool           `json:"enabled"`
}

// VMGroup is a named, ordered set of VM names referenced by rules.
type VMGroup struct {
	Name string   `json:"name"`
	VMs  []string `json:"vms"`
}

// HostGroup is a named, ordered set of host names referenced by rules.
type HostGroup struct {
	Name  string   `json:"name"`
	Hosts []string `json:"hosts"`
}

package domain

import "time"

// ClusterSnapshot holds the point-in-time inventory of a single cluster:
// hosts, resident VMs, placement rules, and the groups the rules reference.
// It is passive data produced by an inventory provider; the engine never
// mutates it.
type ClusterSnapshot struct {
	Name          string          `json:"name"`
	Hosts         []*Host         `json:"hosts"`
	VMs           []*VM           `json:"vms"`
	AffinityRules []*AffinityRule `json:"affinity_rules,omitempty"`
	VMHostRules   []*VMHostRule   `json:"vm_host_rules,omitempty"`
	VMGroups      []*VMGroup      `json:"vm_groups,omitempty"`
	HostGroups    []*HostGroup    `json:"host_groups,omitempty"`
}

// VMsOnHost returns the VMs resident on the named host.
func (c *ClusterSnapshot) VMsOnHost(host string) []*VM {
	var vms []*VM
	for _, vm := range c.VMs {
		if vm.Host == host {
			vms = append(vms, vm)
		}
	}
	return vms
}

// FindHost returns the host with the given name, or nil.
func (c *ClusterSnapshot) FindHost(name string) *Host {
	for _, h := range c.Hosts {
		if h.Name == name {
			return h
		}
	}
	return nil
}

// FindVM returns the VM with the given name, or nil.
func (c *ClusterSnapshot) FindVM(name string) *VM {
	for _, vm := range c.VMs {
		if vm.Name == name {
			return vm
		}
	}
	return nil
}

// Inventory is one point-in-time snapshot of every cluster under analysis.
// All engine invocations consume a fresh Inventory; nothing persists between
// runs.
type Inventory struct {
	Clusters []*ClusterSnapshot `json:"clusters"`
	TakenAt  time.Time          `json:"taken_at"`
}

// FindCluster returns the cluster snapshot with the given name, or nil.
func (inv *Inventory) FindCluster(name string) *ClusterSnapshot {
	for _, c := range inv.Clusters {
		if c.Name == name {
			return c
		}
	}
	return nil
}

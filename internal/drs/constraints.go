package drs

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/nerdCopter/OpenDRS/internal/domain"
)

// separateRule is an enabled Separate rule with its member set resolved.
type separateRule struct {
	name    string
	members map[string]bool
}

// keepTogetherRule is an enabled KeepTogether rule with its members resolved
// to VMs present in the cluster, in group order.
type keepTogetherRule struct {
	name    string
	members []*domain.VM
}

// hostRule is an enabled VM-host rule with its host group resolved.
type hostRule struct {
	name  string
	typ   domain.VMHostRuleType
	hosts map[string]bool
}

// ruleIndex pre-resolves group references and indexes the cluster's enabled
// rules by the VM they affect, so placement checks avoid re-scanning the
// rule list per VM. Rules whose group references do not resolve are dropped
// with a diagnostic.
type ruleIndex struct {
	cluster string

	vmsByHost map[string][]*domain.VM

	separate     []*separateRule
	keepTogether []*keepTogetherRule
	hostRules    map[string][]*hostRule // VM name -> rules covering it

	// ruled marks VMs referenced by at least one enabled, resolved rule.
	ruled map[string]bool
}

// newRuleIndex builds the index for one cluster snapshot and reports every
// unresolvable or contradictory rule as a diagnostic.
func newRuleIndex(cs *domain.ClusterSnapshot, logger *zap.Logger) (*ruleIndex, []domain.Diagnostic) {
	idx := &ruleIndex{
		cluster:   cs.Name,
		vmsByHost: make(map[string][]*domain.VM),
		hostRules: make(map[string][]*hostRule),
		ruled:     make(map[string]bool),
	}
	var diags []domain.Diagnostic

	for _, vm := range cs.VMs {
		idx.vmsByHost[vm.Host] = append(idx.vmsByHost[vm.Host], vm)
	}

	vmGroups := make(map[string][]string, len(cs.VMGroups))
	for _, g := range cs.VMGroups {
		vmGroups[g.Name] = g.VMs
	}
	hostGroups := make(map[string]map[string]bool, len(cs.HostGroups))
	for _, g := range cs.HostGroups {
		set := make(map[string]bool, len(g.Hosts))
		for _, h := range g.Hosts {
			set[h] = true
		}
		hostGroups[g.Name] = set
	}

	vmByName := make(map[string]*domain.VM, len(cs.VMs))
	for _, vm := range cs.VMs {
		vmByName[vm.Name] = vm
	}

	for _, rule := range cs.AffinityRules {
		if !rule.Enabled {
			continue
		}
		members, ok := vmGroups[rule.VMGroup]
		if !ok {
			diags = append(diags, domain.Diagnostic{
				Cluster: cs.Name,
				Subject: rule.Name,
				Message: fmt.Sprintf("affinity rule %q references unknown VM group %q; rule ignored", rule.Name, rule.VMGroup),
			})
			logger.Warn("Ignoring affinity rule with unresolvable group",
				zap.String("rule", rule.Name),
				zap.String("vm_group", rule.VMGroup),
			)
			continue
		}

		switch rule.Kind {
		case domain.AffinitySeparate:
			sr := &separateRule{name: rule.Name, members: make(map[string]bool, len(members))}
			for _, m := range members {
				sr.members[m] = true
				idx.ruled[m] = true
			}
			idx.separate = append(idx.separate, sr)
		case domain.AffinityKeepTogether:
			kt := &keepTogetherRule{name: rule.Name}
			for _, m := range members {
				if vm, ok := vmByName[m]; ok {
					kt.members = append(kt.members, vm)
					idx.ruled[m] = true
				}
			}
			idx.keepTogether = append(idx.keepTogether, kt)
		default:
			diags = append(diags, domain.Diagnostic{
				Cluster: cs.Name,
				Subject: rule.Name,
				Message: fmt.Sprintf("affinity rule %q has unknown kind %q; rule ignored", rule.Name, rule.Kind),
			})
		}
	}

	for _, rule := range cs.VMHostRules {
		if !rule.Enabled {
			continue
		}
		members, ok := vmGroups[rule.VMGroup]
		if !ok {
			diags = append(diags, domain.Diagnostic{
				Cluster: cs.Name,
				Subject: rule.Name,
				Message: fmt.Sprintf("VM-host rule %q references unknown VM group %q; rule ignored", rule.Name, rule.VMGroup),
			})
			continue
		}
		hosts, ok := hostGroups[rule.HostGroup]
		if !ok {
			diags = append(diags, domain.Diagnostic{
				Cluster: cs.Name,
				Subject: rule.Name,
				Message: fmt.Sprintf("VM-host rule %q references unknown host group %q; rule ignored", rule.Name, rule.HostGroup),
			})
			continue
		}

		hr := &hostRule{name: rule.Name, typ: rule.Type, hosts: hosts}
		for _, m := range members {
			idx.hostRules[m] = append(idx.hostRules[m], hr)
			idx.ruled[m] = true
		}
	}

	diags = append(diags, idx.findContradictions()...)

	return idx, diags
}

// findContradictions reports VMs whose required and forbidden host rules
// overlap on at least one host. The contradiction is an anomaly in the rule
// set, not a reason to abort: forbidden still wins during evaluation.
func (idx *ruleIndex) findContradictions() []domain.Diagnostic {
	var diags []domain.Diagnostic
	for vm, rules := range idx.hostRules {
		var required, forbidden []*hostRule
		for _, r := range rules {
			if r.typ == domain.VMHostRuleRequired {
				required = append(required, r)
			} else {
				forbidden = append(forbidden, r)
			}
		}
		for _, req := range required {
			for _, forb := range forbidden {
				for host := range req.hosts {
					if forb.hosts[host] {
						diags = append(diags, domain.Diagnostic{
							Cluster: idx.cluster,
							Subject: vm,
							Message: fmt.Sprintf("VM %q: rules %q and %q both require and forbid host %q", vm, req.name, forb.name, host),
						})
						break
					}
				}
			}
		}
	}
	return diags
}

// subjectToRule reports whether any enabled, resolved rule covers the VM.
// Used to decide whether an unplaceable VM deserves a diagnostic.
func (idx *ruleIndex) subjectToRule(vm string) bool {
	return idx.ruled[vm]
}

// evaluator answers "can these VMs be placed on that host" against the rule
// index plus the placements already recommended earlier in the run. One
// evaluator serves one cluster's analysis and is never shared.
type evaluator struct {
	idx    *ruleIndex
	bypass bool

	// proposed maps destination host name to VM names already recommended
	// to move there this run, evacuations included.
	proposed map[string][]string
}

func newEvaluator(idx *ruleIndex, bypass bool) *evaluator {
	return &evaluator{
		idx:      idx,
		bypass:   bypass,
		proposed: make(map[string][]string),
	}
}

// canPlace checks the placement of vms (a single VM, or a keep-together
// group as one atomic unit) onto host. Capacity is checked separately by the
// callers that need it; this covers rule checks only.
func (ev *evaluator) canPlace(vms []*domain.VM, host *domain.Host) bool {
	if ev.bypass {
		return true
	}

	// Resident set if this placement proceeds: current VMs on the host,
	// plus earlier recommendations targeting it, plus the candidates.
	union := make(map[string]bool)
	for _, vm := range ev.idx.vmsByHost[host.Name] {
		union[vm.Name] = true
	}
	for _, name := range ev.proposed[host.Name] {
		union[name] = true
	}
	for _, vm := range vms {
		union[vm.Name] = true
	}

	for _, rule := range ev.idx.separate {
		present := 0
		for name := range union {
			if rule.members[name] {
				present++
				if present > 1 {
					return false
				}
			}
		}
	}

	for _, vm := range vms {
		var required []*hostRule
		for _, rule := range ev.idx.hostRules[vm.Name] {
			switch rule.typ {
			case domain.VMHostRuleForbidden:
				if rule.hosts[host.Name] {
					return false
				}
			case domain.VMHostRuleRequired:
				required = append(required, rule)
			}
		}
		if len(required) > 0 {
			allowed := false
			for _, rule := range required {
				if rule.hosts[host.Name] {
					allowed = true
					break
				}
			}
			if !allowed {
				return false
			}
		}
	}

	return true
}

// commit records an accepted placement so later checks in the same run see
// the destination's pending arrivals.
func (ev *evaluator) commit(host string, vms []*domain.VM) {
	for _, vm := range vms {
		ev.proposed[host] = append(ev.proposed[host], vm.Name)
	}
}

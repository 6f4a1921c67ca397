package drs

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nerdCopter/OpenDRS/internal/domain"
)

// fitsCapacity reports whether placing a combined incoming load on the host
// keeps its predicted utilization at or below the cluster thresholds.
func fitsCapacity(load *ClusterLoad, host *domain.Host, cpuMHz, memGB float64) bool {
	if host.CPUCapacityMHz <= 0 || host.MemCapacityGB <= 0 {
		return false
	}
	predictedCPU := (host.CPUUsedMHz + cpuMHz) / host.CPUCapacityMHz * 100
	predictedMem := (host.MemUsedGB + memGB) / host.MemCapacityGB * 100
	return predictedCPU <= load.ThresholdCPU && predictedMem <= load.ThresholdMem
}

// placeStandard relocates VMs off over-utilized hosts onto under-utilized
// ones: keep-together groups first, as atomic units, then the remaining VMs
// individually, largest first. Each destination host serves at most one
// placement and then leaves the pool. VMs already moved earlier in the run
// (evacuations) are not moved again.
func (e *Engine) placeStandard(cs *domain.ClusterSnapshot, load *ClusterLoad, ev *evaluator, moved map[string]bool) ([]*domain.Recommendation, []domain.Diagnostic) {
	var recs []*domain.Recommendation
	var diags []domain.Diagnostic

	pool := make([]HostLoad, len(load.Underutilized))
	copy(pool, load.Underutilized)

	overutilized := make(map[string]bool, len(load.Overutilized))
	for _, hl := range load.Overutilized {
		overutilized[hl.Host.Name] = true
	}

	takePool := func(i int) HostLoad {
		hl := pool[i]
		pool = append(pool[:i], pool[i+1:]...)
		return hl
	}

	// Keep-together pass: a group with any member on an over-utilized host
	// relocates as a whole or not at all.
	for _, rule := range ev.idx.keepTogether {
		var members []*domain.VM
		trigger := false
		for _, vm := range rule.members {
			if moved[vm.Name] {
				continue
			}
			members = append(members, vm)
			if overutilized[vm.Host] {
				trigger = true
			}
		}
		if !trigger || len(members) == 0 {
			continue
		}

		var demandCPU, demandMem float64
		for _, vm := range members {
			demandCPU += vm.CPUUsedMHz
			demandMem += vm.MemUsedGB
		}

		placed := false
		for i := range pool {
			hl := pool[i]
			if !fitsCapacity(load, hl.Host, demandCPU, demandMem) {
				continue
			}
			if !ev.canPlace(members, hl.Host) {
				continue
			}

			dest := takePool(i)
			for _, vm := range members {
				if vm.Host == dest.Host.Name {
					continue
				}
				recs = append(recs, &domain.Recommendation{
					ID:                     uuid.NewString(),
					Cluster:                cs.Name,
					VMName:                 vm.Name,
					Reason:                 domain.ReasonKeepTogetherMigration,
					SourceHost:             vm.Host,
					SourceUtilization:      hostUtilization(cs, load, vm.Host),
					DestinationHost:        dest.Host.Name,
					DestinationUtilization: dest.Utilization(),
					CreatedAt:              time.Now(),
				})
			}
			ev.commit(dest.Host.Name, members)
			for _, vm := range members {
				moved[vm.Name] = true
			}
			e.logger.Info("Planned keep-together migration",
				zap.String("cluster", cs.Name),
				zap.String("rule", rule.name),
				zap.String("destination", dest.Host.Name),
				zap.Int("vm_count", len(members)),
			)
			placed = true
			break
		}

		if !placed {
			diags = append(diags, domain.Diagnostic{
				Cluster: cs.Name,
				Subject: rule.name,
				Message: fmt.Sprintf("no destination satisfies keep-together group %q (%d VMs); group left in place", rule.name, len(members)),
			})
		}
	}

	// A keep-together group relocates in the group pass or not at all;
	// its members never move individually.
	grouped := make(map[string]bool)
	for _, rule := range ev.idx.keepTogether {
		for _, vm := range rule.members {
			grouped[vm.Name] = true
		}
	}

	// Individual pass: biggest offenders first, while destination capacity
	// is most available.
	var candidates []*domain.VM
	for _, hl := range load.Overutilized {
		for _, vm := range ev.idx.vmsByHost[hl.Host.Name] {
			if !moved[vm.Name] && !grouped[vm.Name] {
				candidates = append(candidates, vm)
			}
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].CPUUsedMHz != candidates[j].CPUUsedMHz {
			return candidates[i].CPUUsedMHz > candidates[j].CPUUsedMHz
		}
		return candidates[i].MemUsedGB > candidates[j].MemUsedGB
	})

	for _, vm := range candidates {
		if len(pool) == 0 {
			break
		}

		placed := false
		for i := range pool {
			hl := pool[i]
			if !fitsCapacity(load, hl.Host, vm.CPUUsedMHz, vm.MemUsedGB) {
				continue
			}
			if !ev.canPlace([]*domain.VM{vm}, hl.Host) {
				continue
			}

			dest := takePool(i)
			recs = append(recs, &domain.Recommendation{
				ID:                     uuid.NewString(),
				Cluster:                cs.Name,
				VMName:                 vm.Name,
				Reason:                 domain.ReasonRebalance,
				SourceHost:             vm.Host,
				SourceUtilization:      hostUtilization(cs, load, vm.Host),
				DestinationHost:        dest.Host.Name,
				DestinationUtilization: dest.Utilization(),
				CreatedAt:              time.Now(),
			})
			ev.commit(dest.Host.Name, []*domain.VM{vm})
			moved[vm.Name] = true
			placed = true
			break
		}

		// Lack of capacity alone is not worth a warning; a rule conflict is.
		if !placed && ev.idx.subjectToRule(vm.Name) {
			diags = append(diags, domain.Diagnostic{
				Cluster: cs.Name,
				Subject: vm.Name,
				Message: fmt.Sprintf("no destination satisfies placement rules for VM %q on over-utilized host %q", vm.Name, vm.Host),
			})
		}
	}

	return recs, diags
}

// hostUtilization captures the analysis-time utilization of the named host.
func hostUtilization(cs *domain.ClusterSnapshot, load *ClusterLoad, name string) *domain.HostUtilization {
	if hl := load.FindLoad(name); hl != nil {
		return hl.Utilization()
	}
	if h := cs.FindHost(name); h != nil {
		return &domain.HostUtilization{CPUPercent: h.CPUPercent(), MemPercent: h.MemPercent()}
	}
	return nil
}

package drs

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nerdCopter/OpenDRS/internal/domain"
)

// hostVMCount tracks one host's balancing state: the snapshot VM count, the
// count after planned moves, and the movable VMs it still holds.
type hostVMCount struct {
	host    *domain.Host
	count   int
	cur     int
	demand  int
	movable []*domain.VM
}

// balanceCounts equalizes the number of powered-on VMs per connected host,
// ignoring resource utilization entirely. Infrastructure service VMs are
// excluded from both counting and moving. With ideal = total/hosts, every
// host's count should land in [ideal, ideal] when the total divides evenly,
// else [ideal, ideal+1]. Hosts above the maximum shed down to it first;
// if hosts still sit below the minimum after that, the most loaded hosts
// keep shedding (never below the minimum) until no target remains short.
// Sources move their smallest VMs first, and every move honors the
// placement rules.
func (e *Engine) balanceCounts(cs *domain.ClusterSnapshot, pool []*domain.Host, ev *evaluator, moved map[string]bool) []*domain.Recommendation {
	if len(pool) == 0 {
		return nil
	}

	counts := make([]*hostVMCount, 0, len(pool))
	total := 0
	for _, host := range pool {
		hc := &hostVMCount{host: host}
		for _, vm := range cs.VMsOnHost(host.Name) {
			if !vm.IsPoweredOn() {
				continue
			}
			if e.infraVM != nil && e.infraVM.MatchString(vm.Name) {
				continue
			}
			hc.count++
			if !moved[vm.Name] {
				hc.movable = append(hc.movable, vm)
			}
		}
		hc.cur = hc.count
		// Smallest VMs first: the objective is count equalization, not
		// load-shedding, and small VMs are the cheapest to move.
		sort.SliceStable(hc.movable, func(i, j int) bool {
			if hc.movable[i].CPUUsedMHz != hc.movable[j].CPUUsedMHz {
				return hc.movable[i].CPUUsedMHz < hc.movable[j].CPUUsedMHz
			}
			return hc.movable[i].MemUsedGB < hc.movable[j].MemUsedGB
		})
		total += hc.count
		counts = append(counts, hc)
	}

	ideal := total / len(pool)
	remainder := total % len(pool)
	minAllowed := ideal
	maxAllowed := ideal
	if remainder > 0 {
		maxAllowed = ideal + 1
	}

	var sources, targets []*hostVMCount
	for _, hc := range counts {
		switch {
		case hc.cur > maxAllowed:
			sources = append(sources, hc)
		case hc.cur < minAllowed:
			hc.demand = minAllowed - hc.cur
			targets = append(targets, hc)
		}
	}

	// Already within range everywhere: a normal zero-recommendation outcome.
	if len(targets) == 0 {
		return nil
	}

	sort.SliceStable(sources, func(i, j int) bool {
		return sources[i].cur-maxAllowed > sources[j].cur-maxAllowed
	})
	sort.SliceStable(targets, func(i, j int) bool { return targets[i].demand > targets[j].demand })

	var recs []*domain.Recommendation

	shedOne := func(src *hostVMCount) bool {
		for vi, vm := range src.movable {
			for ti, tgt := range targets {
				if !ev.canPlace([]*domain.VM{vm}, tgt.host) {
					continue
				}

				recs = append(recs, &domain.Recommendation{
					ID:              uuid.NewString(),
					Cluster:         cs.Name,
					VMName:          vm.Name,
					Reason:          domain.ReasonLoadBalancing,
					SourceHost:      src.host.Name,
					DestinationHost: tgt.host.Name,
					CreatedAt:       time.Now(),
				})
				ev.commit(tgt.host.Name, []*domain.VM{vm})
				moved[vm.Name] = true

				src.movable = append(src.movable[:vi], src.movable[vi+1:]...)
				src.cur--
				tgt.cur++
				tgt.demand--
				if tgt.demand == 0 {
					targets = append(targets[:ti], targets[ti+1:]...)
				}
				return true
			}
		}
		return false
	}

	// First bring every source back under the allowed maximum.
	for _, src := range sources {
		for src.cur > maxAllowed && len(targets) > 0 {
			if !shedOne(src) {
				break
			}
		}
	}

	// Then keep draining the most loaded hosts, never below the minimum,
	// until no target remains short.
	for len(targets) > 0 {
		var over []*hostVMCount
		for _, hc := range counts {
			if hc.cur > minAllowed && len(hc.movable) > 0 {
				over = append(over, hc)
			}
		}
		sort.SliceStable(over, func(i, j int) bool { return over[i].cur > over[j].cur })

		progress := false
		for _, src := range over {
			if shedOne(src) {
				progress = true
				break
			}
		}
		if !progress {
			break
		}
	}

	if len(recs) > 0 {
		e.logger.Info("Planned count-based load balancing",
			zap.String("cluster", cs.Name),
			zap.Int("ideal_per_host", ideal),
			zap.Int("moves", len(recs)),
		)
	}

	return recs
}

package drs

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nerdCopter/OpenDRS/internal/domain"
)

// planEvacuations drains every host in, or entering, maintenance mode:
// each resident VM in any power state gets a MaintenanceEvacuation
// recommendation, spread round-robin across the connected host pool.
// Placement rules are deliberately not consulted — vacating a host that is
// about to go offline outranks placement preferences — but the chosen
// destinations are committed to the evaluator so later passes see them.
func (e *Engine) planEvacuations(cs *domain.ClusterSnapshot, maintenance, pool []*domain.Host, ev *evaluator) ([]*domain.Recommendation, []domain.Diagnostic) {
	var recs []*domain.Recommendation
	var diags []domain.Diagnostic

	counter := 0
	for _, host := range maintenance {
		vms := cs.VMsOnHost(host.Name)
		if len(vms) == 0 {
			continue
		}

		if len(pool) == 0 {
			diags = append(diags, domain.Diagnostic{
				Cluster: cs.Name,
				Subject: host.Name,
				Message: fmt.Sprintf("no connected hosts available to evacuate %q; %d VMs left in place", host.Name, len(vms)),
			})
			e.logger.Warn("Cannot evacuate maintenance host",
				zap.String("cluster", cs.Name),
				zap.String("host", host.Name),
				zap.Int("vm_count", len(vms)),
			)
			continue
		}

		for _, vm := range vms {
			dest := pool[counter%len(pool)]
			counter++

			recs = append(recs, &domain.Recommendation{
				ID:              uuid.NewString(),
				Cluster:         cs.Name,
				VMName:          vm.Name,
				Reason:          domain.ReasonMaintenanceEvacuation,
				SourceHost:      host.Name,
				DestinationHost: dest.Name,
				CreatedAt:       time.Now(),
			})
			ev.commit(dest.Name, []*domain.VM{vm})
		}

		e.logger.Info("Planned maintenance evacuation",
			zap.String("cluster", cs.Name),
			zap.String("host", host.Name),
			zap.Int("vm_count", len(vms)),
		)
	}

	return recs, diags
}

package drs

import (
	"math"
	"sort"

	"github.com/nerdCopter/OpenDRS/internal/domain"
)

// HostLoad pairs a host with its utilization percentages at analysis time.
type HostLoad struct {
	Host       *domain.Host
	CPUPercent float64
	MemPercent float64
}

// Utilization returns the load as a recommendation utilization snapshot.
func (l HostLoad) Utilization() *domain.HostUtilization {
	return &domain.HostUtilization{CPUPercent: l.CPUPercent, MemPercent: l.MemPercent}
}

// ClusterLoad is the outcome of utilization analysis over a cluster's
// eligible (connected, non-maintenance) hosts.
type ClusterLoad struct {
	Hosts []HostLoad

	MeanCPU   float64
	MeanMem   float64
	StdDevCPU float64
	StdDevMem float64

	// Over-utilization thresholds: mean + stddev * aggressiveness multiplier.
	ThresholdCPU float64
	ThresholdMem float64

	// Overutilized hosts exceed a threshold on CPU or memory, most loaded
	// first. Underutilized hosts sit below the mean on both metrics, least
	// loaded first.
	Overutilized  []HostLoad
	Underutilized []HostLoad
}

// Mean returns the arithmetic mean of values, or 0 for an empty slice.
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// SampleStdDev returns the sample standard deviation (N-1 divisor) of
// values. Fewer than two samples yield 0.
func SampleStdDev(values []float64) float64 {
	n := len(values)
	if n < 2 {
		return 0
	}
	mean := Mean(values)
	sum := 0.0
	for _, v := range values {
		d := v - mean
		sum += d * d
	}
	return math.Sqrt(sum / float64(n-1))
}

// ThresholdMultiplier maps an aggressiveness level (1 conservative .. 5
// aggressive) to the standard-deviation multiplier used for the
// over-utilization threshold. Higher aggressiveness lowers the threshold.
func ThresholdMultiplier(aggressiveness int) float64 {
	switch aggressiveness {
	case 1:
		return 1.5
	case 2:
		return 1.25
	case 3:
		return 1.0
	case 4:
		return 0.75
	case 5:
		return 0.5
	default:
		return 1.0
	}
}

// AnalyzeUtilization computes per-host CPU/memory percentages, the cluster
// mean and sample standard deviation for both metrics, the aggressiveness
// thresholds, and the over-/under-utilized host sets.
func AnalyzeUtilization(hosts []*domain.Host, aggressiveness int) *ClusterLoad {
	load := &ClusterLoad{}

	cpu := make([]float64, 0, len(hosts))
	mem := make([]float64, 0, len(hosts))
	for _, h := range hosts {
		hl := HostLoad{Host: h, CPUPercent: h.CPUPercent(), MemPercent: h.MemPercent()}
		load.Hosts = append(load.Hosts, hl)
		cpu = append(cpu, hl.CPUPercent)
		mem = append(mem, hl.MemPercent)
	}

	load.MeanCPU = Mean(cpu)
	load.MeanMem = Mean(mem)
	load.StdDevCPU = SampleStdDev(cpu)
	load.StdDevMem = SampleStdDev(mem)

	mult := ThresholdMultiplier(aggressiveness)
	load.ThresholdCPU = load.MeanCPU + load.StdDevCPU*mult
	load.ThresholdMem = load.MeanMem + load.StdDevMem*mult

	for _, hl := range load.Hosts {
		switch {
		case hl.CPUPercent > load.ThresholdCPU || hl.MemPercent > load.ThresholdMem:
			load.Overutilized = append(load.Overutilized, hl)
		case hl.CPUPercent < load.MeanCPU && hl.MemPercent < load.MeanMem:
			load.Underutilized = append(load.Underutilized, hl)
		}
	}

	// Most loaded sources first, most idle destinations first.
	sort.SliceStable(load.Overutilized, func(i, j int) bool {
		a, b := load.Overutilized[i], load.Overutilized[j]
		if a.CPUPercent != b.CPUPercent {
			return a.CPUPercent > b.CPUPercent
		}
		return a.MemPercent > b.MemPercent
	})
	sort.SliceStable(load.Underutilized, func(i, j int) bool {
		a, b := load.Underutilized[i], load.Underutilized[j]
		if a.CPUPercent != b.CPUPercent {
			return a.CPUPercent < b.CPUPercent
		}
		return a.MemPercent < b.MemPercent
	})

	return load
}

// FindLoad returns the load entry for the named host, or nil.
func (c *ClusterLoad) FindLoad(name string) *HostLoad {
	for i := range c.Hosts {
		if c.Hosts[i].Host.Name == name {
			return &c.Hosts[i]
		}
	}
	return nil
}

package domain

// HostConnectionState represents the connection state of a hypervisor host.
type HostConnectionState string

const (
	// HostStateConnected means the host is online and eligible for placement.
	HostStateConnected HostConnectionState = "CONNECTED"
	// HostStateMaintenance means the host is in maintenance mode.
	HostStateMaintenance HostConnectionState = "MAINTENANCE"
	// HostStateEnteringMaintenance means an enter-maintenance task is running
	// on the host. Treated like maintenance for placement purposes.
	HostStateEnteringMaintenance HostConnectionState = "ENTERING_MAINTENANCE"
)

// Host represents a hypervisor node in a cluster at snapshot time.
type Host struct {
	Name           string              `json:"name"`
	State          HostConnectionState `json:"state"`
	CPUCapacityMHz float64             `json:"cpu_capacity_mhz"`
	CPUUsedMHz     float64             `json:"cpu_used_mhz"`
	MemCapacityGB  float64             `json:"mem_capacity_gb"`
	MemUsedGB      float64             `json:"mem_used_gb"`
}

// IsConnected returns true if the host is online and not in any maintenance state.
func (h *Host) IsConnected() bool {
	return h.State == HostStateConnected
}

// InMaintenance returns true if the host is in maintenance mode or an
// enter-maintenance task is running on it.
func (h *Host) InMaintenance() bool {
	return h.State == HostStateMaintenance || h.State == HostStateEnteringMaintenance
}

// CPUPercent returns current CPU utilization as a percentage of capacity.
func (h *Host) CPUPercent() float64 {
	if h.CPUCapacityMHz <= 0 {
		return 0
	}
	return h.CPUUsedMHz / h.CPUCapacityMHz * 100
}

// MemPercent returns current memory utilization as a percentage of capacity.
func (h *Host) MemPercent() float64 {
	if h.MemCapacityGB <= 0 {
		return 0
	}
	return h.MemUsedGB / h.MemCapacityGB * 100
}

package domain

// PowerState represents the power state of a virtual machine.
type PowerState string

const (
	PowerStateOn  PowerState = "POWERED_ON"
	PowerStateOff PowerState = "POWERED_OFF"
)

// VM represents a virtual machine resident on exactly one host at snapshot time.
type VM struct {
	Name       string     `json:"name"`
	Host       string     `json:"host"`
	Power      PowerState `json:"power"`
	CPUUsedMHz float64    `json:"cpu_used_mhz"`
	MemUsedGB  float64    `json:"mem_used_gb"`
}

// IsPoweredOn returns true if the VM is powered on.
func (v *VM) IsPoweredOn() bool {
	return v.Power == PowerStateOn
}

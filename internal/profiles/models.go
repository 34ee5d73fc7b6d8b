package profiles

import (
	"math"
	"strings"
)

const gib = 1 << 30

// DeviceProfile describes the compute envelope of an emulated device class.
type DeviceProfile struct {
	Name            string  `json:"name"`
	Cores           int     `json:"cores"`
	RAMBytes        int64   `json:"ram_bytes"`
	FrequencyMHz    float64 `json:"frequency_mhz"`
	SingleCoreScore float64 `json:"single_core_score"`

	// Unconstrained marks the sentinel variant: the container gets the host's
	// resources and none of the numeric fields apply.
	Unconstrained bool `json:"unconstrained"`
}

// ResolvedDeviceSpec is a device profile with variance applied. It is drawn
// once per container and never changes afterwards.
type ResolvedDeviceSpec struct {
	DeviceProfile

	Base     DeviceProfile `json:"base"`
	Variance float64       `json:"variance"`
}

// NetworkProfile describes the quality of a container's access link.
type NetworkProfile struct {
	Name string `json:"name"`
	// BandwidthMbps of zero or less leaves the link rate unshaped.
	BandwidthMbps float64 `json:"bandwidth_mbps"`
	DelayMS       float64 `json:"delay_ms"`
	JitterMS      float64 `json:"jitter_ms"`
	LossPercent   float64 `json:"loss_percent"`

	Unconstrained bool `json:"unconstrained"`
}

// Shaped reports whether any link parameter needs to be programmed.
func (n NetworkProfile) Shaped() bool {
	if n.Unconstrained {
		return false
	}
	return n.BandwidthMbps > 0 || n.DelayMS > 0 || n.JitterMS > 0 || n.LossPercent > 0
}

// UnconstrainedDevice is the device returned for sentinel profile names.
func UnconstrainedDevice() DeviceProfile {
	return DeviceProfile{Name: "none", Unconstrained: true}
}

// UnconstrainedNetwork is the network returned for sentinel profile names.
func UnconstrainedNetwork() NetworkProfile {
	return NetworkProfile{Name: "none", Unconstrained: true}
}

// IsSentinel reports whether name selects the unconstrained variant.
func IsSentinel(name string) bool {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "none", "null", "nan":
		return true
	default:
		return false
	}
}

type metric struct {
	Typical float64   `yaml:"typical"`
	Range   []float64 `yaml:"range"`
}

// stddev follows the empirical rule: the range covers roughly 95% of draws.
func (m metric) stddev() float64 {
	if len(m.Range) == 2 && m.Range[1] > m.Range[0] {
		return (m.Range[1] - m.Range[0]) / 4
	}
	return 0.2 * math.Abs(m.Typical)
}

type deviceEntry struct {
	Cores           int     `yaml:"cores"`
	RAMGiB          float64 `yaml:"ram_gib"`
	FrequencyMHz    float64 `yaml:"freq_mhz"`
	SingleCoreScore float64 `yaml:"single_core_score"`
	Description     string  `yaml:"description,omitempty"`
}

func (e deviceEntry) profile(name string) DeviceProfile {
	return DeviceProfile{
		Name:            name,
		Cores:           e.Cores,
		RAMBytes:        int64(math.Round(e.RAMGiB * gib)),
		FrequencyMHz:    e.FrequencyMHz,
		SingleCoreScore: e.SingleCoreScore,
	}
}

type networkEntry struct {
	Bandwidth   metric `yaml:"bandwidth_mbps"`
	Delay       metric `yaml:"delay_ms"`
	Jitter      metric `yaml:"jitter_ms"`
	Loss        metric `yaml:"loss_percent"`
	Description string `yaml:"description,omitempty"`
}

func (e networkEntry) profile(name string) NetworkProfile {
	return NetworkProfile{
		Name:          name,
		BandwidthMbps: e.Bandwidth.Typical,
		DelayMS:       e.Delay.Typical,
		JitterMS:      e.Jitter.Typical,
		LossPercent:   e.Loss.Typical,
	}
}

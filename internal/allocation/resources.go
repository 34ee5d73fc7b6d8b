package allocation

import (
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/montanaflynn/stats"
)

// DefaultCPUPeriod is the CFS scheduling period in microseconds.
const DefaultCPUPeriod int64 = 100000

// Resources are container runtime limits derived from an assignment.
type Resources struct {
	CpusetCpus  string `json:"cpuset_cpus,omitempty"`
	CPUPeriod   int64  `json:"cpu_period,omitempty"`
	CPUQuota    int64  `json:"cpu_quota,omitempty"`
	CPUShares   int64  `json:"cpu_shares,omitempty"`
	NanoCPUs    int64  `json:"nano_cpus,omitempty"`
	MemoryBytes int64  `json:"memory_bytes,omitempty"`
}

// Resources translates the assignment into runtime limits. Unconstrained
// assignments produce the zero value, which means no limits.
func (a Assignment) Resources(period int64) Resources {
	if a.Unconstrained {
		return Resources{}
	}
	if period <= 0 {
		period = DefaultCPUPeriod
	}
	cpus := a.CPUs
	if cpus <= 0 {
		cpus = float64(a.EffectiveDemand)
	}
	return Resources{
		CpusetCpus:  FormatCPUSet(a.Cores),
		CPUPeriod:   period,
		CPUQuota:    int64(math.Round(float64(period) * cpus)),
		CPUShares:   int64(a.EffectiveDemand) * 1024,
		NanoCPUs:    int64(math.Round(cpus * 1e9)),
		MemoryBytes: a.RAMBytes,
	}
}

// FormatCPUSet renders core ids in the kernel's list syntax, e.g. "0-3,6".
func FormatCPUSet(cores []int) string {
	if len(cores) == 0 {
		return ""
	}
	sorted := slices.Clone(cores)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	var b strings.Builder
	start := sorted[0]
	prev := start
	flush := func() {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		if start == prev {
			b.WriteString(strconv.Itoa(start))
		} else {
			fmt.Fprintf(&b, "%d-%d", start, prev)
		}
	}
	for _, c := range sorted[1:] {
		if c == prev+1 {
			prev = c
			continue
		}
		flush()
		start, prev = c, c
	}
	flush()
	return b.String()
}

// ParseCPUSet parses the kernel's list syntax into sorted, unique core ids.
func ParseCPUSet(s string) ([]int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var cores []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		lo, hi, isRange := strings.Cut(part, "-")
		first, err := strconv.Atoi(strings.TrimSpace(lo))
		if err != nil || first < 0 {
			return nil, fmt.Errorf("invalid cpu list element %q", part)
		}
		last := first
		if isRange {
			last, err = strconv.Atoi(strings.TrimSpace(hi))
			if err != nil || last < first {
				return nil, fmt.Errorf("invalid cpu range %q", part)
			}
		}
		for c := first; c <= last; c++ {
			cores = append(cores, c)
		}
	}
	slices.Sort(cores)
	return slices.Compact(cores), nil
}

// Summary describes how loaded the host is after allocation.
type Summary struct {
	Outcome      Outcome `json:"outcome"`
	Constrained  int     `json:"constrained"`
	TotalDemand  int     `json:"total_demand"`
	HostCores    int     `json:"host_cores"`
	Utilization  float64 `json:"utilization"`
	DemandMean   float64 `json:"demand_mean"`
	DemandStdDev float64 `json:"demand_stddev"`
	DemandMax    float64 `json:"demand_max"`
	// CoreLoad counts the containers allowed to run on each host core.
	CoreLoad map[int]int `json:"core_load"`
}

// Summary computes load statistics for the result.
func (r Result) Summary() Summary {
	s := Summary{
		Outcome:     r.Outcome,
		TotalDemand: r.TotalDemand,
		HostCores:   r.HostCores,
		CoreLoad:    make(map[int]int),
	}
	var demands stats.Float64Data
	for _, a := range r.Assignments {
		if a.Unconstrained {
			continue
		}
		s.Constrained++
		demands = append(demands, float64(a.EffectiveDemand))
		for _, c := range a.Cores {
			s.CoreLoad[c]++
		}
	}
	if r.HostCores > 0 {
		s.Utilization = float64(r.TotalDemand) / float64(r.HostCores)
	}
	if len(demands) > 0 {
		s.DemandMean, _ = stats.Mean(demands)
		s.DemandStdDev, _ = stats.StandardDeviation(demands)
		s.DemandMax, _ = stats.Max(demands)
	}
	return s
}

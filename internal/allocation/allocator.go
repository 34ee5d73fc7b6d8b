package allocation

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"

	"github.com/cochaviz/testbed/internal/logging"
	"github.com/cochaviz/testbed/internal/profiles"
)

var (
	// ErrInvalidHostTopology is returned when the host has no usable cores.
	ErrInvalidHostTopology = errors.New("invalid host topology")
	// ErrDegenerateAllocation is returned when a constrained device would claim
	// no cores at all.
	ErrDegenerateAllocation = errors.New("degenerate allocation")
)

// DefaultHostScore is the single-core benchmark score assumed for the host
// when none is configured.
const DefaultHostScore = 1079

// DefaultSpreadThreshold is the fraction of host cores below which the auto
// policy pins containers to exclusive cores.
const DefaultSpreadThreshold = 0.8

// Mode selects the allocation policy for a run.
type Mode string

const (
	ModeAuto   Mode = "auto"
	ModeSpread Mode = "spread"
	ModeShare  Mode = "share"
)

// ParseMode accepts the textual policy names used in configuration files.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeAuto:
		return ModeAuto, nil
	case ModeSpread, ModeShare:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("unknown cpu allocation mode %q", s)
	}
}

// Outcome is the policy that was actually applied.
type Outcome string

const (
	OutcomeSpread Outcome = "spread"
	OutcomeShare  Outcome = "share"
	// OutcomeSpreadOverflow means spread was selected but host cores ran out;
	// the containers that did not fit share the full core set.
	OutcomeSpreadOverflow Outcome = "spread-overflow"
)

// Options configures a single allocation run.
type Options struct {
	HostCores int
	// CPUs optionally names the host core ids to use. When set, its length
	// must match HostCores (or HostCores may be left zero).
	CPUs             []int
	HostScore        float64
	Mode             Mode
	SpreadThreshold  float64
	AllowOverscaling bool

	Logger *slog.Logger
}

// DefaultOptions mirrors the defaults of experiment files.
func DefaultOptions(hostCores int) Options {
	return Options{
		HostCores:        hostCores,
		HostScore:        DefaultHostScore,
		Mode:             ModeAuto,
		SpreadThreshold:  DefaultSpreadThreshold,
		AllowOverscaling: true,
	}
}

// Assignment is the CPU placement of one container.
type Assignment struct {
	Index         int  `json:"index"`
	Unconstrained bool `json:"unconstrained"`
	// Cores are the host core ids the container may run on.
	Cores     []int `json:"cores,omitempty"`
	Exclusive bool  `json:"exclusive"`
	Overflow  bool  `json:"overflow,omitempty"`
	// Quota is the fraction of the host's cores the container is entitled to.
	Quota           float64 `json:"quota"`
	EffectiveDemand int     `json:"effective_demand"`
	// CPUs is the throughput target in host-core units before rounding.
	CPUs     float64 `json:"cpus"`
	RAMBytes int64   `json:"ram_bytes,omitempty"`
}

// Result is the allocator's output. Assignments is indexed by container index.
type Result struct {
	Outcome     Outcome      `json:"outcome"`
	HostCores   int          `json:"host_cores"`
	TotalDemand int          `json:"total_demand"`
	Assignments []Assignment `json:"assignments"`
}

// For returns the assignment of container index i.
func (r Result) For(i int) (Assignment, bool) {
	if i < 0 || i >= len(r.Assignments) {
		return Assignment{}, false
	}
	return r.Assignments[i], true
}

// Allocate partitions the host's cores among the constrained specs.
func Allocate(specs []profiles.ResolvedDeviceSpec, opts Options) (Result, error) {
	logger := logging.Ensure(opts.Logger).With("component", "allocation")

	hostCPUs, err := hostCoreIDs(opts)
	if err != nil {
		return Result{}, err
	}
	hostCores := len(hostCPUs)
	hostScore := opts.HostScore
	if hostScore <= 0 {
		return Result{}, fmt.Errorf("%w: host single-core score must be positive (got %v)", ErrInvalidHostTopology, hostScore)
	}
	threshold := opts.SpreadThreshold
	if threshold <= 0 {
		threshold = DefaultSpreadThreshold
	}

	result := Result{
		HostCores:   hostCores,
		Assignments: make([]Assignment, len(specs)),
	}

	for i, spec := range specs {
		a := Assignment{Index: i}
		if spec.Unconstrained {
			a.Unconstrained = true
			result.Assignments[i] = a
			continue
		}
		cpus := float64(spec.Cores) * spec.SingleCoreScore / hostScore
		demand := int(math.Ceil(cpus - 1e-9))
		if !opts.AllowOverscaling {
			demand = min(demand, spec.Cores)
			cpus = math.Min(cpus, float64(spec.Cores))
		}
		if demand <= 0 {
			return Result{}, fmt.Errorf("%w: container %d (%s) has no effective core demand", ErrDegenerateAllocation, i, spec.Name)
		}
		a.EffectiveDemand = demand
		a.CPUs = cpus
		a.Quota = float64(demand) / float64(hostCores)
		a.RAMBytes = spec.RAMBytes
		result.Assignments[i] = a
		result.TotalDemand += demand
	}

	mode := opts.Mode
	switch mode {
	case "", ModeAuto:
		if float64(result.TotalDemand) <= threshold*float64(hostCores) {
			mode = ModeSpread
		} else {
			mode = ModeShare
		}
	case ModeSpread, ModeShare:
	default:
		return Result{}, fmt.Errorf("unknown cpu allocation mode %q", opts.Mode)
	}

	if mode == ModeShare {
		result.Outcome = OutcomeShare
		for i := range result.Assignments {
			a := &result.Assignments[i]
			if a.Unconstrained {
				continue
			}
			a.Cores = slices.Clone(hostCPUs)
		}
	} else {
		result.Outcome = OutcomeSpread
		next := 0
		for i := range result.Assignments {
			a := &result.Assignments[i]
			if a.Unconstrained {
				continue
			}
			if next+a.EffectiveDemand <= hostCores {
				a.Cores = slices.Clone(hostCPUs[next : next+a.EffectiveDemand])
				a.Exclusive = true
				next += a.EffectiveDemand
				continue
			}
			a.Cores = slices.Clone(hostCPUs)
			a.Overflow = true
			result.Outcome = OutcomeSpreadOverflow
		}
	}

	attrs := []any{
		"outcome", result.Outcome,
		"host_cores", hostCores,
		"total_demand", result.TotalDemand,
		"containers", len(specs),
	}
	if result.Outcome == OutcomeSpreadOverflow {
		logger.Warn("cpu demand exceeds host cores; overflowing containers share the full core set", attrs...)
	} else {
		logger.Info("cpu allocation computed", attrs...)
	}
	return result, nil
}

func hostCoreIDs(opts Options) ([]int, error) {
	if len(opts.CPUs) == 0 {
		if opts.HostCores <= 0 {
			return nil, fmt.Errorf("%w: host_cores must be positive (got %d)", ErrInvalidHostTopology, opts.HostCores)
		}
		ids := make([]int, opts.HostCores)
		for i := range ids {
			ids[i] = i
		}
		return ids, nil
	}

	if opts.HostCores != 0 && opts.HostCores != len(opts.CPUs) {
		return nil, fmt.Errorf("%w: %d host cores but %d cpu ids", ErrInvalidHostTopology, opts.HostCores, len(opts.CPUs))
	}
	ids := slices.Clone(opts.CPUs)
	slices.Sort(ids)
	if len(slices.Compact(slices.Clone(ids))) != len(ids) || ids[0] < 0 {
		return nil, fmt.Errorf("%w: cpu ids must be unique and non-negative", ErrInvalidHostTopology)
	}
	return ids, nil
}

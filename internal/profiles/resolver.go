package profiles

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
)

// ErrInvalidVariance is returned when variance is outside [0, 1).
var ErrInvalidVariance = errors.New("variance must be in [0, 1)")

// Resolver turns profile names into concrete device and network values. The
// random source is owned by the resolver; two resolvers created with the same seed
// produce identical sequences of results.
type Resolver struct {
	table *Table

	// LockCores keeps the profile's core count when variance is applied.
	LockCores bool

	mu  sync.Mutex
	rng *rand.Rand
}

// NewResolver creates a resolver backed by table. A nil rng draws from a
// generator seeded with zero.
func NewResolver(table *Table, rng *rand.Rand) *Resolver {
	if rng == nil {
		rng = NewRand(0)
	}
	return &Resolver{table: table, rng: rng}
}

// NewRand returns a deterministic generator for seed.
func NewRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// Table returns the lookup the resolver reads from.
func (r *Resolver) Table() *Table {
	return r.table
}

// ResolveDevice looks up name and applies variance to its numeric fields.
// The unconstrained variant is returned verbatim.
func (r *Resolver) ResolveDevice(name string, variance float64) (ResolvedDeviceSpec, error) {
	if math.IsNaN(variance) || variance < 0 || variance >= 1 {
		return ResolvedDeviceSpec{}, fmt.Errorf("device %q: %w (got %v)", name, ErrInvalidVariance, variance)
	}

	base, err := r.table.Device(name)
	if err != nil {
		return ResolvedDeviceSpec{}, err
	}
	if base.Unconstrained {
		return ResolvedDeviceSpec{DeviceProfile: base, Base: base}, nil
	}

	spec := ResolvedDeviceSpec{DeviceProfile: base, Base: base, Variance: variance}
	if variance == 0 {
		return spec, nil
	}

	r.mu.Lock()
	coreFactor := r.factor(variance)
	ramFactor := r.factor(variance)
	freqFactor := r.factor(variance)
	r.mu.Unlock()

	if !r.LockCores {
		spec.Cores = int(jitterInt(int64(base.Cores), coreFactor, variance))
		if base.Cores > 0 && spec.Cores < 1 {
			spec.Cores = 1
		}
	}
	spec.RAMBytes = jitterInt(base.RAMBytes, ramFactor, variance)
	spec.FrequencyMHz = base.FrequencyMHz * freqFactor
	// The score follows the clock so relative ranking is preserved.
	spec.SingleCoreScore = base.SingleCoreScore * freqFactor

	return spec, nil
}

// ResolveNetwork returns the typical values of the named network profile.
func (r *Resolver) ResolveNetwork(name string) (NetworkProfile, error) {
	return r.table.Network(name)
}

// SampleNetwork draws a network instance around the profile's typical values.
// Each parameter is normally distributed with a standard deviation derived
// from its range and never negative.
func (r *Resolver) SampleNetwork(name string) (NetworkProfile, error) {
	if IsSentinel(name) {
		return UnconstrainedNetwork(), nil
	}
	entry, ok := r.table.networks[name]
	if !ok {
		return NetworkProfile{}, fmt.Errorf("network %q: %w", name, ErrProfileNotFound)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	return NetworkProfile{
		Name:          name,
		BandwidthMbps: r.sample(entry.Bandwidth),
		DelayMS:       r.sample(entry.Delay),
		JitterMS:      r.sample(entry.Jitter),
		LossPercent:   math.Min(r.sample(entry.Loss), 100),
	}, nil
}

func (r *Resolver) factor(variance float64) float64 {
	return 1 + (r.rng.Float64()*2-1)*variance
}

func (r *Resolver) sample(m metric) float64 {
	sigma := m.stddev()
	if sigma == 0 {
		return math.Max(m.Typical, 0)
	}
	return math.Max(m.Typical+r.rng.NormFloat64()*sigma, 0)
}

// jitterInt scales an integer quantity and keeps the result inside the
// integer points of [base*(1-v), base*(1+v)].
func jitterInt(base int64, factor, variance float64) int64 {
	const eps = 1e-9

	f := float64(base)
	lo := int64(math.Ceil(f*(1-variance) - eps))
	hi := int64(math.Floor(f*(1+variance) + eps))
	lo = min(lo, base)
	hi = max(hi, base)

	v := int64(math.Round(f * factor))
	return min(max(v, lo), hi)
}

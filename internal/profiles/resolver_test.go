package profiles

import (
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func testTable(t *testing.T) *Table {
	t.Helper()
	table, err := DefaultTable()
	if err != nil {
		t.Fatalf("DefaultTable() error = %v", err)
	}
	return table
}

func TestResolveDeviceZeroVarianceIsDeterministic(t *testing.T) {
	t.Parallel()

	table := testTable(t)
	a := NewResolver(table, NewRand(1))
	b := NewResolver(table, NewRand(99))

	for _, name := range table.DeviceNames() {
		first, err := a.ResolveDevice(name, 0)
		if err != nil {
			t.Fatalf("ResolveDevice(%q) error = %v", name, err)
		}
		second, err := a.ResolveDevice(name, 0)
		if err != nil {
			t.Fatalf("ResolveDevice(%q) error = %v", name, err)
		}
		other, err := b.ResolveDevice(name, 0)
		if err != nil {
			t.Fatalf("ResolveDevice(%q) error = %v", name, err)
		}
		if diff := cmp.Diff(first, second); diff != "" {
			t.Fatalf("ResolveDevice(%q) not idempotent (-first +second):\n%s", name, diff)
		}
		if diff := cmp.Diff(first, other); diff != "" {
			t.Fatalf("ResolveDevice(%q) depends on seed at v=0 (-a +b):\n%s", name, diff)
		}
		if diff := cmp.Diff(first.Base, first.DeviceProfile); diff != "" {
			t.Fatalf("ResolveDevice(%q) changed values at v=0:\n%s", name, diff)
		}
	}
}

func TestResolveDeviceStaysWithinVarianceBounds(t *testing.T) {
	t.Parallel()

	table := testTable(t)
	resolver := NewResolver(table, NewRand(7))

	within := func(got, base, v float64) bool {
		const eps = 1e-6
		return got >= base*(1-v)-eps && got <= base*(1+v)+eps
	}

	for _, variance := range []float64{0, 0.05, 0.2, 0.5, 0.99} {
		for _, name := range table.DeviceNames() {
			for i := 0; i < 50; i++ {
				spec, err := resolver.ResolveDevice(name, variance)
				if err != nil {
					t.Fatalf("ResolveDevice(%q, %v) error = %v", name, variance, err)
				}
				base := spec.Base
				if !within(float64(spec.Cores), float64(base.Cores), variance) {
					t.Fatalf("cores %d outside %d*(1±%v)", spec.Cores, base.Cores, variance)
				}
				if !within(float64(spec.RAMBytes), float64(base.RAMBytes), variance) {
					t.Fatalf("ram %d outside %d*(1±%v)", spec.RAMBytes, base.RAMBytes, variance)
				}
				if !within(spec.FrequencyMHz, base.FrequencyMHz, variance) {
					t.Fatalf("frequency %v outside %v*(1±%v)", spec.FrequencyMHz, base.FrequencyMHz, variance)
				}
				if !within(spec.SingleCoreScore, base.SingleCoreScore, variance) {
					t.Fatalf("score %v outside %v*(1±%v)", spec.SingleCoreScore, base.SingleCoreScore, variance)
				}
				if spec.Cores < 1 {
					t.Fatalf("constrained device resolved to %d cores", spec.Cores)
				}
			}
		}
	}
}

func TestResolveDeviceScoreFollowsFrequency(t *testing.T) {
	t.Parallel()

	resolver := NewResolver(testTable(t), NewRand(3))
	spec, err := resolver.ResolveDevice("rpi4", 0.3)
	if err != nil {
		t.Fatalf("ResolveDevice() error = %v", err)
	}
	freqRatio := spec.FrequencyMHz / spec.Base.FrequencyMHz
	scoreRatio := spec.SingleCoreScore / spec.Base.SingleCoreScore
	if math.Abs(freqRatio-scoreRatio) > 1e-9 {
		t.Fatalf("score ratio %v != frequency ratio %v", scoreRatio, freqRatio)
	}
}

func TestResolveDeviceSameSeedSameSequence(t *testing.T) {
	t.Parallel()

	table := testTable(t)
	a := NewResolver(table, NewRand(42))
	b := NewResolver(table, NewRand(42))

	for i := 0; i < 20; i++ {
		x, err := a.ResolveDevice("phone_mid", 0.2)
		if err != nil {
			t.Fatalf("ResolveDevice() error = %v", err)
		}
		y, err := b.ResolveDevice("phone_mid", 0.2)
		if err != nil {
			t.Fatalf("ResolveDevice() error = %v", err)
		}
		if diff := cmp.Diff(x, y); diff != "" {
			t.Fatalf("draw %d differs (-a +b):\n%s", i, diff)
		}
	}
}

func TestResolveDeviceLockCores(t *testing.T) {
	t.Parallel()

	resolver := NewResolver(testTable(t), NewRand(5))
	resolver.LockCores = true
	for i := 0; i < 50; i++ {
		spec, err := resolver.ResolveDevice("phone_mid", 0.5)
		if err != nil {
			t.Fatalf("ResolveDevice() error = %v", err)
		}
		if spec.Cores != spec.Base.Cores {
			t.Fatalf("cores = %d, want locked %d", spec.Cores, spec.Base.Cores)
		}
	}
}

func TestResolveDeviceSentinels(t *testing.T) {
	t.Parallel()

	resolver := NewResolver(testTable(t), nil)
	for _, name := range []string{"none", "None", "null", "NaN", "", "  "} {
		spec, err := resolver.ResolveDevice(name, 0.9)
		if err != nil {
			t.Fatalf("ResolveDevice(%q) error = %v", name, err)
		}
		if !spec.Unconstrained {
			t.Fatalf("ResolveDevice(%q) = %#v, want unconstrained", name, spec)
		}
		if spec.Cores != 0 || spec.RAMBytes != 0 || spec.Variance != 0 {
			t.Fatalf("unconstrained spec was perturbed: %#v", spec)
		}
	}
}

func TestResolveErrors(t *testing.T) {
	t.Parallel()

	resolver := NewResolver(testTable(t), nil)

	if _, err := resolver.ResolveDevice("abacus", 0); !errors.Is(err, ErrProfileNotFound) {
		t.Fatalf("ResolveDevice(unknown) error = %v, want ErrProfileNotFound", err)
	}
	if _, err := resolver.ResolveNetwork("carrier_pigeon"); !errors.Is(err, ErrProfileNotFound) {
		t.Fatalf("ResolveNetwork(unknown) error = %v, want ErrProfileNotFound", err)
	}
	for _, v := range []float64{-0.1, 1, 1.5, math.NaN()} {
		if _, err := resolver.ResolveDevice("rpi4", v); !errors.Is(err, ErrInvalidVariance) {
			t.Fatalf("ResolveDevice(v=%v) error = %v, want ErrInvalidVariance", v, err)
		}
	}
}

func TestResolveNetwork(t *testing.T) {
	t.Parallel()

	resolver := NewResolver(testTable(t), nil)

	got, err := resolver.ResolveNetwork("4g")
	if err != nil {
		t.Fatalf("ResolveNetwork() error = %v", err)
	}
	want := NetworkProfile{Name: "4g", BandwidthMbps: 20, DelayMS: 50, JitterMS: 10, LossPercent: 0.5}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("ResolveNetwork() mismatch (-want +got):\n%s", diff)
	}
	if !got.Shaped() {
		t.Fatal("4g profile should be shaped")
	}

	none, err := resolver.ResolveNetwork("none")
	if err != nil {
		t.Fatalf("ResolveNetwork(none) error = %v", err)
	}
	if !none.Unconstrained || none.Shaped() {
		t.Fatalf("ResolveNetwork(none) = %#v", none)
	}
}

func TestSampleNetworkNeverNegative(t *testing.T) {
	t.Parallel()

	resolver := NewResolver(testTable(t), NewRand(11))
	for i := 0; i < 500; i++ {
		got, err := resolver.SampleNetwork("3g")
		if err != nil {
			t.Fatalf("SampleNetwork() error = %v", err)
		}
		if got.BandwidthMbps < 0 || got.DelayMS < 0 || got.JitterMS < 0 || got.LossPercent < 0 {
			t.Fatalf("negative sample: %#v", got)
		}
	}

	fixed, err := resolver.SampleNetwork("ethernet")
	if err != nil {
		t.Fatalf("SampleNetwork(ethernet) error = %v", err)
	}
	if fixed.LossPercent != 0 {
		t.Fatalf("zero typical loss sampled as %v", fixed.LossPercent)
	}
}

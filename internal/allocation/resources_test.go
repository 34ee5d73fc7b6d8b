package allocation

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestCPUSetSyntax(t *testing.T) {
	t.Parallel()

	tests := []struct {
		cores []int
		text  string
	}{
		{nil, ""},
		{[]int{3}, "3"},
		{[]int{0, 1, 2, 3}, "0-3"},
		{[]int{0, 1, 2, 3, 6}, "0-3,6"},
		{[]int{1, 3, 5, 6, 7, 10}, "1,3,5-7,10"},
	}
	for _, tt := range tests {
		if got := FormatCPUSet(tt.cores); got != tt.text {
			t.Fatalf("FormatCPUSet(%v) = %q, want %q", tt.cores, got, tt.text)
		}
		parsed, err := ParseCPUSet(tt.text)
		if err != nil {
			t.Fatalf("ParseCPUSet(%q) error = %v", tt.text, err)
		}
		if diff := cmp.Diff(tt.cores, parsed); diff != "" {
			t.Fatalf("ParseCPUSet(%q) mismatch (-want +got):\n%s", tt.text, diff)
		}
	}

	if got := FormatCPUSet([]int{5, 4, 4, 0}); got != "0,4-5" {
		t.Fatalf("FormatCPUSet(unsorted) = %q", got)
	}
	for _, bad := range []string{"a", "3-1", "-1", "1,,2"} {
		if _, err := ParseCPUSet(bad); err == nil {
			t.Fatalf("ParseCPUSet(%q) expected error", bad)
		}
	}
}

func TestAssignmentResources(t *testing.T) {
	t.Parallel()

	a := Assignment{
		Cores:           []int{2, 3},
		Exclusive:       true,
		EffectiveDemand: 2,
		CPUs:            1.5,
		RAMBytes:        2 << 30,
	}
	got := a.Resources(0)
	want := Resources{
		CpusetCpus:  "2-3",
		CPUPeriod:   DefaultCPUPeriod,
		CPUQuota:    150000,
		CPUShares:   2048,
		NanoCPUs:    1500000000,
		MemoryBytes: 2 << 30,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("Resources() mismatch (-want +got):\n%s", diff)
	}
}

func TestSummary(t *testing.T) {
	t.Parallel()

	result := Result{
		Outcome:     OutcomeSpread,
		HostCores:   8,
		TotalDemand: 6,
		Assignments: []Assignment{
			{Index: 0, Cores: []int{0, 1}, EffectiveDemand: 2},
			{Index: 1, Unconstrained: true},
			{Index: 2, Cores: []int{2, 3, 4, 5}, EffectiveDemand: 4},
		},
	}
	s := result.Summary()
	if s.Constrained != 2 {
		t.Fatalf("Constrained = %d, want 2", s.Constrained)
	}
	if s.DemandMean != 3 || s.DemandMax != 4 {
		t.Fatalf("mean/max = %v/%v, want 3/4", s.DemandMean, s.DemandMax)
	}
	if math.Abs(s.DemandStdDev-1) > 1e-9 {
		t.Fatalf("DemandStdDev = %v, want 1", s.DemandStdDev)
	}
	if s.Utilization != 0.75 {
		t.Fatalf("Utilization = %v, want 0.75", s.Utilization)
	}
	if len(s.CoreLoad) != 6 || s.CoreLoad[0] != 1 {
		t.Fatalf("CoreLoad = %v", s.CoreLoad)
	}
}

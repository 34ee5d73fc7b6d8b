package shaping

import (
	"math"
	"testing"

	"github.com/vishvananda/netlink"

	"github.com/cochaviz/testbed/internal/platform"
)

func TestQdiscsNetemWithRate(t *testing.T) {
	t.Parallel()

	qdiscs, err := Qdiscs(7, platform.LinkParams{BandwidthMbps: 20, DelayMS: 50, JitterMS: 10, LossPercent: 0.5})
	if err != nil {
		t.Fatalf("Qdiscs() error = %v", err)
	}
	if len(qdiscs) != 2 {
		t.Fatalf("len(qdiscs) = %d, want 2", len(qdiscs))
	}

	netem, ok := qdiscs[0].(*netlink.Netem)
	if !ok {
		t.Fatalf("root qdisc is %T, want *netlink.Netem", qdiscs[0])
	}
	if netem.Parent != netlink.HANDLE_ROOT || netem.Handle != netlink.MakeHandle(1, 0) || netem.LinkIndex != 7 {
		t.Fatalf("unexpected netem attrs: %+v", netem.QdiscAttrs)
	}
	if netem.Limit != netemLimitPackets {
		t.Fatalf("netem limit = %d", netem.Limit)
	}
	if want := netlink.Percentage2u32(0.5); netem.Loss != want {
		t.Fatalf("netem loss = %d, want %d", netem.Loss, want)
	}
	if netem.Latency == 0 || netem.Jitter == 0 {
		t.Fatalf("netem delay not programmed: latency=%d jitter=%d", netem.Latency, netem.Jitter)
	}

	tbf, ok := qdiscs[1].(*netlink.Tbf)
	if !ok {
		t.Fatalf("child qdisc is %T, want *netlink.Tbf", qdiscs[1])
	}
	if tbf.Parent != netlink.MakeHandle(1, 1) || tbf.Handle != netlink.MakeHandle(10, 0) {
		t.Fatalf("tbf not attached under netem: %+v", tbf.QdiscAttrs)
	}
	if tbf.Rate != 2_500_000 {
		t.Fatalf("tbf rate = %d bytes/s, want 2500000", tbf.Rate)
	}
	if tbf.Buffer != 25_000 {
		t.Fatalf("tbf buffer = %d, want 25000", tbf.Buffer)
	}
	if tbf.Limit <= tbf.Buffer {
		t.Fatalf("tbf limit %d must exceed buffer %d", tbf.Limit, tbf.Buffer)
	}
}

func TestQdiscsRateOnly(t *testing.T) {
	t.Parallel()

	qdiscs, err := Qdiscs(3, platform.LinkParams{BandwidthMbps: 0.1})
	if err != nil {
		t.Fatalf("Qdiscs() error = %v", err)
	}
	if len(qdiscs) != 1 {
		t.Fatalf("len(qdiscs) = %d, want 1", len(qdiscs))
	}
	tbf := qdiscs[0].(*netlink.Tbf)
	if tbf.Parent != netlink.HANDLE_ROOT || tbf.Handle != netlink.MakeHandle(1, 0) {
		t.Fatalf("tbf should be the root qdisc: %+v", tbf.QdiscAttrs)
	}
	if tbf.Buffer != minBurstBytes {
		t.Fatalf("low rate buffer = %d, want floor %d", tbf.Buffer, minBurstBytes)
	}
}

func TestQdiscsUnshapedAndInvalid(t *testing.T) {
	t.Parallel()

	qdiscs, err := Qdiscs(1, platform.LinkParams{})
	if err != nil || len(qdiscs) != 0 {
		t.Fatalf("Qdiscs(zero) = %v, %v; want none", qdiscs, err)
	}

	bad := []platform.LinkParams{
		{DelayMS: -1},
		{LossPercent: 101},
		{BandwidthMbps: math.NaN()},
		{JitterMS: math.Inf(1)},
	}
	for _, p := range bad {
		if _, err := Qdiscs(1, p); err == nil {
			t.Fatalf("Qdiscs(%+v) expected error", p)
		}
	}
	if _, err := Qdiscs(0, platform.LinkParams{DelayMS: 1}); err == nil {
		t.Fatal("expected error for missing link index")
	}
}

func TestDescribe(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   platform.LinkParams
		want string
	}{
		{platform.LinkParams{}, "unshaped"},
		{platform.LinkParams{BandwidthMbps: 20, DelayMS: 50, JitterMS: 10, LossPercent: 0.5}, "rate 20mbit delay 50ms 10ms loss 0.5%"},
		{platform.LinkParams{DelayMS: 600}, "delay 600ms"},
	}
	for _, tt := range tests {
		if got := Describe(tt.in); got != tt.want {
			t.Fatalf("Describe(%+v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

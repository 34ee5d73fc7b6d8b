// Package shaping programs a container's access link with kernel qdiscs: netem
// for delay, jitter and loss and a token bucket for the rate.
package shaping

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"strings"
	"syscall"

	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"

	"github.com/cochaviz/testbed/internal/logging"
	"github.com/cochaviz/testbed/internal/platform"
)

const (
	netemLimitPackets = 1000
	// minBurstBytes keeps the bucket large enough for a few full frames at
	// low rates.
	minBurstBytes = 16 * 1024
	// queueLatencySeconds bounds how long packets may wait in the token bucket.
	queueLatencySeconds = 0.05
)

var (
	rootHandle  = netlink.MakeHandle(1, 0)
	netemClass  = netlink.MakeHandle(1, 1)
	tbfHandle   = netlink.MakeHandle(10, 0)
	errNoLinkID = errors.New("link index must be positive")
)

// Qdiscs returns the qdisc chain for params on the link with the given index,
// root first. Unshaped params produce no qdiscs.
//
// Delay, jitter or loss put netem at the root; a rate then hangs a tbf off
// netem's class. A rate alone puts tbf at the root.
func Qdiscs(linkIndex int, params platform.LinkParams) ([]netlink.Qdisc, error) {
	if linkIndex <= 0 {
		return nil, errNoLinkID
	}
	if err := validate(params); err != nil {
		return nil, err
	}

	needNetem := params.DelayMS > 0 || params.JitterMS > 0 || params.LossPercent > 0
	needRate := params.BandwidthMbps > 0

	var out []netlink.Qdisc
	parent := uint32(netlink.HANDLE_ROOT)
	handle := rootHandle
	if needNetem {
		out = append(out, netlink.NewNetem(netlink.QdiscAttrs{
			LinkIndex: linkIndex,
			Handle:    rootHandle,
			Parent:    netlink.HANDLE_ROOT,
		}, netlink.NetemQdiscAttrs{
			Latency: msToMicros(params.DelayMS),
			Jitter:  msToMicros(params.JitterMS),
			Loss:    float32(params.LossPercent),
			Limit:   netemLimitPackets,
		}))
		parent = netemClass
		handle = tbfHandle
	}
	if needRate {
		rate := bytesPerSecond(params.BandwidthMbps)
		burst := burstBytes(rate)
		out = append(out, &netlink.Tbf{
			QdiscAttrs: netlink.QdiscAttrs{
				LinkIndex: linkIndex,
				Handle:    handle,
				Parent:    parent,
			},
			Rate:   rate,
			Buffer: burst,
			Limit:  burst + uint32(math.Min(float64(rate)*queueLatencySeconds, math.MaxUint32/2)),
		})
	}
	return out, nil
}

// Describe renders params the way tc would show them, for logs and plans.
func Describe(params platform.LinkParams) string {
	var parts []string
	if params.BandwidthMbps > 0 {
		parts = append(parts, fmt.Sprintf("rate %gmbit", params.BandwidthMbps))
	}
	if params.DelayMS > 0 || params.JitterMS > 0 {
		d := fmt.Sprintf("delay %gms", params.DelayMS)
		if params.JitterMS > 0 {
			d += fmt.Sprintf(" %gms", params.JitterMS)
		}
		parts = append(parts, d)
	}
	if params.LossPercent > 0 {
		parts = append(parts, fmt.Sprintf("loss %g%%", params.LossPercent))
	}
	if len(parts) == 0 {
		return "unshaped"
	}
	return strings.Join(parts, " ")
}

func validate(p platform.LinkParams) error {
	var errs []error
	fields := []struct {
		name  string
		value float64
	}{
		{"bandwidth", p.BandwidthMbps},
		{"delay", p.DelayMS},
		{"jitter", p.JitterMS},
		{"loss", p.LossPercent},
	}
	for _, f := range fields {
		if math.IsNaN(f.value) || math.IsInf(f.value, 0) || f.value < 0 {
			errs = append(errs, fmt.Errorf("%s must be a non-negative number (got %v)", f.name, f.value))
		}
	}
	if p.LossPercent > 100 {
		errs = append(errs, fmt.Errorf("loss must be at most 100%% (got %v)", p.LossPercent))
	}
	return errors.Join(errs...)
}

func msToMicros(ms float64) uint32 {
	return uint32(math.Round(ms * 1000))
}

func bytesPerSecond(mbps float64) uint64 {
	return uint64(math.Round(mbps * 1e6 / 8))
}

func burstBytes(rate uint64) uint32 {
	burst := rate / 100
	if burst < minBurstBytes {
		burst = minBurstBytes
	}
	if burst > math.MaxUint32/2 {
		burst = math.MaxUint32 / 2
	}
	return uint32(burst)
}

// Shaper programs qdiscs through a netlink handle bound to one network
// namespace.
type Shaper struct {
	handle *netlink.Handle
	logger *slog.Logger
}

// NewShaper opens a netlink handle in ns. Pass netns.None() for the caller's
// namespace.
func NewShaper(ns netns.NsHandle, logger *slog.Logger) (*Shaper, error) {
	var (
		h   *netlink.Handle
		err error
	)
	if ns.IsOpen() {
		h, err = netlink.NewHandleAt(ns)
	} else {
		h, err = netlink.NewHandle()
	}
	if err != nil {
		return nil, fmt.Errorf("netlink handle: %w", err)
	}
	return &Shaper{handle: h, logger: logging.Ensure(logger).With("component", "shaping")}, nil
}

// ForPid opens a shaper in the network namespace of pid.
func ForPid(pid int, logger *slog.Logger) (*Shaper, error) {
	ns, err := netns.GetFromPid(pid)
	if err != nil {
		return nil, fmt.Errorf("network namespace of pid %d: %w", pid, err)
	}
	defer ns.Close()
	return NewShaper(ns, logger)
}

func (s *Shaper) Close() {
	s.handle.Close()
}

// Apply replaces whatever root qdisc ifname has with the chain for params.
func (s *Shaper) Apply(ifname string, params platform.LinkParams) error {
	link, err := s.handle.LinkByName(ifname)
	if err != nil {
		return fmt.Errorf("lookup %s: %w", ifname, err)
	}
	qdiscs, err := Qdiscs(link.Attrs().Index, params)
	if err != nil {
		return fmt.Errorf("shape %s: %w", ifname, err)
	}
	if err := s.clear(link); err != nil {
		return err
	}
	for _, q := range qdiscs {
		if err := s.handle.QdiscAdd(q); err != nil {
			return fmt.Errorf("add %s qdisc on %s: %w", q.Type(), ifname, err)
		}
	}
	s.logger.Debug("link shaped", "interface", ifname, "link", Describe(params))
	return nil
}

// Clear removes the root qdisc of ifname, restoring the kernel default.
func (s *Shaper) Clear(ifname string) error {
	link, err := s.handle.LinkByName(ifname)
	if err != nil {
		return fmt.Errorf("lookup %s: %w", ifname, err)
	}
	return s.clear(link)
}

func (s *Shaper) clear(link netlink.Link) error {
	qdiscs, err := s.handle.QdiscList(link)
	if err != nil {
		return fmt.Errorf("list qdiscs on %s: %w", link.Attrs().Name, err)
	}
	for _, q := range qdiscs {
		if q.Attrs().Parent != netlink.HANDLE_ROOT || q.Attrs().Handle == 0 {
			continue
		}
		if err := s.handle.QdiscDel(q); err != nil && !isMissing(err) {
			return fmt.Errorf("delete %s qdisc on %s: %w", q.Type(), link.Attrs().Name, err)
		}
	}
	return nil
}

func isMissing(err error) bool {
	return errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ENOENT) || errors.Is(err, syscall.EINVAL)
}

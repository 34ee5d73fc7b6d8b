package roster

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"

	"github.com/cochaviz/testbed/internal/allocation"
	"github.com/cochaviz/testbed/internal/logging"
	"github.com/cochaviz/testbed/internal/profiles"
)

// DefaultSubnet is the experiment prefix used when none is configured.
var DefaultSubnet = netip.MustParsePrefix("10.0.0.0/16")

// ErrInvalidRoster is returned for roster options that cannot describe a run.
var ErrInvalidRoster = errors.New("invalid roster")

// LinkOverride replaces individual link parameters of a container's network
// profile.
type LinkOverride struct {
	BandwidthMbps *float64 `json:"bandwidth_mbps,omitempty"`
	DelayMS       *float64 `json:"delay_ms,omitempty"`
	JitterMS      *float64 `json:"jitter_ms,omitempty"`
	LossPercent   *float64 `json:"loss_percent,omitempty"`
}

// ConstraintOverride replaces individual resolved device values.
type ConstraintOverride struct {
	Cores           *int     `json:"cores,omitempty"`
	RAMBytes        *int64   `json:"ram_bytes,omitempty"`
	SingleCoreScore *float64 `json:"single_core_score,omitempty"`
}

// NodeOverride carries per-container settings keyed by container id.
type NodeOverride struct {
	DeviceType  *string             `json:"device_type,omitempty"`
	NetworkType *string             `json:"network_type,omitempty"`
	Link        *LinkOverride       `json:"link,omitempty"`
	Constraints *ConstraintOverride `json:"constraints,omitempty"`
	Image       string              `json:"image,omitempty"`
	Volumes     []string            `json:"volumes,omitempty"`
	DockerArgs  map[string]string   `json:"docker_args,omitempty"`
	Environment map[string]string   `json:"environment,omitempty"`
}

// ContainerSlot is one emulated device of the run.
type ContainerSlot struct {
	ID         int                         `json:"id"`
	Name       string                      `json:"name"`
	IP         netip.Addr                  `json:"ip"`
	Subnet     netip.Prefix                `json:"subnet"`
	Gateway    netip.Addr                  `json:"gateway"`
	Device     profiles.ResolvedDeviceSpec `json:"device"`
	Network    profiles.NetworkProfile     `json:"network"`
	Allocation allocation.Assignment       `json:"allocation"`
	Override   NodeOverride                `json:"override"`
}

// Roster is the immutable list of container slots for a run. Slots are
// indexed by container id and must not be modified after Build returns.
type Roster struct {
	Slots      []ContainerSlot   `json:"containers"`
	Subnet     netip.Prefix      `json:"subnet"`
	Gateway    netip.Addr        `json:"gateway"`
	Allocation allocation.Result `json:"allocation"`
}

// Len returns the number of containers.
func (r *Roster) Len() int {
	return len(r.Slots)
}

// Slot returns the container with the given id.
func (r *Roster) Slot(id int) (ContainerSlot, bool) {
	if id < 0 || id >= len(r.Slots) {
		return ContainerSlot{}, false
	}
	return r.Slots[id], true
}

// Options describes the containers of a run.
type Options struct {
	Containers   int
	DeviceTypes  []string
	NetworkTypes []string
	Variance     float64
	// SampleNetworks draws each container's link from the profile's
	// distribution instead of using typical values.
	SampleNetworks bool
	Subnet         netip.Prefix
	Allocation     allocation.Options
	Overrides      map[int]NodeOverride

	Logger *slog.Logger
}

// Build resolves profiles, allocates CPU capacity and addresses containers.
// Devices are resolved in id order so a seeded resolver yields the same
// roster every time.
func Build(resolver *profiles.Resolver, opts Options) (*Roster, error) {
	logger := logging.Ensure(opts.Logger).With("component", "roster")

	if opts.Containers <= 0 {
		return nil, fmt.Errorf("%w: at least one container is required (got %d)", ErrInvalidRoster, opts.Containers)
	}
	for id := range opts.Overrides {
		if id < 0 || id >= opts.Containers {
			return nil, fmt.Errorf("%w: override for container %d outside 0..%d", ErrInvalidRoster, id, opts.Containers-1)
		}
	}

	subnet := opts.Subnet
	if !subnet.IsValid() {
		subnet = DefaultSubnet
	}
	subnet = subnet.Masked()
	gateway, err := hostAddr(subnet, 1)
	if err != nil {
		return nil, err
	}

	r := &Roster{
		Slots:   make([]ContainerSlot, opts.Containers),
		Subnet:  subnet,
		Gateway: gateway,
	}
	specs := make([]profiles.ResolvedDeviceSpec, opts.Containers)

	for id := range r.Slots {
		override := opts.Overrides[id]

		deviceName := pick(opts.DeviceTypes, id)
		if override.DeviceType != nil {
			deviceName = *override.DeviceType
		}
		device, err := resolver.ResolveDevice(deviceName, opts.Variance)
		if err != nil {
			return nil, fmt.Errorf("container %d: %w", id, err)
		}
		device = applyConstraints(device, override.Constraints, opts.Allocation.HostScore)

		networkName := pick(opts.NetworkTypes, id)
		if override.NetworkType != nil {
			networkName = *override.NetworkType
		}
		var network profiles.NetworkProfile
		if opts.SampleNetworks {
			network, err = resolver.SampleNetwork(networkName)
		} else {
			network, err = resolver.ResolveNetwork(networkName)
		}
		if err != nil {
			return nil, fmt.Errorf("container %d: %w", id, err)
		}
		network = applyLink(network, override.Link)

		ip, err := hostAddr(subnet, id+2)
		if err != nil {
			return nil, err
		}

		specs[id] = device
		r.Slots[id] = ContainerSlot{
			ID:       id,
			Name:     fmt.Sprintf("c%d", id),
			IP:       ip,
			Subnet:   subnet,
			Gateway:  gateway,
			Device:   device,
			Network:  network,
			Override: override,
		}
	}

	allocOpts := opts.Allocation
	if allocOpts.Logger == nil {
		allocOpts.Logger = opts.Logger
	}
	result, err := allocation.Allocate(specs, allocOpts)
	if err != nil {
		return nil, err
	}
	r.Allocation = result
	for id := range r.Slots {
		r.Slots[id].Allocation = result.Assignments[id]
	}

	logger.Info("roster built",
		"containers", len(r.Slots),
		"subnet", subnet.String(),
		"cpu_outcome", result.Outcome,
	)
	for _, slot := range r.Slots {
		logger.Debug("container resolved",
			"id", slot.ID,
			"ip", slot.IP.String(),
			"device", slot.Device.Name,
			"network", slot.Network.Name,
			"cpuset", allocation.FormatCPUSet(slot.Allocation.Cores),
		)
	}
	return r, nil
}

// pick implements the profile list convention: container 0 takes the first
// entry, container i takes entry i-1 and ids past the end reuse the last.
func pick(list []string, id int) string {
	if len(list) == 0 {
		return ""
	}
	idx := id - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(list) {
		idx = len(list) - 1
	}
	return list[idx]
}

func hostAddr(prefix netip.Prefix, offset int) (netip.Addr, error) {
	addr := prefix.Addr()
	for i := 0; i < offset; i++ {
		addr = addr.Next()
	}
	if !addr.IsValid() || !prefix.Contains(addr) || !prefix.Contains(addr.Next()) {
		return netip.Addr{}, fmt.Errorf("%w: subnet %s has no room for host %d", ErrInvalidRoster, prefix, offset)
	}
	return addr, nil
}

// applyConstraints overrides resolved values. A constrained override of an
// unconstrained device starts from a host-equivalent core.
func applyConstraints(spec profiles.ResolvedDeviceSpec, c *ConstraintOverride, hostScore float64) profiles.ResolvedDeviceSpec {
	if c == nil {
		return spec
	}
	if spec.Unconstrained {
		spec.DeviceProfile = profiles.DeviceProfile{Name: "custom", Cores: 1, SingleCoreScore: hostScore}
	}
	if c.Cores != nil {
		spec.Cores = *c.Cores
	}
	if c.RAMBytes != nil {
		spec.RAMBytes = *c.RAMBytes
	}
	if c.SingleCoreScore != nil {
		spec.SingleCoreScore = *c.SingleCoreScore
	}
	return spec
}

func applyLink(n profiles.NetworkProfile, l *LinkOverride) profiles.NetworkProfile {
	if l == nil {
		return n
	}
	if n.Unconstrained {
		n = profiles.NetworkProfile{Name: "custom"}
	}
	if l.BandwidthMbps != nil {
		n.BandwidthMbps = *l.BandwidthMbps
	}
	if l.DelayMS != nil {
		n.DelayMS = *l.DelayMS
	}
	if l.JitterMS != nil {
		n.JitterMS = *l.JitterMS
	}
	if l.LossPercent != nil {
		n.LossPercent = *l.LossPercent
	}
	return n
}

// Package config reads experiment files: a network section describing the
// emulated devices and an application section describing what runs on them.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/netip"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cochaviz/testbed/internal/allocation"
	"github.com/cochaviz/testbed/internal/arch"
	"github.com/cochaviz/testbed/internal/plan"
	"github.com/cochaviz/testbed/internal/profiles"
	"github.com/cochaviz/testbed/internal/roster"
)

// Backends understood by the network section.
const (
	BackendDocker  = "docker"
	BackendLibvirt = "libvirt"
	BackendMemory  = "memory"
)

const (
	defaultClients  = 1
	defaultVariance = 0.2
	defaultName     = "experiment"
)

// ErrInvalidConfig wraps every validation failure of an experiment file.
var ErrInvalidConfig = errors.New("invalid experiment config")

// File is a parsed experiment file.
type File struct {
	Network     Network     `yaml:"network"`
	Application Application `yaml:"application"`

	// Containernet is the section name used by older experiment files. It is
	// folded into Network.
	Containernet *Network `yaml:"containernet,omitempty"`

	FLConfig `yaml:",inline"`

	// BaseDir resolves relative paths, normally the directory of the first
	// file loaded.
	BaseDir string `yaml:"-"`
	// Sources are the raw documents in load order.
	Sources [][]byte `yaml:"-"`
}

// Network describes the emulated devices and their links.
type Network struct {
	Containers    int        `yaml:"num_containers"`
	Clients       *int       `yaml:"clients"`
	Image         string     `yaml:"image"`
	ImageName     string     `yaml:"image_name"`
	DeviceType    StringList `yaml:"device_type"`
	NetworkType   StringList `yaml:"network_type"`
	Variance      *float64   `yaml:"device_variance"`
	LockCores     *bool      `yaml:"lock_cores"`
	Seed          *uint64    `yaml:"seed"`
	SampleNetwork bool       `yaml:"sample_networks"`
	Subnet        string     `yaml:"subnet"`
	CPU           CPUPolicy  `yaml:"cpu"`
	Nodes         []Node     `yaml:"nodes"`
	Profiles      Profiles   `yaml:"profiles"`

	Backend string  `yaml:"backend"`
	Pull    bool    `yaml:"pull"`
	Libvirt Libvirt `yaml:"libvirt"`
}

// CPUPolicy configures the allocator.
type CPUPolicy struct {
	Mode             string   `yaml:"mode"`
	SpreadThreshold  *float64 `yaml:"spread_threshold"`
	AllowOverscaling *bool    `yaml:"allow_overscaling"`
	HostScore        *float64 `yaml:"host_single_core_score"`
	// CPUs restricts the host cores, e.g. "2-7".
	CPUs   string `yaml:"cpus"`
	Period int64  `yaml:"cpu_period"`
}

// Profiles points at profile tables replacing the embedded ones.
type Profiles struct {
	Devices  string `yaml:"devices"`
	Networks string `yaml:"networks"`
}

// Libvirt holds the settings of the VM backend.
type Libvirt struct {
	URI      string `yaml:"uri"`
	Bridge   string `yaml:"bridge"`
	ImageDir string `yaml:"image_dir"`
	WorkDir  string `yaml:"work_dir"`
	Arch     string `yaml:"arch"`
}

// Node overrides the defaults of a single container.
type Node struct {
	ID          int          `yaml:"id"`
	DeviceType  *string      `yaml:"device_type"`
	NetworkType *string      `yaml:"network_type"`
	Link        *Link        `yaml:"link"`
	Constraints *Constraints `yaml:"constraints"`
	Image       string       `yaml:"image"`
	Volumes     []string     `yaml:"volumes"`
	DockerArgs  Scalars      `yaml:"docker_args"`
	Environment Scalars      `yaml:"environment"`
}

type Link struct {
	BandwidthMbps *float64 `yaml:"bandwidth_mbps"`
	DelayMS       *float64 `yaml:"delay_ms"`
	JitterMS      *float64 `yaml:"jitter_ms"`
	LossPercent   *float64 `yaml:"loss_percent"`
}

type Constraints struct {
	Cores           *int     `yaml:"cpu_cores"`
	MemoryMB        *int64   `yaml:"memory_mb"`
	SingleCoreScore *float64 `yaml:"single_core_score"`
}

// Application describes the roles and their commands.
type Application struct {
	Name            string     `yaml:"name"`
	Variables       Scalars    `yaml:"variables"`
	RoleOrder       []string   `yaml:"role_order"`
	Roles           Roles      `yaml:"roles"`
	Defaults        RoleConfig `yaml:"defaults"`
	ContinueOnError bool       `yaml:"continue_on_error"`
	OutputDir       string     `yaml:"output_dir"`
}

// RoleConfig holds the container settings shared by defaults and roles.
type RoleConfig struct {
	Image       *string  `yaml:"image"`
	Volumes     []string `yaml:"volumes"`
	DockerArgs  Scalars  `yaml:"docker_args"`
	Environment Scalars  `yaml:"environment"`
	Shell       *string  `yaml:"shell"`
	WorkingDir  *string  `yaml:"working_dir"`
}

// Role is one entry of application.roles.
type Role struct {
	Name              string   `yaml:"-"`
	ContainerIDs      Selector `yaml:"container_ids"`
	Command           string   `yaml:"command"`
	Description       string   `yaml:"description"`
	StartupDelay      float64  `yaml:"startup_delay"`
	WaitForCompletion *bool    `yaml:"wait_for_completion"`
	PreCommands       []string `yaml:"pre_commands"`
	PostCommands      []string `yaml:"post_commands"`

	RoleConfig `yaml:",inline"`
}

// Load reads and merges the files in order: later files replace the values
// they set. The result is validated.
func Load(paths ...string) (*File, error) {
	if len(paths) == 0 {
		return nil, errors.New("no experiment files to load")
	}
	f := &File{}
	for i, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read experiment file: %w", err)
		}
		if err := f.decode(data); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		if i == 0 {
			abs, err := filepath.Abs(filepath.Dir(path))
			if err != nil {
				return nil, fmt.Errorf("resolve config directory: %w", err)
			}
			f.BaseDir = abs
		}
	}
	if err := f.normalize(); err != nil {
		return nil, err
	}
	return f, nil
}

// Parse reads a single document. Relative paths resolve against baseDir.
func Parse(data []byte, baseDir string) (*File, error) {
	f := &File{BaseDir: baseDir}
	if err := f.decode(data); err != nil {
		return nil, err
	}
	if err := f.normalize(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *File) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(f); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	f.Sources = append(f.Sources, data)
	return nil
}

func (f *File) normalize() error {
	if f.Containernet != nil {
		if !isZeroNetwork(f.Network) {
			return fmt.Errorf("%w: both network and containernet sections are set", ErrInvalidConfig)
		}
		f.Network, f.Containernet = *f.Containernet, nil
	}
	n := &f.Network
	if n.Image == "" {
		n.Image = n.ImageName
	}
	n.ImageName = ""
	if n.Containers == 0 {
		clients := defaultClients
		if n.Clients != nil {
			clients = *n.Clients
		}
		n.Containers = clients + 1
	}
	if n.Backend == "" {
		n.Backend = BackendDocker
	}
	if f.Application.Name == "" {
		f.Application.Name = f.ExperimentName
	}
	if f.Application.Name == "" {
		f.Application.Name = defaultName
	}
	if f.BaseDir == "" {
		abs, err := filepath.Abs(".")
		if err != nil {
			return fmt.Errorf("resolve working directory: %w", err)
		}
		f.BaseDir = abs
	}
	return f.Validate()
}

func isZeroNetwork(n Network) bool {
	return n.Containers == 0 && n.Clients == nil && n.Image == "" && n.ImageName == "" &&
		len(n.DeviceType) == 0 && len(n.NetworkType) == 0 && len(n.Nodes) == 0 && n.Backend == ""
}

// Validate checks what can be checked without resolving profiles.
func (f *File) Validate() error {
	var errs []error
	n := f.Network
	if n.Containers <= 0 {
		errs = append(errs, fmt.Errorf("network.num_containers must be positive (got %d)", n.Containers))
	}
	if n.Variance != nil && (*n.Variance < 0 || *n.Variance >= 1) {
		errs = append(errs, fmt.Errorf("network.device_variance must be in [0, 1) (got %v)", *n.Variance))
	}
	if n.Subnet != "" {
		if _, err := netip.ParsePrefix(n.Subnet); err != nil {
			errs = append(errs, fmt.Errorf("network.subnet: %w", err))
		}
	}
	if _, err := allocation.ParseMode(n.CPU.Mode); err != nil {
		errs = append(errs, fmt.Errorf("network.cpu.mode: %w", err))
	}
	if _, err := allocation.ParseCPUSet(n.CPU.CPUs); err != nil {
		errs = append(errs, fmt.Errorf("network.cpu.cpus: %w", err))
	}
	if !slices.Contains([]string{BackendDocker, BackendLibvirt, BackendMemory}, n.Backend) {
		errs = append(errs, fmt.Errorf("network.backend %q is not one of docker, libvirt, memory", n.Backend))
	}
	if n.Libvirt.Arch != "" {
		if _, err := arch.Parse(n.Libvirt.Arch); err != nil {
			errs = append(errs, fmt.Errorf("network.libvirt.arch: %w", err))
		}
	}
	seen := make(map[int]bool, len(n.Nodes))
	for _, node := range n.Nodes {
		if node.ID < 0 || node.ID >= n.Containers {
			errs = append(errs, fmt.Errorf("network.nodes: id %d outside 0..%d", node.ID, n.Containers-1))
		}
		if seen[node.ID] {
			errs = append(errs, fmt.Errorf("network.nodes: id %d listed twice", node.ID))
		}
		seen[node.ID] = true
	}

	for _, r := range f.Application.Roles {
		if strings.TrimSpace(r.Command) == "" {
			errs = append(errs, fmt.Errorf("application.roles.%s: command is required", r.Name))
		}
		if r.StartupDelay < 0 {
			errs = append(errs, fmt.Errorf("application.roles.%s: startup_delay must not be negative", r.Name))
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
}

// Path resolves p against the config directory.
func (f *File) Path(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(f.BaseDir, p)
}

// Resolver builds the profile resolver, seeded with seed.
func (f *File) Resolver(seed uint64) (*profiles.Resolver, error) {
	table, err := profiles.LoadTableFiles(f.Path(f.Network.Profiles.Devices), f.Path(f.Network.Profiles.Networks))
	if err != nil {
		return nil, err
	}
	r := profiles.NewResolver(table, profiles.NewRand(seed))
	r.LockCores = f.Network.LockCores == nil || *f.Network.LockCores
	return r, nil
}

// AllocationOptions fills the allocator options for a host with hostCores
// usable cores.
func (f *File) AllocationOptions(hostCores int) (allocation.Options, error) {
	c := f.Network.CPU
	opts := allocation.DefaultOptions(hostCores)
	mode, err := allocation.ParseMode(c.Mode)
	if err != nil {
		return allocation.Options{}, err
	}
	opts.Mode = mode
	if c.SpreadThreshold != nil {
		opts.SpreadThreshold = *c.SpreadThreshold
	}
	if c.AllowOverscaling != nil {
		opts.AllowOverscaling = *c.AllowOverscaling
	}
	if c.HostScore != nil {
		opts.HostScore = *c.HostScore
	}
	if c.CPUs != "" {
		cpus, err := allocation.ParseCPUSet(c.CPUs)
		if err != nil {
			return allocation.Options{}, err
		}
		opts.CPUs = cpus
		opts.HostCores = len(cpus)
	}
	return opts, nil
}

// CPUPeriod is the CFS period handed to the platforms.
func (f *File) CPUPeriod() int64 {
	if f.Network.CPU.Period > 0 {
		return f.Network.CPU.Period
	}
	return allocation.DefaultCPUPeriod
}

// RosterOptions converts the network section. alloc comes from
// AllocationOptions, possibly adjusted by the caller.
func (f *File) RosterOptions(alloc allocation.Options) (roster.Options, error) {
	n := f.Network
	opts := roster.Options{
		Containers:     n.Containers,
		DeviceTypes:    n.DeviceType,
		NetworkTypes:   n.NetworkType,
		Variance:       defaultVariance,
		SampleNetworks: n.SampleNetwork,
		Allocation:     alloc,
	}
	if n.Variance != nil {
		opts.Variance = *n.Variance
	}
	if n.Subnet != "" {
		prefix, err := netip.ParsePrefix(n.Subnet)
		if err != nil {
			return roster.Options{}, fmt.Errorf("network.subnet: %w", err)
		}
		opts.Subnet = prefix
	}
	if len(n.Nodes) > 0 {
		opts.Overrides = make(map[int]roster.NodeOverride, len(n.Nodes))
		for _, node := range n.Nodes {
			opts.Overrides[node.ID] = f.nodeOverride(node)
		}
	}
	return opts, nil
}

func (f *File) nodeOverride(node Node) roster.NodeOverride {
	o := roster.NodeOverride{
		DeviceType:  node.DeviceType,
		NetworkType: node.NetworkType,
		Image:       node.Image,
		Volumes:     plan.NormalizeVolumes(node.Volumes, f.BaseDir),
		DockerArgs:  node.DockerArgs,
		Environment: node.Environment,
	}
	if l := node.Link; l != nil {
		o.Link = &roster.LinkOverride{
			BandwidthMbps: l.BandwidthMbps,
			DelayMS:       l.DelayMS,
			JitterMS:      l.JitterMS,
			LossPercent:   l.LossPercent,
		}
	}
	if c := node.Constraints; c != nil {
		o.Constraints = &roster.ConstraintOverride{Cores: c.Cores, SingleCoreScore: c.SingleCoreScore}
		if c.MemoryMB != nil {
			ram := *c.MemoryMB * 1024 * 1024
			o.Constraints.RAMBytes = &ram
		}
	}
	return o
}

// Roles converts application.roles in declaration order, or returns the
// default server and client roles when none are defined.
func (f *File) Roles() []plan.RoleDefinition {
	if f.UsesDefaultRoles() {
		return defaultRoles(f.Variables())
	}
	out := make([]plan.RoleDefinition, 0, len(f.Application.Roles))
	for _, r := range f.Application.Roles {
		sel := r.ContainerIDs.Selector
		if !r.ContainerIDs.set {
			sel = plan.IDs()
		}
		out = append(out, plan.RoleDefinition{
			Name:              r.Name,
			Selector:          sel,
			Command:           r.Command,
			Description:       r.Description,
			Image:             r.Image,
			Volumes:           r.Volumes,
			DockerArgs:        r.DockerArgs,
			Environment:       r.Environment,
			Shell:             r.Shell,
			WorkingDir:        r.WorkingDir,
			StartupDelay:      time.Duration(r.StartupDelay * float64(time.Second)),
			WaitForCompletion: r.WaitForCompletion,
			PreCommands:       r.PreCommands,
			PostCommands:      r.PostCommands,
		})
	}
	return out
}

// Defaults are the settings every role starts from. The network image is
// the fallback for roles without one.
func (f *File) Defaults() plan.Defaults {
	d := f.Application.Defaults
	out := plan.Defaults{
		Image:       f.Network.Image,
		Volumes:     d.Volumes,
		DockerArgs:  d.DockerArgs,
		Environment: d.Environment,
	}
	if d.Image != nil {
		out.Image = *d.Image
	}
	if d.Shell != nil {
		out.Shell = *d.Shell
	}
	if d.WorkingDir != nil {
		out.WorkingDir = *d.WorkingDir
	}
	return out
}

// Variables are the user variables available to command templates:
// application.variables, completed by the top-level keys of older files.
// Without roles, protocol, port and extra_args are filled in as well.
func (f *File) Variables() map[string]string {
	vars := make(map[string]string, len(f.Application.Variables))
	maps.Copy(vars, f.Application.Variables)
	for _, v := range f.FLConfig.variables() {
		setDefault(vars, v.name, string(v.value))
	}
	if f.UsesDefaultRoles() {
		fillDefaultRoleVariables(vars)
	}
	if len(vars) == 0 {
		return nil
	}
	return vars
}

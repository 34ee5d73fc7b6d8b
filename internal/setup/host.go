package setup

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/cochaviz/testbed/internal/allocation"
)

// ErrPrerequisite is returned by Verify when a required check fails.
var ErrPrerequisite = errors.New("host prerequisite not met")

const maxCPUs = 1024

// Topology is the CPU layout visible to this process.
type Topology struct {
	// CPUs are the core ids the process may run on, ascending.
	CPUs []int `json:"cpus"`
	// Online is the number of cores the runtime reports.
	Online int `json:"online"`
}

// HostTopology reads the scheduler affinity of the current process, so a
// run started under taskset or a cpuset cgroup only allocates its own cores.
func HostTopology() (Topology, error) {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(0, &set); err != nil {
		return Topology{}, fmt.Errorf("read cpu affinity: %w", err)
	}
	cpus := cpusFromSet(&set)
	if len(cpus) == 0 {
		return Topology{}, fmt.Errorf("%w: empty cpu affinity", allocation.ErrInvalidHostTopology)
	}
	return Topology{CPUs: cpus, Online: runtime.NumCPU()}, nil
}

func cpusFromSet(set *unix.CPUSet) []int {
	var cpus []int
	for i := 0; i < maxCPUs; i++ {
		if set.IsSet(i) {
			cpus = append(cpus, i)
		}
	}
	return cpus
}

// Check is the outcome of one prerequisite check.
type Check struct {
	Name     string `json:"name"`
	OK       bool   `json:"ok"`
	Required bool   `json:"required"`
	Detail   string `json:"detail,omitempty"`
}

// Verify checks what backend needs on this host. The error joins every
// failed required check.
func Verify(ctx context.Context, backend string) ([]Check, error) {
	checks := []Check{checkRoot(), checkCPUs()}
	checks = append(checks, checkCgroupControllers("/sys/fs/cgroup/cgroup.controllers", "cpu", "cpuset"))
	for _, mod := range []string{"sch_netem", "sch_tbf"} {
		checks = append(checks, checkModule(ctx, "/sys/module", mod))
	}

	switch backend {
	case "docker":
		checks = append(checks, checkDockerSocket(os.Getenv("DOCKER_HOST")))
	case "libvirt":
		checks = append(checks,
			checkCommand("qemu-img"),
			checkPath("libvirt socket", "/var/run/libvirt/libvirt-sock", true),
			checkBridge(),
		)
	}

	var errs []error
	for _, c := range checks {
		if c.Required && !c.OK {
			errs = append(errs, fmt.Errorf("%w: %s: %s", ErrPrerequisite, c.Name, c.Detail))
		}
	}
	return checks, errors.Join(errs...)
}

func checkRoot() Check {
	c := Check{Name: "root privileges", Required: true, OK: os.Geteuid() == 0}
	if !c.OK {
		c.Detail = "link shaping needs CAP_NET_ADMIN; run as root"
	}
	return c
}

func checkCPUs() Check {
	topo, err := HostTopology()
	if err != nil {
		return Check{Name: "cpu affinity", Required: true, Detail: err.Error()}
	}
	return Check{
		Name:     "cpu affinity",
		Required: true,
		OK:       true,
		Detail:   fmt.Sprintf("%d of %d cores usable (%s)", len(topo.CPUs), topo.Online, allocation.FormatCPUSet(topo.CPUs)),
	}
}

func checkCgroupControllers(path string, want ...string) Check {
	c := Check{Name: "cgroup controllers"}
	data, err := os.ReadFile(path)
	if err != nil {
		c.Detail = fmt.Sprintf("cannot read %s: %v", path, err)
		return c
	}
	have := strings.Fields(string(data))
	var missing []string
	for _, w := range want {
		if !slices.Contains(have, w) {
			missing = append(missing, w)
		}
	}
	if len(missing) > 0 {
		c.Detail = "missing " + strings.Join(missing, ", ")
		return c
	}
	c.OK = true
	c.Detail = strings.Join(want, ", ")
	return c
}

// checkModule accepts a loaded module or one modprobe can load on demand.
func checkModule(ctx context.Context, sysModule, name string) Check {
	c := Check{Name: "kernel module " + name, Required: true}
	if _, err := os.Stat(filepath.Join(sysModule, name)); err == nil {
		c.OK, c.Detail = true, "loaded"
		return c
	}
	if ok, err := commandSucceeds(ctx, "modprobe", "-n", name); err == nil && ok {
		c.OK, c.Detail = true, "loadable"
		return c
	}
	c.Detail = "not loaded and not loadable"
	return c
}

func checkCommand(name string) Check {
	c := Check{Name: "command " + name, Required: true}
	if err := ensureCommands(name); err != nil {
		c.Detail = err.Error()
		return c
	}
	c.OK = true
	return c
}

func checkPath(name, path string, required bool) Check {
	c := Check{Name: name, Required: required, Detail: path}
	if _, err := os.Stat(path); err != nil {
		c.Detail = err.Error()
		return c
	}
	c.OK = true
	return c
}

func checkDockerSocket(dockerHost string) Check {
	if dockerHost != "" && !strings.HasPrefix(dockerHost, "unix://") {
		return Check{Name: "docker engine", Required: true, OK: true, Detail: dockerHost}
	}
	path := strings.TrimPrefix(dockerHost, "unix://")
	if path == "" {
		path = "/var/run/docker.sock"
	}
	return checkPath("docker engine", path, true)
}

func checkBridge() Check {
	cfg, err := LoadBridgeConfig()
	if err != nil {
		return Check{Name: "guest bridge", Required: true, Detail: err.Error()}
	}
	c := Check{Name: "guest bridge", Required: true}
	link, err := netlink.LinkByName(cfg.Bridge)
	if err != nil {
		c.Detail = fmt.Sprintf("%s missing; run testbed setup network", cfg.Bridge)
		return c
	}
	if link.Attrs().Flags&net.FlagUp == 0 {
		c.Detail = cfg.Bridge + " is down"
		return c
	}
	c.OK, c.Detail = true, cfg.Bridge
	return c
}

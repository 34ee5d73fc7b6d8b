package docker

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/strslice"
	units "github.com/docker/go-units"

	"github.com/cochaviz/testbed/internal/platform"
)

// Supported docker_args keys.
const (
	ArgPrivileged = "privileged"
	ArgUser       = "user"
	ArgShmSize    = "shm_size"
	ArgCapAdd     = "cap_add"
	ArgHostname   = "hostname"
	ArgEntrypoint = "entrypoint"
)

// idleCommand keeps a container alive so commands can be exec'd into it.
var idleCommand = strslice.StrSlice{"/bin/sh", "-c", "trap 'exit 0' TERM; while :; do sleep 3600 & wait $!; done"}

type dockerArgs struct {
	privileged bool
	user       string
	shmSize    int64
	capAdd     []string
	hostname   string
	entrypoint []string
}

func parseDockerArgs(args map[string]string) (dockerArgs, error) {
	var out dockerArgs
	for _, key := range slices.Sorted(maps.Keys(args)) {
		value := strings.TrimSpace(args[key])
		switch key {
		case ArgPrivileged:
			b, err := strconv.ParseBool(value)
			if err != nil {
				return dockerArgs{}, fmt.Errorf("docker_args.%s: %w", key, err)
			}
			out.privileged = b
		case ArgUser:
			out.user = value
		case ArgShmSize:
			size, err := units.RAMInBytes(value)
			if err != nil {
				return dockerArgs{}, fmt.Errorf("docker_args.%s: %w", key, err)
			}
			out.shmSize = size
		case ArgCapAdd:
			for _, c := range strings.Split(value, ",") {
				if c = strings.TrimSpace(c); c != "" {
					out.capAdd = append(out.capAdd, strings.ToUpper(c))
				}
			}
		case ArgHostname:
			out.hostname = value
		case ArgEntrypoint:
			if value != "" {
				out.entrypoint = strings.Fields(value)
			}
		default:
			return dockerArgs{}, fmt.Errorf("docker_args.%s is not supported", key)
		}
	}
	return out, nil
}

// containerSpec translates a request into the Docker API's create payloads.
func containerSpec(req platform.ContainerRequest, networkName string) (*container.Config, *container.HostConfig, *network.NetworkingConfig, error) {
	args, err := parseDockerArgs(req.DockerArgs)
	if err != nil {
		return nil, nil, nil, err
	}
	binds, err := bindMounts(req.Volumes)
	if err != nil {
		return nil, nil, nil, err
	}

	hostname := args.hostname
	if hostname == "" {
		hostname = req.Name
	}
	cfg := &container.Config{
		Image:      req.Image,
		Hostname:   hostname,
		User:       args.user,
		Env:        envList(req.Environment),
		WorkingDir: req.WorkingDir,
		Labels:     req.Labels(),
		Cmd:        idleCommand,
	}
	if len(args.entrypoint) > 0 {
		cfg.Entrypoint = args.entrypoint
		cfg.Cmd = nil
	} else {
		cfg.Entrypoint = strslice.StrSlice{}
	}

	host := &container.HostConfig{
		Binds:       binds,
		NetworkMode: container.NetworkMode(networkName),
		Privileged:  args.privileged,
		ShmSize:     args.shmSize,
		CapAdd:      args.capAdd,
		Resources: container.Resources{
			CpusetCpus: req.Resources.CpusetCpus,
			CPUPeriod:  req.Resources.CPUPeriod,
			CPUQuota:   req.Resources.CPUQuota,
			CPUShares:  req.Resources.CPUShares,
			Memory:     req.Resources.MemoryBytes,
		},
	}

	endpoint := &network.EndpointSettings{
		IPAMConfig: &network.EndpointIPAMConfig{IPv4Address: req.IP.String()},
		Aliases:    []string{req.Name},
	}
	netCfg := &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{networkName: endpoint},
	}
	return cfg, host, netCfg, nil
}

// bindMounts validates "host:container[:mode]" volume strings.
func bindMounts(volumes []string) ([]string, error) {
	binds := make([]string, 0, len(volumes))
	for _, spec := range volumes {
		v, err := platform.ParseVolume(spec)
		if err != nil {
			return nil, err
		}
		if v.Mode != "" && !validMode(v.Mode) {
			return nil, fmt.Errorf("volume %q: unsupported mode %q", spec, v.Mode)
		}
		binds = append(binds, v.String())
	}
	return binds, nil
}

func validMode(mode string) bool {
	for _, m := range strings.Split(mode, ",") {
		switch m {
		case "ro", "rw", "z", "Z", "shared", "slave", "private", "rshared", "rslave", "rprivate", "nocopy":
		default:
			return false
		}
	}
	return true
}

func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for _, k := range slices.Sorted(maps.Keys(env)) {
		out = append(out, k+"="+env[k])
	}
	return out
}

// networkName derives the bridge network of a run.
func networkName(runID string) string {
	id := strings.ReplaceAll(runID, "-", "")
	if len(id) > 12 {
		id = id[:12]
	}
	if id == "" {
		id = "default"
	}
	return "testbed-" + id
}

// Package docker realizes runs on a Docker Engine: one bridge network per run,
// one container per device, commands through exec.
package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/cochaviz/testbed/internal/logging"
	"github.com/cochaviz/testbed/internal/platform"
	"github.com/cochaviz/testbed/internal/shaping"
)

// containerInterface is the interface name Docker gives the first network.
const containerInterface = "eth0"

// API is the subset of the Docker client the platform uses.
type API interface {
	NetworkCreate(ctx context.Context, name string, options network.CreateOptions) (network.CreateResponse, error)
	NetworkList(ctx context.Context, options network.ListOptions) ([]network.Summary, error)
	NetworkRemove(ctx context.Context, networkID string) error

	ImageInspectWithRaw(ctx context.Context, imageID string) (types.ImageInspect, []byte, error)
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)

	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	ContainerList(ctx context.Context, options container.ListOptions) ([]types.Container, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error

	ContainerExecCreate(ctx context.Context, containerID string, options container.ExecOptions) (types.IDResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, config container.ExecAttachOptions) (types.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error)
}

// LinkShaper programs a container's link given its init pid.
type LinkShaper func(pid int, ifname string, params platform.LinkParams) error

// Options configures the Docker platform.
type Options struct {
	// RunID scopes created resources. Empty means every testbed resource,
	// which is what cleanup wants.
	RunID string
	// Pull fetches missing images before creating containers.
	Pull bool
	// Shaper overrides how links are programmed. Nil shapes from the host
	// through the container's network namespace.
	Shaper LinkShaper
	// PollInterval is how often Wait checks a finished exec's exit code.
	PollInterval time.Duration

	Logger *slog.Logger
}

type execState struct {
	done chan struct{}
	err  error
}

// Platform implements platform.Platform on a Docker Engine.
type Platform struct {
	api    API
	opts   Options
	logger *slog.Logger

	mu        sync.Mutex
	networkID string
	execs     map[string]*execState
}

var (
	_ platform.Platform         = (*Platform)(nil)
	_ platform.RequestValidator = (*Platform)(nil)
)

// NewFromEnv connects to the engine configured by DOCKER_HOST and friends.
func NewFromEnv(opts Options) (*Platform, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return New(cli, opts), nil
}

// New wraps an existing API client.
func New(api API, opts Options) *Platform {
	if opts.Shaper == nil {
		logger := opts.Logger
		opts.Shaper = func(pid int, ifname string, params platform.LinkParams) error {
			s, err := shaping.ForPid(pid, logger)
			if err != nil {
				return err
			}
			defer s.Close()
			return s.Apply(ifname, params)
		}
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 100 * time.Millisecond
	}
	return &Platform{
		api:    api,
		opts:   opts,
		logger: logging.Ensure(opts.Logger).With("component", "platform.docker"),
		execs:  make(map[string]*execState),
	}
}

// ValidateRequest rejects requests Docker would refuse, before anything is
// created.
func (p *Platform) ValidateRequest(req platform.ContainerRequest) error {
	if req.Image == "" {
		return fmt.Errorf("container %s: no image", req.Name)
	}
	if _, _, _, err := containerSpec(req, networkName(req.RunID)); err != nil {
		return fmt.Errorf("container %s: %w", req.Name, err)
	}
	return nil
}

func (p *Platform) CreateContainer(ctx context.Context, req platform.ContainerRequest) (platform.Container, error) {
	netName := networkName(req.RunID)
	cfg, hostCfg, netCfg, err := containerSpec(req, netName)
	if err != nil {
		return platform.Container{}, fmt.Errorf("container %s: %w", req.Name, err)
	}
	if err := p.ensureNetwork(ctx, req, netName); err != nil {
		return platform.Container{}, err
	}
	if err := p.ensureImage(ctx, req.Image); err != nil {
		return platform.Container{}, err
	}

	created, err := p.api.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, req.Name)
	if err != nil {
		return platform.Container{}, fmt.Errorf("create container %s: %w", req.Name, err)
	}
	for _, w := range created.Warnings {
		p.logger.Warn("docker warning", "container", req.Name, "warning", w)
	}
	if err := p.api.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return platform.Container{}, fmt.Errorf("start container %s: %w", req.Name, err)
	}
	p.logger.Info("container started",
		"container", req.Name,
		"ip", req.IP.String(),
		"cpuset", req.Resources.CpusetCpus,
		"image", req.Image,
	)
	return platform.Container{
		Handle:      created.ID,
		ContainerID: req.ContainerID,
		Name:        req.Name,
		IP:          req.IP,
	}, nil
}

func (p *Platform) ensureNetwork(ctx context.Context, req platform.ContainerRequest, name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.networkID != "" {
		return nil
	}
	resp, err := p.api.NetworkCreate(ctx, name, network.CreateOptions{
		Driver: "bridge",
		IPAM: &network.IPAM{
			Config: []network.IPAMConfig{{
				Subnet:  req.Subnet.String(),
				Gateway: req.Gateway.String(),
			}},
		},
		Labels: map[string]string{platform.LabelRun: req.RunID},
	})
	if err != nil {
		return fmt.Errorf("create network %s: %w", name, err)
	}
	p.networkID = resp.ID
	p.logger.Info("network created", "network", name, "subnet", req.Subnet.String())
	return nil
}

func (p *Platform) ensureImage(ctx context.Context, ref string) error {
	if _, _, err := p.api.ImageInspectWithRaw(ctx, ref); err == nil {
		return nil
	} else if !errdefs.IsNotFound(err) {
		return fmt.Errorf("inspect image %s: %w", ref, err)
	}
	if !p.opts.Pull {
		return fmt.Errorf("image %s not present locally (enable pulling or build it first)", ref)
	}
	p.logger.Info("pulling image", "image", ref)
	rc, err := p.api.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", ref, err)
	}
	defer rc.Close()
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("pull image %s: %w", ref, err)
	}
	return nil
}

func (p *Platform) ConfigureLink(ctx context.Context, c platform.Container, link platform.LinkParams) error {
	info, err := p.api.ContainerInspect(ctx, c.Handle)
	if err != nil {
		return fmt.Errorf("inspect %s: %w", c.Name, err)
	}
	if info.ContainerJSONBase == nil || info.State == nil || info.State.Pid == 0 {
		return fmt.Errorf("container %s is not running", c.Name)
	}
	if err := p.opts.Shaper(info.State.Pid, containerInterface, link); err != nil {
		return fmt.Errorf("shape link of %s: %w", c.Name, err)
	}
	p.logger.Info("link configured", "container", c.Name, "link", shaping.Describe(link))
	return nil
}

func (p *Platform) Exec(ctx context.Context, c platform.Container, req platform.ExecRequest) (platform.CommandHandle, error) {
	created, err := p.api.ContainerExecCreate(ctx, c.Handle, container.ExecOptions{
		Cmd:          req.Argv(),
		Env:          envList(req.Environment),
		WorkingDir:   req.WorkingDir,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return platform.CommandHandle{}, fmt.Errorf("create exec in %s: %w", c.Name, err)
	}
	attached, err := p.api.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return platform.CommandHandle{}, fmt.Errorf("attach exec in %s: %w", c.Name, err)
	}

	state := &execState{done: make(chan struct{})}
	p.mu.Lock()
	p.execs[created.ID] = state
	p.mu.Unlock()

	stdout, stderr := req.Stdout, req.Stderr
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}
	go func() {
		defer close(state.done)
		defer attached.Close()
		if _, err := stdcopy.StdCopy(stdout, stderr, attached.Reader); err != nil && !errors.Is(err, io.EOF) {
			state.err = err
		}
	}()

	return platform.CommandHandle{ID: created.ID, Container: c}, nil
}

func (p *Platform) Wait(ctx context.Context, h platform.CommandHandle) (int, error) {
	p.mu.Lock()
	state, ok := p.execs[h.ID]
	p.mu.Unlock()
	if !ok {
		return -1, fmt.Errorf("wait for %s: %w", h.ID, platform.ErrUnknownHandle)
	}
	defer func() {
		p.mu.Lock()
		delete(p.execs, h.ID)
		p.mu.Unlock()
	}()

	select {
	case <-state.done:
	case <-ctx.Done():
		return -1, ctx.Err()
	}
	if state.err != nil {
		return -1, fmt.Errorf("stream output of %s: %w", h.Container.Name, state.err)
	}

	ticker := time.NewTicker(p.opts.PollInterval)
	defer ticker.Stop()
	for {
		info, err := p.api.ContainerExecInspect(ctx, h.ID)
		if err != nil {
			return -1, fmt.Errorf("inspect exec in %s: %w", h.Container.Name, err)
		}
		if !info.Running {
			return info.ExitCode, nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return -1, ctx.Err()
		}
	}
}

// DestroyAll force-removes every container and network labelled for the run.
func (p *Platform) DestroyAll(ctx context.Context) error {
	label := platform.LabelRun
	if p.opts.RunID != "" {
		label += "=" + p.opts.RunID
	}
	args := filters.NewArgs(filters.Arg("label", label))

	containers, err := p.api.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return fmt.Errorf("list containers: %w", err)
	}
	var errs []error
	for _, c := range containers {
		if err := p.api.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil && !errdefs.IsNotFound(err) {
			errs = append(errs, fmt.Errorf("remove container %s: %w", c.ID, err))
		}
	}

	networks, err := p.api.NetworkList(ctx, network.ListOptions{Filters: args})
	if err != nil {
		errs = append(errs, fmt.Errorf("list networks: %w", err))
	}
	for _, n := range networks {
		if err := p.api.NetworkRemove(ctx, n.ID); err != nil && !errdefs.IsNotFound(err) {
			errs = append(errs, fmt.Errorf("remove network %s: %w", n.Name, err))
		}
	}

	p.mu.Lock()
	p.networkID = ""
	p.mu.Unlock()

	p.logger.Info("resources removed", "containers", len(containers), "networks", len(networks))
	return errors.Join(errs...)
}

package platform

import (
	"context"
	"errors"
	"io"
	"net/netip"
	"strconv"

	"github.com/cochaviz/testbed/internal/allocation"
	"github.com/cochaviz/testbed/internal/profiles"
)

// LabelRun marks every resource created for a run so cleanup can find it.
const LabelRun = "testbed.run"

// LabelContainer carries the container id within the run.
const LabelContainer = "testbed.container"

// ErrUnknownHandle is returned when a handle was not issued by the platform.
var ErrUnknownHandle = errors.New("unknown platform handle")

// ContainerRequest describes one emulated device to create.
type ContainerRequest struct {
	RunID       string
	ContainerID int
	Name        string
	Image       string

	IP      netip.Addr
	Subnet  netip.Prefix
	Gateway netip.Addr

	Resources   allocation.Resources
	Volumes     []string
	Environment map[string]string
	DockerArgs  map[string]string
	WorkingDir  string
}

// Labels returns the labels attached to the created resources.
func (r ContainerRequest) Labels() map[string]string {
	return map[string]string{
		LabelRun:       r.RunID,
		LabelContainer: strconv.Itoa(r.ContainerID),
	}
}

// Container is a created device as seen by the platform.
type Container struct {
	// Handle is the platform's identifier of the container.
	Handle      string
	ContainerID int
	Name        string
	IP          netip.Addr
}

// LinkParams are the qualities programmed onto a container's access link.
// Zero values leave the respective parameter unshaped.
type LinkParams struct {
	BandwidthMbps float64
	DelayMS       float64
	JitterMS      float64
	LossPercent   float64
}

// LinkFromProfile converts a network profile. ok is false for unconstrained
// profiles, which need no shaping.
func LinkFromProfile(p profiles.NetworkProfile) (LinkParams, bool) {
	if !p.Shaped() {
		return LinkParams{}, false
	}
	return LinkParams{
		BandwidthMbps: max(p.BandwidthMbps, 0),
		DelayMS:       p.DelayMS,
		JitterMS:      p.JitterMS,
		LossPercent:   p.LossPercent,
	}, true
}

// ExecRequest is a single command to run inside a container.
type ExecRequest struct {
	Command     string
	Shell       string
	WorkingDir  string
	Environment map[string]string

	// Output of the command is copied to these writers before Wait returns.
	Stdout io.Writer
	Stderr io.Writer
}

// Argv returns the command line that runs Command through Shell.
func (r ExecRequest) Argv() []string {
	shell := r.Shell
	if shell == "" {
		shell = "/bin/sh"
	}
	return []string{shell, "-c", r.Command}
}

// CommandHandle refers to an exec started on the platform.
type CommandHandle struct {
	ID        string
	Container Container
}

// Platform is the container-networking collaborator that realizes a run.
type Platform interface {
	CreateContainer(ctx context.Context, req ContainerRequest) (Container, error)
	ConfigureLink(ctx context.Context, c Container, link LinkParams) error
	Exec(ctx context.Context, c Container, req ExecRequest) (CommandHandle, error)
	Wait(ctx context.Context, h CommandHandle) (int, error)
	DestroyAll(ctx context.Context) error
}

// RequestValidator is implemented by platforms that can reject requests
// before anything is created.
type RequestValidator interface {
	ValidateRequest(req ContainerRequest) error
}

// ValidateAll runs the platform's request validation, if it has any.
func ValidateAll(p Platform, reqs []ContainerRequest) error {
	v, ok := p.(RequestValidator)
	if !ok {
		return nil
	}
	var errs []error
	for _, req := range reqs {
		if err := v.ValidateRequest(req); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Package memory is a platform that only pretends to run containers. It backs
// dry runs and lets tests script command outcomes.
package memory

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/cochaviz/testbed/internal/logging"
	"github.com/cochaviz/testbed/internal/platform"
)

// Behavior is the scripted outcome of one exec.
type Behavior struct {
	ExitCode int
	Duration time.Duration
	Stdout   string
	Stderr   string
	// StartErr makes Exec itself fail.
	StartErr error
}

// Script decides how a command behaves.
type Script func(c platform.Container, req platform.ExecRequest) Behavior

// Succeed is the default script: every command exits zero immediately.
func Succeed(platform.Container, platform.ExecRequest) Behavior {
	return Behavior{}
}

// ExecRecord is one exec observed by the platform.
type ExecRecord struct {
	ID          string
	ContainerID int
	Container   string
	Command     string
	Started     time.Time
	Finished    time.Time
	ExitCode    int
	// Killed is set when the exec was cut short by cancellation or teardown.
	Killed bool
}

type execState struct {
	record ExecRecord
	done   chan struct{}
	cancel context.CancelFunc
}

// Platform implements platform.Platform in memory.
type Platform struct {
	script Script
	logger *slog.Logger

	mu         sync.Mutex
	nextExec   int
	containers map[string]platform.Container
	requests   map[string]platform.ContainerRequest
	links      map[string]platform.LinkParams
	execs      map[string]*execState
	order      []string
	destroyed  int
}

var _ platform.Platform = (*Platform)(nil)

// New returns an empty platform. A nil script uses Succeed.
func New(script Script, logger *slog.Logger) *Platform {
	if script == nil {
		script = Succeed
	}
	return &Platform{
		script:     script,
		logger:     logging.Ensure(logger).With("component", "platform.memory"),
		containers: make(map[string]platform.Container),
		requests:   make(map[string]platform.ContainerRequest),
		links:      make(map[string]platform.LinkParams),
		execs:      make(map[string]*execState),
	}
}

func (p *Platform) CreateContainer(ctx context.Context, req platform.ContainerRequest) (platform.Container, error) {
	if err := ctx.Err(); err != nil {
		return platform.Container{}, err
	}
	if req.Name == "" {
		return platform.Container{}, errors.New("container name is required")
	}
	if !req.IP.IsValid() {
		return platform.Container{}, fmt.Errorf("container %s: no address requested", req.Name)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	handle := "mem-" + req.Name
	if _, exists := p.containers[handle]; exists {
		return platform.Container{}, fmt.Errorf("container %s already exists", req.Name)
	}
	c := platform.Container{
		Handle:      handle,
		ContainerID: req.ContainerID,
		Name:        req.Name,
		IP:          req.IP,
	}
	p.containers[handle] = c
	p.requests[handle] = req
	p.logger.Debug("container created", "name", req.Name, "ip", req.IP.String(), "cpuset", req.Resources.CpusetCpus)
	return c, nil
}

func (p *Platform) ConfigureLink(ctx context.Context, c platform.Container, link platform.LinkParams) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.containers[c.Handle]; !ok {
		return fmt.Errorf("configure link of %s: %w", c.Name, platform.ErrUnknownHandle)
	}
	p.links[c.Handle] = link
	return nil
}

func (p *Platform) Exec(ctx context.Context, c platform.Container, req platform.ExecRequest) (platform.CommandHandle, error) {
	if err := ctx.Err(); err != nil {
		return platform.CommandHandle{}, err
	}

	p.mu.Lock()
	if _, ok := p.containers[c.Handle]; !ok {
		p.mu.Unlock()
		return platform.CommandHandle{}, fmt.Errorf("exec in %s: %w", c.Name, platform.ErrUnknownHandle)
	}
	p.mu.Unlock()

	behavior := p.script(c, req)
	if behavior.StartErr != nil {
		return platform.CommandHandle{}, behavior.StartErr
	}

	execCtx, cancel := context.WithCancel(ctx)
	state := &execState{
		done:   make(chan struct{}),
		cancel: cancel,
	}

	p.mu.Lock()
	p.nextExec++
	id := fmt.Sprintf("exec-%d", p.nextExec)
	state.record = ExecRecord{
		ID:          id,
		ContainerID: c.ContainerID,
		Container:   c.Name,
		Command:     req.Command,
		Started:     time.Now(),
	}
	p.execs[id] = state
	p.order = append(p.order, id)
	p.mu.Unlock()

	go func() {
		defer close(state.done)
		defer cancel()

		timer := time.NewTimer(behavior.Duration)
		defer timer.Stop()

		killed := false
		select {
		case <-timer.C:
		case <-execCtx.Done():
			killed = true
		}

		if !killed {
			writeOutput(req.Stdout, behavior.Stdout)
			writeOutput(req.Stderr, behavior.Stderr)
		}

		p.mu.Lock()
		state.record.Finished = time.Now()
		state.record.Killed = killed
		state.record.ExitCode = behavior.ExitCode
		if killed {
			state.record.ExitCode = 137
		}
		p.mu.Unlock()
	}()

	return platform.CommandHandle{ID: id, Container: c}, nil
}

func (p *Platform) Wait(ctx context.Context, h platform.CommandHandle) (int, error) {
	p.mu.Lock()
	state, ok := p.execs[h.ID]
	p.mu.Unlock()
	if !ok {
		return -1, fmt.Errorf("wait for %s: %w", h.ID, platform.ErrUnknownHandle)
	}

	select {
	case <-state.done:
	case <-ctx.Done():
		return -1, ctx.Err()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if state.record.Killed {
		return state.record.ExitCode, fmt.Errorf("command %s in %s was terminated", h.ID, h.Container.Name)
	}
	return state.record.ExitCode, nil
}

// DestroyAll terminates running commands and forgets every container.
func (p *Platform) DestroyAll(ctx context.Context) error {
	p.mu.Lock()
	states := make([]*execState, 0, len(p.execs))
	for _, s := range p.execs {
		s.cancel()
		states = append(states, s)
	}
	p.containers = make(map[string]platform.Container)
	p.destroyed++
	p.mu.Unlock()

	for _, s := range states {
		select {
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	p.logger.Debug("all containers destroyed")
	return nil
}

// Containers returns the live containers ordered by container id.
func (p *Platform) Containers() []platform.Container {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]platform.Container, 0, len(p.containers))
	for _, c := range p.containers {
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b platform.Container) int { return a.ContainerID - b.ContainerID })
	return out
}

// Request returns the request a container was created from.
func (p *Platform) Request(name string) (platform.ContainerRequest, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	req, ok := p.requests["mem-"+name]
	return req, ok
}

// Link returns the link configured on a container.
func (p *Platform) Link(name string) (platform.LinkParams, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	link, ok := p.links["mem-"+name]
	return link, ok
}

// Execs returns every exec in the order it was started.
func (p *Platform) Execs() []ExecRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ExecRecord, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, p.execs[id].record)
	}
	return out
}

// Destroyed reports how many times DestroyAll was called.
func (p *Platform) Destroyed() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.destroyed
}

func writeOutput(w io.Writer, s string) {
	if w == nil || s == "" {
		return
	}
	_, _ = io.WriteString(w, s)
}

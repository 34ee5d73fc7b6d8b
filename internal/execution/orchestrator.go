package execution

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/uber-go/tally/v4"
	"golang.org/x/sync/errgroup"

	"github.com/cochaviz/testbed/internal/logging"
	"github.com/cochaviz/testbed/internal/plan"
	"github.com/cochaviz/testbed/internal/platform"
)

// Options configures an orchestrator.
type Options struct {
	// LogDir receives one log file per container. Empty disables log files.
	LogDir string
	// ContinueOnError keeps running later roles after a blocking role failed.
	ContinueOnError bool
	Metrics         tally.Scope
	Logger          *slog.Logger
}

// Orchestrator drives an execution plan against a platform.
type Orchestrator struct {
	platform   platform.Platform
	containers map[int]platform.Container
	opts       Options
	logger     *slog.Logger
	metrics    tally.Scope

	mu      sync.Mutex
	results map[int]Result
}

// NewOrchestrator creates an orchestrator for containers already created on
// p, keyed by container id.
func NewOrchestrator(p platform.Platform, containers map[int]platform.Container, opts Options) *Orchestrator {
	scope := opts.Metrics
	if scope == nil {
		scope = tally.NoopScope
	}
	return &Orchestrator{
		platform:   p,
		containers: containers,
		opts:       opts,
		logger:     logging.Ensure(opts.Logger).With("component", "orchestrator"),
		metrics:    scope.SubScope("execution"),
	}
}

// Run executes the plan's roles in order and returns a result for every
// container that belongs to a role. The error is non-nil only when the run
// was aborted by a failed blocking role or cancelled; per-container failures
// are reported in the results.
func (o *Orchestrator) Run(ctx context.Context, p *plan.ExecutionPlan) (map[int]Result, error) {
	o.mu.Lock()
	o.results = make(map[int]Result)
	o.mu.Unlock()

	var background sync.WaitGroup
	var runErr error

	for i, role := range p.Roles {
		if err := ctx.Err(); err != nil {
			o.markRemaining(p, p.Roles[i:], StateAborted, err)
			runErr = fmt.Errorf("run cancelled before role %q: %w", role.Name, err)
			break
		}

		logger := o.logger.With("role", role.Name)
		if role.StartupDelay > 0 {
			logger.Info("waiting before starting role", "delay", role.StartupDelay)
			if !waitWithContext(ctx, role.StartupDelay) {
				o.markRemaining(p, p.Roles[i:], StateAborted, ctx.Err())
				runErr = fmt.Errorf("run cancelled before role %q: %w", role.Name, ctx.Err())
				break
			}
		}

		logger.Info("starting role",
			"containers", role.ContainerIDs,
			"wait_for_completion", role.WaitForCompletion,
		)
		o.metrics.Counter("roles_started").Inc(1)

		var group errgroup.Group
		for _, id := range role.ContainerIDs {
			cp := p.Containers[id]
			if role.WaitForCompletion {
				group.Go(func() error {
					o.runContainer(ctx, role, cp, func() {})
					return nil
				})
				continue
			}

			launched := make(chan struct{})
			var once sync.Once
			signal := func() { once.Do(func() { close(launched) }) }
			background.Add(1)
			go func() {
				defer background.Done()
				defer signal()
				o.runContainer(ctx, role, cp, signal)
			}()
			group.Go(func() error {
				<-launched
				return nil
			})
		}
		_ = group.Wait()

		if !role.WaitForCompletion {
			logger.Info("role launched; not waiting for completion")
			continue
		}

		failures := o.failuresOf(role)
		if len(failures) == 0 {
			logger.Info("role completed")
			continue
		}
		if ctx.Err() != nil {
			continue
		}
		if o.opts.ContinueOnError {
			logger.Warn("role failed; continuing", "failed", len(failures))
			continue
		}
		logger.Error("role failed; aborting remaining roles", "failed", len(failures))
		o.markRemaining(p, p.Roles[i+1:], StateSkipped, nil)
		runErr = fmt.Errorf("%w: role %q failed: %w", ErrAborted, role.Name, errors.Join(failures...))
		break
	}

	background.Wait()

	if runErr == nil && ctx.Err() != nil {
		runErr = fmt.Errorf("run cancelled: %w", ctx.Err())
	}

	o.mu.Lock()
	results := o.results
	o.results = nil
	o.mu.Unlock()

	if running := LeftRunning(results); len(running) > 0 {
		o.logger.Warn("containers left running after cancellation", "containers", running)
	}
	return results, runErr
}

func (o *Orchestrator) runContainer(ctx context.Context, role plan.RolePlan, cp plan.ContainerPlan, launched func()) {
	start := time.Now()
	logger := o.logger.With("role", role.Name, "container", cp.Name)
	scope := o.metrics.Tagged(map[string]string{"role": role.Name})

	res := Result{
		ContainerID: cp.ContainerID,
		Container:   cp.Name,
		Role:        role.Name,
		State:       StateRunning,
		ExitCode:    -1,
	}
	defer func() {
		res.Duration = time.Since(start)
		o.record(res)
	}()

	container, ok := o.containers[cp.ContainerID]
	if !ok {
		res.State = StateFailed
		res.Err = fmt.Errorf("container %d was not created", cp.ContainerID)
		launched()
		return
	}

	out, logPath, err := o.openLog(cp)
	if err != nil {
		logger.Warn("container log unavailable; output discarded", "error", err)
		out = nopCloser{io.Discard}
	}
	defer out.Close()
	res.LogPath = logPath
	o.record(res)

	w := &lockedWriter{w: out}
	fmt.Fprintf(w, "=== Started: %s ===\n", start.Format(time.RFC3339))

	for _, cmd := range cp.PreCommands {
		code, err := o.execAndWait(ctx, container, cp, cmd, w)
		if err != nil || code != 0 {
			launched()
			if ctx.Err() != nil {
				res.State = StateAborted
				res.Err = ctx.Err()
				return
			}
			res.State = StateFailed
			res.ExitCode = code
			res.Err = o.failure(role, cp, plan.PhasePre, code, cmd, err)
			scope.Counter("exec_failure").Inc(1)
			logger.Error("pre-command failed; main command not started", "error", res.Err)
			fmt.Fprintf(w, "=== Pre-command failed - Exit code: %d ===\n", code)
			return
		}
	}

	handle, err := o.platform.Exec(ctx, container, o.execRequest(cp, cp.Command, w))
	launched()
	if err != nil {
		if ctx.Err() != nil {
			res.State = StateAborted
			res.Err = ctx.Err()
			return
		}
		res.State = StateFailed
		res.Err = fmt.Errorf("start main command: %w", err)
		scope.Counter("exec_failure").Inc(1)
		logger.Error("main command could not be started", "error", err)
		return
	}

	code, err := o.platform.Wait(ctx, handle)
	if ctx.Err() != nil {
		res.Err = ctx.Err()
		logger.Warn("run cancelled while main command was in flight")
		return
	}
	res.ExitCode = code
	switch {
	case err != nil:
		res.State = StateFailed
		res.Err = fmt.Errorf("wait for main command: %w", err)
		scope.Counter("exec_failure").Inc(1)
	case code != 0:
		res.State = StateFailed
		res.Err = o.failure(role, cp, plan.PhaseMain, code, cp.Command, nil)
		scope.Counter("exec_failure").Inc(1)
	default:
		res.State = StateSucceeded
		scope.Counter("exec_success").Inc(1)
	}
	scope.Timer("exec_duration").Record(time.Since(start))
	fmt.Fprintf(w, "=== Finished: %s - Exit code: %d ===\n", time.Now().Format(time.RFC3339), code)
	if res.State == StateFailed {
		logger.Error("main command failed", "exit_code", code, "error", res.Err)
	} else {
		logger.Info("main command completed", "duration", time.Since(start).Round(time.Millisecond))
	}

	for _, cmd := range cp.PostCommands {
		code, err := o.execAndWait(ctx, container, cp, cmd, w)
		if ctx.Err() != nil {
			return
		}
		if err != nil || code != 0 {
			res.PostFailures++
			logger.Warn("post-command failed", "command", cmd, "exit_code", code, "error", err)
		}
	}
}

func (o *Orchestrator) execAndWait(ctx context.Context, c platform.Container, cp plan.ContainerPlan, cmd string, w io.Writer) (int, error) {
	h, err := o.platform.Exec(ctx, c, o.execRequest(cp, cmd, w))
	if err != nil {
		return -1, err
	}
	return o.platform.Wait(ctx, h)
}

func (o *Orchestrator) execRequest(cp plan.ContainerPlan, cmd string, w io.Writer) platform.ExecRequest {
	return platform.ExecRequest{
		Command:     cmd,
		Shell:       cp.Shell,
		WorkingDir:  cp.WorkingDir,
		Environment: cp.Environment,
		Stdout:      w,
		Stderr:      w,
	}
}

func (o *Orchestrator) failure(role plan.RolePlan, cp plan.ContainerPlan, phase plan.Phase, code int, cmd string, cause error) error {
	f := &ExecutionFailure{
		Role:        role.Name,
		ContainerID: cp.ContainerID,
		Phase:       phase,
		ExitCode:    code,
		Command:     cmd,
	}
	if cause != nil {
		return errors.Join(f, cause)
	}
	return f
}

func (o *Orchestrator) openLog(cp plan.ContainerPlan) (io.WriteCloser, string, error) {
	dir := strings.TrimSpace(o.opts.LogDir)
	if dir == "" || cp.LogName == "" {
		return nopCloser{io.Discard}, "", nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, "", fmt.Errorf("create log dir %s: %w", dir, err)
	}
	path := filepath.Join(dir, cp.LogName)
	f, err := os.Create(path)
	if err != nil {
		return nil, "", fmt.Errorf("create log %s: %w", path, err)
	}
	return f, path, nil
}

func (o *Orchestrator) record(res Result) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.results != nil {
		o.results[res.ContainerID] = res
	}
}

func (o *Orchestrator) failuresOf(role plan.RolePlan) []error {
	o.mu.Lock()
	defer o.mu.Unlock()
	var errs []error
	for _, id := range role.ContainerIDs {
		if r, ok := o.results[id]; ok && r.State == StateFailed {
			err := r.Err
			if err == nil {
				err = fmt.Errorf("container %d failed", id)
			}
			errs = append(errs, err)
		}
	}
	return errs
}

func (o *Orchestrator) markRemaining(p *plan.ExecutionPlan, roles []plan.RolePlan, state State, cause error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, role := range roles {
		for _, id := range role.ContainerIDs {
			if _, seen := o.results[id]; seen {
				continue
			}
			o.results[id] = Result{
				ContainerID: id,
				Container:   p.Containers[id].Name,
				Role:        role.Name,
				State:       state,
				ExitCode:    -1,
				Err:         cause,
			}
		}
	}
}

// waitWithContext sleeps for d and reports whether it completed before ctx
// was cancelled.
func waitWithContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }

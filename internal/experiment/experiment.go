// Package experiment wires the pipeline of a run: build the roster, build the
// plan, provision the containers, run the plan and tear everything down.
package experiment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/uber-go/tally/v4"

	"github.com/cochaviz/testbed/internal/allocation"
	"github.com/cochaviz/testbed/internal/artifacts"
	"github.com/cochaviz/testbed/internal/config"
	"github.com/cochaviz/testbed/internal/execution"
	"github.com/cochaviz/testbed/internal/logging"
	"github.com/cochaviz/testbed/internal/plan"
	"github.com/cochaviz/testbed/internal/platform"
	"github.com/cochaviz/testbed/internal/roster"
	"github.com/cochaviz/testbed/internal/setup"
)

// TimestampLayout stamps run directories and log names.
const TimestampLayout = "20060102_150405"

const teardownTimeout = 2 * time.Minute

// Options tune a run beyond what the experiment file says.
type Options struct {
	// Seed replaces network.seed when set.
	Seed *uint64
	// CPUs are the host cores the run may use. Empty reads the affinity of
	// the process; network.cpu.cpus still takes precedence.
	CPUs []int
	// OutputBase holds the run directories. Empty uses application.output_dir
	// and then artifacts.DefaultBaseDir.
	OutputBase string
	// RunID replaces the generated id.
	RunID string
	// Now stamps the run. Nil means time.Now.
	Now func() time.Time

	// NewPlatform creates the backend. Nil selects it by network.backend.
	NewPlatform PlatformFactory
	// Keep leaves the containers running after the plan finished. They are
	// removed by Cleanup.
	Keep bool

	// LogMode and LogLevel format run.log.
	LogMode  logging.Mode
	LogLevel slog.Leveler
	Metrics  tally.Scope
	Logger   *slog.Logger
}

// Prepared is everything known about a run before a platform is touched.
type Prepared struct {
	Info     artifacts.RunInfo
	Dir      string
	Roster   *roster.Roster
	Plan     *plan.ExecutionPlan
	Requests []platform.ContainerRequest
	Topology artifacts.Topology
}

// Outcome is a finished run.
type Outcome struct {
	*Prepared
	Results   map[int]execution.Result
	Artifacts []artifacts.Artifact
}

// Failed lists the containers whose commands did not succeed.
func (o *Outcome) Failed() []int {
	return execution.Failed(o.Results)
}

type identity struct {
	runID     string
	timestamp string
	seed      uint64
	base      string
	name      string
}

func newIdentity(f *config.File, opts Options) identity {
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	id := identity{runID: opts.RunID, timestamp: now().Format(TimestampLayout)}
	if id.runID == "" {
		id.runID = uuid.NewString()
	}
	switch {
	case opts.Seed != nil:
		id.seed = *opts.Seed
	case f.Network.Seed != nil:
		id.seed = *f.Network.Seed
	default:
		id.seed = rand.Uint64()
	}

	id.base = opts.OutputBase
	if id.base == "" {
		id.base = f.Path(f.Application.OutputDir)
	}
	if id.base == "" {
		id.base = artifacts.DefaultBaseDir
	}
	id.name = artifacts.DirName(
		id.timestamp,
		f.Network.Image,
		f.Network.Containers-1,
		strings.Join(f.Network.NetworkType, "-"),
		strings.Join(f.Network.DeviceType, "-"),
		f.Application.Name,
	)
	return id
}

// Prepare resolves profiles, allocates CPUs and builds the execution plan.
// Nothing is created; the result can be printed as a dry run.
func Prepare(f *config.File, opts Options) (*Prepared, error) {
	return prepare(f, newIdentity(f, opts), opts)
}

func prepare(f *config.File, id identity, opts Options) (*Prepared, error) {
	logger := logging.Ensure(opts.Logger).With("component", "experiment")

	cpus := opts.CPUs
	if len(cpus) == 0 {
		topo, err := setup.HostTopology()
		if err != nil {
			return nil, err
		}
		cpus = topo.CPUs
	}
	alloc, err := f.AllocationOptions(len(cpus))
	if err != nil {
		return nil, err
	}
	if len(alloc.CPUs) == 0 {
		alloc.CPUs = cpus
	}
	alloc.Logger = opts.Logger

	resolver, err := f.Resolver(id.seed)
	if err != nil {
		return nil, err
	}
	ropts, err := f.RosterOptions(alloc)
	if err != nil {
		return nil, err
	}
	ropts.Logger = opts.Logger
	r, err := roster.Build(resolver, ropts)
	if err != nil {
		return nil, fmt.Errorf("build roster: %w", err)
	}

	dir, err := filepath.Abs(filepath.Join(id.base, id.name))
	if err != nil {
		return nil, fmt.Errorf("resolve run directory: %w", err)
	}
	p, err := plan.Build(f.Roles(), f.Application.RoleOrder, r, plan.Options{
		Name:          f.Application.Name,
		Variables:     f.Variables(),
		Defaults:      f.Defaults(),
		HostOutputDir: dir,
		BaseDir:       f.BaseDir,
		RunID:         id.runID,
		Timestamp:     id.timestamp,
		Logger:        opts.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("build plan: %w", err)
	}

	requests := containerRequests(r, p, id.runID, f.CPUPeriod())
	topology := artifacts.NewTopology(r, p)
	for i := range topology.Containers {
		topology.Containers[i].Resources = requests[i].Resources
	}

	logger.Info("experiment prepared",
		"name", p.Name,
		"run_id", id.runID,
		"seed", id.seed,
		"containers", r.Len(),
		"allocation", r.Allocation.Outcome,
	)
	return &Prepared{
		Info: artifacts.RunInfo{
			Name:      p.Name,
			RunID:     id.runID,
			Timestamp: id.timestamp,
			Seed:      id.seed,
			Backend:   f.Network.Backend,
			HostCPUs:  allocation.FormatCPUSet(alloc.CPUs),
		},
		Dir:      dir,
		Roster:   r,
		Plan:     p,
		Requests: requests,
		Topology: topology,
	}, nil
}

func containerRequests(r *roster.Roster, p *plan.ExecutionPlan, runID string, period int64) []platform.ContainerRequest {
	reqs := make([]platform.ContainerRequest, 0, r.Len())
	for _, slot := range r.Slots {
		cp := p.Containers[slot.ID]
		reqs = append(reqs, platform.ContainerRequest{
			RunID:       runID,
			ContainerID: slot.ID,
			Name:        cp.Name,
			Image:       cp.Image,
			IP:          slot.IP,
			Subnet:      slot.Subnet,
			Gateway:     slot.Gateway,
			Resources:   slot.Allocation.Resources(period),
			Volumes:     cp.Mounts(),
			Environment: cp.Environment,
			DockerArgs:  cp.DockerArgs,
			WorkingDir:  cp.WorkingDir,
		})
	}
	return reqs
}

// Run executes the experiment end to end. The outcome is returned whenever the
// plan started, also together with an error.
func Run(ctx context.Context, f *config.File, opts Options) (*Outcome, error) {
	id := newIdentity(f, opts)
	dir, err := artifacts.NewRunDir(id.base, id.name)
	if err != nil {
		return nil, err
	}

	runLog, err := os.OpenFile(dir.Path(artifacts.RunLog), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open run log: %w", err)
	}
	defer runLog.Close()
	level := opts.LogLevel
	if level == nil {
		level = slog.LevelInfo
	}
	opts.Logger = logging.Tee(opts.Logger, opts.LogMode, runLog, level)
	logger := opts.Logger.With("component", "experiment")
	logger.Info("run directory created", "path", dir.Root)

	prep, err := prepare(f, id, opts)
	if err != nil {
		logger.Error("experiment could not be prepared", "error", err)
		return nil, err
	}

	if err := writeInputs(dir, f, prep); err != nil {
		return nil, err
	}

	factory := opts.NewPlatform
	if factory == nil {
		if factory, err = BackendFactory(f, opts.Logger); err != nil {
			return nil, err
		}
	}
	backend, err := factory(prep.Info.RunID)
	if err != nil {
		return nil, fmt.Errorf("create %s platform: %w", f.Network.Backend, err)
	}
	if c, ok := backend.(io.Closer); ok {
		defer c.Close()
	}
	if err := platform.ValidateAll(backend, prep.Requests); err != nil {
		return nil, fmt.Errorf("platform rejected the roster: %w", err)
	}

	outcome := &Outcome{Prepared: prep}
	runErr := execute(ctx, backend, f, prep, dir, opts, outcome)

	if !opts.Keep || outcome.Results == nil {
		if err := teardown(ctx, backend, logger); err != nil {
			runErr = errors.Join(runErr, err)
		}
	} else {
		logger.Warn("containers kept; remove them with testbed cleanup", "run_id", prep.Info.RunID)
	}

	if outcome.Results != nil {
		if _, err := dir.WriteRecord(artifacts.ResultsRecord, artifacts.NewResults(outcome.Results)); err != nil {
			runErr = errors.Join(runErr, err)
		}
		for _, res := range outcome.Results {
			if res.LogPath == "" {
				continue
			}
			if _, err := dir.Register(res.LogPath, artifacts.LogArtifact, map[string]any{"container_id": res.ContainerID, "role": res.Role}); err != nil {
				logger.Warn("container log not registered", "path", res.LogPath, "error", err)
			}
		}
	}
	if _, err := dir.Register(dir.Path(artifacts.RunLog), artifacts.LogArtifact, nil); err != nil {
		logger.Warn("run log not registered", "error", err)
	}
	if err := dir.WriteManifest(); err != nil {
		runErr = errors.Join(runErr, err)
	}
	outcome.Artifacts = dir.Artifacts()

	logger.Info("experiment finished",
		"path", dir.Root,
		"containers", len(outcome.Results),
		"failed", outcome.Failed(),
	)
	return outcome, runErr
}

func writeInputs(dir *artifacts.RunDir, f *config.File, prep *Prepared) error {
	for i, src := range f.Sources {
		name := artifacts.OriginalConfig
		if i > 0 {
			name = fmt.Sprintf("config_original.%d.yaml", i)
		}
		path := dir.Path(name)
		if err := os.WriteFile(path, src, 0o644); err != nil {
			return fmt.Errorf("save %s: %w", name, err)
		}
		if _, err := dir.Register(path, artifacts.RecordArtifact, nil); err != nil {
			return err
		}
	}
	records := []struct {
		name string
		v    any
	}{
		{artifacts.RunInfoRecord, prep.Info},
		{artifacts.TopologyRecord, prep.Topology},
		{artifacts.ApplicationRecord, prep.Plan},
		{artifacts.CommandsRecord, artifacts.NewCommandLog(prep.Plan)},
	}
	for _, rec := range records {
		if _, err := dir.WriteRecord(rec.name, rec.v); err != nil {
			return err
		}
	}
	return nil
}

// execute provisions every container and runs the plan. outcome.Results is
// set once the orchestrator ran.
func execute(ctx context.Context, backend platform.Platform, f *config.File, prep *Prepared, dir *artifacts.RunDir, opts Options, outcome *Outcome) error {
	logger := logging.Ensure(opts.Logger).With("component", "experiment")

	containers := make(map[int]platform.Container, len(prep.Requests))
	for _, req := range prep.Requests {
		c, err := backend.CreateContainer(ctx, req)
		if err != nil {
			return fmt.Errorf("create container %s: %w", req.Name, err)
		}
		containers[req.ContainerID] = c

		slot := prep.Roster.Slots[req.ContainerID]
		if link, ok := platform.LinkFromProfile(slot.Network); ok {
			if err := backend.ConfigureLink(ctx, c, link); err != nil {
				return fmt.Errorf("shape link of %s: %w", req.Name, err)
			}
			logger.Info("link shaped", "container", req.Name, "network", slot.Network.Name)
		}
	}
	logger.Info("containers provisioned", "count", len(containers))

	orchestrator := execution.NewOrchestrator(backend, containers, execution.Options{
		LogDir:          dir.LogDir(),
		ContinueOnError: f.Application.ContinueOnError,
		Metrics:         opts.Metrics,
		Logger:          opts.Logger,
	})
	results, err := orchestrator.Run(ctx, prep.Plan)
	outcome.Results = results
	return err
}

// teardown outlives a cancelled run so containers are not leaked.
func teardown(ctx context.Context, backend platform.Platform, logger *slog.Logger) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
	defer cancel()
	if err := backend.DestroyAll(ctx); err != nil {
		logger.Error("teardown incomplete", "error", err)
		return fmt.Errorf("teardown: %w", err)
	}
	logger.Info("containers removed")
	return nil
}

// Cleanup removes every testbed resource the backend of f knows about, for
// example containers kept by an earlier run.
func Cleanup(ctx context.Context, f *config.File, factory PlatformFactory, logger *slog.Logger) error {
	logger = logging.Ensure(logger)
	if factory == nil {
		var err error
		if factory, err = BackendFactory(f, logger); err != nil {
			return err
		}
	}
	backend, err := factory("")
	if err != nil {
		return fmt.Errorf("create %s platform: %w", f.Network.Backend, err)
	}
	if c, ok := backend.(io.Closer); ok {
		defer c.Close()
	}
	return teardown(ctx, backend, logger.With("component", "experiment"))
}

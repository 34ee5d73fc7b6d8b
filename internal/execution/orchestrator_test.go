package execution

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/uber-go/tally/v4"
	"go.uber.org/goleak"

	"github.com/cochaviz/testbed/internal/plan"
	"github.com/cochaviz/testbed/internal/platform"
	"github.com/cochaviz/testbed/internal/platform/memory"
	"github.com/cochaviz/testbed/internal/profiles"
	"github.com/cochaviz/testbed/internal/roster"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// scripted interprets commands of the form "sleep=<ms> exit=<code> out=<text>".
func scripted(_ platform.Container, req platform.ExecRequest) memory.Behavior {
	var b memory.Behavior
	for _, field := range strings.Fields(req.Command) {
		key, value, _ := strings.Cut(field, "=")
		switch key {
		case "sleep":
			ms, _ := strconv.Atoi(value)
			b.Duration = time.Duration(ms) * time.Millisecond
		case "exit":
			b.ExitCode, _ = strconv.Atoi(value)
		case "out":
			b.Stdout = value + "\n"
		case "nostart":
			b.StartErr = errors.New("exec refused")
		}
	}
	return b
}

type harness struct {
	platform *memory.Platform
	plan     *plan.ExecutionPlan
	orch     *Orchestrator
	scope    tally.TestScope
}

func newHarness(t *testing.T, n int, roles []plan.RoleDefinition, opts Options) *harness {
	t.Helper()

	subnet := netip.MustParsePrefix("10.0.0.0/24")
	r := &roster.Roster{Subnet: subnet}
	for i := 0; i < n; i++ {
		r.Slots = append(r.Slots, roster.ContainerSlot{
			ID:     i,
			Name:   fmt.Sprintf("c%d", i),
			IP:     netip.AddrFrom4([4]byte{10, 0, 0, byte(i + 2)}),
			Subnet: subnet,
			Device: profiles.ResolvedDeviceSpec{DeviceProfile: profiles.UnconstrainedDevice()},
		})
	}
	p, err := plan.Build(roles, nil, r, plan.Options{Name: "test", BaseDir: "/", Timestamp: "ts"})
	if err != nil {
		t.Fatalf("plan.Build() error = %v", err)
	}

	mem := memory.New(scripted, nil)
	containers := make(map[int]platform.Container)
	for _, slot := range r.Slots {
		c, err := mem.CreateContainer(context.Background(), platform.ContainerRequest{
			ContainerID: slot.ID,
			Name:        slot.Name,
			IP:          slot.IP,
		})
		if err != nil {
			t.Fatalf("CreateContainer() error = %v", err)
		}
		containers[slot.ID] = c
	}

	scope := tally.NewTestScope("", nil)
	opts.Metrics = scope
	return &harness{
		platform: mem,
		plan:     p,
		orch:     NewOrchestrator(mem, containers, opts),
		scope:    scope,
	}
}

func (h *harness) exec(t *testing.T, command string) memory.ExecRecord {
	t.Helper()
	for _, rec := range h.platform.Execs() {
		if rec.Command == command {
			return rec
		}
	}
	t.Fatalf("command %q was never executed", command)
	return memory.ExecRecord{}
}

func (h *harness) counter(name string) int64 {
	var total int64
	for _, c := range h.scope.Snapshot().Counters() {
		if c.Name() == name {
			total += c.Value()
		}
	}
	return total
}

func noWait() *bool {
	v := false
	return &v
}

func TestBlockingRoleWaitsForSlowestContainer(t *testing.T) {
	h := newHarness(t, 3, []plan.RoleDefinition{
		{Name: "server", Selector: plan.IDs(0, 1), Command: "sleep={index}00"},
		{Name: "client", Selector: plan.IDs(2), Command: "sleep=1 out=client"},
	}, Options{})

	results, err := h.orch.Run(context.Background(), h.plan)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	slow := h.exec(t, "sleep=100")
	next := h.exec(t, "sleep=1 out=client")
	if next.Started.Before(slow.Finished) {
		t.Fatalf("client started at %v before slow server finished at %v", next.Started, slow.Finished)
	}
	for id := 0; id < 3; id++ {
		if results[id].State != StateSucceeded {
			t.Fatalf("container %d state = %s, want succeeded", id, results[id].State)
		}
	}
	if got := h.counter("execution.exec_success"); got != 3 {
		t.Fatalf("exec_success = %d, want 3", got)
	}
	if got := h.counter("execution.roles_started"); got != 2 {
		t.Fatalf("roles_started = %d, want 2", got)
	}
}

func TestNonBlockingRoleAdvancesAfterLaunch(t *testing.T) {
	h := newHarness(t, 2, []plan.RoleDefinition{
		{Name: "server", Selector: plan.IDs(0), Command: "sleep=200", WaitForCompletion: noWait()},
		{Name: "client", Selector: plan.IDs(1), Command: "sleep=1"},
	}, Options{})

	results, err := h.orch.Run(context.Background(), h.plan)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	server := h.exec(t, "sleep=200")
	client := h.exec(t, "sleep=1")
	if !client.Started.Before(server.Finished) {
		t.Fatalf("client waited for non-blocking server (client %v, server done %v)", client.Started, server.Finished)
	}
	if results[0].State != StateSucceeded {
		t.Fatalf("non-blocking container not joined: %+v", results[0])
	}
}

func TestFailedBlockingRoleAbortsRun(t *testing.T) {
	roles := []plan.RoleDefinition{
		{Name: "server", Selector: plan.IDs(0), Command: "exit=3"},
		{Name: "client", Selector: plan.IDs(1), Command: "sleep=1"},
	}
	h := newHarness(t, 2, roles, Options{})

	results, err := h.orch.Run(context.Background(), h.plan)
	if !errors.Is(err, ErrAborted) || !errors.Is(err, ErrExecutionFailure) {
		t.Fatalf("Run() error = %v, want ErrAborted wrapping ErrExecutionFailure", err)
	}
	var failure *ExecutionFailure
	if !errors.As(err, &failure) || failure.ExitCode != 3 || failure.Phase != plan.PhaseMain {
		t.Fatalf("ExecutionFailure = %+v", failure)
	}
	if results[0].State != StateFailed || results[0].ExitCode != 3 {
		t.Fatalf("server result = %+v", results[0])
	}
	if results[1].State != StateSkipped {
		t.Fatalf("client state = %s, want skipped", results[1].State)
	}
	if len(h.platform.Execs()) != 1 {
		t.Fatalf("later role was executed: %+v", h.platform.Execs())
	}
	if got := h.counter("execution.exec_failure"); got != 1 {
		t.Fatalf("exec_failure = %d, want 1", got)
	}

	h = newHarness(t, 2, roles, Options{ContinueOnError: true})
	results, err = h.orch.Run(context.Background(), h.plan)
	if err != nil {
		t.Fatalf("Run(ContinueOnError) error = %v", err)
	}
	if results[1].State != StateSucceeded {
		t.Fatalf("client state = %s, want succeeded", results[1].State)
	}
}

func TestNonBlockingFailureDoesNotHaltRun(t *testing.T) {
	h := newHarness(t, 2, []plan.RoleDefinition{
		{Name: "sensor", Selector: plan.IDs(0), Command: "exit=1", WaitForCompletion: noWait()},
		{Name: "client", Selector: plan.IDs(1), Command: "sleep=1"},
	}, Options{})

	results, err := h.orch.Run(context.Background(), h.plan)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if results[0].State != StateFailed || !errors.Is(results[0].Err, ErrExecutionFailure) {
		t.Fatalf("sensor result = %+v", results[0])
	}
	if results[1].State != StateSucceeded {
		t.Fatalf("client result = %+v", results[1])
	}
}

func TestPreAndPostCommands(t *testing.T) {
	h := newHarness(t, 2, []plan.RoleDefinition{
		{
			Name:         "a",
			Selector:     plan.IDs(0),
			Command:      "main-a",
			PreCommands:  []string{"pre-a"},
			PostCommands: []string{"exit=2 post-a", "post-a2"},
		},
		{
			Name:        "b",
			Selector:    plan.IDs(1),
			Command:     "main-b",
			PreCommands: []string{"exit=1 pre-b"},
		},
	}, Options{ContinueOnError: true})

	results, err := h.orch.Run(context.Background(), h.plan)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	var order []string
	for _, rec := range h.platform.Execs() {
		order = append(order, rec.Command)
	}
	want := "pre-a,main-a,exit=2 post-a,post-a2,exit=1 pre-b"
	if got := strings.Join(order, ","); got != want {
		t.Fatalf("exec order = %q, want %q", got, want)
	}

	if results[0].State != StateSucceeded || results[0].PostFailures != 1 {
		t.Fatalf("container 0 result = %+v", results[0])
	}
	var failure *ExecutionFailure
	if results[1].State != StateFailed || !errors.As(results[1].Err, &failure) || failure.Phase != plan.PhasePre {
		t.Fatalf("container 1 result = %+v", results[1])
	}
}

func TestMainCommandStartFailure(t *testing.T) {
	h := newHarness(t, 1, []plan.RoleDefinition{
		{Name: "a", Selector: plan.All(), Command: "nostart"},
	}, Options{})

	results, err := h.orch.Run(context.Background(), h.plan)
	if !errors.Is(err, ErrAborted) {
		t.Fatalf("Run() error = %v, want ErrAborted", err)
	}
	if results[0].State != StateFailed {
		t.Fatalf("result = %+v", results[0])
	}
}

func TestStartupDelayIsRelativeToRoleTurn(t *testing.T) {
	h := newHarness(t, 2, []plan.RoleDefinition{
		{Name: "server", Selector: plan.IDs(0), Command: "sleep=50"},
		{Name: "client", Selector: plan.IDs(1), Command: "sleep=1", StartupDelay: 80 * time.Millisecond},
	}, Options{})

	if _, err := h.orch.Run(context.Background(), h.plan); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	server := h.exec(t, "sleep=50")
	client := h.exec(t, "sleep=1")
	if gap := client.Started.Sub(server.Finished); gap < 80*time.Millisecond {
		t.Fatalf("client started %v after server finished, want at least 80ms", gap)
	}
}

func TestCancellationReportsRunningContainers(t *testing.T) {
	h := newHarness(t, 3, []plan.RoleDefinition{
		{Name: "server", Selector: plan.IDs(0), Command: "sleep=5000", WaitForCompletion: noWait()},
		{Name: "client", Selector: plan.IDs(1), Command: "sleep=5000"},
		{Name: "late", Selector: plan.IDs(2), Command: "sleep=1"},
	}, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)
	defer cancel()

	start := time.Now()
	results, err := h.orch.Run(ctx, h.plan)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("Run() took %v after cancellation", elapsed)
	}
	if got := LeftRunning(results); len(got) != 2 || got[0] != 0 || got[1] != 1 {
		t.Fatalf("LeftRunning() = %v, want [0 1]", got)
	}
	if results[2].State != StateAborted {
		t.Fatalf("late role state = %s, want aborted", results[2].State)
	}
	for _, rec := range h.platform.Execs() {
		if rec.Command == "sleep=1" {
			t.Fatal("work was issued after cancellation")
		}
	}
	if err := h.platform.DestroyAll(context.Background()); err != nil {
		t.Fatalf("DestroyAll() error = %v", err)
	}
}

func TestContainerLogs(t *testing.T) {
	dir := t.TempDir()
	h := newHarness(t, 1, []plan.RoleDefinition{
		{Name: "server", Selector: plan.All(), Command: "out=hello", PreCommands: []string{"out=prepared"}},
	}, Options{LogDir: dir})

	results, err := h.orch.Run(context.Background(), h.plan)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !strings.HasSuffix(results[0].LogPath, "server_c0_ts.log") {
		t.Fatalf("LogPath = %q", results[0].LogPath)
	}
	data, err := os.ReadFile(results[0].LogPath)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	log := string(data)
	for _, want := range []string{"=== Started:", "prepared\n", "hello\n", "Exit code: 0 ==="} {
		if !strings.Contains(log, want) {
			t.Fatalf("log missing %q:\n%s", want, log)
		}
	}
	if strings.Index(log, "prepared") > strings.Index(log, "hello") {
		t.Fatalf("pre-command output after main output:\n%s", log)
	}
}

func TestMissingContainerFails(t *testing.T) {
	h := newHarness(t, 2, []plan.RoleDefinition{
		{Name: "a", Selector: plan.All(), Command: "sleep=1"},
	}, Options{})
	delete(h.orch.containers, 1)

	results, err := h.orch.Run(context.Background(), h.plan)
	if !errors.Is(err, ErrAborted) {
		t.Fatalf("Run() error = %v, want ErrAborted", err)
	}
	if results[1].State != StateFailed || results[0].State != StateSucceeded {
		t.Fatalf("results = %+v", results)
	}
}

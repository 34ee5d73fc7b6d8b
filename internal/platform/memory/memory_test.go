package memory

import (
	"bytes"
	"context"
	"errors"
	"net/netip"
	"strings"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/cochaviz/testbed/internal/platform"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func request(id int) platform.ContainerRequest {
	return platform.ContainerRequest{
		RunID:       "run",
		ContainerID: id,
		Name:        "c" + string(rune('0'+id)),
		Image:       "app:1",
		IP:          netip.AddrFrom4([4]byte{10, 0, 0, byte(id + 2)}),
	}
}

func TestCreateContainer(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := New(nil, nil)

	c, err := p.CreateContainer(ctx, request(1))
	if err != nil {
		t.Fatalf("CreateContainer() error = %v", err)
	}
	if c.Name != "c1" || c.IP.String() != "10.0.0.3" {
		t.Fatalf("container = %+v", c)
	}
	if _, err := p.CreateContainer(ctx, request(1)); err == nil {
		t.Fatal("expected duplicate name to be rejected")
	}
	if _, err := p.CreateContainer(ctx, platform.ContainerRequest{Name: "noip"}); err == nil {
		t.Fatal("expected a request without an address to be rejected")
	}
	if _, ok := p.Request("c1"); !ok {
		t.Fatal("request of c1 not recorded")
	}
}

func TestExecAndWait(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := New(func(_ platform.Container, req platform.ExecRequest) Behavior {
		if strings.HasPrefix(req.Command, "fail") {
			return Behavior{ExitCode: 3, Stderr: "boom\n"}
		}
		return Behavior{Stdout: "ok\n"}
	}, nil)

	c, err := p.CreateContainer(ctx, request(0))
	if err != nil {
		t.Fatalf("CreateContainer() error = %v", err)
	}

	var stdout, stderr bytes.Buffer
	h, err := p.Exec(ctx, c, platform.ExecRequest{Command: "run", Stdout: &stdout, Stderr: &stderr})
	if err != nil {
		t.Fatalf("Exec() error = %v", err)
	}
	code, err := p.Wait(ctx, h)
	if err != nil || code != 0 {
		t.Fatalf("Wait() = %d, %v", code, err)
	}
	if stdout.String() != "ok\n" {
		t.Fatalf("stdout = %q", stdout.String())
	}

	h, err = p.Exec(ctx, c, platform.ExecRequest{Command: "fail now", Stdout: &stdout, Stderr: &stderr})
	if err != nil {
		t.Fatalf("Exec() error = %v", err)
	}
	code, err = p.Wait(ctx, h)
	if err != nil || code != 3 {
		t.Fatalf("Wait() = %d, %v; want 3", code, err)
	}
	if stderr.String() != "boom\n" {
		t.Fatalf("stderr = %q", stderr.String())
	}

	execs := p.Execs()
	if len(execs) != 2 || execs[0].Command != "run" || execs[1].ExitCode != 3 {
		t.Fatalf("execs = %+v", execs)
	}
}

func TestExecStartError(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	refused := errors.New("no shell")
	p := New(func(platform.Container, platform.ExecRequest) Behavior {
		return Behavior{StartErr: refused}
	}, nil)

	c, err := p.CreateContainer(ctx, request(0))
	if err != nil {
		t.Fatalf("CreateContainer() error = %v", err)
	}
	if _, err := p.Exec(ctx, c, platform.ExecRequest{Command: "x"}); !errors.Is(err, refused) {
		t.Fatalf("Exec() error = %v, want %v", err, refused)
	}
}

func TestDestroyAllKillsRunningCommands(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := New(func(platform.Container, platform.ExecRequest) Behavior {
		return Behavior{Duration: time.Hour}
	}, nil)

	c, err := p.CreateContainer(ctx, request(0))
	if err != nil {
		t.Fatalf("CreateContainer() error = %v", err)
	}
	h, err := p.Exec(ctx, c, platform.ExecRequest{Command: "serve"})
	if err != nil {
		t.Fatalf("Exec() error = %v", err)
	}

	if err := p.DestroyAll(ctx); err != nil {
		t.Fatalf("DestroyAll() error = %v", err)
	}
	code, err := p.Wait(ctx, h)
	if err == nil || code != 137 {
		t.Fatalf("Wait() = %d, %v; want 137 and an error", code, err)
	}
	if !p.Execs()[0].Killed {
		t.Fatal("exec not marked killed")
	}
	if len(p.Containers()) != 0 || p.Destroyed() != 1 {
		t.Fatalf("containers = %v, destroyed = %d", p.Containers(), p.Destroyed())
	}
}

func TestUnknownHandle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := New(nil, nil)
	ghost := platform.Container{Handle: "mem-ghost", Name: "ghost"}

	if err := p.ConfigureLink(ctx, ghost, platform.LinkParams{DelayMS: 10}); !errors.Is(err, platform.ErrUnknownHandle) {
		t.Fatalf("ConfigureLink() error = %v", err)
	}
	if _, err := p.Exec(ctx, ghost, platform.ExecRequest{Command: "x"}); !errors.Is(err, platform.ErrUnknownHandle) {
		t.Fatalf("Exec() error = %v", err)
	}
	if _, err := p.Wait(ctx, platform.CommandHandle{ID: "exec-99"}); !errors.Is(err, platform.ErrUnknownHandle) {
		t.Fatalf("Wait() error = %v", err)
	}
}

func TestConfigureLink(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := New(nil, nil)

	c, err := p.CreateContainer(ctx, request(2))
	if err != nil {
		t.Fatalf("CreateContainer() error = %v", err)
	}
	want := platform.LinkParams{BandwidthMbps: 5, DelayMS: 30}
	if err := p.ConfigureLink(ctx, c, want); err != nil {
		t.Fatalf("ConfigureLink() error = %v", err)
	}
	if got, ok := p.Link("c2"); !ok || got != want {
		t.Fatalf("Link() = %+v, %v", got, ok)
	}
}

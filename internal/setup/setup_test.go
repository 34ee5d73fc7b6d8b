package setup

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sys/unix"
)

func TestBridgeConfigGateway(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     BridgeConfig
		want    string
		wantErr string
	}{
		{name: "default", cfg: DefaultBridgeConfig, want: "10.0.0.1/16"},
		{name: "no bridge", cfg: BridgeConfig{GatewayCIDR: "10.0.0.1/16"}, wantErr: "required"},
		{name: "long name", cfg: BridgeConfig{Bridge: "averyverylongbridge", GatewayCIDR: "10.0.0.1/16"}, wantErr: "15 characters"},
		{name: "not cidr", cfg: BridgeConfig{Bridge: "br0", GatewayCIDR: "10.0.0.1"}, wantErr: "parse gateway"},
		{name: "ipv6", cfg: BridgeConfig{Bridge: "br0", GatewayCIDR: "fd00::1/64"}, wantErr: "not IPv4"},
		{name: "network address", cfg: BridgeConfig{Bridge: "br0", GatewayCIDR: "10.0.0.0/16"}, wantErr: "network address"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.cfg.Gateway()
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("Gateway() error = %v, want %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Gateway() error = %v", err)
			}
			if got.String() != tt.want {
				t.Fatalf("Gateway() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestRenderNftRules(t *testing.T) {
	t.Parallel()

	rules, err := renderNftRules(BridgeConfig{Bridge: "tbtest", GatewayCIDR: "10.7.0.1/24"})
	if err != nil {
		t.Fatalf("renderNftRules() error = %v", err)
	}
	for _, want := range []string{
		"table ip testbed_nat",
		`ip saddr 10.7.0.0/24 oifname != "tbtest" masquerade`,
		`iifname "tbtest" ip saddr 10.7.0.0/24 accept`,
	} {
		if !strings.Contains(string(rules), want) {
			t.Errorf("rules missing %q:\n%s", want, rules)
		}
	}
}

// Not parallel: these tests swap the package level ConfigDir.
func TestBridgeConfigPersistence(t *testing.T) {
	orig := ConfigDir
	ConfigDir = filepath.Join(t.TempDir(), "etc")
	t.Cleanup(func() { ConfigDir = orig })

	got, err := LoadBridgeConfig()
	if err != nil {
		t.Fatalf("LoadBridgeConfig() error = %v", err)
	}
	if diff := cmp.Diff(DefaultBridgeConfig, got); diff != "" {
		t.Fatalf("first load mismatch (-want +got):\n%s", diff)
	}
	if _, err := os.Stat(filepath.Join(ConfigDir, bridgeConfigName)); err != nil {
		t.Fatalf("default config not written: %v", err)
	}

	custom := BridgeConfig{Bridge: "lab0", GatewayCIDR: "192.168.50.1/24"}
	if err := WriteBridgeConfig(custom); err != nil {
		t.Fatalf("WriteBridgeConfig() error = %v", err)
	}
	got, err = LoadBridgeConfig()
	if err != nil {
		t.Fatalf("LoadBridgeConfig() error = %v", err)
	}
	if diff := cmp.Diff(custom, got); diff != "" {
		t.Fatalf("reload mismatch (-want +got):\n%s", diff)
	}

	if err := WriteBridgeConfig(BridgeConfig{Bridge: "lab0", GatewayCIDR: "bogus"}); err == nil {
		t.Fatal("expected invalid config to be rejected")
	}

	if err := ClearConfig(); err != nil {
		t.Fatalf("ClearConfig() error = %v", err)
	}
	if err := ClearConfig(); err != nil {
		t.Fatalf("second ClearConfig() error = %v", err)
	}
}

func TestCPUsFromSet(t *testing.T) {
	t.Parallel()

	var set unix.CPUSet
	for _, c := range []int{0, 3, 4, 65} {
		set.Set(c)
	}
	if diff := cmp.Diff([]int{0, 3, 4, 65}, cpusFromSet(&set)); diff != "" {
		t.Fatalf("cpus mismatch (-want +got):\n%s", diff)
	}
}

func TestHostTopology(t *testing.T) {
	t.Parallel()

	topo, err := HostTopology()
	if err != nil {
		t.Fatalf("HostTopology() error = %v", err)
	}
	if len(topo.CPUs) == 0 || topo.Online < 1 {
		t.Fatalf("topology = %+v", topo)
	}
}

func TestCheckCgroupControllers(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "cgroup.controllers")
	if err := os.WriteFile(path, []byte("cpuset cpu io memory pids\n"), 0o644); err != nil {
		t.Fatalf("write controllers: %v", err)
	}
	if c := checkCgroupControllers(path, "cpu", "cpuset"); !c.OK {
		t.Fatalf("check = %+v", c)
	}
	if c := checkCgroupControllers(path, "cpu", "hugetlb"); c.OK || c.Detail != "missing hugetlb" {
		t.Fatalf("check = %+v", c)
	}
	if c := checkCgroupControllers(filepath.Join(t.TempDir(), "nope"), "cpu"); c.OK {
		t.Fatalf("check on missing file = %+v", c)
	}
}

func TestCheckModuleLoaded(t *testing.T) {
	t.Parallel()

	sys := t.TempDir()
	if err := os.Mkdir(filepath.Join(sys, "sch_netem"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	c := checkModule(context.Background(), sys, "sch_netem")
	if !c.OK || c.Detail != "loaded" {
		t.Fatalf("check = %+v", c)
	}
}

func TestCheckDockerSocket(t *testing.T) {
	t.Parallel()

	sock := filepath.Join(t.TempDir(), "docker.sock")
	if err := os.WriteFile(sock, nil, 0o600); err != nil {
		t.Fatalf("write socket stand-in: %v", err)
	}
	tests := []struct {
		host string
		ok   bool
	}{
		{host: "unix://" + sock, ok: true},
		{host: "tcp://10.0.0.5:2376", ok: true},
		{host: "unix://" + sock + ".missing", ok: false},
	}
	for _, tt := range tests {
		if c := checkDockerSocket(tt.host); c.OK != tt.ok || !c.Required {
			t.Errorf("checkDockerSocket(%q) = %+v, want ok=%v", tt.host, c, tt.ok)
		}
	}
}

package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/cochaviz/testbed/internal/allocation"
)

const experimentYAML = `
network:
  clients: 3
  image: fl-base:latest
  device_type: [rpi4, jetson_nano]
  network_type: 4g
  device_variance: 0.1
  seed: 42
  subnet: 10.5.0.0/16
  cpu:
    mode: spread
    host_single_core_score: 1500
  nodes:
    - id: 2
      device_type: phone_mid
      link:
        delay_ms: 120
      constraints:
        memory_mb: 256
      volumes: ["data:/data:ro"]
application:
  name: flower
  variables:
    rounds: 10
    secure: true
    lr: 0.50
  role_order: [server, client]
  defaults:
    environment:
      PYTHONUNBUFFERED: "1"
  roles:
    server:
      container_ids: [0]
      command: python3 server.py --rounds {rounds}
      wait_for_completion: false
    monitor:
      container_ids: all
      command: top -b -n 1
    client:
      container_ids: all_except_server
      command: python3 client.py --server {server_ip}
      startup_delay: 2.5
      pre_commands: ["mkdir -p {output_dir}"]
      image: fl-client:latest
`

func TestParseExperiment(t *testing.T) {
	t.Parallel()

	f, err := Parse([]byte(experimentYAML), "/srv/exp")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if f.Network.Containers != 4 {
		t.Fatalf("containers = %d, want clients+1", f.Network.Containers)
	}
	if f.Network.Backend != BackendDocker {
		t.Fatalf("backend = %q", f.Network.Backend)
	}

	vars := map[string]string{"rounds": "10", "secure": "true", "lr": "0.50"}
	if diff := cmp.Diff(vars, f.Variables()); diff != "" {
		t.Fatalf("variables mismatch (-want +got):\n%s", diff)
	}

	roles := f.Roles()
	var names, selectors []string
	for _, r := range roles {
		names = append(names, r.Name)
		selectors = append(selectors, r.Selector.String())
	}
	if diff := cmp.Diff([]string{"server", "monitor", "client"}, names); diff != "" {
		t.Fatalf("role declaration order mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"[0]", "all", "all_except_server"}, selectors); diff != "" {
		t.Fatalf("selectors mismatch (-want +got):\n%s", diff)
	}
	client := roles[2]
	if client.StartupDelay != 2500*time.Millisecond {
		t.Fatalf("startup delay = %v", client.StartupDelay)
	}
	if client.Image == nil || *client.Image != "fl-client:latest" {
		t.Fatalf("client image = %v", client.Image)
	}
	if roles[0].Blocking() {
		t.Fatal("server should be non-blocking")
	}

	d := f.Defaults()
	if d.Image != "fl-base:latest" || d.Environment["PYTHONUNBUFFERED"] != "1" {
		t.Fatalf("defaults = %+v", d)
	}
}

func TestRosterOptions(t *testing.T) {
	t.Parallel()

	f, err := Parse([]byte(experimentYAML), "/srv/exp")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	alloc, err := f.AllocationOptions(8)
	if err != nil {
		t.Fatalf("AllocationOptions() error = %v", err)
	}
	if alloc.Mode != allocation.ModeSpread || alloc.HostScore != 1500 || alloc.SpreadThreshold != allocation.DefaultSpreadThreshold {
		t.Fatalf("allocation options = %+v", alloc)
	}

	opts, err := f.RosterOptions(alloc)
	if err != nil {
		t.Fatalf("RosterOptions() error = %v", err)
	}
	if opts.Containers != 4 || opts.Variance != 0.1 || opts.Subnet.String() != "10.5.0.0/16" {
		t.Fatalf("roster options = %+v", opts)
	}
	if diff := cmp.Diff([]string{"rpi4", "jetson_nano"}, opts.DeviceTypes); diff != "" {
		t.Fatalf("device types mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"4g"}, opts.NetworkTypes); diff != "" {
		t.Fatalf("network types mismatch (-want +got):\n%s", diff)
	}

	o, ok := opts.Overrides[2]
	if !ok {
		t.Fatal("override for node 2 missing")
	}
	if *o.DeviceType != "phone_mid" || *o.Link.DelayMS != 120 || o.Link.BandwidthMbps != nil {
		t.Fatalf("override = %+v", o)
	}
	if *o.Constraints.RAMBytes != 256*1024*1024 {
		t.Fatalf("ram = %d", *o.Constraints.RAMBytes)
	}
	if diff := cmp.Diff([]string{"/srv/exp/data:/data:ro"}, o.Volumes); diff != "" {
		t.Fatalf("volumes mismatch (-want +got):\n%s", diff)
	}
}

func TestAllocationOptionsCPUList(t *testing.T) {
	t.Parallel()

	f, err := Parse([]byte("network:\n  num_containers: 2\n  cpu:\n    cpus: 2-5\n    allow_overscaling: false\napplication:\n  roles:\n    all:\n      container_ids: all\n      command: \"true\"\n"), "")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	alloc, err := f.AllocationOptions(16)
	if err != nil {
		t.Fatalf("AllocationOptions() error = %v", err)
	}
	if alloc.HostCores != 4 || alloc.AllowOverscaling {
		t.Fatalf("allocation options = %+v", alloc)
	}
	if diff := cmp.Diff([]int{2, 3, 4, 5}, alloc.CPUs); diff != "" {
		t.Fatalf("cpus mismatch (-want +got):\n%s", diff)
	}
	if f.CPUPeriod() != allocation.DefaultCPUPeriod {
		t.Fatalf("period = %d", f.CPUPeriod())
	}
}

func TestParseLegacySection(t *testing.T) {
	t.Parallel()

	doc := `
containernet:
  num_containers: 3
  image_name: legacy:1
  device_type: rpi4
application:
  roles:
    server:
      container_ids: 0
      command: run
`
	f, err := Parse([]byte(doc), "")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if f.Network.Containers != 3 || f.Network.Image != "legacy:1" {
		t.Fatalf("network = %+v", f.Network)
	}
	if diff := cmp.Diff(StringList{"rpi4"}, f.Network.DeviceType); diff != "" {
		t.Fatalf("device type mismatch (-want +got):\n%s", diff)
	}
	if got := f.Roles()[0].Selector.String(); got != "[0]" {
		t.Fatalf("selector = %q", got)
	}
}

func TestParseFederatedLearningFile(t *testing.T) {
	t.Parallel()

	doc := `
experiment_name: fedavg-mqtt
protocol: mqtt
rounds: 5
alpha: 0.5
server_config:
  min_client_to_start: 2
  client_round: 2
client_config:
  epochs: 3
network:
  clients: 2
  image: fl:1
`
	f, err := Parse([]byte(doc), "/x")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if f.Application.Name != "fedavg-mqtt" {
		t.Fatalf("name = %q", f.Application.Name)
	}
	if !f.UsesDefaultRoles() {
		t.Fatal("a file without roles should use the default roles")
	}

	args := "--protocol mqtt --rounds 5 --alpha 0.5 --min_clients 2 --num_client 2 --epochs 3"
	want := map[string]string{
		"protocol":    "mqtt",
		"port":        "1883",
		"rounds":      "5",
		"alpha":       "0.5",
		"min_clients": "2",
		"num_client":  "2",
		"epochs":      "3",
		"extra_args":  args,
	}
	if diff := cmp.Diff(want, f.Variables()); diff != "" {
		t.Fatalf("variables mismatch (-want +got):\n%s", diff)
	}

	roles := f.Roles()
	if len(roles) != 2 || roles[0].Name != "server" || roles[1].Name != "client" {
		t.Fatalf("roles = %+v", roles)
	}
	if got := roles[0].Selector.String(); got != "[0]" {
		t.Fatalf("server selector = %q", got)
	}
	if got := roles[1].Selector.String(); got != "all_except_server" {
		t.Fatalf("client selector = %q", got)
	}
	if roles[1].StartupDelay != 20*time.Second || !roles[1].Blocking() {
		t.Fatalf("client role = %+v", roles[1])
	}
	wantClient := "python3 -u run.py --protocol {protocol} --mode Client --my_ip {container_ip} --port {port} --ip {server_ip} --index {container_id} " + args
	if roles[1].Command != wantClient {
		t.Fatalf("client command = %q, want %q", roles[1].Command, wantClient)
	}
}

func TestFederatedLearningVariablePrecedence(t *testing.T) {
	t.Parallel()

	doc := `
rounds: 5
port: 9000
client_config:
  epochs: 3
application:
  variables:
    rounds: 50
    epochs: 1
`
	f, err := Parse([]byte(doc), "/x")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	vars := f.Variables()
	if vars["rounds"] != "50" || vars["epochs"] != "1" {
		t.Fatalf("application.variables should win: %v", vars)
	}
	if vars["protocol"] != DefaultProtocol || vars["port"] != "9000" {
		t.Fatalf("protocol = %q, port = %q", vars["protocol"], vars["port"])
	}
	if !strings.HasSuffix(f.Roles()[0].Command, "--protocol grpc --rounds 50 --epochs 1") {
		t.Fatalf("server command = %q", f.Roles()[0].Command)
	}

	withRoles, err := Parse([]byte(experimentYAML), "/x")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if _, ok := withRoles.Variables()["port"]; ok {
		t.Fatal("port is only filled in for the default roles")
	}
}

func TestDefaultPort(t *testing.T) {
	t.Parallel()

	for protocol, want := range map[string]int{"grpc": 50051, "MQTT": 1883, "rest": 80, "coap": 5683, "amqp": 5672, "websocket": 8080, "quic": 50051} {
		if got := DefaultPort(protocol); got != want {
			t.Errorf("DefaultPort(%q) = %d, want %d", protocol, got, want)
		}
	}
}

func TestParseRejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		doc  string
		want string
	}{
		{
			name: "unknown key",
			doc:  "network:\n  containerz: 2\napplication:\n  roles:\n    a:\n      command: x\n",
			want: "containerz",
		},
		{
			name: "nested legacy key",
			doc:  "network:\n  num_containers: 2\nrounds: [1, 2]\n",
			want: "expected a scalar",
		},
		{
			name: "bad variance",
			doc:  "network:\n  device_variance: 1.5\napplication:\n  roles:\n    a:\n      command: x\n",
			want: "device_variance",
		},
		{
			name: "node out of range",
			doc:  "network:\n  num_containers: 2\n  nodes:\n    - id: 5\napplication:\n  roles:\n    a:\n      command: x\n",
			want: "id 5",
		},
		{
			name: "bad backend",
			doc:  "network:\n  backend: lxc\napplication:\n  roles:\n    a:\n      command: x\n",
			want: "lxc",
		},
		{
			name: "bad selector",
			doc:  "application:\n  roles:\n    a:\n      container_ids: [x]\n      command: x\n",
			want: "not an integer",
		},
		{
			name: "nested variable",
			doc:  "application:\n  variables:\n    a: {b: 1}\n  roles:\n    a:\n      command: x\n",
			want: "must be a scalar",
		},
		{
			name: "missing command",
			doc:  "application:\n  roles:\n    a:\n      container_ids: all\n",
			want: "command is required",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc), "/x")
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Parse() error = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestValidationErrorsAreJoined(t *testing.T) {
	t.Parallel()

	_, err := Parse([]byte("network:\n  backend: lxc\n  subnet: nope\n"), "/x")
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("error = %v, want ErrInvalidConfig", err)
	}
	for _, want := range []string{"lxc", "subnet"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}

func TestLoadMergesFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	base := filepath.Join(dir, "base.yaml")
	local := filepath.Join(dir, "local.yaml")
	if err := os.WriteFile(base, []byte(experimentYAML), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if err := os.WriteFile(local, []byte("network:\n  backend: memory\n  clients: 1\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	f, err := Load(base, local)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if f.Network.Backend != BackendMemory || f.Network.Containers != 2 {
		t.Fatalf("network = %+v", f.Network)
	}
	if f.Network.Image != "fl-base:latest" || len(f.Roles()) != 3 {
		t.Fatal("values of the first file were lost")
	}
	if f.BaseDir != dir || len(f.Sources) != 2 {
		t.Fatalf("base dir = %q, sources = %d", f.BaseDir, len(f.Sources))
	}
	if got := f.Path("profiles/devices.yaml"); got != filepath.Join(dir, "profiles/devices.yaml") {
		t.Fatalf("Path() = %q", got)
	}

	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Fatal("expected error for a missing file")
	}
}

func TestResolverUsesSeedAndLockCores(t *testing.T) {
	t.Parallel()

	f, err := Parse([]byte(experimentYAML), "/srv/exp")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	a, err := f.Resolver(7)
	if err != nil {
		t.Fatalf("Resolver() error = %v", err)
	}
	b, err := f.Resolver(7)
	if err != nil {
		t.Fatalf("Resolver() error = %v", err)
	}
	if !a.LockCores {
		t.Fatal("cores should be locked by default")
	}
	da, err := a.ResolveDevice("rpi4", 0.3)
	if err != nil {
		t.Fatalf("ResolveDevice() error = %v", err)
	}
	db, _ := b.ResolveDevice("rpi4", 0.3)
	if diff := cmp.Diff(da, db); diff != "" {
		t.Fatalf("same seed resolved differently (-a +b):\n%s", diff)
	}
}

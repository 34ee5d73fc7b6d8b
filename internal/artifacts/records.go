package artifacts

import (
	"maps"
	"slices"

	"github.com/cochaviz/testbed/internal/allocation"
	"github.com/cochaviz/testbed/internal/execution"
	"github.com/cochaviz/testbed/internal/plan"
	"github.com/cochaviz/testbed/internal/profiles"
	"github.com/cochaviz/testbed/internal/roster"
)

// TopologyContainer is one container of the topology record.
type TopologyContainer struct {
	ID        int                         `json:"id"`
	Name      string                      `json:"name"`
	IP        string                      `json:"ip"`
	Role      string                      `json:"role,omitempty"`
	Image     string                      `json:"image,omitempty"`
	Device    profiles.ResolvedDeviceSpec `json:"device"`
	Network   profiles.NetworkProfile     `json:"network"`
	CPU       allocation.Assignment       `json:"cpu_allocation"`
	Resources allocation.Resources        `json:"resources"`
}

// Topology is the network_topology.json record.
type Topology struct {
	Subnet     string              `json:"subnet"`
	Gateway    string              `json:"gateway"`
	Allocation allocation.Summary  `json:"allocation"`
	Containers []TopologyContainer `json:"containers"`
}

// NewTopology describes the roster. p may be nil when no plan was built; with
// a plan, each container also carries its role and image.
func NewTopology(r *roster.Roster, p *plan.ExecutionPlan) Topology {
	t := Topology{
		Subnet:     r.Subnet.String(),
		Gateway:    r.Gateway.String(),
		Allocation: r.Allocation.Summary(),
		Containers: make([]TopologyContainer, 0, r.Len()),
	}
	for _, slot := range r.Slots {
		c := TopologyContainer{
			ID:        slot.ID,
			Name:      slot.Name,
			IP:        slot.IP.String(),
			Image:     slot.Override.Image,
			Device:    slot.Device,
			Network:   slot.Network,
			CPU:       slot.Allocation,
			Resources: slot.Allocation.Resources(allocation.DefaultCPUPeriod),
		}
		if p != nil && slot.ID < len(p.Containers) {
			c.Role = p.Containers[slot.ID].Role
			c.Image = p.Containers[slot.ID].Image
		}
		t.Containers = append(t.Containers, c)
	}
	return t
}

// RunInfo is the run_info.json record. Seed is the value the profiles were
// resolved with, so a run can be repeated even when none was configured.
type RunInfo struct {
	Name      string `json:"name"`
	RunID     string `json:"run_id"`
	Timestamp string `json:"timestamp"`
	Seed      uint64 `json:"seed"`
	Backend   string `json:"backend"`
	HostCPUs  string `json:"host_cpus"`
}

// CommandLog is the commands_executed.json record. It carries no run id so
// runs with the same seed produce the same bytes; run_info.json links them.
type CommandLog struct {
	Name     string               `json:"name"`
	Commands []plan.CommandRecord `json:"commands"`
}

func NewCommandLog(p *plan.ExecutionPlan) CommandLog {
	commands := p.Commands()
	if commands == nil {
		commands = []plan.CommandRecord{}
	}
	return CommandLog{Name: p.Name, Commands: commands}
}

// ResultEntry is one container of the results record.
type ResultEntry struct {
	execution.Result
	Error string `json:"error,omitempty"`
}

// Results is the results.json record.
type Results struct {
	Succeeded  []int         `json:"succeeded"`
	Failed     []int         `json:"failed"`
	Running    []int         `json:"left_running"`
	Containers []ResultEntry `json:"containers"`
}

// NewResults orders results by container id.
func NewResults(results map[int]execution.Result) Results {
	out := Results{
		Succeeded:  []int{},
		Failed:     execution.Failed(results),
		Running:    execution.LeftRunning(results),
		Containers: make([]ResultEntry, 0, len(results)),
	}
	if out.Failed == nil {
		out.Failed = []int{}
	}
	if out.Running == nil {
		out.Running = []int{}
	}
	for _, id := range slices.Sorted(maps.Keys(results)) {
		r := results[id]
		if r.State == execution.StateSucceeded {
			out.Succeeded = append(out.Succeeded, id)
		}
		out.Containers = append(out.Containers, ResultEntry{Result: r, Error: r.Error()})
	}
	return out
}

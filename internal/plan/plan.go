package plan

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/netip"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/cochaviz/testbed/internal/logging"
	"github.com/cochaviz/testbed/internal/roster"
)

// Options carries the run-wide inputs of plan building.
type Options struct {
	Name      string
	Variables map[string]string
	Defaults  Defaults

	// HostOutputDir is bind-mounted at ContainerOutputDir in every container
	// when set.
	HostOutputDir      string
	ContainerOutputDir string
	// BaseDir resolves relative host paths of volumes. Empty means the
	// working directory.
	BaseDir string

	RunID     string
	Timestamp string

	Logger *slog.Logger
}

// ContainerPlan is everything needed to create one container and run its
// commands.
type ContainerPlan struct {
	ContainerID  int               `json:"container_id"`
	Name         string            `json:"name"`
	IP           netip.Addr        `json:"ip"`
	Role         string            `json:"role,omitempty"`
	Image        string            `json:"image"`
	Shell        string            `json:"shell"`
	WorkingDir   string            `json:"working_dir,omitempty"`
	Environment  map[string]string `json:"environment,omitempty"`
	Volumes      []string          `json:"volumes,omitempty"`
	DockerArgs   map[string]string `json:"docker_args,omitempty"`
	PreCommands  []string          `json:"pre_commands,omitempty"`
	Command      string            `json:"command,omitempty"`
	PostCommands []string          `json:"post_commands,omitempty"`

	// OutputMount binds the run's output directory and LogName names the
	// command log. Both change from run to run and stay out of the record.
	OutputMount string `json:"-"`
	LogName     string `json:"-"`
}

// Mounts returns every volume the container is created with, the output
// mount first.
func (c ContainerPlan) Mounts() []string {
	if c.OutputMount == "" {
		return c.Volumes
	}
	return append([]string{c.OutputMount}, c.Volumes...)
}

// RolePlan is a role with its resolved container set.
type RolePlan struct {
	Name              string            `json:"name"`
	Description       string            `json:"description,omitempty"`
	Selector          Selector          `json:"container_ids"`
	CommandTemplate   string            `json:"command_template"`
	ContainerIDs      []int             `json:"resolved_container_ids"`
	StartupDelay      time.Duration     `json:"startup_delay"`
	WaitForCompletion bool              `json:"wait_for_completion"`
	PreCommands       []string          `json:"pre_commands,omitempty"`
	PostCommands      []string          `json:"post_commands,omitempty"`
	Environment       map[string]string `json:"environment,omitempty"`
}

// ExecutionPlan is the resolved, ordered set of per-container commands.
//
// Unless a command uses {run_id} or {timestamp}, the JSON form only depends on
// the experiment file, the roster and the seed.
type ExecutionPlan struct {
	Name      string            `json:"name"`
	RunID     string            `json:"-"`
	Timestamp string            `json:"-"`
	Order     []string          `json:"role_order"`
	Variables map[string]string `json:"global_variables"`
	// Roles are in execution order.
	Roles []RolePlan `json:"roles"`
	// Containers are indexed by container id and include orphans.
	Containers []ContainerPlan `json:"containers"`
	Orphans    []int           `json:"orphans"`
}

// Role returns the named role.
func (p *ExecutionPlan) Role(name string) (RolePlan, bool) {
	for _, r := range p.Roles {
		if r.Name == name {
			return r, true
		}
	}
	return RolePlan{}, false
}

// Phase names the position of a command within a container's sequence.
type Phase string

const (
	PhasePre  Phase = "pre"
	PhaseMain Phase = "main"
	PhasePost Phase = "post"
)

// CommandRecord is one exec issued by a run.
type CommandRecord struct {
	Role        string `json:"role"`
	ContainerID int    `json:"container_id"`
	Container   string `json:"container"`
	Phase       Phase  `json:"phase"`
	Command     string `json:"command"`
}

// Commands enumerates every exec of the plan in execution order: roles in
// order, containers by id, then pre, main and post commands.
func (p *ExecutionPlan) Commands() []CommandRecord {
	var records []CommandRecord
	for _, role := range p.Roles {
		for _, id := range role.ContainerIDs {
			c := p.Containers[id]
			add := func(phase Phase, cmd string) {
				records = append(records, CommandRecord{
					Role:        role.Name,
					ContainerID: id,
					Container:   c.Name,
					Phase:       phase,
					Command:     cmd,
				})
			}
			for _, cmd := range c.PreCommands {
				add(PhasePre, cmd)
			}
			add(PhaseMain, c.Command)
			for _, cmd := range c.PostCommands {
				add(PhasePost, cmd)
			}
		}
	}
	return records
}

// Build resolves selectors and templates against the roster. It performs no
// side effects; every error is reported before any container exists.
func Build(roles []RoleDefinition, order []string, r *roster.Roster, opts Options) (*ExecutionPlan, error) {
	logger := logging.Ensure(opts.Logger).With("component", "plan")

	if r == nil || r.Len() == 0 {
		return nil, fmt.Errorf("%w: empty roster", ErrContainerSelector)
	}

	declared := make(map[string]int, len(roles))
	for i, role := range roles {
		if role.Name == "" {
			return nil, fmt.Errorf("%w: role %d has no name", ErrInvalidRole, i)
		}
		if !IsPlaceholderName(role.Name) {
			return nil, fmt.Errorf("%w: role name %q may only contain letters, digits, '_' and '-'", ErrInvalidRole, role.Name)
		}
		if _, dup := declared[role.Name]; dup {
			return nil, fmt.Errorf("%w: role %q declared twice", ErrInvalidRole, role.Name)
		}
		if role.StartupDelay < 0 {
			return nil, fmt.Errorf("%w: role %q has negative startup delay", ErrInvalidRole, role.Name)
		}
		declared[role.Name] = i
	}

	execOrder, err := resolveOrder(roles, order, declared)
	if err != nil {
		return nil, err
	}

	members, err := resolveSelectors(roles, declared, r.Len())
	if err != nil {
		return nil, err
	}

	containerOut := opts.ContainerOutputDir
	if containerOut == "" {
		containerOut = ContainerOutputDir
	}
	baseDir := opts.BaseDir
	if baseDir == "" {
		if baseDir, err = filepath.Abs("."); err != nil {
			return nil, fmt.Errorf("resolve working directory: %w", err)
		}
	}

	shared := sharedVariables(roles, members, r, opts, containerOut)

	p := &ExecutionPlan{
		Name:       opts.Name,
		RunID:      opts.RunID,
		Timestamp:  opts.Timestamp,
		Order:      make([]string, 0, len(execOrder)),
		Variables:  mergeMaps(opts.Variables, nil),
		Containers: make([]ContainerPlan, r.Len()),
		Orphans:    []int{},
	}

	owner := make(map[int]int)
	for ri, ids := range members {
		for _, id := range ids {
			owner[id] = ri
		}
	}

	for id := range r.Slots {
		slot := r.Slots[id]
		ri, claimed := owner[id]
		var role *RoleDefinition
		if claimed {
			role = &roles[ri]
		}
		cp, err := buildContainer(slot, role, shared, opts, containerOut, baseDir)
		if err != nil {
			return nil, err
		}
		if !claimed {
			p.Orphans = append(p.Orphans, id)
		}
		p.Containers[id] = cp
	}

	for _, ri := range execOrder {
		role := roles[ri]
		p.Order = append(p.Order, role.Name)
		p.Roles = append(p.Roles, RolePlan{
			Name:              role.Name,
			Description:       role.Description,
			Selector:          role.Selector,
			CommandTemplate:   role.Command,
			ContainerIDs:      members[ri],
			StartupDelay:      role.StartupDelay,
			WaitForCompletion: role.Blocking(),
			PreCommands:       role.PreCommands,
			PostCommands:      role.PostCommands,
			Environment:       role.Environment,
		})
	}

	if len(p.Orphans) > 0 {
		logger.Warn("containers not claimed by any role will stay idle", "containers", p.Orphans)
	}
	logger.Info("execution plan built", "roles", p.Order, "containers", len(p.Containers))
	return p, nil
}

func resolveOrder(roles []RoleDefinition, order []string, declared map[string]int) ([]int, error) {
	seen := make(map[string]bool, len(roles))
	out := make([]int, 0, len(roles))
	for _, name := range order {
		i, ok := declared[name]
		if !ok {
			return nil, fmt.Errorf("%w: %q in role order is not defined", ErrUnknownRole, name)
		}
		if seen[name] {
			return nil, fmt.Errorf("%w: %q listed twice in role order", ErrInvalidRole, name)
		}
		seen[name] = true
		out = append(out, i)
	}
	for i, role := range roles {
		if !seen[role.Name] {
			out = append(out, i)
		}
	}
	return out, nil
}

// resolveSelectors returns the sorted container ids of every role, indexed
// like roles. all_except_<role> may only refer to a role declared earlier
// with an explicit id list, which rules out cycles and chains.
func resolveSelectors(roles []RoleDefinition, declared map[string]int, n int) ([][]int, error) {
	members := make([][]int, len(roles))
	claimedBy := make(map[int]string)

	for i, role := range roles {
		sel := role.Selector
		var ids []int

		switch sel.kind {
		case selectAll:
			ids = make([]int, n)
			for id := range ids {
				ids[id] = id
			}

		case selectAllExcept:
			j, ok := declared[sel.role]
			switch {
			case !ok:
				return nil, &SelectorError{Role: role.Name, Selector: sel.String(), Reason: "references an undefined role"}
			case j == i:
				return nil, &SelectorError{Role: role.Name, Selector: sel.String(), Reason: "references itself"}
			case j > i:
				return nil, &SelectorError{Role: role.Name, Selector: sel.String(), Reason: fmt.Sprintf("references role %q declared later", sel.role)}
			case roles[j].Selector.Symbolic():
				return nil, &SelectorError{Role: role.Name, Selector: sel.String(), Reason: fmt.Sprintf("role %q does not list explicit container ids", sel.role)}
			}
			excluded := make(map[int]bool, len(members[j]))
			for _, id := range members[j] {
				excluded[id] = true
			}
			for id := 0; id < n; id++ {
				if !excluded[id] {
					ids = append(ids, id)
				}
			}

		default:
			seen := make(map[int]bool, len(sel.ids))
			for _, id := range sel.ids {
				if id < 0 || id >= n {
					return nil, &SelectorError{Role: role.Name, Selector: sel.String(), Reason: fmt.Sprintf("container %d outside roster 0..%d", id, n-1)}
				}
				if seen[id] {
					return nil, &SelectorError{Role: role.Name, Selector: sel.String(), Reason: fmt.Sprintf("container %d listed twice", id)}
				}
				seen[id] = true
				ids = append(ids, id)
			}
			slices.Sort(ids)
		}

		for _, id := range ids {
			if prev, dup := claimedBy[id]; dup {
				return nil, fmt.Errorf("%w: container %d claimed by %q and %q", ErrDuplicateContainerAssignment, id, prev, role.Name)
			}
			claimedBy[id] = role.Name
		}
		members[i] = ids
	}
	return members, nil
}

// sharedVariables are the placeholders whose values do not depend on the
// container being rendered.
func sharedVariables(roles []RoleDefinition, members [][]int, r *roster.Roster, opts Options, containerOut string) map[string]string {
	vars := make(map[string]string)
	for _, slot := range r.Slots {
		ip := slot.IP.String()
		vars["ip_"+strconv.Itoa(slot.ID)] = ip
		vars["c"+strconv.Itoa(slot.ID)+"_ip"] = ip
	}
	for i, role := range roles {
		if len(members[i]) == 0 {
			continue
		}
		ip := r.Slots[members[i][0]].IP.String()
		vars[role.Name+"_ip"] = ip
		if role.Name == "server" {
			vars["server_address"] = ip
			vars["ip"] = ip
		}
	}
	vars["output_dir"] = containerOut
	vars["run_id"] = opts.RunID
	vars["timestamp"] = opts.Timestamp
	return vars
}

func buildContainer(slot roster.ContainerSlot, role *RoleDefinition, shared map[string]string, opts Options, containerOut, baseDir string) (ContainerPlan, error) {
	s := mergeSettings(opts.Defaults, role)

	override := slot.Override
	if override.Image != "" {
		s.image = override.Image
	}
	s.dockerArgs = mergeMaps(s.dockerArgs, override.DockerArgs)
	s.environment = mergeMaps(s.environment, override.Environment)

	volumes := NormalizeVolumes(append(s.volumes, override.Volumes...), baseDir)

	cp := ContainerPlan{
		ContainerID: slot.ID,
		Name:        slot.Name,
		IP:          slot.IP,
		Image:       s.image,
		Shell:       s.shell,
		WorkingDir:  s.workingDir,
		Environment: s.environment,
		Volumes:     volumes,
		DockerArgs:  s.dockerArgs,
	}
	if opts.HostOutputDir != "" && !mountsOnto(volumes, containerOut) {
		cp.OutputMount = NormalizeVolumes([]string{opts.HostOutputDir + ":" + containerOut}, baseDir)[0]
	}
	if role == nil {
		return cp, nil
	}
	cp.Role = role.Name

	vars := make(map[string]string, len(opts.Variables)+len(shared)+12)
	maps.Copy(vars, opts.Variables)
	maps.Copy(vars, shared)
	maps.Copy(vars, containerVariables(slot, role.Name))

	render := func(tmpl string) (string, error) {
		out, err := Render(tmpl, vars)
		if err != nil {
			var te *TemplateError
			if errors.As(err, &te) {
				te.Role = role.Name
				te.ContainerID = slot.ID
			}
			return "", err
		}
		return out, nil
	}

	for _, tmpl := range role.PreCommands {
		cmd, err := render(tmpl)
		if err != nil {
			return ContainerPlan{}, err
		}
		cp.PreCommands = append(cp.PreCommands, cmd)
	}
	cmd, err := render(role.Command)
	if err != nil {
		return ContainerPlan{}, err
	}
	cp.Command = cmd
	for _, tmpl := range role.PostCommands {
		cmd, err := render(tmpl)
		if err != nil {
			return ContainerPlan{}, err
		}
		cp.PostCommands = append(cp.PostCommands, cmd)
	}

	cp.LogName = LogName(role.Name, slot.ID, opts.Timestamp)
	return cp, nil
}

func mountsOnto(volumes []string, target string) bool {
	for _, vol := range volumes {
		if parts := strings.Split(vol, ":"); len(parts) >= 2 && parts[1] == target {
			return true
		}
	}
	return false
}

func containerVariables(slot roster.ContainerSlot, role string) map[string]string {
	id := strconv.Itoa(slot.ID)
	ip := slot.IP.String()
	subnet := ip
	if slot.Subnet.IsValid() {
		subnet = netip.PrefixFrom(slot.IP, slot.Subnet.Bits()).String()
	}
	gateway := ""
	if slot.Gateway.IsValid() {
		gateway = slot.Gateway.String()
	}
	return map[string]string{
		"container_id":      id,
		"index":             id,
		"container_name":    slot.Name,
		"container_ip":      ip,
		"my_ip":             ip,
		"container_subnet":  subnet,
		"container_gateway": gateway,
		"device_profile":    profileName(slot.Device.Name),
		"network_profile":   profileName(slot.Network.Name),
		"role":              role,
	}
}

func profileName(name string) string {
	if name == "" {
		return "none"
	}
	return name
}

// LogName is the file name of a container's command log.
func LogName(role string, containerID int, timestamp string) string {
	if timestamp == "" {
		return fmt.Sprintf("%s_c%d.log", role, containerID)
	}
	return fmt.Sprintf("%s_c%d_%s.log", role, containerID, timestamp)
}

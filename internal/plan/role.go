package plan

import (
	"maps"
	"path/filepath"
	"strings"
	"time"
)

// DefaultShell interprets commands when neither role nor defaults name one.
const DefaultShell = "/bin/sh"

// ContainerOutputDir is where the run's output directory is mounted inside
// every container.
const ContainerOutputDir = "/app/saved_output"

// RoleDefinition is a named group of containers sharing a command template.
// Nil optional fields fall back to the global defaults.
type RoleDefinition struct {
	Name        string
	Selector    Selector
	Command     string
	Description string

	Image       *string
	Volumes     []string
	DockerArgs  map[string]string
	Environment map[string]string
	Shell       *string
	WorkingDir  *string

	StartupDelay      time.Duration
	WaitForCompletion *bool
	PreCommands       []string
	PostCommands      []string
}

// Blocking reports whether the role's main commands must finish before the
// next role starts. Roles block unless told otherwise.
func (r RoleDefinition) Blocking() bool {
	return r.WaitForCompletion == nil || *r.WaitForCompletion
}

// Defaults are the experiment-wide container settings roles merge over.
type Defaults struct {
	Image       string
	Volumes     []string
	DockerArgs  map[string]string
	Environment map[string]string
	Shell       string
	WorkingDir  string
}

// settings is the merged view of defaults, role and node override.
type settings struct {
	image       string
	volumes     []string
	dockerArgs  map[string]string
	environment map[string]string
	shell       string
	workingDir  string
}

func mergeSettings(d Defaults, role *RoleDefinition) settings {
	s := settings{
		image:       d.Image,
		volumes:     append([]string(nil), d.Volumes...),
		dockerArgs:  mergeMaps(d.DockerArgs, nil),
		environment: mergeMaps(d.Environment, nil),
		shell:       d.Shell,
		workingDir:  d.WorkingDir,
	}
	if role != nil {
		if role.Image != nil {
			s.image = *role.Image
		}
		if role.Shell != nil {
			s.shell = *role.Shell
		}
		if role.WorkingDir != nil {
			s.workingDir = *role.WorkingDir
		}
		s.volumes = append(s.volumes, role.Volumes...)
		s.dockerArgs = mergeMaps(s.dockerArgs, role.DockerArgs)
		s.environment = mergeMaps(s.environment, role.Environment)
	}
	if s.shell == "" {
		s.shell = DefaultShell
	}
	return s
}

// mergeMaps returns a new map with overlay's keys replacing base's.
func mergeMaps(base, overlay map[string]string) map[string]string {
	if len(base) == 0 && len(overlay) == 0 {
		return nil
	}
	out := make(map[string]string, len(base)+len(overlay))
	maps.Copy(out, base)
	maps.Copy(out, overlay)
	return out
}

// NormalizeVolumes makes relative host paths absolute against baseDir and
// removes entries that mount onto the same container path. The last entry for
// a mount point wins but keeps the position of the first.
func NormalizeVolumes(volumes []string, baseDir string) []string {
	var (
		out   []string
		index = make(map[string]int)
	)
	for _, vol := range volumes {
		vol = strings.TrimSpace(vol)
		if vol == "" {
			continue
		}
		parts := strings.Split(vol, ":")
		key := vol
		if len(parts) >= 2 {
			if isHostPath(parts[0]) && !filepath.IsAbs(parts[0]) {
				parts[0] = filepath.Join(baseDir, parts[0])
				vol = strings.Join(parts, ":")
			}
			key = parts[1]
		}
		if i, ok := index[key]; ok {
			out[i] = vol
			continue
		}
		index[key] = len(out)
		out = append(out, vol)
	}
	return out
}

// isHostPath distinguishes bind mounts from named volumes.
func isHostPath(source string) bool {
	return source == "." || source == ".." || strings.ContainsRune(source, '/')
}

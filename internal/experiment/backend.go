package experiment

import (
	"fmt"
	"log/slog"

	"github.com/cochaviz/testbed/internal/arch"
	"github.com/cochaviz/testbed/internal/config"
	"github.com/cochaviz/testbed/internal/platform"
	"github.com/cochaviz/testbed/internal/platform/docker"
	"github.com/cochaviz/testbed/internal/platform/libvirt"
	"github.com/cochaviz/testbed/internal/platform/memory"
)

// PlatformFactory creates the backend that realizes one run. runID scopes the
// resources it creates; an empty runID addresses every testbed resource.
type PlatformFactory func(runID string) (platform.Platform, error)

// BackendFactory returns the factory selected by network.backend.
func BackendFactory(f *config.File, logger *slog.Logger) (PlatformFactory, error) {
	n := f.Network
	switch n.Backend {
	case config.BackendDocker, "":
		return func(runID string) (platform.Platform, error) {
			return docker.NewFromEnv(docker.Options{RunID: runID, Pull: n.Pull, Logger: logger})
		}, nil
	case config.BackendLibvirt:
		var guestArch arch.Architecture
		if n.Libvirt.Arch != "" {
			a, err := arch.Parse(n.Libvirt.Arch)
			if err != nil {
				return nil, err
			}
			guestArch = a
		}
		return func(runID string) (platform.Platform, error) {
			return libvirt.Connect(libvirt.Options{
				ConnectionURI: n.Libvirt.URI,
				RunID:         runID,
				WorkDir:       f.Path(n.Libvirt.WorkDir),
				ImageDir:      f.Path(n.Libvirt.ImageDir),
				Bridge:        n.Libvirt.Bridge,
				Arch:          guestArch,
				Logger:        logger,
			})
		}, nil
	case config.BackendMemory:
		return func(string) (platform.Platform, error) {
			return memory.New(nil, logger), nil
		}, nil
	default:
		return nil, fmt.Errorf("%w: unknown backend %q", config.ErrInvalidConfig, n.Backend)
	}
}

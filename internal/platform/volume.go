package platform

import (
	"fmt"
	"slices"
	"strings"
)

// Volume is a parsed "host:container[:mode]" mount.
type Volume struct {
	Host      string
	Container string
	// Mode is the comma separated option list, empty when absent.
	Mode     string
	ReadOnly bool
}

// ParseVolume splits a volume spec. The container path must be absolute.
func ParseVolume(spec string) (Volume, error) {
	parts := strings.Split(spec, ":")
	if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || !strings.HasPrefix(parts[1], "/") {
		return Volume{}, fmt.Errorf("volume %q: want host:container[:mode] with an absolute container path", spec)
	}
	v := Volume{Host: parts[0], Container: parts[1]}
	if len(parts) == 3 {
		v.Mode = parts[2]
		v.ReadOnly = slices.Contains(strings.Split(v.Mode, ","), "ro")
	}
	return v, nil
}

func (v Volume) String() string {
	if v.Mode == "" {
		return v.Host + ":" + v.Container
	}
	return v.Host + ":" + v.Container + ":" + v.Mode
}

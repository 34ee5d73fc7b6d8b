// Package arch names the guest architectures the VM backend can boot and the
// machine defaults for each.
package arch

import (
	"fmt"
	"runtime"
	"slices"
	"strings"
)

// Architecture is a value accepted by qemu and libvirt.
type Architecture string

const (
	X86_64  Architecture = "x86_64"
	AArch64 Architecture = "aarch64"
	ARMV7L  Architecture = "armv7l"
	RISCV64 Architecture = "riscv64"
)

// Supported lists the architectures in a stable order.
func Supported() []Architecture {
	return []Architecture{X86_64, AArch64, ARMV7L, RISCV64}
}

func (a Architecture) String() string {
	return string(a)
}

// Parse returns the canonical architecture for value. Empty means the host's.
func Parse(value string) (Architecture, error) {
	if strings.TrimSpace(value) == "" {
		return Host(), nil
	}
	if a := Normalize(value); a != "" {
		return a, nil
	}
	names := make([]string, 0, len(Supported()))
	for _, a := range Supported() {
		names = append(names, a.String())
	}
	slices.Sort(names)
	return "", fmt.Errorf("unsupported architecture %q (supported: %s)", value, strings.Join(names, ", "))
}

// Normalize maps common aliases (amd64, arm64, armhf) to the canonical name,
// or returns "".
func Normalize(value string) Architecture {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "x86_64", "x86-64", "amd64":
		return X86_64
	case "aarch64", "arm64":
		return AArch64
	case "armv7l", "arm", "armv7", "armhf":
		return ARMV7L
	case "riscv64":
		return RISCV64
	default:
		return ""
	}
}

// Host returns the architecture of the running binary.
func Host() Architecture {
	if a := Normalize(runtime.GOARCH); a != "" {
		return a
	}
	return X86_64
}

// Machine is the qemu machine type used for guests of a.
func (a Architecture) Machine() string {
	switch a {
	case X86_64:
		return "q35"
	default:
		return "virt"
	}
}

// NeedsFirmware reports whether guests of a boot through UEFI firmware
// rather than a legacy BIOS.
func (a Architecture) NeedsFirmware() bool {
	return a == AArch64 || a == RISCV64
}

// Emulated reports whether guests of a run without hardware acceleration on
// this host.
func (a Architecture) Emulated() bool {
	return a != Host()
}

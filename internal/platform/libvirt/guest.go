package libvirt

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"net/netip"
	"slices"
	"strings"
	"time"

	libvirt "libvirt.org/go/libvirt"
)

// ErrGuestAgentUnavailable is returned when the guest agent never answered.
var ErrGuestAgentUnavailable = errors.New("guest agent unavailable")

// agent is the part of a libvirt domain that talks to the QEMU guest agent.
type agent interface {
	QemuAgentCommand(command string, timeout libvirt.DomainQemuAgentCommandTimeout, flags uint32) (string, error)
}

type guestExecRequest struct {
	Execute   string             `json:"execute"`
	Arguments guestExecArguments `json:"arguments"`
}

type guestExecArguments struct {
	Path          string   `json:"path"`
	Arg           []string `json:"arg"`
	Env           []string `json:"env,omitempty"`
	CaptureOutput bool     `json:"capture-output"`
}

type guestExecResponse struct {
	Return struct {
		PID int `json:"pid"`
	} `json:"return"`
}

type guestExecStatusRequest struct {
	Execute   string `json:"execute"`
	Arguments struct {
		PID int `json:"pid"`
	} `json:"arguments"`
}

type guestExecStatusResponse struct {
	Return guestExecStatus `json:"return"`
}

type guestExecStatus struct {
	Exited   bool   `json:"exited"`
	ExitCode int    `json:"exitcode"`
	Signal   int    `json:"signal,omitempty"`
	OutData  string `json:"out-data,omitempty"`
	ErrData  string `json:"err-data,omitempty"`
}

func agentCommand(a agent, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal agent command: %w", err)
	}
	return a.QemuAgentCommand(string(data), libvirt.DOMAIN_QEMU_AGENT_COMMAND_DEFAULT, 0)
}

// waitForAgent pings the agent until it answers or ctx ends.
func waitForAgent(ctx context.Context, a agent, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastErr error
	for {
		if _, err := a.QemuAgentCommand(`{"execute":"guest-ping"}`, libvirt.DOMAIN_QEMU_AGENT_COMMAND_DEFAULT, 0); err == nil {
			return nil
		} else {
			lastErr = err
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return fmt.Errorf("%w: %w (last error: %v)", ErrGuestAgentUnavailable, ctx.Err(), lastErr)
		}
	}
}

// startGuestCommand launches argv in the guest and returns its pid.
func startGuestCommand(a agent, argv []string, env map[string]string) (int, error) {
	if len(argv) == 0 || strings.TrimSpace(argv[0]) == "" {
		return 0, errors.New("guest command path is required")
	}
	args := argv[1:]
	if args == nil {
		args = []string{}
	}
	resp, err := agentCommand(a, guestExecRequest{
		Execute: "guest-exec",
		Arguments: guestExecArguments{
			Path:          argv[0],
			Arg:           args,
			Env:           envList(env),
			CaptureOutput: true,
		},
	})
	if err != nil {
		return 0, fmt.Errorf("invoke guest exec: %w", err)
	}
	var out guestExecResponse
	if err := json.Unmarshal([]byte(resp), &out); err != nil {
		return 0, fmt.Errorf("decode guest exec response: %w", err)
	}
	if out.Return.PID == 0 {
		return 0, errors.New("guest exec returned invalid pid")
	}
	return out.Return.PID, nil
}

// pollGuestCommand queries pid until it exits or ctx ends.
func pollGuestCommand(ctx context.Context, a agent, pid int, interval time.Duration) (guestExecStatus, error) {
	var req guestExecStatusRequest
	req.Execute = "guest-exec-status"
	req.Arguments.PID = pid

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		resp, err := agentCommand(a, req)
		if err != nil {
			return guestExecStatus{}, fmt.Errorf("query guest exec status: %w", err)
		}
		var status guestExecStatusResponse
		if err := json.Unmarshal([]byte(resp), &status); err != nil {
			return guestExecStatus{}, fmt.Errorf("decode guest exec status: %w", err)
		}
		if status.Return.Exited {
			if status.Return.Signal != 0 && status.Return.ExitCode == 0 {
				status.Return.ExitCode = 128 + status.Return.Signal
			}
			return status.Return, nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return guestExecStatus{}, ctx.Err()
		}
	}
}

func decodeBase64(data string) []byte {
	if strings.TrimSpace(data) == "" {
		return nil
	}
	decoded, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil
	}
	return decoded
}

func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for _, k := range slices.Sorted(maps.Keys(env)) {
		out = append(out, k+"="+env[k])
	}
	return out
}

// guestSetupScript addresses the guest's first ethernet interface statically
// and mounts the media and shares at their container paths.
func guestSetupScript(hostname string, ip netip.Addr, subnet netip.Prefix, gateway netip.Addr, media []mediaAttachment, shares []shareAttachment) string {
	var b strings.Builder
	b.WriteString("set -eu\n")
	fmt.Fprintf(&b, "hostname %s 2>/dev/null || true\n", shellQuote(hostname))
	b.WriteString(`iface="$(ls /sys/class/net | grep -v '^lo$' | head -n1)"` + "\n")
	b.WriteString(`[ -n "$iface" ] || { echo "no network interface" >&2; exit 1; }` + "\n")
	b.WriteString(`ip addr flush dev "$iface"` + "\n")
	fmt.Fprintf(&b, "ip addr add %s/%d dev \"$iface\"\n", ip, subnet.Bits())
	b.WriteString(`ip link set "$iface" up` + "\n")
	if gateway.IsValid() {
		fmt.Fprintf(&b, "ip route replace default via %s dev \"$iface\"\n", gateway)
	}
	for _, m := range media {
		fmt.Fprintf(&b, "mkdir -p %s\n", shellQuote(m.Mount))
		fmt.Fprintf(&b, "mount -o ro LABEL=%s %s\n", m.Label, shellQuote(m.Mount))
	}
	for _, s := range shares {
		fmt.Fprintf(&b, "mkdir -p %s\n", shellQuote(s.Mount))
		fmt.Fprintf(&b, "mount -t 9p -o trans=virtio,version=9p2000.L %s %s\n", s.Tag, shellQuote(s.Mount))
	}
	return b.String()
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

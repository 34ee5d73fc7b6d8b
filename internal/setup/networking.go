package setup

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"os/exec"
	"syscall"
	"text/template"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

//go:embed testbed.nft.tmpl
var nftRules string

var nftTemplate = template.Must(template.New("testbed.nft").Parse(nftRules))

type nftTemplateData struct {
	Bridge  string
	Network string
}

func renderNftRules(cfg BridgeConfig) ([]byte, error) {
	gw, err := cfg.Gateway()
	if err != nil {
		return nil, err
	}
	var rendered bytes.Buffer
	if err := nftTemplate.Execute(&rendered, nftTemplateData{Bridge: cfg.Bridge, Network: gw.Masked().String()}); err != nil {
		return nil, fmt.Errorf("render nft rules: %w", err)
	}
	return rendered.Bytes(), nil
}

// SetupNetwork creates the bridge of cfg, addresses it, enables forwarding and,
// when requested, installs the NAT rules. It is idempotent.
func SetupNetwork(ctx context.Context, cfg BridgeConfig) error {
	if err := requireRoot(); err != nil {
		return err
	}
	gw, err := cfg.Gateway()
	if err != nil {
		return err
	}
	if err := ensureBridge(cfg.Bridge, gw); err != nil {
		return err
	}
	if err := configureSysctls(); err != nil {
		return err
	}
	if !cfg.NAT {
		return nil
	}
	if err := ensureCommands("nft"); err != nil {
		return err
	}
	return programNftables(ctx, cfg)
}

// TeardownNetwork removes the bridge and the NAT tables.
func TeardownNetwork(ctx context.Context, cfg BridgeConfig) error {
	if err := requireRoot(); err != nil {
		return err
	}
	var errs []error
	if link, err := netlink.LinkByName(cfg.Bridge); err == nil {
		if err := netlink.LinkDel(link); err != nil {
			errs = append(errs, fmt.Errorf("delete bridge %s: %w", cfg.Bridge, err))
		}
	} else if !isLinkNotFound(err) {
		errs = append(errs, fmt.Errorf("lookup bridge %s: %w", cfg.Bridge, err))
	}
	if cfg.NAT {
		if err := deleteNftTables(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func requireRoot() error {
	if os.Geteuid() != 0 {
		return errors.New("run me as root")
	}
	return nil
}

func ensureCommands(names ...string) error {
	for _, name := range names {
		if _, err := exec.LookPath(name); err != nil {
			return fmt.Errorf("%s not found: %w", name, err)
		}
	}
	return nil
}

func ensureBridge(name string, gw netip.Prefix) error {
	getLogger().Info("ensuring bridge", "bridge", name, "gateway", gw.String())
	link, err := netlink.LinkByName(name)
	if err != nil {
		if !isLinkNotFound(err) {
			return fmt.Errorf("get bridge %s: %w", name, err)
		}
		br := &netlink.Bridge{LinkAttrs: netlink.LinkAttrs{Name: name}}
		if err := netlink.LinkAdd(br); err != nil && !errors.Is(err, syscall.EEXIST) {
			return fmt.Errorf("create bridge %s: %w", name, err)
		}
		if link, err = netlink.LinkByName(name); err != nil {
			return fmt.Errorf("get bridge %s: %w", name, err)
		}
	}
	if link.Type() != "bridge" {
		return fmt.Errorf("link %s exists but is a %s, not a bridge", name, link.Type())
	}
	if err := ensureAddress(link, toNetlinkAddr(gw)); err != nil {
		return err
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("bring %s up: %w", name, err)
	}
	return nil
}

func toNetlinkAddr(p netip.Prefix) *netlink.Addr {
	ip := net.IP(p.Addr().AsSlice())
	return &netlink.Addr{IPNet: &net.IPNet{IP: ip, Mask: net.CIDRMask(p.Bits(), p.Addr().BitLen())}}
}

func ensureAddress(link netlink.Link, addr *netlink.Addr) error {
	existing, err := netlink.AddrList(link, unix.AF_INET)
	if err != nil {
		return fmt.Errorf("list addresses: %w", err)
	}
	for _, a := range existing {
		if a.IP.Equal(addr.IP) && bytes.Equal(a.Mask, addr.Mask) {
			return nil
		}
	}
	if err := netlink.AddrAdd(link, addr); err != nil && !errors.Is(err, syscall.EEXIST) {
		return fmt.Errorf("add %s to %s: %w", addr, link.Attrs().Name, err)
	}
	return nil
}

func configureSysctls() error {
	getLogger().Info("enabling ip forwarding")
	return writeSysctl("/proc/sys/net/ipv4/ip_forward", "1")
}

func writeSysctl(path, value string) error {
	if err := os.WriteFile(path, []byte(value), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func programNftables(ctx context.Context, cfg BridgeConfig) error {
	rules, err := renderNftRules(cfg)
	if err != nil {
		return err
	}
	if err := deleteNftTables(ctx); err != nil {
		return err
	}
	getLogger().Info("installing nftables rules", "tables", "testbed_nat, testbed_flt")
	if err := runCommandWithInput(ctx, "nft", rules, "-f", "-"); err != nil {
		return fmt.Errorf("nft -f -: %w", err)
	}
	return nil
}

func deleteNftTables(ctx context.Context) error {
	if _, err := commandSucceeds(ctx, "nft", "delete", "table", "ip", "testbed_nat"); err != nil {
		return fmt.Errorf("nft delete table ip testbed_nat: %w", err)
	}
	if _, err := commandSucceeds(ctx, "nft", "delete", "table", "inet", "testbed_flt"); err != nil {
		return fmt.Errorf("nft delete table inet testbed_flt: %w", err)
	}
	return nil
}

func isLinkNotFound(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ENOENT) {
		return true
	}
	var notFound netlink.LinkNotFoundError
	return errors.As(err, &notFound)
}

func runCommandWithInput(ctx context.Context, name string, input []byte, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Stdin = bytes.NewReader(input)
	return cmd.Run()
}

// commandSucceeds reports whether the command exited zero. Only failures to
// run it at all are errors.
func commandSucceeds(ctx context.Context, name string, args ...string) (bool, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard
	err := cmd.Run()
	if err == nil {
		return true, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return false, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return false, ctxErr
	}
	return false, err
}

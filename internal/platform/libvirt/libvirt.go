// Package libvirt realizes runs as transient libvirt domains attached to a
// host bridge. Commands reach the guests through the QEMU guest agent.
package libvirt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/vishvananda/netns"
	libvirt "libvirt.org/go/libvirt"

	"github.com/cochaviz/testbed/internal/arch"
	"github.com/cochaviz/testbed/internal/logging"
	"github.com/cochaviz/testbed/internal/platform"
	"github.com/cochaviz/testbed/internal/shaping"
)

const (
	DefaultConnectionURI = "qemu:///system"
	DefaultBridge        = "testbed0"

	defaultAgentTimeout = 3 * time.Minute
	overlayName         = "disk.qcow2"
	domainXMLName       = "domain.xml"
)

// Options configures the libvirt platform.
type Options struct {
	ConnectionURI string
	// RunID scopes created domains. Empty matches every testbed domain.
	RunID string
	// WorkDir holds the per-domain overlays, media and XML.
	WorkDir string
	// ImageDir resolves bare image names to <ImageDir>/<image>.qcow2.
	ImageDir string
	// Bridge is the host bridge the guests are attached to.
	Bridge string
	// Arch of the guests. Empty means the host architecture.
	Arch arch.Architecture

	PollInterval time.Duration
	AgentTimeout time.Duration

	// Shaper programs the host side tap of a guest. Nil uses tc in the host
	// namespace.
	Shaper  func(ifname string, params platform.LinkParams) error
	Overlay OverlayFunc

	Logger *slog.Logger
}

type domain interface {
	agent
	GetName() (string, error)
	Destroy() error
	Free() error
}

type hypervisor interface {
	CreateDomain(xml string) (domain, error)
	Domains(prefix string) ([]domain, error)
	Close() error
}

type connection struct {
	conn *libvirt.Connect
}

func (c connection) CreateDomain(xml string) (domain, error) {
	d, err := c.conn.DomainCreateXML(xml, libvirt.DOMAIN_NONE)
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (c connection) Domains(prefix string) ([]domain, error) {
	all, err := c.conn.ListAllDomains(libvirt.CONNECT_LIST_DOMAINS_ACTIVE)
	if err != nil {
		return nil, err
	}
	var out []domain
	for i := range all {
		d := &all[i]
		name, err := d.GetName()
		if err != nil || !strings.HasPrefix(name, prefix) {
			_ = d.Free()
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func (c connection) Close() error {
	_, err := c.conn.Close()
	return err
}

type guest struct {
	dom domain
	req platform.ContainerRequest
	tap string
}

type guestExec struct {
	guest  *guest
	pid    int
	stdout func([]byte)
	stderr func([]byte)
}

// Platform implements platform.Platform on libvirt.
type Platform struct {
	hv     hypervisor
	opts   Options
	logger *slog.Logger

	mu     sync.Mutex
	guests map[string]*guest
	execs  map[string]*guestExec
}

var (
	_ platform.Platform         = (*Platform)(nil)
	_ platform.RequestValidator = (*Platform)(nil)
)

// Connect opens the hypervisor at opts.ConnectionURI.
func Connect(opts Options) (*Platform, error) {
	if opts.ConnectionURI == "" {
		opts.ConnectionURI = DefaultConnectionURI
	}
	conn, err := libvirt.NewConnect(opts.ConnectionURI)
	if err != nil {
		return nil, fmt.Errorf("connect to libvirt (%s): %w", opts.ConnectionURI, err)
	}
	return newPlatform(connection{conn: conn}, opts), nil
}

func newPlatform(hv hypervisor, opts Options) *Platform {
	if opts.Bridge == "" {
		opts.Bridge = DefaultBridge
	}
	if opts.WorkDir == "" {
		opts.WorkDir = filepath.Join(os.TempDir(), "testbed")
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if opts.AgentTimeout <= 0 {
		opts.AgentTimeout = defaultAgentTimeout
	}
	if opts.Overlay == nil {
		opts.Overlay = createDiskOverlay
	}
	logger := logging.Ensure(opts.Logger).With("component", "platform.libvirt")
	if opts.Shaper == nil {
		opts.Shaper = func(ifname string, params platform.LinkParams) error {
			s, err := shaping.NewShaper(netns.None(), logger)
			if err != nil {
				return err
			}
			defer s.Close()
			return s.Apply(ifname, params)
		}
	}
	return &Platform{
		hv:     hv,
		opts:   opts,
		logger: logger,
		guests: make(map[string]*guest),
		execs:  make(map[string]*guestExec),
	}
}

// Close releases the hypervisor connection.
func (p *Platform) Close() error {
	return p.hv.Close()
}

// ValidateRequest checks what can be checked without a hypervisor.
func (p *Platform) ValidateRequest(req platform.ContainerRequest) error {
	if req.Image == "" {
		return fmt.Errorf("container %s: no image", req.Name)
	}
	if len(req.DockerArgs) > 0 {
		p.logger.Warn("docker_args are ignored by the libvirt platform", "container", req.Name)
	}
	ro, _, err := splitVolumes(req.Volumes)
	if err != nil {
		return fmt.Errorf("container %s: %w", req.Name, err)
	}
	if len(ro) > 0 {
		if _, err := cdTarget(len(ro) - 1); err != nil {
			return fmt.Errorf("container %s: %w", req.Name, err)
		}
	}
	if _, err := vcpusFor(req.Resources); err != nil {
		return fmt.Errorf("container %s: %w", req.Name, err)
	}
	return nil
}

// imagePath resolves an image reference to a qcow2 base disk.
func (p *Platform) imagePath(image string) string {
	if filepath.IsAbs(image) || strings.ContainsRune(image, os.PathSeparator) {
		return image
	}
	name := strings.NewReplacer(":", "_", "/", "_").Replace(image)
	if !strings.HasSuffix(name, ".qcow2") {
		name += ".qcow2"
	}
	return filepath.Join(p.opts.ImageDir, name)
}

func (p *Platform) CreateContainer(ctx context.Context, req platform.ContainerRequest) (platform.Container, error) {
	if err := p.ValidateRequest(req); err != nil {
		return platform.Container{}, err
	}
	name := domainName(req.RunID, req.Name)
	workDir := filepath.Join(p.opts.WorkDir, name)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return platform.Container{}, fmt.Errorf("create work dir of %s: %w", req.Name, err)
	}

	base, err := filepath.Abs(p.imagePath(req.Image))
	if err != nil {
		return platform.Container{}, fmt.Errorf("resolve image of %s: %w", req.Name, err)
	}
	overlay := filepath.Join(workDir, overlayName)
	if err := p.opts.Overlay(ctx, base, overlay); err != nil {
		return platform.Container{}, fmt.Errorf("overlay for %s: %w", req.Name, err)
	}

	media, shares, err := p.stageVolumes(req, workDir)
	if err != nil {
		return platform.Container{}, err
	}
	data, err := buildDomainData(req, overlay, media, shares, p.opts)
	if err != nil {
		return platform.Container{}, err
	}
	xml, err := renderDomainXML(data)
	if err != nil {
		return platform.Container{}, err
	}
	if err := os.WriteFile(filepath.Join(workDir, domainXMLName), xml, 0o644); err != nil {
		return platform.Container{}, fmt.Errorf("write domain xml of %s: %w", req.Name, err)
	}

	dom, err := p.hv.CreateDomain(string(xml))
	if err != nil {
		return platform.Container{}, fmt.Errorf("create domain %s: %w", name, err)
	}
	p.logger.Info("domain started", "domain", name, "ip", req.IP.String(), "cpuset", req.Resources.CpusetCpus)

	agentCtx, cancel := context.WithTimeout(ctx, p.opts.AgentTimeout)
	defer cancel()
	if err := waitForAgent(agentCtx, dom, p.opts.PollInterval); err != nil {
		return platform.Container{}, fmt.Errorf("domain %s: %w", name, err)
	}

	script := guestSetupScript(req.Name, req.IP, req.Subnet, req.Gateway, media, shares)
	if err := p.runSetup(ctx, dom, script); err != nil {
		return platform.Container{}, fmt.Errorf("set up %s: %w", req.Name, err)
	}

	p.mu.Lock()
	p.guests[name] = &guest{dom: dom, req: req, tap: data.Tap}
	p.mu.Unlock()

	return platform.Container{
		Handle:      name,
		ContainerID: req.ContainerID,
		Name:        req.Name,
		IP:          req.IP,
	}, nil
}

// stageVolumes packs read-only volumes into ISO media and maps the rest to
// 9p shares.
func (p *Platform) stageVolumes(req platform.ContainerRequest, workDir string) ([]mediaAttachment, []shareAttachment, error) {
	ro, rw, err := splitVolumes(req.Volumes)
	if err != nil {
		return nil, nil, fmt.Errorf("container %s: %w", req.Name, err)
	}
	media := make([]mediaAttachment, 0, len(ro))
	for i, v := range ro {
		target, err := cdTarget(i)
		if err != nil {
			return nil, nil, fmt.Errorf("container %s: %w", req.Name, err)
		}
		label := mediaLabel(i)
		iso := filepath.Join(workDir, strings.ToLower(label)+".iso")
		if err := createISOFromDirectory(v.Host, iso, label); err != nil {
			return nil, nil, fmt.Errorf("pack %s for %s: %w", v.Host, req.Name, err)
		}
		media = append(media, mediaAttachment{File: iso, Target: target, Label: label, Mount: v.Container})
	}
	shares := make([]shareAttachment, 0, len(rw))
	for i, v := range rw {
		src, err := filepath.Abs(v.Host)
		if err != nil {
			return nil, nil, fmt.Errorf("resolve %s: %w", v.Host, err)
		}
		if err := os.MkdirAll(src, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create share %s: %w", src, err)
		}
		shares = append(shares, shareAttachment{Source: src, Tag: shareTag(i), Mount: v.Container})
	}
	return media, shares, nil
}

func (p *Platform) runSetup(ctx context.Context, dom domain, script string) error {
	pid, err := startGuestCommand(dom, []string{"/bin/sh", "-c", script}, nil)
	if err != nil {
		return err
	}
	status, err := pollGuestCommand(ctx, dom, pid, p.opts.PollInterval)
	if err != nil {
		return err
	}
	if status.ExitCode != 0 {
		return fmt.Errorf("setup script exited with %d: %s", status.ExitCode, strings.TrimSpace(string(decodeBase64(status.ErrData))))
	}
	return nil
}

func (p *Platform) lookup(handle string) (*guest, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	g, ok := p.guests[handle]
	if !ok {
		return nil, fmt.Errorf("domain %s: %w", handle, platform.ErrUnknownHandle)
	}
	return g, nil
}

// ConfigureLink shapes the host side tap, which is the guest's downlink.
func (p *Platform) ConfigureLink(_ context.Context, c platform.Container, link platform.LinkParams) error {
	g, err := p.lookup(c.Handle)
	if err != nil {
		return err
	}
	if err := p.opts.Shaper(g.tap, link); err != nil {
		return fmt.Errorf("shape link of %s: %w", c.Name, err)
	}
	p.logger.Info("link configured", "container", c.Name, "tap", g.tap, "link", shaping.Describe(link))
	return nil
}

func (p *Platform) Exec(_ context.Context, c platform.Container, req platform.ExecRequest) (platform.CommandHandle, error) {
	g, err := p.lookup(c.Handle)
	if err != nil {
		return platform.CommandHandle{}, err
	}
	if req.WorkingDir != "" {
		req.Command = "cd " + shellQuote(req.WorkingDir) + " && " + req.Command
	}
	pid, err := startGuestCommand(g.dom, req.Argv(), req.Environment)
	if err != nil {
		return platform.CommandHandle{}, fmt.Errorf("exec in %s: %w", c.Name, err)
	}

	id := c.Handle + "/" + strconv.Itoa(pid)
	p.mu.Lock()
	p.execs[id] = &guestExec{guest: g, pid: pid, stdout: sink(req.Stdout), stderr: sink(req.Stderr)}
	p.mu.Unlock()
	return platform.CommandHandle{ID: id, Container: c}, nil
}

func sink(w io.Writer) func([]byte) {
	return func(b []byte) {
		if w != nil && len(b) > 0 {
			_, _ = w.Write(b)
		}
	}
}

// Wait polls the agent until the command exits. The agent only hands out
// output once the process is gone, so the writers receive it in one piece.
func (p *Platform) Wait(ctx context.Context, h platform.CommandHandle) (int, error) {
	p.mu.Lock()
	e, ok := p.execs[h.ID]
	p.mu.Unlock()
	if !ok {
		return -1, fmt.Errorf("wait for %s: %w", h.ID, platform.ErrUnknownHandle)
	}

	status, err := pollGuestCommand(ctx, e.guest.dom, e.pid, p.opts.PollInterval)
	if err != nil {
		return -1, err
	}
	e.stdout(decodeBase64(status.OutData))
	e.stderr(decodeBase64(status.ErrData))

	p.mu.Lock()
	delete(p.execs, h.ID)
	p.mu.Unlock()
	return status.ExitCode, nil
}

// DestroyAll destroys every domain of the run and removes their work dirs.
func (p *Platform) DestroyAll(context.Context) error {
	prefix := runPrefix(p.opts.RunID)
	domains, err := p.hv.Domains(prefix)
	if err != nil {
		return fmt.Errorf("list domains: %w", err)
	}

	var errs []error
	for _, d := range domains {
		name, _ := d.GetName()
		if err := d.Destroy(); err != nil {
			errs = append(errs, fmt.Errorf("destroy domain %s: %w", name, err))
		}
		_ = d.Free()
	}

	dirs, err := filepath.Glob(filepath.Join(p.opts.WorkDir, prefix+"*"))
	if err != nil {
		errs = append(errs, err)
	}
	for _, dir := range dirs {
		if err := os.RemoveAll(dir); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", dir, err))
		}
	}

	p.mu.Lock()
	clear(p.guests)
	clear(p.execs)
	p.mu.Unlock()

	p.logger.Info("domains destroyed", "domains", len(domains), "work_dirs", len(dirs))
	return errors.Join(errs...)
}

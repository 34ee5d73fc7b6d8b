package libvirt

import (
	"bytes"
	"crypto/sha1"
	_ "embed"
	"errors"
	"fmt"
	"math"
	"strings"
	"text/template"

	"github.com/google/uuid"

	"github.com/cochaviz/testbed/internal/allocation"
	"github.com/cochaviz/testbed/internal/arch"
	"github.com/cochaviz/testbed/internal/platform"
)

//go:embed domain.xml.tmpl
var domainTemplate string

var parsedDomainTemplate = template.Must(template.New("domain").Parse(domainTemplate))

const (
	domainPrefix     = "testbed-"
	defaultMemoryKiB = 1024 * 1024
	cdBus            = "sata"
)

type mediaAttachment struct {
	File   string
	Target string
	Label  string
	Mount  string
}

type shareAttachment struct {
	Source string
	Tag    string
	Mount  string
}

type domainTemplateData struct {
	Name       string
	UUID       string
	RunID      string
	DomainType string
	Arch       arch.Architecture
	Machine    string
	Firmware   bool
	HostCPU    bool
	MemoryKiB  int64
	VCPUs      int
	CPUSet     string
	Period     int64
	Quota      int64
	Overlay    string
	Media      []mediaAttachment
	Shares     []shareAttachment
	CDBus      string
	MAC        string
	Bridge     string
	Tap        string
}

// domainName is the libvirt name of a container's domain. The run prefix lets
// DestroyAll find every domain of a run.
func domainName(runID, name string) string {
	return runPrefix(runID) + name
}

func runPrefix(runID string) string {
	if runID == "" {
		return domainPrefix
	}
	return domainPrefix + shortRun(runID) + "-"
}

func shortRun(runID string) string {
	id := strings.ReplaceAll(runID, "-", "")
	if len(id) > 6 {
		id = id[:6]
	}
	return id
}

// tapName fits the kernel's 15 byte interface name limit.
func tapName(runID string, containerID int) string {
	name := fmt.Sprintf("tb%s-c%d", shortRun(runID), containerID)
	if len(name) > 15 {
		name = name[:15]
	}
	return name
}

// macFor derives a stable, locally administered unicast MAC from seed.
func macFor(seed string) string {
	sum := sha1.Sum([]byte(seed))
	mac := []byte{0x52, 0x54, 0x00, sum[0], sum[1], sum[2]}
	mac[0] = (mac[0] | 0x02) & 0xfe
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", mac[0], mac[1], mac[2], mac[3], mac[4], mac[5])
}

// splitVolumes sorts volume specs into read-only media and writable 9p
// shares. Read-only volumes are delivered as ISO images so the guest cannot
// touch the host tree.
func splitVolumes(volumes []string) (ro, rw []platform.Volume, err error) {
	for _, v := range volumes {
		vol, err := platform.ParseVolume(v)
		if err != nil {
			return nil, nil, err
		}
		if vol.ReadOnly {
			ro = append(ro, vol)
		} else {
			rw = append(rw, vol)
		}
	}
	return ro, rw, nil
}

// cdTarget names the n-th cdrom drive: sda is the first.
func cdTarget(n int) (string, error) {
	if n < 0 || n > 25 {
		return "", fmt.Errorf("too many read-only volumes (%d)", n+1)
	}
	return "sd" + string(rune('a'+n)), nil
}

func mediaLabel(n int) string {
	return fmt.Sprintf("TBVOL%02d", n)
}

func shareTag(n int) string {
	return fmt.Sprintf("tbshare%d", n)
}

func vcpusFor(res allocation.Resources) (int, error) {
	if res.CpusetCpus != "" {
		cores, err := allocation.ParseCPUSet(res.CpusetCpus)
		if err != nil {
			return 0, err
		}
		if res.CPUPeriod > 0 && res.CPUQuota > 0 {
			n := int(math.Ceil(float64(res.CPUQuota) / float64(res.CPUPeriod)))
			return max(1, min(n, len(cores))), nil
		}
		return max(1, len(cores)), nil
	}
	return 1, nil
}

func buildDomainData(req platform.ContainerRequest, overlay string, media []mediaAttachment, shares []shareAttachment, opts Options) (domainTemplateData, error) {
	if req.Name == "" {
		return domainTemplateData{}, errors.New("domain name is required")
	}
	if overlay == "" {
		return domainTemplateData{}, errors.New("overlay path is required")
	}
	vcpus, err := vcpusFor(req.Resources)
	if err != nil {
		return domainTemplateData{}, fmt.Errorf("cpuset of %s: %w", req.Name, err)
	}

	memory := int64(defaultMemoryKiB)
	if req.Resources.MemoryBytes > 0 {
		memory = max(req.Resources.MemoryBytes/1024, 64*1024)
	}

	guestArch := opts.Arch
	if guestArch == "" {
		guestArch = arch.Host()
	}
	domainType := "kvm"
	if guestArch.Emulated() {
		domainType = "qemu"
	}

	name := domainName(req.RunID, req.Name)
	data := domainTemplateData{
		Name:       name,
		UUID:       uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String(),
		RunID:      req.RunID,
		DomainType: domainType,
		Arch:       guestArch,
		Machine:    guestArch.Machine(),
		Firmware:   guestArch.NeedsFirmware(),
		HostCPU:    domainType == "kvm",
		MemoryKiB:  memory,
		VCPUs:      vcpus,
		CPUSet:     req.Resources.CpusetCpus,
		Overlay:    overlay,
		Media:      media,
		Shares:     shares,
		CDBus:      cdBus,
		MAC:        macFor(name),
		Bridge:     opts.Bridge,
		Tap:        tapName(req.RunID, req.ContainerID),
	}
	if req.Resources.CPUQuota > 0 {
		data.Period = req.Resources.CPUPeriod
		data.Quota = req.Resources.CPUQuota
	}
	return data, nil
}

func renderDomainXML(data domainTemplateData) ([]byte, error) {
	var buf bytes.Buffer
	if err := parsedDomainTemplate.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("execute domain template: %w", err)
	}
	return buf.Bytes(), nil
}

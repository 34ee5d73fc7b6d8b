package profiles

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed assets/devices.yaml
var embeddedDevices []byte

//go:embed assets/networks.yaml
var embeddedNetworks []byte

// ErrProfileNotFound is returned when a profile name is not in the table.
var ErrProfileNotFound = errors.New("profile not found")

// Table is the process-wide lookup of device and network profiles. It is
// built once during startup and never mutated afterwards, so it can be shared
// between goroutines without locking.
type Table struct {
	devices      map[string]deviceEntry
	networks     map[string]networkEntry
	deviceOrder  []string
	networkOrder []string
}

// DefaultTable returns the table built from the embedded profile definitions.
func DefaultTable() (*Table, error) {
	return LoadTable(embeddedDevices, embeddedNetworks)
}

// LoadTableFiles builds a table from YAML files. An empty path selects the
// embedded definitions for that half of the table.
func LoadTableFiles(devicePath, networkPath string) (*Table, error) {
	devices := embeddedDevices
	networks := embeddedNetworks

	if path := strings.TrimSpace(devicePath); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read device profiles: %w", err)
		}
		devices = data
	}
	if path := strings.TrimSpace(networkPath); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read network profiles: %w", err)
		}
		networks = data
	}
	return LoadTable(devices, networks)
}

// LoadTable parses device and network profile documents.
func LoadTable(devicesYAML, networksYAML []byte) (*Table, error) {
	t := &Table{
		devices:  make(map[string]deviceEntry),
		networks: make(map[string]networkEntry),
	}

	order, err := decodeOrdered(devicesYAML, t.devices)
	if err != nil {
		return nil, fmt.Errorf("decode device profiles: %w", err)
	}
	t.deviceOrder = order

	order, err = decodeOrdered(networksYAML, t.networks)
	if err != nil {
		return nil, fmt.Errorf("decode network profiles: %w", err)
	}
	t.networkOrder = order

	for name, entry := range t.devices {
		if IsSentinel(name) {
			return nil, fmt.Errorf("device profile name %q is reserved", name)
		}
		if entry.Cores < 0 || entry.RAMGiB < 0 || entry.FrequencyMHz < 0 || entry.SingleCoreScore < 0 {
			return nil, fmt.Errorf("device profile %q has negative values", name)
		}
	}
	for name := range t.networks {
		if IsSentinel(name) {
			return nil, fmt.Errorf("network profile name %q is reserved", name)
		}
	}
	return t, nil
}

// decodeOrdered decodes a YAML mapping into dst and returns the keys in
// document order.
func decodeOrdered[T any](data []byte, dst map[string]T) ([]string, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, err
	}
	if root.Kind == 0 {
		return nil, nil
	}
	doc := &root
	if doc.Kind == yaml.DocumentNode && len(doc.Content) > 0 {
		doc = doc.Content[0]
	}
	if doc.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("line %d: expected a mapping of profile names", doc.Line)
	}

	var order []string
	for i := 0; i+1 < len(doc.Content); i += 2 {
		name := strings.TrimSpace(doc.Content[i].Value)
		var entry T
		if err := doc.Content[i+1].Decode(&entry); err != nil {
			return nil, fmt.Errorf("profile %q: %w", name, err)
		}
		if _, dup := dst[name]; dup {
			return nil, fmt.Errorf("profile %q defined twice", name)
		}
		dst[name] = entry
		order = append(order, name)
	}
	return order, nil
}

// Device returns the named device profile or the unconstrained sentinel.
func (t *Table) Device(name string) (DeviceProfile, error) {
	if IsSentinel(name) {
		return UnconstrainedDevice(), nil
	}
	entry, ok := t.devices[name]
	if !ok {
		return DeviceProfile{}, fmt.Errorf("device %q: %w", name, ErrProfileNotFound)
	}
	return entry.profile(name), nil
}

// Network returns the named network profile with its typical values, or the
// unconstrained sentinel.
func (t *Table) Network(name string) (NetworkProfile, error) {
	if IsSentinel(name) {
		return UnconstrainedNetwork(), nil
	}
	entry, ok := t.networks[name]
	if !ok {
		return NetworkProfile{}, fmt.Errorf("network %q: %w", name, ErrProfileNotFound)
	}
	return entry.profile(name), nil
}

// DeviceNames lists device profiles in definition order.
func (t *Table) DeviceNames() []string {
	return append([]string(nil), t.deviceOrder...)
}

// NetworkNames lists network profiles in definition order.
func (t *Table) NetworkNames() []string {
	return append([]string(nil), t.networkOrder...)
}

// Description returns the free-form description of a profile, if any.
func (t *Table) Description(name string) string {
	if entry, ok := t.devices[name]; ok {
		return entry.Description
	}
	if entry, ok := t.networks[name]; ok {
		return entry.Description
	}
	return ""
}

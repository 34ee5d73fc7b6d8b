package setup

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
)

var ConfigDir = "/etc/testbed"
var StorageDir = "/var/lib/testbed/"

const bridgeConfigName = "bridge.json"

// BridgeConfig describes the host bridge VM guests are attached to.
type BridgeConfig struct {
	Bridge string `json:"bridge"`
	// GatewayCIDR is assigned to the bridge and becomes the guests' gateway.
	GatewayCIDR string `json:"gateway_cidr"`
	// NAT masquerades guest traffic leaving through other interfaces.
	NAT bool `json:"nat"`
}

// DefaultBridgeConfig matches the default experiment subnet.
var DefaultBridgeConfig = BridgeConfig{
	Bridge:      "testbed0",
	GatewayCIDR: "10.0.0.1/16",
	NAT:         true,
}

// Gateway returns the parsed gateway address and its prefix.
func (c BridgeConfig) Gateway() (netip.Prefix, error) {
	if c.Bridge == "" {
		return netip.Prefix{}, errors.New("bridge name is required")
	}
	if len(c.Bridge) > 15 {
		return netip.Prefix{}, fmt.Errorf("bridge name %q exceeds 15 characters", c.Bridge)
	}
	prefix, err := netip.ParsePrefix(c.GatewayCIDR)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("parse gateway: %w", err)
	}
	if !prefix.Addr().Is4() {
		return netip.Prefix{}, fmt.Errorf("gateway %s is not IPv4", prefix)
	}
	if prefix.Addr() == prefix.Masked().Addr() {
		return netip.Prefix{}, fmt.Errorf("gateway %s is the network address", prefix)
	}
	return prefix, nil
}

// LoadBridgeConfig returns the persisted bridge config, writing the default
// on first use.
func LoadBridgeConfig() (BridgeConfig, error) {
	path := filepath.Join(ConfigDir, bridgeConfigName)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if err := WriteBridgeConfig(DefaultBridgeConfig); err != nil {
				return BridgeConfig{}, err
			}
			return DefaultBridgeConfig, nil
		}
		return BridgeConfig{}, fmt.Errorf("read persisted config: %w", err)
	}
	var persisted BridgeConfig
	if err := json.Unmarshal(data, &persisted); err != nil {
		return BridgeConfig{}, fmt.Errorf("decode persisted config: %w", err)
	}
	return persisted, nil
}

// WriteBridgeConfig persists cfg atomically.
func WriteBridgeConfig(cfg BridgeConfig) error {
	if _, err := cfg.Gateway(); err != nil {
		return err
	}
	if err := os.MkdirAll(ConfigDir, 0o755); err != nil {
		return fmt.Errorf("make config dir: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	tmpPath := filepath.Join(ConfigDir, bridgeConfigName+".tmp")
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := os.Rename(tmpPath, filepath.Join(ConfigDir, bridgeConfigName)); err != nil {
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

// ClearConfig removes the persisted configuration.
func ClearConfig() error {
	getLogger().Info("clearing configuration files")
	path := filepath.Join(ConfigDir, bridgeConfigName)
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}
	return nil
}

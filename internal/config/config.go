package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"sriov-emu/pkg/pci"
	"sriov-emu/pkg/types"
)

// Defaults applied by LoadConfig for omitted fields
const (
	DefaultListen     = "127.0.0.1:50051"
	DefaultControlDir = "/run/sriov-emu/devices"
	DefaultStateFile  = "/run/sriov-emu/state.json"
	DefaultLogLevel   = "info"
)

// Config represents the emulator daemon configuration
type Config struct {
	LogLevel   string          `yaml:"log_level"`
	Listen     string          `yaml:"listen"`
	ControlDir string          `yaml:"control_dir"`
	StateFile  string          `yaml:"state_file"`
	Devices    []DeviceConfig  `yaml:"devices"`
	Variants   []VariantConfig `yaml:"variants"`
}

// DeviceConfig represents one emulated controller
type DeviceConfig struct {
	Name      string `yaml:"name"`
	Variant   string `yaml:"variant"`
	RoutingID string `yaml:"routing_id"`
	NumVFs    int    `yaml:"num_vfs"`
	MAC       string `yaml:"mac"`
}

// VariantConfig declares a device variant inheriting a built-in one.
// Zero numeric fields are inherited.
type VariantConfig struct {
	Name        string `yaml:"name"`
	Inherits    string `yaml:"inherits"`
	DeviceID    string `yaml:"device_id"`
	MSIXVectors int    `yaml:"msix_vectors"`
	TotalVFs    int    `yaml:"total_vfs"`
	VFOffset    int    `yaml:"vf_offset"`
	VFStride    int    `yaml:"vf_stride"`
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %v", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %v", err)
	}
	config.ApplyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %v", path, err)
	}
	return &config, nil
}

// Default returns a configuration with no devices
func Default() *Config {
	c := &Config{}
	c.ApplyDefaults()
	return c
}

// ApplyDefaults fills omitted top-level fields
func (c *Config) ApplyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.ControlDir == "" {
		c.ControlDir = DefaultControlDir
	}
	if c.StateFile == "" {
		c.StateFile = DefaultStateFile
	}
}

// Validate checks device names, routing IDs, MAC addresses and variant
// declarations. Variant tags are resolved later against the registry.
func (c *Config) Validate() error {
	names := make(map[string]bool)
	rids := make(map[pci.RoutingID]string)
	for i, d := range c.Devices {
		if d.Name == "" {
			return fmt.Errorf("device %d: missing name", i)
		}
		if strings.ContainsAny(d.Name, "/\\") {
			return fmt.Errorf("device %s: name must not contain path separators", d.Name)
		}
		if names[d.Name] {
			return fmt.Errorf("device %s: duplicate name", d.Name)
		}
		names[d.Name] = true

		if d.Variant == "" {
			return fmt.Errorf("device %s: missing variant", d.Name)
		}
		rid, err := d.ParseRoutingID()
		if err != nil {
			return fmt.Errorf("device %s: %v", d.Name, err)
		}
		if other, ok := rids[rid]; ok {
			return fmt.Errorf("device %s: routing ID %s already used by %s", d.Name, rid, other)
		}
		rids[rid] = d.Name

		if d.NumVFs < 0 {
			return fmt.Errorf("device %s: negative num_vfs", d.Name)
		}
		if _, err := d.ParseMAC(); err != nil {
			return fmt.Errorf("device %s: %v", d.Name, err)
		}
	}

	variants := make(map[string]bool)
	for i, v := range c.Variants {
		if v.Name == "" || v.Inherits == "" {
			return fmt.Errorf("variant %d: name and inherits are required", i)
		}
		if variants[v.Name] {
			return fmt.Errorf("variant %s: duplicate name", v.Name)
		}
		variants[v.Name] = true
		if _, err := v.ParseDeviceID(); err != nil {
			return fmt.Errorf("variant %s: %v", v.Name, err)
		}
		if v.MSIXVectors < 0 || v.TotalVFs < 0 || v.VFOffset < 0 || v.VFStride < 0 {
			return fmt.Errorf("variant %s: negative value", v.Name)
		}
	}
	return nil
}

// ParseRoutingID parses the device's "bb:dd.f" routing ID
func (d DeviceConfig) ParseRoutingID() (pci.RoutingID, error) {
	return pci.ParseRoutingID(d.RoutingID)
}

// ParseMAC parses the device's MAC address; empty means derive one
func (d DeviceConfig) ParseMAC() (net.HardwareAddr, error) {
	if d.MAC == "" {
		return nil, nil
	}
	mac, err := net.ParseMAC(d.MAC)
	if err != nil {
		return nil, err
	}
	if len(mac) != 6 {
		return nil, fmt.Errorf("MAC address %s is not EUI-48", d.MAC)
	}
	return mac, nil
}

// ParseDeviceID parses the variant's hex device ID; empty means inherit
func (v VariantConfig) ParseDeviceID() (uint16, error) {
	if v.DeviceID == "" {
		return 0, nil
	}
	return types.ParseHexID(v.DeviceID)
}

// ParseVFRange parses a VF range string like "0-3,5,7-9"
func ParseVFRange(rangeStr string) ([]int, error) {
	var indices []int
	parts := strings.Split(rangeStr, ",")

	for _, part := range parts {
		part = strings.TrimSpace(part)
		if strings.Contains(part, "-") {
			// Range like "0-3"
			rangeParts := strings.Split(part, "-")
			if len(rangeParts) != 2 {
				return nil, fmt.Errorf("invalid range format: %s", part)
			}
			start, err := strconv.Atoi(strings.TrimSpace(rangeParts[0]))
			if err != nil {
				return nil, fmt.Errorf("invalid start index: %s", rangeParts[0])
			}
			end, err := strconv.Atoi(strings.TrimSpace(rangeParts[1]))
			if err != nil {
				return nil, fmt.Errorf("invalid end index: %s", rangeParts[1])
			}
			if end < start {
				return nil, fmt.Errorf("invalid range: %s", part)
			}
			for i := start; i <= end; i++ {
				indices = append(indices, i)
			}
		} else {
			// Single index
			index, err := strconv.Atoi(part)
			if err != nil || index < 0 {
				return nil, fmt.Errorf("invalid index: %s", part)
			}
			indices = append(indices, index)
		}
	}

	return indices, nil
}

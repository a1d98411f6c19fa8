package config

import (
	"os"
	"testing"

	"sriov-emu/pkg/pci"
)

func TestParseVFRange(t *testing.T) {
	tests := []struct {
		name     string
		rangeStr string
		expected []int
		wantErr  bool
	}{
		{
			name:     "single index",
			rangeStr: "5",
			expected: []int{5},
			wantErr:  false,
		},
		{
			name:     "range",
			rangeStr: "0-3",
			expected: []int{0, 1, 2, 3},
			wantErr:  false,
		},
		{
			name:     "mixed range and single",
			rangeStr: "0-2,5,7-9",
			expected: []int{0, 1, 2, 5, 7, 8, 9},
			wantErr:  false,
		},
		{
			name:     "invalid range format",
			rangeStr: "0-1-2",
			expected: nil,
			wantErr:  true,
		},
		{
			name:     "invalid start index",
			rangeStr: "abc-5",
			expected: nil,
			wantErr:  true,
		},
		{
			name:     "invalid end index",
			rangeStr: "0-abc",
			expected: nil,
			wantErr:  true,
		},
		{
			name:     "reversed range",
			rangeStr: "5-3",
			expected: nil,
			wantErr:  true,
		},
		{
			name:     "empty string",
			rangeStr: "",
			expected: nil,
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseVFRange(tt.rangeStr)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseVFRange() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && len(got) != len(tt.expected) {
				t.Errorf("ParseVFRange() length = %v, want %v", len(got), len(tt.expected))
				return
			}
			if !tt.wantErr {
				for i, v := range got {
					if v != tt.expected[i] {
						t.Errorf("ParseVFRange()[%d] = %v, want %v", i, v, tt.expected[i])
					}
				}
			}
		})
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	tmpfile, err := os.CreateTemp(t.TempDir(), "test-config-*.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tmpfile.Write([]byte(content)); err != nil {
		t.Fatal(err)
	}
	if err := tmpfile.Close(); err != nil {
		t.Fatal(err)
	}
	return tmpfile.Name()
}

func TestLoadConfig(t *testing.T) {
	configContent := `
log_level: debug
listen: "127.0.0.1:6000"
control_dir: /tmp/sriov-emu
devices:
  - name: nic0
    variant: igb
    routing_id: "0000:01:00.0"
    num_vfs: 4
    mac: "52:54:00:12:34:56"
  - name: nic1
    variant: igb4
    routing_id: "02:00.0"
variants:
  - name: igb4
    inherits: igb
    device_id: "0x1526"
    total_vfs: 4
    vf_stride: 1
`
	config, err := LoadConfig(writeConfig(t, configContent))
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if config.LogLevel != "debug" {
		t.Errorf("Expected log level 'debug', got '%s'", config.LogLevel)
	}
	if config.Listen != "127.0.0.1:6000" {
		t.Errorf("Expected listen '127.0.0.1:6000', got '%s'", config.Listen)
	}
	if config.StateFile != DefaultStateFile {
		t.Errorf("Expected default state file, got '%s'", config.StateFile)
	}
	if len(config.Devices) != 2 {
		t.Fatalf("Expected 2 devices, got %d", len(config.Devices))
	}

	nic0 := config.Devices[0]
	if nic0.Name != "nic0" || nic0.Variant != "igb" || nic0.NumVFs != 4 {
		t.Errorf("Unexpected first device: %+v", nic0)
	}
	rid, err := nic0.ParseRoutingID()
	if err != nil || rid != pci.NewRoutingID(1, 0, 0) {
		t.Errorf("ParseRoutingID() = %v, %v", rid, err)
	}
	mac, err := nic0.ParseMAC()
	if err != nil || mac.String() != "52:54:00:12:34:56" {
		t.Errorf("ParseMAC() = %v, %v", mac, err)
	}
	if mac, _ := config.Devices[1].ParseMAC(); mac != nil {
		t.Errorf("Expected no MAC for second device, got %v", mac)
	}

	if len(config.Variants) != 1 {
		t.Fatalf("Expected 1 variant, got %d", len(config.Variants))
	}
	id, err := config.Variants[0].ParseDeviceID()
	if err != nil || id != 0x1526 {
		t.Errorf("ParseDeviceID() = 0x%x, %v", id, err)
	}
	if config.Variants[0].TotalVFs != 4 || config.Variants[0].VFStride != 1 {
		t.Errorf("Unexpected variant: %+v", config.Variants[0])
	}
}

func TestLoadConfigFileNotFound(t *testing.T) {
	_, err := LoadConfig("nonexistent-file.yaml")
	if err == nil {
		t.Error("Expected error when loading nonexistent file")
	}
}

func TestLoadConfigInvalidYAML(t *testing.T) {
	configContent := `
devices:
  - name: "nic0"
    variant: igb
    routing_id: ["01:00.0"
`
	_, err := LoadConfig(writeConfig(t, configContent))
	if err == nil {
		t.Error("Expected error when loading invalid YAML")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{
			name:   "empty",
			config: Config{},
		},
		{
			name: "valid device",
			config: Config{Devices: []DeviceConfig{
				{Name: "nic0", Variant: "igb", RoutingID: "01:00.0"},
			}},
		},
		{
			name: "duplicate name",
			config: Config{Devices: []DeviceConfig{
				{Name: "nic0", Variant: "igb", RoutingID: "01:00.0"},
				{Name: "nic0", Variant: "igb", RoutingID: "02:00.0"},
			}},
			wantErr: true,
		},
		{
			name: "duplicate routing ID",
			config: Config{Devices: []DeviceConfig{
				{Name: "nic0", Variant: "igb", RoutingID: "01:00.0"},
				{Name: "nic1", Variant: "igb", RoutingID: "0000:01:00.0"},
			}},
			wantErr: true,
		},
		{
			name:    "bad routing ID",
			config:  Config{Devices: []DeviceConfig{{Name: "nic0", Variant: "igb", RoutingID: "01:00"}}},
			wantErr: true,
		},
		{
			name:    "bad MAC",
			config:  Config{Devices: []DeviceConfig{{Name: "nic0", Variant: "igb", RoutingID: "01:00.0", MAC: "zz"}}},
			wantErr: true,
		},
		{
			name:    "path in name",
			config:  Config{Devices: []DeviceConfig{{Name: "a/b", Variant: "igb", RoutingID: "01:00.0"}}},
			wantErr: true,
		},
		{
			name:    "missing variant",
			config:  Config{Devices: []DeviceConfig{{Name: "nic0", RoutingID: "01:00.0"}}},
			wantErr: true,
		},
		{
			name:    "variant without base",
			config:  Config{Variants: []VariantConfig{{Name: "x"}}},
			wantErr: true,
		},
		{
			name:    "bad device ID",
			config:  Config{Variants: []VariantConfig{{Name: "x", Inherits: "igb", DeviceID: "0xabcde"}}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDefault(t *testing.T) {
	c := Default()
	if c.Listen != DefaultListen || c.ControlDir != DefaultControlDir || c.LogLevel != DefaultLogLevel {
		t.Errorf("Default() = %+v", c)
	}
}

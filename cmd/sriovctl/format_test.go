package main

import (
	"strings"
	"testing"

	"sriov-emu/pkg/types"
)

func testInventory() *types.Inventory {
	pf := &types.FunctionInfo{
		RoutingID: "01:00.0", Role: types.RolePF, VFIndex: -1,
		VendorID: "0x8086", DeviceID: "0x10c9", MACAddress: "52:54:00:12:34:56",
		State: "active", MSIXVectors: 9,
		BARs:         []types.BARInfo{{Index: 0, Type: "mem32", Address: "0xe0000000", Size: 0x20000}},
		Capabilities: []types.PCICapability{{ID: "0x11", Name: "MSI-X", Offset: "0x0a0"}},
	}
	vf := &types.FunctionInfo{
		RoutingID: "01:10.0", Role: types.RoleVF, VFIndex: 0,
		VendorID: "0x8086", DeviceID: "0x10ca", DeviceName: "82576 Virtual Function",
	}
	return &types.Inventory{Devices: []*types.DeviceInfo{
		{
			Name: "nic0", Variant: "igb", RoutingID: "01:00.0", SRIOVCapable: true,
			TotalVFs: 8, NumVFs: 1, VFOffset: 0x80, VFStride: 2, PF: pf, VFs: []*types.FunctionInfo{vf},
		},
		{
			Name: "a-very-long-device-name", Variant: "e1000e", RoutingID: "02:00.0",
			PF: &types.FunctionInfo{RoutingID: "02:00.0", Role: types.RolePF, DeviceID: "0x10d3"},
		},
	}}
}

func TestFormatInventory(t *testing.T) {
	inv := testInventory()

	tests := []struct {
		format   string
		contains []string
		wantErr  bool
	}{
		{"table", []string{"│ nic0 ", "1/8", "0x80/2", "a-very-long…"}, false},
		{"json", []string{`"name": "nic0"`, `"routing_id": "01:10.0"`}, false},
		{"simple", []string{"nic0\t01:00.0\tpf\t0x8086:0x10c9\t52:54:00:12:34:56", "nic0\t01:10.0\tvf"}, false},
		{"detailed", []string{"VFs: 1 of 8 (offset 0x80, stride 2)", "VF 0 01:10.0", "BAR0: mem32 at 0xe0000000 size 0x20000", "MSI-X@0x0a0"}, false},
		{"yaml", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			out, err := formatInventory(inv, tt.format)
			if (err != nil) != tt.wantErr {
				t.Fatalf("formatInventory() error = %v, wantErr %v", err, tt.wantErr)
			}
			for _, s := range tt.contains {
				if !strings.Contains(out, s) {
					t.Errorf("output missing %q:\n%s", s, out)
				}
			}
		})
	}
}

func TestTruncateString(t *testing.T) {
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"short", 8, "short"},
		{"exactly8", 8, "exactly8"},
		{"too-long-name", 8, "too-lon…"},
	}
	for _, tt := range tests {
		if got := truncateString(tt.in, tt.max); got != tt.want {
			t.Errorf("truncateString(%q, %d) = %q, want %q", tt.in, tt.max, got, tt.want)
		}
	}
}

package types

import (
	"testing"

	"github.com/jaypipes/pcidb"
)

func TestBuiltinFallback(t *testing.T) {
	r := &PCIDBResolver{}

	if got := r.VendorName(0x8086); got != "Intel Corporation" {
		t.Errorf("VendorName(0x8086) = %q", got)
	}
	if got := r.DeviceName(0x8086, 0x10ca); got != "82576 Virtual Function" {
		t.Errorf("DeviceName(0x8086, 0x10ca) = %q", got)
	}
	if got := r.DeviceName(0x1234, 0x5678); got != "" {
		t.Errorf("DeviceName(unknown) = %q, want empty", got)
	}
}

func TestDatabaseTakesPrecedence(t *testing.T) {
	db := &pcidb.PCIDB{
		Vendors: map[string]*pcidb.Vendor{
			"8086": {ID: "8086", Name: "Intel Corp."},
		},
		Products: map[string]*pcidb.Product{
			"808610c9": {VendorID: "8086", ID: "10c9", Name: "82576 Gigabit Network Connection (rev 01)"},
		},
	}
	r := &PCIDBResolver{db: db}

	if got := r.VendorName(0x8086); got != "Intel Corp." {
		t.Errorf("VendorName(0x8086) = %q", got)
	}
	if got := r.DeviceName(0x8086, 0x10c9); got != "82576 Gigabit Network Connection (rev 01)" {
		t.Errorf("DeviceName(0x8086, 0x10c9) = %q", got)
	}
	// not in the database, falls back
	if got := r.DeviceName(0x8086, 0x10d3); got != "82574L Gigabit Network Connection" {
		t.Errorf("DeviceName(0x8086, 0x10d3) = %q", got)
	}
}

func TestParseHexID(t *testing.T) {
	tests := []struct {
		in      string
		want    uint16
		wantErr bool
	}{
		{"0x10c9", 0x10c9, false},
		{"10CA", 0x10ca, false},
		{" 8086 ", 0x8086, false},
		{"", 0, true},
		{"0x12345", 0, true},
		{"zz", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseHexID(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseHexID(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseHexID(%q) = 0x%x, want 0x%x", tt.in, got, tt.want)
		}
	}
	if HexID(0x10c9) != "0x10c9" {
		t.Errorf("HexID(0x10c9) = %q", HexID(0x10c9))
	}
}

func TestInventoryFind(t *testing.T) {
	inv := &Inventory{Devices: []*DeviceInfo{{Name: "nic0"}, {Name: "nic1"}}}
	if d := inv.Find("nic1"); d == nil || d.Name != "nic1" {
		t.Errorf("Find(nic1) = %v", d)
	}
	if inv.Find("nic2") != nil {
		t.Error("Find(nic2) returned a device")
	}
}

package types

import (
	"fmt"
	"strings"

	"github.com/jaypipes/pcidb"
)

// NameResolver maps PCI vendor and device IDs to human-readable names
type NameResolver interface {
	VendorName(vendorID uint16) string
	DeviceName(vendorID, deviceID uint16) string
}

// builtinNames covers the emulated controllers when no pci.ids database
// is installed.
var builtinNames = map[string]string{
	"8086":     "Intel Corporation",
	"808610d3": "82574L Gigabit Network Connection",
	"808610c9": "82576 Gigabit Network Connection",
	"808610ca": "82576 Virtual Function",
}

// PCIDBResolver resolves names from the host pci.ids database, falling
// back to a small built-in table.
type PCIDBResolver struct {
	db *pcidb.PCIDB
}

// NewPCIDBResolver loads the pci.ids database. chroot may be empty. A
// missing database is not an error: the resolver then only knows the
// built-in names.
func NewPCIDBResolver(chroot string) *PCIDBResolver {
	opts := []*pcidb.WithOption{pcidb.WithCacheOnly()}
	if chroot != "" {
		opts = append(opts, pcidb.WithChroot(chroot))
	}
	db, err := pcidb.New(opts...)
	if err != nil {
		return &PCIDBResolver{}
	}
	return &PCIDBResolver{db: db}
}

// VendorName returns the vendor name or "" when unknown
func (r *PCIDBResolver) VendorName(vendorID uint16) string {
	key := fmt.Sprintf("%04x", vendorID)
	if r.db != nil {
		if v, ok := r.db.Vendors[key]; ok {
			return v.Name
		}
	}
	return builtinNames[key]
}

// DeviceName returns the device name or "" when unknown
func (r *PCIDBResolver) DeviceName(vendorID, deviceID uint16) string {
	key := fmt.Sprintf("%04x%04x", vendorID, deviceID)
	if r.db != nil {
		if p, ok := r.db.Products[key]; ok {
			return p.Name
		}
	}
	return builtinNames[key]
}

// HexID formats a 16-bit ID the way lspci does
func HexID(id uint16) string {
	return fmt.Sprintf("0x%04x", id)
}

// ParseHexID parses "0x10c9" or "10c9"
func ParseHexID(s string) (uint16, error) {
	var v uint16
	s = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "0x")
	if s == "" || len(s) > 4 {
		return 0, fmt.Errorf("invalid PCI ID %q", s)
	}
	if _, err := fmt.Sscanf(s, "%x", &v); err != nil {
		return 0, fmt.Errorf("invalid PCI ID %q: %v", s, err)
	}
	return v, nil
}

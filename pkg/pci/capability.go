package pci

import (
	"fmt"

	"github.com/pkg/errors"
)

// Standard PCI Capability IDs
const (
	CapIDPowerManagement uint16 = 0x01
	CapIDMSI             uint16 = 0x05
	CapIDVendorSpecific  uint16 = 0x09
	CapIDPCIExpress      uint16 = 0x10
	CapIDMSIX            uint16 = 0x11
)

// Extended PCI Capability IDs (PCIe extended config space)
const (
	ExtCapIDAER                uint16 = 0x0001
	ExtCapIDDeviceSerialNumber uint16 = 0x0003
	ExtCapIDARI                uint16 = 0x000E
	ExtCapIDSRIOV              uint16 = 0x0010
)

// ExtCapabilityBase is where the extended capability list starts.
const ExtCapabilityBase = 0x100

// firstStandardCapOffset is the end of the type 0 header.
const firstStandardCapOffset = 0x40

// ErrConfigSpaceOverflow reports a capability that overlaps another one
// or does not fit in its config space window.
var ErrConfigSpaceOverflow = errors.New("config space overflow")

// Capability is one entry of a function's capability chain.
type Capability struct {
	ID       uint16
	Version  uint8
	Offset   int
	Length   int
	Extended bool
}

// End returns the first offset after the capability.
func (c *Capability) End() int {
	return c.Offset + c.Length
}

func (c *Capability) overlaps(o *Capability) bool {
	return c.Offset < o.End() && o.Offset < c.End()
}

// Name returns a human-readable name for the capability.
func (c *Capability) Name() string {
	if c.Extended {
		return ExtCapabilityName(c.ID)
	}
	return CapabilityName(c.ID)
}

func (c *Capability) String() string {
	return fmt.Sprintf("%s@0x%03x+0x%x", c.Name(), c.Offset, c.Length)
}

// CapabilityName returns the human-readable name for a standard PCI capability ID.
func CapabilityName(id uint16) string {
	switch id {
	case CapIDPowerManagement:
		return "Power Management"
	case CapIDMSI:
		return "MSI"
	case CapIDVendorSpecific:
		return "Vendor Specific"
	case CapIDPCIExpress:
		return "PCI Express"
	case CapIDMSIX:
		return "MSI-X"
	default:
		return "Unknown"
	}
}

// ExtCapabilityName returns the human-readable name for an extended capability ID.
func ExtCapabilityName(id uint16) string {
	switch id {
	case ExtCapIDAER:
		return "Advanced Error Reporting"
	case ExtCapIDDeviceSerialNumber:
		return "Device Serial Number"
	case ExtCapIDARI:
		return "Alternative Routing-ID Interpretation"
	case ExtCapIDSRIOV:
		return "Single Root I/O Virtualization"
	default:
		return "Unknown"
	}
}

// Chain holds a function's capabilities in insertion order. Standard and
// extended capabilities are kept in one list but linked separately.
type Chain struct {
	caps []*Capability
}

// Insert validates and records a capability. It does not touch config
// space; see Function.AddCapability.
func (ch *Chain) Insert(id uint16, version uint8, offset, length int, extended bool) (*Capability, error) {
	c := &Capability{ID: id, Version: version, Offset: offset, Length: length, Extended: extended}

	lo, hi := firstStandardCapOffset, ConfigSpaceLegacySize
	if extended {
		lo, hi = ExtCapabilityBase, ConfigSpaceSize
	}
	if length <= 0 || offset&0x3 != 0 || offset < lo || c.End() > hi {
		return nil, errors.Wrapf(ErrConfigSpaceOverflow, "%s outside [0x%x, 0x%x)", c, lo, hi)
	}
	for _, existing := range ch.caps {
		if c.overlaps(existing) {
			return nil, errors.Wrapf(ErrConfigSpaceOverflow, "%s overlaps %s", c, existing)
		}
	}

	ch.caps = append(ch.caps, c)
	return c, nil
}

// Last returns the most recently inserted capability of the given kind.
func (ch *Chain) Last(extended bool) *Capability {
	for i := len(ch.caps) - 1; i >= 0; i-- {
		if ch.caps[i].Extended == extended {
			return ch.caps[i]
		}
	}
	return nil
}

// Find returns the first capability with the given ID and kind, or nil.
func (ch *Chain) Find(id uint16, extended bool) *Capability {
	for _, c := range ch.caps {
		if c.ID == id && c.Extended == extended {
			return c
		}
	}
	return nil
}

// Capabilities returns a copy of the chain in insertion order.
func (ch *Chain) Capabilities() []Capability {
	out := make([]Capability, 0, len(ch.caps))
	for _, c := range ch.caps {
		out = append(out, *c)
	}
	return out
}

// Len returns the number of capabilities in the chain.
func (ch *Chain) Len() int {
	return len(ch.caps)
}

// WriteHeader writes the capability's ID/version header with a null next pointer.
func WriteHeader(cs *ConfigSpace, c *Capability) {
	if c.Extended {
		cs.WriteU32(c.Offset, uint32(c.ID)|uint32(c.Version&0xF)<<16)
		return
	}
	cs.WriteU8(c.Offset, uint8(c.ID))
	cs.WriteU8(c.Offset+1, 0)
}

// Link points prev's next field at next. A nil prev makes next the head of
// its list: the capability pointer for standard capabilities. Extended
// lists always start at 0x100, so a nil prev is a no-op there.
func Link(cs *ConfigSpace, prev, next *Capability) error {
	if next == nil {
		return errors.New("link: nil capability")
	}
	if prev != nil && prev.Extended != next.Extended {
		return errors.Errorf("link: cannot link %s to %s", prev, next)
	}

	if !next.Extended {
		if prev == nil {
			cs.WriteU8(RegCapabilityPtr, uint8(next.Offset))
			cs.WriteU16(RegStatus, cs.ReadU16(RegStatus)|StatusCapabilitiesList)
			return nil
		}
		cs.WriteU8(prev.Offset+1, uint8(next.Offset))
		return nil
	}

	if prev == nil {
		if next.Offset != ExtCapabilityBase {
			return errors.Errorf("link: extended list head must be at 0x%x, got %s", ExtCapabilityBase, next)
		}
		return nil
	}
	header := cs.ReadU32(prev.Offset) &^ (0xFFF << 20)
	cs.WriteU32(prev.Offset, header|uint32(next.Offset)<<20)
	return nil
}

// WalkStandard follows the standard capability list in config space and
// returns the IDs and offsets it visits.
func WalkStandard(cs *ConfigSpace) []Capability {
	if cs.ReadU16(RegStatus)&StatusCapabilitiesList == 0 {
		return nil
	}
	var caps []Capability
	visited := make(map[int]bool)
	ptr := int(cs.ReadU8(RegCapabilityPtr)) &^ 0x3
	for ptr != 0 && ptr < ConfigSpaceLegacySize && !visited[ptr] {
		visited[ptr] = true
		caps = append(caps, Capability{ID: uint16(cs.ReadU8(ptr)), Offset: ptr})
		ptr = int(cs.ReadU8(ptr+1)) &^ 0x3
	}
	return caps
}

// WalkExtended follows the PCIe extended capability list in config space.
func WalkExtended(cs *ConfigSpace) []Capability {
	var caps []Capability
	visited := make(map[int]bool)
	offset := ExtCapabilityBase
	for offset >= ExtCapabilityBase && offset < ConfigSpaceSize && !visited[offset] {
		visited[offset] = true
		header := cs.ReadU32(offset)
		if header == 0 || header == 0xFFFFFFFF {
			break
		}
		caps = append(caps, Capability{
			ID:       uint16(header & 0xFFFF),
			Version:  uint8((header >> 16) & 0xF),
			Offset:   offset,
			Extended: true,
		})
		offset = int((header >> 20) & 0xFFC)
	}
	return caps
}

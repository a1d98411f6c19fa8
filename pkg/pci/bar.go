package pci

import (
	"fmt"

	"github.com/pkg/errors"
)

// NumBARs is the number of BAR slots in a type 0 header.
const NumBARs = 6

// BAR indices used by the controller family.
const (
	BARMMIO  = 0
	BARFlash = 1
	BARIO    = 2
	BARMSIX  = 3
)

// AddressType is the decode type declared by a BAR.
type AddressType int

const (
	// AddressMem32 is a 32-bit memory BAR
	AddressMem32 AddressType = iota
	// AddressMem64 is a 64-bit memory BAR occupying two slots
	AddressMem64
	// AddressIO is an I/O port BAR
	AddressIO
)

func (t AddressType) String() string {
	switch t {
	case AddressMem32:
		return "mem32"
	case AddressMem64:
		return "mem64"
	case AddressIO:
		return "io"
	}
	return "unknown"
}

// Bits returns the read-only low bits a BAR register of this type carries.
func (t AddressType) Bits() uint32 {
	switch t {
	case AddressIO:
		return 0x1
	case AddressMem64:
		return 0x4
	}
	return 0
}

// RegionHandler serves accesses to a mapped BAR region. Offsets are
// relative to the start of the region.
type RegionHandler interface {
	ReadRegion(offset uint64, data []byte) error
	WriteRegion(offset uint64, data []byte) error
}

// BAR describes one populated BAR slot.
type BAR struct {
	Index   int
	Size    uint64
	Type    AddressType
	Address uint64
	Handler RegionHandler
}

// SizeHuman returns the BAR size in human-readable format.
func (b *BAR) SizeHuman() string {
	switch {
	case b.Size >= 1<<20:
		return fmt.Sprintf("%d MiB", b.Size>>20)
	case b.Size >= 1<<10:
		return fmt.Sprintf("%d KiB", b.Size>>10)
	}
	return fmt.Sprintf("%d B", b.Size)
}

func (b *BAR) String() string {
	return fmt.Sprintf("BAR%d: %s at 0x%x, size %s", b.Index, b.Type, b.Address, b.SizeHuman())
}

// BARTable maps BAR index to its descriptor.
type BARTable struct {
	slots [NumBARs]*BAR
}

// ValidateBARSize checks that size is a non-zero power of two.
func ValidateBARSize(size uint64) error {
	if size == 0 || size&(size-1) != 0 {
		return errors.Errorf("BAR size %d is not a power of two", size)
	}
	return nil
}

// Set registers a BAR. 64-bit BARs also claim the following slot.
func (t *BARTable) Set(b *BAR) error {
	if b.Index < 0 || b.Index >= NumBARs {
		return errors.Errorf("BAR index %d out of range", b.Index)
	}
	if b.Type == AddressMem64 && b.Index == NumBARs-1 {
		return errors.Errorf("64-bit BAR%d has no upper slot", b.Index)
	}
	if err := ValidateBARSize(b.Size); err != nil {
		return err
	}
	if t.slots[b.Index] != nil {
		return errors.Errorf("BAR%d already registered", b.Index)
	}
	if b.Index > 0 {
		if prev := t.slots[b.Index-1]; prev != nil && prev.Type == AddressMem64 {
			return errors.Errorf("BAR%d is the upper half of BAR%d", b.Index, b.Index-1)
		}
	}
	if b.Type == AddressMem64 && t.slots[b.Index+1] != nil {
		return errors.Errorf("BAR%d upper slot already registered", b.Index)
	}
	t.slots[b.Index] = b
	return nil
}

// Get returns the BAR at index or nil.
func (t *BARTable) Get(index int) *BAR {
	if index < 0 || index >= NumBARs {
		return nil
	}
	return t.slots[index]
}

// Populated returns the registered BARs ordered by index.
func (t *BARTable) Populated() []*BAR {
	var out []*BAR
	for _, b := range t.slots {
		if b != nil {
			out = append(out, b)
		}
	}
	return out
}

// Clear drops every BAR.
func (t *BARTable) Clear() {
	t.slots = [NumBARs]*BAR{}
}

// Register encodes the BAR as its config space register value(s).
func (b *BAR) Register() (low, high uint32) {
	switch b.Type {
	case AddressIO:
		return uint32(b.Address)&^0x3 | b.Type.Bits(), 0
	case AddressMem64:
		return uint32(b.Address)&^0xF | b.Type.Bits(), uint32(b.Address >> 32)
	}
	return uint32(b.Address)&^0xF | b.Type.Bits(), 0
}

package pci

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// MSI-X layout inside the MSI-X BAR.
const (
	MSIXEntrySize = 16
	MSIXPBAOffset = 0x2000
	MSIXCapLength = 12
)

// MSI-X capability register offsets and control bits.
const (
	MSIXRegControl = 0x02
	MSIXRegTable   = 0x04
	MSIXRegPBA     = 0x08

	MSIXControlEnable       uint16 = 1 << 15
	MSIXControlFunctionMask uint16 = 1 << 14
	msixTableSizeMask       uint16 = 0x07ff
)

const msixVectorMasked = 1

// MSIXEntry is one vector of the table.
type MSIXEntry struct {
	Address uint64
	Data    uint32
	Masked  bool
}

// MSIXTable is a fixed-length MSI-X vector table with its pending bits.
type MSIXTable struct {
	entries []MSIXEntry
	pending []uint64
}

// NewMSIXTable allocates a table of n vectors, all masked.
func NewMSIXTable(n int) (*MSIXTable, error) {
	if n <= 0 || n > int(msixTableSizeMask)+1 {
		return nil, errors.Errorf("invalid MSI-X vector count %d", n)
	}
	t := &MSIXTable{
		entries: make([]MSIXEntry, n),
		pending: make([]uint64, (n+63)/64),
	}
	t.Reset()
	return t, nil
}

// Len returns the number of vectors.
func (t *MSIXTable) Len() int {
	return len(t.entries)
}

// Entry returns a copy of vector i.
func (t *MSIXTable) Entry(i int) (MSIXEntry, error) {
	if i < 0 || i >= len(t.entries) {
		return MSIXEntry{}, errors.Errorf("MSI-X vector %d out of range", i)
	}
	return t.entries[i], nil
}

// Reset masks every vector and clears addresses, data and pending bits.
func (t *MSIXTable) Reset() {
	for i := range t.entries {
		t.entries[i] = MSIXEntry{Masked: true}
	}
	for i := range t.pending {
		t.pending[i] = 0
	}
}

// WriteCapability fills the capability body after its 2 byte header:
// message control, table offset/BIR and PBA offset/BIR.
func (t *MSIXTable) WriteCapability(cs *ConfigSpace, c *Capability, bir uint8) {
	cs.WriteU16(c.Offset+MSIXRegControl, uint16(len(t.entries)-1)&msixTableSizeMask)
	cs.WriteU32(c.Offset+MSIXRegTable, uint32(bir&0x7))
	cs.WriteU32(c.Offset+MSIXRegPBA, MSIXPBAOffset|uint32(bir&0x7))
}

// ReadRegion serves reads of the table and PBA within the MSI-X BAR.
func (t *MSIXTable) ReadRegion(offset uint64, data []byte) error {
	v, err := t.read(offset, len(data))
	if err != nil {
		return err
	}
	PutValue(data, v)
	return nil
}

// WriteRegion serves writes of table entries; PBA writes are ignored.
func (t *MSIXTable) WriteRegion(offset uint64, data []byte) error {
	if offset >= MSIXPBAOffset {
		return nil
	}
	idx := int(offset / MSIXEntrySize)
	if idx >= len(t.entries) {
		return errors.Errorf("MSI-X write at 0x%x beyond table", offset)
	}
	v := Value(data)
	e := &t.entries[idx]
	switch offset % MSIXEntrySize {
	case 0:
		if len(data) == 8 {
			e.Address = v
		} else {
			e.Address = e.Address&^0xFFFFFFFF | v&0xFFFFFFFF
		}
	case 4:
		e.Address = e.Address&0xFFFFFFFF | v<<32
	case 8:
		e.Data = uint32(v)
	case 12:
		e.Masked = v&msixVectorMasked != 0
	default:
		return errors.Errorf("unaligned MSI-X write at 0x%x", offset)
	}
	return nil
}

func (t *MSIXTable) read(offset uint64, size int) (uint64, error) {
	if offset >= MSIXPBAOffset {
		word := int((offset - MSIXPBAOffset) / 8)
		if word >= len(t.pending) {
			return 0, nil
		}
		return t.pending[word] >> ((offset % 8) * 8), nil
	}
	idx := int(offset / MSIXEntrySize)
	if idx >= len(t.entries) {
		return 0, errors.Errorf("MSI-X read at 0x%x beyond table", offset)
	}
	e := t.entries[idx]
	switch offset % MSIXEntrySize {
	case 0:
		if size == 8 {
			return e.Address, nil
		}
		return e.Address & 0xFFFFFFFF, nil
	case 4:
		return e.Address >> 32, nil
	case 8:
		return uint64(e.Data), nil
	case 12:
		if e.Masked {
			return msixVectorMasked, nil
		}
		return 0, nil
	}
	return 0, errors.Errorf("unaligned MSI-X read at 0x%x", offset)
}

// PutValue stores v little-endian into an access buffer of 1 to 8 bytes.
func PutValue(data []byte, v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	copy(data, buf[:])
}

// Value decodes a little-endian access buffer of 1 to 8 bytes.
func Value(data []byte) uint64 {
	var buf [8]byte
	copy(buf[:], data)
	return binary.LittleEndian.Uint64(buf[:])
}

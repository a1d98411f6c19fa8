package platform

import (
	"github.com/pkg/errors"
)

// ErrAddressSpaceExhausted is returned when a window cannot fit a region.
var ErrAddressSpaceExhausted = errors.New("address space exhausted")

// Default guest address windows.
const (
	Mem32Base  uint64 = 0xE000_0000
	Mem32Limit uint64 = 0xFE00_0000
	Mem64Base  uint64 = 0x80_0000_0000
	Mem64Limit uint64 = 0x100_0000_0000
	IOBase     uint64 = 0xC000
	IOLimit    uint64 = 0x1_0000
)

// allocator hands out naturally aligned ranges from a window. Space is
// never returned; regions of removed devices stay reserved.
type allocator struct {
	name  string
	next  uint64
	limit uint64
}

func newAllocator(name string, base, limit uint64) *allocator {
	return &allocator{name: name, next: base, limit: limit}
}

func (a *allocator) alloc(size uint64) (uint64, error) {
	if size == 0 || size&(size-1) != 0 {
		return 0, errors.Errorf("%s: size 0x%x is not a power of two", a.name, size)
	}
	base := (a.next + size - 1) &^ (size - 1)
	if base < a.next || base+size > a.limit {
		return 0, errors.Wrapf(ErrAddressSpaceExhausted, "%s: 0x%x bytes", a.name, size)
	}
	a.next = base + size
	return base, nil
}

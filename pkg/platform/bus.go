// Package platform implements the device-management side consumed by the
// device layer: routing-ID attachment for config space, BAR address
// assignment, VF BAR windows and dispatch of guest MMIO, I/O and config
// accesses.
package platform

import (
	"math/bits"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"sriov-emu/pkg"
	"sriov-emu/pkg/pci"
)

var (
	// ErrRoutingIDInUse is returned when two functions claim one routing ID.
	ErrRoutingIDInUse = errors.New("routing ID already attached")
	// ErrNoDevice is returned for accesses nothing decodes.
	ErrNoDevice = errors.New("no device at address")
	// ErrNoVFWindow is returned when a VF BAR has no declared template.
	ErrNoVFWindow = errors.New("no VF BAR window declared")
)

// ConfigHandler serves config space accesses for one routing ID.
type ConfigHandler interface {
	ConfigRead(offset, size int) (uint32, error)
	ConfigWrite(offset, size int, val uint32) error
}

// Region describes one mapped BAR.
type Region struct {
	RID     pci.RoutingID
	BAR     int
	Type    pci.AddressType
	Base    uint64
	Size    uint64
	handler pci.RegionHandler
}

func (r *Region) contains(addr uint64, n int) bool {
	return addr >= r.Base && addr+uint64(n) <= r.Base+r.Size
}

type vfWindow struct {
	base  uint64
	size  uint64
	count int
	typ   pci.AddressType
}

// Bus is an in-process PCI host: it owns address assignment and routes
// guest accesses to function handlers.
type Bus struct {
	mu        sync.RWMutex
	functions map[pci.RoutingID]ConfigHandler
	regions   []*Region
	windows   map[pci.RoutingID]map[int]*vfWindow

	mem32, mem64, io *allocator
	log              *logrus.Entry
}

// NewBus creates a bus with the default address windows.
func NewBus() *Bus {
	return &Bus{
		functions: make(map[pci.RoutingID]ConfigHandler),
		windows:   make(map[pci.RoutingID]map[int]*vfWindow),
		mem32:     newAllocator("mem32", Mem32Base, Mem32Limit),
		mem64:     newAllocator("mem64", Mem64Base, Mem64Limit),
		io:        newAllocator("io", IOBase, IOLimit),
		log:       pkg.Component("bus"),
	}
}

func (b *Bus) allocatorFor(typ pci.AddressType) *allocator {
	switch typ {
	case pci.AddressIO:
		return b.io
	case pci.AddressMem64:
		return b.mem64
	}
	return b.mem32
}

// AttachFunction makes rid visible in config space.
func (b *Bus) AttachFunction(rid pci.RoutingID, h ConfigHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.functions[rid]; ok {
		return errors.Wrapf(ErrRoutingIDInUse, "%s", rid)
	}
	b.functions[rid] = h
	return nil
}

// DetachFunction removes rid and unmaps all of its regions.
func (b *Bus) DetachFunction(rid pci.RoutingID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.functions, rid)
	kept := b.regions[:0]
	for _, r := range b.regions {
		if r.RID != rid {
			kept = append(kept, r)
		}
	}
	for i := len(kept); i < len(b.regions); i++ {
		b.regions[i] = nil
	}
	b.regions = kept
}

// MapRegion assigns an address to a BAR of rid and starts routing accesses
// to h.
func (b *Bus) MapRegion(rid pci.RoutingID, bar int, size uint64, typ pci.AddressType, h pci.RegionHandler) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	base, err := b.allocatorFor(typ).alloc(size)
	if err != nil {
		return 0, errors.Wrapf(err, "%s BAR%d", rid, bar)
	}
	b.insertLocked(&Region{RID: rid, BAR: bar, Type: typ, Base: base, Size: size, handler: h})
	return base, nil
}

// DeclareVFRegion reserves the window a PF's VF BAR template decodes:
// count slots of size bytes each. It returns the window base.
func (b *Bus) DeclareVFRegion(pf pci.RoutingID, bar int, size uint64, typ pci.AddressType, count int) (uint64, error) {
	if count <= 0 {
		return 0, errors.Errorf("%s VF BAR%d: invalid VF count %d", pf, bar, count)
	}
	if err := pci.ValidateBARSize(size); err != nil {
		return 0, errors.Wrapf(err, "%s VF BAR%d", pf, bar)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	total := size * uint64(count)
	// windows are naturally aligned, so round up to a power of two
	if total&(total-1) != 0 {
		total = 1 << bits.Len64(total)
	}
	base, err := b.allocatorFor(typ).alloc(total)
	if err != nil {
		return 0, errors.Wrapf(err, "%s VF BAR%d", pf, bar)
	}
	if b.windows[pf] == nil {
		b.windows[pf] = make(map[int]*vfWindow)
	}
	b.windows[pf][bar] = &vfWindow{base: base, size: size, count: count, typ: typ}
	return base, nil
}

// MapVFRegion maps BAR bar of the VF at vfIndex inside the PF's window:
// its address is window base + vfIndex*size.
func (b *Bus) MapVFRegion(pf pci.RoutingID, vfIndex int, vf pci.RoutingID, bar int, h pci.RegionHandler) (uint64, uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	w := b.windows[pf][bar]
	if w == nil {
		return 0, 0, errors.Wrapf(ErrNoVFWindow, "%s BAR%d", pf, bar)
	}
	if vfIndex < 0 || vfIndex >= w.count {
		return 0, 0, errors.Errorf("%s BAR%d: VF index %d outside window of %d", pf, bar, vfIndex, w.count)
	}
	base := w.base + uint64(vfIndex)*w.size
	b.insertLocked(&Region{RID: vf, BAR: bar, Type: w.typ, Base: base, Size: w.size, handler: h})
	return base, w.size, nil
}

// ReleaseVFRegions forgets the PF's VF windows.
func (b *Bus) ReleaseVFRegions(pf pci.RoutingID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.windows, pf)
}

func (b *Bus) insertLocked(r *Region) {
	i := sort.Search(len(b.regions), func(i int) bool { return b.regions[i].Base >= r.Base })
	b.regions = append(b.regions, nil)
	copy(b.regions[i+1:], b.regions[i:])
	b.regions[i] = r
}

// lookup finds the region decoding [addr, addr+n) in the given space.
// The handler is called by the caller after the bus lock is released.
func (b *Bus) lookup(io bool, addr uint64, n int) (*Region, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, r := range b.regions {
		if (r.Type == pci.AddressIO) != io {
			continue
		}
		if r.contains(addr, n) {
			return r, nil
		}
	}
	return nil, errors.Wrapf(ErrNoDevice, "0x%x+%d", addr, n)
}

func (b *Bus) read(io bool, addr uint64, data []byte) error {
	r, err := b.lookup(io, addr, len(data))
	if err != nil {
		for i := range data {
			data[i] = 0xFF
		}
		return err
	}
	return r.handler.ReadRegion(addr-r.Base, data)
}

func (b *Bus) write(io bool, addr uint64, data []byte) error {
	r, err := b.lookup(io, addr, len(data))
	if err != nil {
		b.log.WithField("addr", addr).Debug("write to unclaimed address dropped")
		return err
	}
	return r.handler.WriteRegion(addr-r.Base, data)
}

// ReadMMIO performs a guest memory read.
func (b *Bus) ReadMMIO(addr uint64, data []byte) error { return b.read(false, addr, data) }

// WriteMMIO performs a guest memory write.
func (b *Bus) WriteMMIO(addr uint64, data []byte) error { return b.write(false, addr, data) }

// ReadIO performs a guest port read.
func (b *Bus) ReadIO(port uint64, data []byte) error { return b.read(true, port, data) }

// WriteIO performs a guest port write.
func (b *Bus) WriteIO(port uint64, data []byte) error { return b.write(true, port, data) }

func (b *Bus) configHandler(rid pci.RoutingID) ConfigHandler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.functions[rid]
}

// ConfigRead reads config space of rid; absent functions read all-ones.
func (b *Bus) ConfigRead(rid pci.RoutingID, offset, size int) (uint32, error) {
	h := b.configHandler(rid)
	if h == nil {
		return 0xFFFFFFFF, errors.Wrapf(ErrNoDevice, "%s", rid)
	}
	return h.ConfigRead(offset, size)
}

// ConfigWrite writes config space of rid.
func (b *Bus) ConfigWrite(rid pci.RoutingID, offset, size int, val uint32) error {
	h := b.configHandler(rid)
	if h == nil {
		return errors.Wrapf(ErrNoDevice, "%s", rid)
	}
	return h.ConfigWrite(offset, size, val)
}

// Functions returns the attached routing IDs in ascending order.
func (b *Bus) Functions() []pci.RoutingID {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]pci.RoutingID, 0, len(b.functions))
	for rid := range b.functions {
		out = append(out, rid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Regions returns copies of the regions mapped for rid.
func (b *Bus) Regions(rid pci.RoutingID) []Region {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []Region
	for _, r := range b.regions {
		if r.RID == rid {
			out = append(out, *r)
		}
	}
	return out
}

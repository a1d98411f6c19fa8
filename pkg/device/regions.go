package device

import (
	"github.com/pkg/errors"

	"sriov-emu/pkg/pci"
)

// I/O BAR indirection registers.
const (
	ioAddr = 0x0
	ioData = 0x4
)

func (f *Function) regionHandler(bar int) pci.RegionHandler {
	switch bar {
	case pci.BARMMIO:
		return mmioRegion{f}
	case pci.BARFlash:
		return flashRegion{f}
	case pci.BARIO:
		return ioRegion{f}
	case pci.BARMSIX:
		return msixRegion{f}
	}
	return nil
}

// readCore reads a sub-dword or dword MAC register access.
func (f *Function) readCore(offset uint64, data []byte) error {
	shift := offset & 0x3
	if shift+uint64(len(data)) > 4 {
		return errors.Errorf("%s: access at 0x%x+%d crosses a register", f.RID, offset, len(data))
	}
	v, err := f.core.Read(offset &^ 0x3)
	if err != nil {
		return err
	}
	pci.PutValue(data, uint64(v>>(8*shift)))
	return nil
}

func (f *Function) writeCore(offset uint64, data []byte) error {
	shift := offset & 0x3
	if shift+uint64(len(data)) > 4 {
		return errors.Errorf("%s: access at 0x%x+%d crosses a register", f.RID, offset, len(data))
	}
	aligned := offset &^ 0x3
	if len(data) == 4 {
		return f.core.Write(aligned, uint32(pci.Value(data)))
	}
	v, err := f.core.Read(aligned)
	if err != nil {
		return err
	}
	for i, b := range data {
		s := 8 * (shift + uint64(i))
		v = v&^(0xFF<<s) | uint32(b)<<s
	}
	return f.core.Write(aligned, v)
}

type mmioRegion struct{ f *Function }

func (r mmioRegion) ReadRegion(offset uint64, data []byte) error {
	r.f.dev.mu.Lock()
	defer r.f.dev.mu.Unlock()
	if err := r.f.enter("mmio read"); err != nil {
		return err
	}
	return r.f.readCore(offset, data)
}

func (r mmioRegion) WriteRegion(offset uint64, data []byte) error {
	r.f.dev.mu.Lock()
	defer r.f.dev.mu.Unlock()
	if err := r.f.enter("mmio write"); err != nil {
		return err
	}
	return r.f.writeCore(offset, data)
}

// flashRegion decodes the flash BAR. Flash contents are not emulated.
type flashRegion struct{ f *Function }

func (r flashRegion) ReadRegion(offset uint64, data []byte) error {
	r.f.dev.mu.Lock()
	defer r.f.dev.mu.Unlock()
	if err := r.f.enter("flash read"); err != nil {
		return err
	}
	for i := range data {
		data[i] = 0
	}
	return nil
}

func (r flashRegion) WriteRegion(offset uint64, data []byte) error {
	r.f.dev.mu.Lock()
	defer r.f.dev.mu.Unlock()
	return r.f.enter("flash write")
}

// ioRegion is the IOADDR/IODATA window onto the MAC registers.
type ioRegion struct{ f *Function }

func (r ioRegion) ReadRegion(offset uint64, data []byte) error {
	f := r.f
	f.dev.mu.Lock()
	defer f.dev.mu.Unlock()
	if err := f.enter("io read"); err != nil {
		return err
	}
	switch {
	case offset+uint64(len(data)) <= ioAddr+4:
		pci.PutValue(data, uint64(f.ioaddr>>(8*(offset-ioAddr))))
		return nil
	case offset >= ioData && offset+uint64(len(data)) <= ioData+4:
		return f.readCore(uint64(f.ioaddr)+offset-ioData, data)
	}
	for i := range data {
		data[i] = 0
	}
	return nil
}

func (r ioRegion) WriteRegion(offset uint64, data []byte) error {
	f := r.f
	f.dev.mu.Lock()
	defer f.dev.mu.Unlock()
	if err := f.enter("io write"); err != nil {
		return err
	}
	switch {
	case offset == ioAddr && len(data) == 4:
		f.ioaddr = uint32(pci.Value(data)) &^ 0x3
	case offset >= ioData && offset+uint64(len(data)) <= ioData+4:
		return f.writeCore(uint64(f.ioaddr)+offset-ioData, data)
	default:
		f.dev.log.WithField("offset", offset).Debug("unsupported I/O BAR write ignored")
	}
	return nil
}

type msixRegion struct{ f *Function }

func (r msixRegion) ReadRegion(offset uint64, data []byte) error {
	r.f.dev.mu.Lock()
	defer r.f.dev.mu.Unlock()
	if err := r.f.enter("msix read"); err != nil {
		return err
	}
	return r.f.msix.ReadRegion(offset, data)
}

func (r msixRegion) WriteRegion(offset uint64, data []byte) error {
	r.f.dev.mu.Lock()
	defer r.f.dev.mu.Unlock()
	if err := r.f.enter("msix write"); err != nil {
		return err
	}
	return r.f.msix.WriteRegion(offset, data)
}

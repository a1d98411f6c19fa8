package device

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"sriov-emu/pkg/engine"
	"sriov-emu/pkg/pci"
)

// Capability layout shared by every function of the family.
const (
	msixCapOffset = 0xA0
	pmCapOffset   = 0xC8
	pcieCapOffset = 0xE0
	aerCapOffset  = 0x100
	dsnCapOffset  = 0x140
)

type barTemplate struct {
	index int
	size  uint64
	typ   pci.AddressType
}

var (
	pfBARs = []barTemplate{
		{pci.BARMMIO, 128 << 10, pci.AddressMem32},
		{pci.BARFlash, 128 << 10, pci.AddressMem32},
		{pci.BARIO, 32, pci.AddressIO},
		{pci.BARMSIX, 16 << 10, pci.AddressMem32},
	}
	// per-VF sizes; the PF declares windows of size*TotalVFs
	vfBARs = []barTemplate{
		{pci.BARMMIO, 128 << 10, pci.AddressMem64},
		{pci.BARMSIX, 16 << 10, pci.AddressMem64},
	}
)

// realize builds one function of the family: identity, BARs, capability
// chain and register core. index is -1 for the PF. On failure everything
// already attached or mapped for rid is released.
func (d *Device) realize(rid pci.RoutingID, index int, class ClassConfig, mac net.HardwareAddr) (f *Function, err error) {
	f = &Function{
		Function: pci.NewFunction(rid, class.identity()),
		ID:       uuid.New(),
		Index:    index,
		dev:      d,
		class:    class,
		state:    StateActive,
	}
	if mac == nil {
		mac = macFromID(f.ID)
	}
	f.mac = mac
	if f.IsVF() {
		// VFs have no legacy interrupt
		f.Config.WriteU8(pci.RegInterruptPin, 0)
	}

	if err := d.plat.AttachFunction(rid, f); err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			d.plat.DetachFunction(rid)
			if index < 0 {
				d.plat.ReleaseVFRegions(rid)
			}
		}
	}()

	if err = f.mapBARs(); err != nil {
		return nil, err
	}
	if err = f.buildCapabilities(); err != nil {
		return nil, err
	}

	var core engine.Core
	core, err = d.eng.Construct(engine.CoreConfig{Name: fmt.Sprintf("%s@%s", class.Name, rid), MAC: mac})
	if err != nil {
		return nil, errors.Wrap(err, "construct register core")
	}
	f.core = core
	if err = runHooks(class.Hooks.PostRealize, core); err != nil {
		return nil, errors.Wrap(err, "post-realize")
	}
	f.regs = f.configRegs()
	return f, nil
}

func (f *Function) mapBARs() error {
	plat := f.dev.plat
	if f.IsVF() {
		for _, t := range vfBARs {
			h := f.regionHandler(t.index)
			base, size, err := plat.MapVFRegion(f.dev.pf.RID, f.Index, f.RID, t.index, h)
			if err != nil {
				return err
			}
			if err := f.SetBAR(&pci.BAR{Index: t.index, Size: size, Type: t.typ, Address: base, Handler: h}); err != nil {
				return err
			}
		}
		return nil
	}

	for _, t := range pfBARs {
		h := f.regionHandler(t.index)
		base, err := plat.MapRegion(f.RID, t.index, t.size, t.typ, h)
		if err != nil {
			return err
		}
		if err := f.SetBAR(&pci.BAR{Index: t.index, Size: t.size, Type: t.typ, Address: base, Handler: h}); err != nil {
			return err
		}
	}
	return nil
}

func (f *Function) buildCapabilities() error {
	c := f.class
	cs := f.Config

	msix, err := pci.NewMSIXTable(c.MSIXVectors)
	if err != nil {
		return err
	}
	f.msix = msix

	if f.msixCap, err = f.AddCapability(pci.CapIDMSIX, 0, msixCapOffset, pci.MSIXCapLength, false); err != nil {
		return err
	}
	msix.WriteCapability(cs, f.msixCap, pci.BARMSIX)

	pm, err := f.AddCapability(pci.CapIDPowerManagement, 0, pmCapOffset, pci.PMCapLength, false)
	if err != nil {
		return err
	}
	pci.WritePMCapability(cs, pm)

	if f.pcieCap, err = f.AddCapability(pci.CapIDPCIExpress, 0, pcieCapOffset, pci.PCIeCapLength, false); err != nil {
		return err
	}
	pci.WritePCIeCapability(cs, f.pcieCap, true)

	if _, err = f.AddCapability(pci.ExtCapIDAER, 2, aerCapOffset, pci.AERCapLength, true); err != nil {
		return err
	}
	dsn, err := f.AddCapability(pci.ExtCapIDDeviceSerialNumber, 1, dsnCapOffset, pci.DSNCapLength, true)
	if err != nil {
		return err
	}
	pci.WriteDSNCapability(cs, dsn, binary.LittleEndian.Uint64(f.ID[8:]))

	if c.HasSRIOV || c.IsVF {
		if f.ariCap, err = f.AddCapability(pci.ExtCapIDARI, 1, c.ARIOffset, pci.ARICapLength, true); err != nil {
			return err
		}
		pci.WriteARICapability(cs, f.ariCap, ariNextFunction)
	}
	if !c.HasSRIOV {
		return nil
	}

	if f.sriovCap, err = f.AddCapability(pci.ExtCapIDSRIOV, 1, c.SRIOVOffset, pci.SRIOVCapLength, true); err != nil {
		return err
	}
	pci.WriteSRIOVCapability(cs, f.sriovCap, pci.SRIOVParams{
		InitialVFs: c.InitialVFs,
		TotalVFs:   c.TotalVFs,
		VFOffset:   c.VFOffset,
		VFStride:   c.VFStride,
		VFDeviceID: c.VFDeviceID,
	})
	for _, t := range vfBARs {
		base, err := f.dev.plat.DeclareVFRegion(f.RID, t.index, t.size, t.typ, c.TotalVFs)
		if err != nil {
			return err
		}
		pci.SetVFBAR(cs, f.sriovCap, t.index, t.typ, base)
	}
	return nil
}

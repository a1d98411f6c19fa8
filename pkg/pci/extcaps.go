package pci

// Power management capability.
const (
	PMCapLength       = 8
	PMRegCapabilities = 0x02
	PMRegControl      = 0x04
)

// PCI Express capability.
const (
	PCIeCapLength       = 0x14
	PCIeRegCapabilities = 0x02
	PCIeRegDevCap       = 0x04
	PCIeRegDevCtl       = 0x08
	PCIeRegDevStatus    = 0x0A

	PCIeDevCapFLR     uint32 = 1 << 28
	PCIeDevCtlFLR     uint16 = 1 << 15
	PCIeDevCtlDefault uint16 = 0x2810
)

// Advanced error reporting and device serial number capabilities. AER
// stops after the header log so DSN fits at 0x140.
const (
	AERCapLength = 0x40
	DSNCapLength = 0x0C
)

// Alternative routing-ID interpretation capability.
const (
	ARICapLength     = 8
	ARIRegCapability = 0x04
	ARIRegControl    = 0x06

	// MFVC and ACS function group enables plus the function group field
	ARIControlMask uint16 = 0x0073
)

// SR-IOV extended capability.
const (
	SRIOVCapLength             = 0x40
	SRIOVRegCapabilities       = 0x04
	SRIOVRegControl            = 0x08
	SRIOVRegStatus             = 0x0A
	SRIOVRegInitialVFs         = 0x0C
	SRIOVRegTotalVFs           = 0x0E
	SRIOVRegNumVFs             = 0x10
	SRIOVRegFuncDep            = 0x12
	SRIOVRegVFOffset           = 0x14
	SRIOVRegVFStride           = 0x16
	SRIOVRegVFDeviceID         = 0x1A
	SRIOVRegSupportedPageSizes = 0x1C
	SRIOVRegSystemPageSize     = 0x20
	SRIOVRegVFBAR0             = 0x24

	SRIOVControlVFEnable  uint16 = 1 << 0
	SRIOVControlMigration uint16 = 1 << 1
	SRIOVControlMSE       uint16 = 1 << 3
	SRIOVControlARI       uint16 = 1 << 4
	SRIOVControlMask      uint16 = 0x001F

	// 4K, 8K, 64K, 256K, 1M and 4M pages
	sriovSupportedPageSizes uint32 = 0x553
)

// WritePMCapability fills a power management capability: version 3,
// no soft reset on D3hot to D0.
func WritePMCapability(cs *ConfigSpace, c *Capability) {
	cs.WriteU16(c.Offset+PMRegCapabilities, 0x0003)
	cs.WriteU16(c.Offset+PMRegControl, 0x0008)
}

// WritePCIeCapability fills a version 1 endpoint capability, which fits
// below the extended space at 0xE0. flr advertises function-level reset.
func WritePCIeCapability(cs *ConfigSpace, c *Capability, flr bool) {
	cs.WriteU16(c.Offset+PCIeRegCapabilities, 0x0001)
	devCap := uint32(0x1) // 256 byte max payload
	if flr {
		devCap |= PCIeDevCapFLR
	}
	cs.WriteU32(c.Offset+PCIeRegDevCap, devCap)
	cs.WriteU16(c.Offset+PCIeRegDevCtl, PCIeDevCtlDefault)
	cs.WriteU16(c.Offset+PCIeRegDevStatus, 0)
}

// WriteDSNCapability stores a 64-bit serial number.
func WriteDSNCapability(cs *ConfigSpace, c *Capability, serial uint64) {
	cs.WriteU32(c.Offset+4, uint32(serial))
	cs.WriteU32(c.Offset+8, uint32(serial>>32))
}

// WriteARICapability sets the next function number and clears control.
func WriteARICapability(cs *ConfigSpace, c *Capability, nextFn uint8) {
	cs.WriteU16(c.Offset+ARIRegCapability, uint16(nextFn)<<8)
	cs.WriteU16(c.Offset+ARIRegControl, 0)
}

// SRIOVParams are the VF geometry declared by an SR-IOV capability.
type SRIOVParams struct {
	InitialVFs int
	TotalVFs   int
	VFOffset   int
	VFStride   int
	VFDeviceID uint16
}

// WriteSRIOVCapability fills an SR-IOV capability with VFs disabled.
func WriteSRIOVCapability(cs *ConfigSpace, c *Capability, p SRIOVParams) {
	cs.WriteU32(c.Offset+SRIOVRegCapabilities, 0)
	cs.WriteU16(c.Offset+SRIOVRegControl, 0)
	cs.WriteU16(c.Offset+SRIOVRegStatus, 0)
	cs.WriteU16(c.Offset+SRIOVRegInitialVFs, uint16(p.InitialVFs))
	cs.WriteU16(c.Offset+SRIOVRegTotalVFs, uint16(p.TotalVFs))
	cs.WriteU16(c.Offset+SRIOVRegNumVFs, 0)
	cs.WriteU16(c.Offset+SRIOVRegVFOffset, uint16(p.VFOffset))
	cs.WriteU16(c.Offset+SRIOVRegVFStride, uint16(p.VFStride))
	cs.WriteU16(c.Offset+SRIOVRegVFDeviceID, p.VFDeviceID)
	cs.WriteU32(c.Offset+SRIOVRegSupportedPageSizes, sriovSupportedPageSizes)
	cs.WriteU32(c.Offset+SRIOVRegSystemPageSize, 0x1)
}

// SetVFBAR writes a VF BAR template register of an SR-IOV capability.
func SetVFBAR(cs *ConfigSpace, c *Capability, index int, typ AddressType, base uint64) {
	b := BAR{Index: index, Type: typ, Address: base}
	low, high := b.Register()
	reg := c.Offset + SRIOVRegVFBAR0 + index*4
	cs.WriteU32(reg, low)
	if typ == AddressMem64 {
		cs.WriteU32(reg+4, high)
	}
}

// VFBAR reads back a VF BAR template address.
func VFBAR(cs *ConfigSpace, c *Capability, index int) uint64 {
	reg := c.Offset + SRIOVRegVFBAR0 + index*4
	low := cs.ReadU32(reg)
	if low&0x1 != 0 {
		return uint64(low &^ 0x3)
	}
	addr := uint64(low &^ 0xF)
	if (low>>1)&0x3 == 0x2 {
		addr |= uint64(cs.ReadU32(reg+4)) << 32
	}
	return addr
}

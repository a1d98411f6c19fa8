package pci

// VendorIntel is the vendor ID of the emulated controller family.
const VendorIntel uint16 = 0x8086

// ClassEthernet is the network/ethernet class code.
const ClassEthernet uint32 = 0x020000

// Identity is the PCI identity of a function.
type Identity struct {
	VendorID       uint16
	DeviceID       uint16
	Revision       uint8
	ClassCode      uint32
	SubsysVendorID uint16
	SubsysID       uint16
}

// Function is the descriptor of one PCI function: its identity, config
// space, capability chain and BAR table.
type Function struct {
	RID    RoutingID
	Config *ConfigSpace
	Chain  Chain
	BARs   BARTable
}

// NewFunction creates a descriptor and writes the identity into a fresh
// config space.
func NewFunction(rid RoutingID, id Identity) *Function {
	cs := NewConfigSpace()
	cs.WriteU16(RegVendorID, id.VendorID)
	cs.WriteU16(RegDeviceID, id.DeviceID)
	cs.WriteU8(RegRevisionID, id.Revision)
	cs.SetClassCode(id.ClassCode)
	cs.WriteU16(RegSubsysVendor, id.SubsysVendorID)
	cs.WriteU16(RegSubsysID, id.SubsysID)
	// INTA#
	cs.WriteU8(RegInterruptPin, 1)
	return &Function{RID: rid, Config: cs}
}

// Identity reads the identity back from config space.
func (f *Function) Identity() Identity {
	return Identity{
		VendorID:       f.Config.VendorID(),
		DeviceID:       f.Config.DeviceID(),
		Revision:       f.Config.RevisionID(),
		ClassCode:      f.Config.ClassCode(),
		SubsysVendorID: f.Config.ReadU16(RegSubsysVendor),
		SubsysID:       f.Config.ReadU16(RegSubsysID),
	}
}

// AddCapability inserts a capability, writes its header and links it at
// the tail of its list.
func (f *Function) AddCapability(id uint16, version uint8, offset, length int, extended bool) (*Capability, error) {
	prev := f.Chain.Last(extended)
	c, err := f.Chain.Insert(id, version, offset, length, extended)
	if err != nil {
		return nil, err
	}
	if err := Link(f.Config, prev, c); err != nil {
		f.Chain.caps = f.Chain.caps[:len(f.Chain.caps)-1]
		return nil, err
	}
	WriteHeader(f.Config, c)
	return c, nil
}

// SetBAR registers b and writes its register value(s) into config space.
func (f *Function) SetBAR(b *BAR) error {
	if err := f.BARs.Set(b); err != nil {
		return err
	}
	low, high := b.Register()
	f.Config.WriteU32(RegBAR0+b.Index*4, low)
	if b.Type == AddressMem64 {
		f.Config.WriteU32(RegBAR0+(b.Index+1)*4, high)
	}
	return nil
}

// ClearBARs drops every BAR and zeroes the BAR registers.
func (f *Function) ClearBARs() {
	f.BARs.Clear()
	for i := 0; i < NumBARs; i++ {
		f.Config.WriteU32(RegBAR0+i*4, 0)
	}
}

package device

import (
	"github.com/pkg/errors"

	"sriov-emu/pkg/engine"
	"sriov-emu/pkg/pci"
	"sriov-emu/pkg/sriov"
)

// Hook runs against a function's register core after realize or reset.
type Hook func(core engine.Core) error

// Hooks are the declared per-variant fixups, applied in order.
type Hooks struct {
	PostRealize []Hook
	PostReset   []Hook
}

func runHooks(hooks []Hook, core engine.Core) error {
	for i, h := range hooks {
		if err := h(core); err != nil {
			return errors.Wrapf(err, "hook %d", i)
		}
	}
	return nil
}

// ClassConfig is the immutable record describing one device variant.
type ClassConfig struct {
	Name        string
	Description string
	VendorID    uint16
	DeviceID    uint16
	// VFDeviceID is the device ID VFs of this PF report.
	VFDeviceID  uint16
	Revision    uint8
	MSIXVectors int
	HasSRIOV    bool
	IsVF        bool
	TotalVFs    int
	InitialVFs  int
	VFOffset    int
	VFStride    int
	ARIOffset   int
	SRIOVOffset int
	// ROMFile is the option ROM image name; empty for none.
	ROMFile string
	Hooks   Hooks
}

// Validate checks the record for internal consistency.
func (c ClassConfig) Validate() error {
	if c.Name == "" {
		return errors.New("class has no name")
	}
	if c.MSIXVectors < 1 || c.MSIXVectors > 2048 {
		return errors.Errorf("class %s: MSI-X vector count %d out of range", c.Name, c.MSIXVectors)
	}
	if c.HasSRIOV && c.IsVF {
		return errors.Errorf("class %s: a VF variant cannot be SR-IOV capable", c.Name)
	}
	if c.HasSRIOV {
		if c.TotalVFs < 1 || c.InitialVFs > c.TotalVFs {
			return errors.Errorf("class %s: invalid VF limits total=%d initial=%d", c.Name, c.TotalVFs, c.InitialVFs)
		}
		if c.VFOffset < 1 || (c.TotalVFs > 1 && c.VFStride < 1) {
			return errors.Errorf("class %s: invalid VF offset/stride %d/%d", c.Name, c.VFOffset, c.VFStride)
		}
		if c.VFDeviceID == 0 {
			return errors.Errorf("class %s: no VF device ID", c.Name)
		}
	}
	if (c.HasSRIOV || c.IsVF) && c.ARIOffset < pci.ExtCapabilityBase {
		return errors.Errorf("class %s: ARI offset 0x%x outside extended config space", c.Name, c.ARIOffset)
	}
	return nil
}

// DeriveVF returns the VF variant of a PF record: it keeps the base record,
// reports the PF's VF device ID, drops the option ROM and the PF hooks.
func (c ClassConfig) DeriveVF(name string) ClassConfig {
	vf := c
	vf.Name = name
	vf.DeviceID = c.VFDeviceID
	vf.VFDeviceID = 0
	vf.ROMFile = ""
	vf.IsVF = true
	vf.HasSRIOV = false
	vf.SRIOVOffset = 0
	vf.Hooks = Hooks{}
	return vf
}

// VFClassName is the registry tag of the VF variant of a PF class.
func (c ClassConfig) VFClassName() string {
	return c.Name + "vf"
}

func (c ClassConfig) sriovConfig() sriov.Config {
	return sriov.Config{
		TotalVFs:   c.TotalVFs,
		InitialVFs: c.InitialVFs,
		VFOffset:   c.VFOffset,
		VFStride:   c.VFStride,
	}
}

func (c ClassConfig) identity() pci.Identity {
	return pci.Identity{
		VendorID:       c.VendorID,
		DeviceID:       c.DeviceID,
		Revision:       c.Revision,
		ClassCode:      pci.ClassEthernet,
		SubsysVendorID: c.VendorID,
		SubsysID:       0,
	}
}

func (c ClassConfig) clone() ClassConfig {
	out := c
	out.Hooks.PostRealize = append([]Hook(nil), c.Hooks.PostRealize...)
	out.Hooks.PostReset = append([]Hook(nil), c.Hooks.PostReset...)
	return out
}

// I210 PHY identifier the igb driver expects after reset.
const (
	igbPHYID1 = 0x0141
	igbPHYID2 = 0x0C00
)

// IGBIdentityFixup injects the PHY identifier pair and releases the
// software semaphore.
func IGBIdentityFixup(core engine.Core) error {
	phy, err := core.PHY(0)
	if err != nil {
		return err
	}
	if err := phy.Set(engine.PHYID1, igbPHYID1); err != nil {
		return err
	}
	if err := phy.Set(engine.PHYID2, igbPHYID2); err != nil {
		return err
	}
	return core.Write(engine.RegSWSM, 0)
}

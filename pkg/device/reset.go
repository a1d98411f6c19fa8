package device

import (
	"fmt"

	"github.com/pkg/errors"

	"sriov-emu/pkg/pci"
)

// ResetPF runs the PF reset sequence: VFs are torn down before the
// engine reset, then volatile config state and the MSI-X table are
// restored and the class post-reset hooks run.
func (d *Device) ResetPF() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.pf.enter("reset"); err != nil {
		return err
	}
	return d.resetPFLocked()
}

func (d *Device) resetPFLocked() error {
	pf := d.pf
	pf.state = StateResetting
	defer func() { pf.state = StateActive }()

	d.disableLocked()
	if d.vfs != nil {
		if n := d.vfs.NumVFs(); n != 0 {
			panic(ResetOrderingViolation{RID: pf.RID, Op: fmt.Sprintf("engine reset with %d live VFs", n)})
		}
	}

	pf.core.Reset()
	pf.restoreConfig()
	pf.msix.Reset()
	if err := runHooks(d.class.Hooks.PostReset, pf.core); err != nil {
		return errors.Wrapf(err, "post-reset fixup of %s", pf.RID)
	}

	d.log.Info("PF reset complete")
	return nil
}

// ResetVF resets VF i alone; siblings and the PF are untouched.
func (d *Device) ResetVF(i int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.pf.enter("reset"); err != nil {
		return err
	}
	vf, err := d.queryLocked(i)
	if err != nil {
		return err
	}
	return d.resetVFLocked(vf)
}

func (d *Device) resetVFLocked(vf *Function) error {
	if err := vf.enter("reset"); err != nil {
		return err
	}
	vf.state = StateResetting
	vf.core.Reset()
	vf.restoreConfig()
	vf.msix.Reset()
	vf.state = StateActive

	d.log.WithField("vf", vf.RID.String()).Debug("VF reset complete")
	return nil
}

// restoreConfig returns the guest-writable config registers to their
// reset values and reapplies ARI.
func (f *Function) restoreConfig() {
	cs := f.Config
	cs.WriteU16(pci.RegCommand, 0)

	ctrl := f.msixCap.Offset + pci.MSIXRegControl
	cs.WriteU16(ctrl, cs.ReadU16(ctrl)&^(pci.MSIXControlEnable|pci.MSIXControlFunctionMask))

	cs.WriteU16(f.pcieCap.Offset+pci.PCIeRegDevCtl, pci.PCIeDevCtlDefault)
	cs.WriteU16(f.pcieCap.Offset+pci.PCIeRegDevStatus, 0)

	if f.ariCap != nil {
		pci.WriteARICapability(cs, f.ariCap, ariNextFunction)
	}
	if f.sriovCap != nil {
		cs.WriteU16(f.sriovCap.Offset+pci.SRIOVRegControl, 0)
		cs.WriteU16(f.sriovCap.Offset+pci.SRIOVRegNumVFs, 0)
	}
}

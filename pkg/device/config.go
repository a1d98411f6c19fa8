package device

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"sriov-emu/pkg/pci"
)

// configReg is a guest-writable config register. Bits outside mask keep
// their current value; write stores the merged value and runs side effects.
type configReg struct {
	offset int
	width  int
	mask   uint32
	write  func(f *Function, r configReg, old, val uint32)
}

func (f *Function) configRegs() []configReg {
	cmdMask := uint32(pci.CommandIOSpace | pci.CommandMemorySpace | pci.CommandBusMaster | pci.CommandINTxDisable)
	if f.IsVF() {
		// VF memory decode follows the PF's VF MSE bit
		cmdMask = uint32(pci.CommandBusMaster)
	}

	regs := []configReg{
		{pci.RegCommand, 2, cmdMask, (*Function).store},
		{f.msixCap.Offset + pci.MSIXRegControl, 2, uint32(pci.MSIXControlEnable | pci.MSIXControlFunctionMask), (*Function).store},
		{f.pcieCap.Offset + pci.PCIeRegDevCtl, 2, 0xFFFF, (*Function).writeDevCtl},
	}
	if f.ariCap != nil {
		regs = append(regs, configReg{f.ariCap.Offset + pci.ARIRegControl, 2, uint32(pci.ARIControlMask), (*Function).store})
	}
	if f.sriovCap != nil {
		regs = append(regs,
			configReg{f.sriovCap.Offset + pci.SRIOVRegControl, 2, uint32(pci.SRIOVControlMask), (*Function).writeSRIOVControl},
			configReg{f.sriovCap.Offset + pci.SRIOVRegNumVFs, 2, 0xFFFF, (*Function).writeNumVFs},
		)
	}
	return regs
}

func checkConfigAccess(offset, size int) error {
	switch size {
	case 1, 2, 4:
	default:
		return errors.Errorf("invalid config access size %d", size)
	}
	if offset < 0 || offset+size > pci.ConfigSpaceSize || offset%size != 0 {
		return errors.Errorf("invalid config access at 0x%x+%d", offset, size)
	}
	return nil
}

// ConfigRead serves a guest config space read.
func (f *Function) ConfigRead(offset, size int) (uint32, error) {
	if err := checkConfigAccess(offset, size); err != nil {
		return 0, err
	}
	f.dev.mu.Lock()
	defer f.dev.mu.Unlock()
	if err := f.enter("config read"); err != nil {
		return 0, err
	}
	return f.Config.Read(offset, size), nil
}

// ConfigWrite serves a guest config space write. Writes to read-only
// registers are dropped.
func (f *Function) ConfigWrite(offset, size int, val uint32) error {
	if err := checkConfigAccess(offset, size); err != nil {
		return err
	}
	f.dev.mu.Lock()
	defer f.dev.mu.Unlock()
	if err := f.enter("config write"); err != nil {
		return err
	}

	handled := false
	for _, r := range f.regs {
		if offset+size <= r.offset || offset >= r.offset+r.width {
			continue
		}
		old := f.Config.Read(r.offset, r.width)
		merged := mergeBytes(old, r.offset, r.width, offset, size, val)
		r.write(f, r, old, old&^r.mask|merged&r.mask)
		handled = true
	}
	if !handled {
		f.dev.log.WithFields(logrus.Fields{
			"function": f.RID.String(),
			"offset":   offset,
			"size":     size,
		}).Debug("config write to read-only register ignored")
	}
	return nil
}

// mergeBytes overlays the bytes of a write at off onto a register at regOff.
func mergeBytes(old uint32, regOff, width, off, size int, val uint32) uint32 {
	for i := 0; i < size; i++ {
		pos := off + i - regOff
		if pos < 0 || pos >= width {
			continue
		}
		b := (val >> (8 * i)) & 0xFF
		old = old&^(0xFF<<(8*pos)) | b<<(8*pos)
	}
	return old
}

func (f *Function) store(r configReg, _, val uint32) {
	switch r.width {
	case 1:
		f.Config.WriteU8(r.offset, uint8(val))
	case 2:
		f.Config.WriteU16(r.offset, uint16(val))
	default:
		f.Config.WriteU32(r.offset, val)
	}
}

// writeDevCtl stores PCIe Device Control. Initiate FLR is not latched; it
// resets the function.
func (f *Function) writeDevCtl(r configReg, _, val uint32) {
	f.store(r, 0, val&^uint32(pci.PCIeDevCtlFLR))
	if val&uint32(pci.PCIeDevCtlFLR) == 0 {
		return
	}
	f.dev.log.WithField("function", f.RID.String()).Info("function-level reset requested")
	var err error
	if f.IsVF() {
		err = f.dev.resetVFLocked(f)
	} else {
		err = f.dev.resetPFLocked()
	}
	if err != nil {
		f.dev.log.WithError(err).WithField("function", f.RID.String()).Warn("function-level reset failed")
	}
}

// writeSRIOVControl applies VF Enable transitions. A failed enable leaves
// VF Enable clear.
func (f *Function) writeSRIOVControl(r configReg, old, val uint32) {
	d := f.dev
	was := old&uint32(pci.SRIOVControlVFEnable) != 0
	now := val&uint32(pci.SRIOVControlVFEnable) != 0

	switch {
	case now && !was:
		n := int(f.Config.ReadU16(f.sriovCap.Offset + pci.SRIOVRegNumVFs))
		if err := d.enableLocked(n); err != nil {
			d.log.WithError(err).WithField("num_vfs", n).Warn("guest VF enable rejected")
			val &^= uint32(pci.SRIOVControlVFEnable)
		}
	case was && !now:
		d.disableLocked()
	}
	f.store(r, old, val)
}

// writeNumVFs stores NumVFs; it is read-only while VFs are enabled.
func (f *Function) writeNumVFs(r configReg, old, val uint32) {
	ctrl := f.Config.ReadU16(f.sriovCap.Offset + pci.SRIOVRegControl)
	if ctrl&pci.SRIOVControlVFEnable != 0 {
		f.dev.log.WithFields(logrus.Fields{
			"function": f.RID.String(),
			"num_vfs":  val,
		}).Warn("NumVFs write while VFs enabled ignored")
		return
	}
	f.store(r, old, val)
}

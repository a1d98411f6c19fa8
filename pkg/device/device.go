// Package device composes PCI functions of the emulated controller family:
// it realizes the PF from a class record, creates and destroys VFs through
// the SR-IOV manager and coordinates PF and VF resets. All functions of one
// device share a family mutex; every entry point holds it for its whole
// duration.
package device

import (
	"fmt"
	"net"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"sriov-emu/pkg"
	"sriov-emu/pkg/engine"
	"sriov-emu/pkg/pci"
	"sriov-emu/pkg/platform"
	"sriov-emu/pkg/sriov"
)

// Platform is the device-management layer a device registers with.
type Platform interface {
	AttachFunction(rid pci.RoutingID, h platform.ConfigHandler) error
	DetachFunction(rid pci.RoutingID)
	MapRegion(rid pci.RoutingID, bar int, size uint64, typ pci.AddressType, h pci.RegionHandler) (uint64, error)
	DeclareVFRegion(pf pci.RoutingID, bar int, size uint64, typ pci.AddressType, count int) (uint64, error)
	MapVFRegion(pf pci.RoutingID, vfIndex int, vf pci.RoutingID, bar int, h pci.RegionHandler) (uint64, uint64, error)
	ReleaseVFRegions(pf pci.RoutingID)
}

// Option configures a Device.
type Option func(*Device)

// WithMAC sets the PF station address. Without it one is derived from the
// PF instance ID.
func WithMAC(mac net.HardwareAddr) Option {
	return func(d *Device) { d.mac = mac }
}

// WithName names the device in logs and snapshots.
func WithName(name string) Option {
	return func(d *Device) { d.name = name }
}

// Device is one emulated controller: a PF and, when SR-IOV capable, its
// VF group.
type Device struct {
	mu sync.Mutex

	name    string
	class   ClassConfig
	vfClass ClassConfig
	eng     engine.Engine
	plat    Platform
	mac     net.HardwareAddr

	pf  *Function
	vfs *sriov.Manager
	log *logrus.Entry
}

// New realizes a device of class at rid. Failures are returned as
// *ConstructionError and leave nothing attached to plat.
func New(class ClassConfig, rid pci.RoutingID, eng engine.Engine, plat Platform, opts ...Option) (*Device, error) {
	op := fmt.Sprintf("%s at %s", class.Name, rid)
	if err := class.Validate(); err != nil {
		return nil, &ConstructionError{Op: op, Err: err}
	}
	if class.IsVF {
		return nil, &ConstructionError{Op: op, Err: errors.Errorf("variant %s is a VF and is created by its PF", class.Name)}
	}

	d := &Device{
		name:  class.Name,
		class: class.clone(),
		eng:   eng,
		plat:  plat,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.log = pkg.Component("device").WithFields(logrus.Fields{
		"device":  d.name,
		"variant": class.Name,
		"pf":      rid.String(),
	})

	d.mu.Lock()
	defer d.mu.Unlock()

	if class.HasSRIOV {
		d.vfClass = class.DeriveVF(class.VFClassName())
		m, err := sriov.NewManager(rid, class.sriovConfig(), d.newVF)
		if err != nil {
			return nil, &ConstructionError{Op: op, Err: err}
		}
		d.vfs = m
	}

	pf, err := d.realize(rid, -1, d.class, d.mac)
	if err != nil {
		return nil, &ConstructionError{Op: op, Err: err}
	}
	d.pf = pf

	d.log.WithFields(logrus.Fields{
		"device_id": fmt.Sprintf("0x%04x", class.DeviceID),
		"msix":      class.MSIXVectors,
		"total_vfs": class.TotalVFs,
	}).Info("device realized")
	return d, nil
}

func (d *Device) newVF(index int, rid pci.RoutingID) (sriov.VF, error) {
	f, err := d.realize(rid, index, d.vfClass, nil)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// Name returns the device name.
func (d *Device) Name() string { return d.name }

// Class returns the device's class record.
func (d *Device) Class() ClassConfig { return d.class.clone() }

// RoutingID returns the PF routing ID.
func (d *Device) RoutingID() pci.RoutingID { return d.pf.RID }

// PF returns the physical function.
func (d *Device) PF() *Function { return d.pf }

// TotalVFs returns the VF ceiling, 0 without SR-IOV.
func (d *Device) TotalVFs() int {
	if d.vfs == nil {
		return 0
	}
	return d.vfs.TotalVFs()
}

// NumVFs returns the enabled VF count.
func (d *Device) NumVFs() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.vfs == nil {
		return 0
	}
	return d.vfs.NumVFs()
}

// Enable creates n VFs. See sriov.Manager.Enable for the state rules.
func (d *Device) Enable(n int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.pf.enter("enable"); err != nil {
		return err
	}
	return d.enableLocked(n)
}

func (d *Device) enableLocked(n int) error {
	if d.vfs == nil {
		return errors.Wrapf(ErrNoSRIOV, "%s", d.name)
	}
	if err := d.vfs.Enable(n); err != nil {
		return err
	}
	cs, off := d.pf.Config, d.pf.sriovCap.Offset
	cs.WriteU16(off+pci.SRIOVRegNumVFs, uint16(n))
	cs.WriteU16(off+pci.SRIOVRegControl, cs.ReadU16(off+pci.SRIOVRegControl)|pci.SRIOVControlVFEnable)
	return nil
}

// Disable destroys every VF. It is a no-op when VFs are disabled.
func (d *Device) Disable() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.pf.enter("disable"); err != nil {
		return err
	}
	if d.vfs == nil {
		return errors.Wrapf(ErrNoSRIOV, "%s", d.name)
	}
	d.disableLocked()
	return nil
}

func (d *Device) disableLocked() {
	if d.vfs == nil {
		return
	}
	d.vfs.Disable()
	cs, off := d.pf.Config, d.pf.sriovCap.Offset
	cs.WriteU16(off+pci.SRIOVRegControl, cs.ReadU16(off+pci.SRIOVRegControl)&^pci.SRIOVControlVFEnable)
}

// Query returns live VF i.
func (d *Device) Query(i int) (*Function, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.pf.enter("query"); err != nil {
		return nil, err
	}
	return d.queryLocked(i)
}

func (d *Device) queryLocked(i int) (*Function, error) {
	if d.vfs == nil {
		return nil, errors.Wrapf(ErrNoSRIOV, "%s", d.name)
	}
	vf, err := d.vfs.Query(i)
	if err != nil {
		return nil, err
	}
	return vf.(*Function), nil
}

// Functions returns the PF followed by the live VFs.
func (d *Device) Functions() []*Function {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.functionsLocked()
}

func (d *Device) functionsLocked() []*Function {
	out := []*Function{d.pf}
	if d.vfs != nil {
		for _, vf := range d.vfs.Handles() {
			out = append(out, vf.(*Function))
		}
	}
	return out
}

// Remove destroys the VFs and detaches the PF. Later operations fail with
// ErrRemoved.
func (d *Device) Remove() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pf.state == StateRemoved {
		return
	}
	d.disableLocked()
	d.plat.DetachFunction(d.pf.RID)
	d.plat.ReleaseVFRegions(d.pf.RID)
	d.pf.state = StateRemoved
	d.log.Info("device removed")
}

// Package emulator owns the set of emulated devices on one platform bus
// and exposes the management operations the daemon and its API serve.
package emulator

import (
	"net"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"sriov-emu/internal/config"
	"sriov-emu/pkg"
	"sriov-emu/pkg/device"
	"sriov-emu/pkg/engine"
	"sriov-emu/pkg/pci"
	"sriov-emu/pkg/platform"
	"sriov-emu/pkg/types"
)

var (
	// ErrDeviceExists is returned when adding a device under a taken name
	ErrDeviceExists = errors.New("device already exists")
	// ErrDeviceNotFound is returned for an unknown device name
	ErrDeviceNotFound = errors.New("device not found")
)

// DeviceSpec describes a device to add
type DeviceSpec struct {
	Name      string
	Variant   string
	RoutingID pci.RoutingID
	NumVFs    int
	MAC       net.HardwareAddr
}

// Option configures a Manager
type Option func(*Manager)

// WithRegistry replaces the built-in variant registry
func WithRegistry(r *device.Registry) Option {
	return func(m *Manager) { m.registry = r }
}

// WithEngine replaces the default register engine
func WithEngine(e engine.Engine) Option {
	return func(m *Manager) { m.engine = e }
}

// WithNames sets the resolver used for vendor and device names
func WithNames(n types.NameResolver) Option {
	return func(m *Manager) { m.names = n }
}

// WithOnChange registers a callback run after every management operation
// that changes the inventory. Calls never overlap, and each one gets a
// snapshot taken after the previous call returned.
func WithOnChange(fn func(*types.Inventory)) Option {
	return func(m *Manager) { m.onChange = fn }
}

// Manager handles the emulated devices of one bus
type Manager struct {
	mu       sync.RWMutex
	bus      *platform.Bus
	registry *device.Registry
	engine   engine.Engine
	names    types.NameResolver
	devices  map[string]*device.Device
	onChange func(*types.Inventory)
	notifyMu sync.Mutex
	log      *logrus.Entry
}

// NewManager creates a manager with an empty bus
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		bus:      platform.NewBus(),
		registry: device.BuiltinRegistry(),
		engine:   engine.Default{},
		devices:  make(map[string]*device.Device),
		log:      pkg.Component("emulator"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// NewFromConfig creates a manager, extends the registry with the
// configured variants and adds the configured devices. Devices with
// num_vfs set are enabled.
func NewFromConfig(cfg *config.Config, opts ...Option) (*Manager, error) {
	m := NewManager(opts...)

	var variants []device.Variant
	for _, v := range cfg.Variants {
		id, err := v.ParseDeviceID()
		if err != nil {
			return nil, errors.Wrapf(err, "variant %s", v.Name)
		}
		variants = append(variants, device.Variant{
			Name:        v.Name,
			Inherits:    v.Inherits,
			DeviceID:    id,
			MSIXVectors: v.MSIXVectors,
			TotalVFs:    v.TotalVFs,
			VFOffset:    v.VFOffset,
			VFStride:    v.VFStride,
		})
	}
	if len(variants) > 0 {
		r, err := m.registry.Extend(variants...)
		if err != nil {
			return nil, err
		}
		m.registry = r
	}

	for _, dc := range cfg.Devices {
		rid, err := dc.ParseRoutingID()
		if err != nil {
			return nil, errors.Wrapf(err, "device %s", dc.Name)
		}
		mac, err := dc.ParseMAC()
		if err != nil {
			return nil, errors.Wrapf(err, "device %s", dc.Name)
		}
		spec := DeviceSpec{
			Name:      dc.Name,
			Variant:   dc.Variant,
			RoutingID: rid,
			NumVFs:    dc.NumVFs,
			MAC:       mac,
		}
		if err := m.AddDevice(spec); err != nil {
			m.Close()
			return nil, err
		}
	}
	return m, nil
}

// Bus returns the platform bus the devices are attached to
func (m *Manager) Bus() *platform.Bus { return m.bus }

// Registry returns the variant registry
func (m *Manager) Registry() *device.Registry { return m.registry }

// Variants returns the registered variant tags
func (m *Manager) Variants() []string { return m.registry.Names() }

// AddDevice realizes a device and optionally enables its VFs. A failed
// enable removes the device again.
func (m *Manager) AddDevice(spec DeviceSpec) error {
	class, err := m.registry.Lookup(spec.Variant)
	if err != nil {
		return errors.Wrapf(err, "device %s", spec.Name)
	}

	m.mu.Lock()
	if _, ok := m.devices[spec.Name]; ok {
		m.mu.Unlock()
		return errors.Wrapf(ErrDeviceExists, "%s", spec.Name)
	}
	opts := []device.Option{device.WithName(spec.Name)}
	if spec.MAC != nil {
		opts = append(opts, device.WithMAC(spec.MAC))
	}
	d, err := device.New(class, spec.RoutingID, m.engine, m.bus, opts...)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	m.devices[spec.Name] = d
	m.mu.Unlock()

	if spec.NumVFs > 0 {
		if err := d.Enable(spec.NumVFs); err != nil {
			m.RemoveDevice(spec.Name)
			return errors.Wrapf(err, "enable %d VFs on %s", spec.NumVFs, spec.Name)
		}
	}

	m.log.WithFields(logrus.Fields{
		"device":  spec.Name,
		"variant": spec.Variant,
		"pf":      spec.RoutingID.String(),
		"num_vfs": spec.NumVFs,
	}).Info("device added")
	m.changed()
	return nil
}

// RemoveDevice tears a device down
func (m *Manager) RemoveDevice(name string) error {
	m.mu.Lock()
	d, ok := m.devices[name]
	delete(m.devices, name)
	m.mu.Unlock()
	if !ok {
		return errors.Wrapf(ErrDeviceNotFound, "%s", name)
	}

	d.Remove()
	m.changed()
	return nil
}

// Device returns the named device
func (m *Manager) Device(name string) (*device.Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.devices[name]
	if !ok {
		return nil, errors.Wrapf(ErrDeviceNotFound, "%s", name)
	}
	return d, nil
}

// Names returns the device names in sorted order
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.devices))
	for name := range m.devices {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Enable creates n VFs on the named device
func (m *Manager) Enable(name string, n int) error {
	d, err := m.Device(name)
	if err != nil {
		return err
	}
	if err := d.Enable(n); err != nil {
		return err
	}
	m.log.WithFields(logrus.Fields{"device": name, "num_vfs": n}).Info("VFs enabled")
	m.changed()
	return nil
}

// Disable destroys every VF of the named device
func (m *Manager) Disable(name string) error {
	d, err := m.Device(name)
	if err != nil {
		return err
	}
	if err := d.Disable(); err != nil {
		return err
	}
	m.log.WithField("device", name).Info("VFs disabled")
	m.changed()
	return nil
}

// Query describes VF i of the named device
func (m *Manager) Query(name string, i int) (*types.FunctionInfo, error) {
	d, err := m.Device(name)
	if err != nil {
		return nil, err
	}
	return d.DescribeVF(i, m.names)
}

// ResetPF resets the named device's PF, which also destroys its VFs
func (m *Manager) ResetPF(name string) error {
	d, err := m.Device(name)
	if err != nil {
		return err
	}
	if err := d.ResetPF(); err != nil {
		return err
	}
	m.changed()
	return nil
}

// ResetVF resets VF i of the named device
func (m *Manager) ResetVF(name string, i int) error {
	d, err := m.Device(name)
	if err != nil {
		return err
	}
	return d.ResetVF(i)
}

// Snapshot describes every device
func (m *Manager) Snapshot() *types.Inventory {
	m.mu.RLock()
	devices := make([]*device.Device, 0, len(m.devices))
	for _, d := range m.devices {
		devices = append(devices, d)
	}
	m.mu.RUnlock()

	sort.Slice(devices, func(i, j int) bool { return devices[i].Name() < devices[j].Name() })
	inv := &types.Inventory{Devices: make([]*types.DeviceInfo, 0, len(devices))}
	for _, d := range devices {
		inv.Devices = append(inv.Devices, d.Snapshot(m.names))
	}
	return inv
}

// Close removes every device
func (m *Manager) Close() {
	m.mu.Lock()
	devices := m.devices
	m.devices = make(map[string]*device.Device)
	m.mu.Unlock()

	for _, d := range devices {
		d.Remove()
	}
}

// Refresh runs the change callback with the current inventory
func (m *Manager) Refresh() {
	m.changed()
}

func (m *Manager) changed() {
	if m.onChange == nil {
		return
	}
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()
	m.onChange(m.Snapshot())
}

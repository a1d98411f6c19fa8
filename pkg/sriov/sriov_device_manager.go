package sriov

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"sriov-emu/pkg"
	"sriov-emu/pkg/pci"
)

var (
	// ErrFunctionLimitExceeded is returned for a VF count outside [1, TotalVFs]
	ErrFunctionLimitExceeded = errors.New("function limit exceeded")
	// ErrAlreadyEnabled is returned when VFs are enabled with a different count
	ErrAlreadyEnabled = errors.New("VFs already enabled")
	// ErrNotFound is returned for a VF index outside the enabled range
	ErrNotFound = errors.New("VF not found")
	// ErrRoutingIDOverflow is returned when a VF routing ID leaves the 16-bit space
	ErrRoutingIDOverflow = errors.New("VF routing ID overflow")
)

// VF is a live Virtual Function owned by a Manager
type VF interface {
	RoutingID() pci.RoutingID
	// Destroy unmaps the VF and releases its register state
	Destroy()
}

// Factory realizes the VF at index with the given routing ID
type Factory func(index int, rid pci.RoutingID) (VF, error)

// Config holds the SR-IOV geometry of a PF
type Config struct {
	TotalVFs   int
	InitialVFs int
	VFOffset   int
	VFStride   int
}

// Manager owns the VF group of one PF. It is not safe for concurrent use;
// the owning device serializes every call.
type Manager struct {
	pf      pci.RoutingID
	cfg     Config
	factory Factory
	vfs     []VF
	log     *logrus.Entry
}

// NewManager validates the SR-IOV geometry of pf and returns a disabled group
func NewManager(pf pci.RoutingID, cfg Config, factory Factory) (*Manager, error) {
	if cfg.TotalVFs <= 0 {
		return nil, errors.Wrapf(ErrFunctionLimitExceeded, "total VFs %d", cfg.TotalVFs)
	}
	if cfg.InitialVFs < 0 || cfg.InitialVFs > cfg.TotalVFs {
		return nil, errors.Wrapf(ErrFunctionLimitExceeded, "initial VFs %d of %d", cfg.InitialVFs, cfg.TotalVFs)
	}
	if cfg.VFOffset <= 0 {
		return nil, errors.Errorf("VF offset %d must be positive", cfg.VFOffset)
	}
	if cfg.VFStride <= 0 && cfg.TotalVFs > 1 {
		return nil, errors.Errorf("VF stride %d must be positive", cfg.VFStride)
	}
	if factory == nil {
		return nil, errors.New("nil VF factory")
	}

	// Check that the last VF still has a routing ID
	last := cfg.VFOffset + (cfg.TotalVFs-1)*cfg.VFStride
	if _, err := pf.Offset(last); err != nil {
		return nil, errors.Wrapf(ErrRoutingIDOverflow, "%v", err)
	}

	return &Manager{
		pf:      pf,
		cfg:     cfg,
		factory: factory,
		log:     pkg.Component("sriov").WithField("pf", pf.String()),
	}, nil
}

// RoutingID returns the routing ID of VF i: pf + offset + i*stride
func (m *Manager) RoutingID(i int) pci.RoutingID {
	return m.pf + pci.RoutingID(m.cfg.VFOffset+i*m.cfg.VFStride)
}

// Config returns the group geometry
func (m *Manager) Config() Config {
	return m.cfg
}

// TotalVFs returns the VF ceiling
func (m *Manager) TotalVFs() int {
	return m.cfg.TotalVFs
}

// NumVFs returns the enabled VF count, 0 when disabled
func (m *Manager) NumVFs() int {
	return len(m.vfs)
}

// Enable creates n VFs. Enabling again with the same count is a no-op;
// a different count requires Disable first.
func (m *Manager) Enable(n int) error {
	if n <= 0 || n > m.cfg.TotalVFs {
		return errors.Wrapf(ErrFunctionLimitExceeded, "enable %d VFs, limit %d", n, m.cfg.TotalVFs)
	}
	if cur := len(m.vfs); cur != 0 {
		if cur == n {
			m.log.WithField("num_vfs", n).Debug("VFs already enabled with requested count")
			return nil
		}
		return errors.Wrapf(ErrAlreadyEnabled, "%d VFs enabled, requested %d", cur, n)
	}

	vfs := make([]VF, 0, n)
	for i := 0; i < n; i++ {
		rid := m.RoutingID(i)
		vf, err := m.factory(i, rid)
		if err != nil {
			// Roll back so the group stays disabled
			for j := len(vfs) - 1; j >= 0; j-- {
				vfs[j].Destroy()
			}
			return errors.Wrapf(err, "realize VF%d at %s", i, rid)
		}
		vfs = append(vfs, vf)
	}
	m.vfs = vfs

	m.log.WithFields(logrus.Fields{
		"num_vfs":  n,
		"first_vf": m.RoutingID(0).String(),
		"stride":   m.cfg.VFStride,
	}).Info("VFs enabled")
	return nil
}

// Disable destroys every VF; it is a no-op when already disabled
func (m *Manager) Disable() {
	if len(m.vfs) == 0 {
		return
	}
	n := len(m.vfs)
	for i := n - 1; i >= 0; i-- {
		m.vfs[i].Destroy()
		m.vfs[i] = nil
	}
	m.vfs = nil
	m.log.WithField("num_vfs", n).Info("VFs disabled")
}

// Query returns live VF i
func (m *Manager) Query(i int) (VF, error) {
	if i < 0 || i >= len(m.vfs) {
		return nil, errors.Wrapf(ErrNotFound, "VF%d of %d", i, len(m.vfs))
	}
	return m.vfs[i], nil
}

// Handles returns the live VFs in index order
func (m *Manager) Handles() []VF {
	out := make([]VF, len(m.vfs))
	copy(out, m.vfs)
	return out
}

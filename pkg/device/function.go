package device

import (
	"net"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"sriov-emu/pkg/engine"
	"sriov-emu/pkg/pci"
)

// State is the reset state of a function.
type State int

const (
	StateActive State = iota
	StateResetting
	StateRemoved
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateResetting:
		return "resetting"
	case StateRemoved:
		return "removed"
	}
	return "unknown"
}

// Function is a live PF or VF: its PCI descriptor plus the register core,
// MSI-X table and instance identity it owns. Every access path takes the
// family mutex of its device.
type Function struct {
	*pci.Function

	// ID identifies this instance; a re-enabled VF gets a new one.
	ID uuid.UUID
	// Index is the VF index, -1 for the PF.
	Index int

	dev    *Device
	class  ClassConfig
	core   engine.Core
	msix   *pci.MSIXTable
	mac    net.HardwareAddr
	state  State
	ioaddr uint32

	msixCap  *pci.Capability
	pcieCap  *pci.Capability
	ariCap   *pci.Capability
	sriovCap *pci.Capability
	regs     []configReg
}

// RoutingID returns the function's routing ID.
func (f *Function) RoutingID() pci.RoutingID {
	return f.RID
}

// IsVF reports whether f is a virtual function.
func (f *Function) IsVF() bool {
	return f.Index >= 0
}

// Class returns the class record the function was realized from.
func (f *Function) Class() ClassConfig {
	return f.class.clone()
}

// Core returns the function's register core.
func (f *Function) Core() engine.Core {
	return f.core
}

// MSIX returns the function's MSI-X table.
func (f *Function) MSIX() *pci.MSIXTable {
	return f.msix
}

// MAC returns the station address the core was constructed with.
func (f *Function) MAC() net.HardwareAddr {
	return f.mac
}

// State returns the current state.
func (f *Function) State() State {
	f.dev.mu.Lock()
	defer f.dev.mu.Unlock()
	return f.state
}

// Destroy detaches the function from the platform. The device calls it
// with the family mutex held.
func (f *Function) Destroy() {
	if f.state == StateRemoved {
		return
	}
	f.dev.plat.DetachFunction(f.RID)
	f.state = StateRemoved
	f.dev.log.WithField("vf", f.RID.String()).Debug("function destroyed")
}

// enter guards an access path. The family mutex must be held.
func (f *Function) enter(op string) error {
	switch f.state {
	case StateResetting:
		panic(ResetOrderingViolation{RID: f.RID, Op: op})
	case StateRemoved:
		return errors.Wrapf(ErrRemoved, "%s %s", op, f.RID)
	}
	return nil
}

// ariNextFunction is the next function number advertised in every
// function's ARI capability.
const ariNextFunction = 1

// macFromID derives a unicast, locally administered address.
func macFromID(id uuid.UUID) net.HardwareAddr {
	mac := net.HardwareAddr{id[0], id[1], id[2], id[3], id[4], id[5]}
	mac[0] = mac[0]&^0x01 | 0x02
	return mac
}

package device

import (
	"fmt"

	"github.com/pkg/errors"

	"sriov-emu/pkg/pci"
)

var (
	// ErrUnknownVariant is returned for a variant tag missing from a Registry.
	ErrUnknownVariant = errors.New("unknown device variant")
	// ErrRemoved is returned for operations on a removed device or function.
	ErrRemoved = errors.New("device removed")
	// ErrNoSRIOV is returned for VF operations on a device without SR-IOV.
	ErrNoSRIOV = errors.New("device has no SR-IOV capability")
)

// ConstructionError reports a fatal failure while adding a device. It is
// surfaced to the management layer only; the guest never sees it.
type ConstructionError struct {
	Op  string
	Err error
}

func (e *ConstructionError) Error() string {
	return fmt.Sprintf("construct %s: %v", e.Op, e.Err)
}

func (e *ConstructionError) Unwrap() error {
	return e.Err
}

// ResetOrderingViolation is the panic value raised when a function path
// observes another function in the Resetting state.
type ResetOrderingViolation struct {
	RID pci.RoutingID
	Op  string
}

func (v ResetOrderingViolation) Error() string {
	return fmt.Sprintf("reset ordering violation: %s observed %s mid-reset", v.Op, v.RID)
}

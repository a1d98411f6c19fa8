package pci

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// RoutingID is the 16-bit bus/device/function address of a function.
// With ARI the low 8 bits are a single function number.
type RoutingID uint16

// NewRoutingID packs bus, device and function numbers.
func NewRoutingID(bus, device, function uint8) RoutingID {
	return RoutingID(uint16(bus)<<8 | uint16(device&0x1f)<<3 | uint16(function&0x7))
}

// Bus returns the bus number.
func (r RoutingID) Bus() uint8 { return uint8(r >> 8) }

// Device returns the device number.
func (r RoutingID) Device() uint8 { return uint8(r>>3) & 0x1f }

// Function returns the function number.
func (r RoutingID) Function() uint8 { return uint8(r) & 0x7 }

// String formats the routing ID as bb:dd.f.
func (r RoutingID) String() string {
	return fmt.Sprintf("%02x:%02x.%x", r.Bus(), r.Device(), r.Function())
}

// Offset returns r+delta, failing when the result leaves the 16-bit space.
func (r RoutingID) Offset(delta int) (RoutingID, error) {
	v := int(r) + delta
	if v < 0 || v > 0xFFFF {
		return 0, errors.Errorf("routing ID %s%+d out of range", r, delta)
	}
	return RoutingID(v), nil
}

// ParseRoutingID parses "bb:dd.f", optionally prefixed by a "dddd:" domain.
func ParseRoutingID(s string) (RoutingID, error) {
	s = strings.TrimSpace(s)
	if parts := strings.Split(s, ":"); len(parts) == 3 {
		s = parts[1] + ":" + parts[2]
	}
	busDev, fn, ok := strings.Cut(s, ".")
	if !ok {
		return 0, errors.Errorf("invalid routing ID %q: missing function", s)
	}
	busStr, devStr, ok := strings.Cut(busDev, ":")
	if !ok {
		return 0, errors.Errorf("invalid routing ID %q: missing bus", s)
	}
	bus, err := strconv.ParseUint(busStr, 16, 8)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid bus in %q", s)
	}
	dev, err := strconv.ParseUint(devStr, 16, 8)
	if err != nil || dev > 0x1f {
		return 0, errors.Errorf("invalid device in %q", s)
	}
	f, err := strconv.ParseUint(fn, 16, 8)
	if err != nil || f > 7 {
		return 0, errors.Errorf("invalid function in %q", s)
	}
	return NewRoutingID(uint8(bus), uint8(dev), uint8(f)), nil
}

// Package engine provides the register engine collaborator of the device
// layer: per-function MAC and PHY register arrays with construct, reset,
// read and write operations. Packet processing, interrupts and DMA are not
// modeled.
package engine

import (
	"net"

	"github.com/pkg/errors"
)

// MAC register byte offsets.
const (
	RegCTRL   = 0x00000
	RegSTATUS = 0x00008
	RegEECD   = 0x00010
	RegMDIC   = 0x00020
	RegRAL0   = 0x05400
	RegRAH0   = 0x05404
	RegSWSM   = 0x05B50
)

// PHY register numbers.
const (
	PHYCtrl   = 0x00
	PHYStatus = 0x01
	PHYID1    = 0x02
	PHYID2    = 0x03
)

// Register array geometry.
const (
	MACSize     = 0x8000
	PHYPages    = 7
	PHYPageSize = 0x20
)

// DefaultPHYID is the 82574 PHY identifier the base controller reports.
const DefaultPHYID uint32 = 0x01410CB1

const (
	ctrlFD          = 1 << 0
	ctrlSLU         = 1 << 6
	statusFD        = 1 << 0
	statusLU        = 1 << 1
	statusSpeed1000 = 1 << 7
	eecdPres        = 1 << 8
	eecdAutoRd      = 1 << 9
	rahAV           = 1 << 31

	mdicDataMask  = 0xFFFF
	mdicRegShift  = 16
	mdicRegMask   = 0x1F << mdicRegShift
	mdicPHYShift  = 21
	mdicPHYMask   = 0x1F << mdicPHYShift
	mdicOpWrite   = 1 << 26
	mdicOpRead    = 2 << 26
	mdicReady     = 1 << 28
	mdicError     = 1 << 30
	mdicPHYAddr   = 1
	phyCtrlReset  = 0x1140
	phyStatusInit = 0x796D
)

// CoreConfig parameterizes a register core.
type CoreConfig struct {
	Name string
	MAC  net.HardwareAddr
}

// Core is the register state of one function instance.
type Core interface {
	// Reset restores every register to its device default in place.
	Reset()
	// Read returns the MAC register at a byte offset of the MMIO BAR.
	Read(offset uint64) (uint32, error)
	// Write stores a MAC register at a byte offset of the MMIO BAR.
	Write(offset uint64, val uint32) error
	// MAC returns the MAC register array.
	MAC() *Registers[uint32]
	// PHY returns the PHY register array of a page.
	PHY(page int) (*Registers[uint16], error)
}

// Engine constructs cores.
type Engine interface {
	Construct(cfg CoreConfig) (Core, error)
}

// Default is the reference engine.
type Default struct{}

// Construct builds a core and resets it to defaults.
func (Default) Construct(cfg CoreConfig) (Core, error) {
	if cfg.MAC != nil && len(cfg.MAC) != 6 {
		return nil, errors.Errorf("core %s: invalid MAC address %s", cfg.Name, cfg.MAC)
	}
	c := &core{
		cfg: cfg,
		mac: newRegisters[uint32](MACSize),
		phy: make([]*Registers[uint16], PHYPages),
	}
	for i := range c.phy {
		c.phy[i] = newRegisters[uint16](PHYPageSize)
	}
	c.Reset()
	return c, nil
}

type core struct {
	cfg CoreConfig
	mac *Registers[uint32]
	phy []*Registers[uint16]
}

func (c *core) Reset() {
	c.mac.clear()
	for _, p := range c.phy {
		p.clear()
	}

	c.mac.vals[RegCTRL>>2] = ctrlFD | ctrlSLU
	c.mac.vals[RegSTATUS>>2] = statusFD | statusLU | statusSpeed1000
	c.mac.vals[RegEECD>>2] = eecdPres | eecdAutoRd

	if m := c.cfg.MAC; m != nil {
		c.mac.vals[RegRAL0>>2] = uint32(m[0]) | uint32(m[1])<<8 | uint32(m[2])<<16 | uint32(m[3])<<24
		c.mac.vals[RegRAH0>>2] = uint32(m[4]) | uint32(m[5])<<8 | rahAV
	}

	p0 := c.phy[0]
	p0.vals[PHYCtrl] = phyCtrlReset
	p0.vals[PHYStatus] = phyStatusInit
	p0.vals[PHYID1] = uint16(DefaultPHYID >> 16)
	p0.vals[PHYID2] = uint16(DefaultPHYID & 0xFFFF)
}

func (c *core) Read(offset uint64) (uint32, error) {
	if offset&0x3 != 0 {
		return 0, errors.Errorf("unaligned MAC read at 0x%x", offset)
	}
	return c.mac.Get(int(offset >> 2))
}

func (c *core) Write(offset uint64, val uint32) error {
	if offset&0x3 != 0 {
		return errors.Errorf("unaligned MAC write at 0x%x", offset)
	}
	if offset == RegMDIC {
		val = c.mdio(val)
	}
	return c.mac.Set(int(offset>>2), val)
}

// mdio runs one MDIC transaction against PHY page 0 and returns the
// completed MDIC value.
func (c *core) mdio(val uint32) uint32 {
	reg := int((val & mdicRegMask) >> mdicRegShift)
	addr := (val & mdicPHYMask) >> mdicPHYShift
	if addr != mdicPHYAddr {
		return val | mdicReady | mdicError
	}
	switch {
	case val&mdicOpRead != 0 && val&mdicOpWrite == 0:
		v, err := c.phy[0].Get(reg)
		if err != nil {
			return val | mdicReady | mdicError
		}
		return val&^mdicDataMask | uint32(v) | mdicReady
	case val&mdicOpWrite != 0 && val&mdicOpRead == 0:
		if err := c.phy[0].Set(reg, uint16(val&mdicDataMask)); err != nil {
			return val | mdicReady | mdicError
		}
		return val | mdicReady
	}
	return val | mdicReady | mdicError
}

func (c *core) MAC() *Registers[uint32] {
	return c.mac
}

func (c *core) PHY(page int) (*Registers[uint16], error) {
	if page < 0 || page >= len(c.phy) {
		return nil, errors.Wrapf(ErrOutOfRange, "PHY page %d", page)
	}
	return c.phy[page], nil
}

// MDICRead builds an MDIC value that reads PHY register reg.
func MDICRead(reg int) uint32 {
	return uint32(reg)<<mdicRegShift | mdicPHYAddr<<mdicPHYShift | mdicOpRead
}

// MDICWrite builds an MDIC value that writes v to PHY register reg.
func MDICWrite(reg int, v uint16) uint32 {
	return uint32(v) | uint32(reg)<<mdicRegShift | mdicPHYAddr<<mdicPHYShift | mdicOpWrite
}

// MDICData extracts the data field of a completed MDIC value.
func MDICData(v uint32) (uint16, bool) {
	return uint16(v & mdicDataMask), v&mdicReady != 0 && v&mdicError == 0
}

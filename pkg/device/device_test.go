package device

import (
	"errors"
	"net"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sriov-emu/pkg/engine"
	"sriov-emu/pkg/pci"
	"sriov-emu/pkg/platform"
	"sriov-emu/pkg/sriov"
)

var pfRID = pci.NewRoutingID(1, 0, 0)

// probeEngine wraps the reference engine to observe resets and inject
// construction failures.
type probeEngine struct {
	onReset func(name string)
	failAt  int
	calls   int
}

func (p *probeEngine) Construct(cfg engine.CoreConfig) (engine.Core, error) {
	p.calls++
	if p.failAt > 0 && p.calls == p.failAt {
		return nil, errors.New("injected construct failure")
	}
	c, err := engine.Default{}.Construct(cfg)
	if err != nil {
		return nil, err
	}
	return &probeCore{Core: c, name: cfg.Name, probe: p}, nil
}

type probeCore struct {
	engine.Core
	name  string
	probe *probeEngine
}

func (c *probeCore) Reset() {
	if c.probe.onReset != nil {
		c.probe.onReset(c.name)
	}
	c.Core.Reset()
}

func lookupClass(t *testing.T, name string) ClassConfig {
	t.Helper()
	c, err := BuiltinRegistry().Lookup(name)
	require.NoError(t, err)
	return c
}

func newTestDevice(t *testing.T, class ClassConfig, eng engine.Engine) (*Device, *platform.Bus) {
	t.Helper()
	if eng == nil {
		eng = engine.Default{}
	}
	mac, err := net.ParseMAC("52:54:00:12:34:56")
	require.NoError(t, err)
	bus := platform.NewBus()
	d, err := New(class, pfRID, eng, bus, WithName("nic0"), WithMAC(mac))
	require.NoError(t, err)
	return d, bus
}

func mmioWrite32(t *testing.T, bus *platform.Bus, addr uint64, v uint32) {
	t.Helper()
	data := make([]byte, 4)
	pci.PutValue(data, uint64(v))
	require.NoError(t, bus.WriteMMIO(addr, data))
}

func mmioRead32(t *testing.T, bus *platform.Bus, addr uint64) uint32 {
	t.Helper()
	data := make([]byte, 4)
	require.NoError(t, bus.ReadMMIO(addr, data))
	return uint32(pci.Value(data))
}

type capPos struct {
	ID     uint16
	Offset int
}

func walk(caps []pci.Capability) []capPos {
	var out []capPos
	for _, c := range caps {
		out = append(out, capPos{c.ID, c.Offset})
	}
	return out
}

func TestRealizeIGB(t *testing.T) {
	d, _ := newTestDevice(t, lookupClass(t, "igb"), nil)
	pf := d.PF()

	id := pf.Identity()
	assert.Equal(t, pci.VendorIntel, id.VendorID)
	assert.Equal(t, uint16(0x10C9), id.DeviceID)
	assert.Equal(t, pci.ClassEthernet, id.ClassCode)

	wantBARs := map[int]struct {
		size uint64
		typ  pci.AddressType
	}{
		pci.BARMMIO:  {131072, pci.AddressMem32},
		pci.BARFlash: {131072, pci.AddressMem32},
		pci.BARIO:    {32, pci.AddressIO},
		pci.BARMSIX:  {16384, pci.AddressMem32},
	}
	for idx, want := range wantBARs {
		b := pf.BARs.Get(idx)
		require.NotNil(t, b, "BAR%d", idx)
		assert.Equal(t, want.size, b.Size, "BAR%d size", idx)
		assert.Equal(t, want.typ, b.Type, "BAR%d type", idx)
	}

	std := []capPos{{pci.CapIDMSIX, 0xA0}, {pci.CapIDPowerManagement, 0xC8}, {pci.CapIDPCIExpress, 0xE0}}
	if diff := cmp.Diff(std, walk(pci.WalkStandard(pf.Config))); diff != "" {
		t.Errorf("standard capability list mismatch (-want +got):\n%s", diff)
	}
	ext := []capPos{
		{pci.ExtCapIDAER, 0x100},
		{pci.ExtCapIDDeviceSerialNumber, 0x140},
		{pci.ExtCapIDARI, 0x150},
		{pci.ExtCapIDSRIOV, 0x160},
	}
	if diff := cmp.Diff(ext, walk(pci.WalkExtended(pf.Config))); diff != "" {
		t.Errorf("extended capability list mismatch (-want +got):\n%s", diff)
	}

	cs, off := pf.Config, pf.sriovCap.Offset
	assert.Equal(t, uint16(8), cs.ReadU16(off+pci.SRIOVRegTotalVFs))
	assert.Equal(t, uint16(8), cs.ReadU16(off+pci.SRIOVRegInitialVFs))
	assert.Equal(t, uint16(0x80), cs.ReadU16(off+pci.SRIOVRegVFOffset))
	assert.Equal(t, uint16(2), cs.ReadU16(off+pci.SRIOVRegVFStride))
	assert.Equal(t, uint16(0x10CA), cs.ReadU16(off+pci.SRIOVRegVFDeviceID))
	assert.Zero(t, cs.ReadU16(off+pci.SRIOVRegNumVFs))
	assert.NotZero(t, pci.VFBAR(cs, pf.sriovCap, pci.BARMMIO))
	assert.NotZero(t, pci.VFBAR(cs, pf.sriovCap, pci.BARMSIX))

	assert.Equal(t, 9, pf.MSIX().Len())
	assert.Equal(t, uint16(8), cs.ReadU16(pf.msixCap.Offset+pci.MSIXRegControl)&0x7FF)

	// post-realize identity fixup
	phy, err := pf.Core().PHY(0)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x0141), phy.MustGet(engine.PHYID1))
	assert.Equal(t, uint16(0x0C00), phy.MustGet(engine.PHYID2))
}

func TestRealizeBaseController(t *testing.T) {
	d, _ := newTestDevice(t, lookupClass(t, "e1000e"), nil)
	pf := d.PF()

	assert.Equal(t, uint16(0x10D3), pf.Identity().DeviceID)
	assert.Nil(t, pf.Chain.Find(pci.ExtCapIDARI, true))
	assert.Nil(t, pf.Chain.Find(pci.ExtCapIDSRIOV, true))
	assert.Zero(t, d.TotalVFs())
	assert.True(t, errors.Is(d.Enable(1), ErrNoSRIOV))
	_, err := d.Query(0)
	assert.True(t, errors.Is(err, ErrNoSRIOV))

	phy, err := pf.Core().PHY(0)
	require.NoError(t, err)
	assert.Equal(t, uint16(engine.DefaultPHYID&0xFFFF), phy.MustGet(engine.PHYID2), "no fixup for the base variant")
	assert.NoError(t, d.ResetPF())
}

func TestEndToEndScenario(t *testing.T) {
	var vfsAtReset []int
	var d *Device
	probe := &probeEngine{}
	probe.onReset = func(name string) {
		if name == "igb@"+pfRID.String() {
			vfsAtReset = append(vfsAtReset, d.vfs.NumVFs())
		}
	}
	d, bus := newTestDevice(t, lookupClass(t, "igb"), probe)
	pf := d.PF()

	require.NoError(t, d.Enable(8))
	assert.Equal(t, 8, d.NumVFs())
	window := pci.VFBAR(pf.Config, pf.sriovCap, pci.BARMMIO)
	for i := 0; i < 8; i++ {
		vf, err := d.Query(i)
		require.NoError(t, err)
		assert.Equal(t, pfRID+0x80+pci.RoutingID(2*i), vf.RoutingID())
		assert.Equal(t, uint16(0x10CA), vf.Identity().DeviceID)
		assert.Equal(t, pf.MSIX().Len(), vf.MSIX().Len())

		assert.Nil(t, vf.BARs.Get(pci.BARFlash))
		assert.Nil(t, vf.BARs.Get(pci.BARIO))
		mmio := vf.BARs.Get(pci.BARMMIO)
		require.NotNil(t, mmio)
		assert.Equal(t, uint64(131072), mmio.Size)
		assert.Equal(t, pci.AddressMem64, mmio.Type)
		assert.Equal(t, window+uint64(i)*131072, mmio.Address)
		msix := vf.BARs.Get(pci.BARMSIX)
		require.NotNil(t, msix)
		assert.Equal(t, uint64(16384), msix.Size)

		ari := vf.Chain.Find(pci.ExtCapIDARI, true)
		require.NotNil(t, ari)
		assert.Equal(t, uint16(ariNextFunction)<<8, vf.Config.ReadU16(ari.Offset+pci.ARIRegCapability))
		assert.Nil(t, vf.Chain.Find(pci.ExtCapIDSRIOV, true))
	}
	assert.Len(t, bus.Functions(), 9)

	require.NoError(t, d.Disable())
	assert.Zero(t, d.NumVFs())
	for i := 0; i < 8; i++ {
		_, err := d.Query(i)
		assert.True(t, errors.Is(err, sriov.ErrNotFound), "VF%d", i)
	}
	assert.Equal(t, []pci.RoutingID{pfRID}, bus.Functions())

	mmioBase := pf.BARs.Get(pci.BARMMIO).Address
	mmioWrite32(t, bus, mmioBase+engine.RegSWSM, 0x3)
	require.NoError(t, d.ResetPF())

	assert.Equal(t, []int{0}, vfsAtReset)
	assert.Zero(t, mmioRead32(t, bus, mmioBase+engine.RegSWSM))
	assert.Zero(t, d.NumVFs())
}

func TestResetPFTearsDownVFsFirst(t *testing.T) {
	var vfsAtReset []int
	var d *Device
	probe := &probeEngine{}
	probe.onReset = func(name string) {
		if name == "igb@"+pfRID.String() {
			vfsAtReset = append(vfsAtReset, d.vfs.NumVFs())
		}
	}
	d, bus := newTestDevice(t, lookupClass(t, "igb"), probe)
	pf := d.PF()

	require.NoError(t, d.Enable(8))
	phy, err := pf.Core().PHY(0)
	require.NoError(t, err)
	require.NoError(t, phy.Set(engine.PHYID2, 0xFFFF))

	require.NoError(t, d.ResetPF())

	assert.Equal(t, []int{0}, vfsAtReset)
	assert.Zero(t, d.NumVFs())
	assert.Len(t, bus.Functions(), 1)
	ctrl := pf.Config.ReadU16(pf.sriovCap.Offset + pci.SRIOVRegControl)
	assert.Zero(t, ctrl&pci.SRIOVControlVFEnable)
	assert.Equal(t, uint16(0x0141), phy.MustGet(engine.PHYID1))
	assert.Equal(t, uint16(0x0C00), phy.MustGet(engine.PHYID2))
	assert.Equal(t, StateActive, pf.State())
}

func TestEnableWithDifferentCountKeepsVFs(t *testing.T) {
	d, _ := newTestDevice(t, lookupClass(t, "igb"), nil)

	require.NoError(t, d.Enable(4))
	before := d.Functions()

	err := d.Enable(2)
	assert.True(t, errors.Is(err, sriov.ErrAlreadyEnabled))
	assert.Equal(t, before, d.Functions())

	assert.NoError(t, d.Enable(4), "same count is a no-op")
	assert.Equal(t, before, d.Functions())

	assert.True(t, errors.Is(d.Enable(9), sriov.ErrFunctionLimitExceeded))
	assert.Equal(t, 4, d.NumVFs())
}

func TestVFRegistersNeverAlias(t *testing.T) {
	d, bus := newTestDevice(t, lookupClass(t, "igb"), nil)
	require.NoError(t, d.Enable(2))
	vf0, err := d.Query(0)
	require.NoError(t, err)
	vf1, err := d.Query(1)
	require.NoError(t, err)

	assert.NotSame(t, vf0.Core().MAC(), vf1.Core().MAC())
	assert.NotSame(t, d.PF().Core().MAC(), vf0.Core().MAC())

	mmioWrite32(t, bus, vf0.BARs.Get(pci.BARMMIO).Address+engine.RegSWSM, 0x1)
	assert.Equal(t, uint32(1), mmioRead32(t, bus, vf0.BARs.Get(pci.BARMMIO).Address+engine.RegSWSM))
	assert.Zero(t, mmioRead32(t, bus, vf1.BARs.Get(pci.BARMMIO).Address+engine.RegSWSM))
	assert.Zero(t, mmioRead32(t, bus, d.PF().BARs.Get(pci.BARMMIO).Address+engine.RegSWSM))
}

func TestResetVF(t *testing.T) {
	d, bus := newTestDevice(t, lookupClass(t, "igb"), nil)
	require.NoError(t, d.Enable(2))
	vf0, _ := d.Query(0)
	vf1, _ := d.Query(1)

	for _, vf := range []*Function{vf0, vf1} {
		mmioWrite32(t, bus, vf.BARs.Get(pci.BARMMIO).Address+engine.RegSWSM, 0x1)
		require.NoError(t, bus.ConfigWrite(vf.RID, vf.ariCap.Offset+pci.ARIRegControl, 2, 0x1))
	}
	msixBase := vf0.BARs.Get(pci.BARMSIX).Address
	mmioWrite32(t, bus, msixBase+12, 0)
	e, err := vf0.MSIX().Entry(0)
	require.NoError(t, err)
	require.False(t, e.Masked)

	require.NoError(t, d.ResetVF(0))

	assert.Zero(t, mmioRead32(t, bus, vf0.BARs.Get(pci.BARMMIO).Address+engine.RegSWSM))
	assert.Zero(t, vf0.Config.ReadU16(vf0.ariCap.Offset+pci.ARIRegControl))
	e, _ = vf0.MSIX().Entry(0)
	assert.True(t, e.Masked)

	// sibling untouched
	assert.Equal(t, uint32(1), mmioRead32(t, bus, vf1.BARs.Get(pci.BARMMIO).Address+engine.RegSWSM))
	assert.Equal(t, uint16(1), vf1.Config.ReadU16(vf1.ariCap.Offset+pci.ARIRegControl))
	assert.Equal(t, 2, d.NumVFs())

	assert.True(t, errors.Is(d.ResetVF(5), sriov.ErrNotFound))
}

func TestResettingFunctionObservedPanics(t *testing.T) {
	d, bus := newTestDevice(t, lookupClass(t, "igb"), nil)
	require.NoError(t, d.Enable(1))
	vf, _ := d.Query(0)

	vf.state = StateResetting
	defer func() { vf.state = StateActive }()

	assert.PanicsWithValue(t, ResetOrderingViolation{RID: vf.RID, Op: "config read"}, func() {
		_, _ = bus.ConfigRead(vf.RID, 0, 4)
	})
}

func TestCapabilityOverlapAbortsConstruction(t *testing.T) {
	class := lookupClass(t, "igb")
	class.SRIOVOffset = 0x140 // collides with the serial number capability

	bus := platform.NewBus()
	_, err := New(class, pfRID, engine.Default{}, bus)
	require.Error(t, err)

	var cerr *ConstructionError
	require.True(t, errors.As(err, &cerr))
	assert.True(t, errors.Is(err, pci.ErrConfigSpaceOverflow))
	assert.Empty(t, bus.Functions())
	assert.Empty(t, bus.Regions(pfRID))

	// nothing was left behind at the routing ID
	_, err = New(lookupClass(t, "igb"), pfRID, engine.Default{}, bus)
	assert.NoError(t, err)
}

func TestConstructionErrors(t *testing.T) {
	bus := platform.NewBus()
	first, err := New(lookupClass(t, "igb"), pfRID, engine.Default{}, bus)
	require.NoError(t, err)

	_, err = New(lookupClass(t, "e1000e"), pfRID, engine.Default{}, bus)
	assert.True(t, errors.Is(err, platform.ErrRoutingIDInUse))
	assert.Len(t, bus.Regions(first.RoutingID()), 4, "first device keeps its regions")

	_, err = New(lookupClass(t, "igb"), pci.RoutingID(0xFF80), engine.Default{}, bus)
	assert.True(t, errors.Is(err, sriov.ErrRoutingIDOverflow))

	_, err = New(lookupClass(t, "igbvf"), pci.NewRoutingID(3, 0, 0), engine.Default{}, bus)
	var cerr *ConstructionError
	assert.True(t, errors.As(err, &cerr))
}

func TestVFConstructionFailureRollsBack(t *testing.T) {
	// call 1 builds the PF core, the fourth call is VF2
	probe := &probeEngine{failAt: 4}
	d, bus := newTestDevice(t, lookupClass(t, "igb"), probe)

	err := d.Enable(8)
	require.Error(t, err)
	assert.Zero(t, d.NumVFs())
	assert.Equal(t, []pci.RoutingID{pfRID}, bus.Functions())
	assert.Empty(t, bus.Regions(pfRID+0x80))

	require.NoError(t, d.Enable(8))
	assert.Equal(t, 8, d.NumVFs())
}

func TestRemove(t *testing.T) {
	d, bus := newTestDevice(t, lookupClass(t, "igb"), nil)
	require.NoError(t, d.Enable(3))
	mmio := d.PF().BARs.Get(pci.BARMMIO).Address

	d.Remove()
	d.Remove()

	assert.Empty(t, bus.Functions())
	assert.True(t, errors.Is(bus.ReadMMIO(mmio, make([]byte, 4)), platform.ErrNoDevice))
	assert.True(t, errors.Is(d.Enable(1), ErrRemoved))
	assert.True(t, errors.Is(d.ResetPF(), ErrRemoved))
	assert.Equal(t, StateRemoved, d.PF().State())
}

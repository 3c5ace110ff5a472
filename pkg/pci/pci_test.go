package pci_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aerow7/corevm/pkg/irq"
	"github.com/aerow7/corevm/pkg/membus"
	"github.com/aerow7/corevm/pkg/pci"
)

type noopOps struct {
	reads  []uint64
	writes []uint64
}

func (o *noopOps) ReadBAR(bar int, offset uint64, width membus.Width) uint64 {
	o.reads = append(o.reads, offset)
	return 0
}
func (o *noopOps) WriteBAR(bar int, offset uint64, width membus.Width, value uint64) {
	o.writes = append(o.writes, offset)
}
func (o *noopOps) OnCommandChanged(old, new uint16)   {}
func (o *noopOps) OnBARReprogrammed(bar int, base uint64) {}

func newTestFunction(t *testing.T, bdf pci.BDF, hasIntx bool, pin irq.Pin, devNum int) (*pci.Function, *pci.Bus, *membus.IOBus, *membus.MMIOBus, *irq.Router) {
	t.Helper()
	router := irq.NewRouter(nil)
	ioBus := membus.NewIOBus()
	mmioBus := membus.NewMMIOBus()
	bus := pci.NewBus()
	bus.AttachTo(ioBus)

	fn := pci.NewFunction(pci.FunctionConfig{
		BDF:        bdf,
		VendorID:   0x8086,
		DeviceID:   0x7010,
		ClassCode:  0x01,
		Subclass:   0x01,
		HasIntx:    hasIntx,
		IntxPin:    pin,
	}, &noopOps{}, router, func() int { return devNum }, ioBus, mmioBus)
	bus.Register(fn)
	return fn, bus, ioBus, mmioBus, router
}

func cf8Write(io *membus.IOBus, enable bool, bdf pci.BDF, register uint8) {
	v := uint32(bdf.Bus)<<16 | uint32(bdf.Device)<<11 | uint32(bdf.Function)<<8 | uint32(register&0xFC)
	if enable {
		v |= 0x8000_0000
	}
	io.Write(pci.PortCF8, membus.Width32, v)
}

// readConfigByte performs a full config mechanism #1 cycle for a single
// byte at an arbitrary (non-dword-aligned) offset, as a real BIOS/driver
// would: the CF8 register field only carries the dword-aligned portion,
// and the remaining two bits select the byte lane via the CFC port.
func readConfigByte(io *membus.IOBus, bdf pci.BDF, offset uint8) uint32 {
	cf8Write(io, true, bdf, offset&0xFC)
	return io.Read(pci.PortCFC+uint16(offset&0x3), membus.Width8)
}

func TestConfigMechanism1RoundTrip(t *testing.T) {
	bdf := pci.BDF{Bus: 0, Device: 1, Function: 1}
	fn, _, ioBus, _, _ := newTestFunction(t, bdf, false, 0, 0)
	_ = fn

	cf8Write(ioBus, true, bdf, pci.OffVendorID)
	got := ioBus.Read(pci.PortCFC, membus.Width16)
	assert.Equal(t, uint32(0x8086), got)
}

func TestConfigUnassignedBDFReturnsAllOnes(t *testing.T) {
	bdf := pci.BDF{Bus: 0, Device: 1, Function: 1}
	_, _, ioBus, _, _ := newTestFunction(t, bdf, false, 0, 0)

	other := pci.BDF{Bus: 0, Device: 5, Function: 0}
	cf8Write(ioBus, true, other, 0)
	got := ioBus.Read(pci.PortCFC, membus.Width32)
	assert.Equal(t, uint32(0xFFFF_FFFF), got)
}

func TestBARSizingProtocol(t *testing.T) {
	bdf := pci.BDF{Bus: 0, Device: 2, Function: 0}
	fn, _, ioBus, _, _ := newTestFunction(t, bdf, false, 0, 0)
	fn.DeclareBAR(5, pci.BAR{Kind: pci.BARKindMMIO32, Size: 0x1000})

	cf8Write(ioBus, true, bdf, pci.OffBAR0+5*4)
	ioBus.Write(pci.PortCFC, membus.Width32, 0xFFFF_FFFF)

	cf8Write(ioBus, true, bdf, pci.OffBAR0+5*4)
	mask := ioBus.Read(pci.PortCFC, membus.Width32)
	require.Equal(t, uint32(0xFFFF_F000), mask&0xFFFF_FFF0)

	cf8Write(ioBus, true, bdf, pci.OffBAR0+5*4)
	ioBus.Write(pci.PortCFC, membus.Width32, 0xF000_0000)

	cf8Write(ioBus, true, bdf, pci.OffBAR0+5*4)
	got := ioBus.Read(pci.PortCFC, membus.Width32)
	assert.Equal(t, uint32(0xF000_0000), got)
}

func TestCapabilityListChainAndStatusBit(t *testing.T) {
	bdf := pci.BDF{Bus: 0, Device: 3, Function: 0}
	fn, _, ioBus, _, _ := newTestFunction(t, bdf, false, 0, 0)

	err := fn.SetCapabilities([]pci.Capability{
		{ID: 0x09, Body: make([]byte, 14)}, // COMMON_CFG-sized
		{ID: 0x09, Body: make([]byte, 14)}, // NOTIFY_CFG-sized
	})
	require.NoError(t, err)

	cf8Write(ioBus, true, bdf, pci.OffCapPtr)
	capPtr := ioBus.Read(pci.PortCFC, membus.Width8)
	assert.Equal(t, uint32(pci.FirstCapOffset), capPtr)

	cf8Write(ioBus, true, bdf, pci.OffStatus&0xFC)
	status := ioBus.Read(pci.PortCFC+uint16(pci.OffStatus&0x3), membus.Width16)
	assert.NotZero(t, status&uint32(pci.StatusCapList))

	firstNext := pci.FirstCapOffset + 2 + 14
	next := readConfigByte(ioBus, bdf, uint8(pci.FirstCapOffset+1))
	assert.Equal(t, uint32(firstNext), next)

	terminator := readConfigByte(ioBus, bdf, uint8(firstNext+1))
	assert.Zero(t, terminator)
}

func TestCommandGatesBARWindow(t *testing.T) {
	bdf := pci.BDF{Bus: 0, Device: 4, Function: 0}
	fn, _, ioBus, mmioBus, _ := newTestFunction(t, bdf, false, 0, 0)
	fn.DeclareBAR(0, pci.BAR{Kind: pci.BARKindMMIO32, Size: 0x1000})

	cf8Write(ioBus, true, bdf, pci.OffBAR0)
	ioBus.Write(pci.PortCFC, membus.Width32, 0xE000_0000)

	// COMMAND.Memory Space Enable is clear: MMIO window must not respond.
	assert.Equal(t, uint64(0xFFFF_FFFF), mmioBus.Read(0xE000_0000, membus.Width32))

	cf8Write(ioBus, true, bdf, pci.OffCommand)
	ioBus.Write(pci.PortCFC, membus.Width16, uint32(pci.CommandMemorySpace))

	assert.NotEqual(t, uint64(0xFFFF_FFFF), mmioBus.Read(0xE000_0000, membus.Width32))
}

func TestIntxSwizzleCanonicalGSIs(t *testing.T) {
	ir := irq.NewIntxRouter(irq.DefaultIntxRouterConfig())
	// Testable Properties #1: AHCI at 00:02.0 (dev=2) INTA -> GSI12; IDE at
	// 00:01.1 (dev=1) INTA -> GSI11; NVMe at 00:03.0 (dev=3) INTA -> GSI13.
	assert.Equal(t, 12, ir.GSIFor(irq.INTA, 2))
	assert.Equal(t, 11, ir.GSIFor(irq.INTA, 1))
	assert.Equal(t, 13, ir.GSIFor(irq.INTA, 3))
}

func TestIntxRaiseLowerWireOR(t *testing.T) {
	bdf := pci.BDF{Bus: 0, Device: 2, Function: 0}
	fn, _, _, _, router := newTestFunction(t, bdf, true, irq.INTA, 2)

	fn.RaiseIntx()
	assert.True(t, router.Asserted(irq.LineName(12)))
	fn.LowerIntx()
	assert.False(t, router.Asserted(irq.LineName(12)))
}

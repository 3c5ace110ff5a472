package pci

import (
	"github.com/aerow7/corevm/pkg/corelog"
	"github.com/aerow7/corevm/pkg/membus"
)

var log = corelog.For("pci")

// Port numbers for configuration mechanism #1.
const (
	PortCF8 = 0xCF8
	PortCFC = 0xCFC
)

// Bus implements PCI configuration mechanism #1: writes to 0xCF8 latch
// {enable, bus, dev, fn, register}; accesses to 0xCFC+(reg&3) perform the
// configuration cycle on the latched target. Accesses to unassigned BDFs
// return all-ones on read and are ignored on write.
type Bus struct {
	latched   configAddress
	functions map[BDF]*Function
}

// NewBus constructs an empty PCI bus. Map it onto an IOBus at PortCF8 (size
// 4) and PortCFC (size 4) so CPU port-I/O reaches it.
func NewBus() *Bus {
	return &Bus{functions: make(map[BDF]*Function)}
}

// AttachTo maps the bus's CF8/CFC windows onto ioBus.
func (b *Bus) AttachTo(ioBus *membus.IOBus) {
	ioBus.Map(PortCF8, 4, &cf8Adapter{bus: b})
	ioBus.Map(PortCFC, 4, &cfcAdapter{bus: b})
}

// Register installs fn at its own BDF. It is a programming error to
// register two functions at the same BDF; the second registration
// overwrites the first rather than panicking, since the topology is fixed
// at construction time and any collision is a machine-wiring bug that
// tests will catch immediately.
func (b *Bus) Register(fn *Function) {
	b.functions[fn.BDF()] = fn
	log.WithField("bdf", fn.BDF().String()).Debug("registered pci function")
}

// FunctionAt returns the function registered at bdf, if any.
func (b *Bus) FunctionAt(bdf BDF) (*Function, bool) {
	f, ok := b.functions[bdf]
	return f, ok
}

func (b *Bus) readCF8() uint32 { return b.latched.encode() }

func (b *Bus) writeCF8(v uint32) { b.latched = decodeConfigAddress(v) }

func (b *Bus) readCFC(subOffset uint8, width membus.Width) uint32 {
	if !b.latched.enable {
		return allOnesForWidth(width)
	}
	fn, ok := b.functions[b.latched.bdf]
	if !ok {
		return allOnesForWidth(width)
	}
	reg := b.latched.register + subOffset
	return fn.ConfigRead(reg, width)
}

func (b *Bus) writeCFC(subOffset uint8, width membus.Width, value uint32) {
	if !b.latched.enable {
		return
	}
	fn, ok := b.functions[b.latched.bdf]
	if !ok {
		return
	}
	reg := b.latched.register + subOffset
	fn.ConfigWrite(reg, width, value)
}

func allOnesForWidth(width membus.Width) uint32 {
	switch width {
	case membus.Width8:
		return 0xFF
	case membus.Width16:
		return 0xFFFF
	default:
		return 0xFFFF_FFFF
	}
}

type cf8Adapter struct{ bus *Bus }

func (a *cf8Adapter) IORead(port uint16, width membus.Width) uint32 {
	v := a.bus.readCF8()
	return shiftForWidth(v, int(port-PortCF8), width)
}
func (a *cf8Adapter) IOWrite(port uint16, width membus.Width, value uint32) {
	current := a.bus.readCF8()
	merged := mergeForWidth(current, value, int(port-PortCF8), width)
	a.bus.writeCF8(merged)
}

type cfcAdapter struct{ bus *Bus }

func (a *cfcAdapter) IORead(port uint16, width membus.Width) uint32 {
	return a.bus.readCFC(uint8(port-PortCFC), width)
}
func (a *cfcAdapter) IOWrite(port uint16, width membus.Width, value uint32) {
	a.bus.writeCFC(uint8(port-PortCFC), width, value)
}

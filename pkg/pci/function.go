package pci

import (
	"github.com/aerow7/corevm/pkg/irq"
	"github.com/aerow7/corevm/pkg/membus"
)

// Ops is the narrow capability trait a concrete device (IDE, AHCI, UHCI,
// virtio-pci, ...) implements so Function can route BAR accesses and
// COMMAND/BAR-reprogram notifications to it, replacing the deep
// inheritance a naive port would reach for ("PciFunctionOps
// capability trait").
type Ops interface {
	// ReadBAR/WriteBAR handle an access landing inside BAR index `bar` at
	// the given offset from that BAR's base.
	ReadBAR(bar int, offset uint64, width membus.Width) uint64
	WriteBAR(bar int, offset uint64, width membus.Width, value uint64)

	// OnCommandChanged notifies the device that COMMAND's gating bits
	// changed, in case it needs to stop in-flight DMA: once Bus Master
	// Enable is cleared, any further DMA attempt is a programming error
	// suppressed silently, so the device must consult Function.BMEEnabled
	// before each DMA; this hook is for bookkeeping only.
	OnCommandChanged(old, new uint16)

	// OnBARReprogrammed notifies the device that BAR `bar`'s base address
	// changed (the guest wrote a new value after the sizing probe).
	OnBARReprogrammed(bar int, base uint64)
}

// Function is one PCI function: its 256-byte config space, up to 6 BARs, a
// capability list, and an IrqSink handle for INTx.
type Function struct {
	bdf BDF
	cfg ConfigSpace
	ops Ops

	bars [6]*BAR
	cap  *CapabilityBuilder

	intxPin      irq.Pin
	hasIntx      bool
	intxSink     irq.Sink
	intxAsserted bool

	ioBus   *membus.IOBus
	mmioBus *membus.MMIOBus
}

// FunctionConfig describes the static identity of a function at
// construction time.
type FunctionConfig struct {
	BDF          BDF
	VendorID     uint16
	DeviceID     uint16
	ClassCode    uint8
	Subclass     uint8
	ProgIF       uint8
	RevisionID   uint8
	HeaderType   uint8 // set HeaderTypeMultiFunction for multifunction devices (e.g. PIIX3 ISA bridge)
	SubsysVendor uint16
	SubsysID     uint16
	// HasIntx/IntxPin declare legacy INTx use; devices with no INTx pin
	// (e.g. a function that only uses MSI-X) leave HasIntx false.
	HasIntx bool
	IntxPin irq.Pin
}

// NewFunction constructs a Function with its header fields populated and
// binds it to the given Ops. ioBus/mmioBus are the buses the function's
// BARs will map themselves onto once COMMAND enables them and the guest
// programs a base.
func NewFunction(fc FunctionConfig, ops Ops, intxRouter *irq.Router, deviceNumberForGSI func() int, ioBus *membus.IOBus, mmioBus *membus.MMIOBus) *Function {
	f := &Function{
		bdf:     fc.BDF,
		ops:     ops,
		ioBus:   ioBus,
		mmioBus: mmioBus,
		intxPin: fc.IntxPin,
		hasIntx: fc.HasIntx,
	}
	f.cfg.Write16(OffVendorID, fc.VendorID)
	f.cfg.Write16(OffDeviceID, fc.DeviceID)
	f.cfg.Write8(OffClassCode, fc.ClassCode)
	f.cfg.Write8(OffSubclass, fc.Subclass)
	f.cfg.Write8(OffProgIF, fc.ProgIF)
	f.cfg.Write8(OffRevisionID, fc.RevisionID)
	f.cfg.Write8(OffHeaderType, fc.HeaderType)
	f.cfg.Write16(OffSubsysVendor, fc.SubsysVendor)
	f.cfg.Write16(OffSubsysID, fc.SubsysID)
	if fc.HasIntx && intxRouter != nil {
		pinIdx := uint8(fc.IntxPin) + 1 // config space: 1=INTA..4=INTD, 0=none
		f.cfg.Write8(OffInterruptPin, pinIdx)
		ir := irq.NewIntxRouter(irq.DefaultIntxRouterConfig())
		gsi := ir.GSIFor(fc.IntxPin, deviceNumberForGSI())
		f.cfg.Write8(OffInterruptLine, uint8(gsi))
		f.intxSink = intxRouter.Line(irq.LineName(gsi), gsi)
	}
	return f
}

// BDF returns the function's fixed bus/device/function triple.
func (f *Function) BDF() BDF { return f.bdf }

// Config exposes the raw config space for devices that need to patch
// additional bytes the generic constructor does not model (e.g. a
// device-specific status bit pattern).
func (f *Function) Config() *ConfigSpace { return &f.cfg }

// SetCapabilities builds and installs the function's capability list.
func (f *Function) SetCapabilities(caps []Capability) error {
	b, err := Build(&f.cfg, caps)
	if err != nil {
		return err
	}
	f.cap = b
	return nil
}

// Capabilities returns the installed CapabilityBuilder, if any.
func (f *Function) Capabilities() *CapabilityBuilder { return f.cap }

// DeclareBAR registers BAR index `idx` with the given kind/size. The BAR
// starts unprogrammed (base=0) and unmapped; the guest must size it (write
// all-ones, read back) and then program a real base via a config write
// before it responds on the bus.
func (f *Function) DeclareBAR(idx int, bar BAR) {
	bar.index = idx
	f.bars[idx] = &bar
	if bar.Kind == BARKindMMIO64 {
		// The upper half occupies the next BAR slot and reads back as
		// reserved/no-probe on its own; callers must not also declare
		// idx+1.
	}
}

// Command returns the current COMMAND register value.
func (f *Function) Command() uint16 { return f.cfg.Read16(OffCommand) }

// MemoryEnabled reports whether COMMAND.Memory Space Enable is set.
func (f *Function) MemoryEnabled() bool { return f.Command()&CommandMemorySpace != 0 }

// IOEnabled reports whether COMMAND.IO Space Enable is set.
func (f *Function) IOEnabled() bool { return f.Command()&CommandIOSpace != 0 }

// BMEEnabled reports whether COMMAND.Bus Master Enable is set; devices must
// consult this before every DMA attempt.
func (f *Function) BMEEnabled() bool { return f.Command()&CommandBusMaster != 0 }

// IntxDisabled reports whether COMMAND.Interrupt Disable suppresses INTx
// assertion (the device still latches its internal status regardless).
func (f *Function) IntxDisabled() bool { return f.Command()&CommandInterruptDisable != 0 }

// RaiseIntx asserts the function's INTx line unless COMMAND.InterruptDisable
// is set (in which case the assertion is latched internally only: callers
// should still track their own pending-interrupt condition in STATUS but
// must not forward it onto the wire).
func (f *Function) RaiseIntx() {
	if !f.hasIntx || f.intxSink == nil {
		return
	}
	status := f.cfg.Read16(OffStatus)
	f.cfg.Write16(OffStatus, status|StatusInterrupt)
	if f.IntxDisabled() {
		return
	}
	if !f.intxAsserted {
		f.intxSink.Raise()
		f.intxAsserted = true
	}
}

// LowerIntx deasserts the function's INTx line (matching a prior RaiseIntx)
// and clears the latched STATUS bit.
func (f *Function) LowerIntx() {
	if !f.hasIntx || f.intxSink == nil {
		return
	}
	status := f.cfg.Read16(OffStatus)
	f.cfg.Write16(OffStatus, status&^StatusInterrupt)
	if f.intxAsserted {
		f.intxSink.Lower()
		f.intxAsserted = false
	}
}

// --- config cycle handling ---

// ConfigRead implements one 1/2/4-byte config-space read, handling BAR
// sizing readback generically; everything else is a plain ConfigSpace
// read.
func (f *Function) ConfigRead(off uint8, width membus.Width) uint32 {
	if bar, sub, ok := f.barAtOffset(off); ok {
		return f.readBARRegister(bar, sub, width)
	}
	switch width {
	case membus.Width8:
		return uint32(f.cfg.Read8(off))
	case membus.Width16:
		return uint32(f.cfg.Read16(off))
	default:
		return f.cfg.Read32(off)
	}
}

// ConfigWrite implements one 1/2/4-byte config-space write. Writes to
// read-only bytes (most of the header below COMMAND, and capability IDs)
// are silently ignored Failure.
func (f *Function) ConfigWrite(off uint8, width membus.Width, value uint32) {
	if bar, sub, ok := f.barAtOffset(off); ok {
		f.writeBARRegister(bar, sub, width, value)
		return
	}
	if off == OffCommand {
		old := f.cfg.Read16(OffCommand)
		const writable = CommandIOSpace | CommandMemorySpace | CommandBusMaster | CommandInterruptDisable
		newVal := (old &^ writable) | (uint16(value) & writable)
		f.cfg.Write16(OffCommand, newVal)
		f.ops.OnCommandChanged(old, newVal)
		f.remapAllBARs()
		return
	}
	if off == OffStatus {
		// Status bits here are RW1C (write-1-to-clear); only the
		// interrupt-pending software ack path uses this in practice.
		old := f.cfg.Read16(OffStatus)
		f.cfg.Write16(OffStatus, old&^uint16(value))
		return
	}
	if off < OffBAR0 || off >= FirstCapOffset {
		// Read-only identification fields and capability ID/next bytes:
		// silently ignored.
		return
	}
}

func (f *Function) barAtOffset(off uint8) (*BAR, int, bool) {
	if off < OffBAR0 || off >= OffBAR0+6*4 {
		return nil, 0, false
	}
	idx := int(off-OffBAR0) / 4
	sub := int(off-OffBAR0) % 4
	bar := f.bars[idx]
	if bar == nil {
		return nil, 0, false
	}
	if bar.Kind == BARKindMMIO64 && idx > 0 {
		if prev := f.bars[idx-1]; prev != nil && prev.Kind == BARKindMMIO64 {
			return prev, sub + 4, true
		}
	}
	return bar, sub, true
}

func (f *Function) readBARRegister(bar *BAR, sub int, width membus.Width) uint32 {
	var v uint32
	switch {
	case sub < 4:
		v = bar.rawLow()
	default:
		v = bar.rawHigh()
	}
	return shiftForWidth(v, sub%4, width)
}

func (f *Function) writeBARRegister(bar *BAR, sub int, width membus.Width, value uint32) {
	// Only full 32-bit writes are meaningful for BAR sizing/programming;
	// the guest BIOS/driver always performs dword accesses here. Partial
	// writes are folded in against the current raw value.
	isLow := sub < 4
	var current uint32
	if isLow {
		current = bar.rawLow()
	} else {
		current = bar.rawHigh()
	}
	merged := mergeForWidth(current, value, sub%4, width)

	if merged == 0xFFFF_FFFF {
		// Sizing probe: leave the BAR's base untouched, just remember that
		// the next read should report the size mask. We model this by not
		// changing base at all (size is static per BAR); subsequent reads
		// return size via rawLow/High only if we track "probing" state.
		f.probeBAR(bar, isLow)
		return
	}
	f.programBAR(bar, isLow, merged)
}

// probeBAR marks that the guest wrote all-ones to probe this BAR's size;
// the next read of that half returns the size mask.
func (f *Function) probeBAR(bar *BAR, low bool) {
	if low {
		bar.probingLow = true
	} else {
		bar.probingHigh = true
	}
}

func (f *Function) programBAR(bar *BAR, low bool, value uint32) {
	if low {
		bar.probingLow = false
	} else {
		bar.probingHigh = false
	}
	if low {
		newBase := (uint64(bar.base) &^ 0xFFFF_FFFF) | uint64(value&^0xF)
		if bar.Kind == BARKindIO {
			newBase = (uint64(bar.base) &^ 0xFFFF_FFFF) | uint64(value&^0x3)
		}
		bar.base = newBase
	} else {
		bar.base = (uint64(value) << 32) | (bar.base & 0xFFFF_FFFF)
	}
	f.remapBAR(bar)
	f.ops.OnBARReprogrammed(bar.index, bar.base)
}

func shiftForWidth(v uint32, byteOff int, width membus.Width) uint32 {
	shifted := v >> (8 * byteOff)
	switch width {
	case membus.Width8:
		return shifted & 0xFF
	case membus.Width16:
		return shifted & 0xFFFF
	default:
		return shifted
	}
}

func mergeForWidth(current, value uint32, byteOff int, width membus.Width) uint32 {
	switch width {
	case membus.Width32:
		return value
	case membus.Width16:
		mask := uint32(0xFFFF) << (8 * byteOff)
		return (current &^ mask) | ((value << (8 * byteOff)) & mask)
	default:
		mask := uint32(0xFF) << (8 * byteOff)
		return (current &^ mask) | ((value << (8 * byteOff)) & mask)
	}
}

// --- BAR-to-bus mapping ---

func (f *Function) remapAllBARs() {
	for _, bar := range f.bars {
		if bar != nil {
			f.remapBAR(bar)
		}
	}
}

func (f *Function) remapBAR(bar *BAR) {
	if bar.Kind == BARKindIO {
		f.ioBus.Unmap(uint16(bar.base))
		if f.IOEnabled() && bar.base != 0 {
			f.ioBus.Map(uint16(bar.base), uint16(bar.Size), &barPortAdapter{f: f, bar: bar})
		}
		return
	}
	f.mmioBus.Unmap(bar.base)
	if f.MemoryEnabled() && bar.base != 0 {
		size := uint64(bar.Size)
		if bar.Kind == BARKindMMIO64 {
			size = bar.Size64
		}
		f.mmioBus.Map(bar.base, size, &barMMIOAdapter{f: f, bar: bar})
	}
}

type barPortAdapter struct {
	f   *Function
	bar *BAR
}

func (a *barPortAdapter) IORead(port uint16, width membus.Width) uint32 {
	return uint32(a.f.ops.ReadBAR(a.bar.index, uint64(port)-a.bar.base, width))
}
func (a *barPortAdapter) IOWrite(port uint16, width membus.Width, value uint32) {
	a.f.ops.WriteBAR(a.bar.index, uint64(port)-a.bar.base, width, uint64(value))
}

type barMMIOAdapter struct {
	f   *Function
	bar *BAR
}

func (a *barMMIOAdapter) MMIORead(gpa uint64, width membus.Width) uint64 {
	return a.f.ops.ReadBAR(a.bar.index, gpa-a.bar.base, width)
}
func (a *barMMIOAdapter) MMIOWrite(gpa uint64, width membus.Width, value uint64) {
	a.f.ops.WriteBAR(a.bar.index, gpa-a.bar.base, width, value)
}

// Package membus implements the guest-physical memory bus (with a DMA
// accessor devices use for scatter-gather transfers) and the port-I/O /
// MMIO dispatch buses, including the bounds-checked DMA path virtio
// devices rely on.
package membus

import (
	"github.com/aerow7/corevm/pkg/corerr"
	"github.com/pkg/errors"
)

// RAM is the guest-physical memory bus. It is a flat byte slice today;
// devices never hold a reference to the backing slice directly, only to a
// *RAM, so bounds checks are centralized.
type RAM struct {
	bytes []byte
}

// NewRAM allocates a zero-filled guest-physical address space of the given
// size.
func NewRAM(size uint64) *RAM {
	return &RAM{bytes: make([]byte, size)}
}

// Size returns the guest RAM size in bytes.
func (m *RAM) Size() uint64 { return uint64(len(m.bytes)) }

func (m *RAM) bounds(addr uint64, length int) error {
	if length < 0 {
		return errors.Wrap(corerr.ErrGuestDMAOutOfRange, "negative length")
	}
	end := addr + uint64(length)
	if length != 0 && end < addr {
		return errors.Wrap(corerr.ErrGuestDMAOutOfRange, "address overflow")
	}
	if end > uint64(len(m.bytes)) {
		return errors.Wrapf(corerr.ErrGuestDMAOutOfRange, "addr=%#x len=%d size=%#x", addr, length, len(m.bytes))
	}
	return nil
}

// ReadAt performs a DMA read of len(dst) bytes starting at addr. It bounds
// checks the whole access against guest RAM and supports 64-bit addresses.
func (m *RAM) ReadAt(addr uint64, dst []byte) error {
	if err := m.bounds(addr, len(dst)); err != nil {
		return err
	}
	copy(dst, m.bytes[addr:addr+uint64(len(dst))])
	return nil
}

// WriteAt performs a DMA write of src into guest RAM starting at addr. It
// bounds checks the whole access against guest RAM and supports 64-bit
// addresses.
func (m *RAM) WriteAt(addr uint64, src []byte) error {
	if err := m.bounds(addr, len(src)); err != nil {
		return err
	}
	copy(m.bytes[addr:addr+uint64(len(src))], src)
	return nil
}

// Slice returns a direct, bounds-checked view into guest RAM for devices
// that need to scan/patch in place (e.g. ring structures) rather than
// copy. Callers must not retain the slice past the current scheduler tick.
func (m *RAM) Slice(addr uint64, length int) ([]byte, error) {
	if err := m.bounds(addr, length); err != nil {
		return nil, err
	}
	return m.bytes[addr : addr+uint64(length)], nil
}

// Width is an access width in bytes: 1, 2, 4, or 8.
type Width int

const (
	Width8  Width = 1
	Width16 Width = 2
	Width32 Width = 4
	Width64 Width = 8
)

// PortDevice answers port-mapped I/O for a decoded window.
type PortDevice interface {
	IORead(port uint16, width Width) uint32
	IOWrite(port uint16, width Width, value uint32)
}

// MMIODevice answers memory-mapped I/O for a decoded window.
type MMIODevice interface {
	MMIORead(gpa uint64, width Width) uint64
	MMIOWrite(gpa uint64, width Width, value uint64)
}

type ioWindow struct {
	base, size uint16
	dev        PortDevice
}

type mmioWindow struct {
	base, size uint64
	dev        MMIODevice
}

// IOBus decodes CPU port-I/O accesses to the device whose window contains
// the port. Accesses outside any decoded window return all-ones on read
// and discard writes.
type IOBus struct {
	windows []ioWindow
}

// NewIOBus constructs an empty port-I/O bus.
func NewIOBus() *IOBus { return &IOBus{} }

// Map registers dev as the handler for [base, base+size).
func (b *IOBus) Map(base, size uint16, dev PortDevice) {
	b.windows = append(b.windows, ioWindow{base: base, size: size, dev: dev})
}

// Unmap removes a previously registered window at base.
func (b *IOBus) Unmap(base uint16) {
	out := b.windows[:0]
	for _, w := range b.windows {
		if w.base != base {
			out = append(out, w)
		}
	}
	b.windows = out
}

func (b *IOBus) find(port uint16) PortDevice {
	for _, w := range b.windows {
		if port >= w.base && uint32(port) < uint32(w.base)+uint32(w.size) {
			return w.dev
		}
	}
	return nil
}

// Read performs a port-I/O read, returning all-ones if the port is
// unassigned.
func (b *IOBus) Read(port uint16, width Width) uint32 {
	dev := b.find(port)
	if dev == nil {
		return allOnes(width)
	}
	return dev.IORead(port, width)
}

// Write performs a port-I/O write, discarding it silently if the port is
// unassigned.
func (b *IOBus) Write(port uint16, width Width, value uint32) {
	dev := b.find(port)
	if dev == nil {
		return
	}
	dev.IOWrite(port, width, value)
}

// MMIOBus decodes CPU memory-mapped-I/O accesses to the device whose BAR
// window contains the guest-physical address. Unassigned addresses behave
// like IOBus: all-ones on read, discarded writes.
type MMIOBus struct {
	windows []mmioWindow
}

// NewMMIOBus constructs an empty MMIO bus.
func NewMMIOBus() *MMIOBus { return &MMIOBus{} }

// Map registers dev as the handler for [base, base+size).
func (b *MMIOBus) Map(base, size uint64, dev MMIODevice) {
	b.windows = append(b.windows, mmioWindow{base: base, size: size, dev: dev})
}

// Unmap removes a previously registered window at base.
func (b *MMIOBus) Unmap(base uint64) {
	out := b.windows[:0]
	for _, w := range b.windows {
		if w.base != base {
			out = append(out, w)
		}
	}
	b.windows = out
}

func (b *MMIOBus) find(addr uint64) (mmioWindow, bool) {
	for _, w := range b.windows {
		if addr >= w.base && addr < w.base+w.size {
			return w, true
		}
	}
	return mmioWindow{}, false
}

// Read performs an MMIO read, returning all-ones if the address is
// unassigned.
func (b *MMIOBus) Read(addr uint64, width Width) uint64 {
	w, ok := b.find(addr)
	if !ok {
		return uint64(allOnes(width))
	}
	return w.dev.MMIORead(addr, width)
}

// Write performs an MMIO write, discarding it silently if the address is
// unassigned.
func (b *MMIOBus) Write(addr uint64, width Width, value uint64) {
	w, ok := b.find(addr)
	if !ok {
		return
	}
	w.dev.MMIOWrite(addr, width, value)
}

func allOnes(width Width) uint32 {
	switch width {
	case Width8:
		return 0xFF
	case Width16:
		return 0xFFFF
	default:
		return 0xFFFFFFFF
	}
}

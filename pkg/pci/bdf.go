// Package pci implements the PCI configuration mechanism #1 bus, BAR
// sizing/programming, capability-list construction, COMMAND gating, and the
// INTx PIRQ/GSI router.
package pci

import "fmt"

// BDF identifies a PCI function by its (bus, device, function) triple.
// Device is 5 bits (0-31), Function is 3 bits (0-7); values outside that
// range are a programming error by the caller constructing the topology.
type BDF struct {
	Bus      uint8
	Device   uint8
	Function uint8
}

// String renders the BDF in the conventional "bb:dd.f" form.
func (b BDF) String() string {
	return fmt.Sprintf("%02x:%02x.%x", b.Bus, b.Device, b.Function)
}

// configAddress is the 32-bit value latched by a write to port 0xCF8.
type configAddress struct {
	enable   bool
	bdf      BDF
	register uint8
}

func decodeConfigAddress(v uint32) configAddress {
	return configAddress{
		enable: v&0x8000_0000 != 0,
		bdf: BDF{
			Bus:      uint8((v >> 16) & 0xFF),
			Device:   uint8((v >> 11) & 0x1F),
			Function: uint8((v >> 8) & 0x07),
		},
		register: uint8(v & 0xFC),
	}
}

func (a configAddress) encode() uint32 {
	v := uint32(a.bdf.Bus)<<16 | uint32(a.bdf.Device)<<11 | uint32(a.bdf.Function)<<8 | uint32(a.register)
	if a.enable {
		v |= 0x8000_0000
	}
	return v
}

package pci

import "github.com/aerow7/corevm/pkg/corerr"

// Capability describes one entry to place in the function's capability
// list. ID is the PCI capability ID (e.g. 0x09 for vendor-specific, used by
// virtio-pci's four capability windows); Body is the capability's payload
// bytes following the standard 2-byte (id, next) header.
type Capability struct {
	ID   uint8
	Body []byte
}

// CapabilityBuilder places an ordered list of capabilities starting at
// pci.FirstCapOffset, patches each entry's `next` pointer to form a
// singly-linked list terminated by next=0, and sets Status[4] (capability
// list present) on the owning ConfigSpace. It does not itself know about
// BARs or COMMAND; it only touches the capability-chain bytes. Factoring it
// out keeps the capability-list bookkeeping testable and reusable across
// every device (PIIX3, AHCI, virtio-pci, xHCI's xECP chain) that declares
// one.
type CapabilityBuilder struct {
	offsets map[uint8]uint8 // capability ID -> offset assigned, for devices that need to know where their own capability landed
}

// Build writes caps into cfg starting at FirstCapOffset, returns the
// resulting CapabilityBuilder (queryable via OffsetOf) and an error if the
// capability chain would overflow the 256-byte config space.
func Build(cfg *ConfigSpace, caps []Capability) (*CapabilityBuilder, error) {
	b := &CapabilityBuilder{offsets: make(map[uint8]uint8, len(caps))}
	if len(caps) == 0 {
		return b, nil
	}
	offset := uint8(FirstCapOffset)
	for i, cap := range caps {
		entryLen := 2 + len(cap.Body)
		if int(offset)+entryLen > ConfigSpaceSize {
			return nil, corerr.ErrCapabilityListCorrupt
		}
		cfg.Write8(offset, cap.ID)
		nextOffset := uint8(0)
		if i != len(caps)-1 {
			nextOffset = offset + uint8(entryLen)
		}
		cfg.Write8(offset+1, nextOffset)
		for j, by := range cap.Body {
			cfg.Write8(offset+2+uint8(j), by)
		}
		b.offsets[cap.ID] = offset
		offset += uint8(entryLen)
	}
	cfg.Write8(OffCapPtr, FirstCapOffset)
	status := cfg.Read16(OffStatus)
	cfg.Write16(OffStatus, status|StatusCapList)
	return b, nil
}

// OffsetOf returns the config-space offset assigned to the capability with
// the given ID, and whether it was found.
func (b *CapabilityBuilder) OffsetOf(id uint8) (uint8, bool) {
	off, ok := b.offsets[id]
	return off, ok
}

// Standard capability IDs referenced by this core.
const (
	CapIDVendorSpecific uint8 = 0x09
	CapIDMSIX           uint8 = 0x11
)

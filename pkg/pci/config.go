package pci

// Config-space byte offsets used throughout this package (PCI 3.0 type-0
// header).
const (
	OffVendorID      = 0x00
	OffDeviceID      = 0x02
	OffCommand       = 0x04
	OffStatus        = 0x06
	OffRevisionID    = 0x08
	OffProgIF        = 0x09
	OffSubclass      = 0x0A
	OffClassCode     = 0x0B
	OffCacheLineSize = 0x0C
	OffHeaderType    = 0x0E
	OffBAR0          = 0x10
	OffCapPtr        = 0x34
	OffInterruptLine = 0x3C
	OffInterruptPin  = 0x3D
	OffSubsysVendor  = 0x2C
	OffSubsysID      = 0x2E

	FirstCapOffset = 0x40
	ConfigSpaceSize = 256
)

// COMMAND register bits.
const (
	CommandIOSpace       uint16 = 1 << 0
	CommandMemorySpace   uint16 = 1 << 1
	CommandBusMaster     uint16 = 1 << 2
	CommandInterruptDisable uint16 = 1 << 10
)

// STATUS register bits.
const (
	StatusCapList      uint16 = 1 << 4
	StatusInterrupt    uint16 = 1 << 3
)

// HeaderType bits.
const (
	HeaderTypeBridge        uint8 = 0x01
	HeaderTypeMultiFunction uint8 = 0x80
)

// ConfigSpace is the 256-byte register file of one PCI function. BAR sizes
// and capability offsets are kept by Function and CapabilityBuilder, not
// here.
type ConfigSpace struct {
	bytes [ConfigSpaceSize]byte
}

// Read8/16/32 perform width-appropriate little-endian reads of raw config
// space bytes. Readers beyond the 256-byte space are a caller bug (the Bus
// never calls with such an offset).
func (c *ConfigSpace) Read8(off uint8) uint8 { return c.bytes[off] }

func (c *ConfigSpace) Read16(off uint8) uint16 {
	return uint16(c.bytes[off]) | uint16(c.bytes[off+1])<<8
}

func (c *ConfigSpace) Read32(off uint8) uint32 {
	return uint32(c.bytes[off]) | uint32(c.bytes[off+1])<<8 |
		uint32(c.bytes[off+2])<<16 | uint32(c.bytes[off+3])<<24
}

func (c *ConfigSpace) Write8(off uint8, v uint8) { c.bytes[off] = v }

func (c *ConfigSpace) Write16(off uint8, v uint16) {
	c.bytes[off] = byte(v)
	c.bytes[off+1] = byte(v >> 8)
}

func (c *ConfigSpace) Write32(off uint8, v uint32) {
	c.bytes[off] = byte(v)
	c.bytes[off+1] = byte(v >> 8)
	c.bytes[off+2] = byte(v >> 16)
	c.bytes[off+3] = byte(v >> 24)
}

// Raw exposes the backing array for capability-list patching and test
// assertions. Mutating it bypasses read-only-bit enforcement; only the
// Function's own setup code and CapabilityBuilder should use it.
func (c *ConfigSpace) Raw() *[ConfigSpaceSize]byte { return &c.bytes }

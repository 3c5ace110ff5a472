// Package ide implements the PIIX3 IDE/ATAPI controller: legacy command/
// control I/O ports, the ATA and ATAPI command pipes, and the per-channel
// state machines.
package ide

// DiskBackend is the abstract random-access block device an ATA slot reads
// and writes. Sector size is fixed at 512 bytes.
type DiskBackend interface {
	ReadSectors(lba uint64, dst []byte) error
	WriteSectors(lba uint64, src []byte) error
	Flush() error
	SectorCount() uint64
}

// IsoBackend is the read-only 2048-byte-sector image an ATAPI slot serves.
type IsoBackend interface {
	ReadSector(lba uint64, dst []byte) error
	SectorCount() uint64
}

package ahci_test

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aerow7/corevm/pkg/ahci"
	"github.com/aerow7/corevm/pkg/ide"
	"github.com/aerow7/corevm/pkg/irq"
	"github.com/aerow7/corevm/pkg/membus"
	"github.com/aerow7/corevm/pkg/pci"
	"github.com/aerow7/corevm/pkg/snapshot"
)

type fakeDisk struct {
	sectors [][512]byte
}

func newFakeDisk(n int) *fakeDisk { return &fakeDisk{sectors: make([][512]byte, n)} }

func (d *fakeDisk) ReadSectors(lba uint64, dst []byte) error {
	for i := 0; i < len(dst)/512; i++ {
		copy(dst[i*512:(i+1)*512], d.sectors[lba+uint64(i)][:])
	}
	return nil
}

func (d *fakeDisk) WriteSectors(lba uint64, src []byte) error {
	for i := 0; i < len(src)/512; i++ {
		copy(d.sectors[lba+uint64(i)][:], src[i*512:(i+1)*512])
	}
	return nil
}

func (d *fakeDisk) Flush() error        { return nil }
func (d *fakeDisk) SectorCount() uint64 { return uint64(len(d.sectors)) }

func newTestController(backend ide.DiskBackend) (*ahci.Controller, *membus.RAM) {
	mem := membus.NewRAM(1 << 20)
	router := irq.NewRouter(nil)
	ioBus := membus.NewIOBus()
	mmioBus := membus.NewMMIOBus()
	bdf := pci.BDF{Bus: 0, Device: 2, Function: 0}
	c := ahci.New(bdf, router, ioBus, mmioBus, mem, backend)
	return c, mem
}

func TestCapReportsOnePortAnd64BitAddressing(t *testing.T) {
	c, _ := newTestController(newFakeDisk(16))
	capReg := c.ReadBAR(5, ahci.RegCAP, membus.Width32)
	assert.Zero(t, capReg&0x1F, "NP field is 0's based: one port")
	assert.NotZero(t, capReg&(1<<31), "HBA must advertise 64-bit addressing")
}

func TestGhcResetClearsState(t *testing.T) {
	c, _ := newTestController(newFakeDisk(16))
	c.WriteBAR(5, ahci.RegGHC, membus.Width32, ahci.GHCAE|ahci.GHCIE)
	assert.EqualValues(t, ahci.GHCAE|ahci.GHCIE, c.ReadBAR(5, ahci.RegGHC, membus.Width32))

	c.WriteBAR(5, ahci.RegGHC, membus.Width32, ahci.GHCHR)
	assert.Zero(t, c.ReadBAR(5, ahci.RegGHC, membus.Width32))
	assert.EqualValues(t, ahci.SigATA, c.ReadBAR(5, ahci.PortBase+ahci.PxSIG, membus.Width32))
}

func TestPortCLBMasksLowBits(t *testing.T) {
	c, _ := newTestController(newFakeDisk(16))
	c.WriteBAR(5, ahci.PortBase+ahci.PxCLB, membus.Width32, 0x1000+0x3)
	assert.EqualValues(t, 0x1000, c.ReadBAR(5, ahci.PortBase+ahci.PxCLB, membus.Width32))
}

func TestProcessCommandsReadSector(t *testing.T) {
	disk := newFakeDisk(16)
	for i := range disk.sectors[3] {
		disk.sectors[3][i] = byte(i)
	}
	c, mem := newTestController(disk)

	const clb = 0x2000
	const ctba = 0x3000
	const prdtBase = ctba + 0x80
	const dataAddr = 0x5000

	// Command header: PRDTL=1, CFIS length 5 dwords, CTBA at ctba.
	var hdr [16]byte
	binary.LittleEndian.PutUint32(hdr[0:4], 1<<16|5)
	binary.LittleEndian.PutUint32(hdr[8:12], ctba)
	require.NoError(t, mem.WriteAt(clb, hdr[:]))

	// CFIS: Register H2D FIS, command 0x25 (READ DMA EXT), LBA 3.
	cfis := make([]byte, 20)
	cfis[2] = 0x25
	cfis[4] = 3
	cfis[12] = 1 // count=1
	require.NoError(t, mem.WriteAt(ctba, cfis))

	// PRDT entry: one 512-byte buffer at dataAddr.
	var prdt [16]byte
	binary.LittleEndian.PutUint32(prdt[0:4], dataAddr)
	binary.LittleEndian.PutUint32(prdt[12:16], 511) // byte count - 1
	require.NoError(t, mem.WriteAt(prdtBase, prdt[:]))

	c.WriteBAR(5, ahci.PortBase+ahci.PxCLB, membus.Width32, clb)
	c.WriteBAR(5, ahci.RegGHC, membus.Width32, ahci.GHCAE)
	c.WriteBAR(5, ahci.PortBase+ahci.PxCMD, membus.Width32, ahci.CmdST)
	c.WriteBAR(5, ahci.PortBase+ahci.PxCI, membus.Width32, 1)

	got := make([]byte, 512)
	require.NoError(t, mem.ReadAt(dataAddr, got))
	assert.Equal(t, disk.sectors[3][:], got)
	assert.Zero(t, c.ReadBAR(5, ahci.PortBase+ahci.PxCI, membus.Width32), "slot cleared after dispatch")
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	c, _ := newTestController(newFakeDisk(16))
	c.WriteBAR(5, ahci.RegGHC, membus.Width32, ahci.GHCAE)
	c.WriteBAR(5, ahci.PortBase+ahci.PxCLB, membus.Width32, 0x4000)

	rec := c.Snapshot()
	assert.Equal(t, snapshot.IDAhci, rec.ID)

	c2, _ := newTestController(newFakeDisk(16))
	require.NoError(t, c2.Restore(rec))
	assert.Equal(t, c.ReadBAR(5, ahci.RegGHC, membus.Width32), c2.ReadBAR(5, ahci.RegGHC, membus.Width32))
	assert.Equal(t, c.ReadBAR(5, ahci.PortBase+ahci.PxCLB, membus.Width32), c2.ReadBAR(5, ahci.PortBase+ahci.PxCLB, membus.Width32))
}

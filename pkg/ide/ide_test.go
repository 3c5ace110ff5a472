package ide_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aerow7/corevm/pkg/ide"
	"github.com/aerow7/corevm/pkg/irq"
	"github.com/aerow7/corevm/pkg/membus"
	"github.com/aerow7/corevm/pkg/pci"
)

// memDisk is a trivial in-memory DiskBackend for exercising the ATA
// read/write path without a real file.
type memDisk struct {
	sectors [][]byte
}

func newMemDisk(n int) *memDisk {
	d := &memDisk{sectors: make([][]byte, n)}
	for i := range d.sectors {
		d.sectors[i] = make([]byte, ide.ATASectorSize)
	}
	return d
}

func (d *memDisk) ReadSectors(lba uint64, dst []byte) error {
	n := len(dst) / ide.ATASectorSize
	for i := 0; i < n; i++ {
		copy(dst[i*ide.ATASectorSize:], d.sectors[lba+uint64(i)])
	}
	return nil
}

func (d *memDisk) WriteSectors(lba uint64, src []byte) error {
	n := len(src) / ide.ATASectorSize
	for i := 0; i < n; i++ {
		copy(d.sectors[lba+uint64(i)], src[i*ide.ATASectorSize:(i+1)*ide.ATASectorSize])
	}
	return nil
}

func (d *memDisk) Flush() error       { return nil }
func (d *memDisk) SectorCount() uint64 { return uint64(len(d.sectors)) }

type memISO struct {
	sectors [][]byte
}

func newMemISO(n int) *memISO {
	d := &memISO{sectors: make([][]byte, n)}
	for i := range d.sectors {
		d.sectors[i] = make([]byte, ide.ATAPISectorSize)
	}
	return d
}

func (d *memISO) ReadSector(lba uint64, dst []byte) error {
	copy(dst, d.sectors[lba])
	return nil
}
func (d *memISO) SectorCount() uint64 { return uint64(len(d.sectors)) }

func newTestController(t *testing.T) (*ide.Controller, *membus.IOBus) {
	t.Helper()
	router := irq.NewRouter(nil)
	ioBus := membus.NewIOBus()
	mmioBus := membus.NewMMIOBus()
	primary := router.Line(irq.LineName(14), 14)
	secondary := router.Line(irq.LineName(15), 15)
	c := ide.New(pci.BDF{Bus: 0, Device: 1, Function: 1}, router, ioBus, mmioBus, primary, secondary)
	return c, ioBus
}

func selectMaster(io *membus.IOBus, base uint16) {
	io.Write(base+ide.RegDriveHead, membus.Width8, 0xA0)
}

func writeReg(io *membus.IOBus, base uint16, reg int, v uint32) {
	io.Write(base+uint16(reg), membus.Width8, v)
}

func readReg(io *membus.IOBus, base uint16, reg int) uint32 {
	return io.Read(base+uint16(reg), membus.Width8)
}

func TestIdentifyThenLBA28RoundTrip(t *testing.T) {
	c, io := newTestController(t)
	disk := newMemDisk(64)
	c.AttachPrimaryMasterATA(disk)

	selectMaster(io, ide.PrimaryCmdBase)
	writeReg(io, ide.PrimaryCmdBase, ide.RegStatusCmd, ide.CmdIdentify)
	status := readReg(io, ide.PrimaryCmdBase, ide.RegStatusCmd)
	require.NotZero(t, status&ide.StatusDRQ)

	word0 := io.Read(ide.PrimaryCmdBase+ide.RegData, membus.Width16)
	assert.Equal(t, uint32(0x0040), word0)

	// Drain the rest of the 512-byte IDENTIFY block.
	for i := 0; i < 255; i++ {
		io.Read(ide.PrimaryCmdBase+ide.RegData, membus.Width16)
	}

	writePattern := make([]byte, ide.ATASectorSize)
	for i := range writePattern {
		writePattern[i] = byte(i)
	}

	selectMaster(io, ide.PrimaryCmdBase)
	writeReg(io, ide.PrimaryCmdBase, ide.RegSectorCount, 1)
	writeReg(io, ide.PrimaryCmdBase, ide.RegLBALow, 5)
	writeReg(io, ide.PrimaryCmdBase, ide.RegLBAMid, 0)
	writeReg(io, ide.PrimaryCmdBase, ide.RegLBAHigh, 0)
	writeReg(io, ide.PrimaryCmdBase, ide.RegStatusCmd, ide.CmdWriteSectors)
	for i := 0; i < ide.ATASectorSize/2; i++ {
		w := uint32(writePattern[2*i]) | uint32(writePattern[2*i+1])<<8
		io.Write(ide.PrimaryCmdBase+ide.RegData, membus.Width16, w)
	}

	selectMaster(io, ide.PrimaryCmdBase)
	writeReg(io, ide.PrimaryCmdBase, ide.RegSectorCount, 1)
	writeReg(io, ide.PrimaryCmdBase, ide.RegLBALow, 5)
	writeReg(io, ide.PrimaryCmdBase, ide.RegLBAMid, 0)
	writeReg(io, ide.PrimaryCmdBase, ide.RegLBAHigh, 0)
	writeReg(io, ide.PrimaryCmdBase, ide.RegStatusCmd, ide.CmdReadSectors)

	readBack := make([]byte, ide.ATASectorSize)
	for i := 0; i < ide.ATASectorSize/2; i++ {
		w := io.Read(ide.PrimaryCmdBase+ide.RegData, membus.Width16)
		readBack[2*i] = byte(w)
		readBack[2*i+1] = byte(w >> 8)
	}
	assert.Equal(t, writePattern, readBack)
}

func TestLegacyBARsAreStaticCompatAddresses(t *testing.T) {
	c, _ := newTestController(t)
	fn := c.Function()
	assert.Equal(t, uint32(ide.PrimaryCmdBase|0x1), fn.Config().Read32(pci.OffBAR0))
	assert.Equal(t, uint32(ide.SecondaryCmdBase|0x1), fn.Config().Read32(pci.OffBAR0+8))
}

func TestATAPIUnitAttentionThenRead10(t *testing.T) {
	c, io := newTestController(t)
	iso := newMemISO(10)
	for i := range iso.sectors[3] {
		iso.sectors[3][i] = 0xAB
	}
	c.AttachSecondaryMasterATAPI(iso)

	sendTestUnitReady := func() uint32 {
		selectMaster(io, ide.SecondaryCmdBase)
		writeReg(io, ide.SecondaryCmdBase, ide.RegStatusCmd, ide.CmdPacket)
		cdb := make([]byte, 12)
		cdb[0] = ide.ScsiTestUnitReady
		for i := 0; i < 6; i++ {
			w := uint32(cdb[2*i]) | uint32(cdb[2*i+1])<<8
			io.Write(ide.SecondaryCmdBase+ide.RegData, membus.Width16, w)
		}
		return readReg(io, ide.SecondaryCmdBase, ide.RegStatusCmd)
	}

	// First TEST UNIT READY after initial insertion reports the pending
	// unit-attention condition as a check condition.
	first := sendTestUnitReady()
	assert.NotZero(t, first&ide.StatusERR)
	// Second TEST UNIT READY succeeds: the condition has been consumed.
	second := sendTestUnitReady()
	assert.Zero(t, second&ide.StatusERR)

	selectMaster(io, ide.SecondaryCmdBase)
	writeReg(io, ide.SecondaryCmdBase, ide.RegStatusCmd, ide.CmdPacket)
	cdb2 := make([]byte, 12)
	cdb2[0] = ide.ScsiRead10
	cdb2[2], cdb2[3], cdb2[4], cdb2[5] = 0, 0, 0, 3 // LBA 3
	cdb2[7], cdb2[8] = 0, 1                         // 1 block
	for i := 0; i < 6; i++ {
		w := uint32(cdb2[2*i]) | uint32(cdb2[2*i+1])<<8
		io.Write(ide.SecondaryCmdBase+ide.RegData, membus.Width16, w)
	}
	readWord := io.Read(ide.SecondaryCmdBase+ide.RegData, membus.Width16)
	assert.Equal(t, uint32(0xABAB), readWord)
}

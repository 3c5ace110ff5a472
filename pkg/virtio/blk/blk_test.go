package blk

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aerow7/corevm/pkg/irq"
	"github.com/aerow7/corevm/pkg/membus"
	"github.com/aerow7/corevm/pkg/pci"
	"github.com/aerow7/corevm/pkg/snapshot"
	"github.com/aerow7/corevm/pkg/virtio"
)

const commonBase = 0x0000

type fakeBackend struct {
	sectors [][512]byte
	flushed bool
}

func newFakeBackend(n int) *fakeBackend { return &fakeBackend{sectors: make([][512]byte, n)} }

func (b *fakeBackend) ReadSectors(lba uint64, dst []byte) error {
	for i := 0; i < len(dst)/sectorSize; i++ {
		copy(dst[i*sectorSize:(i+1)*sectorSize], b.sectors[lba+uint64(i)][:])
	}
	return nil
}

func (b *fakeBackend) WriteSectors(lba uint64, src []byte) error {
	for i := 0; i < len(src)/sectorSize; i++ {
		copy(b.sectors[lba+uint64(i)][:], src[i*sectorSize:(i+1)*sectorSize])
	}
	return nil
}

func (b *fakeBackend) Flush() error        { b.flushed = true; return nil }
func (b *fakeBackend) SectorCount() uint64 { return uint64(len(b.sectors)) }

func newTestDevice(backend Backend) (*Device, *membus.RAM) {
	mem := membus.NewRAM(1 << 20)
	router := irq.NewRouter(nil)
	mmioBus := membus.NewMMIOBus()
	bdf := pci.BDF{Bus: 0, Device: 8, Function: 0}
	d := New(bdf, router, mmioBus, mem, backend)
	return d, mem
}

// writeChain lays out a header descriptor, any number of data descriptors,
// and a trailing status descriptor, then posts it through the avail ring.
func writeChain(t *testing.T, d *Device, mem *membus.RAM, reqType uint32, sector uint64, dataAddrs []uint64, dataLen uint32, statusAddr uint64) {
	const descTable = 0x10000
	const availRing = 0x20000
	const usedRing = 0x30000
	const headerAddr = 0x40000

	var header [16]byte
	binary.LittleEndian.PutUint32(header[0:4], reqType)
	binary.LittleEndian.PutUint64(header[8:16], sector)
	require.NoError(t, mem.WriteAt(headerAddr, header[:]))

	n := 1 + len(dataAddrs) + 1
	for i := 0; i < n; i++ {
		var desc [16]byte
		var addr uint64
		var length uint32
		switch {
		case i == 0:
			addr, length = headerAddr, 16
		case i == n-1:
			addr, length = statusAddr, 1
		default:
			addr, length = dataAddrs[i-1], dataLen
		}
		binary.LittleEndian.PutUint64(desc[0:8], addr)
		binary.LittleEndian.PutUint32(desc[8:12], length)
		if i != n-1 {
			binary.LittleEndian.PutUint16(desc[12:14], 1) // VIRTQ_DESC_F_NEXT
			binary.LittleEndian.PutUint16(desc[14:16], uint16(i+1))
		}
		require.NoError(t, mem.WriteAt(descTable+uint64(i)*16, desc[:]))
	}

	var avail [8]byte
	binary.LittleEndian.PutUint16(avail[2:4], 1)
	binary.LittleEndian.PutUint16(avail[4:6], 0)
	require.NoError(t, mem.WriteAt(availRing, avail[:]))

	d.t.WriteBAR(0, commonBase+0x16, membus.Width16, 0)
	d.t.WriteBAR(0, commonBase+0x20, membus.Width32, descTable)
	d.t.WriteBAR(0, commonBase+0x28, membus.Width32, availRing)
	d.t.WriteBAR(0, commonBase+0x30, membus.Width32, usedRing)
	d.t.WriteBAR(0, commonBase+0x1C, membus.Width16, 1)

	d.t.WriteBAR(0, 0x1000, membus.Width16, 0) // notify queue 0
}

func TestWriteConfigReportsCapacityAndBlockSize(t *testing.T) {
	d, _ := newTestDevice(newFakeBackend(64))
	cfg := d.t.DeviceConfig()
	assert.EqualValues(t, 64, binary.LittleEndian.Uint64(cfg[0:8]))
	assert.EqualValues(t, sectorSize, binary.LittleEndian.Uint32(cfg[12:16]))
}

func TestDrainQueueHandlesReadRequest(t *testing.T) {
	backend := newFakeBackend(16)
	for i := range backend.sectors[2] {
		backend.sectors[2][i] = byte(i)
	}
	d, mem := newTestDevice(backend)

	const dataAddr = 0x50000
	const statusAddr = 0x60000
	writeChain(t, d, mem, reqTypeIn, 2, []uint64{dataAddr}, sectorSize, statusAddr)

	got := make([]byte, sectorSize)
	require.NoError(t, mem.ReadAt(dataAddr, got))
	assert.Equal(t, backend.sectors[2][:], got)

	status := make([]byte, 1)
	require.NoError(t, mem.ReadAt(statusAddr, status))
	assert.EqualValues(t, statusOK, status[0])
}

func TestDrainQueueHandlesWriteRequest(t *testing.T) {
	backend := newFakeBackend(16)
	d, mem := newTestDevice(backend)

	const dataAddr = 0x50000
	const statusAddr = 0x60000
	payload := make([]byte, sectorSize)
	for i := range payload {
		payload[i] = byte(0xAA)
	}
	require.NoError(t, mem.WriteAt(dataAddr, payload))

	writeChain(t, d, mem, reqTypeOut, 5, []uint64{dataAddr}, sectorSize, statusAddr)

	assert.Equal(t, payload, backend.sectors[5][:])
	status := make([]byte, 1)
	require.NoError(t, mem.ReadAt(statusAddr, status))
	assert.EqualValues(t, statusOK, status[0])
}

func TestDrainQueueHandlesFlushRequest(t *testing.T) {
	backend := newFakeBackend(16)
	d, mem := newTestDevice(backend)

	const statusAddr = 0x60000
	writeChain(t, d, mem, reqTypeFlush, 0, nil, 0, statusAddr)

	assert.True(t, backend.flushed)
	status := make([]byte, 1)
	require.NoError(t, mem.ReadAt(statusAddr, status))
	assert.EqualValues(t, statusOK, status[0])
}

func TestDrainQueueRejectsUnknownType(t *testing.T) {
	backend := newFakeBackend(16)
	d, mem := newTestDevice(backend)

	const statusAddr = 0x60000
	writeChain(t, d, mem, 99, 0, nil, 0, statusAddr)

	status := make([]byte, 1)
	require.NoError(t, mem.ReadAt(statusAddr, status))
	assert.EqualValues(t, statusUnsupp, status[0])
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	d, _ := newTestDevice(newFakeBackend(16))
	d.t.WriteBAR(0, commonBase+0x14, membus.Width8, virtio.StatusDriverOK)

	rec := d.Snapshot()
	assert.Equal(t, snapshot.IDVirtioBlk, rec.ID)

	d2, _ := newTestDevice(newFakeBackend(16))
	require.NoError(t, d2.Restore(rec))
	assert.Equal(t,
		d.t.ReadBAR(0, commonBase+0x14, membus.Width8),
		d2.t.ReadBAR(0, commonBase+0x14, membus.Width8))
}

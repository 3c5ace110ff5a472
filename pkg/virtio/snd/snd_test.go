package snd

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aerow7/corevm/pkg/irq"
	"github.com/aerow7/corevm/pkg/membus"
	"github.com/aerow7/corevm/pkg/pci"
	"github.com/aerow7/corevm/pkg/snapshot"
)

const commonBase = 0x0000

type fakeHostAudio struct {
	played [][]byte
}

func (h *fakeHostAudio) Playback(samples []byte) {
	cp := make([]byte, len(samples))
	copy(cp, samples)
	h.played = append(h.played, cp)
}

func newTestDevice(host HostAudio) (*Device, *membus.RAM) {
	mem := membus.NewRAM(1 << 20)
	router := irq.NewRouter(nil)
	mmioBus := membus.NewMMIOBus()
	bdf := pci.BDF{Bus: 0, Device: 7, Function: 0}
	d := New(bdf, router, mmioBus, mem, host)
	return d, mem
}

type qDesc struct {
	addr   uint64
	length uint32
}

func postChain(t *testing.T, d *Device, mem *membus.RAM, queue int, descs []qDesc) {
	const descTable = 0x10000
	const availRing = 0x20000
	const usedRing = 0x30000

	for i, dsc := range descs {
		var raw [16]byte
		binary.LittleEndian.PutUint64(raw[0:8], dsc.addr)
		binary.LittleEndian.PutUint32(raw[8:12], dsc.length)
		if i != len(descs)-1 {
			binary.LittleEndian.PutUint16(raw[12:14], 1) // VIRTQ_DESC_F_NEXT
			binary.LittleEndian.PutUint16(raw[14:16], uint16(i+1))
		}
		require.NoError(t, mem.WriteAt(descTable+uint64(i)*16, raw[:]))
	}

	var avail [8]byte
	binary.LittleEndian.PutUint16(avail[2:4], 1)
	binary.LittleEndian.PutUint16(avail[4:6], 0)
	require.NoError(t, mem.WriteAt(availRing, avail[:]))

	d.t.WriteBAR(0, commonBase+0x16, membus.Width16, uint64(queue))
	d.t.WriteBAR(0, commonBase+0x20, membus.Width32, descTable)
	d.t.WriteBAR(0, commonBase+0x28, membus.Width32, availRing)
	d.t.WriteBAR(0, commonBase+0x30, membus.Width32, usedRing)
	d.t.WriteBAR(0, commonBase+0x1C, membus.Width16, 1)

	d.t.WriteBAR(0, 0x1000+uint64(queue)*4, membus.Width16, 0)
}

func TestWriteConfigReportsTwoStreams(t *testing.T) {
	d, _ := newTestDevice(nil)
	cfg := d.t.DeviceConfig()
	assert.EqualValues(t, 2, binary.LittleEndian.Uint32(cfg[4:8]))
}

func TestDrainControlStartSetsPlaybackRunning(t *testing.T) {
	d, mem := newTestDevice(nil)

	const hdrAddr = 0x40000
	const statusAddr = 0x41000
	var hdr [8]byte
	binary.LittleEndian.PutUint32(hdr[0:4], 0x0104) // PCM_START
	binary.LittleEndian.PutUint32(hdr[4:8], streamPlayback)
	require.NoError(t, mem.WriteAt(hdrAddr, hdr[:]))

	postChain(t, d, mem, controlQ, []qDesc{{hdrAddr, 8}, {statusAddr, 1}})

	assert.True(t, d.playbackRunning)
	status := make([]byte, 1)
	require.NoError(t, mem.ReadAt(statusAddr, status))
	assert.EqualValues(t, statusOK, status[0])
}

func TestDrainControlStopClearsCaptureRunning(t *testing.T) {
	d, mem := newTestDevice(nil)
	d.captureRunning = true

	const hdrAddr = 0x40000
	const statusAddr = 0x41000
	var hdr [8]byte
	binary.LittleEndian.PutUint32(hdr[0:4], 0x0105) // PCM_STOP
	binary.LittleEndian.PutUint32(hdr[4:8], streamCapture)
	require.NoError(t, mem.WriteAt(hdrAddr, hdr[:]))

	postChain(t, d, mem, controlQ, []qDesc{{hdrAddr, 8}, {statusAddr, 1}})

	assert.False(t, d.captureRunning)
}

func TestDrainTXDeliversPlaybackSamples(t *testing.T) {
	host := &fakeHostAudio{}
	d, mem := newTestDevice(host)

	const dataAddr = 0x50000
	samples := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	require.NoError(t, mem.WriteAt(dataAddr, samples))

	postChain(t, d, mem, txQ, []qDesc{{dataAddr, uint32(len(samples))}})

	require.Len(t, host.played, 1)
	assert.Equal(t, samples, host.played[0])
}

func TestDrainRXReportsIOErrWhenCaptureStopped(t *testing.T) {
	d, mem := newTestDevice(nil)

	const statusAddr = 0x60000
	postChain(t, d, mem, rxQ, []qDesc{{statusAddr, 1}})

	status := make([]byte, 1)
	require.NoError(t, mem.ReadAt(statusAddr, status))
	assert.EqualValues(t, statusIOErr, status[0])
}

func TestDrainRXReportsOKWhenCaptureRunning(t *testing.T) {
	d, mem := newTestDevice(nil)
	d.captureRunning = true

	const statusAddr = 0x60000
	postChain(t, d, mem, rxQ, []qDesc{{statusAddr, 1}})

	status := make([]byte, 1)
	require.NoError(t, mem.ReadAt(statusAddr, status))
	assert.EqualValues(t, statusOK, status[0])
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	d, _ := newTestDevice(nil)
	d.playbackRunning = true
	d.captureRunning = false

	rec := d.Snapshot()
	assert.Equal(t, snapshot.IDVirtioSnd, rec.ID)

	d2, _ := newTestDevice(nil)
	require.NoError(t, d2.Restore(rec))
	assert.Equal(t, d.playbackRunning, d2.playbackRunning)
	assert.Equal(t, d.captureRunning, d2.captureRunning)
}

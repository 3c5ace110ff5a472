package xhci_test

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aerow7/corevm/pkg/irq"
	"github.com/aerow7/corevm/pkg/membus"
	"github.com/aerow7/corevm/pkg/pci"
	"github.com/aerow7/corevm/pkg/snapshot"
	"github.com/aerow7/corevm/pkg/usb"
	"github.com/aerow7/corevm/pkg/usb/xhci"
)

const capLen = 0x20
const runtimeBase = 0x2000
const doorbellBase = 0x3000

func newTestController(hub *usb.Hub) (*xhci.Controller, *membus.RAM) {
	mem := membus.NewRAM(1 << 20)
	router := irq.NewRouter(nil)
	ioBus := membus.NewIOBus()
	mmioBus := membus.NewMMIOBus()
	bdf := pci.BDF{Bus: 0, Device: 0x0D, Function: 0}
	c := xhci.New(bdf, router, ioBus, mmioBus, mem, hub)
	return c, mem
}

func writeCommandTRB(t *testing.T, mem *membus.RAM, addr uint64, trbType uint32, slot byte, dword0 uint64) {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[0:8], dword0)
	binary.LittleEndian.PutUint32(buf[12:16], (trbType<<10)|1) // cycle=1
	buf[15] = byte(slot) // slot id occupies the control dword's top byte (bits 24-31)
	require.NoError(t, mem.WriteAt(addr, buf[:]))
}

func setupEventRing(t *testing.T, mem *membus.RAM, erstAddr, ringBase uint64, ringSize uint32) {
	var seg [16]byte
	binary.LittleEndian.PutUint64(seg[0:8], ringBase)
	binary.LittleEndian.PutUint32(seg[8:12], ringSize)
	require.NoError(t, mem.WriteAt(erstAddr, seg[:]))
}

func TestHcResetHaltsController(t *testing.T) {
	c, _ := newTestController(usb.NewHub())
	c.WriteBAR(0, capLen+xhci.OpUSBCMD, membus.Width32, xhci.CmdHCRESET)
	assert.NotZero(t, c.ReadBAR(0, capLen+xhci.OpUSBSTS, membus.Width32)&xhci.StsHCHalted)
}

func TestEnableSlotAndAddressDeviceCompleteSuccessfully(t *testing.T) {
	hub := usb.NewHub()
	hub.AttachReserved(usb.PortKeyboard, usb.NewKeyboard())
	c, mem := newTestController(hub)

	const cmdRingAddr = 0x1000
	const erstAddr = 0x5000
	const eventRingBase = 0x6000
	const inputCtxPtr = 0x7000

	writeCommandTRB(t, mem, cmdRingAddr, xhci.TRBEnableSlot, 0, 0)
	writeCommandTRB(t, mem, cmdRingAddr+16, xhci.TRBAddressDevice, 1, inputCtxPtr)

	// Input Context: drop-flags (32B, ignored) + slot context (32B) at +32.
	var slotCtx [32]byte
	slotCtx[8] = byte(usb.PortKeyboard) // root hub port
	require.NoError(t, mem.WriteAt(inputCtxPtr+32, slotCtx[:]))

	setupEventRing(t, mem, erstAddr, eventRingBase, 16)

	c.WriteBAR(0, capLen+xhci.OpCRCR, membus.Width64, cmdRingAddr)
	c.WriteBAR(0, runtimeBase+xhci.Ir0ERSTBA, membus.Width64, erstAddr)
	c.WriteBAR(0, capLen+xhci.OpUSBCMD, membus.Width32, xhci.CmdRun)

	c.WriteBAR(0, doorbellBase, membus.Width32, 0) // ring doorbell 0: command ring

	// First event TRB: Enable Slot completion.
	var ev0 [16]byte
	require.NoError(t, mem.ReadAt(eventRingBase, ev0[:]))
	assert.EqualValues(t, 1, ev0[8], "enable slot completion code success")

	// Second event TRB: Address Device completion.
	var ev1 [16]byte
	require.NoError(t, mem.ReadAt(eventRingBase+16, ev1[:]))
	assert.EqualValues(t, 1, ev1[8], "address device completion code success")
}

func TestDisableSlotClearsSlotState(t *testing.T) {
	hub := usb.NewHub()
	c, mem := newTestController(hub)

	const cmdRingAddr = 0x1000
	const erstAddr = 0x5000
	const eventRingBase = 0x6000

	writeCommandTRB(t, mem, cmdRingAddr, xhci.TRBEnableSlot, 0, 0)
	writeCommandTRB(t, mem, cmdRingAddr+16, xhci.TRBDisableSlot, 1, 0)
	setupEventRing(t, mem, erstAddr, eventRingBase, 16)

	c.WriteBAR(0, capLen+xhci.OpCRCR, membus.Width64, cmdRingAddr)
	c.WriteBAR(0, runtimeBase+xhci.Ir0ERSTBA, membus.Width64, erstAddr)
	c.WriteBAR(0, capLen+xhci.OpUSBCMD, membus.Width32, xhci.CmdRun)
	c.WriteBAR(0, doorbellBase, membus.Width32, 0)

	var ev1 [16]byte
	require.NoError(t, mem.ReadAt(eventRingBase+16, ev1[:]))
	assert.EqualValues(t, 1, ev1[8], "disable slot completion code success")
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	c, _ := newTestController(usb.NewHub())
	c.WriteBAR(0, capLen+xhci.OpCRCR, membus.Width64, 0x1000)
	c.WriteBAR(0, capLen+xhci.OpUSBCMD, membus.Width32, xhci.CmdRun)

	rec := c.Snapshot()
	assert.Equal(t, snapshot.IDXhci, rec.ID)

	c2, _ := newTestController(usb.NewHub())
	require.NoError(t, c2.Restore(rec))
	assert.Equal(t, c.ReadBAR(0, capLen+xhci.OpCRCR, membus.Width64), c2.ReadBAR(0, capLen+xhci.OpCRCR, membus.Width64))
}

package ehci_test

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
	"github.com/aerow7/corevm/pkg/usb/ehci"
)

const opBase = 0x10
const qTDActive = 1 << 7 // mirrors ehci's unexported qTDActive bit

func newTestController(hub *usb.Hub) (*ehci.Controller, *membus.RAM) {
	mem := membus.NewRAM(1 << 20)
	router := irq.NewRouter(nil)
	ioBus := membus.NewIOBus()
	mmioBus := membus.NewMMIOBus()
	bdf := pci.BDF{Bus: 0, Device: 1, Function: 3}
	c := ehci.New(bdf, router, ioBus, mmioBus, mem, hub)
	return c, mem
}

func TestCapLengthIsReadOnly(t *testing.T) {
	c, _ := newTestController(usb.NewHub())
	before := c.ReadBAR(0, ehci.CapLength, membus.Width32)
	c.WriteBAR(0, ehci.CapLength, membus.Width32, 0xFFFFFFFF)
	assert.Equal(t, before, c.ReadBAR(0, ehci.CapLength, membus.Width32))
}

func TestHcResetHaltsController(t *testing.T) {
	c, _ := newTestController(usb.NewHub())
	c.WriteBAR(0, opBase+ehci.OpUSBCMD, membus.Width32, ehci.CmdHCRESET)
	assert.NotZero(t, c.ReadBAR(0, opBase+ehci.OpUSBSTS, membus.Width32)&ehci.StsHalted)
}

func TestRunClearsHalted(t *testing.T) {
	c, _ := newTestController(usb.NewHub())
	c.WriteBAR(0, opBase+ehci.OpUSBCMD, membus.Width32, ehci.CmdRun)
	assert.Zero(t, c.ReadBAR(0, opBase+ehci.OpUSBSTS, membus.Width32)&ehci.StsHalted)
}

func writeQH(t *testing.T, mem *membus.RAM, addr uint64, horiz, device uint32, overlay uint32, bufPtr uint32) {
	var head [12]byte
	binary.LittleEndian.PutUint32(head[0:4], horiz)
	binary.LittleEndian.PutUint32(head[4:8], device)
	require.NoError(t, mem.WriteAt(addr, head[:]))

	var ov [16]byte
	binary.LittleEndian.PutUint32(ov[4:8], overlay)
	binary.LittleEndian.PutUint32(ov[12:16], bufPtr)
	require.NoError(t, mem.WriteAt(addr+0x28, ov[:]))
}

func TestTick1msDeliversMouseReport(t *testing.T) {
	hub := usb.NewHub()
	hub.AttachReserved(usb.PortMouse, usb.NewMouse())
	mouse := hub.At(usb.PortMouse).(interface{ InjectReport([]byte) })
	mouse.InjectReport([]byte{0x01, 0x05, 0xFB, 0x00})

	c, mem := newTestController(hub)

	const qhAddr = 0x1000
	const dataAddr = 0x2000
	const pidIN = 1
	overlay := uint32(qTDActive) | uint32(pidIN)<<8
	const mouseInEndpoint = 2 // matches usb.NewMouse's EP2
	endpointChar := uint32(usb.PortMouse) | uint32(mouseInEndpoint)<<8
	writeQH(t, mem, qhAddr, uint32(qhAddr), endpointChar, overlay, dataAddr)

	c.WriteBAR(0, opBase+ehci.OpASYNCLISTADDR, membus.Width32, qhAddr)
	c.WriteBAR(0, opBase+ehci.OpUSBCMD, membus.Width32, ehci.CmdRun|ehci.CmdASE)
	c.Tick1ms()

	got := make([]byte, 4)
	require.NoError(t, mem.ReadAt(dataAddr, got))
	assert.Equal(t, []byte{0x01, 0x05, 0xFB, 0x00}, got)
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	c, _ := newTestController(usb.NewHub())
	c.WriteBAR(0, opBase+ehci.OpASYNCLISTADDR, membus.Width32, 0x4000)
	c.WriteBAR(0, opBase+ehci.OpUSBCMD, membus.Width32, ehci.CmdRun)

	rec := c.Snapshot()
	assert.Equal(t, snapshot.IDEhci, rec.ID)

	c2, _ := newTestController(usb.NewHub())
	require.NoError(t, c2.Restore(rec))
	assert.Equal(t, c.ReadBAR(0, opBase+ehci.OpASYNCLISTADDR, membus.Width32), c2.ReadBAR(0, opBase+ehci.OpASYNCLISTADDR, membus.Width32))
}

// Package uhci implements the UHCI USB host controller: the 32-byte I/O
// BAR register set and a frame-list walker driven at 1 kHz emulated time
// ("UHCI").
package uhci

import (
	"encoding/binary"

	"github.com/sirupsen/logrus"

	"github.com/aerow7/corevm/pkg/corelog"
	"github.com/aerow7/corevm/pkg/irq"
	"github.com/aerow7/corevm/pkg/membus"
	"github.com/aerow7/corevm/pkg/pci"
	"github.com/aerow7/corevm/pkg/snapshot"
	"github.com/aerow7/corevm/pkg/usb"
)

// I/O register offsets, relative to the 32-byte BAR.
const (
	RegUSBCMD    = 0x00
	RegUSBSTS    = 0x02
	RegUSBINTR   = 0x04
	RegFRNUM     = 0x06
	RegFLBASEADD = 0x08
	RegSOF       = 0x0C
	RegPORTSC0   = 0x10
	RegPORTSC1   = 0x12
)

const (
	CmdRS  = 1 << 0 // Run/Stop
	CmdHCRESET = 1 << 1
)

const (
	StsHCHalted = 1 << 5
	StsUSBINT   = 1 << 0
	StsError    = 1 << 1
)

const (
	PortCCS = 1 << 0 // Current Connect Status
	PortCSC = 1 << 1
	PortPE  = 1 << 2
)

// Transfer Descriptor status bits (word 1 of a TD, bits 16-31 simplified).
const (
	TDActive  = 1 << 23
	TDStalled = 1 << 22
	TDBabble  = 1 << 20
)

// Controller is the UHCI host controller with two root-hub ports and a
// frame-list walker.
type Controller struct {
	log *logrus.Entry

	cmd, sts, intr uint16
	frnum          uint16
	flbaseadd      uint32
	portsc         [2]uint16

	toggle map[int]bool // allocated but never read or updated

	fn  *pci.Function
	mem *membus.RAM

	hub *usb.Hub
}

func New(bdf pci.BDF, router *irq.Router, ioBus *membus.IOBus, mmioBus *membus.MMIOBus, mem *membus.RAM, hub *usb.Hub) *Controller {
	c := &Controller{
		log:    corelog.For("uhci"),
		mem:    mem,
		hub:    hub,
		toggle: make(map[int]bool),
	}
	c.portsc[0] = PortCCS | PortPE // a device (the external hub) is always attached

	c.fn = pci.NewFunction(pci.FunctionConfig{
		BDF:       bdf,
		VendorID:  0x8086,
		DeviceID:  0x7020,
		ClassCode: 0x0C,
		Subclass:  0x03,
		ProgIF:    0x00, // UHCI
		HasIntx:   true,
		IntxPin:   irq.INTA,
	}, c, router, func() int { return int(bdf.Device) }, ioBus, mmioBus)
	c.fn.DeclareBAR(4, pci.BAR{Kind: pci.BARKindIO, Size: 32})
	return c
}

func (c *Controller) Function() *pci.Function { return c.fn }

// Tick1ms performs one emulated 1 kHz frame-list walk: bounded work per
// call, "Coroutine-style schedule walks... become explicit
// state machines with a single tick_1ms entry".
func (c *Controller) Tick1ms() {
	if c.cmd&CmdRS == 0 || c.mem == nil {
		return
	}
	frameAddr := uint64(c.flbaseadd) + uint64(c.frnum&0x3FF)*4
	var fp [4]byte
	if err := c.mem.ReadAt(frameAddr, fp[:]); err != nil {
		return
	}
	link := binary.LittleEndian.Uint32(fp[:])
	c.walkFrame(link)
	c.frnum = (c.frnum + 1) & 0x7FF
}

const (
	linkTerminate = 1 << 0
	linkQH        = 1 << 1
)

func (c *Controller) walkFrame(link uint32) {
	visited := 0
	for link&linkTerminate == 0 && visited < 128 {
		visited++
		if link&linkQH != 0 {
			return // queue heads not modeled in v1's frame walk; control/bulk handled via QH-less TD chains only
		}
		addr := uint64(link &^ 0xF)
		td := c.readTD(addr)
		if td.status&TDActive != 0 {
			c.executeTD(addr, &td)
		}
		link = td.link
	}
}

type td struct {
	link      uint32
	status    uint32
	token     uint32
	bufferPtr uint32
}

func (c *Controller) readTD(addr uint64) td {
	var buf [16]byte
	c.mem.ReadAt(addr, buf[:])
	return td{
		link:      binary.LittleEndian.Uint32(buf[0:4]),
		status:    binary.LittleEndian.Uint32(buf[4:8]),
		token:     binary.LittleEndian.Uint32(buf[8:12]),
		bufferPtr: binary.LittleEndian.Uint32(buf[12:16]),
	}
}

func (c *Controller) writeTDStatus(addr uint64, status uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], status)
	c.mem.WriteAt(addr+4, b[:])
}

// executeTD hands one packet to the addressed device's endpoint pipe. No
// DATA0/DATA1 toggle is tracked: the TD's data-toggle bit is neither
// checked nor updated.
func (c *Controller) executeTD(addr uint64, t *td) {
	pid := t.token & 0xFF
	device := int(t.token>>8) & 0x7F
	endpoint := int(t.token>>15) & 0xF
	maxLen := int(((t.token>>21)&0x7FF)+1) & 0x7FF

	dev := c.hub.At(device)
	if dev == nil {
		t.status &^= TDActive
		t.status |= TDStalled
		c.writeTDStatus(addr, t.status)
		return
	}

	switch pid {
	case 0x69: // IN
		res := dev.EndpointIn(endpoint, maxLen)
		switch res.Kind {
		case usb.InData:
			c.mem.WriteAt(uint64(t.bufferPtr), res.Data)
			t.status &^= TDActive
		case usb.InNak:
			// leave Active: re-scheduled next frame
		case usb.InStall:
			t.status &^= TDActive
			t.status |= TDStalled
		}
	case 0xE1: // OUT
		data := make([]byte, maxLen)
		c.mem.ReadAt(uint64(t.bufferPtr), data)
		res := dev.EndpointOut(endpoint, data)
		switch res.Kind {
		case usb.OutAck:
			t.status &^= TDActive
		case usb.OutNak:
		case usb.OutStall:
			t.status &^= TDActive
			t.status |= TDStalled
		}
	case 0x2D: // SETUP
		var pkt usb.SetupPacket
		raw := make([]byte, 8)
		c.mem.ReadAt(uint64(t.bufferPtr), raw)
		pkt.RequestType = raw[0]
		pkt.Request = raw[1]
		pkt.Value = binary.LittleEndian.Uint16(raw[2:4])
		pkt.Index = binary.LittleEndian.Uint16(raw[4:6])
		pkt.Length = binary.LittleEndian.Uint16(raw[6:8])
		resp := dev.HandleSetup(pkt)
		switch resp.Kind {
		case usb.Stall:
			t.status &^= TDActive
			t.status |= TDStalled
		default:
			t.status &^= TDActive
		}
	}
	c.writeTDStatus(addr, t.status)
}

// --- pci.Ops ---

func (c *Controller) ReadBAR(bar int, offset uint64, width membus.Width) uint64 {
	switch offset {
	case RegUSBCMD:
		return uint64(c.cmd)
	case RegUSBSTS:
		return uint64(c.sts)
	case RegUSBINTR:
		return uint64(c.intr)
	case RegFRNUM:
		return uint64(c.frnum)
	case RegFLBASEADD:
		return uint64(c.flbaseadd)
	case RegSOF:
		return 0x40
	case RegPORTSC0:
		return uint64(c.portsc[0])
	case RegPORTSC1:
		return uint64(c.portsc[1])
	default:
		return 0
	}
}

func (c *Controller) WriteBAR(bar int, offset uint64, width membus.Width, value uint64) {
	switch offset {
	case RegUSBCMD:
		c.cmd = uint16(value)
		if c.cmd&CmdHCRESET != 0 {
			c.reset()
		}
		if c.cmd&CmdRS != 0 {
			c.sts &^= StsHCHalted
		} else {
			c.sts |= StsHCHalted
		}
	case RegUSBSTS:
		c.sts &^= uint16(value) // RW1C
	case RegUSBINTR:
		c.intr = uint16(value)
	case RegFRNUM:
		c.frnum = uint16(value) & 0x7FF
	case RegFLBASEADD:
		c.flbaseadd = uint32(value) &^ 0xFFF
	case RegPORTSC0:
		c.writePortsc(0, uint16(value))
	case RegPORTSC1:
		c.writePortsc(1, uint16(value))
	}
}

func (c *Controller) writePortsc(n int, value uint16) {
	const writable = 0x1000 | 0x0100 | 0x0040 | 0x0004 | 0x0002
	c.portsc[n] = (c.portsc[n] &^ writable) | (value & writable)
	if value&PortCSC != 0 {
		c.portsc[n] &^= PortCSC
	}
}

func (c *Controller) reset() {
	c.cmd = 0
	c.sts = StsHCHalted
	c.intr = 0
	c.frnum = 0
	c.flbaseadd = 0
}

func (c *Controller) OnCommandChanged(old, new uint16) {}
func (c *Controller) OnBARReprogrammed(bar int, base uint64) {}

// --- snapshot.Device ---

func (c *Controller) SnapshotID() snapshot.DeviceID { return snapshot.IDUhci }

func (c *Controller) Snapshot() snapshot.Record {
	enc := snapshot.NewEncoder()
	enc.PutU16(c.cmd)
	enc.PutU16(c.sts)
	enc.PutU16(c.intr)
	enc.PutU16(c.frnum)
	enc.PutU32(c.flbaseadd)
	enc.PutU16(c.portsc[0])
	enc.PutU16(c.portsc[1])
	return snapshot.Record{ID: snapshot.IDUhci, Version: 1, Payload: enc.Bytes()}
}

func (c *Controller) Restore(rec snapshot.Record) error {
	dec := snapshot.NewDecoder(rec.Payload)
	var err error
	if c.cmd, err = dec.U16("cmd"); err != nil {
		return err
	}
	if c.sts, err = dec.U16("sts"); err != nil {
		return err
	}
	if c.intr, err = dec.U16("intr"); err != nil {
		return err
	}
	if c.frnum, err = dec.U16("frnum"); err != nil {
		return err
	}
	if c.flbaseadd, err = dec.U32("flbaseadd"); err != nil {
		return err
	}
	if c.portsc[0], err = dec.U16("portsc0"); err != nil {
		return err
	}
	if c.portsc[1], err = dec.U16("portsc1"); err != nil {
		return err
	}
	return nil
}

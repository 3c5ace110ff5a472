// Package ehci implements the EHCI high-speed USB host controller: the
// MMIO capability/operational register blocks and an async-schedule walker
// over Queue Heads and qTDs ("EHCI"). The periodic schedule is not walked
// (USBCMD's periodic enable bit has no effect), and split transactions for
// full/low-speed devices behind a hub are not implemented.
package ehci

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

// Capability registers, at BAR offset 0.
const (
	CapLength = 0x00 // CAPLENGTH (byte 0) / HCIVERSION (bytes 2-3)
	HCSParams = 0x04
	HCCParams = 0x08
)

const opBase = 0x10 // operational registers begin after CAPLENGTH

// Operational register offsets, relative to opBase.
const (
	OpUSBCMD   = 0x00
	OpUSBSTS   = 0x04
	OpUSBINTR  = 0x08
	OpFRINDEX  = 0x0C
	OpASYNCLISTADDR = 0x18
	OpCONFIGFLAG    = 0x40
	OpPORTSC0       = 0x44
)

const (
	CmdRun   = 1 << 0
	CmdHCRESET = 1 << 1
	CmdASE   = 1 << 5 // Async Schedule Enable
	CmdPSE   = 1 << 4 // Periodic Schedule Enable
)

const (
	StsHalted = 1 << 12
	StsInt    = 1 << 0
	StsAsyncEnabled = 1 << 15
)

const (
	qTDActive = 1 << 7
	qTDHalted = 1 << 6
	qTDBabble = 1 << 4
)

// Controller is the EHCI host controller with one implemented root port
// and an async-schedule-only walker (periodic interrupt endpoints are
// polled from the same async queue in this reduced model).
type Controller struct {
	log *logrus.Entry

	cmd, sts, intr uint32
	frindex        uint32
	asyncListAddr  uint32
	configFlag     uint32
	portsc0        uint32

	fn  *pci.Function
	mem *membus.RAM
	hub *usb.Hub
}

func New(bdf pci.BDF, router *irq.Router, ioBus *membus.IOBus, mmioBus *membus.MMIOBus, mem *membus.RAM, hub *usb.Hub) *Controller {
	c := &Controller{log: corelog.For("ehci"), mem: mem, hub: hub}
	c.portsc0 = 1<<0 | 1<<2 // Current Connect Status, Port Enabled

	c.fn = pci.NewFunction(pci.FunctionConfig{
		BDF:       bdf,
		VendorID:  0x8086,
		DeviceID:  0x2930,
		ClassCode: 0x0C,
		Subclass:  0x03,
		ProgIF:    0x20, // EHCI
		HasIntx:   true,
		IntxPin:   irq.INTA,
	}, c, router, func() int { return int(bdf.Device) }, ioBus, mmioBus)
	c.fn.DeclareBAR(0, pci.BAR{Kind: pci.BARKindMMIO32, Size: 0x100})
	return c
}

func (c *Controller) Function() *pci.Function { return c.fn }

// Tick1ms walks the async schedule once, bounded-work-per-call
// discipline.
func (c *Controller) Tick1ms() {
	if c.cmd&CmdRun == 0 || c.cmd&CmdASE == 0 || c.asyncListAddr == 0 {
		return
	}
	qhAddr := uint64(c.asyncListAddr)
	visited := 0
	for qhAddr != 0 && visited < 64 {
		visited++
		next := c.walkQH(qhAddr)
		if next == uint64(c.asyncListAddr) {
			break // full circular traversal complete
		}
		qhAddr = next
	}
}

// walkQH processes the single overlay qTD embedded at a fixed offset
// within the QH and returns the horizontal-link address of the next QH.
func (c *Controller) walkQH(qhAddr uint64) uint64 {
	var head [12]byte
	c.mem.ReadAt(qhAddr, head[:])
	horiz := binary.LittleEndian.Uint32(head[0:4]) &^ 0x1F
	endpointChar := binary.LittleEndian.Uint32(head[4:8])
	device := int(endpointChar & 0x7F)
	endpoint := int((endpointChar >> 8) & 0xF)

	var overlay [16]byte
	c.mem.ReadAt(qhAddr+0x28, overlay[:])
	status := binary.LittleEndian.Uint32(overlay[4:8])
	if status&qTDActive == 0 {
		return uint64(horiz)
	}
	bufPtr := binary.LittleEndian.Uint32(overlay[12:16])
	token := binary.LittleEndian.Uint32(overlay[4:8])
	pid := (token >> 8) & 0x3

	dev := c.hub.At(device)
	if dev == nil {
		status = (status &^ qTDActive) | qTDHalted
	} else {
		switch pid {
		case 1: // IN
			res := dev.EndpointIn(endpoint, 512)
			if res.Kind == usb.InData {
				c.mem.WriteAt(uint64(bufPtr), res.Data)
				status &^= qTDActive
			} else if res.Kind == usb.InStall {
				status = (status &^ qTDActive) | qTDHalted
			}
		case 0: // OUT
			buf := make([]byte, 512)
			c.mem.ReadAt(uint64(bufPtr), buf)
			res := dev.EndpointOut(endpoint, buf)
			if res.Kind == usb.OutAck {
				status &^= qTDActive
			} else if res.Kind == usb.OutStall {
				status = (status &^ qTDActive) | qTDHalted
			}
		}
	}
	var statusBuf [4]byte
	binary.LittleEndian.PutUint32(statusBuf[:], status)
	c.mem.WriteAt(qhAddr+0x2C, statusBuf[:])
	return uint64(horiz)
}

// --- pci.Ops ---

func (c *Controller) ReadBAR(bar int, offset uint64, width membus.Width) uint64 {
	switch offset {
	case CapLength:
		return 0x10 | (0x0100 << 16) // CAPLENGTH=0x10, HCIVERSION=1.0
	case HCSParams:
		return 1 // N_PORTS=1
	case HCCParams:
		return 0
	}
	if offset < opBase {
		return 0
	}
	switch offset - opBase {
	case OpUSBCMD:
		return uint64(c.cmd)
	case OpUSBSTS:
		return uint64(c.sts)
	case OpUSBINTR:
		return uint64(c.intr)
	case OpFRINDEX:
		return uint64(c.frindex)
	case OpASYNCLISTADDR:
		return uint64(c.asyncListAddr)
	case OpCONFIGFLAG:
		return uint64(c.configFlag)
	case OpPORTSC0:
		return uint64(c.portsc0)
	default:
		return 0
	}
}

func (c *Controller) WriteBAR(bar int, offset uint64, width membus.Width, value uint64) {
	if offset < opBase {
		return
	}
	switch offset - opBase {
	case OpUSBCMD:
		c.cmd = uint32(value)
		if c.cmd&CmdHCRESET != 0 {
			c.reset()
		}
		if c.cmd&CmdRun != 0 {
			c.sts &^= StsHalted
		} else {
			c.sts |= StsHalted
		}
	case OpUSBSTS:
		c.sts &^= uint32(value)
	case OpUSBINTR:
		c.intr = uint32(value)
	case OpASYNCLISTADDR:
		c.asyncListAddr = uint32(value) &^ 0x1F
	case OpCONFIGFLAG:
		c.configFlag = uint32(value)
	case OpPORTSC0:
		c.portsc0 = uint32(value)
	}
}

func (c *Controller) reset() {
	c.cmd = 0
	c.sts = StsHalted
	c.intr = 0
	c.frindex = 0
	c.asyncListAddr = 0
}

func (c *Controller) OnCommandChanged(old, new uint16) {}
func (c *Controller) OnBARReprogrammed(bar int, base uint64) {}

// --- snapshot.Device ---

func (c *Controller) SnapshotID() snapshot.DeviceID { return snapshot.IDEhci }

func (c *Controller) Snapshot() snapshot.Record {
	enc := snapshot.NewEncoder()
	enc.PutU32(c.cmd)
	enc.PutU32(c.sts)
	enc.PutU32(c.intr)
	enc.PutU32(c.frindex)
	enc.PutU32(c.asyncListAddr)
	enc.PutU32(c.configFlag)
	enc.PutU32(c.portsc0)
	return snapshot.Record{ID: snapshot.IDEhci, Version: 1, Payload: enc.Bytes()}
}

func (c *Controller) Restore(rec snapshot.Record) error {
	dec := snapshot.NewDecoder(rec.Payload)
	var err error
	if c.cmd, err = dec.U32("cmd"); err != nil {
		return err
	}
	if c.sts, err = dec.U32("sts"); err != nil {
		return err
	}
	if c.intr, err = dec.U32("intr"); err != nil {
		return err
	}
	if c.frindex, err = dec.U32("frindex"); err != nil {
		return err
	}
	if c.asyncListAddr, err = dec.U32("asyncListAddr"); err != nil {
		return err
	}
	if c.configFlag, err = dec.U32("configFlag"); err != nil {
		return err
	}
	if c.portsc0, err = dec.U32("portsc0"); err != nil {
		return err
	}
	return nil
}

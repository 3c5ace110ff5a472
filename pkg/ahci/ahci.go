// Package ahci implements the ICH9 AHCI host bus adapter: the HBA control
// block and a single-port command-list/FIS/PRDT engine.
package ahci

import (
	"encoding/binary"

	"github.com/sirupsen/logrus"

	"github.com/aerow7/corevm/pkg/corelog"
	"github.com/aerow7/corevm/pkg/ide"
	"github.com/aerow7/corevm/pkg/irq"
	"github.com/aerow7/corevm/pkg/membus"
	"github.com/aerow7/corevm/pkg/metrics"
	"github.com/aerow7/corevm/pkg/pci"
	"github.com/aerow7/corevm/pkg/snapshot"
)

// HBA register offsets (generic host control).
const (
	RegCAP     = 0x00
	RegGHC     = 0x04
	RegIS      = 0x08
	RegPI      = 0x0C
	RegVS      = 0x10
	RegCCCCTL  = 0x14
	PortBase   = 0x100
	PortStride = 0x80
)

// Per-port register offsets, relative to PortBase+n*PortStride.
const (
	PxCLB  = 0x00
	PxCLBU = 0x04
	PxFB   = 0x08
	PxFBU  = 0x0C
	PxIS   = 0x10
	PxIE   = 0x14
	PxCMD  = 0x18
	PxTFD  = 0x20
	PxSIG  = 0x24
	PxSSTS = 0x28
	PxSCTL = 0x2C
	PxSERR = 0x30
	PxSACT = 0x34
	PxCI   = 0x38
	PxSNTF = 0x3C
	PxFBS  = 0x40
)

const (
	GHCAE = 1 << 31 // AHCI Enable
	GHCIE = 1 << 1  // Interrupt Enable
	GHCHR = 1 << 0  // HBA Reset
)

const (
	CmdST  = 1 << 0 // Start
	CmdFRE = 1 << 4 // FIS Receive Enable
	CmdFR  = 1 << 14
	CmdCR  = 1 << 15
)

const (
	SigATA = 0x00000101
)

const hbaWindowSize = 0x1100

// Controller is the ICH9 AHCI PCI function with one implemented port.
type Controller struct {
	log *logrus.Entry

	ghc uint32
	is  uint32

	port    port
	backend ide.DiskBackend

	mem *membus.RAM
	fn  *pci.Function
}

type port struct {
	clb, fb uint32
	is, ie  uint32
	cmd     uint32
	tfd     uint32
	sig     uint32
	sctl    uint32
	serr    uint32
	sact    uint32
	ci      uint32
}

// New constructs the AHCI controller bound to a single disk backend; the
// canonical topology implements a single port.
func New(bdf pci.BDF, router *irq.Router, ioBus *membus.IOBus, mmioBus *membus.MMIOBus, mem *membus.RAM, backend ide.DiskBackend) *Controller {
	c := &Controller{
		log:     corelog.For("ahci"),
		mem:     mem,
		backend: backend,
	}
	c.port.sig = SigATA

	c.fn = pci.NewFunction(pci.FunctionConfig{
		BDF:        bdf,
		VendorID:   0x8086,
		DeviceID:   0x2922,
		ClassCode:  0x01,
		Subclass:   0x06, // SATA
		ProgIF:     0x01, // AHCI 1.0
		HasIntx:    true,
		IntxPin:    irq.INTA,
	}, c, router, func() int { return int(bdf.Device) }, ioBus, mmioBus)
	c.fn.DeclareBAR(5, pci.BAR{Kind: pci.BARKindMMIO32, Size: hbaWindowSize})
	return c
}

func (c *Controller) Function() *pci.Function { return c.fn }

func (c *Controller) cap() uint32 {
	// HBA capabilities: 1 port (NP=0; PI bit 0 below marks the implemented
	// port), 32 command slots, SAM clear (not AHCI-only), supports 64-bit
	// addressing (S64A).
	return 1<<31 | 0x1F<<8 | 0
}

// --- pci.Ops ---

func (c *Controller) ReadBAR(bar int, offset uint64, width membus.Width) uint64 {
	if offset < PortBase {
		return uint64(c.readGeneric(uint32(offset)))
	}
	portOff := uint32(offset-PortBase) % PortStride
	return uint64(c.readPort(portOff))
}

func (c *Controller) WriteBAR(bar int, offset uint64, width membus.Width, value uint64) {
	if offset < PortBase {
		c.writeGeneric(uint32(offset), uint32(value))
		return
	}
	portOff := uint32(offset-PortBase) % PortStride
	c.writePort(portOff, uint32(value))
}

func (c *Controller) OnCommandChanged(old, new uint16) {}
func (c *Controller) OnBARReprogrammed(bar int, base uint64) {}

func (c *Controller) readGeneric(off uint32) uint32 {
	switch off {
	case RegCAP:
		return c.cap()
	case RegGHC:
		return c.ghc
	case RegIS:
		return c.is
	case RegPI:
		return 0x1 // port 0 implemented
	case RegVS:
		return 0x00010300 // AHCI 1.3
	default:
		return 0
	}
}

func (c *Controller) writeGeneric(off, value uint32) {
	switch off {
	case RegGHC:
		if value&GHCHR != 0 {
			c.reset()
			return
		}
		c.ghc = value &^ GHCHR
	case RegIS:
		c.is &^= value // RW1C
		c.updateIrq()
	}
}

func (c *Controller) readPort(off uint32) uint32 {
	p := &c.port
	switch off {
	case PxCLB:
		return p.clb
	case PxFB:
		return p.fb
	case PxIS:
		return p.is
	case PxIE:
		return p.ie
	case PxCMD:
		return p.cmd
	case PxTFD:
		return p.tfd
	case PxSIG:
		return p.sig
	case PxSSTS:
		return 0x3 | 0x1<<8 // DET=3 present+active, IPM=1 active
	case PxSCTL:
		return p.sctl
	case PxSERR:
		return p.serr
	case PxSACT:
		return p.sact
	case PxCI:
		return p.ci
	default:
		return 0
	}
}

func (c *Controller) writePort(off, value uint32) {
	p := &c.port
	switch off {
	case PxCLB:
		p.clb = value &^ 0x3FF
	case PxFB:
		p.fb = value &^ 0xFF
	case PxIS:
		p.is &^= value
		c.updateIrq()
	case PxIE:
		p.ie = value
	case PxCMD:
		p.cmd = value & (CmdST | CmdFRE)
		if p.cmd&CmdST != 0 {
			p.cmd |= CmdCR
		}
		if p.cmd&CmdFRE != 0 {
			p.cmd |= CmdFR
		}
	case PxSCTL:
		p.sctl = value
	case PxSERR:
		p.serr &^= value
	case PxCI:
		p.ci |= value
		c.processCommands()
	}
}

func (c *Controller) reset() {
	c.ghc = 0
	c.is = 0
	c.port = port{sig: SigATA}
}

func (c *Controller) updateIrq() {
	asserted := c.is != 0 && c.ghc&GHCIE != 0
	if asserted {
		c.fn.RaiseIntx()
	} else {
		c.fn.LowerIntx()
	}
}

// processCommands walks PxCI, dispatching each pending command-list slot
// in turn, Submission.
func (c *Controller) processCommands() {
	p := &c.port
	if p.cmd&CmdST == 0 {
		return
	}
	for slot := uint(0); slot < 32; slot++ {
		if p.ci&(1<<slot) == 0 {
			continue
		}
		if err := c.executeSlot(slot); err != nil {
			p.tfd |= 0x01 // ERR
			p.is |= 1 << 30
			metrics.ControllerCommands.WithLabelValues("ahci", "error").Inc()
		} else {
			metrics.ControllerCommands.WithLabelValues("ahci", "ok").Inc()
		}
		p.ci &^= 1 << slot
		p.is |= 1 << 0 // DHRS
	}
	c.updateIrq()
}

// commandHeader is the 32-byte Command List entry at CLB+slot*32.
type commandHeader struct {
	flagsPRDTL uint32
	prdbc      uint32
	ctba       uint32
	ctbau      uint32
}

func (c *Controller) readCommandHeader(slot uint) commandHeader {
	base := uint64(c.port.clb) + uint64(slot)*32
	var buf [16]byte
	c.mem.ReadAt(base, buf[:])
	return commandHeader{
		flagsPRDTL: binary.LittleEndian.Uint32(buf[0:4]),
		ctba:       binary.LittleEndian.Uint32(buf[8:12]),
		ctbau:      binary.LittleEndian.Uint32(buf[12:16]),
	}
}

// executeSlot decodes the Command Table (CFIS + PRDT) and dispatches a
// disk read or write.
func (c *Controller) executeSlot(slot uint) error {
	hdr := c.readCommandHeader(slot)
	ctba := uint64(hdr.ctbau)<<32 | uint64(hdr.ctba)
	prdtl := hdr.flagsPRDTL >> 16
	cfisLen := (hdr.flagsPRDTL & 0x1F) * 4

	cfis := make([]byte, cfisLen)
	c.mem.ReadAt(ctba, cfis)
	if len(cfis) < 12 {
		return nil
	}
	command := cfis[2]
	lba := uint64(cfis[4]) | uint64(cfis[5])<<8 | uint64(cfis[6])<<16 | uint64(cfis[8])<<24 | uint64(cfis[9])<<32 | uint64(cfis[10])<<40
	count := uint64(cfis[12]) | uint64(cfis[13])<<8
	if count == 0 {
		count = 1
	}

	prdtBase := ctba + 0x80 // Command Table PRDT begins at offset 0x80
	isWrite := command == 0x35 || command == 0x61

	buf := make([]byte, count*ide.ATASectorSize)
	if !isWrite {
		if err := c.backend.ReadSectors(lba, buf); err != nil {
			return err
		}
		c.scatterToPRDT(prdtBase, prdtl, buf)
	} else {
		c.gatherFromPRDT(prdtBase, prdtl, buf)
		if err := c.backend.WriteSectors(lba, buf); err != nil {
			return err
		}
	}
	return nil
}

type prdtEntry struct {
	dba  uint64
	dbc  uint32 // byte count (the descriptor's DBC field + 1)
}

func (c *Controller) readPRDT(base uint64, n uint32) []prdtEntry {
	entries := make([]prdtEntry, 0, n)
	for i := uint32(0); i < n; i++ {
		var buf [16]byte
		c.mem.ReadAt(base+uint64(i)*16, buf[:])
		dbaLow := binary.LittleEndian.Uint32(buf[0:4])
		dbaHigh := binary.LittleEndian.Uint32(buf[4:8])
		dbc := binary.LittleEndian.Uint32(buf[12:16]) & 0x3FFFFF
		entries = append(entries, prdtEntry{dba: uint64(dbaHigh)<<32 | uint64(dbaLow), dbc: dbc + 1})
	}
	return entries
}

func (c *Controller) scatterToPRDT(base uint64, n uint32, data []byte) {
	pos := 0
	for _, e := range c.readPRDT(base, n) {
		end := pos + int(e.dbc)
		if end > len(data) {
			end = len(data)
		}
		c.mem.WriteAt(e.dba, data[pos:end])
		pos = end
		if pos >= len(data) {
			return
		}
	}
}

func (c *Controller) gatherFromPRDT(base uint64, n uint32, data []byte) {
	pos := 0
	for _, e := range c.readPRDT(base, n) {
		end := pos + int(e.dbc)
		if end > len(data) {
			end = len(data)
		}
		chunk := make([]byte, end-pos)
		c.mem.ReadAt(e.dba, chunk)
		copy(data[pos:end], chunk)
		pos = end
		if pos >= len(data) {
			return
		}
	}
}

// --- snapshot.Device ---

func (c *Controller) SnapshotID() snapshot.DeviceID { return snapshot.IDAhci }

func (c *Controller) Snapshot() snapshot.Record {
	enc := snapshot.NewEncoder()
	enc.PutU32(c.ghc)
	enc.PutU32(c.is)
	enc.PutU32(c.port.clb)
	enc.PutU32(c.port.fb)
	enc.PutU32(c.port.is)
	enc.PutU32(c.port.ie)
	enc.PutU32(c.port.cmd)
	enc.PutU32(c.port.tfd)
	enc.PutU32(c.port.sig)
	enc.PutU32(c.port.sctl)
	enc.PutU32(c.port.serr)
	enc.PutU32(c.port.sact)
	enc.PutU32(c.port.ci)
	return snapshot.Record{ID: snapshot.IDAhci, Version: 1, Payload: enc.Bytes()}
}

func (c *Controller) Restore(rec snapshot.Record) error {
	dec := snapshot.NewDecoder(rec.Payload)
	var err error
	if c.ghc, err = dec.U32("ghc"); err != nil {
		return err
	}
	if c.is, err = dec.U32("is"); err != nil {
		return err
	}
	if c.port.clb, err = dec.U32("port.clb"); err != nil {
		return err
	}
	if c.port.fb, err = dec.U32("port.fb"); err != nil {
		return err
	}
	if c.port.is, err = dec.U32("port.is"); err != nil {
		return err
	}
	if c.port.ie, err = dec.U32("port.ie"); err != nil {
		return err
	}
	if c.port.cmd, err = dec.U32("port.cmd"); err != nil {
		return err
	}
	if c.port.tfd, err = dec.U32("port.tfd"); err != nil {
		return err
	}
	if c.port.sig, err = dec.U32("port.sig"); err != nil {
		return err
	}
	if c.port.sctl, err = dec.U32("port.sctl"); err != nil {
		return err
	}
	if c.port.serr, err = dec.U32("port.serr"); err != nil {
		return err
	}
	if c.port.sact, err = dec.U32("port.sact"); err != nil {
		return err
	}
	if c.port.ci, err = dec.U32("port.ci"); err != nil {
		return err
	}
	return nil
}

package ide

import (
	"github.com/aerow7/corevm/pkg/corelog"
	"github.com/aerow7/corevm/pkg/irq"
	"github.com/aerow7/corevm/pkg/membus"
	"github.com/aerow7/corevm/pkg/pci"
	"github.com/aerow7/corevm/pkg/snapshot"
)

// Legacy compat-mode port addresses.
const (
	PrimaryCmdBase  = 0x1F0
	PrimaryCtrl     = 0x3F4
	SecondaryCmdBase = 0x170
	SecondaryCtrl    = 0x374

	BMIDEDefaultBase = 0xC000
	BMIDESize        = 16
)

// Controller is the PIIX3 IDE/ATAPI PCI function: two legacy channels wired
// unconditionally onto the machine's port-I/O bus (compat mode ignores
// COMMAND.IOSpace for the legacy ranges, per real PIIX3 behavior), plus a
// guest-programmable BAR4 bus-master IDE DMA window.
type Controller struct {
	Primary   *Channel
	Secondary *Channel

	fn *pci.Function
}

// New constructs the controller, registers its PCI function at bdf, and
// maps its legacy command/control ports directly onto ioBus. primaryIRQ and
// secondaryIRQ are GSI14/GSI15 sinks obtained directly from the machine's
// irq.Router -- legacy IDE completion interrupts bypass
// PCI INTx swizzling entirely.
func New(bdf pci.BDF, router *irq.Router, ioBus *membus.IOBus, mmioBus *membus.MMIOBus, primaryIRQ, secondaryIRQ irq.Sink) *Controller {
	c := &Controller{
		Primary:   NewChannel("primary", primaryIRQ),
		Secondary: NewChannel("secondary", secondaryIRQ),
	}

	c.fn = pci.NewFunction(pci.FunctionConfig{
		BDF:        bdf,
		VendorID:   0x8086,
		DeviceID:   0x7010, // PIIX3 IDE
		ClassCode:  0x01,   // mass storage
		Subclass:   0x01,   // IDE
		ProgIF:     0x80,   // bus-mastering capable, both channels fixed/compat
		HeaderType: 0,
		HasIntx:    false, // legacy IDE uses GSI14/15 directly, not PCI INTx
	}, c, router, func() int { return int(bdf.Device) }, ioBus, mmioBus)

	cfg := c.fn.Config()
	cfg.Write32(pci.OffBAR0, PrimaryCmdBase|0x1)
	cfg.Write32(pci.OffBAR0+4, PrimaryCtrl|0x1)
	cfg.Write32(pci.OffBAR0+8, SecondaryCmdBase|0x1)
	cfg.Write32(pci.OffBAR0+12, SecondaryCtrl|0x1)

	c.fn.DeclareBAR(4, pci.BAR{Kind: pci.BARKindIO, Size: BMIDESize})

	ioBus.Map(PrimaryCmdBase, 8, &commandBlockAdapter{ch: c.Primary})
	ioBus.Map(PrimaryCtrl, 1, &controlAdapter{ch: c.Primary})
	ioBus.Map(SecondaryCmdBase, 8, &commandBlockAdapter{ch: c.Secondary})
	ioBus.Map(SecondaryCtrl, 1, &controlAdapter{ch: c.Secondary})

	corelog.For("ide").WithField("bdf", bdf.String()).Debug("piix3 ide controller attached")
	return c
}

// Function returns the underlying PCI function, for registration on the bus.
func (c *Controller) Function() *pci.Function { return c.fn }

// AttachPrimaryMasterATA attaches an ATA hard-disk backend as the primary
// channel's master device.
func (c *Controller) AttachPrimaryMasterATA(backend DiskBackend) {
	c.Primary.AttachATA(0, backend)
}

// AttachSecondaryMasterATAPI attaches an ATAPI optical-drive backend as the
// secondary channel's master device (the conventional Windows 7 CD-ROM
// slot).
func (c *Controller) AttachSecondaryMasterATAPI(backend IsoBackend) {
	c.Secondary.AttachATAPI(0, backend)
}

// --- pci.Ops ---

func (c *Controller) ReadBAR(bar int, offset uint64, width membus.Width) uint64 {
	if bar != 4 {
		return 0
	}
	return 0 // BMIDE register file: command/status/PRD pointer not yet exercised by any guest path this controller drives
}

func (c *Controller) WriteBAR(bar int, offset uint64, width membus.Width, value uint64) {}

func (c *Controller) OnCommandChanged(old, new uint16) {}

func (c *Controller) OnBARReprogrammed(bar int, base uint64) {}

// --- snapshot.Device ---

func (c *Controller) SnapshotID() snapshot.DeviceID { return snapshot.IDIde }

func (c *Controller) Snapshot() snapshot.Record {
	enc := snapshot.NewEncoder()
	for _, ch := range []*Channel{c.Primary, c.Secondary} {
		for _, s := range []*slot{ch.master, ch.slave} {
			enc.PutU8(uint8(s.kind))
			enc.PutBool(s.present())
			enc.PutU8(s.status)
			enc.PutU8(s.errReg)
			enc.PutU16(s.sectorCount)
			enc.PutU16(s.lbaLow)
			enc.PutU16(s.lbaMid)
			enc.PutU16(s.lbaHigh)
			enc.PutU8(s.driveHead)
		}
		enc.PutBool(ch.nien)
		enc.PutU8(uint8(ch.sel))
	}
	return snapshot.Record{ID: snapshot.IDIde, Version: 1, Payload: enc.Bytes()}
}

func (c *Controller) Restore(rec snapshot.Record) error {
	dec := snapshot.NewDecoder(rec.Payload)
	for _, ch := range []*Channel{c.Primary, c.Secondary} {
		for _, s := range []*slot{ch.master, ch.slave} {
			kind, err := dec.U8("slot.kind")
			if err != nil {
				return err
			}
			s.kind = slotKind(kind)
			if _, err := dec.Bool("slot.present"); err != nil {
				return err
			}
			status, err := dec.U8("slot.status")
			if err != nil {
				return err
			}
			s.status = status
			errReg, err := dec.U8("slot.errReg")
			if err != nil {
				return err
			}
			s.errReg = errReg
			if s.sectorCount, err = dec.U16("slot.sectorCount"); err != nil {
				return err
			}
			if s.lbaLow, err = dec.U16("slot.lbaLow"); err != nil {
				return err
			}
			if s.lbaMid, err = dec.U16("slot.lbaMid"); err != nil {
				return err
			}
			if s.lbaHigh, err = dec.U16("slot.lbaHigh"); err != nil {
				return err
			}
			if s.driveHead, err = dec.U8("slot.driveHead"); err != nil {
				return err
			}
		}
		nien, err := dec.Bool("channel.nien")
		if err != nil {
			return err
		}
		ch.nien = nien
		sel, err := dec.U8("channel.sel")
		if err != nil {
			return err
		}
		ch.sel = int(sel)
	}
	return nil
}

type commandBlockAdapter struct{ ch *Channel }

func (a *commandBlockAdapter) IORead(port uint16, width membus.Width) uint32 {
	return a.ch.ReadCommandBlock(int(port-portBase(a.ch)), width)
}
func (a *commandBlockAdapter) IOWrite(port uint16, width membus.Width, value uint32) {
	a.ch.WriteCommandBlock(int(port-portBase(a.ch)), width, value)
}

func portBase(ch *Channel) uint16 {
	if ch.name == "primary" {
		return PrimaryCmdBase
	}
	return SecondaryCmdBase
}

type controlAdapter struct{ ch *Channel }

func (a *controlAdapter) IORead(port uint16, width membus.Width) uint32 { return a.ch.ReadControl() }
func (a *controlAdapter) IOWrite(port uint16, width membus.Width, value uint32) {
	a.ch.WriteControl(byte(value))
}

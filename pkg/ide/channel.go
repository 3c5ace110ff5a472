package ide

import (
	"github.com/sirupsen/logrus"

	"github.com/aerow7/corevm/pkg/corelog"
	"github.com/aerow7/corevm/pkg/irq"
	"github.com/aerow7/corevm/pkg/membus"
	"github.com/aerow7/corevm/pkg/metrics"
)

// Channel is one PIIX3 IDE channel: the 8 command-block registers plus the
// alternate-status/device-control register, a master and slave slot, and
// the direct edge-triggered completion interrupt (GSI14 primary, GSI15
// secondary, independent of PCI INTx).
type Channel struct {
	log  *logrus.Entry
	name string

	master *slot
	slave  *slot
	sel    int // 0 = master, 1 = slave

	nien bool
	irq  irq.Sink
}

// NewChannel constructs an empty channel (no drives attached). name is used
// for logging only ("primary"/"secondary").
func NewChannel(name string, sink irq.Sink) *Channel {
	return &Channel{
		log:    corelog.ForDevice("ide", name),
		name:   name,
		master: newEmptySlot(),
		slave:  newEmptySlot(),
		irq:    sink,
	}
}

// AttachATA installs an ATA hard-disk backend at master (0) or slave (1).
func (c *Channel) AttachATA(unit int, backend DiskBackend) {
	s := newATASlot(backend)
	if unit == 0 {
		c.master = s
	} else {
		c.slave = s
	}
}

// AttachATAPI installs an ATAPI optical-drive backend at master (0) or
// slave (1).
func (c *Channel) AttachATAPI(unit int, backend IsoBackend) {
	s := newATAPISlot(backend)
	if unit == 0 {
		c.master = s
	} else {
		c.slave = s
	}
}

func (c *Channel) selected() *slot {
	if c.sel == 0 {
		return c.master
	}
	return c.slave
}

func (c *Channel) otherSlot() *slot {
	if c.sel == 0 {
		return c.slave
	}
	return c.master
}

func (c *Channel) assertIRQ() {
	if c.nien || c.irq == nil {
		return
	}
	c.irq.Pulse()
}

// ReadCommandBlock services a CPU read of one of the 8 command-block
// registers (RegData..RegStatusCmd, relative offset).
func (c *Channel) ReadCommandBlock(reg int, width membus.Width) uint32 {
	s := c.selected()
	if reg == RegData {
		return c.readData(s, width)
	}
	if !s.present() {
		return 0xFF
	}
	switch reg {
	case RegErrorFeat:
		return uint32(s.errReg)
	case RegSectorCount:
		return uint32(byte(s.sectorCount))
	case RegLBALow:
		return uint32(byte(s.lbaLow))
	case RegLBAMid:
		return uint32(byte(s.lbaMid))
	case RegLBAHigh:
		return uint32(byte(s.lbaHigh))
	case RegDriveHead:
		return uint32(s.driveHead)
	case RegStatusCmd:
		// Completion interrupts are edge pulses with no latched pending
		// state here, so reading status has no side effect.
		return uint32(s.status)
	}
	return 0xFF
}

// WriteCommandBlock services a CPU write to one of the 8 command-block
// registers.
func (c *Channel) WriteCommandBlock(reg int, width membus.Width, value uint32) {
	s := c.selected()
	switch reg {
	case RegData:
		c.writeData(s, width, value)
		return
	case RegErrorFeat:
		return // features register: not modeled beyond default behavior
	case RegSectorCount:
		s.sectorCount = s.sectorCount<<8 | uint16(byte(value))
	case RegLBALow:
		s.stageLBA(byte(value), RegLBALow)
	case RegLBAMid:
		s.stageLBA(byte(value), RegLBAMid)
	case RegLBAHigh:
		s.stageLBA(byte(value), RegLBAHigh)
	case RegDriveHead:
		s.driveHead = byte(value)
		if byte(value)&DriveHeadDRV != 0 {
			c.sel = 1
		} else {
			c.sel = 0
		}
	case RegStatusCmd:
		c.execute(byte(value))
	}
}

// ReadControl services a read of the alternate status register (device
// control block, offset 0 relative to the control port). Like
// RegStatusCmd, reading it has no side effect.
func (c *Channel) ReadControl() uint32 {
	s := c.selected()
	if !s.present() {
		return 0xFF
	}
	return uint32(s.status)
}

// WriteControl services a write to the device control register.
func (c *Channel) WriteControl(value byte) {
	c.nien = value&ControlNIEN != 0
	if value&ControlSRST != 0 {
		c.reset()
	}
}

func (c *Channel) reset() {
	for _, s := range []*slot{c.master, c.slave} {
		if s.present() {
			s.status = StatusDRDY | StatusDSC
			s.errReg = 0
			s.pioPos = 0
			s.pio = nil
			s.pendingPacket = false
		}
	}
	c.sel = 0
}

func (c *Channel) readData(s *slot, width membus.Width) uint32 {
	if s.pioPos >= len(s.pio) {
		return 0
	}
	var v uint32
	switch width {
	case membus.Width32:
		v = uint32(s.pio[s.pioPos]) | uint32(s.pio[s.pioPos+1])<<8 | uint32(s.pio[s.pioPos+2])<<16 | uint32(s.pio[s.pioPos+3])<<24
		s.pioPos += 4
	default:
		v = uint32(s.pio[s.pioPos]) | uint32(s.pio[s.pioPos+1])<<8
		s.pioPos += 2
	}
	if s.pioPos >= len(s.pio) {
		s.status &^= StatusDRQ
		s.pio = nil
	}
	return v
}

func (c *Channel) writeData(s *slot, width membus.Width, value uint32) {
	if s.pioPos+2 > len(s.pio) {
		return
	}
	s.pio[s.pioPos] = byte(value)
	s.pio[s.pioPos+1] = byte(value >> 8)
	s.pioPos += 2
	if s.pioPos >= len(s.pio) {
		s.status &^= StatusDRQ
		c.completeWrite(s)
	}
}

func (c *Channel) beginPIOIn(s *slot, data []byte) {
	s.pio = data
	s.pioPos = 0
	s.status = StatusDRDY | StatusDSC | StatusDRQ
	c.assertIRQ()
}

func (c *Channel) execute(cmd byte) {
	s := c.selected()
	if !s.present() {
		return
	}
	metrics.ControllerCommands.WithLabelValues("ide", "dispatched").Inc()
	switch cmd {
	case CmdIdentify:
		if s.kind != slotATA {
			c.abort(s)
			return
		}
		c.beginPIOIn(s, s.identifyData())
	case CmdIdentifyPacket:
		if s.kind != slotATAPI {
			c.abort(s)
			return
		}
		c.beginPIOIn(s, s.identifyData())
	case CmdReadSectors, CmdReadSectorsExt:
		c.doRead(s, cmd == CmdReadSectorsExt)
	case CmdWriteSectors, CmdWriteSectorsExt:
		c.doWritePrepare(s, cmd == CmdWriteSectorsExt)
	case CmdFlushCache:
		if s.kind == slotATA && s.ata != nil {
			_ = s.ata.Flush()
		}
		s.status = StatusDRDY | StatusDSC
		c.assertIRQ()
	case CmdPacket:
		if s.kind != slotATAPI {
			c.abort(s)
			return
		}
		s.pendingPacket = true
		s.pio = make([]byte, 12)
		s.pioPos = 0
		s.status = StatusDRDY | StatusDSC | StatusDRQ
	default:
		c.abort(s)
	}
}

func (c *Channel) abort(s *slot) {
	s.status = StatusDRDY | StatusDSC | StatusERR
	s.errReg = ErrABRT
	c.assertIRQ()
	metrics.ControllerCommands.WithLabelValues("ide", "aborted").Inc()
	c.log.WithField("channel", c.name).Debug("command aborted")
}

func (c *Channel) doRead(s *slot, ext bool) {
	if s.kind != slotATA || s.ata == nil {
		c.abort(s)
		return
	}
	lba := s.lba28()
	count := uint64(byte(s.sectorCount))
	if ext {
		lba = s.lba48()
		count = uint64(s.sectorCount)
	}
	if count == 0 {
		count = 256
	}
	buf := make([]byte, count*ATASectorSize)
	if err := s.ata.ReadSectors(lba, buf); err != nil {
		c.abort(s)
		return
	}
	c.beginPIOIn(s, buf)
}

func (c *Channel) doWritePrepare(s *slot, ext bool) {
	if s.kind != slotATA || s.ata == nil {
		c.abort(s)
		return
	}
	count := uint64(byte(s.sectorCount))
	if ext {
		count = uint64(s.sectorCount)
	}
	if count == 0 {
		count = 256
	}
	s.pio = make([]byte, count*ATASectorSize)
	s.pioPos = 0
	s.status = StatusDRDY | StatusDSC | StatusDRQ
}

func (c *Channel) completeWrite(s *slot) {
	if s.pendingPacket {
		c.completePacket(s)
		return
	}
	lba := s.lba28()
	if s.lba48() != 0 {
		lba = s.lba48()
	}
	if s.ata != nil {
		if err := s.ata.WriteSectors(lba, s.pio); err != nil {
			c.abort(s)
			return
		}
	}
	s.status = StatusDRDY | StatusDSC
	c.assertIRQ()
}

func (c *Channel) completePacket(s *slot) {
	cdb := s.pio
	s.pendingPacket = false
	resp, err := executeATAPIPacket(s, cdb)
	if err != nil {
		s.status = StatusDRDY | StatusDSC | StatusERR
		s.errReg = ErrABRT
		c.assertIRQ()
		return
	}
	if len(resp) == 0 {
		s.status = StatusDRDY | StatusDSC
		c.assertIRQ()
		return
	}
	c.beginPIOIn(s, resp)
}

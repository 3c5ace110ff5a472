// Package i8042 implements the i8042 keyboard/mouse controller and its two
// PS/2 devices, wired to edge-triggered IRQ1 (keyboard) and IRQ12 (mouse)
//.
package i8042

import (
	"github.com/sirupsen/logrus"

	"github.com/aerow7/corevm/pkg/corelog"
	"github.com/aerow7/corevm/pkg/irq"
	"github.com/aerow7/corevm/pkg/membus"
	"github.com/aerow7/corevm/pkg/snapshot"
)

// Status register bits (port 0x64 read).
const (
	StatusOBF  = 1 << 0
	StatusIBF  = 1 << 1
	StatusSYS  = 1 << 2
	StatusA2   = 1 << 3
	StatusINH  = 1 << 4
	StatusMOBF = 1 << 5
	StatusTOUT = 1 << 6
	StatusPERR = 1 << 7
)

// Command byte bits (written via command 0x60, read via 0x20).
const (
	CmdByteKbdIRQEnable = 1 << 0
	CmdByteMouseIRQEnable = 1 << 1
	CmdByteSystemFlag   = 1 << 2
	CmdByteKbdDisable   = 1 << 4
	CmdByteMouseDisable = 1 << 5
	CmdByteTranslate    = 1 << 6
)

const (
	DataPort = 0x60
	CmdPort  = 0x64
)

type source int

const (
	sourceController source = iota
	sourceKeyboard
	sourceMouse
)

// queuedByte is one pending output-buffer byte tagged with its source, so
// the controller can route the correct IRQ pulse when it is consumed.
type queuedByte struct {
	b      byte
	source source
}

// Controller is the i8042 + PS/2 keyboard/mouse complex.
type Controller struct {
	log *logrus.Entry

	commandByte byte
	awaitingArg byte // nonzero: next data-port write is an argument to this controller command
	queue       []queuedByte

	kbd   *Keyboard
	mouse *Mouse

	kbdIRQ   irq.Sink
	mouseIRQ irq.Sink
}

// New constructs the controller with both PS/2 ports enabled and IRQs on,
// matching real BIOS POST state.
func New(kbdIRQ, mouseIRQ irq.Sink) *Controller {
	c := &Controller{
		commandByte: CmdByteKbdIRQEnable | CmdByteMouseIRQEnable | CmdByteTranslate,
		kbd:         NewKeyboard(),
		mouse:       NewMouse(),
		kbdIRQ:      kbdIRQ,
		mouseIRQ:    mouseIRQ,
	}
	c.log = corelog.For("i8042")
	return c
}

// AttachTo maps the data/command ports onto ioBus.
func (c *Controller) AttachTo(ioBus *membus.IOBus) {
	ioBus.Map(DataPort, 1, &dataPortAdapter{c: c})
	ioBus.Map(CmdPort, 1, &cmdPortAdapter{c: c})
}

func (c *Controller) status() byte {
	var s byte
	if len(c.queue) > 0 {
		s |= StatusOBF
		if c.queue[0].source == sourceMouse {
			s |= StatusMOBF
		}
	}
	s |= StatusSYS
	return s
}

func (c *Controller) readData() byte {
	if len(c.queue) == 0 {
		return 0
	}
	qb := c.queue[0]
	c.queue = c.queue[1:]
	return qb.b
}

// enqueue appends a byte from source and raises one matching edge pulse for
// it, so every byte a device emits produces exactly one IRQ pulse.
func (c *Controller) enqueue(src source, b byte) {
	c.queue = append(c.queue, queuedByte{b: b, source: src})
	c.pulseFor(src)
}

func (c *Controller) pulseFor(src source) {
	switch src {
	case sourceKeyboard:
		if c.commandByte&CmdByteKbdIRQEnable != 0 && c.kbdIRQ != nil {
			c.kbdIRQ.Pulse()
		}
	case sourceMouse:
		if c.commandByte&CmdByteMouseIRQEnable != 0 && c.mouseIRQ != nil {
			c.mouseIRQ.Pulse()
		}
	}
}

func (c *Controller) writeData(b byte) {
	if c.awaitingArg != 0 {
		c.handleControllerArg(c.awaitingArg, b)
		c.awaitingArg = 0
		return
	}
	if c.commandByte&CmdByteKbdDisable == 0 {
		c.kbd.HostByte(b, func(out byte) { c.enqueue(sourceKeyboard, out) })
	}
}

func (c *Controller) handleControllerArg(cmd, arg byte) {
	switch cmd {
	case 0x60:
		c.commandByte = arg
	case 0xD3: // write mouse output buffer
		c.enqueue(sourceMouse, arg)
	case 0xD4: // write-to-mouse
		c.mouse.HostByte(arg, func(out byte) { c.enqueue(sourceMouse, out) })
	}
}

func (c *Controller) writeCommand(cmd byte) {
	switch cmd {
	case 0x20: // read command byte
		c.queue = append([]queuedByte{{b: c.commandByte, source: sourceController}}, c.queue...)
	case 0x60: // write command byte (argument follows)
		c.awaitingArg = 0x60
	case 0xA7: // disable mouse port
		c.commandByte |= CmdByteMouseDisable
	case 0xA8: // enable mouse port
		c.commandByte &^= CmdByteMouseDisable
	case 0xAD: // disable keyboard port
		c.commandByte |= CmdByteKbdDisable
	case 0xAE: // enable keyboard port
		c.commandByte &^= CmdByteKbdDisable
	case 0xD3, 0xD4:
		c.awaitingArg = cmd
	case 0xFE: // pulse reset line: not modeled (no CPU reset path here)
	default:
		// Unrecognized controller commands are silently ignored: a
		// programming-error soft-ignore.
		c.log.WithField("cmd", cmd).Debug("unrecognized i8042 controller command")
	}
}

// InjectKeyEvent feeds a Set-2 scancode sequence for the given key/press
// state into the keyboard's output queue.
func (c *Controller) InjectKeyEvent(scancode []byte) {
	if c.commandByte&CmdByteKbdDisable != 0 || !c.kbd.scanningEnabled {
		return
	}
	for _, b := range scancode {
		c.enqueue(sourceKeyboard, b)
	}
}

// InjectMousePacket feeds a pre-built PS/2 mouse packet (3 or 4 bytes
// depending on negotiated mode) into the mouse's output queue.
func (c *Controller) InjectMousePacket(packet []byte) {
	if c.commandByte&CmdByteMouseDisable != 0 || !c.mouse.streaming {
		return
	}
	for _, b := range packet {
		c.enqueue(sourceMouse, b)
	}
}

type dataPortAdapter struct{ c *Controller }

func (a *dataPortAdapter) IORead(port uint16, width membus.Width) uint32 {
	return uint32(a.c.readData())
}
func (a *dataPortAdapter) IOWrite(port uint16, width membus.Width, value uint32) {
	a.c.writeData(byte(value))
}

type cmdPortAdapter struct{ c *Controller }

func (a *cmdPortAdapter) IORead(port uint16, width membus.Width) uint32 {
	return uint32(a.c.status())
}
func (a *cmdPortAdapter) IOWrite(port uint16, width membus.Width, value uint32) {
	a.c.writeCommand(byte(value))
}

// --- snapshot.Device ---

func (c *Controller) SnapshotID() snapshot.DeviceID { return snapshot.IDI8042 }

func (c *Controller) Snapshot() snapshot.Record {
	enc := snapshot.NewEncoder()
	enc.PutU8(c.commandByte)
	enc.PutU8(c.awaitingArg)
	enc.PutU32(uint32(len(c.queue)))
	for _, qb := range c.queue {
		enc.PutU8(qb.b)
		enc.PutU8(uint8(qb.source))
	}
	return snapshot.Record{ID: snapshot.IDI8042, Version: 1, Payload: enc.Bytes()}
}

func (c *Controller) Restore(rec snapshot.Record) error {
	dec := snapshot.NewDecoder(rec.Payload)
	cb, err := dec.U8("commandByte")
	if err != nil {
		return err
	}
	c.commandByte = cb
	aa, err := dec.U8("awaitingArg")
	if err != nil {
		return err
	}
	c.awaitingArg = aa
	n, err := dec.U32("queueLen")
	if err != nil {
		return err
	}
	c.queue = make([]queuedByte, 0, n)
	for i := uint32(0); i < n; i++ {
		b, err := dec.U8("queue.b")
		if err != nil {
			return err
		}
		src, err := dec.U8("queue.source")
		if err != nil {
			return err
		}
		c.queue = append(c.queue, queuedByte{b: b, source: source(src)})
	}
	return nil
}

// Package input implements the virtio-input multi-function device at PCI
// slot 00:0A.{0,1,2}: keyboard, mouse, and tablet functions
// each exposing an eventq/statusq pair carrying {type,code,value} event
// triples.
package input

import (
	"encoding/binary"

	"github.com/sirupsen/logrus"

	"github.com/aerow7/corevm/pkg/corelog"
	"github.com/aerow7/corevm/pkg/irq"
	"github.com/aerow7/corevm/pkg/membus"
	"github.com/aerow7/corevm/pkg/pci"
	"github.com/aerow7/corevm/pkg/snapshot"
	"github.com/aerow7/corevm/pkg/virtio"
)

const (
	virtioType = 18 // input device

	eventQ    = 0
	statusQ   = 1
	eventQSize  = 64
	statusQSize = 64

	// Config selectors ("Required selectors").
	selIDName   = 0x01
	selIDDevIDs = 0x02
	selEVBits   = 0x11
)

// Event types/codes (Linux input-event-codes subset).
const (
	EVSyn = 0x00
	EVKey = 0x01
	EVRel = 0x02
	EVAbs = 0x03
	EVLed = 0x11
)

// Kind distinguishes the three virtio-input functions this core exposes.
type Kind int

const (
	Keyboard Kind = iota
	Mouse
	Tablet
)

// Device is one virtio-input PCI function (kbd, mouse, or tablet).
type Device struct {
	log  *logrus.Entry
	kind Kind

	t   *virtio.Transport
	mem *membus.RAM

	// selWritten is not read or written anywhere in this package; DEVICE_CFG
	// holds whatever ReadConfigSelector last stored.
	selWritten byte
}

func New(bdf pci.BDF, router *irq.Router, mmioBus *membus.MMIOBus, mem *membus.RAM, kind Kind) *Device {
	d := &Device{log: corelog.For("virtio-input"), kind: kind, mem: mem}
	d.t = virtio.New(virtio.Config{
		BDF:           bdf,
		Router:        router,
		MMIOBus:       mmioBus,
		Mem:           mem,
		VirtioType:    virtioType,
		ClassCode:     0x09, // input device
		Subclass:      0x00,
		NumQueues:     2,
		QueueSize:     eventQSize,
		DeviceCfgSize: 128, // select(1)+subsel(1)+size(1)+reserved(5)+union payload(up to 120B)
		LogName:       "virtio-input",
		DeviceNumber:  func() int { return int(bdf.Device) },
	})
	d.t.NotifyHandler = d.onNotify
	return d
}

func (d *Device) Function() *pci.Function { return d.t.Function() }

func (d *Device) onNotify(q int) {
	if q == statusQ {
		d.drainStatus()
	}
}

// drainStatus consumes LED status reports without acting on them, per
// statusq LED reports must be consumed but may be ignored.
func (d *Device) drainStatus() {
	for i := 0; i < statusQSize; i++ {
		_, head, ok := d.t.PopAvail(statusQ)
		if !ok {
			return
		}
		d.t.PushUsed(statusQ, head, 0)
	}
}

// ReadConfigSelector fills DEVICE_CFG for one select/subsel pair: it stores
// `select`/`subsel` at offsets 0/1, the payload size at offset 2 and the
// payload from offset 8, and returns the payload. A guest write of
// select/subsel through the BAR only stores those two bytes; it does not
// refresh the payload.
func (d *Device) ReadConfigSelector(selectID, subsel byte) []byte {
	cfg := d.t.DeviceConfig()
	cfg[0] = selectID
	cfg[1] = subsel
	var payload []byte
	switch selectID {
	case selIDName:
		payload = []byte(d.name())
	case selIDDevIDs:
		payload = make([]byte, 8)
		binary.LittleEndian.PutUint16(payload[0:2], 0x1AF4) // bustype placeholder
		binary.LittleEndian.PutUint16(payload[2:4], 0x0001)
		binary.LittleEndian.PutUint16(payload[4:6], uint16(d.kind)+1)
		binary.LittleEndian.PutUint16(payload[6:8], 1)
	case selEVBits:
		payload = d.evBits(subsel)
	}
	cfg[2] = byte(len(payload))
	copy(cfg[8:], payload)
	return payload
}

func (d *Device) name() string {
	switch d.kind {
	case Keyboard:
		return "aero-w7-virtio-keyboard"
	case Mouse:
		return "aero-w7-virtio-mouse"
	default:
		return "aero-w7-virtio-tablet"
	}
}

// evBits returns the supported-event-codes bitmap for the given event
// type (subsel), required KEY/BTN/ABS sets. The exact bit
// positions mirror Linux's input-event-codes; only a representative subset
// is modeled since the guest driver only probes for presence.
func (d *Device) evBits(evType byte) []byte {
	bits := make([]byte, 0x120/8) // codes 0x000-0x11F: keyboard keys and the mouse button range
	set := func(code int) {
		if code/8 < len(bits) {
			bits[code/8] |= 1 << uint(code%8)
		}
	}
	switch d.kind {
	case Keyboard:
		if evType == EVKey {
			for c := 1; c <= 83; c++ { // KEY_ESC..KEY_KPDOT: alphanumerics, modifiers, locks, F1-F10, keypad
				set(c)
			}
			set(87) // KEY_F11
			set(88) // KEY_F12
			for c := 96; c <= 111; c++ { // keypad enter/slash, right ctrl/alt, navigation and arrow keys
				set(c)
			}
			set(125) // KEY_LEFTMETA
			set(126) // KEY_RIGHTMETA
		}
	case Mouse:
		if evType == EVKey {
			set(0x110) // BTN_LEFT
			set(0x111) // BTN_RIGHT
			set(0x112) // BTN_MIDDLE
			set(0x113) // BTN_SIDE
			set(0x114) // BTN_EXTRA
		}
		if evType == EVRel {
			set(0x00) // REL_X
			set(0x01) // REL_Y
		}
	case Tablet:
		if evType == EVAbs {
			set(0x00) // ABS_X
			set(0x01) // ABS_Y
		}
	}
	return bits
}

// PostEvent pushes one {type,code,value} triple into the eventq if a
// descriptor is available; otherwise the event is dropped (no backpressure
// channel exists for virtio-input events).
func (d *Device) PostEvent(evType, code uint16, value uint32) {
	chain, head, ok := d.t.PopAvail(eventQ)
	if !ok || len(chain) == 0 {
		return
	}
	var buf [8]byte
	binary.LittleEndian.PutUint16(buf[0:2], evType)
	binary.LittleEndian.PutUint16(buf[2:4], code)
	binary.LittleEndian.PutUint32(buf[4:8], value)
	d.mem.WriteAt(chain[0].Addr, buf[:])
	d.t.PushUsed(eventQ, head, 8)
}

// --- snapshot.Device ---

// SnapshotID distinguishes the three co-existing virtio-input functions
// with a per-kind variant of the base "VINP" tag: since 00:0A.{0,1,2} are
// three simultaneously-snapshotted device instances, each needs its own
// tag to avoid colliding in the envelope's id-keyed record list.
func (d *Device) SnapshotID() snapshot.DeviceID {
	suffix := byte('K')
	switch d.kind {
	case Mouse:
		suffix = 'M'
	case Tablet:
		suffix = 'T'
	}
	base := snapshot.IDVirtioInp
	return snapshot.DeviceID{base[0], base[1], base[2], suffix}
}

func (d *Device) Snapshot() snapshot.Record {
	enc := snapshot.NewEncoder()
	d.t.EncodeState(enc)
	return snapshot.Record{ID: d.SnapshotID(), Version: 1, Payload: enc.Bytes()}
}

func (d *Device) Restore(rec snapshot.Record) error {
	dec := snapshot.NewDecoder(rec.Payload)
	return d.t.RestoreState(dec)
}

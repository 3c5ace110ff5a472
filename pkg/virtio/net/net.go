// Package net implements the virtio-net device: a 256-entry
// RX/TX queue pair carrying classic (non-mergeable) virtio-net headers and
// Ethernet frames bounded to [14, 1522] bytes.
package net

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
	virtioType  = 1 // network card
	rxQueue     = 0
	txQueue     = 1
	queueSize   = 256
	netHdrLen   = 10
	minFrame    = 14
	maxFrame    = 1522
	linkUp      = 1
)

// HostLink is the guest-to-host boundary for virtio-net: Transmit receives
// each completed outbound frame synchronously. Inbound frames do not pass
// through HostLink; they are queued with Device.InjectFrame.
type HostLink interface {
	Transmit(frame []byte)
}

// Device is the virtio-net PCI function.
type Device struct {
	log *logrus.Entry

	t    *virtio.Transport
	mem  *membus.RAM
	mac  [6]byte
	link HostLink

	pendingRX [][]byte // frames queued by InjectFrame awaiting an RX descriptor
}

func New(bdf pci.BDF, router *irq.Router, mmioBus *membus.MMIOBus, mem *membus.RAM, mac [6]byte, link HostLink) *Device {
	d := &Device{log: corelog.For("virtio-net"), mem: mem, mac: mac, link: link}
	d.t = virtio.New(virtio.Config{
		BDF:            bdf,
		Router:         router,
		MMIOBus:        mmioBus,
		Mem:            mem,
		VirtioType:     virtioType,
		ClassCode:      0x02, // network controller
		Subclass:       0x00,
		DeviceFeatures: virtio.NetFMAC | virtio.NetFStatus,
		NumQueues:      2,
		QueueSize:      queueSize,
		DeviceCfgSize:  8, // mac(6) + status(2)
		LogName:        "virtio-net",
		DeviceNumber:   func() int { return int(bdf.Device) },
	})
	d.t.NotifyHandler = d.onNotify
	d.writeConfig()
	return d
}

func (d *Device) Function() *pci.Function { return d.t.Function() }

func (d *Device) writeConfig() {
	cfg := d.t.DeviceConfig()
	copy(cfg[0:6], d.mac[:])
	binary.LittleEndian.PutUint16(cfg[6:8], linkUp)
}

func (d *Device) onNotify(q int) {
	switch q {
	case txQueue:
		d.drainTX()
	case rxQueue:
		d.drainRX()
	}
}

// drainTX pulls every posted TX chain, strips the classic virtio-net
// header, and hands the Ethernet payload to the host link. Out-of-bounds
// frames are dropped but the chain still completes.
func (d *Device) drainTX() {
	for i := 0; i < queueSize; i++ {
		chain, head, ok := d.t.PopAvail(txQueue)
		if !ok {
			return
		}
		var total uint32
		var frame []byte
		for i, seg := range chain {
			total += seg.Len
			if i == 0 {
				continue // header descriptor, not part of the frame payload
			}
			buf := make([]byte, seg.Len)
			d.mem.ReadAt(seg.Addr, buf)
			frame = append(frame, buf...)
		}
		if len(frame) >= minFrame && len(frame) <= maxFrame && d.link != nil {
			d.link.Transmit(frame)
		}
		d.t.PushUsed(txQueue, head, total)
	}
}

// drainRX delivers any frames queued by InjectFrame into newly posted RX
// descriptor chains. An out-of-bounds frame is dropped without taking an
// RX chain. A chain of fewer than two descriptors is returned with length
// 0 and its frame is dropped.
func (d *Device) drainRX() {
	for len(d.pendingRX) > 0 {
		frame := d.pendingRX[0]
		if len(frame) < minFrame || len(frame) > maxFrame {
			d.pendingRX = d.pendingRX[1:]
			continue
		}
		chain, head, ok := d.t.PopAvail(rxQueue)
		if !ok {
			return
		}
		d.pendingRX = d.pendingRX[1:]
		if len(chain) < 2 {
			d.t.PushUsed(rxQueue, head, 0)
			continue
		}

		var hdr [netHdrLen]byte
		d.mem.WriteAt(chain[0].Addr, hdr[:])
		d.mem.WriteAt(chain[1].Addr, frame)
		d.t.PushUsed(rxQueue, head, uint32(netHdrLen+len(frame)))
	}
}

// InjectFrame queues an inbound Ethernet frame for delivery on the next RX
// notification or drain.
func (d *Device) InjectFrame(frame []byte) {
	cp := make([]byte, len(frame))
	copy(cp, frame)
	d.pendingRX = append(d.pendingRX, cp)
	d.drainRX()
}

// --- snapshot.Device ---

func (d *Device) SnapshotID() snapshot.DeviceID { return snapshot.IDVirtioNet }

func (d *Device) Snapshot() snapshot.Record {
	enc := snapshot.NewEncoder()
	d.t.EncodeState(enc)
	return snapshot.Record{ID: snapshot.IDVirtioNet, Version: 1, Payload: enc.Bytes()}
}

func (d *Device) Restore(rec snapshot.Record) error {
	dec := snapshot.NewDecoder(rec.Payload)
	return d.t.RestoreState(dec)
}

// Package blk implements the virtio-blk device: a single
// request queue of size 128 serving IN/OUT/FLUSH requests against an
// ide.DiskBackend-shaped block store.
package blk

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
	sectorSize = 512
	queueSize  = 128
	virtioType = 2 // block device

	reqTypeIn    = 0
	reqTypeOut   = 1
	reqTypeFlush = 4

	statusOK     = 0
	statusIOErr  = 1
	statusUnsupp = 2
)

// Backend is the storage a virtio-blk device reads/writes, in 512-byte
// sectors. It is the same shape as pkg/ide.DiskBackend so the machine
// facade can attach one backing image to either controller.
type Backend interface {
	ReadSectors(lba uint64, dst []byte) error
	WriteSectors(lba uint64, src []byte) error
	Flush() error
	SectorCount() uint64
}

// Device is the virtio-blk PCI function.
type Device struct {
	log *logrus.Entry

	t       *virtio.Transport
	mem     *membus.RAM
	backend Backend
}

func New(bdf pci.BDF, router *irq.Router, mmioBus *membus.MMIOBus, mem *membus.RAM, backend Backend) *Device {
	d := &Device{log: corelog.For("virtio-blk"), backend: backend, mem: mem}
	d.t = virtio.New(virtio.Config{
		BDF:            bdf,
		Router:         router,
		MMIOBus:        mmioBus,
		Mem:            mem,
		VirtioType:     virtioType,
		ClassCode:      0x01, // mass storage
		Subclass:       0x00,
		DeviceFeatures: virtio.BlkFSegMax | virtio.BlkFBlkSize | virtio.BlkFFlush,
		NumQueues:      1,
		QueueSize:      queueSize,
		DeviceCfgSize:  16, // capacity(8) + seg_max(4) + blk_size(4)
		LogName:        "virtio-blk",
		DeviceNumber:   func() int { return int(bdf.Device) },
	})
	d.t.NotifyHandler = d.drainQueue
	d.writeConfig()
	return d
}

func (d *Device) Function() *pci.Function { return d.t.Function() }

func (d *Device) writeConfig() {
	cfg := d.t.DeviceConfig()
	binary.LittleEndian.PutUint64(cfg[0:8], d.backend.SectorCount())
	binary.LittleEndian.PutUint32(cfg[8:12], 128) // seg_max
	binary.LittleEndian.PutUint32(cfg[12:16], sectorSize)
}

// drainQueue processes every posted request in the one request queue,
// "at least one avail-ring batch per notification".
func (d *Device) drainQueue(q int) {
	for i := 0; i < queueSize; i++ {
		chain, head, ok := d.t.PopAvail(q)
		if !ok {
			return
		}
		written := d.executeRequest(chain)
		d.t.PushUsed(q, head, written)
	}
}

// executeRequest decodes the 16-byte request header from the first
// descriptor, performs the IN/OUT/FLUSH against backend, and writes the
// 1-byte status into the final (WRITE) descriptor.
func (d *Device) executeRequest(chain []virtio.Desc) uint32 {
	if len(chain) < 2 {
		return 0
	}
	mem := d.mem
	header := make([]byte, 16)
	if err := mem.ReadAt(chain[0].Addr, header); err != nil {
		return 0
	}
	reqType := binary.LittleEndian.Uint32(header[0:4])
	sector := binary.LittleEndian.Uint64(header[8:16])

	data := chain[1 : len(chain)-1]
	statusDesc := chain[len(chain)-1]

	status := byte(statusOK)
	var written uint32

	switch reqType {
	case reqTypeIn:
		for _, seg := range data {
			if seg.Len%sectorSize != 0 {
				status = statusIOErr
				break
			}
			buf := make([]byte, seg.Len)
			if err := d.backend.ReadSectors(sector, buf); err != nil {
				status = statusIOErr
				break
			}
			mem.WriteAt(seg.Addr, buf)
			sector += uint64(seg.Len / sectorSize)
			written += seg.Len
		}
	case reqTypeOut:
		for _, seg := range data {
			if seg.Len%sectorSize != 0 {
				status = statusIOErr
				break
			}
			buf := make([]byte, seg.Len)
			mem.ReadAt(seg.Addr, buf)
			if err := d.backend.WriteSectors(sector, buf); err != nil {
				status = statusIOErr
				break
			}
			sector += uint64(seg.Len / sectorSize)
		}
	case reqTypeFlush:
		if err := d.backend.Flush(); err != nil {
			status = statusIOErr
		}
	default:
		status = statusUnsupp
	}

	mem.WriteAt(statusDesc.Addr, []byte{status})
	return written + 1
}

// --- snapshot.Device ---

func (d *Device) SnapshotID() snapshot.DeviceID { return snapshot.IDVirtioBlk }

func (d *Device) Snapshot() snapshot.Record {
	enc := snapshot.NewEncoder()
	d.t.EncodeState(enc)
	return snapshot.Record{ID: snapshot.IDVirtioBlk, Version: 1, Payload: enc.Bytes()}
}

func (d *Device) Restore(rec snapshot.Record) error {
	dec := snapshot.NewDecoder(rec.Payload)
	return d.t.RestoreState(dec)
}

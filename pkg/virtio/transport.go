// Package virtio implements the modern virtio-pci transport shared by every
// virtio device in the core: the four fixed-offset BAR0 capabilities
// (COMMON_CFG/NOTIFY_CFG/ISR_CFG/DEVICE_CFG), the 56-byte common
// configuration register block, and the split-ring virtqueue descriptor
// walker.
package virtio

import (
	"encoding/binary"

	"github.com/sirupsen/logrus"

	"github.com/aerow7/corevm/pkg/corelog"
	"github.com/aerow7/corevm/pkg/irq"
	"github.com/aerow7/corevm/pkg/membus"
	"github.com/aerow7/corevm/pkg/pci"
	"github.com/aerow7/corevm/pkg/snapshot"
)

// Feature bits (subset exercised by the devices in this core).
const (
	FVersion1        = 1 << 32
	FRingIndirectDesc = 1 << 28
	FRingEventIdx     = 1 << 29
	FRingPacked       = 1 << 34

	BlkFSegMax  = 1 << 2
	BlkFBlkSize = 1 << 6
	BlkFFlush   = 1 << 9

	NetFMAC    = 1 << 5
	NetFStatus = 1 << 16
)

// Descriptor flags.
const (
	DescNext     = 1
	DescWrite    = 2
	DescIndirect = 4
)

// Device status bits.
const (
	StatusAcknowledge = 1
	StatusDriver      = 2
	StatusDriverOK    = 4
	StatusFeaturesOK  = 8
	StatusNeedsReset  = 64
	StatusFailed      = 128
)

const (
	barSize     = 0x4000 // 16 KiB, enough for every capability region below
	commonBase  = 0x0000
	commonLen   = 0x0100
	notifyBase  = 0x1000
	notifyLen   = 0x0100
	notifyMult  = 4
	isrBase     = 0x2000
	isrLen      = 0x0020
	deviceBase  = 0x3000
	deviceLen   = 0x0100
)

// Desc is one split-ring descriptor, materialized from guest memory.
type Desc struct {
	Addr  uint64
	Len   uint32
	Flags uint16
}

// Queue is one virtqueue's negotiated layout plus host-side ring cursor.
type Queue struct {
	Size       uint16
	MSIXVector uint16
	Enable     bool
	DescAddr   uint64
	AvailAddr  uint64
	UsedAddr   uint64
	NotifyOff  uint16

	lastAvailIdx uint16
	usedIdx      uint16
}

// Transport is the shared virtio-pci modern-transport state machine. A
// concrete device (blk/net/snd/input) embeds one and layers its own
// DEVICE_CFG bytes plus a NotifyHandler on top.
type Transport struct {
	log *logrus.Entry

	fn  *pci.Function
	mem *membus.RAM

	deviceFeatures uint64 // offered by the device
	driverFeatures uint64 // accepted by the driver across both 32-bit halves

	deviceFeatureSelect uint32
	driverFeatureSelect uint32
	msixConfig          uint16
	deviceStatus        uint8
	configGeneration    uint8
	queueSelect         uint16

	queues    []Queue
	queueSize uint16 // max size for every queue, per device

	isr uint8

	deviceCfg []byte

	// NotifyHandler is invoked once per notify-doorbell write with the
	// queue index; it is the device's cue to drain at least one avail-ring
	// batch ("at least one avail-ring batch per notification").
	NotifyHandler func(q int)
}

// Config carries the fixed, per-device-type parameters a Transport is
// built from.
type Config struct {
	BDF            pci.BDF
	Router         *irq.Router
	IOBus          *membus.IOBus
	MMIOBus        *membus.MMIOBus
	Mem            *membus.RAM
	VirtioType     uint16 // device_id = 0x1040 + VirtioType
	ClassCode      uint8
	Subclass       uint8
	DeviceFeatures uint64
	NumQueues      int
	QueueSize      uint16
	DeviceCfgSize  int
	LogName        string
	DeviceNumber   func() int
}

func New(cfg Config) *Transport {
	t := &Transport{
		log:            corelog.For(cfg.LogName),
		mem:            cfg.Mem,
		deviceFeatures: cfg.DeviceFeatures | FVersion1 | FRingIndirectDesc,
		queues:         make([]Queue, cfg.NumQueues),
		queueSize:      cfg.QueueSize,
		deviceCfg:      make([]byte, cfg.DeviceCfgSize),
	}
	for i := range t.queues {
		t.queues[i].Size = cfg.QueueSize
		t.queues[i].NotifyOff = uint16(i)
	}

	t.fn = pci.NewFunction(pci.FunctionConfig{
		BDF:       cfg.BDF,
		VendorID:  0x1AF4,
		DeviceID:  0x1040 + cfg.VirtioType,
		ClassCode:  cfg.ClassCode,
		Subclass:   cfg.Subclass,
		RevisionID: 0x01,
		HasIntx:    true,
		IntxPin:   irq.INTA,
	}, t, cfg.Router, cfg.DeviceNumber, cfg.IOBus, cfg.MMIOBus)
	t.fn.DeclareBAR(0, pci.BAR{Kind: pci.BARKindMMIO64, Size: barSize, Size64: barSize})

	caps := []pci.Capability{
		{ID: pci.CapIDVendorSpecific, Body: vendorCapBody(1, 0, commonBase, commonLen)},
		{ID: pci.CapIDVendorSpecific, Body: notifyCapBody(0, notifyBase, notifyLen, notifyMult)},
		{ID: pci.CapIDVendorSpecific, Body: vendorCapBody(3, 0, isrBase, isrLen)},
		{ID: pci.CapIDVendorSpecific, Body: vendorCapBody(4, 0, deviceBase, deviceLen)},
	}
	if err := t.fn.SetCapabilities(caps); err != nil {
		t.log.WithError(err).Error("failed to install virtio capability chain")
	}
	return t
}

// vendorCapBody builds the 16-byte virtio_pci_cap payload (following the
// standard 2-byte id/next header the CapabilityBuilder writes itself).
func vendorCapBody(cfgType, bar uint8, offset, length uint32) []byte {
	b := make([]byte, 14) // cap_len(1) + cfg_type(1) + bar(1) + pad(3) + offset(4) + length(4)
	b[0] = 16              // cap_len (2 header + 14)
	b[1] = cfgType
	b[2] = bar
	binary.LittleEndian.PutUint32(b[6:10], offset)
	binary.LittleEndian.PutUint32(b[10:14], length)
	return b
}

// notifyCapBody is the NOTIFY_CFG capability: the same 16-byte prefix plus
// a trailing 4-byte notify_off_multiplier.
func notifyCapBody(bar uint8, offset, length, multiplier uint32) []byte {
	b := make([]byte, 18)
	copy(b, vendorCapBody(2, bar, offset, length))
	b[0] = 20 // cap_len (2 header + 18)
	binary.LittleEndian.PutUint32(b[14:18], multiplier)
	return b
}

func (t *Transport) Function() *pci.Function { return t.fn }

// DeviceConfig returns the raw DEVICE_CFG bytes for the device wrapper to
// populate at construction time (capacity, MAC, PCM descriptors, etc).
func (t *Transport) DeviceConfig() []byte { return t.deviceCfg }

// BumpConfigGeneration increments config_generation, // ("incremented by the device whenever DEVICE_CFG mutates at runtime").
func (t *Transport) BumpConfigGeneration() { t.configGeneration++ }

// DriverOK reports whether the guest driver has completed feature
// negotiation and is ready to receive notifications.
func (t *Transport) DriverOK() bool { return t.deviceStatus&StatusDriverOK != 0 }

// MarkNeedsReset sets the DEVICE_NEEDS_RESET status bit: a host-side
// fatal surfaced without crashing the VM.
func (t *Transport) MarkNeedsReset() { t.deviceStatus |= StatusNeedsReset }

func (t *Transport) reset() {
	t.deviceFeatureSelect = 0
	t.driverFeatureSelect = 0
	t.driverFeatures = 0
	t.msixConfig = 0
	t.deviceStatus = 0
	t.queueSelect = 0
	t.isr = 0
	for i := range t.queues {
		t.queues[i] = Queue{Size: t.queueSize, NotifyOff: uint16(i)}
	}
}

// --- pci.Ops ---

func (t *Transport) ReadBAR(bar int, offset uint64, width membus.Width) uint64 {
	switch {
	case offset >= commonBase && offset < commonBase+commonLen:
		return uint64(t.readCommon(offset - commonBase))
	case offset >= isrBase && offset < isrBase+isrLen:
		if offset == isrBase {
			v := t.isr
			t.isr = 0
			t.updateIrq()
			return uint64(v)
		}
		return 0
	case offset >= deviceBase && offset < deviceBase+deviceLen:
		return t.readDeviceCfg(offset - deviceBase, width)
	default:
		return 0
	}
}

func (t *Transport) WriteBAR(bar int, offset uint64, width membus.Width, value uint64) {
	switch {
	case offset >= commonBase && offset < commonBase+commonLen:
		t.writeCommon(offset-commonBase, value)
	case offset >= notifyBase && offset < notifyBase+notifyLen:
		q := int((offset - notifyBase) / notifyMult)
		t.notify(q)
	case offset >= deviceBase && offset < deviceBase+deviceLen:
		t.writeDeviceCfg(offset-deviceBase, width, value)
	}
}

func (t *Transport) OnCommandChanged(old, new uint16)       {}
func (t *Transport) OnBARReprogrammed(bar int, base uint64) {}

func (t *Transport) readCommon(off uint64) uint32 {
	switch off {
	case 0x00:
		return t.deviceFeatureSelect
	case 0x04:
		if t.deviceFeatureSelect == 1 {
			return uint32(t.deviceFeatures >> 32)
		}
		return uint32(t.deviceFeatures)
	case 0x08:
		return t.driverFeatureSelect
	case 0x0C:
		if t.driverFeatureSelect == 1 {
			return uint32(t.driverFeatures >> 32)
		}
		return uint32(t.driverFeatures)
	case 0x10:
		return uint32(t.msixConfig)
	case 0x12:
		return uint32(len(t.queues))
	case 0x14:
		return uint32(t.deviceStatus)
	case 0x15:
		return uint32(t.configGeneration)
	case 0x16:
		return uint32(t.queueSelect)
	case 0x18:
		return uint32(t.curQueue().Size)
	case 0x1A:
		return uint32(t.curQueue().MSIXVector)
	case 0x1C:
		if t.curQueue().Enable {
			return 1
		}
		return 0
	case 0x1E:
		return uint32(t.curQueue().NotifyOff)
	case 0x20:
		return uint32(t.curQueue().DescAddr)
	case 0x24:
		return uint32(t.curQueue().DescAddr >> 32)
	case 0x28:
		return uint32(t.curQueue().AvailAddr)
	case 0x2C:
		return uint32(t.curQueue().AvailAddr >> 32)
	case 0x30:
		return uint32(t.curQueue().UsedAddr)
	case 0x34:
		return uint32(t.curQueue().UsedAddr >> 32)
	default:
		return 0
	}
}

func (t *Transport) writeCommon(off uint64, value uint64) {
	v := uint32(value)
	switch off {
	case 0x00:
		t.deviceFeatureSelect = v
	case 0x08:
		t.driverFeatureSelect = v
	case 0x0C:
		if t.driverFeatureSelect == 1 {
			t.driverFeatures = (t.driverFeatures & 0xFFFFFFFF) | (uint64(v) << 32)
		} else {
			t.driverFeatures = (t.driverFeatures &^ 0xFFFFFFFF) | uint64(v)
		}
	case 0x10:
		t.msixConfig = uint16(v)
	case 0x14:
		if v == 0 {
			t.reset()
			return
		}
		t.deviceStatus = uint8(v)
	case 0x16:
		if int(v) < len(t.queues) {
			t.queueSelect = uint16(v)
		}
	case 0x18:
		q := t.curQueuePtr()
		if q != nil && v <= uint64(t.queueSize) {
			q.Size = uint16(v)
		}
	case 0x1A:
		if q := t.curQueuePtr(); q != nil {
			q.MSIXVector = uint16(v)
		}
	case 0x1C:
		if q := t.curQueuePtr(); q != nil {
			q.Enable = v != 0
		}
	case 0x20:
		if q := t.curQueuePtr(); q != nil {
			q.DescAddr = (q.DescAddr &^ 0xFFFFFFFF) | uint64(v)
		}
	case 0x24:
		if q := t.curQueuePtr(); q != nil {
			q.DescAddr = (q.DescAddr & 0xFFFFFFFF) | (uint64(v) << 32)
		}
	case 0x28:
		if q := t.curQueuePtr(); q != nil {
			q.AvailAddr = (q.AvailAddr &^ 0xFFFFFFFF) | uint64(v)
		}
	case 0x2C:
		if q := t.curQueuePtr(); q != nil {
			q.AvailAddr = (q.AvailAddr & 0xFFFFFFFF) | (uint64(v) << 32)
		}
	case 0x30:
		if q := t.curQueuePtr(); q != nil {
			q.UsedAddr = (q.UsedAddr &^ 0xFFFFFFFF) | uint64(v)
		}
	case 0x34:
		if q := t.curQueuePtr(); q != nil {
			q.UsedAddr = (q.UsedAddr & 0xFFFFFFFF) | (uint64(v) << 32)
		}
	}
}

func (t *Transport) curQueue() Queue {
	if int(t.queueSelect) >= len(t.queues) {
		return Queue{}
	}
	return t.queues[t.queueSelect]
}

func (t *Transport) curQueuePtr() *Queue {
	if int(t.queueSelect) >= len(t.queues) {
		return nil
	}
	return &t.queues[t.queueSelect]
}

func (t *Transport) readDeviceCfg(off uint64, width membus.Width) uint64 {
	n := int(width)
	if int(off)+n > len(t.deviceCfg) {
		return 0
	}
	switch width {
	case membus.Width8:
		return uint64(t.deviceCfg[off])
	case membus.Width16:
		return uint64(binary.LittleEndian.Uint16(t.deviceCfg[off:]))
	case membus.Width32:
		return uint64(binary.LittleEndian.Uint32(t.deviceCfg[off:]))
	default:
		return binary.LittleEndian.Uint64(t.deviceCfg[off:])
	}
}

func (t *Transport) writeDeviceCfg(off uint64, width membus.Width, value uint64) {
	n := int(width)
	if int(off)+n > len(t.deviceCfg) {
		return
	}
	switch width {
	case membus.Width8:
		t.deviceCfg[off] = byte(value)
	case membus.Width16:
		binary.LittleEndian.PutUint16(t.deviceCfg[off:], uint16(value))
	case membus.Width32:
		binary.LittleEndian.PutUint32(t.deviceCfg[off:], uint32(value))
	default:
		binary.LittleEndian.PutUint64(t.deviceCfg[off:], value)
	}
}

// notify handles a doorbell write: spurious notifications (queue not
// enabled, or no handler wired) are silently accepted.
func (t *Transport) notify(q int) {
	if q < 0 || q >= len(t.queues) || !t.queues[q].Enable {
		return
	}
	if t.NotifyHandler != nil {
		t.NotifyHandler(q)
	}
}

func (t *Transport) updateIrq() {
	if t.isr != 0 {
		t.fn.RaiseIntx()
	} else {
		t.fn.LowerIntx()
	}
}

// PopAvail removes one descriptor-chain head from queue q's avail ring and
// returns the fully resolved chain (INDIRECT tables expanded, NEXT-linked
// descriptors followed), bounded to the queue's negotiated size to avoid a
// malformed guest ring causing an infinite walk.
func (t *Transport) PopAvail(q int) (chain []Desc, headIdx uint16, ok bool) {
	if q < 0 || q >= len(t.queues) {
		return nil, 0, false
	}
	qq := &t.queues[q]
	var availHdr [4]byte
	if err := t.mem.ReadAt(qq.AvailAddr, availHdr[:]); err != nil {
		return nil, 0, false
	}
	guestIdx := binary.LittleEndian.Uint16(availHdr[2:4])
	if guestIdx == qq.lastAvailIdx {
		return nil, 0, false
	}
	var ringEntry [2]byte
	ringAddr := qq.AvailAddr + 4 + uint64(qq.lastAvailIdx%qq.Size)*2
	if err := t.mem.ReadAt(ringAddr, ringEntry[:]); err != nil {
		return nil, 0, false
	}
	head := binary.LittleEndian.Uint16(ringEntry[:])
	qq.lastAvailIdx++

	chain = t.walkChain(qq, head)
	return chain, head, true
}

func (t *Transport) walkChain(q *Queue, idx uint16) []Desc {
	var out []Desc
	visited := 0
	for visited < int(q.Size)*2 { // bound: INDIRECT can double the hops
		visited++
		d, ok := t.readDescAt(q.DescAddr, idx)
		if !ok {
			break
		}
		if d.Flags&DescIndirect != 0 {
			out = append(out, t.walkIndirect(d.Addr, d.Len)...)
			break // INDIRECT descriptors may not chain further via NEXT
		}
		out = append(out, d.Desc)
		if d.Flags&DescNext == 0 {
			break
		}
		idx = d.next
	}
	return out
}

func (t *Transport) walkIndirect(tableAddr uint64, tableLen uint32) []Desc {
	count := tableLen / 16
	var out []Desc
	idx := uint16(0)
	for i := uint32(0); i < count; i++ {
		d, ok := t.readDescAt(tableAddr, idx)
		if !ok {
			break
		}
		out = append(out, d.Desc)
		if d.Flags&DescNext == 0 {
			break
		}
		idx = d.next
	}
	return out
}

// descWithNext carries the raw next-index field alongside the resolved
// Desc, since Desc itself only exposes what device code needs.
type descWithNext struct {
	Desc
	next uint16
}

func (t *Transport) readDescAt(base uint64, idx uint16) (descWithNext, bool) {
	var buf [16]byte
	if err := t.mem.ReadAt(base+uint64(idx)*16, buf[:]); err != nil {
		return descWithNext{}, false
	}
	return descWithNext{
		Desc: Desc{
			Addr:  binary.LittleEndian.Uint64(buf[0:8]),
			Len:   binary.LittleEndian.Uint32(buf[8:12]),
			Flags: binary.LittleEndian.Uint16(buf[12:14]),
		},
		next: binary.LittleEndian.Uint16(buf[14:16]),
	}, true
}

// PushUsed writes one used-ring entry for queue q (descriptor chain head
// headIdx, writtenLen bytes written into WRITE descriptors), advances the
// used index, and raises the queue-interrupt ISR bit ("bit 0 =
// queue interrupt").
func (t *Transport) PushUsed(q int, headIdx uint16, writtenLen uint32) {
	if q < 0 || q >= len(t.queues) {
		return
	}
	qq := &t.queues[q]
	var entry [8]byte
	binary.LittleEndian.PutUint32(entry[0:4], uint32(headIdx))
	binary.LittleEndian.PutUint32(entry[4:8], writtenLen)
	addr := qq.UsedAddr + 4 + uint64(qq.usedIdx%qq.Size)*8
	t.mem.WriteAt(addr, entry[:])
	qq.usedIdx++

	var idxBuf [2]byte
	binary.LittleEndian.PutUint16(idxBuf[:], qq.usedIdx)
	t.mem.WriteAt(qq.UsedAddr+2, idxBuf[:])

	t.isr |= 1
	t.updateIrq()
}

// RaiseConfigInterrupt sets the config-change ISR bit ("bit 1 =
// config interrupt") for devices whose DEVICE_CFG can mutate asynchronously.
func (t *Transport) RaiseConfigInterrupt() {
	t.isr |= 2
	t.updateIrq()
}

// --- snapshot support ---
//
// Transport state is folded into the owning device's single snapshot.Device
// record (EncodeState/RestoreState) rather than exposing its own
// SnapshotID, since every concrete device (blk/net/snd/input) owns the
// DeviceID tag and appends its own state after the transport's.

// EncodeState appends the transport's negotiated state onto enc.
func (t *Transport) EncodeState(enc *snapshot.Encoder) {
	enc.PutU32(t.deviceFeatureSelect)
	enc.PutU32(t.driverFeatureSelect)
	enc.PutU64(t.driverFeatures)
	enc.PutU16(t.msixConfig)
	enc.PutU8(t.deviceStatus)
	enc.PutU8(t.configGeneration)
	enc.PutU16(t.queueSelect)
	enc.PutU8(t.isr)
	enc.PutU8(uint8(len(t.queues)))
	for _, q := range t.queues {
		enc.PutU16(q.Size)
		enc.PutU16(q.MSIXVector)
		enc.PutBool(q.Enable)
		enc.PutU64(q.DescAddr)
		enc.PutU64(q.AvailAddr)
		enc.PutU64(q.UsedAddr)
		enc.PutU16(q.NotifyOff)
		enc.PutU16(q.lastAvailIdx)
		enc.PutU16(q.usedIdx)
	}
	enc.PutBytes(t.deviceCfg)
}

// RestoreState reads back a payload written by EncodeState.
func (t *Transport) RestoreState(dec *snapshot.Decoder) error {
	var err error
	if t.deviceFeatureSelect, err = dec.U32("deviceFeatureSelect"); err != nil {
		return err
	}
	if t.driverFeatureSelect, err = dec.U32("driverFeatureSelect"); err != nil {
		return err
	}
	if t.driverFeatures, err = dec.U64("driverFeatures"); err != nil {
		return err
	}
	if t.msixConfig, err = dec.U16("msixConfig"); err != nil {
		return err
	}
	if t.deviceStatus, err = dec.U8("deviceStatus"); err != nil {
		return err
	}
	if t.configGeneration, err = dec.U8("configGeneration"); err != nil {
		return err
	}
	if t.queueSelect, err = dec.U16("queueSelect"); err != nil {
		return err
	}
	if t.isr, err = dec.U8("isr"); err != nil {
		return err
	}
	n, err := dec.U8("numQueues")
	if err != nil {
		return err
	}
	t.queues = make([]Queue, n)
	for i := range t.queues {
		q := &t.queues[i]
		if q.Size, err = dec.U16("queue.size"); err != nil {
			return err
		}
		if q.MSIXVector, err = dec.U16("queue.msixVector"); err != nil {
			return err
		}
		if q.Enable, err = dec.Bool("queue.enable"); err != nil {
			return err
		}
		if q.DescAddr, err = dec.U64("queue.descAddr"); err != nil {
			return err
		}
		if q.AvailAddr, err = dec.U64("queue.availAddr"); err != nil {
			return err
		}
		if q.UsedAddr, err = dec.U64("queue.usedAddr"); err != nil {
			return err
		}
		if q.NotifyOff, err = dec.U16("queue.notifyOff"); err != nil {
			return err
		}
		if q.lastAvailIdx, err = dec.U16("queue.lastAvailIdx"); err != nil {
			return err
		}
		if q.usedIdx, err = dec.U16("queue.usedIdx"); err != nil {
			return err
		}
	}
	if t.deviceCfg, err = dec.Bytes("deviceCfg"); err != nil {
		return err
	}
	return nil
}

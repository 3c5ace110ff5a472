// Package snapshot implements the versioned device-record envelope that
// binds save/restore across the core.
package snapshot

import (
	"encoding/binary"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/aerow7/corevm/pkg/corerr"
)

// DeviceID is the fixed 4-byte record tag, e.g. "XHCI", "PS2K". It is part
// of the on-disk ABI; do not reuse a tag for a semantically different
// record.
type DeviceID [4]byte

// Record is one versioned, typed blob within a snapshot envelope.
type Record struct {
	ID      DeviceID
	Version uint16
	Payload []byte
}

// Well-known device ids.
var (
	IDXhci      = DeviceID{'X', 'H', 'C', 'I'}
	IDXhciBridg = DeviceID{'X', 'H', 'C', 'B'}
	IDIde       = DeviceID{'I', 'D', 'E', ' '}
	IDAhci      = DeviceID{'A', 'H', 'C', 'I'}
	IDI8042     = DeviceID{'I', '8', '0', '4'}
	IDPs2Kb     = DeviceID{'P', 'S', '2', 'K'}
	IDPs2Ms     = DeviceID{'P', 'S', '2', 'M'}
	IDUhci      = DeviceID{'U', 'H', 'C', 'I'}
	IDEhci      = DeviceID{'E', 'H', 'C', 'I'}
	IDVirtioBlk = DeviceID{'V', 'B', 'L', 'K'}
	IDVirtioNet = DeviceID{'V', 'N', 'E', 'T'}
	IDVirtioSnd = DeviceID{'V', 'S', 'N', 'D'}
	IDVirtioInp = DeviceID{'V', 'I', 'N', 'P'}
	IDDisks     = DeviceID{'D', 'I', 'S', 'K'}
	IDPci       = DeviceID{'P', 'C', 'I', ' '}
)

// DiskOverlayRef names one entry of the top-level DISKS section: a stable
// disk_id plus the base/overlay image identities the host must reattach
// on restore.
type DiskOverlayRef struct {
	DiskID      uint32
	BaseImage   string
	OverlayImage string
}

// Envelope is an ordered sequence of Records plus the DISKS section. It is
// the unit produced by Machine.Snapshot and consumed by Machine.Restore.
type Envelope struct {
	SessionID uuid.UUID
	Records   []Record
	Disks     []DiskOverlayRef
}

// NewEnvelope creates an empty envelope tagged with a fresh session id,
// purely for diagnostic/log correlation across save/restore.
func NewEnvelope() *Envelope {
	return &Envelope{SessionID: uuid.New()}
}

// Put appends (or, if id already present, replaces) a record.
func (e *Envelope) Put(id DeviceID, version uint16, payload []byte) {
	for i := range e.Records {
		if e.Records[i].ID == id {
			e.Records[i] = Record{ID: id, Version: version, Payload: payload}
			return
		}
	}
	e.Records = append(e.Records, Record{ID: id, Version: version, Payload: payload})
}

// Get returns the record with the given id, if present.
func (e *Envelope) Get(id DeviceID) (Record, bool) {
	for _, r := range e.Records {
		if r.ID == id {
			return r, true
		}
	}
	return Record{}, false
}

// Encoder is a small helper devices use to build a deterministic
// little-endian payload for their Record, "all ring
// accesses are little-endian" convention extended here to all snapshot
// payloads for consistency.
type Encoder struct {
	buf []byte
}

func NewEncoder() *Encoder { return &Encoder{} }

func (e *Encoder) PutU8(v uint8)   { e.buf = append(e.buf, v) }
func (e *Encoder) PutBool(v bool) {
	if v {
		e.PutU8(1)
	} else {
		e.PutU8(0)
	}
}
func (e *Encoder) PutU16(v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	e.buf = append(e.buf, b[:]...)
}
func (e *Encoder) PutU32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	e.buf = append(e.buf, b[:]...)
}
func (e *Encoder) PutU64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	e.buf = append(e.buf, b[:]...)
}
func (e *Encoder) PutBytes(v []byte) {
	e.PutU32(uint32(len(v)))
	e.buf = append(e.buf, v...)
}
func (e *Encoder) Bytes() []byte { return e.buf }

// Decoder reads back an Encoder's payload sequentially. Any short read
// returns corerr.ErrUnknownSnapshotVersion wrapped with the field name,
// since a truncated payload for a known version tag indicates the decoder
// and encoder have silently drifted.
type Decoder struct {
	buf []byte
	pos int
}

func NewDecoder(payload []byte) *Decoder { return &Decoder{buf: payload} }

func (d *Decoder) need(n int, field string) error {
	if d.pos+n > len(d.buf) {
		return errors.Wrapf(corerr.ErrUnknownSnapshotVersion, "truncated payload reading %s", field)
	}
	return nil
}

func (d *Decoder) U8(field string) (uint8, error) {
	if err := d.need(1, field); err != nil {
		return 0, err
	}
	v := d.buf[d.pos]
	d.pos++
	return v, nil
}

func (d *Decoder) Bool(field string) (bool, error) {
	v, err := d.U8(field)
	return v != 0, err
}

func (d *Decoder) U16(field string) (uint16, error) {
	if err := d.need(2, field); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint16(d.buf[d.pos:])
	d.pos += 2
	return v, nil
}

func (d *Decoder) U32(field string) (uint32, error) {
	if err := d.need(4, field); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(d.buf[d.pos:])
	d.pos += 4
	return v, nil
}

func (d *Decoder) U64(field string) (uint64, error) {
	if err := d.need(8, field); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(d.buf[d.pos:])
	d.pos += 8
	return v, nil
}

func (d *Decoder) Bytes(field string) ([]byte, error) {
	n, err := d.U32(field)
	if err != nil {
		return nil, err
	}
	if err := d.need(int(n), field); err != nil {
		return nil, err
	}
	v := d.buf[d.pos : d.pos+int(n)]
	d.pos += int(n)
	return v, nil
}

// Device is implemented by anything whose guest-visible state snapshots
// and restores as a single versioned Record.
type Device interface {
	SnapshotID() DeviceID
	Snapshot() Record
	Restore(Record) error
}

// CollectAll runs Snapshot on every device and returns their records, in
// the order given.
func CollectAll(devices []Device) []Record {
	records := make([]Record, 0, len(devices))
	for _, d := range devices {
		records = append(records, d.Snapshot())
	}
	return records
}

// RestoreAll restores every device from the envelope, continuing past a
// failing device so the embedder sees every error rather than only the
// first. It returns a *multierror.Error (nil if every device restored
// cleanly).
func RestoreAll(devices []Device, env *Envelope) error {
	var result *multierror.Error
	for _, d := range devices {
		rec, ok := env.Get(d.SnapshotID())
		if !ok {
			continue
		}
		if err := d.Restore(rec); err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "restore %s", string(d.SnapshotID().Bytes())))
		}
	}
	return result.ErrorOrNil()
}

// Bytes returns the 4-byte tag as a string-convertible slice.
func (id DeviceID) Bytes() []byte { return id[:] }

func (id DeviceID) String() string { return string(id[:]) }

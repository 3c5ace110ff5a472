package i8042

// mouseMode is the PS/2 mouse's current reporting mode.
type mouseMode int

const (
	modeStream mouseMode = iota
	modeRemote
	modeWrap
)

// Mouse is a PS/2 mouse supporting Microsoft IntelliMouse (wheel) and
// Explorer (5-button) extensions, negotiated via the magic-sequence ID
// probe.
type Mouse struct {
	mode       mouseMode
	streaming  bool
	id         byte // 0x00 standard, 0x03 IntelliMouse, 0x04 Explorer
	resolution byte
	sampleRate byte
	scaling2to1 bool
	pendingArg byte

	magicStage int // tracks the 200/100/80 (wheel) or 200/200/80 (5-button) sample-rate sequences
}

func NewMouse() *Mouse {
	return &Mouse{streaming: true, resolution: 2, sampleRate: 100}
}

// HostByte handles a byte written to the mouse (via controller command
// 0xD4), emitting any reply bytes through emit.
func (m *Mouse) HostByte(b byte, emit func(byte)) {
	switch b {
	case 0xFF: // reset
		m.id = 0x00
		m.mode = modeStream
		m.streaming = true
		emit(0xFA)
		emit(0xAA)
		emit(0x00)
	case 0xF6: // set defaults
		m.resolution = 2
		m.sampleRate = 100
		m.scaling2to1 = false
		m.mode = modeStream
		m.streaming = true
		emit(0xFA)
	case 0xF5: // disable data reporting
		m.streaming = false
		emit(0xFA)
	case 0xF4: // enable data reporting
		m.streaming = true
		emit(0xFA)
	case 0xF2: // read device ID
		emit(0xFA)
		emit(m.id)
	case 0xF3: // set sample rate (argument follows)
		m.pendingArg = b
		emit(0xFA)
	case 0xE8: // set resolution (argument follows)
		m.pendingArg = b
		emit(0xFA)
	case 0xE6: // set scaling 1:1
		m.scaling2to1 = false
		emit(0xFA)
	case 0xE7: // set scaling 2:1
		m.scaling2to1 = true
		emit(0xFA)
	case 0xEA: // set stream mode
		m.mode = modeStream
		emit(0xFA)
	case 0xF0: // set remote mode
		m.mode = modeRemote
		emit(0xFA)
	default:
		if m.pendingArg != 0 {
			m.applyArg(m.pendingArg, b)
			m.pendingArg = 0
			emit(0xFA)
			return
		}
		emit(0xFA)
	}
}

func (m *Mouse) applyArg(cmd, arg byte) {
	switch cmd {
	case 0xF3:
		m.recordSampleRate(arg)
	case 0xE8:
		m.resolution = arg
	}
}

// recordSampleRate tracks the magic sequences that upgrade the device id:
// 200,100,80 enables IntelliMouse (id 0x03, wheel); with id already 0x03,
// 200,200,80 enables the Explorer 5-button extension (id 0x04).
func (m *Mouse) recordSampleRate(rate byte) {
	m.sampleRate = rate
	seq := []byte{200, 100, 80}
	if m.id == 0x03 {
		seq = []byte{200, 200, 80}
	}
	if rate == seq[m.magicStage] {
		m.magicStage++
		if m.magicStage == len(seq) {
			m.magicStage = 0
			if m.id == 0x00 {
				m.id = 0x03
			} else if m.id == 0x03 {
				m.id = 0x04
			}
		}
		return
	}
	m.magicStage = 0
	if rate == seq[0] {
		m.magicStage = 1
	}
}

// BuildPacket constructs a PS/2 mouse report for the given button state and
// relative motion: 3 bytes for a standard mouse, 4 bytes (wheel in the last
// byte) for the IntelliMouse (0x03) and Explorer (0x04) ids. Buttons 4 and 5
// are not encoded.
func (m *Mouse) BuildPacket(left, right, middle bool, dx, dy int, wheel int) []byte {
	var b0 byte
	if left {
		b0 |= 0x01
	}
	if right {
		b0 |= 0x02
	}
	if middle {
		b0 |= 0x04
	}
	b0 |= 0x08 // bit 3 always set
	if dx < 0 {
		b0 |= 0x10
	}
	if dy < 0 {
		b0 |= 0x20
	}
	packet := []byte{b0, byte(dx), byte(dy)}
	if m.id == 0x03 {
		packet = append(packet, byte(int8(clamp(wheel, -8, 7))))
	} else if m.id == 0x04 {
		wb := byte(int8(clamp(wheel, -8, 7))) & 0x0F
		packet = append(packet, wb)
	}
	return packet
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

package ide

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// executeATAPIPacket decodes and runs a 12-byte SCSI CDB against s, grounded
// on the subset of MMC/SBC commands a Windows 7 IDE CD-ROM driver issues
// during enumeration and read: TEST UNIT READY, REQUEST SENSE,
// INQUIRY, READ CAPACITY, MODE SENSE(6/10), READ(10/12).
func executeATAPIPacket(s *slot, cdb []byte) ([]byte, error) {
	if len(cdb) < 1 {
		return nil, errors.New("empty atapi packet")
	}
	op := cdb[0]

	if s.unitAttention && op != ScsiRequestSense && op != ScsiTestUnitReady {
		s.unitAttention = false
		return nil, errors.New("unit attention pending")
	}

	switch op {
	case ScsiTestUnitReady:
		if s.unitAttention {
			s.unitAttention = false
			return nil, errors.New("unit attention on test unit ready")
		}
		return nil, nil

	case ScsiRequestSense:
		sense := make([]byte, 18)
		sense[0] = 0x70
		sense[7] = 10
		return sense, nil

	case ScsiInquiry:
		resp := make([]byte, 36)
		resp[0] = 0x05 // peripheral device type: CD-ROM
		resp[1] = 0x80 // removable
		resp[2] = 0x00
		resp[3] = 0x21
		resp[4] = 31
		putIdentifyStringASCII(resp[8:16], "AEROW7")
		putIdentifyStringASCII(resp[16:32], "VIRTUAL CD-ROM")
		putIdentifyStringASCII(resp[32:36], "1.0 ")
		return resp, nil

	case ScsiReadCapacity:
		resp := make([]byte, 8)
		var lastLBA uint32
		if s.atapi != nil {
			n := s.atapi.SectorCount()
			if n > 0 {
				lastLBA = uint32(n - 1)
			}
		}
		binary.BigEndian.PutUint32(resp[0:], lastLBA)
		binary.BigEndian.PutUint32(resp[4:], ATAPISectorSize)
		return resp, nil

	case ScsiModeSense6, ScsiModeSense10:
		hdrLen := 4
		if op == ScsiModeSense10 {
			hdrLen = 8
		}
		resp := make([]byte, hdrLen)
		return resp, nil

	case ScsiRead10, ScsiRead12:
		return atapiRead(s, cdb, op == ScsiRead12)

	case ScsiStartStopUnit, ScsiPreventAllowRemoval:
		return nil, nil

	case ScsiReadTOC:
		resp := make([]byte, 20)
		binary.BigEndian.PutUint16(resp[0:], 18)
		resp[2] = 1
		resp[3] = 1
		return resp, nil

	default:
		return nil, errors.Errorf("unsupported atapi opcode 0x%02x", op)
	}
}

func atapiRead(s *slot, cdb []byte, twelveByte bool) ([]byte, error) {
	if s.atapi == nil {
		return nil, errors.New("no media")
	}
	lba := uint64(binary.BigEndian.Uint32(cdb[2:6]))
	var count uint32
	if twelveByte {
		count = binary.BigEndian.Uint32(cdb[6:10])
	} else {
		count = uint32(binary.BigEndian.Uint16(cdb[7:9]))
	}
	buf := make([]byte, int(count)*ATAPISectorSize)
	for i := uint32(0); i < count; i++ {
		if err := s.atapi.ReadSector(lba+uint64(i), buf[int(i)*ATAPISectorSize:(int(i)+1)*ATAPISectorSize]); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

func putIdentifyStringASCII(dst []byte, s string) {
	for i := range dst {
		dst[i] = ' '
	}
	copy(dst, s)
}

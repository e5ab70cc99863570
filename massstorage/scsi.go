package massstorage

import (
	"encoding/binary"
	"fmt"
)

// SCSI operation codes.
const (
	opTestUnitReady         = 0x00
	opRequestSense          = 0x03
	opRead6                 = 0x08
	opWrite6                = 0x0a
	opInquiry               = 0x12
	opModeSelect6           = 0x15
	opModeSense6            = 0x1a
	opStartStopUnit         = 0x1b
	opPreventAllowRemoval   = 0x1e
	opReadFormatCapacities  = 0x23
	opReadCapacity10        = 0x25
	opRead10                = 0x28
	opWrite10               = 0x2a
	opVerify10              = 0x2f
	opSynchronizeCache10    = 0x35
	opModeSense10           = 0x5a
	opRead16                = 0x88
	opWrite16               = 0x8a
	opServiceActionIn16     = 0x9e
	opRead12                = 0xa8
	opWrite12               = 0xaa
	serviceReadCapacity16   = 0x10
	inquiryStandardLength   = 36
	requestSenseLength      = 18
	readCapacity10Length    = 8
	readCapacity16Length    = 32
	formatCapacitiesLength  = 12
	formatDescriptorMaximum = 0x02
)

// Sense keys and additional sense codes.
const (
	senseMediumError    = 0x03
	senseIllegalRequest = 0x05

	ascWriteFault             = 0x03
	ascUnrecoveredReadError   = 0x11
	ascParameterListLengthErr = 0x1a
	ascInvalidCommand         = 0x20
	ascLBAOutOfRange          = 0x21
	ascInvalidFieldInCDB      = 0x24
)

type sense struct {
	key  uint8
	asc  uint8
	ascq uint8
}

// commandResult is the outcome of one SCSI command.
type commandResult struct {
	data   []byte
	status uint8
}

// target is a single logical unit answering SCSI block commands.
type target struct {
	backend   Backend
	blockSize uint32
	blocks    uint64
	inquiry   []byte
	sense     sense
	prevent   bool
}

func newTarget(backend Backend, blockSize uint32, vendor, product, revision string) *target {
	t := &target{
		backend:   backend,
		blockSize: blockSize,
		blocks:    uint64(backend.Size()) / uint64(blockSize),
	}
	inq := make([]byte, inquiryStandardLength)
	inq[0] = 0x00 // direct access block device
	inq[1] = 0x80 // removable
	inq[2] = 0x04 // SPC-2
	inq[3] = 0x02 // response data format
	inq[4] = inquiryStandardLength - 5
	copy(inq[8:16], fmt.Sprintf("%-8.8s", vendor))
	copy(inq[16:32], fmt.Sprintf("%-16.16s", product))
	copy(inq[32:36], fmt.Sprintf("%-4.4s", revision))
	t.inquiry = inq
	return t
}

// commandLength returns the CDB length implied by the group code of op.
func commandLength(op uint8) int {
	switch op >> 5 {
	case 0:
		return 6
	case 1, 2:
		return 10
	case 4:
		return 16
	case 5:
		return 12
	}
	return 0
}

// transfer describes the block range addressed by a read or write CDB.
type transfer struct {
	lba    uint64
	blocks uint32
}

func decodeTransfer(cdb []byte) (transfer, bool) {
	if len(cdb) < commandLength(cdb[0]) {
		return transfer{}, false
	}
	switch cdb[0] {
	case opRead6, opWrite6:
		lba := uint64(cdb[1]&0x1f)<<16 | uint64(cdb[2])<<8 | uint64(cdb[3])
		blocks := uint32(cdb[4])
		if blocks == 0 {
			blocks = 256
		}
		return transfer{lba, blocks}, true
	case opRead10, opWrite10, opVerify10:
		return transfer{uint64(binary.BigEndian.Uint32(cdb[2:6])), uint32(binary.BigEndian.Uint16(cdb[7:9]))}, true
	case opRead12, opWrite12:
		return transfer{uint64(binary.BigEndian.Uint32(cdb[2:6])), binary.BigEndian.Uint32(cdb[6:10])}, true
	case opRead16, opWrite16:
		return transfer{binary.BigEndian.Uint64(cdb[2:10]), binary.BigEndian.Uint32(cdb[10:14])}, true
	}
	return transfer{}, false
}

func (t *target) fail(key, asc uint8) commandResult {
	t.sense = sense{key: key, asc: asc}
	return commandResult{status: cswStatusFailed}
}

func (t *target) ok(data []byte) commandResult {
	t.sense = sense{}
	return commandResult{data: data, status: cswStatusPassed}
}

// execute runs one CDB. dataOut holds the data-out stage for write commands.
func (t *target) execute(cdb []byte, dataOut []byte) commandResult {
	if len(cdb) == 0 {
		return t.fail(senseIllegalRequest, ascInvalidCommand)
	}
	if n := commandLength(cdb[0]); n == 0 || len(cdb) < n {
		return t.fail(senseIllegalRequest, ascInvalidCommand)
	}
	switch cdb[0] {
	case opTestUnitReady, opStartStopUnit:
		return t.ok(nil)
	case opPreventAllowRemoval:
		t.prevent = cdb[4]&0x01 != 0
		return t.ok(nil)
	case opRequestSense:
		return t.requestSense(cdb)
	case opInquiry:
		return t.inquire(cdb)
	case opModeSense6:
		return t.modeSense6(cdb)
	case opModeSense10:
		return t.modeSense10(cdb)
	case opModeSelect6:
		return t.ok(nil)
	case opReadCapacity10:
		return t.readCapacity10()
	case opServiceActionIn16:
		if cdb[1]&0x1f != serviceReadCapacity16 {
			return t.fail(senseIllegalRequest, ascInvalidFieldInCDB)
		}
		return t.readCapacity16(cdb)
	case opReadFormatCapacities:
		return t.readFormatCapacities(cdb)
	case opRead6, opRead10, opRead12, opRead16:
		return t.read(cdb)
	case opWrite6, opWrite10, opWrite12, opWrite16:
		return t.write(cdb, dataOut)
	case opVerify10:
		tr, _ := decodeTransfer(cdb)
		if !t.inRange(tr) {
			return t.fail(senseIllegalRequest, ascLBAOutOfRange)
		}
		return t.ok(nil)
	case opSynchronizeCache10:
		if err := t.backend.Sync(); err != nil {
			return t.fail(senseMediumError, ascWriteFault)
		}
		return t.ok(nil)
	}
	return t.fail(senseIllegalRequest, ascInvalidCommand)
}

func (t *target) inRange(tr transfer) bool {
	return tr.lba <= t.blocks && uint64(tr.blocks) <= t.blocks-tr.lba
}

func allocation(data []byte, n int) []byte {
	if n < len(data) {
		return data[:n]
	}
	return data
}

func (t *target) requestSense(cdb []byte) commandResult {
	buf := make([]byte, requestSenseLength)
	buf[0] = 0x70
	buf[2] = t.sense.key & 0x0f
	buf[7] = requestSenseLength - 8
	buf[12] = t.sense.asc
	buf[13] = t.sense.ascq
	// Reporting consumes the pending sense.
	return t.ok(allocation(buf, int(cdb[4])))
}

func (t *target) inquire(cdb []byte) commandResult {
	if cdb[1]&0x01 != 0 {
		// No vital product data pages.
		return t.fail(senseIllegalRequest, ascInvalidFieldInCDB)
	}
	return t.ok(allocation(t.inquiry, int(binary.BigEndian.Uint16(cdb[3:5]))))
}

func (t *target) modeSense6(cdb []byte) commandResult {
	// Header only: no block descriptors, write enabled.
	buf := []byte{3, 0, 0, 0}
	return t.ok(allocation(buf, int(cdb[4])))
}

func (t *target) modeSense10(cdb []byte) commandResult {
	buf := []byte{0, 6, 0, 0, 0, 0, 0, 0}
	return t.ok(allocation(buf, int(binary.BigEndian.Uint16(cdb[7:9]))))
}

func (t *target) lastLBA() uint64 {
	if t.blocks == 0 {
		return 0
	}
	return t.blocks - 1
}

func (t *target) readCapacity10() commandResult {
	buf := make([]byte, readCapacity10Length)
	last := t.lastLBA()
	if last > 0xffffffff {
		last = 0xffffffff
	}
	binary.BigEndian.PutUint32(buf[0:4], uint32(last))
	binary.BigEndian.PutUint32(buf[4:8], t.blockSize)
	return t.ok(buf)
}

func (t *target) readCapacity16(cdb []byte) commandResult {
	buf := make([]byte, readCapacity16Length)
	binary.BigEndian.PutUint64(buf[0:8], t.lastLBA())
	binary.BigEndian.PutUint32(buf[8:12], t.blockSize)
	return t.ok(allocation(buf, int(binary.BigEndian.Uint32(cdb[10:14]))))
}

func (t *target) readFormatCapacities(cdb []byte) commandResult {
	buf := make([]byte, formatCapacitiesLength)
	buf[3] = 8
	binary.BigEndian.PutUint32(buf[4:8], uint32(t.blocks))
	buf[8] = formatDescriptorMaximum
	buf[9] = uint8(t.blockSize >> 16)
	buf[10] = uint8(t.blockSize >> 8)
	buf[11] = uint8(t.blockSize)
	return t.ok(allocation(buf, int(binary.BigEndian.Uint16(cdb[7:9]))))
}

func (t *target) read(cdb []byte) commandResult {
	tr, _ := decodeTransfer(cdb)
	if !t.inRange(tr) {
		return t.fail(senseIllegalRequest, ascLBAOutOfRange)
	}
	buf := make([]byte, int(tr.blocks)*int(t.blockSize))
	if _, err := t.backend.ReadAt(buf, int64(tr.lba)*int64(t.blockSize)); err != nil {
		return t.fail(senseMediumError, ascUnrecoveredReadError)
	}
	return t.ok(buf)
}

func (t *target) write(cdb []byte, dataOut []byte) commandResult {
	tr, _ := decodeTransfer(cdb)
	if !t.inRange(tr) {
		return t.fail(senseIllegalRequest, ascLBAOutOfRange)
	}
	want := int(tr.blocks) * int(t.blockSize)
	if len(dataOut) < want {
		return t.fail(senseIllegalRequest, ascParameterListLengthErr)
	}
	if _, err := t.backend.WriteAt(dataOut[:want], int64(tr.lba)*int64(t.blockSize)); err != nil {
		return t.fail(senseMediumError, ascWriteFault)
	}
	return t.ok(nil)
}

package massstorage

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/networkoptix/nx-system-tests-sub010/usb"
)

const testDiskSize = 1 << 20

func newTestDisk(t *testing.T) *Disk {
	t.Helper()
	d := NewDisk(NewMemoryBackend(testDiskSize), nil)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func completionData(t *testing.T, r usb.Reply) []byte {
	t.Helper()
	c, ok := r.(usb.Completion)
	require.True(t, ok, "expected completion, got %T", r)
	require.Equal(t, usb.StatusOK, c.Status)
	return c.Data
}

// command runs one CBW/data/CSW exchange and returns the data-in stage and the status.
func command(t *testing.T, d *Disk, tag uint32, cdb []byte, dataIn bool, length uint32, out []byte) ([]byte, CommandStatus) {
	t.Helper()
	cbw := MarshalCBW(tag, length, dataIn, cdb)
	require.Equal(t, usb.Ack{Length: cbwSize}, d.HandleData(cbw, EndpointOut&0x0f, cbwSize))

	var in []byte
	switch {
	case length > 0 && !dataIn:
		require.Equal(t, usb.Ack{Length: uint32(len(out))}, d.HandleData(out, EndpointOut&0x0f, uint32(len(out))))
	case length > 0 && dataIn:
		in = completionData(t, d.HandleData(nil, EndpointIn&0x0f, length))
		if d.state == stateCommand {
			csw, err := ParseCSW(in)
			require.NoError(t, err)
			return nil, csw
		}
	}

	csw, err := ParseCSW(completionData(t, d.HandleData(nil, EndpointIn&0x0f, cswSize)))
	require.NoError(t, err)
	require.Equal(t, tag, csw.Tag)
	require.Equal(t, stateCommand, d.state)
	return in, csw
}

func cdb10(op uint8, lba uint32, blocks uint16) []byte {
	cdb := make([]byte, 10)
	cdb[0] = op
	binary.BigEndian.PutUint32(cdb[2:6], lba)
	binary.BigEndian.PutUint16(cdb[7:9], blocks)
	return cdb
}

func requestSense(t *testing.T, d *Disk) (key, asc uint8) {
	t.Helper()
	data, csw := command(t, d, 99, []byte{opRequestSense, 0, 0, 0, requestSenseLength, 0}, true, requestSenseLength, nil)
	require.Equal(t, uint8(cswStatusPassed), csw.Status)
	require.Len(t, data, requestSenseLength)
	return data[2], data[12]
}

func TestCommandLength(t *testing.T) {
	for _, tc := range []struct {
		op   uint8
		want int
	}{
		{opTestUnitReady, 6},
		{opRead10, 10},
		{opModeSense10, 10},
		{opRead16, 16},
		{opRead12, 12},
		{0x60, 0},
	} {
		require.Equal(t, tc.want, commandLength(tc.op), "opcode %#02x", tc.op)
	}
}

func TestTestUnitReady(t *testing.T) {
	d := newTestDisk(t)
	data, csw := command(t, d, 1, []byte{opTestUnitReady, 0, 0, 0, 0, 0}, false, 0, nil)
	require.Nil(t, data)
	require.Equal(t, uint8(cswStatusPassed), csw.Status)
	require.Zero(t, csw.Residue)
}

func TestInquiry(t *testing.T) {
	d := newTestDisk(t)
	data, csw := command(t, d, 2, []byte{opInquiry, 0, 0, 0, 36, 0}, true, 36, nil)
	require.Equal(t, uint8(cswStatusPassed), csw.Status)
	require.Len(t, data, inquiryStandardLength)
	require.Equal(t, uint8(0x80), data[1])
	require.Equal(t, "VIRTUSB ", string(data[8:16]))
	require.Equal(t, Revision, string(data[32:36]))
}

func TestShortAllocationLeavesResidue(t *testing.T) {
	d := newTestDisk(t)
	data, csw := command(t, d, 3, []byte{opInquiry, 0, 0, 0, 36, 0}, true, 64, nil)
	require.Len(t, data, inquiryStandardLength)
	require.Equal(t, uint32(64-inquiryStandardLength), csw.Residue)
}

func TestReadCapacity(t *testing.T) {
	d := newTestDisk(t)
	data, csw := command(t, d, 4, make([]byte, 10), true, 8, nil)
	require.Equal(t, uint8(cswStatusPassed), csw.Status)
	require.Len(t, data, 0)

	cdb := make([]byte, 10)
	cdb[0] = opReadCapacity10
	data, csw = command(t, d, 5, cdb, true, 8, nil)
	require.Equal(t, uint8(cswStatusPassed), csw.Status)
	require.Equal(t, uint32(testDiskSize/BlockSize-1), binary.BigEndian.Uint32(data[0:4]))
	require.Equal(t, uint32(BlockSize), binary.BigEndian.Uint32(data[4:8]))
}

func TestWriteReadRoundTrip(t *testing.T) {
	d := newTestDisk(t)
	payload := bytes.Repeat([]byte("0123456789abcdef"), 2*BlockSize/16)

	_, csw := command(t, d, 6, cdb10(opWrite10, 10, 2), false, uint32(len(payload)), payload)
	require.Equal(t, uint8(cswStatusPassed), csw.Status)
	require.Zero(t, csw.Residue)

	data, csw := command(t, d, 7, cdb10(opRead10, 10, 2), true, uint32(len(payload)), nil)
	require.Equal(t, uint8(cswStatusPassed), csw.Status)
	require.Equal(t, payload, data)
}

func TestWriteInPieces(t *testing.T) {
	d := newTestDisk(t)
	payload := bytes.Repeat([]byte{0x5a}, 4*BlockSize)

	cbw := MarshalCBW(8, uint32(len(payload)), false, cdb10(opWrite10, 0, 4))
	require.Equal(t, usb.Ack{Length: cbwSize}, d.HandleData(cbw, 2, cbwSize))
	for off := 0; off < len(payload); off += 1024 {
		require.Equal(t, usb.Ack{Length: 1024}, d.HandleData(payload[off:off+1024], 2, 1024))
	}
	csw, err := ParseCSW(completionData(t, d.HandleData(nil, 1, cswSize)))
	require.NoError(t, err)
	require.Equal(t, uint8(cswStatusPassed), csw.Status)

	got := make([]byte, len(payload))
	_, err = d.target.backend.ReadAt(got, 0)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestReadInPieces(t *testing.T) {
	d := newTestDisk(t)
	want := bytes.Repeat([]byte{0xa5}, 8*BlockSize)
	_, err := d.target.backend.WriteAt(want, 0)
	require.NoError(t, err)

	cbw := MarshalCBW(9, uint32(len(want)), true, cdb10(opRead10, 0, 8))
	require.Equal(t, usb.Ack{Length: cbwSize}, d.HandleData(cbw, 2, cbwSize))
	var got []byte
	for i := 0; i < 4; i++ {
		got = append(got, completionData(t, d.HandleData(nil, 1, 1024))...)
	}
	require.Equal(t, want, got)
	require.Equal(t, stateStatus, d.state)
	csw, err := ParseCSW(completionData(t, d.HandleData(nil, 1, cswSize)))
	require.NoError(t, err)
	require.Zero(t, csw.Residue)
}

func TestRead6ZeroBlocksMeans256(t *testing.T) {
	tr, ok := decodeTransfer([]byte{opRead6, 0x01, 0x02, 0x03, 0, 0})
	require.True(t, ok)
	require.Equal(t, uint64(0x010203), tr.lba)
	require.Equal(t, uint32(256), tr.blocks)
}

func TestOutOfRangeSetsSense(t *testing.T) {
	d := newTestDisk(t)
	blocks := uint32(testDiskSize / BlockSize)

	_, csw := command(t, d, 10, cdb10(opRead10, blocks, 1), true, BlockSize, nil)
	require.Equal(t, uint8(cswStatusFailed), csw.Status)
	require.Equal(t, uint32(BlockSize), csw.Residue)

	key, asc := requestSense(t, d)
	require.Equal(t, uint8(senseIllegalRequest), key)
	require.Equal(t, uint8(ascLBAOutOfRange), asc)

	key, asc = requestSense(t, d)
	require.Zero(t, key)
	require.Zero(t, asc)
}

func TestUnknownOpcode(t *testing.T) {
	d := newTestDisk(t)
	_, csw := command(t, d, 11, []byte{0x02, 0, 0, 0, 0, 0}, false, 0, nil)
	require.Equal(t, uint8(cswStatusFailed), csw.Status)

	key, asc := requestSense(t, d)
	require.Equal(t, uint8(senseIllegalRequest), key)
	require.Equal(t, uint8(ascInvalidCommand), asc)
}

func TestInvalidCBWStalls(t *testing.T) {
	d := newTestDisk(t)
	r := d.HandleData(make([]byte, cbwSize), 2, cbwSize)
	require.Equal(t, usb.Stall(), r)
	require.Equal(t, stateCommand, d.state)
	require.Equal(t, usb.Stall(), d.HandleData(nil, 1, cswSize))
}

func TestClassRequests(t *testing.T) {
	d := newTestDisk(t)
	lun := d.HandleClassControl(usb.SetupPacket{RequestType: 0xa1, Request: requestGetMaxLUN, Length: 1}, nil)
	require.Equal(t, []byte{0}, completionData(t, lun))

	cbw := MarshalCBW(12, BlockSize, true, cdb10(opRead10, 0, 1))
	d.HandleData(cbw, 2, cbwSize)
	require.Equal(t, stateData, d.state)
	completionData(t, d.HandleClassControl(usb.SetupPacket{RequestType: 0x21, Request: requestBulkOnlyReset}, nil))
	require.Equal(t, stateCommand, d.state)

	require.Nil(t, d.HandleClassControl(usb.SetupPacket{RequestType: 0x80, Request: 0x06}, nil))
}

func TestNewDevice(t *testing.T) {
	dev, err := NewDevice(NewMemoryBackend(testDiskSize), nil)
	require.NoError(t, err)
	desc := dev.Descriptor()
	require.Equal(t, uint16(VendorID), desc.Vendor)
	require.Equal(t, uint8(3), desc.SerialIndex)
	ifaces := dev.Configuration().Interfaces
	require.Len(t, ifaces, 1)
	require.Equal(t, uint8(InterfaceClass), ifaces[0].Descriptor.InterfaceClass)
	require.NoError(t, dev.Close())
}

func TestSerialNumber(t *testing.T) {
	a, b := NewSerialNumber(), NewSerialNumber()
	require.Len(t, a, 12)
	require.NotEqual(t, a, b)
}

func TestResetAbandonsCommand(t *testing.T) {
	d := newTestDisk(t)

	// Leave an illegal request in the sense data.
	_, csw := command(t, d, 1, []byte{0x60, 0, 0, 0, 0, 0, 0, 0, 0, 0}, false, 0, nil)
	require.Equal(t, uint8(cswStatusFailed), csw.Status)
	// Stop between the command and its data stage.
	cbw := MarshalCBW(2, BlockSize, true, cdb10(opRead10, 0, 1))
	require.Equal(t, usb.Ack{Length: cbwSize}, d.HandleData(cbw, EndpointOut&0x0f, cbwSize))
	require.Equal(t, stateData, d.state)

	d.Reset()
	require.Equal(t, stateCommand, d.state)
	key, asc := requestSense(t, d)
	require.Zero(t, key)
	require.Zero(t, asc)
	data, csw := command(t, d, 3, cdb10(opRead10, 0, 1), true, BlockSize, nil)
	require.Equal(t, uint8(cswStatusPassed), csw.Status)
	require.Len(t, data, BlockSize)
}

func TestDataOutBoundedByMedium(t *testing.T) {
	d := newTestDisk(t)
	cbw := MarshalCBW(8, 0xfffffff0, false, cdb10(opWrite10, 0, 0xffff))
	require.Equal(t, usb.Ack{Length: cbwSize}, d.HandleData(cbw, EndpointOut&0x0f, cbwSize))
	require.LessOrEqual(t, cap(d.dataOut), testDiskSize)

	chunk := make([]byte, testDiskSize)
	for range 3 {
		require.Equal(t, usb.Ack{Length: testDiskSize}, d.HandleData(chunk, EndpointOut&0x0f, testDiskSize))
	}
	require.Equal(t, stateData, d.state)
	require.Len(t, d.dataOut, testDiskSize)
	require.Equal(t, uint32(3*testDiskSize), d.received)
}

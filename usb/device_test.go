package usb

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

type echoFunction struct {
	closed bool
	resets int
}

func (*echoFunction) Interfaces() []Interface {
	return []Interface{{
		Descriptor: InterfaceDescriptor{InterfaceClass: 0xff},
		Endpoints: []EndpointDescriptor{
			{Address: 0x81, Attributes: TransferTypeBulk, MaxPacketSize: 512},
			{Address: 0x02, Attributes: TransferTypeBulk, MaxPacketSize: 512},
		},
	}}
}

func (*echoFunction) HandleClassControl(setup SetupPacket, _ []byte) Reply {
	if setup.Type() == RequestTypeVendor && setup.Request == 0x42 {
		return Completion{Data: []byte{0x42}}
	}
	return nil
}

func (*echoFunction) HandleData(data []byte, _ uint32, _ uint32) Reply {
	return Completion{Data: data}
}

func (f *echoFunction) Reset() { f.resets++ }

func (f *echoFunction) Close() error {
	f.closed = true
	return nil
}

func newTestDevice(t *testing.T) (*Device, *echoFunction) {
	t.Helper()
	fn := &echoFunction{}
	d, err := NewDevice(DeviceDescriptor{
		BCDUSB:         0x0200,
		MaxPacketSize0: 64,
		Vendor:         0x1209,
		Product:        0x0001,
	}, Strings{Manufacturer: "ACME", Product: "Disk", Serial: "0123456789ab"}, fn, nil)
	require.NoError(t, err)
	return d, fn
}

func getDescriptor(descType, index uint8, length uint16) SetupPacket {
	return SetupPacket{
		RequestType: RequestDirectionIn,
		Request:     RequestGetDescriptor,
		Value:       uint16(descType)<<8 | uint16(index),
		Length:      length,
	}
}

func completion(t *testing.T, r Reply) Completion {
	t.Helper()
	c, ok := r.(Completion)
	require.True(t, ok, "expected a completion, got %T", r)
	return c
}

func TestSetupPacketRoundTrip(t *testing.T) {
	raw := [8]byte{0x80, 0x06, 0x00, 0x02, 0x00, 0x00, 0xff, 0x00}
	s := ParseSetup(raw)
	require.Equal(t, uint8(DescriptorTypeConfiguration), s.DescriptorType())
	require.Equal(t, uint16(255), s.Length)
	require.True(t, s.DeviceToHost())
	require.Equal(t, raw, s.Bytes())
}

func TestGetDescriptor(t *testing.T) {
	d, _ := newTestDevice(t)

	for _, tc := range []struct {
		name   string
		setup  SetupPacket
		length int
		check  func(t *testing.T, b []byte)
	}{
		{
			name:   "device truncated",
			setup:  getDescriptor(DescriptorTypeDevice, 0, 8),
			length: 8,
		},
		{
			name:   "device",
			setup:  getDescriptor(DescriptorTypeDevice, 0, 64),
			length: deviceDescriptorSize,
			check: func(t *testing.T, b []byte) {
				require.Equal(t, uint16(0x1209), binary.LittleEndian.Uint16(b[8:]))
				require.Equal(t, uint8(1), b[14])
				require.Equal(t, uint8(3), b[16])
				require.Equal(t, uint8(1), b[17])
			},
		},
		{
			name:   "configuration header",
			setup:  getDescriptor(DescriptorTypeConfiguration, 0, 9),
			length: 9,
			check: func(t *testing.T, b []byte) {
				require.Equal(t, uint16(32), binary.LittleEndian.Uint16(b[2:]))
				require.Equal(t, uint8(1), b[4])
			},
		},
		{
			name:   "configuration bundle",
			setup:  getDescriptor(DescriptorTypeConfiguration, 0, 255),
			length: 32,
			check: func(t *testing.T, b []byte) {
				require.Equal(t, uint8(DescriptorTypeInterface), b[10])
				require.Equal(t, uint8(2), b[13])
				require.Equal(t, uint8(0x81), b[20])
			},
		},
		{
			name:   "language ids",
			setup:  getDescriptor(DescriptorTypeString, 0, 255),
			length: 4,
		},
		{
			name:   "serial string",
			setup:  getDescriptor(DescriptorTypeString, 3, 255),
			length: 2 + 2*12,
			check: func(t *testing.T, b []byte) {
				require.Equal(t, []byte{'0', 0, '1', 0}, b[2:6])
			},
		},
		{
			name:   "qualifier",
			setup:  getDescriptor(DescriptorTypeDeviceQualifier, 0, 10),
			length: qualifierDescriptorSize,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			c := completion(t, d.HandleControl(tc.setup, nil))
			require.Equal(t, StatusOK, c.Status)
			require.Len(t, c.Data, tc.length)
			if tc.check != nil {
				tc.check(t, c.Data)
			}
		})
	}
}

func TestStandardRequests(t *testing.T) {
	d, fn := newTestDevice(t)

	c := completion(t, d.HandleControl(SetupPacket{RequestType: RequestDirectionIn, Request: RequestGetStatus, Length: 2}, nil))
	require.Equal(t, StatusOK, c.Status)
	require.Equal(t, []byte{0x01, 0x00}, c.Data)

	c = completion(t, d.HandleControl(SetupPacket{Request: RequestSetConfiguration, Value: 1}, nil))
	require.Equal(t, StatusOK, c.Status)
	c = completion(t, d.HandleControl(SetupPacket{RequestType: RequestDirectionIn, Request: RequestGetConfiguration, Length: 1}, nil))
	require.Equal(t, []byte{1}, c.Data)

	c = completion(t, d.HandleControl(SetupPacket{Request: RequestSetConfiguration, Value: 7}, nil))
	require.Equal(t, StatusStall, c.Status)

	c = completion(t, d.HandleControl(getDescriptor(DescriptorTypeString, 9, 255), nil))
	require.Equal(t, StatusStall, c.Status)

	c = completion(t, d.HandleControl(SetupPacket{RequestType: RequestDirectionIn | RequestTypeVendor, Request: 0x42, Length: 1}, nil))
	require.Equal(t, []byte{0x42}, c.Data)

	c = completion(t, d.HandleData([]byte("ping"), 1, 4))
	require.Equal(t, []byte("ping"), c.Data)

	require.NoError(t, d.Close())
	require.True(t, fn.closed)
}

func TestResetUnconfigures(t *testing.T) {
	d, fn := newTestDevice(t)
	completion(t, d.HandleControl(SetupPacket{Request: RequestSetConfiguration, Value: 1}, nil))

	d.Reset()
	require.Equal(t, 1, fn.resets)
	c := completion(t, d.HandleControl(SetupPacket{RequestType: RequestDirectionIn, Request: RequestGetConfiguration, Length: 1}, nil))
	require.Equal(t, []byte{0}, c.Data)
}

func TestStringDescriptorTooLong(t *testing.T) {
	long := make([]byte, 200)
	for i := range long {
		long[i] = 'x'
	}
	_, err := StringDescriptor(string(long))
	require.Error(t, err)
}

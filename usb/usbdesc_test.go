package usb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEndpointAddressHelpers(t *testing.T) {
	assert.True(t, EndpointAddressIn(0x81))
	assert.False(t, EndpointAddressIn(0x02))
	assert.Equal(t, uint8(1), EndpointAddressNum(0x81))
	assert.Equal(t, uint8(15), EndpointAddressNum(0x8f))
	assert.Equal(t, uint8(2), EndpointAddressNum(0x02))
}

func TestEndpointDescriptorTransferType(t *testing.T) {
	ep := EndpointDescriptor{BEndpointAddress: 0x83, BMAttributes: 0x01}
	assert.Equal(t, TransferTypeIsochronous, ep.TransferType())
	assert.Equal(t, "isochronous", ep.TransferType().String())

	// synchronization/usage bits above the type bits must not leak into the type
	ep.BMAttributes = 0x0e
	assert.Equal(t, TransferTypeBulk, ep.TransferType())
}

func TestParseEndpointDescriptor(t *testing.T) {
	desc := EndpointDescriptor{
		BEndpointAddress: 0x81,
		BMAttributes:     uint8(TransferTypeBulk),
		WMaxPacketSize:   512,
		BInterval:        0,
	}
	parsed, err := ParseEndpointDescriptor(desc.Bytes())
	require.NoError(t, err)
	assert.Equal(t, desc, parsed)

	_, err = ParseEndpointDescriptor([]byte{0x07, EndpointDescType, 0x81})
	assert.Error(t, err)

	_, err = ParseEndpointDescriptor([]byte{0x07, DeviceDescType, 0, 0, 0, 0, 0})
	assert.Error(t, err)
}

func TestParseDeviceDescriptor(t *testing.T) {
	desc := DeviceDescriptor{
		BcdUSB:             0x0200,
		BMaxPacketSize0:    64,
		IDVendor:           0x1d50,
		IDProduct:          0x6089,
		BNumConfigurations: 2,
	}
	parsed, err := ParseDeviceDescriptor(desc.Bytes())
	require.NoError(t, err)
	assert.Equal(t, desc, parsed)
}

func TestParseDeviceQualifier(t *testing.T) {
	q := DeviceQualifierDescriptor{BcdUSB: 0x0200, BMaxPacketSize0: 64, BNumConfigurations: 1}
	parsed, err := ParseDeviceQualifier(q.Bytes())
	require.NoError(t, err)
	assert.Equal(t, q, parsed)
}

func TestSetupPacket(t *testing.T) {
	raw := []byte{0x00, 0x09, 0x02, 0x00, 0x00, 0x00, 0x00, 0x00}
	s, err := ParseSetupPacket(raw)
	require.NoError(t, err)
	assert.True(t, s.IsStandard())
	assert.True(t, s.OutDirected())
	assert.True(t, s.IsSetConfiguration())
	assert.Equal(t, uint8(2), s.ConfigurationValue())
	assert.Equal(t, raw, s.Bytes())

	// GET_DESCRIPTOR is not a configuration change
	s, err = ParseSetupPacket([]byte{0x80, 0x06, 0x00, 0x01, 0x00, 0x00, 0x12, 0x00})
	require.NoError(t, err)
	assert.False(t, s.IsSetConfiguration())
	assert.False(t, s.OutDirected())
	assert.Equal(t, uint16(18), s.WLength)

	// class request 0x09 (HID SET_REPORT) must not be mistaken for
	// SET_CONFIGURATION
	s, err = ParseSetupPacket([]byte{0x21, 0x09, 0x00, 0x02, 0x00, 0x00, 0x08, 0x00})
	require.NoError(t, err)
	assert.False(t, s.IsSetConfiguration())

	_, err = ParseSetupPacket([]byte{0x00, 0x09})
	assert.Error(t, err)
}

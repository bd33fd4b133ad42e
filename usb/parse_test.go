package usb

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildConfigBlob assembles a configuration blob with one interface (two
// alternates) plus an interleaved HID class descriptor that the parser must
// skip.
func buildConfigBlob(t *testing.T) []byte {
	t.Helper()
	var b bytes.Buffer
	ConfigDescriptor{
		BNumInterfaces:      1,
		BConfigurationValue: 1,
		BMAttributes:        0x80,
		BMaxPower:           25,
	}.Write(&b)

	InterfaceDescriptor{BInterfaceNumber: 0, BAlternateSetting: 0, BNumEndpoints: 2, BInterfaceClass: 0x03}.Write(&b)
	// HID class descriptor, must be skipped by bLength
	b.Write([]byte{0x09, 0x21, 0x11, 0x01, 0x00, 0x01, 0x22, 0x3f, 0x00})
	EndpointDescriptor{BEndpointAddress: 0x81, BMAttributes: uint8(TransferTypeInterrupt), WMaxPacketSize: 8, BInterval: 10}.Write(&b)
	EndpointDescriptor{BEndpointAddress: 0x02, BMAttributes: uint8(TransferTypeBulk), WMaxPacketSize: 64}.Write(&b)

	InterfaceDescriptor{BInterfaceNumber: 0, BAlternateSetting: 1, BNumEndpoints: 1, BInterfaceClass: 0x03}.Write(&b)
	EndpointDescriptor{BEndpointAddress: 0x81, BMAttributes: uint8(TransferTypeInterrupt), WMaxPacketSize: 64, BInterval: 1}.Write(&b)

	blob := b.Bytes()
	binary.LittleEndian.PutUint16(blob[2:4], uint16(len(blob)))
	return blob
}

func TestParseConfigurationTree(t *testing.T) {
	cfg, err := ParseConfigurationTree(buildConfigBlob(t))
	require.NoError(t, err)

	assert.Equal(t, uint8(1), cfg.Value())
	assert.Equal(t, 1, cfg.InterfaceCount())
	require.Equal(t, 2, cfg.AlternateCount(0))

	alt0 := cfg.Alternate(0, 0)
	require.NotNil(t, alt0)
	assert.Equal(t, uint8(0), alt0.AlternateSetting())
	require.Len(t, alt0.Endpoints(), 2)
	assert.Equal(t, uint8(0x81), alt0.Endpoints()[0].Address())
	assert.Equal(t, TransferTypeInterrupt, alt0.Endpoints()[0].TransferType())
	assert.Equal(t, uint16(64), alt0.Endpoints()[1].MaxPacketSize())

	alt1 := cfg.Alternate(0, 1)
	require.NotNil(t, alt1)
	assert.Equal(t, uint8(1), alt1.AlternateSetting())
	require.Len(t, alt1.Endpoints(), 1)

	// back references
	assert.Same(t, alt0, alt0.Endpoints()[0].Interface())
	assert.Same(t, cfg, alt0.Configuration())

	assert.Nil(t, cfg.Alternate(1, 0))
	assert.Zero(t, cfg.AlternateCount(3))
}

func TestParseConfigurationTreeErrors(t *testing.T) {
	_, err := ParseConfigurationTree([]byte{0x09, ConfigDescType})
	assert.Error(t, err)

	_, err = ParseConfigurationTree([]byte{0x09, DeviceDescType, 0, 0, 0, 0, 0, 0, 0})
	assert.Error(t, err)

	// endpoint before any interface
	var b bytes.Buffer
	ConfigDescriptor{BNumInterfaces: 1, BConfigurationValue: 1}.Write(&b)
	EndpointDescriptor{BEndpointAddress: 0x81}.Write(&b)
	blob := b.Bytes()
	binary.LittleEndian.PutUint16(blob[2:4], uint16(len(blob)))
	_, err = ParseConfigurationTree(blob)
	assert.ErrorContains(t, err, "before any interface")

	// truncated trailing descriptor
	blob = buildConfigBlob(t)
	blob = blob[:len(blob)-3]
	binary.LittleEndian.PutUint16(blob[2:4], uint16(len(blob)))
	_, err = ParseConfigurationTree(blob)
	assert.Error(t, err)
}

// Package usb contains the USB descriptor model mirrored from a relayed
// device: descriptor codecs, setup packets, transfers, and the
// Device/Configuration/Interface/Endpoint tree.
package usb

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// USB descriptor type constants
const (
	DeviceDescType          = 0x01
	ConfigDescType          = 0x02
	StringDescType          = 0x03
	InterfaceDescType       = 0x04
	EndpointDescType        = 0x05
	DeviceQualifierDescType = 0x06
	OtherSpeedConfigType    = 0x07
)

// Descriptor lengths in bytes (fixed values from USB spec)
const (
	DeviceDescLen          = 18
	ConfigDescLen          = 9
	InterfaceDescLen       = 9
	EndpointDescLen        = 7
	DeviceQualifierDescLen = 10
)

// Endpoint address layout: high bit is direction, low nibble is the number.
// Bits 4-6 are reserved zero.
const (
	DirIn           = 0x80
	EndpointNumMask = 0x0f
)

// EndpointAddressIn reports whether addr names an IN (device to host) endpoint.
func EndpointAddressIn(addr uint8) bool { return addr&DirIn != 0 }

// EndpointAddressNum extracts the 4-bit endpoint number from addr.
func EndpointAddressNum(addr uint8) uint8 { return addr & EndpointNumMask }

// TransferTypeMask selects the transfer type bits of bmAttributes.
const TransferTypeMask = 0x03

// TransferType is the endpoint transfer type from bmAttributes.
type TransferType uint8

const (
	TransferTypeControl     TransferType = 0x00
	TransferTypeIsochronous TransferType = 0x01
	TransferTypeBulk        TransferType = 0x02
	TransferTypeInterrupt   TransferType = 0x03
)

func (t TransferType) String() string {
	switch t {
	case TransferTypeControl:
		return "control"
	case TransferTypeIsochronous:
		return "isochronous"
	case TransferTypeBulk:
		return "bulk"
	case TransferTypeInterrupt:
		return "interrupt"
	default:
		return "unknown"
	}
}

// Speed is the bus speed a device was enumerated at.
type Speed uint32

const (
	SpeedUnknown Speed = 0
	SpeedLow     Speed = 1
	SpeedFull    Speed = 2
	SpeedHigh    Speed = 3
	SpeedSuper   Speed = 4
)

func (s Speed) String() string {
	switch s {
	case SpeedLow:
		return "low"
	case SpeedFull:
		return "full"
	case SpeedHigh:
		return "high"
	case SpeedSuper:
		return "super"
	default:
		return "unknown"
	}
}

// DeviceDescriptor represents the standard USB device descriptor.
// BLength and BDescriptorType are implied by the codec.
type DeviceDescriptor struct {
	BcdUSB             uint16 // LE
	BDeviceClass       uint8
	BDeviceSubClass    uint8
	BDeviceProtocol    uint8
	BMaxPacketSize0    uint8
	IDVendor           uint16 // LE
	IDProduct          uint16 // LE
	BcdDevice          uint16 // LE
	IManufacturer      uint8
	IProduct           uint8
	ISerialNumber      uint8
	BNumConfigurations uint8
}

// Bytes returns the 18-byte binary representation.
func (d DeviceDescriptor) Bytes() []byte {
	var b bytes.Buffer
	b.WriteByte(DeviceDescLen)
	b.WriteByte(DeviceDescType)
	_ = binary.Write(&b, binary.LittleEndian, d.BcdUSB)
	b.WriteByte(d.BDeviceClass)
	b.WriteByte(d.BDeviceSubClass)
	b.WriteByte(d.BDeviceProtocol)
	b.WriteByte(d.BMaxPacketSize0)
	_ = binary.Write(&b, binary.LittleEndian, d.IDVendor)
	_ = binary.Write(&b, binary.LittleEndian, d.IDProduct)
	_ = binary.Write(&b, binary.LittleEndian, d.BcdDevice)
	b.WriteByte(d.IManufacturer)
	b.WriteByte(d.IProduct)
	b.WriteByte(d.ISerialNumber)
	b.WriteByte(d.BNumConfigurations)
	return b.Bytes()
}

// ParseDeviceDescriptor decodes an 18-byte device descriptor.
func ParseDeviceDescriptor(data []byte) (DeviceDescriptor, error) {
	var d DeviceDescriptor
	if len(data) < DeviceDescLen {
		return d, fmt.Errorf("device descriptor too short: %d bytes", len(data))
	}
	if data[1] != DeviceDescType {
		return d, fmt.Errorf("not a device descriptor: type 0x%02x", data[1])
	}
	d.BcdUSB = binary.LittleEndian.Uint16(data[2:4])
	d.BDeviceClass = data[4]
	d.BDeviceSubClass = data[5]
	d.BDeviceProtocol = data[6]
	d.BMaxPacketSize0 = data[7]
	d.IDVendor = binary.LittleEndian.Uint16(data[8:10])
	d.IDProduct = binary.LittleEndian.Uint16(data[10:12])
	d.BcdDevice = binary.LittleEndian.Uint16(data[12:14])
	d.IManufacturer = data[14]
	d.IProduct = data[15]
	d.ISerialNumber = data[16]
	d.BNumConfigurations = data[17]
	return d, nil
}

// ConfigDescriptor represents the USB configuration descriptor header (9 bytes).
type ConfigDescriptor struct {
	WTotalLength        uint16 // LE
	BNumInterfaces      uint8
	BConfigurationValue uint8
	IConfiguration      uint8
	BMAttributes        uint8
	BMaxPower           uint8
}

func (h ConfigDescriptor) Write(b *bytes.Buffer) {
	b.WriteByte(ConfigDescLen)
	b.WriteByte(ConfigDescType)
	_ = binary.Write(b, binary.LittleEndian, h.WTotalLength)
	b.WriteByte(h.BNumInterfaces)
	b.WriteByte(h.BConfigurationValue)
	b.WriteByte(h.IConfiguration)
	b.WriteByte(h.BMAttributes)
	b.WriteByte(h.BMaxPower)
}

// InterfaceDescriptor (9 bytes) for each interface altsetting.
type InterfaceDescriptor struct {
	BInterfaceNumber   uint8
	BAlternateSetting  uint8
	BNumEndpoints      uint8
	BInterfaceClass    uint8
	BInterfaceSubClass uint8
	BInterfaceProtocol uint8
	IInterface         uint8
}

func (i InterfaceDescriptor) Write(b *bytes.Buffer) {
	b.WriteByte(InterfaceDescLen)
	b.WriteByte(InterfaceDescType)
	b.WriteByte(i.BInterfaceNumber)
	b.WriteByte(i.BAlternateSetting)
	b.WriteByte(i.BNumEndpoints)
	b.WriteByte(i.BInterfaceClass)
	b.WriteByte(i.BInterfaceSubClass)
	b.WriteByte(i.BInterfaceProtocol)
	b.WriteByte(i.IInterface)
}

// EndpointDescriptor (7 bytes) for each endpoint.
type EndpointDescriptor struct {
	BEndpointAddress uint8
	BMAttributes     uint8
	WMaxPacketSize   uint16 // LE
	BInterval        uint8
}

func (e EndpointDescriptor) Write(b *bytes.Buffer) {
	b.WriteByte(EndpointDescLen)
	b.WriteByte(EndpointDescType)
	b.WriteByte(e.BEndpointAddress)
	b.WriteByte(e.BMAttributes)
	_ = binary.Write(b, binary.LittleEndian, e.WMaxPacketSize)
	b.WriteByte(e.BInterval)
}

// Bytes returns the 7-byte binary representation.
func (e EndpointDescriptor) Bytes() []byte {
	var b bytes.Buffer
	e.Write(&b)
	return b.Bytes()
}

// TransferType extracts the transfer type from bmAttributes.
func (e EndpointDescriptor) TransferType() TransferType {
	return TransferType(e.BMAttributes & TransferTypeMask)
}

// ParseEndpointDescriptor decodes a 7-byte endpoint descriptor.
func ParseEndpointDescriptor(data []byte) (EndpointDescriptor, error) {
	var e EndpointDescriptor
	if len(data) < EndpointDescLen {
		return e, fmt.Errorf("endpoint descriptor too short: %d bytes", len(data))
	}
	if data[1] != EndpointDescType {
		return e, fmt.Errorf("not an endpoint descriptor: type 0x%02x", data[1])
	}
	e.BEndpointAddress = data[2]
	e.BMAttributes = data[3]
	e.WMaxPacketSize = binary.LittleEndian.Uint16(data[4:6])
	e.BInterval = data[6]
	return e, nil
}

// DeviceQualifierDescriptor (10 bytes) describes the device at the speed it
// is not currently operating at. Present only on high-speed capable devices.
type DeviceQualifierDescriptor struct {
	BcdUSB             uint16 // LE
	BDeviceClass       uint8
	BDeviceSubClass    uint8
	BDeviceProtocol    uint8
	BMaxPacketSize0    uint8
	BNumConfigurations uint8
}

// Bytes returns the 10-byte binary representation.
func (q DeviceQualifierDescriptor) Bytes() []byte {
	var b bytes.Buffer
	b.WriteByte(DeviceQualifierDescLen)
	b.WriteByte(DeviceQualifierDescType)
	_ = binary.Write(&b, binary.LittleEndian, q.BcdUSB)
	b.WriteByte(q.BDeviceClass)
	b.WriteByte(q.BDeviceSubClass)
	b.WriteByte(q.BDeviceProtocol)
	b.WriteByte(q.BMaxPacketSize0)
	b.WriteByte(q.BNumConfigurations)
	b.WriteByte(0) // bReserved
	return b.Bytes()
}

// ParseDeviceQualifier decodes a 10-byte device qualifier descriptor.
func ParseDeviceQualifier(data []byte) (DeviceQualifierDescriptor, error) {
	var q DeviceQualifierDescriptor
	if len(data) < DeviceQualifierDescLen {
		return q, fmt.Errorf("device qualifier too short: %d bytes", len(data))
	}
	if data[1] != DeviceQualifierDescType {
		return q, fmt.Errorf("not a device qualifier: type 0x%02x", data[1])
	}
	q.BcdUSB = binary.LittleEndian.Uint16(data[2:4])
	q.BDeviceClass = data[4]
	q.BDeviceSubClass = data[5]
	q.BDeviceProtocol = data[6]
	q.BMaxPacketSize0 = data[7]
	q.BNumConfigurations = data[8]
	return q, nil
}

// EncodeStringDescriptor converts a UTF-8 string to a USB string descriptor.
func EncodeStringDescriptor(s string) []byte {
	runes := []rune(s)
	buf := make([]byte, 2+len(runes)*2)
	buf[0] = uint8(len(buf)) // bLength
	buf[1] = StringDescType
	for i, r := range runes {
		buf[2+i*2] = uint8(r)
		buf[2+i*2+1] = uint8(r >> 8)
	}
	return buf
}

// Package tcp relays the device side of a session over the network: an
// Exporter serves a local DeviceProxy to a remote relay, whose tcp.DeviceProxy
// speaks the same length-prefixed frame protocol. Traffic can be wrapped in
// pre-shared-key encryption.
package tcp

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/usbmitm/usbmitm/usb"
)

// Frame kinds. Every request is answered with a kindResult frame.
const (
	kindConnect        = 0x01
	kindResult         = 0x02
	kindDeviceDesc     = 0x03
	kindConfigDesc     = 0x04 // addr = configuration index
	kindOtherSpeedDesc = 0x05 // addr = configuration index
	kindQualifierDesc  = 0x06
	kindSpeed          = 0x07
	kindClaim          = 0x08 // addr = interface number
	kindRelease        = 0x09 // addr = interface number
	kindEpInterface    = 0x0a // addr = endpoint, payload[0] = interface number
	kindSetConfig      = 0x0b // payload = [value, otherValue, flags]
	kindTransferOut    = 0x0c // addr = endpoint, payload = transfer
	kindTransferInReq  = 0x0d // addr = endpoint, payload = timeout ms (BE32)
	kindDisconnect     = 0x0e
)

// Result statuses, first payload byte of a kindResult frame.
const (
	statusOK          = 0x00
	statusTimedOut    = 0x01
	statusUnavailable = 0x02
	statusError       = 0x03 // rest of payload is the message
)

// kindSetConfig flags
const (
	setConfigHighspeed = 0x01
	setConfigHasOther  = 0x02
)

// maxFrameSize bounds a frame body; control transfers top out at 64 KiB so
// this leaves generous headroom for framing.
const maxFrameSize = 1 << 20

// writeFrame emits one frame: 4-byte BE length over (kind, addr, payload).
func writeFrame(w io.Writer, kind, addr uint8, payload []byte) error {
	if len(payload)+2 > maxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", len(payload))
	}
	hdr := make([]byte, 6)
	binary.BigEndian.PutUint32(hdr[:4], uint32(len(payload)+2))
	hdr[4] = kind
	hdr[5] = addr
	if _, err := w.Write(hdr); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return err
		}
	}
	return nil
}

// readFrame reads one frame.
func readFrame(r io.Reader) (kind, addr uint8, payload []byte, err error) {
	var lenBuf [4]byte
	if err := readExactly(r, lenBuf[:]); err != nil {
		return 0, 0, nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n < 2 || n > maxFrameSize {
		return 0, 0, nil, fmt.Errorf("invalid frame length %d", n)
	}
	body := make([]byte, n)
	if err := readExactly(r, body); err != nil {
		return 0, 0, nil, err
	}
	return body[0], body[1], body[2:], nil
}

// readExactly fills buf or fails.
func readExactly(r io.Reader, buf []byte) error {
	_, err := io.ReadFull(r, buf)
	return err
}

// encodeTransfer serializes setup presence, setup bytes, and payload.
func encodeTransfer(t *usb.Transfer) []byte {
	if t.Setup == nil {
		return append([]byte{0}, t.Data...)
	}
	out := make([]byte, 0, 1+usb.SetupPacketLen+len(t.Data))
	out = append(out, 1)
	out = append(out, t.Setup.Bytes()...)
	return append(out, t.Data...)
}

// decodeTransfer is the inverse of encodeTransfer.
func decodeTransfer(addr uint8, data []byte) (*usb.Transfer, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("transfer frame too short")
	}
	if data[0] == 0 {
		return usb.NewDataTransfer(addr, append([]byte(nil), data[1:]...)), nil
	}
	if len(data) < 1+usb.SetupPacketLen {
		return nil, fmt.Errorf("control transfer frame too short")
	}
	setup, err := usb.ParseSetupPacket(data[1 : 1+usb.SetupPacketLen])
	if err != nil {
		return nil, err
	}
	t := usb.NewControlTransfer(setup, append([]byte(nil), data[1+usb.SetupPacketLen:]...))
	t.Endpoint = addr
	return t, nil
}

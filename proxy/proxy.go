// Package proxy defines the interfaces to the two sides of the relayed USB
// connection: the DeviceProxy talking to the real device and the HostProxy
// impersonating it toward the upstream host.
package proxy

import (
	"errors"
	"time"

	"github.com/usbmitm/usbmitm/usb"
)

// ErrTimedOut is returned by connect and transfer operations that timed out
// and may be retried.
var ErrTimedOut = errors.New("operation timed out")

// ErrDisconnected is returned by transfer operations once a proxy has been
// disconnected.
var ErrDisconnected = errors.New("proxy disconnected")

// Proxy is the datapath surface shared by both sides.
type Proxy interface {
	// ReadTransfer blocks up to timeout for one transfer on the endpoint
	// address. Returns ErrTimedOut when nothing arrived in time.
	ReadTransfer(addr uint8, timeout time.Duration) (*usb.Transfer, error)
	// WriteTransfer submits one transfer. Ownership of the transfer passes to
	// the proxy.
	WriteTransfer(t *usb.Transfer) error
}

// DeviceProxy drives the downstream (real device) side.
type DeviceProxy interface {
	Proxy
	usb.DescriptorSource

	// Connect establishes the connection to the device. ErrTimedOut is
	// retriable; any other error is fatal for the session.
	Connect() error
	// Disconnect tears the connection down. Safe to call regardless of
	// connection state.
	Disconnect()
	ClaimInterface(number uint8) error
	ReleaseInterface(number uint8) error
	// SetEndpointInterface records which interface number backs an endpoint
	// address for subsequent transfers.
	SetEndpointInterface(addr uint8, number uint8)
	// SetConfig announces the newly selected configuration. otherSpeed is nil
	// when the device has no qualifier.
	SetConfig(cfg, otherSpeed *usb.Configuration, highspeed bool)
}

// HostProxy drives the upstream (impersonated gadget) side.
type HostProxy interface {
	Proxy

	// Connect exposes the enumerated device model to the host. ErrTimedOut is
	// retriable; any other error is fatal for the session.
	Connect(dev *usb.Device) error
	// Disconnect detaches from the host. Safe to call regardless of
	// connection state.
	Disconnect()
	SetConfig(cfg, otherSpeed *usb.Configuration, highspeed bool)
}

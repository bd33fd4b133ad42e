package tcp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/usbmitm/usbmitm/proxy"
	"github.com/usbmitm/usbmitm/usb"
)

// rpcSlack pads read deadlines beyond the remote-side operation timeout.
const rpcSlack = 5 * time.Second

// DeviceProxy talks to a remote Exporter serving the real device. Requests
// are serialized over one connection; the per-endpoint relay readers poll
// with short timeouts, so head-of-line blocking is bounded by the poll
// interval.
type DeviceProxy struct {
	addr        string
	key         string
	dialTimeout time.Duration
	logger      *slog.Logger

	mu    sync.Mutex
	conn  net.Conn
	speed usb.Speed
}

// NewDeviceProxy creates a proxy for the exporter at addr. key enables
// pre-shared-key encryption and must match the exporter's; empty disables
// it.
func NewDeviceProxy(addr, key string, dialTimeout time.Duration, logger *slog.Logger) *DeviceProxy {
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	return &DeviceProxy{addr: addr, key: key, dialTimeout: dialTimeout, logger: logger}
}

// Connect dials the exporter and attaches to its device. Dial timeouts are
// reported as retriable.
func (d *DeviceProxy) Connect() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn != nil {
		return nil
	}

	conn, err := net.DialTimeout("tcp", d.addr, d.dialTimeout)
	if err != nil {
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			return proxy.ErrTimedOut
		}
		return fmt.Errorf("dial exporter %s: %w", d.addr, err)
	}
	if d.key != "" {
		conn, err = wrapConn(conn, d.key)
		if err != nil {
			conn.Close()
			return fmt.Errorf("wrap connection: %w", err)
		}
	}
	d.conn = conn

	status, _, err := d.rpcLocked(kindConnect, 0, nil, d.dialTimeout+rpcSlack)
	if err != nil {
		d.closeLocked()
		return err
	}
	switch status {
	case statusOK:
	case statusTimedOut:
		d.closeLocked()
		return proxy.ErrTimedOut
	default:
		d.closeLocked()
		return fmt.Errorf("exporter refused connect (status %d)", status)
	}

	_, payload, err := d.rpcOKLocked(kindSpeed, 0, nil)
	if err != nil {
		d.closeLocked()
		return err
	}
	if len(payload) >= 4 {
		d.speed = usb.Speed(binary.BigEndian.Uint32(payload))
	}
	d.logger.Info("attached to exported device", "addr", d.addr, "speed", d.speed.String())
	return nil
}

// Disconnect detaches from the exporter. Safe on a never-connected proxy.
func (d *DeviceProxy) Disconnect() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn == nil {
		return
	}
	_ = writeFrame(d.conn, kindDisconnect, 0, nil)
	d.closeLocked()
}

func (d *DeviceProxy) closeLocked() {
	if d.conn != nil {
		_ = d.conn.Close()
		d.conn = nil
	}
}

// rpc sends one request and waits for its result frame.
func (d *DeviceProxy) rpc(kind, addr uint8, payload []byte, deadline time.Duration) (uint8, []byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rpcLocked(kind, addr, payload, deadline)
}

func (d *DeviceProxy) rpcLocked(kind, addr uint8, payload []byte, deadline time.Duration) (uint8, []byte, error) {
	if d.conn == nil {
		return 0, nil, proxy.ErrDisconnected
	}
	if err := d.conn.SetDeadline(time.Now().Add(deadline)); err != nil {
		return 0, nil, err
	}
	if err := writeFrame(d.conn, kind, addr, payload); err != nil {
		d.closeLocked()
		return 0, nil, fmt.Errorf("send frame: %w", err)
	}
	rkind, _, resp, err := readFrame(d.conn)
	if err != nil {
		d.closeLocked()
		return 0, nil, fmt.Errorf("read result: %w", err)
	}
	if rkind != kindResult || len(resp) < 1 {
		d.closeLocked()
		return 0, nil, fmt.Errorf("protocol violation: unexpected frame kind 0x%02x", rkind)
	}
	return resp[0], resp[1:], nil
}

// rpcOK is rpc plus mapping of non-OK statuses to errors.
func (d *DeviceProxy) rpcOK(kind, addr uint8, payload []byte) (uint8, []byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rpcOKLocked(kind, addr, payload)
}

func (d *DeviceProxy) rpcOKLocked(kind, addr uint8, payload []byte) (uint8, []byte, error) {
	status, resp, err := d.rpcLocked(kind, addr, payload, rpcSlack)
	if err != nil {
		return status, resp, err
	}
	switch status {
	case statusOK:
		return status, resp, nil
	case statusTimedOut:
		return status, nil, proxy.ErrTimedOut
	case statusUnavailable:
		return status, nil, usb.ErrDescriptorUnavailable
	default:
		return status, nil, fmt.Errorf("exporter error: %s", string(resp))
	}
}

// DescriptorSource

func (d *DeviceProxy) DeviceDescriptor() (usb.DeviceDescriptor, error) {
	_, resp, err := d.rpcOK(kindDeviceDesc, 0, nil)
	if err != nil {
		return usb.DeviceDescriptor{}, err
	}
	return usb.ParseDeviceDescriptor(resp)
}

func (d *DeviceProxy) ConfigurationDescriptor(index uint8) ([]byte, error) {
	_, resp, err := d.rpcOK(kindConfigDesc, index, nil)
	return resp, err
}

func (d *DeviceProxy) OtherSpeedConfigurationDescriptor(index uint8) ([]byte, error) {
	_, resp, err := d.rpcOK(kindOtherSpeedDesc, index, nil)
	return resp, err
}

func (d *DeviceProxy) DeviceQualifierDescriptor() (usb.DeviceQualifierDescriptor, error) {
	_, resp, err := d.rpcOK(kindQualifierDesc, 0, nil)
	if err != nil {
		return usb.DeviceQualifierDescriptor{}, err
	}
	return usb.ParseDeviceQualifier(resp)
}

func (d *DeviceProxy) Speed() usb.Speed {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.speed
}

func (d *DeviceProxy) ClaimInterface(number uint8) error {
	_, _, err := d.rpcOK(kindClaim, number, nil)
	return err
}

func (d *DeviceProxy) ReleaseInterface(number uint8) error {
	_, _, err := d.rpcOK(kindRelease, number, nil)
	return err
}

func (d *DeviceProxy) SetEndpointInterface(addr uint8, number uint8) {
	if _, _, err := d.rpcOK(kindEpInterface, addr, []byte{number}); err != nil {
		d.logger.Warn("set endpoint interface failed", "endpoint", addr, "error", err)
	}
}

func (d *DeviceProxy) SetConfig(cfg, otherSpeed *usb.Configuration, highspeed bool) {
	payload := []byte{0, 0, 0}
	if cfg != nil {
		payload[0] = cfg.Value()
	}
	if otherSpeed != nil {
		payload[1] = otherSpeed.Value()
		payload[2] |= setConfigHasOther
	}
	if highspeed {
		payload[2] |= setConfigHighspeed
	}
	if _, _, err := d.rpcOK(kindSetConfig, 0, payload); err != nil {
		d.logger.Warn("remote set config failed", "error", err)
	}
}

func (d *DeviceProxy) ReadTransfer(addr uint8, timeout time.Duration) (*usb.Transfer, error) {
	req := make([]byte, 4)
	binary.BigEndian.PutUint32(req, uint32(timeout.Milliseconds()))
	status, resp, err := d.rpc(kindTransferInReq, addr, req, timeout+rpcSlack)
	if err != nil {
		return nil, err
	}
	switch status {
	case statusOK:
		return decodeTransfer(addr, resp)
	case statusTimedOut:
		return nil, proxy.ErrTimedOut
	default:
		return nil, fmt.Errorf("remote read failed: %s", string(resp))
	}
}

func (d *DeviceProxy) WriteTransfer(t *usb.Transfer) error {
	_, _, err := d.rpcOK(kindTransferOut, t.Endpoint, encodeTransfer(t))
	return err
}

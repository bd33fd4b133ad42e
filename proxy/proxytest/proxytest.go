// Package proxytest provides in-memory DeviceProxy and HostProxy
// implementations with programmable descriptors and scriptable connect
// behavior. They back the manager tests and the loopback demo plugins.
package proxytest

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/usbmitm/usbmitm/proxy"
	"github.com/usbmitm/usbmitm/usb"
)

const epChanDepth = 64

// SetConfigCall records one SetConfig dispatch.
type SetConfigCall struct {
	Config     *usb.Configuration
	OtherSpeed *usb.Configuration
	Highspeed  bool
}

// DeviceProxy is an in-memory device side. Configure the descriptor fields
// before Connect; queue IN traffic with QueueTransfer and inspect what the
// relay submitted with Written.
type DeviceProxy struct {
	Desc       usb.DeviceDescriptor
	Configs    [][]byte
	OtherSpeed [][]byte
	Qualifier  *usb.DeviceQualifierDescriptor
	BusSpeed   usb.Speed

	// ConnectFunc, when set, scripts the outcome of each Connect call
	// (1-based call number).
	ConnectFunc func(call int) error

	mu           sync.Mutex
	connectCalls int
	connected    bool
	claimed      []uint8
	released     []uint8
	epInterfaces map[uint8]uint8
	setConfigs   []SetConfigCall
	source       map[uint8]chan *usb.Transfer
	written      map[uint8][]*usb.Transfer
}

// NewDeviceProxy creates a device proxy with no descriptors configured.
func NewDeviceProxy() *DeviceProxy {
	return &DeviceProxy{
		BusSpeed:     usb.SpeedFull,
		epInterfaces: make(map[uint8]uint8),
		source:       make(map[uint8]chan *usb.Transfer),
		written:      make(map[uint8][]*usb.Transfer),
	}
}

func (d *DeviceProxy) Connect() error {
	d.mu.Lock()
	d.connectCalls++
	call := d.connectCalls
	fn := d.ConnectFunc
	d.mu.Unlock()
	if fn != nil {
		if err := fn(call); err != nil {
			return err
		}
	}
	d.mu.Lock()
	d.connected = true
	d.mu.Unlock()
	return nil
}

func (d *DeviceProxy) Disconnect() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = false
}

// ConnectCalls returns how many times Connect was invoked.
func (d *DeviceProxy) ConnectCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connectCalls
}

// Connected reports the connection state.
func (d *DeviceProxy) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

func (d *DeviceProxy) ClaimInterface(number uint8) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.claimed = append(d.claimed, number)
	return nil
}

func (d *DeviceProxy) ReleaseInterface(number uint8) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.released = append(d.released, number)
	return nil
}

// Claimed returns every interface number passed to ClaimInterface.
func (d *DeviceProxy) Claimed() []uint8 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]uint8(nil), d.claimed...)
}

// Released returns every interface number passed to ReleaseInterface.
func (d *DeviceProxy) Released() []uint8 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]uint8(nil), d.released...)
}

func (d *DeviceProxy) SetEndpointInterface(addr uint8, number uint8) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.epInterfaces[addr] = number
}

// EndpointInterface returns the interface number recorded for an endpoint
// address.
func (d *DeviceProxy) EndpointInterface(addr uint8) (uint8, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, ok := d.epInterfaces[addr]
	return n, ok
}

func (d *DeviceProxy) SetConfig(cfg, otherSpeed *usb.Configuration, highspeed bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.setConfigs = append(d.setConfigs, SetConfigCall{Config: cfg, OtherSpeed: otherSpeed, Highspeed: highspeed})
}

// SetConfigCalls returns every SetConfig dispatch.
func (d *DeviceProxy) SetConfigCalls() []SetConfigCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]SetConfigCall(nil), d.setConfigs...)
}

// DescriptorSource

func (d *DeviceProxy) DeviceDescriptor() (usb.DeviceDescriptor, error) { return d.Desc, nil }

func (d *DeviceProxy) ConfigurationDescriptor(index uint8) ([]byte, error) {
	if int(index) >= len(d.Configs) {
		return nil, fmt.Errorf("no configuration at index %d", index)
	}
	return d.Configs[index], nil
}

func (d *DeviceProxy) OtherSpeedConfigurationDescriptor(index uint8) ([]byte, error) {
	if int(index) >= len(d.OtherSpeed) {
		return nil, usb.ErrDescriptorUnavailable
	}
	return d.OtherSpeed[index], nil
}

func (d *DeviceProxy) DeviceQualifierDescriptor() (usb.DeviceQualifierDescriptor, error) {
	if d.Qualifier == nil {
		return usb.DeviceQualifierDescriptor{}, usb.ErrDescriptorUnavailable
	}
	return *d.Qualifier, nil
}

func (d *DeviceProxy) Speed() usb.Speed { return d.BusSpeed }

// QueueTransfer makes a transfer available for the next ReadTransfer on the
// endpoint address, as if the device produced it.
func (d *DeviceProxy) QueueTransfer(t *usb.Transfer) {
	d.sourceChan(t.Endpoint) <- t
}

// TryQueueTransfer queues a transfer without blocking; returns false when
// the endpoint buffer is full.
func (d *DeviceProxy) TryQueueTransfer(t *usb.Transfer) bool {
	select {
	case d.sourceChan(t.Endpoint) <- t:
		return true
	default:
		return false
	}
}

func (d *DeviceProxy) sourceChan(addr uint8) chan *usb.Transfer {
	d.mu.Lock()
	defer d.mu.Unlock()
	ch, ok := d.source[addr]
	if !ok {
		ch = make(chan *usb.Transfer, epChanDepth)
		d.source[addr] = ch
	}
	return ch
}

func (d *DeviceProxy) ReadTransfer(addr uint8, timeout time.Duration) (*usb.Transfer, error) {
	select {
	case t := <-d.sourceChan(addr):
		return t, nil
	case <-time.After(timeout):
		return nil, proxy.ErrTimedOut
	}
}

func (d *DeviceProxy) WriteTransfer(t *usb.Transfer) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.written[t.Endpoint] = append(d.written[t.Endpoint], t)
	return nil
}

// Written returns every transfer submitted toward the device on an endpoint
// address (0 for control transfers).
func (d *DeviceProxy) Written(addr uint8) []*usb.Transfer {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*usb.Transfer(nil), d.written[addr]...)
}

// HostProxy is an in-memory host side. Queue host-originated traffic with
// QueueTransfer (address 0 for control requests) and inspect what reached
// the host with Received.
type HostProxy struct {
	// ConnectFunc, when set, scripts the outcome of each Connect call.
	ConnectFunc func(call int, dev *usb.Device) error

	mu           sync.Mutex
	connectCalls int
	device       *usb.Device
	setConfigs   []SetConfigCall
	source       map[uint8]chan *usb.Transfer
	received     map[uint8][]*usb.Transfer
}

// NewHostProxy creates a host proxy.
func NewHostProxy() *HostProxy {
	return &HostProxy{
		source:   make(map[uint8]chan *usb.Transfer),
		received: make(map[uint8][]*usb.Transfer),
	}
}

func (h *HostProxy) Connect(dev *usb.Device) error {
	h.mu.Lock()
	h.connectCalls++
	call := h.connectCalls
	fn := h.ConnectFunc
	h.mu.Unlock()
	if fn != nil {
		if err := fn(call, dev); err != nil {
			return err
		}
	}
	h.mu.Lock()
	h.device = dev
	h.mu.Unlock()
	return nil
}

func (h *HostProxy) Disconnect() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.device = nil
}

// Device returns the device model handed to Connect, nil before connecting.
func (h *HostProxy) Device() *usb.Device {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.device
}

func (h *HostProxy) SetConfig(cfg, otherSpeed *usb.Configuration, highspeed bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.setConfigs = append(h.setConfigs, SetConfigCall{Config: cfg, OtherSpeed: otherSpeed, Highspeed: highspeed})
}

// SetConfigCalls returns every SetConfig dispatch.
func (h *HostProxy) SetConfigCalls() []SetConfigCall {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]SetConfigCall(nil), h.setConfigs...)
}

// QueueTransfer makes a host-originated transfer available for the next
// ReadTransfer on the endpoint address.
func (h *HostProxy) QueueTransfer(t *usb.Transfer) {
	h.sourceChan(t.Endpoint) <- t
}

// QueueSetConfiguration queues the standard SET_CONFIGURATION control
// request for the given configuration value, as a host would issue after
// enumeration.
func (h *HostProxy) QueueSetConfiguration(value uint8) {
	h.QueueTransfer(usb.NewControlTransfer(usb.SetupPacket{
		BMRequestType: usb.ReqTypeStandardToDevice,
		BRequest:      usb.ReqSetConfiguration,
		WValue:        uint16(value),
	}, nil))
}

func (h *HostProxy) sourceChan(addr uint8) chan *usb.Transfer {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch, ok := h.source[addr]
	if !ok {
		ch = make(chan *usb.Transfer, epChanDepth)
		h.source[addr] = ch
	}
	return ch
}

func (h *HostProxy) ReadTransfer(addr uint8, timeout time.Duration) (*usb.Transfer, error) {
	select {
	case t := <-h.sourceChan(addr):
		return t, nil
	case <-time.After(timeout):
		return nil, proxy.ErrTimedOut
	}
}

func (h *HostProxy) WriteTransfer(t *usb.Transfer) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.received[t.Endpoint] = append(h.received[t.Endpoint], t)
	return nil
}

// Received returns every transfer that reached the host on an endpoint
// address.
func (h *HostProxy) Received(addr uint8) []*usb.Transfer {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*usb.Transfer(nil), h.received[addr]...)
}

// IfaceSpec describes one interface alternate for ConfigBlob.
type IfaceSpec struct {
	Number    uint8
	Alt       uint8
	Class     uint8
	Endpoints []usb.EndpointDescriptor
}

// ConfigBlob assembles a full configuration descriptor blob with the given
// bConfigurationValue and interfaces, patching wTotalLength.
func ConfigBlob(value uint8, ifaces ...IfaceSpec) []byte {
	var b bytes.Buffer
	usb.ConfigDescriptor{
		BNumInterfaces:      countInterfaces(ifaces),
		BConfigurationValue: value,
		BMAttributes:        0x80, // bus powered
		BMaxPower:           50,   // 100 mA
	}.Write(&b)
	for _, ifc := range ifaces {
		usb.InterfaceDescriptor{
			BInterfaceNumber:  ifc.Number,
			BAlternateSetting: ifc.Alt,
			BNumEndpoints:     uint8(len(ifc.Endpoints)),
			BInterfaceClass:   ifc.Class,
		}.Write(&b)
		for _, ep := range ifc.Endpoints {
			ep.Write(&b)
		}
	}
	blob := b.Bytes()
	binary.LittleEndian.PutUint16(blob[2:4], uint16(len(blob)))
	return blob
}

func countInterfaces(ifaces []IfaceSpec) uint8 {
	seen := make(map[uint8]bool)
	for _, ifc := range ifaces {
		seen[ifc.Number] = true
	}
	return uint8(len(seen))
}

package plugins

import (
	"encoding/binary"
	"log/slog"
	"sync"
	"time"

	"github.com/usbmitm/usbmitm/proxy"
	"github.com/usbmitm/usbmitm/proxy/proxytest"
	"github.com/usbmitm/usbmitm/usb"
)

func init() {
	RegisterDeviceProxy("demo-device", newDemoDeviceProxy)
	RegisterHostProxy("demo-host", newDemoHostProxy)
}

// demoDeviceProxy simulates a vendor device with one interrupt IN and one
// bulk OUT endpoint. It produces a counter report on the IN endpoint so a
// demo relay has traffic to show.
type demoDeviceProxy struct {
	*proxytest.DeviceProxy
	logger   *slog.Logger
	interval time.Duration

	mu   sync.Mutex
	stop chan struct{}
}

const (
	demoEndpointIn  = 0x81
	demoEndpointOut = 0x02
)

func newDemoDeviceProxy(opts Options, logger *slog.Logger) (proxy.DeviceProxy, error) {
	interval, err := opts.Duration("interval", 500*time.Millisecond)
	if err != nil {
		return nil, err
	}

	dp := proxytest.NewDeviceProxy()
	dp.BusSpeed = usb.SpeedFull
	dp.Desc = usb.DeviceDescriptor{
		BcdUSB:             0x0200,
		BMaxPacketSize0:    64,
		IDVendor:           0x1d6b,
		IDProduct:          0x0104,
		BcdDevice:          0x0100,
		BNumConfigurations: 1,
	}
	dp.Configs = [][]byte{proxytest.ConfigBlob(1, proxytest.IfaceSpec{
		Number: 0,
		Class:  0xff, // vendor specific
		Endpoints: []usb.EndpointDescriptor{
			{BEndpointAddress: demoEndpointIn, BMAttributes: uint8(usb.TransferTypeInterrupt), WMaxPacketSize: 8, BInterval: 10},
			{BEndpointAddress: demoEndpointOut, BMAttributes: uint8(usb.TransferTypeBulk), WMaxPacketSize: 64},
		},
	})}

	return &demoDeviceProxy{DeviceProxy: dp, logger: logger, interval: interval}, nil
}

func (d *demoDeviceProxy) Connect() error {
	if err := d.DeviceProxy.Connect(); err != nil {
		return err
	}
	d.mu.Lock()
	if d.stop == nil {
		d.stop = make(chan struct{})
		go d.feed(d.stop)
	}
	d.mu.Unlock()
	d.logger.Info("demo device connected", "in", demoEndpointIn, "out", demoEndpointOut)
	return nil
}

// feed produces counter reports until Disconnect.
func (d *demoDeviceProxy) feed(stop <-chan struct{}) {
	tick := time.NewTicker(d.interval)
	defer tick.Stop()
	var seq uint32
	for {
		select {
		case <-stop:
			return
		case <-tick.C:
			payload := make([]byte, 8)
			binary.LittleEndian.PutUint32(payload, seq)
			seq++
			d.TryQueueTransfer(usb.NewDataTransfer(demoEndpointIn, payload))
		}
	}
}

func (d *demoDeviceProxy) Disconnect() {
	d.mu.Lock()
	if d.stop != nil {
		close(d.stop)
		d.stop = nil
	}
	d.mu.Unlock()
	d.DeviceProxy.Disconnect()
}

// demoHostProxy plays the upstream host: it selects configuration 1 right
// after connecting and logs every transfer that reaches it.
type demoHostProxy struct {
	*proxytest.HostProxy
	logger *slog.Logger
}

func newDemoHostProxy(_ Options, logger *slog.Logger) (proxy.HostProxy, error) {
	return &demoHostProxy{HostProxy: proxytest.NewHostProxy(), logger: logger}, nil
}

func (h *demoHostProxy) Connect(dev *usb.Device) error {
	if err := h.HostProxy.Connect(dev); err != nil {
		return err
	}
	h.QueueSetConfiguration(1)
	return nil
}

func (h *demoHostProxy) WriteTransfer(t *usb.Transfer) error {
	h.logger.Info("host received transfer", "endpoint", t.Endpoint, "len", len(t.Data))
	return h.HostProxy.WriteTransfer(t)
}

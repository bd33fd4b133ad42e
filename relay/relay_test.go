package relay

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/usbmitm/usbmitm/proxy"
	"github.com/usbmitm/usbmitm/usb"
)

// fakeProxy is the in-test datapath endpoint for reader/writer tests.
type fakeProxy struct {
	mu       sync.Mutex
	source   chan *usb.Transfer
	written  []*usb.Transfer
	readErr  error
	writeErr error
}

func newFakeProxy() *fakeProxy {
	return &fakeProxy{source: make(chan *usb.Transfer, 64)}
}

func (f *fakeProxy) ReadTransfer(addr uint8, timeout time.Duration) (*usb.Transfer, error) {
	f.mu.Lock()
	err := f.readErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	select {
	case t := <-f.source:
		return t, nil
	case <-time.After(timeout):
		return nil, proxy.ErrTimedOut
	}
}

func (f *fakeProxy) WriteTransfer(t *usb.Transfer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.written = append(f.written, t)
	return nil
}

func (f *fakeProxy) writtenTransfers() []*usb.Transfer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*usb.Transfer(nil), f.written...)
}

func (f *fakeProxy) failReads(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readErr = err
}

var errBroken = errors.New("endpoint broken")

func testEndpoint(addr uint8) *usb.Endpoint {
	return usb.NewEndpoint(nil, usb.EndpointDescriptor{
		BEndpointAddress: addr,
		BMAttributes:     uint8(usb.TransferTypeBulk),
		WMaxPacketSize:   64,
	})
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

package relay

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/usbmitm/usbmitm/proxy"
	"github.com/usbmitm/usbmitm/usb"
)

// pollInterval paces blocking proxy calls so stop requests are observed
// promptly.
const pollInterval = 100 * time.Millisecond

// Reader pulls transfers from one endpoint of its source proxy and hands
// them to the paired Writer through the queue. On exit it closes the queue's
// write end so the writer can drain and stop.
type Reader struct {
	endpoint *usb.Endpoint
	source   proxy.Proxy
	queue    *PacketQueue
	logger   *slog.Logger

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewReader creates a reader for one endpoint. Run must be started on its own
// task.
func NewReader(endpoint *usb.Endpoint, source proxy.Proxy, queue *PacketQueue, logger *slog.Logger) *Reader {
	return &Reader{
		endpoint: endpoint,
		source:   source,
		queue:    queue,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Stop requests the reader to exit at its next wakeup. Idempotent,
// non-blocking.
func (r *Reader) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
}

// Done is closed once Run has returned.
func (r *Reader) Done() <-chan struct{} { return r.done }

// Run loops until stopped or the source fails unrecoverably.
func (r *Reader) Run() {
	defer close(r.done)
	defer r.queue.Close()

	addr := r.endpoint.Address()
	for {
		select {
		case <-r.stop:
			return
		default:
		}

		t, err := r.source.ReadTransfer(addr, pollInterval)
		if err != nil {
			if errors.Is(err, proxy.ErrTimedOut) {
				continue
			}
			if errors.Is(err, proxy.ErrDisconnected) {
				r.logger.Debug("endpoint source disconnected", "endpoint", addr)
			} else {
				r.logger.Error("endpoint read failed", "endpoint", addr, "error", err)
			}
			r.Stop()
			return
		}
		if t == nil {
			continue
		}
		if !r.queue.Push(t, r.stop) {
			return
		}
	}
}

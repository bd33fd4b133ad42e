package relay

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/usbmitm/usbmitm/proxy"
	"github.com/usbmitm/usbmitm/usb"
)

// injectDepth bounds the injection inbox. A send into a full inbox blocks;
// injectors that send without blocking drop the transfer instead.
const injectDepth = 16

// ConfigurationSink receives SET_CONFIGURATION notifications observed by the
// control writer. It is the only capability a writer holds toward the
// Manager.
type ConfigurationSink interface {
	// SetConfiguration is invoked on the writer's task after the request has
	// been forwarded to the device.
	SetConfiguration(value uint8)
}

// Writer drains its queue, applies the filter chain in installation order,
// interleaves injector-supplied transfers, and submits the result to the
// sink proxy. The writer for EP0 additionally watches forwarded control
// transfers for standard SET_CONFIGURATION requests.
type Writer struct {
	endpoint *usb.Endpoint
	sink     proxy.Proxy
	queue    *PacketQueue
	filters  []Filter
	inject   chan *usb.Transfer
	control  ConfigurationSink // nil for data endpoints
	logger   *slog.Logger

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewWriter creates a writer for a data endpoint.
func NewWriter(endpoint *usb.Endpoint, sink proxy.Proxy, queue *PacketQueue, logger *slog.Logger) *Writer {
	return &Writer{
		endpoint: endpoint,
		sink:     sink,
		queue:    queue,
		inject:   make(chan *usb.Transfer, injectDepth),
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// NewControlWriter creates the EP0 writer, which reports SET_CONFIGURATION
// requests to control.
func NewControlWriter(endpoint *usb.Endpoint, sink proxy.Proxy, queue *PacketQueue, control ConfigurationSink, logger *slog.Logger) *Writer {
	w := NewWriter(endpoint, sink, queue, logger)
	w.control = control
	return w
}

// AddFilter appends f to the chain. Must only be called before Run starts.
func (w *Writer) AddFilter(f Filter) {
	w.filters = append(w.filters, f)
}

// FilterCount returns the number of installed filters.
func (w *Writer) FilterCount() int { return len(w.filters) }

// InjectPort returns the injection inbox for wiring to injectors.
func (w *Writer) InjectPort() chan<- *usb.Transfer { return w.inject }

// Stop requests the writer to exit at its next queue wakeup. Idempotent,
// non-blocking.
func (w *Writer) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
}

// Done is closed once Run has returned.
func (w *Writer) Done() <-chan struct{} { return w.done }

// Run loops until stopped, the queue closes, or the sink fails
// unrecoverably.
func (w *Writer) Run() {
	defer close(w.done)

	for {
		// Injector traffic first, without blocking. Injected transfers have
		// no ordering guarantee relative to upstream traffic and bypass the
		// filter chain.
		for {
			select {
			case t := <-w.inject:
				if !w.submit(t) {
					return
				}
				continue
			default:
			}
			break
		}

		select {
		case <-w.stop:
			return
		case t := <-w.inject:
			if !w.submit(t) {
				return
			}
		case t, ok := <-w.queue.Chan():
			if !ok {
				return
			}
			if !w.relay(t) {
				return
			}
		}
	}
}

// relay runs the filter chain and submits. Returns false on unrecoverable
// sink failure.
func (w *Writer) relay(t *usb.Transfer) bool {
	for _, f := range w.filters {
		if f.Filter(t) == Drop {
			return true
		}
	}
	return w.submit(t)
}

func (w *Writer) submit(t *usb.Transfer) bool {
	for {
		err := w.sink.WriteTransfer(t)
		if err == nil {
			break
		}
		if errors.Is(err, proxy.ErrTimedOut) {
			select {
			case <-w.stop:
				return false
			default:
				continue
			}
		}
		if errors.Is(err, proxy.ErrDisconnected) {
			w.logger.Debug("endpoint sink disconnected", "endpoint", w.endpoint.Address())
		} else {
			w.logger.Error("endpoint write failed", "endpoint", w.endpoint.Address(), "error", err)
		}
		w.Stop()
		return false
	}

	if w.control != nil && t.Setup != nil && t.Setup.IsSetConfiguration() {
		w.control.SetConfiguration(t.Setup.ConfigurationValue())
	}
	return true
}

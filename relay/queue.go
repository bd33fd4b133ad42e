// Package relay implements the per-endpoint datapath: the packet queue
// between a Reader and its paired Writer, the filter chain, and injector
// wiring.
package relay

import (
	"sync"

	"github.com/usbmitm/usbmitm/usb"
)

// queueDepth bounds how many transfers may sit between a reader and its
// writer before the reader blocks.
const queueDepth = 32

// PacketQueue is the bounded FIFO hand-off between one Reader and one
// Writer. The Reader owns the write end and is the only closer.
type PacketQueue struct {
	ch        chan *usb.Transfer
	closeOnce sync.Once
}

// NewPacketQueue creates an empty queue.
func NewPacketQueue() *PacketQueue {
	return &PacketQueue{ch: make(chan *usb.Transfer, queueDepth)}
}

// Push enqueues t, blocking while the queue is full. Returns false if stop
// closed before the transfer could be handed over; ownership then stays with
// the caller.
func (q *PacketQueue) Push(t *usb.Transfer, stop <-chan struct{}) bool {
	select {
	case q.ch <- t:
		return true
	case <-stop:
		return false
	}
}

// Chan exposes the read end for draining. The channel is closed by Close.
func (q *PacketQueue) Chan() <-chan *usb.Transfer { return q.ch }

// Close closes the write end so the draining side observes end of stream
// after the remaining transfers. Idempotent.
func (q *PacketQueue) Close() {
	q.closeOnce.Do(func() { close(q.ch) })
}

// Len returns the number of queued transfers.
func (q *PacketQueue) Len() int { return len(q.ch) }

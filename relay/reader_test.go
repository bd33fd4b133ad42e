package relay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usbmitm/usbmitm/usb"
)

func TestReaderDeliversInOrder(t *testing.T) {
	src := newFakeProxy()
	q := NewPacketQueue()
	r := NewReader(testEndpoint(0x81), src, q, discardLogger())

	for i := byte(0); i < 5; i++ {
		src.source <- usb.NewDataTransfer(0x81, []byte{i})
	}
	go r.Run()
	defer func() {
		r.Stop()
		<-r.Done()
	}()

	for i := byte(0); i < 5; i++ {
		select {
		case got := <-q.Chan():
			assert.Equal(t, []byte{i}, got.Data)
		case <-time.After(time.Second):
			t.Fatal("transfer did not arrive")
		}
	}
}

func TestReaderStopClosesQueue(t *testing.T) {
	src := newFakeProxy()
	q := NewPacketQueue()
	r := NewReader(testEndpoint(0x81), src, q, discardLogger())
	go r.Run()

	r.Stop()
	r.Stop() // idempotent

	select {
	case <-r.Done():
	case <-time.After(time.Second):
		t.Fatal("reader did not stop")
	}

	_, ok := <-q.Chan()
	assert.False(t, ok, "queue must be closed after the reader exits")
}

func TestReaderExitsOnFatalError(t *testing.T) {
	src := newFakeProxy()
	src.failReads(errBroken)
	q := NewPacketQueue()
	r := NewReader(testEndpoint(0x81), src, q, discardLogger())
	go r.Run()

	select {
	case <-r.Done():
	case <-time.After(time.Second):
		t.Fatal("reader did not exit on a fatal read error")
	}
	_, ok := <-q.Chan()
	require.False(t, ok)
}

package relay

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usbmitm/usbmitm/usb"
)

// recordingFilter tags every transfer it sees and applies a fixed action.
type recordingFilter struct {
	MatchAll
	name   string
	action Action
	mu     sync.Mutex
	seen   []byte
}

func (f *recordingFilter) Filter(t *usb.Transfer) Action {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(t.Data) > 0 {
		f.seen = append(f.seen, t.Data[0])
	}
	t.Data = append(t.Data, []byte(f.name)...)
	return f.action
}

func (f *recordingFilter) seenBytes() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.seen...)
}

type configRecorder struct {
	mu     sync.Mutex
	values []uint8
}

func (c *configRecorder) SetConfiguration(value uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values = append(c.values, value)
}

func (c *configRecorder) recorded() []uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uint8(nil), c.values...)
}

func startWriter(t *testing.T, w *Writer) {
	t.Helper()
	go w.Run()
	t.Cleanup(func() {
		w.Stop()
		select {
		case <-w.Done():
		case <-time.After(time.Second):
			t.Fatal("writer did not stop")
		}
	})
}

func TestWriterFilterOrder(t *testing.T) {
	sink := newFakeProxy()
	q := NewPacketQueue()
	w := NewWriter(testEndpoint(0x81), sink, q, discardLogger())

	a := &recordingFilter{name: "A", action: Pass}
	b := &recordingFilter{name: "B", action: Pass}
	w.AddFilter(a)
	w.AddFilter(b)

	stop := make(chan struct{})
	q.Push(usb.NewDataTransfer(0x81, []byte{0x10}), stop)
	startWriter(t, w)

	require.Eventually(t, func() bool { return len(sink.writtenTransfers()) == 1 }, time.Second, 5*time.Millisecond)
	// A ran first and B saw A's mutation
	assert.Equal(t, []byte{0x10, 'A', 'B'}, sink.writtenTransfers()[0].Data)
	assert.Equal(t, []byte{0x10}, a.seenBytes())
	assert.Equal(t, []byte{0x10}, b.seenBytes())
}

func TestWriterDropShortCircuits(t *testing.T) {
	sink := newFakeProxy()
	q := NewPacketQueue()
	w := NewWriter(testEndpoint(0x81), sink, q, discardLogger())

	a := &recordingFilter{name: "A", action: Drop}
	b := &recordingFilter{name: "B", action: Pass}
	w.AddFilter(a)
	w.AddFilter(b)

	stop := make(chan struct{})
	q.Push(usb.NewDataTransfer(0x81, []byte{0x20}), stop)
	q.Push(usb.NewDataTransfer(0x81, []byte{0x21}), stop)
	startWriter(t, w)

	require.Eventually(t, func() bool { return len(a.seenBytes()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, sink.writtenTransfers(), "dropped transfers must not reach the sink")
	assert.Empty(t, b.seenBytes(), "the chain must short-circuit after a drop")
}

func TestWriterInjectMerge(t *testing.T) {
	sink := newFakeProxy()
	q := NewPacketQueue()
	w := NewWriter(testEndpoint(0x81), sink, q, discardLogger())

	// filter drops everything; injected transfers bypass it
	w.AddFilter(&recordingFilter{name: "X", action: Drop})

	stop := make(chan struct{})
	q.Push(usb.NewDataTransfer(0x81, []byte{1}), stop)
	w.InjectPort() <- usb.NewDataTransfer(0x81, []byte{0xee})
	startWriter(t, w)

	require.Eventually(t, func() bool { return len(sink.writtenTransfers()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []byte{0xee}, sink.writtenTransfers()[0].Data)
}

func TestControlWriterSetConfigurationHook(t *testing.T) {
	sink := newFakeProxy()
	q := NewPacketQueue()
	rec := &configRecorder{}
	w := NewControlWriter(testEndpoint(0), sink, q, rec, discardLogger())

	stop := make(chan struct{})
	q.Push(usb.NewControlTransfer(usb.SetupPacket{
		BMRequestType: usb.ReqTypeStandardToDevice,
		BRequest:      usb.ReqSetConfiguration,
		WValue:        2,
	}, nil), stop)
	// a class request with bRequest 0x09 must not trigger the hook
	q.Push(usb.NewControlTransfer(usb.SetupPacket{
		BMRequestType: 0x21,
		BRequest:      0x09,
		WValue:        1,
	}, nil), stop)
	startWriter(t, w)

	require.Eventually(t, func() bool { return len(sink.writtenTransfers()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []uint8{2}, rec.recorded())
}

func TestWriterExitsWhenQueueCloses(t *testing.T) {
	sink := newFakeProxy()
	q := NewPacketQueue()
	w := NewWriter(testEndpoint(0x81), sink, q, discardLogger())
	go w.Run()

	q.Close()
	select {
	case <-w.Done():
	case <-time.After(time.Second):
		t.Fatal("writer did not exit after queue close")
	}
}

func TestWriterExitsOnFatalWriteError(t *testing.T) {
	sink := newFakeProxy()
	sink.writeErr = errBroken
	q := NewPacketQueue()
	w := NewWriter(testEndpoint(0x81), sink, q, discardLogger())

	stop := make(chan struct{})
	q.Push(usb.NewDataTransfer(0x81, []byte{1}), stop)
	go w.Run()

	select {
	case <-w.Done():
	case <-time.After(time.Second):
		t.Fatal("writer did not exit on a fatal write error")
	}
}

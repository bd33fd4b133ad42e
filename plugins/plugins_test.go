package plugins

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usbmitm/usbmitm/internal/log"
	"github.com/usbmitm/usbmitm/relay"
	"github.com/usbmitm/usbmitm/usb"
)

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadAndBuild(t *testing.T) {
	path := writeConfig(t, `
device_proxy:
  name: demo-device
host_proxy:
  name: demo-host
filters:
  - name: hexdump
    options:
      endpoint: "0x81"
  - name: drop
    options:
      prefix: "ff"
injectors:
  - name: ticker
    options:
      endpoint: "0x81"
      interval: 50ms
      payload: "aabb"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "demo-device", cfg.DeviceProxy.Name)
	assert.Equal(t, "0x81", cfg.Filters[0].Options["endpoint"])

	bundle, err := cfg.Build(testLogger(), log.NewRaw(nil))
	require.NoError(t, err)
	assert.NotNil(t, bundle.DeviceProxy)
	assert.NotNil(t, bundle.HostProxy)
	require.Len(t, bundle.Filters, 2)
	require.Len(t, bundle.Injectors, 1)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, "device_proxy:\n  name: demo-device\nbogus: true\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestBuildUnknownPluginNames(t *testing.T) {
	cfg := &Config{DeviceProxy: Ref{Name: "no-such-proxy"}, HostProxy: Ref{Name: "demo-host"}}
	_, err := cfg.Build(testLogger(), log.NewRaw(nil))
	assert.ErrorContains(t, err, "unknown device proxy")

	cfg = &Config{DeviceProxy: Ref{Name: "demo-device"}, HostProxy: Ref{Name: "demo-host"},
		Filters: []Ref{{Name: "no-such-filter"}}}
	_, err = cfg.Build(testLogger(), log.NewRaw(nil))
	assert.ErrorContains(t, err, "unknown filter")

	cfg = &Config{}
	_, err = cfg.Build(testLogger(), log.NewRaw(nil))
	assert.ErrorContains(t, err, "device_proxy is required")
}

func TestOptions(t *testing.T) {
	opts := Options{"endpoint": "0x81", "payload": "de ad", "interval": "250ms", "bad": "zz"}

	addr, present, err := opts.Endpoint("endpoint")
	require.NoError(t, err)
	assert.True(t, present)
	assert.Equal(t, uint8(0x81), addr)

	_, present, err = opts.Endpoint("missing")
	require.NoError(t, err)
	assert.False(t, present)

	_, _, err = opts.Endpoint("bad")
	assert.Error(t, err)

	b, err := opts.Bytes("payload")
	require.NoError(t, err)
	assert.Equal(t, []byte{0xde, 0xad}, b)

	_, err = opts.Bytes("bad")
	assert.Error(t, err)

	d, err := opts.Duration("interval", time.Second)
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, d)

	d, err = opts.Duration("missing", time.Second)
	require.NoError(t, err)
	assert.Equal(t, time.Second, d)
}

func TestEndpointScope(t *testing.T) {
	f, err := newDropFilter(Options{"endpoint": "0x81", "prefix": "ff"}, nil)
	require.NoError(t, err)

	epIn := usb.NewEndpoint(nil, usb.EndpointDescriptor{BEndpointAddress: 0x81})
	epOut := usb.NewEndpoint(nil, usb.EndpointDescriptor{BEndpointAddress: 0x02})
	assert.True(t, f.MatchEndpoint(epIn))
	assert.False(t, f.MatchEndpoint(epOut))
	assert.True(t, f.MatchDevice(nil))

	unscoped, err := newDropFilter(Options{"prefix": "ff"}, nil)
	require.NoError(t, err)
	assert.True(t, unscoped.MatchEndpoint(epOut))
}

func TestDropFilter(t *testing.T) {
	f, err := newDropFilter(Options{"prefix": "ff01"}, nil)
	require.NoError(t, err)

	assert.Equal(t, relay.Drop, f.Filter(usb.NewDataTransfer(0x81, []byte{0xff, 0x01, 0x02})))
	assert.Equal(t, relay.Pass, f.Filter(usb.NewDataTransfer(0x81, []byte{0xff, 0x02})))

	_, err = newDropFilter(Options{}, nil)
	assert.Error(t, err)
}

func TestReplaceFilter(t *testing.T) {
	f, err := newReplaceFilter(Options{"find": "beef", "replace": "f00d"}, nil)
	require.NoError(t, err)

	tr := usb.NewDataTransfer(0x81, []byte{0x01, 0xbe, 0xef, 0x02})
	assert.Equal(t, relay.Replace, f.Filter(tr))
	assert.Equal(t, []byte{0x01, 0xf0, 0x0d, 0x02}, tr.Data)

	tr = usb.NewDataTransfer(0x81, []byte{0x01, 0x02})
	assert.Equal(t, relay.Pass, f.Filter(tr))
}

func TestHexdumpFilter(t *testing.T) {
	var buf bytes.Buffer
	f, err := newHexdumpFilter(Options{}, log.NewRaw(&buf))
	require.NoError(t, err)

	tr := usb.NewDataTransfer(0x02, []byte{0xde, 0xad})
	assert.Equal(t, relay.Pass, f.Filter(tr))
	out := buf.String()
	assert.Contains(t, out, "H->D")
	assert.Contains(t, out, "ep=02")
	assert.Contains(t, out, "de ad")
}

func TestTickerInjector(t *testing.T) {
	inj, err := newTickerInjector(Options{"endpoint": "0x81", "interval": "10ms", "payload": "aabb"})
	require.NoError(t, err)
	assert.Equal(t, []uint8{0x81}, inj.Endpoints())

	sink := make(chan *usb.Transfer, 4)
	inj.Wire(0x81, sink)

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		inj.Listen(stop)
		close(done)
	}()

	select {
	case tr := <-sink:
		assert.Equal(t, uint8(0x81), tr.Endpoint)
		assert.Equal(t, []byte{0xaa, 0xbb}, tr.Data)
	case <-time.After(time.Second):
		t.Fatal("ticker injector did not emit")
	}

	close(stop)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("ticker injector did not stop")
	}

	_, err = newTickerInjector(Options{})
	assert.Error(t, err)
}

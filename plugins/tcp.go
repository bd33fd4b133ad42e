package plugins

import (
	"fmt"
	"log/slog"

	"github.com/usbmitm/usbmitm/proxy"
	"github.com/usbmitm/usbmitm/proxy/tcp"
)

func init() {
	RegisterDeviceProxy("tcp-device", newTCPDeviceProxy)
}

// newTCPDeviceProxy attaches to a device served by `usbmitm export` on
// another machine. Options: addr (required), key, dial_timeout.
func newTCPDeviceProxy(opts Options, logger *slog.Logger) (proxy.DeviceProxy, error) {
	addr := opts.String("addr", "")
	if addr == "" {
		return nil, fmt.Errorf("tcp-device proxy: option addr is required")
	}
	dialTimeout, err := opts.Duration("dial_timeout", 0)
	if err != nil {
		return nil, err
	}
	return tcp.NewDeviceProxy(addr, opts.String("key", ""), dialTimeout, logger), nil
}

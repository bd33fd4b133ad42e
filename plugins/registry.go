// Package plugins resolves named proxy, filter, and injector implementations
// and assembles them into a manager.Bundle from a configuration file.
package plugins

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/usbmitm/usbmitm/internal/log"
	"github.com/usbmitm/usbmitm/proxy"
	"github.com/usbmitm/usbmitm/relay"
)

// DeviceProxyFactory constructs a device proxy from its options.
type DeviceProxyFactory func(opts Options, logger *slog.Logger) (proxy.DeviceProxy, error)

// HostProxyFactory constructs a host proxy from its options.
type HostProxyFactory func(opts Options, logger *slog.Logger) (proxy.HostProxy, error)

// FilterFactory constructs a packet filter from its options.
type FilterFactory func(opts Options, raw log.RawLogger) (relay.Filter, error)

// InjectorFactory constructs an injector from its options.
type InjectorFactory func(opts Options) (relay.Injector, error)

var (
	mu            sync.Mutex
	deviceProxies = make(map[string]DeviceProxyFactory)
	hostProxies   = make(map[string]HostProxyFactory)
	filters       = make(map[string]FilterFactory)
	injectors     = make(map[string]InjectorFactory)
)

// RegisterDeviceProxy makes a device proxy available under name. Panics on a
// duplicate name; registration happens from init functions.
func RegisterDeviceProxy(name string, f DeviceProxyFactory) {
	mu.Lock()
	defer mu.Unlock()
	if _, ok := deviceProxies[name]; ok {
		panic("plugins: duplicate device proxy " + name)
	}
	deviceProxies[name] = f
}

// RegisterHostProxy makes a host proxy available under name.
func RegisterHostProxy(name string, f HostProxyFactory) {
	mu.Lock()
	defer mu.Unlock()
	if _, ok := hostProxies[name]; ok {
		panic("plugins: duplicate host proxy " + name)
	}
	hostProxies[name] = f
}

// RegisterFilter makes a filter available under name.
func RegisterFilter(name string, f FilterFactory) {
	mu.Lock()
	defer mu.Unlock()
	if _, ok := filters[name]; ok {
		panic("plugins: duplicate filter " + name)
	}
	filters[name] = f
}

// RegisterInjector makes an injector available under name.
func RegisterInjector(name string, f InjectorFactory) {
	mu.Lock()
	defer mu.Unlock()
	if _, ok := injectors[name]; ok {
		panic("plugins: duplicate injector " + name)
	}
	injectors[name] = f
}

func newDeviceProxy(name string, opts Options, logger *slog.Logger) (proxy.DeviceProxy, error) {
	mu.Lock()
	f, ok := deviceProxies[name]
	mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown device proxy %q (available: %v)", name, names(deviceProxies))
	}
	return f(opts, logger)
}

func newHostProxy(name string, opts Options, logger *slog.Logger) (proxy.HostProxy, error) {
	mu.Lock()
	f, ok := hostProxies[name]
	mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown host proxy %q (available: %v)", name, names(hostProxies))
	}
	return f(opts, logger)
}

func newFilter(name string, opts Options, raw log.RawLogger) (relay.Filter, error) {
	mu.Lock()
	f, ok := filters[name]
	mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown filter %q (available: %v)", name, names(filters))
	}
	return f(opts, raw)
}

func newInjector(name string, opts Options) (relay.Injector, error) {
	mu.Lock()
	f, ok := injectors[name]
	mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown injector %q (available: %v)", name, names(injectors))
	}
	return f(opts)
}

func names[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

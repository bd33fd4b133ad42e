package plugins

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/usbmitm/usbmitm/internal/log"
	"github.com/usbmitm/usbmitm/manager"
	"github.com/usbmitm/usbmitm/proxy"
)

// Ref names one plugin and its options in a configuration file.
type Ref struct {
	Name    string  `yaml:"name"`
	Options Options `yaml:"options"`
}

// Config is the plugin section of a relay configuration file.
type Config struct {
	DeviceProxy Ref   `yaml:"device_proxy"`
	HostProxy   Ref   `yaml:"host_proxy"`
	Filters     []Ref `yaml:"filters"`
	Injectors   []Ref `yaml:"injectors"`
}

// Load reads a plugin configuration from a YAML file. Unknown keys are
// rejected.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open plugin config: %w", err)
	}
	defer f.Close()

	var cfg Config
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse plugin config %s: %w", path, err)
	}
	return &cfg, nil
}

// BuildDeviceProxy constructs only the referenced device proxy, for the
// export command, which serves it without a host side.
func (c *Config) BuildDeviceProxy(logger *slog.Logger) (proxy.DeviceProxy, error) {
	if c.DeviceProxy.Name == "" {
		return nil, fmt.Errorf("plugin config: device_proxy is required")
	}
	return newDeviceProxy(c.DeviceProxy.Name, c.DeviceProxy.Options, logger)
}

// Build constructs every referenced plugin and returns the bundle the
// Manager consumes.
func (c *Config) Build(logger *slog.Logger, raw log.RawLogger) (manager.Bundle, error) {
	var b manager.Bundle

	if c.DeviceProxy.Name == "" {
		return b, fmt.Errorf("plugin config: device_proxy is required")
	}
	if c.HostProxy.Name == "" {
		return b, fmt.Errorf("plugin config: host_proxy is required")
	}

	dp, err := newDeviceProxy(c.DeviceProxy.Name, c.DeviceProxy.Options, logger)
	if err != nil {
		return b, err
	}
	hp, err := newHostProxy(c.HostProxy.Name, c.HostProxy.Options, logger)
	if err != nil {
		return b, err
	}
	b.DeviceProxy = dp
	b.HostProxy = hp

	for _, ref := range c.Filters {
		f, err := newFilter(ref.Name, ref.Options, raw)
		if err != nil {
			return b, err
		}
		b.Filters = append(b.Filters, f)
	}
	for _, ref := range c.Injectors {
		i, err := newInjector(ref.Name, ref.Options)
		if err != nil {
			return b, err
		}
		b.Injectors = append(b.Injectors, i)
	}
	return b, nil
}

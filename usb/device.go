package usb

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
)

// ErrDescriptorUnavailable is returned by a DescriptorSource for descriptors
// the device does not provide (e.g. the device qualifier on a full-speed-only
// device).
var ErrDescriptorUnavailable = errors.New("descriptor unavailable")

// DescriptorSource is the view of a device proxy the model is built from.
type DescriptorSource interface {
	// DeviceDescriptor returns the standard device descriptor.
	DeviceDescriptor() (DeviceDescriptor, error)
	// ConfigurationDescriptor returns the full configuration tree blob for
	// configuration index (0-based).
	ConfigurationDescriptor(index uint8) ([]byte, error)
	// OtherSpeedConfigurationDescriptor returns the other-speed configuration
	// tree blob, or ErrDescriptorUnavailable.
	OtherSpeedConfigurationDescriptor(index uint8) ([]byte, error)
	// DeviceQualifierDescriptor returns the device qualifier, or
	// ErrDescriptorUnavailable on devices that are not high-speed capable.
	DeviceQualifierDescriptor() (DeviceQualifierDescriptor, error)
	// Speed returns the speed the device was enumerated at.
	Speed() Speed
}

// Endpoint is one endpoint of an interface alternate, or the synthetic EP0.
// Immutable after construction.
type Endpoint struct {
	desc  EndpointDescriptor
	iface *Interface // nil for EP0
}

// NewEndpoint constructs an endpoint from its descriptor. iface is nil for
// the control endpoint.
func NewEndpoint(iface *Interface, desc EndpointDescriptor) *Endpoint {
	return &Endpoint{desc: desc, iface: iface}
}

// Descriptor returns the endpoint descriptor.
func (e *Endpoint) Descriptor() EndpointDescriptor { return e.desc }

// Address returns the 8-bit endpoint address.
func (e *Endpoint) Address() uint8 { return e.desc.BEndpointAddress }

// Number returns the 4-bit endpoint number.
func (e *Endpoint) Number() uint8 { return EndpointAddressNum(e.desc.BEndpointAddress) }

// In reports whether this is an IN endpoint.
func (e *Endpoint) In() bool { return EndpointAddressIn(e.desc.BEndpointAddress) }

// TransferType returns the endpoint transfer type.
func (e *Endpoint) TransferType() TransferType { return e.desc.TransferType() }

// MaxPacketSize returns wMaxPacketSize.
func (e *Endpoint) MaxPacketSize() uint16 { return e.desc.WMaxPacketSize }

// Interface returns the owning interface alternate, nil for EP0.
func (e *Endpoint) Interface() *Interface { return e.iface }

// Interface is one alternate setting of a USB interface.
type Interface struct {
	desc          InterfaceDescriptor
	endpoints     []*Endpoint
	configuration *Configuration
}

// Descriptor returns the interface descriptor.
func (i *Interface) Descriptor() InterfaceDescriptor { return i.desc }

// Number returns bInterfaceNumber.
func (i *Interface) Number() uint8 { return i.desc.BInterfaceNumber }

// AlternateSetting returns bAlternateSetting.
func (i *Interface) AlternateSetting() uint8 { return i.desc.BAlternateSetting }

// Endpoints returns the endpoints of this alternate.
func (i *Interface) Endpoints() []*Endpoint { return i.endpoints }

// Configuration returns the owning configuration.
func (i *Interface) Configuration() *Configuration { return i.configuration }

// Configuration is one configuration of a device, holding its interfaces
// grouped by interface number with all alternate settings.
type Configuration struct {
	desc ConfigDescriptor
	// interfaces[n] holds the alternates of interface number n in
	// bAlternateSetting order as they appeared in the descriptor blob.
	interfaces [][]*Interface
}

// Descriptor returns the configuration descriptor header.
func (c *Configuration) Descriptor() ConfigDescriptor { return c.desc }

// Value returns bConfigurationValue.
func (c *Configuration) Value() uint8 { return c.desc.BConfigurationValue }

// InterfaceCount returns bNumInterfaces.
func (c *Configuration) InterfaceCount() int { return int(c.desc.BNumInterfaces) }

// AlternateCount returns the number of alternate settings parsed for
// interface number n.
func (c *Configuration) AlternateCount(n int) int {
	if n < 0 || n >= len(c.interfaces) {
		return 0
	}
	return len(c.interfaces[n])
}

// Alternate returns alternate setting alt of interface number n, or nil.
func (c *Configuration) Alternate(n, alt int) *Interface {
	if n < 0 || n >= len(c.interfaces) || alt < 0 || alt >= len(c.interfaces[n]) {
		return nil
	}
	return c.interfaces[n][alt]
}

// DeviceQualifier pairs the qualifier descriptor with the device's
// other-speed configurations.
type DeviceQualifier struct {
	desc    DeviceQualifierDescriptor
	configs []*Configuration
}

// Descriptor returns the qualifier descriptor.
func (q *DeviceQualifier) Descriptor() DeviceQualifierDescriptor { return q.desc }

// Configuration looks up an other-speed configuration by its
// bConfigurationValue, or nil.
func (q *DeviceQualifier) Configuration(value uint8) *Configuration {
	return configurationByValue(q.configs, value)
}

// Device mirrors the descriptor hierarchy of the relayed device. It is built
// once per relaying session by querying the device proxy and is immutable
// afterwards except for the active-configuration pointer.
type Device struct {
	desc      DeviceDescriptor
	speed     Speed
	configs   []*Configuration
	qualifier *DeviceQualifier
	active    atomic.Pointer[Configuration]
}

// NewDevice builds the device model by querying src for its descriptors.
func NewDevice(src DescriptorSource) (*Device, error) {
	desc, err := src.DeviceDescriptor()
	if err != nil {
		return nil, fmt.Errorf("query device descriptor: %w", err)
	}
	if desc.BNumConfigurations == 0 {
		return nil, errors.New("device reports zero configurations")
	}
	d := &Device{desc: desc, speed: src.Speed()}
	for i := uint8(0); i < desc.BNumConfigurations; i++ {
		blob, err := src.ConfigurationDescriptor(i)
		if err != nil {
			return nil, fmt.Errorf("query configuration %d: %w", i, err)
		}
		cfg, err := ParseConfigurationTree(blob)
		if err != nil {
			return nil, fmt.Errorf("parse configuration %d: %w", i, err)
		}
		d.configs = append(d.configs, cfg)
	}

	qd, err := src.DeviceQualifierDescriptor()
	switch {
	case err == nil:
		q := &DeviceQualifier{desc: qd}
		for i := uint8(0); i < qd.BNumConfigurations; i++ {
			blob, err := src.OtherSpeedConfigurationDescriptor(i)
			if errors.Is(err, ErrDescriptorUnavailable) {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("query other-speed configuration %d: %w", i, err)
			}
			cfg, err := ParseConfigurationTree(blob)
			if err != nil {
				return nil, fmt.Errorf("parse other-speed configuration %d: %w", i, err)
			}
			q.configs = append(q.configs, cfg)
		}
		d.qualifier = q
	case errors.Is(err, ErrDescriptorUnavailable):
		// full- or low-speed only device
	default:
		return nil, fmt.Errorf("query device qualifier: %w", err)
	}

	d.active.Store(d.configs[0])
	return d, nil
}

// Descriptor returns the device descriptor.
func (d *Device) Descriptor() DeviceDescriptor { return d.desc }

// Speed returns the enumerated bus speed.
func (d *Device) Speed() Speed { return d.speed }

// IsHighSpeed reports whether the device operates at high speed or above.
func (d *Device) IsHighSpeed() bool { return d.speed >= SpeedHigh }

// Qualifier returns the device qualifier, nil if absent.
func (d *Device) Qualifier() *DeviceQualifier { return d.qualifier }

// Configuration looks up a configuration by its bConfigurationValue, or nil.
func (d *Device) Configuration(value uint8) *Configuration {
	return configurationByValue(d.configs, value)
}

// ActiveConfiguration returns the currently selected configuration.
func (d *Device) ActiveConfiguration() *Configuration { return d.active.Load() }

// SetActiveConfiguration selects the configuration with the given
// bConfigurationValue. The pointer swap is atomic so relay tasks observe
// either the old or the new configuration, never a mix.
func (d *Device) SetActiveConfiguration(value uint8) error {
	cfg := d.Configuration(value)
	if cfg == nil {
		return fmt.Errorf("no configuration with value %d", value)
	}
	d.active.Store(cfg)
	return nil
}

func configurationByValue(configs []*Configuration, value uint8) *Configuration {
	for _, c := range configs {
		if c.desc.BConfigurationValue == value {
			return c
		}
	}
	return nil
}

// Describe renders the descriptor tree, one node per line, for the
// enumeration-time print.
func (d *Device) Describe() string {
	var b strings.Builder
	fmt.Fprintf(&b, "device %04x:%04x usb %x.%02x class %02x/%02x/%02x ep0max %d speed %s configs %d",
		d.desc.IDVendor, d.desc.IDProduct,
		d.desc.BcdUSB>>8, d.desc.BcdUSB&0xff,
		d.desc.BDeviceClass, d.desc.BDeviceSubClass, d.desc.BDeviceProtocol,
		d.desc.BMaxPacketSize0, d.speed, d.desc.BNumConfigurations)
	if d.qualifier != nil {
		fmt.Fprintf(&b, "\n  qualifier: other-speed configs %d", d.qualifier.desc.BNumConfigurations)
	}
	for _, cfg := range d.configs {
		fmt.Fprintf(&b, "\n  configuration %d: interfaces %d attrs %02x power %dmA",
			cfg.desc.BConfigurationValue, cfg.desc.BNumInterfaces,
			cfg.desc.BMAttributes, int(cfg.desc.BMaxPower)*2)
		for _, alts := range cfg.interfaces {
			for _, ifc := range alts {
				fmt.Fprintf(&b, "\n    interface %d alt %d class %02x/%02x/%02x",
					ifc.desc.BInterfaceNumber, ifc.desc.BAlternateSetting,
					ifc.desc.BInterfaceClass, ifc.desc.BInterfaceSubClass, ifc.desc.BInterfaceProtocol)
				for _, ep := range ifc.endpoints {
					fmt.Fprintf(&b, "\n      endpoint 0x%02x %s max %d interval %d",
						ep.desc.BEndpointAddress, ep.TransferType(),
						ep.desc.WMaxPacketSize, ep.desc.BInterval)
				}
			}
		}
	}
	return b.String()
}

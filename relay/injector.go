package relay

import "github.com/usbmitm/usbmitm/usb"

// Injector produces synthetic transfers on endpoints it matches. The Manager
// evaluates the predicates at relay setup and wires each matching endpoint
// address to the corresponding writer's injection inbox via Wire; Listen is
// then run on its own task until stop closes.
type Injector interface {
	MatchDevice(d *usb.Device) bool
	MatchConfiguration(c *usb.Configuration) bool
	// MatchInterface receives nil when tested against EP0.
	MatchInterface(i *usb.Interface) bool
	MatchEndpoint(e *usb.Endpoint) bool

	// Endpoints lists the endpoint addresses this injector wants to drive.
	Endpoints() []uint8
	// Wire hands the injector the inbox for one of its endpoint addresses.
	// Addresses that match no live relay are simply not wired. Data-endpoint
	// relays are wired on SET_CONFIGURATION, after Listen has started, so
	// implementations must synchronize their port table.
	Wire(addr uint8, sink chan<- *usb.Transfer)
	// Listen runs until stop closes. Sends into wired sinks are best-effort;
	// a full inbox may drop the synthetic transfer.
	Listen(stop <-chan struct{})
}

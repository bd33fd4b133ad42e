package relay

import "github.com/usbmitm/usbmitm/usb"

// Action is a filter's verdict on one transfer.
type Action int

const (
	// Pass forwards the transfer unchanged (or as mutated in place).
	Pass Action = iota
	// Drop discards the transfer; the rest of the chain is not consulted.
	Drop
	// Replace marks that the filter rewrote the payload in place. Treated
	// like Pass on the datapath.
	Replace
)

// Filter inspects and optionally mutates or drops transfers on one or more
// endpoints. The four Match predicates scope where the filter is installed;
// they are evaluated once at relay setup. Filter is evaluated per packet and
// may keep state, but a filter instance is installed into at most one writer
// per endpoint.
type Filter interface {
	MatchDevice(d *usb.Device) bool
	MatchConfiguration(c *usb.Configuration) bool
	// MatchInterface receives nil when tested against EP0.
	MatchInterface(i *usb.Interface) bool
	MatchEndpoint(e *usb.Endpoint) bool

	// Filter may mutate t.Data in place. Filters do not return errors; the
	// only way to refuse a transfer is Drop.
	Filter(t *usb.Transfer) Action
}

// MatchAll is an embeddable base whose predicates accept every entity.
type MatchAll struct{}

func (MatchAll) MatchDevice(*usb.Device) bool               { return true }
func (MatchAll) MatchConfiguration(*usb.Configuration) bool { return true }
func (MatchAll) MatchInterface(*usb.Interface) bool         { return true }
func (MatchAll) MatchEndpoint(*usb.Endpoint) bool           { return true }

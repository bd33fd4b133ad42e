package usb

// Transfer is one USB transaction as delivered by a proxy. A transfer is
// uniquely owned by whichever component currently holds it; handing one to a
// queue or a proxy hands over ownership.
type Transfer struct {
	// Endpoint is the 8-bit endpoint address (high bit = IN).
	Endpoint uint8
	// Setup is non-nil for control transfers and carries the 8-byte setup
	// packet that prefixed the transfer.
	Setup *SetupPacket
	// Data is the payload. Up to wMaxPacketSize for data stage transfers,
	// larger for control transfers.
	Data []byte
}

// NewDataTransfer builds a data-stage transfer for an endpoint.
func NewDataTransfer(endpoint uint8, data []byte) *Transfer {
	return &Transfer{Endpoint: endpoint, Data: data}
}

// NewControlTransfer builds a control transfer with its setup packet.
func NewControlTransfer(setup SetupPacket, data []byte) *Transfer {
	return &Transfer{Endpoint: 0, Setup: &setup, Data: data}
}

// IsControl reports whether the transfer carries a setup packet.
func (t *Transfer) IsControl() bool { return t.Setup != nil }

// In reports whether the transfer travels device to host.
func (t *Transfer) In() bool { return EndpointAddressIn(t.Endpoint) }

package manager

import (
	"github.com/usbmitm/usbmitm/relay"
	"github.com/usbmitm/usbmitm/usb"
)

// SetConfiguration reacts to a standard SET_CONFIGURATION request observed
// by the EP0 writer: it reprograms the data-endpoint relays for the newly
// selected configuration and announces the change to both proxies. It runs
// on the EP0 writer's task; Manager serializes it against the controller
// through the state machine and its mutex. Valid while RELAYING, and while
// RESET to complete a bus reset.
func (m *Manager) SetConfiguration(value uint8) {
	st := m.State()
	if st != StateRelaying && st != StateReset {
		m.logger.Warn("ignoring SET_CONFIGURATION", "state", st.String(), "value", value)
		return
	}
	m.logger.Info("host selected configuration", "value", value)

	// Relays of the previously selected configuration go away first.
	m.stopDataRelaying()

	device := m.Device()
	if device == nil {
		// teardown raced ahead of the EP0 writer
		return
	}
	if err := device.SetActiveConfiguration(value); err != nil {
		m.logger.Error("SET_CONFIGURATION for unknown configuration", "value", value, "error", err)
		return
	}

	// The qualifier side, when present, rides along so both proxies can
	// answer other-speed queries. Argument order mirrors the operating
	// speed.
	if q := device.Qualifier(); q != nil {
		if device.IsHighSpeed() {
			m.deviceProxy.SetConfig(q.Configuration(value), device.Configuration(value), true)
			m.hostProxy.SetConfig(q.Configuration(value), device.Configuration(value), true)
		} else {
			m.deviceProxy.SetConfig(device.Configuration(value), q.Configuration(value), false)
			m.hostProxy.SetConfig(device.Configuration(value), q.Configuration(value), false)
		}
	} else {
		m.deviceProxy.SetConfig(device.Configuration(value), nil, device.IsHighSpeed())
		m.hostProxy.SetConfig(device.Configuration(value), nil, device.IsHighSpeed())
	}

	m.startDataRelaying()
	m.setState(StateRelaying)
}

// startDataRelaying builds and launches the relay pairs for every
// non-isochronous endpoint of the active configuration. Slot 0 is EP0 and is
// not touched.
func (m *Manager) startDataRelaying() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if st := m.State(); st != StateRelaying && st != StateReset {
		return
	}
	device := m.device
	cfg := device.ActiveConfiguration()

	m.logger.Info("setting up data relays", "interfaces", cfg.InterfaceCount())
	for n := 0; n < cfg.InterfaceCount(); n++ {
		for alt := 0; alt < cfg.AlternateCount(n); alt++ {
			ifc := cfg.Alternate(n, alt)
			for _, ep := range ifc.Endpoints() {
				if ep.TransferType() == usb.TransferTypeIsochronous {
					m.logger.Warn("isochronous transfers are not supported, skipping endpoint",
						"endpoint", ep.Address())
					continue
				}
				num := ep.Number()
				if num == 0 {
					m.logger.Warn("data endpoint with number 0, skipping", "endpoint", ep.Address())
					continue
				}
				queue := relay.NewPacketQueue()
				if ep.In() {
					m.in[num] = &slot{
						endpoint: ep,
						queue:    queue,
						reader:   relay.NewReader(ep, m.deviceProxy, queue, m.logger),
						writer:   relay.NewWriter(ep, m.hostProxy, queue, m.logger),
					}
				} else {
					m.out[num] = &slot{
						endpoint: ep,
						queue:    queue,
						reader:   relay.NewReader(ep, m.hostProxy, queue, m.logger),
						writer:   relay.NewWriter(ep, m.deviceProxy, queue, m.logger),
					}
				}
				m.deviceProxy.SetEndpointInterface(ep.Address(), ifc.Number())
			}
		}
	}

	for _, f := range m.filters {
		if !f.MatchDevice(device) || !f.MatchConfiguration(cfg) {
			continue
		}
		for j := 1; j < slotCount; j++ {
			if s := m.in[j]; s != nil && f.MatchEndpoint(s.endpoint) && f.MatchInterface(s.endpoint.Interface()) {
				s.writer.AddFilter(f)
			}
			if s := m.out[j]; s != nil && f.MatchEndpoint(s.endpoint) && f.MatchInterface(s.endpoint.Interface()) {
				s.writer.AddFilter(f)
			}
		}
	}

	for _, inj := range m.injectors {
		if !inj.MatchDevice(device) || !inj.MatchConfiguration(cfg) {
			continue
		}
		for j := 1; j < slotCount; j++ {
			if s := m.in[j]; s != nil && inj.MatchEndpoint(s.endpoint) && inj.MatchInterface(s.endpoint.Interface()) {
				wireInjector(inj, s.endpoint.Address(), s.writer)
			}
			if s := m.out[j]; s != nil && inj.MatchEndpoint(s.endpoint) && inj.MatchInterface(s.endpoint.Interface()) {
				wireInjector(inj, s.endpoint.Address(), s.writer)
			}
		}
	}

	for n := 0; n < cfg.InterfaceCount(); n++ {
		if err := m.deviceProxy.ClaimInterface(uint8(n)); err != nil {
			m.logger.Warn("claim interface failed", "interface", n, "error", err)
		}
	}

	started := 0
	for j := 1; j < slotCount; j++ {
		if s := m.in[j]; s != nil {
			s.startReader()
			s.startWriter()
			started++
		}
		if s := m.out[j]; s != nil {
			s.startReader()
			s.startWriter()
			started++
		}
	}
	m.logger.Info("data relays running", "endpoints", started)
}

// stopDataRelaying signals and joins the relay pairs of slots 1..15, leaving
// EP0 untouched.
func (m *Manager) stopDataRelaying() {
	m.mu.Lock()
	var slots []*slot
	for j := 1; j < slotCount; j++ {
		if m.in[j] != nil {
			slots = append(slots, m.in[j])
			m.in[j] = nil
		}
		if m.out[j] != nil {
			slots = append(slots, m.out[j])
			m.out[j] = nil
		}
	}
	m.mu.Unlock()

	for _, s := range slots {
		s.stop()
	}
	for _, s := range slots {
		s.join()
	}
}

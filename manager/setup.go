package manager

import (
	"errors"
	"fmt"

	"github.com/usbmitm/usbmitm/proxy"
	"github.com/usbmitm/usbmitm/relay"
	"github.com/usbmitm/usbmitm/usb"
)

// StartControlRelaying connects both proxies, builds the device model, and
// brings up the EP0 relay. On success the manager is RELAYING and the call
// returns nil; the data endpoints follow once the host issues
// SET_CONFIGURATION. Must be called from IDLE. A concurrent StopRelaying
// aborts the setup and leaves the manager back at IDLE; the call then
// returns nil, or the last connect error when the abort lands while a
// connect retry loop is waiting.
func (m *Manager) StartControlRelaying() error {
	if !m.state.CompareAndSwap(int32(StateIdle), int32(StateSetup)) {
		m.logger.Error("can't start relaying unless manager is idle", "state", m.State().String())
		return ErrInvalidState
	}
	m.logger.Debug("manager state", "from", StateIdle.String(), "to", StateSetup.String())

	m.logger.Info("connecting to device proxy")
	err := m.deviceProxy.Connect()
	m.spin.reset()
	for errors.Is(err, proxy.ErrTimedOut) && m.State() == StateSetup {
		m.spin.spin()
		err = m.deviceProxy.Connect()
	}
	if err != nil {
		m.logger.Error("unable to connect to device proxy", "error", err)
		m.setState(StateIdle)
		return fmt.Errorf("connect to device proxy: %w", err)
	}

	m.logger.Info("initializing device model")
	device, err := usb.NewDevice(m.deviceProxy)
	if err != nil {
		m.logger.Error("unable to build device model", "error", err)
		m.setState(StateIdle)
		return fmt.Errorf("build device model: %w", err)
	}
	m.mu.Lock()
	m.device = device
	m.mu.Unlock()
	m.logger.Info("device enumerated\n" + device.Describe())

	cfg := device.ActiveConfiguration()
	m.logger.Info("claiming interfaces on device proxy", "count", cfg.InterfaceCount())
	for n := 0; n < cfg.InterfaceCount(); n++ {
		if err := m.deviceProxy.ClaimInterface(uint8(n)); err != nil {
			m.logger.Warn("claim interface failed", "interface", n, "error", err)
		}
	}

	if m.State() != StateSetup {
		m.StopRelaying()
		return nil
	}

	m.logger.Debug("creating EP0 relay")
	ep0 := usb.NewEndpoint(nil, usb.EndpointDescriptor{
		BEndpointAddress: 0,
		BMAttributes:     0,
		WMaxPacketSize:   uint16(device.Descriptor().BMaxPacketSize0),
		BInterval:        0,
	})

	if m.State() != StateSetup {
		m.StopRelaying()
		return nil
	}

	queue := relay.NewPacketQueue()
	s := &slot{
		endpoint: ep0,
		queue:    queue,
		reader:   relay.NewReader(ep0, m.hostProxy, queue, m.logger),
		writer:   relay.NewControlWriter(ep0, m.deviceProxy, queue, m, m.logger),
	}

	// Filters whose device and endpoint predicates accept EP0 go onto the
	// control writer, in installation order.
	m.mu.Lock()
	m.out[0] = s
	filters := append([]relay.Filter(nil), m.filters...)
	injectors := append([]relay.Injector(nil), m.injectors...)
	m.mu.Unlock()

	m.logger.Debug("applying filters to EP0 relay", "count", len(filters))
	for _, f := range filters {
		if m.State() != StateSetup {
			m.StopRelaying()
			return nil
		}
		if f.MatchDevice(device) && f.MatchInterface(nil) && f.MatchEndpoint(ep0) {
			s.writer.AddFilter(f)
		}
	}

	m.logger.Debug("wiring injectors to EP0 relay", "count", len(injectors))
	for _, inj := range injectors {
		if m.State() != StateSetup {
			m.StopRelaying()
			return nil
		}
		if inj.MatchDevice(device) && inj.MatchInterface(nil) && inj.MatchEndpoint(ep0) {
			wireInjector(inj, 0x00, s.writer)
			wireInjector(inj, usb.DirIn, s.writer)
		}
	}

	stop := make(chan struct{})
	m.mu.Lock()
	m.injectorStop = stop
	m.mu.Unlock()
	for _, inj := range injectors {
		if m.State() != StateSetup {
			m.StopRelaying()
			return nil
		}
		m.injectorWG.Add(1)
		go func(inj relay.Injector) {
			defer m.injectorWG.Done()
			inj.Listen(stop)
		}(inj)
	}

	m.logger.Info("connecting to host proxy")
	err = m.hostProxy.Connect(device)
	m.spin.reset()
	for errors.Is(err, proxy.ErrTimedOut) && m.State() == StateSetup {
		m.spin.spin()
		err = m.hostProxy.Connect(device)
	}
	if err != nil {
		m.logger.Error("unable to connect to host proxy", "error", err)
		m.setState(StateSetupAbort)
		m.StopRelaying()
		return fmt.Errorf("connect to host proxy: %w", err)
	}

	m.logger.Debug("starting EP0 relay tasks")
	m.mu.Lock()
	s.startReader()
	m.mu.Unlock()
	if m.State() != StateSetup {
		m.setState(StateSetupAbort)
		m.StopRelaying()
		return nil
	}
	m.mu.Lock()
	s.startWriter()
	m.mu.Unlock()
	if m.State() != StateSetup {
		m.StopRelaying()
		return nil
	}

	m.setState(StateRelaying)
	m.logger.Info("control relaying started")
	return nil
}

// wireInjector wires one endpoint address of inj into w's injection inbox,
// if the injector drives that address.
func wireInjector(inj relay.Injector, addr uint8, w *relay.Writer) {
	for _, a := range inj.Endpoints() {
		if a == addr {
			inj.Wire(addr, w.InjectPort())
			return
		}
	}
}

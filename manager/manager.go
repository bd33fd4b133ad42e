package manager

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/usbmitm/usbmitm/proxy"
	"github.com/usbmitm/usbmitm/relay"
	"github.com/usbmitm/usbmitm/usb"
)

// slotCount is the number of logical endpoint slots per direction, matching
// the 4-bit endpoint number space.
const slotCount = 16

// slot owns the relay pieces of one endpoint: the endpoint model, the queue,
// and the reader/writer pair sharing it.
type slot struct {
	endpoint *usb.Endpoint
	queue    *relay.PacketQueue
	reader   *relay.Reader
	writer   *relay.Writer

	// A task only gets joined if it was launched; aborted setups leave
	// relays constructed but never started.
	readerOn bool
	writerOn bool
}

func (s *slot) stop() {
	s.reader.Stop()
	s.writer.Stop()
}

func (s *slot) join() {
	if s.readerOn {
		<-s.reader.Done()
	}
	if s.writerOn {
		<-s.writer.Done()
	}
}

// startReader launches the slot's reader task. Caller holds mu.
func (s *slot) startReader() {
	s.readerOn = true
	go s.reader.Run()
}

// startWriter launches the slot's writer task. Caller holds mu.
func (s *slot) startWriter() {
	s.writerOn = true
	go s.writer.Run()
}

// Bundle is a fully constructed set of collaborators as produced by the
// plugin loader.
type Bundle struct {
	DeviceProxy proxy.DeviceProxy
	HostProxy   proxy.HostProxy
	Filters     []relay.Filter
	Injectors   []relay.Injector
}

// Manager owns both proxies, the device model, the relay fabric, and the
// filter/injector registries, and drives them through the relaying
// lifecycle.
//
// The controller task (whoever calls StartControlRelaying/StopRelaying) owns
// all state transitions except the ones SetConfiguration performs, which the
// EP0 writer invokes from its own task; Manager serializes the two through
// its internal mutex and the state machine.
type Manager struct {
	logger *slog.Logger
	spin   *spinner

	state atomic.Int32

	// mu guards the filter/injector lists and the slot tables. Never held
	// while joining tasks.
	mu          sync.Mutex
	deviceProxy proxy.DeviceProxy
	hostProxy   proxy.HostProxy
	device      *usb.Device
	filters     []relay.Filter
	injectors   []relay.Injector
	in          [slotCount]*slot
	out         [slotCount]*slot

	injectorStop chan struct{}
	injectorWG   sync.WaitGroup
}

// New creates an idle Manager.
func New(logger *slog.Logger) *Manager {
	m := &Manager{logger: logger, spin: newSpinner()}
	m.state.Store(int32(StateIdle))
	return m
}

// State returns the current lifecycle state.
func (m *Manager) State() State { return State(m.state.Load()) }

func (m *Manager) setState(s State) {
	old := State(m.state.Swap(int32(s)))
	if old != s {
		m.logger.Debug("manager state", "from", old.String(), "to", s.String())
	}
}

// Device returns the device model of the running session, nil when idle.
func (m *Manager) Device() *usb.Device {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.device
}

// LoadPlugins installs the proxies, filters, and injectors of a constructed
// plugin bundle. Valid only while idle.
func (m *Manager) LoadPlugins(b Bundle) error {
	if m.State() != StateIdle {
		m.logger.Error("can't load plugins unless manager is idle", "state", m.State().String())
		return ErrInvalidState
	}
	m.mu.Lock()
	m.deviceProxy = b.DeviceProxy
	m.hostProxy = b.HostProxy
	m.mu.Unlock()
	for _, f := range b.Filters {
		if err := m.AddFilter(f); err != nil {
			return err
		}
	}
	for _, i := range b.Injectors {
		if err := m.AddInjector(i); err != nil {
			return err
		}
	}
	return nil
}

// SetProxies installs the two proxies directly. Valid only while idle.
func (m *Manager) SetProxies(dp proxy.DeviceProxy, hp proxy.HostProxy) error {
	if m.State() != StateIdle {
		return ErrInvalidState
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deviceProxy = dp
	m.hostProxy = hp
	return nil
}

// AddFilter appends a filter to the chain. Valid while idle or during a bus
// reset.
func (m *Manager) AddFilter(f relay.Filter) error {
	if st := m.State(); st != StateIdle && st != StateReset {
		m.logger.Error("can't add filters unless manager is idle or reset", "state", st.String())
		return ErrInvalidState
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.filters = append(m.filters, f)
	return nil
}

// RemoveFilter removes the filter at index; higher indices shift down. With
// freeMemory the removed filter is closed if it implements io.Closer. Valid
// while idle or during a bus reset.
func (m *Manager) RemoveFilter(index int, freeMemory bool) error {
	if st := m.State(); st != StateIdle && st != StateReset {
		m.logger.Error("can't remove filters unless manager is idle or reset", "state", st.String())
		return ErrInvalidState
	}
	m.mu.Lock()
	if index < 0 || index >= len(m.filters) {
		m.mu.Unlock()
		m.logger.Error("filter index out of bounds", "index", index)
		return fmt.Errorf("filter index %d out of bounds", index)
	}
	f := m.filters[index]
	m.filters = append(m.filters[:index], m.filters[index+1:]...)
	m.mu.Unlock()
	if freeMemory {
		closeIfCloser(f)
	}
	return nil
}

// FilterCount returns the number of installed filters.
func (m *Manager) FilterCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.filters)
}

// Filter returns the filter at index, nil when out of range.
func (m *Manager) Filter(index int) relay.Filter {
	m.mu.Lock()
	defer m.mu.Unlock()
	if index < 0 || index >= len(m.filters) {
		return nil
	}
	return m.filters[index]
}

// AddInjector appends an injector. Valid only while idle.
func (m *Manager) AddInjector(i relay.Injector) error {
	if m.State() != StateIdle {
		m.logger.Error("can't add injectors unless manager is idle", "state", m.State().String())
		return ErrInvalidState
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.injectors = append(m.injectors, i)
	return nil
}

// RemoveInjector removes the injector at index; higher indices shift down.
// With freeMemory the removed injector is closed if it implements io.Closer.
// Valid while idle or during a bus reset.
func (m *Manager) RemoveInjector(index int, freeMemory bool) error {
	if st := m.State(); st != StateIdle && st != StateReset {
		m.logger.Error("can't remove injectors unless manager is idle or reset", "state", st.String())
		return ErrInvalidState
	}
	m.mu.Lock()
	if index < 0 || index >= len(m.injectors) {
		m.mu.Unlock()
		m.logger.Error("injector index out of bounds", "index", index)
		return fmt.Errorf("injector index %d out of bounds", index)
	}
	i := m.injectors[index]
	m.injectors = append(m.injectors[:index], m.injectors[index+1:]...)
	m.mu.Unlock()
	if freeMemory {
		closeIfCloser(i)
	}
	return nil
}

// InjectorCount returns the number of installed injectors.
func (m *Manager) InjectorCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.injectors)
}

// Injector returns the injector at index, nil when out of range.
func (m *Manager) Injector(index int) relay.Injector {
	m.mu.Lock()
	defer m.mu.Unlock()
	if index < 0 || index >= len(m.injectors) {
		return nil
	}
	return m.injectors[index]
}

// StopRelaying drives a running or aborting session back to idle: it signals
// every relay and injector task, joins them all, releases the claimed
// interfaces, and disconnects both proxies. Idempotent; a no-op unless the
// state is SETUP, RELAYING, or SETUP_ABORT. When called during SETUP it only
// flags the abort; the setup path observes the flag and re-enters here to
// unwind.
func (m *Manager) StopRelaying() {
	if m.state.CompareAndSwap(int32(StateSetup), int32(StateSetupAbort)) {
		m.logger.Debug("manager state", "from", StateSetup.String(), "to", StateSetupAbort.String())
		return
	}
	if !m.state.CompareAndSwap(int32(StateRelaying), int32(StateStopping)) &&
		!m.state.CompareAndSwap(int32(StateSetupAbort), int32(StateStopping)) {
		return
	}
	m.logger.Debug("manager state", "to", StateStopping.String())

	// Signal everything first so the tasks wind down in parallel.
	m.mu.Lock()
	stop := m.injectorStop
	m.injectorStop = nil
	slots := m.liveSlots()
	m.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	for _, s := range slots {
		s.stop()
	}

	m.injectorWG.Wait()
	for _, s := range slots {
		s.join()
	}

	m.mu.Lock()
	for i := range m.in {
		m.in[i] = nil
		m.out[i] = nil
	}
	device := m.device
	m.device = nil
	m.mu.Unlock()

	if device != nil {
		cfg := device.ActiveConfiguration()
		for n := 0; n < cfg.InterfaceCount(); n++ {
			if err := m.deviceProxy.ReleaseInterface(uint8(n)); err != nil {
				m.logger.Warn("release interface failed", "interface", n, "error", err)
			}
		}
	}

	m.hostProxy.Disconnect()
	m.deviceProxy.Disconnect()

	m.setState(StateIdle)
}

// HandleBusReset reacts to a bus reset observed on the host side: data
// relays are torn down while EP0 keeps running, and the session waits for
// the host to re-issue SET_CONFIGURATION, which returns the Manager to
// RELAYING.
func (m *Manager) HandleBusReset() {
	if !m.state.CompareAndSwap(int32(StateRelaying), int32(StateReset)) {
		m.logger.Debug("ignoring bus reset", "state", m.State().String())
		return
	}
	m.logger.Info("bus reset: tearing down data relays")
	m.stopDataRelaying()
}

// Cleanup destroys all filters, injectors, and both proxies. Called once, at
// shutdown, from idle.
func (m *Manager) Cleanup() {
	for m.InjectorCount() > 0 {
		_ = m.RemoveInjector(m.InjectorCount()-1, true)
	}
	for m.FilterCount() > 0 {
		_ = m.RemoveFilter(m.FilterCount()-1, true)
	}
	m.mu.Lock()
	dp, hp := m.deviceProxy, m.hostProxy
	m.deviceProxy, m.hostProxy = nil, nil
	m.mu.Unlock()
	closeIfCloser(dp)
	closeIfCloser(hp)
}

// liveSlots returns every populated slot. Caller holds mu.
func (m *Manager) liveSlots() []*slot {
	var out []*slot
	for i := 0; i < slotCount; i++ {
		if m.in[i] != nil {
			out = append(out, m.in[i])
		}
		if m.out[i] != nil {
			out = append(out, m.out[i])
		}
	}
	return out
}

func closeIfCloser(v any) {
	if c, ok := v.(io.Closer); ok && c != nil {
		_ = c.Close()
	}
}

package plugins

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"github.com/usbmitm/usbmitm/internal/log"
	"github.com/usbmitm/usbmitm/relay"
	"github.com/usbmitm/usbmitm/usb"
)

func init() {
	RegisterFilter("hexdump", newHexdumpFilter)
	RegisterFilter("replace", newReplaceFilter)
	RegisterFilter("drop", newDropFilter)
	RegisterInjector("ticker", newTickerInjector)
}

// endpointScoped narrows the endpoint predicate to one address when the
// "endpoint" option is present; otherwise everything matches.
type endpointScoped struct {
	relay.MatchAll
	addr   uint8
	scoped bool
}

func scopeFromOptions(opts Options) (endpointScoped, error) {
	addr, present, err := opts.Endpoint("endpoint")
	if err != nil {
		return endpointScoped{}, err
	}
	return endpointScoped{addr: addr, scoped: present}, nil
}

func (s endpointScoped) MatchEndpoint(e *usb.Endpoint) bool {
	return !s.scoped || e.Address() == s.addr
}

// hexdumpFilter passes every transfer through unchanged while writing it to
// the raw transfer log.
type hexdumpFilter struct {
	endpointScoped
	raw log.RawLogger
}

func newHexdumpFilter(opts Options, raw log.RawLogger) (relay.Filter, error) {
	scope, err := scopeFromOptions(opts)
	if err != nil {
		return nil, err
	}
	return &hexdumpFilter{endpointScoped: scope, raw: raw}, nil
}

func (f *hexdumpFilter) Filter(t *usb.Transfer) relay.Action {
	if f.raw != nil {
		if t.Setup != nil {
			f.raw.Log(!t.In(), t.Endpoint, t.Setup.Bytes())
		}
		f.raw.Log(!t.In(), t.Endpoint, t.Data)
	}
	return relay.Pass
}

// replaceFilter rewrites payload byte patterns in place.
type replaceFilter struct {
	endpointScoped
	find    []byte
	replace []byte
}

func newReplaceFilter(opts Options, _ log.RawLogger) (relay.Filter, error) {
	scope, err := scopeFromOptions(opts)
	if err != nil {
		return nil, err
	}
	find, err := opts.Bytes("find")
	if err != nil {
		return nil, err
	}
	if len(find) == 0 {
		return nil, fmt.Errorf("replace filter: option find is required")
	}
	repl, err := opts.Bytes("replace")
	if err != nil {
		return nil, err
	}
	return &replaceFilter{endpointScoped: scope, find: find, replace: repl}, nil
}

func (f *replaceFilter) Filter(t *usb.Transfer) relay.Action {
	if !bytes.Contains(t.Data, f.find) {
		return relay.Pass
	}
	t.Data = bytes.ReplaceAll(t.Data, f.find, f.replace)
	return relay.Replace
}

// dropFilter discards transfers whose payload starts with a byte pattern.
type dropFilter struct {
	endpointScoped
	prefix []byte
}

func newDropFilter(opts Options, _ log.RawLogger) (relay.Filter, error) {
	scope, err := scopeFromOptions(opts)
	if err != nil {
		return nil, err
	}
	prefix, err := opts.Bytes("prefix")
	if err != nil {
		return nil, err
	}
	if len(prefix) == 0 {
		return nil, fmt.Errorf("drop filter: option prefix is required")
	}
	return &dropFilter{endpointScoped: scope, prefix: prefix}, nil
}

func (f *dropFilter) Filter(t *usb.Transfer) relay.Action {
	if bytes.HasPrefix(t.Data, f.prefix) {
		return relay.Drop
	}
	return relay.Pass
}

// tickerInjector emits a fixed payload on one endpoint at a fixed interval.
type tickerInjector struct {
	endpointScoped
	interval time.Duration
	payload  []byte

	mu    sync.Mutex
	sinks map[uint8]chan<- *usb.Transfer
}

func newTickerInjector(opts Options) (relay.Injector, error) {
	scope, err := scopeFromOptions(opts)
	if err != nil {
		return nil, err
	}
	if !scope.scoped {
		return nil, fmt.Errorf("ticker injector: option endpoint is required")
	}
	interval, err := opts.Duration("interval", time.Second)
	if err != nil {
		return nil, err
	}
	payload, err := opts.Bytes("payload")
	if err != nil {
		return nil, err
	}
	return &tickerInjector{
		endpointScoped: scope,
		interval:       interval,
		payload:        payload,
		sinks:          make(map[uint8]chan<- *usb.Transfer),
	}, nil
}

func (i *tickerInjector) Endpoints() []uint8 { return []uint8{i.addr} }

func (i *tickerInjector) Wire(addr uint8, sink chan<- *usb.Transfer) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.sinks[addr] = sink
}

func (i *tickerInjector) Listen(stop <-chan struct{}) {
	tick := time.NewTicker(i.interval)
	defer tick.Stop()
	for {
		select {
		case <-stop:
			return
		case <-tick.C:
			i.mu.Lock()
			sink := i.sinks[i.addr]
			i.mu.Unlock()
			if sink == nil {
				continue
			}
			t := usb.NewDataTransfer(i.addr, append([]byte(nil), i.payload...))
			select {
			case sink <- t:
			default:
				// inbox full, injection is best-effort
			}
		}
	}
}

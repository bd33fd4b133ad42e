// Package manager contains the lifecycle controller that wires the two
// proxies, the device model, the per-endpoint relay fabric, and the filter
// and injector registries into one relaying session.
package manager

import "errors"

// ErrInvalidState is returned by operations attempted in a state that does
// not permit them.
var ErrInvalidState = errors.New("invalid manager state")

// State is the lifecycle state of the Manager. It is written only by the
// controller path (and by the EP0 writer through SetConfiguration); every
// other task polls it through an atomic load.
type State int32

const (
	StateIdle State = iota
	StateSetup
	StateRelaying
	StateStopping
	StateSetupAbort
	StateReset
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateSetup:
		return "SETUP"
	case StateRelaying:
		return "RELAYING"
	case StateStopping:
		return "STOPPING"
	case StateSetupAbort:
		return "SETUP_ABORT"
	case StateReset:
		return "RESET"
	default:
		return "?"
	}
}

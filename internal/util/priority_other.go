//go:build !linux

package util

import "errors"

// SetRelayPriority adjusts the scheduling niceness of the relay process.
// Only supported on linux.
func SetRelayPriority(nice int) error {
	return errors.New("relay priority is only supported on linux")
}

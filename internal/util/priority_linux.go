//go:build linux

// Package util holds small platform helpers for the relay process.
package util

import "golang.org/x/sys/unix"

// SetRelayPriority adjusts the scheduling niceness of the relay process.
// Lower values reduce relay latency under load; requires the matching
// capability for negative values.
func SetRelayPriority(nice int) error {
	return unix.Setpriority(unix.PRIO_PROCESS, 0, nice)
}

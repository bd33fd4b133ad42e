//go:build !linux

package cmd

import (
	"errors"
	"log/slog"
)

func install(*slog.Logger) error {
	return errors.New("service installation is only supported on linux")
}

func uninstall(*slog.Logger) error {
	return errors.New("service installation is only supported on linux")
}

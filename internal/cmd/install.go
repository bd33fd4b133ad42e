package cmd

import "log/slog"

// InstallCommand installs usbmitm as a system service.
type InstallCommand struct{}

func (InstallCommand) Run(logger *slog.Logger) error { return install(logger) }

// UninstallCommand removes the usbmitm system service.
type UninstallCommand struct{}

func (UninstallCommand) Run(logger *slog.Logger) error { return uninstall(logger) }

// Package cmd defines the usbmitm command tree.
package cmd

// LogConfig groups the logging flags shared by every command.
type LogConfig struct {
	Level   string `help:"Log level" enum:"trace,debug,info,warn,error" default:"info" env:"USBMITM_LOG_LEVEL"`
	File    string `help:"Log file path; empty logs to the console" env:"USBMITM_LOG_FILE"`
	RawFile string `help:"Raw transfer log file path" env:"USBMITM_LOG_RAW_FILE"`
}

// CLI is the root command structure parsed by kong.
type CLI struct {
	Log LogConfig `embed:"" prefix:"log."`

	Relay     Relay            `cmd:"" help:"Run the USB man-in-the-middle relay"`
	Export    Export           `cmd:"" help:"Serve a local device proxy to a remote relay"`
	Config    ConfigCommand    `cmd:"" help:"Configuration helpers"`
	Install   InstallCommand   `cmd:"" help:"Install usbmitm as a systemd service"`
	Uninstall UninstallCommand `cmd:"" help:"Remove the usbmitm systemd service"`
}

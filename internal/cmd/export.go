package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/usbmitm/usbmitm/plugins"
	"github.com/usbmitm/usbmitm/proxy/tcp"
)

// Export serves a local device proxy over TCP so a relay on another machine
// can attach to the physical device with the tcp-device proxy.
type Export struct {
	Addr    string `help:"Exporter listen address" default:":3240" env:"USBMITM_EXPORT_ADDR"`
	Key     string `help:"Pre-shared key protecting the export; empty disables encryption" env:"USBMITM_EXPORT_KEY"`
	Plugins string `help:"Plugin configuration file naming the device proxy to export" type:"path" env:"USBMITM_PLUGINS"`
	Demo    bool   `help:"Export the built-in demo device"`
}

// Run is called by kong when the export command is executed.
func (e *Export) Run(logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return e.StartExporter(ctx, logger)
}

// StartExporter serves the device proxy until ctx is cancelled.
func (e *Export) StartExporter(ctx context.Context, logger *slog.Logger) error {
	var cfg *plugins.Config
	switch {
	case e.Demo:
		cfg = &plugins.Config{DeviceProxy: plugins.Ref{Name: "demo-device"}}
	case e.Plugins != "":
		loaded, err := plugins.Load(e.Plugins)
		if err != nil {
			return err
		}
		cfg = loaded
	default:
		return fmt.Errorf("either --plugins or --demo is required")
	}

	dp, err := cfg.BuildDeviceProxy(logger)
	if err != nil {
		return err
	}

	exporter := tcp.NewExporter(e.Addr, e.Key, dp, logger)
	errCh := make(chan error, 1)
	go func() {
		errCh <- exporter.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		_ = exporter.Close()
		return <-errCh
	case err := <-errCh:
		return err
	}
}

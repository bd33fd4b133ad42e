package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/usbmitm/usbmitm/internal/log"
	"github.com/usbmitm/usbmitm/internal/util"
	"github.com/usbmitm/usbmitm/manager"
	"github.com/usbmitm/usbmitm/plugins"
)

// Relay runs the man-in-the-middle relay between the configured proxies.
type Relay struct {
	Plugins  string `help:"Plugin configuration file (YAML)" type:"path" env:"USBMITM_PLUGINS"`
	Demo     bool   `help:"Relay the built-in demo device over loopback proxies"`
	Priority int    `help:"Relay process niceness; negative values reduce latency (linux only)" default:"0"`
}

// Run is called by kong when the relay command is executed.
func (r *Relay) Run(logger *slog.Logger, rawLogger log.RawLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return r.StartRelay(ctx, logger, rawLogger)
}

// StartRelay drives one relaying session until ctx is cancelled.
func (r *Relay) StartRelay(ctx context.Context, logger *slog.Logger, rawLogger log.RawLogger) error {
	var cfg *plugins.Config
	switch {
	case r.Demo:
		cfg = &plugins.Config{
			DeviceProxy: plugins.Ref{Name: "demo-device"},
			HostProxy:   plugins.Ref{Name: "demo-host"},
			Filters:     []plugins.Ref{{Name: "hexdump"}},
		}
	case r.Plugins != "":
		loaded, err := plugins.Load(r.Plugins)
		if err != nil {
			return err
		}
		cfg = loaded
	default:
		return fmt.Errorf("either --plugins or --demo is required")
	}

	bundle, err := cfg.Build(logger, rawLogger)
	if err != nil {
		return err
	}

	if r.Priority != 0 {
		if err := util.SetRelayPriority(r.Priority); err != nil {
			logger.Warn("failed to set relay priority", "nice", r.Priority, "error", err)
		}
	}

	mgr := manager.New(logger)
	if err := mgr.LoadPlugins(bundle); err != nil {
		return err
	}
	defer mgr.Cleanup()

	errCh := make(chan error, 1)
	go func() {
		errCh <- mgr.StartControlRelaying()
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		mgr.StopRelaying()
		<-errCh
		return nil
	}

	logger.Info("relaying; press ctrl-c to stop")
	<-ctx.Done()
	mgr.StopRelaying()
	return nil
}

package tcp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/usbmitm/usbmitm/proxy"
	"github.com/usbmitm/usbmitm/usb"
)

// Exporter serves one local device proxy to a remote relay. Clients are
// handled one at a time; there is only one device behind the export.
type Exporter struct {
	addr    string
	key     string
	backing proxy.DeviceProxy
	logger  *slog.Logger

	ready     chan struct{}
	readyOnce sync.Once
	ln        net.Listener
}

// NewExporter creates an exporter listening on addr for the given device
// proxy. key enables pre-shared-key encryption; empty disables it.
func NewExporter(addr, key string, backing proxy.DeviceProxy, logger *slog.Logger) *Exporter {
	return &Exporter{
		addr:    addr,
		key:     key,
		backing: backing,
		logger:  logger,
		ready:   make(chan struct{}),
	}
}

// ListenAndServe accepts relay connections until Close.
func (e *Exporter) ListenAndServe() error {
	ln, err := net.Listen("tcp", e.addr)
	if err != nil {
		return err
	}
	e.ln = ln
	e.readyOnce.Do(func() { close(e.ready) })
	e.logger.Info("device exporter listening", "addr", e.addr)
	for {
		c, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				e.logger.Info("device exporter stopped")
				return nil
			}
			e.logger.Error("accept error", "error", err)
			continue
		}
		e.logger.Info("relay connected", "remote", c.RemoteAddr())
		// One relay owns the device at a time; further clients wait their
		// turn.
		if err := e.handleConn(c); err != nil {
			if isClientDisconnect(err) {
				e.logger.Info("relay disconnected", "error", err)
			} else {
				e.logger.Error("connection handler error", "error", err)
			}
		}
	}
}

// Ready returns a channel closed once the listener is bound.
func (e *Exporter) Ready() <-chan struct{} { return e.ready }

// Close stops the exporter by closing its listener.
func (e *Exporter) Close() error {
	if e.ln != nil {
		return e.ln.Close()
	}
	return nil
}

// Addr returns the bound listen address, empty before ListenAndServe.
func (e *Exporter) Addr() string {
	if e.ln == nil {
		return ""
	}
	return e.ln.Addr().String()
}

func (e *Exporter) handleConn(conn net.Conn) error {
	defer conn.Close()
	defer e.backing.Disconnect()

	if e.key != "" {
		wrapped, err := wrapConn(conn, e.key)
		if err != nil {
			return fmt.Errorf("wrap connection: %w", err)
		}
		conn = wrapped
	}

	// Built after a successful connect so SetConfig can resolve
	// configuration values against the real device.
	var device *usb.Device

	for {
		kind, addr, payload, err := readFrame(conn)
		if err != nil {
			return fmt.Errorf("read frame: %w", err)
		}

		switch kind {
		case kindConnect:
			err := e.backing.Connect()
			switch {
			case err == nil:
				if device == nil {
					device, err = usb.NewDevice(e.backing)
					if err != nil {
						e.sendError(conn, fmt.Errorf("build device model: %w", err))
						continue
					}
				}
				e.sendOK(conn, nil)
			case errors.Is(err, proxy.ErrTimedOut):
				e.sendStatus(conn, statusTimedOut, nil)
			default:
				e.sendError(conn, err)
			}

		case kindDisconnect:
			e.backing.Disconnect()
			return nil

		case kindSpeed:
			out := make([]byte, 4)
			binary.BigEndian.PutUint32(out, uint32(e.backing.Speed()))
			e.sendOK(conn, out)

		case kindDeviceDesc:
			desc, err := e.backing.DeviceDescriptor()
			if err != nil {
				e.sendError(conn, err)
				continue
			}
			e.sendOK(conn, desc.Bytes())

		case kindConfigDesc:
			blob, err := e.backing.ConfigurationDescriptor(addr)
			if err != nil {
				e.sendError(conn, err)
				continue
			}
			e.sendOK(conn, blob)

		case kindOtherSpeedDesc:
			blob, err := e.backing.OtherSpeedConfigurationDescriptor(addr)
			if errors.Is(err, usb.ErrDescriptorUnavailable) {
				e.sendStatus(conn, statusUnavailable, nil)
				continue
			}
			if err != nil {
				e.sendError(conn, err)
				continue
			}
			e.sendOK(conn, blob)

		case kindQualifierDesc:
			q, err := e.backing.DeviceQualifierDescriptor()
			if errors.Is(err, usb.ErrDescriptorUnavailable) {
				e.sendStatus(conn, statusUnavailable, nil)
				continue
			}
			if err != nil {
				e.sendError(conn, err)
				continue
			}
			e.sendOK(conn, q.Bytes())

		case kindClaim:
			if err := e.backing.ClaimInterface(addr); err != nil {
				e.sendError(conn, err)
				continue
			}
			e.sendOK(conn, nil)

		case kindRelease:
			if err := e.backing.ReleaseInterface(addr); err != nil {
				e.sendError(conn, err)
				continue
			}
			e.sendOK(conn, nil)

		case kindEpInterface:
			if len(payload) < 1 {
				e.sendError(conn, fmt.Errorf("short endpoint interface frame"))
				continue
			}
			e.backing.SetEndpointInterface(addr, payload[0])
			e.sendOK(conn, nil)

		case kindSetConfig:
			if len(payload) < 3 || device == nil {
				e.sendError(conn, fmt.Errorf("set config before connect"))
				continue
			}
			cfg := device.Configuration(payload[0])
			var other *usb.Configuration
			if payload[2]&setConfigHasOther != 0 && device.Qualifier() != nil {
				other = device.Qualifier().Configuration(payload[1])
			}
			e.backing.SetConfig(cfg, other, payload[2]&setConfigHighspeed != 0)
			e.sendOK(conn, nil)

		case kindTransferOut:
			t, err := decodeTransfer(addr, payload)
			if err != nil {
				e.sendError(conn, err)
				continue
			}
			if err := e.backing.WriteTransfer(t); err != nil {
				e.sendError(conn, err)
				continue
			}
			e.sendOK(conn, nil)

		case kindTransferInReq:
			if len(payload) < 4 {
				e.sendError(conn, fmt.Errorf("short transfer request frame"))
				continue
			}
			timeout := time.Duration(binary.BigEndian.Uint32(payload)) * time.Millisecond
			t, err := e.backing.ReadTransfer(addr, timeout)
			if errors.Is(err, proxy.ErrTimedOut) {
				e.sendStatus(conn, statusTimedOut, nil)
				continue
			}
			if err != nil {
				e.sendError(conn, err)
				continue
			}
			e.sendOK(conn, encodeTransfer(t))

		default:
			return fmt.Errorf("protocol violation: unknown frame kind 0x%02x", kind)
		}
	}
}

func (e *Exporter) sendStatus(conn net.Conn, status uint8, payload []byte) {
	out := append([]byte{status}, payload...)
	if err := writeFrame(conn, kindResult, 0, out); err != nil {
		e.logger.Warn("send result failed", "error", err)
	}
}

func (e *Exporter) sendOK(conn net.Conn, payload []byte) {
	e.sendStatus(conn, statusOK, payload)
}

func (e *Exporter) sendError(conn net.Conn, err error) {
	e.sendStatus(conn, statusError, []byte(err.Error()))
}

// isClientDisconnect tests whether an error represents a normal client
// disconnect rather than a protocol or transport failure.
func isClientDisconnect(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	e := strings.ToLower(err.Error())
	return strings.Contains(e, "connection reset by peer") ||
		strings.Contains(e, "broken pipe") ||
		strings.Contains(e, "forcibly closed")
}

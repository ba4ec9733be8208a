package connection

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"obdagent/internal/elm327"
	"obdagent/internal/obd"
	"obdagent/internal/obd/ble"
	"obdagent/internal/obd/discovery"
	"obdagent/internal/obd/mock"
	"obdagent/internal/obd/serial"
)

// DialFunc builds an unopened driver for opts, with the base config that
// Init will receive once a protocol profile has been applied.
type DialFunc func(ctx context.Context, opts ConnectOptions) (obd.Driver, obd.Config, error)

// Dialer is the production DialFunc: it picks the transport, running serial
// discovery when no port is given, and wraps it in an ELM327 driver.
type Dialer struct {
	Prober        *discovery.Prober
	DriverOptions []elm327.Option
	// MockOptions configure the emulator used for the mock transport.
	MockOptions []mock.Option
	Logger      *zap.Logger
}

func isAutoPort(port string) bool {
	return port == "" || strings.EqualFold(port, "auto")
}

func (d *Dialer) Dial(ctx context.Context, opts ConnectOptions) (obd.Driver, obd.Config, error) {
	cfg := obd.Config{
		Transport:  opts.Transport,
		Port:       opts.Port,
		DeviceName: opts.DeviceName,
		BaudRate:   opts.BaudRate,
		TimeoutMs:  opts.TimeoutMs,
		Retries:    opts.Retries,
	}

	var t obd.Transport
	switch opts.Transport {
	case obd.TransportMock:
		t = mock.New(d.MockOptions...)
		cfg.Port = "mock"
	case obd.TransportBluetooth:
		t, cfg = d.bluetooth(cfg)
	case obd.TransportSerial, "":
		st, err := d.serial(ctx, opts, &cfg)
		if err != nil {
			return nil, cfg, err
		}
		t = st
	case TransportAuto:
		st, err := d.serial(ctx, opts, &cfg)
		switch {
		case err == nil:
			t = st
		case errors.Is(err, discovery.ErrNotFound):
			d.logger().Info("No serial adapter, trying Bluetooth")
			t, cfg = d.bluetooth(cfg)
		default:
			return nil, cfg, err
		}
	default:
		return nil, cfg, fmt.Errorf("unknown transport %q", opts.Transport)
	}
	return elm327.New(t, d.DriverOptions...), cfg, nil
}

func (d *Dialer) bluetooth(cfg obd.Config) (obd.Transport, obd.Config) {
	cfg.Transport = obd.TransportBluetooth
	if cfg.DeviceName == "" {
		cfg.DeviceName = "OBD"
	}
	cfg.Port = cfg.DeviceName
	return ble.New(cfg.DeviceName), cfg
}

func (d *Dialer) serial(ctx context.Context, opts ConnectOptions, cfg *obd.Config) (obd.Transport, error) {
	cfg.Transport = obd.TransportSerial
	if !isAutoPort(opts.Port) {
		return serial.New(opts.Port, opts.BaudRate), nil
	}

	prober := d.Prober
	if prober == nil {
		prober = discovery.NewProber()
	}
	var bauds []int
	if opts.BaudRate > 0 {
		bauds = []int{opts.BaudRate}
	}
	res, err := prober.Probe(ctx, discovery.Options{
		Hints:     opts.PortHints,
		BaudRates: bauds,
		Timeout:   time.Duration(opts.TimeoutMs) * time.Millisecond,
	})
	if err != nil {
		return nil, err
	}
	cfg.Port = res.Port.Name
	cfg.BaudRate = res.Baud
	return serial.New(res.Port.Name, res.Baud), nil
}

func (d *Dialer) logger() *zap.Logger {
	if d.Logger == nil {
		return zap.NewNop()
	}
	return d.Logger
}

package ble

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"tinygo.org/x/bluetooth"

	"obdagent/internal/obd"
	"obdagent/pkg/log"
)

const DefaultScanTimeout = 10 * time.Second

// Transport talks to a BLE ELM327 clone exposing the Nordic UART service.
// Notifications on the UART TX characteristic carry adapter output; commands
// are written to the UART RX characteristic.
type Transport struct {
	adapter     *bluetooth.Adapter
	namePrefix  string
	scanTimeout time.Duration
	logger      *zap.Logger

	mu      sync.Mutex
	device  *bluetooth.Device
	tx, rx  bluetooth.DeviceCharacteristic
	handler obd.Handler
}

type Option func(*Transport)

func WithScanTimeout(d time.Duration) Option {
	return func(t *Transport) {
		t.scanTimeout = d
	}
}

func WithAdapter(a *bluetooth.Adapter) Option {
	return func(t *Transport) {
		t.adapter = a
	}
}

// New returns a transport connecting to the first device whose advertised
// name starts with namePrefix (case-insensitive).
func New(namePrefix string, opts ...Option) *Transport {
	t := &Transport{
		adapter:     bluetooth.DefaultAdapter,
		namePrefix:  namePrefix,
		scanTimeout: DefaultScanTimeout,
		logger:      log.Named("ble"),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

func (t *Transport) Open(ctx context.Context, h obd.Handler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.device != nil {
		return fmt.Errorf("device %s already connected", t.namePrefix)
	}

	if err := t.adapter.Enable(); err != nil {
		return fmt.Errorf("enable bluetooth adapter: %w", err)
	}

	found, err := t.scan(ctx)
	if err != nil {
		return err
	}
	t.logger.Info("Found device", zap.String("name", found.LocalName()), zap.Int16("rssi", found.RSSI))

	device, err := t.adapter.Connect(found.Address, bluetooth.ConnectionParams{})
	if err != nil {
		return fmt.Errorf("connect to %s: %w", found.LocalName(), err)
	}

	if err := t.discover(device); err != nil {
		device.Disconnect()
		return err
	}

	t.handler = h
	err = t.rx.EnableNotifications(func(buf []byte) {
		if h.OnData != nil {
			chunk := make([]byte, len(buf))
			copy(chunk, buf)
			h.OnData(chunk)
		}
	})
	if err != nil {
		device.Disconnect()
		return fmt.Errorf("enable notifications: %w", err)
	}

	t.device = &device
	return nil
}

func (t *Transport) scan(ctx context.Context) (bluetooth.ScanResult, error) {
	ctx, cancel := context.WithTimeout(ctx, t.scanTimeout)
	defer cancel()

	prefix := strings.ToLower(t.namePrefix)
	results := make(chan bluetooth.ScanResult, 1)
	scanErr := make(chan error, 1)
	go func() {
		scanErr <- t.adapter.Scan(func(a *bluetooth.Adapter, r bluetooth.ScanResult) {
			if !strings.HasPrefix(strings.ToLower(r.LocalName()), prefix) {
				return
			}
			select {
			case results <- r:
				a.StopScan()
			default:
			}
		})
	}()

	select {
	case r := <-results:
		<-scanErr
		return r, nil
	case err := <-scanErr:
		if err == nil {
			err = errors.New("scan stopped")
		}
		return bluetooth.ScanResult{}, fmt.Errorf("scan for %q: %w", t.namePrefix, err)
	case <-ctx.Done():
		t.adapter.StopScan()
		select {
		case r := <-results:
			return r, nil
		case <-scanErr:
		case <-time.After(time.Second):
		}
		return bluetooth.ScanResult{}, fmt.Errorf("no device named %q found: %w", t.namePrefix, ctx.Err())
	}
}

func (t *Transport) discover(device bluetooth.Device) error {
	svcs, err := device.DiscoverServices([]bluetooth.UUID{bluetooth.ServiceUUIDNordicUART})
	if err != nil {
		return fmt.Errorf("discover services: %w", err)
	}
	if len(svcs) == 0 {
		return errors.New("no UART service found")
	}

	chars, err := svcs[0].DiscoverCharacteristics([]bluetooth.UUID{
		bluetooth.CharacteristicUUIDUARTTX,
		bluetooth.CharacteristicUUIDUARTRX,
	})
	if err != nil {
		return fmt.Errorf("discover characteristics: %w", err)
	}
	found := 0
	for _, c := range chars {
		switch c.String() {
		case bluetooth.CharacteristicUUIDUARTTX.String():
			t.rx = c
			found++
		case bluetooth.CharacteristicUUIDUARTRX.String():
			t.tx = c
			found++
		}
	}
	if found != 2 {
		return errors.New("failed to find tx/rx characteristics")
	}
	return nil
}

// Write sends p to the adapter. A failed write is treated as a lost link.
func (t *Transport) Write(p []byte) error {
	t.mu.Lock()
	if t.device == nil {
		t.mu.Unlock()
		return obd.ErrTransportClosed
	}
	tx := t.tx
	t.mu.Unlock()

	if _, err := tx.Write(p); err != nil {
		terr := obd.NewTransportError("ble write", err)
		t.lost(terr)
		return terr
	}
	return nil
}

func (t *Transport) lost(err error) {
	t.mu.Lock()
	device, h := t.device, t.handler
	t.device = nil
	t.mu.Unlock()
	if device == nil {
		return
	}
	t.logger.Warn("Link lost", zap.Error(err))
	device.Disconnect()
	go func() {
		if h.OnError != nil {
			h.OnError(err)
		}
		if h.OnClose != nil {
			h.OnClose()
		}
	}()
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.device == nil {
		return nil
	}
	device := t.device
	t.device = nil
	return device.Disconnect()
}

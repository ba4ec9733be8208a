package serial

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"sync"
	"time"

	"github.com/tarm/serial"
	"go.uber.org/zap"

	"obdagent/internal/obd"
	"obdagent/pkg/log"
)

const (
	DefaultBaud        = 38400
	DefaultReadTimeout = 100 * time.Millisecond
)

// openPort is swapped in tests.
var openPort = func(c *serial.Config) (io.ReadWriteCloser, error) {
	return serial.OpenPort(c)
}

// DefaultPort returns the usual device name of a USB ELM327 on this platform.
func DefaultPort() string {
	switch runtime.GOOS {
	case "windows":
		return "COM3"
	case "darwin":
		return "/dev/tty.usbserial"
	default:
		return "/dev/ttyUSB0"
	}
}

// Transport is an obd.Transport over a serial port (USB or RFCOMM).
type Transport struct {
	name        string
	baud        int
	readTimeout time.Duration
	logger      *zap.Logger

	mu     sync.Mutex
	port   io.ReadWriteCloser
	done   chan struct{}
	closed bool
}

type Option func(*Transport)

func WithReadTimeout(d time.Duration) Option {
	return func(t *Transport) {
		t.readTimeout = d
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(t *Transport) {
		t.logger = l
	}
}

func New(name string, baud int, opts ...Option) *Transport {
	if name == "" {
		name = DefaultPort()
	}
	if baud <= 0 {
		baud = DefaultBaud
	}
	t := &Transport{
		name:        name,
		baud:        baud,
		readTimeout: DefaultReadTimeout,
		logger:      log.Named("serial"),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

func (t *Transport) Name() string {
	return t.name
}

// Open opens the port and starts forwarding received bytes to h.
func (t *Transport) Open(ctx context.Context, h obd.Handler) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.port != nil {
		return fmt.Errorf("port %s already open", t.name)
	}

	cfg := &serial.Config{
		Name:        t.name,
		Baud:        t.baud,
		ReadTimeout: t.readTimeout,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
	}
	p, err := openPort(cfg)
	if err != nil {
		return fmt.Errorf("open %s: %w", t.name, err)
	}
	t.logger.Info("Port opened", zap.String("port", t.name), zap.Int("baud", t.baud))

	t.port = p
	t.closed = false
	t.done = make(chan struct{})
	go t.readLoop(p, t.done, h)
	return nil
}

func (t *Transport) readLoop(p io.ReadWriteCloser, done chan struct{}, h obd.Handler) {
	buf := make([]byte, 256)
	for {
		n, err := p.Read(buf)
		if n > 0 && h.OnData != nil {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			h.OnData(chunk)
		}

		select {
		case <-done:
			return
		default:
		}
		if err == nil || errors.Is(err, io.EOF) {
			// tarm/serial reports a read timeout as (0, EOF)
			continue
		}

		t.logger.Warn("Read failed, dropping port", zap.String("port", t.name), zap.Error(err))
		if h.OnError != nil {
			h.OnError(obd.NewTransportError("serial read", err))
		}
		t.drop(p)
		if h.OnClose != nil {
			h.OnClose()
		}
		return
	}
}

func (t *Transport) drop(p io.ReadWriteCloser) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.port == nil || t.port != p {
		return
	}
	t.port.Close()
	t.port = nil
}

func (t *Transport) Write(p []byte) error {
	t.mu.Lock()
	port := t.port
	t.mu.Unlock()
	if port == nil {
		return obd.ErrTransportClosed
	}

	n, err := port.Write(p)
	if err != nil {
		return obd.NewTransportError("serial write", err)
	}
	if n != len(p) {
		return obd.NewTransportError("serial write", fmt.Errorf("incomplete write: %d/%d bytes", n, len(p)))
	}
	t.logger.Debug("Wrote", zap.ByteString("data", p))
	return nil
}

// Close stops the reader and closes the port. It is safe to call more than once.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || t.port == nil {
		t.closed = true
		return nil
	}
	t.closed = true
	close(t.done)
	err := t.port.Close()
	t.port = nil
	return err
}

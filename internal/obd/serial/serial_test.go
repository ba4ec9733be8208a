package serial

import (
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tarm/serial"

	"obdagent/internal/obd"
)

type fakePort struct {
	reads  chan []byte
	errs   chan error
	mu     sync.Mutex
	writes [][]byte
	closed bool
}

func newFakePort() *fakePort {
	return &fakePort{reads: make(chan []byte, 8), errs: make(chan error, 1)}
}

func (f *fakePort) Read(p []byte) (int, error) {
	select {
	case b := <-f.reads:
		return copy(p, b), nil
	case err := <-f.errs:
		return 0, err
	case <-time.After(5 * time.Millisecond):
		return 0, io.EOF
	}
}

func (f *fakePort) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, errors.New("closed")
	}
	f.writes = append(f.writes, append([]byte(nil), p...))
	return len(p), nil
}

func (f *fakePort) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func withFakePort(t *testing.T) (*fakePort, *serial.Config) {
	t.Helper()
	port := newFakePort()
	var got serial.Config
	prev := openPort
	openPort = func(c *serial.Config) (io.ReadWriteCloser, error) {
		got = *c
		return port, nil
	}
	t.Cleanup(func() { openPort = prev })
	return port, &got
}

func TestOpenWriteRead(t *testing.T) {
	port, cfg := withFakePort(t)
	tr := New("/dev/ttyTEST", 115200)

	var mu sync.Mutex
	var received []byte
	err := tr.Open(t.Context(), obd.Handler{OnData: func(p []byte) {
		mu.Lock()
		received = append(received, p...)
		mu.Unlock()
	}})
	require.NoError(t, err)
	defer tr.Close()

	assert.Equal(t, "/dev/ttyTEST", cfg.Name)
	assert.Equal(t, 115200, cfg.Baud)
	assert.Equal(t, serial.ParityNone, cfg.Parity)

	require.NoError(t, tr.Write([]byte("ATZ\r")))
	port.mu.Lock()
	assert.Equal(t, [][]byte{[]byte("ATZ\r")}, port.writes)
	port.mu.Unlock()

	port.reads <- []byte("ELM327 v1.5\r\r>")
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return string(received) == "ELM327 v1.5\r\r>"
	}, time.Second, 5*time.Millisecond)

	assert.Error(t, tr.Open(t.Context(), obd.Handler{}), "already open")
}

func TestReadErrorClosesTransport(t *testing.T) {
	port, _ := withFakePort(t)
	tr := New("", 0)
	assert.Equal(t, DefaultPort(), tr.Name())

	closed := make(chan struct{})
	var gotErr error
	require.NoError(t, tr.Open(t.Context(), obd.Handler{
		OnError: func(err error) { gotErr = err },
		OnClose: func() { close(closed) },
	}))

	port.errs <- errors.New("device unplugged")
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("OnClose not called")
	}
	assert.True(t, obd.IsKind(gotErr, obd.KindTransport))
	assert.ErrorIs(t, tr.Write([]byte("03\r")), obd.ErrTransportClosed)
	assert.NoError(t, tr.Close())
}

func TestCloseIsIdempotent(t *testing.T) {
	port, _ := withFakePort(t)
	tr := New("/dev/ttyTEST", 38400)
	require.NoError(t, tr.Open(t.Context(), obd.Handler{OnClose: func() { t.Error("OnClose on explicit close") }}))

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())
	port.mu.Lock()
	assert.True(t, port.closed)
	port.mu.Unlock()
	assert.ErrorIs(t, tr.Write([]byte("x")), obd.ErrTransportClosed)
	time.Sleep(20 * time.Millisecond)
}

func TestOpenFailure(t *testing.T) {
	prev := openPort
	openPort = func(*serial.Config) (io.ReadWriteCloser, error) {
		return nil, errors.New("open /dev/ttyNONE: no such file or directory")
	}
	defer func() { openPort = prev }()

	err := New("/dev/ttyNONE", 0).Open(t.Context(), obd.Handler{})
	require.Error(t, err)
	assert.Equal(t, obd.CodeAdapterNotFound, obd.Normalize(err, nil).Code)
}

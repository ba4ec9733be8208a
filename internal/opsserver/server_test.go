package opsserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"obdagent/internal/config"
	"obdagent/internal/connection"
	"obdagent/internal/health"
	"obdagent/internal/metrics"
	"obdagent/internal/obd"
)

type snapshotFunc func() connection.Snapshot

func (f snapshotFunc) Snapshot() connection.Snapshot {
	return f()
}

func newServer(state connection.State) *Server {
	snap := connection.Snapshot{State: state, Port: "COM3", AdapterStatus: "idle"}
	source := snapshotFunc(func() connection.Snapshot { return snap })
	agg := health.NewAggregator(health.NewAdapterChecker(source))
	cfg := config.ServerConfig{Addr: "127.0.0.1:0", ReadTimeout: time.Second, WriteTimeout: time.Second}
	return New(cfg, metrics.Handler(metrics.NewRegistry()), agg, source, nil)
}

// fakeConnector records the options of every connect.
type fakeConnector struct {
	err   error
	calls []connection.ConnectOptions
}

func (f *fakeConnector) Snapshot() connection.Snapshot {
	if f.err != nil {
		return connection.Snapshot{State: connection.StateDisconnected, LastError: f.err.Error()}
	}
	return connection.Snapshot{State: connection.StateConnected, Port: "COM3"}
}

func (f *fakeConnector) Connect(_ context.Context, opts connection.ConnectOptions) (obd.Driver, error) {
	f.calls = append(f.calls, opts)
	return nil, f.err
}

func post(t *testing.T, s *Server, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, path, strings.NewReader(body)))
	return rr
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
	return rr
}

func TestRoutes(t *testing.T) {
	s := newServer(connection.StateConnected)

	rr := get(t, s, "/healthz")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok", rr.Body.String())

	rr = get(t, s, "/readyz")
	require.Equal(t, http.StatusOK, rr.Code)
	var ready struct {
		Status health.Status                 `json:"status"`
		Ready  bool                          `json:"ready"`
		Checks map[string]health.CheckResult `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &ready))
	assert.True(t, ready.Ready)
	assert.Equal(t, health.StatusHealthy, ready.Checks["adapter"].Status)

	rr = get(t, s, "/metrics")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "go_goroutines")

	rr = get(t, s, "/status")
	require.Equal(t, http.StatusOK, rr.Code)
	var snap connection.Snapshot
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &snap))
	assert.Equal(t, connection.StateConnected, snap.State)
	assert.Equal(t, "COM3", snap.Port)
}

func TestReadyzNotReady(t *testing.T) {
	s := newServer(connection.StateDisconnected)

	rr := get(t, s, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Contains(t, rr.Body.String(), `"ready":false`)
}

func TestServeStopsWithContext(t *testing.T) {
	s := newServer(connection.StateConnected)
	ctx, cancel := context.WithCancel(t.Context())

	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestConnect(t *testing.T) {
	cfg := config.ServerConfig{Addr: "127.0.0.1:0"}

	t.Run("payload becomes options", func(t *testing.T) {
		fc := &fakeConnector{}
		s := New(cfg, nil, nil, fc, nil)

		rr := post(t, s, "/connect", `{"force":"yes","transport":"serial","portPath":"COM5","timeoutMs":"2500"}`)
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		assert.Contains(t, rr.Body.String(), `"ok":true`)
		require.Len(t, fc.calls, 1)
		assert.Equal(t, connection.ConnectOptions{
			Force:     true,
			Transport: obd.TransportSerial,
			Port:      "COM5",
			TimeoutMs: 2500,
		}, fc.calls[0])
	})

	t.Run("empty body uses defaults", func(t *testing.T) {
		fc := &fakeConnector{}
		s := New(cfg, nil, nil, fc, nil)

		rr := post(t, s, "/connect", "")
		require.Equal(t, http.StatusOK, rr.Code)
		require.Len(t, fc.calls, 1)
		assert.Equal(t, connection.ConnectOptions{}, fc.calls[0])
	})

	t.Run("issues are rejected", func(t *testing.T) {
		fc := &fakeConnector{}
		s := New(cfg, nil, nil, fc, nil)

		rr := post(t, s, "/connect", `{"transport":"usb","retries":1.5}`)
		require.Equal(t, http.StatusBadRequest, rr.Code)
		var body struct {
			Error  string   `json:"error"`
			Issues []string `json:"issues"`
		}
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
		assert.Equal(t, "invalid_payload", body.Error)
		assert.Len(t, body.Issues, 2)
		assert.Empty(t, fc.calls)
	})

	t.Run("malformed json", func(t *testing.T) {
		fc := &fakeConnector{}
		s := New(cfg, nil, nil, fc, nil)

		rr := post(t, s, "/connect", `{"force":`)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Empty(t, fc.calls)
	})

	t.Run("connect failure is normalized", func(t *testing.T) {
		fc := &fakeConnector{err: errors.New("open /dev/ttyUSB0: ENOENT")}
		s := New(cfg, nil, nil, fc, nil)

		rr := post(t, s, "/connect", `{}`)
		require.Equal(t, http.StatusServiceUnavailable, rr.Code)
		var body struct {
			OK       bool                `json:"ok"`
			Error    obd.ErrorPayload    `json:"error"`
			Snapshot connection.Snapshot `json:"snapshot"`
		}
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
		assert.False(t, body.OK)
		assert.Equal(t, obd.CodeAdapterNotFound, body.Error.Code)
		assert.Equal(t, connection.StateDisconnected, body.Snapshot.State)
	})
}

func TestConnectRequiresConnector(t *testing.T) {
	s := newServer(connection.StateConnected)
	rr := post(t, s, "/connect", `{}`)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

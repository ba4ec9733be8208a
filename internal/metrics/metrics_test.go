package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"obdagent/internal/obd"
)

func TestObserveEvent(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveEvent(obd.Event{Type: obd.EventDtcRead})
	m.ObserveEvent(obd.Event{Type: obd.EventDtcCleared, Cleared: true})
	m.ObserveEvent(obd.Event{Type: obd.EventDtcCleared, Cleared: false})
	m.ObserveEvent(obd.Event{Type: obd.EventPidRead, Pid: &obd.PidValue{Pid: "0x0C"}})
	m.ObserveEvent(obd.Event{Type: obd.EventPidRead, Pid: &obd.PidValue{Pid: "0x0C"}})
	m.ObserveEvent(obd.Event{Type: obd.EventTimeout, Err: obd.NewTimeoutError("command", "03", time.Second)})
	m.ObserveEvent(obd.Event{Type: obd.EventStatusChange})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.DtcRead))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DtcCleared))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.PidRead.WithLabelValues("0x0C")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Errors.WithLabelValues("timeout")))
}

func TestObserveDriver(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.ObserveDriver(obd.Metrics{TotalCommands: 10, SuccessfulCommands: 8, FailedCommands: 2, Timeouts: 1, AverageLatencyMs: 250})

	assert.Equal(t, 10.0, testutil.ToFloat64(m.Commands.WithLabelValues("total")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Commands.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Commands.WithLabelValues("timeout")))
	assert.InDelta(t, 0.25, testutil.ToFloat64(m.AverageLatency), 1e-9)
}

func TestSetConnectionIsOneHot(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.SetConnection("connecting", 0)
	m.SetConnection("connected", 0)
	m.SetConnection("disconnected", 3)

	assert.Equal(t, 1, testutil.CollectAndCount(m.ConnectionState))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConnectionState.WithLabelValues("disconnected")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.ReconnectAttempts))
}

func TestNilIsNoop(t *testing.T) {
	var m *OBD
	assert.NotPanics(t, func() {
		m.ObserveCommand("03", time.Second, nil)
		m.ObserveEvent(obd.Event{Type: obd.EventDtcRead})
		m.ObserveDriver(obd.Metrics{})
		m.ObserveConnect(nil)
		m.SetConnection("connected", 0)
	})
}

func TestHandler(t *testing.T) {
	reg := NewRegistry()
	m := New(reg)
	m.ObserveConnect(nil)
	m.ObserveCommand("010C", 120*time.Millisecond, nil)

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `obd_connections_total{result="ok"} 1`)
	assert.Contains(t, body, `obd_command_duration_seconds_count{command="010C"} 1`)
	assert.Contains(t, body, "go_goroutines")
}

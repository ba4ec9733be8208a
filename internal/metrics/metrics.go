package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"obdagent/internal/obd"
)

// NewRegistry returns a registry with the Go and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler serves reg in the Prometheus text format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// OBD holds the adapter and connection collectors. A nil *OBD records nothing.
type OBD struct {
	Connections       *prometheus.CounterVec   // labels: result=ok|error
	DtcRead           prometheus.Counter
	DtcCleared        prometheus.Counter
	PidRead           *prometheus.CounterVec   // labels: pid
	Errors            *prometheus.CounterVec   // labels: type
	CommandDuration   *prometheus.HistogramVec // labels: command
	Commands          *prometheus.GaugeVec     // labels: outcome
	AverageLatency    prometheus.Gauge
	ConnectionState   *prometheus.GaugeVec // labels: state
	ReconnectAttempts prometheus.Gauge
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *OBD {
	m := &OBD{
		Connections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "obd_connections_total",
			Help: "Adapter connect attempts by result.",
		}, []string{"result"}),
		DtcRead: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "obd_dtc_read_total",
			Help: "Completed trouble code reads.",
		}),
		DtcCleared: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "obd_dtc_cleared_total",
			Help: "Acknowledged trouble code clears.",
		}),
		PidRead: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "obd_pid_read_total",
			Help: "Decoded PID readings by PID.",
		}, []string{"pid"}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "obd_errors_total",
			Help: "Driver errors by kind.",
		}, []string{"type"}),
		CommandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "obd_command_duration_seconds",
			Help:    "Time from dequeue to terminal outcome of an adapter command, retries included.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10},
		}, []string{"command"}),
		Commands: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "obd_commands",
			Help: "Command counters of the current driver by outcome.",
		}, []string{"outcome"}),
		AverageLatency: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "obd_command_average_latency_seconds",
			Help: "Running average command latency of the current driver.",
		}),
		ConnectionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "obd_connection_state",
			Help: "1 for the current connection state.",
		}, []string{"state"}),
		ReconnectAttempts: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "obd_reconnect_attempts",
			Help: "Reconnects scheduled since the last successful connect.",
		}),
	}
	reg.MustRegister(
		m.Connections, m.DtcRead, m.DtcCleared, m.PidRead, m.Errors,
		m.CommandDuration, m.Commands, m.AverageLatency, m.ConnectionState, m.ReconnectAttempts,
	)
	return m
}

// ObserveCommand records the latency of one terminal command outcome.
func (m *OBD) ObserveCommand(command string, d time.Duration, _ error) {
	if m == nil {
		return
	}
	m.CommandDuration.WithLabelValues(command).Observe(d.Seconds())
}

// ObserveEvent counts driver events.
func (m *OBD) ObserveEvent(e obd.Event) {
	if m == nil {
		return
	}
	switch e.Type {
	case obd.EventDtcRead:
		m.DtcRead.Inc()
	case obd.EventDtcCleared:
		if e.Cleared {
			m.DtcCleared.Inc()
		}
	case obd.EventPidRead:
		if e.Pid != nil {
			m.PidRead.WithLabelValues(e.Pid.Pid).Inc()
		}
	case obd.EventError, obd.EventTimeout:
		m.Errors.WithLabelValues(obd.KindOf(e.Err).String()).Inc()
	}
}

// ObserveDriver mirrors the driver's own counters.
func (m *OBD) ObserveDriver(s obd.Metrics) {
	if m == nil {
		return
	}
	m.Commands.WithLabelValues("total").Set(float64(s.TotalCommands))
	m.Commands.WithLabelValues("success").Set(float64(s.SuccessfulCommands))
	m.Commands.WithLabelValues("failed").Set(float64(s.FailedCommands))
	m.Commands.WithLabelValues("timeout").Set(float64(s.Timeouts))
	m.AverageLatency.Set(s.AverageLatencyMs / 1000)
}

func (m *OBD) ObserveConnect(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.Connections.WithLabelValues("error").Inc()
		return
	}
	m.Connections.WithLabelValues("ok").Inc()
}

// SetConnection publishes the manager state as a one-hot gauge.
func (m *OBD) SetConnection(state string, reconnectAttempts int) {
	if m == nil {
		return
	}
	m.ConnectionState.Reset()
	m.ConnectionState.WithLabelValues(state).Set(1)
	m.ReconnectAttempts.Set(float64(reconnectAttempts))
}

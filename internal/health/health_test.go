package health

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"obdagent/internal/cache"
	"obdagent/internal/connection"
	"obdagent/internal/obd"
)

type fakeChecker struct {
	name   string
	status Status
}

func (f *fakeChecker) Name() string {
	return f.name
}

func (f *fakeChecker) Check(ctx context.Context) CheckResult {
	return CheckResult{Status: f.status, Message: "fake", Latency: time.Millisecond}
}

func TestAggregator(t *testing.T) {
	tests := []struct {
		name     string
		statuses []Status
		want     Status
		ready    bool
	}{
		{"all healthy", []Status{StatusHealthy, StatusHealthy}, StatusHealthy, true},
		{"degraded still ready", []Status{StatusHealthy, StatusDegraded}, StatusDegraded, true},
		{"unhealthy wins", []Status{StatusDegraded, StatusUnhealthy}, StatusUnhealthy, false},
		{"no checkers", nil, StatusHealthy, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agg := NewAggregator()
			for i, s := range tt.statuses {
				agg.AddChecker(&fakeChecker{name: string(rune('a' + i)), status: s})
			}
			assert.Equal(t, tt.want, agg.OverallStatus(t.Context()))
			assert.Equal(t, tt.ready, agg.Ready(t.Context()))
			assert.True(t, agg.Alive())

			r := agg.Report(t.Context())
			assert.Equal(t, tt.want, r.Status)
			assert.Len(t, r.Checks, len(tt.statuses))
		})
	}
}

type snapshotFunc func() connection.Snapshot

func (f snapshotFunc) Snapshot() connection.Snapshot {
	return f()
}

func TestAdapterChecker(t *testing.T) {
	tests := []struct {
		name    string
		snap    connection.Snapshot
		want    Status
		message string
	}{
		{
			name:    "connected",
			snap:    connection.Snapshot{State: connection.StateConnected, AdapterStatus: obd.StatusIdle.String(), Port: "COM3"},
			want:    StatusHealthy,
			message: "ok",
		},
		{
			name:    "adapter error",
			snap:    connection.Snapshot{State: connection.StateConnected, AdapterStatus: obd.StatusError.String()},
			want:    StatusUnhealthy,
			message: "adapter in error state",
		},
		{
			name:    "connecting",
			snap:    connection.Snapshot{State: connection.StateConnecting},
			want:    StatusDegraded,
			message: "connecting",
		},
		{
			name:    "waiting to reconnect",
			snap:    connection.Snapshot{State: connection.StateDisconnected, ReconnectAttempts: 2, LastError: connection.ErrConnectionLost},
			want:    StatusDegraded,
			message: "reconnecting (attempt 2)",
		},
		{
			name:    "disconnected",
			snap:    connection.Snapshot{State: connection.StateDisconnected},
			want:    StatusUnhealthy,
			message: "adapter disconnected",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewAdapterChecker(snapshotFunc(func() connection.Snapshot { return tt.snap }))
			assert.Equal(t, "adapter", c.Name())
			r := c.Check(t.Context())
			assert.Equal(t, tt.want, r.Status)
			assert.Equal(t, tt.message, r.Message)
			assert.Equal(t, tt.snap.State, r.Details["state"])
		})
	}
}

func TestCacheChecker(t *testing.T) {
	c := cache.New[string, int](2, time.Minute)
	checker := NewCacheChecker("pid", c)
	assert.Equal(t, "cache_pid", checker.Name())

	r := checker.Check(t.Context())
	assert.Equal(t, StatusHealthy, r.Status)
	assert.Equal(t, 0, r.Details["size"])

	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("c", 3)
	c.Set("d", 4)
	r = checker.Check(t.Context())
	require.Equal(t, StatusDegraded, r.Status, r.Details)
	assert.Equal(t, "100.0%", r.Details["utilization"])

	c.Get("c")
	c.Get("d")
	c.Get("d")
	assert.Equal(t, StatusHealthy, checker.Check(t.Context()).Status)
}

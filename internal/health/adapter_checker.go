package health

import (
	"context"
	"fmt"
	"time"

	"obdagent/internal/connection"
	"obdagent/internal/obd"
)

type SnapshotSource interface {
	Snapshot() connection.Snapshot
}

// AdapterChecker reports the connection manager state: healthy with a live
// adapter, degraded while connecting or waiting to reconnect.
type AdapterChecker struct {
	source SnapshotSource
}

func NewAdapterChecker(source SnapshotSource) *AdapterChecker {
	return &AdapterChecker{source: source}
}

func (c *AdapterChecker) Name() string {
	return "adapter"
}

func (c *AdapterChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	s := c.source.Snapshot()

	details := map[string]any{
		"state":              s.State,
		"adapter_status":     s.AdapterStatus,
		"reconnect_attempts": s.ReconnectAttempts,
	}
	if s.Port != "" {
		details["port"] = s.Port
	}
	if s.Protocol != "" {
		details["protocol"] = s.Protocol
	}
	if s.LastError != "" {
		details["last_error"] = s.LastError
	}

	status, message := StatusUnhealthy, "adapter disconnected"
	switch {
	case s.State == connection.StateConnected && s.AdapterStatus == obd.StatusError.String():
		message = "adapter in error state"
	case s.State == connection.StateConnected:
		status, message = StatusHealthy, "ok"
	case s.State == connection.StateConnecting:
		status, message = StatusDegraded, "connecting"
	case s.ReconnectAttempts > 0:
		status = StatusDegraded
		message = fmt.Sprintf("reconnecting (attempt %d)", s.ReconnectAttempts)
	}

	return CheckResult{
		Status:  status,
		Message: message,
		Details: details,
		Latency: time.Since(start),
	}
}

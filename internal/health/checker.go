package health

import (
	"context"
	"time"
)

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"  // still serving, with reduced function
	StatusUnhealthy Status = "unhealthy" // cannot serve
)

type CheckResult struct {
	Status  Status         `json:"status"`
	Message string         `json:"message,omitempty"`
	Details map[string]any `json:"details,omitempty"`
	Latency time.Duration  `json:"latency"`
}

type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

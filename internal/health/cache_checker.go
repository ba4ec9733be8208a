package health

import (
	"context"
	"fmt"
	"time"

	"obdagent/internal/cache"
)

type StatsSource interface {
	Stats() cache.Stats
	Capacity() int
}

// CacheChecker flags a result cache that is full and churning: every slot
// taken and more evictions than hits.
type CacheChecker struct {
	name  string
	cache StatsSource
}

func NewCacheChecker(name string, c StatsSource) *CacheChecker {
	return &CacheChecker{name: name, cache: c}
}

func (c *CacheChecker) Name() string {
	return "cache_" + c.name
}

func (c *CacheChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	stats := c.cache.Stats()
	capacity := c.cache.Capacity()

	utilization := 0.0
	if capacity > 0 {
		utilization = float64(stats.Size) / float64(capacity)
	}
	hitRate := 0.0
	if total := stats.Hits + stats.Misses; total > 0 {
		hitRate = float64(stats.Hits) / float64(total)
	}

	status, message := StatusHealthy, "ok"
	if utilization >= 1.0 && stats.Evictions > stats.Hits {
		status, message = StatusDegraded, "cache full and thrashing"
	}

	return CheckResult{
		Status:  status,
		Message: message,
		Details: map[string]any{
			"size":        stats.Size,
			"capacity":    capacity,
			"hits":        stats.Hits,
			"misses":      stats.Misses,
			"evictions":   stats.Evictions,
			"utilization": fmt.Sprintf("%.1f%%", utilization*100),
			"hit_rate":    fmt.Sprintf("%.1f%%", hitRate*100),
		},
		Latency: time.Since(start),
	}
}

package poller

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"obdagent/internal/cache"
	"obdagent/internal/obd"
	"obdagent/pkg/log"
)

// Source hands out the live driver. connection.Manager implements it.
type Source interface {
	WithDriver(ctx context.Context, fn func(context.Context, obd.Driver) error) error
	VehicleID() string
}

// Poller reads a fixed PID set on an interval and stores the readings in
// the PID cache. Reads bypass the cache so every round is fresh.
type Poller struct {
	source   Source
	pids     []string
	interval time.Duration
	limiter  *rate.Limiter
	cache    *cache.PidCache
	onValue  func(obd.PidValue)
	logger   *zap.Logger

	mu     sync.RWMutex
	latest map[string]obd.PidValue
}

type Option func(*Poller)

func WithCache(c *cache.PidCache) Option {
	return func(p *Poller) {
		p.cache = c
	}
}

// WithRate caps reads per second; the default is unlimited.
func WithRate(perSecond float64) Option {
	return func(p *Poller) {
		if perSecond > 0 {
			p.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
		}
	}
}

// OnValue is called with every successful reading.
func OnValue(fn func(obd.PidValue)) Option {
	return func(p *Poller) {
		p.onValue = fn
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(p *Poller) {
		p.logger = l
	}
}

// New builds a poller for pids, given in any spelling obd.NormalizeHex
// accepts. Invalid entries are dropped with a warning.
func New(source Source, pids []string, interval time.Duration, opts ...Option) *Poller {
	p := &Poller{
		source:   source,
		interval: interval,
		limiter:  rate.NewLimiter(rate.Inf, 1),
		logger:   log.Named("poller"),
		latest:   map[string]obd.PidValue{},
	}
	for _, o := range opts {
		o(p)
	}
	seen := map[string]bool{}
	for _, raw := range pids {
		norm, err := obd.NormalizeHex(raw)
		if err != nil {
			p.logger.Warn("Ignoring invalid pid", zap.String("pid", raw), zap.Error(err))
			continue
		}
		if !seen[norm] {
			seen[norm] = true
			p.pids = append(p.pids, norm)
		}
	}
	return p
}

func (p *Poller) Pids() []string {
	return append([]string(nil), p.pids...)
}

// Run polls until ctx ends.
func (p *Poller) Run(ctx context.Context) error {
	if p.interval <= 0 || len(p.pids) == 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		p.Poll(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Poll runs one round and returns the readings it got. A missing driver
// ends the round early.
func (p *Poller) Poll(ctx context.Context) []obd.PidValue {
	var out []obd.PidValue
	vehicle := p.source.VehicleID()

	for _, pid := range p.pids {
		if err := p.limiter.Wait(ctx); err != nil {
			return out
		}
		var v obd.PidValue
		err := p.source.WithDriver(ctx, func(ctx context.Context, d obd.Driver) error {
			var err error
			v, err = d.ReadPid(ctx, pid)
			return err
		})
		switch {
		case errors.Is(err, obd.ErrNotConnected):
			p.logger.Debug("No adapter, skipping poll round")
			return out
		case obd.IsKind(err, obd.KindUnsupported):
			p.logger.Debug("Pid not supported", zap.String("pid", pid))
			continue
		case err != nil:
			p.logger.Warn("Failed to read pid", zap.String("pid", pid), zap.Error(err))
			continue
		}

		if p.cache != nil {
			p.cache.Set(cache.PidKey(vehicle, v.Pid), v)
		}
		p.mu.Lock()
		p.latest[v.Pid] = v
		p.mu.Unlock()
		if p.onValue != nil {
			p.onValue(v)
		}
		out = append(out, v)
	}
	return out
}

// Latest returns the last reading of every pid polled so far.
func (p *Poller) Latest() map[string]obd.PidValue {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]obd.PidValue, len(p.latest))
	for k, v := range p.latest {
		out[k] = v
	}
	return out
}

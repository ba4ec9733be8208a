package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/avast/retry-go/v4"
)

// Options parameterize exponential backoff with jitter.
type Options struct {
	MaxAttempts       int           `mapstructure:"max_attempts"`
	BaseDelay         time.Duration `mapstructure:"base_delay"`
	MaxDelay          time.Duration `mapstructure:"max_delay"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier"`
	JitterFactor      float64       `mapstructure:"jitter_factor"`
}

// DefaultConnect is the policy for opening the adapter.
func DefaultConnect() Options {
	return Options{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: 30 * time.Second, BackoffMultiplier: 2, JitterFactor: 0.3}
}

// DefaultInit is the policy for the adapter bring-up sequence.
func DefaultInit() Options {
	return Options{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 10 * time.Second, BackoffMultiplier: 2, JitterFactor: 0.2}
}

// DefaultOperation is the policy for a single adapter command.
func DefaultOperation() Options {
	return Options{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 5 * time.Second, BackoffMultiplier: 1.5, JitterFactor: 0.1}
}

func (o Options) Validate() error {
	switch {
	case o.MaxAttempts < 1:
		return fmt.Errorf("max attempts must be >= 1, got %d", o.MaxAttempts)
	case o.BaseDelay < 0:
		return fmt.Errorf("base delay must be >= 0, got %s", o.BaseDelay)
	case o.MaxDelay < o.BaseDelay:
		return fmt.Errorf("max delay %s is below base delay %s", o.MaxDelay, o.BaseDelay)
	case o.BackoffMultiplier < 1:
		return fmt.Errorf("backoff multiplier must be >= 1, got %g", o.BackoffMultiplier)
	case o.JitterFactor < 0 || o.JitterFactor > 1:
		return fmt.Errorf("jitter factor must be within [0,1], got %g", o.JitterFactor)
	}
	return nil
}

// Policy computes delays and drives retries for one set of Options.
type Policy struct {
	opts Options
	rand func() float64
}

type Option func(*Policy)

// WithRand replaces the uniform [0,1) source used for jitter.
func WithRand(fn func() float64) Option {
	return func(p *Policy) {
		p.rand = fn
	}
}

func New(opts Options, options ...Option) *Policy {
	p := &Policy{opts: opts, rand: rand.Float64}
	for _, o := range options {
		o(p)
	}
	return p
}

func (p *Policy) Options() Options {
	return p.opts
}

// Backoff is the un-jittered delay before the retry that follows attempt:
// min(base * multiplier^(attempt-1), max).
func (p *Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.opts.BaseDelay) * math.Pow(p.opts.BackoffMultiplier, float64(attempt-1))
	if limit := float64(p.opts.MaxDelay); d > limit {
		d = limit
	}
	return time.Duration(d)
}

// Delay is Backoff with uniform jitter of ±JitterFactor, never negative.
func (p *Policy) Delay(attempt int) time.Duration {
	d := float64(p.Backoff(attempt))
	d += d * p.opts.JitterFactor * (2*p.rand() - 1)
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// Hooks observe a Do run. All fields are optional.
type Hooks struct {
	// OnAttemptStart gets the 1-based attempt and the delay slept before it.
	OnAttemptStart func(attempt int, delay time.Duration)
	// OnAttemptFailed gets every failed attempt, the last one included.
	OnAttemptFailed func(attempt int, err error)
	// RetryIf stops retrying when it returns false.
	RetryIf func(err error) bool
}

// Do runs op until it succeeds, attempts run out, RetryIf refuses or ctx ends.
// The error of the last attempt is returned unchanged.
func (p *Policy) Do(ctx context.Context, op func(ctx context.Context, attempt int) error, hooks Hooks) error {
	attempts := p.opts.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var (
		attempt int
		next    time.Duration
	)
	return retry.Do(
		func() error {
			attempt++
			var slept time.Duration
			if attempt > 1 {
				slept = next
			}
			if hooks.OnAttemptStart != nil {
				hooks.OnAttemptStart(attempt, slept)
			}
			err := op(ctx, attempt)
			if err != nil {
				if hooks.OnAttemptFailed != nil {
					hooks.OnAttemptFailed(attempt, err)
				}
				next = p.Delay(attempt)
			}
			return err
		},
		retry.Context(ctx),
		retry.Attempts(uint(attempts)),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			if ctx.Err() != nil {
				return false
			}
			return hooks.RetryIf == nil || hooks.RetryIf(err)
		}),
		retry.DelayType(func(uint, error, *retry.Config) time.Duration {
			return next
		}),
	)
}

// Sleep waits for d or until ctx ends.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

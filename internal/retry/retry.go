// Package retry wraps external calls with per-attempt timeouts and bounded
// exponential backoff.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/alanyoungcy/perpbot/internal/domain"
	"github.com/alanyoungcy/perpbot/internal/metrics"
)

// Policy bounds the retries of one external call.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Timeout bounds each attempt; zero leaves the parent deadline in charge.
	Timeout time.Duration
	// Target labels the retry metric.
	Target string
	// Retryable overrides domain.IsRetryable.
	Retryable func(error) bool
}

// DefaultPolicy is three attempts starting at 500ms and capped at 5s.
func DefaultPolicy(target string) Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Timeout:     15 * time.Second,
		Target:      target,
	}
}

// RateLimitedOnly retries only throttled requests. It suits calls that are
// not idempotent, where a timeout may hide an executed request.
func RateLimitedOnly(err error) bool {
	var rl *domain.RateLimitedError
	return errors.As(err, &rl)
}

// NewBackOff returns the delay schedule of p: BaseDelay doubling up to
// MaxDelay with ±25% jitter and no elapsed-time cap.
func NewBackOff(p Policy) backoff.BackOff {
	if p.BaseDelay <= 0 {
		return &backoff.ZeroBackOff{}
	}
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = backoff.DefaultMaxInterval
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.BaseDelay,
		RandomizationFactor: 0.25,
		Multiplier:          2,
		MaxInterval:         maxDelay,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return b
}

// Do runs fn until it succeeds, returns a non-retryable error, the attempts
// are exhausted, or ctx ends. Only errors classified by domain.IsRetryable
// are retried unless the policy overrides Retryable. A RateLimitedError's
// RetryAfter is honoured when it exceeds the computed backoff.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = domain.IsRetryable
	}

	schedule := &retryAfterBackOff{BackOff: backoff.WithMaxRetries(NewBackOff(p), uint64(attempts-1))}
	var last error
	operation := func() error {
		err := once(ctx, p.Timeout, fn)
		last = err
		if err != nil && !retryable(err) {
			return backoff.Permanent(err)
		}
		var rl *domain.RateLimitedError
		if errors.As(err, &rl) {
			schedule.floor = rl.RetryAfter
		}
		return err
	}
	notify := func(error, time.Duration) {
		if p.Target != "" {
			metrics.ExternalRetries.WithLabelValues(p.Target).Inc()
		}
	}

	err := backoff.RetryNotify(operation, backoff.WithContext(schedule, ctx), notify)
	if err != nil && ctx.Err() != nil && last != nil && !errors.Is(last, ctx.Err()) {
		return errors.Join(last, ctx.Err())
	}
	return err
}

// retryAfterBackOff stretches the next delay to a server-requested floor.
type retryAfterBackOff struct {
	backoff.BackOff
	floor time.Duration
}

func (b *retryAfterBackOff) NextBackOff() time.Duration {
	d := b.BackOff.NextBackOff()
	if d != backoff.Stop && b.floor > d {
		d = b.floor
	}
	b.floor = 0
	return d
}

// Value is Do for calls that return a result.
func Value[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := Do(ctx, p, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// Jitter returns d shifted by a uniform random amount in [-spread, +spread].
func Jitter(d, spread time.Duration) time.Duration {
	if spread <= 0 {
		return d
	}
	out := d + time.Duration(rand.Int64N(int64(2*spread)+1)) - spread
	if out < 0 {
		return 0
	}
	return out
}

func once(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(ctx)
}

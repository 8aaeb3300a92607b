// Package retry runs writes under an exponential backoff policy.
//
// Only transient failures are retried. Validation and conflict failures
// stop the loop at once. When the device is known to be offline the
// current attempt fails immediately rather than waiting out its backoff.
package retry

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/corrin/jobsync/internal/transport"
)

// DefaultMaxDelay caps a single backoff wait.
const DefaultMaxDelay = 30 * time.Second

// Policy is stateless retry configuration.
type Policy struct {
	// Attempts is the total number of tries, including the first. Values
	// below 1 mean a single try.
	Attempts int
	// BaseDelay is the wait before the second try.
	BaseDelay time.Duration
	// Factor multiplies the wait after each try. Values below 1 mean 1.
	Factor float64
	// Jitter randomises each wait by ±Jitter of its length (0 disables).
	Jitter float64
	// MaxDelay caps a single wait. Zero means DefaultMaxDelay.
	MaxDelay time.Duration
}

// DefaultPolicy returns 3 attempts starting at 300ms, doubling, with 20%
// jitter.
func DefaultPolicy() Policy {
	return Policy{
		Attempts:  3,
		BaseDelay: 300 * time.Millisecond,
		Factor:    2,
		Jitter:    0.2,
	}
}

// NoRetry is a single attempt.
func NoRetry() Policy {
	return Policy{Attempts: 1}
}

func (p Policy) backOff() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.BaseDelay
	eb.Multiplier = p.Factor
	if eb.Multiplier < 1 {
		eb.Multiplier = 1
	}
	eb.RandomizationFactor = p.Jitter
	eb.MaxInterval = p.MaxDelay
	if eb.MaxInterval <= 0 {
		eb.MaxInterval = DefaultMaxDelay
	}
	eb.MaxElapsedTime = 0
	eb.Reset()

	retries := p.Attempts - 1
	if retries < 0 {
		retries = 0
	}
	return backoff.WithMaxRetries(eb, uint64(retries))
}

// OnlineFunc reports synchronously whether the device is online.
type OnlineFunc func() bool

// Do runs op until it succeeds, returns a non-transient error, or the policy
// is exhausted. The last error is returned unwrapped.
//
// online may be nil. Context cancellation ends the loop with a transient
// error wrapping ctx.Err().
func Do(ctx context.Context, p Policy, online OnlineFunc, op func(ctx context.Context) error) error {
	attempt := 0

	operation := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(transport.ContextError(err))
		}
		if online != nil && !online() {
			return backoff.Permanent(transport.ErrOffline)
		}

		attempt++
		err := op(ctx)
		if err == nil {
			return nil
		}
		if !transport.IsTransient(err) {
			return backoff.Permanent(err)
		}
		if online != nil && !online() {
			return backoff.Permanent(&transport.Error{
				Kind:    transport.KindOffline,
				Message: "device went offline while retrying",
				Err:     err,
			})
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		slog.DebugContext(ctx, "retrying write", "attempt", attempt, "wait", wait, "error", err)
	}

	err := backoff.RetryNotify(operation, backoff.WithContext(p.backOff(), ctx), notify)
	if err != nil && ctx.Err() != nil {
		return transport.ContextError(err)
	}
	return err
}

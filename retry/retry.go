// Package retry tags adapter failures as Retryable or Permanent and retries the
// retryable ones with exponential backoff. Orchestrators branch on Kind only;
// they never retry themselves.
package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"golang.org/x/time/rate"
)

// Kind is the outcome class of a failed adapter call.
type Kind int

const (
	KindPermanent Kind = iota
	KindRetryable
)

func (k Kind) String() string {
	if k == KindRetryable {
		return "retryable"
	}
	return "permanent"
}

type tagged struct {
	kind Kind
	err  error
}

func (t *tagged) Error() string { return t.err.Error() }
func (t *tagged) Unwrap() error { return t.err }

// Permanent marks err as not worth retrying (validation, not found, auth).
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &tagged{kind: KindPermanent, err: err}
}

// Retryable marks err as transient (timeout, throttling, 5xx).
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &tagged{kind: KindRetryable, err: err}
}

// KindOf reports how err should be treated. Explicit tags win; untagged
// network timeouts are retryable; everything else, including the caller's own
// context expiring, is permanent.
func KindOf(err error) Kind {
	var t *tagged
	if errors.As(err, &t) {
		return t.kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindPermanent
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindRetryable
	}
	return KindPermanent
}

// Policy configures Do.
type Policy struct {
	// MaxAttempts includes the first call. Zero means 3.
	MaxAttempts int
	// BaseDelay is the wait before the second attempt; it doubles each time.
	BaseDelay time.Duration
	// MaxDelay caps a single wait.
	MaxDelay time.Duration
	// Limiter, when set, is waited on before every attempt.
	Limiter *rate.Limiter
	// Classify overrides KindOf for untagged errors.
	Classify func(error) Kind
}

// DefaultPolicy is used by the store adapters unless configured otherwise.
var DefaultPolicy = Policy{
	MaxAttempts: 3,
	BaseDelay:   100 * time.Millisecond,
	MaxDelay:    2 * time.Second,
}

func (p Policy) attempts() int {
	if p.MaxAttempts <= 0 {
		return 3
	}
	return p.MaxAttempts
}

func (p Policy) kind(err error) Kind {
	var t *tagged
	if errors.As(err, &t) {
		return t.kind
	}
	if p.Classify != nil {
		return p.Classify(err)
	}
	return KindOf(err)
}

// Backoff returns the wait before attempt n (n >= 1 is the first retry).
func (p Policy) Backoff(n int) time.Duration {
	if n <= 0 || p.BaseDelay <= 0 {
		return 0
	}
	d := p.BaseDelay
	for i := 1; i < n; i++ {
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			break
		}
		if d > time.Duration(1<<62) {
			break
		}
		d *= 2
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Do calls fn until it succeeds, returns a permanent error, the attempts run
// out, or ctx is done. The last error is returned with its tag intact.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	var lastErr error
	max := p.attempts()

	for attempt := 0; attempt < max; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return errors.Join(lastErr, ctx.Err())
			case <-time.After(p.Backoff(attempt)):
			}
		}

		if p.Limiter != nil {
			if err := p.Limiter.Wait(ctx); err != nil {
				if lastErr != nil {
					return errors.Join(lastErr, err)
				}
				return err
			}
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if p.kind(err) != KindRetryable {
			return err
		}
	}

	if max > 1 {
		return fmt.Errorf("after %d attempts: %w", max, lastErr)
	}
	return lastErr
}

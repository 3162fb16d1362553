// Package retry provides a fixed-delay retry combinator.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Policy is a bounded retry policy: at most MaxAttempts calls, Delay between them.
// There is no backoff; attempt count × delay bounds the time spent waiting.
type Policy struct {
	MaxAttempts int           `yaml:"max_attempts" json:"max_attempts"`
	Delay       time.Duration `yaml:"delay" json:"delay"`
}

// DefaultPolicy is used when a zero Policy is supplied
var DefaultPolicy = Policy{MaxAttempts: 3, Delay: 2 * time.Second}

// permanent marks an error that must not be retried
type permanent struct{ err error }

func (p permanent) Error() string { return p.err.Error() }
func (p permanent) Unwrap() error { return p.err }

// Permanent wraps err so Do returns it immediately without further attempts
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanent{err: err}
}

// IsPermanent reports whether err was marked with Permanent
func IsPermanent(err error) bool {
	var p permanent
	return errors.As(err, &p)
}

// Budget returns the worst-case time spent sleeping between attempts
func (p Policy) Budget() time.Duration {
	p = p.normalized()
	return time.Duration(p.MaxAttempts-1) * p.Delay
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultPolicy.MaxAttempts
	}
	if p.Delay < 0 {
		p.Delay = 0
	}
	return p
}

// OnRetry is called after a failed attempt that will be retried
type OnRetry func(attempt int, err error)

// Do calls fn until it succeeds, returns a permanent error, the attempts are
// exhausted or ctx is done. The returned error wraps the last failure.
func Do[T any](ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) (T, error), onRetry OnRetry) (T, error) {
	p = p.normalized()
	var zero T
	var lastErr error

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return zero, fmt.Errorf("retry aborted after %d attempts: %w", attempt-1, errors.Join(lastErr, err))
			}
			return zero, err
		}

		v, err := fn(ctx, attempt)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if IsPermanent(err) {
			return zero, err
		}
		if attempt == p.MaxAttempts {
			break
		}
		if onRetry != nil {
			onRetry(attempt, err)
		}

		timer := time.NewTimer(p.Delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, fmt.Errorf("retry aborted after %d attempts: %w", attempt, errors.Join(lastErr, ctx.Err()))
		case <-timer.C:
		}
	}
	return zero, fmt.Errorf("failed after %d attempts: %w", p.MaxAttempts, lastErr)
}

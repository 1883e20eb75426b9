package retry

import (
	"context"
	"errors"
	"time"
)

// ═══════════════════════════════════════════════════════════════════════════════
// RETRY POLICY - Bounded retry with error classification
// ═══════════════════════════════════════════════════════════════════════════════
//
// Every external call (price read, stake, unstake) goes through one of these
// policies instead of an ad hoc retry loop. Errors fall into three classes:
//
//   Transient - network/timeout, retried with backoff
//   Permanent - bad parameters, insufficient funds; surfaced immediately
//   Ambiguous - timeout with unknown remote effect; never retried blindly,
//               the caller must reconcile venue state first
//
// ═══════════════════════════════════════════════════════════════════════════════

// Class categorizes an error for retry purposes.
type Class int

const (
	ClassTransient Class = iota
	ClassPermanent
	ClassAmbiguous
)

// Policy controls how a single external call is retried.
type Policy struct {
	MaxAttempts int           // total attempts including the first
	Backoff     time.Duration // delay before the first retry
	Multiplier  float64       // backoff growth per attempt, 2.0 when zero
	MaxBackoff  time.Duration // ceiling on the delay, 30s when zero

	// OnRetry is called before each retry, useful for logging.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultPolicy suits most gateway calls: 3 attempts, 1s/2s between them.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		Backoff:     time.Second,
		Multiplier:  2.0,
		MaxBackoff:  30 * time.Second,
	}
}

// Do runs op until it succeeds, fails permanently, reports an ambiguous
// outcome, or attempts are exhausted. The last error is returned as-is so
// the caller can inspect its class.
func (p Policy) Do(ctx context.Context, op func() error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		err := op()
		if err == nil {
			return nil
		}
		lastErr = err

		// Only transient failures are worth another attempt.
		if ClassOf(err) != ClassTransient {
			return err
		}
		if attempt == attempts-1 {
			break
		}

		delay := p.delay(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt+1, err, delay)
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return lastErr
		}
	}
	return lastErr
}

// DoVal is Do for operations that return a value.
func DoVal[T any](ctx context.Context, p Policy, op func() (T, error)) (T, error) {
	var result T
	err := p.Do(ctx, func() error {
		var opErr error
		result, opErr = op()
		return opErr
	})
	return result, err
}

func (p Policy) delay(attempt int) time.Duration {
	mult := p.Multiplier
	if mult <= 0 {
		mult = 2.0
	}
	max := p.MaxBackoff
	if max <= 0 {
		max = 30 * time.Second
	}

	delay := p.Backoff
	for i := 0; i < attempt; i++ {
		delay = time.Duration(float64(delay) * mult)
		if delay >= max {
			return max
		}
	}
	if delay > max {
		delay = max
	}
	return delay
}

// ═══════════════════════════════════════════════════════════════════════════════
// CLASSIFICATION
// ═══════════════════════════════════════════════════════════════════════════════

type classedError struct {
	err   error
	class Class
}

func (e *classedError) Error() string { return e.err.Error() }
func (e *classedError) Unwrap() error { return e.err }

// Transient marks err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &classedError{err: err, class: ClassTransient}
}

// Permanent marks err as not retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &classedError{err: err, class: ClassPermanent}
}

// Ambiguous marks err as a timeout whose remote effect is unknown.
func Ambiguous(err error) error {
	if err == nil {
		return nil
	}
	return &classedError{err: err, class: ClassAmbiguous}
}

// ClassOf reports the class of err. Unclassified errors are treated as
// transient, matching how the gateway client reports plain network failures.
func ClassOf(err error) Class {
	var ce *classedError
	if errors.As(err, &ce) {
		return ce.class
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ClassPermanent
	}
	return ClassTransient
}

// IsPermanent reports whether err should not be retried.
func IsPermanent(err error) bool { return err != nil && ClassOf(err) == ClassPermanent }

// IsAmbiguous reports whether err requires reconciliation before any retry.
func IsAmbiguous(err error) bool { return err != nil && ClassOf(err) == ClassAmbiguous }

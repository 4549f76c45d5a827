// Package retry runs an operation a bounded number of times with a delay
// between attempts. Errors wrapped with Fatal stop the loop immediately.
package retry

import (
	"context"
	"errors"
	"time"

	pkgerrors "github.com/pkg/errors"
)

// ErrExhausted is wrapped around the last error once every attempt failed.
var ErrExhausted = errors.New("retry attempts exhausted")

// Config holds retry configuration.
type Config struct {
	MaxAttempts int
	Delay       time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	// OnRetry is called after a failed attempt that will be retried.
	OnRetry func(attempt int, err error)
}

// Option is a functional option for retry configuration.
type Option func(*Config)

// WithMaxAttempts sets the total number of calls, including the first one.
func WithMaxAttempts(n int) Option {
	return func(c *Config) { c.MaxAttempts = n }
}

// WithDelay sets the (initial) pause between attempts.
func WithDelay(d time.Duration) Option {
	return func(c *Config) { c.Delay = d }
}

// WithBackoff grows the delay by multiplier after each attempt, capped at max.
func WithBackoff(multiplier float64, max time.Duration) Option {
	return func(c *Config) {
		c.Multiplier = multiplier
		c.MaxDelay = max
	}
}

// WithOnRetry registers a hook invoked before every pause.
func WithOnRetry(fn func(attempt int, err error)) Option {
	return func(c *Config) { c.OnRetry = fn }
}

// Do calls operation until it succeeds, returns a Fatal error, the context is
// done, or MaxAttempts calls have failed. The pause between attempts races the
// context, so cancellation is observed without waiting out the delay.
func Do(ctx context.Context, operation func(attempt int) error, opts ...Option) error {
	cfg := Config{
		MaxAttempts: 5,
		Delay:       time.Second,
		Multiplier:  1,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	delay := cfg.Delay
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := operation(attempt)
		if err == nil {
			return nil
		}
		if IsFatal(err) {
			return Unwrap(err)
		}
		lastErr = err
		if attempt == cfg.MaxAttempts {
			break
		}
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, err)
		}
		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
		if cfg.Multiplier > 1 {
			delay = time.Duration(float64(delay) * cfg.Multiplier)
			if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
				delay = cfg.MaxDelay
			}
		}
	}
	return pkgerrors.Wrapf(joinErr{ErrExhausted, lastErr}, "after %d attempts", cfg.MaxAttempts)
}

// FatalError wraps an error to mark it as non-retryable.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return e.Err.Error() }

func (e *FatalError) Unwrap() error { return e.Err }

// Fatal marks an error as non-retryable.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

// IsFatal reports whether err was marked with Fatal.
func IsFatal(err error) bool {
	var fatalErr *FatalError
	return errors.As(err, &fatalErr)
}

// Unwrap strips the Fatal marker, returning the original error.
func Unwrap(err error) error {
	var fatalErr *FatalError
	if errors.As(err, &fatalErr) {
		return fatalErr.Err
	}
	return err
}

// joinErr keeps both the exhaustion sentinel and the last cause reachable
// through errors.Is while printing only the cause.
type joinErr struct {
	sentinel error
	last     error
}

func (j joinErr) Error() string {
	if j.last == nil {
		return j.sentinel.Error()
	}
	return j.last.Error()
}

func (j joinErr) Unwrap() []error { return []error{j.sentinel, j.last} }

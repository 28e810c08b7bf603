// Package retry wraps outbound calls (payment gateway, CDN) with bounded
// exponential backoff. Only failures the classifier marks as transient are
// retried; everything else surfaces after the first attempt.
package retry

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

// Classifier reports whether err is worth another attempt.
type Classifier func(err error) bool

// Caller holds the retry budget for one class of outbound calls.
type Caller struct {
	attempts uint
	base     time.Duration
	maxDelay time.Duration
	jitter   float64
	classify Classifier
	logger   *zap.Logger
}

type Option func(*Caller)

func WithAttempts(n uint) Option { return func(c *Caller) { c.attempts = n } }

func WithBaseDelay(d time.Duration) Option { return func(c *Caller) { c.base = d } }

func WithMaxDelay(d time.Duration) Option { return func(c *Caller) { c.maxDelay = d } }

func WithClassifier(f Classifier) Option { return func(c *Caller) { c.classify = f } }

func WithLogger(l *zap.Logger) Option { return func(c *Caller) { c.logger = l } }

// New returns a Caller with the gateway defaults: 3 attempts, 200ms base
// delay doubling per attempt, 10% jitter.
func New(opts ...Option) *Caller {
	c := &Caller{
		attempts: 3,
		base:     200 * time.Millisecond,
		maxDelay: 5 * time.Second,
		jitter:   0.1,
		classify: IsRetryable,
		logger:   zap.NewNop(),
	}
	for _, o := range opts {
		o(c)
	}
	if c.attempts == 0 {
		c.attempts = 1
	}
	return c
}

// Do runs fn until it succeeds, fails terminally or the attempt budget is
// spent. The last error is returned unchanged.
func Do[T any](ctx context.Context, c *Caller, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.base
	b.Multiplier = 2
	b.RandomizationFactor = c.jitter
	b.MaxInterval = c.maxDelay

	attempt := 0
	return backoff.Retry(ctx, func() (T, error) {
		attempt++
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		if !c.classify(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(c.attempts),
		backoff.WithNotify(func(err error, wait time.Duration) {
			c.logger.Warn("retrying outbound call",
				zap.String("op", op),
				zap.Int("attempt", attempt),
				zap.Duration("wait", wait),
				zap.Error(err))
		}),
	)
}

// Run is Do for calls without a result.
func Run(ctx context.Context, c *Caller, op string, fn func(ctx context.Context) error) error {
	_, err := Do(ctx, c, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// StatusError carries an HTTP status from a remote call so the default
// classifier can tell 5xx/429 from 4xx.
type StatusError struct {
	StatusCode int
	Err        error
}

func (e *StatusError) Error() string {
	if e.Err != nil {
		return http.StatusText(e.StatusCode) + ": " + e.Err.Error()
	}
	return http.StatusText(e.StatusCode)
}

func (e *StatusError) Unwrap() error { return e.Err }

// RetryableStatus reports whether an HTTP status is transient.
func RetryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

// IsRetryable is the default classifier: connectivity failures, timeouts,
// 429 and 5xx are transient; caller cancellation and everything else are
// terminal.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return RetryableStatus(se.StatusCode)
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}

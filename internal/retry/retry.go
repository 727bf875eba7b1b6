// Package retry executes destination writes with bounded exponential
// backoff and records exhausted failures with the daily error tracker.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/ptarmiganlabs/butler-sos-sub004/internal/export"
)

// ErrDisabled is returned by Do when the writer's enabled predicate is
// false. WriteWithRetry maps it to nil.
var ErrDisabled = errors.New("destination disabled")

// Policy configures the retry loop.
type Policy struct {
	// MaxAttempts is the total number of attempts including the first.
	// Defaults to 3.
	MaxAttempts int `yaml:"max_attempts"`

	// BaseDelay is the delay before the first retry. Defaults to 1s.
	BaseDelay time.Duration `yaml:"base_delay"`

	// Multiplier grows the delay between consecutive retries.
	// Defaults to 2.
	Multiplier float64 `yaml:"multiplier"`

	// Jitter randomises each delay by +-Jitter of its value.
	// Defaults to 0.1.
	Jitter float64 `yaml:"jitter"`

	// MaxDelay caps a single delay. Defaults to 30s.
	MaxDelay time.Duration `yaml:"max_delay"`
}

// DefaultPolicy returns the policy used when none is configured.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		Multiplier:  2,
		Jitter:      0.1,
		MaxDelay:    30 * time.Second,
	}
}

// ApplyDefaults fills zero values with defaults.
func (p *Policy) ApplyDefaults() {
	d := DefaultPolicy()

	if p.MaxAttempts == 0 {
		p.MaxAttempts = d.MaxAttempts
	}

	if p.BaseDelay == 0 {
		p.BaseDelay = d.BaseDelay
	}

	if p.Multiplier == 0 {
		p.Multiplier = d.Multiplier
	}

	if p.MaxDelay == 0 {
		p.MaxDelay = d.MaxDelay
	}
}

// Validate checks the policy for invalid values.
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1, got %d", p.MaxAttempts)
	}

	if p.BaseDelay < 0 {
		return fmt.Errorf("base_delay must not be negative, got %s", p.BaseDelay)
	}

	if p.Multiplier < 1 {
		return fmt.Errorf("multiplier must be at least 1, got %g", p.Multiplier)
	}

	if p.Jitter < 0 || p.Jitter > 1 {
		return fmt.Errorf("jitter must be between 0 and 1, got %g", p.Jitter)
	}

	if p.MaxDelay < p.BaseDelay {
		return fmt.Errorf(
			"max_delay (%s) must not be less than base_delay (%s)",
			p.MaxDelay, p.BaseDelay,
		)
	}

	return nil
}

// newBackOff builds a fresh backoff for one WriteWithRetry call. The
// attempt cap is applied by the caller.
func (p Policy) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = p.Jitter
	b.MaxInterval = p.MaxDelay
	b.MaxElapsedTime = 0
	b.Reset()

	return b
}

// Context identifies the destination a write is aimed at. Exhausted
// failures are counted under (APIType, ServerName).
type Context struct {
	APIType    string
	ServerName string
}

// ErrorRecorder counts exhausted write failures.
type ErrorRecorder interface {
	IncrementError(apiType, serverName string)
}

// EnabledFunc reports whether writes should be attempted at all.
type EnabledFunc func() bool

// Option configures a Writer.
type Option func(*Writer)

// WithEnabled sets the predicate gating every write.
func WithEnabled(fn EnabledFunc) Option {
	return func(w *Writer) {
		w.enabled = fn
	}
}

// WithHealthMetrics records attempt outcomes on h.
func WithHealthMetrics(h *export.HealthMetrics) Option {
	return func(w *Writer) {
		w.health = h
	}
}

// Writer runs write actions under a retry policy.
type Writer struct {
	log      logrus.FieldLogger
	policy   Policy
	recorder ErrorRecorder
	enabled  EnabledFunc
	health   *export.HealthMetrics
}

// NewWriter creates a Writer. A nil recorder disables failure counting.
func NewWriter(
	log logrus.FieldLogger,
	policy Policy,
	recorder ErrorRecorder,
	opts ...Option,
) *Writer {
	w := &Writer{
		log:      log.WithField("component", "retry"),
		policy:   policy,
		recorder: recorder,
	}

	for _, opt := range opts {
		opt(w)
	}

	return w
}

// Policy returns the writer's retry policy.
func (w *Writer) Policy() Policy {
	return w.policy
}

// Enabled reports whether the writer's predicate allows writes.
func (w *Writer) Enabled() bool {
	return w.enabled == nil || w.enabled()
}

// WriteWithRetry runs action until it succeeds, returns a permanent
// error, or the attempts are used up. A disabled writer returns nil
// without calling action. A returned error has already been logged and
// counted; callers must not count it again.
func (w *Writer) WriteWithRetry(
	ctx context.Context,
	wctx Context,
	action func(ctx context.Context) error,
) error {
	_, err := Do(ctx, w, wctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, action(ctx)
	})
	if errors.Is(err, ErrDisabled) {
		return nil
	}

	return err
}

// Do is WriteWithRetry for actions that produce a value.
func Do[T any](
	ctx context.Context,
	w *Writer,
	wctx Context,
	action func(ctx context.Context) (T, error),
) (T, error) {
	var zero T

	if !w.Enabled() {
		w.log.WithField("api_type", wctx.APIType).
			Debug("Destination disabled, skipping write")

		return zero, ErrDisabled
	}

	log := w.log.WithFields(logrus.Fields{
		"api_type": wctx.APIType,
		"server":   wctx.ServerName,
	})

	attempt := 0
	start := time.Now()

	op := func() (T, error) {
		attempt++

		v, err := action(ctx)
		if err == nil {
			w.observeAttempt(wctx, "success")

			return v, nil
		}

		w.observeAttempt(wctx, "failure")

		if IsPermanent(err) {
			return zero, backoff.Permanent(err)
		}

		return zero, err
	}

	notify := func(err error, next time.Duration) {
		log.WithError(err).WithFields(logrus.Fields{
			"attempt":       attempt,
			"max_attempts":  w.policy.MaxAttempts,
			"next_delay_ms": next.Milliseconds(),
		}).Warn("Write attempt failed, retrying")
	}

	retries := uint64(0)
	if w.policy.MaxAttempts > 1 {
		retries = uint64(w.policy.MaxAttempts - 1)
	}

	bo := backoff.WithContext(
		backoff.WithMaxRetries(w.policy.newBackOff(), retries),
		ctx,
	)

	v, err := backoff.RetryNotifyWithData(op, bo, notify)

	if w.health != nil {
		w.health.WriteDuration.WithLabelValues(wctx.APIType).
			Observe(time.Since(start).Seconds())
	}

	if err != nil {
		if w.recorder != nil {
			w.recorder.IncrementError(wctx.APIType, wctx.ServerName)
		}

		if w.health != nil {
			w.health.WriteFailures.
				WithLabelValues(wctx.APIType, wctx.ServerName).Inc()
		}

		log.WithError(err).WithField("attempts", attempt).
			Error("Write failed after retries")

		return zero, fmt.Errorf("writing to %s: %w", wctx.APIType, err)
	}

	if attempt > 1 {
		log.WithField("attempts", attempt).Debug("Write succeeded after retry")
	}

	return v, nil
}

func (w *Writer) observeAttempt(wctx Context, result string) {
	if w.health == nil {
		return
	}

	w.health.WriteAttempts.WithLabelValues(wctx.APIType, result).Inc()
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() error { return e.err }

func (e *permanentError) Permanent() bool { return true }

// permanenter is implemented by errors from packages that cannot import
// retry but know their failure is deterministic.
type permanenter interface {
	Permanent() bool
}

// Permanent marks err as not worth retrying. A nil err stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}

	return &permanentError{err: err}
}

// IsPermanent reports whether err, or any error it wraps, was marked
// with Permanent or reports Permanent() true.
func IsPermanent(err error) bool {
	var p permanenter

	return errors.As(err, &p) && p.Permanent()
}

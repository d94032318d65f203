// backoff/backoff.go
package backoff

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/rs-god/go-broker/logger"
)

// -----------------------------------------------------------------------------
// Metrics
// -----------------------------------------------------------------------------

const (
	outcomeRetry   = "retry"
	outcomeSuccess = "success"
	outcomeGiveUp  = "give_up"
)

var (
	serviceLabel = "unknown"

	outcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "broker", Subsystem: "backoff", Name: "outcomes_total",
			Help: "Retried attempts, eventual successes and give-ups",
		},
		[]string{"service", "outcome"},
	)
	delays = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "broker", Subsystem: "backoff", Name: "delay_seconds",
			Help:    "Pauses taken between attempts",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"service"},
	)
)

// SetServiceLabel sets the "service" label of the back-off metrics.
// Call it once at process start.
func SetServiceLabel(name string) { serviceLabel = name }

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

// Config shapes the exponential delay sequence. Zero fields take defaults:
// 100ms initial, factor 2, jitter 0.5, a cap of 10s (or the initial interval
// if larger) and no overall limit.
type Config struct {
	InitialInterval     time.Duration `mapstructure:"initial_interval"`
	RandomizationFactor float64       `mapstructure:"randomization_factor"` // jitter, 0..1
	Multiplier          float64       `mapstructure:"multiplier"`           // >= 1
	MaxInterval         time.Duration `mapstructure:"max_interval"`

	// MaxElapsedTime bounds Execute as a whole; zero retries until ctx ends.
	MaxElapsedTime time.Duration `mapstructure:"max_elapsed_time"`
	// PerAttemptTimeout bounds one call of the retried function.
	PerAttemptTimeout time.Duration `mapstructure:"per_attempt_timeout"`
}

func (c Config) withDefaults() Config {
	if c.InitialInterval <= 0 {
		c.InitialInterval = 100 * time.Millisecond
	}
	if c.RandomizationFactor <= 0 {
		c.RandomizationFactor = 0.5
	}
	if c.Multiplier <= 0 {
		c.Multiplier = 2
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = max(10*time.Second, c.InitialInterval)
	}
	return c
}

func (c Config) check() error {
	switch {
	case c.RandomizationFactor > 1:
		return fmt.Errorf("backoff: randomization_factor %v outside [0,1]", c.RandomizationFactor)
	case c.Multiplier < 1:
		return fmt.Errorf("backoff: multiplier %v below 1", c.Multiplier)
	case c.MaxInterval < c.InitialInterval:
		return fmt.Errorf("backoff: max_interval %s below initial_interval %s", c.MaxInterval, c.InitialInterval)
	}
	return nil
}

// exponential builds the cenkalti strategy, started.
func (c Config) exponential() (*backoff.ExponentialBackOff, error) {
	c = c.withDefaults()
	if err := c.check(); err != nil {
		return nil, err
	}
	return backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(c.InitialInterval),
		backoff.WithRandomizationFactor(c.RandomizationFactor),
		backoff.WithMultiplier(c.Multiplier),
		backoff.WithMaxInterval(c.MaxInterval),
		backoff.WithMaxElapsedTime(c.MaxElapsedTime),
	), nil
}

// -----------------------------------------------------------------------------
// Execute
// -----------------------------------------------------------------------------

// RetryableFunc is re-run until it succeeds, returns a Permanent error, or the
// strategy gives up.
type RetryableFunc func(ctx context.Context) error

// ErrMaxRetries wraps the last failure once Execute stops retrying.
type ErrMaxRetries struct {
	Err      error
	Attempts int
}

func (e *ErrMaxRetries) Error() string {
	return fmt.Sprintf("backoff: gave up after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *ErrMaxRetries) Unwrap() error { return e.Err }

// Permanent stops the retry loop with err.
func Permanent(err error) error { return backoff.Permanent(err) }

// Execute runs fn under cfg's delay sequence, logging every retry on log.
func Execute(ctx context.Context, cfg Config, log *logger.Logger, fn RetryableFunc) error {
	bo, err := cfg.exponential()
	if err != nil {
		return err
	}

	var attempts int
	attempt := func() error {
		attempts++
		if cfg.PerAttemptTimeout <= 0 {
			return fn(ctx)
		}
		actx, cancel := context.WithTimeout(ctx, cfg.PerAttemptTimeout)
		defer cancel()
		return fn(actx)
	}
	onRetry := func(err error, delay time.Duration) {
		outcomes.WithLabelValues(serviceLabel, outcomeRetry).Inc()
		delays.WithLabelValues(serviceLabel).Observe(delay.Seconds())
		log.Warn("backoff: retrying",
			zap.Int("attempt", attempts),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
	}

	err = backoff.RetryNotify(attempt, backoff.WithContext(bo, ctx), onRetry)
	if err == nil {
		outcomes.WithLabelValues(serviceLabel, outcomeSuccess).Inc()
		return nil
	}
	outcomes.WithLabelValues(serviceLabel, outcomeGiveUp).Inc()
	log.Error("backoff: giving up", zap.Int("attempts", attempts), zap.Error(err))
	return &ErrMaxRetries{Err: err, Attempts: attempts}
}

// -----------------------------------------------------------------------------
// Pacer
// -----------------------------------------------------------------------------

// Pacer spaces out a loop that has no single operation to retry, e.g. a
// consumer session that keeps failing. Delays grow until Reset.
// A Pacer is not safe for concurrent use.
type Pacer struct {
	bo *backoff.ExponentialBackOff
}

// NewPacer builds a Pacer. MaxElapsedTime is ignored: a pacer never gives up.
func NewPacer(cfg Config) (*Pacer, error) {
	cfg.MaxElapsedTime = 0
	bo, err := cfg.exponential()
	if err != nil {
		return nil, err
	}
	return &Pacer{bo: bo}, nil
}

// Wait sleeps for the next delay or until ctx is done.
func (p *Pacer) Wait(ctx context.Context) error {
	delay := p.bo.NextBackOff()
	delays.WithLabelValues(serviceLabel).Observe(delay.Seconds())

	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reset restarts the delay sequence from InitialInterval.
func (p *Pacer) Reset() { p.bo.Reset() }

package kafka

import (
	"github.com/rs-god/go-broker/backoff"
	"github.com/rs-god/go-broker/logger"
)

// Option customizes a Broker.
type Option func(*options)

type options struct {
	log   *logger.Logger
	errs  chan<- error
	retry backoff.Config
}

func defaultOptions() options {
	return options{log: logger.Nop()}
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *logger.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

// WithErrors attaches the out-of-band error channel. Handler failures,
// session errors and incomplete shutdowns are sent to it without blocking;
// errors that do not fit into the buffer are dropped and logged.
func WithErrors(ch chan<- error) Option {
	return func(o *options) { o.errs = ch }
}

// WithRetryBackoff sets the back-off applied when connecting, between
// failed consumer sessions and before a failed record is redelivered.
func WithRetryBackoff(cfg backoff.Config) Option {
	return func(o *options) { o.retry = cfg }
}

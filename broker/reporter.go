package broker

import (
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/rs-god/go-broker/logger"
)

// Reporter publishes out-of-band errors (handler failures, session errors,
// incomplete shutdowns) to an optional channel supplied by the caller.
// Sends never block: when the channel is full the error is logged and
// counted as dropped.
type Reporter struct {
	ch      chan<- error
	log     *logger.Logger
	dropped atomic.Uint64
}

// NewReporter returns a Reporter writing to ch; ch may be nil.
func NewReporter(ch chan<- error, log *logger.Logger) *Reporter {
	if log == nil {
		log = logger.Nop()
	}
	return &Reporter{ch: ch, log: log}
}

// Report hands err to the channel without blocking.
func (r *Reporter) Report(err error) {
	if r == nil || err == nil || r.ch == nil {
		return
	}
	select {
	case r.ch <- err:
	default:
		r.dropped.Add(1)
		r.log.Warn("error channel full, dropping error",
			zap.Stringer("kind", KindOf(err)),
			zap.Error(err),
		)
	}
}

// Dropped returns how many errors could not be delivered.
func (r *Reporter) Dropped() uint64 {
	if r == nil {
		return 0
	}
	return r.dropped.Load()
}

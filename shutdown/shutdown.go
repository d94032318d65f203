// Package shutdown holds the signal wait and the bounded stop helpers used by
// processes embedding a broker.
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/rs-god/go-broker/logger"
)

// Func stops one component within ctx.
type Func func(ctx context.Context) error

// Step is a named Func.
type Step struct {
	Name string
	Stop Func
}

// WaitForSignals blocks until SIGINT/SIGTERM or ctx is done, then calls cancel.
func WaitForSignals(ctx context.Context, cancel context.CancelFunc, log *logger.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		log.Info("shutdown: signal received", zap.String("signal", sig.String()))
	case <-ctx.Done():
	}
	cancel()
}

// Graceful runs fn with a fresh timeout so a cancelled parent context does not
// cut the stop short.
func Graceful(name string, timeout time.Duration, fn Func, log *logger.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	log.Info("shutdown: stopping " + name)
	start := time.Now()
	if err := fn(ctx); err != nil {
		log.Error("shutdown: error in "+name, zap.Error(err))
		return err
	}
	log.Info("shutdown: "+name+" stopped cleanly", zap.Duration("took", time.Since(start)))
	return nil
}

// Sequence stops steps in order, each with its own timeout, and returns every
// error combined.
func Sequence(timeout time.Duration, log *logger.Logger, steps ...Step) error {
	var errs error
	for _, s := range steps {
		errs = multierr.Append(errs, Graceful(s.Name, timeout, s.Stop, log))
	}
	return errs
}

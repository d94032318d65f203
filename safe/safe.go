package safe

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"

	"github.com/rs-god/go-broker/logger"
)

// PanicError carries a recovered panic value and the stack it was raised on.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Call runs fn and converts a panic into *PanicError.
func Call(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return fn()
}

// Group is a set of long-lived goroutines protected from panics. Stop
// cancels the shared context. A returned error is only logged and a panic is
// also handed to the OnPanic hook; neither stops the other goroutines.
type Group struct {
	wg      sync.WaitGroup
	cancel  context.CancelFunc
	ctx     context.Context
	log     *logger.Logger
	OnPanic func(name string, err *PanicError)
}

// New creates a group bound to ctx.
func New(ctx context.Context, log *logger.Logger) *Group {
	ctx, cancel := context.WithCancel(ctx)
	return &Group{
		ctx:    ctx,
		cancel: cancel,
		log:    log.Named("safe"),
	}
}

// Go starts a protected goroutine.
func (g *Group) Go(name string, fn func(ctx context.Context) error) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		err := Call(func() error { return fn(g.ctx) })
		if err == nil {
			return
		}
		if pe, ok := err.(*PanicError); ok {
			g.log.Error("panic recovered",
				zap.String("goroutine", name),
				zap.Any("error", pe.Value),
				zap.ByteString("stack", pe.Stack),
			)
			if g.OnPanic != nil {
				g.OnPanic(name, pe)
			}
			return
		}
		g.log.Error("goroutine error", zap.String("goroutine", name), zap.Error(err))
	}()
}

// WaitContext blocks until every goroutine has returned or ctx is done.
func (g *Group) WaitContext(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop cancels the group context.
func (g *Group) Stop() { g.cancel() }

// Context returns the group context.
func (g *Group) Context() context.Context {
	return g.ctx
}

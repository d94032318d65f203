// Package brokertest is a conformance suite every broker.Broker backend runs
// from its own tests:
//
//	func TestContract(t *testing.T) {
//		brokertest.Run(t, func(t *testing.T, o brokertest.Options) brokertest.Backend {
//			return brokertest.Backend{Broker: memory.New(memory.WithMaxMessageBytes(o.MaxMessageBytes))}
//		})
//	}
package brokertest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/rs-god/go-broker/broker"
)

// Options are the settings a Factory must apply to the backend it builds.
// Zero values mean "backend default".
type Options struct {
	MaxMessageBytes int
	GracefulWait    time.Duration
	// Errors must be attached as the out-of-band error channel.
	Errors chan<- error
}

// Backend is a backend under test.
type Backend struct {
	Broker broker.Broker
	// Committed, when set, returns the next offset the group will read after
	// a restart. It lets the suite check commit behaviour.
	Committed func(topic, group string) int64
}

// Factory builds a fresh, empty backend.
type Factory func(t *testing.T, opts Options) Backend

// DeliveryTimeout bounds every wait for a delivery.
var DeliveryTimeout = 10 * time.Second

// Run executes the whole suite against backends built by factory.
func Run(t *testing.T, factory Factory) {
	t.Run("RoundTrip", func(t *testing.T) { testRoundTrip(t, factory) })
	t.Run("Oversize", func(t *testing.T) { testOversize(t, factory) })
	t.Run("RetryOnFailure", func(t *testing.T) { testRetryOnFailure(t, factory) })
	t.Run("PartitionOrder", func(t *testing.T) { testOrder(t, factory) })
	t.Run("ConcurrentPublish", func(t *testing.T) { testConcurrentPublish(t, factory) })
	t.Run("GracefulShutdown", func(t *testing.T) { testGracefulShutdown(t, factory) })
	t.Run("ShutdownIdempotent", func(t *testing.T) { testShutdownIdempotent(t, factory) })
	t.Run("DuplicateSubscription", func(t *testing.T) { testDuplicate(t, factory) })
	t.Run("MessageInContext", func(t *testing.T) { testMessageInContext(t, factory) })
}

// Name returns a unique topic or group name with the given prefix.
func Name(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

func start(t *testing.T, factory Factory, o Options) Backend {
	t.Helper()
	be := factory(t, o)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), DeliveryTimeout)
		defer cancel()
		if err := be.Broker.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
	})
	return be
}

func subscribe(t *testing.T, b broker.Broker, topic, group string, h broker.Handler) {
	t.Helper()
	if err := b.Subscribe(context.Background(), topic, group, h); err != nil {
		t.Fatalf("Subscribe(%s, %s): %v", topic, group, err)
	}
}

func publish(t *testing.T, b broker.Broker, topic string, payload []byte) {
	t.Helper()
	if err := b.Publish(context.Background(), topic, payload); err != nil {
		t.Fatalf("Publish(%s): %v", topic, err)
	}
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(DeliveryTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func acceptAll(context.Context, []byte) error { return nil }

// collector records payloads in delivery order.
type collector struct {
	mu   sync.Mutex
	seen []string
}

func (c *collector) handle(_ context.Context, p []byte) error {
	c.mu.Lock()
	c.seen = append(c.seen, string(p))
	c.mu.Unlock()
	return nil
}

func (c *collector) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.seen...)
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

// -----------------------------------------------------------------------------
// Cases
// -----------------------------------------------------------------------------

func testRoundTrip(t *testing.T, factory Factory) {
	be := start(t, factory, Options{})
	topic := Name("t")

	var c collector
	subscribe(t, be.Broker, topic, Name("g1"), c.handle)
	publish(t, be.Broker, topic, []byte("hello"))

	waitFor(t, func() bool { return c.len() >= 1 }, "delivery")
	time.Sleep(50 * time.Millisecond)
	if got := c.snapshot(); len(got) != 1 || got[0] != "hello" {
		t.Fatalf("delivered %q; want exactly [hello]", got)
	}
}

func testOversize(t *testing.T, factory Factory) {
	be := start(t, factory, Options{MaxMessageBytes: 8})
	topic := Name("t")

	var c collector
	subscribe(t, be.Broker, topic, Name("g"), c.handle)

	err := be.Broker.Publish(context.Background(), topic, []byte("123456789"))
	if !errors.Is(err, broker.ErrTooLarge) {
		t.Fatalf("Publish(9 bytes) = %v; want TooLarge", err)
	}
	publish(t, be.Broker, topic, []byte("12345678"))

	waitFor(t, func() bool { return c.len() >= 1 }, "delivery of the accepted record")
	if got := c.snapshot(); got[0] != "12345678" {
		t.Fatalf("first delivery %q; the oversize record must never be delivered", got[0])
	}
}

func testRetryOnFailure(t *testing.T, factory Factory) {
	errs := make(chan error, 64)
	be := start(t, factory, Options{Errors: errs})
	topic, group := Name("t"), Name("g")

	var attempts, successes atomic.Int32
	subscribe(t, be.Broker, topic, group, func(context.Context, []byte) error {
		if attempts.Add(1) == 1 {
			return errors.New("first delivery fails")
		}
		successes.Add(1)
		return nil
	})
	publish(t, be.Broker, topic, []byte("retry-me"))

	waitFor(t, func() bool { return successes.Load() == 1 }, "successful redelivery")
	time.Sleep(50 * time.Millisecond)
	if successes.Load() != 1 {
		t.Errorf("successful deliveries = %d; want exactly 1", successes.Load())
	}

	var sawFailure bool
	for len(errs) > 0 {
		if errors.Is(<-errs, broker.ErrHandlerFailed) {
			sawFailure = true
		}
	}
	if !sawFailure {
		t.Error("handler failure not reported on the error channel")
	}

	if be.Committed != nil {
		waitFor(t, func() bool { return be.Committed(topic, group) >= 1 }, "commit past the record")
	}
}

func testOrder(t *testing.T, factory Factory) {
	be := start(t, factory, Options{})
	topic := Name("t")

	var c collector
	subscribe(t, be.Broker, topic, Name("g"), c.handle)

	want := make([]string, 50)
	for i := range want {
		want[i] = fmt.Sprintf("m-%03d", i)
		publish(t, be.Broker, topic, []byte(want[i]))
	}
	waitFor(t, func() bool { return c.len() >= len(want) }, "all deliveries")
	got := c.snapshot()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("position %d = %q; want %q", i, got[i], want[i])
		}
	}
}

func testConcurrentPublish(t *testing.T, factory Factory) {
	be := start(t, factory, Options{})
	topic := Name("t")

	var c collector
	subscribe(t, be.Broker, topic, Name("g"), c.handle)

	const n = 64
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- be.Broker.Publish(context.Background(), topic, []byte(fmt.Sprintf("c-%d", i)))
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("Publish: %v", err)
		}
	}

	waitFor(t, func() bool { return c.len() >= n }, "all concurrent records")
	seen := make(map[string]bool, n)
	for _, p := range c.snapshot() {
		seen[p] = true
	}
	for i := 0; i < n; i++ {
		if !seen[fmt.Sprintf("c-%d", i)] {
			t.Errorf("record c-%d lost", i)
		}
	}
}

func testGracefulShutdown(t *testing.T, factory Factory) {
	const graceful = 2 * time.Second
	be := factory(t, Options{GracefulWait: graceful})
	topic, group := Name("t"), Name("g")

	var c collector
	subscribe(t, be.Broker, topic, group, c.handle)

	want := make([]string, 100)
	for i := range want {
		want[i] = fmt.Sprintf("r-%03d", i)
		publish(t, be.Broker, topic, []byte(want[i]))
	}
	waitFor(t, func() bool { return c.len() >= 1 }, "first delivery")

	begin := time.Now()
	if err := be.Broker.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if took := time.Since(begin); took > graceful+time.Second {
		t.Errorf("Shutdown took %s; graceful wait is %s", took, graceful)
	}

	// Whatever the handler saw is an in-order prefix: nothing skipped.
	got := c.snapshot()
	for i := range got {
		if got[i] != want[i] {
			t.Fatalf("position %d = %q; want %q", i, got[i], want[i])
		}
	}
	// Everything not handled stays uncommitted for the next consumer.
	if be.Committed != nil {
		if off := be.Committed(topic, group); off != int64(len(got)) {
			t.Errorf("committed offset %d; handler acknowledged %d records", off, len(got))
		}
	}
}

func testShutdownIdempotent(t *testing.T, factory Factory) {
	be := factory(t, Options{})
	ctx := context.Background()
	if err := be.Broker.Shutdown(ctx); err != nil {
		t.Fatalf("first Shutdown: %v", err)
	}
	if err := be.Broker.Shutdown(ctx); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
	if err := be.Broker.Publish(ctx, Name("t"), []byte("x")); !errors.Is(err, broker.ErrClosed) {
		t.Errorf("Publish after Shutdown = %v; want Closed", err)
	}
	if err := be.Broker.Subscribe(ctx, Name("t"), Name("g"), acceptAll); !errors.Is(err, broker.ErrClosed) {
		t.Errorf("Subscribe after Shutdown = %v; want Closed", err)
	}
}

func testDuplicate(t *testing.T, factory Factory) {
	be := start(t, factory, Options{})
	topic, group := Name("t"), Name("g")

	subscribe(t, be.Broker, topic, group, acceptAll)
	err := be.Broker.Subscribe(context.Background(), topic, group, acceptAll)
	if !errors.Is(err, broker.ErrAlreadySubscribed) {
		t.Fatalf("duplicate Subscribe = %v; want AlreadySubscribed", err)
	}
}

func testMessageInContext(t *testing.T, factory Factory) {
	be := start(t, factory, Options{})
	topic := Name("t")

	got := make(chan broker.Message, 1)
	subscribe(t, be.Broker, topic, Name("g"), func(ctx context.Context, _ []byte) error {
		if m, ok := broker.MessageFromContext(ctx); ok {
			select {
			case got <- m:
			default:
			}
		}
		return nil
	})
	publish(t, be.Broker, topic, []byte("meta"))

	select {
	case m := <-got:
		if m.Topic != topic || string(m.Payload) != "meta" {
			t.Errorf("unexpected message %+v", m)
		}
	case <-time.After(DeliveryTimeout):
		t.Fatal("no delivery")
	}
}

package kafka

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"

	"github.com/rs-god/go-broker/backoff"
	"github.com/rs-god/go-broker/broker"
)

func acceptAll(context.Context, []byte) error { return nil }

// -----------------------------------------------------------------------------
// New
// -----------------------------------------------------------------------------

func TestNew_MissingCABundleIsInvalidConfig(t *testing.T) {
	cfg, err := NewBuilder("127.0.0.1:1").
		SecurityProtocol("SASL_SSL").
		Username("svc").Password("secret").
		CACertPath(filepath.Join(t.TempDir(), "does-not-exist.pem")).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	b, err := New(cfg)
	if !errors.Is(err, broker.ErrInvalidConfig) {
		t.Fatalf("New error = %v; want InvalidConfig", err)
	}
	if b != nil {
		t.Error("no backend may be returned on failure")
	}
}

func TestNew_RevalidatesConfig(t *testing.T) {
	if _, err := New(Config{}); !errors.Is(err, broker.ErrInvalidConfig) {
		t.Fatalf("New(Config{}) = %v; want InvalidConfig", err)
	}
	cfg := testConfig(t, nil)
	if _, err := New(cfg, WithRetryBackoff(backoff.Config{Multiplier: 0.5})); !errors.Is(err, broker.ErrInvalidConfig) {
		t.Fatalf("bad retry back-off = %v; want InvalidConfig", err)
	}
}

func TestNew_UnreachableClusterIsTransport(t *testing.T) {
	cfg := testConfig(t, func(b *Builder) { b.JoinTimeout(50 * time.Millisecond) })
	cfg.Brokers = []string{"127.0.0.1:1"}
	_, err := New(cfg, WithRetryBackoff(fastRetry))
	if !errors.Is(err, broker.ErrTransport) {
		t.Fatalf("New error = %v; want Transport", err)
	}
}

// -----------------------------------------------------------------------------
// Publish
// -----------------------------------------------------------------------------

func TestPublish_Acknowledged(t *testing.T) {
	prod := mocks.NewSyncProducer(t, nil)
	prod.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		if string(val) != "hello" {
			return fmt.Errorf("payload %q", val)
		}
		return nil
	})
	b := newTestBroker(testConfig(t, nil), prod, nil, nil, nil)

	if err := b.Publish(context.Background(), "t", []byte("hello")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := b.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestPublish_SizeGate(t *testing.T) {
	prod := mocks.NewSyncProducer(t, nil)
	prod.ExpectSendMessageAndSucceed() // only the 8-byte payload reaches the client
	b := newTestBroker(testConfig(t, func(b *Builder) { b.MessageMaxBytes(8) }), prod, nil, nil, nil)
	defer b.Shutdown(context.Background())

	for _, n := range []int{9, 10, 1 << 20} {
		err := b.Publish(context.Background(), "t", make([]byte, n))
		if !errors.Is(err, broker.ErrTooLarge) {
			t.Errorf("len %d: err = %v; want TooLarge", n, err)
		}
	}
	if err := b.Publish(context.Background(), "t", []byte("12345678")); err != nil {
		t.Errorf("payload at the limit: %v", err)
	}
}

func TestPublish_ClassifiesClientErrors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want error
	}{
		{"broker rejects size", sarama.ErrMessageSizeTooLarge, broker.ErrTooLarge},
		{"local size check", sarama.ConfigurationError("Attempt to produce message larger than configured Producer.MaxMessageBytes"), broker.ErrTooLarge},
		{"request timed out", sarama.ErrRequestTimedOut, broker.ErrTimeout},
		{"closed client", sarama.ErrClosedClient, broker.ErrClosed},
		{"producer shutting down", sarama.ErrShuttingDown, broker.ErrClosed},
		{"out of brokers", sarama.ErrOutOfBrokers, broker.ErrTransport},
		{"auth", sarama.ErrSASLAuthenticationFailed, broker.ErrTransport},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			prod := mocks.NewSyncProducer(t, nil)
			prod.ExpectSendMessageAndFail(c.err)
			b := newTestBroker(testConfig(t, nil), prod, nil, nil, nil)
			defer b.Shutdown(context.Background())

			err := b.Publish(context.Background(), "t", []byte("x"))
			if !errors.Is(err, c.want) {
				t.Fatalf("err = %v; want %v", err, c.want)
			}
			if !errors.Is(err, c.err) {
				t.Errorf("client error must stay in the chain: %v", err)
			}
		})
	}
}

func TestPublish_TimeoutAndCancellation(t *testing.T) {
	prod := newBlockingProducer()
	b := newTestBroker(testConfig(t, func(b *Builder) { b.PublishTimeout(30 * time.Millisecond) }), prod, nil, nil, nil)

	start := time.Now()
	err := b.Publish(context.Background(), "t", []byte("x"))
	if !errors.Is(err, broker.ErrTimeout) {
		t.Fatalf("err = %v; want Timeout", err)
	}
	if time.Since(start) > time.Second {
		t.Errorf("publish waited %s", time.Since(start))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = b.Publish(ctx, "t", []byte("x"))
	if !errors.Is(err, broker.ErrTimeout) || !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled publish err = %v", err)
	}

	close(prod.release)
	_ = b.Shutdown(context.Background())
	if prod.sent.Load() != 2 {
		t.Errorf("abandoned sends must still complete, sent=%d", prod.sent.Load())
	}
}

func TestPublish_ConcurrentCallsAllComplete(t *testing.T) {
	const n = 64
	prod := mocks.NewSyncProducer(t, nil)
	for i := 0; i < n; i++ {
		prod.ExpectSendMessageAndSucceed()
	}
	b := newTestBroker(testConfig(t, nil), prod, nil, nil, nil)

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- b.Publish(context.Background(), "t", []byte(fmt.Sprintf("m-%d", i)))
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("Publish: %v", err)
		}
	}
	if err := b.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestPublish_EmptyTopic(t *testing.T) {
	b := newTestBroker(testConfig(t, nil), mocks.NewSyncProducer(t, nil), nil, nil, nil)
	defer b.Shutdown(context.Background())
	if err := b.Publish(context.Background(), "", []byte("x")); !errors.Is(err, broker.ErrInvalidConfig) {
		t.Fatalf("err = %v; want InvalidConfig", err)
	}
}

// -----------------------------------------------------------------------------
// Subscribe
// -----------------------------------------------------------------------------

func TestSubscribe_InputValidation(t *testing.T) {
	b := newTestBroker(testConfig(t, nil), mocks.NewSyncProducer(t, nil), nil, groupsFactory(nil), nil)
	defer b.Shutdown(context.Background())

	cases := []struct {
		name         string
		topic, group string
		h            broker.Handler
	}{
		{"empty topic", "", "g", acceptAll},
		{"empty group", "t", "", acceptAll},
		{"nil handler", "t", "g", nil},
	}
	for _, c := range cases {
		if err := b.Subscribe(context.Background(), c.topic, c.group, c.h); !errors.Is(err, broker.ErrInvalidConfig) {
			t.Errorf("%s: err = %v; want InvalidConfig", c.name, err)
		}
	}
}

func TestSubscribe_RejectsDuplicate(t *testing.T) {
	groups := map[string]*fakeGroup{"g1": newFakeGroup("t"), "g2": newFakeGroup("t")}
	b := newTestBroker(testConfig(t, nil), mocks.NewSyncProducer(t, nil), nil, groupsFactory(groups), nil)
	defer b.Shutdown(context.Background())

	if err := b.Subscribe(context.Background(), "t", "g1", acceptAll); err != nil {
		t.Fatalf("first Subscribe: %v", err)
	}
	if err := b.Subscribe(context.Background(), "t", "g1", acceptAll); !errors.Is(err, broker.ErrAlreadySubscribed) {
		t.Fatalf("duplicate Subscribe = %v; want AlreadySubscribed", err)
	}
	if err := b.Subscribe(context.Background(), "t", "g2", acceptAll); err != nil {
		t.Fatalf("other group: %v", err)
	}
	if got := len(b.Pumps()); got != 2 {
		t.Errorf("Pumps = %d; want 2", got)
	}
}

func TestSubscribe_GroupCreationFailureFreesSlot(t *testing.T) {
	groups := map[string]*fakeGroup{}
	b := newTestBroker(testConfig(t, nil), mocks.NewSyncProducer(t, nil), nil, groupsFactory(groups), nil)
	defer b.Shutdown(context.Background())

	if err := b.Subscribe(context.Background(), "t", "g", acceptAll); !errors.Is(err, broker.ErrTransport) {
		t.Fatalf("err = %v; want Transport", err)
	}
	groups["g"] = newFakeGroup("t")
	if err := b.Subscribe(context.Background(), "t", "g", acceptAll); err != nil {
		t.Fatalf("retry after failure: %v", err)
	}
}

func TestSubscribe_JoinTimeout(t *testing.T) {
	g := newFakeGroup("t")
	g.noJoin = true
	cfg := testConfig(t, func(b *Builder) { b.JoinTimeout(30 * time.Millisecond) })
	b := newTestBroker(cfg, mocks.NewSyncProducer(t, nil), nil, groupsFactory(map[string]*fakeGroup{"g": g}), nil)
	defer b.Shutdown(context.Background())

	err := b.Subscribe(context.Background(), "t", "g", acceptAll)
	if !errors.Is(err, broker.ErrTimeout) {
		t.Fatalf("err = %v; want Timeout", err)
	}
	eventually(t, time.Second, g.isClosed, "consumer group close")
	if len(b.Pumps()) != 0 {
		t.Error("failed subscription must not stay registered")
	}
}

func TestSubscribe_SessionErrorBeforeJoin(t *testing.T) {
	g := newFakeGroup("t")
	g.failFirst = 1 << 30
	errs := make(chan error, 16)
	b := newTestBroker(testConfig(t, nil), mocks.NewSyncProducer(t, nil), nil, groupsFactory(map[string]*fakeGroup{"g": g}), errs)
	defer b.Shutdown(context.Background())

	err := b.Subscribe(context.Background(), "t", "g", acceptAll)
	if !errors.Is(err, broker.ErrTransport) || !errors.Is(err, errSession) {
		t.Fatalf("err = %v; want Transport wrapping the session error", err)
	}
	eventually(t, time.Second, g.isClosed, "consumer group close")
}

func TestSubscribe_CancelledContext(t *testing.T) {
	g := newFakeGroup("t")
	g.noJoin = true
	b := newTestBroker(testConfig(t, nil), mocks.NewSyncProducer(t, nil), nil, groupsFactory(map[string]*fakeGroup{"g": g}), nil)
	defer b.Shutdown(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := b.Subscribe(ctx, "t", "g", acceptAll); !errors.Is(err, broker.ErrTimeout) {
		t.Fatalf("err = %v; want Timeout", err)
	}
}

// -----------------------------------------------------------------------------
// Ping
// -----------------------------------------------------------------------------

func TestPing(t *testing.T) {
	client := &fakeClient{}
	b := newTestBroker(testConfig(t, nil), mocks.NewSyncProducer(t, nil), client, nil, nil)

	if err := b.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	client.refreshErr = sarama.ErrOutOfBrokers
	if err := b.Ping(context.Background()); !errors.Is(err, broker.ErrTransport) {
		t.Fatalf("Ping = %v; want Transport", err)
	}
	_ = b.Shutdown(context.Background())
	if err := b.Ping(context.Background()); !errors.Is(err, broker.ErrClosed) {
		t.Fatalf("Ping after shutdown = %v; want Closed", err)
	}
	if client.refreshes.Load() != 2 {
		t.Errorf("refreshes = %d; want 2", client.refreshes.Load())
	}
}

// -----------------------------------------------------------------------------
// Shutdown
// -----------------------------------------------------------------------------

func TestShutdown_IdempotentAndClosesOperations(t *testing.T) {
	client := &fakeClient{}
	b := newTestBroker(testConfig(t, nil), mocks.NewSyncProducer(t, nil), client, groupsFactory(nil), nil)

	if err := b.Shutdown(context.Background()); err != nil {
		t.Fatalf("first Shutdown: %v", err)
	}
	if err := b.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
	if !client.closed.Load() {
		t.Error("client not closed")
	}
	if err := b.Publish(context.Background(), "t", []byte("x")); !errors.Is(err, broker.ErrClosed) {
		t.Errorf("Publish after shutdown = %v; want Closed", err)
	}
	if err := b.Subscribe(context.Background(), "t", "g", acceptAll); !errors.Is(err, broker.ErrClosed) {
		t.Errorf("Subscribe after shutdown = %v; want Closed", err)
	}
}

func TestShutdown_ConcurrentCallers(t *testing.T) {
	b := newTestBroker(testConfig(t, nil), mocks.NewSyncProducer(t, nil), nil, nil, nil)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := b.Shutdown(context.Background()); err != nil {
				t.Errorf("Shutdown: %v", err)
			}
		}()
	}
	wg.Wait()
}

func TestShutdown_WaitsForInflightPublish(t *testing.T) {
	prod := newBlockingProducer()
	b := newTestBroker(testConfig(t, nil), prod, nil, nil, nil)

	published := make(chan error, 1)
	go func() { published <- b.Publish(context.Background(), "t", []byte("x")) }()
	eventually(t, time.Second, func() bool { return prod.inFlight.Load() == 1 }, "send in flight")

	shut := make(chan struct{})
	go func() {
		_ = b.Shutdown(context.Background())
		close(shut)
	}()

	select {
	case <-shut:
		t.Fatal("Shutdown returned while a publish was in flight")
	case <-time.After(30 * time.Millisecond):
	}
	close(prod.release)

	if err := <-published; err != nil {
		t.Fatalf("Publish: %v", err)
	}
	<-shut
	if prod.closedEarly.Load() {
		t.Error("producer closed before the in-flight send finished")
	}
}

func TestShutdown_PublishFlushDeadline(t *testing.T) {
	prod := newBlockingProducer()
	defer close(prod.release)
	errs := make(chan error, 4)
	cfg := testConfig(t, func(b *Builder) {
		b.GracefulWaitTimeout(40 * time.Millisecond).PublishTimeout(5 * time.Second)
	})
	b := newTestBroker(cfg, prod, nil, nil, errs)

	go func() { _ = b.Publish(context.Background(), "t", []byte("x")) }()
	eventually(t, time.Second, func() bool { return prod.inFlight.Load() == 1 }, "send in flight")

	start := time.Now()
	if err := b.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if took := time.Since(start); took > time.Second {
		t.Errorf("Shutdown took %s", took)
	}
	waitForKind(t, errs, broker.KindShutdownIncomplete, time.Second)
}

func TestShutdown_ProducerCloseIsBounded(t *testing.T) {
	prod := newBlockingProducer()
	prod.holdClose = make(chan struct{})
	defer close(prod.holdClose)
	errs := make(chan error, 4)
	cfg := testConfig(t, func(b *Builder) { b.GracefulWaitTimeout(50 * time.Millisecond) })
	b := newTestBroker(cfg, prod, nil, nil, errs)

	start := time.Now()
	if err := b.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if took := time.Since(start); took > time.Second {
		t.Errorf("Shutdown took %s with a stuck producer close", took)
	}
	err := waitForKind(t, errs, broker.KindShutdownIncomplete, time.Second)
	if !strings.Contains(err.Error(), "producer closed=false") {
		t.Errorf("report does not name the producer: %v", err)
	}
}

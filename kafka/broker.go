// kafka/broker.go
//
// Package kafka realizes broker.Broker over a Kafka cluster using sarama: a
// shared SyncProducer for Publish and one consumer group per subscription.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/dnwe/otelsarama"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/rs-god/go-broker/backoff"
	"github.com/rs-god/go-broker/broker"
	"github.com/rs-god/go-broker/logger"
	"github.com/rs-god/go-broker/safe"
)

var (
	_ broker.Broker = (*Broker)(nil)
	_ broker.Pinger = (*Broker)(nil)
)

// -----------------------------------------------------------------------------
// Client seams
// -----------------------------------------------------------------------------

// syncProducer is the part of sarama.SyncProducer the backend uses.
type syncProducer interface {
	SendMessage(msg *sarama.ProducerMessage) (partition int32, offset int64, err error)
	Close() error
}

// metadataClient is the part of sarama.Client the backend uses.
type metadataClient interface {
	RefreshMetadata(topics ...string) error
	Close() error
}

// consumerGroup is the part of sarama.ConsumerGroup a pump uses.
type consumerGroup interface {
	Consume(ctx context.Context, topics []string, handler sarama.ConsumerGroupHandler) error
	Errors() <-chan error
	Close() error
}

type groupFactory func(topic, group string) (consumerGroup, error)

// -----------------------------------------------------------------------------
// Broker
// -----------------------------------------------------------------------------

const (
	stateOpen int32 = iota
	stateClosing
	stateClosed
)

type subscription struct{ topic, group string }

// Broker is the Kafka backend. It is safe for concurrent use.
type Broker struct {
	cfg      Config
	log      *logger.Logger
	reporter *broker.Reporter
	retry    backoff.Config

	producer syncProducer
	client   metadataClient
	newGroup groupFactory

	// gate orders Publish's in-flight registration against the Closing
	// transition so inflight.Wait never races with inflight.Add.
	gate     sync.RWMutex
	state    atomic.Int32
	inflight sync.WaitGroup
	closed   chan struct{}

	mu    sync.Mutex
	pumps map[subscription]*pump

	// runner hosts the pumps; stopping it is the shutdown broadcast.
	runner *safe.Group
}

// New validates cfg, connects to the cluster and returns a ready backend.
// Validation and TLS material errors match broker.ErrInvalidConfig;
// connection failures match broker.ErrTransport.
func New(cfg Config, opts ...Option) (*Broker, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if _, err := backoff.NewPacer(o.retry); err != nil {
		return nil, broker.NewError(broker.KindInvalidConfig, "new", err)
	}
	log := o.log.Named("kafka-broker")

	factory, err := newClientFactory(cfg)
	if err != nil {
		return nil, err
	}
	pc, err := factory.producerConfig()
	if err != nil {
		return nil, err
	}

	log.Info("connecting to kafka", propertiesField("producer", cfg.ProducerProperties()))

	var client sarama.Client
	connect := func(ctx context.Context) error {
		metrics.ConnectAttempts.WithLabelValues(serviceLabel).Inc()
		c, err := sarama.NewClient(cfg.Brokers, pc)
		if err != nil {
			metrics.ConnectErrors.WithLabelValues(serviceLabel).Inc()
			return err
		}
		client = c
		return nil
	}
	retry := o.retry
	if retry.MaxElapsedTime <= 0 {
		retry.MaxElapsedTime = cfg.JoinTimeout
	}
	ctx, span := tracer.Start(context.Background(), "Connect",
		trace.WithAttributes(attribute.StringSlice("brokers", cfg.Brokers)))
	err = backoff.Execute(ctx, retry, log, connect)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "connect failed")
		span.End()
		return nil, broker.NewError(broker.KindTransport, "new", err)
	}
	span.End()

	prod, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, broker.NewError(broker.KindTransport, "new", fmt.Errorf("sync producer: %w", err))
	}

	newGroup := func(_, group string) (consumerGroup, error) {
		sc, err := factory.consumerConfig(group)
		if err != nil {
			return nil, err
		}
		log.Debug("creating consumer group", propertiesField("consumer", cfg.ConsumerProperties(group)))
		return sarama.NewConsumerGroup(cfg.Brokers, group, sc)
	}

	b := newBroker(cfg, o, otelsarama.WrapSyncProducer(pc, prod), client, newGroup)
	b.log.Info("kafka broker ready", zap.Strings("brokers", cfg.Brokers))
	return b, nil
}

func newBroker(cfg Config, o options, prod syncProducer, client metadataClient, newGroup groupFactory) *Broker {
	log := o.log.Named("kafka-broker")
	b := &Broker{
		cfg:      cfg,
		log:      log,
		reporter: broker.NewReporter(o.errs, log),
		retry:    o.retry,
		producer: prod,
		client:   client,
		newGroup: newGroup,
		closed:   make(chan struct{}),
		pumps:    make(map[subscription]*pump),
		runner:   safe.New(context.Background(), log),
	}
	b.runner.OnPanic = func(name string, pe *safe.PanicError) {
		b.reporter.Report(broker.NewError(broker.KindTransport, "consume", fmt.Errorf("%s: %w", name, pe)))
	}
	return b
}

// -----------------------------------------------------------------------------
// Publish
// -----------------------------------------------------------------------------

// Publish sends payload to topic and waits for the acknowledgement.
// Payloads above MessageMaxBytes fail with broker.ErrTooLarge before the
// client sees them. Cancelling ctx abandons the wait; the record may still be
// delivered.
func (b *Broker) Publish(ctx context.Context, topic string, payload []byte) error {
	if topic == "" {
		return broker.NewError(broker.KindInvalidConfig, "publish", errors.New("empty topic"))
	}

	b.gate.RLock()
	if b.state.Load() != stateOpen {
		b.gate.RUnlock()
		return broker.NewError(broker.KindClosed, "publish", nil).WithTarget(topic, "")
	}
	if len(payload) > b.cfg.MessageMaxBytes {
		b.gate.RUnlock()
		metrics.PublishErrors.WithLabelValues(serviceLabel, topic, broker.KindTooLarge.String()).Inc()
		return broker.NewError(broker.KindTooLarge, "publish",
			fmt.Errorf("%d bytes exceeds message_max_bytes %d", len(payload), b.cfg.MessageMaxBytes)).
			WithTarget(topic, "")
	}
	b.inflight.Add(1)
	b.gate.RUnlock()

	ctx, span := tracer.Start(ctx, "Publish", trace.WithAttributes(
		attribute.String("topic", topic),
		attribute.Int("payload_bytes", len(payload)),
	))
	defer span.End()
	start := time.Now()

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Value: sarama.ByteEncoder(append([]byte(nil), payload...)),
	}
	result := make(chan error, 1)
	go func() {
		defer b.inflight.Done()
		_, _, err := b.producer.SendMessage(msg)
		result <- err
	}()

	timer := time.NewTimer(b.cfg.PublishTimeout)
	defer timer.Stop()

	var err error
	select {
	case err = <-result:
		if err != nil {
			err = classifyProduceError(err)
		}
	case <-timer.C:
		err = broker.NewError(broker.KindTimeout, "publish",
			fmt.Errorf("no acknowledgement within %s", b.cfg.PublishTimeout))
	case <-ctx.Done():
		err = broker.NewError(broker.KindTimeout, "publish", ctx.Err())
	}
	metrics.PublishLatency.WithLabelValues(serviceLabel).Observe(time.Since(start).Seconds())

	if err != nil {
		var be *broker.Error
		if errors.As(err, &be) {
			be.WithTarget(topic, "")
		}
		metrics.PublishErrors.WithLabelValues(serviceLabel, topic, broker.KindOf(err).String()).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
		b.log.WithContext(ctx).Error("publish failed", zap.String("topic", topic), zap.Error(err))
		return err
	}

	metrics.PublishSuccess.WithLabelValues(serviceLabel, topic).Inc()
	b.log.WithContext(ctx).Debug("publish acknowledged",
		zap.String("topic", topic),
		zap.Duration("latency", time.Since(start)),
	)
	return nil
}

func classifyProduceError(err error) error {
	var cfgErr sarama.ConfigurationError
	switch {
	case errors.Is(err, sarama.ErrMessageSizeTooLarge),
		errors.As(err, &cfgErr) && strings.Contains(string(cfgErr), "MaxMessageBytes"):
		return broker.NewError(broker.KindTooLarge, "publish", err)
	case errors.Is(err, sarama.ErrRequestTimedOut), errors.Is(err, context.DeadlineExceeded):
		return broker.NewError(broker.KindTimeout, "publish", err)
	case errors.Is(err, sarama.ErrClosedClient), errors.Is(err, sarama.ErrShuttingDown):
		return broker.NewError(broker.KindClosed, "publish", err)
	default:
		return broker.NewError(broker.KindTransport, "publish", err)
	}
}

// -----------------------------------------------------------------------------
// Subscribe
// -----------------------------------------------------------------------------

// Subscribe starts a consumer-group pump for (topic, group) and returns once
// the group received its first assignment. Delivery then continues in the
// background until Shutdown. Handler failures are not returned here; they are
// sent to the WithErrors channel and the record is redelivered.
func (b *Broker) Subscribe(ctx context.Context, topic, group string, handler broker.Handler) error {
	switch {
	case topic == "":
		return broker.NewError(broker.KindInvalidConfig, "subscribe", errors.New("empty topic"))
	case group == "":
		return broker.NewError(broker.KindInvalidConfig, "subscribe", errors.New("empty group")).WithTarget(topic, "")
	case handler == nil:
		return broker.NewError(broker.KindInvalidConfig, "subscribe", errors.New("nil handler")).WithTarget(topic, group)
	}

	key := subscription{topic: topic, group: group}
	p := newPump(b, topic, group, handler)

	b.mu.Lock()
	if b.state.Load() != stateOpen {
		b.mu.Unlock()
		return broker.NewError(broker.KindClosed, "subscribe", nil).WithTarget(topic, group)
	}
	if _, dup := b.pumps[key]; dup {
		b.mu.Unlock()
		return broker.NewError(broker.KindAlreadySubscribed, "subscribe", nil).WithTarget(topic, group)
	}
	b.pumps[key] = p
	b.mu.Unlock()

	ctx, span := tracer.Start(ctx, "Subscribe", trace.WithAttributes(
		attribute.String("topic", topic),
		attribute.String("group", group),
	))
	defer span.End()

	fail := func(err error) error {
		b.unregister(key, p)
		span.RecordError(err)
		span.SetStatus(codes.Error, "subscribe failed")
		b.log.Error("subscribe failed", zap.String("topic", topic), zap.String("group", group), zap.Error(err))
		return err
	}

	cg, err := b.newGroup(topic, group)
	if err != nil {
		p.abandon()
		var be *broker.Error
		if !errors.As(err, &be) {
			be = broker.NewError(broker.KindTransport, "subscribe", err)
		}
		return fail(be.WithTarget(topic, group))
	}
	p.setGroup(cg)
	b.runner.Go("pump "+topic+"/"+group, p.run)

	timer := time.NewTimer(b.cfg.JoinTimeout)
	defer timer.Stop()

	select {
	case <-p.joined:
		b.log.Info("subscribed", zap.String("topic", topic), zap.String("group", group))
		return nil
	case err := <-p.joinErr:
		p.teardown(b.cfg.GracefulWaitTimeout)
		return fail(broker.NewError(broker.KindTransport, "subscribe", err).WithTarget(topic, group))
	case <-p.done:
		return fail(broker.NewError(broker.KindClosed, "subscribe", errors.New("pump stopped before joining")).
			WithTarget(topic, group))
	case <-timer.C:
		p.teardown(b.cfg.GracefulWaitTimeout)
		return fail(broker.NewError(broker.KindTimeout, "subscribe",
			fmt.Errorf("no partition assignment within %s", b.cfg.JoinTimeout)).WithTarget(topic, group))
	case <-ctx.Done():
		p.teardown(b.cfg.GracefulWaitTimeout)
		return fail(broker.NewError(broker.KindTimeout, "subscribe", ctx.Err()).WithTarget(topic, group))
	}
}

func (b *Broker) unregister(key subscription, p *pump) {
	b.mu.Lock()
	if b.pumps[key] == p {
		delete(b.pumps, key)
	}
	b.mu.Unlock()
}

// PumpStatus describes one registered subscription.
type PumpStatus struct {
	Topic string
	Group string
	State PumpState
}

// Pumps lists the registered subscriptions and their pump states.
func (b *Broker) Pumps() []PumpStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]PumpStatus, 0, len(b.pumps))
	for k, p := range b.pumps {
		out = append(out, PumpStatus{Topic: k.topic, Group: k.group, State: p.State()})
	}
	return out
}

// -----------------------------------------------------------------------------
// Ping
// -----------------------------------------------------------------------------

// Ping refreshes cluster metadata to check that the brokers are reachable.
func (b *Broker) Ping(ctx context.Context) error {
	if b.state.Load() != stateOpen {
		return broker.NewError(broker.KindClosed, "ping", nil)
	}
	ctx, span := tracer.Start(ctx, "Ping")
	defer span.End()

	res := make(chan error, 1)
	go func() { res <- b.client.RefreshMetadata() }()

	var err error
	select {
	case err = <-res:
		if err != nil {
			err = broker.NewError(broker.KindTransport, "ping", err)
		}
	case <-ctx.Done():
		err = broker.NewError(broker.KindTimeout, "ping", ctx.Err())
	}
	if err != nil {
		metrics.PingErrors.WithLabelValues(serviceLabel).Inc()
		span.RecordError(err)
		return err
	}
	metrics.PingSuccess.WithLabelValues(serviceLabel).Inc()
	return nil
}

// -----------------------------------------------------------------------------
// Shutdown
// -----------------------------------------------------------------------------

// Shutdown stops accepting work, lets every pump finish its in-flight record,
// waits for in-flight publishes, closes the producer and the consumer groups.
// The whole drain, producer close included, is bounded by GracefulWaitTimeout
// and ctx; past that deadline the producer is left closing in the background,
// the remaining pumps are dropped and broker.ErrShutdownIncomplete is reported
// on the error channel. Shutdown itself always returns nil, also when called
// again or concurrently.
func (b *Broker) Shutdown(ctx context.Context) error {
	b.gate.Lock()
	first := b.state.CompareAndSwap(stateOpen, stateClosing)
	b.gate.Unlock()
	if !first {
		select {
		case <-b.closed:
		case <-ctx.Done():
		}
		return nil
	}
	defer close(b.closed)
	defer b.state.Store(stateClosed)

	start := time.Now()
	b.log.Info("shutting down", zap.Duration("graceful_wait", b.cfg.GracefulWaitTimeout))

	drainCtx, cancel := context.WithTimeout(ctx, b.cfg.GracefulWaitTimeout)
	defer cancel()

	b.mu.Lock()
	pumps := make([]*pump, 0, len(b.pumps))
	for _, p := range b.pumps {
		pumps = append(pumps, p)
	}
	b.mu.Unlock()

	for _, p := range pumps {
		p.markDraining()
	}
	b.runner.Stop()

	// Producer: wait for in-flight sends, then close.
	flushed := waitGroupContext(drainCtx, &b.inflight)
	if !flushed {
		b.log.Warn("in-flight publishes did not finish before the deadline")
	}
	closed := b.closeProducer(drainCtx)

	// Pumps: each commits what it acknowledged and closes its group.
	var dropped []string
	for _, p := range pumps {
		select {
		case <-p.done:
		case <-drainCtx.Done():
		}
		if !p.finished() {
			p.drop()
			dropped = append(dropped, p.topic+"/"+p.group)
		}
	}

	if !flushed || !closed || len(dropped) > 0 {
		err := broker.NewError(broker.KindShutdownIncomplete, "shutdown",
			fmt.Errorf("drain deadline exceeded after %s: publishes flushed=%t, producer closed=%t, dropped pumps=%v",
				time.Since(start).Round(time.Millisecond), flushed, closed, dropped))
		b.reporter.Report(err)
		b.log.Warn("shutdown incomplete", zap.Error(err))
		return nil
	}
	b.log.Info("shutdown complete", zap.Duration("took", time.Since(start)))
	return nil
}

// closeProducer closes the producer, then the client, and reports whether
// both returned before ctx ended. sarama's Close waits for every buffered
// record to be retried out, so past the deadline it is left to finish in the
// background.
func (b *Broker) closeProducer(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		defer close(done)
		err := multierr.Append(b.producer.Close(), b.client.Close())
		if err != nil {
			b.log.Warn("producer close failed", zap.Error(err))
		}
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		b.log.Warn("producer still closing at the drain deadline")
		return false
	}
}

func waitGroupContext(ctx context.Context, wg *sync.WaitGroup) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

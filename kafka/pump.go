// kafka/pump.go
package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/rs-god/go-broker/backoff"
	"github.com/rs-god/go-broker/broker"
	"github.com/rs-god/go-broker/logger"
	"github.com/rs-god/go-broker/safe"
)

// PumpState is the lifecycle state of a subscription pump.
type PumpState int32

const (
	PumpInit PumpState = iota
	PumpRunning
	PumpDraining
	PumpStopped
	PumpFaulted
)

var pumpStateNames = [...]string{"init", "running", "draining", "stopped", "faulted"}

func (s PumpState) String() string {
	if int(s) < len(pumpStateNames) {
		return pumpStateNames[s]
	}
	return "unknown"
}

// pump drives one consumer group for one (topic, group) registration.
//
//	Init ──Setup──▶ Running ──stop──▶ Draining ──▶ Stopped
//	  │                │
//	  └────────────────┴──group closed underneath──▶ Faulted
type pump struct {
	topic      string
	group      string
	handler    broker.Handler
	autoCommit bool
	retry      backoff.Config
	log        *logger.Logger
	reporter   *broker.Reporter

	cgMu sync.Mutex
	cg   consumerGroup

	state atomic.Int32

	// ctx is the stop signal; handlerCtx is only cancelled when the pump is
	// dropped after the drain deadline.
	ctx          context.Context
	cancel       context.CancelFunc
	handlerCtx   context.Context
	dropHandlers context.CancelFunc

	joinOnce sync.Once
	joined   chan struct{}
	joinErr  chan error
	doneOnce sync.Once
	done     chan struct{}
}

func newPump(b *Broker, topic, group string, handler broker.Handler) *pump {
	ctx, cancel := context.WithCancel(b.runner.Context())
	hctx, hcancel := context.WithCancel(context.Background())
	p := &pump{
		topic:        topic,
		group:        group,
		handler:      handler,
		autoCommit:   b.cfg.EnableAutoCommit,
		retry:        b.retry,
		log:          b.log.With(zap.String("topic", topic), zap.String("group", group)),
		reporter:     b.reporter,
		ctx:          ctx,
		cancel:       cancel,
		handlerCtx:   hctx,
		dropHandlers: hcancel,
		joined:       make(chan struct{}),
		joinErr:      make(chan error, 1),
		done:         make(chan struct{}),
	}
	metrics.Pumps.WithLabelValues(serviceLabel, PumpInit.String()).Inc()
	return p
}

// State returns the current lifecycle state.
func (p *pump) State() PumpState { return PumpState(p.state.Load()) }

func (p *pump) transition(from, to PumpState) bool {
	if !p.state.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	metrics.Pumps.WithLabelValues(serviceLabel, from.String()).Dec()
	metrics.Pumps.WithLabelValues(serviceLabel, to.String()).Inc()
	return true
}

func (p *pump) setGroup(cg consumerGroup) {
	p.cgMu.Lock()
	p.cg = cg
	p.cgMu.Unlock()
}

func (p *pump) consumerGroup() consumerGroup {
	p.cgMu.Lock()
	defer p.cgMu.Unlock()
	return p.cg
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// run is the pump loop hosted by the broker's safe.Group. Faults are reported
// through the pump itself, so it always returns nil.
func (p *pump) run(context.Context) error {
	defer p.finish()

	cg := p.consumerGroup()
	pacer, err := backoff.NewPacer(p.retry)
	if err != nil {
		p.fault(err)
		return nil
	}
	go p.watchErrors(cg)

	h := &claimHandler{p: p}
	topics := []string{p.topic}
	for {
		err := cg.Consume(p.ctx, topics, h)
		if p.ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, sarama.ErrClosedConsumerGroup) {
			p.fault(err)
			return nil
		}
		if err != nil {
			p.sessionError(err)
			if werr := pacer.Wait(p.ctx); werr != nil {
				return nil
			}
			continue
		}
		// Rebalance: sarama ends the session cleanly, join again right away.
		pacer.Reset()
	}
}

func (p *pump) watchErrors(cg consumerGroup) {
	for err := range cg.Errors() {
		p.sessionError(err)
	}
}

func (p *pump) sessionError(err error) {
	metrics.SessionErrors.WithLabelValues(serviceLabel, p.group).Inc()
	p.log.Error("consume session error", zap.Error(err))
	p.reporter.Report(broker.NewError(broker.KindTransport, "consume", err).WithTarget(p.topic, p.group))
	p.signalJoinErr(err)
}

func (p *pump) fault(err error) {
	for _, from := range []PumpState{PumpInit, PumpRunning, PumpDraining} {
		if p.transition(from, PumpFaulted) {
			break
		}
	}
	p.log.Error("pump faulted", zap.Error(err))
	p.reporter.Report(broker.NewError(broker.KindTransport, "consume", err).WithTarget(p.topic, p.group))
	p.signalJoinErr(err)
}

func (p *pump) signalJoinErr(err error) {
	select {
	case <-p.joined:
		return
	default:
	}
	select {
	case p.joinErr <- err:
	default:
	}
}

// finish closes the group (committing marked offsets) and marks the pump done.
func (p *pump) finish() {
	if cg := p.consumerGroup(); cg != nil {
		if err := cg.Close(); err != nil {
			p.log.Warn("consumer group close failed", zap.Error(err))
		}
	}
	for _, from := range []PumpState{PumpInit, PumpRunning, PumpDraining} {
		if p.transition(from, PumpStopped) {
			break
		}
	}
	p.doneOnce.Do(func() { close(p.done) })
	p.log.Info("pump stopped", zap.Stringer("state", p.State()))
}

// abandon marks a pump that never started as done.
func (p *pump) abandon() {
	p.cancel()
	p.transition(PumpInit, PumpStopped)
	p.doneOnce.Do(func() { close(p.done) })
}

func (p *pump) finished() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *pump) markDraining() {
	if !p.transition(PumpRunning, PumpDraining) {
		p.transition(PumpInit, PumpDraining)
	}
}

// teardown stops this pump alone and waits up to wait for it.
func (p *pump) teardown(wait time.Duration) {
	p.markDraining()
	p.cancel()
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-p.done:
	case <-t.C:
		p.drop()
	}
}

// drop abandons a pump whose handler did not return in time: the handler
// context is cancelled and the group is closed in the background.
func (p *pump) drop() {
	p.log.Warn("dropping pump after drain deadline")
	p.cancel()
	p.dropHandlers()
	if cg := p.consumerGroup(); cg != nil {
		go func() { _ = cg.Close() }()
	}
}

// -----------------------------------------------------------------------------
// sarama.ConsumerGroupHandler
// -----------------------------------------------------------------------------

type claimHandler struct {
	p *pump
}

func (h *claimHandler) Setup(sess sarama.ConsumerGroupSession) error {
	p := h.p
	p.transition(PumpInit, PumpRunning)
	p.log.Info("partitions assigned",
		zap.Int32("generation", sess.GenerationID()),
		zap.String("member", sess.MemberID()),
		zap.Any("claims", sess.Claims()),
	)
	p.joinOnce.Do(func() { close(p.joined) })
	return nil
}

func (h *claimHandler) Cleanup(sess sarama.ConsumerGroupSession) error {
	if !h.p.autoCommit {
		sess.Commit()
	}
	h.p.log.Debug("session cleanup", zap.Int32("generation", sess.GenerationID()))
	return nil
}

// ConsumeClaim delivers one partition strictly in order: the next record is
// not read before the current one was acknowledged.
func (h *claimHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	pacer, err := backoff.NewPacer(h.p.retry)
	if err != nil {
		return err
	}
	for {
		select {
		case <-sess.Context().Done():
			return nil
		case m, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if !h.p.deliver(sess, m, pacer) {
				return nil
			}
		}
	}
}

// deliver hands m to the handler until it succeeds. With manual commit the
// offset is marked and committed only after success; a failure is reported
// and the same record is retried after a back-off pause. With auto-commit the
// record is marked whatever the outcome. It returns false when the session
// ended before the record was acknowledged.
func (p *pump) deliver(sess sarama.ConsumerGroupSession, m *sarama.ConsumerMessage, pacer *backoff.Pacer) bool {
	defer pacer.Reset()
	msg := broker.Message{
		Topic:     m.Topic,
		Partition: m.Partition,
		Offset:    m.Offset,
		Key:       m.Key,
		Payload:   m.Value,
		Timestamp: m.Timestamp,
	}

	for attempt := 1; ; attempt++ {
		if sess.Context().Err() != nil {
			return false
		}
		err := p.invoke(msg, attempt)
		if err == nil {
			sess.MarkMessage(m, "")
			if !p.autoCommit {
				sess.Commit()
			}
			metrics.HandlerSuccess.WithLabelValues(serviceLabel, p.topic, p.group).Inc()
			return true
		}

		metrics.HandlerFailures.WithLabelValues(serviceLabel, p.topic, p.group).Inc()
		p.log.Warn("handler failed",
			zap.Int32("partition", m.Partition),
			zap.Int64("offset", m.Offset),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		p.reporter.Report(broker.NewError(broker.KindHandlerFailed, "consume",
			fmt.Errorf("partition %d offset %d attempt %d: %w", m.Partition, m.Offset, attempt, err)).
			WithTarget(p.topic, p.group))

		if p.autoCommit {
			sess.MarkMessage(m, "")
			return true
		}
		if werr := pacer.Wait(sess.Context()); werr != nil {
			return false
		}
	}
}

func (p *pump) invoke(msg broker.Message, attempt int) error {
	ctx := broker.ContextWithMessage(p.handlerCtx, msg)
	ctx, span := tracer.Start(ctx, "HandleMessage", trace.WithAttributes(
		attribute.String("topic", msg.Topic),
		attribute.String("group", p.group),
		attribute.Int("partition", int(msg.Partition)),
		attribute.Int64("offset", msg.Offset),
		attribute.Int("attempt", attempt),
	))
	defer span.End()

	err := safe.Call(func() error { return p.handler(ctx, msg.Payload) })
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "handler failed")
	}
	return err
}

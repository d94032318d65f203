// Package memory is an in-process broker.Broker: every topic is an
// append-only log, every (topic, group) subscription has a committed cursor
// and one pump delivering records in order. It needs no network and is
// meant for tests and local runs.
package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

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

// OffsetReset selects where a group without a committed cursor starts.
type OffsetReset string

const (
	Earliest OffsetReset = "earliest"
	Latest   OffsetReset = "latest"
)

const (
	DefaultMaxMessageBytes = 1024 * 1024
	DefaultGracefulWait    = 3 * time.Second
)

// Option customizes a Broker.
type Option func(*Broker)

// WithMaxMessageBytes sets the publish size limit. Values <= 0 are ignored.
func WithMaxMessageBytes(n int) Option {
	return func(b *Broker) {
		if n > 0 {
			b.maxBytes = n
		}
	}
}

// WithGracefulWait bounds Shutdown's drain. Values <= 0 are ignored.
func WithGracefulWait(d time.Duration) Option {
	return func(b *Broker) {
		if d > 0 {
			b.graceful = d
		}
	}
}

// WithOffsetReset sets the start position of new groups (default Earliest).
func WithOffsetReset(r OffsetReset) Option {
	return func(b *Broker) {
		if r = OffsetReset(strings.ToLower(string(r))); r == Earliest || r == Latest {
			b.reset = r
		}
	}
}

// WithErrors attaches the out-of-band error channel.
func WithErrors(ch chan<- error) Option {
	return func(b *Broker) { b.errs = ch }
}

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(b *Broker) {
		if l != nil {
			b.log = l
		}
	}
}

// WithRetryBackoff sets the pause before a failed record is redelivered.
func WithRetryBackoff(cfg backoff.Config) Option {
	return func(b *Broker) { b.retry = cfg }
}

const (
	stateOpen int32 = iota
	stateClosing
	stateClosed
)

type subKey struct{ topic, group string }

// Broker is the in-memory backend.
type Broker struct {
	maxBytes int
	graceful time.Duration
	reset    OffsetReset
	retry    backoff.Config
	errs     chan<- error
	log      *logger.Logger
	reporter *broker.Reporter

	state  atomic.Int32
	closed chan struct{}

	mu      sync.Mutex
	topics  map[string]*topicLog
	cursors map[subKey]int64
	pumps   map[subKey]*pump

	runner *safe.Group
}

// New returns an empty open backend.
func New(opts ...Option) *Broker {
	b := &Broker{
		maxBytes: DefaultMaxMessageBytes,
		graceful: DefaultGracefulWait,
		reset:    Earliest,
		retry:    backoff.Config{InitialInterval: 10 * time.Millisecond, MaxInterval: time.Second},
		log:      logger.Nop(),
		closed:   make(chan struct{}),
		topics:   make(map[string]*topicLog),
		cursors:  make(map[subKey]int64),
		pumps:    make(map[subKey]*pump),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.log = b.log.Named("memory-broker")
	b.reporter = broker.NewReporter(b.errs, b.log)
	b.runner = safe.New(context.Background(), b.log)
	return b
}

func (b *Broker) topic(name string) *topicLog {
	b.mu.Lock()
	defer b.mu.Unlock()
	tl, ok := b.topics[name]
	if !ok {
		tl = newTopicLog()
		b.topics[name] = tl
	}
	return tl
}

// Publish appends payload to the topic log. The append is the acknowledgement.
func (b *Broker) Publish(ctx context.Context, topic string, payload []byte) error {
	if topic == "" {
		return broker.NewError(broker.KindInvalidConfig, "publish", errors.New("empty topic"))
	}
	if b.state.Load() != stateOpen {
		return broker.NewError(broker.KindClosed, "publish", nil).WithTarget(topic, "")
	}
	if len(payload) > b.maxBytes {
		return broker.NewError(broker.KindTooLarge, "publish",
			fmt.Errorf("%d bytes exceeds message_max_bytes %d", len(payload), b.maxBytes)).WithTarget(topic, "")
	}
	if err := ctx.Err(); err != nil {
		return broker.NewError(broker.KindTimeout, "publish", err).WithTarget(topic, "")
	}
	off := b.topic(topic).append(payload)
	b.log.Debug("published", zap.String("topic", topic), zap.Int64("offset", off))
	return nil
}

// Subscribe starts a pump for (topic, group) at the group's committed cursor.
func (b *Broker) Subscribe(_ context.Context, topic, group string, handler broker.Handler) error {
	switch {
	case topic == "":
		return broker.NewError(broker.KindInvalidConfig, "subscribe", errors.New("empty topic"))
	case group == "":
		return broker.NewError(broker.KindInvalidConfig, "subscribe", errors.New("empty group")).WithTarget(topic, "")
	case handler == nil:
		return broker.NewError(broker.KindInvalidConfig, "subscribe", errors.New("nil handler")).WithTarget(topic, group)
	}
	pacer, err := backoff.NewPacer(b.retry)
	if err != nil {
		return broker.NewError(broker.KindInvalidConfig, "subscribe", err).WithTarget(topic, group)
	}
	tl := b.topic(topic)
	key := subKey{topic: topic, group: group}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state.Load() != stateOpen {
		return broker.NewError(broker.KindClosed, "subscribe", nil).WithTarget(topic, group)
	}
	if _, dup := b.pumps[key]; dup {
		return broker.NewError(broker.KindAlreadySubscribed, "subscribe", nil).WithTarget(topic, group)
	}
	cursor, ok := b.cursors[key]
	if !ok && b.reset == Latest {
		cursor = tl.length()
	}
	b.cursors[key] = cursor

	hctx, drop := context.WithCancel(context.Background())
	p := &pump{
		b:          b,
		key:        key,
		log:        tl,
		handler:    handler,
		cursor:     cursor,
		pacer:      pacer,
		handlerCtx: hctx,
		drop:       drop,
		done:       make(chan struct{}),
	}
	b.pumps[key] = p
	b.runner.Go("pump "+topic+"/"+group, p.run)
	b.log.Info("subscribed", zap.String("topic", topic), zap.String("group", group), zap.Int64("cursor", cursor))
	return nil
}

// Committed returns the next offset (topic, group) will read.
func (b *Broker) Committed(topic, group string) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cursors[subKey{topic: topic, group: group}]
}

func (b *Broker) commit(key subKey, next int64) {
	b.mu.Lock()
	b.cursors[key] = next
	b.mu.Unlock()
}

// Ping reports Closed once Shutdown has started; an open backend is always
// reachable.
func (b *Broker) Ping(context.Context) error {
	if b.state.Load() != stateOpen {
		return broker.NewError(broker.KindClosed, "ping", nil)
	}
	return nil
}

// Shutdown stops the pumps after their in-flight record and waits for them,
// bounded by the graceful wait and ctx. It always returns nil.
func (b *Broker) Shutdown(ctx context.Context) error {
	if !b.state.CompareAndSwap(stateOpen, stateClosing) {
		select {
		case <-b.closed:
		case <-ctx.Done():
		}
		return nil
	}
	defer close(b.closed)
	defer b.state.Store(stateClosed)

	b.mu.Lock()
	pumps := make([]*pump, 0, len(b.pumps))
	for _, p := range b.pumps {
		pumps = append(pumps, p)
	}
	b.mu.Unlock()

	b.runner.Stop()

	drainCtx, cancel := context.WithTimeout(ctx, b.graceful)
	defer cancel()

	var dropped []string
	if b.runner.WaitContext(drainCtx) != nil {
		for _, p := range pumps {
			select {
			case <-p.done:
			default:
				p.drop()
				dropped = append(dropped, p.key.topic+"/"+p.key.group)
			}
		}
	}
	if len(dropped) > 0 {
		err := broker.NewError(broker.KindShutdownIncomplete, "shutdown",
			fmt.Errorf("dropped pumps %v", dropped))
		b.reporter.Report(err)
		b.log.Warn("shutdown incomplete", zap.Error(err))
	}
	b.log.Info("memory broker closed")
	return nil
}

// -----------------------------------------------------------------------------
// Topic log
// -----------------------------------------------------------------------------

type record struct {
	payload []byte
	at      time.Time
}

type topicLog struct {
	mu      sync.Mutex
	records []record
	grown   chan struct{} // closed and replaced on every append
}

func newTopicLog() *topicLog {
	return &topicLog{grown: make(chan struct{})}
}

func (l *topicLog) append(payload []byte) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, record{payload: append([]byte(nil), payload...), at: time.Now()})
	close(l.grown)
	l.grown = make(chan struct{})
	return int64(len(l.records) - 1)
}

func (l *topicLog) length() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return int64(len(l.records))
}

// at returns the record at off or, when off is past the end, a channel closed
// on the next append.
func (l *topicLog) at(off int64) (record, bool, <-chan struct{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if off < int64(len(l.records)) {
		return l.records[off], true, nil
	}
	return record{}, false, l.grown
}

// -----------------------------------------------------------------------------
// Pump
// -----------------------------------------------------------------------------

type pump struct {
	b       *Broker
	key     subKey
	log     *topicLog
	handler broker.Handler
	cursor  int64
	pacer   *backoff.Pacer

	handlerCtx context.Context
	drop       context.CancelFunc
	done       chan struct{}
}

func (p *pump) run(ctx context.Context) error {
	defer close(p.done)
	for {
		rec, ok, grown := p.log.at(p.cursor)
		if !ok {
			select {
			case <-grown:
				continue
			case <-ctx.Done():
				return nil
			}
		}
		if ctx.Err() != nil {
			return nil
		}
		if !p.deliver(ctx, rec) {
			return nil
		}
		p.cursor++
		p.b.commit(p.key, p.cursor)
	}
}

// deliver retries rec until the handler accepts it or the pump is stopped.
func (p *pump) deliver(ctx context.Context, rec record) bool {
	defer p.pacer.Reset()
	for attempt := 1; ; attempt++ {
		// Every attempt gets its own copy: the stored record is shared by
		// all groups and must survive a handler that writes to its input.
		payload := append([]byte(nil), rec.payload...)
		hctx := broker.ContextWithMessage(p.handlerCtx, broker.Message{
			Topic:     p.key.topic,
			Offset:    p.cursor,
			Payload:   payload,
			Timestamp: rec.at,
		})
		err := safe.Call(func() error { return p.handler(hctx, payload) })
		if err == nil {
			return true
		}
		p.b.log.Warn("handler failed",
			zap.String("topic", p.key.topic),
			zap.String("group", p.key.group),
			zap.Int64("offset", p.cursor),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		p.b.reporter.Report(broker.NewError(broker.KindHandlerFailed, "consume",
			fmt.Errorf("offset %d attempt %d: %w", p.cursor, attempt, err)).WithTarget(p.key.topic, p.key.group))
		if p.pacer.Wait(ctx) != nil {
			return false
		}
	}
}

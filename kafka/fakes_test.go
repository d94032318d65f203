package kafka

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/IBM/sarama"

	"github.com/rs-god/go-broker/backoff"
	"github.com/rs-god/go-broker/broker"
)

// -----------------------------------------------------------------------------
// Consumer group fake
// -----------------------------------------------------------------------------

var errSession = errors.New("session: coordinator not available")

// fakeGroup mimics sarama's consumer group closely enough for the pump: one
// goroutine per partition claim, the session ends when the first claim
// returns or the context is cancelled, marks and commits are tracked.
type fakeGroup struct {
	topic string
	parts map[int32]chan *sarama.ConsumerMessage
	errs  chan error

	mu         sync.Mutex
	next       map[int32]int64
	marked     map[int32]int64
	committed  map[int32]int64
	commits    int
	sessions   int
	failFirst  int
	consumeErr error
	noJoin     bool
	endSession context.CancelFunc
	closed     bool
	closes     int
}

func newFakeGroup(topic string, partitions ...int32) *fakeGroup {
	if len(partitions) == 0 {
		partitions = []int32{0}
	}
	g := &fakeGroup{
		topic:     topic,
		parts:     make(map[int32]chan *sarama.ConsumerMessage, len(partitions)),
		errs:      make(chan error, 16),
		next:      make(map[int32]int64),
		marked:    make(map[int32]int64),
		committed: make(map[int32]int64),
	}
	for _, p := range partitions {
		g.parts[p] = make(chan *sarama.ConsumerMessage, 1024)
	}
	return g
}

func (g *fakeGroup) push(partition int32, values ...string) {
	for _, v := range values {
		g.mu.Lock()
		off := g.next[partition]
		g.next[partition] = off + 1
		g.mu.Unlock()
		g.parts[partition] <- &sarama.ConsumerMessage{
			Topic:     g.topic,
			Partition: partition,
			Offset:    off,
			Key:       []byte("k"),
			Value:     []byte(v),
			Timestamp: time.Now(),
		}
	}
}

func (g *fakeGroup) Consume(ctx context.Context, _ []string, h sarama.ConsumerGroupHandler) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return sarama.ErrClosedConsumerGroup
	}
	g.sessions++
	gen := int32(g.sessions)
	if g.consumeErr != nil {
		err := g.consumeErr
		g.mu.Unlock()
		return err
	}
	if g.sessions <= g.failFirst {
		g.mu.Unlock()
		return errSession
	}
	noJoin := g.noJoin
	sctx, cancel := context.WithCancel(ctx)
	g.endSession = cancel
	g.mu.Unlock()
	defer cancel()

	if noJoin {
		<-sctx.Done()
		return nil
	}

	sess := &fakeSession{g: g, ctx: sctx, gen: gen}
	if err := h.Setup(sess); err != nil {
		return err
	}
	var wg sync.WaitGroup
	for p, ch := range g.parts {
		wg.Add(1)
		go func(p int32, ch chan *sarama.ConsumerMessage) {
			defer wg.Done()
			defer cancel()
			_ = h.ConsumeClaim(sess, &fakeClaim{topic: g.topic, partition: p, msgs: ch})
		}(p, ch)
	}
	wg.Wait()
	return h.Cleanup(sess)
}

func (g *fakeGroup) Errors() <-chan error { return g.errs }

func (g *fakeGroup) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closes++
	if g.closed {
		return nil
	}
	g.closed = true
	close(g.errs)
	if g.endSession != nil {
		g.endSession()
	}
	return nil
}

// breakUnderneath makes the running session end and every later Consume
// report a closed group, as if the client died.
func (g *fakeGroup) breakUnderneath() {
	g.mu.Lock()
	g.consumeErr = sarama.ErrClosedConsumerGroup
	end := g.endSession
	g.mu.Unlock()
	if end != nil {
		end()
	}
}

func (g *fakeGroup) mark(partition int32, offset int64) {
	g.mu.Lock()
	if offset > g.marked[partition] {
		g.marked[partition] = offset
	}
	g.mu.Unlock()
}

func (g *fakeGroup) commit() {
	g.mu.Lock()
	for p, off := range g.marked {
		g.committed[p] = off
	}
	g.commits++
	g.mu.Unlock()
}

func (g *fakeGroup) committedOffset(partition int32) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.committed[partition]
}

func (g *fakeGroup) markedOffset(partition int32) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.marked[partition]
}

func (g *fakeGroup) commitCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.commits
}

func (g *fakeGroup) isClosed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}

type fakeSession struct {
	g   *fakeGroup
	ctx context.Context
	gen int32
}

func (s *fakeSession) Claims() map[string][]int32 {
	ids := make([]int32, 0, len(s.g.parts))
	for p := range s.g.parts {
		ids = append(ids, p)
	}
	return map[string][]int32{s.g.topic: ids}
}
func (s *fakeSession) MemberID() string { return "member-1" }
func (s *fakeSession) GenerationID() int32 { return s.gen }
func (s *fakeSession) Commit() { s.g.commit() }
func (s *fakeSession) Context() context.Context { return s.ctx }

func (s *fakeSession) MarkOffset(_ string, partition int32, offset int64, _ string) {
	s.g.mark(partition, offset)
}

func (s *fakeSession) ResetOffset(_ string, partition int32, offset int64, _ string) {
	s.g.mark(partition, offset)
}

func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	s.g.mark(msg.Partition, msg.Offset+1)
}

type fakeClaim struct {
	topic     string
	partition int32
	msgs      chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Topic() string { return c.topic }
func (c *fakeClaim) Partition() int32 { return c.partition }
func (c *fakeClaim) InitialOffset() int64 { return 0 }
func (c *fakeClaim) HighWaterMarkOffset() int64 { return 0 }
func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.msgs }

// -----------------------------------------------------------------------------
// Producer and client fakes
// -----------------------------------------------------------------------------

// blockingProducer holds every send until release is closed. A non-nil
// holdClose also holds Close, like a sarama producer still retrying.
type blockingProducer struct {
	release     chan struct{}
	holdClose   chan struct{}
	inFlight    atomic.Int32
	sent        atomic.Int32
	closed      atomic.Bool
	closedEarly atomic.Bool
}

func newBlockingProducer() *blockingProducer {
	return &blockingProducer{release: make(chan struct{})}
}

func (p *blockingProducer) SendMessage(*sarama.ProducerMessage) (int32, int64, error) {
	p.inFlight.Add(1)
	<-p.release
	p.inFlight.Add(-1)
	p.sent.Add(1)
	return 0, 0, nil
}

func (p *blockingProducer) Close() error {
	if p.inFlight.Load() > 0 {
		p.closedEarly.Store(true)
	}
	if p.holdClose != nil {
		<-p.holdClose
	}
	p.closed.Store(true)
	return nil
}

type fakeClient struct {
	refreshErr error
	refreshes  atomic.Int32
	closed     atomic.Bool
}

func (c *fakeClient) RefreshMetadata(...string) error {
	c.refreshes.Add(1)
	return c.refreshErr
}

func (c *fakeClient) Close() error {
	c.closed.Store(true)
	return nil
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

var fastRetry = backoff.Config{
	InitialInterval: time.Millisecond,
	MaxInterval:     5 * time.Millisecond,
}

func testConfig(t *testing.T, tune func(*Builder)) Config {
	t.Helper()
	b := NewBuilder("localhost:9092").
		PublishTimeout(time.Second).
		GracefulWaitTimeout(time.Second).
		JoinTimeout(time.Second)
	if tune != nil {
		tune(b)
	}
	cfg, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return cfg
}

// groupsFactory serves prepared fakes by group name.
func groupsFactory(groups map[string]*fakeGroup) groupFactory {
	return func(_, group string) (consumerGroup, error) {
		g, ok := groups[group]
		if !ok {
			return nil, errors.New("kafka: client has run out of available brokers to talk to")
		}
		return g, nil
	}
}

func newTestBroker(cfg Config, prod syncProducer, client metadataClient, groups groupFactory, errs chan<- error) *Broker {
	o := defaultOptions()
	o.retry = fastRetry
	o.errs = errs
	if client == nil {
		client = &fakeClient{}
	}
	return newBroker(cfg, o, prod, client, groups)
}

func eventually(t *testing.T, timeout time.Duration, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitForKind(t *testing.T, errs <-chan error, kind broker.Kind, timeout time.Duration) error {
	t.Helper()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case err := <-errs:
			if broker.KindOf(err) == kind {
				return err
			}
		case <-timer.C:
			t.Fatalf("no %v error within %s", kind, timeout)
			return nil
		}
	}
}

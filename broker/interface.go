// broker/interface.go
//
// Package broker defines the minimal publish/subscribe contract every backend
// realizes. It does not depend on any Kafka client.
package broker

import (
	"context"
	"time"
)

// Message is a delivered record. It never outlives the handler invocation.
type Message struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Payload   []byte
	Timestamp time.Time
}

// Handler processes one record payload. A nil return acknowledges the record;
// an error leaves it uncommitted so it is delivered again.
//
// Handlers are invoked concurrently (one goroutine per partition claim) and
// must be safe for that. Records of one partition are delivered strictly in
// order: the next one is not handed over until the handler returns.
// The delivered record metadata is available through MessageFromContext(ctx).
type Handler func(ctx context.Context, payload []byte) error

// Broker is the capability set {publish, subscribe, shutdown}.
type Broker interface {
	// Publish hands payload to the backend for topic and returns once the
	// backend acknowledged it, the publish timeout elapsed or ctx ended.
	// Safe for concurrent use.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe registers a long-lived consumer-group pump for (topic, group).
	// It returns after registration and the initial assignment, so
	// configuration errors surface here; delivery is asynchronous.
	Subscribe(ctx context.Context, topic, group string, handler Handler) error

	// Shutdown is idempotent. It stops accepting work, drains in-flight
	// publishes and handler invocations up to the graceful wait timeout and
	// releases every resource. It reports success even if the drain deadline
	// expired.
	Shutdown(ctx context.Context) error
}

// Pinger is implemented by backends that can probe their transport.
type Pinger interface {
	Ping(ctx context.Context) error
}

type messageKey struct{}

// ContextWithMessage returns a copy of ctx carrying msg.
func ContextWithMessage(ctx context.Context, msg Message) context.Context {
	return context.WithValue(ctx, messageKey{}, msg)
}

// MessageFromContext returns the record the handler is currently processing.
func MessageFromContext(ctx context.Context) (Message, bool) {
	msg, ok := ctx.Value(messageKey{}).(Message)
	return msg, ok
}

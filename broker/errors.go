package broker

import (
	"errors"
	"strings"
)

// Kind classifies broker failures.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindInvalidConfig
	KindTooLarge
	KindTimeout
	KindTransport
	KindAlreadySubscribed
	KindClosed
	KindHandlerFailed
	KindShutdownIncomplete
)

var kindNames = map[Kind]string{
	KindUnknown:            "unknown",
	KindInvalidConfig:      "invalid config",
	KindTooLarge:           "message too large",
	KindTimeout:            "timeout",
	KindTransport:          "transport",
	KindAlreadySubscribed:  "already subscribed",
	KindClosed:             "broker closed",
	KindHandlerFailed:      "handler failed",
	KindShutdownIncomplete: "shutdown incomplete",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// Sentinels for errors.Is. Every *Error matches the sentinel of its Kind.
var (
	ErrInvalidConfig      = &Error{Kind: KindInvalidConfig}
	ErrTooLarge           = &Error{Kind: KindTooLarge}
	ErrTimeout            = &Error{Kind: KindTimeout}
	ErrTransport          = &Error{Kind: KindTransport}
	ErrAlreadySubscribed  = &Error{Kind: KindAlreadySubscribed}
	ErrClosed             = &Error{Kind: KindClosed}
	ErrHandlerFailed      = &Error{Kind: KindHandlerFailed}
	ErrShutdownIncomplete = &Error{Kind: KindShutdownIncomplete}
)

// Error is the classified error returned by backends.
type Error struct {
	Kind  Kind
	Op    string // "publish", "subscribe", "shutdown", "new", "consume" ...
	Topic string
	Group string
	Err   error
}

// NewError builds a classified error.
func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// WithTarget sets Topic and Group and returns e.
func (e *Error) WithTarget(topic, group string) *Error {
	e.Topic = topic
	e.Group = group
	return e
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("broker")
	if e.Op != "" {
		b.WriteString(" ")
		b.WriteString(e.Op)
	}
	if e.Topic != "" {
		b.WriteString(" topic=")
		b.WriteString(e.Topic)
	}
	if e.Group != "" {
		b.WriteString(" group=")
		b.WriteString(e.Group)
	}
	b.WriteString(": ")
	b.WriteString(e.Kind.String())
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same Kind, so errors.Is(err, ErrTooLarge) works
// for every wrapped too-large error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

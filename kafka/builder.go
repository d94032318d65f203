package kafka

import (
	"strings"
	"time"
)

// Builder accumulates optional settings over a mandatory broker list.
// Setters return the builder for chaining; an empty string leaves the field
// unset so Build applies its default.
//
//	cfg, err := kafka.NewBuilder("k1:9092,k2:9092").
//		SecurityProtocol("sasl_ssl").
//		Username("svc").Password(secret).
//		CACertPath("/etc/kafka/ca.pem").
//		Build()
type Builder struct {
	brokers string

	username      string
	password      string
	saslMechanism string
	scramVariant  string
	protocol      string
	caCertPath    string
	insecure      *bool

	publishTimeout  *time.Duration
	messageMaxBytes *int
	sendMaxRetries  *int
	idempotent      bool

	autoOffsetReset  string
	enableAutoCommit *bool

	gracefulWait *time.Duration

	clientID    string
	version     string
	joinTimeout *time.Duration
}

// NewBuilder starts a configuration for the comma-separated host:port list.
func NewBuilder(brokers string) *Builder {
	return &Builder{brokers: brokers}
}

func (b *Builder) Username(v string) *Builder { b.username = v; return b }
func (b *Builder) Password(v string) *Builder { b.password = v; return b }
func (b *Builder) SASLMechanism(v string) *Builder { b.saslMechanism = v; return b }
func (b *Builder) SCRAMVariant(v string) *Builder { b.scramVariant = v; return b }

func (b *Builder) SecurityProtocol(v string) *Builder { b.protocol = v; return b }
func (b *Builder) CACertPath(v string) *Builder { b.caCertPath = v; return b }
func (b *Builder) InsecureSkipVerify(v bool) *Builder { b.insecure = &v; return b }

func (b *Builder) PublishTimeout(d time.Duration) *Builder { b.publishTimeout = &d; return b }
func (b *Builder) MessageMaxBytes(n int) *Builder { b.messageMaxBytes = &n; return b }
func (b *Builder) SendMaxRetries(n int) *Builder { b.sendMaxRetries = &n; return b }
func (b *Builder) Idempotent(v bool) *Builder { b.idempotent = v; return b }

func (b *Builder) AutoOffsetReset(v string) *Builder { b.autoOffsetReset = v; return b }
func (b *Builder) EnableAutoCommit(v bool) *Builder { b.enableAutoCommit = &v; return b }

func (b *Builder) GracefulWaitTimeout(d time.Duration) *Builder { b.gracefulWait = &d; return b }

func (b *Builder) ClientID(v string) *Builder { b.clientID = v; return b }
func (b *Builder) Version(v string) *Builder { b.version = v; return b }
func (b *Builder) JoinTimeout(d time.Duration) *Builder { b.joinTimeout = &d; return b }

// Build applies defaults, normalizes enumerations and validates. The
// returned error matches broker.ErrInvalidConfig and lists every violation
// (see Violations).
func (b *Builder) Build() (Config, error) {
	cfg := Config{
		Brokers:             splitBrokers(b.brokers),
		Username:            b.username,
		Password:            b.password,
		SASLMechanism:       SASLMechanism(upperOr(b.saslMechanism, string(DefaultSASLMechanism))),
		SCRAMVariant:        SCRAMVariant(upperOr(b.scramVariant, string(DefaultSCRAMVariant))),
		SecurityProtocol:    SecurityProtocol(upperOr(b.protocol, string(DefaultSecurityProtocol))),
		CACertPath:          strings.TrimSpace(b.caCertPath),
		PublishTimeout:      DefaultPublishTimeout,
		MessageMaxBytes:     DefaultMessageMaxBytes,
		SendMaxRetries:      DefaultSendMaxRetries,
		Idempotent:          b.idempotent,
		AutoOffsetReset:     OffsetReset(strings.ToLower(or(b.autoOffsetReset, string(DefaultAutoOffsetReset)))),
		GracefulWaitTimeout: DefaultGracefulWaitTimeout,
		ClientID:            or(b.clientID, DefaultClientID),
		Version:             or(b.version, DefaultVersion),
		JoinTimeout:         DefaultJoinTimeout,
	}
	if b.insecure != nil {
		cfg.InsecureSkipVerify = *b.insecure
	}
	if b.publishTimeout != nil {
		cfg.PublishTimeout = *b.publishTimeout
	}
	if b.messageMaxBytes != nil {
		cfg.MessageMaxBytes = *b.messageMaxBytes
	}
	if b.sendMaxRetries != nil {
		cfg.SendMaxRetries = *b.sendMaxRetries
	}
	if b.enableAutoCommit != nil {
		cfg.EnableAutoCommit = *b.enableAutoCommit
	}
	if b.gracefulWait != nil {
		cfg.GracefulWaitTimeout = *b.gracefulWait
	}
	if b.joinTimeout != nil {
		cfg.JoinTimeout = *b.joinTimeout
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func or(v, def string) string {
	if v = strings.TrimSpace(v); v == "" {
		return def
	}
	return v
}

func upperOr(v, def string) string {
	return strings.ToUpper(or(v, def))
}

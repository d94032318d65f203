// kafka/config.go
package kafka

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/multierr"

	"github.com/rs-god/go-broker/broker"
)

// -----------------------------------------------------------------------------
// Enumerations
// -----------------------------------------------------------------------------

// SecurityProtocol is the transport security of broker connections.
type SecurityProtocol string

const (
	ProtocolPlaintext     SecurityProtocol = "PLAINTEXT"
	ProtocolSASLPlaintext SecurityProtocol = "SASL_PLAINTEXT"
	ProtocolSASLSSL       SecurityProtocol = "SASL_SSL"
	ProtocolSSL           SecurityProtocol = "SSL"
)

func (p SecurityProtocol) valid() bool {
	switch p {
	case ProtocolPlaintext, ProtocolSASLPlaintext, ProtocolSASLSSL, ProtocolSSL:
		return true
	}
	return false
}

// UsesTLS reports whether connections are wrapped in TLS.
func (p SecurityProtocol) UsesTLS() bool { return p == ProtocolSASLSSL || p == ProtocolSSL }

// UsesSASL reports whether connections authenticate with SASL.
func (p SecurityProtocol) UsesSASL() bool { return p == ProtocolSASLPlaintext || p == ProtocolSASLSSL }

// SASLMechanism is the top-level SASL mechanism family. SCRAM is refined
// by SCRAMVariant; the fully qualified SCRAM names are accepted as well.
type SASLMechanism string

const (
	MechanismPlain       SASLMechanism = "PLAIN"
	MechanismSCRAM       SASLMechanism = "SCRAM"
	MechanismSCRAMSHA256 SASLMechanism = "SCRAM-SHA-256"
	MechanismSCRAMSHA512 SASLMechanism = "SCRAM-SHA-512"
)

func (m SASLMechanism) valid() bool {
	switch m {
	case MechanismPlain, MechanismSCRAM, MechanismSCRAMSHA256, MechanismSCRAMSHA512:
		return true
	}
	return false
}

// SCRAMVariant selects the SCRAM hash.
type SCRAMVariant string

const (
	SCRAMSHA256 SCRAMVariant = "SCRAM-SHA-256"
	SCRAMSHA512 SCRAMVariant = "SCRAM-SHA-512"
)

func (v SCRAMVariant) valid() bool { return v == SCRAMSHA256 || v == SCRAMSHA512 }

// OffsetReset is the consumer policy when a group has no committed offset.
type OffsetReset string

const (
	OffsetLatest   OffsetReset = "latest"
	OffsetEarliest OffsetReset = "earliest"
)

func (o OffsetReset) valid() bool { return o == OffsetLatest || o == OffsetEarliest }

// -----------------------------------------------------------------------------
// Defaults
// -----------------------------------------------------------------------------

const (
	DefaultSASLMechanism       = MechanismPlain
	DefaultSCRAMVariant        = SCRAMSHA256
	DefaultSecurityProtocol    = ProtocolPlaintext
	DefaultPublishTimeout      = 10 * time.Second
	DefaultMessageMaxBytes     = 1024 * 1024
	DefaultSendMaxRetries      = 3
	DefaultAutoOffsetReset     = OffsetLatest
	DefaultGracefulWaitTimeout = 3 * time.Second
	DefaultClientID            = "go-broker"
	DefaultVersion             = "2.8.0"
	DefaultJoinTimeout         = 10 * time.Second
)

// -----------------------------------------------------------------------------
// Config
// -----------------------------------------------------------------------------

// Config describes how to reach and authenticate with the Kafka cluster plus
// producer/consumer tuning. Build it with NewBuilder; New re-validates it.
type Config struct {
	Brokers []string

	Username string
	Password string

	SASLMechanism    SASLMechanism
	SCRAMVariant     SCRAMVariant
	SecurityProtocol SecurityProtocol

	// CACertPath is required for SASL_SSL and SSL unless InsecureSkipVerify.
	CACertPath         string
	InsecureSkipVerify bool

	// PublishTimeout bounds the wait for a delivery acknowledgement.
	PublishTimeout  time.Duration
	MessageMaxBytes int
	SendMaxRetries  int
	// Idempotent turns on the idempotent producer. The cluster must grant
	// IDEMPOTENT_WRITE and SendMaxRetries must be positive.
	Idempotent bool

	AutoOffsetReset  OffsetReset
	EnableAutoCommit bool

	// GracefulWaitTimeout bounds Shutdown's drain of in-flight work.
	GracefulWaitTimeout time.Duration

	ClientID string
	// Version is the Kafka protocol version, e.g. "2.8.0".
	Version string
	// JoinTimeout bounds how long Subscribe waits for the first assignment.
	JoinTimeout time.Duration
}

// Mechanism resolves the effective sasl.mechanism value.
func (c Config) Mechanism() string {
	switch c.SASLMechanism {
	case MechanismSCRAM:
		return string(c.SCRAMVariant)
	default:
		return string(c.SASLMechanism)
	}
}

// Validate checks every invariant and reports all violations at once as a
// broker.ErrInvalidConfig.
func (c Config) Validate() error {
	var errs error

	if len(c.Brokers) == 0 {
		errs = multierr.Append(errs, fmt.Errorf("brokers: at least one host:port is required"))
	}
	for _, b := range c.Brokers {
		host, port, err := net.SplitHostPort(b)
		if err != nil || host == "" || port == "" {
			errs = multierr.Append(errs, fmt.Errorf("brokers: %q is not a host:port", b))
		}
	}

	if !c.SecurityProtocol.valid() {
		errs = multierr.Append(errs, fmt.Errorf("security_protocol: unknown value %q", c.SecurityProtocol))
	}
	if !c.SASLMechanism.valid() {
		errs = multierr.Append(errs, fmt.Errorf("sasl_mechanism: unknown value %q", c.SASLMechanism))
	}
	if !c.SCRAMVariant.valid() {
		errs = multierr.Append(errs, fmt.Errorf("sasl_scram_variant: unknown value %q", c.SCRAMVariant))
	}
	if !c.AutoOffsetReset.valid() {
		errs = multierr.Append(errs, fmt.Errorf("auto_offset_reset: unknown value %q", c.AutoOffsetReset))
	}

	if c.SecurityProtocol.UsesTLS() && c.CACertPath == "" && !c.InsecureSkipVerify {
		errs = multierr.Append(errs, fmt.Errorf("ca_cert_path: required for %s unless insecure_skip_verify", c.SecurityProtocol))
	}
	if c.Idempotent && c.SendMaxRetries <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("idempotent: requires send_max_retries > 0"))
	}

	if c.PublishTimeout <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("publish_timeout: must be > 0, got %s", c.PublishTimeout))
	}
	if c.MessageMaxBytes <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("message_max_bytes: must be > 0, got %d", c.MessageMaxBytes))
	}
	if c.SendMaxRetries < 0 {
		errs = multierr.Append(errs, fmt.Errorf("send_max_retries: must be >= 0, got %d", c.SendMaxRetries))
	}
	if c.GracefulWaitTimeout <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("graceful_wait_timeout: must be > 0, got %s", c.GracefulWaitTimeout))
	}
	if c.JoinTimeout <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("join_timeout: must be > 0, got %s", c.JoinTimeout))
	}
	if _, err := sarama.ParseKafkaVersion(c.Version); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("version: %w", err))
	}

	if errs != nil {
		return broker.NewError(broker.KindInvalidConfig, "config", errs)
	}
	return nil
}

// Violations lists the individual constraint failures held by a validation
// error returned from Validate or Build.
func Violations(err error) []error {
	var be *broker.Error
	if !errors.As(err, &be) || be.Kind != broker.KindInvalidConfig || be.Err == nil {
		return nil
	}
	return multierr.Errors(be.Err)
}

func splitBrokers(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

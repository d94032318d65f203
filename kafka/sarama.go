// kafka/sarama.go
package kafka

import (
	"crypto/sha256"
	"crypto/sha512"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/IBM/sarama"
	"github.com/xdg-go/scram"

	"github.com/rs-god/go-broker/broker"
)

// -----------------------------------------------------------------------------
// Client configuration
// -----------------------------------------------------------------------------

// clientFactory derives sarama configurations from Config. The TLS material
// is loaded once and shared by every client the backend opens.
type clientFactory struct {
	cfg     Config
	version sarama.KafkaVersion
	tls     *tls.Config
}

func newClientFactory(cfg Config) (*clientFactory, error) {
	version, err := sarama.ParseKafkaVersion(cfg.Version)
	if err != nil {
		return nil, broker.NewError(broker.KindInvalidConfig, "new", fmt.Errorf("version: %w", err))
	}
	tlsCfg, err := buildTLSConfig(cfg)
	if err != nil {
		return nil, broker.NewError(broker.KindInvalidConfig, "new", err)
	}
	return &clientFactory{cfg: cfg, version: version, tls: tlsCfg}, nil
}

func (f *clientFactory) base() *sarama.Config {
	sc := sarama.NewConfig()
	sc.ClientID = f.cfg.ClientID
	sc.Version = f.version

	if f.cfg.SecurityProtocol.UsesSASL() {
		sc.Net.SASL.Enable = true
		sc.Net.SASL.Handshake = true
		sc.Net.SASL.User = f.cfg.Username
		sc.Net.SASL.Password = f.cfg.Password
		switch f.cfg.Mechanism() {
		case string(SCRAMSHA256):
			sc.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA256
			sc.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient {
				return &scramClient{hashGen: sha256Gen}
			}
		case string(SCRAMSHA512):
			sc.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA512
			sc.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient {
				return &scramClient{hashGen: sha512Gen}
			}
		default:
			sc.Net.SASL.Mechanism = sarama.SASLTypePlaintext
		}
	}
	if f.cfg.SecurityProtocol.UsesTLS() {
		sc.Net.TLS.Enable = true
		sc.Net.TLS.Config = f.tls
	}
	return sc
}

// recordHeadroom is added to MessageMaxBytes for sarama's own size check,
// which counts the record framing and headers on top of the value. Publish
// already gates the payload against MessageMaxBytes.
const recordHeadroom = 1024

// producerConfig is used for the shared client and the sync producer.
func (f *clientFactory) producerConfig() (*sarama.Config, error) {
	sc := f.base()
	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Timeout = f.cfg.PublishTimeout
	sc.Producer.MaxMessageBytes = f.cfg.MessageMaxBytes + recordHeadroom
	sc.Producer.Retry.Max = f.cfg.SendMaxRetries
	if f.cfg.Idempotent {
		sc.Producer.Idempotent = true
		sc.Net.MaxOpenRequests = 1
	}
	if err := sc.Validate(); err != nil {
		return nil, broker.NewError(broker.KindInvalidConfig, "new", fmt.Errorf("producer: %w", err))
	}
	return sc, nil
}

// consumerConfig is built fresh for every pump so no two groups share state.
func (f *clientFactory) consumerConfig(group string) (*sarama.Config, error) {
	sc := f.base()
	sc.Consumer.Return.Errors = true
	sc.Consumer.Offsets.AutoCommit.Enable = f.cfg.EnableAutoCommit
	sc.Consumer.Offsets.Initial = sarama.OffsetNewest
	if f.cfg.AutoOffsetReset == OffsetEarliest {
		sc.Consumer.Offsets.Initial = sarama.OffsetOldest
	}
	sc.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRange()}
	if err := sc.Validate(); err != nil {
		return nil, broker.NewError(broker.KindInvalidConfig, "subscribe", fmt.Errorf("consumer group %s: %w", group, err))
	}
	return sc, nil
}

// -----------------------------------------------------------------------------
// TLS
// -----------------------------------------------------------------------------

func buildTLSConfig(cfg Config) (*tls.Config, error) {
	if !cfg.SecurityProtocol.UsesTLS() {
		return nil, nil
	}
	tc := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec // opt-in via insecure_skip_verify
	}
	if cfg.CACertPath == "" {
		return tc, nil
	}
	pem, err := os.ReadFile(cfg.CACertPath)
	if err != nil {
		return nil, fmt.Errorf("ca_cert_path: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("ca_cert_path: no PEM certificates in %s", cfg.CACertPath)
	}
	tc.RootCAs = pool
	return tc, nil
}

// -----------------------------------------------------------------------------
// SCRAM
// -----------------------------------------------------------------------------

var (
	sha256Gen scram.HashGeneratorFcn = sha256.New
	sha512Gen scram.HashGeneratorFcn = sha512.New
)

// scramClient adapts xdg-go/scram to sarama.SCRAMClient.
type scramClient struct {
	hashGen scram.HashGeneratorFcn
	conv    *scram.ClientConversation
}

func (c *scramClient) Begin(user, password, authzID string) error {
	cl, err := c.hashGen.NewClient(user, password, authzID)
	if err != nil {
		return err
	}
	c.conv = cl.NewConversation()
	return nil
}

func (c *scramClient) Step(challenge string) (string, error) {
	return c.conv.Step(challenge)
}

func (c *scramClient) Done() bool {
	return c.conv.Done()
}

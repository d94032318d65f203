// internal/config/config.go
package config

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"go.uber.org/multierr"

	"github.com/rs-god/go-broker/backoff"
	"github.com/rs-god/go-broker/httpserver"
	"github.com/rs-god/go-broker/kafka"
	"github.com/rs-god/go-broker/logger"
	"github.com/rs-god/go-broker/telemetry"
)

// EnvPrefix prefixes every environment override, e.g. BROKERCTL_KAFKA_BROKERS.
const EnvPrefix = "BROKERCTL"

// -----------------------------------------------------------------------------
// Structures
// -----------------------------------------------------------------------------

type Config struct {
	ServiceName    string `mapstructure:"service_name"`
	ServiceVersion string `mapstructure:"service_version"`

	Kafka     KafkaConfig       `mapstructure:"kafka"`
	Retry     backoff.Config    `mapstructure:"retry"`
	Logging   logger.Config     `mapstructure:"logging"`
	HTTP      httpserver.Config `mapstructure:"http"`
	Telemetry telemetry.Config  `mapstructure:"telemetry"`
}

// KafkaConfig mirrors kafka.Builder; enumerations stay strings so the
// builder normalizes and validates them.
type KafkaConfig struct {
	Brokers            string        `mapstructure:"brokers"`
	Username           string        `mapstructure:"username"`
	Password           string        `mapstructure:"password"`
	SASLMechanism      string        `mapstructure:"sasl_mechanism"`
	SCRAMVariant       string        `mapstructure:"scram_variant"`
	SecurityProtocol   string        `mapstructure:"security_protocol"`
	CACertPath         string        `mapstructure:"ca_cert_path"`
	InsecureSkipVerify bool          `mapstructure:"insecure_skip_verify"`
	PublishTimeout     time.Duration `mapstructure:"publish_timeout"`
	MessageMaxBytes    int           `mapstructure:"message_max_bytes"`
	SendMaxRetries     int           `mapstructure:"send_max_retries"`
	Idempotent         bool          `mapstructure:"idempotent"`
	AutoOffsetReset    string        `mapstructure:"auto_offset_reset"`
	EnableAutoCommit   bool          `mapstructure:"enable_auto_commit"`
	GracefulWait       time.Duration `mapstructure:"graceful_wait_timeout"`
	ClientID           string        `mapstructure:"client_id"`
	Version            string        `mapstructure:"version"`
	JoinTimeout        time.Duration `mapstructure:"join_timeout"`
}

// -----------------------------------------------------------------------------
// Load
// -----------------------------------------------------------------------------

// Load reads defaults, then the optional YAML file at path, then BROKERCTL_*
// environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()

	/* ---------- 1) defaults ---------- */

	v.SetDefault("service_name", "brokerctl")
	v.SetDefault("service_version", "dev")

	v.SetDefault("kafka.brokers", "localhost:9092")
	v.SetDefault("kafka.username", "")
	v.SetDefault("kafka.password", "")
	v.SetDefault("kafka.sasl_mechanism", string(kafka.DefaultSASLMechanism))
	v.SetDefault("kafka.scram_variant", string(kafka.DefaultSCRAMVariant))
	v.SetDefault("kafka.security_protocol", string(kafka.DefaultSecurityProtocol))
	v.SetDefault("kafka.ca_cert_path", "")
	v.SetDefault("kafka.insecure_skip_verify", false)
	v.SetDefault("kafka.publish_timeout", kafka.DefaultPublishTimeout.String())
	v.SetDefault("kafka.message_max_bytes", kafka.DefaultMessageMaxBytes)
	v.SetDefault("kafka.send_max_retries", kafka.DefaultSendMaxRetries)
	v.SetDefault("kafka.idempotent", false)
	v.SetDefault("kafka.auto_offset_reset", string(kafka.DefaultAutoOffsetReset))
	v.SetDefault("kafka.enable_auto_commit", false)
	v.SetDefault("kafka.graceful_wait_timeout", kafka.DefaultGracefulWaitTimeout.String())
	v.SetDefault("kafka.client_id", kafka.DefaultClientID)
	v.SetDefault("kafka.version", kafka.DefaultVersion)
	v.SetDefault("kafka.join_timeout", kafka.DefaultJoinTimeout.String())

	v.SetDefault("retry.initial_interval", "100ms")
	v.SetDefault("retry.max_interval", "5s")
	v.SetDefault("retry.randomization_factor", 0.5)
	v.SetDefault("retry.multiplier", 2.0)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.dev_mode", false)

	v.SetDefault("http.addr", ":8090")
	v.SetDefault("http.read_timeout", "10s")
	v.SetDefault("http.write_timeout", "15s")
	v.SetDefault("http.idle_timeout", "60s")
	v.SetDefault("http.shutdown_timeout", "5s")
	v.SetDefault("http.ready_timeout", "2s")
	v.SetDefault("http.metrics_path", "/metrics")
	v.SetDefault("http.healthz_path", "/healthz")
	v.SetDefault("http.readyz_path", "/readyz")

	v.SetDefault("telemetry.endpoint", "")
	v.SetDefault("telemetry.insecure", true)
	v.SetDefault("telemetry.sampler_ratio", 1.0)

	/* ---------- 2) env ---------- */

	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	/* ---------- 3) optional file ---------- */

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %q: %w", path, err)
		}
	}

	/* ---------- 4) decode ---------- */

	var cfg Config
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName: "mapstructure",
		Result:  &cfg,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			stringToBoolHook,
		),
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create config decoder: %w", err)
	}
	if err := decoder.Decode(v.AllSettings()); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	/* ---------- 5) validate ---------- */

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

func stringToBoolHook(f, t reflect.Kind, data interface{}) (interface{}, error) {
	if f == reflect.String && t == reflect.Bool {
		return strconv.ParseBool(data.(string))
	}
	return data, nil
}

// -----------------------------------------------------------------------------
// Validation & conversion
// -----------------------------------------------------------------------------

// Validate checks the process settings and runs the kafka builder so broker
// misconfiguration surfaces at load time.
func (c *Config) Validate() error {
	var errs error
	if c.ServiceName == "" {
		errs = multierr.Append(errs, fmt.Errorf("service_name is required"))
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = multierr.Append(errs, fmt.Errorf("logging.level must be one of [debug, info, warn, error]"))
	}
	if c.HTTP.Addr == "" {
		errs = multierr.Append(errs, fmt.Errorf("http.addr is required"))
	}
	if _, err := c.KafkaConfig(); err != nil {
		errs = multierr.Append(errs, err)
	}
	return errs
}

// Builder returns a kafka.Builder populated from the kafka section.
func (c *Config) Builder() *kafka.Builder {
	k := c.Kafka
	return kafka.NewBuilder(k.Brokers).
		Username(k.Username).
		Password(k.Password).
		SASLMechanism(k.SASLMechanism).
		SCRAMVariant(k.SCRAMVariant).
		SecurityProtocol(k.SecurityProtocol).
		CACertPath(k.CACertPath).
		InsecureSkipVerify(k.InsecureSkipVerify).
		PublishTimeout(k.PublishTimeout).
		MessageMaxBytes(k.MessageMaxBytes).
		SendMaxRetries(k.SendMaxRetries).
		Idempotent(k.Idempotent).
		AutoOffsetReset(k.AutoOffsetReset).
		EnableAutoCommit(k.EnableAutoCommit).
		GracefulWaitTimeout(k.GracefulWait).
		ClientID(k.ClientID).
		Version(k.Version).
		JoinTimeout(k.JoinTimeout)
}

// KafkaConfig builds and validates the backend configuration.
func (c *Config) KafkaConfig() (kafka.Config, error) {
	return c.Builder().Build()
}

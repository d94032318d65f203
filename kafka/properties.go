package kafka

import (
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Properties is a flat bundle of canonical Kafka client keys.
type Properties map[string]string

const redacted = "[REDACTED]"

// ProducerProperties maps the configuration onto producer client keys.
func (c Config) ProducerProperties() Properties {
	p := c.commonProperties()
	p["message.timeout.ms"] = strconv.FormatInt(c.PublishTimeout.Milliseconds(), 10)
	p["message.max.bytes"] = strconv.Itoa(c.MessageMaxBytes)
	p["message.send.max.retries"] = strconv.Itoa(c.SendMaxRetries)
	if c.Idempotent {
		p["enable.idempotence"] = "true"
	}
	return p
}

// ConsumerProperties maps the configuration onto consumer client keys for group.
func (c Config) ConsumerProperties(group string) Properties {
	p := c.commonProperties()
	p["group.id"] = group
	p["auto.offset.reset"] = string(c.AutoOffsetReset)
	p["enable.auto.commit"] = strconv.FormatBool(c.EnableAutoCommit)
	return p
}

func (c Config) commonProperties() Properties {
	p := Properties{
		"bootstrap.servers": strings.Join(c.Brokers, ","),
		"client.id":         c.ClientID,
		"security.protocol": string(c.SecurityProtocol),
	}
	if c.SecurityProtocol.UsesSASL() {
		p["sasl.mechanism"] = c.Mechanism()
		p["sasl.username"] = c.Username
		p["sasl.password"] = c.Password
	}
	if c.SecurityProtocol.UsesTLS() {
		if c.CACertPath != "" {
			p["ssl.ca.location"] = c.CACertPath
		}
		p["enable.ssl.certificate.verification"] = strconv.FormatBool(!c.InsecureSkipVerify)
	}
	return p
}

// Redacted returns a copy safe to log.
func (p Properties) Redacted() Properties {
	out := make(Properties, len(p))
	for k, v := range p {
		if k == "sasl.password" && v != "" {
			v = redacted
		}
		out[k] = v
	}
	return out
}

// MarshalLogObject renders the redacted bundle with sorted keys.
func (p Properties) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	r := p.Redacted()
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		enc.AddString(k, r[k])
	}
	return nil
}

func propertiesField(key string, p Properties) zap.Field {
	return zap.Object(key, p)
}

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rs-god/go-broker/backoff"
	"github.com/rs-god/go-broker/broker"
	"github.com/rs-god/go-broker/internal/config"
	"github.com/rs-god/go-broker/kafka"
	"github.com/rs-god/go-broker/logger"
	"github.com/rs-god/go-broker/shutdown"
	"github.com/rs-god/go-broker/telemetry"
)

// backend is the broker a command drives; the readiness probe pings it.
type backend interface {
	broker.Broker
	broker.Pinger
}

// app is what every command needs: settings, a logger, tracing and a broker.
type app struct {
	cfg      *config.Config
	log      *logger.Logger
	broker   backend
	errs     chan error
	shutdown telemetry.ShutdownFunc
}

func newApp(ctx context.Context, cfgFile string) (*app, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	log, err := logger.New(cfg.Logging)
	if err != nil {
		return nil, err
	}
	log = log.Named(cfg.ServiceName)

	backoff.SetServiceLabel(cfg.ServiceName)
	kafka.SetServiceLabel(cfg.ServiceName)

	tcfg := cfg.Telemetry
	tcfg.ServiceName = cfg.ServiceName
	tcfg.ServiceVersion = cfg.ServiceVersion
	shutdownTracer, err := telemetry.InitTracer(ctx, tcfg, log)
	if err != nil {
		return nil, fmt.Errorf("telemetry init: %w", err)
	}

	kcfg, err := cfg.Builder().
		ClientID(clientID(cfg.Kafka.ClientID)).
		Build()
	if err != nil {
		_ = shutdownTracer(ctx)
		return nil, err
	}

	errs := make(chan error, 64)
	b, err := kafka.New(kcfg,
		kafka.WithLogger(log),
		kafka.WithErrors(errs),
		kafka.WithRetryBackoff(cfg.Retry),
	)
	if err != nil {
		_ = shutdownTracer(ctx)
		return nil, err
	}

	return &app{cfg: cfg, log: log, broker: b, errs: errs, shutdown: shutdownTracer}, nil
}

// stop shuts the broker down, then flushes the tracer.
func (a *app) stop() error {
	return shutdown.Sequence(a.cfg.Kafka.GracefulWait+time.Second, a.log,
		shutdown.Step{Name: "broker", Stop: a.broker.Shutdown},
		shutdown.Step{Name: "tracer", Stop: shutdown.Func(a.shutdown)},
	)
}

// reportErrors logs out-of-band broker errors until ctx is done.
func (a *app) reportErrors(ctx context.Context) error {
	for {
		select {
		case err := <-a.errs:
			a.log.Warn("broker error", zap.Error(err))
		case <-ctx.Done():
			return nil
		}
	}
}

// drainErrors logs whatever the broker reported while stopping.
func (a *app) drainErrors() {
	for {
		select {
		case err := <-a.errs:
			a.log.Warn("broker error", zap.Error(err))
		default:
			return
		}
	}
}

// clientID makes every process distinguishable in broker-side logs.
func clientID(base string) string {
	if base == "" {
		base = kafka.DefaultClientID
	}
	return base + "-" + uuid.NewString()[:8]
}

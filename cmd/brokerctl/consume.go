package main

import (
	"context"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rs-god/go-broker/broker"
	"github.com/rs-god/go-broker/httpserver"
	"github.com/rs-god/go-broker/shutdown"
)

func newConsumeCmd(cfgFile *string) *cobra.Command {
	var topic, group string
	cmd := &cobra.Command{
		Use:   "consume",
		Short: "Subscribe to a topic and log every record until SIGINT/SIGTERM",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if group == "" {
				group = "brokerctl-" + uuid.NewString()
			}
			ctx := cmd.Context()
			a, err := newApp(ctx, *cfgFile)
			if err != nil {
				return err
			}
			return a.consume(ctx, topic, group)
		},
	}
	cmd.Flags().StringVar(&topic, "topic", "", "topic to consume")
	cmd.Flags().StringVar(&group, "group", "", "consumer group (default: a fresh brokerctl-<uuid> group)")
	_ = cmd.MarkFlagRequired("topic")
	return cmd
}

func (a *app) consume(parent context.Context, topic, group string) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	srv, err := httpserver.New(a.cfg.HTTP, httpserver.PingReady(a.broker), a.log)
	if err != nil {
		_ = a.stop()
		return err
	}

	if err := a.broker.Subscribe(ctx, topic, group, a.logRecord); err != nil {
		_ = a.stop()
		return err
	}
	a.log.Info("consuming", zap.String("topic", topic), zap.String("group", group))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Start(gctx) })
	g.Go(func() error { return a.reportErrors(gctx) })
	g.Go(func() error {
		shutdown.WaitForSignals(gctx, cancel, a.log)
		return nil
	})
	runErr := g.Wait()
	if runErr != nil {
		a.log.Error("runtime error", zap.Error(runErr))
	}

	stopErr := a.stop()
	a.drainErrors()
	a.log.Info("brokerctl consume stopped")
	a.log.Sync()
	if runErr != nil {
		return runErr
	}
	return stopErr
}

func (a *app) logRecord(ctx context.Context, payload []byte) error {
	m, _ := broker.MessageFromContext(ctx)
	a.log.Info("record",
		zap.String("topic", m.Topic),
		zap.Int32("partition", m.Partition),
		zap.Int64("offset", m.Offset),
		zap.ByteString("key", m.Key),
		zap.ByteString("payload", payload),
		zap.Time("timestamp", m.Timestamp),
	)
	return nil
}

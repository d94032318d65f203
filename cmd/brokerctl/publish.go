package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newPublishCmd(cfgFile *string) *cobra.Command {
	var (
		topic string
		count int
	)
	cmd := &cobra.Command{
		Use:   "publish [flags] message...",
		Short: "Publish each message to a topic and wait for the acknowledgement",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if count < 1 {
				return fmt.Errorf("--count must be >= 1, got %d", count)
			}
			ctx := cmd.Context()
			a, err := newApp(ctx, *cfgFile)
			if err != nil {
				return err
			}
			return a.publish(ctx, topic, args, count)
		},
	}
	cmd.Flags().StringVar(&topic, "topic", "", "destination topic")
	cmd.Flags().IntVar(&count, "count", 1, "times to publish each message")
	_ = cmd.MarkFlagRequired("topic")
	return cmd
}

func (a *app) publish(ctx context.Context, topic string, messages []string, count int) error {
	var published int
	var pubErr error
	start := time.Now()
loop:
	for i := 0; i < count; i++ {
		for _, m := range messages {
			if pubErr = a.broker.Publish(ctx, topic, []byte(m)); pubErr != nil {
				break loop
			}
			published++
		}
	}
	a.log.Info("publish finished",
		zap.String("topic", topic),
		zap.Int("published", published),
		zap.Duration("took", time.Since(start)),
		zap.Error(pubErr),
	)

	stopErr := a.stop()
	a.log.Sync()
	if pubErr != nil {
		return pubErr
	}
	return stopErr
}

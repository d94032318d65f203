// cmd/brokerctl/main.go
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgFile string

	root := &cobra.Command{
		Use:           "brokerctl",
		Short:         "Publish to and consume from a Kafka-compatible bus",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "path to config file (YAML); BROKERCTL_* env vars override it")

	root.AddCommand(
		newPublishCmd(&cfgFile),
		newConsumeCmd(&cfgFile),
	)
	return root
}

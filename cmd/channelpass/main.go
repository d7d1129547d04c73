package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "channelpass",
		Short: "ChannelPass - paid Telegram channel subscriptions",
		Long: `ChannelPass keeps paid channel access in sync with subscriptions.

serve runs the webhook and admin API with the in-process scheduler.
sweep and drain run one pass each, for external schedulers.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd())
	root.AddCommand(newSweepCmd())
	root.AddCommand(newDrainCmd())
	root.Version = version
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

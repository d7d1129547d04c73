package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

func newSweepCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Send reminders and expire lapsed subscriptions once",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			return run(cmd.Context(), timeout, func(ctx context.Context) error {
				report, err := s.sweeper().Run(ctx)
				if report != nil {
					s.storeReport("sweep", report)
					printJSON(report)
				}
				return err
			})
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Minute, "abort the run after this long")
	return cmd
}

func newDrainCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "drain",
		Short: "Retry due failed operations once",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			return run(cmd.Context(), timeout, func(ctx context.Context) error {
				report, err := s.drainer().Run(ctx)
				if report != nil {
					s.storeReport("drain", report)
					printJSON(report)
				}
				return err
			})
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Minute, "abort the run after this long")
	return cmd
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintln(os.Stderr, "encode report:", err)
	}
}

func splitAddr(addr string) (string, int) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, 6379
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return host, 6379
	}
	return host, port
}

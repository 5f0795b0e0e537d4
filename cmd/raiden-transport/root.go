package main

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sangaman/raiden/transport"
)

func newRootCmd() *cobra.Command {
	var (
		logLevel             string
		retryInterval        time.Duration
		retriesBeforeBackoff int
		privateRooms         bool
		globalRooms          []string
		chainID              int64
	)

	cmd := &cobra.Command{
		Use:   "raiden-transport",
		Short: "Demo of the reliable message transport over an in-memory federation",
		Long: `Spins up an in-process federation hub with two transport nodes, lets them
discover each other, and exchanges an acknowledged message. Demonstrates the
wiring of the transport stack; not a production daemon.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level, err := logrus.ParseLevel(logLevel)
			if err != nil {
				return fmt.Errorf("invalid log level %q: %w", logLevel, err)
			}
			logrus.SetLevel(level)
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDemo(cmd, transport.Config{
				RetryInterval:        retryInterval,
				RetriesBeforeBackoff: retriesBeforeBackoff,
				PrivateRooms:         privateRooms,
				GlobalRooms:          globalRooms,
				ChainID:              chainID,
			})
		},
	}

	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: debug|info|warn|error")
	cmd.Flags().DurationVar(&retryInterval, "retry-interval", 500*time.Millisecond, "Resend poll interval")
	cmd.Flags().IntVar(&retriesBeforeBackoff, "retries-before-backoff", transport.DefaultRetriesBeforeBackoff,
		"Sends at the base interval before the backoff doubles")
	cmd.Flags().BoolVar(&privateRooms, "private-rooms", false, "Use invite-only peer rooms")
	cmd.Flags().StringArrayVar(&globalRooms, "global-room", []string{transport.DiscoveryRoom},
		"Global room suffix to join at startup (repeatable)")
	cmd.Flags().Int64Var(&chainID, "chain-id", transport.DefaultChainID, "Chain id scoping room aliases")
	return cmd
}

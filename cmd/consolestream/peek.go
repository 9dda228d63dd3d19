package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/tarunm/consolestream/config"
	"github.com/tarunm/consolestream/internal/stream"
	"go.uber.org/zap"
)

const peekPoll = 50 * time.Millisecond

func newPeekCmd(root *rootOptions) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "peek <destination>",
		Short: "Print the next message published on a broker destination",
		Long: `Subscribe to a raw broker destination, print the body of the first
message that arrives and exit. Useful in scripts, for example:

  consolestream peek /topic/servers/srv-1/status --timeout 30s`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			if root.logLevel == "" {
				cfg.LogLevel = "warn"
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			return runPeek(ctx, cfg, logger, args[0], cmd.OutOrStdout())
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "give up after this long")
	return cmd
}

func runPeek(ctx context.Context, cfg *config.Config, logger *zap.Logger, destination string, out io.Writer) error {
	manager := stream.NewManager(cfg, stream.NewWebSocketDialer(cfg.GetHeaders()), logger)
	defer manager.Disconnect()

	var latest stream.LatestValue
	regID := manager.Register(destination, latest.Handle)
	defer manager.Unregister(regID)

	ticker := time.NewTicker(peekPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return errors.Wrapf(ctx.Err(), "no message on %s", destination)
		case <-ticker.C:
			if msg, ok := latest.Get(); ok {
				_, err := fmt.Fprintln(out, string(msg.Body))
				return err
			}
		}
	}
}

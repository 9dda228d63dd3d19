package main

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/tarunm/consolestream/config"
	"github.com/tarunm/consolestream/internal/logging"
	"go.uber.org/zap"
)

type rootOptions struct {
	configPath string
	logLevel   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "consolestream",
		Short: "Real-time console, status and metrics streams for game servers",
		Long: `consolestream keeps one STOMP-over-WebSocket connection to the panel
broker and exposes each watched server's console history, status and
metrics.

  consolestream serve             run the HTTP and WebSocket bridge
  consolestream attach <server>   follow one server from the terminal
  consolestream peek <dest>       print the next message on a destination`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", os.Getenv("CONSOLESTREAM_CONFIG"), "path to a YAML config file")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override log.level (debug, info, warn, error)")

	root.AddCommand(newServeCmd(opts))
	root.AddCommand(newAttachCmd(opts))
	root.AddCommand(newPeekCmd(opts))
	return root
}

// load reads and validates configuration, applying flag overrides
func (o *rootOptions) load() (*config.Config, error) {
	cfg, err := config.LoadConfig(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	logger, err := logging.New(logging.Options{
		Level:      cfg.LogLevel,
		Format:     cfg.LogFormat,
		File:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		MaxAgeDays: cfg.LogMaxAgeDays,
		Compress:   cfg.LogCompress,
	})
	if err != nil {
		return nil, errors.Wrap(err, "init logger")
	}
	return logger, nil
}

package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/tarunm/consolestream/config"
	"github.com/tarunm/consolestream/internal/auth"
	"github.com/tarunm/consolestream/internal/handlers"
	"github.com/tarunm/consolestream/internal/stream"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var port string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket bridge",
		Long: `Run the bridge. Browsers and scripts watch servers through it:

  GET    /ws/servers/:id        viewer socket (snapshot, then live updates)
  GET    /servers/:id/state     current snapshot of a watched server
  PUT    /servers/:id/watch     keep a server watched without a viewer
  POST   /servers/:id/command   publish a console command
  DELETE /servers/:id/console   clear the console history
  GET    /health, /metrics`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if port != "" {
				cfg.Port = port
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, logger)
		},
	}
	cmd.Flags().StringVarP(&port, "port", "p", "", "override server.port")
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	logger.Info("starting bridge",
		zap.String("port", cfg.Port),
		zap.String("endpoint", cfg.Endpoint),
		zap.Int("console_capacity", cfg.ConsoleCapacity),
		zap.Int("metrics_history", cfg.MetricsHistory),
		zap.Bool("auth_enabled", cfg.AuthEnabled),
	)

	manager := stream.NewManager(cfg, stream.NewWebSocketDialer(cfg.GetHeaders()), logger)
	// the bridge holds the connection for its whole lifetime
	manager.Connect()

	clientOpts := stream.OptionsFromConfig(cfg)
	publisher := stream.NewPublisher(manager, clientOpts.Destinations, logger)
	hub := stream.NewHub(manager, publisher, clientOpts, logger)

	validator := auth.NewAPIKeyValidator(cfg.APIKeys, cfg.AuthEnabled)
	if validator.IsEnabled() {
		logger.Info("authentication enabled", zap.Int("api_keys", validator.KeyCount()))
	} else {
		logger.Warn("authentication disabled, mutating routes are open")
	}
	limiter := handlers.NewCommandLimiter(cfg.GetCommandRate(), cfg.GetCommandBurst())

	gin.SetMode(cfg.GinMode)
	rest := handlers.NewRESTHandler(hub, limiter, logger)
	ws := handlers.NewWebSocketHandler(hub, cfg, validator, limiter, logger)
	router := handlers.NewRouter(rest, ws, validator, cfg.GetAllowedOrigins(), logger)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("bridge listening",
			zap.String("viewer", "ws://localhost:"+cfg.Port+"/ws/servers/:id"),
			zap.String("rest", "http://localhost:"+cfg.Port),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "http server")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down bridge")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		// release watches before the broker connection goes away
		rest.Close()
		hub.Close()
		manager.Disconnect()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server forced to shutdown", zap.Error(err))
			return errors.Wrap(err, "shutdown")
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("bridge shutdown complete")
	return nil
}

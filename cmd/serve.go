package cmd

import (
	"context"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/loupe-cli/internal/config"
	"github.com/xkilldash9x/loupe-cli/internal/observability"
	"github.com/xkilldash9x/loupe-cli/internal/server"
)

// newServeCmd creates the `serve` command: the HTTP/SSE transport for a
// local UI.
func newServeCmd() *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serves the insight engine over HTTP with SSE progress streaming",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return viper.BindPFlag("server.addr", cmd.Flags().Lookup("addr"))
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			components, err := initializeEngine(ctx, cfg, logger)
			if err != nil {
				return err
			}

			srv, err := server.New(cfg.Server(), logger, components.Coordinator)
			if err != nil {
				return err
			}

			errCh := make(chan error, 1)
			go func() { errCh <- srv.ListenAndServe() }()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
				logger.Info("Shutdown signal received, draining server")
				if err := srv.Shutdown(context.Background()); err != nil {
					logger.Warn("Server shutdown was not clean", zap.Error(err))
				}
				return nil
			}
		},
	}

	serveCmd.Flags().String("addr", "", "Listen address. (Overrides config/env)")
	return serveCmd
}

func init() {
	rootCmd.AddCommand(newServeCmd())
}

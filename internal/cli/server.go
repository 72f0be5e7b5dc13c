package cli

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ledgerline/arcd/internal/di"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the REST API and webhook intake",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger, err := di.NewLogger(cfg.Log)
		if err != nil {
			return configError(err)
		}
		defer logger.Sync()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		app, err := di.Build(ctx, cfg, logger)
		if err != nil {
			return startupError(err)
		}
		defer app.Close(context.Background())

		srv := &http.Server{
			Addr:              cfg.ListenAddr,
			Handler:           app.HTTP.Router(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		errCh := make(chan error, 1)
		go func() {
			logger.Info("api listening", zap.String("addr", cfg.ListenAddr))
			errCh <- srv.ListenAndServe()
		}()

		select {
		case err := <-errCh:
			return startupError(err)
		case <-ctx.Done():
		}

		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("shutdown incomplete", zap.Error(err))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

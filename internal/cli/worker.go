package cli

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ledgerline/arcd/internal/di"
	"github.com/ledgerline/arcd/internal/events"
	"github.com/ledgerline/arcd/internal/worker"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the background engines: redelivery, dunning, GL posting, reconciliation",
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

		if app.Consumer != nil {
			if err := app.Outcomes.Start(app.Consumer); err != nil {
				return startupError(err)
			}
		} else {
			logger.Warn("no broker configured; GL outcomes will not be consumed",
				zap.String("subject", events.SubjectGLPostingAccepted))
		}

		tenants := cfg.TenantIDs()
		pool := worker.NewPool(logger, worker.StandardJobs(
			logger,
			tenants,
			app.Webhooks,
			app.Dunning,
			app.Emitter,
			app.Reconcile,
			app.Aging,
			app.Idem,
		)...)

		logger.Info("worker pool starting", zap.Strings("tenants", tenants))
		return pool.Run(ctx)
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

package serve

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/phenolog/phenolog/internal/api"
	"github.com/phenolog/phenolog/internal/app"
	"github.com/phenolog/phenolog/internal/conf"
	"github.com/phenolog/phenolog/internal/ingest"
	"github.com/phenolog/phenolog/internal/logger"
)

// Command creates the serve command which runs the HTTP API
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		Long: `Start the HTTP API for uploading, reading and deleting observations.

Staged uploads left behind by an earlier run are removed at startup and then
periodically while the server runs.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), settings)
		},
	}

	cmd.Flags().String("listen", "", "Address to listen on, overrides webserver.listen")
	_ = viper.BindPFlag("webserver.listen", cmd.Flags().Lookup("listen"))

	return cmd
}

func run(ctx context.Context, settings *conf.Settings) error {
	if !settings.WebServer.Enabled {
		return fmt.Errorf("webserver is disabled in the configuration")
	}
	log := logger.Global().Module("serve")

	a, err := app.Open(ctx, settings, app.WithNotifications())
	if err != nil {
		return err
	}
	defer a.Close()

	sweep(a.Coordinator, log)

	server, err := api.New(api.ConfigFromSettings(settings), a.Coordinator, a.FS,
		api.WithMetrics(a.Metrics),
		api.WithLogger(logger.Global().Module("api")))
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Run(gctx)
	})
	g.Go(func() error {
		ticker := time.NewTicker(app.StaleUploadAge)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				sweep(a.Coordinator, log)
			}
		}
	})
	return g.Wait()
}

func sweep(coord *ingest.Coordinator, log logger.Logger) {
	if _, err := coord.SweepIncoming(app.StaleUploadAge); err != nil {
		log.Warn("failed to remove stale uploads", logger.Error(err))
	}
}

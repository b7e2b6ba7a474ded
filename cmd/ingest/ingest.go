package ingest

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/phenolog/phenolog/internal/app"
	"github.com/phenolog/phenolog/internal/conf"
	coreingest "github.com/phenolog/phenolog/internal/ingest"
	"github.com/phenolog/phenolog/internal/logger"
)

// Command creates the ingest command which submits photos from disk
func Command(settings *conf.Settings) *cobra.Command {
	var (
		req         coreingest.Request
		concurrency int
	)

	cmd := &cobra.Command{
		Use:   "ingest [flags] FILE...",
		Short: "Ingest one or more photos",
		Long: `Ingest photos as new observations of one plant at one location.

Each file becomes its own observation. With --id a single file resubmits an
existing observation. Records are printed as JSON lines, failures as error
objects on stderr.

Example:
  phenolog ingest --experiment 1 --plant 3 --location 2 --date 2015-05-09 --account acct-1 IMG_0412.jpg`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if req.ID != 0 && len(args) > 1 {
				return fmt.Errorf("--id resubmits a single observation, got %d files", len(args))
			}
			if concurrency < 1 {
				concurrency = 1
			}

			a, err := app.Open(cmd.Context(), settings)
			if err != nil {
				return err
			}
			defer a.Close()

			failed := ingestFiles(cmd, a.Coordinator, req, args, concurrency)
			if failed > 0 {
				return fmt.Errorf("%d of %d files failed", failed, len(args))
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&req.ExperimentID, "experiment", 0, "Experiment id")
	cmd.Flags().IntVar(&req.PlantID, "plant", 0, "Plant id")
	cmd.Flags().IntVar(&req.LocationID, "location", 0, "Location id")
	cmd.Flags().StringVar(&req.Date, "date", "", "Observation date, YYYY-MM-DD or RFC 3339")
	cmd.Flags().IntVar(&req.ID, "id", 0, "Existing observation id to resubmit")
	cmd.Flags().StringVar(&req.AccountID, "account", "", "Account id owning the location")
	cmd.Flags().IntVarP(&concurrency, "concurrency", "j", 4, "Number of photos processed at once")
	for _, name := range []string{"experiment", "plant", "location", "date", "account"} {
		_ = cmd.MarkFlagRequired(name)
	}

	return cmd
}

// ingestFiles runs the requests with bounded concurrency and returns the
// number of failures. Every file is attempted.
func ingestFiles(cmd *cobra.Command, coord *coreingest.Coordinator, base coreingest.Request, files []string, concurrency int) int {
	ctx := cmd.Context()
	log := logger.Global().Module("ingest")

	var (
		outMu  sync.Mutex
		failed atomic.Int32
	)
	stdout := json.NewEncoder(cmd.OutOrStdout())
	stderr := json.NewEncoder(cmd.ErrOrStderr())
	emit := func(enc *json.Encoder, v any) {
		outMu.Lock()
		defer outMu.Unlock()
		if err := enc.Encode(v); err != nil {
			log.Warn("failed to write output", logger.Error(err))
		}
	}

	var g errgroup.Group
	g.SetLimit(concurrency)
	for _, file := range files {
		g.Go(func() error {
			ctx, traceID := coreingest.EnsureTraceID(ctx)
			req := base
			rec, err := ingestFile(file, func(r io.Reader) (any, error) {
				req.Image = r
				return coord.Ingest(ctx, req)
			})
			if err != nil {
				failed.Add(1)
				emit(stderr, struct {
					File string `json:"file"`
					coreingest.ErrorResponse
				}{file, coreingest.NewErrorResponse(err, traceID)})
				return nil
			}
			emit(stdout, rec)
			return nil
		})
	}
	_ = g.Wait()
	return int(failed.Load())
}

func ingestFile(name string, submit func(io.Reader) (any, error)) (any, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return submit(f)
}

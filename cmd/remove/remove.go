package remove

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/phenolog/phenolog/internal/app"
	"github.com/phenolog/phenolog/internal/conf"
)

// Command creates the delete command which soft-deletes an observation
func Command(settings *conf.Settings) *cobra.Command {
	var account string

	cmd := &cobra.Command{
		Use:   "delete ID",
		Short: "Soft-delete an observation",
		Long: `Mark an observation as deleted and remove it from the week matrix.
Derivative files are kept.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.Atoi(args[0])
			if err != nil || id <= 0 {
				return fmt.Errorf("invalid observation id %q", args[0])
			}

			a, err := app.Open(cmd.Context(), settings)
			if err != nil {
				return err
			}
			defer a.Close()

			cell, err := a.Coordinator.Delete(cmd.Context(), account, id)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "deleted observation %d from plant %d, location %d, week %d\n",
				id, cell.PlantID, cell.LocationID, cell.Week)
			return err
		},
	}

	cmd.Flags().StringVar(&account, "account", "", "Account id owning the location")
	_ = cmd.MarkFlagRequired("account")

	return cmd
}

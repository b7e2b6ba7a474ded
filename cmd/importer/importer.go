package importer

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/phenolog/phenolog/internal/app"
	"github.com/phenolog/phenolog/internal/catalog"
	"github.com/phenolog/phenolog/internal/conf"
)

// Command creates the import command which loads catalog entities from YAML
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import FILE.yaml",
		Short: "Import experiments, plants, locations and observers",
		Long: `Import catalog entities from a YAML file. Entities replace stored ones with
the same id, observer registrations are added once.

Example file:
  experiments:
    - {id: 1, name: spring 2015, start: 2015-05-01}
  plants:
    - {id: 1, family: Rosaceae, variety: Malus domestica}
  locations:
    - {id: 1, name: Garden, account: acct-1}
  observers:
    - {experiment: 1, plant: 1, location: 1}`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer func() { _ = f.Close() }()

			c, err := catalog.Load(f)
			if err != nil {
				return err
			}
			if err := c.Validate(); err != nil {
				return err
			}

			a, err := app.Open(cmd.Context(), settings)
			if err != nil {
				return err
			}
			defer a.Close()

			sum, err := c.Apply(cmd.Context(), a.Repo, settings.Location())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(),
				"imported %d experiments, %d plants, %d locations, %d observers (%d already registered)\n",
				sum.Experiments, sum.Plants, sum.Locations, sum.Observers, sum.Skipped)
			return err
		},
	}
	return cmd
}

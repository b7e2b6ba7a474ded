package matrix

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/phenolog/phenolog/internal/app"
	"github.com/phenolog/phenolog/internal/conf"
	"github.com/phenolog/phenolog/internal/weekindex"
)

// Command creates the matrix command which prints the week matrix of an experiment
func Command(settings *conf.Settings) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "matrix EXPERIMENT",
		Short: "Print the week matrix of an experiment",
		Long: `Print one row per plant and location with the observation ids of each week.
Weeks are counted from the experiment start, week 0 being the first week.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.Atoi(args[0])
			if err != nil || id <= 0 {
				return fmt.Errorf("invalid experiment id %q", args[0])
			}

			a, err := app.Open(cmd.Context(), settings)
			if err != nil {
				return err
			}
			defer a.Close()

			snap, err := a.Coordinator.Matrix(cmd.Context(), id)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(snap)
			}
			return Print(cmd.OutOrStdout(), snap)
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the matrix as JSON")

	return cmd
}

// Print writes snap as a table. Empty cells show as "-", cells with several
// observations list their ids separated by commas.
func Print(w io.Writer, snap weekindex.Snapshot) error {
	first, last := 0, snap.CurrentWeek
	for _, p := range snap.Plants {
		for _, r := range p.Locations {
			first = min(first, r.FirstWeek)
			last = max(last, r.FirstWeek+len(r.Cells)-1)
		}
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	header := []string{"PLANT", "LOCATION"}
	for week := first; week <= last; week++ {
		header = append(header, "W"+strconv.Itoa(week))
	}
	fmt.Fprintln(tw, strings.Join(header, "\t"))

	for _, p := range snap.Plants {
		for _, r := range p.Locations {
			cols := []string{strconv.Itoa(p.PlantID), strconv.Itoa(r.LocationID)}
			for week := first; week <= last; week++ {
				cols = append(cols, cellText(r, week))
			}
			fmt.Fprintln(tw, strings.Join(cols, "\t"))
		}
	}
	return tw.Flush()
}

func cellText(r weekindex.RowSnapshot, week int) string {
	i := week - r.FirstWeek
	if i < 0 || i >= len(r.Cells) || len(r.Cells[i]) == 0 {
		return "-"
	}
	ids := make([]string, len(r.Cells[i]))
	for j, e := range r.Cells[i] {
		ids[j] = strconv.Itoa(e.ID)
	}
	return strings.Join(ids, ",")
}

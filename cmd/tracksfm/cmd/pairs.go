package cmd

import (
	"fmt"

	"github.com/MeKo-Tech/tracksfm/internal/pipeline"
	"github.com/spf13/cobra"
)

func newPairsCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pairs <dataset-dir>",
		Short: "Print the candidate image pairs of a dataset",
		Long: `Print one candidate pair per line. Pairs come from the candidate pair file
when present, otherwise from GPS neighbors within --spatial-range, otherwise
every pair of images.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			session, err := pipeline.LoadSession(a.cfg, args[0])
			if err != nil {
				return err
			}
			pairs, source, err := pipeline.SelectPairs(a.cfg, session)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(w, "# %d pairs (%s)\n", len(pairs), source)
			for _, p := range pairs {
				_, _ = fmt.Fprintf(w, "%s %s\n", p.Image1, p.Image2)
			}
			return nil
		},
	}
	cmd.Flags().Float64("spatial-range", 0.00359, "GPS neighbor range in degrees")
	cmd.Flags().Int("max-neighbors", 8, "maximum GPS neighbors per image")
	a.bind(cmd.Flags(), map[string]string{
		"pairs.spatial_range": "spatial-range",
		"pairs.max_neighbors": "max-neighbors",
	})
	return cmd
}

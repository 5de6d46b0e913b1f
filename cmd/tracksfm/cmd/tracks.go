package cmd

import (
	"fmt"

	"github.com/MeKo-Tech/tracksfm/internal/pipeline"
	"github.com/spf13/cobra"
)

func newTracksCommand(a *app) *cobra.Command {
	var perImage bool

	cmd := &cobra.Command{
		Use:   "tracks <dataset-dir>",
		Short: "Build feature tracks and print their statistics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			session, err := pipeline.LoadSession(a.cfg, args[0])
			if err != nil {
				return err
			}
			pairs, source, err := pipeline.SelectPairs(a.cfg, session)
			if err != nil {
				return err
			}
			graph, stats, err := pipeline.BuildTracks(cmd.Context(), a.cfg, session, pairs, nil)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(w, "Images: %d\n", session.Len())
			_, _ = fmt.Fprintf(w, "Pairs: %d (%s)\n", len(pairs), source)
			_, _ = fmt.Fprintf(w, "Matches: %d (skipped %d)\n", stats.Matches, stats.SkippedMatches)
			_, _ = fmt.Fprintf(w, "Tracks: %d\n", stats.Tracks)
			_, _ = fmt.Fprintf(w, "Inconsistent tracks: %d\n", stats.InconsistentTracks)
			_, _ = fmt.Fprintf(w, "Short tracks: %d\n", stats.ShortTracks)
			if perImage {
				for _, id := range session.ImageIDs() {
					_, _ = fmt.Fprintf(w, "  %s: %d\n", id, graph.CountTracksOf(id))
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&perImage, "per-image", false, "print the number of tracks observed by each image")
	return cmd
}

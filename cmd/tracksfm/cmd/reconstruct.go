package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/MeKo-Tech/tracksfm/internal/config"
	"github.com/MeKo-Tech/tracksfm/internal/pipeline"
	"github.com/spf13/cobra"
)

func newReconstructCommand(a *app) *cobra.Command {
	var (
		bootstrap    string
		showProgress bool
	)

	cmd := &cobra.Command{
		Use:   "reconstruct <dataset-dir>",
		Short: "Run incremental reconstruction on a dataset",
		Long: `Build tracks from the dataset's correspondences, bootstrap from the best
image pair and register the remaining images one at a time. The result is
written to --output as JSON or YAML, optionally compressed (.zst, .lz4) or
uploaded to an s3://bucket/key destination.

Examples:
  tracksfm reconstruct ./dataset
  tracksfm reconstruct ./dataset -o out.yaml --format yaml
  tracksfm reconstruct ./dataset --score rotationonly --time-budget 2m
  tracksfm reconstruct ./dataset --serve --port 9090`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := *a.cfg
			if bootstrap != "" {
				if err := applyBootstrap(&cfg, bootstrap); err != nil {
					return err
				}
				if err := cfg.Validate(); err != nil {
					return err
				}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			progress := pipeline.NewMultiProgressCallback(
				pipeline.NewLogProgressCallback(slog.Default(), slog.LevelDebug))
			if showProgress {
				progress.Add(pipeline.NewConsoleProgressCallback(cmd.ErrOrStderr(), ""))
			}

			res, err := pipeline.Run(ctx, &cfg, args[0], pipeline.Options{Progress: progress})
			if res != nil && res.Report != nil {
				printSummary(cmd.OutOrStdout(), res)
			}
			return err
		},
	}

	f := cmd.Flags()
	f.String("score", "matchescount", "resection scorer (matchescount, snavely, rotationonly)")
	f.StringVar(&bootstrap, "bootstrap", "", "bootstrap image pair as id1,id2 (default: best scored pair)")
	f.Int("min-bootstrap-inliers", 30, "minimum inliers of the bootstrap pair")
	f.Int("min-shared-tracks", 12, "minimum reconstructed tracks an image must observe to be resected")
	f.Int("min-resection-inliers", 10, "minimum inliers of a resection")
	f.Float64("outlier-threshold", 4.0, "reprojection error in pixels above which a point is invalidated")
	f.Int("max-iterations", 0, "maximum growth rounds (0 for no limit)")
	f.Duration("time-budget", 0, "wall-clock budget for growth (0 for no limit)")
	f.Int("workers", 4, "concurrent resection candidates scored per round")
	f.Uint64("seed", 1, "random seed for RANSAC sampling")
	f.Int("min-track-length", 2, "minimum observations per track")
	f.StringP("output", "o", "reconstruction.json", "output file or s3://bucket/key (empty to skip export)")
	f.String("format", "json", "output format (json, yaml)")
	f.Bool("serve", false, "serve metrics and live events while reconstructing")
	f.Int("port", 9090, "port of the metrics and events server")
	f.BoolVar(&showProgress, "progress", false, "show a progress bar on stderr")

	a.bind(f, map[string]string{
		"reconstruction.score":                 "score",
		"reconstruction.min_bootstrap_inliers": "min-bootstrap-inliers",
		"reconstruction.min_shared_tracks":     "min-shared-tracks",
		"reconstruction.min_resection_inliers": "min-resection-inliers",
		"reconstruction.outlier_threshold":     "outlier-threshold",
		"reconstruction.max_iterations":        "max-iterations",
		"reconstruction.time_budget":           "time-budget",
		"reconstruction.workers":               "workers",
		"reconstruction.seed":                  "seed",
		"tracks.min_track_length":              "min-track-length",
		"output.file":                          "output",
		"output.format":                        "format",
		"server.enabled":                       "serve",
		"server.port":                          "port",
	})
	return cmd
}

// applyBootstrap sets the bootstrap pair from an "id1,id2" flag value.
func applyBootstrap(cfg *config.Config, value string) error {
	parts := strings.Split(value, ",")
	if len(parts) != 2 || strings.TrimSpace(parts[0]) == "" || strings.TrimSpace(parts[1]) == "" {
		return fmt.Errorf("invalid --bootstrap %q (expected id1,id2)", value)
	}
	cfg.Reconstruction.BootstrapImage1 = strings.TrimSpace(parts[0])
	cfg.Reconstruction.BootstrapImage2 = strings.TrimSpace(parts[1])
	return nil
}

func printSummary(w io.Writer, res *pipeline.Result) {
	report := res.Report
	total := 0
	if res.Session != nil {
		total = res.Session.Len()
	}
	_, _ = fmt.Fprintf(w, "State: %s\n", report.State)
	if report.BootstrapPair != nil {
		_, _ = fmt.Fprintf(w, "Bootstrap pair: %s\n", report.BootstrapPair)
	}
	_, _ = fmt.Fprintf(w, "Registered: %d/%d images\n", len(report.Registered), total)
	_, _ = fmt.Fprintf(w, "Points: %d valid, %d invalid\n", report.ValidPoints, report.InvalidPoints)
	if report.Residuals.Count > 0 {
		_, _ = fmt.Fprintf(w, "Residuals: mean %.3f px, median %.3f px, max %.3f px\n",
			report.Residuals.Mean, report.Residuals.Median, report.Residuals.Max)
	}
	if len(report.Unregistered) > 0 {
		_, _ = fmt.Fprintf(w, "Unregistered: %s\n", joinIDs(report.Unregistered))
	}
	if report.StopReason != "" {
		_, _ = fmt.Fprintf(w, "Stop reason: %s\n", report.StopReason)
	}
	if res.Output != "" {
		_, _ = fmt.Fprintf(w, "Output: %s\n", res.Output)
	}
}

func joinIDs[T ~string](ids []T) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = string(id)
	}
	return strings.Join(parts, ", ")
}


// Package cmd implements the tracksfm command line.
package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/MeKo-Tech/tracksfm/internal/config"
	"github.com/MeKo-Tech/tracksfm/internal/version"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// app holds the state shared by the commands of one root command.
type app struct {
	loader  *config.Loader
	cfgFile string
	cfg     *config.Config
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// NewRootCommand builds the command tree. Every call returns an independent
// tree with its own configuration state.
func NewRootCommand() *cobra.Command {
	a := &app{loader: config.NewLoaderWith(viper.New())}

	root := &cobra.Command{
		Use:   "tracksfm",
		Short: "Incremental structure-from-motion over feature tracks",
		Long: `tracksfm builds feature tracks from pairwise correspondences and grows a
3D reconstruction one image at a time: pose bootstrap from the best image
pair, resection of the next best image, triangulation and bundle adjustment.

A dataset directory holds images/, an optional camera.yaml, gps.csv and
pairs.txt, and correspondences.db with keypoints and matches.

Examples:
  tracksfm pairs ./dataset
  tracksfm tracks ./dataset
  tracksfm reconstruct ./dataset -o out.json.zst
  tracksfm reconstruct ./dataset --bootstrap img03.jpg,img04.jpg --score snavely`,
		Version:       version.Get().String(),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd.ErrOrStderr())
		},
	}
	root.SetVersionTemplate("{{.Version}}\n")

	pf := root.PersistentFlags()
	pf.StringVar(&a.cfgFile, "config", "", "config file (default is search in ., $HOME, $HOME/.config/tracksfm, /etc/tracksfm)")
	pf.BoolP("verbose", "v", false, "verbose output (equivalent to --log-level=debug)")
	pf.String("log-level", "info", "log level (debug, info, warn, error)")
	pf.String("feature-type", "SURF", "feature type of the stored correspondences (SIFT, SURF, ORB, HAHOG)")
	pf.String("pair-file", "pairs.txt", "candidate pair file, relative to the dataset directory")
	a.bind(pf, map[string]string{
		"verbose":              "verbose",
		"log_level":            "log-level",
		"features.type":        "feature-type",
		"pairs.candidate_file": "pair-file",
	})

	root.AddCommand(
		newReconstructCommand(a),
		newTracksCommand(a),
		newPairsCommand(a),
		newConfigCommand(a),
		newVersionCommand(),
	)
	return root
}

// bind maps configuration keys to flags.
func (a *app) bind(flags *pflag.FlagSet, keys map[string]string) {
	v := a.loader.GetViper()
	for key, name := range keys {
		_ = v.BindPFlag(key, flags.Lookup(name))
	}
}

// setup loads .env and the configuration and installs the JSON logger.
func (a *app) setup(logOut io.Writer) error {
	// .env is optional
	_ = godotenv.Load()

	cfg, err := a.loader.LoadWithFile(a.cfgFile)
	if err != nil {
		return fmt.Errorf("error loading configuration: %w", err)
	}
	a.cfg = cfg

	slog.SetDefault(slog.New(slog.NewJSONHandler(logOut, &slog.HandlerOptions{
		Level: logLevel(cfg),
	})))
	return nil
}

func logLevel(cfg *config.Config) slog.Level {
	if cfg.Verbose {
		return slog.LevelDebug
	}
	switch cfg.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

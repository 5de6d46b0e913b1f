// Package config loads tracksfm settings from files, environment variables
// and flags, and converts them into the options of the run components.
package config

import (
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"github.com/MeKo-Tech/tracksfm/internal/bundle"
	"github.com/MeKo-Tech/tracksfm/internal/dataset"
	"github.com/MeKo-Tech/tracksfm/internal/export"
	"github.com/MeKo-Tech/tracksfm/internal/reconstruct"
	"github.com/MeKo-Tech/tracksfm/internal/score"
	"github.com/MeKo-Tech/tracksfm/internal/server"
	"github.com/MeKo-Tech/tracksfm/internal/sfm"
)

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	rec := reconstruct.DefaultOptions()
	ba := bundle.DefaultOptions()
	srv := server.DefaultConfig()
	return Config{
		LogLevel: "info",
		Verbose:  false,
		Features: FeatureConfig{
			Type:         string(dataset.DefaultFeatureType),
			Resize:       false,
			MaxImageSize: 0,
		},
		Pairs: PairsConfig{
			CandidateFile: dataset.CandidatePairsFile,
			SpatialRange:  dataset.DefaultSpatialRange,
			MaxNeighbors:  8,
		},
		Tracks: TracksConfig{
			MinTrackLength: 2,
		},
		Reconstruction: ReconstructionConfig{
			Score:               score.NameMatchesCount,
			MinBootstrapInliers: rec.MinBootstrapInliers,
			MinSharedTracks:     rec.MinSharedTracks,
			MinResectionInliers: rec.MinResectionInliers,
			OutlierThreshold:    rec.OutlierThreshold,
			MaxIterations:       0,
			TimeBudget:          0,
			Workers:             rec.Workers,
			RansacIterations:    rec.RansacIterations,
			Seed:                rec.Seed,
		},
		Bundle: BundleConfig{
			MaxIterations: ba.MaxIterations,
			Tolerance:     ba.Tolerance,
			Huber:         ba.Huber,
		},
		Output: OutputConfig{
			Format: string(export.FormatJSON),
			File:   "reconstruction.json",
			S3: S3Config{
				Endpoint: "localhost:9000",
				Secure:   false,
			},
		},
		Server: ServerConfig{
			Enabled:              false,
			Host:                 srv.Host,
			Port:                 srv.Port,
			CORSOrigin:           srv.CORSOrigin,
			EventsPerSecond:      srv.EventsPerSecond,
			EventBurst:           srv.EventBurst,
			ConnectionsPerMinute: srv.ConnectionsPerMinute,
		},
	}
}

// Validate validates the configuration and returns any errors.
// Unknown feature types and scorer names are not errors: they fall back to
// defaults with a diagnostic at run time.
func (c *Config) Validate() error {
	validLogLevels := []string{"debug", "info", "warn", "error"}
	if !slices.Contains(validLogLevels, c.LogLevel) {
		return fmt.Errorf("invalid log level: %s (must be one of: %s)", c.LogLevel, strings.Join(validLogLevels, ", "))
	}

	if _, err := export.ParseFormat(c.Output.Format); err != nil {
		return fmt.Errorf("invalid output format: %s (must be one of: json, yaml)", c.Output.Format)
	}
	if strings.HasPrefix(c.Output.File, "s3://") {
		if _, _, ok := export.ParseS3URL(c.Output.File); !ok {
			return fmt.Errorf("invalid output file: %s (expected s3://bucket/key)", c.Output.File)
		}
	}

	if err := validatePositive(c.Reconstruction.OutlierThreshold, "reconstruction.outlier_threshold"); err != nil {
		return err
	}
	if err := validatePositive(c.Pairs.SpatialRange, "pairs.spatial_range"); err != nil {
		return err
	}
	if err := validatePositive(c.Bundle.Tolerance, "bundle.tolerance"); err != nil {
		return err
	}

	ints := []struct {
		name  string
		value int
		min   int
	}{
		{"tracks.min_track_length", c.Tracks.MinTrackLength, 2},
		{"pairs.max_neighbors", c.Pairs.MaxNeighbors, 1},
		{"reconstruction.min_bootstrap_inliers", c.Reconstruction.MinBootstrapInliers, 8},
		{"reconstruction.min_shared_tracks", c.Reconstruction.MinSharedTracks, 1},
		{"reconstruction.min_resection_inliers", c.Reconstruction.MinResectionInliers, 6},
		{"reconstruction.max_iterations", c.Reconstruction.MaxIterations, 0},
		{"reconstruction.workers", c.Reconstruction.Workers, 1},
		{"reconstruction.ransac_iterations", c.Reconstruction.RansacIterations, 1},
		{"bundle.max_iterations", c.Bundle.MaxIterations, 1},
	}
	for _, v := range ints {
		if v.value < v.min {
			return fmt.Errorf("invalid %s: %d (must be at least %d)", v.name, v.value, v.min)
		}
	}

	if c.Reconstruction.TimeBudget < 0 {
		return fmt.Errorf("invalid reconstruction.time_budget: %s (must not be negative)", c.Reconstruction.TimeBudget)
	}

	b1, b2 := c.Reconstruction.BootstrapImage1, c.Reconstruction.BootstrapImage2
	if (b1 == "") != (b2 == "") {
		return fmt.Errorf("invalid bootstrap pair: both reconstruction.bootstrap_image1 and bootstrap_image2 must be set")
	}
	if b1 != "" && b1 == b2 {
		return fmt.Errorf("invalid bootstrap pair: %s twice", b1)
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be between 1 and 65535)", c.Server.Port)
	}
	if c.Server.EventsPerSecond <= 0 {
		return fmt.Errorf("invalid server.events_per_second: %.2f (must be positive)", c.Server.EventsPerSecond)
	}

	return nil
}

// ToDatasetOptions converts the feature settings. The returned diagnostic is
// non-empty when the feature type was unknown and the default was used.
func (c *Config) ToDatasetOptions() (dataset.Options, string) {
	ft, diag := dataset.ParseFeatureType(c.Features.Type)
	return dataset.Options{
		FeatureType:  ft,
		Resize:       c.Features.Resize,
		MaxImageSize: c.Features.MaxImageSize,
	}, diag
}

// CandidateFile resolves the candidate pair file against the dataset directory.
func (c *Config) CandidateFile(datasetDir string) string {
	f := c.Pairs.CandidateFile
	if f == "" || filepath.IsAbs(f) {
		return f
	}
	return filepath.Join(datasetDir, f)
}

// ToScoreOptions converts to score.Options.
func (c *Config) ToScoreOptions() score.Options {
	return score.Options{
		Threshold:  c.Reconstruction.OutlierThreshold,
		Iterations: c.Reconstruction.RansacIterations,
		Seed:       c.Reconstruction.Seed,
	}
}

// ToReconstructOptions converts to reconstruct.Options.
func (c *Config) ToReconstructOptions() reconstruct.Options {
	opts := reconstruct.DefaultOptions()
	r := c.Reconstruction
	if r.BootstrapImage1 != "" && r.BootstrapImage2 != "" {
		opts.Bootstrap = [2]sfm.ImageID{sfm.ImageID(r.BootstrapImage1), sfm.ImageID(r.BootstrapImage2)}
	}
	opts.MinBootstrapInliers = r.MinBootstrapInliers
	opts.MinSharedTracks = r.MinSharedTracks
	opts.MinResectionInliers = r.MinResectionInliers
	opts.OutlierThreshold = r.OutlierThreshold
	opts.MaxIterations = r.MaxIterations
	opts.TimeBudget = r.TimeBudget
	opts.Workers = r.Workers
	opts.RansacIterations = r.RansacIterations
	opts.Seed = r.Seed
	return opts
}

// ToBundleOptions converts to bundle.Options.
func (c *Config) ToBundleOptions() bundle.Options {
	return bundle.Options{
		MaxIterations: c.Bundle.MaxIterations,
		Tolerance:     c.Bundle.Tolerance,
		Huber:         c.Bundle.Huber,
	}
}

// ToServerConfig converts to server.Config.
func (c *Config) ToServerConfig() server.Config {
	return server.Config{
		Host:                 c.Server.Host,
		Port:                 c.Server.Port,
		CORSOrigin:           c.Server.CORSOrigin,
		EventsPerSecond:      c.Server.EventsPerSecond,
		EventBurst:           c.Server.EventBurst,
		ConnectionsPerMinute: c.Server.ConnectionsPerMinute,
	}
}

// ToS3Options converts to export.S3Options.
func (c *Config) ToS3Options() export.S3Options {
	return export.S3Options{
		Endpoint:  c.Output.S3.Endpoint,
		AccessKey: c.Output.S3.AccessKey,
		SecretKey: c.Output.S3.SecretKey,
		Region:    c.Output.S3.Region,
		Secure:    c.Output.S3.Secure,
	}
}

// validatePositive validates that a value is strictly positive.
func validatePositive(value float64, name string) error {
	if value <= 0 {
		return fmt.Errorf("invalid %s: %g (must be positive)", name, value)
	}
	return nil
}

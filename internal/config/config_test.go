package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/MeKo-Tech/tracksfm/internal/dataset"
	"github.com/MeKo-Tech/tracksfm/internal/export"
	"github.com/MeKo-Tech/tracksfm/internal/sfm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "SURF", cfg.Features.Type)
	opts, diag := cfg.ToDatasetOptions()
	assert.Empty(t, diag)
	assert.Equal(t, dataset.FeatureSURF, opts.FeatureType)
	assert.InDelta(t, 0.00359, cfg.Pairs.SpatialRange, 1e-12)
	assert.Equal(t, 2, cfg.Tracks.MinTrackLength)
	assert.Equal(t, 30, cfg.Reconstruction.MinBootstrapInliers)
	assert.Equal(t, 12, cfg.Reconstruction.MinSharedTracks)
	assert.Equal(t, 10, cfg.Reconstruction.MinResectionInliers)
	assert.InDelta(t, 4.0, cfg.Reconstruction.OutlierThreshold, 1e-12)
	assert.Zero(t, cfg.Reconstruction.MaxIterations)
	assert.Zero(t, cfg.Reconstruction.TimeBudget)
	assert.Equal(t, "json", cfg.Output.Format)
	assert.False(t, cfg.Server.Enabled)

	require.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"bad log level", func(c *Config) { c.LogLevel = "trace" }, "invalid log level"},
		{"bad format", func(c *Config) { c.Output.Format = "xml" }, "invalid output format"},
		{"yaml format", func(c *Config) { c.Output.Format = "yaml" }, ""},
		{"bad s3 url", func(c *Config) { c.Output.File = "s3://bucket-only" }, "invalid output file"},
		{"s3 url", func(c *Config) { c.Output.File = "s3://bucket/key.json" }, ""},
		{"zero threshold", func(c *Config) { c.Reconstruction.OutlierThreshold = 0 }, "outlier_threshold"},
		{"zero range", func(c *Config) { c.Pairs.SpatialRange = 0 }, "spatial_range"},
		{"zero tolerance", func(c *Config) { c.Bundle.Tolerance = 0 }, "bundle.tolerance"},
		{"short tracks", func(c *Config) { c.Tracks.MinTrackLength = 1 }, "min_track_length"},
		{"few bootstrap inliers", func(c *Config) { c.Reconstruction.MinBootstrapInliers = 7 }, "min_bootstrap_inliers"},
		{"few resection inliers", func(c *Config) { c.Reconstruction.MinResectionInliers = 5 }, "min_resection_inliers"},
		{"negative iterations", func(c *Config) { c.Reconstruction.MaxIterations = -1 }, "max_iterations"},
		{"no workers", func(c *Config) { c.Reconstruction.Workers = 0 }, "workers"},
		{"negative budget", func(c *Config) { c.Reconstruction.TimeBudget = -time.Second }, "time_budget"},
		{"half bootstrap", func(c *Config) { c.Reconstruction.BootstrapImage1 = "a.jpg" }, "both"},
		{"same bootstrap", func(c *Config) {
			c.Reconstruction.BootstrapImage1 = "a.jpg"
			c.Reconstruction.BootstrapImage2 = "a.jpg"
		}, "twice"},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }, "invalid server port"},
		{"unknown scorer is not an error", func(c *Config) { c.Reconstruction.Score = "nope" }, ""},
		{"unknown feature is not an error", func(c *Config) { c.Features.Type = "AKAZE" }, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestToDatasetOptions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Features.Type = "hahog"
	cfg.Features.Resize = true
	cfg.Features.MaxImageSize = 2048

	opts, diag := cfg.ToDatasetOptions()
	assert.Empty(t, diag)
	assert.Equal(t, dataset.FeatureHAHOG, opts.FeatureType)
	assert.True(t, opts.Resize)
	assert.Equal(t, 2048, opts.MaxImageSize)

	cfg.Features.Type = "AKAZE"
	opts, diag = cfg.ToDatasetOptions()
	assert.NotEmpty(t, diag)
	assert.Equal(t, dataset.FeatureORB, opts.FeatureType)
}

func TestCandidateFile(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, filepath.Join("data", "pairs.txt"), cfg.CandidateFile("data"))

	cfg.Pairs.CandidateFile = "/abs/pairs.txt"
	assert.Equal(t, "/abs/pairs.txt", cfg.CandidateFile("data"))

	cfg.Pairs.CandidateFile = ""
	assert.Empty(t, cfg.CandidateFile("data"))
}

func TestToReconstructOptions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Reconstruction.BootstrapImage1 = "b.jpg"
	cfg.Reconstruction.BootstrapImage2 = "a.jpg"
	cfg.Reconstruction.MaxIterations = 5
	cfg.Reconstruction.TimeBudget = time.Minute
	cfg.Reconstruction.Seed = 42

	opts := cfg.ToReconstructOptions()
	assert.Equal(t, [2]sfm.ImageID{"b.jpg", "a.jpg"}, opts.Bootstrap)
	assert.Equal(t, 5, opts.MaxIterations)
	assert.Equal(t, time.Minute, opts.TimeBudget)
	assert.Equal(t, uint64(42), opts.Seed)
	assert.InDelta(t, 1.0, opts.MinTriangulationAngle, 1e-12)

	cfg.Reconstruction.BootstrapImage2 = ""
	assert.Equal(t, [2]sfm.ImageID{}, cfg.ToReconstructOptions().Bootstrap)
}

func TestComponentConversions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Bundle.MaxIterations = 20
	cfg.Server.Port = 9393
	cfg.Output.S3.AccessKey = "key"
	cfg.Output.S3.SecretKey = "secret"
	cfg.Output.S3.Secure = true

	ba := cfg.ToBundleOptions()
	assert.Equal(t, 20, ba.MaxIterations)
	assert.True(t, ba.Huber)

	srv := cfg.ToServerConfig()
	assert.Equal(t, 9393, srv.Port)
	assert.Equal(t, cfg.Server.EventsPerSecond, srv.EventsPerSecond)

	assert.Equal(t, export.S3Options{
		Endpoint:  cfg.Output.S3.Endpoint,
		AccessKey: "key",
		SecretKey: "secret",
		Secure:    true,
	}, cfg.ToS3Options())

	so := cfg.ToScoreOptions()
	assert.InDelta(t, cfg.Reconstruction.OutlierThreshold, so.Threshold, 1e-12)
	assert.Equal(t, cfg.Reconstruction.RansacIterations, so.Iterations)
}

func TestConfigYAMLRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Reconstruction.TimeBudget = 3 * time.Minute
	cfg.Output.S3.SecretKey = "secret"

	data, err := yaml.Marshal(cfg)
	require.NoError(t, err)

	var back Config
	require.NoError(t, yaml.Unmarshal(data, &back))
	assert.Equal(t, cfg, back)
}

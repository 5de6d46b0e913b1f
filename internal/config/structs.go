//nolint:lll
package config

import "time"

// Config represents the complete configuration for tracksfm.
// It is loaded from configuration files, environment variables and command-line flags.
type Config struct {
	// Global settings
	LogLevel string `mapstructure:"log_level" yaml:"log_level" json:"log_level"`
	Verbose  bool   `mapstructure:"verbose" yaml:"verbose" json:"verbose"`

	// Feature settings recorded in the session
	Features FeatureConfig `mapstructure:"features" yaml:"features" json:"features"`

	// Candidate pair selection
	Pairs PairsConfig `mapstructure:"pairs" yaml:"pairs" json:"pairs"`

	// Track building
	Tracks TracksConfig `mapstructure:"tracks" yaml:"tracks" json:"tracks"`

	// Incremental reconstruction
	Reconstruction ReconstructionConfig `mapstructure:"reconstruction" yaml:"reconstruction" json:"reconstruction"`

	// Bundle adjustment
	Bundle BundleConfig `mapstructure:"bundle" yaml:"bundle" json:"bundle"`

	// Output configuration
	Output OutputConfig `mapstructure:"output" yaml:"output" json:"output"`

	// Server configuration (live metrics and events)
	Server ServerConfig `mapstructure:"server" yaml:"server" json:"server"`
}

// FeatureConfig names the detector whose correspondences are used.
type FeatureConfig struct {
	Type         string `mapstructure:"type" yaml:"type" json:"type"`
	Resize       bool   `mapstructure:"resize" yaml:"resize" json:"resize"`
	MaxImageSize int    `mapstructure:"max_image_size" yaml:"max_image_size" json:"max_image_size"`
}

// PairsConfig contains candidate pair selection settings.
type PairsConfig struct {
	// CandidateFile is resolved against the dataset directory when relative.
	CandidateFile string  `mapstructure:"candidate_file" yaml:"candidate_file" json:"candidate_file"`
	SpatialRange  float64 `mapstructure:"spatial_range" yaml:"spatial_range" json:"spatial_range"`
	MaxNeighbors  int     `mapstructure:"max_neighbors" yaml:"max_neighbors" json:"max_neighbors"`
}

// TracksConfig contains track building settings.
type TracksConfig struct {
	MinTrackLength int `mapstructure:"min_track_length" yaml:"min_track_length" json:"min_track_length"`
}

// ReconstructionConfig contains incremental reconstruction settings.
type ReconstructionConfig struct {
	Score               string        `mapstructure:"score" yaml:"score" json:"score"`
	BootstrapImage1     string        `mapstructure:"bootstrap_image1" yaml:"bootstrap_image1" json:"bootstrap_image1"`
	BootstrapImage2     string        `mapstructure:"bootstrap_image2" yaml:"bootstrap_image2" json:"bootstrap_image2"`
	MinBootstrapInliers int           `mapstructure:"min_bootstrap_inliers" yaml:"min_bootstrap_inliers" json:"min_bootstrap_inliers"`
	MinSharedTracks     int           `mapstructure:"min_shared_tracks" yaml:"min_shared_tracks" json:"min_shared_tracks"`
	MinResectionInliers int           `mapstructure:"min_resection_inliers" yaml:"min_resection_inliers" json:"min_resection_inliers"`
	OutlierThreshold    float64       `mapstructure:"outlier_threshold" yaml:"outlier_threshold" json:"outlier_threshold"`
	MaxIterations       int           `mapstructure:"max_iterations" yaml:"max_iterations" json:"max_iterations"`
	TimeBudget          time.Duration `mapstructure:"time_budget" yaml:"time_budget" json:"time_budget"`
	Workers             int           `mapstructure:"workers" yaml:"workers" json:"workers"`
	RansacIterations    int           `mapstructure:"ransac_iterations" yaml:"ransac_iterations" json:"ransac_iterations"`
	Seed                uint64        `mapstructure:"seed" yaml:"seed" json:"seed"`
}

// BundleConfig contains bundle adjustment settings.
type BundleConfig struct {
	MaxIterations int     `mapstructure:"max_iterations" yaml:"max_iterations" json:"max_iterations"`
	Tolerance     float64 `mapstructure:"tolerance" yaml:"tolerance" json:"tolerance"`
	Huber         bool    `mapstructure:"huber" yaml:"huber" json:"huber"`
}

// OutputConfig contains export settings.
type OutputConfig struct {
	Format string   `mapstructure:"format" yaml:"format" json:"format"`
	File   string   `mapstructure:"file" yaml:"file" json:"file"`
	S3     S3Config `mapstructure:"s3" yaml:"s3" json:"s3"`
}

// S3Config contains object storage credentials for s3:// outputs.
type S3Config struct {
	Endpoint  string `mapstructure:"endpoint" yaml:"endpoint" json:"endpoint"`
	AccessKey string `mapstructure:"access_key" yaml:"access_key" json:"access_key"`
	SecretKey string `mapstructure:"secret_key" yaml:"secret_key" json:"-"`
	Region    string `mapstructure:"region" yaml:"region" json:"region"`
	Secure    bool   `mapstructure:"secure" yaml:"secure" json:"secure"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Enabled              bool    `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Host                 string  `mapstructure:"host" yaml:"host" json:"host"`
	Port                 int     `mapstructure:"port" yaml:"port" json:"port"`
	CORSOrigin           string  `mapstructure:"cors_origin" yaml:"cors_origin" json:"cors_origin"`
	EventsPerSecond      float64 `mapstructure:"events_per_second" yaml:"events_per_second" json:"events_per_second"`
	EventBurst           int     `mapstructure:"event_burst" yaml:"event_burst" json:"event_burst"`
	ConnectionsPerMinute int     `mapstructure:"connections_per_minute" yaml:"connections_per_minute" json:"connections_per_minute"`
}

package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const (
	// ConfigFileName is the base name for configuration files (without extension).
	ConfigFileName = "tracksfm"

	// EnvPrefix is the prefix for environment variables.
	EnvPrefix = "TRACKSFM"
)

// Loader handles loading configuration from various sources.
type Loader struct {
	v *viper.Viper
}

// NewLoader creates a loader over the global viper instance so that flags
// bound by the root command take effect.
func NewLoader() *Loader {
	return &Loader{v: viper.GetViper()}
}

// NewLoaderWith creates a loader over an isolated viper instance.
func NewLoaderWith(v *viper.Viper) *Loader {
	return &Loader{v: v}
}

// Load loads configuration from the search paths, environment variables and
// defaults, and validates it.
func (l *Loader) Load() (*Config, error) {
	return l.load("", true)
}

// LoadWithoutValidation is Load without the final validation.
func (l *Loader) LoadWithoutValidation() (*Config, error) {
	return l.load("", false)
}

// LoadWithFile loads configuration from a specific file path. An empty path
// falls back to the search paths.
func (l *Loader) LoadWithFile(configFile string) (*Config, error) {
	return l.load(configFile, true)
}

// LoadWithFileWithoutValidation is LoadWithFile without the final validation.
func (l *Loader) LoadWithFileWithoutValidation(configFile string) (*Config, error) {
	return l.load(configFile, false)
}

func (l *Loader) load(configFile string, validate bool) (*Config, error) {
	if configFile != "" {
		if _, err := os.Stat(configFile); os.IsNotExist(err) {
			return nil, fmt.Errorf("config file does not exist: %s", configFile)
		}
		l.v.SetConfigFile(configFile)
	} else {
		l.v.SetConfigName(ConfigFileName)
		l.v.SetConfigType("yaml")
		l.addConfigPaths()
	}

	l.setupEnvironmentVariables()
	l.setDefaults()

	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		switch {
		case configFile != "":
			return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
		case !errors.As(err, &notFound):
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// No config file: defaults and environment only.
	}

	var config Config
	if err := l.v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if validate {
		if err := config.Validate(); err != nil {
			return nil, fmt.Errorf("configuration validation failed: %w", err)
		}
	}
	return &config, nil
}

// Get returns a value from the configuration.
func (l *Loader) Get(key string) interface{} {
	return l.v.Get(key)
}

// Set sets a value in the configuration.
func (l *Loader) Set(key string, value interface{}) {
	l.v.Set(key, value)
}

// GetConfigFileUsed returns the path of the config file used.
func (l *Loader) GetConfigFileUsed() string {
	return l.v.ConfigFileUsed()
}

// GetViper returns the underlying viper instance for flag binding.
func (l *Loader) GetViper() *viper.Viper {
	return l.v
}

// addConfigPaths adds the standard configuration search paths.
func (l *Loader) addConfigPaths() {
	for _, p := range GetConfigSearchPaths() {
		l.v.AddConfigPath(p)
	}
}

// setupEnvironmentVariables configures environment variable handling.
// TRACKSFM_RECONSTRUCTION_OUTLIER_THRESHOLD maps to reconstruction.outlier_threshold.
func (l *Loader) setupEnvironmentVariables() {
	l.v.SetEnvPrefix(EnvPrefix)
	l.v.AutomaticEnv()
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
}

// setDefaults sets default values for all configuration options. Every key
// needs a default for AutomaticEnv to reach it on Unmarshal.
func (l *Loader) setDefaults() {
	defaults := DefaultConfig()

	l.v.SetDefault("log_level", defaults.LogLevel)
	l.v.SetDefault("verbose", defaults.Verbose)

	l.v.SetDefault("features.type", defaults.Features.Type)
	l.v.SetDefault("features.resize", defaults.Features.Resize)
	l.v.SetDefault("features.max_image_size", defaults.Features.MaxImageSize)

	l.v.SetDefault("pairs.candidate_file", defaults.Pairs.CandidateFile)
	l.v.SetDefault("pairs.spatial_range", defaults.Pairs.SpatialRange)
	l.v.SetDefault("pairs.max_neighbors", defaults.Pairs.MaxNeighbors)

	l.v.SetDefault("tracks.min_track_length", defaults.Tracks.MinTrackLength)

	l.v.SetDefault("reconstruction.score", defaults.Reconstruction.Score)
	l.v.SetDefault("reconstruction.bootstrap_image1", defaults.Reconstruction.BootstrapImage1)
	l.v.SetDefault("reconstruction.bootstrap_image2", defaults.Reconstruction.BootstrapImage2)
	l.v.SetDefault("reconstruction.min_bootstrap_inliers", defaults.Reconstruction.MinBootstrapInliers)
	l.v.SetDefault("reconstruction.min_shared_tracks", defaults.Reconstruction.MinSharedTracks)
	l.v.SetDefault("reconstruction.min_resection_inliers", defaults.Reconstruction.MinResectionInliers)
	l.v.SetDefault("reconstruction.outlier_threshold", defaults.Reconstruction.OutlierThreshold)
	l.v.SetDefault("reconstruction.max_iterations", defaults.Reconstruction.MaxIterations)
	l.v.SetDefault("reconstruction.time_budget", defaults.Reconstruction.TimeBudget)
	l.v.SetDefault("reconstruction.workers", defaults.Reconstruction.Workers)
	l.v.SetDefault("reconstruction.ransac_iterations", defaults.Reconstruction.RansacIterations)
	l.v.SetDefault("reconstruction.seed", defaults.Reconstruction.Seed)

	l.v.SetDefault("bundle.max_iterations", defaults.Bundle.MaxIterations)
	l.v.SetDefault("bundle.tolerance", defaults.Bundle.Tolerance)
	l.v.SetDefault("bundle.huber", defaults.Bundle.Huber)

	l.v.SetDefault("output.format", defaults.Output.Format)
	l.v.SetDefault("output.file", defaults.Output.File)
	l.v.SetDefault("output.s3.endpoint", defaults.Output.S3.Endpoint)
	l.v.SetDefault("output.s3.access_key", defaults.Output.S3.AccessKey)
	l.v.SetDefault("output.s3.secret_key", defaults.Output.S3.SecretKey)
	l.v.SetDefault("output.s3.region", defaults.Output.S3.Region)
	l.v.SetDefault("output.s3.secure", defaults.Output.S3.Secure)

	l.v.SetDefault("server.enabled", defaults.Server.Enabled)
	l.v.SetDefault("server.host", defaults.Server.Host)
	l.v.SetDefault("server.port", defaults.Server.Port)
	l.v.SetDefault("server.cors_origin", defaults.Server.CORSOrigin)
	l.v.SetDefault("server.events_per_second", defaults.Server.EventsPerSecond)
	l.v.SetDefault("server.event_burst", defaults.Server.EventBurst)
	l.v.SetDefault("server.connections_per_minute", defaults.Server.ConnectionsPerMinute)
}

// GetResolvedConfig returns the current resolved configuration for debugging.
func (l *Loader) GetResolvedConfig() map[string]interface{} {
	return l.v.AllSettings()
}

// WriteConfigToFile writes the current configuration to a file.
func (l *Loader) WriteConfigToFile(filename string) error {
	return l.v.WriteConfigAs(filename)
}

// GenerateDefaultConfigFile writes a configuration file holding every default.
func GenerateDefaultConfigFile(filename string) error {
	loader := NewLoaderWith(viper.New())
	loader.setDefaults()

	if filename == "" {
		filename = ConfigFileName + ".yaml"
	}

	return loader.WriteConfigToFile(filename)
}

// GetConfigSearchPaths returns the paths where configuration files are searched.
func GetConfigSearchPaths() []string {
	paths := []string{"."}

	home, homeErr := os.UserHomeDir()
	if homeErr == nil {
		paths = append(paths, home)
	}

	if configDir, exists := os.LookupEnv("XDG_CONFIG_HOME"); exists {
		paths = append(paths, filepath.Join(configDir, ConfigFileName))
	} else if homeErr == nil {
		paths = append(paths, filepath.Join(home, ".config", ConfigFileName))
	}

	return append(paths, "/etc/"+ConfigFileName)
}

// PrintConfigInfo prints information about configuration loading for debugging.
func (l *Loader) PrintConfigInfo(w io.Writer) {
	_, _ = fmt.Fprintf(w, "Configuration file used: %s\n", l.GetConfigFileUsed())
	_, _ = fmt.Fprintf(w, "Configuration search paths: %v\n", GetConfigSearchPaths())
	_, _ = fmt.Fprintf(w, "Environment prefix: %s\n", EnvPrefix)
}

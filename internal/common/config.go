// Package common provides shared utilities for sheetbuilder
package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// Config holds all configuration for sheetbuilder
type Config struct {
	Environment       string                  `toml:"environment"`
	Server            ServerConfig            `toml:"server"`
	UploadReliability UploadReliabilityConfig `toml:"upload_reliability"`
	FileStorage       FileStorageConfig       `toml:"file_storage"`
	JobManager        JobManagerConfig        `toml:"job_manager"`
	Logging           LoggingConfig           `toml:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// UploadReliabilityConfig controls the idempotency registry (component B).
type UploadReliabilityConfig struct {
	EnforceProgressForLarge bool `toml:"enforce_progress_for_large"`
	LargeFileThresholdMb    int  `toml:"large_file_threshold_mb"`
	IdempotencyActive       bool `toml:"idempotency_active"`
	RecentResultTtlMinutes  int  `toml:"recent_result_ttl_minutes"`
}

// RecentResultTTL returns RecentResultTtlMinutes as a duration.
func (c *UploadReliabilityConfig) RecentResultTTL() time.Duration {
	if c.RecentResultTtlMinutes <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(c.RecentResultTtlMinutes) * time.Minute
}

// LargeFileThresholdBytes returns the configured large-file threshold in bytes.
func (c *UploadReliabilityConfig) LargeFileThresholdBytes() int64 {
	if c.LargeFileThresholdMb <= 0 {
		return 200 * 1024 * 1024
	}
	return int64(c.LargeFileThresholdMb) * 1024 * 1024
}

// FileStorageConfig holds staged-upload and output directory configuration.
type FileStorageConfig struct {
	Directory         string `toml:"directory"`
	MaxStorageAgeDays int    `toml:"max_storage_age_days"`
}

// MaxStorageAge returns MaxStorageAgeDays as a duration.
func (c *FileStorageConfig) MaxStorageAge() time.Duration {
	if c.MaxStorageAgeDays <= 0 {
		return 7 * 24 * time.Hour
	}
	return time.Duration(c.MaxStorageAgeDays) * 24 * time.Hour
}

// JobManagerConfig bounds concurrency for the composition worker pool.
type JobManagerConfig struct {
	MaxConcurrentJobs int `toml:"max_concurrent_jobs"`
	HeavyJobLimit     int `toml:"heavy_job_limit"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string   `toml:"level" mapstructure:"level"`
	Format     string   `toml:"format" mapstructure:"format"`
	Outputs    []string `toml:"outputs" mapstructure:"outputs"`
	FilePath   string   `toml:"file_path" mapstructure:"file_path"`
	MaxSizeMB  int      `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int      `toml:"max_backups" mapstructure:"max_backups"`
}

// NewDefaultConfig returns a Config with sensible defaults
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		UploadReliability: UploadReliabilityConfig{
			EnforceProgressForLarge: true,
			LargeFileThresholdMb:    200,
			IdempotencyActive:       true,
			RecentResultTtlMinutes:  30,
		},
		FileStorage: FileStorageConfig{
			Directory:         "data/pdf",
			MaxStorageAgeDays: 7,
		},
		JobManager: JobManagerConfig{
			MaxConcurrentJobs: 8,
			HeavyJobLimit:     2,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			Outputs:    []string{"console", "file"},
			FilePath:   "./logs/sheetbuilder.log",
			MaxSizeMB:  100,
			MaxBackups: 3,
		},
	}
}

// LoadConfig loads configuration from files with environment overrides
func LoadConfig(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	// Load and merge each config file in order (later files override earlier)
	for _, path := range paths {
		if path == "" {
			continue
		}

		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue // Skip missing files
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(config)

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("SHEETBUILDER_ENV"); env != "" {
		config.Environment = env
	}

	if host := os.Getenv("SHEETBUILDER_HOST"); host != "" {
		config.Server.Host = host
	}

	if port := os.Getenv("SHEETBUILDER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}

	if level := os.Getenv("SHEETBUILDER_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}

	if path := os.Getenv("SHEETBUILDER_DATA_PATH"); path != "" {
		config.FileStorage.Directory = path
	}

	if v := os.Getenv("SHEETBUILDER_IDEMPOTENCY_ACTIVE"); v != "" {
		config.UploadReliability.IdempotencyActive = v != "false" && v != "0"
	}

	if v := os.Getenv("SHEETBUILDER_LARGE_FILE_THRESHOLD_MB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.UploadReliability.LargeFileThresholdMb = n
		}
	}

	if v := os.Getenv("SHEETBUILDER_MAX_STORAGE_AGE_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.FileStorage.MaxStorageAgeDays = n
		}
	}
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}

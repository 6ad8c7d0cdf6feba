// Package config loads the engine's YAML configuration file, overlays
// environment variable overrides, and validates the result against
// the hard caps of spec.md §6 before any component is constructed.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// ServerConfig configures the HTTP listeners.
type ServerConfig struct {
	Port        string `yaml:"port"`
	MetricsPort string `yaml:"metrics_port"`
}

// DatabaseConfig configures the Postgres connection.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	SSLMode  string `yaml:"ssl_mode"`
}

// RedisConfig configures the Redis connection used for the nonce
// fast-path cache.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// KMSConfig configures the key-management service.
type KMSConfig struct {
	MasterKeyBase64 string `yaml:"master_key_base64"`
	SigningKeysDir  string `yaml:"signing_keys_dir"`
}

// LimitsConfig mirrors the run-policy cap table of spec.md §6. Each
// field is the configured default/cap; validate() rejects any value
// above the hard max named in that table.
type LimitsConfig struct {
	WarmupRuns            int   `yaml:"warmup_runs"`
	MeasurementRepeatsMax int   `yaml:"measurement_repeats_max"`
	MaxNewTokensMax       int   `yaml:"max_new_tokens_max"`
	RunTimeoutMaxMinutes  int   `yaml:"run_timeout_max_minutes"`
	DevicesPerRunMax      int   `yaml:"devices_per_run_max"`
	PromptpackCasesMax    int   `yaml:"promptpack_cases_max"`
	ModelUploadSizeBytes  int64 `yaml:"model_upload_size_bytes"`
	BundleSizeBytes       int64 `yaml:"bundle_size_bytes"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DeviceCloudConfig configures the device-cloud capability client
// (spec.md §4.E). UseMock selects the deterministic in-memory client
// for local development and CI instead of a real HTTP endpoint.
type DeviceCloudConfig struct {
	BaseURL        string `yaml:"base_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	UseMock        bool   `yaml:"use_mock"`
}

// APIConfig controls the HTTP edge's cross-cutting behavior.
type APIConfig struct {
	AllowedOrigins     []string `yaml:"allowed_origins"`
	RateLimitPerMinute int      `yaml:"rate_limit_per_minute"`
}

// WorkerConfig sizes the run-engine worker pool and reaper cadence.
type WorkerConfig struct {
	Concurrency            int `yaml:"concurrency"`
	ReapIntervalSeconds    int `yaml:"reap_interval_seconds"`
	StaleGraceMinutes      int `yaml:"stale_grace_minutes"`
}

// NotificationConfig configures the Slack run-completion webhook.
// Empty WebhookURL disables delivery entirely.
type NotificationConfig struct {
	WebhookURL string `yaml:"webhook_url"`
	APIToken   string `yaml:"api_token"`
}

// Config is the engine's top-level configuration.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	Redis        RedisConfig        `yaml:"redis"`
	KMS          KMSConfig          `yaml:"kms"`
	Limits       LimitsConfig       `yaml:"limits"`
	Logging      LoggingConfig      `yaml:"logging"`
	DeviceCloud  DeviceCloudConfig  `yaml:"device_cloud"`
	API          APIConfig          `yaml:"api"`
	Worker       WorkerConfig       `yaml:"worker"`
	Notification NotificationConfig `yaml:"notification"`
}

const (
	hardCapWarmupRuns            = 1
	hardCapMeasurementRepeats    = 5
	hardCapMaxNewTokens          = 256
	hardCapRunTimeoutMinutes     = 45
	hardCapDevicesPerRun         = 5
	hardCapPromptpackCases       = 50
	hardCapModelUploadSizeBytes  = 500 * 1024 * 1024
	hardCapBundleSizeBytes       = 10 * 1024 * 1024
)

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        "8080",
			MetricsPort: "9090",
		},
		Database: DatabaseConfig{
			Host:    "localhost",
			Port:    5432,
			User:    "edgegate",
			Name:    "edgegate",
			SSLMode: "disable",
		},
		Limits: LimitsConfig{
			WarmupRuns:            1,
			MeasurementRepeatsMax: hardCapMeasurementRepeats,
			MaxNewTokensMax:       hardCapMaxNewTokens,
			RunTimeoutMaxMinutes:  hardCapRunTimeoutMinutes,
			DevicesPerRunMax:      hardCapDevicesPerRun,
			PromptpackCasesMax:    hardCapPromptpackCases,
			ModelUploadSizeBytes:  hardCapModelUploadSizeBytes,
			BundleSizeBytes:       hardCapBundleSizeBytes,
		},
		DeviceCloud: DeviceCloudConfig{
			TimeoutSeconds: 30,
			UseMock:        true,
		},
		API: APIConfig{
			AllowedOrigins:     []string{"*"},
			RateLimitPerMinute: 120,
		},
		Worker: WorkerConfig{
			Concurrency:         8,
			ReapIntervalSeconds: 60,
			StaleGraceMinutes:   60,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads, parses, env-overrides, and validates the config file at
// path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := defaults()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	loadFromEnv(config)

	if err := validate(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// loadFromEnv overlays a small set of operational environment
// variables onto config, leaving anything unset untouched.
func loadFromEnv(config *Config) {
	if v := os.Getenv("SERVER_PORT"); v != "" {
		config.Server.Port = v
	}
	if v := os.Getenv("METRICS_PORT"); v != "" {
		config.Server.MetricsPort = v
	}
	if v := os.Getenv("DB_HOST"); v != "" {
		config.Database.Host = v
	}
	if v := os.Getenv("DB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			config.Database.Port = port
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		config.Logging.Level = v
	}
	if v := os.Getenv("MASTER_KEY"); v != "" {
		config.KMS.MasterKeyBase64 = v
	}
}

var validLogLevels = map[string]bool{
	"debug": true, "info": true, "warn": true, "error": true,
}

// validate checks config against the hard caps of spec.md §6.
func validate(config *Config) error {
	if config.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if config.Limits.WarmupRuns > hardCapWarmupRuns {
		return fmt.Errorf("warmup_runs must not exceed the hard cap of %d", hardCapWarmupRuns)
	}
	if config.Limits.MeasurementRepeatsMax > hardCapMeasurementRepeats {
		return fmt.Errorf("measurement_repeats_max must not exceed the hard cap of %d", hardCapMeasurementRepeats)
	}
	if config.Limits.MaxNewTokensMax > hardCapMaxNewTokens {
		return fmt.Errorf("max_new_tokens_max must not exceed the hard cap of %d", hardCapMaxNewTokens)
	}
	if config.Limits.RunTimeoutMaxMinutes > hardCapRunTimeoutMinutes {
		return fmt.Errorf("run_timeout_max_minutes must not exceed the hard cap of %d", hardCapRunTimeoutMinutes)
	}
	if config.Limits.DevicesPerRunMax > hardCapDevicesPerRun {
		return fmt.Errorf("devices_per_run_max must not exceed the hard cap of %d", hardCapDevicesPerRun)
	}
	if config.Limits.PromptpackCasesMax > hardCapPromptpackCases {
		return fmt.Errorf("promptpack_cases_max must not exceed the hard cap of %d", hardCapPromptpackCases)
	}
	if config.Limits.ModelUploadSizeBytes > hardCapModelUploadSizeBytes {
		return fmt.Errorf("model_upload_size_bytes must not exceed the hard cap of %d", hardCapModelUploadSizeBytes)
	}
	if config.Limits.BundleSizeBytes > hardCapBundleSizeBytes {
		return fmt.Errorf("bundle_size_bytes must not exceed the hard cap of %d", hardCapBundleSizeBytes)
	}

	if config.Logging.Level != "" && !validLogLevels[config.Logging.Level] {
		return fmt.Errorf("unsupported logging level: %s", config.Logging.Level)
	}

	return nil
}

// Package config provides configuration management for statetrace. Settings
// come from three layers: built-in defaults, an optional YAML file, and
// environment variables with the STATETRACE_ prefix, each layer overriding the
// previous one.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML configs can use "30s" / "2m" strings.
type Duration time.Duration

// UnmarshalYAML accepts either a duration string or a plain nanosecond count.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("config: invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}

	var n int64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("config: invalid duration value: %w", err)
	}
	*d = Duration(n)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config holds all configuration settings for the statetrace engine.
type Config struct {
	Storage  StorageConfig  `yaml:"storage"`
	Semantic SemanticConfig `yaml:"semantic"`
	Recorder RecorderConfig `yaml:"recorder"`
}

// StorageConfig contains database and storage configuration.
type StorageConfig struct {
	// Engine is the storage engine: sqlite or postgres (default: sqlite).
	Engine string `yaml:"engine"`

	// DataPath is the directory for the SQLite database file (default: ./data).
	DataPath string `yaml:"data_path"`

	// PostgresDSN is the PostgreSQL connection string, required when Engine
	// is postgres.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// SemanticConfig contains the semantic comparison and embedding service
// configuration. The semantic tier is optional: with Enabled false the engine
// runs purely syntactic change detection.
type SemanticConfig struct {
	// Enabled turns the semantic comparison tier on (default: false).
	Enabled bool `yaml:"enabled"`

	// BaseURL is the comparison/embedding service base URL
	// (default: http://localhost:11434).
	BaseURL string `yaml:"base_url"`

	// Timeout is the per-request timeout (default: 10s).
	Timeout Duration `yaml:"timeout"`

	// RequestsPerSecond limits outgoing batch calls (default: 5).
	RequestsPerSecond float64 `yaml:"requests_per_second"`

	// Burst is the rate limiter burst size (default: 2).
	Burst int `yaml:"burst"`

	// EmbeddingModel is the model used for fuzzy name resolution
	// (default: nomic-embed-text).
	EmbeddingModel string `yaml:"embedding_model"`
}

// RecorderConfig contains ingestion orchestration configuration.
type RecorderConfig struct {
	// EventTimeout bounds processing of one ingestion event (default: 30s).
	EventTimeout Duration `yaml:"event_timeout"`

	// ResolveThreshold is the minimum fuzzy-match confidence trusted over
	// creating a new entity (default: 0.85).
	ResolveThreshold float64 `yaml:"resolve_threshold"`
}

// Load builds the configuration: defaults, then the optional YAML file at
// path (or $STATETRACE_CONFIG when path is empty), then environment
// overrides. A missing file is not an error; an unreadable or malformed one
// is.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path == "" {
		path = os.Getenv("STATETRACE_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: failed to parse %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	switch c.Storage.Engine {
	case "sqlite":
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			return fmt.Errorf("config: postgres engine requires a DSN")
		}
	default:
		return fmt.Errorf("config: unknown storage engine %q", c.Storage.Engine)
	}

	if c.Semantic.Enabled && c.Semantic.BaseURL == "" {
		return fmt.Errorf("config: semantic tier enabled without a base URL")
	}
	if c.Recorder.ResolveThreshold < 0 || c.Recorder.ResolveThreshold > 1 {
		return fmt.Errorf("config: resolve threshold must be in [0,1], got %g", c.Recorder.ResolveThreshold)
	}

	return nil
}

func defaults() *Config {
	return &Config{
		Storage: StorageConfig{
			Engine:   "sqlite",
			DataPath: "./data",
		},
		Semantic: SemanticConfig{
			BaseURL:           "http://localhost:11434",
			Timeout:           Duration(10 * time.Second),
			RequestsPerSecond: 5,
			Burst:             2,
			EmbeddingModel:    "nomic-embed-text",
		},
		Recorder: RecorderConfig{
			EventTimeout:     Duration(30 * time.Second),
			ResolveThreshold: 0.85,
		},
	}
}

func applyEnv(cfg *Config) {
	cfg.Storage.Engine = getEnv("STATETRACE_STORAGE_ENGINE", cfg.Storage.Engine)
	cfg.Storage.DataPath = getEnv("STATETRACE_DATA_PATH", cfg.Storage.DataPath)
	cfg.Storage.PostgresDSN = getEnv("STATETRACE_POSTGRES_DSN", cfg.Storage.PostgresDSN)

	cfg.Semantic.Enabled = getEnvBool("STATETRACE_SEMANTIC_ENABLED", cfg.Semantic.Enabled)
	cfg.Semantic.BaseURL = getEnv("STATETRACE_SEMANTIC_URL", cfg.Semantic.BaseURL)
	cfg.Semantic.Timeout = Duration(getEnvDuration("STATETRACE_SEMANTIC_TIMEOUT", cfg.Semantic.Timeout.Std()))
	cfg.Semantic.RequestsPerSecond = getEnvFloat("STATETRACE_SEMANTIC_RPS", cfg.Semantic.RequestsPerSecond)
	cfg.Semantic.Burst = getEnvInt("STATETRACE_SEMANTIC_BURST", cfg.Semantic.Burst)
	cfg.Semantic.EmbeddingModel = getEnv("STATETRACE_EMBEDDING_MODEL", cfg.Semantic.EmbeddingModel)

	cfg.Recorder.EventTimeout = Duration(getEnvDuration("STATETRACE_EVENT_TIMEOUT", cfg.Recorder.EventTimeout.Std()))
	cfg.Recorder.ResolveThreshold = getEnvFloat("STATETRACE_RESOLVE_THRESHOLD", cfg.Recorder.ResolveThreshold)
}

// getEnv retrieves a string environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a default
// value. Unparseable values fall back to the default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvFloat retrieves a float environment variable or returns a default
// value. Unparseable values fall back to the default.
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

// getEnvBool retrieves a boolean environment variable or returns a default
// value. It recognizes "true", "1", "yes" and "false", "0", "no"
// (case-insensitive). Unparseable values fall back to the default.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch value {
		case "true", "1", "yes", "True", "TRUE", "Yes", "YES":
			return true
		case "false", "0", "no", "False", "FALSE", "No", "NO":
			return false
		}
	}
	return defaultValue
}

// getEnvDuration retrieves a duration environment variable ("30s", "2m") or
// returns a default value. Unparseable values fall back to the default.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// Package config loads and validates the daemon configuration from a
// YAML file with environment overrides for deployment-specific values.
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yjpa7145/cumulus/errors"
)

// NATSConfig holds broker connection settings.
type NATSConfig struct {
	URL           string        `yaml:"url"`
	Name          string        `yaml:"name"`
	Username      string        `yaml:"username"`
	Password      string        `yaml:"password"`
	Timeout       time.Duration `yaml:"timeout"`
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
	MaxReconnects int           `yaml:"max_reconnects"`
}

// BucketConfig names the KV and object store buckets.
type BucketConfig struct {
	Rules       string `yaml:"rules"`
	Datasets    string `yaml:"datasets"`
	DataSources string `yaml:"data_sources"`
	Templates   string `yaml:"templates"`
}

// IngestConfig tunes the record ingest pipeline.
type IngestConfig struct {
	Stream          string        `yaml:"stream"`
	Subjects        []string      `yaml:"subjects"`
	FallbackSubject string        `yaml:"fallback_subject"`
	TopicSubject    string        `yaml:"topic_subject"`
	BatchSize       int           `yaml:"batch_size"`
	Concurrency     int           `yaml:"concurrency"`
	BatchTimeout    time.Duration `yaml:"batch_timeout"`
	PollInterval    time.Duration `yaml:"poll_interval"`
}

// QueueConfig describes the work-queue stream executions are submitted
// to.
type QueueConfig struct {
	Stream   string   `yaml:"stream"`
	Subjects []string `yaml:"subjects"`
}

// MetricsConfig controls the metrics endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	Path    string `yaml:"path"`
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// SecurityConfig holds the credential encryption key. The key is
// usually injected via CUMULUS_ENCRYPTION_KEY rather than the file.
type SecurityConfig struct {
	EncryptionKey string `yaml:"encryption_key"`
}

// Config is the complete daemon configuration.
type Config struct {
	Namespace string         `yaml:"namespace"`
	NATS      NATSConfig     `yaml:"nats"`
	Buckets   BucketConfig   `yaml:"buckets"`
	Ingest    IngestConfig   `yaml:"ingest"`
	Queue     QueueConfig    `yaml:"queue"`
	Metrics   MetricsConfig  `yaml:"metrics"`
	Log       LogConfig      `yaml:"log"`
	Security  SecurityConfig `yaml:"security"`
}

// Default returns the baseline configuration a deployment overrides.
func Default() *Config {
	return &Config{
		Namespace: "cumulus",
		NATS: NATSConfig{
			URL:           "nats://localhost:4222",
			Name:          "cumulus",
			Timeout:       10 * time.Second,
			ReconnectWait: 2 * time.Second,
			MaxReconnects: -1,
		},
		Buckets: BucketConfig{
			Rules:       "cumulus-rules",
			Datasets:    "cumulus-datasets",
			DataSources: "cumulus-data-sources",
			Templates:   "cumulus-templates",
		},
		Ingest: IngestConfig{
			Stream:          "INGEST",
			Subjects:        []string{"ingest.records.>"},
			FallbackSubject: "ingest.fallback",
			BatchSize:       10,
			Concurrency:     4,
			BatchTimeout:    30 * time.Second,
			PollInterval:    2 * time.Second,
		},
		Queue: QueueConfig{
			Stream:   "WORKFLOW_QUEUE",
			Subjects: []string{"workflow.start.>"},
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9090",
			Path:    "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads the config file over the defaults and applies environment
// overrides. An empty path returns defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Config", "Load", "read config file "+path)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.WrapInvalid(err, "Config", "Load", "parse config file "+path)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("CUMULUS_NATS_URL"); v != "" {
		c.NATS.URL = v
	}
	if v := os.Getenv("CUMULUS_NATS_USERNAME"); v != "" {
		c.NATS.Username = v
	}
	if v := os.Getenv("CUMULUS_NATS_PASSWORD"); v != "" {
		c.NATS.Password = v
	}
	if v := os.Getenv("CUMULUS_NAMESPACE"); v != "" {
		c.Namespace = v
	}
	if v := os.Getenv("CUMULUS_ENCRYPTION_KEY"); v != "" {
		c.Security.EncryptionKey = v
	}
	if v := os.Getenv("CUMULUS_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}

// Validate checks the configuration for values the daemon cannot run
// with.
func (c *Config) Validate() error {
	if c.NATS.URL == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate",
			"nats.url is required")
	}
	if c.Namespace == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate",
			"namespace is required")
	}
	if c.Ingest.Stream == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate",
			"ingest.stream is required")
	}
	if len(c.Ingest.Subjects) == 0 {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate",
			"ingest.subjects must name at least one subject")
	}
	if c.Ingest.FallbackSubject == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate",
			"ingest.fallback_subject is required")
	}
	if c.Queue.Stream == "" || len(c.Queue.Subjects) == 0 {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate",
			"queue.stream and queue.subjects are required")
	}
	if c.Ingest.BatchSize <= 0 || c.Ingest.Concurrency <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"ingest.batch_size and ingest.concurrency must be positive")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"log.level must be debug, info, warn or error")
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"log.format must be json or text")
	}
	if key := c.Security.EncryptionKey; key != "" {
		switch len(key) {
		case 16, 24, 32:
		default:
			return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
				"security.encryption_key must be 16, 24 or 32 bytes")
		}
	}
	return nil
}

// Package config loads and validates the engine configuration from a
// YAML file with environment overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/catherinevee/syncmgr/internal/logger"
)

// Config is the top-level engine configuration.
type Config struct {
	Server     ServerConfig      `yaml:"server"`
	Log        logger.Config     `yaml:"log"`
	Database   DatabaseConfig    `yaml:"database"`
	Blob       BlobConfig        `yaml:"blob"`
	Retrieval  RetrievalConfig   `yaml:"retrieval"`
	Signing    SigningConfig     `yaml:"signing"`
	Streamer   StreamerConfig    `yaml:"streamer"`
	Connectors []ConnectorConfig `yaml:"connectors"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Addr string `yaml:"addr" validate:"required"`
}

// DatabaseConfig configures the sqlite store.
type DatabaseConfig struct {
	Path string `yaml:"path" validate:"required"`
}

// BlobConfig configures record-blob storage for retrieval.
type BlobConfig struct {
	// Backend is "local" or "s3".
	Backend string `yaml:"backend" validate:"oneof=local s3"`
	Path    string `yaml:"path"`
	Bucket  string `yaml:"bucket"`
	Prefix  string `yaml:"prefix"`
	Region  string `yaml:"region"`

	// Redis caches hydrated blobs between retrieval calls; empty addr
	// disables the cache.
	RedisAddr string        `yaml:"redis_addr"`
	CacheTTL  time.Duration `yaml:"cache_ttl"`
}

// RetrievalConfig tunes the retrieval assembler.
type RetrievalConfig struct {
	// TokenCeiling is the prompt budget reported against; the caller
	// drops lowest-scoring records when the count exceeds it.
	TokenCeiling int `yaml:"token_ceiling"`
	// LargeTableWords is the markdown word count above which a table's
	// rows are withheld on the initial pass.
	LargeTableWords int `yaml:"large_table_words"`
}

// SigningConfig configures signed stream URLs.
type SigningConfig struct {
	// Secrets holds the rotating signing secrets, newest first. Tokens
	// are signed with Secrets[0] and validated against all of them.
	Secrets []string      `yaml:"secrets" validate:"min=1"`
	TTL     time.Duration `yaml:"ttl"`
}

// StreamerConfig configures the record streamer.
type StreamerConfig struct {
	// ConverterPath is the headless document converter binary used for
	// PDF conversion requests.
	ConverterPath string `yaml:"converter_path"`
	// ConvertTimeout bounds one conversion; on expiry the converter is
	// terminated with a short grace period before a hard kill.
	ConvertTimeout time.Duration `yaml:"convert_timeout"`
}

// ConnectorConfig configures one connector instance.
type ConnectorConfig struct {
	ID     string `yaml:"id" validate:"required"`
	OrgID  string `yaml:"org_id" validate:"required"`
	Name   string `yaml:"name" validate:"required"`
	Source string `yaml:"source" validate:"required"`

	BatchSize            int           `yaml:"batch_size"`
	MaxConcurrentBatches int           `yaml:"max_concurrent_batches"`
	RequestsPerSecond    float64       `yaml:"requests_per_second"`
	RequestBurst         int           `yaml:"request_burst"`
	SyncInterval         time.Duration `yaml:"sync_interval"`
	WebhookSecret        string        `yaml:"webhook_secret"`

	// Source-specific settings (API endpoints, credentials references,
	// scope selection).
	Settings map[string]string `yaml:"settings"`

	Filters FilterConfig `yaml:"filters"`
}

// FilterConfig holds the user-configured sync and indexing filters for
// one connector instance.
type FilterConfig struct {
	SyncStartMs    int64    `yaml:"sync_start_ms"`
	SyncEndMs      int64    `yaml:"sync_end_ms"`
	IncludeScopes  []string `yaml:"include_scopes"`
	ExcludeScopes  []string `yaml:"exclude_scopes"`
	IndexTypes     []string `yaml:"index_types"`
	ExcludeMimes   []string `yaml:"exclude_mimes"`
	MaxSizeInBytes int64    `yaml:"max_size_in_bytes"`
}

// DefaultConfig returns a configuration with sane defaults filled in.
func DefaultConfig() *Config {
	return &Config{
		Server:   ServerConfig{Addr: ":8080"},
		Log:      logger.Config{Level: "info", Format: "json", Output: "stdout"},
		Database: DatabaseConfig{Path: "syncmgr.db"},
		Blob:     BlobConfig{Backend: "local", Path: "blobs", CacheTTL: 10 * time.Minute},
		Retrieval: RetrievalConfig{
			TokenCeiling:    24000,
			LargeTableWords: 700,
		},
		Signing:  SigningConfig{TTL: 15 * time.Minute},
		Streamer: StreamerConfig{ConverterPath: "soffice", ConvertTimeout: 30 * time.Second},
	}
}

// Load reads, defaults and validates the configuration file at path.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Retrieval.TokenCeiling == 0 {
		c.Retrieval.TokenCeiling = 24000
	}
	if c.Retrieval.LargeTableWords == 0 {
		c.Retrieval.LargeTableWords = 700
	}
	if c.Signing.TTL == 0 {
		c.Signing.TTL = 15 * time.Minute
	}
	if c.Blob.CacheTTL == 0 {
		c.Blob.CacheTTL = 10 * time.Minute
	}
	if c.Streamer.ConverterPath == "" {
		c.Streamer.ConverterPath = "soffice"
	}
	if c.Streamer.ConvertTimeout == 0 {
		c.Streamer.ConvertTimeout = 30 * time.Second
	}
	for i := range c.Connectors {
		cc := &c.Connectors[i]
		if cc.BatchSize == 0 {
			cc.BatchSize = 50
		}
		if cc.MaxConcurrentBatches == 0 {
			cc.MaxConcurrentBatches = 5
		}
		if cc.RequestsPerSecond == 0 {
			cc.RequestsPerSecond = 10
		}
		if cc.RequestBurst == 0 {
			cc.RequestBurst = int(cc.RequestsPerSecond)
		}
		if cc.SyncInterval == 0 {
			cc.SyncInterval = time.Hour
		}
	}
}

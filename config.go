package tillsync

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// EngineConfig defines engine configuration.
type EngineConfig struct {
	// Enabled toggles the whole subsystem. When false, Enqueue returns a
	// no-op sentinel and sync passes do nothing. Disabled is not an error.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// StorePath is the file path for the SQLite store. Required.
	StorePath string `yaml:"store_path" json:"store_path"`

	// SyncBatchSize caps how many operations one sync pass may select.
	// Default: 50
	SyncBatchSize int `yaml:"sync_batch_size" json:"sync_batch_size"`

	// MaxSyncAttempts is the attempt ceiling per operation. An operation
	// that keeps failing is marked failed once the ceiling is reached and
	// is left for manual intervention. Default: 5
	MaxSyncAttempts int `yaml:"max_sync_attempts" json:"max_sync_attempts"`

	// ClaimTTL is how long a per-terminal sync claim is honored before a
	// new pass may take it over from a crashed holder. Default: 2m
	ClaimTTL time.Duration `yaml:"claim_ttl" json:"claim_ttl"`

	// SyncInterval is the cadence of the background scheduler started by
	// Engine.Start. Default: 30s
	SyncInterval time.Duration `yaml:"sync_interval" json:"sync_interval"`

	// HeartbeatTimeout marks a terminal offline when no heartbeat arrives
	// within this window. Default: 2m
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout" json:"heartbeat_timeout"`

	// OperationTypes lists the operation types accepted at enqueue time.
	// Unregistered types are rejected synchronously.
	OperationTypes []string `yaml:"operation_types" json:"operation_types"`

	// Cipher configures optional at-rest encryption of payloads and
	// configuration snapshots.
	Cipher CipherConfig `yaml:"cipher" json:"cipher"`

	// Archive configures the optional S3 audit archiver.
	Archive ArchiveConfig `yaml:"archive" json:"archive"`

	// MetricsEnabled registers Prometheus collectors for engine activity.
	MetricsEnabled bool `yaml:"metrics_enabled" json:"metrics_enabled"`
}

// DefaultEngineConfig returns an engine configuration with production
// defaults. StorePath and OperationTypes must still be set by the caller.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Enabled:          true,
		SyncBatchSize:    50,
		MaxSyncAttempts:  5,
		ClaimTTL:         2 * time.Minute,
		SyncInterval:     30 * time.Second,
		HeartbeatTimeout: 2 * time.Minute,
		MetricsEnabled:   true,
	}
}

// LoadEngineConfig reads an EngineConfig from a YAML file. Zero fields are
// backfilled with defaults.
func LoadEngineConfig(path string) (EngineConfig, error) {
	cfg := DefaultEngineConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config file: %w", err)
	}

	cfg.backfill()
	return cfg, cfg.Validate()
}

// backfill replaces zero-valued tunables with defaults.
func (c *EngineConfig) backfill() {
	def := DefaultEngineConfig()
	if c.SyncBatchSize <= 0 {
		c.SyncBatchSize = def.SyncBatchSize
	}
	if c.MaxSyncAttempts <= 0 {
		c.MaxSyncAttempts = def.MaxSyncAttempts
	}
	if c.ClaimTTL <= 0 {
		c.ClaimTTL = def.ClaimTTL
	}
	if c.SyncInterval <= 0 {
		c.SyncInterval = def.SyncInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = def.HeartbeatTimeout
	}
}

// Validate checks the configuration for structural problems.
func (c *EngineConfig) Validate() error {
	if c.StorePath == "" {
		return fmt.Errorf("store_path is required")
	}
	if c.SyncBatchSize <= 0 {
		return fmt.Errorf("sync_batch_size must be positive, got %d", c.SyncBatchSize)
	}
	if c.MaxSyncAttempts <= 0 {
		return fmt.Errorf("max_sync_attempts must be positive, got %d", c.MaxSyncAttempts)
	}
	for _, t := range c.OperationTypes {
		if t == "" {
			return fmt.Errorf("operation type names must be non-empty")
		}
	}
	if c.Archive.Enabled && c.Archive.Bucket == "" {
		return fmt.Errorf("archive.bucket is required when archiving is enabled")
	}
	return nil
}

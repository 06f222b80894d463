// Package config provides unified configuration for the Cerberus services.
package config

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the unified configuration for the Cerberus services.
type Config struct {
	// DataDir is the base directory for all data files
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// HTTP configuration
	HTTP HTTPConfig `json:"http" yaml:"http"`

	// gRPC configuration
	GRPC GRPCConfig `json:"grpc" yaml:"grpc"`

	// Ingest pipeline configuration
	Ingest IngestConfig `json:"ingest" yaml:"ingest"`

	// Catalog configuration
	Catalog CatalogConfig `json:"catalog" yaml:"catalog"`

	// Envelope archive configuration
	Archive ArchiveConfig `json:"archive" yaml:"archive"`

	// Logging configuration
	Logging LoggingConfig `json:"logging" yaml:"logging"`

	// Metrics configuration
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	// Addr is the HTTP listen address
	Addr string `json:"addr" yaml:"addr"`

	// ReadTimeout is the HTTP read timeout
	ReadTimeout time.Duration `json:"read_timeout" yaml:"read_timeout"`

	// WriteTimeout is the HTTP write timeout
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`

	// IdleTimeout is the HTTP idle timeout
	IdleTimeout time.Duration `json:"idle_timeout" yaml:"idle_timeout"`

	// ShutdownTimeout bounds the graceful drain of in-flight requests
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// GRPCConfig holds gRPC server configuration.
type GRPCConfig struct {
	// Addr is the gRPC server address
	Addr string `json:"addr" yaml:"addr"`

	// Enabled controls whether gRPC is enabled
	Enabled bool `json:"enabled" yaml:"enabled"`
}

// IngestConfig holds ingest pipeline configuration.
type IngestConfig struct {
	// SimulateKEM reads the AES key straight out of the key blob. Devices
	// without a real KEM depend on it.
	SimulateKEM bool `json:"simulate_kem" yaml:"simulate_kem"`

	// KEMSeedFile holds the 64-byte ML-KEM-768 decapsulation key seed used
	// when SimulateKEM is off
	KEMSeedFile string `json:"kem_seed_file" yaml:"kem_seed_file"`

	// StaticKey is a pre-shared 32-byte AES key, hex or base64, used when
	// SimulateKEM is off and no seed file is set
	StaticKey string `json:"static_key" yaml:"static_key"`

	// BatchConcurrency bounds parallel processing inside one batch request
	BatchConcurrency int `json:"batch_concurrency" yaml:"batch_concurrency"`

	// MaxBatchSize is the largest accepted batch
	MaxBatchSize int `json:"max_batch_size" yaml:"max_batch_size"`

	// MaxBodyBytes caps request bodies
	MaxBodyBytes int64 `json:"max_body_bytes" yaml:"max_body_bytes"`
}

// CatalogConfig holds report catalog configuration.
type CatalogConfig struct {
	// Path is the SQLite database file
	Path string `json:"path" yaml:"path"`

	// Retention removes reports older than this; zero keeps everything
	Retention time.Duration `json:"retention" yaml:"retention"`

	// RetentionInterval is the time between retention sweeps
	RetentionInterval time.Duration `json:"retention_interval" yaml:"retention_interval"`
}

// ArchiveConfig holds envelope archive configuration.
type ArchiveConfig struct {
	// Enabled controls whether sealed envelopes are archived
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Type is the storage type: local, s3
	Type string `json:"type" yaml:"type"`

	// Path is the local storage path (for local type)
	Path string `json:"path" yaml:"path"`

	// Compress stores envelopes snappy-compressed
	Compress bool `json:"compress" yaml:"compress"`

	// ShardCount is the number of key prefixes (1-256)
	ShardCount int `json:"shard_count" yaml:"shard_count"`

	// S3 configuration (for s3 type)
	S3 S3Config `json:"s3" yaml:"s3"`
}

// S3Config holds S3 storage configuration.
type S3Config struct {
	// Bucket is the S3 bucket name
	Bucket string `json:"bucket" yaml:"bucket"`

	// Region is the AWS region
	Region string `json:"region" yaml:"region"`

	// Endpoint is the S3 endpoint (for S3-compatible storage)
	Endpoint string `json:"endpoint" yaml:"endpoint"`

	// UsePathStyle enables path-style addressing (required for MinIO)
	UsePathStyle bool `json:"use_path_style" yaml:"use_path_style"`
}

// LoggingConfig holds logger configuration.
type LoggingConfig struct {
	// Level is a zap level name: debug, info, warn, error
	Level string `json:"level" yaml:"level"`

	// Format is json or console
	Format string `json:"format" yaml:"format"`
}

// MetricsConfig holds metrics configuration.
type MetricsConfig struct {
	// Enabled exposes /metrics
	Enabled bool `json:"enabled" yaml:"enabled"`

	// RiskWindow is how long per-device risk counters are kept
	RiskWindow time.Duration `json:"risk_window" yaml:"risk_window"`
}

// DefaultConfig returns the default configuration for local development.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "./data/cerberus",
		HTTP: HTTPConfig{
			Addr:            ":5000",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    60 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		GRPC: GRPCConfig{
			Addr:    ":9090",
			Enabled: true,
		},
		Ingest: IngestConfig{
			SimulateKEM:      true,
			BatchConcurrency: 8,
			MaxBatchSize:     500,
			MaxBodyBytes:     1 << 20,
		},
		Catalog: CatalogConfig{
			RetentionInterval: time.Hour,
		},
		Archive: ArchiveConfig{
			Enabled:    true,
			Type:       "local",
			Compress:   true,
			ShardCount: 256,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled:    true,
			RiskWindow: time.Hour,
		},
	}
}

// Resolve resolves relative paths and sets defaults based on DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/cerberus"
	}
	if c.Catalog.Path == "" {
		c.Catalog.Path = filepath.Join(c.DataDir, "catalog.db")
	}
	if c.Archive.Path == "" {
		c.Archive.Path = filepath.Join(c.DataDir, "archive")
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	if c.HTTP.Addr == "" {
		return fmt.Errorf("http.addr is required")
	}

	if c.GRPC.Enabled && c.GRPC.Addr == "" {
		return fmt.Errorf("grpc.addr is required when grpc is enabled")
	}

	if !c.Ingest.SimulateKEM && c.Ingest.KEMSeedFile == "" && c.Ingest.StaticKey == "" {
		return fmt.Errorf("ingest.kem_seed_file or ingest.static_key is required when simulate_kem is false")
	}
	if c.Ingest.StaticKey != "" {
		if _, err := c.Ingest.DecodeStaticKey(); err != nil {
			return err
		}
	}

	if c.Ingest.BatchConcurrency < 1 {
		return fmt.Errorf("ingest.batch_concurrency must be positive, got %d", c.Ingest.BatchConcurrency)
	}
	if c.Ingest.MaxBatchSize < 1 {
		return fmt.Errorf("ingest.max_batch_size must be positive, got %d", c.Ingest.MaxBatchSize)
	}
	if c.Ingest.MaxBodyBytes < 1 {
		return fmt.Errorf("ingest.max_body_bytes must be positive, got %d", c.Ingest.MaxBodyBytes)
	}

	if c.Catalog.Retention < 0 {
		return fmt.Errorf("catalog.retention must not be negative")
	}
	if c.Catalog.Retention > 0 && c.Catalog.RetentionInterval <= 0 {
		return fmt.Errorf("catalog.retention_interval must be positive when retention is set")
	}

	if c.Archive.Enabled {
		if c.Archive.Type != "local" && c.Archive.Type != "s3" {
			return fmt.Errorf("invalid archive type: %s (must be local or s3)", c.Archive.Type)
		}
		if c.Archive.Type == "s3" && c.Archive.S3.Bucket == "" {
			return fmt.Errorf("archive.s3.bucket is required when archive type is s3")
		}
		if c.Archive.ShardCount < 1 || c.Archive.ShardCount > 256 {
			return fmt.Errorf("archive.shard_count must be between 1 and 256, got %d", c.Archive.ShardCount)
		}
	}

	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("invalid logging format: %s (must be json or console)", c.Logging.Format)
	}

	return nil
}

// DecodeStaticKey decodes the pre-shared key from hex or base64.
func (c IngestConfig) DecodeStaticKey() ([]byte, error) {
	s := strings.TrimSpace(c.StaticKey)
	key, err := hex.DecodeString(s)
	if err != nil {
		if key, err = base64.StdEncoding.DecodeString(s); err != nil {
			return nil, fmt.Errorf("ingest.static_key is neither hex nor base64")
		}
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("ingest.static_key must be 32 bytes, got %d", len(key))
	}
	return key, nil
}

// LoadFromFile loads configuration from a YAML or JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadDotEnv loads variables from .env files into the process environment.
// Variables already set win; missing files are ignored.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("failed to load %s: %w", p, err)
		}
	}
	return nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the CERBERUS_ prefix.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("CERBERUS_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}

	// HTTP configuration
	if v := os.Getenv("CERBERUS_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("CERBERUS_HTTP_SHUTDOWN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.HTTP.ShutdownTimeout = d
		}
	}

	// gRPC configuration
	if v := os.Getenv("CERBERUS_GRPC_ADDR"); v != "" {
		cfg.GRPC.Addr = v
	}
	if v := os.Getenv("CERBERUS_GRPC_ENABLED"); v != "" {
		cfg.GRPC.Enabled = envBool(v)
	}

	// Ingest configuration
	if v := os.Getenv("CERBERUS_SIMULATE_KEM"); v != "" {
		cfg.Ingest.SimulateKEM = envBool(v)
	}
	if v := os.Getenv("CERBERUS_KEM_SEED_FILE"); v != "" {
		cfg.Ingest.KEMSeedFile = v
	}
	if v := os.Getenv("CERBERUS_STATIC_KEY"); v != "" {
		cfg.Ingest.StaticKey = v
	}
	if v := os.Getenv("CERBERUS_INGEST_BATCH_CONCURRENCY"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Ingest.BatchConcurrency)
	}
	if v := os.Getenv("CERBERUS_INGEST_MAX_BATCH_SIZE"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Ingest.MaxBatchSize)
	}
	if v := os.Getenv("CERBERUS_INGEST_MAX_BODY_BYTES"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Ingest.MaxBodyBytes)
	}

	// Catalog configuration
	if v := os.Getenv("CERBERUS_CATALOG_PATH"); v != "" {
		cfg.Catalog.Path = v
	}
	if v := os.Getenv("CERBERUS_CATALOG_RETENTION"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Catalog.Retention = d
		}
	}

	// Archive configuration
	if v := os.Getenv("CERBERUS_ARCHIVE_ENABLED"); v != "" {
		cfg.Archive.Enabled = envBool(v)
	}
	if v := os.Getenv("CERBERUS_ARCHIVE_TYPE"); v != "" {
		cfg.Archive.Type = v
	}
	if v := os.Getenv("CERBERUS_ARCHIVE_PATH"); v != "" {
		cfg.Archive.Path = v
	}
	if v := os.Getenv("CERBERUS_S3_BUCKET"); v != "" {
		cfg.Archive.S3.Bucket = v
	}
	if v := os.Getenv("CERBERUS_S3_REGION"); v != "" {
		cfg.Archive.S3.Region = v
	}
	if v := os.Getenv("CERBERUS_S3_ENDPOINT"); v != "" {
		cfg.Archive.S3.Endpoint = v
	}

	// Logging configuration
	if v := os.Getenv("CERBERUS_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("CERBERUS_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.DataDir,
		filepath.Dir(c.Catalog.Path),
	}
	if c.Archive.Enabled && c.Archive.Type == "local" {
		dirs = append(dirs, c.Archive.Path)
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}

func envBool(v string) bool {
	return v == "true" || v == "1"
}

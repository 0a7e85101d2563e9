package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/tierstore/tierstore/pkg/utils"
)

// Backend names accepted by the secure and bulk sections.
const (
	BackendMemory = "memory"
	BackendSealed = "sealed"
	BackendSQLite = "sqlite"
	BackendBadger = "badger"
	BackendS3     = "s3"
)

// Configuration represents the complete application configuration
type Configuration struct {
	Global  GlobalConfig  `yaml:"global"`
	Limits  LimitsConfig  `yaml:"limits"`
	Cleanup CleanupConfig `yaml:"cleanup"`
	Monitor MonitorConfig `yaml:"monitor"`
	Secure  SecureConfig  `yaml:"secure"`
	Bulk    BulkConfig    `yaml:"bulk"`
	Cache   CacheConfig   `yaml:"cache"`
	Metrics MetricsConfig `yaml:"metrics"`
	API     APIConfig     `yaml:"api"`
}

// GlobalConfig represents global application settings
type GlobalConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFile   string `yaml:"log_file"`
	LogFormat string `yaml:"log_format"`
}

// LimitsConfig holds the size thresholds that drive tier routing.
type LimitsConfig struct {
	SecureSafeLimit      int    `yaml:"secure_safe_limit"`
	CompressionThreshold int    `yaml:"compression_threshold"`
	ChunkSize            int    `yaml:"chunk_size"`
	ChunkThreshold       int    `yaml:"chunk_threshold"`
	BulkCapacity         string `yaml:"bulk_capacity"`
}

// CleanupConfig represents the routine and emergency policy settings
type CleanupConfig struct {
	RetentionDays         int      `yaml:"retention_days"`
	WarningRatio          float64  `yaml:"warning_ratio"`
	CriticalRatio         float64  `yaml:"critical_ratio"`
	TransientPrefixes     []string `yaml:"transient_prefixes"`
	TimestampFields       []string `yaml:"timestamp_fields"`
	CompressTopN          int      `yaml:"compress_top_n"`
	MinCompressionSavings float64  `yaml:"min_compression_savings"`
	SecureKeys            []string `yaml:"secure_keys"`
}

// MonitorConfig represents capacity monitor settings
type MonitorConfig struct {
	Interval     time.Duration `yaml:"interval"`
	Ratio        float64       `yaml:"ratio"`
	ProbeTimeout time.Duration `yaml:"probe_timeout"`
}

// SecureConfig selects and configures the Secure tier backend
type SecureConfig struct {
	Backend       string `yaml:"backend"`
	Directory     string `yaml:"directory"`
	MasterKey     string `yaml:"master_key"`
	MasterKeyFile string `yaml:"master_key_file"`
	ItemLimit     int    `yaml:"item_limit"`

	// Consecutive write failures before Secure writes are skipped, and for how long.
	BreakerFailures int           `yaml:"breaker_failures"`
	BreakerTimeout  time.Duration `yaml:"breaker_timeout"`
}

// BulkConfig selects and configures the Bulk tier backend
type BulkConfig struct {
	Backend string   `yaml:"backend"`
	Path    string   `yaml:"path"`
	S3      S3Config `yaml:"s3"`
}

// S3Config represents an S3 or MinIO bucket used as the Bulk tier
type S3Config struct {
	Bucket          string        `yaml:"bucket"`
	Prefix          string        `yaml:"prefix"`
	Region          string        `yaml:"region"`
	Endpoint        string        `yaml:"endpoint"`
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
	UsePathStyle    bool          `yaml:"use_path_style"`
	MaxRetries      int           `yaml:"max_retries"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	UseCargoShip    bool          `yaml:"use_cargoship"`
	StorageClass    string        `yaml:"storage_class"`
}

// CacheConfig represents the read-through value cache
type CacheConfig struct {
	Enabled    bool   `yaml:"enabled"`
	MaxEntries int    `yaml:"max_entries"`
	MaxSize    string `yaml:"max_size"`
}

// MetricsConfig represents Prometheus metrics settings
type MetricsConfig struct {
	Enabled   bool              `yaml:"enabled"`
	Address   string            `yaml:"address"`
	Path      string            `yaml:"path"`
	Namespace string            `yaml:"namespace"`
	Labels    map[string]string `yaml:"labels"`
}

// APIConfig represents the operational HTTP endpoint (health, readiness, usage)
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// NewDefault returns a configuration with sensible defaults
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:  "INFO",
			LogFormat: "text",
		},
		Limits: LimitsConfig{
			SecureSafeLimit:      1800,
			CompressionThreshold: 1024,
			ChunkSize:            50000,
			ChunkThreshold:       50000,
			BulkCapacity:         "10MB",
		},
		Cleanup: CleanupConfig{
			RetentionDays: 7,
			WarningRatio:  0.70,
			CriticalRatio: 0.85,
			TransientPrefixes: []string{
				"temp", "tmp", "cache", "analytics", "debug", "log", "crash", "performance",
			},
			TimestampFields:       []string{"timestamp", "cachedAt", "cached_at", "updatedAt"},
			CompressTopN:          5,
			MinCompressionSavings: 0.10,
		},
		Monitor: MonitorConfig{
			Interval:     30 * time.Minute,
			Ratio:        0.80,
			ProbeTimeout: 5 * time.Second,
		},
		Secure: SecureConfig{
			Backend:         BackendMemory,
			ItemLimit:       2048,
			BreakerFailures: 5,
			BreakerTimeout:  time.Minute,
		},
		Bulk: BulkConfig{
			Backend: BackendMemory,
			S3: S3Config{
				Region:         "us-east-1",
				MaxRetries:     3,
				RequestTimeout: 30 * time.Second,
				StorageClass:   "STANDARD",
			},
		},
		Cache: CacheConfig{
			Enabled:    true,
			MaxEntries: 256,
			MaxSize:    "1MB",
		},
		Metrics: MetricsConfig{
			Enabled:   false,
			Address:   ":9464",
			Path:      "/metrics",
			Namespace: "tierstore",
		},
		API: APIConfig{
			Enabled: false,
			Address: "localhost:8080",
		},
	}
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// LoadFromEnv loads configuration overrides from TIERSTORE_* environment variables
func (c *Configuration) LoadFromEnv() error {
	if val := os.Getenv("TIERSTORE_LOG_LEVEL"); val != "" {
		c.Global.LogLevel = strings.ToUpper(val)
	}
	if val := os.Getenv("TIERSTORE_LOG_FILE"); val != "" {
		c.Global.LogFile = val
	}
	if val := os.Getenv("TIERSTORE_LOG_FORMAT"); val != "" {
		c.Global.LogFormat = val
	}

	// Limits
	if err := envInt("TIERSTORE_SECURE_SAFE_LIMIT", &c.Limits.SecureSafeLimit); err != nil {
		return err
	}
	if err := envInt("TIERSTORE_COMPRESSION_THRESHOLD", &c.Limits.CompressionThreshold); err != nil {
		return err
	}
	if err := envInt("TIERSTORE_CHUNK_SIZE", &c.Limits.ChunkSize); err != nil {
		return err
	}
	if err := envInt("TIERSTORE_CHUNK_THRESHOLD", &c.Limits.ChunkThreshold); err != nil {
		return err
	}
	if val := os.Getenv("TIERSTORE_BULK_CAPACITY"); val != "" {
		c.Limits.BulkCapacity = val
	}

	// Cleanup
	if err := envInt("TIERSTORE_RETENTION_DAYS", &c.Cleanup.RetentionDays); err != nil {
		return err
	}
	if err := envFloat("TIERSTORE_WARNING_RATIO", &c.Cleanup.WarningRatio); err != nil {
		return err
	}
	if err := envFloat("TIERSTORE_CRITICAL_RATIO", &c.Cleanup.CriticalRatio); err != nil {
		return err
	}
	if val := os.Getenv("TIERSTORE_SECURE_KEYS"); val != "" {
		c.Cleanup.SecureKeys = splitList(val)
	}

	// Monitor
	if val := os.Getenv("TIERSTORE_MONITOR_INTERVAL"); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("TIERSTORE_MONITOR_INTERVAL: %w", err)
		}
		c.Monitor.Interval = d
	}

	// Backends
	if val := os.Getenv("TIERSTORE_SECURE_BACKEND"); val != "" {
		c.Secure.Backend = val
	}
	if val := os.Getenv("TIERSTORE_SECURE_DIR"); val != "" {
		c.Secure.Directory = val
	}
	if val := os.Getenv("TIERSTORE_SECURE_MASTER_KEY"); val != "" {
		c.Secure.MasterKey = val
	}
	if val := os.Getenv("TIERSTORE_BULK_BACKEND"); val != "" {
		c.Bulk.Backend = val
	}
	if val := os.Getenv("TIERSTORE_BULK_PATH"); val != "" {
		c.Bulk.Path = val
	}
	if val := os.Getenv("TIERSTORE_S3_BUCKET"); val != "" {
		c.Bulk.S3.Bucket = val
	}
	if val := os.Getenv("TIERSTORE_S3_ENDPOINT"); val != "" {
		c.Bulk.S3.Endpoint = val
	}
	if val := os.Getenv("TIERSTORE_S3_REGION"); val != "" {
		c.Bulk.S3.Region = val
	}

	if val := os.Getenv("TIERSTORE_METRICS_ENABLED"); val != "" {
		c.Metrics.Enabled = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("TIERSTORE_METRICS_ADDRESS"); val != "" {
		c.Metrics.Address = val
	}
	if val := os.Getenv("TIERSTORE_API_ENABLED"); val != "" {
		c.API.Enabled = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("TIERSTORE_API_ADDRESS"); val != "" {
		c.API.Address = val
	}

	return nil
}

// SaveToFile saves the configuration to a YAML file
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Configuration) Validate() error {
	validLogLevels := []string{"DEBUG", "INFO", "WARN", "ERROR"}
	logLevelValid := false
	for _, level := range validLogLevels {
		if c.Global.LogLevel == level {
			logLevelValid = true
			break
		}
	}
	if !logLevelValid {
		return fmt.Errorf("invalid log_level: %s (must be one of: %s)",
			c.Global.LogLevel, strings.Join(validLogLevels, ", "))
	}

	l := c.Limits
	if l.SecureSafeLimit <= 0 {
		return fmt.Errorf("secure_safe_limit must be greater than 0")
	}
	if c.Secure.ItemLimit > 0 && l.SecureSafeLimit > c.Secure.ItemLimit {
		return fmt.Errorf("secure_safe_limit (%d) exceeds secure item_limit (%d)", l.SecureSafeLimit, c.Secure.ItemLimit)
	}
	if l.CompressionThreshold < 0 {
		return fmt.Errorf("compression_threshold must not be negative")
	}
	if l.ChunkSize <= 0 {
		return fmt.Errorf("chunk_size must be greater than 0")
	}
	if l.ChunkThreshold < l.SecureSafeLimit {
		return fmt.Errorf("chunk_threshold (%d) must not be below secure_safe_limit (%d)", l.ChunkThreshold, l.SecureSafeLimit)
	}
	if capacity, err := c.BulkCapacityBytes(); err != nil {
		return err
	} else if capacity <= 0 {
		return fmt.Errorf("bulk_capacity must be greater than 0")
	}

	cl := c.Cleanup
	if cl.RetentionDays <= 0 {
		return fmt.Errorf("retention_days must be greater than 0")
	}
	if cl.WarningRatio <= 0 || cl.WarningRatio >= cl.CriticalRatio || cl.CriticalRatio > 1 {
		return fmt.Errorf("ratios must satisfy 0 < warning_ratio (%.2f) < critical_ratio (%.2f) <= 1",
			cl.WarningRatio, cl.CriticalRatio)
	}
	if cl.MinCompressionSavings < 0 || cl.MinCompressionSavings >= 1 {
		return fmt.Errorf("min_compression_savings must be in [0, 1)")
	}

	if c.Monitor.Interval <= 0 {
		return fmt.Errorf("monitor interval must be greater than 0")
	}
	if c.Monitor.Ratio <= 0 || c.Monitor.Ratio > 1 {
		return fmt.Errorf("monitor ratio must be in (0, 1]")
	}

	switch c.Secure.Backend {
	case BackendMemory:
	case BackendSealed:
		if c.Secure.Directory == "" {
			return fmt.Errorf("secure backend %q requires a directory", c.Secure.Backend)
		}
		if c.Secure.MasterKey == "" && c.Secure.MasterKeyFile == "" {
			return fmt.Errorf("secure backend %q requires master_key or master_key_file", c.Secure.Backend)
		}
	default:
		return fmt.Errorf("invalid secure backend: %q", c.Secure.Backend)
	}

	switch c.Bulk.Backend {
	case BackendMemory:
	case BackendSQLite, BackendBadger:
		if c.Bulk.Path == "" {
			return fmt.Errorf("bulk backend %q requires a path", c.Bulk.Backend)
		}
	case BackendS3:
		if c.Bulk.S3.Bucket == "" {
			return fmt.Errorf("bulk backend %q requires a bucket", c.Bulk.Backend)
		}
	default:
		return fmt.Errorf("invalid bulk backend: %q", c.Bulk.Backend)
	}

	if c.Cache.Enabled {
		if c.Cache.MaxEntries <= 0 {
			return fmt.Errorf("cache max_entries must be greater than 0")
		}
		if _, err := utils.ParseBytes(c.Cache.MaxSize); err != nil {
			return fmt.Errorf("invalid cache max_size: %w", err)
		}
	}

	if c.API.Enabled && c.API.Address == "" {
		return fmt.Errorf("api address is required when the api is enabled")
	}

	return nil
}

// BulkCapacityBytes returns the configured bulk ceiling in bytes.
func (c *Configuration) BulkCapacityBytes() (int64, error) {
	n, err := utils.ParseBytes(c.Limits.BulkCapacity)
	if err != nil {
		return 0, fmt.Errorf("invalid bulk_capacity %q: %w", c.Limits.BulkCapacity, err)
	}
	return n, nil
}

// Retention returns the routine cleanup age limit.
func (c *Configuration) Retention() time.Duration {
	return time.Duration(c.Cleanup.RetentionDays) * 24 * time.Hour
}

func envInt(name string, dst *int) error {
	val := os.Getenv(name)
	if val == "" {
		return nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	*dst = n
	return nil
}

func envFloat(name string, dst *float64) error {
	val := os.Getenv(name)
	if val == "" {
		return nil
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	*dst = f
	return nil
}

func splitList(val string) []string {
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

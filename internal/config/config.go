// Package config handles loading and validating toolrun configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for toolrun.
type Config struct {
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"` // Default: ~/.toolrun. Override: TOOLRUN_DATA_DIR env var.
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"`   // nil = SQLite under the data directory
	HTTP          HTTPConfig           `json:"http" yaml:"http"`
	Sandbox       SandboxConfig        `json:"sandbox" yaml:"sandbox"`
	Fetch         FetchConfig          `json:"fetch" yaml:"fetch"`
	Uploads       UploadsConfig        `json:"uploads" yaml:"uploads"`
	Embedding     EmbeddingConfig      `json:"embedding" yaml:"embedding"`
	Tokenizer     TokenizerConfig      `json:"tokenizer" yaml:"tokenizer"`
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
	Retention     *RetentionConfig     `json:"retention,omitempty" yaml:"retention,omitempty"`         // nil = invocation log kept forever
}

// StorageConfig configures the persistence backend.
// When nil, defaults to SQLite with the database path derived from the data directory.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"`                         // "sqlite" (default) or "postgres".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`     // SQLite-specific settings.
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"` // PostgreSQL-specific settings.
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: derived from data directory.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`                                 // Override: TOOLRUN_DB_DSN env var.
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
	PGVector         bool   `json:"pgvector" yaml:"pgvector"`                       // Rank fragments with the pgvector extension.
}

// HTTPConfig configures the HTTP API.
type HTTPConfig struct {
	ListenAddr          string            `json:"listen_addr" yaml:"listen_addr"` // Default: ":8080". Override: TOOLRUN_LISTEN_ADDR env var.
	EnableDocs          bool              `json:"enable_docs" yaml:"enable_docs"`
	MaxRequestSizeBytes int64             `json:"max_request_size_bytes" yaml:"max_request_size_bytes"` // Default: 16 MB
	APIKeyUserMapping   map[string]string `json:"api_key_user_mapping" yaml:"api_key_user_mapping"`     // API key → user ID.
	RateLimit           RateLimitConfig   `json:"rate_limit" yaml:"rate_limit"`
}

// Addr returns the listen address, defaulting to ":8080".
func (h *HTTPConfig) Addr() string {
	if h.ListenAddr != "" {
		return h.ListenAddr
	}
	return ":8080"
}

// MaxBodyBytes returns the request size ceiling.
func (h *HTTPConfig) MaxBodyBytes() int64 {
	if h.MaxRequestSizeBytes > 0 {
		return h.MaxRequestSizeBytes
	}
	return 16 << 20
}

// RateLimitConfig configures per-user rate limiting.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"` // 0 = unlimited.
	BurstSize         int `json:"burst_size" yaml:"burst_size"`
}

// SandboxConfig configures script execution.
type SandboxConfig struct {
	TimeoutMS int `json:"timeout_ms" yaml:"timeout_ms"` // Script budget excluding capability time. Default: 2000.
}

// Timeout returns the script budget.
func (s *SandboxConfig) Timeout() time.Duration {
	if s.TimeoutMS > 0 {
		return time.Duration(s.TimeoutMS) * time.Millisecond
	}
	return 2000 * time.Millisecond
}

// FetchConfig restricts outbound requests made by scripts.
type FetchConfig struct {
	AllowPrivateNetworks bool     `json:"allow_private_networks" yaml:"allow_private_networks"` // Development only.
	AllowedDomains       []string `json:"allowed_domains,omitempty" yaml:"allowed_domains,omitempty"`
	MaxResponseBytes     int64    `json:"max_response_bytes" yaml:"max_response_bytes"` // Default: 10 MB
	TimeoutSeconds       int      `json:"timeout_seconds" yaml:"timeout_seconds"`       // Default: 30
	UserAgent            string   `json:"user_agent,omitempty" yaml:"user_agent,omitempty"`
}

// Timeout returns the per-request timeout.
func (f *FetchConfig) Timeout() time.Duration {
	if f.TimeoutSeconds > 0 {
		return time.Duration(f.TimeoutSeconds) * time.Second
	}
	return 30 * time.Second
}

// UploadsConfig configures stored uploads.
type UploadsConfig struct {
	BaseURL  string `json:"base_url" yaml:"base_url"`   // Prefix of upload URLs. Override: TOOLRUN_BASE_URL env var.
	MaxBytes int64  `json:"max_bytes" yaml:"max_bytes"` // Default: 10 MB
}

// EmbeddingConfig selects the embedding provider used for fragment search.
type EmbeddingConfig struct {
	Provider    string `json:"provider" yaml:"provider"` // "hash" (default) or "openai".
	Model       string `json:"model" yaml:"model"`
	BaseURL     string `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	APIKey      string `json:"api_key,omitempty" yaml:"api_key,omitempty"` // Override: OPENAI_API_KEY env var.
	Dimensions  int    `json:"dimensions" yaml:"dimensions"`
	QueryPrefix string `json:"query_prefix,omitempty" yaml:"query_prefix,omitempty"`
}

// TokenizerConfig selects the BPE encoding behind llm.truncate and chunking.
type TokenizerConfig struct {
	Encoding string `json:"encoding" yaml:"encoding"` // Default: "cl100k_base".
}

// ObservabilityConfig configures metrics, tracing and error-rate warnings.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty"`
}

// AnomalyConfig configures the per-tool failure-rate detector.
type AnomalyConfig struct {
	Enabled            bool    `json:"enabled" yaml:"enabled"`
	WindowSeconds      int     `json:"window_seconds" yaml:"window_seconds"`             // Default: 300
	ErrorRateThreshold float64 `json:"error_rate_threshold" yaml:"error_rate_threshold"` // 0.0-1.0; 0 disables warnings
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "toolrun"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// RetentionConfig configures the periodic cleanup job.
type RetentionConfig struct {
	Enabled            bool   `json:"enabled" yaml:"enabled"`
	Schedule           string `json:"schedule" yaml:"schedule"`                         // Cron expression. Default: "@daily"
	InvocationDays     int    `json:"invocation_days" yaml:"invocation_days"`           // Default: 30
	PruneOrphanUploads bool   `json:"prune_orphan_uploads" yaml:"prune_orphan_uploads"` // Remove files no upload record references.
}

// CronSchedule returns the cleanup schedule.
func (r *RetentionConfig) CronSchedule() string {
	if r.Schedule != "" {
		return r.Schedule
	}
	return "@daily"
}

// MaxAge returns how long invocation records are kept.
func (r *RetentionConfig) MaxAge() time.Duration {
	days := r.InvocationDays
	if days <= 0 {
		days = 30
	}
	return time.Duration(days) * 24 * time.Hour
}

// DefaultConfigPath returns the default config file path (~/.toolrun/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/toolrun.yaml" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".toolrun", "config.yaml")
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	cfg := &Config{}
	cfg.applyEnv()
	cfg.resolveDefaults()
	return cfg
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything else for JSON.
// Secrets and addresses can be set in the config file or overridden by
// environment variables. Environment variables take precedence.
func Load(path string) (*Config, error) {
	// Expand ~ in config path.
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	cfg.applyEnv()
	cfg.resolveDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// applyEnv applies environment variable overrides.
func (c *Config) applyEnv() {
	if v := os.Getenv("TOOLRUN_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("TOOLRUN_LISTEN_ADDR"); v != "" {
		c.HTTP.ListenAddr = v
	}
	if v := os.Getenv("TOOLRUN_BASE_URL"); v != "" {
		c.Uploads.BaseURL = v
	}
	if v := os.Getenv("TOOLRUN_DB_DSN"); v != "" {
		if c.Storage == nil {
			c.Storage = &StorageConfig{Driver: "postgres"}
		}
		if c.Storage.Postgres == nil {
			c.Storage.Postgres = &PostgresStorageConfig{}
		}
		c.Storage.Postgres.DSN = v
	}
	if v := os.Getenv("TOOLRUN_SANDBOX_TIMEOUT_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			c.Sandbox.TimeoutMS = ms
		}
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		c.Embedding.APIKey = v
	}
}

func (c *Config) resolveDefaults() {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			c.DataDir = filepath.Join(home, ".toolrun")
		}
	}
	if c.Uploads.BaseURL == "" {
		c.Uploads.BaseURL = "http://localhost" + c.HTTP.Addr()
	}
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		return filepath.Join(home, ".toolrun")
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// StorageDriverName returns the effective storage driver name.
func (c *Config) StorageDriverName() string {
	if c.Storage != nil {
		return c.Storage.StorageDriver()
	}
	return "sqlite"
}

// MetricsEnabled reports whether Prometheus metrics are exposed.
func (c *Config) MetricsEnabled() bool {
	return c.Observability != nil && c.Observability.Metrics != nil && c.Observability.Metrics.Enabled
}

func (c *Config) validate() error {
	// Storage driver validation.
	switch c.StorageDriverName() {
	case "sqlite":
	case "postgres":
		if c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required for the postgres driver (set TOOLRUN_DB_DSN env var)")
		}
	default:
		return fmt.Errorf("storage.driver %q is not supported (use sqlite or postgres)", c.Storage.Driver)
	}
	if c.Sandbox.TimeoutMS < 0 {
		return fmt.Errorf("sandbox.timeout_ms must not be negative")
	}
	if c.Fetch.MaxResponseBytes < 0 {
		return fmt.Errorf("fetch.max_response_bytes must not be negative")
	}
	if c.Uploads.MaxBytes < 0 {
		return fmt.Errorf("uploads.max_bytes must not be negative")
	}
	switch c.Embedding.Provider {
	case "", "hash":
	case "openai":
		if c.Embedding.APIKey == "" {
			return fmt.Errorf("embedding.api_key is required for the openai provider (set OPENAI_API_KEY env var)")
		}
	default:
		return fmt.Errorf("embedding.provider %q is not supported (use hash or openai)", c.Embedding.Provider)
	}
	if c.HTTP.RateLimit.RequestsPerMinute < 0 {
		return fmt.Errorf("http.rate_limit.requests_per_minute must not be negative")
	}
	for key, user := range c.HTTP.APIKeyUserMapping {
		if key == "" || user == "" {
			return fmt.Errorf("http.api_key_user_mapping entries need both a key and a user")
		}
	}
	if t := c.Observability; t != nil && t.Tracing != nil && t.Tracing.Enabled {
		if t.Tracing.Endpoint == "" {
			return fmt.Errorf("observability.tracing.endpoint is required when tracing is enabled")
		}
		switch t.Tracing.Protocol {
		case "", "grpc", "http":
		default:
			return fmt.Errorf("observability.tracing.protocol must be grpc or http")
		}
	}
	if r := c.Retention; r != nil && r.InvocationDays < 0 {
		return fmt.Errorf("retention.invocation_days must not be negative")
	}
	return nil
}

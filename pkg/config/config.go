// Package config loads the migration configuration from a YAML file, .env
// files and FTM_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/zalando/go-keyring"
	"gopkg.in/yaml.v3"
)

// KeyringService is the keyring service under which sink secrets are stored.
const KeyringService = "fulltext-migrate"

// Ledger backends.
const (
	LedgerRedis  = "redis"
	LedgerMemory = "memory"
)

// ErrSecretNotFound is returned when the keyring holds no secret for the
// configured access key id.
var ErrSecretNotFound = errors.New("sink secret not found in keyring")

// Config holds all configuration options for a migration run.
type Config struct {
	Source  SourceConfig  `yaml:"source" json:"source"`
	Sink    SinkConfig    `yaml:"sink" json:"sink"`
	Ledger  LedgerConfig  `yaml:"ledger" json:"ledger"`
	Logging LoggingConfig `yaml:"logging" json:"logging"`
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`

	// StateDir holds the cursor, in-flight, uploaded and failed artifacts.
	StateDir string `yaml:"state_dir" json:"state_dir"`

	// StatusInterval is the status line interval.
	StatusInterval time.Duration `yaml:"status_interval" json:"status_interval"`
}

// SourceConfig holds the Elasticsearch settings.
type SourceConfig struct {
	URL             string        `yaml:"url" json:"url"`
	Index           string        `yaml:"index" json:"index"`
	DocType         string        `yaml:"doc_type" json:"doc_type"`
	PageSize        int           `yaml:"page_size" json:"page_size"`
	ScrollKeepAlive time.Duration `yaml:"scroll_keep_alive" json:"scroll_keep_alive"`
	Timeout         time.Duration `yaml:"timeout" json:"timeout"`

	// Cursor, when set, continues this scroll instead of the saved one.
	Cursor string `yaml:"cursor" json:"cursor"`
}

// SinkConfig holds the destination settings. BucketURL selects a gocloud
// bucket (file://, mem://); otherwise Bucket is written through S3.
type SinkConfig struct {
	BucketURL string `yaml:"bucket_url" json:"bucket_url"`

	Endpoint        string `yaml:"endpoint" json:"endpoint"`
	Region          string `yaml:"region" json:"region"`
	Bucket          string `yaml:"bucket" json:"bucket"`
	AccessKeyID     string `yaml:"access_key_id" json:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key" json:"-"`
	Secure          bool   `yaml:"secure" json:"secure"`
	UseKeyring      bool   `yaml:"use_keyring" json:"use_keyring"`

	Concurrency int `yaml:"concurrency" json:"concurrency"`
	Prefetch    int `yaml:"prefetch" json:"prefetch"`

	// MinSizeStandardIA is the compressed size in bytes from which objects
	// go to the infrequent-access tier.
	MinSizeStandardIA int64 `yaml:"min_size_standard_ia" json:"min_size_standard_ia"`
}

// LedgerConfig selects and configures the idempotency ledger.
type LedgerConfig struct {
	Backend string      `yaml:"backend" json:"backend"`
	Redis   RedisConfig `yaml:"redis" json:"redis"`
}

// RedisConfig holds the Redis connection settings.
type RedisConfig struct {
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	DB       int    `yaml:"db" json:"db"`
	Password string `yaml:"password" json:"-"`
}

// Addr returns host:port.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level" json:"level"`
	File  string `yaml:"file" json:"file"`
}

// MetricsConfig holds the metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the listen address for /metrics; empty disables the endpoint.
	Addr string `yaml:"addr" json:"addr"`
}

// DefaultConfig returns a Config with the defaults of the fulltext migration.
func DefaultConfig() *Config {
	return &Config{
		Source: SourceConfig{
			URL:             "http://localhost:9200",
			Index:           "item_fulltext_index_read",
			DocType:         "_doc",
			PageSize:        50,
			ScrollKeepAlive: time.Hour,
			Timeout:         60 * time.Second,
		},
		Sink: SinkConfig{
			Endpoint:          "s3.amazonaws.com",
			Secure:            true,
			Concurrency:       200,
			Prefetch:          16,
			MinSizeStandardIA: 75 * 1024,
		},
		Ledger: LedgerConfig{
			Backend: LedgerRedis,
			Redis: RedisConfig{
				Host: "localhost",
				Port: 6379,
			},
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		StateDir:       "log",
		StatusInterval: time.Second,
	}
}

// Load loads configuration from all sources with proper precedence:
// environment variables > .env files > config file > defaults. Command line
// flags are applied by the caller on top.
func Load(configPath string, envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		// godotenv never overrides variables already set in the environment.
		_ = godotenv.Load(f)
	}

	cfg := DefaultConfig()
	if err := cfg.LoadFromFile(configPath); err != nil {
		return nil, err
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file. An empty path searches
// the default locations; finding nothing there is not an error.
func (c *Config) LoadFromFile(path string) error {
	if path == "" {
		path = findConfigFile()
		if path == "" {
			return nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

func findConfigFile() string {
	locations := []string{
		"fulltext-migrate.yaml",
		"fulltext-migrate.yml",
	}
	if home, err := os.UserHomeDir(); err == nil {
		locations = append(locations, filepath.Join(home, ".config", "fulltext-migrate", "config.yaml"))
	}
	for _, loc := range locations {
		if _, err := os.Stat(loc); err == nil {
			return loc
		}
	}
	return ""
}

// LoadFromEnv overrides values from FTM_* environment variables. Malformed
// numbers and booleans are reported together.
func (c *Config) LoadFromEnv() error {
	var errs []error

	setString(&c.Source.URL, "FTM_SOURCE_URL")
	setString(&c.Source.Index, "FTM_SOURCE_INDEX")
	setString(&c.Source.DocType, "FTM_SOURCE_DOC_TYPE")
	setString(&c.Source.Cursor, "FTM_SCROLL_ID")
	errs = append(errs,
		setInt(&c.Source.PageSize, "FTM_PAGE_SIZE"),
		setDuration(&c.Source.ScrollKeepAlive, "FTM_SCROLL_KEEP_ALIVE"),
		setDuration(&c.Source.Timeout, "FTM_SOURCE_TIMEOUT"),
	)

	setString(&c.Sink.BucketURL, "FTM_BUCKET_URL")
	setString(&c.Sink.Endpoint, "FTM_S3_ENDPOINT")
	setString(&c.Sink.Region, "FTM_S3_REGION")
	setString(&c.Sink.Bucket, "FTM_S3_BUCKET")
	setString(&c.Sink.AccessKeyID, "FTM_S3_ACCESS_KEY_ID")
	setString(&c.Sink.SecretAccessKey, "FTM_S3_SECRET_ACCESS_KEY")
	errs = append(errs,
		setBool(&c.Sink.Secure, "FTM_S3_SECURE"),
		setBool(&c.Sink.UseKeyring, "FTM_S3_USE_KEYRING"),
		setInt(&c.Sink.Concurrency, "FTM_CONCURRENCY"),
		setInt(&c.Sink.Prefetch, "FTM_PREFETCH"),
		setInt64(&c.Sink.MinSizeStandardIA, "FTM_MIN_SIZE_STANDARD_IA"),
	)

	setString(&c.Ledger.Backend, "FTM_LEDGER_BACKEND")
	setString(&c.Ledger.Redis.Host, "FTM_REDIS_HOST")
	setString(&c.Ledger.Redis.Password, "FTM_REDIS_PASSWORD")
	errs = append(errs,
		setInt(&c.Ledger.Redis.Port, "FTM_REDIS_PORT"),
		setInt(&c.Ledger.Redis.DB, "FTM_REDIS_DB"),
	)

	setString(&c.StateDir, "FTM_STATE_DIR")
	setString(&c.Logging.Level, "FTM_LOG_LEVEL")
	setString(&c.Logging.File, "FTM_LOG_FILE")
	setString(&c.Metrics.Addr, "FTM_METRICS_ADDR")
	errs = append(errs, setDuration(&c.StatusInterval, "FTM_STATUS_INTERVAL"))

	return errors.Join(errs...)
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func setInt64(dst *int64, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func setBool(dst *bool, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = b
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}

// ResolveSecret fills the sink secret from the OS keyring when use_keyring is
// set and no secret was configured.
func (c *Config) ResolveSecret() error {
	if !c.Sink.UseKeyring || c.Sink.SecretAccessKey != "" {
		return nil
	}
	if c.Sink.AccessKeyID == "" {
		return errors.New("sink access key id is required to look up the keyring secret")
	}

	secret, err := keyring.Get(KeyringService, c.Sink.AccessKeyID)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrSecretNotFound, c.Sink.AccessKeyID)
		}
		return fmt.Errorf("failed to read keyring: %w", err)
	}
	c.Sink.SecretAccessKey = secret
	return nil
}

// StoreSecret saves the sink secret in the OS keyring under the access key id.
func StoreSecret(accessKeyID, secret string) error {
	if accessKeyID == "" || secret == "" {
		return errors.New("access key id and secret are required")
	}
	if err := keyring.Set(KeyringService, accessKeyID, secret); err != nil {
		return fmt.Errorf("failed to write keyring: %w", err)
	}
	return nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	var errs []error

	if c.Source.URL == "" {
		errs = append(errs, errors.New("source url is required"))
	}
	if c.Source.Index == "" {
		errs = append(errs, errors.New("source index is required"))
	}
	if c.Source.PageSize <= 0 {
		errs = append(errs, errors.New("source page size must be positive"))
	}
	if c.Source.ScrollKeepAlive < time.Second {
		errs = append(errs, errors.New("scroll keep-alive must be at least one second"))
	}
	if c.Source.Timeout <= 0 {
		errs = append(errs, errors.New("source timeout must be positive"))
	}

	if c.Sink.BucketURL == "" && c.Sink.Bucket == "" {
		errs = append(errs, errors.New("sink bucket or bucket url is required"))
	}
	if c.Sink.Concurrency <= 0 {
		errs = append(errs, errors.New("sink concurrency must be positive"))
	}
	if c.Sink.Prefetch < 0 {
		errs = append(errs, errors.New("sink prefetch cannot be negative"))
	}
	if c.Sink.MinSizeStandardIA < 0 {
		errs = append(errs, errors.New("min_size_standard_ia cannot be negative"))
	}

	switch c.Ledger.Backend {
	case LedgerRedis:
		if c.Ledger.Redis.Host == "" {
			errs = append(errs, errors.New("redis host is required"))
		}
		if c.Ledger.Redis.Port <= 0 || c.Ledger.Redis.Port > 65535 {
			errs = append(errs, errors.New("redis port must be between 1 and 65535"))
		}
	case LedgerMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown ledger backend %q", c.Ledger.Backend))
	}

	if c.StateDir == "" {
		errs = append(errs, errors.New("state directory is required"))
	}
	if c.StatusInterval <= 0 {
		errs = append(errs, errors.New("status interval must be positive"))
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, fmt.Errorf("invalid log level %q", c.Logging.Level))
	}

	return errors.Join(errs...)
}

// Save writes the configuration as YAML. Secrets are omitted.
func (c *Config) Save(path string) error {
	out := *c
	out.Sink.SecretAccessKey = ""
	out.Ledger.Redis.Password = ""

	data, err := yaml.Marshal(&out)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

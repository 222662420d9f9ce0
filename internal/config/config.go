// Package config loads vaporous settings from a YAML file and the
// environment. Environment variables override the file; command-line
// flags override both and are applied by the CLI.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all client configuration.
type Config struct {
	// Server
	Server  string        `yaml:"server"`
	Timeout time.Duration `yaml:"timeout"`
	Token   string        `yaml:"token"`

	// Logging
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Metrics endpoint, disabled when empty
	MetricsAddr string `yaml:"metrics_addr"`

	// Collection
	Concurrency int      `yaml:"concurrency"`
	PageSize    int      `yaml:"page_size"`
	Retries     int      `yaml:"retries"`
	Include     []string `yaml:"include"`
	Exclude     []string `yaml:"exclude"`
	IgnoreFile  string   `yaml:"ignore_file"`
	Hidden      bool     `yaml:"hidden"`

	// Upload
	Dest              string `yaml:"dest"`
	Public            bool   `yaml:"public"`
	Compression       int    `yaml:"compression"`
	UploadConcurrency int    `yaml:"upload_concurrency"`
	BatchFiles        int    `yaml:"batch_files"`
	BatchBytes        int64  `yaml:"batch_bytes"`

	// Journal (Postgres); the in-memory journal is used when empty
	DatabaseURL string `yaml:"database_url"`

	// S3 source
	S3Endpoint  string `yaml:"s3_endpoint"`
	S3Region    string `yaml:"s3_region"`
	S3AccessKey string `yaml:"s3_access_key"`
	S3SecretKey string `yaml:"s3_secret_key"`
	S3PathStyle bool   `yaml:"s3_path_style"`

	// SFTP source
	SFTPPassword        string `yaml:"sftp_password"`
	SFTPKeyPath         string `yaml:"sftp_key_path"`
	SFTPKnownHosts      string `yaml:"sftp_known_hosts"`
	SFTPInsecureHostKey bool   `yaml:"sftp_insecure_host_key"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server:            "http://localhost:8000",
		Timeout:           5 * time.Minute,
		LogLevel:          "info",
		LogFormat:         "console",
		Concurrency:       8,
		Retries:           3,
		Dest:              "/",
		UploadConcurrency: 2,
		BatchFiles:        16,
		BatchBytes:        64 << 20,
		S3Region:          "us-east-1",
	}
}

// Dir returns the vaporous configuration directory.
func Dir() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "vaporous"), nil
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	dir, err := Dir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "config.yaml")
}

// Load builds the configuration from defaults, the YAML file at path and
// VAPOROUS_* environment variables. A missing file is not an error when
// path is the default location.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			if explicit || !errors.Is(err, fs.ErrNotExist) {
				return nil, err
			}
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Server = envOr("VAPOROUS_SERVER", c.Server)
	c.Timeout = envDuration("VAPOROUS_TIMEOUT", c.Timeout)
	c.Token = envOr("VAPOROUS_TOKEN", c.Token)
	c.LogLevel = envOr("VAPOROUS_LOG_LEVEL", c.LogLevel)
	c.LogFormat = envOr("VAPOROUS_LOG_FORMAT", c.LogFormat)
	c.MetricsAddr = envOr("VAPOROUS_METRICS_ADDR", c.MetricsAddr)
	c.Concurrency = envInt("VAPOROUS_CONCURRENCY", c.Concurrency)
	c.PageSize = envInt("VAPOROUS_PAGE_SIZE", c.PageSize)
	c.Retries = envInt("VAPOROUS_RETRIES", c.Retries)
	c.IgnoreFile = envOr("VAPOROUS_IGNORE_FILE", c.IgnoreFile)
	c.Dest = envOr("VAPOROUS_DEST", c.Dest)
	c.Public = envBool("VAPOROUS_PUBLIC", c.Public)
	c.Compression = envInt("VAPOROUS_COMPRESSION", c.Compression)
	c.UploadConcurrency = envInt("VAPOROUS_UPLOAD_CONCURRENCY", c.UploadConcurrency)
	c.BatchFiles = envInt("VAPOROUS_BATCH_FILES", c.BatchFiles)
	c.BatchBytes = envInt64("VAPOROUS_BATCH_BYTES", c.BatchBytes)
	c.DatabaseURL = envOr("VAPOROUS_DATABASE_URL", c.DatabaseURL)
	c.S3Endpoint = envOr("VAPOROUS_S3_ENDPOINT", c.S3Endpoint)
	c.S3Region = envOr("VAPOROUS_S3_REGION", c.S3Region)
	c.S3AccessKey = envOr("VAPOROUS_S3_ACCESS_KEY", c.S3AccessKey)
	c.S3SecretKey = envOr("VAPOROUS_S3_SECRET_KEY", c.S3SecretKey)
	c.S3PathStyle = envBool("VAPOROUS_S3_PATH_STYLE", c.S3PathStyle)
	c.SFTPPassword = envOr("VAPOROUS_SFTP_PASSWORD", c.SFTPPassword)
	c.SFTPKeyPath = envOr("VAPOROUS_SFTP_KEY_PATH", c.SFTPKeyPath)
	c.SFTPKnownHosts = envOr("VAPOROUS_SFTP_KNOWN_HOSTS", c.SFTPKnownHosts)
	c.SFTPInsecureHostKey = envBool("VAPOROUS_SFTP_INSECURE_HOST_KEY", c.SFTPInsecureHostKey)
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.Server == "" {
		return fmt.Errorf("server is required")
	}
	if c.Compression < 0 || c.Compression > 9 {
		return fmt.Errorf("compression must be between 0 and 9, got %d", c.Compression)
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1, got %d", c.Concurrency)
	}
	if c.UploadConcurrency < 1 {
		return fmt.Errorf("upload concurrency must be at least 1, got %d", c.UploadConcurrency)
	}
	if c.BatchFiles < 1 {
		return fmt.Errorf("batch files must be at least 1, got %d", c.BatchFiles)
	}
	if c.BatchBytes < 1 {
		return fmt.Errorf("batch bytes must be positive, got %d", c.BatchBytes)
	}
	if c.PageSize < 0 {
		return fmt.Errorf("page size must not be negative, got %d", c.PageSize)
	}
	if c.Retries < 0 {
		return fmt.Errorf("retries must not be negative, got %d", c.Retries)
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

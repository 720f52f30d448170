package internal

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	// MaxConcurrencyLimit caps the configured worker budget
	MaxConcurrencyLimit = 64
	// DefaultCacheTTL is the freshness window of cached metadata
	DefaultCacheTTL = time.Hour
)

// Config holds application configuration
type Config struct {
	MaxConcurrency    int
	PerDownloadMemory int64 // bytes
	CacheDir          string
	CacheSizeBudget   int64 // bytes
	CacheTTL          time.Duration
	SessionFile       string
	RetryCeiling      int
	BackoffBase       time.Duration

	OutputDir       string
	RateLimit       int64 // bytes per second, 0 disables
	ProxyURL        string
	CookiesFile     string
	YtdlpPath       string
	FFmpegPath      string
	TranscodeFormat string
	Organize        bool
	PublishBucket   string

	// Logging configuration
	LogLevel    string
	EnableDebug bool
	QuietMode   bool
	LogFile     string
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	stateDir := defaultStateDir()

	return &Config{
		MaxConcurrency:    4,
		PerDownloadMemory: 256 * 1024 * 1024,
		CacheDir:          filepath.Join(stateDir, "metadata"),
		CacheSizeBudget:   50 * 1024 * 1024,
		CacheTTL:          DefaultCacheTTL,
		SessionFile:       filepath.Join(stateDir, "sessions.json"),
		RetryCeiling:      4,
		BackoffBase:       2 * time.Second,

		OutputDir:  ".",
		YtdlpPath:  "yt-dlp",
		FFmpegPath: "ffmpeg",

		LogLevel: "info",
	}
}

func defaultStateDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "mediafetch")
	}
	return ".mediafetch"
}

// fileConfig mirrors Config for YAML with human-readable sizes and durations
type fileConfig struct {
	MaxConcurrency    int    `yaml:"max_concurrency"`
	PerDownloadMemory string `yaml:"per_download_memory"`
	CacheDir          string `yaml:"cache_dir"`
	CacheSizeBudget   string `yaml:"cache_size_budget"`
	CacheTTL          string `yaml:"cache_ttl"`
	SessionFile       string `yaml:"session_file"`
	RetryCeiling      int    `yaml:"retry_ceiling"`
	BackoffBase       string `yaml:"backoff_base"`
	OutputDir         string `yaml:"output_dir"`
	RateLimit         string `yaml:"rate_limit"`
	ProxyURL          string `yaml:"proxy"`
	CookiesFile       string `yaml:"cookies"`
	YtdlpPath         string `yaml:"ytdlp_path"`
	FFmpegPath        string `yaml:"ffmpeg_path"`
	TranscodeFormat   string `yaml:"transcode_format"`
	Organize          *bool  `yaml:"organize"`
	PublishBucket     string `yaml:"publish_bucket"`
	LogLevel          string `yaml:"log_level"`
	LogFile           string `yaml:"log_file"`
}

// LoadFromFile merges a YAML configuration file over the current values
func (c *Config) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}

	if fc.MaxConcurrency != 0 {
		c.MaxConcurrency = fc.MaxConcurrency
	}
	if fc.RetryCeiling != 0 {
		c.RetryCeiling = fc.RetryCeiling
	}

	sizes := []struct {
		name  string
		value string
		dest  *int64
	}{
		{"per_download_memory", fc.PerDownloadMemory, &c.PerDownloadMemory},
		{"cache_size_budget", fc.CacheSizeBudget, &c.CacheSizeBudget},
		{"rate_limit", fc.RateLimit, &c.RateLimit},
	}
	for _, s := range sizes {
		if s.value == "" {
			continue
		}
		n, err := ParseByteSize(s.value)
		if err != nil {
			return fmt.Errorf("parse %s: %w", s.name, err)
		}
		*s.dest = n
	}

	durations := []struct {
		name  string
		value string
		dest  *time.Duration
	}{
		{"cache_ttl", fc.CacheTTL, &c.CacheTTL},
		{"backoff_base", fc.BackoffBase, &c.BackoffBase},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.value)
		if err != nil {
			return fmt.Errorf("parse %s: %w", d.name, err)
		}
		*d.dest = parsed
	}

	strs := []struct {
		value string
		dest  *string
	}{
		{fc.CacheDir, &c.CacheDir},
		{fc.SessionFile, &c.SessionFile},
		{fc.OutputDir, &c.OutputDir},
		{fc.ProxyURL, &c.ProxyURL},
		{fc.CookiesFile, &c.CookiesFile},
		{fc.YtdlpPath, &c.YtdlpPath},
		{fc.FFmpegPath, &c.FFmpegPath},
		{fc.TranscodeFormat, &c.TranscodeFormat},
		{fc.PublishBucket, &c.PublishBucket},
		{fc.LogLevel, &c.LogLevel},
		{fc.LogFile, &c.LogFile},
	}
	for _, s := range strs {
		if s.value != "" {
			*s.dest = s.value
		}
	}

	if fc.Organize != nil {
		c.Organize = *fc.Organize
	}

	return nil
}

// LoadDotEnv loads KEY=VALUE pairs from an env file into the process environment.
// Variables already set in the environment win.
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

// LoadFromEnv loads configuration from environment variables
func (c *Config) LoadFromEnv() {
	if v := os.Getenv("MEDIAFETCH_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= MaxConcurrencyLimit {
			c.MaxConcurrency = n
		}
	}

	if v := os.Getenv("MEDIAFETCH_PER_DOWNLOAD_MEMORY"); v != "" {
		if n, err := ParseByteSize(v); err == nil && n > 0 {
			c.PerDownloadMemory = n
		}
	}

	if v := os.Getenv("MEDIAFETCH_CACHE_DIR"); v != "" {
		c.CacheDir = v
	}

	if v := os.Getenv("MEDIAFETCH_CACHE_SIZE"); v != "" {
		if n, err := ParseByteSize(v); err == nil && n > 0 {
			c.CacheSizeBudget = n
		}
	}

	if v := os.Getenv("MEDIAFETCH_CACHE_TTL"); v != "" {
		if d, err := parseSecondsOrDuration(v); err == nil && d > 0 {
			c.CacheTTL = d
		}
	}

	if v := os.Getenv("MEDIAFETCH_SESSION_FILE"); v != "" {
		c.SessionFile = v
	}

	if v := os.Getenv("MEDIAFETCH_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.RetryCeiling = n
		}
	}

	if v := os.Getenv("MEDIAFETCH_BACKOFF"); v != "" {
		if d, err := parseSecondsOrDuration(v); err == nil && d >= 0 {
			c.BackoffBase = d
		}
	}

	if v := os.Getenv("MEDIAFETCH_OUTPUT_DIR"); v != "" {
		c.OutputDir = v
	}

	if v := os.Getenv("MEDIAFETCH_RATE_LIMIT"); v != "" {
		if n, err := ParseByteSize(v); err == nil {
			c.RateLimit = n
		}
	}

	c.ProxyURL = GetEnvWithDefault("MEDIAFETCH_PROXY", c.ProxyURL)
	c.CookiesFile = GetEnvWithDefault("MEDIAFETCH_COOKIES", c.CookiesFile)
	c.YtdlpPath = GetEnvWithDefault("MEDIAFETCH_YTDLP", c.YtdlpPath)
	c.FFmpegPath = GetEnvWithDefault("MEDIAFETCH_FFMPEG", c.FFmpegPath)
	c.TranscodeFormat = GetEnvWithDefault("MEDIAFETCH_TRANSCODE", c.TranscodeFormat)
	c.PublishBucket = GetEnvWithDefault("MEDIAFETCH_PUBLISH_BUCKET", c.PublishBucket)

	if v := os.Getenv("MEDIAFETCH_ORGANIZE"); v != "" {
		c.Organize = v == "true" || v == "1"
	}

	// Load logging configuration from environment
	c.LogLevel = GetEnvWithDefault("MEDIAFETCH_LOG_LEVEL", c.LogLevel)
	c.LogFile = GetEnvWithDefault("MEDIAFETCH_LOG_FILE", c.LogFile)

	if v := os.Getenv("MEDIAFETCH_DEBUG"); v != "" {
		c.EnableDebug = v == "true" || v == "1"
	}

	if v := os.Getenv("MEDIAFETCH_QUIET"); v != "" {
		c.QuietMode = v == "true" || v == "1"
	}
}

// GetEnvWithDefault returns environment variable value or default
func GetEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseSecondsOrDuration accepts either a bare number of seconds or a Go duration
func parseSecondsOrDuration(s string) (time.Duration, error) {
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	return time.ParseDuration(s)
}

// ParseByteSize parses sizes like 512, 500K, 64M or 2G (binary multiples)
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToUpper(s))
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}

	s = strings.TrimSuffix(strings.TrimSuffix(s, "B"), "I")

	multiplier := int64(1)
	switch {
	case strings.HasSuffix(s, "K"):
		multiplier = 1024
		s = strings.TrimSuffix(s, "K")
	case strings.HasSuffix(s, "M"):
		multiplier = 1024 * 1024
		s = strings.TrimSuffix(s, "M")
	case strings.HasSuffix(s, "G"):
		multiplier = 1024 * 1024 * 1024
		s = strings.TrimSuffix(s, "G")
	}

	value, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	if value < 0 {
		return 0, fmt.Errorf("size cannot be negative: %v", value)
	}

	return int64(value * float64(multiplier)), nil
}

// ValidateConfig validates the configuration values
func (c *Config) ValidateConfig() error {
	if c.MaxConcurrency < 1 || c.MaxConcurrency > MaxConcurrencyLimit {
		return NewValidationErrorWithValue("max_concurrency",
			fmt.Sprintf("must be between 1 and %d", MaxConcurrencyLimit), c.MaxConcurrency)
	}

	if c.PerDownloadMemory <= 0 {
		return NewValidationErrorWithValue("per_download_memory", "must be positive", c.PerDownloadMemory)
	}

	if c.CacheSizeBudget <= 0 {
		return NewValidationErrorWithValue("cache_size_budget", "must be positive", c.CacheSizeBudget)
	}

	if c.CacheTTL <= 0 {
		return NewValidationErrorWithValue("cache_ttl", "must be positive", c.CacheTTL)
	}

	if c.RetryCeiling < 1 {
		return NewValidationErrorWithValue("retry_ceiling", "must be at least 1", c.RetryCeiling)
	}

	if c.BackoffBase < 0 {
		return NewValidationErrorWithValue("backoff_base", "cannot be negative", c.BackoffBase)
	}

	if c.RateLimit < 0 {
		return NewValidationErrorWithValue("rate_limit", "cannot be negative", c.RateLimit)
	}

	if c.CacheDir == "" {
		return NewValidationError("cache_dir", "cannot be empty")
	}

	if c.SessionFile == "" {
		return NewValidationError("session_file", "cannot be empty")
	}

	if c.ProxyURL != "" &&
		!strings.HasPrefix(c.ProxyURL, "http://") &&
		!strings.HasPrefix(c.ProxyURL, "https://") &&
		!strings.HasPrefix(c.ProxyURL, "socks5://") {
		return NewValidationErrorWithValue("proxy", "unsupported proxy scheme", c.ProxyURL).
			WithSuggestion("Use formats like http://proxy:8080 or socks5://proxy:1080")
	}

	return nil
}

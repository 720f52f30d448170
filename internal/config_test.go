package internal

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_Valid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.ValidateConfig())
	assert.Equal(t, time.Hour, cfg.CacheTTL)
	assert.Equal(t, int64(256*1024*1024), cfg.PerDownloadMemory)
}

func TestParseByteSize(t *testing.T) {
	tests := []struct {
		input string
		want  int64
		err   bool
	}{
		{"512", 512, false},
		{"500K", 500 * 1024, false},
		{"64M", 64 * 1024 * 1024, false},
		{"2G", 2 * 1024 * 1024 * 1024, false},
		{"1.5m", 1572864, false},
		{"10MiB", 10 * 1024 * 1024, false},
		{"", 0, true},
		{"abc", 0, true},
		{"-5M", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseByteSize(tt.input)
			if tt.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestConfig_LoadFromEnv(t *testing.T) {
	t.Setenv("MEDIAFETCH_CONCURRENCY", "8")
	t.Setenv("MEDIAFETCH_CACHE_SIZE", "10M")
	t.Setenv("MEDIAFETCH_CACHE_TTL", "120")
	t.Setenv("MEDIAFETCH_BACKOFF", "500ms")
	t.Setenv("MEDIAFETCH_RETRIES", "6")
	t.Setenv("MEDIAFETCH_ORGANIZE", "true")
	t.Setenv("MEDIAFETCH_LOG_LEVEL", "debug")

	cfg := DefaultConfig()
	cfg.LoadFromEnv()

	assert.Equal(t, 8, cfg.MaxConcurrency)
	assert.Equal(t, int64(10*1024*1024), cfg.CacheSizeBudget)
	assert.Equal(t, 2*time.Minute, cfg.CacheTTL)
	assert.Equal(t, 500*time.Millisecond, cfg.BackoffBase)
	assert.Equal(t, 6, cfg.RetryCeiling)
	assert.True(t, cfg.Organize)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestConfig_LoadFromEnvIgnoresOutOfRange(t *testing.T) {
	t.Setenv("MEDIAFETCH_CONCURRENCY", "1000")

	cfg := DefaultConfig()
	cfg.LoadFromEnv()

	assert.Equal(t, 4, cfg.MaxConcurrency)
}

func TestConfig_LoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mediafetch.yaml")
	content := `
max_concurrency: 2
per_download_memory: 128M
cache_size_budget: 1M
cache_ttl: 30m
backoff_base: 1s
retry_ceiling: 5
output_dir: /tmp/media
organize: true
publish_bucket: mem://
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg := DefaultConfig()
	require.NoError(t, cfg.LoadFromFile(path))

	assert.Equal(t, 2, cfg.MaxConcurrency)
	assert.Equal(t, int64(128*1024*1024), cfg.PerDownloadMemory)
	assert.Equal(t, int64(1024*1024), cfg.CacheSizeBudget)
	assert.Equal(t, 30*time.Minute, cfg.CacheTTL)
	assert.Equal(t, time.Second, cfg.BackoffBase)
	assert.Equal(t, 5, cfg.RetryCeiling)
	assert.Equal(t, "/tmp/media", cfg.OutputDir)
	assert.True(t, cfg.Organize)
	assert.Equal(t, "mem://", cfg.PublishBucket)
	// untouched keys keep defaults
	assert.Equal(t, "yt-dlp", cfg.YtdlpPath)
}

func TestConfig_LoadFromFileErrors(t *testing.T) {
	dir := t.TempDir()

	cfg := DefaultConfig()
	assert.Error(t, cfg.LoadFromFile(filepath.Join(dir, "missing.yaml")))

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("cache_ttl: soon\n"), 0644))
	assert.Error(t, cfg.LoadFromFile(bad))
}

func TestLoadDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("MEDIAFETCH_TEST_DOTENV=from-file\n"), 0644))
	t.Cleanup(func() { os.Unsetenv("MEDIAFETCH_TEST_DOTENV") })

	require.NoError(t, LoadDotEnv(path))
	assert.Equal(t, "from-file", os.Getenv("MEDIAFETCH_TEST_DOTENV"))

	assert.NoError(t, LoadDotEnv(filepath.Join(t.TempDir(), "absent.env")))
}

func TestConfig_ValidateConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"zero_concurrency", func(c *Config) { c.MaxConcurrency = 0 }, "max_concurrency"},
		{"huge_concurrency", func(c *Config) { c.MaxConcurrency = 65 }, "max_concurrency"},
		{"zero_memory", func(c *Config) { c.PerDownloadMemory = 0 }, "per_download_memory"},
		{"zero_budget", func(c *Config) { c.CacheSizeBudget = 0 }, "cache_size_budget"},
		{"zero_ttl", func(c *Config) { c.CacheTTL = 0 }, "cache_ttl"},
		{"zero_retries", func(c *Config) { c.RetryCeiling = 0 }, "retry_ceiling"},
		{"bad_proxy", func(c *Config) { c.ProxyURL = "ftp://proxy" }, "proxy"},
		{"empty_session", func(c *Config) { c.SessionFile = "" }, "session_file"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.ValidateConfig()
			require.Error(t, err)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

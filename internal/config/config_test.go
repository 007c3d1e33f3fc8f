package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NotNil(t, cfg)

	assert.Equal(t, "ollama", cfg.Embedding.ProviderType)
	assert.Equal(t, "nomic-embed-text", cfg.Embedding.ModelName)
	assert.Equal(t, "http://localhost:11434", cfg.Embedding.BaseURL)
	assert.Equal(t, 32, cfg.Embedding.BatchSize)
	assert.Equal(t, 30*time.Second, cfg.Embedding.Timeout)

	assert.Equal(t, "local", cfg.Storage.StorageBackend)
	assert.Equal(t, "memory", cfg.Storage.VectorBackend)
	assert.NotEmpty(t, cfg.Storage.BasePath)
	assert.True(t, cfg.Storage.CacheEnabled)
	assert.Equal(t, 1000, cfg.Storage.CacheSize)
	assert.False(t, cfg.Storage.AutoBackup)
	assert.Equal(t, time.Hour, cfg.Storage.BackupInterval)

	assert.Equal(t, "info", cfg.LogLevel)

	assert.NoError(t, cfg.Validate())
}

func TestLoad_ProjectConfigOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	yaml := `
embedding:
  provider_type: mlx
  batch_size: 64
storage:
  vector_backend: ann-a
log_level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, projectConfigFile), []byte(yaml), 0644))

	origXDG := os.Getenv("XDG_CONFIG_HOME")
	os.Setenv("XDG_CONFIG_HOME", t.TempDir())
	defer os.Setenv("XDG_CONFIG_HOME", origXDG)

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "mlx", cfg.Embedding.ProviderType)
	assert.Equal(t, 64, cfg.Embedding.BatchSize)
	assert.Equal(t, "ann-a", cfg.Storage.VectorBackend)
	assert.Equal(t, "debug", cfg.LogLevel)
	// Untouched fields keep defaults.
	assert.Equal(t, "nomic-embed-text", cfg.Embedding.ModelName)
}

func TestLoad_UnknownKeyRejected(t *testing.T) {
	dir := t.TempDir()
	yaml := "embedding:\n  bogus_field: true\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, projectConfigFile), []byte(yaml), 0644))

	origXDG := os.Getenv("XDG_CONFIG_HOME")
	os.Setenv("XDG_CONFIG_HOME", t.TempDir())
	defer os.Setenv("XDG_CONFIG_HOME", origXDG)

	_, err := Load(dir)
	require.Error(t, err)
}

func TestLoad_EnvOverridesProjectConfig(t *testing.T) {
	dir := t.TempDir()
	yaml := "embedding:\n  batch_size: 64\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, projectConfigFile), []byte(yaml), 0644))

	origXDG := os.Getenv("XDG_CONFIG_HOME")
	os.Setenv("XDG_CONFIG_HOME", t.TempDir())
	defer os.Setenv("XDG_CONFIG_HOME", origXDG)

	os.Setenv("CODEINDEX_EMBEDDING_BATCH_SIZE", "128")
	defer os.Unsetenv("CODEINDEX_EMBEDDING_BATCH_SIZE")

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 128, cfg.Embedding.BatchSize)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid defaults", func(c *Config) {}, false},
		{"bad embedding provider", func(c *Config) { c.Embedding.ProviderType = "bogus" }, true},
		{"zero batch size", func(c *Config) { c.Embedding.BatchSize = 0 }, true},
		{"bad storage backend", func(c *Config) { c.Storage.StorageBackend = "s3" }, true},
		{"bad vector backend", func(c *Config) { c.Storage.VectorBackend = "bogus" }, true},
		{"empty base path", func(c *Config) { c.Storage.BasePath = "" }, true},
		{"negative cache size", func(c *Config) { c.Storage.CacheSize = -1 }, true},
		{"bad log level", func(c *Config) { c.LogLevel = "verbose" }, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestWriteYAMLRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	cfg := Default()
	cfg.LogLevel = "warn"

	require.NoError(t, cfg.WriteYAML(path))

	origXDG := os.Getenv("XDG_CONFIG_HOME")
	os.Setenv("XDG_CONFIG_HOME", t.TempDir())
	defer os.Setenv("XDG_CONFIG_HOME", origXDG)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "log_level: warn")
}

// Package config implements codeindex's layered configuration: built-in
// defaults, user config, project config, environment variables, and
// programmatic overrides, in that order of increasing precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/codeindex/codeindex/internal/codeerrors"
	"github.com/codeindex/codeindex/internal/logging"
)

// Config is the complete codeindex configuration. It carries the schema in
// spec.md §6 (model, embedding, storage, and a top-level log level) plus a
// contextual section for contextual enrichment.
type Config struct {
	Model      ModelConfig      `yaml:"model" json:"model"`
	Embedding  EmbeddingConfig  `yaml:"embedding" json:"embedding"`
	Storage    StorageConfig    `yaml:"storage" json:"storage"`
	Contextual ContextualConfig `yaml:"contextual" json:"contextual"`
	LogLevel   string           `yaml:"log_level" json:"log_level"`
}

// ModelConfig configures the optional LLM used for contextual enrichment.
type ModelConfig struct {
	LLMProviderType string        `yaml:"llm_provider_type" json:"llm_provider_type"`
	LLMModelName    string        `yaml:"llm_model_name" json:"llm_model_name"`
	APIKey          string        `yaml:"api_key" json:"api_key"`
	BaseURL         string        `yaml:"base_url" json:"base_url"`
	Timeout         time.Duration `yaml:"timeout" json:"timeout"`
}

// EmbeddingConfig configures the embedding client (C4).
type EmbeddingConfig struct {
	ProviderType string        `yaml:"provider_type" json:"provider_type"`
	ModelName    string        `yaml:"model_name" json:"model_name"`
	APIKey       string        `yaml:"api_key" json:"api_key"`
	BaseURL      string        `yaml:"base_url" json:"base_url"`
	BatchSize    int           `yaml:"batch_size" json:"batch_size"`
	Timeout      time.Duration `yaml:"timeout" json:"timeout"`
}

// StorageConfig configures C5/C6/C7/C8 persisted state.
type StorageConfig struct {
	StorageBackend string        `yaml:"storage_backend" json:"storage_backend"`
	VectorBackend  string        `yaml:"vector_backend" json:"vector_backend"`
	BasePath       string        `yaml:"base_path" json:"base_path"`
	CacheEnabled   bool          `yaml:"cache_enabled" json:"cache_enabled"`
	CacheSize      int           `yaml:"cache_size" json:"cache_size"`
	AutoBackup     bool          `yaml:"auto_backup" json:"auto_backup"`
	BackupInterval time.Duration `yaml:"backup_interval" json:"backup_interval"`
}

// ContextualConfig configures CR-1 contextual retrieval: LLM- or
// pattern-generated context prepended to a block's SearchText before
// embedding (see internal/index's ContextGenerator).
type ContextualConfig struct {
	// Enabled turns on contextual enrichment at index time. Default: false.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// CodeChunks additionally enriches code blocks, not just documentation
	// ones. Pure-code embeddings often perform better without a prefix, so
	// this defaults to false.
	CodeChunks bool `yaml:"code_chunks" json:"code_chunks"`
}

const projectConfigFile = ".codeindex.yaml"

// Default returns the built-in default configuration (spec.md §6).
func Default() *Config {
	return &Config{
		Model: ModelConfig{
			Timeout: 30 * time.Second,
		},
		Embedding: EmbeddingConfig{
			ProviderType: "ollama",
			ModelName:    "nomic-embed-text",
			BaseURL:      "http://localhost:11434",
			BatchSize:    32,
			Timeout:      30 * time.Second,
		},
		Storage: StorageConfig{
			StorageBackend: "local",
			VectorBackend:  "memory",
			BasePath:       logging.DefaultBasePath(),
			CacheEnabled:   true,
			CacheSize:      1000,
			AutoBackup:     false,
			BackupInterval: time.Hour,
		},
		LogLevel: "info",
	}
}

// UserConfigPath returns ~/.config/codeindex/config.yaml (or
// $XDG_CONFIG_HOME/codeindex/config.yaml).
func UserConfigPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "codeindex", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".config", "codeindex", "config.yaml")
	}
	return filepath.Join(home, ".config", "codeindex", "config.yaml")
}

// UserConfigDir returns the directory containing the user configuration.
func UserConfigDir() string {
	return filepath.Dir(UserConfigPath())
}

// UserConfigExists reports whether the user configuration file exists.
func UserConfigExists() bool {
	return fileExists(UserConfigPath())
}

// Load builds the effective configuration for a project rooted at dir,
// applying the precedence chain from spec.md §6: defaults → user config →
// project config → environment variables → Validate. Programmatic
// overrides are applied by the caller via Config's exported fields before
// the caller's own use, since Load returns the highest layer it knows
// about and the caller constructs Config once at startup.
func Load(dir string) (*Config, error) {
	cfg := Default()

	if path := UserConfigPath(); fileExists(path) {
		if err := cfg.mergeYAMLFile(path); err != nil {
			return nil, codeerrors.Config(fmt.Sprintf("loading user config %s", path), err)
		}
	}

	projectPath := filepath.Join(dir, projectConfigFile)
	if fileExists(projectPath) {
		if err := cfg.mergeYAMLFile(projectPath); err != nil {
			return nil, codeerrors.Config(fmt.Sprintf("loading project config %s", projectPath), err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, codeerrors.Config("invalid configuration", err)
	}
	return cfg, nil
}

// mergeYAMLFile decodes path in strict mode (unknown keys rejected, per
// spec.md §6) and merges non-zero fields onto c.
func (c *Config) mergeYAMLFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}

	decoder := yaml.NewDecoder(strings.NewReader(string(data)))
	decoder.KnownFields(true)
	var parsed Config
	if err := decoder.Decode(&parsed); err != nil {
		return fmt.Errorf("unknown or invalid key in %s: %w", path, err)
	}

	c.mergeWith(&parsed)
	return nil
}

func (c *Config) mergeWith(other *Config) {
	if other.Model.LLMProviderType != "" {
		c.Model.LLMProviderType = other.Model.LLMProviderType
	}
	if other.Model.LLMModelName != "" {
		c.Model.LLMModelName = other.Model.LLMModelName
	}
	if other.Model.APIKey != "" {
		c.Model.APIKey = other.Model.APIKey
	}
	if other.Model.BaseURL != "" {
		c.Model.BaseURL = other.Model.BaseURL
	}
	if other.Model.Timeout != 0 {
		c.Model.Timeout = other.Model.Timeout
	}

	if other.Embedding.ProviderType != "" {
		c.Embedding.ProviderType = other.Embedding.ProviderType
	}
	if other.Embedding.ModelName != "" {
		c.Embedding.ModelName = other.Embedding.ModelName
	}
	if other.Embedding.APIKey != "" {
		c.Embedding.APIKey = other.Embedding.APIKey
	}
	if other.Embedding.BaseURL != "" {
		c.Embedding.BaseURL = other.Embedding.BaseURL
	}
	if other.Embedding.BatchSize != 0 {
		c.Embedding.BatchSize = other.Embedding.BatchSize
	}
	if other.Embedding.Timeout != 0 {
		c.Embedding.Timeout = other.Embedding.Timeout
	}

	if other.Storage.StorageBackend != "" {
		c.Storage.StorageBackend = other.Storage.StorageBackend
	}
	if other.Storage.VectorBackend != "" {
		c.Storage.VectorBackend = other.Storage.VectorBackend
	}
	if other.Storage.BasePath != "" {
		c.Storage.BasePath = other.Storage.BasePath
	}
	if other.Storage.CacheSize != 0 {
		c.Storage.CacheSize = other.Storage.CacheSize
	}
	if other.Storage.BackupInterval != 0 {
		c.Storage.BackupInterval = other.Storage.BackupInterval
	}
	// CacheEnabled/AutoBackup are booleans that may be legitimately set to
	// false; only a file that sets storage at all flips them.
	if other.Storage != (StorageConfig{}) {
		c.Storage.CacheEnabled = other.Storage.CacheEnabled
		c.Storage.AutoBackup = other.Storage.AutoBackup
	}

	if other.Contextual != (ContextualConfig{}) {
		c.Contextual = other.Contextual
	}

	if other.LogLevel != "" {
		c.LogLevel = other.LogLevel
	}
}

// applyEnvOverrides applies CODEINDEX_* environment variable overrides,
// highest precedence below programmatic overrides (spec.md §6).
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("CODEINDEX_MODEL_LLM_PROVIDER_TYPE"); v != "" {
		c.Model.LLMProviderType = v
	}
	if v := os.Getenv("CODEINDEX_MODEL_LLM_MODEL_NAME"); v != "" {
		c.Model.LLMModelName = v
	}
	if v := os.Getenv("CODEINDEX_MODEL_API_KEY"); v != "" {
		c.Model.APIKey = v
	}
	if v := os.Getenv("CODEINDEX_MODEL_BASE_URL"); v != "" {
		c.Model.BaseURL = v
	}
	if v := os.Getenv("CODEINDEX_MODEL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Model.Timeout = d
		}
	}

	if v := os.Getenv("CODEINDEX_EMBEDDING_PROVIDER_TYPE"); v != "" {
		c.Embedding.ProviderType = v
	}
	if v := os.Getenv("CODEINDEX_EMBEDDING_MODEL_NAME"); v != "" {
		c.Embedding.ModelName = v
	}
	if v := os.Getenv("CODEINDEX_EMBEDDING_API_KEY"); v != "" {
		c.Embedding.APIKey = v
	}
	if v := os.Getenv("CODEINDEX_EMBEDDING_BASE_URL"); v != "" {
		c.Embedding.BaseURL = v
	}
	if v := os.Getenv("CODEINDEX_EMBEDDING_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Embedding.BatchSize = n
		}
	}
	if v := os.Getenv("CODEINDEX_EMBEDDING_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Embedding.Timeout = d
		}
	}

	if v := os.Getenv("CODEINDEX_STORAGE_STORAGE_BACKEND"); v != "" {
		c.Storage.StorageBackend = v
	}
	if v := os.Getenv("CODEINDEX_STORAGE_VECTOR_BACKEND"); v != "" {
		c.Storage.VectorBackend = v
	}
	if v := os.Getenv("CODEINDEX_STORAGE_BASE_PATH"); v != "" {
		c.Storage.BasePath = v
	}
	if v := os.Getenv("CODEINDEX_STORAGE_CACHE_ENABLED"); v != "" {
		c.Storage.CacheEnabled = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("CODEINDEX_STORAGE_CACHE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Storage.CacheSize = n
		}
	}
	if v := os.Getenv("CODEINDEX_STORAGE_AUTO_BACKUP"); v != "" {
		c.Storage.AutoBackup = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("CODEINDEX_STORAGE_BACKUP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Storage.BackupInterval = d
		}
	}

	if v := os.Getenv("CODEINDEX_CONTEXTUAL_ENABLED"); v != "" {
		c.Contextual.Enabled = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("CODEINDEX_CONTEXTUAL_CODE_CHUNKS"); v != "" {
		c.Contextual.CodeChunks = strings.EqualFold(v, "true") || v == "1"
	}

	if v := os.Getenv("CODEINDEX_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	validEmbedProviders := map[string]bool{"ollama": true, "mlx": true, "static": true}
	if !validEmbedProviders[strings.ToLower(c.Embedding.ProviderType)] {
		return fmt.Errorf("embedding.provider_type must be one of ollama, mlx, static, got %q", c.Embedding.ProviderType)
	}
	if c.Embedding.BatchSize <= 0 {
		return fmt.Errorf("embedding.batch_size must be positive, got %d", c.Embedding.BatchSize)
	}

	validStorageBackends := map[string]bool{"local": true}
	if !validStorageBackends[strings.ToLower(c.Storage.StorageBackend)] {
		return fmt.Errorf("storage.storage_backend must be 'local', got %q", c.Storage.StorageBackend)
	}
	validVectorBackends := map[string]bool{"memory": true, "ann-a": true, "ann-b": true}
	if !validVectorBackends[strings.ToLower(c.Storage.VectorBackend)] {
		return fmt.Errorf("storage.vector_backend must be one of memory, ann-a, ann-b, got %q", c.Storage.VectorBackend)
	}
	if c.Storage.BasePath == "" {
		return fmt.Errorf("storage.base_path must not be empty")
	}
	if c.Storage.CacheSize < 0 {
		return fmt.Errorf("storage.cache_size must be non-negative, got %d", c.Storage.CacheSize)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// WriteYAML writes the configuration to path, for `codeindex config init`.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"

	"github.com/semidx/semidx/internal/hnsw"
)

const (
	// DefaultDataDir is the default directory name for semidx data
	DefaultDataDir = ".semidx"
	// DefaultCollectionsDir is the directory under DataDir holding one
	// subdirectory per collection
	DefaultCollectionsDir = "collections"
	// DefaultConfigFile is the default config filename
	DefaultConfigFile = "config.yaml"
)

// Config holds the application configuration
type Config struct {
	// DataDir is the directory where semidx stores its data
	DataDir string `mapstructure:"data_dir" yaml:"data_dir,omitempty"`

	// Embedding configuration
	Embedding EmbeddingConfig `mapstructure:"embedding" yaml:"embedding,omitempty"`

	// Indexing configuration
	Indexing IndexingConfig `mapstructure:"indexing" yaml:"indexing,omitempty"`

	// Index holds the ANN graph parameters
	Index IndexConfig `mapstructure:"index" yaml:"index,omitempty"`

	// Cache holds in-process cache settings
	Cache CacheConfig `mapstructure:"cache" yaml:"cache,omitempty"`

	// Server configuration
	Server ServerConfig `mapstructure:"server" yaml:"server,omitempty"`
}

// EmbeddingConfig holds embedding provider settings
type EmbeddingConfig struct {
	// Provider is the embedding provider: "ollama"
	Provider string `mapstructure:"provider" yaml:"provider,omitempty"`
	// Model is the embedding model name
	Model string `mapstructure:"model" yaml:"model,omitempty"`
	// OllamaURL is the Ollama API URL
	OllamaURL string `mapstructure:"ollama_url" yaml:"ollama_url,omitempty"`
	// Dimensions is the embedding vector dimensions
	Dimensions int `mapstructure:"dimensions" yaml:"dimensions,omitempty"`
}

// IndexingConfig holds file indexing settings
type IndexingConfig struct {
	// ChunkSize is the target chunk size in lines
	ChunkSize int `mapstructure:"chunk_size" yaml:"chunk_size,omitempty"`
	// ChunkOverlap is the overlap between chunks in lines
	ChunkOverlap int `mapstructure:"chunk_overlap" yaml:"chunk_overlap,omitempty"`
	// IgnorePatterns are glob patterns to ignore during indexing
	IgnorePatterns []string `mapstructure:"ignore_patterns" yaml:"ignore_patterns,omitempty"`
	// MaxFileSize is the maximum file size to index in bytes
	MaxFileSize int64 `mapstructure:"max_file_size" yaml:"max_file_size,omitempty"`
}

// IndexConfig holds ANN graph parameters
type IndexConfig struct {
	// Space is the distance space: "cosine" or "l2"
	Space string `mapstructure:"space" yaml:"space,omitempty"`
	// M is the maximum neighbors per graph node
	M int `mapstructure:"m" yaml:"m,omitempty"`
	// EfConstruction is the construction-time beam width
	EfConstruction int `mapstructure:"ef_construction" yaml:"ef_construction,omitempty"`
	// EfSearch is the query-time beam width
	EfSearch int `mapstructure:"ef_search" yaml:"ef_search,omitempty"`
}

// CacheConfig holds in-process cache settings
type CacheConfig struct {
	// TTLMinutes is how long a project's loaded indexes survive without access
	TTLMinutes int `mapstructure:"ttl_minutes" yaml:"ttl_minutes,omitempty"`
	// CheckIntervalSeconds is how often the eviction thread wakes up
	CheckIntervalSeconds int `mapstructure:"check_interval_seconds" yaml:"check_interval_seconds,omitempty"`
}

// ServerConfig holds server settings
type ServerConfig struct {
	// Host is the server bind address
	Host string `mapstructure:"host" yaml:"host,omitempty"`
	// Port is the server port
	Port int `mapstructure:"port" yaml:"port,omitempty"`
	// MCPEnabled enables the MCP server
	MCPEnabled bool `mapstructure:"mcp_enabled" yaml:"mcp_enabled,omitempty"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		DataDir: DefaultDataDir,
		Embedding: EmbeddingConfig{
			Provider:   "ollama",
			Model:      "nomic-embed-text",
			OllamaURL:  "http://localhost:11434",
			Dimensions: 768,
		},
		Indexing: IndexingConfig{
			ChunkSize:    60,
			ChunkOverlap: 10,
			IgnorePatterns: []string{
				".git/**",
				"node_modules/**",
				"vendor/**",
				"*.min.js",
				"*.min.css",
				"*.lock",
				"go.sum",
				"package-lock.json",
				"yarn.lock",
			},
			MaxFileSize: 1024 * 1024, // 1MB
		},
		Index: IndexConfig{
			Space:          string(hnsw.SpaceCosine),
			M:              16,
			EfConstruction: 200,
			EfSearch:       100,
		},
		Cache: CacheConfig{
			TTLMinutes:           10,
			CheckIntervalSeconds: 60,
		},
		Server: ServerConfig{
			Host:       "localhost",
			Port:       8080,
			MCPEnabled: true,
		},
	}
}

// Load loads configuration from the project's config file and environment.
func Load(projectDir string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	// Look for config in the project's .semidx directory
	configDir := filepath.Join(projectDir, DefaultDataDir)
	v.AddConfigPath(configDir)

	// Also check current directory
	v.AddConfigPath(".")

	// Environment variables
	v.SetEnvPrefix("SEMIDX")
	v.AutomaticEnv()

	_ = v.BindEnv("embedding.provider", "SEMIDX_EMBEDDING_PROVIDER")
	_ = v.BindEnv("embedding.model", "SEMIDX_EMBEDDING_MODEL")
	_ = v.BindEnv("embedding.ollama_url", "SEMIDX_OLLAMA_URL")
	_ = v.BindEnv("cache.ttl_minutes", "SEMIDX_CACHE_TTL_MINUTES")
	_ = v.BindEnv("server.host", "SEMIDX_HOST")
	_ = v.BindEnv("server.port", "SEMIDX_PORT")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}

	// Update paths relative to project directory
	if !filepath.IsAbs(cfg.DataDir) {
		cfg.DataDir = filepath.Join(projectDir, cfg.DataDir)
	}

	return cfg, nil
}

// CollectionsDir returns the directory that holds the per-collection
// subdirectories.
func (c *Config) CollectionsDir() string {
	return filepath.Join(c.DataDir, DefaultCollectionsDir)
}

// GraphConfig translates the index settings into ANN graph parameters.
// The vector dimension comes from the embedding settings.
func (c *Config) GraphConfig() hnsw.Config {
	return hnsw.Config{
		Dim:            c.Embedding.Dimensions,
		Space:          hnsw.Space(c.Index.Space),
		M:              c.Index.M,
		EfConstruction: c.Index.EfConstruction,
		EfSearch:       c.Index.EfSearch,
	}
}

// EnsureDataDir creates the data directory if it doesn't exist
func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(c.CollectionsDir(), 0755)
}

// WriteDefaultConfig writes the default config file to the data directory
func (c *Config) WriteDefaultConfig() error {
	configPath := filepath.Join(c.DataDir, DefaultConfigFile)

	// Don't overwrite existing config
	if _, err := os.Stat(configPath); err == nil {
		return nil
	}

	v := viper.New()
	v.Set("embedding.provider", c.Embedding.Provider)
	v.Set("embedding.model", c.Embedding.Model)
	v.Set("embedding.ollama_url", c.Embedding.OllamaURL)
	v.Set("embedding.dimensions", c.Embedding.Dimensions)
	v.Set("indexing.chunk_size", c.Indexing.ChunkSize)
	v.Set("indexing.chunk_overlap", c.Indexing.ChunkOverlap)
	v.Set("indexing.ignore_patterns", c.Indexing.IgnorePatterns)
	v.Set("indexing.max_file_size", c.Indexing.MaxFileSize)
	v.Set("index.space", c.Index.Space)
	v.Set("index.m", c.Index.M)
	v.Set("index.ef_construction", c.Index.EfConstruction)
	v.Set("index.ef_search", c.Index.EfSearch)
	v.Set("cache.ttl_minutes", c.Cache.TTLMinutes)
	v.Set("cache.check_interval_seconds", c.Cache.CheckIntervalSeconds)
	v.Set("server.host", c.Server.Host)
	v.Set("server.port", c.Server.Port)
	v.Set("server.mcp_enabled", c.Server.MCPEnabled)

	return v.WriteConfigAs(configPath)
}

// GetProjectRoot finds the project root by walking up from the working
// directory until a .semidx directory appears.
func GetProjectRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for {
		dataDir := filepath.Join(dir, DefaultDataDir)
		if info, err := os.Stat(dataDir); err == nil && info.IsDir() {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("not in a semidx project (no %s directory found)", DefaultDataDir)
		}
		dir = parent
	}
}

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds the visidex service configuration.
type Config struct {
	HTTP       HTTPConfig       `yaml:"http"`
	Database   DatabaseConfig   `yaml:"database"`
	Index      IndexConfig      `yaml:"index"`
	Embedding  EmbeddingConfig  `yaml:"embedding"`
	Generative GenerativeConfig `yaml:"generative"`
	Cache      CacheConfig      `yaml:"cache"`
	Storage    StorageConfig    `yaml:"storage"`
	SimMap     SimMapConfig     `yaml:"simmap"`
	Chat       ChatConfig       `yaml:"chat"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error (default: determined by env)
}

// HTTPConfig holds HTTP server settings.
type HTTPConfig struct {
	Port            int `yaml:"port"`
	ReadTimeoutSec  int `yaml:"read_timeout_sec"`
	WriteTimeoutSec int `yaml:"write_timeout_sec"`
	ShutdownSec     int `yaml:"shutdown_timeout_sec"`
}

// DatabaseConfig holds blob store connection settings.
type DatabaseConfig struct {
	Addrs            []string `yaml:"addrs"`
	Password         string   `yaml:"password"`
	ReadinessTimeout int      `yaml:"readiness_timeout_sec"`
}

// IndexConfig holds external index identity and connection settings.
type IndexConfig struct {
	Tenant            string `yaml:"tenant"`
	Application       string `yaml:"application"`
	Instance          string `yaml:"instance"`
	Schema            string `yaml:"schema"`
	Endpoint          string `yaml:"endpoint"` // query/read API base URL
	CLIBinary         string `yaml:"cli_binary"`
	FeedDir           string `yaml:"feed_dir"`
	KeepaliveSec      int    `yaml:"keepalive_interval_sec"`
	QueryTimeoutSec   int    `yaml:"query_timeout_sec"`
	DefaultRanking    string `yaml:"default_ranking"`
	SuggestionMaxHits int    `yaml:"suggestion_max_hits"`
}

// EmbeddingConfig holds multi-vector embedding model settings.
type EmbeddingConfig struct {
	BaseURL    string `yaml:"base_url"`
	APIKey     string `yaml:"api_key"`
	Model      string `yaml:"model"`
	Dimensions int    `yaml:"dimensions"` // per-patch vector dimension D
	TimeoutSec int    `yaml:"timeout_sec"`
}

// GenerativeConfig holds generative model settings for query synthesis and chat.
type GenerativeConfig struct {
	APIKey       string `yaml:"api_key"`
	BaseURL      string `yaml:"base_url"`
	Model        string `yaml:"model"`
	Prompt       string `yaml:"prompt"`        // query synthesis instruction template
	SystemPrompt string `yaml:"system_prompt"` // chat explanation system prompt
}

// CacheConfig holds result cache settings.
type CacheConfig struct {
	Driver     string `yaml:"driver"` // memory, redis (default: memory)
	MaxEntries int    `yaml:"max_entries"`
	TTLSec     int    `yaml:"ttl_sec"`
}

// StorageConfig holds on-disk and key-value storage settings.
type StorageConfig struct {
	ImageDir  string `yaml:"image_dir"`
	SimMapDir string `yaml:"sim_map_dir"`
	KeyPrefix string `yaml:"key_prefix"`
}

// SimMapConfig holds similarity-map worker settings.
type SimMapConfig struct {
	Workers       int `yaml:"workers"`
	JobTimeoutSec int `yaml:"job_timeout_sec"`
	PollMs        int `yaml:"poll_interval_ms"`
	ThumbWidth    int `yaml:"thumbnail_width"`
}

// ChatConfig holds chat streamer settings.
type ChatConfig struct {
	ImageWaitSec int `yaml:"image_wait_sec"`
	ImagePollMs  int `yaml:"image_poll_ms"`
	MaxImages    int `yaml:"max_images"`
}

// Load reads configuration from a YAML file by environment name (local, dev, prod).
func Load(env string) (Config, error) {
	configPath := findConfigPath(env)

	data, err := os.ReadFile(filepath.Clean(configPath))
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", configPath, err)
	}

	// Substitute env variables of the form ${VAR}
	data = expandEnvVars(data)

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// MustLoad loads configuration or panics.
func MustLoad(env string) Config {
	cfg, err := Load(env)
	if err != nil {
		panic(err)
	}
	return cfg
}

// GetEnv returns the current environment from the ENV variable, defaulting to "local".
func GetEnv() string {
	if env := os.Getenv("ENV"); env != "" {
		return env
	}
	return "local"
}

// ApplyDefaults fills empty fields with default values.
func (c *Config) ApplyDefaults() {
	if c.HTTP.ReadTimeoutSec <= 0 {
		c.HTTP.ReadTimeoutSec = 10
	}
	if c.HTTP.WriteTimeoutSec <= 0 {
		// Streaming endpoints (chat SSE) need a generous write timeout.
		c.HTTP.WriteTimeoutSec = 120
	}
	if c.HTTP.ShutdownSec <= 0 {
		c.HTTP.ShutdownSec = 10
	}
	if c.Database.ReadinessTimeout <= 0 {
		c.Database.ReadinessTimeout = 10
	}
	if c.Index.Schema == "" {
		c.Index.Schema = "pdf_page"
	}
	if c.Index.CLIBinary == "" {
		c.Index.CLIBinary = "vespa"
	}
	if c.Index.FeedDir == "" {
		c.Index.FeedDir = os.TempDir()
	}
	if c.Index.KeepaliveSec <= 0 {
		c.Index.KeepaliveSec = 5
	}
	if c.Index.QueryTimeoutSec <= 0 {
		c.Index.QueryTimeoutSec = 30
	}
	if c.Index.DefaultRanking == "" {
		c.Index.DefaultRanking = "colpali"
	}
	if c.Index.SuggestionMaxHits <= 0 {
		c.Index.SuggestionMaxHits = 10
	}
	if c.Embedding.Dimensions <= 0 {
		c.Embedding.Dimensions = 128
	}
	if c.Embedding.TimeoutSec <= 0 {
		c.Embedding.TimeoutSec = 60
	}
	if c.Cache.Driver == "" {
		c.Cache.Driver = "memory"
	}
	if c.Cache.MaxEntries <= 0 {
		c.Cache.MaxEntries = 1000
	}
	if c.Cache.TTLSec <= 0 {
		c.Cache.TTLSec = 3600
	}
	if c.Storage.ImageDir == "" {
		c.Storage.ImageDir = "storage/full_images"
	}
	if c.Storage.SimMapDir == "" {
		c.Storage.SimMapDir = "storage/sim_maps"
	}
	if c.Storage.KeyPrefix == "" {
		c.Storage.KeyPrefix = "visidex:"
	}
	if c.SimMap.Workers <= 0 {
		c.SimMap.Workers = 4
	}
	if c.SimMap.JobTimeoutSec <= 0 {
		c.SimMap.JobTimeoutSec = 120
	}
	if c.SimMap.PollMs <= 0 {
		c.SimMap.PollMs = 500
	}
	if c.SimMap.ThumbWidth <= 0 {
		c.SimMap.ThumbWidth = 32
	}
	if c.Chat.ImageWaitSec <= 0 {
		c.Chat.ImageWaitSec = 10
	}
	if c.Chat.ImagePollMs <= 0 {
		c.Chat.ImagePollMs = 200
	}
	if c.Chat.MaxImages <= 0 {
		c.Chat.MaxImages = 3
	}
}

// Validate checks the configuration for correctness.
func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port must be between 1 and 65535, got %d", c.HTTP.Port)
	}
	if len(c.Database.Addrs) == 0 {
		return fmt.Errorf("database.addrs is required")
	}
	if c.Index.Tenant == "" || c.Index.Application == "" || c.Index.Instance == "" {
		return fmt.Errorf("index.tenant, index.application and index.instance are required")
	}
	if c.Embedding.BaseURL == "" {
		return fmt.Errorf("embedding.base_url is required")
	}
	switch c.Cache.Driver {
	case "memory", "redis":
		// ok
	default:
		return fmt.Errorf("cache.driver must be \"memory\" or \"redis\", got %q", c.Cache.Driver)
	}
	return nil
}

// findConfigPath locates the config file.
func findConfigPath(env string) string {
	filename := fmt.Sprintf("%s.yaml", env)

	// 1. Check ./config/
	if path := filepath.Join("config", filename); fileExists(path) {
		return path
	}

	// 2. Check relative to the source file
	_, b, _, _ := runtime.Caller(0)
	projectRoot := filepath.Dir(filepath.Dir(filepath.Dir(b))) // internal/config -> project root
	if path := filepath.Join(projectRoot, "config", filename); fileExists(path) {
		return path
	}

	// 3. Fallback to ./config/
	return filepath.Join("config", filename)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// expandEnvVars replaces ${VAR} and ${VAR:-default} with environment variable values.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

func expandEnvVars(data []byte) []byte {
	return envVarRegex.ReplaceAllFunc(data, func(match []byte) []byte {
		expr := string(match[2 : len(match)-1]) // strip ${ and }
		varName, defaultVal, hasDefault := strings.Cut(expr, ":-")
		val := os.Getenv(varName)
		if val == "" && hasDefault {
			val = defaultVal
		}
		return []byte(val)
	})
}

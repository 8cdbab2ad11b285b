// Package config provides configuration loading and management for Lector.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"
)

// Config represents the complete Lector configuration
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Browser BrowserConfig `yaml:"browser"`
	Model   ModelConfig   `yaml:"model"`
	Storage StorageConfig `yaml:"storage"`
	NATS    NATSConfig    `yaml:"nats"`
	Crawl   CrawlConfig   `yaml:"crawl"`
	Crunch  CrunchConfig  `yaml:"crunch"`
}

// ServerConfig configures the HTTP server
type ServerConfig struct {
	// Addr is the listen address (default: ":8080")
	Addr string `yaml:"addr"`
	// ReadHeaderTimeout bounds header reads to avoid slowloris
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
}

// BrowserConfig configures the headless browser pool
type BrowserConfig struct {
	// Bin is the browser binary path (empty = rod's managed download)
	Bin string `yaml:"bin"`
	// Headless runs the browser without a display (default: true)
	Headless bool `yaml:"headless"`
	// NoSandbox disables the chromium sandbox (needed in most containers)
	NoSandbox bool `yaml:"no_sandbox"`
	// MaxContexts bounds concurrent browser contexts.
	// 0 means auto: 1 + floor(free memory in GiB) at startup.
	MaxContexts int `yaml:"max_contexts"`
	// NavTimeout is the hard navigation deadline per page load
	NavTimeout time.Duration `yaml:"nav_timeout"`
	// UserAgent is sent on every page load
	UserAgent string `yaml:"user_agent"`
}

// ModelConfig configures the LLM endpoint
type ModelConfig struct {
	// Endpoint is an OpenAI-compatible chat-completions base URL
	Endpoint string `yaml:"endpoint"`
	// APIKey authenticates against the endpoint (env LECTOR_MODEL_API_KEY wins)
	APIKey string `yaml:"api_key"`
	// Default is the model used when a request names none
	Default string `yaml:"default"`
	// WindowTokens is the context window assumed for history trimming
	WindowTokens int `yaml:"window_tokens"`
	// MaxTokens is the default per-turn completion budget
	MaxTokens int `yaml:"max_tokens"`
	// MaxQuestionTokens caps interrogate question length
	MaxQuestionTokens int `yaml:"max_question_tokens"`
}

// StorageConfig configures object storage
type StorageConfig struct {
	// Bucket is the object-storage bucket name (empty = in-memory store)
	Bucket string `yaml:"bucket"`
	// SnapshotPrefix is where crawl snapshots are written
	SnapshotPrefix string `yaml:"snapshot_prefix"`
}

// NATSConfig configures the NATS connection used for the record store
// and lifecycle events. An empty URL disables both.
type NATSConfig struct {
	URL string `yaml:"url"`
}

// CrawlConfig configures the crawl endpoint
type CrawlConfig struct {
	// CacheTTL is how long a stored snapshot may satisfy a crawl
	// without re-visiting the page (0 = always re-visit)
	CacheTTL time.Duration `yaml:"cache_ttl"`
	// Blocklist holds doublestar patterns matched against host/path,
	// e.g. "*.internal.example.com/**"
	Blocklist []string `yaml:"blocklist"`
}

// CrunchConfig configures the nightly archive job
type CrunchConfig struct {
	// Prefix is the object-name prefix for archive files
	Prefix string `yaml:"prefix"`
	// Rev is the archive schema revision embedded in object names
	Rev int `yaml:"rev"`
	// TMinusDays is how many trailing days each run scans
	TMinusDays int `yaml:"t_minus_days"`
	// BatchSize is the per-file record count
	BatchSize int `yaml:"batch_size"`
	// MaxInflight bounds concurrent snapshot fetches per batch
	MaxInflight int `yaml:"max_inflight"`
}

// DefaultUserAgent mimics a desktop Chrome so pages serve their full markup.
const DefaultUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36 Lector/1.0"

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:              ":8080",
			ReadHeaderTimeout: 10 * time.Second,
		},
		Browser: BrowserConfig{
			Headless:    true,
			NoSandbox:   true,
			MaxContexts: 0, // Auto from free memory
			NavTimeout:  30 * time.Second,
			UserAgent:   DefaultUserAgent,
		},
		Model: ModelConfig{
			Endpoint:          "https://api.openai.com/v1",
			Default:           "gpt-3.5-turbo",
			WindowTokens:      16384,
			MaxTokens:         4096,
			MaxQuestionTokens: 2048,
		},
		Storage: StorageConfig{
			Bucket:         "",
			SnapshotPrefix: "snapshots",
		},
		NATS: NATSConfig{
			URL: "",
		},
		Crawl: CrawlConfig{
			CacheTTL:  5 * time.Minute,
			Blocklist: nil,
		},
		Crunch: CrunchConfig{
			Prefix:      "crunched",
			Rev:         2,
			TMinusDays:  31,
			BatchSize:   10000,
			MaxInflight: 100,
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Browser.MaxContexts < 0 {
		return fmt.Errorf("browser.max_contexts must not be negative")
	}
	if c.Browser.NavTimeout <= 0 {
		return fmt.Errorf("browser.nav_timeout must be positive")
	}
	if c.Model.Endpoint == "" {
		return fmt.Errorf("model.endpoint is required")
	}
	if c.Model.Default == "" {
		return fmt.Errorf("model.default is required")
	}
	if c.Model.WindowTokens <= 0 {
		return fmt.Errorf("model.window_tokens must be positive")
	}
	if c.Crunch.BatchSize <= 0 {
		return fmt.Errorf("crunch.batch_size must be positive")
	}
	if c.Crunch.TMinusDays <= 0 {
		return fmt.Errorf("crunch.t_minus_days must be positive")
	}
	if c.Crunch.MaxInflight <= 0 {
		return fmt.Errorf("crunch.max_inflight must be positive")
	}
	if c.Crunch.Rev < 0 {
		return fmt.Errorf("crunch.rev must not be negative")
	}
	for _, pattern := range c.Crawl.Blocklist {
		if !doublestar.ValidatePattern(pattern) {
			return fmt.Errorf("crawl.blocklist: invalid pattern %q", pattern)
		}
	}
	return nil
}

// Blocked reports whether hostAndPath (e.g. "example.com/admin/login")
// matches any configured blocklist pattern.
func (c *Config) Blocked(hostAndPath string) bool {
	for _, pattern := range c.Crawl.Blocklist {
		if ok, err := doublestar.Match(pattern, hostAndPath); err == nil && ok {
			return true
		}
	}
	return false
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for non-zero values)
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	if other.Server.Addr != "" {
		c.Server.Addr = other.Server.Addr
	}
	if other.Server.ReadHeaderTimeout != 0 {
		c.Server.ReadHeaderTimeout = other.Server.ReadHeaderTimeout
	}

	if other.Browser.Bin != "" {
		c.Browser.Bin = other.Browser.Bin
	}
	if other.Browser.MaxContexts != 0 {
		c.Browser.MaxContexts = other.Browser.MaxContexts
	}
	if other.Browser.NavTimeout != 0 {
		c.Browser.NavTimeout = other.Browser.NavTimeout
	}
	if other.Browser.UserAgent != "" {
		c.Browser.UserAgent = other.Browser.UserAgent
	}

	if other.Model.Endpoint != "" {
		c.Model.Endpoint = other.Model.Endpoint
	}
	if other.Model.APIKey != "" {
		c.Model.APIKey = other.Model.APIKey
	}
	if other.Model.Default != "" {
		c.Model.Default = other.Model.Default
	}
	if other.Model.WindowTokens != 0 {
		c.Model.WindowTokens = other.Model.WindowTokens
	}
	if other.Model.MaxTokens != 0 {
		c.Model.MaxTokens = other.Model.MaxTokens
	}
	if other.Model.MaxQuestionTokens != 0 {
		c.Model.MaxQuestionTokens = other.Model.MaxQuestionTokens
	}

	if other.Storage.Bucket != "" {
		c.Storage.Bucket = other.Storage.Bucket
	}
	if other.Storage.SnapshotPrefix != "" {
		c.Storage.SnapshotPrefix = other.Storage.SnapshotPrefix
	}

	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
	}

	if other.Crawl.CacheTTL != 0 {
		c.Crawl.CacheTTL = other.Crawl.CacheTTL
	}
	if len(other.Crawl.Blocklist) > 0 {
		c.Crawl.Blocklist = other.Crawl.Blocklist
	}

	if other.Crunch.Prefix != "" {
		c.Crunch.Prefix = other.Crunch.Prefix
	}
	if other.Crunch.Rev != 0 {
		c.Crunch.Rev = other.Crunch.Rev
	}
	if other.Crunch.TMinusDays != 0 {
		c.Crunch.TMinusDays = other.Crunch.TMinusDays
	}
	if other.Crunch.BatchSize != 0 {
		c.Crunch.BatchSize = other.Crunch.BatchSize
	}
	if other.Crunch.MaxInflight != 0 {
		c.Crunch.MaxInflight = other.Crunch.MaxInflight
	}
}

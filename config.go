package archivist

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the on-disk configuration of the archivist binary.
type Config struct {
	Dir     string        `yaml:"dir"`
	Catalog CatalogConfig `yaml:"catalog"`
	Ingest  IngestConfig  `yaml:"ingest"`
	Search  SearchConfig  `yaml:"search"`
	HTTP    HTTPConfig    `yaml:"http"`
	Logging LoggingConfig `yaml:"logging"`
}

// CatalogConfig holds remote catalog settings.
type CatalogConfig struct {
	BaseURL    string `yaml:"base_url"`
	UserAgent  string `yaml:"user_agent"`
	TimeoutSec int    `yaml:"timeout_sec"`
	DelayMs    int    `yaml:"delay_ms"` // pause between catalog requests
}

// IngestConfig holds ingestion settings.
type IngestConfig struct {
	MaxEntryMB      int64 `yaml:"max_entry_mb"`
	RecordCacheSize int   `yaml:"record_cache_size"`
	Journal         *bool `yaml:"journal"`
}

// SearchConfig holds search defaults.
type SearchConfig struct {
	DefaultFields []string `yaml:"default_fields"`
	Limit         int      `yaml:"limit"`
}

// HTTPConfig holds the read API listener settings.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
	JSON  bool   `yaml:"json"`
}

// LoadConfig reads a YAML configuration file. An empty path yields the
// defaults. Environment overrides are applied last.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(filepath.Clean(path))
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		data = expandEnvVars(data)
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if dir := os.Getenv("ARCHIVIST_DIR"); dir != "" {
		c.Dir = dir
	}
	if u := os.Getenv("ARCHIVIST_BASE_URL"); u != "" {
		c.Catalog.BaseURL = u
	}
}

// ApplyDefaults fills empty fields with default values.
func (c *Config) ApplyDefaults() {
	if c.Dir == "" {
		home, _ := os.UserHomeDir()
		c.Dir = filepath.Join(home, ".cache", "archivist")
	}
	if c.Catalog.UserAgent == "" {
		c.Catalog.UserAgent = "archivist/1.0"
	}
	if c.Catalog.TimeoutSec <= 0 {
		c.Catalog.TimeoutSec = 60
	}
	if c.Catalog.DelayMs < 0 {
		c.Catalog.DelayMs = 0
	}
	if c.Ingest.MaxEntryMB <= 0 {
		c.Ingest.MaxEntryMB = DefaultMaxEntrySize >> 20
	}
	if c.Ingest.RecordCacheSize <= 0 {
		c.Ingest.RecordCacheSize = 4096
	}
	if c.Ingest.Journal == nil {
		on := true
		c.Ingest.Journal = &on
	}
	if len(c.Search.DefaultFields) == 0 {
		c.Search.DefaultFields = []string{FieldName, FieldTag}
	}
	if c.Search.Limit <= 0 {
		c.Search.Limit = 20
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = "localhost:8080"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate checks the configuration for correctness.
func (c *Config) Validate() error {
	for _, f := range c.Search.DefaultFields {
		if !isField(f) {
			return fmt.Errorf("search.default_fields: unknown field %q", f)
		}
	}
	if u := c.Catalog.BaseURL; u != "" && !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
		return fmt.Errorf("catalog.base_url must be an http(s) URL, got %q", u)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error, got %q", c.Logging.Level)
	}
	return nil
}

// Options converts the configuration into archive options.
func (c *Config) Options() Options {
	return Options{
		Dir:             c.Dir,
		RecordCacheSize: c.Ingest.RecordCacheSize,
		MaxEntrySize:    c.Ingest.MaxEntryMB << 20,
		NoJournal:       c.Ingest.Journal != nil && !*c.Ingest.Journal,
	}
}

// expandEnvVars replaces ${VAR} and ${VAR:-default} with environment variable values.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

func expandEnvVars(data []byte) []byte {
	return envVarRegex.ReplaceAllFunc(data, func(match []byte) []byte {
		expr := string(match[2 : len(match)-1])
		varName, defaultVal, hasDefault := strings.Cut(expr, ":-")
		val := os.Getenv(varName)
		if val == "" && hasDefault {
			val = defaultVal
		}
		return []byte(val)
	})
}

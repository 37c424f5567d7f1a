package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pario-ai/genrelay/pkg/batch"
	"github.com/pario-ai/genrelay/pkg/models"
	"github.com/pario-ai/genrelay/pkg/offline"
	"github.com/pario-ai/genrelay/pkg/ratelimit"
	"github.com/pario-ai/genrelay/pkg/retry"
)

// Config holds all genrelay configuration.
type Config struct {
	Listen    string           `yaml:"listen"`
	DBPath    string           `yaml:"db_path"`
	LogLevel  string           `yaml:"log_level"`
	Providers []ProviderConfig `yaml:"providers"`
	Router    RouterConfig     `yaml:"router"`
	Cache     CacheConfig      `yaml:"cache"`
	RateLimit ratelimit.Config `yaml:"rate_limit"`
	Retry     retry.Config     `yaml:"retry"`
	Batch     batch.Config     `yaml:"batch"`
	Offline   OfflineConfig    `yaml:"offline"`
	Timeout   TimeoutConfig    `yaml:"timeout"`
	Store     StoreConfig      `yaml:"store"`
	Budget    BudgetConfig     `yaml:"budget"`
}

// RouterConfig defines model routing and fallback chains.
type RouterConfig struct {
	Routes []RouteConfig `yaml:"routes"`
}

// RouteConfig maps a client-facing model alias to an ordered list of targets.
type RouteConfig struct {
	Model   string        `yaml:"model"`
	Targets []RouteTarget `yaml:"targets"`
}

// RouteTarget identifies a specific provider and model in a fallback chain.
type RouteTarget struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

// ProviderConfig defines an upstream generation service.
// Type is "openai" (default) or "anthropic". Model is used when a request
// names none.
type ProviderConfig struct {
	Name      string `yaml:"name"`
	URL       string `yaml:"url"`
	APIKey    string `yaml:"api_key"`
	Type      string `yaml:"type"`
	Model     string `yaml:"model"`
	MaxTokens int    `yaml:"max_tokens"`
}

// CacheConfig controls the response cache.
type CacheConfig struct {
	Enabled       bool          `yaml:"enabled"`
	TTL           time.Duration `yaml:"ttl"`
	MaxEntries    int           `yaml:"max_entries"`
	MaxBytes      int64         `yaml:"max_bytes"`
	MaxEntryBytes int64         `yaml:"max_entry_bytes"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	Persist       bool          `yaml:"persist"`
}

// OfflineConfig controls the offline queue. DrainInterval is how often the
// queue is rechecked for replay while online.
type OfflineConfig struct {
	offline.Config `yaml:",inline"`
	Persist        bool          `yaml:"persist"`
	DrainInterval  time.Duration `yaml:"drain_interval"`
}

// TimeoutConfig sets the per-attempt timeout. Slower links stretch Base by a
// multiplier that never exceeds MaxMultiplier.
type TimeoutConfig struct {
	Base          time.Duration `yaml:"base"`
	MaxMultiplier float64       `yaml:"max_multiplier"`
}

// StoreConfig selects the persistence backend: none, sqlite or redis.
type StoreConfig struct {
	Driver string      `yaml:"driver"`
	Redis  RedisConfig `yaml:"redis"`
}

// RedisConfig locates the Redis server.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// BudgetConfig controls budget enforcement.
type BudgetConfig struct {
	Enabled  bool                  `yaml:"enabled"`
	Policies []models.BudgetPolicy `yaml:"policies"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Listen:   ":8080",
		DBPath:   "genrelay.db",
		LogLevel: "info",
		Cache: CacheConfig{
			Enabled:       true,
			TTL:           time.Hour,
			MaxEntries:    500,
			MaxBytes:      8 << 20,
			MaxEntryBytes: 64 << 10,
			SweepInterval: time.Minute,
			Persist:       true,
		},
		RateLimit: ratelimit.Config{
			MinInterval:  time.Second,
			MaxPerWindow: 20,
			Window:       time.Minute,
		},
		Retry: retry.DefaultConfig(),
		Batch: batch.Config{
			Window:        200 * time.Millisecond,
			MaxSize:       10,
			MaxConcurrent: 4,
		},
		Offline: OfflineConfig{
			Config: offline.Config{
				MaxSize:       100,
				MaxAge:        24 * time.Hour,
				SweepInterval: time.Minute,
			},
			Persist:       true,
			DrainInterval: 30 * time.Second,
		},
		Timeout: TimeoutConfig{
			Base:          30 * time.Second,
			MaxMultiplier: 3,
		},
		Store: StoreConfig{
			Driver: "sqlite",
			Redis:  RedisConfig{Addr: "localhost:6379", Prefix: "genrelay:"},
		},
	}
}

// Load reads a YAML config file and expands environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	for i, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("providers[%d]: name is required", i)
		}
		if p.URL == "" {
			return fmt.Errorf("provider %q: url is required", p.Name)
		}
		switch strings.ToLower(p.Type) {
		case "", "openai", "anthropic":
		default:
			return fmt.Errorf("provider %q: unknown type %q", p.Name, p.Type)
		}
	}
	switch c.Store.Driver {
	case "", "none", "sqlite", "redis":
	default:
		return fmt.Errorf("store: unknown driver %q", c.Store.Driver)
	}
	if c.Store.Driver == "sqlite" && c.DBPath == "" {
		return fmt.Errorf("store: sqlite driver needs db_path")
	}
	for _, p := range c.Budget.Policies {
		if p.Period != models.BudgetDaily && p.Period != models.BudgetMonthly {
			return fmt.Errorf("budget: policy for %q has unknown period %q", p.Model, p.Period)
		}
		if p.MaxTokens <= 0 {
			return fmt.Errorf("budget: policy for %q needs a positive max_tokens", p.Model)
		}
	}
	if c.Cache.MaxEntries < 0 || c.Cache.MaxBytes < 0 || c.Cache.MaxEntryBytes < 0 {
		return fmt.Errorf("cache: limits must not be negative")
	}
	if c.Offline.MaxSize < 0 {
		return fmt.Errorf("offline: max_size must not be negative")
	}
	if c.Timeout.MaxMultiplier != 0 && c.Timeout.MaxMultiplier < 1 {
		return fmt.Errorf("timeout: max_multiplier must be at least 1")
	}
	if c.Retry.MaxAttempts < 0 {
		return fmt.Errorf("retry: max_attempts must not be negative")
	}
	return nil
}

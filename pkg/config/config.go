package config

import (
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"

	"github.com/itsacoffee/aura-orchestrator/pkg/models"
)

// Config holds all orchestrator configuration.
type Config struct {
	Listen        string           `yaml:"listen"`
	AdminAPIKey   string           `yaml:"admin_api_key"`
	CORSOrigins   []string         `yaml:"cors_origins"`
	DBPath        string           `yaml:"db_path"`
	ProbeInterval time.Duration    `yaml:"probe_interval"`
	Log           LogConfig        `yaml:"log"`
	Redis         RedisConfig      `yaml:"redis"`
	Providers     []ProviderConfig `yaml:"providers"`
	Selection     SelectionConfig  `yaml:"selection"`
	Breaker       BreakerConfig    `yaml:"breaker"`
	Retry         RetryConfig      `yaml:"retry"`
	Budget        BudgetConfig     `yaml:"budget"`
	Cache         CacheConfig      `yaml:"cache"`
	Audit         AuditConfig      `yaml:"audit"`
}

// LogConfig controls the zap logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "console"
}

// RedisConfig is shared by the redis-backed budget and selection stores.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// ProviderConfig defines an upstream generation provider and its models.
// Type is "openai" (default) or "offline".
type ProviderConfig struct {
	ID           string        `yaml:"id"`
	Family       string        `yaml:"family"`
	Type         string        `yaml:"type"`
	URL          string        `yaml:"url"`
	APIKey       string        `yaml:"api_key"`
	RateLimitRPS float64       `yaml:"rate_limit_rps"`
	Models       []ModelConfig `yaml:"models"`
}

// ModelConfig is the capability metadata of one provider model.
type ModelConfig struct {
	ID                string              `yaml:"id"`
	MaxContextTokens  int                 `yaml:"max_context_tokens"`
	SupportsStreaming bool                `yaml:"supports_streaming"`
	OfflineCapable    bool                `yaml:"offline_capable"`
	Deprecated        bool                `yaml:"deprecated"`
	Replacement       string              `yaml:"replacement"`
	Removed           bool                `yaml:"removed"`
	Priority          int                 `yaml:"priority"`
	Pricing           models.ModelPricing `yaml:",inline"`
}

// SelectionConfig controls model selection storage and fallback.
type SelectionConfig struct {
	Backend                string                  `yaml:"backend"` // memory, sqlite, redis
	AllowAutomaticFallback bool                    `yaml:"allow_automatic_fallback"`
	Entries                []models.ModelSelection `yaml:"entries"`
}

// BreakerConfig holds circuit breaker thresholds.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
	Window           time.Duration `yaml:"window"`
}

// RetryConfig holds the default retry policy.
type RetryConfig struct {
	MaxRetries        int           `yaml:"max_retries"`
	BaseDelay         time.Duration `yaml:"base_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	Jitter            float64       `yaml:"jitter"`
	AttemptTimeout    time.Duration `yaml:"attempt_timeout"`
	OperationDeadline time.Duration `yaml:"operation_deadline"`
}

// BudgetConfig controls budget accounting.
type BudgetConfig struct {
	Backend                string                             `yaml:"backend"` // memory, redis
	SoftThreshold          float64                            `yaml:"soft_threshold"`
	ProviderSoftThresholds map[string]float64                 `yaml:"provider_soft_thresholds"`
	Defaults               models.BudgetConstraint            `yaml:"defaults"`
	ProviderDefaults       map[string]models.BudgetConstraint `yaml:"provider_defaults"`
	SessionTTL             time.Duration                      `yaml:"session_ttl"`
	// DefaultExpectedTokensOut is the output estimate of requests that
	// do not state one.
	DefaultExpectedTokensOut int64 `yaml:"default_expected_tokens_out"`
}

// CacheConfig controls the response cache.
type CacheConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Backend        string        `yaml:"backend"` // memory, sqlite
	DefaultTTL     time.Duration `yaml:"default_ttl"`
	MaxEntries     int           `yaml:"max_entries"`
	MaxBytes       int64         `yaml:"max_bytes"`
	VolatileFields []string      `yaml:"volatile_fields"`
}

// AuditConfig controls the audit log and its persistent sink.
type AuditConfig struct {
	Capacity       int           `yaml:"capacity"`
	BufferSize     int           `yaml:"buffer_size"`
	EnqueueTimeout time.Duration `yaml:"enqueue_timeout"`
	BatchSize      int           `yaml:"batch_size"`
	Sink           string        `yaml:"sink"` // none, sqlite, postgres
	DBPath         string        `yaml:"db_path"`
	DSN            string        `yaml:"dsn"`
	RetentionDays  int           `yaml:"retention_days"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Listen:        ":8080",
		DBPath:        "aura.db",
		ProbeInterval: time.Minute,
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Redis: RedisConfig{
			Prefix: "aura",
		},
		Selection: SelectionConfig{
			Backend:                "memory",
			AllowAutomaticFallback: false,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			Cooldown:         30 * time.Second,
			Window:           time.Minute,
		},
		Retry: RetryConfig{
			MaxRetries:     2,
			BaseDelay:      250 * time.Millisecond,
			MaxDelay:       8 * time.Second,
			Jitter:         0.2,
			AttemptTimeout: 60 * time.Second,
		},
		Budget: BudgetConfig{
			Backend:                  "memory",
			SoftThreshold:            0.8,
			SessionTTL:               24 * time.Hour,
			DefaultExpectedTokensOut: 256,
		},
		Cache: CacheConfig{
			Enabled:        true,
			Backend:        "memory",
			DefaultTTL:     time.Hour,
			MaxEntries:     1000,
			MaxBytes:       64 << 20,
			VolatileFields: []string{"timestamp", "request_id", "requestId", "nonce", "trace_id"},
		},
		Audit: AuditConfig{
			Capacity:       1000,
			BufferSize:     256,
			EnqueueTimeout: 5 * time.Millisecond,
			BatchSize:      64,
			Sink:           "none",
			DBPath:         "aura-audit.db",
			RetentionDays:  90,
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

// LoadOrDefault loads path when set and returns defaults otherwise.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	return Load(path)
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var result *multierror.Error

	seen := make(map[string]bool)
	for i, p := range c.Providers {
		if p.ID == "" {
			result = multierror.Append(result, fmt.Errorf("providers[%d]: id is required", i))
			continue
		}
		if seen[p.ID] {
			result = multierror.Append(result, fmt.Errorf("providers[%d]: duplicate id %q", i, p.ID))
		}
		seen[p.ID] = true
		if _, err := models.ParseProviderFamily(p.Family); err != nil {
			result = multierror.Append(result, fmt.Errorf("provider %s: %w", p.ID, err))
		}
		switch p.Type {
		case "", "openai", "offline":
		default:
			result = multierror.Append(result, fmt.Errorf("provider %s: unknown type %q", p.ID, p.Type))
		}
		if len(p.Models) == 0 {
			result = multierror.Append(result, fmt.Errorf("provider %s: at least one model is required", p.ID))
		}
		for j, m := range p.Models {
			if m.ID == "" {
				result = multierror.Append(result, fmt.Errorf("provider %s: models[%d]: id is required", p.ID, j))
			}
		}
	}

	for i, s := range c.Selection.Entries {
		if s.Scope == models.ScopeUnknown {
			result = multierror.Append(result, fmt.Errorf("selection.entries[%d]: scope is required", i))
		}
		if s.ProviderID == "" {
			result = multierror.Append(result, fmt.Errorf("selection.entries[%d]: provider is required", i))
		}
		if s.ProviderID != "" && len(c.Providers) > 0 && !seen[s.ProviderID] {
			result = multierror.Append(result, fmt.Errorf("selection.entries[%d]: unknown provider %q", i, s.ProviderID))
		}
	}

	switch c.Selection.Backend {
	case "memory", "sqlite", "redis":
	default:
		result = multierror.Append(result, fmt.Errorf("selection.backend: unknown backend %q", c.Selection.Backend))
	}
	if c.Breaker.FailureThreshold < 1 {
		result = multierror.Append(result, fmt.Errorf("breaker.failure_threshold must be >= 1"))
	}
	if c.Breaker.Cooldown <= 0 {
		result = multierror.Append(result, fmt.Errorf("breaker.cooldown must be positive"))
	}
	if c.Retry.MaxRetries < 0 {
		result = multierror.Append(result, fmt.Errorf("retry.max_retries must be >= 0"))
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		result = multierror.Append(result, fmt.Errorf("retry.jitter must be between 0 and 1"))
	}
	if !validRatio(c.Budget.SoftThreshold) {
		result = multierror.Append(result, fmt.Errorf("budget.soft_threshold must be in (0, 1]"))
	}
	for id, t := range c.Budget.ProviderSoftThresholds {
		if !validRatio(t) {
			result = multierror.Append(result, fmt.Errorf("budget.provider_soft_thresholds[%s] must be in (0, 1]", id))
		}
	}
	if c.Budget.DefaultExpectedTokensOut < 0 {
		result = multierror.Append(result, fmt.Errorf("budget.default_expected_tokens_out must be >= 0"))
	}
	switch c.Budget.Backend {
	case "memory", "redis":
	default:
		result = multierror.Append(result, fmt.Errorf("budget.backend: unknown backend %q", c.Budget.Backend))
	}
	switch c.Cache.Backend {
	case "memory", "sqlite":
	default:
		result = multierror.Append(result, fmt.Errorf("cache.backend: unknown backend %q", c.Cache.Backend))
	}
	switch c.Audit.Sink {
	case "", "none", "sqlite":
	case "postgres":
		if c.Audit.DSN == "" {
			result = multierror.Append(result, fmt.Errorf("audit.dsn is required for the postgres sink"))
		}
	default:
		result = multierror.Append(result, fmt.Errorf("audit.sink: unknown sink %q", c.Audit.Sink))
	}
	if c.Audit.Capacity < 1 {
		result = multierror.Append(result, fmt.Errorf("audit.capacity must be >= 1"))
	}
	if (c.Selection.Backend == "redis" || c.Budget.Backend == "redis") && c.Redis.Addr == "" {
		result = multierror.Append(result, fmt.Errorf("redis.addr is required by a redis backend"))
	}

	return result.ErrorOrNil()
}

func validRatio(v float64) bool {
	return v > 0 && v <= 1
}

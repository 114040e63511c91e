// Package config loads storyloom configuration from YAML with environment
// overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"storyloom/internal/quality"
	"storyloom/internal/scheduler"
)

// Config holds all storyloom configuration.
type Config struct {
	// Provider configuration
	Provider ProviderConfig `yaml:"provider"`

	// Scheduler rate limits per task category
	Scheduler SchedulerConfig `yaml:"scheduler"`

	// Quality gate thresholds and regeneration budget
	Quality QualityConfig `yaml:"quality"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// ProviderConfig configures the text-generation provider.
type ProviderConfig struct {
	Kind        string  `yaml:"kind"` // openai, gemini
	APIKey      string  `yaml:"api_key"`
	Model       string  `yaml:"model"`
	BaseURL     string  `yaml:"base_url"`
	Timeout     string  `yaml:"timeout"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
}

// TimeoutDuration parses the timeout, falling back to the default on empty.
func (p ProviderConfig) TimeoutDuration() (time.Duration, error) {
	if p.Timeout == "" {
		return 2 * time.Minute, nil
	}
	return time.ParseDuration(p.Timeout)
}

// CategoryLimits mirrors scheduler.Limits with a string duration for YAML.
type CategoryLimits struct {
	MaxConcurrent int    `yaml:"max_concurrent"`
	MinDelay      string `yaml:"min_delay"`
	PerMinute     int    `yaml:"per_minute"`
}

// SchedulerConfig holds per-category limits.
type SchedulerConfig struct {
	Default    CategoryLimits            `yaml:"default"`
	Categories map[string]CategoryLimits `yaml:"categories"`
}

// QualityConfig configures the quality gate.
type QualityConfig struct {
	Enabled     bool               `yaml:"enabled"`
	MaxAttempts int                `yaml:"max_attempts"`
	Critical    map[string]float64 `yaml:"critical"`
	Minor       map[string]float64 `yaml:"minor"`
}

// LoggingConfig configures process logging.
type LoggingConfig struct {
	Debug bool `yaml:"debug"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() *Config {
	return &Config{
		Provider: ProviderConfig{
			Kind:        "openai",
			Model:       "glm-4.6",
			BaseURL:     "https://api.z.ai/api/coding/paas/v4",
			Timeout:     "2m",
			MaxTokens:   4096,
			Temperature: 0.8,
		},
		Scheduler: SchedulerConfig{
			Default: CategoryLimits{MaxConcurrent: 2, MinDelay: "1s", PerMinute: 20},
			Categories: map[string]CategoryLimits{
				"scene":    {MaxConcurrent: 1, MinDelay: "3s", PerMinute: 10},
				"outline":  {MaxConcurrent: 2, MinDelay: "1s", PerMinute: 20},
				"analysis": {MaxConcurrent: 2, MinDelay: "500ms", PerMinute: 30},
			},
		},
		Quality: QualityConfig{
			Enabled:     true,
			MaxAttempts: 3,
			Critical:    map[string]float64{"coherence": 50, "originality": 45},
			Minor:       map[string]float64{"pacing": 60, "voice": 60},
		},
		Logging: LoggingConfig{Debug: false},
	}
}

// Load reads the config file at path, applies environment overrides, and
// validates. A missing file yields defaults plus overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// Defaults apply.
		case err != nil:
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config %s: %w", path, err)
			}
		}
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("STORYLOOM_API_KEY"); key != "" {
		c.Provider.APIKey = key
	}
	if c.Provider.APIKey == "" {
		switch c.Provider.Kind {
		case "gemini":
			c.Provider.APIKey = os.Getenv("GEMINI_API_KEY")
		default:
			c.Provider.APIKey = os.Getenv("OPENAI_API_KEY")
		}
	}
	if model := os.Getenv("STORYLOOM_MODEL"); model != "" {
		c.Provider.Model = model
	}
	if url := os.Getenv("STORYLOOM_BASE_URL"); url != "" {
		c.Provider.BaseURL = url
	}
	if os.Getenv("STORYLOOM_DEBUG") == "1" {
		c.Logging.Debug = true
	}
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	switch c.Provider.Kind {
	case "openai", "gemini":
	default:
		return fmt.Errorf("unknown provider kind %q", c.Provider.Kind)
	}
	if _, err := c.Provider.TimeoutDuration(); err != nil {
		return fmt.Errorf("provider.timeout: %w", err)
	}
	if c.Quality.MaxAttempts < 1 {
		return fmt.Errorf("quality.max_attempts must be >= 1, got %d", c.Quality.MaxAttempts)
	}
	if _, err := parseDelay(c.Scheduler.Default.MinDelay); err != nil {
		return fmt.Errorf("scheduler.default.min_delay: %w", err)
	}
	for name, limits := range c.Scheduler.Categories {
		if _, err := parseDelay(limits.MinDelay); err != nil {
			return fmt.Errorf("scheduler.categories.%s.min_delay: %w", name, err)
		}
		if limits.MaxConcurrent < 0 || limits.PerMinute < 0 {
			return fmt.Errorf("scheduler.categories.%s: limits must be non-negative", name)
		}
	}
	for name, v := range c.Quality.Critical {
		if v < 0 || v > 100 {
			return fmt.Errorf("quality.critical.%s: threshold %v out of range 0-100", name, v)
		}
	}
	return nil
}

func parseDelay(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

// SchedulerConfig converts the YAML limits into the scheduler's config.
func (c *Config) SchedulerConfig() scheduler.Config {
	out := scheduler.Config{
		Default:    toLimits(c.Scheduler.Default),
		Categories: make(map[scheduler.Category]scheduler.Limits, len(c.Scheduler.Categories)),
	}
	for name, limits := range c.Scheduler.Categories {
		out.Categories[scheduler.Category(name)] = toLimits(limits)
	}
	return out
}

func toLimits(l CategoryLimits) scheduler.Limits {
	delay, _ := parseDelay(l.MinDelay) // validated in Load
	return scheduler.Limits{
		MaxConcurrent: l.MaxConcurrent,
		MinDelay:      delay,
		PerMinute:     l.PerMinute,
	}
}

// GateConfig converts the quality section into the gate's config.
func (c *Config) GateConfig() quality.GateConfig {
	return quality.GateConfig{
		Enabled: c.Quality.Enabled,
		Thresholds: quality.Thresholds{
			Critical: c.Quality.Critical,
			Minor:    c.Quality.Minor,
		},
		MaxAttempts: c.Quality.MaxAttempts,
	}
}

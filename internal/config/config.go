// Package config loads the service configuration: routing thresholds,
// similarity weights, anomaly tunables and backing-store endpoints. Values
// are read from YAML and merged over production defaults so a partial file
// only overrides what it names.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/clubhousegolfcanada/clubos-v3-sub000/internal/anomaly"
	"github.com/clubhousegolfcanada/clubos-v3-sub000/internal/evolution"
	"github.com/clubhousegolfcanada/clubos-v3-sub000/internal/similarity"
)

// RoutingConfig holds the confidence tier boundaries and the suggestion
// countdown.
type RoutingConfig struct {
	AutoExecuteThreshold float64 `yaml:"auto_execute_threshold"`
	SuggestionThreshold  float64 `yaml:"suggestion_threshold"`
	ApprovalThreshold    float64 `yaml:"approval_threshold"`
	SuggestionTimeoutMs  int64   `yaml:"suggestion_timeout_ms"`
}

// SuggestionTimeout returns the countdown as a duration.
func (r RoutingConfig) SuggestionTimeout() time.Duration {
	return time.Duration(r.SuggestionTimeoutMs) * time.Millisecond
}

// StoreConfig holds backing-store locations. Empty optional endpoints
// disable the corresponding integration.
type StoreConfig struct {
	PatternPath   string `yaml:"pattern_path"`   // Badger directory
	RecordsPath   string `yaml:"records_path"`   // SQLite file
	RedisAddr     string `yaml:"redis_addr"`     // optional frequency tracker
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	DgraphAddr    string `yaml:"dgraph_addr"` // optional lineage store
}

// PubSubConfig holds the optional lifecycle event publisher settings.
type PubSubConfig struct {
	ProjectID string `yaml:"project_id"`
	Topic     string `yaml:"topic"`
}

// NotifyConfig throttles outbound escalation notifications.
type NotifyConfig struct {
	RatePerMinute int `yaml:"rate_per_minute"`
	Burst         int `yaml:"burst"`
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Config is the full service configuration.
type Config struct {
	Routing    RoutingConfig      `yaml:"routing"`
	Weights    similarity.Weights `yaml:"weights"`
	Anomaly    anomaly.Thresholds `yaml:"anomaly"`
	Evolution  evolution.Params   `yaml:"evolution"`
	Stores     StoreConfig        `yaml:"stores"`
	PubSub     PubSubConfig       `yaml:"pubsub"`
	Notify     NotifyConfig       `yaml:"notify"`
	Log        LogConfig          `yaml:"log"`
	SweepEvery time.Duration      `yaml:"sweep_every"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() *Config {
	return &Config{
		Routing: RoutingConfig{
			AutoExecuteThreshold: 0.95,
			SuggestionThreshold:  0.75,
			ApprovalThreshold:    0.50,
			SuggestionTimeoutMs:  30000,
		},
		Weights:   similarity.DefaultWeights(),
		Anomaly:   anomaly.DefaultThresholds(),
		Evolution: evolution.DefaultParams(),
		Stores: StoreConfig{
			PatternPath: "data/patterns",
			RecordsPath: "data/records.db",
		},
		Notify: NotifyConfig{
			RatePerMinute: 10,
			Burst:         3,
		},
		Log: LogConfig{
			Level: "info",
			JSON:  true,
		},
		SweepEvery: time.Hour,
	}
}

// Load reads the YAML file at path and merges it over the defaults. An
// empty path returns the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that would break the tier ordering or the
// scoring math.
func (c *Config) Validate() error {
	r := c.Routing
	for name, v := range map[string]float64{
		"auto_execute_threshold": r.AutoExecuteThreshold,
		"suggestion_threshold":   r.SuggestionThreshold,
		"approval_threshold":     r.ApprovalThreshold,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("routing.%s must be in [0,1], got %v", name, v)
		}
	}
	if r.AutoExecuteThreshold < r.SuggestionThreshold || r.SuggestionThreshold < r.ApprovalThreshold {
		return fmt.Errorf("routing thresholds must be ordered: auto_execute >= suggestion >= approval")
	}
	if r.SuggestionTimeoutMs <= 0 {
		return fmt.Errorf("routing.suggestion_timeout_ms must be positive, got %d", r.SuggestionTimeoutMs)
	}

	w := c.Weights
	if w.Exact+w.Context+w.Semantic+w.Temporal+w.History <= 0 {
		return fmt.Errorf("similarity weights must sum to a positive value")
	}
	for name, v := range map[string]float64{
		"exact": w.Exact, "context": w.Context, "semantic": w.Semantic,
		"temporal": w.Temporal, "history": w.History,
	} {
		if v < 0 {
			return fmt.Errorf("weights.%s must be non-negative, got %v", name, v)
		}
	}

	if c.Stores.PatternPath == "" {
		return fmt.Errorf("stores.pattern_path is required")
	}
	if c.Stores.RecordsPath == "" {
		return fmt.Errorf("stores.records_path is required")
	}
	return nil
}

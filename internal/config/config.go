// Package config handles loading and validating TAPEFLOW configuration from YAML files.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the TAPEFLOW system.
type Config struct {
	App        AppConfig        `yaml:"app"`
	Feed       FeedConfig       `yaml:"feed"`
	Lifecycle  LifecycleConfig  `yaml:"lifecycle"`
	Confluence ConfluenceConfig `yaml:"confluence"`
	Risk       RiskConfig       `yaml:"risk"`
	Positions  PositionConfig   `yaml:"positions"`
	Output     OutputConfig     `yaml:"output"`
}

// AppConfig holds general application settings.
type AppConfig struct {
	Env      string `yaml:"env"`
	LogLevel string `yaml:"logLevel"`
}

// FeedConfig configures the market data provider.
type FeedConfig struct {
	Symbols        []string `yaml:"symbols"`
	PollIntervalMs int      `yaml:"pollIntervalMs"`
	Seed           int64    `yaml:"seed"`
	BasePrice      float64  `yaml:"basePrice"`
}

// LifecycleConfig holds signal lifecycle settings.
type LifecycleConfig struct {
	SetupTimeouts         map[string]int `yaml:"setupTimeouts"` // setup kind -> seconds
	DefaultTimeoutSeconds int            `yaml:"defaultTimeoutSeconds"`
	ActivationDelayMs     int            `yaml:"activationDelayMs"`
	HistorySize           int            `yaml:"historySize"`
}

// ConfluenceConfig holds cross-instrument pairing parameters.
type ConfluenceConfig struct {
	TimeoutSeconds     int     `yaml:"timeoutSeconds"`
	MaxPriceDivergence float64 `yaml:"maxPriceDivergence"`
	MaxTimeSkewSeconds int     `yaml:"maxTimeSkewSeconds"`
	ConfidenceBoost    float64 `yaml:"confidenceBoost"`
	ConfidencePenalty  float64 `yaml:"confidencePenalty"`
}

// RiskConfig holds risk governor limits.
type RiskConfig struct {
	MaxSignalsPerMinute  int     `yaml:"maxSignalsPerMinute"`
	MaxSignalsPerHour    int     `yaml:"maxSignalsPerHour"`
	MaxConfluencePerHour int     `yaml:"maxConfluencePerHour"`
	QualityThreshold     float64 `yaml:"qualityThreshold"`
	ConsecutiveLossLimit int     `yaml:"consecutiveLossLimit"`
	MaxDrawdownPercent   float64 `yaml:"maxDrawdownPercent"`
	EmergencyStopLoss    float64 `yaml:"emergencyStopLoss"`
}

// PositionConfig holds position tracker limits.
type PositionConfig struct {
	MaxOpen              int     `yaml:"maxOpen"`
	DefaultSize          int     `yaml:"defaultSize"`
	PointValue           float64 `yaml:"pointValue"`
	AutoManage           bool    `yaml:"autoManage"`
	TrailingStopEnabled  bool    `yaml:"trailingStopEnabled"`
	TrailingStopDistance float64 `yaml:"trailingStopDistance"`
}

// OutputConfig holds history sink settings.
type OutputConfig struct {
	SignalsPath   string `yaml:"signalsPath"`
	PositionsPath string `yaml:"positionsPath"`
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	cfg.setDefaults()

	if len(cfg.Feed.Symbols) != 2 {
		return nil, fmt.Errorf("feed.symbols must name exactly two instruments, got %d", len(cfg.Feed.Symbols))
	}

	return &cfg, nil
}

// Default returns a configuration with all defaults applied, used by tests.
func Default() *Config {
	cfg := &Config{}
	cfg.setDefaults()
	return cfg
}

// setDefaults applies sensible defaults for optional fields.
func (c *Config) setDefaults() {
	if c.App.Env == "" {
		c.App.Env = "dev"
	}
	if c.App.LogLevel == "" {
		c.App.LogLevel = "info"
	}
	if len(c.Feed.Symbols) == 0 {
		c.Feed.Symbols = []string{"WDO", "DOL"}
	}
	if c.Feed.PollIntervalMs == 0 {
		c.Feed.PollIntervalMs = 250
	}
	if c.Feed.BasePrice == 0 {
		c.Feed.BasePrice = 5000.0
	}
	if c.Lifecycle.SetupTimeouts == nil {
		c.Lifecycle.SetupTimeouts = map[string]int{
			"reversal_slow":      600,
			"reversal_violent":   300,
			"breakout_ignition":  900,
			"pullback_rejection": 600,
			"divergence_setup":   480,
		}
	}
	if c.Lifecycle.DefaultTimeoutSeconds == 0 {
		c.Lifecycle.DefaultTimeoutSeconds = 300
	}
	if c.Lifecycle.ActivationDelayMs == 0 {
		c.Lifecycle.ActivationDelayMs = 2000
	}
	if c.Lifecycle.HistorySize == 0 {
		c.Lifecycle.HistorySize = 100
	}
	if c.Confluence.TimeoutSeconds == 0 {
		c.Confluence.TimeoutSeconds = 10
	}
	if c.Confluence.MaxPriceDivergence == 0 {
		c.Confluence.MaxPriceDivergence = 0.0005
	}
	if c.Confluence.MaxTimeSkewSeconds == 0 {
		c.Confluence.MaxTimeSkewSeconds = 30
	}
	if c.Confluence.ConfidenceBoost == 0 {
		c.Confluence.ConfidenceBoost = 0.15
	}
	if c.Confluence.ConfidencePenalty == 0 {
		c.Confluence.ConfidencePenalty = 0.20
	}
	if c.Risk.MaxSignalsPerMinute == 0 {
		c.Risk.MaxSignalsPerMinute = 10
	}
	if c.Risk.MaxSignalsPerHour == 0 {
		c.Risk.MaxSignalsPerHour = 100
	}
	if c.Risk.MaxConfluencePerHour == 0 {
		c.Risk.MaxConfluencePerHour = 20
	}
	if c.Risk.QualityThreshold == 0 {
		c.Risk.QualityThreshold = 0.4
	}
	if c.Risk.ConsecutiveLossLimit == 0 {
		c.Risk.ConsecutiveLossLimit = 5
	}
	if c.Risk.MaxDrawdownPercent == 0 {
		c.Risk.MaxDrawdownPercent = 2.0
	}
	if c.Risk.EmergencyStopLoss == 0 {
		c.Risk.EmergencyStopLoss = 1000.0
	}
	if c.Positions.MaxOpen == 0 {
		c.Positions.MaxOpen = 3
	}
	if c.Positions.DefaultSize == 0 {
		c.Positions.DefaultSize = 1
	}
	if c.Positions.PointValue == 0 {
		c.Positions.PointValue = 10.0
	}
	if c.Positions.TrailingStopDistance == 0 {
		c.Positions.TrailingStopDistance = 10.0
	}
	if c.Output.SignalsPath == "" {
		c.Output.SignalsPath = "data/signals.jsonl"
	}
	if c.Output.PositionsPath == "" {
		c.Output.PositionsPath = "data/positions.jsonl"
	}
}

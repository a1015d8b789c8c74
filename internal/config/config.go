package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"candle-signal-alerts/internal/logging"
	"candle-signal-alerts/internal/market"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// RedisConfig selects an optional Redis backend for evaluator state and
// cooldowns. When disabled, state lives next to the candles in PostgreSQL.
type RedisConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// SchedulerConfig governs scan cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// EngineConfig is the typed signal-engine configuration consumed by the
// rollup aggregator and the rule evaluators.
type EngineConfig struct {
	Symbols         []string                     `mapstructure:"symbols"`
	Timeframes      []string                     `mapstructure:"timeframes"`
	CooldownMinutes int                          `mapstructure:"cooldown_minutes"`
	TrendChannel    TrendChannelConfig           `mapstructure:"trend_channel"`
	VolumeSpike     VolumeSpikeConfig            `mapstructure:"volume_spike"`
	PriceAlerts     map[string][]PriceRuleConfig `mapstructure:"price_alerts"`
}

// EvaluationTimeframes returns the parsed derived timeframes trend/volume
// evaluators scan. Validate guarantees parseability.
func (e EngineConfig) EvaluationTimeframes() []market.Timeframe {
	out := make([]market.Timeframe, 0, len(e.Timeframes))
	for _, raw := range e.Timeframes {
		tf, err := market.ParseTimeframe(raw)
		if err != nil {
			continue
		}
		out = append(out, tf)
	}
	return out
}

// TrendChannelConfig parameterises the regression channel detector.
type TrendChannelConfig struct {
	Window          int     `mapstructure:"window"`
	R2Min           float64 `mapstructure:"r2_min"`
	SlopeNormMin    float64 `mapstructure:"slope_norm_min"`
	SlopeNormMax    float64 `mapstructure:"slope_norm_max"`
	ResidATRMax     float64 `mapstructure:"resid_atr_max"`
	PullbackATRMax  float64 `mapstructure:"pullback_atr_max"`
	BreakoutATRMult float64 `mapstructure:"breakout_atr_mult"`
	VolConfirmZ     float64 `mapstructure:"vol_confirm_z"`
}

// VolumeSpikeMode selects the spike detection strategy.
type VolumeSpikeMode string

const (
	VolumeSpikeZScore     VolumeSpikeMode = "zscore"
	VolumeSpikeMultiplier VolumeSpikeMode = "multiplier"
)

// VolumeSpikeConfig parameterises the volume spike detector. The zscore
// lookback also sizes the baseline window in multiplier mode.
type VolumeSpikeConfig struct {
	Mode       VolumeSpikeMode        `mapstructure:"mode"`
	ZScore     VolumeZScoreConfig     `mapstructure:"zscore"`
	Multiplier VolumeMultiplierConfig `mapstructure:"multiplier"`
}

// VolumeZScoreConfig tunes z-score mode.
type VolumeZScoreConfig struct {
	Lookback       int     `mapstructure:"lookback_windows"`
	ZThreshold     float64 `mapstructure:"z_thr"`
	MinNotionalUSD float64 `mapstructure:"min_notional_usd"`
	MinAbsReturn   float64 `mapstructure:"min_abs_return"`
}

// VolumeMultiplierConfig tunes multiplier mode. Symbols outside every
// bucket never fire.
type VolumeMultiplierConfig struct {
	Buckets      map[string]VolumeBucketConfig `mapstructure:"buckets"`
	MinAbsReturn float64                       `mapstructure:"min_abs_return"`
}

// VolumeBucketConfig groups symbols sharing one multiplier threshold.
type VolumeBucketConfig struct {
	Symbols        []string `mapstructure:"symbols"`
	Mult           float64  `mapstructure:"mult"`
	MinNotionalUSD float64  `mapstructure:"min_notional_usd"`
}

// FindBucket returns the first bucket containing symbol.
func (m VolumeMultiplierConfig) FindBucket(symbol string) (VolumeBucketConfig, bool) {
	for _, bucket := range m.Buckets {
		for _, s := range bucket.Symbols {
			if s == symbol {
				return bucket, true
			}
		}
	}
	return VolumeBucketConfig{}, false
}

// RuleKind is the closed set of price alert rule kinds.
type RuleKind string

const (
	RuleAbove       RuleKind = "above"
	RuleBelow       RuleKind = "below"
	RulePctUp       RuleKind = "pct_up"
	RulePctDown     RuleKind = "pct_down"
	RuleATRBreakout RuleKind = "atr_breakout"
)

// ConfirmMode is the closed set of confirmation policies.
type ConfirmMode string

const (
	ConfirmTime     ConfirmMode = "time"
	ConfirmSamples  ConfirmMode = "samples"
	ConfirmBarClose ConfirmMode = "bar_close"
)

// ConfirmConfig is the optional confirmation policy of a price rule.
type ConfirmConfig struct {
	Mode         ConfirmMode `mapstructure:"mode"`
	Seconds      int         `mapstructure:"seconds"`
	Total        int         `mapstructure:"total"`
	PassRequired int         `mapstructure:"pass"`
	Timeframe    string      `mapstructure:"timeframe"`
}

// PriceRuleConfig is one price alert rule. Definitions are immutable
// during a scan; edits arrive only through configuration reload.
type PriceRuleConfig struct {
	ID            string         `mapstructure:"id"`
	Symbol        string         `mapstructure:"-"`
	Kind          RuleKind       `mapstructure:"kind"`
	Level         *float64       `mapstructure:"level"`
	Pct           *float64       `mapstructure:"pct"`
	ATRMult       *float64       `mapstructure:"atr_k"`
	Direction     string         `mapstructure:"direction"`
	Hysteresis    *float64       `mapstructure:"hysteresis"`
	HysteresisPct *float64       `mapstructure:"hysteresis_pct"`
	Confirm       *ConfirmConfig `mapstructure:"confirm"`
	Message       string         `mapstructure:"message"`
	Enabled       *bool          `mapstructure:"enabled"`
}

// IsEnabled treats rules without an explicit flag as enabled.
func (r PriceRuleConfig) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SIGNALWATCHER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Rules are configured per symbol; stamp the symbol onto each rule so
	// evaluators can work from a flat list.
	for symbol, rules := range cfg.Engine.PriceAlerts {
		for i := range rules {
			rules[i].Symbol = symbol
			if rules[i].Confirm != nil && rules[i].Confirm.Mode == ConfirmBarClose && rules[i].Confirm.Timeframe == "" {
				rules[i].Confirm.Timeframe = "5m"
			}
		}
		cfg.Engine.PriceAlerts[symbol] = rules
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "signalwatcher")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("scheduler.interval", "1m")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x53574154))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.key_prefix", "signalwatcher")

	v.SetDefault("engine.timeframes", []string{"5m", "15m"})
	v.SetDefault("engine.cooldown_minutes", 10)

	v.SetDefault("engine.trend_channel.window", 30)
	v.SetDefault("engine.trend_channel.r2_min", 0.6)
	v.SetDefault("engine.trend_channel.slope_norm_min", 0.0003)
	v.SetDefault("engine.trend_channel.slope_norm_max", 0.003)
	v.SetDefault("engine.trend_channel.resid_atr_max", 1.0)
	v.SetDefault("engine.trend_channel.pullback_atr_max", 0.5)
	v.SetDefault("engine.trend_channel.breakout_atr_mult", 1.5)
	v.SetDefault("engine.trend_channel.vol_confirm_z", 2.0)

	v.SetDefault("engine.volume_spike.mode", "zscore")
	v.SetDefault("engine.volume_spike.zscore.lookback_windows", 96)
	v.SetDefault("engine.volume_spike.zscore.z_thr", 3.0)
	v.SetDefault("engine.volume_spike.zscore.min_notional_usd", 50000.0)
	v.SetDefault("engine.volume_spike.zscore.min_abs_return", 0.005)
	v.SetDefault("engine.volume_spike.multiplier.min_abs_return", 0.005)

	v.SetDefault("export.max_data_points", 100000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate fails fast on malformed configuration, before any scan runs.
func (c *Config) Validate() error {
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr must be set when redis is enabled")
	}
	return c.Engine.Validate()
}

// Validate checks the signal-engine section.
func (e EngineConfig) Validate() error {
	if len(e.Symbols) == 0 {
		return fmt.Errorf("engine.symbols must not be empty")
	}
	if len(e.Timeframes) == 0 {
		return fmt.Errorf("engine.timeframes must not be empty")
	}
	for _, raw := range e.Timeframes {
		tf, err := market.ParseTimeframe(raw)
		if err != nil {
			return fmt.Errorf("engine.timeframes: %w", err)
		}
		if tf == market.Timeframe1m {
			return fmt.Errorf("engine.timeframes: evaluators scan derived timeframes, not 1m")
		}
	}
	if e.CooldownMinutes < 0 {
		return fmt.Errorf("engine.cooldown_minutes cannot be negative")
	}

	if err := e.TrendChannel.validate(); err != nil {
		return err
	}
	if err := e.VolumeSpike.validate(); err != nil {
		return err
	}

	seen := make(map[string]struct{})
	for symbol, rules := range e.PriceAlerts {
		for _, rule := range rules {
			if err := rule.validate(); err != nil {
				return fmt.Errorf("price alert for %s: %w", symbol, err)
			}
			if _, dup := seen[rule.ID]; dup {
				return fmt.Errorf("price alert rule id %q is not unique", rule.ID)
			}
			seen[rule.ID] = struct{}{}
		}
	}
	return nil
}

func (t TrendChannelConfig) validate() error {
	if t.Window <= 1 {
		return fmt.Errorf("trend_channel.window must be greater than 1")
	}
	if t.R2Min < 0 || t.R2Min > 1 {
		return fmt.Errorf("trend_channel.r2_min must be within [0, 1]")
	}
	if t.SlopeNormMin < 0 || t.SlopeNormMax < t.SlopeNormMin {
		return fmt.Errorf("trend_channel slope-norm band is invalid")
	}
	return nil
}

func (vs VolumeSpikeConfig) validate() error {
	switch vs.Mode {
	case VolumeSpikeZScore, VolumeSpikeMultiplier:
	default:
		return fmt.Errorf("volume_spike.mode must be zscore or multiplier, got %q", vs.Mode)
	}
	if vs.ZScore.Lookback <= 1 {
		return fmt.Errorf("volume_spike.zscore.lookback_windows must be greater than 1")
	}
	for name, bucket := range vs.Multiplier.Buckets {
		if bucket.Mult <= 0 {
			return fmt.Errorf("volume_spike bucket %q: mult must be positive", name)
		}
	}
	return nil
}

func (r PriceRuleConfig) validate() error {
	if r.ID == "" {
		return fmt.Errorf("rule id is required")
	}
	switch r.Kind {
	case RuleAbove, RuleBelow:
		if r.Level == nil {
			return fmt.Errorf("rule %s: %s rules require 'level'", r.ID, r.Kind)
		}
	case RulePctUp, RulePctDown:
		if r.Pct == nil || *r.Pct <= 0 {
			return fmt.Errorf("rule %s: %s rules require a positive 'pct'", r.ID, r.Kind)
		}
	case RuleATRBreakout:
		if r.ATRMult == nil || *r.ATRMult <= 0 {
			return fmt.Errorf("rule %s: atr_breakout rules require a positive 'atr_k'", r.ID)
		}
	default:
		return fmt.Errorf("rule %s: unknown kind %q", r.ID, r.Kind)
	}

	if r.Hysteresis != nil && *r.Hysteresis < 0 {
		return fmt.Errorf("rule %s: hysteresis cannot be negative", r.ID)
	}
	if r.HysteresisPct != nil && *r.HysteresisPct < 0 {
		return fmt.Errorf("rule %s: hysteresis_pct cannot be negative", r.ID)
	}

	if r.Confirm == nil {
		return nil
	}
	switch r.Confirm.Mode {
	case ConfirmTime:
		if r.Confirm.Seconds <= 0 {
			return fmt.Errorf("rule %s: time confirmation requires positive 'seconds'", r.ID)
		}
	case ConfirmSamples:
		if r.Confirm.Total <= 0 || r.Confirm.PassRequired <= 0 {
			return fmt.Errorf("rule %s: samples confirmation requires 'total' and 'pass'", r.ID)
		}
		if r.Confirm.PassRequired > r.Confirm.Total {
			return fmt.Errorf("rule %s: samples confirmation 'pass' cannot exceed 'total'", r.ID)
		}
	case ConfirmBarClose:
		if _, err := market.ParseTimeframe(r.Confirm.Timeframe); err != nil {
			return fmt.Errorf("rule %s: bar_close confirmation: %w", r.ID, err)
		}
	default:
		return fmt.Errorf("rule %s: unknown confirmation mode %q", r.ID, r.Confirm.Mode)
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}

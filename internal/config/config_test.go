package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"candle-signal-alerts/internal/logging"
)

func floatPtr(v float64) *float64 {
	return &v
}

func validConfig() *Config {
	return &Config{
		Logging:   logging.Config{Level: "info", Format: "json"},
		Scheduler: SchedulerConfig{Interval: time.Minute},
		Export:    ExportConfig{MaxDataPoints: 1000},
		Engine: EngineConfig{
			Symbols:         []string{"BTC-USDT"},
			Timeframes:      []string{"5m", "15m"},
			CooldownMinutes: 10,
			TrendChannel: TrendChannelConfig{
				Window:       30,
				R2Min:        0.6,
				SlopeNormMin: 0.0003,
				SlopeNormMax: 0.003,
			},
			VolumeSpike: VolumeSpikeConfig{
				Mode:   VolumeSpikeZScore,
				ZScore: VolumeZScoreConfig{Lookback: 96, ZThreshold: 3},
			},
			PriceAlerts: map[string][]PriceRuleConfig{
				"BTC-USDT": {
					{ID: "btc-above", Symbol: "BTC-USDT", Kind: RuleAbove, Level: floatPtr(105)},
				},
			},
		},
	}
}

func TestValidateAcceptsValidConfig(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("合法配置不应报错: %v", err)
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(c *Config)
		keyword string
	}{
		{
			name:    "非正调度间隔",
			mutate:  func(c *Config) { c.Scheduler.Interval = 0 },
			keyword: "scheduler.interval",
		},
		{
			name:    "启用 redis 缺少地址",
			mutate:  func(c *Config) { c.Redis.Enabled = true },
			keyword: "redis.addr",
		},
		{
			name:    "空品种列表",
			mutate:  func(c *Config) { c.Engine.Symbols = nil },
			keyword: "engine.symbols",
		},
		{
			name:    "评估时间框架不能为 1m",
			mutate:  func(c *Config) { c.Engine.Timeframes = []string{"1m"} },
			keyword: "not 1m",
		},
		{
			name:    "未知时间框架",
			mutate:  func(c *Config) { c.Engine.Timeframes = []string{"7m"} },
			keyword: "engine.timeframes",
		},
		{
			name: "above 规则缺少 level",
			mutate: func(c *Config) {
				c.Engine.PriceAlerts["BTC-USDT"] = []PriceRuleConfig{
					{ID: "broken", Kind: RuleAbove},
				}
			},
			keyword: "level",
		},
		{
			name: "pct 规则要求正百分比",
			mutate: func(c *Config) {
				c.Engine.PriceAlerts["BTC-USDT"] = []PriceRuleConfig{
					{ID: "broken", Kind: RulePctUp, Pct: floatPtr(0)},
				}
			},
			keyword: "pct",
		},
		{
			name: "重复规则 id",
			mutate: func(c *Config) {
				c.Engine.PriceAlerts["BTC-USDT"] = []PriceRuleConfig{
					{ID: "dup", Kind: RuleAbove, Level: floatPtr(1)},
					{ID: "dup", Kind: RuleBelow, Level: floatPtr(1)},
				}
			},
			keyword: "not unique",
		},
		{
			name: "samples 确认 pass 超过 total",
			mutate: func(c *Config) {
				c.Engine.PriceAlerts["BTC-USDT"] = []PriceRuleConfig{
					{
						ID: "confirm", Kind: RuleAbove, Level: floatPtr(1),
						Confirm: &ConfirmConfig{Mode: ConfirmSamples, Total: 2, PassRequired: 3},
					},
				}
			},
			keyword: "cannot exceed",
		},
		{
			name: "bar_close 确认要求合法时间框架",
			mutate: func(c *Config) {
				c.Engine.PriceAlerts["BTC-USDT"] = []PriceRuleConfig{
					{
						ID: "confirm", Kind: RuleAbove, Level: floatPtr(1),
						Confirm: &ConfirmConfig{Mode: ConfirmBarClose, Timeframe: "bogus"},
					},
				}
			},
			keyword: "bar_close",
		},
		{
			name:    "未知 volume 模式",
			mutate:  func(c *Config) { c.Engine.VolumeSpike.Mode = "median" },
			keyword: "volume_spike.mode",
		},
		{
			name:    "过小的趋势窗口",
			mutate:  func(c *Config) { c.Engine.TrendChannel.Window = 1 },
			keyword: "trend_channel.window",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("应返回校验错误")
			}
			if !strings.Contains(err.Error(), tc.keyword) {
				t.Fatalf("错误信息应包含 %q, 实际: %v", tc.keyword, err)
			}
		})
	}
}

func TestLoadDefaultsBarCloseTimeframe(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	raw := `
engine:
  symbols: ["btc-usdt"]
  price_alerts:
    btc-usdt:
      - id: btc-bar-close
        kind: above
        level: 105
        confirm:
          mode: bar_close
`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("写入配置文件失败: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}
	rules := cfg.Engine.PriceAlerts["btc-usdt"]
	if len(rules) != 1 {
		t.Fatalf("期望 1 条规则, 实际 %d", len(rules))
	}
	if rules[0].Symbol != "btc-usdt" {
		t.Fatalf("规则应标记所属品种, 实际 %q", rules[0].Symbol)
	}
	if rules[0].Confirm == nil || rules[0].Confirm.Timeframe != "5m" {
		t.Fatalf("bar_close 确认缺省时间框架应为 5m: %+v", rules[0].Confirm)
	}
}

func TestIsEnabledDefaultsTrue(t *testing.T) {
	rule := PriceRuleConfig{}
	if !rule.IsEnabled() {
		t.Fatal("未显式停用的规则应视为启用")
	}
	off := false
	rule.Enabled = &off
	if rule.IsEnabled() {
		t.Fatal("显式停用的规则应被跳过")
	}
}

func TestEvaluationTimeframes(t *testing.T) {
	engine := EngineConfig{Timeframes: []string{"5m", "15m"}}
	tfs := engine.EvaluationTimeframes()
	if len(tfs) != 2 || string(tfs[0]) != "5m" || string(tfs[1]) != "15m" {
		t.Fatalf("解析结果不正确: %v", tfs)
	}
}

func TestResolveMaxPoints(t *testing.T) {
	cfg := validConfig()
	if got := cfg.ResolveMaxPoints(0); got != 1000 {
		t.Fatalf("无覆盖时应取配置值, 实际 %d", got)
	}
	if got := cfg.ResolveMaxPoints(50); got != 50 {
		t.Fatalf("覆盖值应优先, 实际 %d", got)
	}
}

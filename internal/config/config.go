package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log          LoggingConfig          `yaml:"log"`
	State        StateConfig            `yaml:"state"`
	Thresholds   ThresholdsConfig       `yaml:"thresholds"`
	Polling      PollingConfig          `yaml:"polling"`
	Risk         RiskConfig             `yaml:"risk"`
	Rebalance    RebalanceConfig        `yaml:"rebalance"`
	Hedge        HedgeConfig            `yaml:"hedge"`
	Venues       map[string]VenueConfig `yaml:"venues"`
	Notification NotificationConfig    `yaml:"notification"`
	Metrics      MetricsConfig          `yaml:"metrics"`
	History      HistoryConfig          `yaml:"history"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type StateConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

type ThresholdsConfig struct {
	Warning   float64 `yaml:"warning"`
	Critical  float64 `yaml:"critical"`
	Arbitrage float64 `yaml:"arbitrage"`
}

type PollingConfig struct {
	IntervalMs        int `yaml:"interval_ms"`
	MonitorIntervalMs int `yaml:"monitor_interval_ms"`
	HistoryCap        int `yaml:"history_cap"`
}

type RiskConfig struct {
	MaxExposure  float64       `yaml:"max_exposure"`
	TickInterval time.Duration `yaml:"tick_interval"`
}

type RebalanceConfig struct {
	Threshold    float64       `yaml:"rebalance_threshold"`
	TickInterval time.Duration `yaml:"tick_interval"`
	Asset        string        `yaml:"asset"`
}

type HedgeConfig struct {
	AutoHedge       bool    `yaml:"auto_hedge"`
	LegSizing       string  `yaml:"leg_sizing"`
	SizingFraction  float64 `yaml:"sizing_fraction"`
	StopLoss        float64 `yaml:"stop_loss"`
	TakeProfit      float64 `yaml:"take_profit"`
	TradeAsset      string  `yaml:"trade_asset"`
}

// VenueConfig is one entry of the venues.<name> map. Kind selects which
// adapter implementation wires up: "hyperliquid" or "genericrest".
type VenueConfig struct {
	Kind      string `yaml:"kind"`
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	Proxy     string `yaml:"proxy"`
	BaseURL   string `yaml:"base_url"`
	WSURL     string `yaml:"ws_url"`
	Vault     string `yaml:"vault_address"`
	Mainnet   bool   `yaml:"mainnet"`
}

type NotificationConfig struct {
	Webhook string `yaml:"webhook"`
	Chat    string `yaml:"chat"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
}

// HistoryConfig wires the optional startup-preload/persistence collaborator.
type HistoryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
	DSN      string `yaml:"dsn"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	return &cfg, validate(&cfg)
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/hedge-engine.db"
	}
	if cfg.Thresholds.Warning == 0 {
		cfg.Thresholds.Warning = 0.0005
	}
	if cfg.Thresholds.Critical == 0 {
		cfg.Thresholds.Critical = 0.001
	}
	if cfg.Thresholds.Arbitrage == 0 {
		cfg.Thresholds.Arbitrage = 0.002
	}
	if cfg.Polling.IntervalMs == 0 {
		cfg.Polling.IntervalMs = 30000
	}
	if cfg.Polling.MonitorIntervalMs == 0 {
		cfg.Polling.MonitorIntervalMs = 10000
	}
	if cfg.Polling.HistoryCap == 0 {
		cfg.Polling.HistoryCap = 200
	}
	if cfg.Risk.MaxExposure == 0 {
		cfg.Risk.MaxExposure = 0.10
	}
	if cfg.Risk.TickInterval == 0 {
		cfg.Risk.TickInterval = 10 * time.Second
	}
	if cfg.Rebalance.Threshold == 0 {
		cfg.Rebalance.Threshold = 0.03
	}
	if cfg.Rebalance.TickInterval == 0 {
		cfg.Rebalance.TickInterval = time.Minute
	}
	if cfg.Rebalance.Asset == "" {
		cfg.Rebalance.Asset = "USDT"
	}
	if cfg.Hedge.LegSizing == "" {
		cfg.Hedge.LegSizing = "equal_notional"
	}
	if cfg.Hedge.SizingFraction == 0 {
		cfg.Hedge.SizingFraction = 0.5
	}
	if cfg.Hedge.StopLoss == 0 {
		cfg.Hedge.StopLoss = 0.05
	}
	if cfg.Hedge.TakeProfit == 0 {
		cfg.Hedge.TakeProfit = 0.10
	}
	if cfg.Hedge.TradeAsset == "" {
		cfg.Hedge.TradeAsset = "USDT"
	}
	if cfg.Metrics.Address == "" {
		cfg.Metrics.Address = ":9090"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	for name, v := range cfg.Venues {
		if v.BaseURL == "" && v.Kind == "hyperliquid" {
			v.BaseURL = "https://api.hyperliquid.xyz"
			cfg.Venues[name] = v
		}
	}
}

func validate(cfg *Config) error {
	if len(cfg.Venues) == 0 {
		return errors.New("at least one venue must be configured")
	}
	for name, v := range cfg.Venues {
		switch v.Kind {
		case "hyperliquid", "genericrest":
		default:
			return fmt.Errorf("venues.%s: unknown kind %q", name, v.Kind)
		}
	}
	switch cfg.Hedge.LegSizing {
	case "equal_notional", "equal_qty":
	default:
		return fmt.Errorf("hedge.leg_sizing: unknown value %q", cfg.Hedge.LegSizing)
	}
	if cfg.Risk.MaxExposure <= 0 || cfg.Risk.MaxExposure > 1 {
		return errors.New("risk.max_exposure must be in (0, 1]")
	}
	if cfg.History.Enabled && cfg.History.Endpoint == "" && cfg.History.DSN == "" {
		return errors.New("history.enabled requires an endpoint or dsn")
	}
	return nil
}

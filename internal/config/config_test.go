package config

import (
	"testing"
	"time"
)

func TestApplyDefaultsFillsThresholds(t *testing.T) {
	cfg := &Config{Venues: map[string]VenueConfig{"alpha": {Kind: "genericrest"}}}
	applyDefaults(cfg)
	if cfg.Thresholds.Warning != 0.0005 {
		t.Fatalf("expected warning default 0.0005, got %v", cfg.Thresholds.Warning)
	}
	if cfg.Thresholds.Critical != 0.001 {
		t.Fatalf("expected critical default 0.001, got %v", cfg.Thresholds.Critical)
	}
	if cfg.Thresholds.Arbitrage != 0.002 {
		t.Fatalf("expected arbitrage default 0.002, got %v", cfg.Thresholds.Arbitrage)
	}
}

func TestApplyDefaultsFillsPollingAndState(t *testing.T) {
	cfg := &Config{Venues: map[string]VenueConfig{"alpha": {Kind: "genericrest"}}}
	applyDefaults(cfg)
	if cfg.Polling.IntervalMs != 30000 {
		t.Fatalf("expected polling interval default 30000, got %d", cfg.Polling.IntervalMs)
	}
	if cfg.Polling.MonitorIntervalMs != 10000 {
		t.Fatalf("expected monitor interval default 10000, got %d", cfg.Polling.MonitorIntervalMs)
	}
	if cfg.Polling.HistoryCap != 200 {
		t.Fatalf("expected history cap default 200, got %d", cfg.Polling.HistoryCap)
	}
	if cfg.State.SQLitePath == "" {
		t.Fatalf("expected a default sqlite path")
	}
}

func TestApplyDefaultsFillsRiskAndRebalance(t *testing.T) {
	cfg := &Config{Venues: map[string]VenueConfig{"alpha": {Kind: "genericrest"}}}
	applyDefaults(cfg)
	if cfg.Risk.MaxExposure != 0.10 {
		t.Fatalf("expected max exposure default 0.10, got %v", cfg.Risk.MaxExposure)
	}
	if cfg.Risk.TickInterval != 10*time.Second {
		t.Fatalf("expected risk tick interval default 10s, got %v", cfg.Risk.TickInterval)
	}
	if cfg.Rebalance.Threshold != 0.03 {
		t.Fatalf("expected rebalance threshold default 0.03, got %v", cfg.Rebalance.Threshold)
	}
	if cfg.Rebalance.Asset != "USDT" {
		t.Fatalf("expected rebalance asset default USDT, got %q", cfg.Rebalance.Asset)
	}
}

func TestApplyDefaultsFillsHedge(t *testing.T) {
	cfg := &Config{Venues: map[string]VenueConfig{"alpha": {Kind: "genericrest"}}}
	applyDefaults(cfg)
	if cfg.Hedge.LegSizing != "equal_notional" {
		t.Fatalf("expected leg sizing default equal_notional, got %q", cfg.Hedge.LegSizing)
	}
	if cfg.Hedge.SizingFraction != 0.5 {
		t.Fatalf("expected sizing fraction default 0.5, got %v", cfg.Hedge.SizingFraction)
	}
	if cfg.Hedge.StopLoss != 0.05 || cfg.Hedge.TakeProfit != 0.10 {
		t.Fatalf("expected stop_loss/take_profit defaults, got %v/%v", cfg.Hedge.StopLoss, cfg.Hedge.TakeProfit)
	}
}

func TestApplyDefaultsFillsHyperliquidBaseURL(t *testing.T) {
	cfg := &Config{Venues: map[string]VenueConfig{"alpha": {Kind: "hyperliquid"}}}
	applyDefaults(cfg)
	if cfg.Venues["alpha"].BaseURL != "https://api.hyperliquid.xyz" {
		t.Fatalf("expected default hyperliquid base url, got %q", cfg.Venues["alpha"].BaseURL)
	}
}

func TestApplyDefaultsLeavesExplicitBaseURL(t *testing.T) {
	cfg := &Config{Venues: map[string]VenueConfig{"alpha": {Kind: "hyperliquid", BaseURL: "https://testnet.example"}}}
	applyDefaults(cfg)
	if cfg.Venues["alpha"].BaseURL != "https://testnet.example" {
		t.Fatalf("expected explicit base url preserved, got %q", cfg.Venues["alpha"].BaseURL)
	}
}

func TestValidateRequiresAtLeastOneVenue(t *testing.T) {
	cfg := &Config{}
	applyDefaults(cfg)
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error when no venues are configured")
	}
}

func TestValidateRejectsUnknownVenueKind(t *testing.T) {
	cfg := &Config{Venues: map[string]VenueConfig{"alpha": {Kind: "bogus"}}}
	applyDefaults(cfg)
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error for unknown venue kind")
	}
}

func TestValidateRejectsUnknownLegSizing(t *testing.T) {
	cfg := &Config{
		Venues: map[string]VenueConfig{"alpha": {Kind: "genericrest"}},
		Hedge:  HedgeConfig{LegSizing: "bogus"},
	}
	applyDefaults(cfg)
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error for unknown leg sizing")
	}
}

func TestValidateRejectsOutOfRangeMaxExposure(t *testing.T) {
	cfg := &Config{
		Venues: map[string]VenueConfig{"alpha": {Kind: "genericrest"}},
		Risk:   RiskConfig{MaxExposure: 1.5},
	}
	applyDefaults(cfg)
	cfg.Risk.MaxExposure = 1.5
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error for max_exposure > 1")
	}
}

func TestValidateRejectsHistoryEnabledWithoutSource(t *testing.T) {
	cfg := &Config{
		Venues:  map[string]VenueConfig{"alpha": {Kind: "genericrest"}},
		History: HistoryConfig{Enabled: true},
	}
	applyDefaults(cfg)
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error for history.enabled without endpoint/dsn")
	}
}

func TestValidateAcceptsHistoryEnabledWithDSN(t *testing.T) {
	cfg := &Config{
		Venues:  map[string]VenueConfig{"alpha": {Kind: "genericrest"}},
		History: HistoryConfig{Enabled: true, DSN: "postgres://localhost/hedge"},
	}
	applyDefaults(cfg)
	if err := validate(cfg); err != nil {
		t.Fatalf("expected valid config with history dsn set, got %v", err)
	}
}

func TestLoadRequiresPath(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error for empty config path")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/path/config.yaml"); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}

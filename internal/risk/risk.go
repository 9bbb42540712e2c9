// Package risk periodically measures the engine's net exposure across
// every venue, tracks a realized-volatility EWMA, and de-risks when exposure
// runs past its configured bound. EmergencyShutdown, which closes every
// position, runs only when a caller invokes it.
package risk

import (
	"context"
	"sort"
	"sync"
	"time"

	"hedge-engine/internal/decimalx"
	"hedge-engine/internal/events"
	"hedge-engine/internal/fanout"
	"hedge-engine/internal/venue"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type Config struct {
	MaxExposure   decimal.Decimal
	TickInterval  time.Duration
	DeRiskFactor  decimal.Decimal
}

func (c *Config) applyDefaults() {
	if c.MaxExposure.IsZero() {
		c.MaxExposure = decimal.NewFromFloat(0.10)
	}
	if c.TickInterval <= 0 {
		c.TickInterval = 10 * time.Second
	}
	if c.DeRiskFactor.IsZero() {
		c.DeRiskFactor = decimal.NewFromFloat(0.8)
	}
}

// ExposureSnapshot is rebuilt on every tick; it is never persisted.
type ExposureSnapshot struct {
	NetValue           decimal.Decimal
	TotalPortfolioValue decimal.Decimal
	Ratio              decimal.Decimal
	ObservedAt         time.Time
}

type flatPosition struct {
	venueName string
	venue.Position
}

// Engine is the single owner of the rolling ExposureSnapshot, volatility
// EWMA, and the emergency-stop latch.
type Engine struct {
	cfg    Config
	venues map[string]venue.Adapter
	bus    *events.Bus
	log    *zap.Logger

	mu               sync.RWMutex
	snapshot         ExposureSnapshot
	volatility       decimal.Decimal
	correlations     map[string]decimal.Decimal
	emergencyStopped bool
}

func New(cfg Config, venues map[string]venue.Adapter, bus *events.Bus, log *zap.Logger) *Engine {
	cfg.applyDefaults()
	return &Engine{
		cfg:          cfg,
		venues:       venues,
		bus:          bus,
		log:          log,
		correlations: make(map[string]decimal.Decimal),
	}
}

// EmergencyStopped reports whether EmergencyShutdown has latched; app.Engine's
// arbitrage handler checks this before opening a hedge for a new opportunity.
func (e *Engine) EmergencyStopped() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.emergencyStopped
}

func (e *Engine) Snapshot() ExposureSnapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.snapshot
}

// Run ticks every cfg.TickInterval until ctx is canceled.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

func (e *Engine) tick(ctx context.Context) {
	positions, totalValue := e.collect(ctx)

	netValue := decimal.Zero
	for _, p := range positions {
		sign := decimal.NewFromInt(1)
		if p.Side == venue.SideSell {
			sign = decimal.NewFromInt(-1)
		}
		netValue = netValue.Add(sign.Mul(p.Size).Mul(p.MarkPrice))
	}

	ratio := decimal.Zero
	if !totalValue.IsZero() {
		ratio = netValue.Div(totalValue)
	}

	e.mu.Lock()
	e.snapshot = ExposureSnapshot{NetValue: netValue, TotalPortfolioValue: totalValue, Ratio: ratio, ObservedAt: time.Now().UTC()}
	e.mu.Unlock()

	if decimalx.Abs(ratio).GreaterThan(e.cfg.MaxExposure) {
		e.bus.Publish(events.KindRiskExceeded, e.Snapshot())
		e.deRisk(ctx, positions, totalValue, ratio)
	}
}

// collect fans out across every venue with fanout.All: one venue's API
// outage must not blind the risk tick to the exposure every other venue
// already reported. A venue that fails to answer contributes neither
// positions nor balance for this tick and is logged, not propagated.
func (e *Engine) collect(ctx context.Context) ([]flatPosition, decimal.Decimal) {
	var mu sync.Mutex
	var positions []flatPosition
	totalValue := decimal.Zero

	tasks := make([]fanout.Task, 0, len(e.venues))
	for name, adapter := range e.venues {
		name, adapter := name, adapter
		tasks = append(tasks, fanout.Task{
			Name: name,
			Run: func(taskCtx context.Context) error {
				venuePositions, err := adapter.GetPositions(taskCtx)
				if err != nil {
					return err
				}
				balance, err := adapter.GetTotalBalance(taskCtx)
				if err != nil {
					return err
				}
				mu.Lock()
				for _, p := range venuePositions {
					positions = append(positions, flatPosition{venueName: name, Position: p})
				}
				totalValue = totalValue.Add(balance)
				mu.Unlock()
				return nil
			},
		})
	}

	for _, result := range fanout.All(ctx, tasks) {
		if result.Err != nil {
			e.log.Warn("risk: venue exposure collection failed", zap.String("venue", result.Name), zap.Error(result.Err))
		}
	}
	return positions, totalValue
}

// UpdateVolatility folds a fresh instantaneous volatility reading into the
// EWMA: v' = 0.9v + 0.1*v_instant. No component of the engine calls it, so
// the EWMA stays at zero unless a caller supplies readings.
func (e *Engine) UpdateVolatility(instant float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	instantDec := decimal.NewFromFloat(instant)
	e.volatility = e.volatility.Mul(decimal.NewFromFloat(0.9)).Add(instantDec.Mul(decimal.NewFromFloat(0.1)))
}

func (e *Engine) Volatility() decimal.Decimal {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.volatility
}

func (e *Engine) SetCorrelation(symbol string, value decimal.Decimal) {
	e.mu.Lock()
	e.correlations[symbol] = value
	e.mu.Unlock()
}

// deRisk closes the worst-PnL positions on the side driving the excess
// exposure until the estimated reduction covers the target excess, per
// spec.md §4.F: target = |ratio| - 0.8*max_exposure, usd_to_reduce =
// target*total_value.
func (e *Engine) deRisk(ctx context.Context, positions []flatPosition, totalValue, ratio decimal.Decimal) {
	if totalValue.IsZero() {
		return
	}
	target := decimalx.Abs(ratio).Sub(e.cfg.DeRiskFactor.Mul(e.cfg.MaxExposure))
	if target.LessThanOrEqual(decimal.Zero) {
		return
	}
	remaining := target.Mul(totalValue)

	excessSide := venue.SideBuy
	if ratio.IsNegative() {
		excessSide = venue.SideSell
	}

	var candidates []flatPosition
	for _, p := range positions {
		if p.Side == excessSide {
			candidates = append(candidates, p)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].UnrealizedPnl.LessThan(candidates[j].UnrealizedPnl)
	})

	for _, p := range candidates {
		if remaining.LessThanOrEqual(decimal.Zero) {
			break
		}
		if p.MarkPrice.IsZero() {
			continue
		}
		closeQty := decimalx.RoundDP(remaining.Div(p.MarkPrice), 8)
		if closeQty.GreaterThan(p.Size) {
			closeQty = p.Size
		}
		adapter, ok := e.venues[p.venueName]
		if !ok {
			continue
		}
		if _, err := adapter.ClosePosition(ctx, p.Symbol, p.Side.Opposite(), closeQty); err != nil {
			e.log.Warn("risk: de-risk close failed", zap.String("venue", p.venueName), zap.String("symbol", p.Symbol), zap.Error(err))
			continue
		}
		remaining = remaining.Sub(closeQty.Mul(p.MarkPrice))
	}
}

// EmergencyShutdown disables further opens, latches emergency_stop, and
// best-effort closes every open position on every venue concurrently.
func (e *Engine) EmergencyShutdown(ctx context.Context) {
	e.mu.Lock()
	e.emergencyStopped = true
	e.mu.Unlock()

	var group errgroup.Group
	for name, adapter := range e.venues {
		name, adapter := name, adapter
		group.Go(func() error {
			positions, err := adapter.GetPositions(ctx)
			if err != nil {
				e.log.Warn("risk: emergency shutdown could not list positions", zap.String("venue", name), zap.Error(err))
				return nil
			}
			for _, p := range positions {
				if _, err := adapter.ClosePosition(ctx, p.Symbol, p.Side.Opposite(), p.Size); err != nil {
					e.log.Warn("risk: emergency shutdown close failed", zap.String("venue", name), zap.String("symbol", p.Symbol), zap.Error(err))
				}
			}
			return nil
		})
	}
	_ = group.Wait()
	e.bus.Publish(events.KindEmergencyShutdown, time.Now().UTC())
}

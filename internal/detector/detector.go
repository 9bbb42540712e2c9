// Package detector turns raw funding observations into the signals the
// rest of the engine reacts to: per-venue warning/critical funding alerts,
// cross-venue arbitrage opportunities, and extreme price/volume events.
package detector

import (
	"math"
	"sort"
	"sync"
	"time"

	"hedge-engine/internal/decimalx"
	"hedge-engine/internal/events"
	"hedge-engine/internal/marketstore"
	"hedge-engine/internal/venue"

	"github.com/montanaflynn/stats"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type Thresholds struct {
	Warning   decimal.Decimal
	Critical  decimal.Decimal
	Arbitrage decimal.Decimal
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		Warning:   decimal.NewFromFloat(0.0005),
		Critical:  decimal.NewFromFloat(0.001),
		Arbitrage: decimal.NewFromFloat(0.002),
	}
}

type Config struct {
	Thresholds  Thresholds
	ReturnWindow int
}

const defaultReturnWindow = 20

// AlertLevel is the severity of a single-venue funding observation.
type AlertLevel string

const (
	AlertNone     AlertLevel = "none"
	AlertWarning  AlertLevel = "warning"
	AlertCritical AlertLevel = "critical"
)

// AlertPayload is published on events.KindAlert.
type AlertPayload struct {
	Venue  string
	Symbol string
	Level  AlertLevel
	Rate   decimal.Decimal
	Count  int
}

// ArbitragePayload is published on events.KindArbitrage.
type ArbitragePayload struct {
	Symbol     string
	LongVenue  string
	ShortVenue string
	LongRate   decimal.Decimal
	ShortRate  decimal.Decimal
	Spread     decimal.Decimal
}

// ExtremeEventKind distinguishes the condition an ExtremeEventPayload reports.
type ExtremeEventKind string

const (
	ExtremePriceSurge     ExtremeEventKind = "price_surge"
	ExtremePriceCrash     ExtremeEventKind = "price_crash"
	ExtremeLiquidityDrop  ExtremeEventKind = "liquidity_drop"
	ExtremeVolatilitySpike ExtremeEventKind = "volatility_spike"
)

// ExtremeEventPayload is published on events.KindExtremeEvent.
type ExtremeEventPayload struct {
	Symbol string
	Kind   ExtremeEventKind
	Value  float64
}

// Detector evaluates individual observations and periodic cross-venue
// scans. It holds no market data of its own besides the AlertCounter and
// price-series buffers needed for extreme-event detection; the market
// store remains the aggregator's.
type Detector struct {
	cfg   Config
	store *marketstore.Store
	bus   *events.Bus
	log   *zap.Logger

	mu        sync.Mutex
	counters  map[string]int
	returnBuf map[string][]float64
	volumeBuf map[string][]float64
}

func New(cfg Config, store *marketstore.Store, bus *events.Bus, log *zap.Logger) *Detector {
	if cfg.ReturnWindow <= 0 {
		cfg.ReturnWindow = defaultReturnWindow
	}
	if cfg.Thresholds.Warning.IsZero() && cfg.Thresholds.Critical.IsZero() && cfg.Thresholds.Arbitrage.IsZero() {
		cfg.Thresholds = DefaultThresholds()
	}
	return &Detector{
		cfg:       cfg,
		store:     store,
		bus:       bus,
		log:       log,
		counters:  make(map[string]int),
		returnBuf: make(map[string][]float64),
		volumeBuf: make(map[string][]float64),
	}
}

func counterKey(venueName, symbol string) string { return venueName + "|" + symbol }

// OnObservation evaluates a single funding observation: emits a
// warning/critical alert if its magnitude crosses a threshold, and
// maintains the per-(venue,symbol) AlertCounter (incremented above
// warning, reset to zero at or below it).
func (d *Detector) OnObservation(obs venue.FundingObservation) {
	magnitude := decimalx.Abs(obs.Rate)
	level := AlertNone
	switch {
	case magnitude.GreaterThan(d.cfg.Thresholds.Critical):
		level = AlertCritical
	case magnitude.GreaterThan(d.cfg.Thresholds.Warning):
		level = AlertWarning
	}

	k := counterKey(obs.Venue, obs.Symbol)
	d.mu.Lock()
	if level == AlertNone {
		d.counters[k] = 0
	} else {
		d.counters[k]++
	}
	count := d.counters[k]
	d.mu.Unlock()

	if level == AlertNone {
		return
	}
	d.bus.Publish(events.KindAlert, AlertPayload{
		Venue:  obs.Venue,
		Symbol: obs.Symbol,
		Level:  level,
		Rate:   obs.Rate,
		Count:  count,
	})
}

// ScanArbitrage runs the cross-venue pass: for every symbol that every venue
// in the store reports (the store must hold at least two venues), compares
// the max and min latest funding rate and emits
// an opportunity when the spread clears the arbitrage threshold. Ties on
// rate are broken by the lexicographically smaller venue name.
func (d *Detector) ScanArbitrage() {
	common := d.store.CommonSymbols()
	for _, symbol := range common {
		byVenue := d.store.LatestBySymbol(symbol)
		if len(byVenue) < 2 {
			continue
		}
		maxVenue, minVenue := argMaxMin(byVenue)
		maxRate := byVenue[maxVenue].Rate
		minRate := byVenue[minVenue].Rate
		spread := maxRate.Sub(minRate)
		if spread.LessThanOrEqual(d.cfg.Thresholds.Arbitrage) {
			continue
		}
		d.bus.Publish(events.KindArbitrage, ArbitragePayload{
			Symbol:     symbol,
			LongVenue:  minVenue,
			ShortVenue: maxVenue,
			LongRate:   minRate,
			ShortRate:  maxRate,
			Spread:     spread,
		})
	}
}

func argMaxMin(byVenue map[string]venue.FundingObservation) (maxVenue, minVenue string) {
	names := make([]string, 0, len(byVenue))
	for name := range byVenue {
		names = append(names, name)
	}
	sort.Strings(names)

	maxVenue, minVenue = names[0], names[0]
	maxRate, minRate := byVenue[names[0]].Rate, byVenue[names[0]].Rate
	for _, name := range names[1:] {
		rate := byVenue[name].Rate
		if rate.GreaterThan(maxRate) {
			maxRate, maxVenue = rate, name
		}
		if rate.LessThan(minRate) {
			minRate, minVenue = rate, name
		}
	}
	return maxVenue, minVenue
}

// OnPrice feeds a new mark-price observation into the extreme-event
// detector: single-interval return for surge/crash, rolling stdev of log
// returns for volatility spikes.
func (d *Detector) OnPrice(symbol string, price float64) {
	d.mu.Lock()
	buf := d.returnBuf[symbol]
	var lastPrice float64
	if len(buf) > 0 {
		lastPrice = buf[len(buf)-1]
	}
	buf = append(buf, price)
	if len(buf) > d.cfg.ReturnWindow+1 {
		buf = buf[len(buf)-(d.cfg.ReturnWindow+1):]
	}
	d.returnBuf[symbol] = buf
	d.mu.Unlock()

	if lastPrice <= 0 || price <= 0 {
		return
	}
	ret := (price - lastPrice) / lastPrice
	switch {
	case ret >= 0.05:
		d.bus.Publish(events.KindExtremeEvent, ExtremeEventPayload{Symbol: symbol, Kind: ExtremePriceSurge, Value: ret})
	case ret <= -0.05:
		d.bus.Publish(events.KindExtremeEvent, ExtremeEventPayload{Symbol: symbol, Kind: ExtremePriceCrash, Value: ret})
	}

	d.checkVolatilitySpike(symbol)
}

// OnVolume feeds a new traded-volume reading into the liquidity-drop check.
func (d *Detector) OnVolume(symbol string, volume float64) {
	d.mu.Lock()
	buf := d.volumeBuf[symbol]
	buf = append(buf, volume)
	if len(buf) > d.cfg.ReturnWindow {
		buf = buf[len(buf)-d.cfg.ReturnWindow:]
	}
	d.volumeBuf[symbol] = buf
	d.mu.Unlock()

	if len(buf) < d.cfg.ReturnWindow {
		return
	}
	mean, err := stats.Mean(buf)
	if err != nil || mean <= 0 {
		return
	}
	if volume < 0.3*mean {
		d.bus.Publish(events.KindExtremeEvent, ExtremeEventPayload{Symbol: symbol, Kind: ExtremeLiquidityDrop, Value: volume / mean})
	}
}

func (d *Detector) checkVolatilitySpike(symbol string) {
	d.mu.Lock()
	prices := append([]float64(nil), d.returnBuf[symbol]...)
	d.mu.Unlock()
	if len(prices) < 3 {
		return
	}

	logReturns := make([]float64, 0, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		if prices[i-1] <= 0 || prices[i] <= 0 {
			continue
		}
		logReturns = append(logReturns, math.Log(prices[i]/prices[i-1]))
	}
	if len(logReturns) < 3 {
		return
	}

	windowVol, err := stats.StandardDeviation(logReturns)
	if err != nil || windowVol <= 0 {
		return
	}
	instant := instantVolatility(logReturns)
	if instant > 3*windowVol {
		d.bus.Publish(events.KindExtremeEvent, ExtremeEventPayload{Symbol: symbol, Kind: ExtremeVolatilitySpike, Value: instant})
	}
}

func instantVolatility(logReturns []float64) float64 {
	tail := logReturns[len(logReturns)-1]
	return math.Abs(tail)
}

// PollAndScan runs ScanArbitrage and ignores observedAt. Nothing in the
// engine calls it: app.Engine's arbitrageScanLoop calls ScanArbitrage
// directly on its own ticker.
func (d *Detector) PollAndScan(observedAt time.Time) {
	d.ScanArbitrage()
}

// Package app wires every component into one runnable engine: venue
// adapters, the market store, the aggregator/poller, the alert/opportunity
// detector, the hedge lifecycle manager, the risk engine, and the
// rebalancer. Engine exposes the operator surface (start/stop/emergency
// shutdown/status) the rest of the program (cmd/enginectl, tests) drives.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"hedge-engine/internal/aggregator"
	"hedge-engine/internal/alerts"
	"hedge-engine/internal/config"
	"hedge-engine/internal/detector"
	"hedge-engine/internal/events"
	"hedge-engine/internal/hedge"
	"hedge-engine/internal/history/httploader"
	"hedge-engine/internal/history/timescale"
	"hedge-engine/internal/marketstore"
	"hedge-engine/internal/metrics"
	"hedge-engine/internal/pnl"
	"hedge-engine/internal/rebalance"
	"hedge-engine/internal/risk"
	"hedge-engine/internal/state"
	"hedge-engine/internal/state/sqlite"
	"hedge-engine/internal/venue"
	"hedge-engine/internal/venue/genericrest"
	"hedge-engine/internal/venue/hyperliquid"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Engine owns the full component graph for one run of the program. It is
// safe to construct once per process. Start and Stop alternate, but Stop
// also closes the state store and the history writer, so a later Start on
// the same Engine runs without hedge persistence or history writes.
type Engine struct {
	cfg *config.Config
	log *zap.Logger

	venues     map[string]venue.Adapter
	store      *marketstore.Store
	bus        *events.Bus
	aggregator *aggregator.Aggregator
	detector   *detector.Detector
	hedges     *hedge.Manager
	riskEngine *risk.Engine
	rebalancer *rebalance.Rebalancer
	pnlTracker *pnl.Tracker
	notifier   *alerts.Notifier
	metrics    *metrics.Metrics
	persist    state.Store
	history    *timescale.Writer
	prom       *metrics.Prometheus

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds the full component graph from cfg but starts nothing.
func New(cfg *config.Config, log *zap.Logger) (*Engine, error) {
	venues, err := buildVenues(cfg, log)
	if err != nil {
		return nil, err
	}

	persistPath := cfg.State.SQLitePath
	if persistPath == "" {
		persistPath = "data/hedge-engine.db"
	}
	if err := os.MkdirAll(dirOf(persistPath), 0o755); err != nil {
		return nil, err
	}
	persist, err := sqlite.New(persistPath)
	if err != nil {
		return nil, err
	}

	historyWriter, err := timescale.New(cfg.History, log)
	if err != nil {
		log.Warn("app: history writer disabled", zap.Error(err))
		historyWriter = nil
	}

	bus := events.New(log)
	store := marketstore.New(cfg.Polling.HistoryCap)
	notifier := alerts.NewNotifier(cfg.Notification, log)

	var m *metrics.Metrics
	var promMetrics *metrics.Prometheus
	if cfg.Metrics.Enabled {
		promMetrics = metrics.NewPrometheus()
		m = promMetrics.Metrics
	} else {
		m = metrics.NewNoop()
	}

	thresholds := detector.Thresholds{
		Warning:   decimal.NewFromFloat(cfg.Thresholds.Warning),
		Critical:  decimal.NewFromFloat(cfg.Thresholds.Critical),
		Arbitrage: decimal.NewFromFloat(cfg.Thresholds.Arbitrage),
	}
	det := detector.New(detector.Config{Thresholds: thresholds}, store, bus, log)

	hedgeMgr := hedge.New(hedge.Config{
		LegSizing:        hedge.LegSizing(cfg.Hedge.LegSizing),
		SizingFraction:   decimal.NewFromFloat(cfg.Hedge.SizingFraction),
		WarningThreshold: decimal.NewFromFloat(cfg.Thresholds.Warning),
		TakeProfitRatio:  decimal.NewFromFloat(cfg.Hedge.TakeProfit),
		StopLossRatio:    decimal.NewFromFloat(cfg.Hedge.StopLoss),
		MonitorInterval:  time.Duration(cfg.Polling.MonitorIntervalMs) * time.Millisecond,
		AutoHedge:        cfg.Hedge.AutoHedge,
	}, venues, store, bus, log)
	hedgeMgr.AttachPersistence(persist)

	riskEngine := risk.New(risk.Config{
		MaxExposure:  decimal.NewFromFloat(cfg.Risk.MaxExposure),
		TickInterval: cfg.Risk.TickInterval,
	}, venues, bus, log)

	rebalancer := rebalance.New(rebalance.Config{
		Threshold:    decimal.NewFromFloat(cfg.Rebalance.Threshold),
		TickInterval: cfg.Rebalance.TickInterval,
		Asset:        cfg.Rebalance.Asset,
	}, venues, log)

	pnlTracker := pnl.New(pnl.Config{}, bus, log)

	engine := &Engine{
		cfg:        cfg,
		log:        log,
		venues:     venues,
		store:      store,
		bus:        bus,
		detector:   det,
		hedges:     hedgeMgr,
		riskEngine: riskEngine,
		rebalancer: rebalancer,
		pnlTracker: pnlTracker,
		notifier:   notifier,
		metrics:    m,
		persist:    persist,
		history:    historyWriter,
		prom:       promMetrics,
	}

	venueList := make([]venue.Adapter, 0, len(venues))
	for _, v := range venues {
		venueList = append(venueList, v)
	}
	engine.aggregator = aggregator.New(aggregator.Config{
		PollInterval: time.Duration(cfg.Polling.IntervalMs) * time.Millisecond,
	}, venueList, store, bus, log, engine.onObservation, engine.onPrice)

	return engine, nil
}

func buildVenues(cfg *config.Config, log *zap.Logger) (map[string]venue.Adapter, error) {
	venues := make(map[string]venue.Adapter, len(cfg.Venues))
	for name, vcfg := range cfg.Venues {
		switch vcfg.Kind {
		case "hyperliquid":
			envPrefix := strings.ToUpper(name)
			adapter, err := hyperliquid.New(hyperliquid.Config{
				Name:          name,
				BaseURL:       vcfg.BaseURL,
				WSURL:         vcfg.WSURL,
				Timeout:       10 * time.Second,
				PingInterval:  15 * time.Second,
				PrivateKeyHex: os.Getenv(envPrefix + "_PRIVATE_KEY"),
				WalletAddress: os.Getenv(envPrefix + "_WALLET_ADDRESS"),
				VaultAddress:  vcfg.Vault,
				IsMainnet:     vcfg.Mainnet,
			}, log)
			if err != nil {
				return nil, fmt.Errorf("venue %s: %w", name, err)
			}
			venues[name] = adapter
		case "genericrest":
			venues[name] = genericrest.New(genericrest.Config{
				Name:      name,
				BaseURL:   vcfg.BaseURL,
				WSURL:     vcfg.WSURL,
				APIKey:    vcfg.APIKey,
				APISecret: vcfg.APISecret,
				Timeout:   10 * time.Second,
			}, log)
		default:
			return nil, fmt.Errorf("venue %s: unknown kind %q", name, vcfg.Kind)
		}
	}
	if len(venues) == 0 {
		return nil, errors.New("app: no venues configured")
	}
	return venues, nil
}

// onPrice is the aggregator's mark-price hook: every fresh tick, stream or
// poll-derived, feeds the detector's surge/crash/volatility checks.
func (e *Engine) onPrice(symbol string, price float64) {
	e.detector.OnPrice(symbol, price)
}

// onObservation is the aggregator's write-through hook: every fresh
// observation feeds the detector, and a periodic arbitrage scan runs from
// Start's background loop rather than here, since a scan needs the full
// cross-venue snapshot rather than a single observation.
func (e *Engine) onObservation(obs venue.FundingObservation, previous venue.FundingObservation, hadPrevious bool) {
	e.detector.OnObservation(obs)
	e.history.EnqueueFunding(timescale.FundingRow{
		Venue:      obs.Venue,
		Symbol:     obs.Symbol,
		Rate:       obs.Rate.InexactFloat64(),
		ObservedAt: obs.ObservedAt,
	})
}

// Start launches every background loop and returns once they're all
// scheduled; it does not block for the engine's lifetime. Call Stop to
// cancel everything it started.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return errors.New("app: engine already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.running = true
	e.mu.Unlock()

	if err := e.hedges.Restore(runCtx); err != nil {
		e.log.Warn("app: hedge snapshot restore failed", zap.Error(err))
	}
	if e.cfg.History.Endpoint != "" {
		httploader.Preload(runCtx, e.cfg.History.Endpoint, e.store, e.log)
	}
	if e.history != nil {
		e.history.Start(runCtx)
	}
	if e.prom != nil {
		e.spawn(func() { e.serveMetrics(runCtx) })
	}

	e.spawn(func() { e.runLogged("aggregator", e.aggregator.Run(runCtx)) })
	e.spawn(func() { e.runLogged("hedge monitor", e.hedges.Monitor(runCtx)) })
	e.spawn(func() { e.runLogged("risk engine", e.riskEngine.Run(runCtx)) })
	e.spawn(func() { e.runLogged("rebalancer", e.rebalancer.Run(runCtx)) })
	e.spawn(func() { e.runLogged("pnl tracker", e.pnlTracker.Run(runCtx)) })
	e.spawn(func() { e.arbitrageScanLoop(runCtx) })
	e.spawn(func() { e.eventForwardingLoop(runCtx) })

	e.log.Info("app: engine started", zap.Int("venues", len(e.venues)))
	return nil
}

// serveMetrics runs a bare HTTP server exposing the Prometheus scrape
// endpoint until ctx is canceled. A listen failure is logged, not fatal —
// metrics are an observability add-on, never a reason to abort the engine.
func (e *Engine) serveMetrics(ctx context.Context) {
	addr := e.cfg.Metrics.Address
	if addr == "" {
		addr = ":9090"
	}
	path := e.cfg.Metrics.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, e.prom.Handler())
	server := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		e.log.Warn("app: metrics server exited", zap.Error(err))
	}
}

func (e *Engine) spawn(fn func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
}

func (e *Engine) runLogged(name string, err error) {
	if err != nil && !errors.Is(err, context.Canceled) {
		e.log.Warn("app: background loop exited", zap.String("loop", name), zap.Error(err))
	}
}

// arbitrageScanLoop runs the cross-venue scan on its own ticker at the
// polling interval (default 30s). It only lets the detector publish
// opportunities; handleArbitrage, driven by eventForwardingLoop, opens a
// hedge for one when auto_hedge is on and the risk engine hasn't latched an
// emergency stop.
func (e *Engine) arbitrageScanLoop(ctx context.Context) {
	interval := time.Duration(e.cfg.Polling.IntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.detector.ScanArbitrage()
		}
	}
}

// eventForwardingLoop relays notification-worthy events to the best-effort
// notifier and lets auto_hedge react to arbitrage opportunities.
func (e *Engine) eventForwardingLoop(ctx context.Context) {
	arbCh, unsubArb := e.bus.Subscribe(events.KindArbitrage, 32)
	defer unsubArb()
	alertCh, unsubAlert := e.bus.Subscribe(events.KindAlert, 32)
	defer unsubAlert()
	extremeCh, unsubExtreme := e.bus.Subscribe(events.KindExtremeEvent, 32)
	defer unsubExtreme()
	openedCh, unsubOpened := e.bus.Subscribe(events.KindHedgeOpened, 8)
	defer unsubOpened()
	closedCh, unsubClosed := e.bus.Subscribe(events.KindHedgeClosed, 8)
	defer unsubClosed()
	failCh, unsubFail := e.bus.Subscribe(events.KindHedgeFailed, 8)
	defer unsubFail()
	closeFailCh, unsubCloseFail := e.bus.Subscribe(events.KindHedgeCloseFailed, 8)
	defer unsubCloseFail()
	riskCh, unsubRisk := e.bus.Subscribe(events.KindRiskExceeded, 4)
	defer unsubRisk()
	dailyPnlCh, unsubDailyPnl := e.bus.Subscribe(events.KindDailyPnl, 4)
	defer unsubDailyPnl()
	shutdownCh, unsubShutdown := e.bus.Subscribe(events.KindEmergencyShutdown, 4)
	defer unsubShutdown()

	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-arbCh:
			e.handleArbitrage(ctx, evt)
		case evt := <-alertCh:
			if payload, ok := evt.Payload.(detector.AlertPayload); ok {
				e.metrics.AlertsRaised.Inc()
				e.notifier.SendBestEffort(ctx, fmt.Sprintf("[%s] %s %s funding=%s", payload.Level, payload.Venue, payload.Symbol, payload.Rate.String()))
			}
		case evt := <-extremeCh:
			if payload, ok := evt.Payload.(detector.ExtremeEventPayload); ok {
				e.notifier.SendBestEffort(ctx, fmt.Sprintf("extreme event: %s %s value=%.4f", payload.Symbol, payload.Kind, payload.Value))
			}
		case evt := <-openedCh:
			if h, ok := evt.Payload.(hedge.Hedge); ok {
				e.metrics.HedgesOpened.Inc()
				e.notifier.SendBestEffort(ctx, fmt.Sprintf("hedge opened: %s size=%s", h.Key, h.Size.String()))
			}
		case evt := <-closedCh:
			if h, ok := evt.Payload.(hedge.Hedge); ok {
				e.metrics.HedgesClosed.Inc()
				e.notifier.SendBestEffort(ctx, fmt.Sprintf("hedge closed: %s reason=%s pnl=%s", h.Key, h.CloseReason, h.RealizedPnl.String()))
				e.history.EnqueueHedge(hedgeRow(h))
				snapshot := e.pnlTracker.Snapshot()
				e.metrics.DailyPnl.Set(snapshot.Daily.InexactFloat64())
				e.metrics.TotalPnl.Set(snapshot.Total.InexactFloat64())
			}
		case evt := <-failCh:
			if h, ok := evt.Payload.(hedge.Hedge); ok {
				e.metrics.HedgesFailed.Inc()
				e.notifier.SendBestEffort(ctx, fmt.Sprintf("hedge failed: %s reason=%s", h.Key, h.CloseReason))
				e.history.EnqueueHedge(hedgeRow(h))
			}
		case evt := <-closeFailCh:
			if h, ok := evt.Payload.(hedge.Hedge); ok {
				e.metrics.HedgesFailed.Inc()
				e.notifier.SendBestEffort(ctx, fmt.Sprintf("hedge close failed: %s reason=%s", h.Key, h.CloseReason))
				e.history.EnqueueHedge(hedgeRow(h))
			}
		case evt := <-riskCh:
			if snapshot, ok := evt.Payload.(risk.ExposureSnapshot); ok {
				e.metrics.RiskExceeded.Inc()
				e.metrics.ExposureRatio.Set(snapshot.Ratio.InexactFloat64())
				e.metrics.PortfolioValue.Set(snapshot.TotalPortfolioValue.InexactFloat64())
				e.notifier.SendBestEffort(ctx, fmt.Sprintf("risk: exposure ratio %s exceeded bound", snapshot.Ratio.String()))
			}
		case evt := <-dailyPnlCh:
			if snapshot, ok := evt.Payload.(pnl.Snapshot); ok {
				e.notifier.SendBestEffort(ctx, fmt.Sprintf("daily pnl: %s (total %s)", snapshot.Daily.String(), snapshot.Total.String()))
			}
		case <-shutdownCh:
			e.metrics.EmergencyStops.Inc()
		}
	}
}

func hedgeRow(h hedge.Hedge) timescale.HedgeRow {
	return timescale.HedgeRow{
		Key:         h.Key,
		Symbol:      h.Symbol,
		LongVenue:   h.LongVenue,
		ShortVenue:  h.ShortVenue,
		State:       string(h.State),
		Size:        h.Size.InexactFloat64(),
		RealizedPnl: h.RealizedPnl.InexactFloat64(),
		CloseReason: h.CloseReason,
		OpenedAt:    h.OpenedAt,
		ClosedAt:    h.ClosedAt,
	}
}

func (e *Engine) handleArbitrage(ctx context.Context, evt events.Event) {
	payload, ok := evt.Payload.(detector.ArbitragePayload)
	if !ok {
		return
	}
	e.notifier.SendBestEffort(ctx, fmt.Sprintf("arbitrage: %s long=%s short=%s spread=%s", payload.Symbol, payload.LongVenue, payload.ShortVenue, payload.Spread.String()))
	if !e.cfg.Hedge.AutoHedge || e.riskEngine.EmergencyStopped() {
		return
	}
	if _, err := e.hedges.Open(ctx, payload.Symbol, payload.LongVenue, payload.ShortVenue); err != nil {
		if !errors.Is(err, hedge.ErrAlreadyOpen) {
			e.log.Warn("app: auto-hedge open failed", zap.String("symbol", payload.Symbol), zap.Error(err))
		}
	}
}

// Stop cancels every background loop started by Start and waits for them to
// return.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	cancel := e.cancel
	e.running = false
	e.mu.Unlock()

	cancel()
	e.wg.Wait()
	_ = e.persist.Close()
	_ = e.history.Close()
	e.log.Info("app: engine stopped")
}

// EmergencyShutdown latches the risk engine's emergency stop, best-effort
// closes every open position and every active hedge, and notifies.
func (e *Engine) EmergencyShutdown(ctx context.Context) {
	e.log.Error("app: emergency shutdown triggered")
	e.riskEngine.EmergencyShutdown(ctx)
	for _, err := range e.hedges.EmergencyCloseAll(ctx) {
		e.log.Warn("app: emergency hedge close failed", zap.Error(err))
	}
	e.notifier.SendBestEffort(ctx, "emergency shutdown: all positions and hedges closed best-effort")
}

// Status is the point-in-time snapshot returned by the status() operator call.
type Status struct {
	Running          bool
	EmergencyStopped bool
	ActiveHedges     []hedge.Hedge
	Exposure         risk.ExposureSnapshot
	Volatility       string
	Pnl              pnl.Snapshot
}

func (e *Engine) Status() Status {
	e.mu.Lock()
	running := e.running
	e.mu.Unlock()
	return Status{
		Running:          running,
		EmergencyStopped: e.riskEngine.EmergencyStopped(),
		ActiveHedges:     e.hedges.Active(),
		Exposure:         e.riskEngine.Snapshot(),
		Volatility:       e.riskEngine.Volatility().String(),
		Pnl:              e.pnlTracker.Snapshot(),
	}
}

func dirOf(path string) string {
	idx := strings.LastIndexByte(path, '/')
	if idx < 0 {
		return "."
	}
	return path[:idx]
}

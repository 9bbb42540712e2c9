// Package hedge owns the lifecycle of every funding-rate hedge the engine
// opens: idempotent creation keyed on symbol|long_venue|short_venue,
// concurrent dual-leg execution, TP/SL/spread-collapse monitoring, and
// bounded-retry close. Only the manager that owns a key ever writes to its
// Hedge record; everyone else reads a snapshot.
package hedge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"hedge-engine/internal/decimalx"
	"hedge-engine/internal/events"
	"hedge-engine/internal/fanout"
	"hedge-engine/internal/marketstore"
	"hedge-engine/internal/state"
	"hedge-engine/internal/venue"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// State is one node of the hedge lifecycle state machine.
type State string

const (
	StateOpening     State = "opening"
	StateActive      State = "active"
	StateClosing     State = "closing"
	StateClosed      State = "closed"
	StateFailed      State = "failed"
	StateCloseFailed State = "close_failed"
)

// LegSizing selects how a hedge's two leg sizes are derived from a target
// notional. equal_notional (the default) sizes each leg to the same USD
// notional at current mark price; equal_qty instead gives both legs the
// same contract quantity, which can leave the two legs at different USD
// notional when mark prices diverge across venues.
type LegSizing string

const (
	LegSizingEqualNotional LegSizing = "equal_notional"
	LegSizingEqualQty      LegSizing = "equal_qty"
)

var ErrAlreadyOpen = errors.New("hedge: already open for this key")

// Hedge is the full record for one symbol|long_venue|short_venue position.
// It is append-mostly: fields are only ever written by the manager that
// owns the key, and the record is never removed once terminal.
type Hedge struct {
	Key        string
	Symbol     string
	LongVenue  string
	ShortVenue string

	State State
	Size  decimal.Decimal

	EntryLongPrice   decimal.Decimal
	EntryShortPrice  decimal.Decimal
	EntrySpreadRatio decimal.Decimal

	LongOrderRef  venue.OrderRef
	ShortOrderRef venue.OrderRef

	OpenedAt    time.Time
	ClosedAt    time.Time
	CloseReason string
	RealizedPnl decimal.Decimal

	// FundingPnl is the funding-rate delta captured over the hedge's life —
	// (avg_short_funding - avg_long_funding) x size x duration_hours — kept
	// separate from RealizedPnl, which is price-only.
	FundingPnl decimal.Decimal

	// PartialFill is set on a StateFailed record when one leg filled and
	// had to be closed out by reconcilePartialFailure, distinguishing that
	// case from a clean failure where neither leg ever filled.
	PartialFill bool
}

func Key(symbol, longVenue, shortVenue string) string {
	return fmt.Sprintf("%s|%s|%s", symbol, longVenue, shortVenue)
}

type Config struct {
	LegSizing        LegSizing
	SizingFraction   decimal.Decimal
	WarningThreshold decimal.Decimal
	TakeProfitRatio  decimal.Decimal
	StopLossRatio    decimal.Decimal
	MonitorInterval  time.Duration
	CloseRetries     int
	CloseRetryDelay  time.Duration
	AutoHedge        bool
}

func (c *Config) applyDefaults() {
	if c.LegSizing == "" {
		c.LegSizing = LegSizingEqualNotional
	}
	if c.SizingFraction.IsZero() {
		c.SizingFraction = decimal.NewFromFloat(0.5)
	}
	if c.WarningThreshold.IsZero() {
		c.WarningThreshold = decimal.NewFromFloat(0.0005)
	}
	if c.TakeProfitRatio.IsZero() {
		c.TakeProfitRatio = decimal.NewFromFloat(0.10)
	}
	if c.StopLossRatio.IsZero() {
		c.StopLossRatio = decimal.NewFromFloat(0.05)
	}
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = 10 * time.Second
	}
	if c.CloseRetries <= 0 {
		c.CloseRetries = 3
	}
	if c.CloseRetryDelay <= 0 {
		c.CloseRetryDelay = 200 * time.Millisecond
	}
}

// Manager is the single owner of every Hedge record it creates.
type Manager struct {
	cfg    Config
	venues map[string]venue.Adapter
	store  *marketstore.Store
	bus    *events.Bus
	log    *zap.Logger

	mu      sync.RWMutex
	hedges  map[string]*Hedge
	persist state.Store
}

func New(cfg Config, venues map[string]venue.Adapter, store *marketstore.Store, bus *events.Bus, log *zap.Logger) *Manager {
	cfg.applyDefaults()
	return &Manager{
		cfg:    cfg,
		venues: venues,
		store:  store,
		bus:    bus,
		log:    log,
		hedges: make(map[string]*Hedge),
	}
}

// AttachPersistence wires an optional key-value store the manager saves its
// full hedges table to after every state transition, so a restart can call
// Restore and reload in-flight positions instead of starting blind. A nil
// store (the default) makes persistence a no-op.
func (m *Manager) AttachPersistence(store state.Store) {
	m.mu.Lock()
	m.persist = store
	m.mu.Unlock()
}

// Restore reloads the hedges table from the attached store, if any. It is
// meant to run once at startup before Monitor begins.
func (m *Manager) Restore(ctx context.Context) error {
	m.mu.RLock()
	store := m.persist
	m.mu.RUnlock()
	if store == nil {
		return nil
	}
	var saved map[string]*Hedge
	ok, err := state.LoadSnapshot(ctx, store, state.HedgesSnapshotKey, &saved)
	if err != nil || !ok {
		return err
	}
	m.mu.Lock()
	for key, h := range saved {
		m.hedges[key] = h
	}
	m.mu.Unlock()
	return nil
}

func (m *Manager) saveSnapshot(ctx context.Context) {
	m.mu.RLock()
	store := m.persist
	snapshot := make(map[string]*Hedge, len(m.hedges))
	for key, h := range m.hedges {
		copied := *h
		snapshot[key] = &copied
	}
	m.mu.RUnlock()
	if store == nil {
		return
	}
	if err := state.SaveSnapshot(ctx, store, state.HedgesSnapshotKey, snapshot); err != nil {
		m.log.Warn("hedge: snapshot persistence failed", zap.Error(err))
	}
}

// Get returns a snapshot copy of the hedge at key, if any.
func (m *Manager) Get(key string) (Hedge, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.hedges[key]
	if !ok {
		return Hedge{}, false
	}
	return *h, true
}

// Active returns snapshots of every hedge currently in the Active state.
func (m *Manager) Active() []Hedge {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Hedge
	for _, h := range m.hedges {
		if h.State == StateActive {
			out = append(out, *h)
		}
	}
	return out
}

var ErrInsufficientFunds = errors.New("hedge: insufficient available balance on both venues")

// Open idempotently creates and executes a new hedge for (symbol,
// longVenue, shortVenue). If a record already exists for that key —
// terminal or not — Open returns ErrAlreadyOpen rather than reopening it;
// the key is a one-shot idempotency token. auto_hedge/emergency_stop gating
// is the caller's responsibility (the detector/app wiring checks it before
// calling Open at all, per spec.md §4.E step 2).
func (m *Manager) Open(ctx context.Context, symbol, longVenue, shortVenue string) (*Hedge, error) {
	key := Key(symbol, longVenue, shortVenue)

	m.mu.Lock()
	if _, exists := m.hedges[key]; exists {
		m.mu.Unlock()
		return nil, ErrAlreadyOpen
	}
	h := &Hedge{Key: key, Symbol: symbol, LongVenue: longVenue, ShortVenue: shortVenue, State: StateOpening}
	m.hedges[key] = h
	m.mu.Unlock()

	longAdapter, shortAdapter, err := m.resolveAdapters(longVenue, shortVenue)
	if err != nil {
		m.fail(ctx, h, err, false)
		return h, err
	}

	sizeUSD, err := m.computeSizeUSD(ctx, longAdapter, shortAdapter)
	if err != nil {
		m.fail(ctx, h, err, false)
		return h, err
	}

	longQty, shortQty, longPrice, shortPrice, err := m.sizeLegs(ctx, symbol, longAdapter, shortAdapter, sizeUSD)
	if err != nil {
		m.fail(ctx, h, err, false)
		return h, err
	}
	m.mu.Lock()
	h.EntrySpreadRatio = shortPrice.Sub(longPrice).Div(longPrice)
	m.mu.Unlock()

	longRef, shortRef, err := m.placeLegs(ctx, symbol, longAdapter, shortAdapter, longQty, shortQty)
	if err != nil {
		partialFill := m.reconcilePartialFailure(ctx, symbol, longAdapter, shortAdapter, longRef, shortRef)
		m.fail(ctx, h, err, partialFill)
		return h, err
	}

	m.activate(ctx, h, longRef, shortRef)
	return h, nil
}

func (m *Manager) resolveAdapters(longVenue, shortVenue string) (venue.Adapter, venue.Adapter, error) {
	long, ok := m.venues[longVenue]
	if !ok {
		return nil, nil, fmt.Errorf("unknown long venue %q", longVenue)
	}
	short, ok := m.venues[shortVenue]
	if !ok {
		return nil, nil, fmt.Errorf("unknown short venue %q", shortVenue)
	}
	return long, short, nil
}

// computeSizeUSD queries available balance on both venues concurrently and
// sizes the hedge at sizing_fraction of the smaller one. It uses fanout.All
// rather than errgroup.WithContext: opening a hedge still fails if either
// leg's balance query fails, but one leg being slow must not cancel the
// other leg's in-flight request out from under it.
func (m *Manager) computeSizeUSD(ctx context.Context, long, short venue.Adapter) (decimal.Decimal, error) {
	var longAvail, shortAvail decimal.Decimal
	results := fanout.All(ctx, []fanout.Task{
		{Name: long.Name(), Run: func(taskCtx context.Context) error {
			v, err := long.GetAvailableBalance(taskCtx)
			longAvail = v
			return err
		}},
		{Name: short.Name(), Run: func(taskCtx context.Context) error {
			v, err := short.GetAvailableBalance(taskCtx)
			shortAvail = v
			return err
		}},
	})
	for _, result := range results {
		if result.Err != nil {
			return decimal.Zero, result.Err
		}
	}

	smaller := longAvail
	if shortAvail.LessThan(smaller) {
		smaller = shortAvail
	}
	sizeUSD := smaller.Mul(m.cfg.SizingFraction)
	if sizeUSD.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, ErrInsufficientFunds
	}
	return sizeUSD, nil
}

func (m *Manager) sizeLegs(ctx context.Context, symbol string, long, short venue.Adapter, sizeUSD decimal.Decimal) (longQty, shortQty, longPrice, shortPrice decimal.Decimal, err error) {
	longPrice, err = long.GetMarkPrice(ctx, symbol)
	if err != nil {
		return decimal.Zero, decimal.Zero, decimal.Zero, decimal.Zero, err
	}
	shortPrice, err = short.GetMarkPrice(ctx, symbol)
	if err != nil {
		return decimal.Zero, decimal.Zero, decimal.Zero, decimal.Zero, err
	}
	if longPrice.IsZero() || shortPrice.IsZero() {
		return decimal.Zero, decimal.Zero, decimal.Zero, decimal.Zero, errors.New("hedge: zero mark price")
	}

	switch m.cfg.LegSizing {
	case LegSizingEqualQty:
		qty := decimalx.RoundDP(sizeUSD.Div(longPrice), 8)
		return qty, qty, longPrice, shortPrice, nil
	default:
		longQty = decimalx.RoundDP(sizeUSD.Div(longPrice), 8)
		shortQty = decimalx.RoundDP(sizeUSD.Div(shortPrice), 8)
		return longQty, shortQty, longPrice, shortPrice, nil
	}
}

// placeLegs submits both legs concurrently via fanout.All. A market order
// already in flight on one venue must not be interrupted by the other
// venue's rejection; reconcilePartialFailure is what unwinds whichever leg
// did fill once both results are in.
func (m *Manager) placeLegs(ctx context.Context, symbol string, long, short venue.Adapter, longQty, shortQty decimal.Decimal) (venue.OrderRef, venue.OrderRef, error) {
	var longRef, shortRef venue.OrderRef
	results := fanout.All(ctx, []fanout.Task{
		{Name: long.Name(), Run: func(taskCtx context.Context) error {
			ref, err := long.CreateMarketOrder(taskCtx, symbol, venue.SideBuy, longQty)
			longRef = ref
			return err
		}},
		{Name: short.Name(), Run: func(taskCtx context.Context) error {
			ref, err := short.CreateMarketOrder(taskCtx, symbol, venue.SideSell, shortQty)
			shortRef = ref
			return err
		}},
	})
	for _, result := range results {
		if result.Err != nil {
			return longRef, shortRef, result.Err
		}
	}
	return longRef, shortRef, nil
}

// reconcilePartialFailure closes whichever leg did fill when the other
// leg's order failed, with bounded retries — the same retry shape as the
// order executor's retry-with-backoff, generalized to a reduce-only close.
// It reports whether a leg actually filled and had to be closed out, so
// the caller can mark the resulting HedgeFailed event partial.
func (m *Manager) reconcilePartialFailure(ctx context.Context, symbol string, long, short venue.Adapter, longRef, shortRef venue.OrderRef) bool {
	partial := false
	if longRef.OrderID != "" {
		m.retryClose(ctx, long, symbol, venue.SideSell, longRef.ExecutedQty)
		partial = true
	}
	if shortRef.OrderID != "" {
		m.retryClose(ctx, short, symbol, venue.SideBuy, shortRef.ExecutedQty)
		partial = true
	}
	return partial
}

func (m *Manager) retryClose(ctx context.Context, adapter venue.Adapter, symbol string, side venue.Side, qty decimal.Decimal) {
	delay := m.cfg.CloseRetryDelay
	for attempt := 0; attempt < m.cfg.CloseRetries; attempt++ {
		_, err := adapter.ClosePosition(ctx, symbol, side, qty)
		if err == nil {
			return
		}
		m.log.Warn("hedge: reconciliation close attempt failed", zap.String("venue", adapter.Name()), zap.Int("attempt", attempt), zap.Error(err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
			delay *= 2
		}
	}
	m.log.Error("hedge: reconciliation close exhausted retries", zap.String("venue", adapter.Name()), zap.String("symbol", symbol))
}

func (m *Manager) activate(ctx context.Context, h *Hedge, longRef, shortRef venue.OrderRef) {
	m.mu.Lock()
	h.State = StateActive
	h.LongOrderRef = longRef
	h.ShortOrderRef = shortRef
	h.EntryLongPrice = longRef.AvgPrice
	h.EntryShortPrice = shortRef.AvgPrice
	h.Size = decimalx.Mean([]decimal.Decimal{longRef.ExecutedQty, shortRef.ExecutedQty})
	if !longRef.AvgPrice.IsZero() {
		h.EntrySpreadRatio = shortRef.AvgPrice.Sub(longRef.AvgPrice).Div(longRef.AvgPrice)
	}
	h.OpenedAt = time.Now().UTC()
	m.mu.Unlock()

	m.bus.Publish(events.KindHedgeOpened, *h)
	m.saveSnapshot(ctx)
}

// fail transitions h to StateFailed. partialFill distinguishes a leg that
// filled and had to be reconciled closed from a clean failure where
// neither leg ever filled, per the HedgeFailed(partial_fill=...) event.
func (m *Manager) fail(ctx context.Context, h *Hedge, cause error, partialFill bool) {
	m.mu.Lock()
	h.State = StateFailed
	h.CloseReason = cause.Error()
	h.ClosedAt = time.Now().UTC()
	h.PartialFill = partialFill
	m.mu.Unlock()
	m.bus.Publish(events.KindHedgeFailed, *h)
	m.saveSnapshot(ctx)
}

// Close transitions an Active hedge to Closing and attempts to close both
// legs concurrently with bounded retries. On full success it becomes
// Closed with a realized PnL estimate; otherwise CloseFailed and the
// position is left exactly as the partially-successful close left it for
// manual or next-tick reconciliation.
func (m *Manager) Close(ctx context.Context, key, reason string) error {
	m.mu.Lock()
	h, ok := m.hedges[key]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("hedge: no record for key %q", key)
	}
	if h.State != StateActive && h.State != StateOpening {
		m.mu.Unlock()
		return fmt.Errorf("hedge: %q is not closable from state %s", key, h.State)
	}
	h.State = StateClosing
	m.mu.Unlock()
	m.bus.Publish(events.KindStateChange, *h)
	m.saveSnapshot(ctx)

	long, short, err := m.resolveAdapters(h.LongVenue, h.ShortVenue)
	if err != nil {
		return m.closeFailed(ctx, h, reason, err)
	}

	var longClose, shortClose venue.OrderRef
	results := fanout.All(ctx, []fanout.Task{
		{Name: long.Name(), Run: func(taskCtx context.Context) error {
			ref, err := m.closeWithRetry(taskCtx, long, h.Symbol, venue.SideSell, h.Size)
			longClose = ref
			return err
		}},
		{Name: short.Name(), Run: func(taskCtx context.Context) error {
			ref, err := m.closeWithRetry(taskCtx, short, h.Symbol, venue.SideBuy, h.Size)
			shortClose = ref
			return err
		}},
	})
	for _, result := range results {
		if result.Err != nil {
			return m.closeFailed(ctx, h, reason, result.Err)
		}
	}

	return m.closed(ctx, h, reason, long, short, longClose, shortClose)
}

func (m *Manager) closeWithRetry(ctx context.Context, adapter venue.Adapter, symbol string, side venue.Side, qty decimal.Decimal) (venue.OrderRef, error) {
	delay := m.cfg.CloseRetryDelay
	var lastErr error
	for attempt := 0; attempt < m.cfg.CloseRetries; attempt++ {
		ref, err := adapter.ClosePosition(ctx, symbol, side, qty)
		if err == nil {
			return ref, nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return venue.OrderRef{}, ctx.Err()
		case <-time.After(delay):
			delay *= 2
		}
	}
	return venue.OrderRef{}, fmt.Errorf("close exhausted %d retries: %w", m.cfg.CloseRetries, lastErr)
}

func (m *Manager) closed(ctx context.Context, h *Hedge, reason string, long, short venue.Adapter, longClose, shortClose venue.OrderRef) error {
	openedAt := h.OpenedAt
	symbol := h.Symbol
	size := h.Size
	closedAt := time.Now().UTC()
	fundingPnl := m.fundingDeltaPnl(ctx, long, short, symbol, size, openedAt, closedAt)

	m.mu.Lock()
	h.State = StateClosed
	h.CloseReason = reason
	h.ClosedAt = closedAt
	h.RealizedPnl = estimatePnl(*h, longClose, shortClose)
	h.FundingPnl = fundingPnl
	m.mu.Unlock()
	m.bus.Publish(events.KindHedgeClosed, *h)
	m.saveSnapshot(ctx)
	return nil
}

// fundingDeltaPnl computes the secondary funding-rate PnL component: the
// average funding-rate spread collected between the two legs since
// openedAt, converted to a dollar figure over the hedge's actual duration.
// A failure to fetch either venue's average rate yields a zero delta
// rather than blocking the close — funding PnL is informational, reported
// separately from the price-based RealizedPnl the close itself depends on.
func (m *Manager) fundingDeltaPnl(ctx context.Context, long, short venue.Adapter, symbol string, size decimal.Decimal, openedAt, closedAt time.Time) decimal.Decimal {
	if openedAt.IsZero() {
		return decimal.Zero
	}
	var longAvg, shortAvg decimal.Decimal
	results := fanout.All(ctx, []fanout.Task{
		{Name: long.Name(), Run: func(taskCtx context.Context) error {
			v, err := long.GetAvgFundingRate(taskCtx, symbol, openedAt)
			longAvg = v
			return err
		}},
		{Name: short.Name(), Run: func(taskCtx context.Context) error {
			v, err := short.GetAvgFundingRate(taskCtx, symbol, openedAt)
			shortAvg = v
			return err
		}},
	})
	for _, result := range results {
		if result.Err != nil {
			m.log.Warn("hedge: funding delta pnl unavailable", zap.String("venue", result.Name), zap.Error(result.Err))
			return decimal.Zero
		}
	}
	durationHours := decimal.NewFromFloat(closedAt.Sub(openedAt).Hours())
	return shortAvg.Sub(longAvg).Mul(size).Mul(durationHours)
}

func (m *Manager) closeFailed(ctx context.Context, h *Hedge, reason string, cause error) error {
	m.mu.Lock()
	h.State = StateCloseFailed
	h.CloseReason = reason
	m.mu.Unlock()
	m.bus.Publish(events.KindHedgeCloseFailed, *h)
	m.saveSnapshot(ctx)
	return cause
}

// estimatePnl is the price-only PnL: the spread captured between entry and
// exit on both legs. The funding-rate delta collected over the hedge's
// life is a separate component, computed by fundingDeltaPnl and stored on
// Hedge.FundingPnl rather than folded in here.
func estimatePnl(h Hedge, longClose, shortClose venue.OrderRef) decimal.Decimal {
	longPnl := longClose.AvgPrice.Sub(h.EntryLongPrice).Mul(h.Size)
	shortPnl := h.EntryShortPrice.Sub(shortClose.AvgPrice).Mul(h.Size)
	return longPnl.Add(shortPnl)
}

// Monitor runs until ctx is canceled, periodically checking every active
// hedge's current spread against take-profit, stop-loss, and
// spread-collapse thresholds and closing any that trip one.
func (m *Manager) Monitor(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.MonitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.checkActiveHedges(ctx)
		}
	}
}

func (m *Manager) checkActiveHedges(ctx context.Context) {
	for _, h := range m.Active() {
		reason, shouldClose := m.evaluateExit(ctx, h)
		if !shouldClose {
			continue
		}
		if err := m.Close(ctx, h.Key, reason); err != nil {
			m.log.Warn("hedge: monitor-triggered close failed", zap.String("key", h.Key), zap.Error(err))
		}
	}
}

// evaluateExit mirrors spec.md §4.E's monitor formula: current_ratio is the
// mark-price spread between the two legs, ratio_change is how much of the
// entry spread has been given back (positive) or grown further
// (negative), and the funding spread guards against holding a hedge whose
// funding edge has already collapsed.
func (m *Manager) evaluateExit(ctx context.Context, h Hedge) (reason string, shouldClose bool) {
	longPrice, err := m.venues[h.LongVenue].GetMarkPrice(ctx, h.Symbol)
	if err != nil || longPrice.IsZero() {
		return "", false
	}
	shortPrice, err := m.venues[h.ShortVenue].GetMarkPrice(ctx, h.Symbol)
	if err != nil {
		return "", false
	}
	currentRatio := shortPrice.Sub(longPrice).Div(longPrice)
	ratioChange := h.EntrySpreadRatio.Sub(currentRatio)

	if ratioChange.GreaterThanOrEqual(m.cfg.TakeProfitRatio.Mul(decimal.NewFromFloat(0.5))) {
		return "take_profit", true
	}
	if ratioChange.LessThanOrEqual(m.cfg.StopLossRatio.Neg()) {
		return "stop_loss", true
	}

	longFunding, ok := m.store.LatestFunding(h.LongVenue, h.Symbol)
	shortFunding, ok2 := m.store.LatestFunding(h.ShortVenue, h.Symbol)
	if ok && ok2 {
		fundingSpread := decimalx.Abs(shortFunding.Rate.Sub(longFunding.Rate))
		if fundingSpread.LessThan(m.cfg.WarningThreshold) {
			return "spread_collapsed", true
		}
	}
	return "", false
}

// EmergencyCloseAll closes every active hedge, best-effort, used by the
// risk engine's emergency shutdown path. It does not stop at the first
// failure so every hedge gets a close attempt.
func (m *Manager) EmergencyCloseAll(ctx context.Context) []error {
	var errs []error
	for _, h := range m.Active() {
		if err := m.Close(ctx, h.Key, "emergency_shutdown"); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", h.Key, err))
		}
	}
	return errs
}

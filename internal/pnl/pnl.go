// Package pnl tracks realized profit and loss across every hedge the
// engine has closed: a running total since process start, and a daily
// figure that resets exactly once per local day.
package pnl

import (
	"context"
	"sync"
	"time"

	"hedge-engine/internal/events"
	"hedge-engine/internal/hedge"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type Config struct {
	TickInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.TickInterval <= 0 {
		c.TickInterval = time.Minute
	}
}

// resetWindow is how far into a new local day the reset latch stays armed.
// Checking a window rather than an exact midnight tick means a missed or
// delayed tick still resets the same day it was meant to.
const resetWindow = 10 * time.Minute

// Snapshot is published on KindDailyPnl and returned by Tracker.Snapshot.
type Snapshot struct {
	Daily      decimal.Decimal
	Total      decimal.Decimal
	ObservedAt time.Time
}

// Tracker is the single owner of the running daily/total PnL figures. Every
// other component reads a Snapshot rather than mutating these fields.
type Tracker struct {
	cfg Config
	bus *events.Bus
	log *zap.Logger

	mu            sync.RWMutex
	daily         decimal.Decimal
	total         decimal.Decimal
	lastResetDate string
}

func New(cfg Config, bus *events.Bus, log *zap.Logger) *Tracker {
	cfg.applyDefaults()
	return &Tracker{cfg: cfg, bus: bus, log: log, lastResetDate: localDate(time.Now())}
}

func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return Snapshot{Daily: t.daily, Total: t.total, ObservedAt: time.Now().UTC()}
}

// Run subscribes to KindHedgeClosed to accumulate realized PnL and ticks
// every cfg.TickInterval to check for the once-per-day reset, until ctx is
// canceled.
func (t *Tracker) Run(ctx context.Context) error {
	closedCh, unsubscribe := t.bus.Subscribe(events.KindHedgeClosed, 32)
	defer unsubscribe()

	ticker := time.NewTicker(t.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt := <-closedCh:
			if h, ok := evt.Payload.(hedge.Hedge); ok {
				t.accumulate(h.RealizedPnl.Add(h.FundingPnl))
			}
		case <-ticker.C:
			t.maybeResetDaily(time.Now())
		}
	}
}

func (t *Tracker) accumulate(amount decimal.Decimal) {
	t.mu.Lock()
	t.daily = t.daily.Add(amount)
	t.total = t.total.Add(amount)
	t.mu.Unlock()
}

// maybeResetDaily latches the reset so it fires exactly once per local day:
// it only resets when now's local date differs from the last reset date and
// now falls within the first resetWindow of that new day.
func (t *Tracker) maybeResetDaily(now time.Time) {
	local := now.Local()
	today := localDate(local)

	t.mu.Lock()
	if today == t.lastResetDate {
		t.mu.Unlock()
		return
	}
	if local.Hour() != 0 || local.Minute() >= int(resetWindow.Minutes()) {
		t.mu.Unlock()
		return
	}
	finished := Snapshot{Daily: t.daily, Total: t.total, ObservedAt: now.UTC()}
	t.daily = decimal.Zero
	t.lastResetDate = today
	t.mu.Unlock()

	t.log.Info("pnl: daily figure reset", zap.String("previous_day", finished.ObservedAt.Local().AddDate(0, 0, -1).Format("2006-01-02")), zap.String("daily_pnl", finished.Daily.String()))
	t.bus.Publish(events.KindDailyPnl, finished)
}

func localDate(t time.Time) string {
	return t.Local().Format("2006-01-02")
}

package pnl

import (
	"context"
	"testing"
	"time"

	"hedge-engine/internal/events"
	"hedge-engine/internal/hedge"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func TestAccumulatesRealizedAndFundingPnlFromHedgeClosedEvents(t *testing.T) {
	bus := events.New(zap.NewNop())
	tracker := New(Config{TickInterval: time.Hour}, bus, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tracker.Run(ctx)
	// Give Run time to subscribe to KindHedgeClosed: the bus delivers an
	// event only to subscribers registered when it is published.
	time.Sleep(50 * time.Millisecond)

	bus.Publish(events.KindHedgeClosed, hedge.Hedge{
		Key:         "BTC|alpha|beta",
		RealizedPnl: decimal.NewFromFloat(10),
		FundingPnl:  decimal.NewFromFloat(2),
	})
	bus.Publish(events.KindHedgeClosed, hedge.Hedge{
		Key:         "ETH|alpha|beta",
		RealizedPnl: decimal.NewFromFloat(-3),
		FundingPnl:  decimal.NewFromFloat(1),
	})

	deadline := time.After(time.Second)
	for {
		snapshot := tracker.Snapshot()
		if snapshot.Total.Equal(decimal.NewFromFloat(10)) {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("expected accumulated total 10, got %s", snapshot.Total)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestMaybeResetDailyLatchesOncePerDay(t *testing.T) {
	bus := events.New(zap.NewNop())
	tracker := New(Config{}, bus, zap.NewNop())

	today := time.Date(2026, 3, 5, 23, 50, 0, 0, time.Local)
	tracker.lastResetDate = localDate(today)
	tracker.accumulate(decimal.NewFromFloat(15))

	ch, unsubscribe := bus.Subscribe(events.KindDailyPnl, 1)
	defer unsubscribe()

	tomorrowLate := time.Date(2026, 3, 6, 0, 20, 0, 0, time.Local)
	tracker.maybeResetDaily(tomorrowLate)
	if tracker.Snapshot().Daily.Equal(decimal.Zero) {
		t.Fatal("expected no reset when minute is past the reset window")
	}

	tomorrowEarly := time.Date(2026, 3, 6, 0, 5, 0, 0, time.Local)
	tracker.maybeResetDaily(tomorrowEarly)
	snapshot := tracker.Snapshot()
	if !snapshot.Daily.Equal(decimal.Zero) {
		t.Fatalf("expected daily figure reset to zero, got %s", snapshot.Daily)
	}
	if !snapshot.Total.Equal(decimal.NewFromFloat(15)) {
		t.Fatalf("expected total to survive the reset, got %s", snapshot.Total)
	}

	select {
	case evt := <-ch:
		published, ok := evt.Payload.(Snapshot)
		if !ok || !published.Daily.Equal(decimal.NewFromFloat(15)) {
			t.Fatalf("expected published snapshot to carry the pre-reset daily figure, got %+v", evt.Payload)
		}
	default:
		t.Fatal("expected KindDailyPnl to be published on reset")
	}

	// A second tick still within the same day must not reset or publish again.
	tracker.accumulate(decimal.NewFromFloat(4))
	tracker.maybeResetDaily(time.Date(2026, 3, 6, 0, 8, 0, 0, time.Local))
	if !tracker.Snapshot().Daily.Equal(decimal.NewFromFloat(4)) {
		t.Fatalf("expected latch to prevent a second reset, daily now %s", tracker.Snapshot().Daily)
	}
	select {
	case evt := <-ch:
		t.Fatalf("expected no second KindDailyPnl publish, got %+v", evt)
	default:
	}
}

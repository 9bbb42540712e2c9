package risk

import (
	"context"
	"testing"
	"time"

	"hedge-engine/internal/events"
	"hedge-engine/internal/venue"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type fakeAdapter struct {
	name      string
	positions map[string]venue.Position
	balance   decimal.Decimal
	closed    []string
}

func (f *fakeAdapter) Name() string { return f.name }
func (f *fakeAdapter) FetchFundingRates(ctx context.Context) ([]venue.FundingObservation, error) {
	return nil, nil
}
func (f *fakeAdapter) GetFundingRate(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return decimal.Zero, nil
}
func (f *fakeAdapter) GetAvgFundingRate(ctx context.Context, symbol string, since time.Time) (decimal.Decimal, error) {
	return decimal.Zero, nil
}
func (f *fakeAdapter) GetMarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return decimal.Zero, nil
}
func (f *fakeAdapter) GetPositions(ctx context.Context) (map[string]venue.Position, error) {
	return f.positions, nil
}
func (f *fakeAdapter) GetTotalBalance(ctx context.Context) (decimal.Decimal, error) {
	return f.balance, nil
}
func (f *fakeAdapter) GetAvailableBalance(ctx context.Context) (decimal.Decimal, error) {
	return f.balance, nil
}
func (f *fakeAdapter) CreateMarketOrder(ctx context.Context, symbol string, side venue.Side, qty decimal.Decimal) (venue.OrderRef, error) {
	return venue.OrderRef{}, nil
}
func (f *fakeAdapter) ClosePosition(ctx context.Context, symbol string, side venue.Side, qty decimal.Decimal) (venue.OrderRef, error) {
	f.closed = append(f.closed, symbol)
	delete(f.positions, symbol)
	return venue.OrderRef{Symbol: symbol, Side: side, ExecutedQty: qty}, nil
}
func (f *fakeAdapter) TransferTo(ctx context.Context, other venue.Adapter, amount decimal.Decimal, asset string) error {
	return nil
}
func (f *fakeAdapter) SubscribeStream(ctx context.Context, callback func(venue.StreamEvent)) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestTickEmitsRiskExceededAndDeRisks(t *testing.T) {
	adapter := &fakeAdapter{
		name:    "alpha",
		balance: decimal.NewFromInt(1000),
		positions: map[string]venue.Position{
			"BTC": {Symbol: "BTC", Side: venue.SideBuy, Size: decimal.NewFromInt(10), MarkPrice: decimal.NewFromInt(100), UnrealizedPnl: decimal.NewFromInt(-50)},
		},
	}
	bus := events.New(zap.NewNop())
	engine := New(Config{MaxExposure: decimal.NewFromFloat(0.10)}, map[string]venue.Adapter{"alpha": adapter}, bus, zap.NewNop())

	ch, unsubscribe := bus.Subscribe(events.KindRiskExceeded, 1)
	defer unsubscribe()

	engine.tick(context.Background())

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("expected RiskExceeded event")
	}

	if len(adapter.closed) == 0 {
		t.Fatal("expected de-risk to close at least one position")
	}
}

func TestTickWithinBoundDoesNotDeRisk(t *testing.T) {
	adapter := &fakeAdapter{
		name:    "alpha",
		balance: decimal.NewFromInt(100000),
		positions: map[string]venue.Position{
			"BTC": {Symbol: "BTC", Side: venue.SideBuy, Size: decimal.NewFromInt(1), MarkPrice: decimal.NewFromInt(100)},
		},
	}
	bus := events.New(zap.NewNop())
	engine := New(Config{MaxExposure: decimal.NewFromFloat(0.10)}, map[string]venue.Adapter{"alpha": adapter}, bus, zap.NewNop())

	ch, unsubscribe := bus.Subscribe(events.KindRiskExceeded, 1)
	defer unsubscribe()

	engine.tick(context.Background())

	select {
	case <-ch:
		t.Fatal("did not expect RiskExceeded when within bound")
	case <-time.After(100 * time.Millisecond):
	}
	if len(adapter.closed) != 0 {
		t.Fatal("did not expect any close when within bound")
	}
}

func TestEmergencyShutdownClosesEverythingAndLatches(t *testing.T) {
	adapter := &fakeAdapter{
		name:    "alpha",
		balance: decimal.NewFromInt(1000),
		positions: map[string]venue.Position{
			"BTC": {Symbol: "BTC", Side: venue.SideBuy, Size: decimal.NewFromInt(1), MarkPrice: decimal.NewFromInt(100)},
			"ETH": {Symbol: "ETH", Side: venue.SideSell, Size: decimal.NewFromInt(2), MarkPrice: decimal.NewFromInt(50)},
		},
	}
	bus := events.New(zap.NewNop())
	engine := New(Config{}, map[string]venue.Adapter{"alpha": adapter}, bus, zap.NewNop())

	ch, unsubscribe := bus.Subscribe(events.KindEmergencyShutdown, 1)
	defer unsubscribe()

	engine.EmergencyShutdown(context.Background())

	if !engine.EmergencyStopped() {
		t.Fatal("expected emergency_stop to latch")
	}
	if len(adapter.closed) != 2 {
		t.Fatalf("expected both positions closed, got %v", adapter.closed)
	}

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("expected EmergencyShutdown event")
	}
}

func TestUpdateVolatilityAppliesEWMA(t *testing.T) {
	engine := New(Config{}, nil, events.New(zap.NewNop()), zap.NewNop())
	engine.UpdateVolatility(1.0)
	if !engine.Volatility().Equal(decimal.NewFromFloat(0.1)) {
		t.Fatalf("unexpected volatility after first update: %v", engine.Volatility())
	}
	engine.UpdateVolatility(1.0)
	if !engine.Volatility().Equal(decimal.NewFromFloat(0.19)) {
		t.Fatalf("unexpected volatility after second update: %v", engine.Volatility())
	}
}

package aggregator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"hedge-engine/internal/events"
	"hedge-engine/internal/marketstore"
	"hedge-engine/internal/venue"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type fakeAdapter struct {
	name        string
	rates       []venue.FundingObservation
	fetchErr    error
	fetchCalled chan struct{}
}

func (f *fakeAdapter) Name() string { return f.name }
func (f *fakeAdapter) FetchFundingRates(ctx context.Context) ([]venue.FundingObservation, error) {
	select {
	case f.fetchCalled <- struct{}{}:
	default:
	}
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return f.rates, nil
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
	return nil, nil
}
func (f *fakeAdapter) GetTotalBalance(ctx context.Context) (decimal.Decimal, error) {
	return decimal.Zero, nil
}
func (f *fakeAdapter) GetAvailableBalance(ctx context.Context) (decimal.Decimal, error) {
	return decimal.Zero, nil
}
func (f *fakeAdapter) CreateMarketOrder(ctx context.Context, symbol string, side venue.Side, qty decimal.Decimal) (venue.OrderRef, error) {
	return venue.OrderRef{}, nil
}
func (f *fakeAdapter) ClosePosition(ctx context.Context, symbol string, side venue.Side, qty decimal.Decimal) (venue.OrderRef, error) {
	return venue.OrderRef{}, nil
}
func (f *fakeAdapter) TransferTo(ctx context.Context, other venue.Adapter, amount decimal.Decimal, asset string) error {
	return nil
}
func (f *fakeAdapter) SubscribeStream(ctx context.Context, callback func(venue.StreamEvent)) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestPollWritesThroughAndInvokesHandler(t *testing.T) {
	store := marketstore.New(10)
	bus := events.New(zap.NewNop())
	good := &fakeAdapter{
		name:        "alpha",
		fetchCalled: make(chan struct{}, 1),
		rates: []venue.FundingObservation{
			{Venue: "alpha", Symbol: "BTC", Rate: decimal.NewFromFloat(0.0006), ObservedAt: time.Now()},
		},
	}

	var mu sync.Mutex
	var handled []venue.FundingObservation
	handler := func(obs, previous venue.FundingObservation, had bool) {
		mu.Lock()
		handled = append(handled, obs)
		mu.Unlock()
	}

	var priced []string
	priceHandler := func(symbol string, price float64) {
		mu.Lock()
		priced = append(priced, symbol)
		mu.Unlock()
	}

	agg := New(Config{PollInterval: time.Hour}, []venue.Adapter{good}, store, bus, zap.NewNop(), handler, priceHandler)
	agg.poll(context.Background())

	mu.Lock()
	defer mu.Unlock()
	if len(handled) != 1 {
		t.Fatalf("expected 1 handled observation, got %d", len(handled))
	}
	if _, ok := store.LatestFunding("alpha", "BTC"); !ok {
		t.Fatal("expected write-through to store")
	}
	if len(priced) != 1 || priced[0] != "BTC" {
		t.Fatalf("expected poll to feed the price handler for BTC, got %v", priced)
	}
	if _, ok := store.LatestQuote("alpha", "BTC"); !ok {
		t.Fatal("expected poll to also write through a mark-price quote")
	}
}

func TestPollFailureDoesNotBlockOthersAndEmitsFetchFailed(t *testing.T) {
	store := marketstore.New(10)
	bus := events.New(zap.NewNop())
	failing := &fakeAdapter{name: "bad", fetchErr: errors.New("boom"), fetchCalled: make(chan struct{}, 1)}
	good := &fakeAdapter{
		name:        "good",
		fetchCalled: make(chan struct{}, 1),
		rates: []venue.FundingObservation{
			{Venue: "good", Symbol: "ETH", Rate: decimal.NewFromFloat(0.0001), ObservedAt: time.Now()},
		},
	}

	ch, unsubscribe := bus.Subscribe(events.KindFetchFailed, 4)
	defer unsubscribe()

	agg := New(Config{PollInterval: time.Hour}, []venue.Adapter{failing, good}, store, bus, zap.NewNop(), nil, nil)
	agg.poll(context.Background())

	if _, ok := store.LatestFunding("good", "ETH"); !ok {
		t.Fatal("expected good adapter's observation to be written through despite sibling failure")
	}

	select {
	case evt := <-ch:
		payload, ok := evt.Payload.(FetchFailedPayload)
		if !ok || payload.Venue != "bad" {
			t.Fatalf("unexpected FetchFailed payload: %v", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a FetchFailed event")
	}
}

func TestHandleStreamEventTickerFeedsPriceHandler(t *testing.T) {
	store := marketstore.New(10)
	bus := events.New(zap.NewNop())

	var mu sync.Mutex
	var gotSymbol string
	var gotPrice float64
	priceHandler := func(symbol string, price float64) {
		mu.Lock()
		gotSymbol, gotPrice = symbol, price
		mu.Unlock()
	}

	agg := New(Config{}, nil, store, bus, zap.NewNop(), nil, priceHandler)
	agg.handleStreamEvent("alpha", venue.StreamEvent{
		Kind:       venue.StreamTicker,
		Symbol:     "BTC",
		Price:      decimal.NewFromFloat(65000.5),
		ObservedAt: time.Now(),
	})

	mu.Lock()
	defer mu.Unlock()
	if gotSymbol != "BTC" || gotPrice != 65000.5 {
		t.Fatalf("expected price handler invoked with BTC/65000.5, got %s/%v", gotSymbol, gotPrice)
	}
	if _, ok := store.LatestQuote("alpha", "BTC"); !ok {
		t.Fatal("expected ticker event to also write through a quote")
	}
}

func TestHandleStreamEventPositionCachesForObservability(t *testing.T) {
	store := marketstore.New(10)
	bus := events.New(zap.NewNop())

	agg := New(Config{}, nil, store, bus, zap.NewNop(), nil, nil)
	agg.handleStreamEvent("alpha", venue.StreamEvent{
		Kind: venue.StreamPosition,
		Position: venue.Position{
			Symbol: "BTC",
			Side:   venue.SideBuy,
			Size:   decimal.NewFromFloat(1.5),
		},
		ObservedAt: time.Now(),
	})

	positions := store.Positions()
	if len(positions["alpha"]) != 1 || !positions["alpha"][0].Size.Equal(decimal.NewFromFloat(1.5)) {
		t.Fatalf("expected cached position for alpha, got %v", positions)
	}
}

package rebalance

import (
	"context"
	"testing"
	"time"

	"hedge-engine/internal/venue"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type fakeAdapter struct {
	name      string
	balance   decimal.Decimal
	transfers []transferCall
	transferErr error
}

type transferCall struct {
	to     string
	amount decimal.Decimal
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
	return nil, nil
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
	return venue.OrderRef{}, nil
}
func (f *fakeAdapter) TransferTo(ctx context.Context, other venue.Adapter, amount decimal.Decimal, asset string) error {
	if f.transferErr != nil {
		return f.transferErr
	}
	f.transfers = append(f.transfers, transferCall{to: other.Name(), amount: amount})
	return nil
}
func (f *fakeAdapter) SubscribeStream(ctx context.Context, callback func(venue.StreamEvent)) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestTickTransfersFromDonorToRecipient(t *testing.T) {
	donor := &fakeAdapter{name: "alpha", balance: decimal.NewFromInt(1000)}
	recipient := &fakeAdapter{name: "beta", balance: decimal.NewFromInt(0)}
	r := New(Config{Threshold: decimal.NewFromFloat(0.03)}, map[string]venue.Adapter{"alpha": donor, "beta": recipient}, zap.NewNop())

	r.tick(context.Background())

	if len(donor.transfers) != 1 {
		t.Fatalf("expected exactly one transfer, got %d", len(donor.transfers))
	}
	if donor.transfers[0].to != "beta" {
		t.Fatalf("expected transfer to beta, got %s", donor.transfers[0].to)
	}
	if !donor.transfers[0].amount.Equal(decimal.NewFromInt(500)) {
		t.Fatalf("expected transfer of 500 to equalize balances, got %v", donor.transfers[0].amount)
	}
}

func TestTickSkipsWhenWithinThreshold(t *testing.T) {
	donor := &fakeAdapter{name: "alpha", balance: decimal.NewFromInt(505)}
	recipient := &fakeAdapter{name: "beta", balance: decimal.NewFromInt(495)}
	r := New(Config{Threshold: decimal.NewFromFloat(0.03)}, map[string]venue.Adapter{"alpha": donor, "beta": recipient}, zap.NewNop())

	r.tick(context.Background())

	if len(donor.transfers) != 0 {
		t.Fatalf("expected no transfer within threshold, got %d", len(donor.transfers))
	}
}

func TestTickSkipsUnsupportedTransferWithoutPanicking(t *testing.T) {
	donor := &fakeAdapter{name: "alpha", balance: decimal.NewFromInt(1000), transferErr: venue.Wrap("alpha", venue.ErrUnsupported, "not supported", nil)}
	recipient := &fakeAdapter{name: "beta", balance: decimal.NewFromInt(0)}
	r := New(Config{Threshold: decimal.NewFromFloat(0.03)}, map[string]venue.Adapter{"alpha": donor, "beta": recipient}, zap.NewNop())

	r.tick(context.Background())

	if len(donor.transfers) != 0 {
		t.Fatalf("expected no recorded transfer when unsupported, got %d", len(donor.transfers))
	}
}

// Package venue defines the uniform adapter surface every exchange
// integration implements. The engine's aggregator, hedge manager, risk
// engine, and rebalancer all speak to exchanges only through this interface
// — concrete realizations (hyperliquid, genericrest) live in sibling
// packages and are never imported outside of wiring code.
package venue

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// FundingObservation is immutable once created: a single venue's funding
// rate reading for a symbol at a point in time.
type FundingObservation struct {
	Venue           string
	Symbol          string
	Rate            decimal.Decimal
	NextFundingTime time.Time
	ObservedAt      time.Time
}

// MarketQuote is mutable — the latest overwrites the previous for a
// (venue, symbol) pair.
type MarketQuote struct {
	Venue      string
	Symbol     string
	MarkPrice  decimal.Decimal
	ObservedAt time.Time
}

// Side is long or short, used both for positions and for order submission.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite returns the other side, used to build closing/reconciliation orders.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Position describes a single non-zero position as reported by a venue.
type Position struct {
	Symbol        string
	Side          Side
	Size          decimal.Decimal
	EntryPrice    decimal.Decimal
	MarkPrice     decimal.Decimal
	UnrealizedPnl decimal.Decimal
}

// OrderRef is the result of a successful order submission.
type OrderRef struct {
	OrderID     string
	Symbol      string
	Side        Side
	ExecutedQty decimal.Decimal
	AvgPrice    decimal.Decimal
}

// StreamEventKind distinguishes the payload carried by a StreamEvent.
type StreamEventKind string

const (
	StreamFunding  StreamEventKind = "funding"
	StreamTicker   StreamEventKind = "ticker"
	StreamPosition StreamEventKind = "position"
)

// StreamEvent is a single push update delivered by a venue's streaming
// subscription. Only the fields relevant to Kind are populated.
type StreamEvent struct {
	Kind       StreamEventKind
	Symbol     string
	Rate       decimal.Decimal
	Price      decimal.Decimal
	Position   Position
	ObservedAt time.Time
}

// ErrKind enumerates the error taxonomy every adapter operation fails with.
// Adapters never panic the process; every failure surfaces as an *Error.
type ErrKind string

const (
	ErrNetwork           ErrKind = "network"
	ErrRateLimited       ErrKind = "rate_limited"
	ErrAuthFailed        ErrKind = "auth_failed"
	ErrBadSymbol         ErrKind = "bad_symbol"
	ErrNotFound          ErrKind = "not_found"
	ErrUnsupported       ErrKind = "unsupported"
	ErrInsufficientFunds ErrKind = "insufficient_funds"
	ErrPartialFill       ErrKind = "partial_fill"
	ErrExchange          ErrKind = "exchange"
	ErrConfig            ErrKind = "config"
	ErrInternal          ErrKind = "internal"
)

// Error is the concrete error type every Adapter method returns on failure.
type Error struct {
	Kind    ErrKind
	Venue   string
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Code != "" {
		return e.Venue + ": " + string(e.Kind) + " (" + e.Code + "): " + e.Message
	}
	return e.Venue + ": " + string(e.Kind) + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrKind) style checks work against a sentinel built
// from NewKind, by comparing Kind rather than identity.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return other.Venue == "" && other.Kind == e.Kind
}

// NewKind builds a bare sentinel usable with errors.Is(err, venue.NewKind(ErrUnsupported)).
func NewKind(kind ErrKind) error {
	return &Error{Kind: kind}
}

// Wrap builds a venue error of the given kind, wrapping the underlying cause.
func Wrap(venueName string, kind ErrKind, message string, err error) error {
	return &Error{Kind: kind, Venue: venueName, Message: message, Err: err}
}

// Exchange builds an Error carrying the exchange's own error code, as
// reported verbatim by the venue's API.
func Exchange(venueName, code, message string) error {
	return &Error{Kind: ErrExchange, Venue: venueName, Code: code, Message: message}
}

// Adapter is the uniform capability set every venue integration provides.
type Adapter interface {
	Name() string

	FetchFundingRates(ctx context.Context) ([]FundingObservation, error)
	GetFundingRate(ctx context.Context, symbol string) (decimal.Decimal, error)
	GetAvgFundingRate(ctx context.Context, symbol string, since time.Time) (decimal.Decimal, error)
	GetMarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error)

	GetPositions(ctx context.Context) (map[string]Position, error)
	GetTotalBalance(ctx context.Context) (decimal.Decimal, error)
	GetAvailableBalance(ctx context.Context) (decimal.Decimal, error)

	CreateMarketOrder(ctx context.Context, symbol string, side Side, qty decimal.Decimal) (OrderRef, error)
	ClosePosition(ctx context.Context, symbol string, side Side, qty decimal.Decimal) (OrderRef, error)

	TransferTo(ctx context.Context, other Adapter, amount decimal.Decimal, asset string) error

	SubscribeStream(ctx context.Context, callback func(StreamEvent)) error
}

// Package hyperliquid realizes venue.Adapter against Hyperliquid's REST
// info/exchange endpoints and WebSocket feed. Order and transfer actions are
// EIP-712/msgpack signed exactly as the reference hl-carry-bot signer did;
// read paths go through the info endpoint and are parsed straight from the
// exchange's string-encoded numbers into decimal.Decimal.
package hyperliquid

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"hedge-engine/internal/decimalx"
	"hedge-engine/internal/venue"
	"hedge-engine/internal/venue/hyperliquid/rest"
	"hedge-engine/internal/venue/hyperliquid/signing"
	"hedge-engine/internal/venue/wsclient"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const defaultBaseURL = "https://api.hyperliquid.xyz"

type Adapter struct {
	name string
	rest *rest.Client
	ex   *signing.Client
	ws   *wsclient.Client
	log  *zap.Logger
	user string

	mu          sync.RWMutex
	assetIDs    map[string]int
	szDecimals  map[string]int
	fundingHist map[string][]venue.FundingObservation
}

// Config is the venue-specific connection configuration; credentials are
// supplied out of band via environment variables in the way app wiring
// expects (see internal/config), never embedded in YAML.
type Config struct {
	Name          string
	BaseURL       string
	WSURL         string
	Timeout       time.Duration
	PingInterval  time.Duration
	PrivateKeyHex string
	WalletAddress string
	VaultAddress  string
	IsMainnet     bool
}

func New(cfg Config, log *zap.Logger) (*Adapter, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	restClient := rest.New(cfg.Name, cfg.BaseURL, cfg.Timeout, log)
	var exClient *signing.Client
	if strings.TrimSpace(cfg.PrivateKeyHex) != "" {
		signer, err := signing.NewSigner(cfg.Name, cfg.PrivateKeyHex, cfg.IsMainnet)
		if err != nil {
			return nil, err
		}
		client, err := signing.NewClient(cfg.Name, cfg.BaseURL, cfg.Timeout, signer, cfg.VaultAddress)
		if err != nil {
			return nil, err
		}
		client.SetLogger(log)
		exClient = client
	}
	var wsc *wsclient.Client
	if cfg.WSURL != "" {
		wsc = wsclient.New(cfg.WSURL, cfg.PingInterval, log)
	}
	return &Adapter{
		name:        cfg.Name,
		rest:        restClient,
		ex:          exClient,
		ws:          wsc,
		log:         log,
		user:        cfg.WalletAddress,
		assetIDs:    make(map[string]int),
		szDecimals:  make(map[string]int),
		fundingHist: make(map[string][]venue.FundingObservation),
	}, nil
}

func (a *Adapter) Name() string { return a.name }

func (a *Adapter) FetchFundingRates(ctx context.Context) ([]venue.FundingObservation, error) {
	payload, err := a.rest.InfoAny(ctx, rest.InfoRequest{Type: "metaAndAssetCtxs"})
	if err != nil {
		return nil, venue.Wrap(a.name, venue.ErrNetwork, "fetch funding rates", err)
	}
	entries, ok := payload.([]any)
	if !ok || len(entries) < 2 {
		return nil, venue.Wrap(a.name, venue.ErrExchange, "unexpected metaAndAssetCtxs shape", nil)
	}
	universe := assetUniverse(entries[0])
	ctxs, ok := entries[1].([]any)
	if !ok {
		return nil, venue.Wrap(a.name, venue.ErrExchange, "unexpected asset context shape", nil)
	}
	now := time.Now().UTC()
	observations := make([]venue.FundingObservation, 0, len(ctxs))
	a.mu.Lock()
	for i, raw := range ctxs {
		if i >= len(universe) {
			break
		}
		symbol := universe[i]
		row, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		rate, err := decimalx.ParseExchange(stringField(row, "funding"))
		if err != nil {
			continue
		}
		obs := venue.FundingObservation{
			Venue:      a.name,
			Symbol:     symbol,
			Rate:       rate,
			ObservedAt: now,
		}
		observations = append(observations, obs)
		a.assetIDs[symbol] = i
		a.fundingHist[symbol] = appendBounded(a.fundingHist[symbol], obs, 4096)
	}
	a.mu.Unlock()
	return observations, nil
}

func (a *Adapter) GetFundingRate(ctx context.Context, symbol string) (decimal.Decimal, error) {
	observations, err := a.FetchFundingRates(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	for _, obs := range observations {
		if obs.Symbol == symbol {
			return obs.Rate, nil
		}
	}
	return decimal.Zero, venue.Wrap(a.name, venue.ErrBadSymbol, symbol, nil)
}

func (a *Adapter) GetAvgFundingRate(ctx context.Context, symbol string, since time.Time) (decimal.Decimal, error) {
	a.mu.RLock()
	history := append([]venue.FundingObservation(nil), a.fundingHist[symbol]...)
	a.mu.RUnlock()
	var rates []decimal.Decimal
	for _, obs := range history {
		if !obs.ObservedAt.Before(since) {
			rates = append(rates, obs.Rate)
		}
	}
	return decimalx.Mean(rates), nil
}

func (a *Adapter) GetMarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	payload, err := a.rest.InfoAny(ctx, rest.InfoRequest{Type: "allMids"})
	if err != nil {
		return decimal.Zero, venue.Wrap(a.name, venue.ErrNetwork, "fetch mark price", err)
	}
	mids, ok := payload.(map[string]any)
	if !ok {
		return decimal.Zero, venue.Wrap(a.name, venue.ErrExchange, "unexpected allMids shape", nil)
	}
	raw, ok := mids[symbol]
	if !ok {
		return decimal.Zero, venue.Wrap(a.name, venue.ErrBadSymbol, symbol, nil)
	}
	price, err := decimalx.ParseExchange(fmt.Sprint(raw))
	if err != nil {
		return decimal.Zero, venue.Wrap(a.name, venue.ErrExchange, "invalid mid price", err)
	}
	return price, nil
}

func (a *Adapter) GetPositions(ctx context.Context) (map[string]venue.Position, error) {
	payload, err := a.rest.Info(ctx, rest.InfoRequest{Type: "clearinghouseState", User: a.user})
	if err != nil {
		return nil, venue.Wrap(a.name, venue.ErrNetwork, "fetch positions", err)
	}
	assetPositions, _ := payload["assetPositions"].([]any)
	positions := make(map[string]venue.Position)
	for _, raw := range assetPositions {
		entry, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		pos, ok := entry["position"].(map[string]any)
		if !ok {
			continue
		}
		symbol := stringField(pos, "coin")
		size, err := decimalx.ParseExchange(stringField(pos, "szi"))
		if err != nil || size.IsZero() {
			continue
		}
		side := venue.SideBuy
		if size.IsNegative() {
			side = venue.SideSell
			size = size.Abs()
		}
		entryPx, _ := decimalx.ParseExchange(stringField(pos, "entryPx"))
		unrealized, _ := decimalx.ParseExchange(stringField(pos, "unrealizedPnl"))
		positions[symbol] = venue.Position{
			Symbol:        symbol,
			Side:          side,
			Size:          size,
			EntryPrice:    entryPx,
			UnrealizedPnl: unrealized,
		}
	}
	return positions, nil
}

func (a *Adapter) GetTotalBalance(ctx context.Context) (decimal.Decimal, error) {
	payload, err := a.rest.Info(ctx, rest.InfoRequest{Type: "clearinghouseState", User: a.user})
	if err != nil {
		return decimal.Zero, venue.Wrap(a.name, venue.ErrNetwork, "fetch balance", err)
	}
	summary, _ := payload["marginSummary"].(map[string]any)
	value, err := decimalx.ParseExchange(stringField(summary, "accountValue"))
	if err != nil {
		return decimal.Zero, venue.Wrap(a.name, venue.ErrExchange, "invalid account value", err)
	}
	return value, nil
}

func (a *Adapter) GetAvailableBalance(ctx context.Context) (decimal.Decimal, error) {
	payload, err := a.rest.Info(ctx, rest.InfoRequest{Type: "clearinghouseState", User: a.user})
	if err != nil {
		return decimal.Zero, venue.Wrap(a.name, venue.ErrNetwork, "fetch available balance", err)
	}
	summary, _ := payload["marginSummary"].(map[string]any)
	total, _ := decimalx.ParseExchange(stringField(summary, "accountValue"))
	used, _ := decimalx.ParseExchange(stringField(summary, "totalMarginUsed"))
	available := total.Sub(used)
	if available.IsNegative() {
		available = decimal.Zero
	}
	return available, nil
}

func (a *Adapter) CreateMarketOrder(ctx context.Context, symbol string, side venue.Side, qty decimal.Decimal) (venue.OrderRef, error) {
	if a.ex == nil {
		return venue.OrderRef{}, venue.Wrap(a.name, venue.ErrAuthFailed, "no signer configured", nil)
	}
	assetID, ok := a.lookupAssetID(symbol)
	if !ok {
		return venue.OrderRef{}, venue.Wrap(a.name, venue.ErrBadSymbol, symbol, nil)
	}
	price, err := a.GetMarkPrice(ctx, symbol)
	if err != nil {
		return venue.OrderRef{}, err
	}
	limit := aggressiveLimit(price, side)
	wire, err := signing.LimitOrderWire(assetID, side == venue.SideBuy, qty.InexactFloat64(), limit.InexactFloat64(), false, signing.TifIoc, clientOrderID("mkt"))
	if err != nil {
		return venue.OrderRef{}, venue.Wrap(a.name, venue.ErrInternal, "encode order", err)
	}
	resp, err := a.ex.PlaceOrder(ctx, wire)
	if err != nil {
		return venue.OrderRef{}, venue.Wrap(a.name, venue.ErrExchange, "place order", err)
	}
	orderID := signing.OrderIDFromResponse(resp)
	if orderID == "" {
		return venue.OrderRef{}, venue.Wrap(a.name, venue.ErrExchange, "missing order id in response", nil)
	}
	return venue.OrderRef{OrderID: orderID, Symbol: symbol, Side: side, ExecutedQty: qty, AvgPrice: price}, nil
}

func (a *Adapter) ClosePosition(ctx context.Context, symbol string, side venue.Side, qty decimal.Decimal) (venue.OrderRef, error) {
	if qty.IsZero() {
		positions, err := a.GetPositions(ctx)
		if err != nil {
			return venue.OrderRef{}, err
		}
		pos, ok := positions[symbol]
		if !ok {
			return venue.OrderRef{}, venue.Wrap(a.name, venue.ErrNotFound, symbol, nil)
		}
		qty = pos.Size
		side = pos.Side.Opposite()
	}
	return a.CreateMarketOrder(ctx, symbol, side, qty)
}

func (a *Adapter) TransferTo(ctx context.Context, other venue.Adapter, amount decimal.Decimal, asset string) error {
	if a.ex == nil {
		return venue.Wrap(a.name, venue.ErrAuthFailed, "no signer configured", nil)
	}
	if other.Name() != a.name {
		return venue.Wrap(a.name, venue.ErrUnsupported, "cross-adapter transfer requires off-venue withdrawal, not implemented", nil)
	}
	if _, err := a.ex.USDClassTransfer(ctx, amount.InexactFloat64(), true); err != nil {
		return venue.Wrap(a.name, venue.ErrExchange, "usd class transfer", err)
	}
	return nil
}

func (a *Adapter) SubscribeStream(ctx context.Context, callback func(venue.StreamEvent)) error {
	if a.ws == nil {
		return venue.Wrap(a.name, venue.ErrUnsupported, "no ws endpoint configured", nil)
	}
	if err := a.ws.Subscribe(ctx, map[string]any{"method": "subscribe", "subscription": map[string]any{"type": "allMids"}}); err != nil {
		return venue.Wrap(a.name, venue.ErrNetwork, "subscribe allMids", err)
	}
	if a.user != "" {
		if err := a.ws.Subscribe(ctx, map[string]any{"method": "subscribe", "subscription": map[string]any{"type": "webData2", "user": a.user}}); err != nil {
			return venue.Wrap(a.name, venue.ErrNetwork, "subscribe webData2", err)
		}
	}
	return a.ws.Run(ctx, func(raw json.RawMessage) {
		a.dispatchStreamMessage(raw, callback)
	})
}

func (a *Adapter) dispatchStreamMessage(raw json.RawMessage, callback func(venue.StreamEvent)) {
	var envelope struct {
		Channel string          `json:"channel"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return
	}
	now := time.Now().UTC()
	switch envelope.Channel {
	case "allMids":
		var mids struct {
			Mids map[string]string `json:"mids"`
		}
		if err := json.Unmarshal(envelope.Data, &mids); err != nil {
			return
		}
		for symbol, raw := range mids.Mids {
			price, err := decimalx.ParseExchange(raw)
			if err != nil {
				continue
			}
			callback(venue.StreamEvent{Kind: venue.StreamTicker, Symbol: symbol, Price: price, ObservedAt: now})
		}
	case "webData2":
		var data struct {
			ClearinghouseState struct {
				AssetPositions []struct {
					Position struct {
						Coin string `json:"coin"`
						Szi  string `json:"szi"`
					} `json:"position"`
				} `json:"assetPositions"`
			} `json:"clearinghouseState"`
		}
		if err := json.Unmarshal(envelope.Data, &data); err != nil {
			return
		}
		for _, ap := range data.ClearinghouseState.AssetPositions {
			size, err := decimalx.ParseExchange(ap.Position.Szi)
			if err != nil {
				continue
			}
			side := venue.SideBuy
			if size.IsNegative() {
				side = venue.SideSell
				size = size.Abs()
			}
			callback(venue.StreamEvent{
				Kind:       venue.StreamPosition,
				Symbol:     ap.Position.Coin,
				Position:   venue.Position{Symbol: ap.Position.Coin, Side: side, Size: size},
				ObservedAt: now,
			})
		}
	}
}

func (a *Adapter) lookupAssetID(symbol string) (int, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	id, ok := a.assetIDs[symbol]
	return id, ok
}

// InitNonceStore wires the exchange client's nonce persistence, preserved
// from the original signer so restarts do not reuse nonces.
func (a *Adapter) InitNonceStore(ctx context.Context, store signing.NonceStore) error {
	if a.ex == nil {
		return nil
	}
	return a.ex.InitNonceStore(ctx, store)
}

func assetUniverse(raw any) []string {
	meta, ok := raw.(map[string]any)
	if !ok {
		return nil
	}
	universe, ok := meta["universe"].([]any)
	if !ok {
		return nil
	}
	symbols := make([]string, 0, len(universe))
	for _, entry := range universe {
		row, ok := entry.(map[string]any)
		if !ok {
			symbols = append(symbols, "")
			continue
		}
		symbols = append(symbols, stringField(row, "name"))
	}
	return symbols
}

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	switch v := m[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return ""
	}
}

func appendBounded(history []venue.FundingObservation, obs venue.FundingObservation, cap int) []venue.FundingObservation {
	history = append(history, obs)
	if len(history) > cap {
		history = history[len(history)-cap:]
	}
	return history
}

// aggressiveLimit derives an IOC limit price 30 bps (0.3%) through the mark
// price so the market order can cross the book immediately.
func aggressiveLimit(mark decimal.Decimal, side venue.Side) decimal.Decimal {
	slippage := decimal.NewFromFloat(0.003)
	if side == venue.SideBuy {
		return mark.Mul(decimal.NewFromInt(1).Add(slippage))
	}
	return mark.Mul(decimal.NewFromInt(1).Sub(slippage))
}

func clientOrderID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}

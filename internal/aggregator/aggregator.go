// Package aggregator drives the engine's two inputs of market data: a
// periodic REST poll across every configured venue, and each venue's push
// stream. Both paths write through to the market store and hand the
// observation to the detector; a failing venue on a poll tick never blocks
// or cancels the others.
package aggregator

import (
	"context"
	"time"

	"hedge-engine/internal/events"
	"hedge-engine/internal/fanout"
	"hedge-engine/internal/marketstore"
	"hedge-engine/internal/venue"

	"go.uber.org/zap"
)

// Handler is notified of every fresh observation, stream or poll-derived,
// after it has been written through to the store. The detector is the
// primary consumer.
type Handler func(observation venue.FundingObservation, previousValue venue.FundingObservation, hadPrevious bool)

// PriceHandler is notified of every fresh mark-price tick, stream or
// poll-derived, after it has been written through to the store. The
// detector's extreme-event surge/crash/volatility checks are the consumer.
type PriceHandler func(symbol string, price float64)

type Config struct {
	PollInterval time.Duration
}

const defaultPollInterval = 30 * time.Second

type Aggregator struct {
	cfg          Config
	venues       []venue.Adapter
	store        *marketstore.Store
	bus          *events.Bus
	log          *zap.Logger
	handler      Handler
	priceHandler PriceHandler
}

func New(cfg Config, venues []venue.Adapter, store *marketstore.Store, bus *events.Bus, log *zap.Logger, handler Handler, priceHandler PriceHandler) *Aggregator {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	return &Aggregator{cfg: cfg, venues: venues, store: store, bus: bus, log: log, handler: handler, priceHandler: priceHandler}
}

// Run blocks until ctx is canceled, driving both the periodic poll loop and
// each venue's stream subscription concurrently.
func (a *Aggregator) Run(ctx context.Context) error {
	for _, v := range a.venues {
		v := v
		go a.runStream(ctx, v)
	}

	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()

	a.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.poll(ctx)
		}
	}
}

func (a *Aggregator) poll(ctx context.Context) {
	timeout := a.cfg.PollInterval / 2
	tasks := make([]fanout.Task, len(a.venues))
	for i, v := range a.venues {
		v := v
		tasks[i] = fanout.Task{
			Name: v.Name(),
			Run: func(taskCtx context.Context) error {
				callCtx, cancel := context.WithTimeout(taskCtx, timeout)
				defer cancel()
				observations, err := v.FetchFundingRates(callCtx)
				if err != nil {
					return err
				}
				for _, obs := range observations {
					a.ingest(obs)
					a.pollMarkPrice(callCtx, v, obs.Symbol)
				}
				return nil
			},
		}
	}

	for _, result := range fanout.All(ctx, tasks) {
		if result.Err != nil {
			a.log.Warn("aggregator: poll failed", zap.String("venue", result.Name), zap.Error(result.Err))
			a.bus.Publish(events.KindFetchFailed, FetchFailedPayload{Venue: result.Name, Err: result.Err})
		}
	}
}

func (a *Aggregator) runStream(ctx context.Context, v venue.Adapter) {
	err := v.SubscribeStream(ctx, func(evt venue.StreamEvent) {
		a.handleStreamEvent(v.Name(), evt)
	})
	if err != nil && ctx.Err() == nil {
		a.log.Warn("aggregator: stream ended", zap.String("venue", v.Name()), zap.Error(err))
		a.bus.Publish(events.KindFetchFailed, FetchFailedPayload{Venue: v.Name(), Err: err})
	}
}

func (a *Aggregator) handleStreamEvent(venueName string, evt venue.StreamEvent) {
	switch evt.Kind {
	case venue.StreamFunding:
		a.ingest(venue.FundingObservation{
			Venue:      venueName,
			Symbol:     evt.Symbol,
			Rate:       evt.Rate,
			ObservedAt: evt.ObservedAt,
		})
	case venue.StreamTicker:
		a.store.PutQuote(venue.MarketQuote{
			Venue:      venueName,
			Symbol:     evt.Symbol,
			MarkPrice:  evt.Price,
			ObservedAt: evt.ObservedAt,
		})
		if a.priceHandler != nil {
			a.priceHandler(evt.Symbol, evt.Price.InexactFloat64())
		}
	case venue.StreamPosition:
		// Cached for observability only; the risk engine polls GetPositions
		// directly rather than reading this push-derived snapshot.
		a.store.PutPosition(venueName, evt.Position)
	}
}

// pollMarkPrice refreshes the mark-price quote and feeds the price handler
// for one symbol. poll calls it for every funding observation of every
// venue, whether or not that venue also streams tickers. A failure here
// is logged and otherwise ignored; it never fails the funding-rate poll it
// rode in on.
func (a *Aggregator) pollMarkPrice(ctx context.Context, v venue.Adapter, symbol string) {
	price, err := v.GetMarkPrice(ctx, symbol)
	if err != nil {
		a.log.Warn("aggregator: mark price poll failed", zap.String("venue", v.Name()), zap.String("symbol", symbol), zap.Error(err))
		return
	}
	a.store.PutQuote(venue.MarketQuote{Venue: v.Name(), Symbol: symbol, MarkPrice: price, ObservedAt: time.Now().UTC()})
	if a.priceHandler != nil {
		a.priceHandler(symbol, price.InexactFloat64())
	}
}

func (a *Aggregator) ingest(obs venue.FundingObservation) {
	previous, had := a.store.PutFunding(obs)
	if a.handler != nil {
		a.handler(obs, previous, had)
	}
}

// FetchFailedPayload is published whenever a venue call fails during a poll
// or its stream subscription ends in error.
type FetchFailedPayload struct {
	Venue string
	Err   error
}

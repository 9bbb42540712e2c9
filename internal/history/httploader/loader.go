// Package httploader preloads the market store with recent funding history
// from a REST endpoint at startup, so the detector and hedge monitor have
// something to compare against before the first poll cycle completes. Per
// spec.md §6 this collaborator is optional and its failure is tolerated:
// callers log and continue with an empty store rather than treating it as
// fatal.
package httploader

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"hedge-engine/internal/decimalx"
	"hedge-engine/internal/venue"

	"go.uber.org/zap"
)

type record struct {
	Venue    string  `json:"venue"`
	Symbol   string  `json:"symbol"`
	Rate     string  `json:"rate"`
	RateF    float64 `json:"rate_float"`
	Time     int64   `json:"timestamp"`
	NextTime int64   `json:"next_time"`
}

type Loader struct {
	endpoint string
	client   *http.Client
	log      *zap.Logger
}

func New(endpoint string, log *zap.Logger) *Loader {
	return &Loader{endpoint: endpoint, client: &http.Client{Timeout: 15 * time.Second}, log: log}
}

// Load fetches `[{venue, symbol, rate, timestamp, next_time}, ...]` and
// returns the parsed observations. A non-nil error means the caller should
// proceed with whatever (possibly empty) history it already has.
func (l *Loader) Load(ctx context.Context) ([]venue.FundingObservation, error) {
	if l.endpoint == "" {
		return nil, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("history preload failed: http %d: %s", resp.StatusCode, body)
	}

	var records []record
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return nil, err
	}

	observations := make([]venue.FundingObservation, 0, len(records))
	for _, r := range records {
		raw := r.Rate
		if raw == "" {
			raw = fmt.Sprintf("%v", r.RateF)
		}
		rate, err := decimalx.ParseExchange(raw)
		if err != nil {
			l.log.Warn("history: skipping record with unparsable rate", zap.String("venue", r.Venue), zap.String("symbol", r.Symbol), zap.Error(err))
			continue
		}
		observations = append(observations, venue.FundingObservation{
			Venue:           r.Venue,
			Symbol:          r.Symbol,
			Rate:            rate,
			ObservedAt:      time.UnixMilli(r.Time).UTC(),
			NextFundingTime: time.UnixMilli(r.NextTime).UTC(),
		})
	}
	return observations, nil
}

// Preload loads history and writes it straight into store, logging (never
// returning) any failure so a broken preload endpoint never blocks startup.
func Preload(ctx context.Context, endpoint string, store interface {
	PutFunding(obs venue.FundingObservation) (venue.FundingObservation, bool)
}, log *zap.Logger) {
	if endpoint == "" {
		return
	}
	loader := New(endpoint, log)
	observations, err := loader.Load(ctx)
	if err != nil {
		log.Warn("history: preload failed, starting with an empty store", zap.Error(err))
		return
	}
	for _, obs := range observations {
		store.PutFunding(obs)
	}
	log.Info("history: preload complete", zap.Int("observations", len(observations)))
}

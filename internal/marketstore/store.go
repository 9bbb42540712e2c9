// Package marketstore holds the engine's single in-memory view of what
// every venue last reported: latest funding rate, latest mark price, and a
// bounded funding history per (venue, symbol). The aggregator writes it and
// the startup history preload seeds funding rows; everything else reads
// point-in-time snapshots.
package marketstore

import (
	"sync"

	"hedge-engine/internal/venue"
)

const defaultHistoryCap = 200

type key struct {
	venue  string
	symbol string
}

// Store is safe for concurrent use. Writes come from the aggregator and the
// startup history preload; reads come from the detector and hedge manager.
type Store struct {
	historyCap int

	mu        sync.RWMutex
	funding   map[key]venue.FundingObservation
	quotes    map[key]venue.MarketQuote
	positions map[key]venue.Position
	history   map[key][]venue.FundingObservation
}

func New(historyCap int) *Store {
	if historyCap <= 0 {
		historyCap = defaultHistoryCap
	}
	return &Store{
		historyCap: historyCap,
		funding:    make(map[key]venue.FundingObservation),
		quotes:     make(map[key]venue.MarketQuote),
		positions:  make(map[key]venue.Position),
		history:    make(map[key][]venue.FundingObservation),
	}
}

// PutFunding overwrites the latest slot for (venue, symbol), appends to the
// bounded history (oldest evicted past cap), and returns the previous
// latest value plus whether one existed — callers use that to suppress
// duplicate downstream processing.
func (s *Store) PutFunding(obs venue.FundingObservation) (venue.FundingObservation, bool) {
	k := key{venue: obs.Venue, symbol: obs.Symbol}
	s.mu.Lock()
	defer s.mu.Unlock()

	previous, had := s.funding[k]
	s.funding[k] = obs

	hist := append(s.history[k], obs)
	if len(hist) > s.historyCap {
		hist = hist[len(hist)-s.historyCap:]
	}
	s.history[k] = hist

	return previous, had
}

// PutQuote overwrites the latest mark price for (venue, symbol).
func (s *Store) PutQuote(quote venue.MarketQuote) {
	k := key{venue: quote.Venue, symbol: quote.Symbol}
	s.mu.Lock()
	s.quotes[k] = quote
	s.mu.Unlock()
}

// LatestFunding returns the most recent funding observation for
// (venueName, symbol), if any.
func (s *Store) LatestFunding(venueName, symbol string) (venue.FundingObservation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obs, ok := s.funding[key{venue: venueName, symbol: symbol}]
	return obs, ok
}

// PutPosition overwrites the latest pushed position for (venueName, symbol).
// This is a push-derived cache for observability; the risk engine polls
// GetPositions directly and does not read from it.
func (s *Store) PutPosition(venueName string, p venue.Position) {
	k := key{venue: venueName, symbol: p.Symbol}
	s.mu.Lock()
	s.positions[k] = p
	s.mu.Unlock()
}

// Positions returns a snapshot of every pushed position currently cached,
// keyed by venue name.
func (s *Store) Positions() map[string][]venue.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]venue.Position)
	for k, p := range s.positions {
		out[k.venue] = append(out[k.venue], p)
	}
	return out
}

// LatestQuote returns the most recent mark price for (venueName, symbol), if any.
func (s *Store) LatestQuote(venueName, symbol string) (venue.MarketQuote, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	quote, ok := s.quotes[key{venue: venueName, symbol: symbol}]
	return quote, ok
}

// History returns a copy of the bounded funding history for (venueName, symbol).
func (s *Store) History(venueName, symbol string) []venue.FundingObservation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	hist := s.history[key{venue: venueName, symbol: symbol}]
	out := make([]venue.FundingObservation, len(hist))
	copy(out, hist)
	return out
}

// LatestBySymbol returns, for every venue currently holding data for
// symbol, that venue's latest funding observation — the per-symbol
// cross-section the arbitrage scan reads from.
func (s *Store) LatestBySymbol(symbol string) map[string]venue.FundingObservation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]venue.FundingObservation)
	for k, obs := range s.funding {
		if k.symbol == symbol {
			out[k.venue] = obs
		}
	}
	return out
}

// Venues returns the set of venue names currently holding any funding data.
func (s *Store) Venues() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]bool)
	var out []string
	for k := range s.funding {
		if !seen[k.venue] {
			seen[k.venue] = true
			out = append(out, k.venue)
		}
	}
	return out
}

// SymbolsForVenue returns every symbol with funding data recorded for venueName.
func (s *Store) SymbolsForVenue(venueName string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for k := range s.funding {
		if k.venue == venueName {
			out = append(out, k.symbol)
		}
	}
	return out
}

// CommonSymbols returns the intersection of symbol sets across every venue
// currently present in the store. Fewer than two venues yields an empty set.
func (s *Store) CommonSymbols() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	perVenue := make(map[string]map[string]bool)
	for k := range s.funding {
		if perVenue[k.venue] == nil {
			perVenue[k.venue] = make(map[string]bool)
		}
		perVenue[k.venue][k.symbol] = true
	}
	if len(perVenue) < 2 {
		return nil
	}

	var counts map[string]int
	counts = make(map[string]int)
	for _, symbols := range perVenue {
		for sym := range symbols {
			counts[sym]++
		}
	}
	var common []string
	for sym, n := range counts {
		if n == len(perVenue) {
			common = append(common, sym)
		}
	}
	return common
}

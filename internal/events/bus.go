// Package events is the typed publish-subscribe bus every component uses to
// tell the rest of the engine what happened, instead of calling each other
// directly. Subscribers choose a kind and a buffer size; Publish never
// blocks the caller for non-critical kinds: a full buffer loses its oldest
// event without a log, and a warning is logged only if the new event still
// does not fit.
package events

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Kind identifies the payload shape carried by an Event.
type Kind string

const (
	KindAlert             Kind = "alert"
	KindArbitrage         Kind = "arbitrage"
	KindExtremeEvent      Kind = "extreme_event"
	KindHedgeOpened       Kind = "hedge_opened"
	KindHedgeClosed       Kind = "hedge_closed"
	KindHedgeFailed       Kind = "hedge_failed"
	KindHedgeCloseFailed  Kind = "hedge_close_failed"
	KindRiskExceeded      Kind = "risk_exceeded"
	KindStateChange       Kind = "state_change"
	KindDailyPnl          Kind = "daily_pnl"
	KindEmergencyShutdown Kind = "emergency_shutdown"
	KindFetchFailed       Kind = "fetch_failed"
)

// criticalKinds never drop-oldest; the bus blocks up to fairnessTimeout for
// room in the subscriber's buffer, and only then drops the event with an
// error log.
var criticalKinds = map[Kind]bool{
	KindHedgeOpened:       true,
	KindHedgeClosed:       true,
	KindHedgeFailed:       true,
	KindHedgeCloseFailed:  true,
	KindEmergencyShutdown: true,
}

// fairnessTimeout bounds how long a blocking publish of a critical event
// waits for a slow subscriber before giving up and logging the drop.
const fairnessTimeout = 2 * time.Second

// Event is the envelope delivered to every subscriber of its Kind.
type Event struct {
	Kind      Kind
	Payload   any
	Timestamp time.Time
}

type subscriber struct {
	id int
	ch chan Event
}

// Bus is safe for concurrent use by any number of publishers and subscribers.
type Bus struct {
	log *zap.Logger

	mu       sync.RWMutex
	subs     map[Kind][]*subscriber
	nextID   int
}

func New(log *zap.Logger) *Bus {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bus{log: log, subs: make(map[Kind][]*subscriber)}
}

// Subscribe registers a new listener for kind with a channel buffered to
// bufSize. The returned func unsubscribes and closes the channel.
func (b *Bus) Subscribe(kind Kind, bufSize int) (<-chan Event, func()) {
	if bufSize <= 0 {
		bufSize = 1
	}
	b.mu.Lock()
	b.nextID++
	sub := &subscriber{id: b.nextID, ch: make(chan Event, bufSize)}
	b.subs[kind] = append(b.subs[kind], sub)
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		list := b.subs[kind]
		for i, s := range list {
			if s.id == sub.id {
				b.subs[kind] = append(list[:i], list[i+1:]...)
				break
			}
		}
		b.mu.Unlock()
		close(sub.ch)
	}
	return sub.ch, unsubscribe
}

// Publish fans payload out to every subscriber of kind. Non-critical kinds
// drop-oldest on a full buffer so a stalled subscriber never backs up the
// engine; critical kinds (hedge lifecycle transitions, emergency shutdown)
// block up to fairnessTimeout per subscriber and log if that still isn't
// enough.
func (b *Bus) Publish(kind Kind, payload any) {
	event := Event{Kind: kind, Payload: payload, Timestamp: time.Now().UTC()}

	b.mu.RLock()
	subs := append([]*subscriber(nil), b.subs[kind]...)
	b.mu.RUnlock()

	critical := criticalKinds[kind]
	for _, sub := range subs {
		if critical {
			b.publishCritical(sub, event)
			continue
		}
		b.publishBestEffort(sub, event)
	}
}

func (b *Bus) publishBestEffort(sub *subscriber, event Event) {
	select {
	case sub.ch <- event:
		return
	default:
	}
	// Drop the oldest queued event to make room rather than blocking the
	// publisher or the rest of the fan-out.
	select {
	case <-sub.ch:
	default:
	}
	select {
	case sub.ch <- event:
	default:
		b.log.Warn("events: dropped event on full buffer", zap.String("kind", string(event.Kind)), zap.Int("subscriber", sub.id))
	}
}

func (b *Bus) publishCritical(sub *subscriber, event Event) {
	timer := time.NewTimer(fairnessTimeout)
	defer timer.Stop()
	select {
	case sub.ch <- event:
	case <-timer.C:
		b.log.Error("events: critical event publish timed out", zap.String("kind", string(event.Kind)), zap.Int("subscriber", sub.id))
	}
}

package events

import (
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestSubscribePublishDelivers(t *testing.T) {
	bus := New(zap.NewNop())
	ch, unsubscribe := bus.Subscribe(KindAlert, 4)
	defer unsubscribe()

	bus.Publish(KindAlert, "warning: BTC funding above threshold")

	select {
	case evt := <-ch:
		if evt.Kind != KindAlert {
			t.Fatalf("expected KindAlert, got %v", evt.Kind)
		}
		if evt.Payload != "warning: BTC funding above threshold" {
			t.Fatalf("unexpected payload: %v", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublishDropsOldestOnFullNonCriticalBuffer(t *testing.T) {
	bus := New(zap.NewNop())
	ch, unsubscribe := bus.Subscribe(KindExtremeEvent, 1)
	defer unsubscribe()

	bus.Publish(KindExtremeEvent, "first")
	bus.Publish(KindExtremeEvent, "second")

	select {
	case evt := <-ch:
		if evt.Payload != "second" {
			t.Fatalf("expected drop-oldest to keep latest payload, got %v", evt.Payload)
		}
	default:
		t.Fatal("expected buffered event")
	}
}

func TestCriticalPublishDelivers(t *testing.T) {
	bus := New(zap.NewNop())
	ch, unsubscribe := bus.Subscribe(KindHedgeOpened, 1)
	defer unsubscribe()

	bus.Publish(KindHedgeOpened, "hedge-1")

	select {
	case evt := <-ch:
		if evt.Payload != "hedge-1" {
			t.Fatalf("unexpected payload: %v", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for critical event")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := New(zap.NewNop())
	ch, unsubscribe := bus.Subscribe(KindAlert, 1)
	unsubscribe()

	bus.Publish(KindAlert, "should not be delivered")

	select {
	case _, open := <-ch:
		if open {
			t.Fatal("expected channel to be closed after unsubscribe")
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("expected closed channel to return immediately")
	}
}

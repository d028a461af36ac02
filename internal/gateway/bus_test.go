package gateway

import (
	"encoding/json"
	"testing"
)

func TestBusDeliversToAllSubscribers(t *testing.T) {
	b := newBus()
	var got []string
	b.subscribe("READY", func(d json.RawMessage) { got = append(got, "a") })
	b.subscribe("READY", func(d json.RawMessage) { got = append(got, "b") })
	b.subscribe("OTHER", func(d json.RawMessage) { got = append(got, "x") })

	b.emit("READY", nil)
	if len(got) != 2 {
		t.Fatalf("delivered to %d handlers, want 2: %v", len(got), got)
	}
}

func TestBusEmitWithoutSubscribersIsNoop(t *testing.T) {
	b := newBus()
	b.emit("READY", nil) // must not panic
}

func TestBusUnsubscribeStopsDelivery(t *testing.T) {
	b := newBus()
	calls := 0
	unsub := b.subscribe("READY", func(d json.RawMessage) { calls++ })

	b.emit("READY", nil)
	unsub()
	b.emit("READY", nil)
	unsub() // second call is a no-op
	b.emit("READY", nil)

	if calls != 1 {
		t.Fatalf("handler invoked %d times, want 1", calls)
	}
}

func TestBusUnsubscribeRemovesOnlyOwnRegistration(t *testing.T) {
	b := newBus()
	var aCalls, bCalls int
	unsubA := b.subscribe("READY", func(d json.RawMessage) { aCalls++ })
	b.subscribe("READY", func(d json.RawMessage) { bCalls++ })

	unsubA()
	unsubA()
	b.emit("READY", nil)

	if aCalls != 0 || bCalls != 1 {
		t.Fatalf("aCalls=%d bCalls=%d, want 0 and 1", aCalls, bCalls)
	}
}

func TestBusPanickingHandlerDoesNotBlockOthers(t *testing.T) {
	b := newBus()
	survived := false
	b.subscribe("READY", func(d json.RawMessage) { panic("boom") })
	b.subscribe("READY", func(d json.RawMessage) { survived = true })

	b.emit("READY", nil)
	if !survived {
		t.Fatal("second handler never ran after first panicked")
	}
}

func TestBusSubscribeFromInsideHandler(t *testing.T) {
	b := newBus()
	lateCalls := 0
	b.subscribe("READY", func(d json.RawMessage) {
		b.subscribe("LATE", func(d json.RawMessage) { lateCalls++ })
	})

	b.emit("READY", nil)
	b.emit("LATE", nil)
	if lateCalls != 1 {
		t.Fatalf("late handler invoked %d times, want 1", lateCalls)
	}
}

func TestBusUnsubscribeFromInsideHandler(t *testing.T) {
	b := newBus()
	var unsub func()
	calls := 0
	unsub = b.subscribe("READY", func(d json.RawMessage) {
		calls++
		unsub()
	})

	b.emit("READY", nil)
	b.emit("READY", nil)
	if calls != 1 {
		t.Fatalf("self-unsubscribing handler invoked %d times, want 1", calls)
	}
}

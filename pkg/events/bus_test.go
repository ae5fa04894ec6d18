// Copyright 2025 Webb Technologies
//
// Event bus tests.

package events

import (
	"testing"
	"time"
)

func drain(t *testing.T, c <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-c:
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event arrived")
		return Event{}
	}
}

func TestPublishReachesSubscribers(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(4)
	defer sub.Unsubscribe()

	bus.Publish(KindTxQueue, "payload")
	ev := drain(t, sub.C)
	if ev.Kind != KindTxQueue || ev.Data != "payload" {
		t.Errorf("event = %+v", ev)
	}
}

func TestKindFiltering(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(4, KindLeavesStore)
	defer sub.Unsubscribe()

	bus.Publish(KindTxQueue, "ignored")
	bus.Publish(KindLeavesStore, "wanted")

	ev := drain(t, sub.C)
	if ev.Kind != KindLeavesStore {
		t.Errorf("filter leaked kind %s", ev.Kind)
	}
	select {
	case extra := <-sub.C:
		t.Errorf("unexpected second event: %+v", extra)
	default:
	}
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(1)
	defer sub.Unsubscribe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			bus.Publish(KindError, i)
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(1)
	sub.Unsubscribe()

	if _, ok := <-sub.C; ok {
		t.Error("channel still open after unsubscribe")
	}
	// Publishing after unsubscribe must not panic.
	bus.Publish(KindError, "late")
}

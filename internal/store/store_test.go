package store

import (
	"context"
	"testing"
	"time"
)

func TestHubBroadcast(t *testing.T) {
	h := NewHub()
	defer h.Close()

	ch, cancel := h.Subscribe(context.Background())
	defer cancel()

	h.Broadcast(ChangeEvent{Type: EventPut, ID: "a"})
	select {
	case ev := <-ch:
		if ev.Type != EventPut || ev.ID != "a" {
			t.Errorf("got %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestHubCancelClosesChannel(t *testing.T) {
	h := NewHub()
	defer h.Close()

	ch, cancel := h.Subscribe(context.Background())
	cancel()
	cancel() // idempotent

	if _, ok := <-ch; ok {
		t.Error("channel should be closed after cancel")
	}

	// Broadcasting after cancel must not panic or deliver.
	h.Broadcast(ChangeEvent{Type: EventDelete, ID: "a"})
}

func TestHubContextCancelClosesChannel(t *testing.T) {
	h := NewHub()
	defer h.Close()

	ctx, stop := context.WithCancel(context.Background())
	ch, _ := h.Subscribe(ctx)
	stop()

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("expected closed channel, got event")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after context cancel")
	}
}

func TestHubDropsSlowSubscriber(t *testing.T) {
	h := NewHub()
	defer h.Close()

	slow, _ := h.Subscribe(context.Background())

	// Fill the buffer without draining, then one more to evict.
	for i := 0; i <= subscriberBuffer; i++ {
		h.Broadcast(ChangeEvent{Type: EventPut, ID: "r"})
	}

	// The buffered events are still readable, then the channel closes.
	drained := 0
	for range slow {
		drained++
	}
	if drained != subscriberBuffer {
		t.Errorf("slow subscriber drained %d buffered events, want %d", drained, subscriberBuffer)
	}

	// A new subscriber is unaffected by the eviction.
	fresh, cancel := h.Subscribe(context.Background())
	defer cancel()
	h.Broadcast(ChangeEvent{Type: EventDelete, ID: "r"})
	select {
	case ev := <-fresh:
		if ev.Type != EventDelete {
			t.Errorf("got %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("fresh subscriber got no event")
	}
}

func TestHubClose(t *testing.T) {
	h := NewHub()
	ch, _ := h.Subscribe(context.Background())
	h.Close()

	if _, ok := <-ch; ok {
		t.Error("channel should be closed after hub close")
	}

	// Subscriptions after close get an already-closed channel.
	ch2, cancel2 := h.Subscribe(context.Background())
	if _, ok := <-ch2; ok {
		t.Error("post-close subscription should be closed")
	}
	cancel2()
}

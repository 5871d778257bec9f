package events

import (
	"sync"
	"testing"
	"time"
)

func recv(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e, ok := <-ch:
		if !ok {
			t.Fatal("channel closed")
		}
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestNilBus(t *testing.T) {
	var b *Bus
	b.Publish(Event{Source: SourceAgent, Kind: KindExchangeStart})
	b.Emit(SourceAgent, KindToolCall, nil)
	b.Unsubscribe(nil)
	b.Close()
	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount() = %d, want 0", got)
	}
	if got := b.Dropped(); got != 0 {
		t.Errorf("Dropped() = %d, want 0", got)
	}
	if _, ok := <-b.Subscribe(1); ok {
		t.Error("Subscribe on nil bus should return a closed channel")
	}
}

func TestEmitStampsTimestamp(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b := New()
	b.now = func() time.Time { return fixed }
	ch := b.Subscribe(4)
	defer b.Unsubscribe(ch)

	b.Emit(SourceAgent, KindExchangeStart, map[string]any{"exchange_id": "ex-1"})

	got := recv(t, ch)
	if !got.Timestamp.Equal(fixed) {
		t.Errorf("Timestamp = %v, want %v", got.Timestamp, fixed)
	}
	if got.Source != SourceAgent || got.Kind != KindExchangeStart {
		t.Errorf("got %s/%s", got.Source, got.Kind)
	}
	if id, _ := got.Data["exchange_id"].(string); id != "ex-1" {
		t.Errorf("exchange_id = %v, want ex-1", got.Data["exchange_id"])
	}
}

func TestPublishFansOut(t *testing.T) {
	b := New()
	var chans []<-chan Event
	for range 4 {
		chans = append(chans, b.Subscribe(2))
	}
	b.Publish(Event{Source: SourceMCP, Kind: KindServerEvicted})
	for i, ch := range chans {
		if got := recv(t, ch); got.Kind != KindServerEvicted {
			t.Errorf("subscriber %d got %q", i, got.Kind)
		}
	}
}

func TestFullSubscriberDrops(t *testing.T) {
	b := New()
	ch := b.Subscribe(1)
	defer b.Unsubscribe(ch)

	b.Publish(Event{Kind: "first"})
	b.Publish(Event{Kind: "second"})

	if got := recv(t, ch); got.Kind != "first" {
		t.Errorf("got %q, want first", got.Kind)
	}
	select {
	case e := <-ch:
		t.Errorf("unexpected event %v", e)
	default:
	}
	if got := b.Dropped(); got != 1 {
		t.Errorf("Dropped() = %d, want 1", got)
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	a := b.Subscribe(1)
	c := b.Subscribe(1)
	if got := b.SubscriberCount(); got != 2 {
		t.Fatalf("SubscriberCount() = %d, want 2", got)
	}

	b.Unsubscribe(a)
	b.Unsubscribe(a)
	if _, ok := <-a; ok {
		t.Error("unsubscribed channel still open")
	}
	if got := b.SubscriberCount(); got != 1 {
		t.Errorf("SubscriberCount() = %d, want 1", got)
	}

	b.Publish(Event{Kind: KindToolDone})
	if got := recv(t, c); got.Kind != KindToolDone {
		t.Errorf("got %q", got.Kind)
	}
}

func TestCloseClosesSubscribers(t *testing.T) {
	b := New()
	a := b.Subscribe(1)
	c := b.Subscribe(1)
	b.Close()
	b.Close()

	for _, ch := range []<-chan Event{a, c} {
		if _, ok := <-ch; ok {
			t.Error("channel open after Close")
		}
	}
	if _, ok := <-b.Subscribe(1); ok {
		t.Error("Subscribe after Close should return a closed channel")
	}
	// Unsubscribing a channel Close already released is a no-op.
	b.Unsubscribe(a)
	b.Publish(Event{Kind: KindExchangeComplete})
}

func TestConcurrentPublish(t *testing.T) {
	b := New()
	ch := b.Subscribe(16)

	var drained sync.WaitGroup
	drained.Add(1)
	go func() {
		defer drained.Done()
		for range ch {
		}
	}()

	var pubs sync.WaitGroup
	for i := range 8 {
		pubs.Add(1)
		go func() {
			defer pubs.Done()
			for j := range 50 {
				b.Emit(SourceAgent, KindToolCall, map[string]any{"publisher": i, "seq": j})
			}
		}()
	}
	pubs.Wait()
	b.Unsubscribe(ch)
	drained.Wait()
}

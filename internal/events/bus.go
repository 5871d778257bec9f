// Package events is a small broadcast bus for exchange lifecycle
// notifications. The agent loop and the MCP bridge publish; the
// WebSocket bridge and the CLI subscribe. A nil *Bus accepts every
// call and does nothing, so publishers never need a guard.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Sources.
const (
	// SourceAgent is the conversation loop.
	SourceAgent = "agent"
	// SourceMCP is the MCP connection pool and tool bridge.
	SourceMCP = "mcp"
	// SourceBridge is the WebSocket bridge.
	SourceBridge = "bridge"
)

// Kinds. The Data keys each kind carries are listed beside it.
const (
	// KindExchangeStart: exchange_id, model, route ("llm" or "mcp").
	KindExchangeStart = "exchange_start"
	// KindToolCall: exchange_id, tool, round.
	KindToolCall = "tool_call"
	// KindToolDone: exchange_id, tool, ok, duration_ms.
	KindToolDone = "tool_done"
	// KindExchangeComplete: exchange_id, model, rounds, elapsed_ms.
	KindExchangeComplete = "exchange_complete"
	// KindExchangeFailed: exchange_id, error.
	KindExchangeFailed = "exchange_failed"
	// KindExchangeCancelled: exchange_id.
	KindExchangeCancelled = "exchange_cancelled"
	// KindServerEvicted: server, reason.
	KindServerEvicted = "server_evicted"
	// KindServerReady: server.
	KindServerReady = "server_ready"
	// KindServerDown: server, error.
	KindServerDown = "server_down"
	// KindClientConnected: remote, clients.
	KindClientConnected = "client_connected"
	// KindClientDisconnected: remote, clients.
	KindClientDisconnected = "client_disconnected"
)

// Event is one published notification.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus fans events out to buffered subscriber channels. Publishing never
// blocks; a subscriber whose buffer is full misses the event.
type Bus struct {
	mu      sync.RWMutex
	subs    map[<-chan Event]chan Event
	closed  bool
	dropped atomic.Int64
	now     func() time.Time
}

// New returns an empty bus.
func New() *Bus {
	return &Bus{
		subs: make(map[<-chan Event]chan Event),
		now:  time.Now,
	}
}

// Publish delivers e to every subscriber.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Emit stamps and publishes an event built from its parts.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	if b == nil {
		return
	}
	b.Publish(Event{Timestamp: b.now(), Source: source, Kind: kind, Data: data})
}

// Subscribe registers a new subscriber with the given buffer size. The
// returned channel is closed by Unsubscribe or Close. Subscribing to a
// nil or closed bus yields an already closed channel.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	if b == nil {
		close(ch)
		return ch
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subs[ch] = ch
	return ch
}

// Unsubscribe removes and closes a subscription. Unknown channels are
// ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	send, ok := b.subs[ch]
	if !ok {
		return
	}
	delete(b.subs, ch)
	close(send)
}

// Close closes every subscription and rejects later subscribers.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for recv, send := range b.subs {
		delete(b.subs, recv)
		close(send)
	}
}

// SubscriberCount reports the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped reports how many deliveries were skipped because a
// subscriber's buffer was full.
func (b *Bus) Dropped() int64 {
	if b == nil {
		return 0
	}
	return b.dropped.Load()
}

package web

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/parley/internal/agent"
	"github.com/nugget/parley/internal/buildinfo"
	"github.com/nugget/parley/internal/events"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	// maxFrame allows image attachments as data URIs.
	maxFrame   = 16 << 20
	sendBuffer = 256
)

// Frame types.
const (
	FrameHello   = "hello"
	FrameEvent   = "event"
	FrameBus     = "bus"
	FrameStarted = "started"
	FrameError   = "error"

	FrameSend   = "send"
	FrameCancel = "cancel"
)

// Controller is the part of agent.Loop the bridge drives.
type Controller interface {
	Start(ctx context.Context, req agent.Request) (string, error)
	Cancel()
}

// Frame is one WebSocket message in either direction.
type Frame struct {
	Type       string        `json:"type"`
	Kind       string        `json:"kind,omitempty"`
	ExchangeID string        `json:"exchange_id,omitempty"`
	Text       string        `json:"text,omitempty"`
	Tools      []string      `json:"tools,omitempty"`
	Error      string        `json:"error,omitempty"`
	Event      *events.Event `json:"event,omitempty"`

	// Inbound send fields.
	Model  string   `json:"model,omitempty"`
	Prompt string   `json:"prompt,omitempty"`
	Images []string `json:"images,omitempty"`
}

// Bridge connects WebSocket clients to the conversation loop. It is the
// loop's agent.Sink and fans every exchange event out to all clients,
// together with lifecycle events from the bus.
type Bridge struct {
	bus      *events.Bus
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	ctl     Controller
	ctx     context.Context
	clients map[*client]struct{}
}

type client struct {
	conn   *websocket.Conn
	send   chan []byte
	remote string
	once   sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.send) })
}

// NewBridge creates a bridge. Attach must be called before clients can
// start exchanges.
func NewBridge(bus *events.Bus, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		bus:     bus,
		logger:  logger,
		clients: make(map[*client]struct{}),
		ctx:     context.Background(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

// Attach sets the controller that inbound frames drive. Exchanges are
// started under ctx so they outlive the frame that began them.
func (b *Bridge) Attach(ctx context.Context, ctl Controller) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ctl = ctl
	b.ctx = ctx
}

// Deliver implements agent.Sink.
func (b *Bridge) Deliver(e agent.Event) {
	f := Frame{
		Type:       FrameEvent,
		Kind:       e.Kind.String(),
		ExchangeID: e.ExchangeID,
		Text:       e.Text,
		Tools:      e.Tools,
	}
	if e.Err != nil {
		f.Error = e.Err.Error()
	}
	b.broadcast(f)
}

// Run forwards bus events to clients until ctx ends.
func (b *Bridge) Run(ctx context.Context) {
	ch := b.bus.Subscribe(64)
	defer b.bus.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if e.Source == events.SourceBridge {
				continue
			}
			b.broadcast(Frame{Type: FrameBus, Kind: e.Kind, Event: &e})
		}
	}
}

// Clients returns the number of connected clients.
func (b *Bridge) Clients() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// Close disconnects every client.
func (b *Bridge) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.clients {
		delete(b.clients, c)
		c.close()
	}
}

// broadcast queues f for every client. A client too slow to keep up is
// disconnected rather than allowed to block the loop.
func (b *Bridge) broadcast(f Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		b.logger.Error("encode frame", "error", err)
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.clients {
		select {
		case c.send <- data:
		default:
			b.logger.Warn("websocket client too slow, disconnecting", "remote", c.remote)
			delete(b.clients, c)
			c.close()
		}
	}
}

// ServeHTTP upgrades the request and serves one client.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	c := &client{conn: conn, send: make(chan []byte, sendBuffer), remote: r.RemoteAddr}

	b.mu.Lock()
	b.clients[c] = struct{}{}
	n := len(b.clients)
	b.mu.Unlock()

	b.logger.Info("websocket client connected", "remote", c.remote, "clients", n)
	b.bus.Emit(events.SourceBridge, events.KindClientConnected, map[string]any{"remote": c.remote, "clients": n})

	b.reply(c, Frame{Type: FrameHello, Text: buildinfo.Version})
	go b.writePump(c)
	b.readPump(c)
}

func (b *Bridge) remove(c *client) {
	b.mu.Lock()
	_, ok := b.clients[c]
	delete(b.clients, c)
	n := len(b.clients)
	b.mu.Unlock()
	c.close()
	if ok {
		b.logger.Info("websocket client disconnected", "remote", c.remote, "clients", n)
		b.bus.Emit(events.SourceBridge, events.KindClientDisconnected, map[string]any{"remote": c.remote, "clients": n})
	}
}

// reply queues f for one client only.
func (b *Bridge) reply(c *client, f Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.clients[c]; !ok {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (b *Bridge) readPump(c *client) {
	defer func() {
		b.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxFrame)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var f Frame
		if err := c.conn.ReadJSON(&f); err != nil {
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				b.reply(c, Frame{Type: FrameError, Error: "malformed frame: " + err.Error()})
				continue
			}
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				b.logger.Debug("websocket read ended", "remote", c.remote, "error", err)
			}
			return
		}
		b.handle(c, f)
	}
}

func (b *Bridge) handle(c *client, f Frame) {
	b.mu.Lock()
	ctl, ctx := b.ctl, b.ctx
	b.mu.Unlock()

	if ctl == nil {
		b.reply(c, Frame{Type: FrameError, Error: "no conversation loop attached"})
		return
	}

	switch f.Type {
	case FrameSend:
		id, err := ctl.Start(ctx, agent.Request{
			Model:  f.Model,
			Prompt: f.Prompt,
			Text:   f.Text,
			Images: f.Images,
		})
		if err != nil {
			b.reply(c, Frame{Type: FrameError, Error: err.Error()})
			return
		}
		b.reply(c, Frame{Type: FrameStarted, ExchangeID: id})
	case FrameCancel:
		ctl.Cancel()
	default:
		b.reply(c, Frame{Type: FrameError, Error: "unknown frame type " + f.Type})
	}
}

func (b *Bridge) writePump(c *client) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nugget/parley/internal/config"
)

// DefaultInitTimeout bounds one server's initialize handshake.
const DefaultInitTimeout = 30 * time.Second

// Dialer builds the transport for one server definition.
type Dialer func(cfg config.MCPServerConfig, logger *slog.Logger) (Transport, error)

// DialTransport is the default Dialer. It builds a stdio or HTTP
// transport according to cfg.Transport.
func DialTransport(cfg config.MCPServerConfig, logger *slog.Logger) (Transport, error) {
	switch cfg.Transport {
	case config.TransportStdio, "":
		if cfg.Command == "" {
			return nil, fmt.Errorf("%w: server %q has no command", ErrNotConfigured, cfg.Name)
		}
		return NewStdioTransport(StdioConfig{
			Command: cfg.Command,
			Args:    cfg.Args,
			Env:     cfg.EnvList(),
			Logger:  logger,
		}), nil
	case config.TransportHTTP:
		return NewHTTPTransport(HTTPConfig{
			URL:      cfg.URL,
			Headers:  cfg.Headers,
			TokenEnv: cfg.TokenEnv,
			Logger:   logger,
		})
	default:
		return nil, fmt.Errorf("%w: server %q has unknown transport %q", ErrNotConfigured, cfg.Name, cfg.Transport)
	}
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithDialer replaces the transport constructor.
func WithDialer(d Dialer) PoolOption {
	return func(p *Pool) { p.dial = d }
}

// WithInitTimeout bounds each server's initialize handshake.
func WithInitTimeout(d time.Duration) PoolOption {
	return func(p *Pool) { p.initTimeout = d }
}

// Pool keeps one initialized stdio client per server name. HTTP servers
// are stateless and bypass pooling.
type Pool struct {
	servers     map[string]config.MCPServerConfig
	logger      *slog.Logger
	dial        Dialer
	initTimeout time.Duration

	group singleflight.Group

	mu      sync.Mutex
	clients map[string]*Client
	closed  bool
}

// NewPool creates a pool over the given server definitions. Nothing is
// started until a client is requested.
func NewPool(servers []config.MCPServerConfig, logger *slog.Logger, opts ...PoolOption) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		servers:     make(map[string]config.MCPServerConfig, len(servers)),
		logger:      logger,
		dial:        DialTransport,
		initTimeout: DefaultInitTimeout,
		clients:     make(map[string]*Client),
	}
	for _, s := range servers {
		p.servers[s.Name] = s
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Server returns the definition for name.
func (p *Pool) Server(name string) (config.MCPServerConfig, bool) {
	s, ok := p.servers[name]
	return s, ok
}

// ActiveServers returns the active server definitions sorted by name.
func (p *Pool) ActiveServers() []config.MCPServerConfig {
	var out []config.MCPServerConfig
	for _, s := range p.servers {
		if s.Active {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Client returns a ready client for the named server.
//
// For stdio servers the pooled client is returned, connecting and
// initializing it on first use. Concurrent first callers share a single
// initialize; a failed initialize is not cached. The handshake runs
// detached from ctx so one caller giving up does not fail the others,
// but each caller stops waiting when its own ctx ends.
//
// For HTTP servers a fresh, uninitialized client is returned on every
// call.
func (p *Pool) Client(ctx context.Context, name string) (*Client, error) {
	cfg, ok := p.servers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotConfigured, name)
	}

	logger := p.logger.With("mcp_server", name)

	if cfg.Transport == config.TransportHTTP {
		t, err := p.dial(cfg, logger)
		if err != nil {
			return nil, err
		}
		return NewClient(name, t, p.logger), nil
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrConnectionTerminated
	}
	if c, ok := p.clients[name]; ok {
		p.mu.Unlock()
		return c, nil
	}
	p.mu.Unlock()

	ch := p.group.DoChan(name, func() (any, error) {
		p.mu.Lock()
		if c, ok := p.clients[name]; ok {
			p.mu.Unlock()
			return c, nil
		}
		p.mu.Unlock()

		initCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.initTimeout)
		defer cancel()

		t, err := p.dial(cfg, logger)
		if err != nil {
			return nil, err
		}
		c := NewClient(name, t, p.logger)
		if err := c.Initialize(initCtx); err != nil {
			_ = c.Close()
			return nil, err
		}

		p.mu.Lock()
		defer p.mu.Unlock()
		if p.closed {
			_ = c.Close()
			return nil, ErrConnectionTerminated
		}
		p.clients[name] = c
		return c, nil
	})

	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, fmt.Errorf("connect %s: %w", name, r.Err)
		}
		return r.Val.(*Client), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Probe checks that name is answering. A stdio server is connected if
// needed and pinged. An HTTP server gets a fresh initialize handshake,
// since pinging an uninitialized session is not guaranteed to work.
func (p *Pool) Probe(ctx context.Context, name string) error {
	c, err := p.Client(ctx, name)
	if err != nil {
		return err
	}
	if p.servers[name].Transport == config.TransportHTTP {
		defer func() { _ = c.Close() }()
		return c.Initialize(ctx)
	}
	return c.Ping(ctx)
}

// Evict closes and forgets the pooled client for name so the next
// Client call reconnects.
func (p *Pool) Evict(name string) {
	p.mu.Lock()
	c, ok := p.clients[name]
	delete(p.clients, name)
	p.mu.Unlock()

	if ok {
		p.logger.Info("evicting MCP connection", "mcp_server", name)
		if err := c.Close(); err != nil {
			p.logger.Debug("MCP client close error", "mcp_server", name, "error", err)
		}
	}
}

// Close terminates every pooled connection and clears the pool. Later
// Client calls for stdio servers fail with ErrConnectionTerminated.
func (p *Pool) Close() error {
	p.mu.Lock()
	clients := p.clients
	p.clients = make(map[string]*Client)
	p.closed = true
	p.mu.Unlock()

	var errs []error
	for name, c := range clients {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

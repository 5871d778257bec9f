// Package connwatch watches the health of MCP tool servers while the
// bridge is running.
//
// A Watcher probes one server in a loop. While the server answers it is
// probed every PollInterval. After a failure the delay backs off from
// InitialDelay, doubling up to MaxDelay, so a crashed server is noticed
// quickly and a dead one is not hammered. Each ready/down transition is
// reported through OnChange.
package connwatch

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ProbeFunc checks whether a server is reachable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// Backoff controls probe timing.
type Backoff struct {
	InitialDelay time.Duration // first retry after a failure
	MaxDelay     time.Duration // ceiling for retry growth
	PollInterval time.Duration // interval while healthy
	ProbeTimeout time.Duration // limit for a single probe
}

// DefaultBackoff retries at 2s, 4s, 8s ... 60s and polls healthy servers
// every 60s.
func DefaultBackoff() Backoff {
	return Backoff{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		PollInterval: 60 * time.Second,
		ProbeTimeout: 10 * time.Second,
	}
}

func (b Backoff) withDefaults() Backoff {
	d := DefaultBackoff()
	if b.InitialDelay <= 0 {
		b.InitialDelay = d.InitialDelay
	}
	if b.MaxDelay < b.InitialDelay {
		b.MaxDelay = max(d.MaxDelay, b.InitialDelay)
	}
	if b.PollInterval <= 0 {
		b.PollInterval = d.PollInterval
	}
	if b.ProbeTimeout <= 0 {
		b.ProbeTimeout = d.ProbeTimeout
	}
	return b
}

// Status is the health of one watched server, shaped for /health.
type Status struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	Failures  int       `json:"consecutive_failures,omitempty"`
	LastCheck time.Time `json:"last_check,omitzero"`
	LastError string    `json:"last_error,omitempty"`
}

// ChangeFunc is called on every ready/down transition, including the
// first probe result. err is nil when ready is true.
type ChangeFunc func(name string, ready bool, err error)

// Watcher monitors a single server.
type Watcher struct {
	name     string
	probe    ProbeFunc
	backoff  Backoff
	onChange ChangeFunc
	logger   *slog.Logger
	now      func() time.Time

	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	checked  bool
	ready    bool
	failures int
	last     time.Time
	lastErr  error
}

// Status returns the current health of the server.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := Status{
		Name:      w.name,
		Ready:     w.ready,
		Failures:  w.failures,
		LastCheck: w.last,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Stop cancels the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	for {
		delay := w.check(ctx)
		if ctx.Err() != nil {
			return
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// check runs one probe, records the outcome, and returns the delay
// before the next probe.
func (w *Watcher) check(ctx context.Context) time.Duration {
	probeCtx, cancel := context.WithTimeout(ctx, w.backoff.ProbeTimeout)
	err := w.probe(probeCtx)
	cancel()
	if ctx.Err() != nil {
		return 0
	}

	w.mu.Lock()
	first := !w.checked
	changed := first || w.ready != (err == nil)
	w.checked = true
	w.ready = err == nil
	w.last = w.now()
	w.lastErr = err
	if err != nil {
		w.failures++
	} else {
		w.failures = 0
	}
	failures := w.failures
	w.mu.Unlock()

	switch {
	case changed && err == nil:
		w.logger.Info("mcp server ready", "server", w.name)
	case changed:
		w.logger.Warn("mcp server unreachable", "server", w.name, "error", err)
	case err != nil:
		w.logger.Debug("mcp server still unreachable", "server", w.name, "failures", failures, "error", err)
	}
	if changed && w.onChange != nil {
		w.onChange(w.name, err == nil, err)
	}

	if err == nil {
		return w.backoff.PollInterval
	}
	delay := w.backoff.InitialDelay
	for i := 1; i < failures && delay < w.backoff.MaxDelay; i++ {
		delay *= 2
	}
	return min(delay, w.backoff.MaxDelay)
}

// Manager coordinates the watchers for all active servers.
type Manager struct {
	backoff  Backoff
	onChange ChangeFunc
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.RWMutex
	watchers map[string]*Watcher
}

// Option configures a Manager.
type Option func(*Manager)

// WithBackoff overrides the probe schedule. Zero fields keep defaults.
func WithBackoff(b Backoff) Option {
	return func(m *Manager) { m.backoff = b.withDefaults() }
}

// WithOnChange registers a transition callback. It runs on the watcher
// goroutine and must not block.
func WithOnChange(fn ChangeFunc) Option {
	return func(m *Manager) { m.onChange = fn }
}

// WithClock overrides the time source used for LastCheck.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a watch manager.
func NewManager(logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		backoff:  DefaultBackoff(),
		logger:   logger,
		now:      time.Now,
		watchers: make(map[string]*Watcher),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Watch starts probing name in the background until ctx is cancelled or
// Stop is called. Watching a name twice replaces the earlier watcher.
func (m *Manager) Watch(ctx context.Context, name string, probe ProbeFunc) *Watcher {
	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		name:     name,
		probe:    probe,
		backoff:  m.backoff,
		onChange: m.onChange,
		logger:   m.logger,
		now:      m.now,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	m.mu.Lock()
	prev := m.watchers[name]
	m.watchers[name] = w
	m.mu.Unlock()
	if prev != nil {
		prev.Stop()
	}

	go w.run(watchCtx)
	return w
}

// Status returns the health of every watched server, sorted by name.
func (m *Manager) Status() []Status {
	m.mu.RLock()
	out := make([]Status, 0, len(m.watchers))
	for _, w := range m.watchers {
		out = append(out, w.Status())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Stop shuts down all watchers and waits for them to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	watchers := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.watchers = make(map[string]*Watcher)
	m.mu.Unlock()

	for _, w := range watchers {
		w.Stop()
	}
}

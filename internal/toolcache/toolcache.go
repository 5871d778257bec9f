// Package toolcache persists the tool definitions fetched from MCP
// servers so the registry can describe them without reconnecting at
// every startup.
package toolcache

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/nugget/parley/internal/mcp"
)

// FileName is the cache file name inside the data directory.
const FileName = "tool_cache.json"

// Entry is the cached tool list for one server.
type Entry struct {
	LastUpdated time.Time            `json:"lastUpdated"`
	Tools       []mcp.ToolDefinition `json:"tools"`
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock sets the time source used for LastUpdated.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

// Cache is a JSON file keyed by server name. Every Update rewrites the
// whole file atomically. Cache is safe for concurrent use.
type Cache struct {
	path   string
	now    func() time.Time
	logger *slog.Logger

	mu      sync.RWMutex
	entries map[string]Entry
}

// Open loads the cache at path. A missing file yields an empty cache.
// A corrupt file is logged and treated as empty; it is replaced on the
// next Update.
func Open(path string, opts ...Option) (*Cache, error) {
	c := &Cache{
		path:    path,
		now:     time.Now,
		logger:  slog.Default(),
		entries: make(map[string]Entry),
	}
	for _, o := range opts {
		o(c)
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return c, nil
	case err != nil:
		return nil, fmt.Errorf("read tool cache: %w", err)
	}

	if err := json.Unmarshal(data, &c.entries); err != nil {
		c.logger.Warn("ignoring corrupt tool cache", "path", path, "error", err)
		c.entries = make(map[string]Entry)
		return c, nil
	}
	if c.entries == nil {
		c.entries = make(map[string]Entry)
	}

	c.logger.Debug("tool cache loaded", "path", path, "servers", len(c.entries))
	return c, nil
}

// Path returns the backing file path.
func (c *Cache) Path() string {
	return c.path
}

// Entry returns the cached entry for server.
func (c *Cache) Entry(server string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[server]
	return e, ok
}

// Tools returns the cached tool definitions for server. It implements
// mcp.DescriptionSource.
func (c *Cache) Tools(server string) ([]mcp.ToolDefinition, bool) {
	e, ok := c.Entry(server)
	return e.Tools, ok
}

// Servers returns the cached server names in sorted order.
func (c *Cache) Servers() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.entries))
	for name := range c.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Update replaces the tools recorded for server, stamps the entry with
// the current time, and rewrites the file.
func (c *Cache) Update(server string, tools []mcp.ToolDefinition) error {
	if tools == nil {
		tools = []mcp.ToolDefinition{}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// The new entry is committed only after the file is written, so a
	// failed write leaves memory matching disk.
	next := make(map[string]Entry, len(c.entries)+1)
	for name, e := range c.entries {
		next[name] = e
	}
	next[server] = Entry{LastUpdated: c.now().UTC(), Tools: tools}
	if err := c.save(next); err != nil {
		return err
	}
	c.entries = next
	c.logger.Debug("tool cache updated", "mcp_server", server, "tools", len(tools))
	return nil
}

// save writes entries to a temp file in the same directory and renames
// it into place. Caller must hold c.mu.
func (c *Cache) save(entries map[string]Entry) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal tool cache: %w", err)
	}

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create cache directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tool_cache-*.json")
	if err != nil {
		return fmt.Errorf("create temp cache file: %w", err)
	}
	defer os.Remove(tmp.Name()) // no-op after a successful rename

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp cache file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp cache file: %w", err)
	}
	if err := os.Rename(tmp.Name(), c.path); err != nil {
		return fmt.Errorf("replace tool cache: %w", err)
	}
	return nil
}

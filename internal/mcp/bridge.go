package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"

	"github.com/nugget/parley/internal/tools"
)

// toolNameRe matches names the chat-completion APIs accept for functions.
var toolNameRe = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

// DescriptionSource supplies previously fetched tool definitions.
type DescriptionSource interface {
	Tools(server string) ([]ToolDefinition, bool)
}

// DescriptionStore is a DescriptionSource that can be updated.
type DescriptionStore interface {
	DescriptionSource
	Update(server string, tools []ToolDefinition) error
}

// BridgeConfigured registers one registry entry per tool declared by
// each active server. Descriptions and schemas come from descs when it
// has them; otherwise the tool advertises a permissive object schema.
// A server that declares no tools contributes every cached tool.
//
// Tool names that collide with an existing registry entry, or that the
// chat APIs would reject, are skipped. BridgeConfigured returns the
// number of tools registered.
func BridgeConfigured(registry *tools.Registry, pool *Pool, descs DescriptionSource, logger *slog.Logger) int {
	if logger == nil {
		logger = slog.Default()
	}

	count := 0
	for _, srv := range pool.ActiveServers() {
		var cached map[string]ToolDefinition
		if descs != nil {
			if defs, ok := descs.Tools(srv.Name); ok {
				cached = make(map[string]ToolDefinition, len(defs))
				for _, d := range defs {
					cached[d.Name] = d
				}
			}
		}

		names := srv.Tools
		if len(names) == 0 {
			for name := range cached {
				names = append(names, name)
			}
			sort.Strings(names)
		}

		for _, name := range names {
			if !toolNameRe.MatchString(name) {
				logger.Warn("skipping MCP tool with unusable name", "mcp_server", srv.Name, "tool", name)
				continue
			}
			if existing := registry.Get(name); existing != nil {
				logger.Warn("skipping MCP tool that shadows a registered tool",
					"mcp_server", srv.Name,
					"tool", name,
					"owner", existing.Server,
				)
				continue
			}

			td, ok := cached[name]
			if !ok {
				td = ToolDefinition{Name: name}
			}
			registry.Register(bridgeTool(pool, srv.Name, td))
			count++

			logger.Debug("bridged MCP tool",
				"tool", name,
				"mcp_server", srv.Name,
				"cached", ok,
			)
		}
	}
	return count
}

// bridgeTool creates a registry tool that proxies calls to an MCP server.
func bridgeTool(pool *Pool, server string, td ToolDefinition) *tools.Tool {
	mcpName := td.Name

	desc := td.Description
	if desc == "" {
		desc = fmt.Sprintf("Tool %s provided by MCP server %s.", mcpName, server)
	}
	params := td.InputSchema
	if params == nil {
		params = map[string]any{
			"type":                 "object",
			"properties":           map[string]any{},
			"additionalProperties": true,
		}
	}

	return &tools.Tool{
		Name:        mcpName,
		Description: desc,
		Parameters:  params,
		Server:      server,
		RawHandler: func(ctx context.Context, argsJSON string) (string, error) {
			args, err := ArgumentsFromJSON(argsJSON)
			if err != nil {
				return "", err
			}

			client, err := pool.Client(ctx, server)
			if err != nil {
				return "", err
			}

			res, err := client.CallTool(ctx, mcpName, args)
			if err != nil {
				if errors.Is(err, ErrConnectionTerminated) {
					pool.Evict(server)
				}
				return "", err
			}

			text := res.Text()
			if res.IsError {
				return "", &tools.ToolError{Text: text}
			}
			return text, nil
		},
	}
}

// RefreshToolCache fetches tools/list from every active server and
// records the result in store. Failures for one server do not stop the
// others; they are joined into the returned error.
func RefreshToolCache(ctx context.Context, pool *Pool, store DescriptionStore, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	var errs []error
	for _, srv := range pool.ActiveServers() {
		defs, err := listServerTools(ctx, pool, srv.Name)
		if err != nil {
			logger.Warn("tool refresh failed", "mcp_server", srv.Name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", srv.Name, err))
			continue
		}
		if err := store.Update(srv.Name, defs); err != nil {
			errs = append(errs, fmt.Errorf("%s: update cache: %w", srv.Name, err))
			continue
		}
		logger.Info("tool cache refreshed", "mcp_server", srv.Name, "tools", len(defs))
	}
	return errors.Join(errs...)
}

func listServerTools(ctx context.Context, pool *Pool, name string) ([]ToolDefinition, error) {
	client, err := pool.Client(ctx, name)
	if err != nil {
		return nil, err
	}
	if !client.Initialized() {
		// HTTP clients are handed out fresh.
		if err := client.Initialize(ctx); err != nil {
			return nil, err
		}
	}
	defs, err := client.ListTools(ctx)
	if errors.Is(err, ErrConnectionTerminated) {
		pool.Evict(name)
	}
	return defs, err
}

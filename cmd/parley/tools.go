package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/nugget/parley/internal/mcp"
)

// runTools lists the tool registry. With -refresh it first re-queries
// tools/list on every active MCP server and rewrites the tool cache.
func runTools(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath, outputFmt string, args []string) error {
	fs := flag.NewFlagSet("tools", flag.ContinueOnError)
	fs.SetOutput(stderr)
	refresh := fs.Bool("refresh", false, "re-query MCP servers and update the tool cache")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger, err := newLogger(stderr, cfg)
	if err != nil {
		return err
	}
	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	if *refresh {
		refreshErr := mcp.RefreshToolCache(ctx, a.pool, a.cache, logger)
		if refreshErr != nil {
			logger.Warn("tool cache refresh incomplete", "error", refreshErr)
		}
		a.buildRegistry()
		if refreshErr != nil && outputFmt != "json" {
			fmt.Fprintf(stderr, "warning: %v\n", refreshErr)
		}
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(a.registry.List())
	}

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSOURCE\tDESCRIPTION")
	for _, name := range a.registry.Names() {
		t := a.registry.Get(name)
		source := "builtin"
		if t.Server != "" {
			source = "mcp:" + t.Server
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", t.Name, source, t.Description)
	}
	return tw.Flush()
}

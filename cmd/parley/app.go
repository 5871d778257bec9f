package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/nugget/parley/internal/agent"
	"github.com/nugget/parley/internal/config"
	"github.com/nugget/parley/internal/events"
	"github.com/nugget/parley/internal/llm"
	"github.com/nugget/parley/internal/mcp"
	"github.com/nugget/parley/internal/prompts"
	"github.com/nugget/parley/internal/toolcache"
	"github.com/nugget/parley/internal/tools"
	"github.com/nugget/parley/internal/transcript"
)

// app holds the long-lived components shared by the subcommands. Each
// has an explicit lifecycle: built by newApp, released by close.
type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	bus        *events.Bus
	llm        *llm.MultiClient
	pool       *mcp.Pool
	cache      *toolcache.Cache
	transcript *transcript.Store
	prompts    *prompts.Loader
	registry   *tools.Registry
}

// loadConfig locates and parses the YAML configuration file. An
// explicit path must exist; otherwise the default locations are
// searched.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

// newLogger builds the configured logger writing to w.
func newLogger(w io.Writer, cfg *config.Config) (*slog.Logger, error) {
	return config.NewLogger(w, cfg.LogLevel, cfg.LogFormat)
}

func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	cache, err := toolcache.Open(filepath.Join(cfg.DataDir, toolcache.FileName), toolcache.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("open tool cache: %w", err)
	}

	store, err := transcript.Open(filepath.Join(cfg.DataDir, transcript.FileName))
	if err != nil {
		return nil, fmt.Errorf("open transcript: %w", err)
	}

	multi, err := createLLMClient(cfg, logger)
	if err != nil {
		store.Close()
		return nil, err
	}

	a := &app{
		cfg:        cfg,
		logger:     logger,
		bus:        events.New(),
		llm:        multi,
		pool:       mcp.NewPool(cfg.MCPServers, logger),
		cache:      cache,
		transcript: store,
		prompts:    prompts.NewLoader(cfg.PromptsDir),
	}
	a.buildRegistry()
	return a, nil
}

// createLLMClient registers one streaming client per provider and maps
// every configured model to its provider.
func createLLMClient(cfg *config.Config, logger *slog.Logger) (*llm.MultiClient, error) {
	multi := llm.NewMultiClient()

	names := make([]string, 0, len(cfg.Providers))
	for name := range cfg.Providers {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		p := cfg.Providers[name]
		client, err := llm.NewOpenAIClient(llm.OpenAIConfig{
			Name:    name,
			BaseURL: p.BaseURL,
			APIKey:  p.APIKey,
			Proxy:   p.Proxy,
			Logger:  logger,
		})
		if err != nil {
			return nil, err
		}
		multi.AddProvider(name, client)
	}
	for _, m := range cfg.Models.Available {
		multi.AddModel(m.Name, m.Provider)
	}

	logger.Info("LLM client initialized", "default_model", cfg.Models.Default, "providers", len(names))
	return multi, nil
}

// buildRegistry (re)creates the tool registry from the built-ins and the
// active MCP servers' declared tools.
func (a *app) buildRegistry() {
	reg := tools.NewRegistry()
	reg.RegisterBuiltins(nil)
	bridged := mcp.BridgeConfigured(reg, a.pool, a.cache, a.logger)
	a.logger.Debug("tool registry built", "tools", reg.Len(), "mcp_tools", bridged)
	a.registry = reg
}

func (a *app) newLoop(sink agent.Sink) *agent.Loop {
	return agent.NewLoop(agent.Config{
		LLM:           a.llm,
		Pool:          a.pool,
		Registry:      a.registry,
		Prompts:       a.prompts,
		Transcript:    a.transcript,
		Descriptions:  a.cache,
		Sink:          sink,
		Bus:           a.bus,
		Logger:        a.logger,
		DefaultModel:  a.cfg.Models.Default,
		SystemPrompt:  a.cfg.Agent.SystemPrompt,
		MaxToolRounds: a.cfg.Agent.MaxToolRounds,
	})
}

func (a *app) close() error {
	a.bus.Close()
	return errors.Join(a.pool.Close(), a.transcript.Close())
}

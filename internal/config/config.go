// Package config handles Parley configuration loading.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvFileName is the optional secrets file read from the config's
// directory before ${VAR} expansion.
const EnvFileName = ".env"

// ErrModelNotConfigured is returned when a model name resolves to neither
// a configured provider model nor an active MCP server.
var ErrModelNotConfigured = errors.New("model not configured")

// Transport kinds for MCP servers.
const (
	TransportStdio = "stdio"
	TransportHTTP  = "http"
)

// DefaultMaxToolRounds bounds the function-calling feedback loop.
const DefaultMaxToolRounds = 20

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/parley/config.yaml, /etc/parley/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "parley", "config.yaml"))
	}

	paths = append(paths, "/etc/parley/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Parley configuration.
type Config struct {
	LogLevel   string                    `yaml:"log_level"`
	LogFormat  string                    `yaml:"log_format"` // text or json
	DataDir    string                    `yaml:"data_dir"`
	PromptsDir string                    `yaml:"prompts_dir"`
	Listen     ListenConfig              `yaml:"listen"`
	Models     ModelsConfig              `yaml:"models"`
	Providers  map[string]ProviderConfig `yaml:"providers"`
	MCPServers []MCPServerConfig         `yaml:"mcp_servers"`
	Agent      AgentConfig               `yaml:"agent"`
}

// ListenConfig defines the local WebSocket bridge the UI attaches to.
type ListenConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// ModelsConfig lists the chat models and the default selection.
type ModelsConfig struct {
	Default   string        `yaml:"default"`
	Available []ModelConfig `yaml:"available"`
}

// ModelConfig maps a model name to the provider that serves it.
type ModelConfig struct {
	Name     string `yaml:"name"`
	Provider string `yaml:"provider"`
}

// ProviderConfig describes one OpenAI-compatible endpoint.
type ProviderConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	// Proxy is an optional socks5://, http:// or https:// proxy URL.
	Proxy string `yaml:"proxy"`
}

// MCPServerConfig describes one MCP tool server. The core treats it as
// read-only input.
type MCPServerConfig struct {
	Name      string `yaml:"name"`
	Transport string `yaml:"transport"` // stdio or http

	// Stdio transport.
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`

	// HTTP transport.
	URL      string            `yaml:"url"`
	Headers  map[string]string `yaml:"headers"`
	TokenEnv string            `yaml:"token_env"`

	// Tools are the tool names this server declares. Each becomes a
	// registry entry.
	Tools []string `yaml:"tools"`

	// ChatTool names the tool used when this server is selected as the
	// chat model. Empty means auto-detect.
	ChatTool string `yaml:"chat_tool"`

	Active bool `yaml:"active"`
}

// EnvList renders Env as KEY=VALUE pairs for exec.Cmd.
func (s MCPServerConfig) EnvList() []string {
	if len(s.Env) == 0 {
		return nil
	}
	out := make([]string, 0, len(s.Env))
	for k, v := range s.Env {
		out = append(out, k+"="+v)
	}
	return out
}

// AgentConfig tunes the conversation loop.
type AgentConfig struct {
	MaxToolRounds int    `yaml:"max_tool_rounds"`
	SystemPrompt  string `yaml:"system_prompt"` // prompt file name
}

// Load reads configuration from a YAML file, expanding ${VAR}
// references from the environment first. A .env file beside the config
// adds variables; ones already set in the process environment win.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	envPath := filepath.Join(filepath.Dir(path), EnvFileName)
	if err := godotenv.Load(envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", envPath, err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills unset fields with their defaults.
func (c *Config) ApplyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "~/.local/share/parley"
	}
	c.DataDir = ExpandHome(c.DataDir)
	c.PromptsDir = ExpandHome(c.PromptsDir)
	if c.Listen.Address == "" {
		c.Listen.Address = "127.0.0.1"
	}
	if c.Listen.Port == 0 {
		c.Listen.Port = 8787
	}
	if c.Agent.MaxToolRounds <= 0 {
		c.Agent.MaxToolRounds = DefaultMaxToolRounds
	}
	for i := range c.MCPServers {
		if c.MCPServers[i].Transport == "" {
			c.MCPServers[i].Transport = TransportStdio
		}
	}
}

// Validate reports malformed provider, model and MCP server definitions.
func (c *Config) Validate() error {
	var errs []error

	for _, m := range c.Models.Available {
		if m.Name == "" {
			errs = append(errs, errors.New("models.available: entry without name"))
			continue
		}
		if _, ok := c.Providers[m.Provider]; !ok {
			errs = append(errs, fmt.Errorf("model %q: unknown provider %q", m.Name, m.Provider))
		}
	}

	for name, p := range c.Providers {
		if p.BaseURL == "" {
			errs = append(errs, fmt.Errorf("provider %q: base_url is required", name))
		}
	}

	seen := make(map[string]bool)
	for _, s := range c.MCPServers {
		if s.Name == "" {
			errs = append(errs, errors.New("mcp_servers: entry without name"))
			continue
		}
		if seen[s.Name] {
			errs = append(errs, fmt.Errorf("mcp server %q: duplicate name", s.Name))
		}
		seen[s.Name] = true

		switch s.Transport {
		case TransportStdio:
			if s.Command == "" {
				errs = append(errs, fmt.Errorf("mcp server %q: stdio transport requires command", s.Name))
			}
		case TransportHTTP:
			if s.URL == "" {
				errs = append(errs, fmt.Errorf("mcp server %q: http transport requires url", s.Name))
			}
		default:
			errs = append(errs, fmt.Errorf("mcp server %q: unknown transport %q", s.Name, s.Transport))
		}
	}

	return errors.Join(errs...)
}

// ActiveMCPServers returns the servers with active set, in config order.
func (c *Config) ActiveMCPServers() []MCPServerConfig {
	var out []MCPServerConfig
	for _, s := range c.MCPServers {
		if s.Active {
			out = append(out, s)
		}
	}
	return out
}

// MCPServer returns the active MCP server with the given name.
func (c *Config) MCPServer(name string) (MCPServerConfig, bool) {
	for _, s := range c.MCPServers {
		if s.Active && s.Name == name {
			return s, true
		}
	}
	return MCPServerConfig{}, false
}

// ProviderFor returns the provider name and settings serving model.
func (c *Config) ProviderFor(model string) (string, ProviderConfig, error) {
	for _, m := range c.Models.Available {
		if m.Name == model {
			p, ok := c.Providers[m.Provider]
			if !ok {
				return "", ProviderConfig{}, fmt.Errorf("model %q: provider %q: %w", model, m.Provider, ErrModelNotConfigured)
			}
			return m.Provider, p, nil
		}
	}
	return "", ProviderConfig{}, fmt.Errorf("model %q: %w", model, ErrModelNotConfigured)
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") || strings.HasPrefix(path, "~"+string(filepath.Separator)) {
		return filepath.Join(home, path[2:])
	}
	return path
}

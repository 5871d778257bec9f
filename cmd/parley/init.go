package main

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/nugget/parley/examples"
	defaultprompts "github.com/nugget/parley/prompts"
)

// runInit writes an example config and the shipped prompts into dir.
// Existing files are never overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing Parley workspace in %s\n", dir)

	for _, sub := range []string{"data", "prompts"} {
		path := filepath.Join(dir, sub)
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", path, err)
		}
	}

	// The config may hold API keys.
	configPath := filepath.Join(dir, "config.yaml")
	if err := writeIfMissing(configPath, examples.ConfigYAML, 0o600); err != nil {
		return err
	}
	fmt.Fprintf(w, "  ✓ %s\n", configPath)

	err := fs.WalkDir(defaultprompts.FS, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || filepath.Ext(path) != ".md" {
			return nil
		}
		content, err := defaultprompts.FS.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read embedded %s: %w", path, err)
		}
		dest := filepath.Join(dir, "prompts", d.Name())
		if err := writeIfMissing(dest, content, 0o644); err != nil {
			return err
		}
		fmt.Fprintf(w, "  ✓ %s\n", dest)
		return nil
	})
	if err != nil {
		return fmt.Errorf("install prompts: %w", err)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit config.yaml to add providers and MCP servers, then run: parley serve")
	return nil
}

// writeIfMissing writes content to path only if nothing exists there.
func writeIfMissing(path string, content []byte, perm os.FileMode) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	return os.WriteFile(path, content, perm)
}

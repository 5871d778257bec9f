package prompts

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrInvalidName is returned for prompt names that would escape the
// prompts directory.
var ErrInvalidName = errors.New("invalid prompt name")

// Meta is the optional frontmatter of a prompt file.
//
//	---
//	title: Terse reviewer
//	description: Short answers only
//	---
type Meta struct {
	Title       string `yaml:"title"`
	Description string `yaml:"description"`
}

// Prompt is a loaded prompt file.
type Prompt struct {
	Name    string
	Meta    Meta
	Content string
}

// Loader reads prompt files from a directory.
type Loader struct {
	dir string
}

// NewLoader creates a loader rooted at dir. The directory need not
// exist; a missing directory behaves as an empty one.
func NewLoader(dir string) *Loader {
	return &Loader{dir: dir}
}

// Dir returns the prompts directory.
func (l *Loader) Dir() string {
	return l.dir
}

// Load returns the body of the named prompt with frontmatter removed.
// An empty name, or DefaultName with no matching file, yields the
// built-in default prompt.
func (l *Loader) Load(name string) (string, error) {
	if name == "" {
		return DefaultSystemPrompt(), nil
	}
	p, err := l.Get(name)
	if errors.Is(err, fs.ErrNotExist) && name == DefaultName {
		return DefaultSystemPrompt(), nil
	}
	if err != nil {
		return "", err
	}
	return p.Content, nil
}

// Get loads one prompt with its metadata.
func (l *Loader) Get(name string) (Prompt, error) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return Prompt{}, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if l == nil || l.dir == "" {
		return Prompt{}, fmt.Errorf("prompt %s: %w", name, fs.ErrNotExist)
	}
	data, err := os.ReadFile(filepath.Join(l.dir, name+".md"))
	if err != nil {
		return Prompt{}, fmt.Errorf("prompt %s: %w", name, err)
	}
	meta, body, err := parseFrontmatter(string(data))
	if err != nil {
		return Prompt{}, fmt.Errorf("prompt %s: %w", name, err)
	}
	return Prompt{Name: name, Meta: meta, Content: body}, nil
}

// List returns the sorted names of the prompt files in the directory.
func (l *Loader) List() ([]string, error) {
	if l == nil || l.dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read prompts dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ".md"))
	}
	sort.Strings(names)
	return names, nil
}

// parseFrontmatter splits a leading "---" delimited YAML block from the
// body. Text without a complete block is returned unchanged.
func parseFrontmatter(raw string) (Meta, string, error) {
	var meta Meta
	raw = strings.TrimPrefix(raw, "\ufeff")
	if !strings.HasPrefix(raw, "---") {
		return meta, raw, nil
	}
	rest := strings.TrimLeft(raw[3:], " \t")
	switch {
	case strings.HasPrefix(rest, "\r\n"):
		rest = rest[2:]
	case strings.HasPrefix(rest, "\n"):
		rest = rest[1:]
	default:
		return meta, raw, nil
	}

	var block, body string
	if strings.HasPrefix(rest, "---") {
		body = rest[3:]
	} else {
		end := strings.Index(rest, "\n---")
		if end < 0 {
			return meta, raw, nil
		}
		block = rest[:end]
		body = rest[end+4:]
	}

	if err := yaml.Unmarshal([]byte(block), &meta); err != nil {
		return Meta{}, "", fmt.Errorf("parse frontmatter: %w", err)
	}
	return meta, strings.TrimLeft(body, "\r\n"), nil
}

// Package prompts supplies the system prompt text for an exchange.
//
// Named prompts are markdown files in the configured prompts directory
// (name.md) with optional YAML frontmatter. Built-in text that the
// conversation loop appends on its own, such as the tool-usage
// preamble, is Go code in this package so that tests can pin it.
package prompts

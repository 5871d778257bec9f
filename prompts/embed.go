// Package defaultprompts provides embedded copies of the shipped system
// prompts for the init subcommand. The runtime loader lives in
// internal/prompts.
package defaultprompts

import "embed"

// FS contains the shipped prompt markdown files.
//
//go:embed *.md
var FS embed.FS

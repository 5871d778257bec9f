package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"

	"github.com/nugget/parley/internal/agent"
)

// cliSink streams exchange events to a terminal. Reply text goes to out;
// tool announcements go to status so the reply can be piped cleanly.
type cliSink struct {
	out    io.Writer
	status io.Writer
	shown  bool
}

func (s *cliSink) Deliver(e agent.Event) {
	switch e.Kind {
	case agent.KindToken:
		fmt.Fprint(s.out, e.Text)
		s.shown = true
	case agent.KindClearText:
		if s.shown {
			fmt.Fprintln(s.out)
			s.shown = false
		}
	case agent.KindToolsInUse:
		fmt.Fprintf(s.status, "[using %s]\n", strings.Join(e.Tools, ", "))
	case agent.KindCompleted:
		if s.shown {
			fmt.Fprintln(s.out)
		}
	case agent.KindCancelled:
		fmt.Fprintln(s.status, "[cancelled]")
	}
}

// runAsk runs one exchange and streams the reply to stdout. Logs go to
// stderr.
func runAsk(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string, args []string) error {
	fs := flag.NewFlagSet("ask", flag.ContinueOnError)
	fs.SetOutput(stderr)
	model := fs.String("model", "", "model or MCP server name (default: models.default)")
	prompt := fs.String("prompt", "", "system prompt name (default: agent.system_prompt)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	text := strings.Join(fs.Args(), " ")
	if strings.TrimSpace(text) == "" {
		return errors.New("usage: parley ask [-model m] [-prompt p] <text>")
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

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	loop := a.newLoop(&cliSink{out: stdout, status: stderr})
	if _, err := loop.Run(ctx, agent.Request{Model: *model, Prompt: *prompt, Text: text}); err != nil {
		return fmt.Errorf("ask: %w", err)
	}
	return nil
}

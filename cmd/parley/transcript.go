package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/nugget/parley/internal/llm"
	"github.com/nugget/parley/internal/transcript"
)

// runTranscript lists recent exchanges, or prints one by id as text,
// JSON, or (with -html) a standalone HTML page.
func runTranscript(stdout io.Writer, stderr io.Writer, configPath, outputFmt string, args []string) error {
	fs := flag.NewFlagSet("transcript", flag.ContinueOnError)
	fs.SetOutput(stderr)
	asHTML := fs.Bool("html", false, "render the exchange as HTML")
	limit := fs.Int("n", 20, "number of exchanges to list")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	store, err := transcript.Open(filepath.Join(cfg.DataDir, transcript.FileName))
	if err != nil {
		return fmt.Errorf("open transcript: %w", err)
	}
	defer store.Close()

	if fs.NArg() == 0 {
		list, err := store.Recent(*limit)
		if err != nil {
			return err
		}
		if outputFmt == "json" {
			return writeIndented(stdout, list)
		}
		tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "EXCHANGE\tSTARTED\tMODEL\tMESSAGES\tPREVIEW")
		for _, s := range list {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", s.ID, s.StartedAt.Local().Format(time.DateTime), s.Model, s.Messages, s.Preview)
		}
		return tw.Flush()
	}

	msgs, err := store.Exchange(fs.Arg(0))
	if err != nil {
		return err
	}
	switch {
	case *asHTML:
		page, err := transcript.RenderHTML(msgs)
		if err != nil {
			return err
		}
		_, err = io.WriteString(stdout, page)
		return err
	case outputFmt == "json":
		return writeIndented(stdout, msgs)
	}
	for _, m := range msgs {
		printMessage(stdout, m)
	}
	return nil
}

func printMessage(w io.Writer, m llm.Message) {
	switch {
	case len(m.ToolCalls) > 0:
		for _, tc := range m.ToolCalls {
			fmt.Fprintf(w, "%s: -> %s(%s)\n", m.Role, tc.Function.Name, tc.Function.Arguments)
		}
	case m.Role == llm.RoleTool:
		fmt.Fprintf(w, "tool %s: %s\n", m.Name, m.Content.String())
	default:
		fmt.Fprintf(w, "%s: %s\n", m.Role, m.Content.String())
	}
}

func writeIndented(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/nugget/parley/internal/config"
)

// Subprocess shutdown timing. Close waits termGrace after closing stdin
// before sending SIGTERM, then killGrace before killing.
const (
	termGrace = 2 * time.Second
	killGrace = 5 * time.Second
)

// StdioConfig configures a stdio MCP transport that communicates with
// a subprocess over stdin/stdout using newline-delimited JSON-RPC.
type StdioConfig struct {
	// Command is the executable to run.
	Command string

	// Args are command-line arguments passed to the executable.
	Args []string

	// Env are additional environment variables for the subprocess
	// (format: "KEY=VALUE"). These are appended to the current
	// process environment.
	Env []string

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// rpcResult is what a pending caller receives.
type rpcResult struct {
	resp *Response
	err  error
}

// StdioTransport communicates with an MCP server running as a
// subprocess. Requests may be in flight concurrently: each registers a
// waiter keyed by request id and a single reader goroutine routes
// response lines to their waiters.
type StdioTransport struct {
	config StdioConfig
	logger *slog.Logger

	mu      sync.Mutex // guards cmd, stdin, started
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	started bool

	writeMu sync.Mutex // serializes line writes to stdin

	pendingMu sync.Mutex
	pending   map[int64]chan rpcResult
	dead      error // set once the reader stops; guarded by pendingMu

	readerDone chan struct{}
	closeOnce  sync.Once
	closeErr   error
}

// NewStdioTransport creates a stdio transport for the given config.
// The subprocess is not started until Start or the first Send.
func NewStdioTransport(cfg StdioConfig) *StdioTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &StdioTransport{
		config:     cfg,
		logger:     logger,
		pending:    make(map[int64]chan rpcResult),
		readerDone: make(chan struct{}),
	}
}

// Start launches the subprocess and its reader if not already running.
// The subprocess lifecycle is independent of ctx; it lives until Close
// or until the process exits on its own.
func (t *StdioTransport) Start(_ context.Context) error {
	if t.config.Command == "" {
		return fmt.Errorf("%w: stdio transport requires a command", ErrNotConfigured)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.started {
		return t.deadErr()
	}

	t.logger.Info("starting MCP subprocess",
		"command", t.config.Command,
		"args", t.config.Args,
	)

	cmd := exec.Command(t.config.Command, t.config.Args...)
	cmd.Env = append(os.Environ(), t.config.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("create stdin pipe: %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("create stdout pipe: %w", err)
	}

	// Stderr is diagnostics only, never protocol.
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stderr.Close()
		stdout.Close()
		stdin.Close()
		return fmt.Errorf("start subprocess %s: %w", t.config.Command, err)
	}

	t.cmd = cmd
	t.stdin = stdin
	t.started = true

	go t.readLoop(bufio.NewReaderSize(stdout, 1<<20))
	go t.drainStderr(stderr)

	t.logger.Info("MCP subprocess started", "pid", cmd.Process.Pid)
	return nil
}

// deadErr returns the termination error once the reader has stopped.
func (t *StdioTransport) deadErr() error {
	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()
	return t.dead
}

// drainStderr reads stderr lines and logs them at debug level.
func (t *StdioTransport) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		t.logger.Debug("MCP subprocess stderr", "line", scanner.Text())
	}
}

// readLoop reads stdout one line at a time until EOF, dispatching each
// line. When it stops, every pending caller fails.
func (t *StdioTransport) readLoop(r *bufio.Reader) {
	defer close(t.readerDone)

	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 {
			t.dispatch(line)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				t.logger.Warn("MCP subprocess read failed", "error", err)
			} else {
				t.logger.Debug("MCP subprocess stdout closed")
			}
			t.failAll(ErrConnectionTerminated)
			return
		}
	}
}

// dispatch routes one stdout line to the waiter for its id.
func (t *StdioTransport) dispatch(line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}

	env, err := decodeEnvelope(line)
	if err != nil {
		t.logger.Debug("skipping non-JSON line from MCP subprocess",
			"line", string(line),
		)
		return
	}

	if env.ID == nil {
		t.logger.Debug("ignoring MCP notification", "method", env.Method)
		return
	}
	if env.Method != "" {
		t.logger.Debug("ignoring server-initiated MCP request",
			"method", env.Method,
			"id", *env.ID,
		)
		return
	}

	t.pendingMu.Lock()
	ch, ok := t.pending[*env.ID]
	if ok {
		delete(t.pending, *env.ID)
	}
	t.pendingMu.Unlock()

	if !ok {
		t.logger.Debug("skipping unmatched MCP message", "id", *env.ID)
		return
	}

	if env.Error != nil {
		t.logger.Debug("MCP request failed", "id", *env.ID, "error", env.Error)
	}
	ch <- rpcResult{resp: env.response()}
}

// failAll marks the transport dead and fails every pending waiter.
func (t *StdioTransport) failAll(cause error) {
	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()

	if t.dead == nil {
		t.dead = cause
	}
	for id, ch := range t.pending {
		ch <- rpcResult{err: cause}
		delete(t.pending, id)
	}
}

// Send writes req as one line and waits for the response with the same
// id. Other requests may be in flight at the same time.
func (t *StdioTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	if err := t.Start(ctx); err != nil {
		return nil, err
	}

	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	ch := make(chan rpcResult, 1)
	t.pendingMu.Lock()
	if t.dead != nil {
		t.pendingMu.Unlock()
		return nil, t.dead
	}
	if _, dup := t.pending[req.ID]; dup {
		t.pendingMu.Unlock()
		return nil, fmt.Errorf("request id %d already in flight", req.ID)
	}
	t.pending[req.ID] = ch
	t.pendingMu.Unlock()

	if err := t.writeLine(data); err != nil {
		t.drop(req.ID)
		return nil, fmt.Errorf("write to subprocess stdin: %w", err)
	}

	t.logger.Log(ctx, config.LevelTrace, "MCP request sent", "id", req.ID, "method", req.Method)

	select {
	case res := <-ch:
		return res.resp, res.err
	case <-ctx.Done():
		// The server keeps working on the request; its response will
		// arrive unmatched and be logged.
		t.drop(req.ID)
		return nil, ctx.Err()
	}
}

// drop removes a waiter that no longer wants its response.
func (t *StdioTransport) drop(id int64) {
	t.pendingMu.Lock()
	delete(t.pending, id)
	t.pendingMu.Unlock()
}

// Notify sends a JSON-RPC notification over stdin. No response is expected.
func (t *StdioTransport) Notify(ctx context.Context, notif *Notification) error {
	if err := t.Start(ctx); err != nil {
		return err
	}

	data, err := json.Marshal(notif)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	if err := t.writeLine(data); err != nil {
		return fmt.Errorf("write notification to subprocess stdin: %w", err)
	}
	return nil
}

func (t *StdioTransport) writeLine(data []byte) error {
	t.mu.Lock()
	stdin := t.stdin
	t.mu.Unlock()
	if stdin == nil {
		return ErrConnectionTerminated
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_, err := stdin.Write(append(data, '\n'))
	return err
}

// Pending returns the number of requests awaiting a response.
func (t *StdioTransport) Pending() int {
	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()
	return len(t.pending)
}

// Close terminates the subprocess and fails all pending requests with
// ErrConnectionTerminated. It is safe to call more than once.
func (t *StdioTransport) Close() error {
	t.closeOnce.Do(func() {
		t.closeErr = t.stop()
		t.failAll(ErrConnectionTerminated)
	})
	return t.closeErr
}

// stop closes stdin, then escalates to SIGTERM and finally kill.
func (t *StdioTransport) stop() error {
	t.mu.Lock()
	cmd := t.cmd
	stdin := t.stdin
	t.stdin = nil
	t.started = true // a closed transport never restarts
	t.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}

	pid := cmd.Process.Pid
	t.logger.Info("stopping MCP subprocess", "pid", pid)

	if stdin != nil {
		stdin.Close()
	}

	done := make(chan error, 1)
	go func() {
		// Wait closes stdout, so let the reader finish first.
		<-t.readerDone
		done <- cmd.Wait()
	}()

	select {
	case err := <-done:
		return exitErr(err)
	case <-time.After(termGrace):
	}

	t.logger.Debug("MCP subprocess still running, sending SIGTERM", "pid", pid)
	_ = cmd.Process.Signal(syscall.SIGTERM)

	select {
	case err := <-done:
		return exitErr(err)
	case <-time.After(killGrace):
		t.logger.Warn("MCP subprocess did not exit gracefully, killing", "pid", pid)
		_ = cmd.Process.Kill()
		select {
		case <-done:
		case <-time.After(killGrace):
			t.logger.Warn("MCP subprocess stdout still open after kill", "pid", pid)
		}
		return nil
	}
}

// exitErr treats termination by our own signal as a clean exit.
func exitErr(err error) error {
	var ee *exec.ExitError
	if errors.As(err, &ee) && !ee.Exited() {
		return nil
	}
	return err
}

package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/nugget/parley/internal/httpkit"
)

// TokenEnvFallbacks are the environment variables consulted, in order,
// for an HTTP server's bearer token when its own token_env is unset or
// empty.
var TokenEnvFallbacks = []string{"MCP_AUTH_TOKEN", "MCP_API_KEY", "MCP_TOKEN"}

// HTTPConfig configures an HTTP MCP transport that communicates with a
// remote MCP server over streamable HTTP (JSON-RPC over POST).
type HTTPConfig struct {
	// URL is the MCP server endpoint.
	URL string

	// Headers are additional HTTP headers sent with every request.
	Headers map[string]string

	// TokenEnv names the environment variable holding a bearer token.
	// TokenEnvFallbacks are tried after it.
	TokenEnv string

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger

	// Getenv overrides os.Getenv for token lookup.
	Getenv func(string) string
}

// HTTPTransport communicates with an MCP server over streamable HTTP.
// Each JSON-RPC request is sent as an HTTP POST; the response comes
// back in the response body, either as JSON or as an SSE stream.
type HTTPTransport struct {
	url        string
	headers    http.Header
	httpClient *http.Client
	logger     *slog.Logger

	mu        sync.RWMutex
	sessionID string // Mcp-Session header for session affinity
}

// NewHTTPTransport creates an HTTP transport for the given config.
// The underlying HTTP client is constructed via httpkit.
func NewHTTPTransport(cfg HTTPConfig) (*HTTPTransport, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("%w: http transport requires a url", ErrNotConfigured)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	client, err := httpkit.NewClient(httpkit.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	headers := make(http.Header, len(cfg.Headers)+1)
	for k, v := range cfg.Headers {
		headers.Set(k, v)
	}
	if headers.Get("Authorization") == "" {
		if token := resolveToken(cfg.TokenEnv, cfg.Getenv); token != "" {
			headers.Set("Authorization", "Bearer "+token)
		}
	}

	return &HTTPTransport{
		url:        cfg.URL,
		headers:    headers,
		httpClient: client,
		logger:     logger,
	}, nil
}

// resolveToken returns the first non-empty token among tokenEnv and
// TokenEnvFallbacks.
func resolveToken(tokenEnv string, getenv func(string) string) string {
	if getenv == nil {
		getenv = os.Getenv
	}
	names := TokenEnvFallbacks
	if tokenEnv != "" {
		names = append([]string{tokenEnv}, names...)
	}
	for _, name := range names {
		if v := strings.TrimSpace(getenv(name)); v != "" {
			return v
		}
	}
	return ""
}

func (t *HTTPTransport) newRequest(ctx context.Context, body []byte) (*http.Request, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create HTTP request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")
	for k, vs := range t.headers {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	t.mu.RLock()
	if t.sessionID != "" {
		httpReq.Header.Set("Mcp-Session", t.sessionID)
	}
	t.mu.RUnlock()

	return httpReq, nil
}

func (t *HTTPTransport) captureSession(resp *http.Response) {
	if sid := resp.Header.Get("Mcp-Session"); sid != "" {
		t.mu.Lock()
		t.sessionID = sid
		t.mu.Unlock()
	}
}

// Send sends a JSON-RPC request via HTTP POST and returns the response.
func (t *HTTPTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := t.newRequest(ctx, body)
	if err != nil {
		return nil, err
	}

	httpResp, err := t.httpClient.Do(httpReq)
	if err != nil {
		if httpkit.Canceled(ctx, err) {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("HTTP request to %s: %w", t.url, err)
	}
	defer httpkit.DrainAndClose(httpResp.Body, 1<<20)

	t.captureSession(httpResp)

	if httpResp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(httpResp.Body, 4096)
		return nil, fmt.Errorf("MCP server returned %d: %s", httpResp.StatusCode, strings.TrimSpace(errBody))
	}

	mediaType, _, _ := mime.ParseMediaType(httpResp.Header.Get("Content-Type"))
	if mediaType == "text/event-stream" {
		return t.readEventStream(httpResp.Body, req.ID)
	}

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	var resp Response
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &resp, nil
}

// readEventStream scans an SSE response body for the message answering
// id. Notifications sent ahead of it are skipped.
func (t *HTTPTransport) readEventStream(r io.Reader, id int64) (*Response, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 10<<20)

	for scanner.Scan() {
		line := scanner.Bytes()
		if !bytes.HasPrefix(line, []byte("data:")) {
			continue
		}
		env, err := decodeEnvelope(bytes.TrimSpace(line[len("data:"):]))
		if err != nil {
			t.logger.Debug("skipping malformed MCP event", "error", err)
			continue
		}
		if env.ID != nil && *env.ID == id && env.Method == "" {
			return env.response(), nil
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read event stream: %w", err)
	}
	return nil, fmt.Errorf("event stream ended without response to request %d", id)
}

// Notify sends a JSON-RPC notification via HTTP POST. No response
// content is expected, but the HTTP response status is checked.
func (t *HTTPTransport) Notify(ctx context.Context, notif *Notification) error {
	body, err := json.Marshal(notif)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	httpReq, err := t.newRequest(ctx, body)
	if err != nil {
		return err
	}

	httpResp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("HTTP notification to %s: %w", t.url, err)
	}
	defer httpkit.DrainAndClose(httpResp.Body, 1<<20)

	t.captureSession(httpResp)

	// Accept 200 and 202 (accepted) for notifications.
	if httpResp.StatusCode != http.StatusOK && httpResp.StatusCode != http.StatusAccepted {
		errBody := httpkit.ReadErrorBody(httpResp.Body, 4096)
		return fmt.Errorf("MCP server returned %d for notification: %s", httpResp.StatusCode, strings.TrimSpace(errBody))
	}
	return nil
}

// Close is a no-op for HTTP transports. The underlying HTTP client
// manages its own connection pool via httpkit.
func (t *HTTPTransport) Close() error {
	return nil
}

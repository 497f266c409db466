// Package ollama is a client for the Ollama inference server HTTP API.
//
// Every call is a single non-streaming request. Nothing is retried, and
// the only deadline is the per-client timeout fixed at construction.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ej52/hass-ollama-conversation/internal/httpkit"
)

// LevelTrace is the slog level request and response bodies are logged
// at, below [slog.LevelDebug].
const LevelTrace = slog.Level(-8)

// Banner is the body the server returns from its root endpoint.
const Banner = "Ollama is running"

// DefaultTimeout applies when New is given a non-positive timeout.
const DefaultTimeout = 60 * time.Second

// maxBody bounds how much of a response is read into memory.
const maxBody = 16 << 20

// Client talks to one inference server.
type Client struct {
	baseURL         string
	timeout         time.Duration
	httpClient      *http.Client
	strictHeartbeat bool
	logger          *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithStrictHeartbeat makes Heartbeat require the exact server banner
// in addition to a 2xx status.
func WithStrictHeartbeat(strict bool) Option {
	return func(c *Client) { c.strictHeartbeat = strict }
}

// WithHTTPClient replaces the shared HTTP client. The supplied client's
// own Timeout then governs every call.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger sets the logger. Request and response bodies are logged
// at [LevelTrace].
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a client for the server at baseURL. Any trailing slash is
// dropped.
func New(baseURL string, timeout time.Duration, opts ...Option) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		timeout: timeout,
	}
	for _, o := range opts {
		o(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.httpClient == nil {
		c.httpClient = httpkit.NewClient(
			httpkit.WithTimeout(timeout),
			httpkit.WithLogger(c.logger),
		)
	}
	return c
}

// BaseURL returns the normalized server URL.
func (c *Client) BaseURL() string { return c.baseURL }

// Timeout returns the per-call timeout fixed at construction.
func (c *Client) Timeout() time.Duration { return c.timeout }

// Heartbeat reports whether the server is up. A response that is not
// 2xx, or in strict mode does not carry the banner, yields false with a
// nil error; only a failure to get any response is an error. Heartbeat
// has no side effects and may be called repeatedly.
func (c *Client) Heartbeat(ctx context.Context) (bool, error) {
	const op = "heartbeat"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/", nil)
	if err != nil {
		return false, &Error{Kind: KindGeneric, Op: op, Err: fmt.Errorf("create request: %w", err)}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, transportError(op, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Debug("heartbeat not ok", "status", resp.StatusCode)
		return false, nil
	}
	if !c.strictHeartbeat {
		return true, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 256))
	if err != nil {
		return false, transportError(op, err)
	}
	if strings.TrimSpace(string(body)) != Banner {
		c.logger.Debug("heartbeat banner mismatch", "body", excerpt(string(body)))
		return false, nil
	}
	return true, nil
}

// ListModels returns the models installed on the server in the order
// the server lists them.
func (c *Client) ListModels(ctx context.Context) ([]Model, error) {
	const op = "list models"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, &Error{Kind: KindGeneric, Op: op, Err: fmt.Errorf("create request: %w", err)}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, transportError(op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, statusError(op, resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 4096))
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	var result struct {
		Models []Model `json:"models"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBody)).Decode(&result); err != nil {
		if isTimeout(err) {
			return nil, transportError(op, err)
		}
		return nil, decodeError(op, resp.StatusCode, err)
	}
	return result.Models, nil
}

// Generate performs one inference call and returns the decoded reply.
// Chat requests go to /api/chat, all others to /api/generate.
func (c *Client) Generate(ctx context.Context, r Request) (*Reply, error) {
	if r.IsChat() {
		return c.chat(ctx, r)
	}
	return c.generate(ctx, r)
}

func (c *Client) chat(ctx context.Context, r Request) (*Reply, error) {
	const op = "chat"

	payload := chatRequest{
		Model:    r.Model,
		Messages: r.Messages,
		Stream:   false,
		Options:  r.Options,
	}
	var resp chatResponse
	status, err := c.post(ctx, op, "/api/chat", payload, &resp)
	if err != nil {
		return nil, err
	}
	if resp.Message == nil {
		return nil, decodeError(op, status, fmt.Errorf("response has no message"))
	}

	reply := &Reply{
		Text:      resp.Message.Content,
		Model:     resp.Model,
		CreatedAt: resp.CreatedAt,
	}
	resp.usageStats.apply(reply)
	return reply, nil
}

func (c *Client) generate(ctx context.Context, r Request) (*Reply, error) {
	const op = "generate"

	payload := generateRequest{
		Model:   r.Model,
		System:  r.System,
		Prompt:  r.Prompt,
		Context: r.Context,
		Stream:  false,
		Options: r.Options,
	}
	var resp generateResponse
	status, err := c.post(ctx, op, "/api/generate", payload, &resp)
	if err != nil {
		return nil, err
	}
	if resp.Response == nil {
		return nil, decodeError(op, status, fmt.Errorf("response has no text"))
	}

	reply := &Reply{
		Text:      *resp.Response,
		Context:   resp.Context,
		Model:     resp.Model,
		CreatedAt: resp.CreatedAt,
	}
	resp.usageStats.apply(reply)
	return reply, nil
}

// post sends payload as JSON to path and decodes a 2xx body into out.
// It returns the response status alongside any classified error.
func (c *Client) post(ctx context.Context, op, path string, payload, out any) (int, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, &Error{Kind: KindGeneric, Op: op, Err: fmt.Errorf("marshal request: %w", err)}
	}
	c.logger.Log(ctx, LevelTrace, "ollama request", "op", op, "body", string(body))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, &Error{Kind: KindGeneric, Op: op, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, transportError(op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, statusError(op, resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 4096))
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return resp.StatusCode, transportError(op, err)
	}
	c.logger.Log(ctx, LevelTrace, "ollama response",
		"op", op,
		"status", resp.StatusCode,
		"elapsed", time.Since(start),
		"body", string(raw),
	)

	if err := json.Unmarshal(raw, out); err != nil {
		return resp.StatusCode, decodeError(op, resp.StatusCode, err)
	}
	return resp.StatusCode, nil
}

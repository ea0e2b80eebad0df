package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

const defaultCallTimeout = 30 * time.Second

// Client talks to one runtime instance.
type Client struct {
	baseURL string
	logger  *slog.Logger

	// http is used for request/response calls and carries a timeout.
	http *http.Client
	// stream is used for /event and never times out on its own.
	stream *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the client used for request/response calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithStreamClient overrides the client used for the event stream.
func WithStreamClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.stream = hc
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New creates a client for the runtime listening at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		logger:  slog.Default(),
		http:    &http.Client{Timeout: defaultCallTimeout},
		stream:  &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "backend")
	return c
}

// BaseURL returns the runtime base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// CreateSession creates a new conversation session.
func (c *Client) CreateSession(ctx context.Context, title string) (*Session, error) {
	body := map[string]any{}
	if strings.TrimSpace(title) != "" {
		body["title"] = title
	}
	var session Session
	if err := c.do(ctx, http.MethodPost, "/session", body, &session); err != nil {
		return nil, err
	}
	if session.ID == "" {
		return nil, fmt.Errorf("runtime returned session without id")
	}
	return &session, nil
}

// PromptAsync submits a prompt without waiting for the assistant reply.
// Progress is reported on the event stream.
func (c *Client) PromptAsync(ctx context.Context, sessionID string, req PromptRequest) error {
	return c.do(ctx, http.MethodPost, "/session/"+url.PathEscape(sessionID)+"/prompt_async", req, nil)
}

// Messages lists the messages of a session, oldest first.
func (c *Client) Messages(ctx context.Context, sessionID string) ([]Message, error) {
	var messages []Message
	if err := c.do(ctx, http.MethodGet, "/session/"+url.PathEscape(sessionID)+"/message", nil, &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

// Providers fetches the provider/model catalog.
func (c *Client) Providers(ctx context.Context) (*ProviderCatalog, error) {
	var catalog ProviderCatalog
	if err := c.do(ctx, http.MethodGet, "/config/providers", nil, &catalog); err != nil {
		return nil, err
	}
	return &catalog, nil
}

// AddMCP registers (or replaces) a named MCP server configuration.
func (c *Client) AddMCP(ctx context.Context, name string, config any) error {
	body := map[string]any{"name": name, "config": config}
	return c.do(ctx, http.MethodPost, "/mcp", body, nil)
}

// ConnectMCP asks the runtime to connect a registered MCP server.
func (c *Client) ConnectMCP(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, "/mcp/"+url.PathEscape(name)+"/connect", nil, nil)
}

// DisconnectMCP asks the runtime to disconnect a registered MCP server.
func (c *Client) DisconnectMCP(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, "/mcp/"+url.PathEscape(name)+"/disconnect", nil, nil)
}

// MCPStatus returns the live connection state keyed by server name.
func (c *Client) MCPStatus(ctx context.Context) (map[string]MCPStatus, error) {
	status := map[string]MCPStatus{}
	if err := c.do(ctx, http.MethodGet, "/mcp", nil, &status); err != nil {
		return nil, err
	}
	return status, nil
}

// ListTools lists the tools the runtime would expose for a provider/model.
func (c *Client) ListTools(ctx context.Context, provider, model string) ([]Tool, error) {
	query := url.Values{}
	query.Set("provider", provider)
	query.Set("model", model)
	var tools []Tool
	if err := c.do(ctx, http.MethodGet, "/experimental/tool?"+query.Encode(), nil, &tools); err != nil {
		return nil, err
	}
	return tools, nil
}

// ToolIDs lists every tool id known to the runtime.
func (c *Client) ToolIDs(ctx context.Context) ([]string, error) {
	var ids []string
	if err := c.do(ctx, http.MethodGet, "/experimental/tool/ids", nil, &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal %s body: %w", path, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("runtime %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{
			Method: method,
			Path:   path,
			Status: resp.StatusCode,
			Body:   strings.TrimSpace(string(data)),
		}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s response: %w", path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// Package openshock is the outbound client for the OpenShock control API.
// Forwarding is best-effort: callers treat every failure here as loggable,
// never as a reason to fail the local dispatch.
package openshock

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"

	"pulsehub/internal/clients"
	"pulsehub/internal/validation"
)

const (
	controlPath = "/2/shockers/control"
	tokenHeader = "OpenShockToken"

	// maxBodyPreview bounds how much of an unparseable response body is
	// surfaced in error messages.
	maxBodyPreview = 200
)

// ShockRequest is one actuator command inside a control call.
type ShockRequest struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Intensity int    `json:"intensity"`
	Duration  int    `json:"duration"`
	Exclusive bool   `json:"exclusive"`
}

type controlPayload struct {
	Shocks     []ShockRequest `json:"shocks"`
	CustomName string         `json:"customName"`
}

// ControlResult classifies the API's answer to a control call that
// completed at the transport level.
type ControlResult struct {
	StatusCode int
	Success    bool
	Message    string
}

// Client calls the OpenShock control API. A client with an empty base URL
// is disabled: forwarding is reported as unavailable rather than failing.
type Client struct {
	baseURL      string
	client       *http.Client
	httpExecutor failsafe.Executor[*http.Response]
}

// Option configures the client.
type Option func(*Client)

// NewClient creates an OpenShock API client. baseURL may be empty to
// disable forwarding.
func NewClient(baseURL string, timeout time.Duration, opts ...Option) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c := &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		client:       &http.Client{Timeout: timeout},
		httpExecutor: clients.NewHTTPExecutor(clients.DefaultHTTPExecutorConfig()),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.client = httpClient
		}
	}
}

// WithHTTPExecutorConfig overrides the retry/breaker configuration.
func WithHTTPExecutorConfig(cfg clients.HTTPExecutorConfig) Option {
	return func(c *Client) {
		c.httpExecutor = clients.NewHTTPExecutor(cfg)
	}
}

// Enabled reports whether the client is configured to reach the API.
func (c *Client) Enabled() bool {
	return c.baseURL != ""
}

// BaseURL returns the configured API root.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// CommandType maps a broadcast kind to the API's control type.
func CommandType(kind string) string {
	switch kind {
	case validation.KindVibrate:
		return "Vibrate"
	default:
		return "Shock"
	}
}

// Control issues one control call carrying all shocks for a single
// credential. A returned error means the call never produced a usable
// response (transport failure); any response, success or not, is classified
// into the ControlResult.
func (c *Client) Control(ctx context.Context, token string, shocks []ShockRequest, customName string) (*ControlResult, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("openshock client is not configured")
	}

	body, err := json.Marshal(controlPayload{Shocks: shocks, CustomName: customName})
	if err != nil {
		return nil, fmt.Errorf("marshal control payload: %w", err)
	}

	resp, err := clients.ExecuteHTTP(ctx, c.httpExecutor, func() (*http.Response, error) {
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+controlPath, bytes.NewReader(body))
		if reqErr != nil {
			return nil, reqErr
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(tokenHeader, token)
		return c.client.Do(req)
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read control response: %w", err)
	}

	result := classifyResponse(resp.StatusCode, resp.Header.Get("Content-Type"), raw)
	return &result, nil
}

// classifyResponse turns a completed HTTP exchange into a ControlResult.
// The API is tolerated in three shapes: empty bodies, JSON bodies and
// arbitrary non-JSON bodies.
func classifyResponse(statusCode int, contentType string, body []byte) ControlResult {
	ok := statusCode >= 200 && statusCode < 300
	trimmed := bytes.TrimSpace(body)

	if len(trimmed) == 0 {
		if ok {
			return ControlResult{StatusCode: statusCode, Success: true}
		}
		return ControlResult{
			StatusCode: statusCode,
			Message:    fmt.Sprintf("openshock api returned status %d with no body", statusCode),
		}
	}

	if ok {
		return ControlResult{StatusCode: statusCode, Success: true}
	}

	if looksLikeJSON(contentType, trimmed) {
		if msg := extractJSONMessage(trimmed); msg != "" {
			return ControlResult{StatusCode: statusCode, Message: msg}
		}
		// Parseable JSON without a message field: surface it verbatim.
		return ControlResult{StatusCode: statusCode, Message: string(trimmed)}
	}

	return ControlResult{
		StatusCode: statusCode,
		Message:    fmt.Sprintf("openshock api returned status %d: %s", statusCode, preview(trimmed)),
	}
}

func looksLikeJSON(contentType string, body []byte) bool {
	if strings.Contains(contentType, "application/json") {
		return true
	}
	return len(body) > 0 && (body[0] == '{' || body[0] == '[')
}

// extractJSONMessage pulls a human-readable message out of a JSON error
// body, returning "" when the body does not parse or carries none.
func extractJSONMessage(body []byte) string {
	var parsed map[string]interface{}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return ""
	}
	for _, field := range []string{"message", "error", "title"} {
		if msg, ok := parsed[field].(string); ok && msg != "" {
			return msg
		}
	}
	return ""
}

func preview(body []byte) string {
	s := string(body)
	if len(s) > maxBodyPreview {
		return s[:maxBodyPreview] + "..."
	}
	return s
}

// Package httpbridge lets an HTTP/JSON service answer PAP invocations.
//
// The bridge is an invoke handler for p2p.AgentHost: each authenticated
// Invoke is forwarded to the backend and the backend's answer is mapped to
// a Response or Error body.
//
// Interface contract:
//
//	POST /v1/invoke
//	  Body: InvokeRequest JSON
//	  Response: InvokeResult JSON
//
//	GET  /v1/capabilities
//	  Response: CapabilitiesResponse JSON
package httpbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/olserra/pap/core"
)

// Client forwards invocations to an HTTP agent backend.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	log        *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithAPIKey sets the Bearer token sent with every request.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithTimeout overrides the default HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// NewClient creates a bridge targeting baseURL (e.g. "http://127.0.0.1:8080").
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		log:        slog.Default().With("component", "pap.httpbridge"),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ------------------------------------------------------------------ API types

// InvokeRequest is the JSON payload sent to POST /v1/invoke.
type InvokeRequest struct {
	Caller     string            `json:"caller"`
	Agent      string            `json:"agent"`
	Namespace  string            `json:"namespace,omitempty"`
	Capability string            `json:"capability,omitempty"`
	Method     string            `json:"method"`
	Arguments  map[string]any    `json:"arguments,omitempty"`
	Deadline   *time.Time        `json:"deadline,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Output is one chunk of backend output. Data is base64 in JSON.
type Output struct {
	ContentType string `json:"content_type"`
	Data        []byte `json:"data"`
}

// InvokeResult is the JSON body returned by POST /v1/invoke. An empty
// Status is read as OK; any status other than OK or ACCEPTED becomes an
// Error body.
type InvokeResult struct {
	Status      string            `json:"status"`
	Outputs     []Output          `json:"outputs,omitempty"`
	Message     string            `json:"message,omitempty"`
	Recoverable bool              `json:"recoverable,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// CapabilitiesResponse is the JSON body returned by GET /v1/capabilities.
type CapabilitiesResponse struct {
	Agent        string   `json:"agent"`
	Capabilities []string `json:"capabilities"`
	Version      string   `json:"version"`
}

// StatusError is a non-2xx HTTP answer from the backend.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Code, e.Body)
}

// ------------------------------------------------------------------ public API

// Invoke forwards inv, sent by caller, to the backend and maps the answer
// to a *core.Response or *core.Error body. Transport failures are mapped
// to Error bodies as well, so the returned error is reserved for requests
// that could not be built.
func (c *Client) Invoke(ctx context.Context, caller core.AgentIdentity, inv *core.Invoke) (core.MessageBody, error) {
	req := InvokeRequest{
		Caller:     caller.String(),
		Agent:      inv.Target.Agent,
		Namespace:  inv.Target.Namespace,
		Capability: inv.Target.Capability,
		Method:     inv.Method,
		Arguments:  inv.Arguments,
		Metadata:   inv.Metadata,
	}
	if !inv.Deadline.IsZero() {
		d := inv.Deadline.UTC()
		req.Deadline = &d
	}

	var res InvokeResult
	if err := c.post(ctx, "/v1/invoke", req, &res); err != nil {
		var marshal *json.UnsupportedTypeError
		if errors.As(err, &marshal) {
			return nil, fmt.Errorf("httpbridge Invoke: %w", err)
		}
		c.log.Warn("backend call failed", "method", inv.Method, "caller", caller.String(), "error", err)
		return transportError(ctx, err), nil
	}
	return res.body(), nil
}

// Handler adapts the client to the p2p invoke handler signature.
func (c *Client) Handler() func(context.Context, core.AgentIdentity, *core.Invoke) (core.MessageBody, error) {
	return c.Invoke
}

// FetchCapabilities queries the backend for its current capability set.
func (c *Client) FetchCapabilities(ctx context.Context) (*CapabilitiesResponse, error) {
	var resp CapabilitiesResponse
	if err := c.get(ctx, "/v1/capabilities", &resp); err != nil {
		return nil, fmt.Errorf("httpbridge FetchCapabilities: %w", err)
	}
	return &resp, nil
}

func (r InvokeResult) body() core.MessageBody {
	status := core.StatusCode(r.Status)
	if status == "" {
		status = core.StatusOK
	}
	if status != core.StatusOK && status != core.StatusAccepted {
		return &core.Error{
			Code:        status,
			Message:     r.Message,
			Recoverable: r.Recoverable,
		}
	}
	resp := &core.Response{Status: status, IsFinal: true, Metadata: r.Metadata}
	for _, o := range r.Outputs {
		resp.Outputs = append(resp.Outputs, core.OutputChunk{ContentType: o.ContentType, Data: o.Data})
	}
	return resp
}

// transportError maps a failed backend call to the Error body the caller
// sees.
func transportError(ctx context.Context, err error) *core.Error {
	var se *StatusError
	switch {
	case errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil:
		return &core.Error{Code: core.StatusTimeout, Message: err.Error(), Recoverable: true}
	case errors.As(err, &se) && se.Code == http.StatusTooManyRequests:
		return &core.Error{Code: core.StatusRateLimited, Message: se.Body, Recoverable: true}
	case errors.As(err, &se) && se.Code == http.StatusNotFound:
		return &core.Error{Code: core.StatusNotFound, Message: se.Body}
	case errors.As(err, &se) && se.Code == http.StatusServiceUnavailable:
		return &core.Error{Code: core.StatusAgentUnhealthy, Message: se.Body, Recoverable: true}
	default:
		return &core.Error{Code: core.StatusProxyError, Message: err.Error(), Recoverable: true}
	}
}

// ------------------------------------------------------------------ HTTP helpers

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http do: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Code: resp.StatusCode, Body: string(bytes.TrimSpace(b))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}

package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nidhogg/overseer/internal/playbook"
	"go.uber.org/zap"
)

// CallRequest is the descriptor an API step hands to the external caller.
type CallRequest struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    map[string]any    `json:"body,omitempty"`
}

// CallResponse is the caller's result. Stubbed marks responses produced by
// the passthrough stub instead of a real downstream call.
type CallResponse struct {
	StatusCode int            `json:"status"`
	Body       map[string]any `json:"body,omitempty"`
	Stubbed    bool           `json:"stubbed,omitempty"`
}

// ExternalCaller executes an API step's call descriptor. No retry is
// modeled; implementations make at most one attempt.
type ExternalCaller interface {
	Call(ctx context.Context, req *CallRequest) (*CallResponse, error)
}

// execAPI runs an API step through the injected caller capability.
func (e *Engine) execAPI(ctx context.Context, step *playbook.Step, cfg *playbook.APIConfig, st *execState) (map[string]any, error) {
	req := &CallRequest{
		Method:  cfg.Method,
		URL:     cfg.URL,
		Headers: cfg.Headers,
		Body:    cfg.Body,
	}
	resp, err := e.caller.Call(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("api call %s %s: %w", cfg.Method, cfg.URL, err)
	}
	return map[string]any{
		"status":  resp.StatusCode,
		"body":    resp.Body,
		"stubbed": resp.Stubbed,
		"request": map[string]any{
			"method": cfg.Method,
			"url":    cfg.URL,
		},
	}, nil
}

// StubCaller echoes the call descriptor without touching the network. It is
// the default caller and the deterministic fallback for the real one.
type StubCaller struct{}

// Call returns a synthetic 200 echoing the descriptor.
func (StubCaller) Call(_ context.Context, req *CallRequest) (*CallResponse, error) {
	return &CallResponse{
		StatusCode: http.StatusOK,
		Body: map[string]any{
			"method": req.Method,
			"url":    req.URL,
			"echo":   req.Body,
		},
		Stubbed: true,
	}, nil
}

// HTTPCaller performs the real downstream call.
type HTTPCaller struct {
	client *http.Client
}

// NewHTTPCaller creates an HTTP caller with the given timeout.
func NewHTTPCaller(timeout time.Duration) *HTTPCaller {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &HTTPCaller{client: &http.Client{Timeout: timeout}}
}

// Call executes the descriptor once.
func (c *HTTPCaller) Call(ctx context.Context, req *CallRequest) (*CallResponse, error) {
	var body io.Reader
	if req.Body != nil {
		data, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("marshal body: %w", err)
		}
		body = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	out := &CallResponse{StatusCode: resp.StatusCode}
	data, _ := io.ReadAll(resp.Body)
	if len(data) > 0 {
		var parsed map[string]any
		if json.Unmarshal(data, &parsed) == nil {
			out.Body = parsed
		} else {
			out.Body = map[string]any{"raw": string(data)}
		}
	}
	return out, nil
}

// FallbackCaller wraps a caller so a downstream outage degrades to the stub
// echo instead of breaking the run's state machine.
type FallbackCaller struct {
	inner  ExternalCaller
	logger *zap.Logger
}

// NewFallbackCaller wraps inner with the stub fallback.
func NewFallbackCaller(inner ExternalCaller, logger *zap.Logger) *FallbackCaller {
	return &FallbackCaller{inner: inner, logger: logger}
}

// Call tries the inner caller and degrades to the stub on any error.
func (f *FallbackCaller) Call(ctx context.Context, req *CallRequest) (*CallResponse, error) {
	resp, err := f.inner.Call(ctx, req)
	if err == nil {
		return resp, nil
	}
	f.logger.Warn("external call failed, using stub response",
		zap.String("url", req.URL), zap.Error(err))
	return StubCaller{}.Call(ctx, req)
}

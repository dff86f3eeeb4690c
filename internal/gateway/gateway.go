// Package gateway is the single HTTP façade every tool handler and the rule
// update dispatcher use to reach the remote detection backend.
//
// The gateway translates logical endpoint names into backend routes,
// normalizes nested verdicts into threat.Verdict, and reports non-2xx
// responses as *BackendError. It holds no mutable state beyond its
// configuration and is safe for concurrent use.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jmerrifield20/ilminate-mcp/internal/metrics"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

// maxResponseBytes bounds how much of a backend response is read.
const maxResponseBytes = 1 << 20

// Config holds gateway configuration.
type Config struct {
	BaseURL string        // e.g. "http://localhost:8888"
	Timeout time.Duration // per request, default 10s
}

// BackendError is returned when the backend answers with a non-2xx status or
// explicitly reports success=false.
type BackendError struct {
	Status int
	Body   string
}

func (e *BackendError) Error() string {
	body := e.Body
	if len(body) > 256 {
		body = body[:256] + "..."
	}
	return fmt.Sprintf("detection backend returned HTTP %d: %s", e.Status, strings.TrimSpace(body))
}

// IsBackendError reports whether err wraps a *BackendError.
func IsBackendError(err error) bool {
	var be *BackendError
	return errors.As(err, &be)
}

// Gateway calls the detection backend.
type Gateway struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// New creates a Gateway. Requests are traced with otelhttp.
func New(cfg Config, logger *zap.Logger) *Gateway {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Gateway{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: logger,
	}
}

// BaseURL returns the backend base URL the gateway targets.
func (g *Gateway) BaseURL() string { return g.baseURL }

// Call invokes a logical endpoint with payload (ignored for GET routes) and
// returns the decoded JSON object. A nested "verdict" object is replaced by
// its canonical *threat.Verdict.
func (g *Gateway) Call(ctx context.Context, ep Endpoint, payload any) (map[string]any, error) {
	rt, ok := routes[ep]
	if !ok {
		return nil, fmt.Errorf("unknown backend endpoint %q", ep)
	}

	start := time.Now()
	out, err := g.do(ctx, rt, payload)
	outcome := "success"
	switch {
	case err == nil:
	case IsBackendError(err):
		outcome = "backend_error"
	default:
		outcome = "transport_error"
	}
	metrics.RecordBackendRequest(string(ep), outcome, time.Since(start))

	if err != nil {
		g.logger.Debug("backend call failed",
			zap.String("endpoint", string(ep)),
			zap.Error(err),
		)
		return nil, err
	}

	if raw, ok := out["verdict"].(map[string]any); ok {
		out["verdict"] = NormalizeVerdict(raw)
	}
	return out, nil
}

func (g *Gateway) do(ctx context.Context, rt route, payload any) (map[string]any, error) {
	var body io.Reader
	if rt.method != http.MethodGet && payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, rt.method, g.baseURL+rt.path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", rt.method, rt.path, err)
	}
	defer resp.Body.Close()

	respBytes, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", rt.path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &BackendError{Status: resp.StatusCode, Body: string(respBytes)}
	}

	out := map[string]any{}
	if len(bytes.TrimSpace(respBytes)) > 0 {
		if err := json.Unmarshal(respBytes, &out); err != nil {
			return nil, fmt.Errorf("decode %s response: %w", rt.path, err)
		}
	}
	if success, ok := out["success"].(bool); ok && !success {
		return nil, &BackendError{Status: resp.StatusCode, Body: string(respBytes)}
	}
	return out, nil
}

// Package webhooks delivers HMAC-signed event notifications to configured
// HTTP endpoints: backend health transitions and newly received feed
// updates.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jmerrifield20/ilminate-mcp/internal/feeds"
)

// Event types dispatched by the server.
const (
	EventBackendDegraded  = "backend.health_degraded"
	EventBackendRecovered = "backend.recovered"
	EventFeedUpdate       = "feed.update_received"
)

// SignatureHeader carries "sha256=<hex hmac>" of the request body.
const SignatureHeader = "X-Ilminate-Signature"

// Event is the JSON body POSTed to each target.
type Event struct {
	Type      string            `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Payload   map[string]string `json:"payload"`
}

// Config holds notifier configuration.
type Config struct {
	URLs    []string
	Secret  string
	Timeout time.Duration // per attempt, default 10s
}

// Notifier fans events out to every configured URL.
type Notifier struct {
	urls       []string
	secret     string
	httpClient *http.Client
	delays     []time.Duration
	logger     *zap.Logger
	wg         sync.WaitGroup
}

// New creates a Notifier. It returns nil when no URLs are configured; a nil
// *Notifier drops every event.
func New(cfg Config, logger *zap.Logger) *Notifier {
	if len(cfg.URLs) == 0 {
		return nil
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Notifier{
		urls:       cfg.URLs,
		secret:     cfg.Secret,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		// Retry with exponential backoff: 1s, 5s.
		delays: []time.Duration{0, time.Second, 5 * time.Second},
		logger: logger,
	}
}

// Dispatch delivers the event to every target in the background. Delivery
// outlives ctx's cancellation but not Close.
func (n *Notifier) Dispatch(ctx context.Context, eventType string, payload map[string]string) {
	if n == nil {
		return
	}
	body, err := json.Marshal(Event{Type: eventType, Timestamp: time.Now().UTC(), Payload: payload})
	if err != nil {
		n.logger.Error("webhook: marshal event", zap.Error(err))
		return
	}

	ctx = context.WithoutCancel(ctx)
	for _, url := range n.urls {
		n.wg.Add(1)
		go func(url string) {
			defer n.wg.Done()
			n.deliver(ctx, url, eventType, body)
		}(url)
	}
}

// Close waits for deliveries in flight.
func (n *Notifier) Close() {
	if n == nil {
		return
	}
	n.wg.Wait()
}

// deliver sends the event to a single target with retries.
func (n *Notifier) deliver(ctx context.Context, url, eventType string, body []byte) {
	signature := Sign(body, n.secret)
	for attempt, delay := range n.delays {
		if delay > 0 {
			time.Sleep(delay)
		}
		errMsg := n.post(ctx, url, body, signature)
		if errMsg == "" {
			return
		}
		n.logger.Warn("webhook: delivery failed",
			zap.String("url", url),
			zap.String("event", eventType),
			zap.Int("attempt", attempt+1),
			zap.String("error", errMsg),
		)
	}
}

// post performs one delivery and returns an error message, empty on success.
func (n *Notifier) post(ctx context.Context, url string, body []byte, signature string) string {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err.Error()
	}
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set(SignatureHeader, signature)
	}

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return err.Error()
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024)) //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Sprintf("HTTP %d", resp.StatusCode)
	}
	return ""
}

// Sign computes the HMAC-SHA256 signature of body. An empty secret yields
// an empty signature.
func Sign(body []byte, secret string) string {
	if secret == "" {
		return ""
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// FeedUpdateCallback returns a feed callback that announces each new update
// to the webhook targets. A nil Notifier yields a nil callback.
func (n *Notifier) FeedUpdateCallback() feeds.UpdateCallback {
	if n == nil {
		return nil
	}
	return func(ctx context.Context, u feeds.ThreatFeedUpdate) error {
		n.Dispatch(ctx, EventFeedUpdate, map[string]string{
			"feed_name":   u.FeedName,
			"update_type": string(u.UpdateType),
			"timestamp":   u.Timestamp.UTC().Format(time.RFC3339),
		})
		return nil
	}
}

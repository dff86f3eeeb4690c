// Package health runs the periodic detection backend probe. Its result is
// advisory: tool handlers always try the backend first and fall back on
// real failures, but operators and orchestrators read it from /healthz, the
// backend_healthy gauge and the gRPC health service.
package health

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/jmerrifield20/ilminate-mcp/internal/metrics"
	"github.com/jmerrifield20/ilminate-mcp/internal/webhooks"
)

// BackendService is the gRPC health service name that mirrors the backend.
const BackendService = "detection-backend"

// Config holds health check configuration.
type Config struct {
	CheckInterval time.Duration
	ProbeTimeout  time.Duration
	FailThreshold int
}

// Prober reports whether the backend is ready. *gateway.Gateway implements it.
type Prober interface {
	Health(ctx context.Context) bool
}

// StatusSink receives serving status changes. *health.Server from
// google.golang.org/grpc/health implements it.
type StatusSink interface {
	SetServingStatus(service string, status healthpb.HealthCheckResponse_ServingStatus)
}

// WebhookDispatchFunc is an optional callback for health transition events.
type WebhookDispatchFunc func(ctx context.Context, eventType string, payload map[string]string)

// Snapshot is the monitor's view of the backend.
type Snapshot struct {
	Healthy   bool       `json:"healthy"`
	Failures  int        `json:"consecutive_failures"`
	LastCheck *time.Time `json:"last_check,omitempty"`
}

// Monitor probes the backend on an interval.
type Monitor struct {
	prober    Prober
	sink      StatusSink
	onWebhook WebhookDispatchFunc
	cfg       Config
	logger    *zap.Logger

	mu        sync.Mutex
	healthy   bool
	failures  int
	lastCheck time.Time
}

// New creates a Monitor. The backend counts as unhealthy until the first
// successful probe.
func New(prober Prober, cfg Config, logger *zap.Logger) *Monitor {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 30 * time.Second
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.FailThreshold == 0 {
		cfg.FailThreshold = 3
	}
	return &Monitor{prober: prober, cfg: cfg, logger: logger}
}

// SetStatusSink configures where serving status changes are published.
func (m *Monitor) SetStatusSink(sink StatusSink) {
	m.mu.Lock()
	m.sink = sink
	healthy := m.healthy
	m.mu.Unlock()
	m.publish(sink, healthy)
}

// SetWebhookDispatch configures the health transition callback. The first
// successful probe after startup is not reported as a recovery.
func (m *Monitor) SetWebhookDispatch(fn WebhookDispatchFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onWebhook = fn
}

// Start probes immediately and then every CheckInterval until ctx is done.
func (m *Monitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		m.Check(ctx)
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// Check runs one probe and returns the resulting health. A healthy backend
// is marked unhealthy only after FailThreshold consecutive failures.
func (m *Monitor) Check(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	ok := m.prober.Health(probeCtx)
	cancel()

	m.mu.Lock()
	was := m.healthy
	first := m.lastCheck.IsZero()
	m.lastCheck = time.Now().UTC()
	if ok {
		m.failures = 0
		m.healthy = true
	} else {
		m.failures++
		if m.failures >= m.cfg.FailThreshold {
			m.healthy = false
		}
	}
	healthy, failures, sink, notify := m.healthy, m.failures, m.sink, m.onWebhook
	m.mu.Unlock()

	metrics.SetBackendHealthy(healthy)
	event := ""
	switch {
	case healthy && !was:
		m.logger.Info("health: detection backend available")
		if !first {
			event = webhooks.EventBackendRecovered
		}
	case !healthy && was:
		m.logger.Warn("health: detection backend degraded", zap.Int("fail_count", failures))
		event = webhooks.EventBackendDegraded
	}
	if event != "" && notify != nil {
		notify(ctx, event, map[string]string{"fail_count": strconv.Itoa(failures)})
	}
	if healthy != was {
		m.publish(sink, healthy)
	}
	return healthy
}

// Snapshot returns the latest probe state.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Snapshot{Healthy: m.healthy, Failures: m.failures}
	if !m.lastCheck.IsZero() {
		t := m.lastCheck
		s.LastCheck = &t
	}
	return s
}

func (m *Monitor) publish(sink StatusSink, healthy bool) {
	if sink == nil {
		return
	}
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if healthy {
		status = healthpb.HealthCheckResponse_SERVING
	}
	sink.SetServingStatus(BackendService, status)
}

package feeds

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmerrifield20/ilminate-mcp/internal/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("github.com/jmerrifield20/ilminate-mcp/internal/feeds")

// ErrManagerClosed is returned by Subscribe after Close.
var ErrManagerClosed = errors.New("feed manager closed")

// firstPollLookback is the window requested on a feed's very first poll.
const firstPollLookback = 24 * time.Hour

// Dispatcher applies one update to the detection backend.
type Dispatcher interface {
	Dispatch(ctx context.Context, updateType UpdateType, payload any, source string) (int, error)
}

// UpdateCallback observes each new update before it is dispatched. Errors
// and panics are logged and never stop dispatch.
type UpdateCallback func(ctx context.Context, u ThreatFeedUpdate) error

// Config holds manager configuration.
type Config struct {
	PollTimeout     time.Duration // bounds connects, fetches and each dispatch; default 30s
	DefaultInterval time.Duration // default DefaultPollInterval
	MinInterval     time.Duration // interval granularity and floor; default MinPollInterval
	DedupCapacity   int           // digests remembered per feed; default DefaultDedupCapacity
}

// Manager owns the subscription registry. All registry and subscription
// state is guarded by mu.
type Manager struct {
	connector  Connector
	dispatcher Dispatcher
	cfg        Config
	logger     *zap.Logger

	mu     sync.Mutex
	subs   map[string]*subscription
	closed bool
	wg     sync.WaitGroup
}

type subscription struct {
	id       string
	callback UpdateCallback
	seen     *seenSet
	cancel   context.CancelFunc
	done     chan struct{}

	// prev is the subscription this one replaced. Its loop is drained
	// before this one polls, so the same feed never polls twice at once.
	prev *subscription

	// Guarded by Manager.mu.
	feed        ThreatFeed
	lastChecked time.Time
	nextCheck   time.Time
	connected   bool
	lastError   string
	applied     int

	// Owned by the poll goroutine once it starts.
	source Source
}

// NewManager creates a Manager.
func NewManager(connector Connector, dispatcher Dispatcher, cfg Config, logger *zap.Logger) *Manager {
	if cfg.PollTimeout == 0 {
		cfg.PollTimeout = 30 * time.Second
	}
	if cfg.DefaultInterval == 0 {
		cfg.DefaultInterval = DefaultPollInterval
	}
	if cfg.MinInterval == 0 {
		cfg.MinInterval = MinPollInterval
	}
	if cfg.DedupCapacity == 0 {
		cfg.DedupCapacity = DefaultDedupCapacity
	}
	return &Manager{
		connector:  connector,
		dispatcher: dispatcher,
		cfg:        cfg,
		logger:     logger,
		subs:       make(map[string]*subscription),
	}
}

// Subscribe registers feed and starts polling it immediately. An existing
// subscription with the same name is replaced; when kind and source are
// unchanged the replacement keeps its last-checked time and duplicate
// history.
//
// An invalid kind fails the call. A source that cannot be reached returns a
// *ConnectionError together with the subscription id: the subscription is
// recorded and reconnects on a later poll. Disabled feeds are not connected
// until a poll runs.
func (m *Manager) Subscribe(ctx context.Context, feed ThreatFeed, cb UpdateCallback) (string, error) {
	feed.Name = strings.TrimSpace(feed.Name)
	if feed.Name == "" {
		return "", errors.New("feed name is required")
	}
	kind, err := ParseKind(string(feed.Kind))
	if err != nil {
		return "", err
	}
	feed.Kind = kind
	feed.PollInterval = normalizeInterval(feed.PollInterval, m.cfg.DefaultInterval, m.cfg.MinInterval)

	var (
		src     Source
		connErr error
	)
	if feed.Enabled {
		cctx, cancel := context.WithTimeout(ctx, m.cfg.PollTimeout)
		src, err = m.connector.Connect(cctx, feed)
		cancel()
		if err != nil {
			connErr = &ConnectionError{Feed: feed.Name, Err: err}
			m.logger.Warn("feed source unavailable, will retry on next poll",
				zap.String("feed", feed.Name),
				zap.Error(err),
			)
		}
	}

	sub := &subscription{
		id:        uuid.NewString(),
		callback:  cb,
		done:      make(chan struct{}),
		source:    src,
		connected: src != nil,
	}
	if connErr != nil {
		sub.lastError = connErr.Error()
	}
	runCtx, cancelRun := context.WithCancel(context.Background())
	sub.cancel = cancelRun

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancelRun()
		if src != nil {
			_ = src.Close()
		}
		return "", ErrManagerClosed
	}
	if old, ok := m.subs[feed.Name]; ok {
		old.cancel()
		sub.prev = old
		if compatible(old.feed, feed) {
			sub.seen = old.seen
			sub.lastChecked = old.lastChecked
			feed.LastUpdate = old.feed.LastUpdate
		}
	}
	if sub.seen == nil {
		sub.seen = newSeenSet(m.cfg.DedupCapacity)
	}
	sub.feed = feed
	m.subs[feed.Name] = sub
	n := len(m.subs)
	m.wg.Add(1)
	m.mu.Unlock()

	metrics.SetActiveSubscriptions(n)
	m.logger.Info("feed subscribed",
		zap.String("feed", feed.Name),
		zap.String("kind", string(feed.Kind)),
		zap.Duration("interval", feed.PollInterval),
		zap.Bool("replaced", sub.prev != nil),
	)

	go m.run(runCtx, sub)
	return sub.id, connErr
}

// Unsubscribe stops polling name and reports whether it was subscribed.
// Unknown names are a no-op. An in-flight poll may finish; its source is
// closed as soon as it does.
func (m *Manager) Unsubscribe(name string) bool {
	m.mu.Lock()
	sub, ok := m.subs[name]
	if ok {
		delete(m.subs, name)
	}
	n := len(m.subs)
	m.mu.Unlock()

	if !ok {
		return false
	}
	sub.cancel()
	metrics.SetActiveSubscriptions(n)
	m.logger.Info("feed unsubscribed", zap.String("feed", name))
	return true
}

// Status returns the status of one subscription.
func (m *Manager) Status(name string) (Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[name]
	if !ok {
		return Status{}, false
	}
	return sub.statusLocked(), true
}

// StatusAll returns every subscription's status ordered by feed name.
func (m *Manager) StatusAll() []Status {
	m.mu.Lock()
	out := make([]Status, 0, len(m.subs))
	for _, sub := range m.subs {
		out = append(out, sub.statusLocked())
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].FeedName < out[j].FeedName })
	return out
}

// Close stops every subscription and waits for in-flight polls to finish.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	subs := make([]*subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		subs = append(subs, sub)
	}
	m.subs = make(map[string]*subscription)
	m.mu.Unlock()

	for _, sub := range subs {
		sub.cancel()
	}
	m.wg.Wait()
	metrics.SetActiveSubscriptions(0)
}

func (m *Manager) run(ctx context.Context, sub *subscription) {
	defer m.wg.Done()
	defer close(sub.done)
	defer m.closeSource(sub)

	if prev := sub.prev; prev != nil {
		<-prev.done
		m.inherit(sub, prev)
	}
	if ctx.Err() != nil {
		return
	}

	m.mu.Lock()
	interval := sub.feed.PollInterval
	m.mu.Unlock()

	// A tick that arrives while a poll is running is dropped by the ticker,
	// so a slow poll defers the next one instead of overlapping it.
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		m.poll(ctx, sub)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// inherit picks up progress the replaced loop made after Subscribe copied
// its state.
func (m *Manager) inherit(sub, prev *subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub.prev = nil
	if !compatible(prev.feed, sub.feed) {
		return
	}
	if prev.lastChecked.After(sub.lastChecked) {
		sub.lastChecked = prev.lastChecked
		sub.feed.LastUpdate = prev.feed.LastUpdate
	}
}

// poll runs one cycle. The window advances to the cycle's start, so items
// published while the fetch runs are requested again next time. A cycle that
// is cancelled by Unsubscribe finishes the call in flight but stops before the
// next update and does not advance the window.
func (m *Manager) poll(ctx context.Context, sub *subscription) {
	now := time.Now().UTC()

	m.mu.Lock()
	feed := sub.feed
	since := sub.lastChecked
	sub.nextCheck = now.Add(feed.PollInterval)
	m.mu.Unlock()

	if !feed.Enabled {
		return
	}
	if since.IsZero() {
		since = now.Add(-firstPollLookback)
	}

	log := m.logger.With(zap.String("feed", feed.Name))
	fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.PollTimeout)
	defer cancel()
	fetchCtx, span := tracer.Start(fetchCtx, "feed.poll",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("feed.name", feed.Name),
			attribute.String("feed.kind", string(feed.Kind)),
		),
	)
	defer span.End()

	if sub.source == nil {
		if feed.Source.IsZero() {
			log.Debug("feed has no source configured, skipping poll")
			return
		}
		src, err := m.connector.Connect(fetchCtx, feed)
		if err != nil {
			span.SetStatus(codes.Error, "connect failed")
			m.pollFailed(sub, &ConnectionError{Feed: feed.Name, Err: err})
			return
		}
		if src == nil {
			return
		}
		sub.source = src
		m.setConnected(sub, true)
		log.Info("feed source reconnected")
	}

	items, err := sub.source.Fetch(fetchCtx, since)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch failed")
		m.pollFailed(sub, fmt.Errorf("fetch updates since %s: %w", since.Format(time.RFC3339), err))
		var remote *RemoteError
		if !errors.As(err, &remote) {
			m.closeSource(sub)
		}
		return
	}

	updates := normalizeUpdates(feed, items, time.Now())
	span.SetAttributes(attribute.Int("feed.updates", len(updates)))
	applied := 0
	for _, u := range updates {
		if ctx.Err() != nil {
			log.Info("feed unsubscribed mid-batch, abandoning remaining updates")
			return
		}
		if m.handle(ctx, sub, u) {
			applied++
		}
	}

	m.mu.Lock()
	sub.lastChecked = now
	sub.feed.LastUpdate = &now
	sub.lastError = ""
	sub.applied += applied
	m.mu.Unlock()

	metrics.RecordFeedPoll(feed.Name, true)
	log.Info("feed polled",
		zap.Int("updates", len(updates)),
		zap.Int("applied", applied),
	)
}

// handle runs the callback and dispatch for one update and reports whether
// it was dispatched. A replay of an event already dispatched, identified by
// its source timestamp, is skipped; updates without one are always handled.
func (m *Manager) handle(ctx context.Context, sub *subscription, u ThreatFeedUpdate) bool {
	digest, dedup := u.digest()
	if dedup && sub.seen.Contains(digest) {
		metrics.RecordFeedUpdate(string(u.UpdateType), "duplicate")
		return false
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.PollTimeout)
	defer cancel()

	m.invokeCallback(ctx, sub, u)

	n, err := m.dispatcher.Dispatch(ctx, u.UpdateType, u.Payload, u.FeedName)
	if err != nil {
		metrics.RecordFeedUpdate(string(u.UpdateType), "failed")
		m.logger.Warn("feed update dispatch failed",
			zap.String("feed", u.FeedName),
			zap.String("update_type", string(u.UpdateType)),
			zap.Error(err),
		)
		return false
	}

	if dedup {
		sub.seen.Add(digest)
	}
	if n == 0 {
		metrics.RecordFeedUpdate(string(u.UpdateType), "ignored")
	} else {
		metrics.RecordFeedUpdate(string(u.UpdateType), "applied")
	}
	return true
}

func (m *Manager) invokeCallback(ctx context.Context, sub *subscription, u ThreatFeedUpdate) {
	if sub.callback == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.logCallbackError(&CallbackError{Feed: u.FeedName, UpdateType: u.UpdateType, Err: fmt.Errorf("panic: %v", r)})
		}
	}()
	if err := sub.callback(ctx, u); err != nil {
		m.logCallbackError(&CallbackError{Feed: u.FeedName, UpdateType: u.UpdateType, Err: err})
	}
}

func (m *Manager) logCallbackError(err *CallbackError) {
	m.logger.Warn("feed update callback failed", zap.String("feed", err.Feed), zap.Error(err))
}

func (m *Manager) pollFailed(sub *subscription, err error) {
	m.mu.Lock()
	name := sub.feed.Name
	sub.lastError = err.Error()
	m.mu.Unlock()

	metrics.RecordFeedPoll(name, false)
	m.logger.Warn("feed poll failed, window will be retried", zap.String("feed", name), zap.Error(err))
}

func (m *Manager) setConnected(sub *subscription, connected bool) {
	m.mu.Lock()
	sub.connected = connected
	m.mu.Unlock()
}

func (m *Manager) closeSource(sub *subscription) {
	if sub.source == nil {
		return
	}
	if err := sub.source.Close(); err != nil {
		m.logger.Debug("close feed source", zap.Error(err))
	}
	sub.source = nil
	m.setConnected(sub, false)
}

func (sub *subscription) statusLocked() Status {
	st := Status{
		FeedName:              sub.feed.Name,
		FeedType:              sub.feed.Kind,
		SubscriptionID:        sub.id,
		Enabled:               sub.feed.Enabled,
		Status:                StateInactive,
		UpdateIntervalMinutes: int(sub.feed.PollInterval / time.Minute),
		LastUpdate:            copyTime(sub.feed.LastUpdate),
		Connected:             sub.connected,
		LastError:             sub.lastError,
		UpdatesApplied:        sub.applied,
		Source:                sub.feed.Source,
	}
	if sub.feed.Enabled {
		st.Status = StateActive
	}
	if !sub.lastChecked.IsZero() {
		t := sub.lastChecked
		st.LastChecked = &t
	}
	if !sub.nextCheck.IsZero() {
		t := sub.nextCheck
		st.NextCheck = &t
	}
	return st
}

func compatible(a, b ThreatFeed) bool {
	return a.Kind == b.Kind && a.Source.Equal(b.Source)
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

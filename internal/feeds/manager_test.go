package feeds_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jmerrifield20/ilminate-mcp/internal/feeds"
)

const eventually = 3 * time.Second
const tick = 10 * time.Millisecond

// ── Stubs ────────────────────────────────────────────────────────────────

// stubSource returns items on every fetch, or batches[i] on the i-th fetch
// and nothing after the last batch. A fetch waits for block, then delay.
type stubSource struct {
	mu      sync.Mutex
	items   []any
	batches [][]any
	err     error
	delay   time.Duration
	block   chan struct{}

	sinces      []time.Time
	returned    []time.Time
	inFlight    int
	maxInFlight int
	closed      bool
}

func (s *stubSource) Fetch(ctx context.Context, since time.Time) ([]any, error) {
	s.mu.Lock()
	s.sinces = append(s.sinces, since)
	n := len(s.sinces)
	s.inFlight++
	if s.inFlight > s.maxInFlight {
		s.maxInFlight = s.inFlight
	}
	block, delay := s.block, s.delay
	s.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
		}
	}
	time.Sleep(delay)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlight--
	s.returned = append(s.returned, time.Now())
	if s.err != nil {
		return nil, s.err
	}
	if s.batches != nil {
		if n <= len(s.batches) {
			return s.batches[n-1], nil
		}
		return nil, nil
	}
	return s.items, nil
}

func (s *stubSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *stubSource) fetches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sinces)
}

func (s *stubSource) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// stubConnector hands out sources in order, failing while failures > 0.
type stubConnector struct {
	mu       sync.Mutex
	sources  []*stubSource
	failures int
	connects int
}

func (c *stubConnector) connectCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects
}

func (c *stubConnector) Connect(_ context.Context, _ feeds.ThreatFeed) (feeds.Source, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connects++
	if c.failures > 0 {
		c.failures--
		return nil, errors.New("feed server not running")
	}
	if len(c.sources) == 0 {
		return &stubSource{}, nil
	}
	src := c.sources[0]
	if len(c.sources) > 1 {
		c.sources = c.sources[1:]
	}
	return src, nil
}

type dispatched struct {
	updateType feeds.UpdateType
	payload    any
	source     string
}

// stubDispatcher fails payloads that carry "fail": true.
type stubDispatcher struct {
	mu     sync.Mutex
	calls  []dispatched
	failed int
}

func (d *stubDispatcher) Dispatch(_ context.Context, ut feeds.UpdateType, payload any, source string) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, dispatched{ut, payload, source})
	if m, ok := payload.(map[string]any); ok && m["fail"] == true {
		d.failed++
		return 0, errors.New("backend returned HTTP 500")
	}
	return 1, nil
}

func (d *stubDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

func (d *stubDispatcher) snapshot() []dispatched {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]dispatched(nil), d.calls...)
}

func newManager(conn feeds.Connector, disp feeds.Dispatcher) *feeds.Manager {
	return feeds.NewManager(conn, disp, feeds.Config{PollTimeout: time.Second}, zap.NewNop())
}

// fastInterval is the poll interval used with newFastManager.
const fastInterval = 20 * time.Millisecond

// newFastManager allows sub-minute intervals so tests can observe several
// polls.
func newFastManager(conn feeds.Connector, disp feeds.Dispatcher) *feeds.Manager {
	return feeds.NewManager(conn, disp, feeds.Config{
		PollTimeout: time.Second,
		MinInterval: 10 * time.Millisecond,
	}, zap.NewNop())
}

func fastFeed(name string, kind feeds.Kind) feeds.ThreatFeed {
	feed := yaraFeed(name)
	feed.Kind = kind
	feed.PollInterval = fastInterval
	return feed
}

func yaraFeed(name string) feeds.ThreatFeed {
	return feeds.ThreatFeed{
		Name:         name,
		Kind:         feeds.KindYARARule,
		Enabled:      true,
		PollInterval: time.Minute,
		Source:       feeds.SourceSpec{Command: "yara-feed-server"},
	}
}

func waitPolled(t *testing.T, m *feeds.Manager, name string) feeds.Status {
	t.Helper()
	var st feeds.Status
	require.Eventually(t, func() bool {
		var ok bool
		st, ok = m.Status(name)
		return ok && st.LastUpdate != nil
	}, eventually, tick)
	return st
}

// ── Tests ────────────────────────────────────────────────────────────────

func TestSubscribe_statusReflectsInput(t *testing.T) {
	m := newManager(&stubConnector{}, &stubDispatcher{})
	defer m.Close()

	for _, enabled := range []bool{true, false} {
		feed := yaraFeed("feed-" + map[bool]string{true: "on", false: "off"}[enabled])
		feed.Enabled = enabled

		id, err := m.Subscribe(context.Background(), feed, nil)
		require.NoError(t, err)
		assert.NotEmpty(t, id)

		st, ok := m.Status(feed.Name)
		require.True(t, ok)
		assert.Equal(t, enabled, st.Enabled)
		assert.Equal(t, feeds.KindYARARule, st.FeedType)
		assert.Equal(t, id, st.SubscriptionID)
		assert.Equal(t, 1, st.UpdateIntervalMinutes)
		if enabled {
			assert.Equal(t, feeds.StateActive, st.Status)
		} else {
			assert.Equal(t, feeds.StateInactive, st.Status)
		}
	}
	assert.Len(t, m.StatusAll(), 2)
}

func TestSubscribe_invalidKind(t *testing.T) {
	m := newManager(&stubConnector{}, &stubDispatcher{})
	defer m.Close()

	feed := yaraFeed("bad")
	feed.Kind = "malware-sample"
	_, err := m.Subscribe(context.Background(), feed, nil)

	var kindErr *feeds.InvalidFeedKindError
	require.ErrorAs(t, err, &kindErr)
	assert.Equal(t, "malware-sample", kindErr.Kind)
	_, ok := m.Status("bad")
	assert.False(t, ok)
}

func TestUnsubscribe_unknownNameIsNoop(t *testing.T) {
	m := newManager(&stubConnector{}, &stubDispatcher{})
	defer m.Close()

	assert.False(t, m.Unsubscribe("never-subscribed"))
	assert.Empty(t, m.StatusAll())
}

func TestUnsubscribe_stopsAndClosesSource(t *testing.T) {
	src := &stubSource{}
	m := newManager(&stubConnector{sources: []*stubSource{src}}, &stubDispatcher{})
	defer m.Close()

	_, err := m.Subscribe(context.Background(), yaraFeed("a"), nil)
	require.NoError(t, err)
	waitPolled(t, m, "a")

	assert.True(t, m.Unsubscribe("a"))
	assert.False(t, m.Unsubscribe("a"), "second unsubscribe is a no-op")
	_, ok := m.Status("a")
	assert.False(t, ok)
	assert.Eventually(t, src.isClosed, eventually, tick)
}

func TestFirstPoll_isImmediateAndSetsLastUpdate(t *testing.T) {
	src := &stubSource{items: []any{
		map[string]any{"type": "yara-rule", "rule": map[string]any{"name": "x", "rule": "rule x { condition: true }"}},
	}}
	disp := &stubDispatcher{}
	m := newManager(&stubConnector{sources: []*stubSource{src}}, disp)
	defer m.Close()

	start := time.Now()
	_, err := m.Subscribe(context.Background(), yaraFeed("yara"), nil)
	require.NoError(t, err)

	st := waitPolled(t, m, "yara")
	assert.Less(t, time.Since(start), time.Minute)
	assert.NotNil(t, st.LastChecked)
	assert.NotNil(t, st.NextCheck)
	assert.Equal(t, 1, st.UpdatesApplied)

	require.Equal(t, 1, disp.count())
	assert.Equal(t, feeds.UpdateYARARule, disp.calls[0].updateType)
	assert.Equal(t, "yara", disp.calls[0].source)

	// First poll asks for the last 24 hours.
	require.Equal(t, 1, src.fetches())
	assert.WithinDuration(t, start.Add(-24*time.Hour), src.sinces[0], 5*time.Second)
}

func TestPoll_failedDispatchDoesNotAbortBatch(t *testing.T) {
	src := &stubSource{items: []any{
		map[string]any{"type": "new-indicator", "payload": map[string]any{"value": "1"}},
		map[string]any{"type": "new-indicator", "payload": map[string]any{"value": "2", "fail": true}},
		map[string]any{"type": "new-indicator", "payload": map[string]any{"value": "3"}},
	}}
	disp := &stubDispatcher{}
	feed := yaraFeed("iocs")
	feed.Kind = feeds.KindIndicator
	m := newManager(&stubConnector{sources: []*stubSource{src}}, disp)
	defer m.Close()

	_, err := m.Subscribe(context.Background(), feed, nil)
	require.NoError(t, err)
	st := waitPolled(t, m, "iocs")

	assert.Equal(t, 3, disp.count())
	assert.Equal(t, 1, disp.failed)
	assert.Equal(t, 2, st.UpdatesApplied)
	assert.Empty(t, st.LastError)
}

func TestPoll_callbackFailuresAreIsolated(t *testing.T) {
	src := &stubSource{items: []any{"rule a", "rule b"}}
	disp := &stubDispatcher{}
	m := newManager(&stubConnector{sources: []*stubSource{src}}, disp)
	defer m.Close()

	var mu sync.Mutex
	var seen []feeds.ThreatFeedUpdate
	cb := func(_ context.Context, u feeds.ThreatFeedUpdate) error {
		mu.Lock()
		seen = append(seen, u)
		n := len(seen)
		mu.Unlock()
		if n == 1 {
			return errors.New("callback rejected update")
		}
		panic("callback exploded")
	}

	feed := yaraFeed("sigs")
	feed.Kind = feeds.KindSignature
	_, err := m.Subscribe(context.Background(), feed, cb)
	require.NoError(t, err)
	waitPolled(t, m, "sigs")

	assert.Equal(t, 2, disp.count(), "both updates dispatched despite callback failures")
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 2)
	assert.Equal(t, feeds.UpdateSignature, seen[0].UpdateType)
	assert.Equal(t, "rule a", seen[0].Payload)
	assert.Equal(t, "sigs", seen[1].FeedName)
}

func TestPoll_fetchFailureKeepsWindow(t *testing.T) {
	src := &stubSource{err: errors.New("connection reset")}
	m := newManager(&stubConnector{sources: []*stubSource{src}}, &stubDispatcher{})
	defer m.Close()

	_, err := m.Subscribe(context.Background(), yaraFeed("flaky"), nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		st, _ := m.Status("flaky")
		return st.LastError != ""
	}, eventually, tick)

	st, _ := m.Status("flaky")
	assert.Nil(t, st.LastChecked)
	assert.Nil(t, st.LastUpdate)
	assert.Contains(t, st.LastError, "connection reset")
	assert.Eventually(t, src.isClosed, eventually, tick, "broken source is dropped for reconnect")
}

func TestPoll_disabledFeedIsSkipped(t *testing.T) {
	src := &stubSource{items: []any{"rule"}}
	disp := &stubDispatcher{}
	m := newManager(&stubConnector{sources: []*stubSource{src}}, disp)
	defer m.Close()

	feed := yaraFeed("off")
	feed.Enabled = false
	_, err := m.Subscribe(context.Background(), feed, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		st, _ := m.Status("off")
		return st.NextCheck != nil
	}, eventually, tick)

	st, _ := m.Status("off")
	assert.Nil(t, st.LastChecked)
	assert.False(t, st.Connected)
	assert.Zero(t, src.fetches())
	assert.Zero(t, disp.count())
}

func TestSubscribe_disabledFeedDoesNotConnect(t *testing.T) {
	conn := &stubConnector{}
	m := newManager(conn, &stubDispatcher{})
	defer m.Close()

	feed := yaraFeed("off")
	feed.Enabled = false
	_, err := m.Subscribe(context.Background(), feed, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		st, _ := m.Status("off")
		return st.NextCheck != nil
	}, eventually, tick)
	assert.Zero(t, conn.connectCount(), "a disabled feed must not start its source")
}

func TestSubscribe_connectionErrorStillRecordsAndReconnects(t *testing.T) {
	src := &stubSource{items: []any{"rule"}}
	conn := &stubConnector{sources: []*stubSource{src}, failures: 1}
	m := newManager(conn, &stubDispatcher{})
	defer m.Close()

	id, err := m.Subscribe(context.Background(), yaraFeed("late"), nil)
	var connErr *feeds.ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.NotEmpty(t, id)

	st := waitPolled(t, m, "late")
	assert.True(t, st.Connected)
	assert.Equal(t, 1, src.fetches())
}

func TestResubscribe_replacesWithoutDuplicate(t *testing.T) {
	published := time.Now().Add(-time.Hour).UTC().Format(time.RFC3339)
	rule := map[string]any{"type": "yara-rule", "rule": "rule x { condition: true }", "timestamp": published}
	first := &stubSource{items: []any{rule}}
	second := &stubSource{items: []any{rule}}
	disp := &stubDispatcher{}
	m := newManager(&stubConnector{sources: []*stubSource{first, second}}, disp)
	defer m.Close()

	_, err := m.Subscribe(context.Background(), yaraFeed("dup"), nil)
	require.NoError(t, err)
	before := waitPolled(t, m, "dup")

	feed := yaraFeed("dup")
	feed.PollInterval = 5 * time.Minute
	id2, err := m.Subscribe(context.Background(), feed, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return second.fetches() == 1 }, eventually, tick)
	all := m.StatusAll()
	require.Len(t, all, 1)
	assert.Equal(t, id2, all[0].SubscriptionID)
	assert.Equal(t, 5, all[0].UpdateIntervalMinutes)

	// The replacement resumes from the previous window and suppresses the
	// replayed rule.
	second.mu.Lock()
	since := second.sinces[0]
	second.mu.Unlock()
	assert.True(t, since.Equal(*before.LastChecked), "since %v, want %v", since, *before.LastChecked)
	assert.Equal(t, 1, disp.count())
	assert.Eventually(t, first.isClosed, eventually, tick)
}

func TestResubscribe_differentSourceStartsFresh(t *testing.T) {
	first := &stubSource{items: []any{"rule x"}}
	second := &stubSource{items: []any{"rule x"}}
	disp := &stubDispatcher{}
	m := newManager(&stubConnector{sources: []*stubSource{first, second}}, disp)
	defer m.Close()

	_, err := m.Subscribe(context.Background(), yaraFeed("moved"), nil)
	require.NoError(t, err)
	waitPolled(t, m, "moved")

	feed := yaraFeed("moved")
	feed.Source = feeds.SourceSpec{URL: "https://feeds.example/mcp"}
	_, err = m.Subscribe(context.Background(), feed, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return disp.count() == 2 }, eventually, tick)
}

func TestClose_rejectsNewSubscriptions(t *testing.T) {
	m := newManager(&stubConnector{}, &stubDispatcher{})
	m.Close()
	_, err := m.Subscribe(context.Background(), yaraFeed("late"), nil)
	assert.ErrorIs(t, err, feeds.ErrManagerClosed)
}

func TestMCPConnector_httpFeed(t *testing.T) {
	var gotArgs map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		case http.MethodDelete:
			w.WriteHeader(http.StatusNoContent)
			return
		}
		var req struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
			Params struct {
				Name      string         `json:"name"`
				Arguments map[string]any `json:"arguments"`
			} `json:"params"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		if len(req.ID) == 0 {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		var result any
		switch req.Method {
		case "initialize":
			result = map[string]any{
				"protocolVersion": "2024-11-05",
				"capabilities":    map[string]any{"tools": map[string]any{}},
				"serverInfo":      map[string]any{"name": "ioc-feed", "version": "1.0.0"},
			}
		case "tools/list":
			result = map[string]any{"tools": []any{map[string]any{"name": "get_domain_updates", "inputSchema": map[string]any{"type": "object"}}}}
		case "tools/call":
			assert.Equal(t, "get_domain_updates", req.Params.Name)
			gotArgs = req.Params.Arguments
			text := `{"updates":[{"action":"add","indicator":"evil.example"},{"action":"remove","indicator":"old.example"}]}`
			result = map[string]any{"content": []any{map[string]any{"type": "text", "text": text}}}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": result})
	}))
	defer srv.Close()

	conn := feeds.MCPConnector{Logger: zap.NewNop()}
	feed := feeds.ThreatFeed{Name: "domains", Kind: feeds.KindDomain, Enabled: true, Source: feeds.SourceSpec{URL: srv.URL}}
	src, err := conn.Connect(context.Background(), feed)
	require.NoError(t, err)
	defer src.Close()

	since := time.Date(2025, 10, 1, 0, 0, 0, 0, time.UTC)
	items, err := src.Fetch(context.Background(), since)
	require.NoError(t, err)
	assert.Len(t, items, 2)
	assert.Equal(t, "2025-10-01T00:00:00Z", gotArgs["since"])
	assert.Equal(t, "domain", gotArgs["feed_type"])
}

func TestMCPConnector_noSource(t *testing.T) {
	src, err := feeds.MCPConnector{Logger: zap.NewNop()}.Connect(context.Background(), feeds.ThreatFeed{Name: "x", Kind: feeds.KindIP})
	assert.NoError(t, err)
	assert.Nil(t, src)
}

func TestPoll_reAddedIndicatorIsDispatchedAgain(t *testing.T) {
	at := func(min int) string {
		return time.Date(2025, 10, 1, 8, min, 0, 0, time.UTC).Format(time.RFC3339)
	}
	added := map[string]any{"type": "new-indicator", "indicator": "evil.example", "timestamp": at(0)}
	src := &stubSource{batches: [][]any{
		{added},
		{map[string]any{"type": "expired-indicator", "indicator": "evil.example", "timestamp": at(5)}},
		{map[string]any{"type": "new-indicator", "indicator": "evil.example", "timestamp": at(10)}},
		{added}, // replay of the first event
	}}
	disp := &stubDispatcher{}
	m := newFastManager(&stubConnector{sources: []*stubSource{src}}, disp)
	defer m.Close()

	_, err := m.Subscribe(context.Background(), fastFeed("iocs", feeds.KindIndicator), nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return src.fetches() >= 5 }, eventually, tick)

	calls := disp.snapshot()
	require.Len(t, calls, 3)
	assert.Equal(t, feeds.UpdateNewIndicator, calls[0].updateType)
	assert.Equal(t, feeds.UpdateExpiredIndicator, calls[1].updateType)
	assert.Equal(t, feeds.UpdateNewIndicator, calls[2].updateType)
}

func TestPoll_untimestampedRepeatsAreAlwaysHandled(t *testing.T) {
	src := &stubSource{batches: [][]any{{"evil.example"}, {"evil.example"}}}
	disp := &stubDispatcher{}
	m := newFastManager(&stubConnector{sources: []*stubSource{src}}, disp)
	defer m.Close()

	_, err := m.Subscribe(context.Background(), fastFeed("domains", feeds.KindDomain), nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return disp.count() == 2 }, eventually, tick)
}

func TestPoll_neverOverlapsForOneFeed(t *testing.T) {
	src := &stubSource{delay: 3 * fastInterval}
	m := newFastManager(&stubConnector{sources: []*stubSource{src}}, &stubDispatcher{})
	defer m.Close()

	_, err := m.Subscribe(context.Background(), fastFeed("slow", feeds.KindYARARule), nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return src.fetches() >= 4 }, eventually, tick)

	src.mu.Lock()
	defer src.mu.Unlock()
	assert.Equal(t, 1, src.maxInFlight, "a feed's polls must not run concurrently")
}

func TestPoll_hungFeedDoesNotDelayOthers(t *testing.T) {
	release := make(chan struct{})
	hung := &stubSource{block: release}
	healthy := &stubSource{}
	m := newFastManager(&stubConnector{sources: []*stubSource{hung, healthy}}, &stubDispatcher{})
	defer m.Close()
	defer close(release)

	_, err := m.Subscribe(context.Background(), fastFeed("hung", feeds.KindYARARule), nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return hung.fetches() == 1 }, eventually, tick)

	_, err = m.Subscribe(context.Background(), fastFeed("healthy", feeds.KindSignature), nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return healthy.fetches() >= 3 }, eventually, tick)
	assert.Equal(t, 1, hung.fetches(), "the hung poll is still in flight")
}

func TestPoll_dispatchFollowsSourceOrder(t *testing.T) {
	items := make([]any, 0, 6)
	for i := 0; i < 6; i++ {
		items = append(items, fmt.Sprintf("sig-%d", i))
	}
	src := &stubSource{items: items}
	disp := &stubDispatcher{}
	m := newManager(&stubConnector{sources: []*stubSource{src}}, disp)
	defer m.Close()

	var mu sync.Mutex
	var observed []any
	cb := func(_ context.Context, u feeds.ThreatFeedUpdate) error {
		mu.Lock()
		observed = append(observed, u.Payload)
		mu.Unlock()
		return nil
	}

	_, err := m.Subscribe(context.Background(), fastFeed("sigs", feeds.KindSignature), cb)
	require.NoError(t, err)
	waitPolled(t, m, "sigs")

	calls := disp.snapshot()
	require.Len(t, calls, len(items))
	for i, c := range calls {
		assert.Equal(t, items[i], c.payload, "dispatch %d out of order", i)
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, items, observed, "callbacks run in source order")
}

func TestPoll_windowAdvancesToPollStart(t *testing.T) {
	src := &stubSource{delay: 50 * time.Millisecond}
	m := newFastManager(&stubConnector{sources: []*stubSource{src}}, &stubDispatcher{})
	defer m.Close()

	_, err := m.Subscribe(context.Background(), fastFeed("window", feeds.KindYARARule), nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return src.fetches() >= 2 }, eventually, tick)

	src.mu.Lock()
	defer src.mu.Unlock()
	require.NotEmpty(t, src.returned)
	assert.True(t, src.sinces[1].Before(src.returned[0]),
		"second window starts at %v, after the first fetch returned at %v", src.sinces[1], src.returned[0])
}

package relaysync

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var testStart = time.Date(2026, 1, 5, 2, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	f       func()
	fired   bool
	stopped bool
}

func newFakeClock(now time.Time) *fakeClock {
	return &fakeClock{now: now}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	timer := &fakeTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, timer)
	return timer
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	return true
}

// Advance moves time forward and fires every due timer in order. Callbacks
// run outside the clock lock so they may arm new timers.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	for {
		var due *fakeTimer
		for _, timer := range c.timers {
			if timer.fired || timer.stopped || timer.at.After(target) {
				continue
			}
			if due == nil || timer.at.Before(due.at) {
				due = timer
			}
		}
		if due == nil {
			break
		}
		due.fired = true
		if due.at.After(c.now) {
			c.now = due.at
		}
		c.mu.Unlock()
		due.f()
		c.mu.Lock()
	}
	c.now = target
	c.mu.Unlock()
}

func (c *fakeClock) pendingTimers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	count := 0
	for _, timer := range c.timers {
		if !timer.fired && !timer.stopped {
			count++
		}
	}
	return count
}

// fakeRemote serves a fixed ordered dataset. Cursors are "c<offset>".
type fakeRemote struct {
	mu          sync.Mutex
	items       []json.RawMessage
	total       int
	overDeliver int
	metricsErr  error
	pageErr     error
	beforePage  func(req FetchRequest)
	requests    []FetchRequest
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func newFakeRemote(count int) *fakeRemote {
	items := make([]json.RawMessage, 0, count)
	for i := 0; i < count; i++ {
		items = append(items, json.RawMessage(fmt.Sprintf(`{"id":"item-%05d","kind":"contact"}`, i)))
	}
	return &fakeRemote{items: items, total: count}
}

func (r *fakeRemote) FetchPage(ctx context.Context, accountID string, req FetchRequest) (Page, error) {
	current := r.inFlight.Add(1)
	defer r.inFlight.Add(-1)
	for {
		seen := r.maxInFlight.Load()
		if current <= seen || r.maxInFlight.CompareAndSwap(seen, current) {
			break
		}
	}
	r.mu.Lock()
	r.requests = append(r.requests, req)
	hook := r.beforePage
	pageErr := r.pageErr
	r.mu.Unlock()
	if hook != nil {
		hook(req)
	}
	if pageErr != nil {
		return Page{}, pageErr
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	offset := 0
	if req.Cursor != nil {
		parsed, err := strconv.Atoi(strings.TrimPrefix(*req.Cursor, "c"))
		if err != nil {
			return Page{}, fmt.Errorf("bad cursor %q", *req.Cursor)
		}
		offset = parsed
	}
	if offset > len(r.items) {
		offset = len(r.items)
	}
	end := offset + req.Limit
	if end > len(r.items) {
		end = len(r.items)
	}
	served := end + r.overDeliver
	if served > len(r.items) {
		served = len(r.items)
	}
	page := Page{Items: append([]json.RawMessage(nil), r.items[offset:served]...)}
	if end < len(r.items) {
		next := fmt.Sprintf("c%d", end)
		page.NextCursor = &next
	}
	return page, nil
}

func (r *fakeRemote) FetchAccountMetrics(ctx context.Context, accountID string) (ConnectionMetrics, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.metricsErr != nil {
		return ConnectionMetrics{}, r.metricsErr
	}
	return ConnectionMetrics{TotalItems: r.total}, nil
}

func (r *fakeRemote) recorded() []FetchRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]FetchRequest(nil), r.requests...)
}

type recordingSink struct {
	mu     sync.Mutex
	events []StatusEvent
}

func (s *recordingSink) Publish(ctx context.Context, event StatusEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *recordingSink) types() []StatusEventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]StatusEventType, 0, len(s.events))
	for _, event := range s.events {
		out = append(out, event.Type)
	}
	return out
}

type testEngine struct {
	*Engine
	clock  *fakeClock
	remote *fakeRemote
	store  *InMemoryBackingStore
	sink   *recordingSink
}

func newTestEngine(t *testing.T, remote *fakeRemote, start time.Time) *testEngine {
	t.Helper()
	return newTestEngineWithStore(t, remote, start, nil)
}

// newTestEngineWithStore lets a test wrap the memory store, for example to
// inject write failures.
func newTestEngineWithStore(t *testing.T, remote *fakeRemote, start time.Time, wrap func(*InMemoryBackingStore) BackingStore) *testEngine {
	t.Helper()
	clock := newFakeClock(start)
	store := NewInMemoryBackingStore()
	var backing BackingStore = store
	if wrap != nil {
		backing = wrap(store)
	}
	sink := &recordingSink{}
	var seq atomic.Int64
	engine, err := NewEngine(EngineOptions{
		Store:          backing,
		Remote:         remote,
		Sink:           sink,
		Clock:          clock,
		MetricsTTL:     -1,
		DisableWorkers: true,
		NewID: func() string {
			return fmt.Sprintf("id-%04d", seq.Add(1))
		},
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(engine.Stop)
	return &testEngine{Engine: engine, clock: clock, remote: remote, store: store, sink: sink}
}

// drain runs queued jobs on the calling goroutine until the queue is empty.
func (te *testEngine) drain(t *testing.T) int {
	t.Helper()
	ran := 0
	for te.queue.Depth() > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		job, ok := te.queue.Dequeue(ctx)
		cancel()
		if !ok {
			t.Fatalf("expected queued job, dequeue returned nothing")
		}
		te.runJob(job)
		ran++
	}
	return ran
}

func (te *testEngine) seedSchedule(t *testing.T, workspaceID, accountID string, strategy SyncStrategy) {
	t.Helper()
	next := te.clock.Now().Add(time.Duration(strategy.SyncIntervalMinutes) * time.Minute)
	err := te.store.UpsertSchedule(context.Background(), SyncSchedule{
		WorkspaceID:      workspaceID,
		AccountID:        accountID,
		Enabled:          true,
		IntervalMinutes:  strategy.SyncIntervalMinutes,
		SyncType:         SyncBoth,
		BatchSize:        strategy.BatchSize,
		MaxItemsPerCycle: strategy.MaxItemsPerCycle,
		PriorityMode:     strategy.PriorityMode,
		NextSyncAt:       &next,
	})
	if err != nil {
		t.Fatalf("seed schedule: %v", err)
	}
}

func historyTriggers(history []SyncOutcome) []string {
	out := make([]string, 0, len(history))
	for _, outcome := range history {
		label := string(outcome.Trigger)
		if outcome.Phase != "" {
			label += ":" + string(outcome.Phase)
		}
		out = append(out, label)
	}
	sort.Strings(out)
	return out
}

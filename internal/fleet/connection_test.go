package fleet

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ukydev/control-room/internal/models"
	"github.com/ukydev/control-room/internal/retry"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

type fetchResult struct {
	snap models.Snapshot
	err  error
}

type fakeFetcher struct {
	mu      sync.Mutex
	results []fetchResult
	calls   int
	block   bool
}

func (f *fakeFetcher) FetchSnapshot(ctx context.Context, tenantID string) (models.Snapshot, error) {
	f.mu.Lock()
	i := f.calls
	f.calls++
	block := f.block
	var r fetchResult
	if len(f.results) > 0 {
		if i >= len(f.results) {
			i = len(f.results) - 1
		}
		r = f.results[i]
	}
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return r.snap.Clone(), r.err
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeFeed struct {
	mu           sync.Mutex
	handlers     []FeedHandler
	unsubscribed int
	subscribeErr error
}

type fakeSubscription struct{ feed *fakeFeed }

func (s fakeSubscription) Unsubscribe() error {
	s.feed.mu.Lock()
	defer s.feed.mu.Unlock()
	s.feed.unsubscribed++
	return nil
}

func (f *fakeFeed) Subscribe(ctx context.Context, tenantID string, h FeedHandler) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscribeErr != nil {
		return nil, f.subscribeErr
	}
	f.handlers = append(f.handlers, h)
	return fakeSubscription{feed: f}, nil
}

func (f *fakeFeed) subscriptions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handlers)
}

func (f *fakeFeed) unsubscribes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unsubscribed
}

func (f *fakeFeed) last() FeedHandler {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handlers[len(f.handlers)-1]
}

func (f *fakeFeed) emit(ev models.ChangeEvent) { f.last().OnChange(ev) }

func (f *fakeFeed) fail(err error) { f.last().OnError(err) }

type recorder struct {
	mu        sync.Mutex
	states    []ConnectionState
	snapshots []models.Snapshot
	onSnap    func()
}

func (r *recorder) snapshot(s models.Snapshot) {
	r.mu.Lock()
	r.snapshots = append(r.snapshots, s)
	hook := r.onSnap
	r.mu.Unlock()
	if hook != nil {
		hook()
	}
}

func (r *recorder) status(s ConnectionState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *recorder) statuses() []ConnectionStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ConnectionStatus, len(r.states))
	for i, s := range r.states {
		out[i] = s.Status
	}
	return out
}

func (r *recorder) lastState() ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.states[len(r.states)-1]
}

func (r *recorder) snapshotCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snapshots)
}

func (r *recorder) lastSnapshot() models.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.snapshots) == 0 {
		return nil
	}
	return r.snapshots[len(r.snapshots)-1]
}

func twoTrucks() models.Snapshot {
	return models.NewSnapshot([]models.PositionRecord{
		record("truck-001", models.StatusActive, t0),
		record("truck-002", models.StatusIdle, t0),
	})
}

func startManager(t *testing.T, fetcher *fakeFetcher, feed *fakeFeed, policy retry.Policy) (*retry.ManualScheduler, *recorder, CancelFunc) {
	t.Helper()
	sched := retry.NewManualScheduler()
	rec := &recorder{}
	m := NewManager(fetcher, feed, WithScheduler(sched), WithRetryPolicy(policy))
	cancel := m.Start("tenant-a", rec.snapshot, rec.status)
	t.Cleanup(cancel)
	return sched, rec, cancel
}

func TestManager_InitialSyncThenLiveUpdates(t *testing.T) {
	fetcher := &fakeFetcher{results: []fetchResult{{snap: twoTrucks()}}}
	feed := &fakeFeed{}
	_, rec, _ := startManager(t, fetcher, feed, retry.DefaultPolicy())

	require.Eventually(t, func() bool { return feed.subscriptions() == 1 }, waitFor, tick)
	assert.Equal(t, []ConnectionStatus{StatusConnecting, StatusConnected}, rec.statuses())
	assert.Len(t, rec.lastSnapshot(), 2)

	feed.emit(upsert(record("truck-003", models.StatusActive, t0)))
	assert.Len(t, rec.lastSnapshot(), 3)

	feed.emit(upsert(record("truck-001", models.StatusMaintenance, t0.Add(-time.Minute))))
	assert.Equal(t, 3, rec.snapshotCount(), "every feed event yields a snapshot")
	assert.Equal(t, models.StatusActive, rec.lastSnapshot()["truck-001"].Status)
}

func TestManager_RetriesAfterFailedFetch(t *testing.T) {
	fetcher := &fakeFetcher{results: []fetchResult{
		{err: errors.New("connection refused")},
		{snap: twoTrucks()},
	}}
	feed := &fakeFeed{}
	sched, rec, _ := startManager(t, fetcher, feed, retry.DefaultPolicy())

	require.Eventually(t, func() bool { return len(sched.Pending()) == 1 }, waitFor, tick)
	assert.Equal(t, []ConnectionStatus{StatusConnecting, StatusDisconnected}, rec.statuses())
	assert.EqualError(t, rec.lastState().LastError, "connection refused")
	assert.Equal(t, []time.Duration{10 * time.Second}, sched.Pending())
	assert.Zero(t, rec.snapshotCount())

	sched.Advance(9 * time.Second)
	assert.Equal(t, 1, fetcher.callCount())

	sched.Advance(time.Second)
	assert.Equal(t, []ConnectionStatus{StatusConnecting, StatusDisconnected, StatusConnecting, StatusConnected}, rec.statuses())
	assert.Equal(t, twoTrucks(), rec.lastSnapshot())
	assert.Equal(t, 0, rec.lastState().RetryCount)
	assert.Equal(t, 1, feed.subscriptions())
}

func TestManager_FeedErrorForcesFullResync(t *testing.T) {
	only := models.NewSnapshot([]models.PositionRecord{record("truck-001", models.StatusIdle, t0)})
	fetcher := &fakeFetcher{results: []fetchResult{{snap: twoTrucks()}, {snap: only}}}
	feed := &fakeFeed{}
	sched, rec, _ := startManager(t, fetcher, feed, retry.DefaultPolicy())

	require.Eventually(t, func() bool { return feed.subscriptions() == 1 }, waitFor, tick)
	feed.emit(upsert(record("truck-003", models.StatusActive, t0)))
	require.Len(t, rec.lastSnapshot(), 3)

	feed.fail(errors.New("socket closed"))
	assert.Equal(t, StatusDisconnected, rec.lastState().Status)
	assert.Equal(t, 1, feed.unsubscribes())

	sched.Advance(10 * time.Second)
	assert.Equal(t, StatusConnected, rec.lastState().Status)
	assert.Equal(t, only, rec.lastSnapshot(), "resync replaces merged state")
	assert.Equal(t, 2, feed.subscriptions())
}

func TestManager_StaleFeedEventsAreIgnored(t *testing.T) {
	fetcher := &fakeFetcher{results: []fetchResult{{snap: twoTrucks()}}}
	feed := &fakeFeed{}
	_, rec, _ := startManager(t, fetcher, feed, retry.DefaultPolicy())

	require.Eventually(t, func() bool { return feed.subscriptions() == 1 }, waitFor, tick)
	old := feed.last()
	feed.fail(errors.New("socket closed"))
	count := rec.snapshotCount()

	old.OnChange(upsert(record("truck-009", models.StatusActive, t0)))
	old.OnError(errors.New("again"))
	assert.Equal(t, count, rec.snapshotCount())
	assert.Equal(t, []ConnectionStatus{StatusConnecting, StatusConnected, StatusDisconnected}, rec.statuses())
}

func TestManager_DropsOtherTenantEvents(t *testing.T) {
	fetcher := &fakeFetcher{results: []fetchResult{{snap: twoTrucks()}}}
	feed := &fakeFeed{}
	_, rec, _ := startManager(t, fetcher, feed, retry.DefaultPolicy())

	require.Eventually(t, func() bool { return feed.subscriptions() == 1 }, waitFor, tick)
	foreign := record("truck-777", models.StatusActive, t0)
	foreign.TenantID = "tenant-b"
	feed.emit(upsert(foreign))

	assert.Equal(t, 1, rec.snapshotCount())
	assert.NotContains(t, rec.lastSnapshot(), "truck-777")
}

func TestManager_CancelWithPendingRetry(t *testing.T) {
	fetcher := &fakeFetcher{results: []fetchResult{{err: errors.New("timeout")}}}
	feed := &fakeFeed{}
	sched, rec, cancel := startManager(t, fetcher, feed, retry.DefaultPolicy())

	require.Eventually(t, func() bool { return len(sched.Pending()) == 1 }, waitFor, tick)
	cancel()
	assert.Empty(t, sched.Pending())

	sched.Advance(time.Hour)
	assert.Equal(t, 1, fetcher.callCount())
	assert.Equal(t, []ConnectionStatus{StatusConnecting, StatusDisconnected}, rec.statuses())
	assert.Zero(t, feed.subscriptions())
}

func TestManager_CancelDuringFetch(t *testing.T) {
	fetcher := &fakeFetcher{block: true}
	feed := &fakeFeed{}
	sched, rec, cancel := startManager(t, fetcher, feed, retry.DefaultPolicy())

	require.Eventually(t, func() bool { return fetcher.callCount() == 1 }, waitFor, tick)
	cancel()
	cancel()

	assert.Never(t, func() bool { return len(rec.statuses()) > 1 }, 100*time.Millisecond, tick)
	assert.Empty(t, sched.Pending())
	assert.Zero(t, rec.snapshotCount())
}

func TestManager_NoCallbacksAfterCancel(t *testing.T) {
	fetcher := &fakeFetcher{results: []fetchResult{{snap: twoTrucks()}}}
	feed := &fakeFeed{}
	_, rec, cancel := startManager(t, fetcher, feed, retry.DefaultPolicy())

	require.Eventually(t, func() bool { return feed.subscriptions() == 1 }, waitFor, tick)
	handler := feed.last()
	cancel()
	assert.Equal(t, 1, feed.unsubscribes())

	handler.OnChange(upsert(record("truck-003", models.StatusActive, t0)))
	handler.OnError(errors.New("closed"))
	assert.Equal(t, 1, rec.snapshotCount())
	assert.Len(t, rec.statuses(), 2)
}

func TestManager_CancelFromCallback(t *testing.T) {
	fetcher := &fakeFetcher{results: []fetchResult{{snap: twoTrucks()}}}
	feed := &fakeFeed{}
	sched := retry.NewManualScheduler()
	rec := &recorder{}
	m := NewManager(fetcher, feed, WithScheduler(sched))

	var cancel CancelFunc
	var once sync.Once
	ready := make(chan struct{})
	rec.onSnap = func() {
		<-ready
		once.Do(func() { cancel() })
	}
	cancel = m.Start("tenant-a", rec.snapshot, rec.status)
	close(ready)

	assert.Eventually(t, func() bool { return rec.snapshotCount() == 1 }, waitFor, tick)
	assert.Never(t, func() bool { return len(rec.statuses()) > 1 }, 100*time.Millisecond, tick)
}

func TestManager_GivesUpAfterMaxAttempts(t *testing.T) {
	fetcher := &fakeFetcher{results: []fetchResult{{err: errors.New("unreachable")}}}
	feed := &fakeFeed{}
	policy := retry.Policy{Delay: time.Second, MaxAttempts: 2, Backoff: retry.BackoffFlat}
	sched, rec, _ := startManager(t, fetcher, feed, policy)

	require.Eventually(t, func() bool { return len(sched.Pending()) == 1 }, waitFor, tick)
	sched.Advance(time.Second)
	sched.Advance(time.Second)

	assert.Equal(t, 3, fetcher.callCount())
	assert.Empty(t, sched.Pending())
	last := rec.lastState()
	assert.Equal(t, StatusDisconnected, last.Status)
	assert.Equal(t, 2, last.RetryCount)
	assert.Equal(t, "offline", last.Status.Label())
}

func TestConnectionStatus_Label(t *testing.T) {
	assert.Equal(t, "live", StatusConnected.Label())
	assert.Equal(t, "reconnecting", StatusConnecting.Label())
	assert.Equal(t, "offline", StatusDisconnected.Label())
}

// inlineScheduler runs fn before Schedule returns.
type inlineScheduler struct{}

type spentTicket struct{}

func (spentTicket) Cancel() bool { return false }

func (inlineScheduler) Schedule(_ time.Duration, fn func()) retry.Ticket {
	fn()
	return spentTicket{}
}

func TestManager_RetryFiringInsideSchedule(t *testing.T) {
	fetcher := &fakeFetcher{results: []fetchResult{
		{err: errors.New("connection refused")},
		{snap: twoTrucks()},
	}}
	feed := &fakeFeed{}
	rec := &recorder{}
	m := NewManager(fetcher, feed, WithScheduler(inlineScheduler{}), WithRetryPolicy(retry.DefaultPolicy()))
	cancel := m.Start("tenant-a", rec.snapshot, rec.status)
	t.Cleanup(cancel)

	require.Eventually(t, func() bool { return feed.subscriptions() == 1 }, waitFor, tick)
	assert.Equal(t, []ConnectionStatus{StatusConnecting, StatusDisconnected, StatusConnecting, StatusConnected}, rec.statuses())
	assert.Equal(t, 2, fetcher.callCount())
	assert.Len(t, rec.lastSnapshot(), 2)
}

func TestManager_RetriesOnRealTimers(t *testing.T) {
	fetcher := &fakeFetcher{results: []fetchResult{
		{err: errors.New("connection refused")},
		{err: errors.New("connection refused")},
		{snap: twoTrucks()},
	}}
	feed := &fakeFeed{}
	rec := &recorder{}
	m := NewManager(fetcher, feed, WithRetryPolicy(retry.Policy{Delay: time.Nanosecond, Backoff: retry.BackoffFlat}))
	cancel := m.Start("tenant-a", rec.snapshot, rec.status)
	t.Cleanup(cancel)

	require.Eventually(t, func() bool { return feed.subscriptions() == 1 }, waitFor, tick)
	state := rec.lastState()
	assert.Equal(t, StatusConnected, state.Status)
	assert.Equal(t, 3, fetcher.callCount())
	assert.Len(t, rec.lastSnapshot(), 2)
}

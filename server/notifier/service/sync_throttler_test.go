package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/boodymasoud7/netaq-crm-sub002/server/notifier/domain"
	"github.com/boodymasoud7/netaq-crm-sub002/server/notifier/store"
)

type fakeNotificationBackend struct {
	mu         sync.Mutex
	list       []domain.Notification
	unread     int
	confirmed  int
	listErr    error
	markErr    error
	clearErr   error
	markHook   func()
	listCalls  int
	countCalls int
	markCalls  int
	clearCalls int
}

func (f *fakeNotificationBackend) ListNotifications(context.Context) ([]domain.Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]domain.Notification(nil), f.list...), nil
}

func (f *fakeNotificationBackend) UnreadCount(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.countCalls++
	return f.unread, nil
}

func (f *fakeNotificationBackend) MarkRead(_ context.Context, ids []string) (int, error) {
	f.mu.Lock()
	f.markCalls++
	hook := f.markHook
	markErr := f.markErr
	confirmed := f.confirmed
	f.mu.Unlock()

	if hook != nil {
		hook()
	}
	if markErr != nil {
		return 0, markErr
	}
	if confirmed > 0 {
		return confirmed, nil
	}
	return len(ids), nil
}

func (f *fakeNotificationBackend) ClearAll(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clearCalls++
	return f.clearErr
}

func (f *fakeNotificationBackend) calls() (list, count, mark, clear int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls, f.countCalls, f.markCalls, f.clearCalls
}

func newThrottlerFixture(t *testing.T, backend *fakeNotificationBackend) (*SyncThrottler, *Aggregator, func(time.Duration)) {
	t.Helper()
	agg := NewAggregator(store.NewMemoryKV(), "user-1", nil)
	st := NewSyncThrottler(backend, agg, 4*time.Second, 3*time.Second)

	current := time.Now()
	var mu sync.Mutex
	st.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return current
	}
	advance := func(d time.Duration) {
		mu.Lock()
		current = current.Add(d)
		mu.Unlock()
	}
	return st, agg, advance
}

func TestFetchListThrottledToOneCallPerWindow(t *testing.T) {
	backend := &fakeNotificationBackend{list: []domain.Notification{notif("n1", "lead", time.Now(), false)}}
	st, _, advance := newThrottlerFixture(t, backend)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, _ = st.FetchList(ctx, false)
	}
	if list, _, _, _ := backend.calls(); list != 1 {
		t.Fatalf("5 fetches inside one window must make exactly 1 network call, got %d", list)
	}

	advance(5 * time.Second)
	if _, err := st.FetchList(ctx, false); err != nil {
		t.Fatalf("fetch after the window must go through: %v", err)
	}
	if list, _, _, _ := backend.calls(); list != 2 {
		t.Fatalf("want 2 network calls after window elapsed, got %d", list)
	}
}

func TestFetchListForceBypassesThrottle(t *testing.T) {
	backend := &fakeNotificationBackend{}
	st, _, _ := newThrottlerFixture(t, backend)
	ctx := context.Background()

	_, _ = st.FetchList(ctx, false)
	_, _ = st.FetchList(ctx, true)
	_, _ = st.FetchList(ctx, true)

	if list, _, _, _ := backend.calls(); list != 3 {
		t.Fatalf("forced fetches must always hit the network, got %d calls", list)
	}
}

func TestFetchListSuppressedServesCachedView(t *testing.T) {
	backend := &fakeNotificationBackend{list: []domain.Notification{notif("n1", "lead", time.Now(), false)}}
	st, _, _ := newThrottlerFixture(t, backend)
	ctx := context.Background()

	if _, err := st.FetchList(ctx, false); err != nil {
		t.Fatalf("first fetch: %v", err)
	}
	items, err := st.FetchList(ctx, false)
	if !errors.Is(err, ErrThrottled) {
		t.Fatalf("want ErrThrottled, got %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("suppressed fetch must serve the cached view, got %d items", len(items))
	}
}

func TestFetchListFailureKeepsPreviousState(t *testing.T) {
	backend := &fakeNotificationBackend{list: []domain.Notification{notif("n1", "lead", time.Now(), false)}}
	st, agg, advance := newThrottlerFixture(t, backend)
	ctx := context.Background()

	if _, err := st.FetchList(ctx, true); err != nil {
		t.Fatalf("seed fetch: %v", err)
	}

	backend.mu.Lock()
	backend.listErr = errors.New("backend down")
	backend.mu.Unlock()
	advance(10 * time.Second)

	items, err := st.FetchList(ctx, false)
	if err == nil {
		t.Fatal("expected the failure to be reported")
	}
	if len(items) != 1 || agg.UnreadCount() != 1 {
		t.Fatal("a failed sync must keep the previous state intact")
	}
}

func TestMarkReadCounterTracksDedupedView(t *testing.T) {
	now := time.Now()
	backend := &fakeNotificationBackend{list: []domain.Notification{
		notif("n1", "a", now, false),
		notif("n2", "b", now, false),
		notif("n3", "c", now, false),
	}}
	st, agg, _ := newThrottlerFixture(t, backend)
	ctx := context.Background()

	if _, err := st.FetchList(ctx, true); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if agg.UnreadCount() != 3 {
		t.Fatalf("want 3 unread, got %d", agg.UnreadCount())
	}

	// Backend confirms only 1 of the 2 (the other raced with another
	// client). The counter still follows the local flags; the entries
	// realign on the next list fetch.
	backend.mu.Lock()
	backend.confirmed = 1
	backend.mu.Unlock()

	if err := st.MarkRead(ctx, []string{"n1", "n2"}); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if agg.UnreadCount() != 1 {
		t.Fatalf("counter must equal the unread entries of the merged view: want 1, got %d", agg.UnreadCount())
	}
	for _, n := range agg.Snapshot() {
		if (n.ID == "n1" || n.ID == "n2") && !n.Read {
			t.Fatalf("optimistic flip missing on %s", n.ID)
		}
	}
}

func TestMarkReadWithInterleavedMergeDoesNotDoubleCount(t *testing.T) {
	now := time.Now()
	backend := &fakeNotificationBackend{list: []domain.Notification{
		notif("n1", "a", now, false),
		notif("n2", "b", now, false),
	}}
	st, agg, _ := newThrottlerFixture(t, backend)
	ctx := context.Background()

	if _, err := st.FetchList(ctx, true); err != nil {
		t.Fatalf("seed: %v", err)
	}

	// Hold the backend confirmation open so a merge can land in between.
	release := make(chan struct{})
	backend.mu.Lock()
	backend.markHook = func() { <-release }
	backend.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- st.MarkRead(ctx, []string{"n1"}) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, _, mark, _ := backend.calls(); mark == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("mark-read call never reached the backend")
		}
		time.Sleep(time.Millisecond)
	}

	// A stream event arrives mid-flight; its merge already sees n1's
	// flipped flag.
	agg.AcceptStreamEvent(ctx, domain.StreamEnvelope{Type: domain.EventNewLead, ID: "n3", Title: "c", Message: "m-c", Timestamp: now})

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("mark read: %v", err)
	}

	unreadEntries := 0
	for _, n := range agg.Snapshot() {
		if !n.Read {
			unreadEntries++
		}
	}
	if unreadEntries != 2 {
		t.Fatalf("want n2 and n3 unread, got %d entries", unreadEntries)
	}
	if got := agg.UnreadCount(); got != unreadEntries {
		t.Fatalf("counter diverged from the deduped view: counter=%d entries=%d", got, unreadEntries)
	}
}

func TestMarkReadBackendFailureIsSoft(t *testing.T) {
	now := time.Now()
	backend := &fakeNotificationBackend{
		list:    []domain.Notification{notif("n1", "a", now, false)},
		markErr: errors.New("backend down"),
	}
	st, agg, _ := newThrottlerFixture(t, backend)
	ctx := context.Background()
	_, _ = st.FetchList(ctx, true)

	if err := st.MarkRead(ctx, []string{"n1"}); err != nil {
		t.Fatalf("mark-read failures must degrade to a no-op, got %v", err)
	}
	if snapshot := agg.Snapshot(); !snapshot[0].Read {
		t.Fatal("the optimistic flip must survive a backend failure")
	}
}

func TestFetchUnreadCountReconcilesOnDivergence(t *testing.T) {
	now := time.Now()
	backend := &fakeNotificationBackend{
		list:   []domain.Notification{notif("n1", "a", now, false), notif("n2", "b", now, false)},
		unread: 2,
	}
	st, _, _ := newThrottlerFixture(t, backend)
	ctx := context.Background()

	// Local view is empty, remote says 2: the count call must trigger a
	// list reconciliation and the deduped count becomes authoritative.
	count, err := st.FetchUnreadCount(ctx, true)
	if err != nil {
		t.Fatalf("fetch unread: %v", err)
	}
	if count != 2 {
		t.Fatalf("want reconciled count 2, got %d", count)
	}
	if list, countCalls, _, _ := backend.calls(); list != 1 || countCalls != 1 {
		t.Fatalf("want 1 list + 1 count call, got list=%d count=%d", list, countCalls)
	}
}

func TestClearAllPurgesRemoteAndLocal(t *testing.T) {
	now := time.Now()
	backend := &fakeNotificationBackend{list: []domain.Notification{notif("n1", "a", now, false)}}
	st, agg, _ := newThrottlerFixture(t, backend)
	ctx := context.Background()
	_, _ = st.FetchList(ctx, true)

	if err := st.ClearAll(ctx); err != nil {
		t.Fatalf("clear all: %v", err)
	}
	if _, _, _, clear := backend.calls(); clear != 1 {
		t.Fatalf("want 1 remote clear call, got %d", clear)
	}
	if len(agg.Snapshot()) != 0 || agg.UnreadCount() != 0 {
		t.Fatal("local caches must be emptied with the remote store")
	}
}

func TestClearAllRemoteFailureKeepsState(t *testing.T) {
	now := time.Now()
	backend := &fakeNotificationBackend{
		list:     []domain.Notification{notif("n1", "a", now, false)},
		clearErr: errors.New("backend down"),
	}
	st, agg, _ := newThrottlerFixture(t, backend)
	ctx := context.Background()
	_, _ = st.FetchList(ctx, true)

	if err := st.ClearAll(ctx); err == nil {
		t.Fatal("expected the clear failure to be reported")
	}
	if len(agg.Snapshot()) != 1 {
		t.Fatal("a failed remote clear must not drop local state")
	}
}

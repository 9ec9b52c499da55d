package service

import (
	"context"
	"errors"
	"sync"
	"time"

	commonlog "github.com/boodymasoud7/netaq-crm-sub002/server/common/log"
	"github.com/boodymasoud7/netaq-crm-sub002/server/notifier/domain"
)

// ErrThrottled reports that a non-forced fetch landed inside the throttle
// window and the cached view was returned instead of a network call.
var ErrThrottled = errors.New("fetch throttled, serving cached view")

type notificationBackend interface {
	ListNotifications(ctx context.Context) ([]domain.Notification, error)
	UnreadCount(ctx context.Context) (int, error)
	MarkRead(ctx context.Context, ids []string) (int, error)
	ClearAll(ctx context.Context) error
}

// SyncThrottler mediates every remote notification read/write, enforcing a
// minimum interval per operation type. Background failures degrade to
// logged no-ops; previous state is kept.
type SyncThrottler struct {
	crm notificationBackend
	agg *Aggregator

	listWindow  time.Duration
	countWindow time.Duration

	mu        sync.Mutex
	lastList  time.Time
	lastCount time.Time

	now func() time.Time
}

func NewSyncThrottler(crm notificationBackend, agg *Aggregator, listWindow, countWindow time.Duration) *SyncThrottler {
	return &SyncThrottler{
		crm:         crm,
		agg:         agg,
		listWindow:  listWindow,
		countWindow: countWindow,
		now:         time.Now,
	}
}

// FetchList refreshes the persisted-source view from the backend and returns
// the merged snapshot. Inside the throttle window the cached snapshot is
// returned with ErrThrottled unless force is set (explicit user refresh).
func (t *SyncThrottler) FetchList(ctx context.Context, force bool) ([]domain.Notification, error) {
	if !t.claim(&t.lastList, t.listWindow, force) {
		return t.agg.Snapshot(), ErrThrottled
	}

	items, err := t.crm.ListNotifications(ctx)
	if err != nil {
		commonlog.Warnf("event=sync action=fetch_list status=failed error=%v", err)
		return t.agg.Snapshot(), err
	}
	t.agg.SetPersisted(ctx, items)
	return t.agg.Snapshot(), nil
}

// FetchUnreadCount returns the unread count of the merged, deduplicated view.
// The remote counter is fetched (throttled) only to detect divergence; a
// mismatch forces a list refresh so the remote store wins reconciliation.
func (t *SyncThrottler) FetchUnreadCount(ctx context.Context, force bool) (int, error) {
	if !t.claim(&t.lastCount, t.countWindow, force) {
		return t.agg.UnreadCount(), ErrThrottled
	}

	remote, err := t.crm.UnreadCount(ctx)
	if err != nil {
		commonlog.Warnf("event=sync action=fetch_unread status=failed error=%v", err)
		return t.agg.UnreadCount(), nil
	}
	if remote != t.agg.UnreadCount() {
		if _, err := t.FetchList(ctx, true); err != nil && !errors.Is(err, ErrThrottled) {
			commonlog.Warnf("event=sync action=reconcile_unread status=failed error=%v", err)
		}
	}
	return t.agg.UnreadCount(), nil
}

// MarkRead flips read-state optimistically, then recounts the unread counter
// from the merged view once the backend confirms. The recount is idempotent,
// so merges landing while the call is in flight cannot double-apply the flip.
// A failed backend call keeps the optimistic state; the next list fetch
// reconciles.
func (t *SyncThrottler) MarkRead(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	t.agg.MarkReadLocal(ids)

	confirmed, err := t.crm.MarkRead(ctx, ids)
	if err != nil {
		commonlog.Warnf("event=sync action=mark_read status=failed ids=%d error=%v", len(ids), err)
		return nil
	}
	if confirmed < len(ids) {
		// Another client raced us; the entries themselves realign on the
		// next list fetch.
		commonlog.Debugf("event=sync action=mark_read status=partial requested=%d confirmed=%d", len(ids), confirmed)
	}
	t.agg.ReconcileUnread()
	return nil
}

// ClearAll clears the remote store and every local cache, so the merged view
// cannot resurrect stale entries on the next fetch.
func (t *SyncThrottler) ClearAll(ctx context.Context) error {
	if err := t.crm.ClearAll(ctx); err != nil {
		commonlog.Warnf("event=sync action=clear_all status=failed error=%v", err)
		return err
	}
	t.agg.ClearLocalCaches(ctx)

	t.mu.Lock()
	t.lastList = time.Time{}
	t.lastCount = time.Time{}
	t.mu.Unlock()
	return nil
}

// claim records the call timestamp when the window has elapsed or force is
// set; callers that fail to claim must serve the cached state.
func (t *SyncThrottler) claim(last *time.Time, window time.Duration, force bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	if !force && !last.IsZero() && now.Sub(*last) < window {
		return false
	}
	*last = now
	return true
}

package service

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	commonlog "github.com/boodymasoud7/netaq-crm-sub002/server/common/log"
	"github.com/boodymasoud7/netaq-crm-sub002/server/notifier/domain"
	"github.com/boodymasoud7/netaq-crm-sub002/server/notifier/store"
)

const snapshotLimit = 100

// Aggregator merges notifications from the push stream, the persisted remote
// store and locally-raised events into one deduplicated, time-ordered view.
// It is the sole writer of the merged snapshot and its unread counter.
type Aggregator struct {
	mu        sync.Mutex
	stream    []domain.Notification
	persisted []domain.Notification
	local     []domain.Notification

	merged []domain.Notification
	unread int

	kv          store.KV
	snapshotKey string
	pub         *EventPublisher
}

func NewAggregator(kv store.KV, userID string, pub *EventPublisher) *Aggregator {
	return &Aggregator{
		kv:          kv,
		snapshotKey: "notifier:snapshot:" + userID,
		pub:         pub,
	}
}

// Merge deduplicates the three source lists and sorts the result newest
// first. Duplicate identities keep the first occurrence in source-priority
// order (persisted, stream, local); a later read duplicate propagates its
// read flag onto the kept entry so read-state is never lost.
func Merge(stream, persisted, local []domain.Notification) []domain.Notification {
	merged := make([]domain.Notification, 0, len(stream)+len(persisted)+len(local))
	index := map[string]int{}

	appendTagged := func(items []domain.Notification, source domain.NotificationSource) {
		for _, n := range items {
			n.Source = source
			key := n.IdentityKey()
			if key == "" {
				merged = append(merged, n)
				continue
			}
			if at, ok := index[key]; ok {
				if n.Read {
					merged[at].Read = true
				}
				continue
			}
			index[key] = len(merged)
			merged = append(merged, n)
		}
	}
	appendTagged(persisted, domain.SourcePersisted)
	appendTagged(stream, domain.SourceStream)
	appendTagged(local, domain.SourceLocal)

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Timestamp.After(merged[j].Timestamp)
	})
	return merged
}

// AcceptStreamEvent records a business event from the push channel.
func (a *Aggregator) AcceptStreamEvent(ctx context.Context, env domain.StreamEnvelope) {
	a.mu.Lock()
	a.stream = append(a.stream, env.Notification())
	raw := a.recompute()
	a.mu.Unlock()
	a.writeSnapshot(ctx, raw)
}

// SetPersisted replaces the remote-store view with a fresh fetch.
func (a *Aggregator) SetPersisted(ctx context.Context, items []domain.Notification) {
	a.mu.Lock()
	a.persisted = append([]domain.Notification(nil), items...)
	raw := a.recompute()
	a.mu.Unlock()
	a.writeSnapshot(ctx, raw)
}

// RaiseLocal records a notification generated inside the host application
// and returns its assigned id.
func (a *Aggregator) RaiseLocal(ctx context.Context, typ, title, message, category, priority string) domain.Notification {
	n := domain.Notification{
		ID:        uuid.NewString(),
		Source:    domain.SourceLocal,
		Type:      typ,
		Title:     title,
		Message:   message,
		Category:  category,
		Priority:  priority,
		Timestamp: time.Now(),
	}
	a.mu.Lock()
	a.local = append(a.local, n)
	raw := a.recompute()
	a.mu.Unlock()
	a.writeSnapshot(ctx, raw)

	if err := a.pub.NotificationRaised(ctx, n); err != nil {
		commonlog.Warnf("event=aggregator action=publish_raised status=failed id=%s error=%v", n.ID, err)
	}
	return n
}

func (a *Aggregator) Snapshot() []domain.Notification {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]domain.Notification(nil), a.merged...)
}

func (a *Aggregator) UnreadCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.unread
}

// MarkReadLocal optimistically flips read flags in every source view and the
// merged snapshot, then recounts the unread counter from the merged flags so
// the counter never drifts from the deduplicated view.
func (a *Aggregator) MarkReadLocal(ids []string) int {
	want := map[string]struct{}{}
	for _, id := range ids {
		want[id] = struct{}{}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	flipped := 0
	for _, list := range [][]domain.Notification{a.stream, a.persisted, a.local} {
		for i := range list {
			if _, ok := want[list[i].ID]; ok {
				list[i].Read = true
			}
		}
	}
	for i := range a.merged {
		if _, ok := want[a.merged[i].ID]; ok && !a.merged[i].Read {
			a.merged[i].Read = true
			flipped++
		}
	}
	a.unread = countUnread(a.merged)
	return flipped
}

// ReconcileUnread recounts the unread counter from the merged view's flags.
// It is idempotent, so a merge interleaving with a backend confirmation can
// never double-apply a mark-read.
func (a *Aggregator) ReconcileUnread() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.unread = countUnread(a.merged)
	return a.unread
}

// ClearLocalCaches drops every source view and the persisted snapshot so a
// later fetch cannot resurrect cleared entries.
func (a *Aggregator) ClearLocalCaches(ctx context.Context) {
	a.mu.Lock()
	a.stream = nil
	a.persisted = nil
	a.local = nil
	a.merged = nil
	a.unread = 0
	a.mu.Unlock()

	if err := a.kv.Delete(ctx, a.snapshotKey); err != nil {
		commonlog.Warnf("event=aggregator action=clear_snapshot status=failed error=%v", err)
	}
}

// LoadCached seeds the persisted view from the KV snapshot, giving the UI a
// populated list before the first remote fetch replaces it.
func (a *Aggregator) LoadCached(ctx context.Context) {
	raw, err := a.kv.Get(ctx, a.snapshotKey)
	if err != nil {
		if err != store.ErrNotFound {
			commonlog.Warnf("event=aggregator action=load_snapshot status=failed error=%v", err)
		}
		return
	}
	var cached []domain.Notification
	if err := json.Unmarshal(raw, &cached); err != nil {
		commonlog.Warnf("event=aggregator action=load_snapshot status=corrupt error=%v", err)
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.persisted = cached
	// No write-back: the snapshot was just read from the KV.
	a.recompute()
}

// recompute rebuilds the merged view and returns the bounded snapshot
// marshaled for the caller to persist after releasing the lock. Callers
// hold a.mu.
func (a *Aggregator) recompute() []byte {
	a.merged = Merge(a.stream, a.persisted, a.local)
	a.unread = countUnread(a.merged)

	trimmed := a.merged
	if len(trimmed) > snapshotLimit {
		trimmed = trimmed[:snapshotLimit]
	}
	raw, err := json.Marshal(trimmed)
	if err != nil {
		return nil
	}
	return raw
}

// writeSnapshot caches the marshaled view. KV I/O happens outside a.mu so a
// slow store never blocks event intake.
func (a *Aggregator) writeSnapshot(ctx context.Context, raw []byte) {
	if raw == nil {
		return
	}
	if err := a.kv.Set(ctx, a.snapshotKey, raw); err != nil {
		commonlog.Warnf("event=aggregator action=persist_snapshot status=failed error=%v", err)
	}
}

func countUnread(items []domain.Notification) int {
	unread := 0
	for _, n := range items {
		if !n.Read {
			unread++
		}
	}
	return unread
}

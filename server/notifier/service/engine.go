package service

import (
	"context"
	"errors"
	"time"

	"github.com/boodymasoud7/netaq-crm-sub002/server/common/auth"
	commonlog "github.com/boodymasoud7/netaq-crm-sub002/server/common/log"
	"github.com/boodymasoud7/netaq-crm-sub002/server/notifier/domain"
	"github.com/boodymasoud7/netaq-crm-sub002/server/notifier/store"
)

// EngineOptions carries the tunables the app layer resolves from config.
type EngineOptions struct {
	StreamURL        string
	Credential       string
	PrivilegedRoles  []string
	ReconnectBackoff time.Duration
	SettleDelay      time.Duration
	ListThrottle     time.Duration
	CountThrottle    time.Duration
	PollInterval     time.Duration
}

// Engine runs the notification subsystem for one authenticated session:
// stream events flow into the aggregator (and, for due reminders, into the
// popup scheduler after a stale check), the poller feeds the scheduler
// independently, and the throttler mediates all remote sync.
type Engine struct {
	Stream    *StreamManager
	Agg       *Aggregator
	Sync      *SyncThrottler
	Scheduler *PopupScheduler
	Poller    *DueReminderPoller

	credential string
}

func NewEngine(opts EngineOptions, crm *CRMClient, authSvc *auth.Service, kv store.KV, pub *EventPublisher) (*Engine, error) {
	claims, err := authSvc.ParseToken(opts.Credential)
	if err != nil && !auth.IsExpired(err) {
		return nil, errors.New("engine requires a parseable session credential")
	}
	userID := "anonymous"
	if claims != nil {
		userID = claims.UserID
	}

	agg := NewAggregator(kv, userID, pub)
	scheduler := NewPopupScheduler(crm, pub, opts.SettleDelay)
	engine := &Engine{
		Agg:        agg,
		Sync:       NewSyncThrottler(crm, agg, opts.ListThrottle, opts.CountThrottle),
		Scheduler:  scheduler,
		Poller:     NewDueReminderPoller(crm, scheduler, opts.PollInterval),
		credential: opts.Credential,
	}
	engine.Stream = NewStreamManager(opts.StreamURL, authSvc, crm, kv, opts.PrivilegedRoles, opts.ReconnectBackoff, engine.handleStreamEvent)
	return engine, nil
}

// handleStreamEvent routes a recognized business event: every event becomes
// a stream-sourced notification, and due-reminder events additionally reach
// the scheduler through the stale-check path.
func (e *Engine) handleStreamEvent(env domain.StreamEnvelope) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	e.Agg.AcceptStreamEvent(ctx, env)

	if env.Type != domain.EventReminderDue || env.Reminder == nil {
		return
	}
	e.Scheduler.ShowFromStream(ctx, *env.Reminder)
}

// Start brings the subsystem up: cached snapshot first so the UI has data,
// then the stream connection, the poller, and an initial forced sync.
// A rejected credential aborts startup; everything else degrades.
func (e *Engine) Start(ctx context.Context) error {
	e.Agg.LoadCached(ctx)

	if err := e.Stream.Connect(ctx, e.credential); err != nil {
		if errors.Is(err, ErrCredentialExpired) || errors.Is(err, ErrInvalidCredential) {
			return err
		}
		// Transport-level failure: reconnect logic owns recovery.
		commonlog.Warnf("event=engine action=start status=stream_degraded error=%v", err)
	}
	if err := e.Poller.Start(); err != nil {
		return err
	}
	if _, err := e.Sync.FetchList(ctx, true); err != nil && !errors.Is(err, ErrThrottled) {
		commonlog.Warnf("event=engine action=start status=initial_sync_failed error=%v", err)
	}
	return nil
}

// Stop tears the session down: stream disconnected with pending reconnect
// timers cleared, poll interval cleared, popup queue drained without any
// completion calls.
func (e *Engine) Stop() {
	e.Stream.Disconnect()
	e.Poller.Stop()
	e.Scheduler.Drain()
	commonlog.Infof("event=engine action=stop status=ok")
}

package service

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	commonlog "github.com/boodymasoud7/netaq-crm-sub002/server/common/log"
	"github.com/boodymasoud7/netaq-crm-sub002/server/notifier/domain"
)

type reminderLister interface {
	ListReminders(ctx context.Context) ([]domain.Reminder, error)
}

// DueReminderPoller is the fallback channel for due reminders when the push
// stream is silent or down. Cycles never overlap, and a cycle is skipped
// outright while a popup is on screen; a reminder due during a skipped
// cycle simply resurfaces on the next one.
type DueReminderPoller struct {
	crm      reminderLister
	sched    *PopupScheduler
	interval time.Duration

	cronEngine *cron.Cron
	inFlight   atomic.Bool
	now        func() time.Time
}

func NewDueReminderPoller(crm reminderLister, sched *PopupScheduler, interval time.Duration) *DueReminderPoller {
	return &DueReminderPoller{
		crm:      crm,
		sched:    sched,
		interval: interval,
		now:      time.Now,
	}
}

func (p *DueReminderPoller) Start() error {
	if p.cronEngine != nil {
		return nil
	}
	engine := cron.New()
	if _, err := engine.AddFunc(fmt.Sprintf("@every %s", p.interval), p.poll); err != nil {
		return fmt.Errorf("schedule due-reminder poll: %w", err)
	}
	engine.Start()
	p.cronEngine = engine
	commonlog.Infof("event=poller action=start interval=%s", p.interval)
	return nil
}

func (p *DueReminderPoller) Stop() {
	if p.cronEngine == nil {
		return
	}
	<-p.cronEngine.Stop().Done()
	p.cronEngine = nil
	commonlog.Infof("event=poller action=stop")
}

func (p *DueReminderPoller) poll() {
	if !p.inFlight.CompareAndSwap(false, true) {
		return
	}
	defer p.inFlight.Store(false)

	if p.sched.Active() != nil {
		commonlog.Debugf("event=poller action=cycle status=skipped reason=popup_active")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	reminders, err := p.crm.ListReminders(ctx)
	if err != nil {
		commonlog.Warnf("event=poller action=cycle status=failed error=%v", err)
		return
	}

	earliest, ok := earliestDue(reminders, p.now())
	if !ok {
		return
	}
	if p.sched.Show(earliest) {
		commonlog.Infof("event=poller action=submit reminder_id=%s", earliest.ID)
	}
}

// earliestDue filters to pending/notified reminders whose remind time has
// passed and returns the oldest one. At most one reminder is presented per
// poll cycle.
func earliestDue(reminders []domain.Reminder, now time.Time) (domain.Reminder, bool) {
	var earliest domain.Reminder
	found := false
	for _, r := range reminders {
		if r.Status != domain.ReminderPending && r.Status != domain.ReminderNotified {
			continue
		}
		if !r.Due(now) {
			continue
		}
		if !found || r.RemindAt.Before(earliest.RemindAt) {
			earliest = r
			found = true
		}
	}
	return earliest, found
}

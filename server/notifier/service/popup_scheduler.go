package service

import (
	"context"
	"errors"
	"sync"
	"time"

	commonlog "github.com/boodymasoud7/netaq-crm-sub002/server/common/log"
	"github.com/boodymasoud7/netaq-crm-sub002/server/notifier/domain"
)

// ErrNotActive reports a complete/dismiss call for a reminder that is not
// the currently presented popup.
var ErrNotActive = errors.New("reminder is not the active popup")

const (
	NoticeCompleted        = "reminder completed"
	NoticeAlreadyCompleted = "reminder already completed"
)

type reminderBackend interface {
	ListReminders(ctx context.Context) ([]domain.Reminder, error)
	CompleteReminder(ctx context.Context, id string) error
}

// PopupScheduler is the single arbitration point for reminder presentation.
// Every producer (stream events, poller, aggregator) submits candidates via
// Show; at most one reminder is active at any instant and the rest wait in
// a FIFO queue. The scheduler is the exclusive writer of both.
type PopupScheduler struct {
	crm reminderBackend
	pub *EventPublisher

	settle time.Duration

	mu          sync.Mutex
	active      *domain.Reminder
	queue       []domain.Reminder
	settleTimer *time.Timer
	drained     bool
}

func NewPopupScheduler(crm reminderBackend, pub *EventPublisher, settle time.Duration) *PopupScheduler {
	return &PopupScheduler{crm: crm, pub: pub, settle: settle}
}

// Show submits a reminder candidate. Completed reminders and duplicates of
// the active popup or a queued entry are rejected. Returns true when the
// reminder was presented or queued.
func (s *PopupScheduler) Show(r domain.Reminder) bool {
	if r.Status == domain.ReminderDone {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.drained {
		return false
	}
	if s.active != nil && s.active.ID == r.ID {
		return false
	}
	for _, queued := range s.queue {
		if queued.ID == r.ID {
			return false
		}
	}
	if s.active == nil {
		presented := r
		s.active = &presented
		commonlog.Infof("event=popup action=present reminder_id=%s", r.ID)
		return true
	}
	s.queue = append(s.queue, r)
	commonlog.Debugf("event=popup action=queue reminder_id=%s depth=%d", r.ID, len(s.queue))
	return true
}

// ShowFromStream re-fetches the authoritative reminder before presenting a
// push-sourced candidate, so a stale event for an already-completed reminder
// never produces a popup.
func (s *PopupScheduler) ShowFromStream(ctx context.Context, r domain.Reminder) bool {
	reminders, err := s.crm.ListReminders(ctx)
	if err != nil {
		commonlog.Warnf("event=popup action=stale_check status=failed reminder_id=%s error=%v", r.ID, err)
		return false
	}
	for _, current := range reminders {
		if current.ID != r.ID {
			continue
		}
		if current.Status == domain.ReminderDone {
			return false
		}
		return s.Show(current)
	}
	// Absent from the pending/notified list means it is already done or gone.
	commonlog.Debugf("event=popup action=stale_check status=discarded reminder_id=%s", r.ID)
	return false
}

// Complete finishes the active reminder against the backend. A reminder that
// is already done, locally or per the backend's race verdict, closes with a
// success notice instead of an error. Any other backend failure keeps the
// popup open for retry.
func (s *PopupScheduler) Complete(ctx context.Context, id string) (string, error) {
	s.mu.Lock()
	if s.active == nil || s.active.ID != id {
		s.mu.Unlock()
		return "", ErrNotActive
	}
	target := *s.active
	s.mu.Unlock()

	if target.Status == domain.ReminderDone {
		s.close(id)
		return NoticeAlreadyCompleted, nil
	}

	if err := s.crm.CompleteReminder(ctx, id); err != nil {
		if errors.Is(err, ErrAlreadyCompleted) {
			commonlog.Infof("event=popup action=complete status=race reminder_id=%s", id)
			s.close(id)
			return NoticeAlreadyCompleted, nil
		}
		commonlog.Errorf("event=popup action=complete status=failed reminder_id=%s error=%v", id, err)
		return "", err
	}

	if err := s.pub.ReminderCompleted(ctx, id); err != nil {
		commonlog.Warnf("event=popup action=publish_completed status=failed reminder_id=%s error=%v", id, err)
	}
	s.close(id)
	commonlog.Infof("event=popup action=complete status=ok reminder_id=%s", id)
	return NoticeCompleted, nil
}

// Dismiss closes the active popup without touching the backend. The reminder
// stays due and may be re-offered by a later poll or stream event.
func (s *PopupScheduler) Dismiss(id string) error {
	s.mu.Lock()
	if s.active == nil || s.active.ID != id {
		s.mu.Unlock()
		return ErrNotActive
	}
	s.mu.Unlock()
	s.close(id)
	return nil
}

// Active returns a copy of the presented reminder, or nil.
func (s *PopupScheduler) Active() *domain.Reminder {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return nil
	}
	active := *s.active
	return &active
}

func (s *PopupScheduler) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Drain forgets the queue and active popup without any backend calls, for
// logout and shutdown.
func (s *PopupScheduler) Drain() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.settleTimer != nil {
		s.settleTimer.Stop()
		s.settleTimer = nil
	}
	s.active = nil
	s.queue = nil
	s.drained = true
}

// close clears the active slot only while id still owns it, then arms the
// settle delay to promote the queue head. The id check keeps a completion
// returning after a dismiss from wiping whatever was presented in between.
// The delay avoids visual flicker when popups chain.
func (s *PopupScheduler) close(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil || s.active.ID != id {
		return
	}
	s.active = nil
	if len(s.queue) == 0 || s.settleTimer != nil {
		return
	}
	s.settleTimer = time.AfterFunc(s.settle, s.promote)
}

func (s *PopupScheduler) promote() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settleTimer = nil
	if s.drained || s.active != nil || len(s.queue) == 0 {
		return
	}
	next := s.queue[0]
	s.queue = s.queue[1:]
	s.active = &next
	commonlog.Infof("event=popup action=present reminder_id=%s chained=true", next.ID)
}

package domain

import "time"

// NotificationSource identifies the channel a notification arrived through.
// Source priority for dedup is persisted > stream > local.
type NotificationSource string

const (
	SourceStream    NotificationSource = "stream"
	SourcePersisted NotificationSource = "persisted"
	SourceLocal     NotificationSource = "local"
)

type Notification struct {
	ID        string             `json:"id"`
	Source    NotificationSource `json:"source"`
	Type      string             `json:"type"`
	Title     string             `json:"title"`
	Message   string             `json:"message"`
	Icon      string             `json:"icon,omitempty"`
	Category  string             `json:"category,omitempty"`
	Priority  string             `json:"priority,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
	Read      bool               `json:"read"`
}

// IdentityKey is the dedup identity: the id when present, otherwise the
// (title, message) pair. Two id-less notifications with an empty title are
// never considered the same event.
func (n Notification) IdentityKey() string {
	if n.ID != "" {
		return "id:" + n.ID
	}
	if n.Title == "" {
		return ""
	}
	return "tm:" + n.Title + "\x00" + n.Message
}

type ReminderStatus string

const (
	ReminderPending  ReminderStatus = "pending"
	ReminderNotified ReminderStatus = "notified"
	ReminderDone     ReminderStatus = "done"
)

type Reminder struct {
	ID       string         `json:"id"`
	Note     string         `json:"note"`
	RemindAt time.Time      `json:"remind_at"`
	Status   ReminderStatus `json:"status"`
	ClientID string         `json:"client_id,omitempty"`
	LeadID   string         `json:"lead_id,omitempty"`
}

// Due reports whether the reminder should be surfaced: at or past its
// remind time and not yet completed.
func (r Reminder) Due(now time.Time) bool {
	return r.Status != ReminderDone && !r.RemindAt.After(now)
}

// ConnectionState is owned by the stream manager; everyone else reads a copy.
type ConnectionState struct {
	Connected         bool      `json:"connected"`
	LastError         string    `json:"last_error,omitempty"`
	ReconnectDeadline time.Time `json:"reconnect_deadline,omitzero"`
}

// Stream message types. Control frames are consumed by the stream manager
// and never surfaced as notifications.
const (
	EventHeartbeat     = "heartbeat"
	EventConnected     = "connected"
	EventNewLead       = "newLead"
	EventLeadConverted = "leadConverted"
	EventTaskAssigned  = "taskAssigned"
	EventReminderDue   = "reminderDue"
)

// StreamEnvelope is the wire shape of a push message.
type StreamEnvelope struct {
	Type      string    `json:"type"`
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Title     string    `json:"title,omitempty"`
	Message   string    `json:"message,omitempty"`
	Icon      string    `json:"icon,omitempty"`
	Category  string    `json:"category,omitempty"`
	Priority  string    `json:"priority,omitempty"`
	Reminder  *Reminder `json:"reminder,omitempty"`
}

// BusinessEvent reports whether the envelope type belongs to the closed set
// of recognized business events; anything else is dropped.
func (e StreamEnvelope) BusinessEvent() bool {
	switch e.Type {
	case EventNewLead, EventLeadConverted, EventTaskAssigned, EventReminderDue:
		return true
	}
	return false
}

// Notification converts a business event into its aggregator representation.
func (e StreamEnvelope) Notification() Notification {
	return Notification{
		ID:        e.ID,
		Source:    SourceStream,
		Type:      e.Type,
		Title:     e.Title,
		Message:   e.Message,
		Icon:      e.Icon,
		Category:  e.Category,
		Priority:  e.Priority,
		Timestamp: e.Timestamp,
	}
}

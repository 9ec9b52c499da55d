package service

import (
	"context"
	"encoding/json"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/boodymasoud7/netaq-crm-sub002/server/notifier/domain"
)

const notifyExchange = "crm.notify"

// EventPublisher emits subsystem events for the CRUD layer (list refreshes
// after a reminder completes, locally-raised notifications). A nil publisher
// is valid and drops everything, so MQ can be switched off in config.
type EventPublisher struct {
	channel *amqp.Channel
}

func NewEventPublisher(conn *amqp.Connection) (*EventPublisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	if err := ch.ExchangeDeclare(notifyExchange, "topic", true, false, false, false, nil); err != nil {
		return nil, err
	}
	return &EventPublisher{channel: ch}, nil
}

func (p *EventPublisher) ReminderCompleted(ctx context.Context, reminderID string) error {
	return p.publish(ctx, "reminder.completed", map[string]any{"reminder_id": reminderID})
}

func (p *EventPublisher) NotificationRaised(ctx context.Context, n domain.Notification) error {
	return p.publish(ctx, "notification.raised", n)
}

func (p *EventPublisher) publish(ctx context.Context, key string, payload any) error {
	if p == nil {
		return nil
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return p.channel.PublishWithContext(ctx, notifyExchange, key, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
		Timestamp:   time.Now(),
	})
}

func (p *EventPublisher) Close() {
	if p == nil || p.channel == nil {
		return
	}
	_ = p.channel.Close()
}

package mq

import amqp "github.com/rabbitmq/amqp091-go"

// NewConnection dials the broker carrying the crm.notify event exchange.
// The connection name shows up in the broker console for triage.
func NewConnection(url string) (*amqp.Connection, error) {
	return amqp.DialConfig(url, amqp.Config{
		Properties: amqp.Table{"connection_name": "netaq-notifier"},
	})
}

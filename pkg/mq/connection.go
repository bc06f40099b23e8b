package mq

import (
	"fmt"

	"github.com/rabbitmq/amqp091-go"
)

const (
	// DefaultExchange 默认 topic exchange
	DefaultExchange = "ticketsync.events"
)

// NewConnection creates a new RabbitMQ connection.
func NewConnection(url string) (*amqp091.Connection, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	return conn, nil
}

// DeclareExchange declares a durable topic exchange.
func DeclareExchange(ch *amqp091.Channel, name string) error {
	return ch.ExchangeDeclare(
		name,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	)
}

func exchangeOrDefault(name string) string {
	if name == "" {
		return DefaultExchange
	}
	return name
}

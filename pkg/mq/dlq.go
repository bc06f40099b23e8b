package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rabbitmq/amqp091-go"

	contractsmq "ticketsync/contracts/mq"
)

const (
	DLQExchangeName = "ticketsync.dlq"
)

// DeclareDLQExchange 死信交换机，和业务交换机一样是 topic 类型
func DeclareDLQExchange(ch *amqp091.Channel) error {
	return ch.ExchangeDeclare(
		DLQExchangeName,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	)
}

// DeclareDLQQueue 每个 routing key 一个 <routing key>.dlq 队列
func DeclareDLQQueue(ch *amqp091.Channel, routingKey string) (amqp091.Queue, error) {
	queueName := fmt.Sprintf("%s.dlq", routingKey)

	q, err := ch.QueueDeclare(
		queueName,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return amqp091.Queue{}, fmt.Errorf("failed to declare DLQ queue: %w", err)
	}

	if err := ch.QueueBind(q.Name, routingKey, DLQExchangeName, false, nil); err != nil {
		return amqp091.Queue{}, fmt.Errorf("failed to bind DLQ queue: %w", err)
	}

	return q, nil
}

// DeadLetter 一条放弃处理的消息
type DeadLetter struct {
	Body        []byte
	Reason      string
	ErrorType   string
	SourceQueue string
	FailedAt    time.Time
}

// deadLetterHeaders 除失败原因外，能解析出重同步任务时带上 integration / job 信息，方便按集成排查和回放
func deadLetterHeaders(dl DeadLetter) amqp091.Table {
	headers := amqp091.Table{
		"x-original-error": dl.Reason,
		"x-error-type":     dl.ErrorType,
		"x-source-queue":   dl.SourceQueue,
		"x-failed-at":      dl.FailedAt.UTC().Format(time.RFC3339),
	}

	var job contractsmq.TicketResyncPayload
	if err := json.Unmarshal(dl.Body, &job); err != nil {
		return headers
	}
	if job.IntegrationID != "" {
		headers["x-integration-id"] = job.IntegrationID
	}
	if job.JobID != "" {
		headers["x-job-id"] = job.JobID
	}
	if job.ExternalID != "" {
		headers["x-external-id"] = job.ExternalID
	}
	return headers
}

// PublishToDLQ 按原 routing key 投递到死信交换机
func (p *Publisher) PublishToDLQ(ctx context.Context, routingKey string, dl DeadLetter) error {
	if dl.FailedAt.IsZero() {
		dl.FailedAt = time.Now()
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	return p.channel.PublishWithContext(ctx,
		DLQExchangeName,
		routingKey,
		false,
		false,
		amqp091.Publishing{
			ContentType:  "application/json",
			Body:         dl.Body,
			DeliveryMode: amqp091.Persistent,
			Timestamp:    dl.FailedAt,
			Headers:      deadLetterHeaders(dl),
		},
	)
}

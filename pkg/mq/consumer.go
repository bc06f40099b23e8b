package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"ticketsync/pkg/metrics"
	"ticketsync/pkg/otel"
	"ticketsync/pkg/trace"
	"ticketsync/pkg/util"
)

type MessageHandler func(ctx context.Context, data json.RawMessage) error

type Consumer struct {
	channel    *amqp091.Channel
	queue      amqp091.Queue
	routingKey string
	handler    MessageHandler
	conn       *amqp091.Connection
	dlq        *Publisher
	logger     *zap.Logger
}

// NewConsumer creates a consumer for a specific routing key.
func NewConsumer(url, exchange, queueName, routingKey string, logger *zap.Logger) (*Consumer, error) {
	exchange = exchangeOrDefault(exchange)

	conn, err := NewConnection(url)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := DeclareExchange(ch, exchange); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	q, err := ch.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}

	if err := ch.QueueBind(q.Name, routingKey, exchange, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to bind queue: %w", err)
	}

	if err := DeclareDLQExchange(ch); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare dlq exchange: %w", err)
	}
	if _, err := DeclareDLQQueue(ch, routingKey); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	// 每次只取一条，配合手动 ack
	if err := ch.Qos(1, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to set qos: %w", err)
	}

	logger.Info("Consumer initialized",
		zap.String("routing_key", routingKey),
		zap.String("queue", queueName),
		zap.String("exchange", exchange),
	)

	return &Consumer{
		conn:       conn,
		channel:    ch,
		queue:      q,
		routingKey: routingKey,
		logger:     logger,
	}, nil
}

func (c *Consumer) SetHandler(h MessageHandler) {
	c.handler = h
}

// SetDLQPublisher 设置后，不可重试的失败消息会被转发到 DLQ 并 ack
func (c *Consumer) SetDLQPublisher(p *Publisher) {
	c.dlq = p
}

func (c *Consumer) Close() {
	if c.channel != nil {
		_ = c.channel.Close()
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

// StartConsuming blocks until ctx is done or the delivery channel closes.
func (c *Consumer) StartConsuming(ctx context.Context) error {
	if c.handler == nil {
		return fmt.Errorf("consumer handler not set")
	}

	deliveries, err := c.channel.Consume(
		c.queue.Name,
		"",
		false, // 手动ack
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	c.logger.Info("Consumer started consuming messages",
		zap.String("routing_key", c.routingKey),
		zap.String("queue", c.queue.Name),
	)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-deliveries:
			if !ok {
				return nil
			}
			c.handleDelivery(ctx, msg)
		}
	}
}

// handleDelivery 保证每条消息都会被 ack 或 nack
func (c *Consumer) handleDelivery(parent context.Context, msg amqp091.Delivery) {
	start := time.Now()
	ctx := otel.ExtractMQHeaders(parent, msg.Headers)
	if traceID, ok := msg.Headers[trace.HeaderName].(string); ok && traceID != "" {
		ctx = trace.WithContext(ctx, traceID)
	}
	ctx, span := otel.MQConsumeSpan(ctx, c.routingKey, c.queue.Name)
	defer span.End()
	defer func() { metrics.RecordMQConsumeLatency(c.routingKey, c.queue.Name, time.Since(start)) }()

	// Panic 恢复：确保即使 handler panic 也能正确处理消息
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Handler panic recovered",
				zap.String("routing_key", c.routingKey),
				zap.Any("panic", r),
			)
			c.reject(parent, msg, fmt.Sprintf("panic: %v", r), "panic")
		}
	}()

	err := c.handler(ctx, msg.Body)
	if err == nil {
		if ackErr := msg.Ack(false); ackErr != nil {
			c.logger.Error("Failed to ack message", zap.String("routing_key", c.routingKey), zap.Error(ackErr))
		}
		return
	}

	retryable, errType := util.IsRetryableError(err)
	c.logger.Error("Handler error",
		zap.String("routing_key", c.routingKey),
		zap.String("queue", c.queue.Name),
		zap.String("error_type", errType),
		zap.Bool("retryable", retryable),
		zap.Error(err),
	)
	span.RecordError(err)

	if retryable {
		// 可重试 → 重新入队
		if nackErr := msg.Nack(false, true); nackErr != nil {
			c.logger.Error("Failed to nack message", zap.String("routing_key", c.routingKey), zap.Error(nackErr))
		}
		return
	}
	c.reject(ctx, msg, err.Error(), errType)
}

// reject 转发到 DLQ 后 ack；没有 DLQ 时直接丢弃（nack 不重新入队）
func (c *Consumer) reject(ctx context.Context, msg amqp091.Delivery, reason, errType string) {
	if c.dlq != nil {
		// 关闭过程中也要把死信送出去
		ctx = context.WithoutCancel(ctx)
		dl := DeadLetter{
			Body:        msg.Body,
			Reason:      reason,
			ErrorType:   errType,
			SourceQueue: c.queue.Name,
			FailedAt:    time.Now(),
		}
		if err := c.dlq.PublishToDLQ(ctx, c.routingKey, dl); err != nil {
			c.logger.Error("Failed to publish to DLQ, requeueing", zap.Error(err))
			_ = msg.Nack(false, true)
			return
		}
		_ = msg.Ack(false)
		return
	}
	_ = msg.Nack(false, false)
}

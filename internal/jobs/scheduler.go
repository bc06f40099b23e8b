package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	contractsmq "ticketsync/contracts/mq"
	"ticketsync/pkg/metrics"
	"ticketsync/pkg/outbox"
	"ticketsync/pkg/trace"
)

const (
	BackendMQ        = "mq"
	BackendOutbox    = "outbox"
	BackendInProcess = "inprocess"
)

var (
	ErrQueueFull    = errors.New("job queue is full")
	ErrMalformedJob = errors.New("missing integration or external id")
)

// Scheduler 把耗时的后续处理（单条重新同步）交给异步任务，webhook 请求内不执行
type Scheduler interface {
	EnqueueResync(ctx context.Context, integrationID, externalID, reason string) error
}

// Handler 执行一个重新同步任务
type Handler func(ctx context.Context, job contractsmq.TicketResyncPayload) error

// NewPayload 生成任务 payload，沿用 ctx 中的 trace_id
func NewPayload(ctx context.Context, integrationID, externalID, reason string) contractsmq.TicketResyncPayload {
	return contractsmq.TicketResyncPayload{
		JobID:         uuid.NewString(),
		IntegrationID: integrationID,
		ExternalID:    externalID,
		Reason:        reason,
		TraceID:       trace.FromContext(ctx),
		RequestedAt:   time.Now().UTC(),
	}
}

// MQScheduler 直接发布到 rabbitmq
type MQScheduler struct {
	publisher outbox.EventPublisher
	logger    *zap.Logger
}

func NewMQScheduler(publisher outbox.EventPublisher, logger *zap.Logger) *MQScheduler {
	return &MQScheduler{publisher: publisher, logger: logger}
}

func (s *MQScheduler) EnqueueResync(ctx context.Context, integrationID, externalID, reason string) error {
	job := NewPayload(ctx, integrationID, externalID, reason)
	if err := s.publisher.PublishWithContext(ctx, contractsmq.RoutingKeyTicketResync, job); err != nil {
		metrics.IncrementJobEnqueue(BackendMQ, "error")
		return fmt.Errorf("publish resync job: %w", err)
	}
	metrics.IncrementJobEnqueue(BackendMQ, "ok")
	s.logger.Debug("Resync job published", zap.String("job_id", job.JobID), zap.String("external_id", externalID))
	return nil
}

// OutboxWriter 由 *outbox.Repository 实现
type OutboxWriter interface {
	Insert(ctx context.Context, q outbox.Execer, aggregateType, aggregateID, routingKey string, payload any) (*outbox.Event, error)
}

// OutboxScheduler 写入 job_outbox，由 outbox.Dispatcher 异步发布，broker 短暂不可用时任务不丢
type OutboxScheduler struct {
	repo   OutboxWriter
	logger *zap.Logger
}

func NewOutboxScheduler(repo OutboxWriter, logger *zap.Logger) *OutboxScheduler {
	return &OutboxScheduler{repo: repo, logger: logger}
}

func (s *OutboxScheduler) EnqueueResync(ctx context.Context, integrationID, externalID, reason string) error {
	job := NewPayload(ctx, integrationID, externalID, reason)
	event, err := s.repo.Insert(ctx, nil, "ticket", integrationID+"/"+externalID, contractsmq.RoutingKeyTicketResync, job)
	if err != nil {
		metrics.IncrementJobEnqueue(BackendOutbox, "error")
		return err
	}
	metrics.IncrementJobEnqueue(BackendOutbox, "ok")
	s.logger.Debug("Resync job stored in outbox", zap.String("job_id", job.JobID), zap.Int64("event_id", event.ID))
	return nil
}

// InProcessScheduler 带缓冲队列的进程内 worker pool，单实例部署时使用
type InProcessScheduler struct {
	queue   chan contractsmq.TicketResyncPayload
	handler Handler
	workers int
	logger  *zap.Logger
	wg      sync.WaitGroup
}

func NewInProcessScheduler(handler Handler, workers, queueSize int, logger *zap.Logger) *InProcessScheduler {
	if workers <= 0 {
		workers = 2
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	return &InProcessScheduler{
		queue:   make(chan contractsmq.TicketResyncPayload, queueSize),
		handler: handler,
		workers: workers,
		logger:  logger,
	}
}

// EnqueueResync 队列满时立即返回 ErrQueueFull，不阻塞 webhook 请求
func (s *InProcessScheduler) EnqueueResync(ctx context.Context, integrationID, externalID, reason string) error {
	job := NewPayload(ctx, integrationID, externalID, reason)
	select {
	case s.queue <- job:
		metrics.IncrementJobEnqueue(BackendInProcess, "ok")
		return nil
	default:
		metrics.IncrementJobEnqueue(BackendInProcess, "full")
		return ErrQueueFull
	}
}

// Start 启动 worker，ctx 取消后处理完手上的任务退出
func (s *InProcessScheduler) Start(ctx context.Context) {
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.work(ctx, i)
	}
}

// Wait 等待所有 worker 退出
func (s *InProcessScheduler) Wait() {
	s.wg.Wait()
}

func (s *InProcessScheduler) work(ctx context.Context, id int) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-s.queue:
			s.run(ctx, id, job)
		}
	}
}

func (s *InProcessScheduler) run(ctx context.Context, worker int, job contractsmq.TicketResyncPayload) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Resync job panic recovered", zap.String("job_id", job.JobID), zap.Any("panic", r))
		}
	}()

	if job.TraceID != "" {
		ctx = trace.WithContext(ctx, job.TraceID)
	}
	if err := s.handler(ctx, job); err != nil {
		s.logger.Warn("Resync job failed",
			zap.Int("worker", worker),
			zap.String("job_id", job.JobID),
			zap.String("integration_id", job.IntegrationID),
			zap.String("external_id", job.ExternalID),
			zap.Error(err),
		)
	}
}

// DecodePayload mq 消费端使用
func DecodePayload(raw json.RawMessage) (contractsmq.TicketResyncPayload, error) {
	var job contractsmq.TicketResyncPayload
	if err := json.Unmarshal(raw, &job); err != nil {
		return job, err
	}
	if job.IntegrationID == "" || job.ExternalID == "" {
		return job, fmt.Errorf("resync job %q: %w", job.JobID, ErrMalformedJob)
	}
	return job, nil
}

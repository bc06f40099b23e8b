package mqhandler

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	contractsmq "ticketsync/contracts/mq"
	"ticketsync/internal/jobs"
	"ticketsync/internal/service/syncer"
	"ticketsync/pkg/logger"
	"ticketsync/pkg/util"
)

const handlerName = "ticket_resync"

// Resyncer 由 *syncer.Orchestrator 实现
type Resyncer interface {
	ResyncTicket(ctx context.Context, integrationID, externalID string) (syncer.RecordResult, error)
}

// RetryCounter 由 *util.RetryCounter 实现
type RetryCounter interface {
	IncrementAndGet(ctx context.Context, key string) (int64, error)
	Reset(ctx context.Context, key string) error
}

// retriesExhausted 可重试错误超过上限后转为不可重试，consumer 会把消息转进 DLQ
type retriesExhausted struct {
	attempts int64
	err      error
}

func (e *retriesExhausted) Error() string {
	return fmt.Sprintf("giving up after %d attempts: %v", e.attempts, e.err)
}
func (e *retriesExhausted) Unwrap() error   { return e.err }
func (e *retriesExhausted) Retryable() bool { return false }
func (e *retriesExhausted) Kind() string    { return "retries_exhausted" }

type TicketResyncHandler struct {
	resyncer   Resyncer
	retries    RetryCounter
	maxRetries int64
	logger     *zap.Logger
}

// NewTicketResyncHandler retries 可以为 nil，此时可重试错误会一直重新入队
func NewTicketResyncHandler(resyncer Resyncer, retries RetryCounter, maxRetries int64, logger *zap.Logger) *TicketResyncHandler {
	if maxRetries <= 0 {
		maxRetries = 5
	}
	return &TicketResyncHandler{
		resyncer:   resyncer,
		retries:    retries,
		maxRetries: maxRetries,
		logger:     logger,
	}
}

// HandleMessage 作为 mq.MessageHandler 注册到 consumer
func (h *TicketResyncHandler) HandleMessage(ctx context.Context, raw json.RawMessage) error {
	job, err := jobs.DecodePayload(raw)
	if err != nil {
		h.logger.Error("Failed to decode resync job", zap.Error(err))
		return err
	}
	return h.Handle(ctx, job)
}

// Handle 幂等：gateway 只在上游更新时才覆盖
func (h *TicketResyncHandler) Handle(ctx context.Context, job contractsmq.TicketResyncPayload) error {
	log := logger.WithTrace(ctx, logger.ForIntegration(h.logger, job.IntegrationID, "")).With(
		zap.String("job_id", job.JobID),
		zap.String("external_id", job.ExternalID),
		zap.String("reason", job.Reason),
	)

	res, err := h.resyncer.ResyncTicket(ctx, job.IntegrationID, job.ExternalID)
	if err == nil {
		h.resetRetries(ctx, job)
		log.Info("Resync job completed", zap.String("outcome", string(res.Outcome)), zap.String("ticket_id", res.TicketID))
		return nil
	}

	retryable, errType := util.IsRetryableError(err)
	if !retryable || h.retries == nil {
		log.Warn("Resync job failed", zap.String("error_type", errType), zap.Bool("retryable", retryable), zap.Error(err))
		return err
	}

	key := util.FormatRetryKey(handlerName, job.JobID)
	count, cerr := h.retries.IncrementAndGet(ctx, key)
	if cerr != nil {
		log.Warn("Failed to track retry count", zap.Error(cerr))
		return err
	}
	if !util.ShouldRetry(count, h.maxRetries, retryable) {
		h.resetRetries(ctx, job)
		log.Error("Resync job retries exhausted", zap.Int64("attempts", count), zap.Error(err))
		return &retriesExhausted{attempts: count, err: err}
	}

	log.Warn("Resync job will be retried", zap.Int64("attempt", count), zap.String("error_type", errType), zap.Error(err))
	return err
}

func (h *TicketResyncHandler) resetRetries(ctx context.Context, job contractsmq.TicketResyncPayload) {
	if h.retries == nil {
		return
	}
	if err := h.retries.Reset(ctx, util.FormatRetryKey(handlerName, job.JobID)); err != nil {
		h.logger.Debug("Failed to reset retry count", zap.String("job_id", job.JobID), zap.Error(err))
	}
}

package mqhandler

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	contractsmq "ticketsync/contracts/mq"
	"ticketsync/internal/integration"
	"ticketsync/internal/jobs"
	"ticketsync/internal/service/syncer"
	"ticketsync/pkg/util"
)

type stubResyncer struct {
	calls int
	err   error
}

func (s *stubResyncer) ResyncTicket(context.Context, string, string) (syncer.RecordResult, error) {
	s.calls++
	if s.err != nil {
		return syncer.RecordResult{}, s.err
	}
	return syncer.RecordResult{Outcome: syncer.OutcomeUpdated, TicketID: "t-1"}, nil
}

func newRetryCounter(t *testing.T) *util.RetryCounter {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return util.NewRetryCounter(rdb, time.Hour)
}

func job() contractsmq.TicketResyncPayload {
	return contractsmq.TicketResyncPayload{JobID: "job-1", IntegrationID: "acme", ExternalID: "zendesk_7", Reason: "ticket.merged"}
}

func TestTicketResyncHandler_Success(t *testing.T) {
	r := &stubResyncer{}
	h := NewTicketResyncHandler(r, newRetryCounter(t), 3, zap.NewNop())

	raw, err := json.Marshal(job())
	require.NoError(t, err)
	require.NoError(t, h.HandleMessage(context.Background(), raw))
	assert.Equal(t, 1, r.calls)
}

func TestTicketResyncHandler_MalformedPayloadIsNotRetried(t *testing.T) {
	h := NewTicketResyncHandler(&stubResyncer{}, nil, 3, zap.NewNop())

	err := h.HandleMessage(context.Background(), json.RawMessage(`{"job_id":"x"}`))
	require.ErrorIs(t, err, jobs.ErrMalformedJob)
	retryable, _ := util.IsRetryableError(err)
	assert.False(t, retryable)
}

func TestTicketResyncHandler_RetriesThenGivesUp(t *testing.T) {
	r := &stubResyncer{err: &integration.TransientError{Vendor: "zendesk", Status: 503, Attempts: 5}}
	h := NewTicketResyncHandler(r, newRetryCounter(t), 2, zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		err := h.Handle(ctx, job())
		retryable, kind := util.IsRetryableError(err)
		assert.True(t, retryable)
		assert.Equal(t, "transient", kind)
	}

	err := h.Handle(ctx, job())
	retryable, kind := util.IsRetryableError(err)
	assert.False(t, retryable)
	assert.Equal(t, "retries_exhausted", kind)
	assert.True(t, integration.IsTransient(err))
}

func TestTicketResyncHandler_PermanentFailure(t *testing.T) {
	r := &stubResyncer{err: &integration.PermanentError{Vendor: "zendesk", Status: 404}}
	h := NewTicketResyncHandler(r, newRetryCounter(t), 2, zap.NewNop())

	err := h.Handle(context.Background(), job())
	retryable, _ := util.IsRetryableError(err)
	assert.False(t, retryable)
	assert.True(t, integration.IsPermanent(err))
}

package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	contractsmq "ticketsync/contracts/mq"
	"ticketsync/pkg/outbox"
	"ticketsync/pkg/trace"
)

type stubPublisher struct {
	keys     []string
	payloads []any
	err      error
}

func (p *stubPublisher) PublishWithContext(_ context.Context, routingKey string, payload any) error {
	if p.err != nil {
		return p.err
	}
	p.keys = append(p.keys, routingKey)
	p.payloads = append(p.payloads, payload)
	return nil
}

type stubOutbox struct {
	aggregateID string
	routingKey  string
	payload     any
}

func (o *stubOutbox) Insert(_ context.Context, _ outbox.Execer, _, aggregateID, routingKey string, payload any) (*outbox.Event, error) {
	o.aggregateID = aggregateID
	o.routingKey = routingKey
	o.payload = payload
	return &outbox.Event{ID: 42}, nil
}

func TestMQScheduler(t *testing.T) {
	pub := &stubPublisher{}
	s := NewMQScheduler(pub, zap.NewNop())
	ctx := trace.WithContext(context.Background(), "trace-9")

	require.NoError(t, s.EnqueueResync(ctx, "acme", "zendesk_7", "ticket.merged"))
	require.Len(t, pub.payloads, 1)
	assert.Equal(t, contractsmq.RoutingKeyTicketResync, pub.keys[0])

	job := pub.payloads[0].(contractsmq.TicketResyncPayload)
	assert.Equal(t, "acme", job.IntegrationID)
	assert.Equal(t, "zendesk_7", job.ExternalID)
	assert.Equal(t, "trace-9", job.TraceID)
	assert.NotEmpty(t, job.JobID)

	pub.err = errors.New("broker down")
	assert.Error(t, s.EnqueueResync(ctx, "acme", "zendesk_8", "x"))
}

func TestOutboxScheduler(t *testing.T) {
	repo := &stubOutbox{}
	s := NewOutboxScheduler(repo, zap.NewNop())

	require.NoError(t, s.EnqueueResync(context.Background(), "acme", "zendesk_7", "ticket.merged"))
	assert.Equal(t, "acme/zendesk_7", repo.aggregateID)
	assert.Equal(t, contractsmq.RoutingKeyTicketResync, repo.routingKey)
}

func TestInProcessScheduler_RunsJobs(t *testing.T) {
	var mu sync.Mutex
	var got []string
	done := make(chan struct{}, 3)

	handler := func(_ context.Context, job contractsmq.TicketResyncPayload) error {
		mu.Lock()
		got = append(got, job.ExternalID)
		mu.Unlock()
		done <- struct{}{}
		if job.ExternalID == "boom" {
			panic("handler exploded")
		}
		return nil
	}

	s := NewInProcessScheduler(handler, 2, 8, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)

	for _, id := range []string{"a", "boom", "b"} {
		require.NoError(t, s.EnqueueResync(ctx, "acme", id, "test"))
	}
	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("jobs not processed")
		}
	}
	cancel()
	s.Wait()

	assert.ElementsMatch(t, []string{"a", "boom", "b"}, got)
}

func TestInProcessScheduler_QueueFull(t *testing.T) {
	s := NewInProcessScheduler(func(context.Context, contractsmq.TicketResyncPayload) error { return nil }, 1, 1, zap.NewNop())

	require.NoError(t, s.EnqueueResync(context.Background(), "acme", "1", "test"))
	assert.ErrorIs(t, s.EnqueueResync(context.Background(), "acme", "2", "test"), ErrQueueFull)
}

func TestDecodePayload(t *testing.T) {
	raw, err := json.Marshal(contractsmq.TicketResyncPayload{JobID: "j", IntegrationID: "acme", ExternalID: "zendesk_1"})
	require.NoError(t, err)

	job, err := DecodePayload(raw)
	require.NoError(t, err)
	assert.Equal(t, "zendesk_1", job.ExternalID)

	_, err = DecodePayload(json.RawMessage(`{"job_id":"j"}`))
	assert.ErrorIs(t, err, ErrMalformedJob)

	_, err = DecodePayload(json.RawMessage(`{`))
	assert.Error(t, err)
}

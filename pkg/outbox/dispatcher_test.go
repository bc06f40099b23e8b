package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"ticketsync/pkg/trace"
)

type stubStore struct {
	pending []*Event
	sent    []int64
	failed  []int64
}

func (s *stubStore) GetPendingEvents(ctx context.Context, limit int) ([]*Event, error) {
	if len(s.pending) > limit {
		return s.pending[:limit], nil
	}
	return s.pending, nil
}

func (s *stubStore) MarkAsSent(ctx context.Context, id int64) error {
	s.sent = append(s.sent, id)
	return nil
}

func (s *stubStore) MarkAsFailed(ctx context.Context, id int64, maxRetries int) error {
	s.failed = append(s.failed, id)
	return nil
}

type stubPublisher struct {
	fail     map[string]bool
	keys     []string
	traceIDs []string
}

func (p *stubPublisher) PublishWithContext(ctx context.Context, routingKey string, payload any) error {
	if p.fail[routingKey] {
		return errors.New("broker unavailable")
	}
	p.keys = append(p.keys, routingKey)
	p.traceIDs = append(p.traceIDs, trace.FromContext(ctx))
	return nil
}

func event(id int64, key string, payload map[string]any) *Event {
	body, _ := json.Marshal(payload)
	return &Event{ID: id, RoutingKey: key, Payload: body, Status: StatusPending}
}

func TestDispatchOnce(t *testing.T) {
	store := &stubStore{pending: []*Event{
		event(1, "sync.resync", map[string]any{"integration_id": "zd", "trace_id": "abc"}),
		event(2, "sync.broken", map[string]any{"integration_id": "zd"}),
		event(3, "sync.run", map[string]any{"integration_id": "slack"}),
	}}
	pub := &stubPublisher{fail: map[string]bool{"sync.broken": true}}

	d := NewDispatcher(store, pub, zap.NewNop()).WithBatchSize(10)
	sent := d.DispatchOnce(context.Background())

	assert.Equal(t, 2, sent)
	assert.Equal(t, []int64{1, 3}, store.sent)
	assert.Equal(t, []int64{2}, store.failed)
	assert.Equal(t, []string{"sync.resync", "sync.run"}, pub.keys)
	assert.Equal(t, "abc", pub.traceIDs[0])
	assert.Empty(t, pub.traceIDs[1])
}

func TestDispatchOnce_BadPayloadCountsAsFailure(t *testing.T) {
	store := &stubStore{pending: []*Event{{ID: 9, RoutingKey: "x", Payload: json.RawMessage(`not json`)}}}
	d := NewDispatcher(store, &stubPublisher{}, zap.NewNop())

	assert.Zero(t, d.DispatchOnce(context.Background()))
	assert.Equal(t, []int64{9}, store.failed)
}

func TestNextAttempt(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	status, next := nextAttempt(1, 5, now)
	assert.Equal(t, StatusPending, status)
	require.NotNil(t, next)
	assert.Equal(t, 5*time.Second, next.Sub(now))

	_, next = nextAttempt(3, 5, now)
	require.NotNil(t, next)
	assert.Equal(t, 20*time.Second, next.Sub(now))

	status, next = nextAttempt(5, 5, now)
	assert.Equal(t, StatusFailed, status)
	assert.Nil(t, next)
}

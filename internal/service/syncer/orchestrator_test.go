package syncer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"ticketsync/internal/apiclient"
	"ticketsync/internal/channel"
	"ticketsync/internal/dedup"
	"ticketsync/internal/gateway"
	"ticketsync/internal/integration"
	"ticketsync/internal/model"
	"ticketsync/internal/repository"
)

var now0 = time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC)

type page struct {
	batch channel.Batch
	err   error
	hook  func()
}

// stubAdapter 按 cursor 返回预设的页
type stubAdapter struct {
	name  string
	kind  model.ChannelKind
	pages map[string]page

	mu     sync.Mutex
	calls  []string
	sinces []time.Time
	modes  []model.SyncMode
}

func (s *stubAdapter) Kind() model.ChannelKind { return s.kind }
func (s *stubAdapter) Name() string            { return s.name }

func (s *stubAdapter) FetchBatch(ctx context.Context, since time.Time, cursor string) (channel.Batch, error) {
	s.mu.Lock()
	s.calls = append(s.calls, cursor)
	s.sinces = append(s.sinces, since)
	s.modes = append(s.modes, channel.ModeFromContext(ctx, ""))
	s.mu.Unlock()

	p, ok := s.pages[cursor]
	if !ok {
		return channel.Batch{EndOfStream: true}, nil
	}
	if p.hook != nil {
		p.hook()
	}
	return p.batch, p.err
}

type stubSingle struct {
	rec *model.InboundRecord
	err error
}

func (s stubSingle) FetchOne(context.Context, string) (*model.InboundRecord, error) {
	return s.rec, s.err
}

type stubClassifier struct{}

func (stubClassifier) Classify(context.Context, string) (*model.Classification, error) {
	return &model.Classification{Category: "technical", Confidence: 0.8}, nil
}

func (stubClassifier) Sentiment(context.Context, string) (*model.Sentiment, error) {
	return nil, errors.New("sentiment service down")
}

type resetCounter struct{ n int }

func (r *resetCounter) Reset() { r.n++ }

func rec(id, subject, sender string, updated time.Time) *model.InboundRecord {
	return &model.InboundRecord{
		Channel:       model.ChannelVendorRest,
		IntegrationID: "acme",
		ExternalID:    id,
		Sender:        model.Sender{Email: sender},
		Subject:       subject,
		Body:          subject + " details",
		Timestamp:     updated,
		UpdatedAt:     updated,
	}
}

type fixture struct {
	orch    *Orchestrator
	tickets *repository.MemoryTicketStore
	state   *repository.MemoryStateStore
	in      *integration.Integration
	resets  *resetCounter
}

func newFixture(t *testing.T, adapters ...channel.Adapter) *fixture {
	t.Helper()
	tickets := repository.NewMemoryTicketStore()
	return newFixtureOn(t, tickets, tickets, dedup.NewMemoryLedger(), adapters...)
}

// newFixtureOn store/ledger 可以替换成会失败的实现；tickets 用于断言
func newFixtureOn(t *testing.T, tickets *repository.MemoryTicketStore, store repository.TicketStore, ledger dedup.Ledger, adapters ...channel.Adapter) *fixture {
	t.Helper()

	state := repository.NewMemoryStateStore()
	resets := &resetCounter{}
	in := &integration.Integration{
		Config:   integration.Config{ID: "acme", Vendor: integration.VendorZendesk, Enabled: true},
		Adapters: adapters,
		Clients:  []integration.Resetter{resets},
	}
	registry := integration.NewRegistry()
	registry.Register(in)

	index := dedup.NewIndex(ledger, dedup.DefaultConfig(), zap.NewNop())
	orch := NewOrchestrator(registry, index, gateway.New(store, zap.NewNop()), state, state,
		stubClassifier{}, Config{WallClockCeiling: time.Minute}, zap.NewNop())
	orch.WithClock(func() time.Time { return now0 })

	return &fixture{orch: orch, tickets: tickets, state: state, in: in, resets: resets}
}

func threeRecordAdapter() *stubAdapter {
	return &stubAdapter{
		name: "tickets",
		kind: model.ChannelVendorRest,
		pages: map[string]page{
			"": {batch: channel.Batch{
				Records: []*model.InboundRecord{
					rec("1", "Printer on fire", "a@acme.io", now0.Add(-3*time.Hour)),
				},
				Errors:     []error{&integration.PermanentRecordError{ExternalID: "2", Reason: "unparseable payload"}},
				NextCursor: "p2",
			}},
			"p2": {batch: channel.Batch{
				Records: []*model.InboundRecord{
					rec("3", "VPN drops every hour", "b@acme.io", now0.Add(-time.Hour)),
				},
				EndOfStream: true,
			}},
		},
	}
}

func TestRunChannel_EndToEnd(t *testing.T) {
	adapter := threeRecordAdapter()
	f := newFixture(t, adapter)
	ctx := context.Background()

	s, err := f.orch.RunChannel(ctx, f.in, adapter, RunOptions{Mode: model.ModeFull})
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, s.State)
	assert.Equal(t, string(apiclient.StopEndOfStream), s.StopReason)
	assert.Equal(t, model.ModeFull, s.Mode)
	assert.Equal(t, 3, s.Fetched)
	assert.Equal(t, 2, s.Processed)
	assert.Equal(t, 2, s.Created)
	assert.Len(t, s.Errors, 1)
	assert.Equal(t, 2, s.Pages)
	assert.NotEmpty(t, s.RunID)

	// 全量从 epoch 开始
	assert.Equal(t, time.Unix(0, 0).UTC(), adapter.sinces[0])
	assert.Equal(t, []model.SyncMode{model.ModeFull, model.ModeFull}, adapter.modes)

	got := f.tickets.Tickets("acme")
	require.Len(t, got, 2)
	assert.Equal(t, "1", got[0].ExternalID)
	require.NotNil(t, got[0].Classification)
	assert.Equal(t, "technical", got[0].Classification.Category)
	assert.Nil(t, got[0].Sentiment)

	cursor, found, err := f.state.GetCursor(ctx, "acme", "tickets")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, now0.Add(-time.Hour), cursor.LastSyncedAt)
	assert.Equal(t, now0, cursor.LastSuccessAt)
	assert.Empty(t, cursor.ResumeToken)
	assert.Equal(t, model.ModeFull, cursor.Mode)
}

func TestRunChannel_SecondPassIsIdempotent(t *testing.T) {
	adapter := threeRecordAdapter()
	f := newFixture(t, adapter)
	ctx := context.Background()

	_, err := f.orch.RunChannel(ctx, f.in, adapter, RunOptions{Mode: model.ModeFull})
	require.NoError(t, err)

	s, err := f.orch.RunChannel(ctx, f.in, adapter, RunOptions{Mode: model.ModeFull})
	require.NoError(t, err)
	assert.Equal(t, 0, s.Created)
	assert.Equal(t, 0, s.Updated)
	assert.Equal(t, 2, s.Duplicates)
	assert.Len(t, f.tickets.Tickets("acme"), 2)
}

func TestRunChannel_NewerUpstreamVersionUpdates(t *testing.T) {
	adapter := &stubAdapter{name: "tickets", kind: model.ChannelVendorRest, pages: map[string]page{
		"": {batch: channel.Batch{Records: []*model.InboundRecord{rec("1", "Printer on fire", "a@acme.io", now0.Add(-time.Hour))}, EndOfStream: true}},
	}}
	f := newFixture(t, adapter)
	ctx := context.Background()

	_, err := f.orch.RunChannel(ctx, f.in, adapter, RunOptions{})
	require.NoError(t, err)

	adapter.pages[""] = page{batch: channel.Batch{Records: []*model.InboundRecord{rec("1", "Printer still on fire", "a@acme.io", now0)}, EndOfStream: true}}
	s, err := f.orch.RunChannel(ctx, f.in, adapter, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, s.Updated)
	assert.Equal(t, "Printer still on fire", f.tickets.Tickets("acme")[0].Title)
}

func TestRunChannel_LoopGuard(t *testing.T) {
	adapter := &stubAdapter{name: "tickets", kind: model.ChannelVendorRest, pages: map[string]page{
		"":  {batch: channel.Batch{NextCursor: "a"}},
		"a": {batch: channel.Batch{NextCursor: "a"}},
	}}
	f := newFixture(t, adapter)

	s, err := f.orch.RunChannel(context.Background(), f.in, adapter, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, s.State)
	assert.Equal(t, string(apiclient.StopLoopDetected), s.StopReason)
	assert.Equal(t, []string{"", "a"}, adapter.calls)

	cursor, _, _ := f.state.GetCursor(context.Background(), "acme", "tickets")
	assert.Empty(t, cursor.ResumeToken)
}

func TestRunChannel_PageErrorKeepsCursor(t *testing.T) {
	adapter := &stubAdapter{name: "tickets", kind: model.ChannelVendorRest, pages: map[string]page{
		"":   {batch: channel.Batch{Records: []*model.InboundRecord{rec("1", "Printer on fire", "a@acme.io", now0)}, NextCursor: "p2"}},
		"p2": {err: &integration.TransientError{Vendor: "zendesk", Status: 503, Attempts: 5}},
	}}
	f := newFixture(t, adapter)
	ctx := context.Background()

	s, err := f.orch.RunChannel(ctx, f.in, adapter, RunOptions{})
	require.Error(t, err)
	assert.True(t, integration.IsTransient(err))
	assert.Equal(t, StateFailed, s.State)
	assert.Equal(t, StopError, s.StopReason)
	assert.Equal(t, 1, s.Created)

	cursor, _, _ := f.state.GetCursor(ctx, "acme", "tickets")
	assert.Equal(t, "p2", cursor.ResumeToken)
	assert.True(t, cursor.LastSuccessAt.IsZero())

	// 下次增量运行从保存的 token 继续
	adapter.pages["p2"] = page{batch: channel.Batch{EndOfStream: true}}
	s, err = f.orch.RunChannel(ctx, f.in, adapter, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, "p2", adapter.calls[len(adapter.calls)-1])
	assert.Equal(t, StateCompleted, s.State)
}

// unreachableTickets 写入时模拟数据库连接断开
type unreachableTickets struct {
	*repository.MemoryTicketStore
	down bool
}

func (u *unreachableTickets) Create(ctx context.Context, t *model.Ticket) error {
	if u.down {
		return errors.New("dial tcp 10.0.0.5:5432: connect: connection refused")
	}
	return u.MemoryTicketStore.Create(ctx, t)
}

// unreachableLedger 查询时模拟 redis 不可用
type unreachableLedger struct {
	dedup.Ledger
}

func (unreachableLedger) ByExternalID(context.Context, string, string) (dedup.Entry, bool, error) {
	return dedup.Entry{}, false, errors.New("dial tcp 10.0.0.6:6379: i/o timeout")
}

func TestRunChannel_StoreOutageKeepsCursor(t *testing.T) {
	adapter := &stubAdapter{name: "tickets", kind: model.ChannelVendorRest, pages: map[string]page{
		"":   {batch: channel.Batch{Records: []*model.InboundRecord{rec("42", "Cannot log in", "a@acme.io", now0.Add(-time.Hour))}, NextCursor: "p2"}},
		"p2": {batch: channel.Batch{EndOfStream: true}},
	}}
	tickets := repository.NewMemoryTicketStore()
	store := &unreachableTickets{MemoryTicketStore: tickets, down: true}
	f := newFixtureOn(t, tickets, store, dedup.NewMemoryLedger(), adapter)
	ctx := context.Background()

	lastOK := now0.Add(-2 * time.Hour)
	before := model.SyncCursor{
		IntegrationID: "acme", Channel: "tickets",
		LastSyncedAt:  lastOK,
		LastSuccessAt: lastOK,
		Mode:          model.ModeIncremental,
	}
	require.NoError(t, f.state.SaveCursor(ctx, before))

	s, err := f.orch.RunChannel(ctx, f.in, adapter, RunOptions{Mode: model.ModeIncremental})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Equal(t, StateFailed, s.State)
	assert.Equal(t, StopError, s.StopReason)
	assert.Equal(t, 0, s.Created)
	assert.Equal(t, 0, s.Pages)
	assert.Equal(t, []string{""}, adapter.calls)

	cursor, _, _ := f.state.GetCursor(ctx, "acme", "tickets")
	assert.Equal(t, before, cursor)

	// 数据库恢复后从同一个起点重新拉取，记录不会丢
	store.down = false
	s, err = f.orch.RunChannel(ctx, f.in, adapter, RunOptions{Mode: model.ModeIncremental})
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, s.State)
	assert.Equal(t, 1, s.Created)
	assert.Equal(t, lastOK, adapter.sinces[1])
	assert.Equal(t, "", adapter.calls[1])

	_, found, err := tickets.GetByExternalID(ctx, "acme", "42")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestRunChannel_LedgerOutageFailsRun(t *testing.T) {
	adapter := &stubAdapter{name: "tickets", kind: model.ChannelVendorRest, pages: map[string]page{
		"": {batch: channel.Batch{Records: []*model.InboundRecord{rec("7", "Printer on fire", "a@acme.io", now0)}, EndOfStream: true}},
	}}
	tickets := repository.NewMemoryTicketStore()
	f := newFixtureOn(t, tickets, tickets, unreachableLedger{Ledger: dedup.NewMemoryLedger()}, adapter)
	ctx := context.Background()

	s, err := f.orch.RunChannel(ctx, f.in, adapter, RunOptions{})
	require.Error(t, err)
	assert.Equal(t, StateFailed, s.State)
	assert.Equal(t, 0, s.Created)

	_, found, _ := f.state.GetCursor(ctx, "acme", "tickets")
	assert.False(t, found)
}

func TestRunChannel_ResumeKeepsOriginalSince(t *testing.T) {
	adapter := &stubAdapter{name: "tickets", kind: model.ChannelVendorRest, pages: map[string]page{
		"":   {batch: channel.Batch{Records: []*model.InboundRecord{rec("1", "Printer on fire", "a@acme.io", now0)}, NextCursor: "p2"}},
		"p2": {err: &integration.TransientError{Vendor: "zendesk", Status: 503, Attempts: 5}},
	}}
	f := newFixture(t, adapter)
	ctx := context.Background()

	_, err := f.orch.RunChannel(ctx, f.in, adapter, RunOptions{})
	require.Error(t, err)
	firstSince := adapter.sinces[0]

	cursor, _, _ := f.state.GetCursor(ctx, "acme", "tickets")
	assert.Equal(t, "p2", cursor.ResumeToken)
	assert.Equal(t, firstSince, cursor.ResumeSince)

	// 一小时后重试：lookback 窗口已经移动，但 token 仍按原来的 since 续传
	later := now0.Add(time.Hour)
	f.orch.WithClock(func() time.Time { return later })
	adapter.pages["p2"] = page{batch: channel.Batch{EndOfStream: true}}
	_, err = f.orch.RunChannel(ctx, f.in, adapter, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, "p2", adapter.calls[len(adapter.calls)-1])
	assert.Equal(t, firstSince, adapter.sinces[len(adapter.sinces)-1])

	cursor, _, _ = f.state.GetCursor(ctx, "acme", "tickets")
	assert.Empty(t, cursor.ResumeToken)
	assert.True(t, cursor.ResumeSince.IsZero())
	assert.Equal(t, later, cursor.LastSuccessAt)
}

func TestRunChannel_Cancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	adapter := &stubAdapter{name: "tickets", kind: model.ChannelVendorRest, pages: map[string]page{
		"": {
			batch: channel.Batch{Records: []*model.InboundRecord{rec("1", "Printer on fire", "a@acme.io", now0)}, NextCursor: "p2"},
			hook:  cancel,
		},
	}}
	f := newFixture(t, adapter)

	s, err := f.orch.RunChannel(ctx, f.in, adapter, RunOptions{})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateFailed, s.State)
	assert.Equal(t, StopCanceled, s.StopReason)
	// 取消前那一页已经完整处理
	assert.Equal(t, 1, s.Created)
	assert.Equal(t, []string{""}, adapter.calls)
}

func TestRunChannel_IncrementalStartingPoint(t *testing.T) {
	adapter := &stubAdapter{name: "tickets", kind: model.ChannelVendorRest}
	f := newFixture(t, adapter)
	ctx := context.Background()

	_, err := f.orch.RunChannel(ctx, f.in, adapter, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, now0.Add(-24*time.Hour), adapter.sinces[0])

	require.NoError(t, f.state.SaveCursor(ctx, model.SyncCursor{
		IntegrationID: "acme", Channel: "tickets",
		LastSuccessAt: now0.Add(-2 * time.Hour),
		ResumeToken:   "full-token",
		Mode:          model.ModeFull,
	}))
	_, err = f.orch.RunChannel(ctx, f.in, adapter, RunOptions{Mode: model.ModeIncremental})
	require.NoError(t, err)
	assert.Equal(t, now0.Add(-2*time.Hour), adapter.sinces[1])
	// 全量留下的 token 不用于增量
	assert.Equal(t, "", adapter.calls[1])
}

func TestRunIntegration_AuthFailureHaltsPolling(t *testing.T) {
	bad := &stubAdapter{name: "tickets", kind: model.ChannelVendorRest, pages: map[string]page{
		"": {err: &integration.AuthenticationError{Vendor: "zendesk", Status: 401}},
	}}
	next := &stubAdapter{name: "comments", kind: model.ChannelVendorRest}
	f := newFixture(t, bad, next)
	ctx := context.Background()

	summaries, err := f.orch.RunIntegration(ctx, "acme", RunOptions{})
	require.Error(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, StopAuthFailed, summaries[0].StopReason)
	assert.Empty(t, next.calls)

	status, err := f.orch.Status(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, model.IntegrationError, status.Status)
	assert.NotEmpty(t, status.LastError)

	// 定时触发跳过已停止的 integration
	summaries, err = f.orch.RunIntegration(ctx, "acme", RunOptions{})
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, StopHalted, summaries[0].StopReason)
	assert.Len(t, bad.calls, 1)

	// 手动触发先重置客户端
	bad.pages = nil
	summaries, err = f.orch.RunIntegration(ctx, "acme", RunOptions{Manual: true})
	require.NoError(t, err)
	assert.Len(t, summaries, 2)
	assert.Equal(t, 1, f.resets.n)

	status, err = f.orch.Status(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, model.IntegrationOK, status.Status)
	assert.Len(t, status.LastRuns, 2)
}

func TestRunIntegration_UnknownAndDisabled(t *testing.T) {
	f := newFixture(t)
	_, err := f.orch.RunIntegration(context.Background(), "nope", RunOptions{})
	assert.ErrorIs(t, err, ErrUnknownIntegration)

	f.in.Config.Enabled = false
	_, err = f.orch.RunIntegration(context.Background(), "acme", RunOptions{})
	assert.ErrorIs(t, err, ErrIntegrationDisabled)
}

func TestRunIntegration_RejectsConcurrentRun(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	adapter := &stubAdapter{name: "tickets", kind: model.ChannelVendorRest, pages: map[string]page{
		"": {
			batch: channel.Batch{EndOfStream: true},
			hook: func() {
				close(entered)
				<-release
			},
		},
	}}
	f := newFixture(t, adapter)

	done := make(chan error, 1)
	go func() {
		_, err := f.orch.RunIntegration(context.Background(), "acme", RunOptions{})
		done <- err
	}()
	<-entered

	_, err := f.orch.RunIntegration(context.Background(), "acme", RunOptions{})
	assert.ErrorIs(t, err, ErrRunInProgress)

	status, err := f.orch.Status(context.Background(), "acme")
	require.NoError(t, err)
	assert.True(t, status.Running)

	close(release)
	require.NoError(t, <-done)
}

func TestRunAll(t *testing.T) {
	adapter := threeRecordAdapter()
	f := newFixture(t, adapter)

	summaries := f.orch.RunAll(context.Background(), RunOptions{Mode: model.ModeFull})
	require.Len(t, summaries, 1)
	assert.Equal(t, 2, summaries[0].Created)
}

func TestProcessRecord_Replies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.orch.ProcessRecord(ctx, rec("1", "Printer on fire", "a@acme.io", now0))
	require.NoError(t, err)

	reply := rec("c-1", "", "b@acme.io", now0)
	reply.Body = "Have you tried turning it off?"
	reply.ParentExternalID = "1"

	res, err := f.orch.ProcessRecord(ctx, reply)
	require.NoError(t, err)
	assert.Equal(t, OutcomeComment, res.Outcome)

	res, err = f.orch.ProcessRecord(ctx, reply)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, res.Outcome)

	orphan := rec("c-2", "", "b@acme.io", now0)
	orphan.Body = "hello?"
	orphan.ParentExternalID = "404"
	_, err = f.orch.ProcessRecord(ctx, orphan)
	require.Error(t, err)
	assert.True(t, integration.IsPermanentRecord(err))
	assert.ErrorIs(t, err, gateway.ErrParentNotFound)
}

func TestProcessRecord_ContentDuplicate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := rec("1", "Printer on fire", "a@acme.io", time.Now())
	_, err := f.orch.ProcessRecord(ctx, first)
	require.NoError(t, err)

	// 另一个 id，相同内容
	copyRec := rec("2", "Printer on fire", "a@acme.io", time.Now())
	res, err := f.orch.ProcessRecord(ctx, copyRec)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, res.Outcome)
	assert.Equal(t, dedup.TierContent, res.Tier)
	assert.Len(t, f.tickets.Tickets("acme"), 1)
}

func TestProcessRecord_Validation(t *testing.T) {
	f := newFixture(t)
	_, err := f.orch.ProcessRecord(context.Background(), &model.InboundRecord{IntegrationID: "acme"})
	assert.True(t, integration.IsPermanentRecord(err))

	empty := rec("9", "", "a@acme.io", now0)
	empty.Body = ""
	_, err = f.orch.ProcessRecord(context.Background(), empty)
	assert.True(t, integration.IsPermanentRecord(err))
}

func TestResyncTicket(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.orch.ResyncTicket(ctx, "acme", "7")
	assert.ErrorIs(t, err, integration.ErrNotConfigured)

	f.in.Single = stubSingle{rec: rec("7", "Refund please", "c@acme.io", now0)}
	res, err := f.orch.ResyncTicket(ctx, "acme", "7")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, res.Outcome)
	assert.NotEmpty(t, res.TicketID)

	f.in.Single = stubSingle{err: &integration.PermanentError{Vendor: "zendesk", Status: 404}}
	_, err = f.orch.ResyncTicket(ctx, "acme", "8")
	assert.True(t, integration.IsPermanent(err))
}

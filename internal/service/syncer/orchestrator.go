package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"ticketsync/internal/apiclient"
	"ticketsync/internal/channel"
	"ticketsync/internal/classifier"
	"ticketsync/internal/dedup"
	"ticketsync/internal/gateway"
	"ticketsync/internal/integration"
	"ticketsync/internal/model"
	"ticketsync/internal/repository"
	"ticketsync/pkg/logger"
	"ticketsync/pkg/metrics"
	"ticketsync/pkg/otel"
	"ticketsync/pkg/trace"
)

var (
	ErrUnknownIntegration  = errors.New("unknown integration")
	ErrIntegrationDisabled = errors.New("integration is disabled")
	ErrRunInProgress       = errors.New("a sync run for this integration is already in progress")
)

// Config 同步调度参数
type Config struct {
	WallClockCeiling    time.Duration `yaml:"wall_clock_ceiling"`
	MaxConcurrency      int           `yaml:"max_concurrency"`
	PageCap             int           `yaml:"page_cap"`
	IncrementalLookback time.Duration `yaml:"incremental_lookback"`
}

func (c Config) withDefaults() Config {
	if c.WallClockCeiling <= 0 {
		c.WallClockCeiling = 30 * time.Minute
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 4
	}
	if c.PageCap <= 0 {
		c.PageCap = apiclient.DefaultPageCap
	}
	if c.IncrementalLookback <= 0 {
		c.IncrementalLookback = 24 * time.Hour
	}
	return c
}

// RunOptions Manual 为 true 时（管理接口、CLI）会清除认证失败状态后重新尝试
type RunOptions struct {
	Mode   model.SyncMode
	Manual bool
}

func (o RunOptions) mode() model.SyncMode {
	if o.Mode == "" {
		return model.ModeIncremental
	}
	return o.Mode
}

// Orchestrator 抓取 → 规范化 → 去重 → 写入，每个渠道维护自己的游标
type Orchestrator struct {
	registry   *integration.Registry
	index      *dedup.Index
	gateway    *gateway.Gateway
	cursors    repository.CursorStore
	statuses   repository.StatusStore
	classifier classifier.Client
	cfg        Config
	now        func() time.Time
	logger     *zap.Logger

	mu       sync.Mutex
	running  map[string]bool
	lastRuns map[string][]Summary
}

func NewOrchestrator(
	registry *integration.Registry,
	index *dedup.Index,
	gw *gateway.Gateway,
	cursors repository.CursorStore,
	statuses repository.StatusStore,
	cls classifier.Client,
	cfg Config,
	logger *zap.Logger,
) *Orchestrator {
	return &Orchestrator{
		registry:   registry,
		index:      index,
		gateway:    gw,
		cursors:    cursors,
		statuses:   statuses,
		classifier: cls,
		cfg:        cfg.withDefaults(),
		now:        time.Now,
		logger:     logger,
		running:    make(map[string]bool),
		lastRuns:   make(map[string][]Summary),
	}
}

// WithClock 测试用
func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	o.now = now
	return o
}

// RunAll 并发同步所有启用的 integration，单个 integration 的失败不影响其他
func (o *Orchestrator) RunAll(ctx context.Context, opts RunOptions) []Summary {
	var (
		mu  sync.Mutex
		all []Summary
		g   errgroup.Group
	)
	g.SetLimit(o.cfg.MaxConcurrency)

	for _, in := range o.registry.Enabled() {
		id := in.Config.ID
		g.Go(func() error {
			summaries, err := o.RunIntegration(ctx, id, opts)
			if err != nil && !errors.Is(err, ErrRunInProgress) {
				o.logger.Warn("Integration sync did not complete", zap.String("integration_id", id), zap.Error(err))
			}
			mu.Lock()
			all = append(all, summaries...)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return all
}

// RunIntegration 依次同步一个 integration 的所有渠道。认证失败时停止后续渠道并标记状态
func (o *Orchestrator) RunIntegration(ctx context.Context, integrationID string, opts RunOptions) ([]Summary, error) {
	in, ok := o.registry.Get(integrationID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownIntegration, integrationID)
	}
	if !in.Config.Enabled {
		return nil, ErrIntegrationDisabled
	}
	if !o.acquire(integrationID) {
		return nil, ErrRunInProgress
	}
	defer o.release(integrationID)

	ctx, _ = trace.Ensure(ctx)
	log := logger.WithTrace(ctx, logger.ForIntegration(o.logger, integrationID, ""))

	if opts.Manual {
		in.Reset()
	} else if status, found, err := o.statuses.GetStatus(ctx, integrationID); err == nil && found && status.Status == model.IntegrationError {
		log.Info("Skipping halted integration", zap.String("last_error", status.LastError))
		return []Summary{o.haltedSummary(integrationID, opts)}, nil
	}

	var summaries []Summary
	var runErr error
	for _, adapter := range in.Adapters {
		s, err := o.RunChannel(ctx, in, adapter, opts)
		summaries = append(summaries, s)
		if err == nil {
			continue
		}
		runErr = err
		if integration.IsAuthentication(err) {
			o.setStatus(ctx, integrationID, model.IntegrationError, err.Error())
			log.Error("Authentication failed, polling halted", zap.String("channel", adapter.Name()), zap.Error(err))
			break
		}
	}

	if runErr == nil {
		o.setStatus(ctx, integrationID, model.IntegrationOK, "")
	}

	o.mu.Lock()
	o.lastRuns[integrationID] = summaries
	o.mu.Unlock()
	return summaries, runErr
}

// RunChannel 同步一个渠道。分页/连接/存储错误中止本次运行且不推进游标；只有 PermanentRecordError 按单条计数
func (o *Orchestrator) RunChannel(ctx context.Context, in *integration.Integration, adapter channel.Adapter, opts RunOptions) (Summary, error) {
	mode := opts.mode()
	start := o.now()
	summary := Summary{
		RunID:         uuid.NewString(),
		IntegrationID: in.Config.ID,
		Channel:       adapter.Name(),
		Mode:          mode,
		State:         StateIdle,
		StartedAt:     start.UTC(),
		Errors:        []string{},
	}
	log := logger.ForIntegration(o.logger, in.Config.ID, adapter.Name()).With(zap.String("run_id", summary.RunID))

	ctx, span := otel.StartSyncSpan(ctx, "sync.channel", in.Config.ID, string(mode))
	span.SetAttributes(attribute.String("channel", adapter.Name()))

	runCtx, cancel := context.WithTimeout(channel.WithMode(ctx, mode), o.cfg.WallClockCeiling)
	defer cancel()

	var runErr error
	defer func() {
		summary.DurationMS = o.now().Sub(start).Milliseconds()
		metrics.RecordSyncRun(string(adapter.Kind()), string(mode), string(summary.State), o.now().Sub(start))
		otel.EndSpan(span, runErr)
		log.Info("Sync run finished",
			zap.String("state", string(summary.State)),
			zap.String("stop_reason", summary.StopReason),
			zap.Int("fetched", summary.Fetched),
			zap.Int("processed", summary.Processed),
			zap.Int("created", summary.Created),
			zap.Int("updated", summary.Updated),
			zap.Int("duplicates", summary.Duplicates),
			zap.Int("comments", summary.Comments),
			zap.Int("errors", len(summary.Errors)),
		)
	}()

	cursor, since, token, err := o.startingPoint(ctx, in.Config.ID, adapter.Name(), mode, start)
	if err != nil {
		runErr = err
		summary.State = StateFailed
		summary.StopReason = StopError
		summary.addError(err)
		return summary, err
	}

	// 页内的记录处理不受取消影响，处理完当前页再停
	pageCtx := context.WithoutCancel(runCtx)
	setState := func(s State) { summary.State = s }

	fetch := func(ctx context.Context, token string) (string, bool, error) {
		setState(StateFetching)
		batch, err := adapter.FetchBatch(ctx, since, token)
		if err != nil {
			return "", false, err
		}

		summary.Fetched += len(batch.Records) + len(batch.Errors) + batch.Skipped
		summary.Skipped += batch.Skipped
		for _, recErr := range batch.Errors {
			summary.addError(recErr)
			metrics.IncrementSyncRecord(string(adapter.Kind()), "error")
			log.Warn("Skipping malformed record", zap.Error(recErr))
		}

		latest := cursor.LastSyncedAt
		for _, rec := range batch.Records {
			res, err := o.processRecord(pageCtx, rec, setState)
			if err != nil && !integration.IsPermanentRecord(err) {
				// 存储或账本不可用：整页失败，游标留在本页之前
				return "", false, fmt.Errorf("record %s: %w", rec.ExternalID, err)
			}
			if err != nil {
				summary.addError(fmt.Errorf("record %s: %w", rec.ExternalID, err))
				metrics.IncrementSyncRecord(string(adapter.Kind()), "error")
				log.Warn("Record failed", zap.String("external_id", rec.ExternalID), zap.Error(err))
				continue
			}
			summary.count(res.Outcome)
			metrics.IncrementSyncRecord(string(adapter.Kind()), string(res.Outcome))
			if rec.UpdatedAt.After(latest) {
				latest = rec.UpdatedAt
			}
		}

		// 只有整页处理完才推进游标
		next := cursor.Advance(latest, batch.NextCursor)
		next.Mode = mode
		next.ResumeSince = since
		if batch.NextCursor == "" {
			next.ResumeSince = time.Time{}
		}
		if err := o.cursors.SaveCursor(pageCtx, next); err != nil {
			return "", false, fmt.Errorf("save cursor: %w", err)
		}
		cursor = next
		summary.Pages++
		return batch.NextCursor, batch.EndOfStream, nil
	}

	stats, err := apiclient.Paginate(runCtx, token, o.cfg.PageCap, fetch)
	if err != nil {
		runErr = err
		summary.State = StateFailed
		summary.StopReason = stopReasonFor(runCtx, err)
		summary.addError(err)
		return summary, err
	}
	metrics.IncrementPaginationStop(adapter.Name(), string(stats.StopReason))
	summary.StopReason = string(stats.StopReason)

	cursor.LastSuccessAt = start.UTC()
	switch {
	case mode == model.ModeFull && stats.StopReason == apiclient.StopEndOfStream:
		cursor.ClearResume()
	case stats.StopReason == apiclient.StopLoopDetected:
		// 上游返回了重复的 token，不保存
		cursor.ClearResume()
		log.Warn("Pagination loop detected, resume token discarded", zap.Int("pages", stats.Pages))
	}
	if err := o.cursors.SaveCursor(pageCtx, cursor); err != nil {
		log.Warn("Failed to record sync success", zap.Error(err))
	}

	summary.State = StateCompleted
	return summary, nil
}

// startingPoint 全量从 epoch 开始且不带 token；增量从 max(上次成功, now-lookback) 开始。
// 沿用上次增量留下的 token 时，since 必须和生成 token 时一致
func (o *Orchestrator) startingPoint(ctx context.Context, integrationID, name string, mode model.SyncMode, now time.Time) (model.SyncCursor, time.Time, string, error) {
	stored, found, err := o.cursors.GetCursor(ctx, integrationID, name)
	if err != nil {
		return model.SyncCursor{}, time.Time{}, "", fmt.Errorf("load cursor: %w", err)
	}
	if !found {
		stored = model.SyncCursor{IntegrationID: integrationID, Channel: name}
	}

	if mode == model.ModeFull {
		return stored, time.Unix(0, 0).UTC(), "", nil
	}

	since := now.Add(-o.cfg.IncrementalLookback)
	if stored.LastSuccessAt.After(since) {
		since = stored.LastSuccessAt
	}
	token := ""
	if stored.Mode == model.ModeIncremental && stored.ResumeToken != "" {
		token = stored.ResumeToken
		if !stored.ResumeSince.IsZero() {
			since = stored.ResumeSince
		}
	}
	return stored, since.UTC(), token, nil
}

func stopReasonFor(ctx context.Context, err error) string {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return StopTimeout
	case errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled):
		return StopCanceled
	case integration.IsAuthentication(err):
		return StopAuthFailed
	case errors.Is(err, integration.ErrNotConfigured):
		return StopNotConfigured
	default:
		return StopError
	}
}

// ResyncTicket 拉取单条上游记录并写入，用于延迟任务和 webhook 回退
func (o *Orchestrator) ResyncTicket(ctx context.Context, integrationID, externalID string) (RecordResult, error) {
	in, ok := o.registry.Get(integrationID)
	if !ok {
		return RecordResult{}, fmt.Errorf("%w: %s", ErrUnknownIntegration, integrationID)
	}
	if in.Single == nil {
		return RecordResult{}, fmt.Errorf("single ticket fetch for %s: %w", integrationID, integration.ErrNotConfigured)
	}

	ctx, span := otel.StartSyncSpan(ctx, "sync.resync_ticket", integrationID, "")
	span.SetAttributes(otel.AttrExternalID.String(externalID))
	rec, err := in.Single.FetchOne(ctx, externalID)
	if err != nil {
		otel.EndSpan(span, err)
		return RecordResult{}, err
	}
	if rec.IntegrationID == "" {
		rec.IntegrationID = integrationID
	}

	// 直接走 gateway：单条重新同步的目的就是覆盖旧数据
	res, err := o.gateway.Upsert(ctx, integrationID, rec.ExternalID, rec.TicketFields())
	otel.EndSpan(span, err)
	if err != nil {
		return RecordResult{}, err
	}
	if res.Outcome == gateway.Created {
		if err := o.index.MarkProcessed(ctx, rec); err != nil {
			metrics.IncrementDedupMarkFailure(o.index.Backend())
		}
		o.enrich(ctx, res.Ticket)
	}

	outcome := OutcomeDuplicate
	switch res.Outcome {
	case gateway.Created:
		outcome = OutcomeCreated
	case gateway.Updated:
		outcome = OutcomeUpdated
	}
	o.logger.Info("Ticket resynced",
		zap.String("integration_id", integrationID),
		zap.String("external_id", externalID),
		zap.String("outcome", string(outcome)),
	)
	return RecordResult{Outcome: outcome, TicketID: res.Ticket.ID}, nil
}

// StatusReport 管理接口返回的 integration 状态
type StatusReport struct {
	model.IntegrationStatus
	Running  bool      `json:"running"`
	LastRuns []Summary `json:"last_runs,omitempty"`
}

func (o *Orchestrator) Status(ctx context.Context, integrationID string) (StatusReport, error) {
	in, ok := o.registry.Get(integrationID)
	if !ok {
		return StatusReport{}, fmt.Errorf("%w: %s", ErrUnknownIntegration, integrationID)
	}

	status, found, err := o.statuses.GetStatus(ctx, integrationID)
	if err != nil {
		return StatusReport{}, err
	}
	if !found {
		status = model.IntegrationStatus{IntegrationID: integrationID, Status: model.IntegrationOK}
	}
	if !in.Config.Enabled {
		status.Status = model.IntegrationDisabled
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	return StatusReport{
		IntegrationStatus: status,
		Running:           o.running[integrationID],
		LastRuns:          o.lastRuns[integrationID],
	}, nil
}

func (o *Orchestrator) setStatus(ctx context.Context, integrationID, status, lastError string) {
	err := o.statuses.SetStatus(ctx, model.IntegrationStatus{
		IntegrationID: integrationID,
		Status:        status,
		LastError:     lastError,
		UpdatedAt:     o.now().UTC(),
	})
	if err != nil {
		o.logger.Warn("Failed to persist integration status",
			zap.String("integration_id", integrationID),
			zap.String("status", status),
			zap.Error(err),
		)
	}
}

func (o *Orchestrator) haltedSummary(integrationID string, opts RunOptions) Summary {
	return Summary{
		RunID:         uuid.NewString(),
		IntegrationID: integrationID,
		Mode:          opts.mode(),
		State:         StateFailed,
		StartedAt:     o.now().UTC(),
		Errors:        []string{},
		StopReason:    StopHalted,
	}
}

func (o *Orchestrator) acquire(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running[id] {
		return false
	}
	o.running[id] = true
	return true
}

func (o *Orchestrator) release(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.running, id)
}

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"ticketsync/internal/integration"
	"ticketsync/internal/model"
	"ticketsync/internal/service/syncer"
	"ticketsync/pkg/trace"
)

// DefaultSchedule integration 未配置 schedule 时使用
const DefaultSchedule = "@every 15m"

// Runner 由 *syncer.Orchestrator 实现
type Runner interface {
	RunIntegration(ctx context.Context, integrationID string, opts syncer.RunOptions) ([]syncer.Summary, error)
}

// Scheduler 按 integration 的 cron 表达式触发增量同步
type Scheduler struct {
	cron   *cron.Cron
	runner Runner
	logger *zap.Logger

	mu      sync.Mutex
	base    context.Context
	entries map[string]cron.EntryID
}

type Option func(*Scheduler)

// WithCron 使用外部构造的 cron 实例
func WithCron(c *cron.Cron) Option {
	return func(s *Scheduler) {
		s.cron = c
	}
}

func New(runner Runner, logger *zap.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		runner:  runner,
		logger:  logger,
		base:    context.Background(),
		entries: make(map[string]cron.EntryID),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cron == nil {
		l := cronLogger{logger}
		s.cron = cron.New(
			cron.WithLocation(time.UTC),
			cron.WithChain(cron.Recover(l), cron.SkipIfStillRunning(l)),
		)
	}
	return s
}

// Register 为每个启用的 integration 注册一个任务，表达式非法时返回错误且不注册任何任务
func (s *Scheduler) Register(integrations []*integration.Integration) error {
	type job struct {
		id   string
		spec string
	}
	var jobs []job
	for _, in := range integrations {
		if !in.Config.Enabled {
			continue
		}
		spec := in.Config.Schedule
		if spec == "" {
			spec = DefaultSchedule
		}
		if _, err := cron.ParseStandard(spec); err != nil {
			return fmt.Errorf("integration %s: invalid schedule %q: %w", in.Config.ID, spec, err)
		}
		jobs = append(jobs, job{id: in.Config.ID, spec: spec})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range jobs {
		if old, ok := s.entries[j.id]; ok {
			s.cron.Remove(old)
		}
		id := j.id
		entryID, err := s.cron.AddFunc(j.spec, func() { s.runJob(id) })
		if err != nil {
			return fmt.Errorf("integration %s: schedule: %w", id, err)
		}
		s.entries[id] = entryID
		s.logger.Info("Sync scheduled", zap.String("integration_id", id), zap.String("schedule", j.spec))
	}
	return nil
}

// Start 启动 cron，ctx 结束时停止并等待正在运行的任务
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.base = ctx
	s.mu.Unlock()

	s.cron.Start()
	go func() {
		<-ctx.Done()
		<-s.cron.Stop().Done()
		s.logger.Info("Scheduler stopped")
	}()
}

// NextRuns 每个 integration 下一次触发的时间
func (s *Scheduler) NextRuns() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]time.Time, len(s.entries))
	for id, entryID := range s.entries {
		out[id] = s.cron.Entry(entryID).Next
	}
	return out
}

func (s *Scheduler) runJob(integrationID string) {
	s.mu.Lock()
	base := s.base
	s.mu.Unlock()
	if base.Err() != nil {
		return
	}

	ctx, traceID := trace.Ensure(base)
	log := s.logger.With(zap.String("integration_id", integrationID), zap.String("trace_id", traceID))

	summaries, err := s.runner.RunIntegration(ctx, integrationID, syncer.RunOptions{Mode: model.ModeIncremental})
	switch {
	case errors.Is(err, syncer.ErrRunInProgress):
		log.Debug("Scheduled sync skipped, previous run still in progress")
		return
	case err != nil:
		log.Warn("Scheduled sync failed", zap.Error(err))
	}
	for _, sum := range summaries {
		log.Info("Scheduled sync finished",
			zap.String("channel", sum.Channel),
			zap.String("state", string(sum.State)),
			zap.Int("created", sum.Created),
			zap.Int("updated", sum.Updated),
			zap.Int("errors", len(sum.Errors)),
		)
	}
}

// cronLogger 把 cron 的日志接到 zap
type cronLogger struct {
	l *zap.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Sugar().Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}

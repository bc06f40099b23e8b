package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"ticketsync/internal/classifier"
	"ticketsync/internal/config"
	"ticketsync/internal/dedup"
	"ticketsync/internal/gateway"
	"ticketsync/internal/handler"
	"ticketsync/internal/httpserver"
	"ticketsync/internal/integration"
	"ticketsync/internal/jobs"
	"ticketsync/internal/mqhandler"
	"ticketsync/internal/repository"
	"ticketsync/internal/service/syncer"
	"ticketsync/internal/webhook"
	"ticketsync/pkg/db"
	"ticketsync/pkg/mq"
	"ticketsync/pkg/outbox"
	redisclient "ticketsync/pkg/redis"
	"ticketsync/pkg/util"
)

// App 进程内共享的依赖，server / worker / syncctl 都从这里构造
type App struct {
	Config *config.Config
	Logger *zap.Logger

	DB    *pgxpool.Pool
	Redis *redis.Client

	Registry     *integration.Registry
	Ledger       dedup.Ledger
	Index        *dedup.Index
	Tickets      repository.TicketStore
	Gateway      *gateway.Gateway
	Orchestrator *syncer.Orchestrator

	Jobs          jobs.Scheduler
	InProcessJobs *jobs.InProcessScheduler
	Outbox        *outbox.Repository
	Publisher     *mq.Publisher
	ResyncHandler *mqhandler.TicketResyncHandler
	Ingestor      *webhook.Ingestor

	closers []func()
}

// New 按配置连接外部依赖。DB / redis 未配置时退回进程内实现
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger}
	if err := a.init(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context) error {
	cfg := a.Config

	var (
		cursors  repository.CursorStore
		statuses repository.StatusStore
	)
	if cfg.DB.Enabled() {
		pool, err := db.NewConnection(ctx, cfg.DB, a.Logger)
		if err != nil {
			return fmt.Errorf("db: %w", err)
		}
		a.DB = pool
		a.closers = append(a.closers, pool.Close)

		tickets := repository.NewPostgresTicketStore(pool)
		if err := tickets.EnsureSchema(ctx); err != nil {
			return err
		}
		state := repository.NewPostgresStateStore(pool)
		if err := state.EnsureSchema(ctx); err != nil {
			return err
		}
		a.Tickets, cursors, statuses = tickets, state, state
	} else {
		a.Logger.Warn("No database configured, tickets and cursors are kept in memory")
		state := repository.NewMemoryStateStore()
		a.Tickets, cursors, statuses = repository.NewMemoryTicketStore(), state, state
	}

	var deduper webhook.EventDeduper
	var retries mqhandler.RetryCounter
	if cfg.Redis.Addr != "" {
		rdb, err := redisclient.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		a.Redis = rdb
		a.closers = append(a.closers, func() { _ = rdb.Close() })
		deduper = util.NewDeduper(rdb, webhook.EventDedupTTL(), a.Logger)
		retries = util.NewRetryCounter(rdb, 24*time.Hour)
	} else {
		deduper = util.NewMemoryDeduper(webhook.EventDedupTTL())
	}

	ledgerCfg := cfg.Ledger.Config
	if ledgerCfg.Retention <= 0 {
		ledgerCfg.Retention = dedup.DefaultConfig().Retention
	}
	ledger, err := dedup.OpenLedger(ctx, cfg.Ledger.DSN, ledgerCfg.Retention, a.Logger)
	if err != nil {
		return fmt.Errorf("ledger: %w", err)
	}
	a.Ledger = ledger
	a.closers = append(a.closers, func() { _ = ledger.Close() })
	a.Index = dedup.NewIndex(ledger, ledgerCfg, a.Logger)
	a.Logger.Info("Fingerprint ledger ready", zap.String("backend", ledger.Backend()))

	registry, err := BuildRegistry(ctx, cfg.Integrations, cfg.Sync.PageCap, a.Logger)
	if err != nil {
		return err
	}
	a.Registry = registry

	var cls classifier.Client = classifier.Noop{}
	if cfg.Classifier.BaseURL != "" {
		cls = classifier.NewHTTPClient(cfg.Classifier.BaseURL, cfg.Classifier.Timeout, a.Logger)
	}

	a.Gateway = gateway.New(a.Tickets, a.Logger)
	a.Orchestrator = syncer.NewOrchestrator(registry, a.Index, a.Gateway, cursors, statuses, cls, cfg.Sync, a.Logger)
	a.ResyncHandler = mqhandler.NewTicketResyncHandler(a.Orchestrator, retries, int64(cfg.Jobs.MaxRetries), a.Logger)

	if err := a.initJobs(ctx); err != nil {
		return err
	}
	a.Ingestor = webhook.NewIngestor(a.Orchestrator, a.Gateway, a.Jobs, deduper, a.Logger)
	return nil
}

func (a *App) initJobs(ctx context.Context) error {
	cfg := a.Config
	switch cfg.Jobs.Backend {
	case jobs.BackendMQ:
		pub, err := mq.NewPublisher(cfg.MQ.URL, cfg.MQ.Exchange)
		if err != nil {
			return fmt.Errorf("mq publisher: %w", err)
		}
		a.Publisher = pub
		a.closers = append(a.closers, pub.Close)
		a.Jobs = jobs.NewMQScheduler(pub, a.Logger)

	case jobs.BackendOutbox:
		if a.DB == nil {
			return fmt.Errorf("jobs backend outbox: %w", integration.ErrNotConfigured)
		}
		a.Outbox = outbox.NewRepository(a.DB)
		if err := a.Outbox.EnsureSchema(ctx); err != nil {
			return err
		}
		a.Jobs = jobs.NewOutboxScheduler(a.Outbox, a.Logger)

	default:
		a.InProcessJobs = jobs.NewInProcessScheduler(a.ResyncHandler.Handle, cfg.Jobs.Workers, cfg.Jobs.QueueSize, a.Logger)
		a.Jobs = a.InProcessJobs
	}
	a.Logger.Info("Deferred job backend ready", zap.String("backend", cfg.Jobs.Backend))
	return nil
}

// Router HTTP 入口：webhook 和管理接口
func (a *App) Router() *httpserver.Router {
	var replayer handler.JobReplayer
	if a.Outbox != nil {
		replayer = a.Outbox
	}

	var checks []httpserver.ReadinessCheck
	if a.DB != nil {
		checks = append(checks, httpserver.ReadinessCheck{Name: "db", Check: a.DB.Ping})
	}
	if a.Redis != nil {
		rdb := a.Redis
		checks = append(checks, httpserver.ReadinessCheck{Name: "redis", Check: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}})
	}
	if a.Publisher != nil {
		pub := a.Publisher
		checks = append(checks, httpserver.ReadinessCheck{Name: "mq", Check: func(context.Context) error {
			if !pub.IsConnected() {
				return fmt.Errorf("publisher disconnected")
			}
			return nil
		}})
	}

	return httpserver.NewRouter(
		handler.NewWebhookHandler(a.Registry, a.Ingestor, a.Logger),
		handler.NewAdminHandler(a.Orchestrator, replayer, a.Logger),
		a.Config.Admin.JWTSecret,
		checks...,
	)
}

// Close 逆序释放
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

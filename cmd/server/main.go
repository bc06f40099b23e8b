package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"ticketsync/internal/bootstrap"
	"ticketsync/internal/config"
	"ticketsync/internal/scheduler"
	"ticketsync/pkg/logger"
	"ticketsync/pkg/otel"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	log := logger.NewLogger(cfg.Log.Level)
	defer log.Sync()

	log.Info("Starting ticketsync server...",
		zap.String("version", version),
		zap.String("port", cfg.Server.Port),
		zap.String("jobs_backend", cfg.Jobs.Backend),
		zap.Int("integrations", len(cfg.Integrations)),
	)

	shutdownOTel, err := otel.Init(otel.Config{
		ServiceName:    cfg.OTel.ServiceName,
		ServiceVersion: version,
		Endpoint:       cfg.OTel.Endpoint,
		Enabled:        cfg.OTel.Enabled,
		SampleRatio:    cfg.OTel.SampleRatio,
	}, log)
	if err != nil {
		log.Fatal("Failed to init OpenTelemetry", zap.Error(err))
	}
	defer shutdownOTel()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, log)
	if err != nil {
		log.Fatal("Failed to init application", zap.Error(err))
	}
	defer app.Close()

	// 进程内任务队列：webhook 延迟的单工单同步
	if app.InProcessJobs != nil {
		app.InProcessJobs.Start(ctx)
		defer app.InProcessJobs.Wait()
	}

	// 定时增量同步
	sched := scheduler.New(app.Orchestrator, log)
	if err := sched.Register(app.Registry.Enabled()); err != nil {
		log.Fatal("Failed to register sync schedules", zap.Error(err))
	}
	sched.Start(ctx)
	for id, next := range sched.NextRuns() {
		log.Info("Sync scheduled", zap.String("integration_id", id), zap.Time("next_run", next))
	}

	router := app.Router()
	log.Info("HTTP server listening", zap.String("addr", cfg.Server.Port))
	if err := router.Serve(ctx, cfg.Server.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("HTTP server failed", zap.Error(err))
		stop()
	}

	log.Info("Server stopped")
}

package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"go.uber.org/zap"

	contractsmq "ticketsync/contracts/mq"
	"ticketsync/internal/bootstrap"
	"ticketsync/internal/config"
	"ticketsync/internal/jobs"
	"ticketsync/pkg/logger"
	"ticketsync/pkg/mq"
	"ticketsync/pkg/otel"
	"ticketsync/pkg/outbox"
)

var version = "dev"

// worker 消费 ticket.resync 任务；outbox 后端时同时负责把 outbox 投递到 MQ
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	log := logger.NewLogger(cfg.Log.Level)
	defer log.Sync()

	log.Info("Starting ticketsync worker...",
		zap.String("version", version),
		zap.String("jobs_backend", cfg.Jobs.Backend),
		zap.String("queue", cfg.Jobs.Queue),
	)

	if cfg.Jobs.Backend == jobs.BackendInProcess {
		log.Fatal("Worker requires the mq or outbox jobs backend; in-process jobs run inside the server")
	}

	shutdownOTel, err := otel.Init(otel.Config{
		ServiceName:    cfg.OTel.ServiceName + "-worker",
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

	// DLQ 和 outbox dispatcher 共用一个 publisher
	publisher := app.Publisher
	if publisher == nil {
		publisher, err = mq.NewPublisher(cfg.MQ.URL, cfg.MQ.Exchange)
		if err != nil {
			log.Fatal("Failed to init publisher", zap.Error(err))
		}
		defer publisher.Close()
	}

	log.Info("Initializing MQ consumer for ticket.resync...",
		zap.String("queue", cfg.Jobs.Queue),
		zap.String("routing_key", contractsmq.RoutingKeyTicketResync),
	)
	consumer, err := mq.NewConsumer(cfg.MQ.URL, cfg.MQ.Exchange, cfg.Jobs.Queue, contractsmq.RoutingKeyTicketResync, log)
	if err != nil {
		log.Fatal("Failed to init consumer", zap.Error(err))
	}
	defer consumer.Close()
	consumer.SetHandler(app.ResyncHandler.HandleMessage)
	consumer.SetDLQPublisher(publisher)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := consumer.StartConsuming(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("Resync consumer stopped", zap.Error(err))
			stop()
		}
	}()

	if app.Outbox != nil {
		dispatcher := outbox.NewDispatcher(app.Outbox, publisher, log).
			WithMaxRetries(cfg.Jobs.MaxRetries)
		wg.Add(1)
		go func() {
			defer wg.Done()
			dispatcher.Start(ctx)
		}()
	}

	log.Info("Worker running")
	wg.Wait()
	log.Info("Worker stopped")
}

package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/suPer8Hu/querychat/internal/app"
	"github.com/suPer8Hu/querychat/internal/chat"
	"github.com/suPer8Hu/querychat/internal/config"
	"github.com/suPer8Hu/querychat/internal/observability"
	"github.com/suPer8Hu/querychat/internal/store/rabbitmq"
)

const (
	// a busy conversation is retried this many times before the job goes to the DLQ
	maxBusyRetries = 10
	busyRetryDelay = 3 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := observability.NewLogger(cfg, os.Stdout).With(slog.String("component", "worker"))

	a, err := app.New(cfg, logger)
	if err != nil {
		logger.Error("failed to initialize", slog.Any("error", err))
		os.Exit(1)
	}
	defer a.Close()

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		logger.Error("rabbit dial", slog.Any("error", err))
		os.Exit(1)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		logger.Error("rabbit channel", slog.Any("error", err))
		os.Exit(1)
	}
	defer ch.Close()

	if err := rabbitmq.DeclareTopology(ch, cfg.RabbitQueue); err != nil {
		logger.Error("queue declare", slog.Any("error", err))
		os.Exit(1)
	}

	// Qos caps unacked deliveries at the pool size.
	concurrency := cfg.WorkerConcurrency
	if err := ch.Qos(concurrency, 0, false); err != nil {
		logger.Error("qos", slog.Any("error", err))
		os.Exit(1)
	}

	msgs, err := ch.Consume(cfg.RabbitQueue, "", false, false, false, false, nil)
	if err != nil {
		logger.Error("consume", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("worker started", slog.String("queue", cfg.RabbitQueue), slog.Int("concurrency", concurrency))

	w := &worker{svc: a.Chat, retry: rabbitmq.FromChannel(ch, cfg.RabbitQueue), log: logger}

	// worker pool
	jobs := make(chan amqp.Delivery, concurrency*2)

	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range jobs {
				w.handle(ctx, workerID, d)
			}
		}(i)
	}

	// dispatcher
	for {
		select {
		case <-ctx.Done():
			logger.Info("worker shutting down")
			close(jobs)
			wg.Wait()
			return

		case d, ok := <-msgs:
			if !ok {
				logger.Error("delivery channel closed")
				close(jobs)
				wg.Wait()
				return
			}
			jobs <- d
		}
	}
}

type worker struct {
	svc   *chat.Service
	retry *rabbitmq.Publisher
	log   *slog.Logger
}

func (w *worker) handle(ctx context.Context, workerID int, d amqp.Delivery) {
	m, err := rabbitmq.DecodeJobMessage(d.Body)
	if err != nil {
		w.log.Warn("bad message", slog.Int("worker", workerID), slog.Any("error", err))
		_ = d.Nack(false, false)
		return
	}
	log := w.log.With(slog.Int("worker", workerID), slog.String("job_id", m.JobID))

	start := time.Now()
	job, err := w.svc.ProcessJob(ctx, m.JobID, m.Attempt >= maxBusyRetries)
	cost := time.Since(start)

	switch {
	case err == nil && job.Status == chat.JobRunning:
		log.Info("job already claimed, skipping redelivery")
		_ = d.Ack(false)

	case err == nil:
		observability.ObserveJob(string(job.Status))
		if cost > 2*time.Second {
			log.Info("job_timing", slog.Duration("total", cost), slog.String("status", string(job.Status)))
		}
		if err := d.Ack(false); err != nil {
			log.Error("ack failed", slog.Any("error", err))
		}

	case errors.Is(err, chat.ErrTurnInProgress) && m.Attempt < maxBusyRetries:
		observability.ObserveJob("retried")
		delay := busyRetryDelay * time.Duration(m.Attempt+1)
		if err := w.retry.PublishRetry(context.WithoutCancel(ctx), m, delay); err != nil {
			log.Error("publish retry", slog.Any("error", err))
			_ = d.Nack(false, true)
			return
		}
		log.Info("conversation busy, job retried", slog.Int("attempt", m.Attempt+1), slog.Duration("delay", delay))
		_ = d.Ack(false)

	default:
		observability.ObserveJob(string(chat.JobFailed))
		log.Warn("job failed", slog.Duration("cost", cost), slog.Any("error", err))
		_ = d.Nack(false, false)
	}
}

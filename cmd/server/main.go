package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/suPer8Hu/querychat/internal/app"
	"github.com/suPer8Hu/querychat/internal/config"
	"github.com/suPer8Hu/querychat/internal/httpapi"
	"github.com/suPer8Hu/querychat/internal/httpapi/handlers"
	"github.com/suPer8Hu/querychat/internal/observability"
	"github.com/suPer8Hu/querychat/internal/store/rabbitmq"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := observability.NewLogger(cfg, os.Stdout)

	a, err := app.New(cfg, logger)
	if err != nil {
		logger.Error("failed to initialize", slog.Any("error", err))
		os.Exit(1)
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.StartRelay(ctx); err != nil {
		logger.Error("failed to start event relay", slog.Any("error", err))
		os.Exit(1)
	}

	// Without a broker the async endpoint answers 503.
	var jobs handlers.JobQueue
	if cfg.RabbitURL != "" {
		pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
		if err != nil {
			logger.Warn("rabbitmq unavailable, async turns disabled", slog.Any("error", err))
		} else {
			defer pub.Close()
			jobs = pub
		}
	}

	h := handlers.NewHandler(a.Conns, a.Chat, a.Hub, jobs, logger)
	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpapi.NewRouter(h, cfg.JWTSecret, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("starting api server", slog.String("addr", cfg.HTTPAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down api server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
		_ = server.Close()
	}
}

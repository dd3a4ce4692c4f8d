package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"payment-relay/internal/buffer"
	"payment-relay/internal/config"
	"payment-relay/internal/health"
	"payment-relay/internal/routing"
	"payment-relay/internal/server"
	"payment-relay/internal/storage"
	"payment-relay/internal/workers"
)

func main() {
	config.LoadEnv()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	level := zerolog.InfoLevel
	if config.DEBUG {
		level = zerolog.DebugLevel
	}
	logger := zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()

	recorder, err := storage.NewRecorder(ctx, config.DATABASE_URL, &logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Unable to open transaction store")
	}
	defer recorder.Close()
	recorder.Start(ctx)

	queue := buffer.New(config.PAYMENT_QUEUE_MAX_SIZE)

	cache := health.NewCache(config.HEALTHY_LATENCY_MAX_MS)
	poller := health.NewPoller(
		cache,
		config.HEALTH_PROCESSOR_URL_DEFAULT,
		config.HEALTH_PROCESSOR_URL_FALLBACK,
		config.HEALTH_CHECK_INTERVAL,
		config.REQUEST_TIMEOUT,
		&logger,
	)
	poller.Start(ctx)

	router := routing.NewRouter(
		routing.Config{
			DefaultURL:  config.PAYMENTS_PROCESSOR_URL_DEFAULT,
			FallbackURL: config.PAYMENTS_PROCESSOR_URL_FALLBACK,
			Timeout:     config.REQUEST_TIMEOUT,
			PoolSize:    config.HTTP_POOL_SIZE,
			PoolCount:   config.HTTP_POOL_COUNT,
			Mode:        routing.ParseSuccessMode(config.PROCESSOR_SUCCESS_MODE),
			Debug:       config.DEBUG,
		},
		cache,
		recorder,
		&logger,
	)

	pool := workers.NewPool(config.NUM_WORKERS, queue, router, config.WORKER_COOLDOWN, &logger)
	pool.Start(ctx)

	srv := server.New(config.PORT, queue, cache, recorder, &logger)
	go func() {
		if err := srv.Run(); err != nil {
			logger.Fatal().Err(err).Msg("HTTP server failed to start")
		}
	}()

	<-ctx.Done()
	recorder.Drain()
	logger.Info().Msg("Server stopped gracefully")
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/briangreenhill/refreshcache/internal/app"
	"github.com/briangreenhill/refreshcache/internal/config"
	"github.com/briangreenhill/refreshcache/internal/jobs"
)

// cleanupEvery is how often the scheduler queues a cleanup of expired records.
const cleanupEvery = time.Hour

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", "worker").Logger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("build cache")
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Error().Err(err).Msg("close cache")
		}
	}()

	redis := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	srv := asynq.NewServer(redis, asynq.Config{
		Concurrency:    8,
		StrictPriority: false,
		Queues:         jobs.Queues,
		Logger:         asynqLogger{logger},
	})
	mux := asynq.NewServeMux()
	jobs.NewHandler(a.Manager, logger).Register(mux)

	scheduler := asynq.NewScheduler(redis, &asynq.SchedulerOpts{Logger: asynqLogger{logger}})
	cleanup, err := jobs.NewCleanupTask(0)
	if err != nil {
		logger.Fatal().Err(err).Msg("build cleanup task")
	}
	if _, err := scheduler.Register(fmt.Sprintf("@every %s", cleanupEvery), cleanup); err != nil {
		logger.Fatal().Err(err).Msg("schedule cleanup")
	}

	if err := scheduler.Start(); err != nil {
		logger.Fatal().Err(err).Msg("start scheduler")
	}
	if err := srv.Start(mux); err != nil {
		logger.Fatal().Err(err).Msg("start worker")
	}
	logger.Info().Str("redis", cfg.RedisAddr).Strs("kinds", a.Manager.Kinds()).Msg("worker running")

	<-ctx.Done()
	logger.Info().Msg("shutting down")
	scheduler.Shutdown()
	srv.Shutdown()
}

// asynqLogger routes asynq's own logging through zerolog.
type asynqLogger struct{ l zerolog.Logger }

func (a asynqLogger) Debug(args ...any) { a.l.Debug().Msg(fmt.Sprint(args...)) }
func (a asynqLogger) Info(args ...any)  { a.l.Info().Msg(fmt.Sprint(args...)) }
func (a asynqLogger) Warn(args ...any)  { a.l.Warn().Msg(fmt.Sprint(args...)) }
func (a asynqLogger) Error(args ...any) { a.l.Error().Msg(fmt.Sprint(args...)) }
func (a asynqLogger) Fatal(args ...any) { a.l.Fatal().Msg(fmt.Sprint(args...)) }

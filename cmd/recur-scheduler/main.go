// Recur Scheduler — обрабатывает наступившие occurrences правил.
//
// Scheduler:
//   - По расписанию опроса (scheduler.poll) выбирает due правила
//   - Обрабатывает каждое под его advisory lock'ом (durable unit of work)
//   - Вызывает обработчик правила и продвигает next_occurrence
//
// Несколько экземпляров могут работать одновременно: занятое правило
// пропускается, каждый occurrence обрабатывается ровно одним экземпляром.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/shaiso/Recur/internal/config"
	"github.com/shaiso/Recur/internal/durable"
	"github.com/shaiso/Recur/internal/handler"
	"github.com/shaiso/Recur/internal/lock"
	"github.com/shaiso/Recur/internal/mq"
	"github.com/shaiso/Recur/internal/recurrence"
	"github.com/shaiso/Recur/internal/repo"
	"github.com/shaiso/Recur/internal/scheduler"
	"github.com/shaiso/Recur/internal/telemetry"
)

func main() {
	configPath := pflag.StringP("config", "c", os.Getenv("RECUR_CONFIG"), "Path to YAML config")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		telemetry.SetupLogger("info", "json").Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Инициализируем structured logging
	logger := telemetry.SetupLogger(cfg.Log.Level, cfg.Log.Format)
	logger.Info("starting recur-scheduler", "poll", cfg.Scheduler.Poll, "concurrency", cfg.Scheduler.Concurrency)

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// DB pool
	pool, err := repo.NewPool(ctx, cfg.Database.URL, cfg.Database.MaxConns)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	logger.Info("database connected")

	if cfg.Database.Migrate {
		if err := repo.Migrate(ctx, pool); err != nil {
			logger.Error("failed to migrate schema", "error", err)
			os.Exit(1)
		}
	}

	locker := lock.New(lock.Config{Store: lock.NewPgStore(pool, logger), Logger: logger})
	runner := durable.NewRunner(durable.Config{
		Locker:      locker,
		LockTimeout: cfg.Scheduler.LockTimeout,
		Logger:      logger,
	})

	// Обработчики: noop, log, http + publish, если есть RabbitMQ
	registry := handler.NewRegistry(logger)
	if cfg.MQEnabled() {
		mqConn, err := mq.NewConnection(mq.ConnectionConfig{
			URL:    cfg.RabbitMQ.URL,
			Name:   "recur-scheduler",
			Logger: logger,
		})
		if err != nil {
			logger.Warn("RabbitMQ not available, publish handler disabled", "error", err)
		} else {
			defer mqConn.Close()
			if err := mq.SetupTopology(ctx, mqConn); err != nil {
				logger.Warn("failed to setup topology", "error", err)
			}
			registry.Register(handler.NamePublish, handler.NewPublishHandler(mq.NewPublisher(mqConn, logger)))
			logger.Info("RabbitMQ connected")
		}
	}

	sched := scheduler.New(scheduler.Config{
		Store:       repo.NewRuleRepo(pool),
		Runner:      runner,
		Calculator:  recurrence.New(recurrence.Config{}),
		Handlers:    registry,
		Logger:      logger,
		BatchSize:   cfg.Scheduler.BatchSize,
		Concurrency: cfg.Scheduler.Concurrency,
	})

	// HTTP mux: /healthz + /metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := pool.Ping(r.Context()); err != nil {
			http.Error(w, "db unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              ":" + cfg.Scheduler.Port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	// Блокируется до отмены ctx и завершения текущего тика
	if err := sched.Run(ctx, cfg.Scheduler.Poll); err != nil {
		logger.Error("scheduler error", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}

	logger.Info("recur-scheduler stopped")
}

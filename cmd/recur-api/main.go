// Recur API — HTTP API для управления правилами повторения.
//
// Изменения правил (update, delete) выполняются под тем же
// advisory lock'ом, что и обработка в scheduler'е.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/shaiso/Recur/internal/api"
	"github.com/shaiso/Recur/internal/config"
	"github.com/shaiso/Recur/internal/durable"
	"github.com/shaiso/Recur/internal/handler"
	"github.com/shaiso/Recur/internal/lock"
	"github.com/shaiso/Recur/internal/recurrence"
	"github.com/shaiso/Recur/internal/repo"
	"github.com/shaiso/Recur/internal/telemetry"
)

var startTime = time.Now()

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
	logger.Info("starting recur-api")

	// Подключаемся к базе данных
	pool, err := repo.NewPool(context.Background(), cfg.Database.URL, cfg.Database.MaxConns)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	logger.Info("connected to database")

	if cfg.Database.Migrate {
		if err := repo.Migrate(context.Background(), pool); err != nil {
			logger.Error("failed to migrate schema", "error", err)
			os.Exit(1)
		}
	}

	locker := lock.New(lock.Config{Store: lock.NewPgStore(pool, logger), Logger: logger})

	// API только проверяет имена обработчиков. publish вызывает scheduler.
	registry := handler.NewRegistry(logger)
	if cfg.MQEnabled() {
		registry.Register(handler.NamePublish, handler.HandlerFunc(func(context.Context, *handler.Occurrence) error {
			return fmt.Errorf("%w: publish runs in recur-scheduler", handler.ErrPublish)
		}))
	}

	h := api.NewHandler(api.Config{
		Rules: repo.NewRuleRepo(pool),
		Runner: durable.NewRunner(durable.Config{
			Locker:      locker,
			LockTimeout: cfg.API.LockTimeout,
			Logger:      logger,
		}),
		Calculator: recurrence.New(recurrence.Config{}),
		Handlers:   registry,
		Logger:     logger,
	})

	mux := http.NewServeMux()

	// Health и metrics
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "ok %s", time.Since(startTime).Round(time.Second))
	})
	mux.Handle("/metrics", promhttp.Handler())

	// Регистрируем API маршруты
	h.RegisterRoutes(mux)

	// Создаём HTTP сервер с возможностью graceful shutdown
	server := &http.Server{
		Addr:              ":" + cfg.API.Port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	// Запускаем сервер в горутине
	go func() {
		logger.Info("listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Ожидаем сигнал завершения
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	<-ctx.Done()
	logger.Info("shutting down")

	// Graceful shutdown с таймаутом 10 секунд
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}

	logger.Info("stopped")
}

// Recur Worker — доставляет occurrences, опубликованные обработчиком publish.
//
// Worker:
//   - Получает occurrence.due из RabbitMQ
//   - Доставляет обработчиком из payload.deliver (log, http)
//   - Повторяет доставку с exponential backoff, затем отдаёт в DLQ
//
// Workers масштабируются горизонтально. База данных не нужна.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/shaiso/Recur/internal/config"
	"github.com/shaiso/Recur/internal/handler"
	"github.com/shaiso/Recur/internal/mq"
	"github.com/shaiso/Recur/internal/telemetry"
	"github.com/shaiso/Recur/internal/worker"
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
	logger.Info("starting recur-worker")

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// RabbitMQ
	mqURL := cfg.RabbitMQ.URL
	if mqURL == "" {
		mqURL = mq.DefaultURL()
	}
	mqConn, err := mq.NewConnection(mq.ConnectionConfig{
		URL:    mqURL,
		Name:   "recur-worker",
		Logger: logger,
	})
	if err != nil {
		logger.Error("failed to connect to RabbitMQ", "error", err)
		os.Exit(1)
	}
	defer mqConn.Close()
	logger.Info("RabbitMQ connected")

	if err := mq.SetupTopology(ctx, mqConn); err != nil {
		logger.Error("failed to setup topology", "error", err)
		os.Exit(1)
	}

	// Создаём worker
	w := worker.New(worker.Config{
		Conn:     mqConn,
		Handlers: handler.NewRegistry(logger),
		Prefetch: cfg.Worker.Prefetch,
		Logger:   logger,
	})

	if err := w.Start(ctx); err != nil {
		logger.Error("failed to start worker", "error", err)
		os.Exit(1)
	}

	// HTTP mux: /healthz + /metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, _ *http.Request) {
		if !mqConn.IsConnected() {
			http.Error(rw, "amqp disconnected", http.StatusServiceUnavailable)
			return
		}
		rw.WriteHeader(http.StatusOK)
		rw.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              ":" + cfg.Worker.Port,
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

	// Ожидаем сигнал завершения
	<-ctx.Done()

	// Останавливаем worker
	w.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}

	logger.Info("recur-worker stopped")
}

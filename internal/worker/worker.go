package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shaiso/Recur/internal/domain"
	"github.com/shaiso/Recur/internal/handler"
	"github.com/shaiso/Recur/internal/mq"
	"github.com/shaiso/Recur/internal/telemetry"
)

// Default configuration values.
const (
	defaultPrefetch     = 5
	defaultMaxAttempts  = 3
	defaultInitialDelay = time.Second
	defaultMaxDelay     = 30 * time.Second
)

// Deliverer находит обработчик доставки по имени.
// Реализуется *handler.Registry.
type Deliverer interface {
	Get(name string) (handler.Handler, error)
}

// RetryPolicy — повторные попытки доставки внутри одного сообщения.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// Worker доставляет occurrences, опубликованные обработчиком publish.
//
// Worker — stateless компонент системы, который:
//   - Получает occurrence.due из очереди RabbitMQ
//   - Доставляет occurrence обработчиком из payload.deliver (log, http, ...)
//   - Повторяет доставку с exponential backoff
//   - При исчерпании попыток отдаёт сообщение в DLQ (через nack)
//
// Workers масштабируются горизонтально — несколько экземпляров
// могут потреблять из одной очереди. Lock правила здесь не берётся:
// продвижение правила уже закоммичено scheduler'ом.
type Worker struct {
	conn      *mq.Connection
	handlers  Deliverer
	prefetch  int
	retry     RetryPolicy
	logger    *slog.Logger
	sleep     func(ctx context.Context, d time.Duration) error
	consumer  *mq.Consumer
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	stoppedMu sync.RWMutex
	stopped   bool
}

// Config — конфигурация Worker.
type Config struct {
	// Conn — соединение с RabbitMQ.
	Conn *mq.Connection

	// Handlers — обработчики доставки (обязательно).
	Handlers Deliverer

	// Prefetch — сообщений в работе одновременно (default: 5).
	Prefetch int

	// Retry — политика повторов (default: 3 попытки, 1s..30s).
	Retry RetryPolicy

	// Logger
	Logger *slog.Logger
}

// New создаёт новый Worker.
func New(cfg Config) *Worker {
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = defaultPrefetch
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = defaultMaxAttempts
	}
	if cfg.Retry.InitialDelay <= 0 {
		cfg.Retry.InitialDelay = defaultInitialDelay
	}
	if cfg.Retry.MaxDelay <= 0 {
		cfg.Retry.MaxDelay = defaultMaxDelay
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Worker{
		conn:     cfg.Conn,
		handlers: cfg.Handlers,
		prefetch: cfg.Prefetch,
		retry:    cfg.Retry,
		logger:   cfg.Logger.With("component", "worker"),
		sleep:    sleepCtx,
	}
}

// Start запускает consumer очереди occurrences.due.
func (w *Worker) Start(ctx context.Context) error {
	if w.conn == nil {
		return mq.ErrNoChannel
	}

	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	w.consumer = mq.NewConsumer(w.conn, w.logger, mq.ConsumerConfig{
		Queue:    mq.QueueOccurrencesDue,
		Handler:  w.HandleDelivery,
		Prefetch: w.prefetch,
	})

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if err := w.consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			w.logger.Error("occurrence consumer error", "error", err)
		}
	}()

	w.logger.Info("worker started",
		"prefetch", w.prefetch,
		"max_attempts", w.retry.MaxAttempts,
	)
	return nil
}

// Stop останавливает Worker и ждёт текущую доставку.
func (w *Worker) Stop() {
	w.stoppedMu.Lock()
	w.stopped = true
	w.stoppedMu.Unlock()

	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()

	w.logger.Info("worker stopped")
}

// IsStopped проверяет, остановлен ли Worker.
func (w *Worker) IsStopped() bool {
	w.stoppedMu.RLock()
	defer w.stoppedMu.RUnlock()
	return w.stopped
}

// HandleDelivery обрабатывает одно сообщение occurrence.due.
//
// Ошибки разбора и неизвестный обработчик помечаются mq.ErrPermanent:
// повтор их не исправит, сообщение уходит в DLQ сразу.
func (w *Worker) HandleDelivery(ctx context.Context, d *mq.Delivery) error {
	payload, err := mq.ParsePayload[mq.OccurrenceDuePayload](&d.Message)
	if err != nil {
		return fmt.Errorf("%w: %w: %v", mq.ErrPermanent, ErrInvalidPayload, err)
	}
	if payload.Occurrence.IsZero() || payload.IdempotencyKey == "" {
		return fmt.Errorf("%w: %w: missing occurrence or idempotency key", mq.ErrPermanent, ErrInvalidPayload)
	}

	logger := telemetry.WithRuleID(w.logger, payload.RuleID.String()).With(
		"occurrence", payload.Occurrence,
		"deliver", payload.Deliver,
		"idempotency_key", payload.IdempotencyKey,
	)

	if payload.Deliver == handler.NamePublish {
		return fmt.Errorf("%w: %w", mq.ErrPermanent, ErrLoopingDelivery)
	}
	h, err := w.handlers.Get(payload.Deliver)
	if err != nil {
		return fmt.Errorf("%w: %w", mq.ErrPermanent, err)
	}

	occ := &handler.Occurrence{
		Rule: &domain.RRule{
			ID:          payload.RuleID,
			HandlerName: payload.Deliver,
			Metadata:    payload.Metadata,
		},
		At: payload.Occurrence,
	}

	if err := w.deliverWithRetry(telemetry.WithLogger(ctx, logger), h, occ, logger); err != nil {
		logger.Warn("occurrence delivery failed", "error", err)
		return err
	}

	logger.Info("occurrence delivered")
	return nil
}

// deliverWithRetry вызывает обработчик до retry.MaxAttempts раз.
func (w *Worker) deliverWithRetry(ctx context.Context, h handler.Handler, occ *handler.Occurrence, logger *slog.Logger) error {
	var lastErr error
	for attempt := 1; attempt <= w.retry.MaxAttempts; attempt++ {
		lastErr = h.Handle(ctx, occ)
		if lastErr == nil {
			return nil
		}
		if attempt == w.retry.MaxAttempts {
			break
		}

		delay := calculateBackoff(attempt, w.retry)
		logger.Debug("retrying delivery", "attempt", attempt, "delay", delay, "error", lastErr)
		if err := w.sleep(ctx, delay); err != nil {
			return err
		}
	}
	return fmt.Errorf("%w: %w", ErrRetryExhausted, lastErr)
}

// calculateBackoff вычисляет задержку перед попыткой attempt+1.
// delay = InitialDelay * 2^(attempt-1), не больше MaxDelay.
func calculateBackoff(attempt int, policy RetryPolicy) time.Duration {
	delay := policy.InitialDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= policy.MaxDelay {
			return policy.MaxDelay
		}
	}
	if delay > policy.MaxDelay {
		delay = policy.MaxDelay
	}
	return delay
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

package durable

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shaiso/Recur/internal/lock"
	"github.com/shaiso/Recur/internal/telemetry"
)

// DefaultLockTimeout — сколько ждать lock по умолчанию.
const DefaultLockTimeout = 30 * time.Second

// Config — конфигурация Runner.
type Config struct {
	// Locker — источник locks (обязательно).
	Locker *lock.Locker

	// LockTimeout — максимальное ожидание lock'а.
	// Отрицательное значение: без ожидания (try-acquire).
	LockTimeout time.Duration

	// Logger — логгер.
	Logger *slog.Logger
}

// Runner — DurableTransactionRunner.
type Runner struct {
	locker      *lock.Locker
	lockTimeout time.Duration
	logger      *slog.Logger
}

// NewRunner создаёт Runner.
func NewRunner(cfg Config) *Runner {
	if cfg.LockTimeout == 0 {
		cfg.LockTimeout = DefaultLockTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Runner{
		locker:      cfg.Locker,
		lockTimeout: cfg.LockTimeout,
		logger:      cfg.Logger,
	}
}

// Work — unit of work. Выполняется под lock'ом внутри транзакции tx.
// Возвращённое значение становится новым значением lock'а.
type Work[T any] func(ctx context.Context, tx lock.Tx) (T, error)

// Run выполняет work под lock'ом key в транзакции.
//
//   - lock не получен: ErrNotAcquired (вместе с lock.ErrBusy или lock.ErrTimeout);
//   - work вернул ошибку: rollback, lock освобождается без изменения
//     значения, ошибка возвращается как есть;
//   - work паникует: rollback, lock освобождается, паника пробрасывается дальше;
//   - успех: commit, затем результат сохраняется как значение lock'а.
//
// Run нельзя вызывать внутри другого unit of work (ErrNestedTransaction).
func Run[T any](ctx context.Context, r *Runner, key string, work Work[T]) (T, error) {
	var zero T

	if InTransaction(ctx) {
		return zero, fmt.Errorf("%w: %s", ErrNestedTransaction, key)
	}

	logger := telemetry.WithLockKey(r.logger, key)

	h, err := r.locker.Acquire(ctx, key, r.lockTimeout)
	if err != nil {
		if errors.Is(err, lock.ErrBusy) || errors.Is(err, lock.ErrTimeout) {
			return zero, fmt.Errorf("%w: %w", ErrNotAcquired, err)
		}
		return zero, err
	}

	start := time.Now()
	defer func() {
		telemetry.UnitOfWorkDuration.Observe(time.Since(start).Seconds())
	}()

	cleanup := context.WithoutCancel(ctx)

	tx, err := h.Begin(ctx)
	if err != nil {
		return zero, errors.Join(fmt.Errorf("begin transaction: %w", err), h.Unlock(cleanup))
	}

	workCtx := lock.WithHandle(context.WithValue(ctx, txCtxKey{}, tx), h)

	result, panicked, err := call(workCtx, tx, work)
	if panicked != nil {
		rbErr := tx.Rollback(cleanup)
		unlockErr := h.Unlock(cleanup)
		logger.Error("unit of work panicked", "panic", panicked, "rollback_error", rbErr, "unlock_error", unlockErr)
		panic(panicked)
	}

	if err != nil {
		rbErr := tx.Rollback(cleanup)
		unlockErr := h.Unlock(cleanup)
		if rbErr != nil || unlockErr != nil {
			logger.Error("cleanup after failed unit of work", "error", err, "rollback_error", rbErr, "unlock_error", unlockErr)
			return zero, errors.Join(err, rbErr, unlockErr)
		}
		return zero, err
	}

	if err := tx.Commit(ctx); err != nil {
		_ = tx.Rollback(cleanup)
		return zero, errors.Join(fmt.Errorf("commit: %w", err), h.Unlock(cleanup))
	}

	if err := h.Release(ctx, result); err != nil {
		if !h.Released() {
			err = errors.Join(err, h.Unlock(cleanup))
		}
		logger.Error("unit of work committed, lock value not stored", "error", err)
		return result, fmt.Errorf("%w: %w", ErrValueNotStored, err)
	}

	return result, nil
}

func call[T any](ctx context.Context, tx lock.Tx, work Work[T]) (result T, panicked any, err error) {
	defer func() {
		if p := recover(); p != nil {
			panicked = p
		}
	}()
	result, err = work(ctx, tx)
	return result, nil, err
}

type txCtxKey struct{}

// InTransaction проверяет, выполняется ли ctx внутри unit of work.
func InTransaction(ctx context.Context) bool {
	_, ok := TxFromContext(ctx)
	return ok
}

// TxFromContext возвращает транзакцию текущего unit of work.
func TxFromContext(ctx context.Context) (lock.Tx, bool) {
	tx, ok := ctx.Value(txCtxKey{}).(lock.Tx)
	return tx, ok
}

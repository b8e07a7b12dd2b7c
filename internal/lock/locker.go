package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/shaiso/Recur/internal/telemetry"
)

// Config — конфигурация Locker.
type Config struct {
	// Store — хранилище сессий (обязательно).
	Store Store

	// Logger — логгер (по умолчанию slog.Default()).
	Logger *slog.Logger
}

// Locker выдаёт Handle на именованные locks.
type Locker struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// New создаёт Locker.
func New(cfg Config) *Locker {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Locker{
		store:  cfg.Store,
		logger: logger,
		now:    time.Now,
	}
}

// KeyID переводит имя lock'а в идентификатор advisory lock.
func KeyID(key string) int64 {
	return int64(xxhash.Sum64String(key))
}

// TryAcquire берёт lock без ожидания.
// Если lock занят, возвращает ErrBusy.
func (l *Locker) TryAcquire(ctx context.Context, key string) (*Handle, error) {
	return l.acquire(ctx, key, 0)
}

// Acquire ждёт lock не дольше timeout.
// Если время вышло, возвращает ErrTimeout. timeout <= 0 работает как TryAcquire.
func (l *Locker) Acquire(ctx context.Context, key string, timeout time.Duration) (*Handle, error) {
	return l.acquire(ctx, key, timeout)
}

func (l *Locker) acquire(ctx context.Context, key string, timeout time.Duration) (*Handle, error) {
	if Holds(ctx, key) {
		return nil, fmt.Errorf("%w: %s", ErrReentrant, key)
	}

	logger := telemetry.WithLockKey(l.logger, key)
	id := KeyID(key)

	sess, err := l.store.OpenSession(ctx)
	if err != nil {
		telemetry.LockAcquisitions.WithLabelValues(telemetry.LockError).Inc()
		return nil, fmt.Errorf("open lock session: %w", err)
	}

	var ok bool
	if timeout <= 0 {
		ok, err = sess.TryLock(ctx, id)
	} else {
		logger.Debug("waiting for lock", "timeout", timeout)
		ok, err = sess.Lock(ctx, id, timeout)
	}

	cleanup := context.WithoutCancel(ctx)
	if err != nil {
		telemetry.LockAcquisitions.WithLabelValues(telemetry.LockError).Inc()
		return nil, errors.Join(fmt.Errorf("acquire lock %s: %w", key, err), sess.Close(cleanup))
	}
	if !ok {
		closeErr := sess.Close(cleanup)
		if closeErr != nil {
			logger.Warn("failed to close lock session", "error", closeErr)
		}
		if timeout <= 0 {
			telemetry.LockAcquisitions.WithLabelValues(telemetry.LockBusy).Inc()
			return nil, fmt.Errorf("%w: %s", ErrBusy, key)
		}
		telemetry.LockAcquisitions.WithLabelValues(telemetry.LockTimeout).Inc()
		return nil, fmt.Errorf("%w: %s after %s", ErrTimeout, key, timeout)
	}

	value, previous, err := sess.LoadValue(ctx, key)
	if err != nil {
		telemetry.LockAcquisitions.WithLabelValues(telemetry.LockError).Inc()
		_, unlockErr := sess.Unlock(cleanup, id)
		return nil, errors.Join(fmt.Errorf("load lock value %s: %w", key, err), unlockErr, sess.Close(cleanup))
	}

	telemetry.LockAcquisitions.WithLabelValues(telemetry.LockAcquired).Inc()
	logger.Debug("lock acquired")

	return &Handle{
		key:        key,
		id:         id,
		sess:       sess,
		logger:     logger,
		value:      value,
		previous:   previous,
		acquiredAt: l.now(),
	}, nil
}

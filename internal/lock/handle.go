package lock

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Handle — взятый lock. Освобождается ровно один раз.
type Handle struct {
	key    string
	id     int64
	sess   Session
	logger *slog.Logger

	value    json.RawMessage
	previous json.RawMessage

	acquiredAt time.Time
	released   atomic.Bool
}

// Key возвращает имя lock'а.
func (h *Handle) Key() string { return h.key }

// ID возвращает идентификатор advisory lock.
func (h *Handle) ID() int64 { return h.id }

// AcquiredAt возвращает момент захвата.
func (h *Handle) AcquiredAt() time.Time { return h.acquiredAt }

// Value возвращает текущее сохранённое значение (JSON). nil — значения нет.
func (h *Handle) Value() json.RawMessage { return h.value }

// PreviousValue возвращает предыдущее сохранённое значение (JSON).
func (h *Handle) PreviousValue() json.RawMessage { return h.previous }

// ValuesMatch проверяет, совпадает ли значение с предыдущим.
// После Release это означает, что новое значение не отличается от старого.
func (h *Handle) ValuesMatch() bool {
	return bytes.Equal(h.value, h.previous)
}

// Released возвращает true, если handle уже освобождён.
func (h *Handle) Released() bool { return h.released.Load() }

// Begin открывает транзакцию в сессии lock'а.
func (h *Handle) Begin(ctx context.Context) (Tx, error) {
	if h.released.Load() {
		return nil, fmt.Errorf("%w: %s", ErrReleased, h.key)
	}
	return h.sess.Begin(ctx)
}

// Release сохраняет value (текущее значение становится предыдущим)
// и освобождает lock.
//
// Если value не сериализуется, lock остаётся взятым: вызывающий
// должен освободить его через Unlock.
func (h *Handle) Release(ctx context.Context, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal lock value %s: %w", h.key, err)
	}

	if !h.released.CompareAndSwap(false, true) {
		return h.doubleRelease()
	}

	ctx = context.WithoutCancel(ctx)

	previous, err := h.sess.StoreValue(ctx, h.key, h.id, data)
	if err != nil {
		// Закрытие сессии освобождает lock без изменения значения.
		return errors.Join(fmt.Errorf("store lock value %s: %w", h.key, err), h.sess.Close(ctx))
	}
	h.previous = previous
	h.value = data

	return h.close(ctx)
}

// Unlock освобождает lock, не меняя значение.
func (h *Handle) Unlock(ctx context.Context) error {
	if !h.released.CompareAndSwap(false, true) {
		return h.doubleRelease()
	}
	return h.close(context.WithoutCancel(ctx))
}

func (h *Handle) close(ctx context.Context) error {
	ok, err := h.sess.Unlock(ctx, h.id)
	if err == nil && !ok {
		h.logger.Warn("lock was not held by its session")
	}
	if closeErr := h.sess.Close(ctx); closeErr != nil {
		err = errors.Join(err, closeErr)
	}
	if err != nil {
		return fmt.Errorf("release lock %s: %w", h.key, err)
	}

	h.logger.Debug("lock released", "held", time.Since(h.acquiredAt))
	return nil
}

func (h *Handle) doubleRelease() error {
	h.logger.Error("lock released twice")
	return fmt.Errorf("%w: %s", ErrDoubleRelease, h.key)
}

// ValueOf декодирует текущее значение lock'а.
// ok == false, если значения нет.
func ValueOf[T any](h *Handle) (v T, ok bool, err error) {
	return decode[T](h.value)
}

// PreviousOf декодирует предыдущее значение lock'а.
func PreviousOf[T any](h *Handle) (v T, ok bool, err error) {
	return decode[T](h.previous)
}

func decode[T any](raw json.RawMessage) (v T, ok bool, err error) {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return v, false, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, false, fmt.Errorf("decode lock value: %w", err)
	}
	return v, true, nil
}

type heldKeysCtx struct{}

// WithHandle отмечает в контексте, что lock h удерживается.
// Повторный захват того же ключа с этим контекстом вернёт ErrReentrant.
func WithHandle(ctx context.Context, h *Handle) context.Context {
	held, _ := ctx.Value(heldKeysCtx{}).(map[string]*Handle)
	next := make(map[string]*Handle, len(held)+1)
	for k, v := range held {
		next[k] = v
	}
	next[h.key] = h
	return context.WithValue(ctx, heldKeysCtx{}, next)
}

// HandleFrom возвращает handle с ключом key, удерживаемый контекстом.
func HandleFrom(ctx context.Context, key string) (*Handle, bool) {
	held, _ := ctx.Value(heldKeysCtx{}).(map[string]*Handle)
	h, ok := held[key]
	return h, ok
}

// Holds проверяет, удерживает ли контекст lock с ключом key.
func Holds(ctx context.Context, key string) bool {
	_, ok := HandleFrom(ctx, key)
	return ok
}

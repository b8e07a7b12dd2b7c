// Package lock реализует именованные advisory locks с полезной нагрузкой.
//
// Каждый Handle владеет отдельной сессией хранилища. Lock живёт столько же,
// сколько сессия: если процесс упал или соединение оборвалось, lock
// освобождается самим хранилищем.
//
// Использование:
//
//	h, err := locker.Acquire(ctx, "rrule:"+id, 30*time.Second)
//	if err != nil {
//	    return err // ErrTimeout, ErrReentrant или ошибка хранилища
//	}
//	tx, err := h.Begin(ctx)
//	...
//	if err := tx.Commit(ctx); err != nil {
//	    _ = h.Unlock(ctx) // значение не меняется
//	    return err
//	}
//	return h.Release(ctx, newValue) // сохраняет значение и освобождает lock
//
// Каждый Handle освобождается ровно один раз: через Release (с записью
// значения) или через Unlock (без изменений). Повторный вызов возвращает
// ErrDoubleRelease.
package lock

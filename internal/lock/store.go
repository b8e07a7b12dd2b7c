package lock

import (
	"context"
	"time"
)

// Store — хранилище, которое умеет открывать сессии с advisory locks.
type Store interface {
	// OpenSession открывает выделенную сессию.
	OpenSession(ctx context.Context) (Session, error)
}

// Session — одна сессия хранилища.
//
// Locks, взятые в сессии, принадлежат ей: закрытие сессии
// освобождает всё, что она держит.
type Session interface {
	// TryLock пытается взять lock без ожидания.
	TryLock(ctx context.Context, id int64) (bool, error)

	// Lock ждёт lock не дольше timeout. false — время вышло.
	Lock(ctx context.Context, id int64, timeout time.Duration) (bool, error)

	// Unlock освобождает lock. false — lock не был взят этой сессией.
	Unlock(ctx context.Context, id int64) (bool, error)

	// LoadValue читает сохранённое значение и предыдущее значение.
	// Для нового ключа оба nil.
	LoadValue(ctx context.Context, key string) (value, previous []byte, err error)

	// StoreValue записывает новое значение, текущее становится предыдущим.
	// Возвращает предыдущее значение.
	StoreValue(ctx context.Context, key string, id int64, value []byte) (previous []byte, err error)

	// Begin открывает транзакцию в этой сессии.
	Begin(ctx context.Context) (Tx, error)

	// Close закрывает сессию и освобождает все её locks.
	Close(ctx context.Context) error
}

// Tx — транзакция в сессии lock'а.
type Tx interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

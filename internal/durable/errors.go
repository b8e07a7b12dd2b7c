package durable

import "errors"

var (
	// ErrNotAcquired — lock для unit of work не получен.
	// Оборачивает lock.ErrBusy или lock.ErrTimeout; ситуация штатная, повторяется позже.
	ErrNotAcquired = errors.New("lock not acquired")

	// ErrNestedTransaction — Run вызван внутри другого unit of work.
	ErrNestedTransaction = errors.New("durable unit of work must not run inside a transaction")

	// ErrValueNotStored — транзакция закоммичена, но значение lock'а
	// сохранить не удалось. Изменения unit of work при этом уже durable.
	ErrValueNotStored = errors.New("lock value not stored")
)

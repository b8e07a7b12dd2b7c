package lock

import "errors"

var (
	// ErrBusy — lock удерживается другим держателем (try-acquire).
	ErrBusy = errors.New("lock busy")

	// ErrTimeout — lock не удалось получить за отведённое время.
	ErrTimeout = errors.New("lock timeout")

	// ErrDoubleRelease — повторное освобождение handle.
	// Это ошибка программиста: значит, инвариант эксклюзивности нарушен.
	ErrDoubleRelease = errors.New("lock already released")

	// ErrReentrant — контекст уже держит lock с этим ключом.
	ErrReentrant = errors.New("lock already held by this context")

	// ErrReleased — операция над уже освобождённым handle.
	ErrReleased = errors.New("lock handle released")
)

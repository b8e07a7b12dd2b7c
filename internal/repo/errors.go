package repo

import "errors"

// Общие ошибки репозиториев.
var (
	// ErrNotFound — запись не найдена в БД.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists — запись уже существует (конфликт уникальности).
	ErrAlreadyExists = errors.New("already exists")

	// ErrForeignTx — транзакция получена не от PostgreSQL lock store.
	ErrForeignTx = errors.New("transaction is not a postgres transaction")
)

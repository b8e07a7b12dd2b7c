package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgLockNotAvailable — SQLSTATE lock_not_available (сработал lock_timeout).
const pgLockNotAvailable = "55P03"

// PgStore — Store поверх PostgreSQL session-level advisory locks.
//
// Каждая сессия занимает отдельное соединение из пула. Соединение,
// которое держит locks или сломалось, не возвращается в пул, а закрывается:
// PostgreSQL освобождает locks вместе с сессией.
type PgStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPgStore создаёт PgStore.
func NewPgStore(pool *pgxpool.Pool, logger *slog.Logger) *PgStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PgStore{pool: pool, logger: logger}
}

// OpenSession захватывает соединение из пула.
func (s *PgStore) OpenSession(ctx context.Context) (Session, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	return &pgSession{conn: conn, logger: s.logger}, nil
}

type pgSession struct {
	conn   *pgxpool.Conn
	logger *slog.Logger

	held   int
	broken bool
	closed bool
}

func (s *pgSession) TryLock(ctx context.Context, id int64) (bool, error) {
	var ok bool
	if err := s.conn.QueryRow(ctx, "select pg_try_advisory_lock($1)", id).Scan(&ok); err != nil {
		s.broken = true
		return false, err
	}
	if ok {
		s.held++
	}
	return ok, nil
}

func (s *pgSession) Lock(ctx context.Context, id int64, timeout time.Duration) (bool, error) {
	// lock_timeout = 0 означает бесконечное ожидание.
	ms := timeout.Milliseconds()
	if ms < 1 {
		ms = 1
	}

	if _, err := s.conn.Exec(ctx, "select set_config('lock_timeout', $1, false)", strconv.FormatInt(ms, 10)+"ms"); err != nil {
		s.broken = true
		return false, err
	}

	_, lockErr := s.conn.Exec(ctx, "select pg_advisory_lock($1)", id)

	if _, err := s.conn.Exec(context.WithoutCancel(ctx), "reset lock_timeout"); err != nil {
		s.broken = true
		return false, errors.Join(lockErr, err)
	}

	if lockErr != nil {
		var pgErr *pgconn.PgError
		if errors.As(lockErr, &pgErr) && pgErr.Code == pgLockNotAvailable {
			return false, nil
		}
		s.broken = true
		return false, lockErr
	}

	s.held++
	return true, nil
}

func (s *pgSession) Unlock(ctx context.Context, id int64) (bool, error) {
	var ok bool
	if err := s.conn.QueryRow(ctx, "select pg_advisory_unlock($1)", id).Scan(&ok); err != nil {
		s.broken = true
		return false, err
	}
	if ok {
		s.held--
	}
	return ok, nil
}

func (s *pgSession) LoadValue(ctx context.Context, key string) ([]byte, []byte, error) {
	var value, previous []byte
	err := s.conn.QueryRow(ctx, `
		select value, previous_value
		from advisory_locks
		where name = $1
	`, key).Scan(&value, &previous)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	return value, previous, nil
}

func (s *pgSession) StoreValue(ctx context.Context, key string, id int64, value []byte) ([]byte, error) {
	var previous []byte
	err := s.conn.QueryRow(ctx, `
		insert into advisory_locks (name, lock_id, value, updated_at)
		values ($1, $2, $3::jsonb, now())
		on conflict (name) do update
		set previous_value = advisory_locks.value,
		    value = excluded.value,
		    lock_id = excluded.lock_id,
		    updated_at = now()
		returning previous_value
	`, key, id, string(value)).Scan(&previous)
	if err != nil {
		return nil, err
	}
	return previous, nil
}

func (s *pgSession) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &PgTx{tx: tx}, nil
}

func (s *pgSession) Close(ctx context.Context) error {
	if s.closed {
		return nil
	}
	s.closed = true

	if s.broken || s.held > 0 {
		// Соединение с locks нельзя отдавать в пул: их унаследует чужой код.
		s.logger.Warn("closing lock session", "held", s.held, "broken", s.broken)
		return s.conn.Hijack().Close(ctx)
	}

	s.conn.Release()
	return nil
}

// PgTx — транзакция в сессии lock'а.
// Репозитории получают pgx.Tx через Pgx.
type PgTx struct {
	tx pgx.Tx
}

// Pgx возвращает нижележащую pgx транзакцию.
func (t *PgTx) Pgx() pgx.Tx { return t.tx }

func (t *PgTx) Commit(ctx context.Context) error   { return t.tx.Commit(ctx) }
func (t *PgTx) Rollback(ctx context.Context) error { return t.tx.Rollback(ctx) }

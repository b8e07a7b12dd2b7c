// Package locktest — in-memory реализация lock.Store для тестов.
//
// Store даёт настоящую взаимоисключаемость между сессиями (как
// session-level advisory locks в PostgreSQL): lock реентерабелен
// внутри одной сессии и освобождается при её закрытии.
package locktest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shaiso/Recur/internal/lock"
)

// ErrTxDone — операция над завершённой транзакцией.
var ErrTxDone = errors.New("locktest: tx already closed")

type slot struct {
	sem   chan struct{}
	owner *session
	count int
}

type stored struct {
	value    []byte
	previous []byte
}

// Store — in-memory lock.Store.
//
// Поля *Err позволяют имитировать сбои хранилища.
type Store struct {
	// OpenErr возвращается из OpenSession.
	OpenErr error
	// BeginErr возвращается из Session.Begin.
	BeginErr error
	// CommitErr возвращается из Tx.Commit.
	CommitErr error
	// StoreErr возвращается из Session.StoreValue.
	StoreErr error

	mu       sync.Mutex
	slots    map[int64]*slot
	values   map[string]stored
	sessions int
	txs      []*Tx
}

// New создаёт пустой Store.
func New() *Store {
	return &Store{
		slots:  make(map[int64]*slot),
		values: make(map[string]stored),
	}
}

var _ lock.Store = (*Store)(nil)

// OpenSession открывает новую сессию.
func (s *Store) OpenSession(ctx context.Context) (lock.Session, error) {
	if s.OpenErr != nil {
		return nil, s.OpenErr
	}
	s.mu.Lock()
	s.sessions++
	s.mu.Unlock()
	return &session{store: s, held: make(map[int64]int)}, nil
}

// OpenSessions возвращает число незакрытых сессий.
func (s *Store) OpenSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions
}

// Held проверяет, удерживается ли lock с ключом key.
func (s *Store) Held(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.slots[lock.KeyID(key)]
	return ok && sl.owner != nil
}

// Value возвращает сохранённое значение ключа.
func (s *Store) Value(key string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.values[key].value
}

// Previous возвращает предыдущее значение ключа.
func (s *Store) Previous(key string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.values[key].previous
}

// SetValue задаёт значение ключа напрямую.
func (s *Store) SetValue(key string, value []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.values[key]
	v.value = value
	s.values[key] = v
}

// Txs возвращает все открытые когда-либо транзакции.
func (s *Store) Txs() []*Tx {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Tx(nil), s.txs...)
}

func (s *Store) slot(id int64) *slot {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.slots[id]
	if !ok {
		sl = &slot{sem: make(chan struct{}, 1)}
		s.slots[id] = sl
	}
	return sl
}

type session struct {
	store  *Store
	held   map[int64]int
	closed bool
}

// reenter увеличивает счётчик, если lock уже принадлежит сессии.
func (ss *session) reenter(id int64, sl *slot) bool {
	ss.store.mu.Lock()
	defer ss.store.mu.Unlock()
	if sl.owner == ss {
		sl.count++
		ss.held[id]++
		return true
	}
	return false
}

func (ss *session) own(id int64, sl *slot) {
	ss.store.mu.Lock()
	defer ss.store.mu.Unlock()
	sl.owner = ss
	sl.count = 1
	ss.held[id]++
}

func (ss *session) TryLock(ctx context.Context, id int64) (bool, error) {
	sl := ss.store.slot(id)
	if ss.reenter(id, sl) {
		return true, nil
	}
	select {
	case sl.sem <- struct{}{}:
		ss.own(id, sl)
		return true, nil
	default:
		return false, nil
	}
}

func (ss *session) Lock(ctx context.Context, id int64, timeout time.Duration) (bool, error) {
	sl := ss.store.slot(id)
	if ss.reenter(id, sl) {
		return true, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case sl.sem <- struct{}{}:
		ss.own(id, sl)
		return true, nil
	case <-timer.C:
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (ss *session) Unlock(ctx context.Context, id int64) (bool, error) {
	ss.store.mu.Lock()
	defer ss.store.mu.Unlock()
	return ss.unlockLocked(id), nil
}

func (ss *session) unlockLocked(id int64) bool {
	sl, ok := ss.store.slots[id]
	if !ok || sl.owner != ss {
		return false
	}
	sl.count--
	ss.held[id]--
	if ss.held[id] <= 0 {
		delete(ss.held, id)
	}
	if sl.count == 0 {
		sl.owner = nil
		<-sl.sem
	}
	return true
}

func (ss *session) LoadValue(ctx context.Context, key string) ([]byte, []byte, error) {
	ss.store.mu.Lock()
	defer ss.store.mu.Unlock()
	v := ss.store.values[key]
	return v.value, v.previous, nil
}

func (ss *session) StoreValue(ctx context.Context, key string, id int64, value []byte) ([]byte, error) {
	if ss.store.StoreErr != nil {
		return nil, ss.store.StoreErr
	}
	ss.store.mu.Lock()
	defer ss.store.mu.Unlock()
	prev := ss.store.values[key].value
	ss.store.values[key] = stored{value: value, previous: prev}
	return prev, nil
}

func (ss *session) Begin(ctx context.Context) (lock.Tx, error) {
	if ss.store.BeginErr != nil {
		return nil, ss.store.BeginErr
	}
	tx := &Tx{store: ss.store}
	ss.store.mu.Lock()
	ss.store.txs = append(ss.store.txs, tx)
	ss.store.mu.Unlock()
	return tx, nil
}

func (ss *session) Close(ctx context.Context) error {
	ss.store.mu.Lock()
	defer ss.store.mu.Unlock()
	if ss.closed {
		return nil
	}
	ss.closed = true
	ss.store.sessions--

	for id, n := range ss.held {
		for ; n > 0; n-- {
			ss.unlockLocked(id)
		}
	}
	return nil
}

// Tx — in-memory транзакция.
//
// Изменения фейковых репозиториев регистрируются через OnCommit
// и применяются только при успешном Commit.
type Tx struct {
	store *Store

	mu         sync.Mutex
	onCommit   []func()
	onRollback []func()
	committed  bool
	rolledBack bool
}

var _ lock.Tx = (*Tx)(nil)

// OnCommit регистрирует функцию, выполняемую при Commit.
func (t *Tx) OnCommit(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onCommit = append(t.onCommit, fn)
}

// OnRollback регистрирует функцию, выполняемую при Rollback.
func (t *Tx) OnRollback(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onRollback = append(t.onRollback, fn)
}

func (t *Tx) Commit(ctx context.Context) error {
	t.mu.Lock()
	if t.committed || t.rolledBack {
		t.mu.Unlock()
		return ErrTxDone
	}
	if t.store.CommitErr != nil {
		t.mu.Unlock()
		return t.store.CommitErr
	}
	t.committed = true
	fns := t.onCommit
	t.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
	return nil
}

func (t *Tx) Rollback(ctx context.Context) error {
	t.mu.Lock()
	if t.committed || t.rolledBack {
		t.mu.Unlock()
		return ErrTxDone
	}
	t.rolledBack = true
	fns := t.onRollback
	t.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
	return nil
}

// Committed возвращает true после успешного Commit.
func (t *Tx) Committed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.committed
}

// RolledBack возвращает true после Rollback.
func (t *Tx) RolledBack() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rolledBack
}

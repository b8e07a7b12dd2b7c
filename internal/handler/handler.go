package handler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Recur/internal/domain"
	"github.com/shaiso/Recur/internal/lock"
)

// Occurrence — наступивший occurrence правила.
type Occurrence struct {
	// Rule — правило, прочитанное под lock'ом.
	Rule *domain.RRule

	// At — момент occurrence (next_occurrence до продвижения).
	At time.Time

	// Tx — транзакция unit of work. nil, если обработчик вызван вне lock'а
	// (например, из очереди).
	Tx lock.Tx
}

// IdempotencyKey возвращает ключ, уникальный для пары (правило, occurrence).
// Получатели используют его для дедупликации повторных доставок.
func (o *Occurrence) IdempotencyKey() string {
	return IdempotencyKey(o.Rule.ID, o.At)
}

// IdempotencyKey формирует ключ идемпотентности.
func IdempotencyKey(ruleID uuid.UUID, at time.Time) string {
	return fmt.Sprintf("%s_%d", ruleID, at.Unix())
}

// Payload — тело уведомления об occurrence.
type Payload struct {
	RuleID         uuid.UUID      `json:"rule_id"`
	Occurrence     time.Time      `json:"occurrence"`
	Handler        string         `json:"handler"`
	IdempotencyKey string         `json:"idempotency_key"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Payload возвращает тело уведомления.
func (o *Occurrence) Payload() Payload {
	return Payload{
		RuleID:         o.Rule.ID,
		Occurrence:     o.At.UTC(),
		Handler:        o.Rule.HandlerName,
		IdempotencyKey: o.IdempotencyKey(),
		Metadata:       o.Rule.Metadata,
	}
}

// Handler обрабатывает occurrence.
//
// Ошибка оставляет правило в состоянии DUE: scheduler повторит
// обработку на следующем тике. Поэтому обработчики должны быть
// идемпотентны по IdempotencyKey.
type Handler interface {
	Handle(ctx context.Context, occ *Occurrence) error
}

// HandlerFunc — адаптер функции к Handler.
type HandlerFunc func(ctx context.Context, occ *Occurrence) error

// Handle вызывает f.
func (f HandlerFunc) Handle(ctx context.Context, occ *Occurrence) error {
	return f(ctx, occ)
}

// Имена встроенных обработчиков.
const (
	NameNoop    = "noop"
	NameLog     = "log"
	NameHTTP    = "http"
	NamePublish = "publish"
)

// Registry — реестр обработчиков по имени.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry создаёт реестр с обработчиками по умолчанию.
//
// Регистрирует: noop, log, http.
// publish регистрируется отдельно, когда доступен RabbitMQ.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{handlers: make(map[string]Handler)}
	r.Register(NameNoop, HandlerFunc(func(context.Context, *Occurrence) error { return nil }))
	r.Register(NameLog, &LogHandler{logger: logger})
	r.Register(NameHTTP, &HTTPHandler{})
	return r
}

// Register добавляет обработчик.
func (r *Registry) Register(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

// Get возвращает обработчик по имени.
func (r *Registry) Get(name string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHandler, name)
	}
	return h, nil
}

// Names возвращает отсортированные имена обработчиков.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LogHandler пишет occurrence в лог.
type LogHandler struct {
	logger *slog.Logger
}

// Handle логирует occurrence.
func (h *LogHandler) Handle(ctx context.Context, occ *Occurrence) error {
	h.logger.Info("occurrence due",
		"rule_id", occ.Rule.ID,
		"occurrence", occ.At,
		"idempotency_key", occ.IdempotencyKey(),
	)
	return nil
}

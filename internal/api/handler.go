package api

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Recur/internal/domain"
	"github.com/shaiso/Recur/internal/durable"
	"github.com/shaiso/Recur/internal/handler"
	"github.com/shaiso/Recur/internal/lock"
	"github.com/shaiso/Recur/internal/recurrence"
	"github.com/shaiso/Recur/internal/repo"
)

// RuleStore — операции с правилами, нужные API.
// Реализуется repo.RuleRepo.
type RuleStore interface {
	Create(ctx context.Context, rule *domain.RRule) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.RRule, error)
	List(ctx context.Context, filter repo.RuleFilter) ([]domain.RRule, error)
	GetForUpdate(ctx context.Context, tx lock.Tx, id uuid.UUID) (*domain.RRule, error)
	UpdateRecurrence(ctx context.Context, tx lock.Tx, rule *domain.RRule) error
	Delete(ctx context.Context, tx lock.Tx, id uuid.UUID) error
}

// Handler — главный обработчик API с зависимостями.
type Handler struct {
	rules    RuleStore
	runner   *durable.Runner
	calc     *recurrence.Calculator
	handlers *handler.Registry
	logger   *slog.Logger
	now      func() time.Time
}

// Config — конфигурация для создания Handler.
type Config struct {
	Rules      RuleStore
	Runner     *durable.Runner
	Calculator *recurrence.Calculator
	Handlers   *handler.Registry
	Logger     *slog.Logger

	// Now — источник времени (для тестов).
	Now func() time.Time
}

// NewHandler создаёт новый Handler.
func NewHandler(cfg Config) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Handler{
		rules:    cfg.Rules,
		runner:   cfg.Runner,
		calc:     cfg.Calculator,
		handlers: cfg.Handlers,
		logger:   cfg.Logger,
		now:      cfg.Now,
	}
}

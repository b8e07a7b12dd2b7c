package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/shaiso/Recur/internal/domain"
	"github.com/shaiso/Recur/internal/durable"
	"github.com/shaiso/Recur/internal/handler"
	"github.com/shaiso/Recur/internal/lock"
	"github.com/shaiso/Recur/internal/recurrence"
	"github.com/shaiso/Recur/internal/repo"
	"github.com/shaiso/Recur/internal/telemetry"
)

// DefaultBatchSize — сколько правил берётся за один тик.
const DefaultBatchSize = 100

// errNotDue — правило перестало быть due, пока ждали lock.
var errNotDue = errors.New("rule is not due")

// RuleStore — хранилище правил, нужное scheduler'у.
// Методы с tx выполняются внутри unit of work.
type RuleStore interface {
	// ListDue возвращает due правила, начиная с давно не обработанных.
	ListDue(ctx context.Context, now time.Time, limit int) ([]domain.RRule, error)

	// GetForUpdate перечитывает правило внутри транзакции.
	GetForUpdate(ctx context.Context, tx lock.Tx, id uuid.UUID) (*domain.RRule, error)

	// UpdateOccurrence сохраняет next/last occurrence и time_last_handled.
	UpdateOccurrence(ctx context.Context, tx lock.Tx, rule *domain.RRule) error

	// MarkHandled обновляет только time_last_handled.
	MarkHandled(ctx context.Context, tx lock.Tx, id uuid.UUID, at time.Time) error
}

// Progress — значение lock'а правила после обработки occurrence.
type Progress struct {
	RuleID         uuid.UUID  `json:"rule_id"`
	Occurrence     time.Time  `json:"occurrence"`
	NextOccurrence *time.Time `json:"next_occurrence"`
	HandledAt      time.Time  `json:"handled_at"`
}

// TickResult — итог одного тика.
type TickResult struct {
	Due      int
	Advanced int
	Retired  int
	Skipped  int
	Busy     int
	Failed   int
}

func (r *TickResult) add(outcome string) {
	switch outcome {
	case telemetry.OutcomeAdvanced:
		r.Advanced++
	case telemetry.OutcomeRetired:
		r.Retired++
	case telemetry.OutcomeSkipped:
		r.Skipped++
	case telemetry.OutcomeBusy:
		r.Busy++
	default:
		r.Failed++
	}
}

// Scheduler — RecurrenceProcessor: обрабатывает due правила.
type Scheduler struct {
	store       RuleStore
	runner      *durable.Runner
	calc        *recurrence.Calculator
	handlers    *handler.Registry
	logger      *slog.Logger
	batchSize   int
	concurrency int
	now         func() time.Time
}

// Config — конфигурация Scheduler.
type Config struct {
	Store      RuleStore
	Runner     *durable.Runner
	Calculator *recurrence.Calculator
	Handlers   *handler.Registry
	Logger     *slog.Logger

	BatchSize   int // правил за один тик (default: 100)
	Concurrency int // параллельно обрабатываемых правил (default: 4)

	// Now — источник времени (для тестов).
	Now func() time.Time
}

// New создаёт новый Scheduler.
func New(cfg Config) *Scheduler {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Scheduler{
		store:       cfg.Store,
		runner:      cfg.Runner,
		calc:        cfg.Calculator,
		handlers:    cfg.Handlers,
		logger:      cfg.Logger,
		batchSize:   cfg.BatchSize,
		concurrency: cfg.Concurrency,
		now:         cfg.Now,
	}
}

// Tick выполняет один тик планировщика.
//
// 1. Находит due правила (next_occurrence <= now)
// 2. Для каждого берёт lock правила и в транзакции:
//   - перечитывает правило (другой экземпляр мог его уже сдвинуть)
//   - вызывает handler
//   - вычисляет следующий occurrence и сохраняет правило
//
// Ошибки одного правила не блокируют обработку остальных.
// Правило, чей lock занят, пропускается до следующего тика.
func (s *Scheduler) Tick(ctx context.Context) (TickResult, error) {
	var result TickResult

	rules, err := s.store.ListDue(ctx, s.now(), s.batchSize)
	if err != nil {
		return result, fmt.Errorf("list due rules: %w", err)
	}
	result.Due = len(rules)
	if len(rules) == 0 {
		return result, nil
	}

	s.logger.Debug("found due rules", "count", len(rules))

	var (
		mu   sync.Mutex
		errs []error
	)

	g := new(errgroup.Group)
	g.SetLimit(s.concurrency)

	for i := range rules {
		id := rules[i].ID
		g.Go(func() error {
			outcome, err := s.processRule(ctx, id)
			telemetry.Occurrences.WithLabelValues(outcome).Inc()

			mu.Lock()
			defer mu.Unlock()
			result.add(outcome)
			if err != nil {
				errs = append(errs, fmt.Errorf("rule %s: %w", id, err))
			}
			return nil
		})
	}
	_ = g.Wait()

	s.logger.Info("scheduler tick completed",
		"due", result.Due,
		"advanced", result.Advanced,
		"retired", result.Retired,
		"skipped", result.Skipped,
		"busy", result.Busy,
		"failed", result.Failed,
	)

	return result, errors.Join(errs...)
}

// processRule обрабатывает одно правило под его lock'ом.
// Возвращает исход (telemetry.Outcome*).
func (s *Scheduler) processRule(ctx context.Context, id uuid.UUID) (string, error) {
	logger := telemetry.WithRuleID(s.logger, id.String())
	key := domain.RuleLockKey(id)

	progress, err := durable.Run(ctx, s.runner, key, func(ctx context.Context, tx lock.Tx) (Progress, error) {
		return s.handleOccurrence(ctx, tx, id, logger)
	})

	switch {
	case err == nil:
	case errors.Is(err, durable.ErrNotAcquired):
		logger.Debug("rule is locked by another instance, skipping")
		return telemetry.OutcomeBusy, nil
	case errors.Is(err, errNotDue), errors.Is(err, repo.ErrNotFound):
		logger.Debug("rule no longer due, skipping", "reason", err)
		return telemetry.OutcomeSkipped, nil
	case errors.Is(err, durable.ErrValueNotStored):
		// Транзакция закоммичена: правило уже сдвинуто.
		logger.Warn("rule advanced, lock value not stored", "error", err)
	default:
		logger.Error("failed to process rule", "error", err)
		if markErr := s.markHandled(ctx, id); markErr != nil {
			logger.Warn("failed to mark rule handled", "error", markErr)
		}
		return telemetry.OutcomeFailed, err
	}

	if progress.NextOccurrence == nil {
		logger.Info("rule retired", "occurrence", progress.Occurrence)
		return telemetry.OutcomeRetired, nil
	}

	logger.Info("rule advanced",
		"occurrence", progress.Occurrence,
		"next_occurrence", progress.NextOccurrence,
	)
	return telemetry.OutcomeAdvanced, nil
}

// handleOccurrence — unit of work для одного occurrence.
func (s *Scheduler) handleOccurrence(ctx context.Context, tx lock.Tx, id uuid.UUID, logger *slog.Logger) (Progress, error) {
	rule, err := s.store.GetForUpdate(ctx, tx, id)
	if err != nil {
		return Progress{}, err
	}

	now := s.now()
	if !rule.State(now).CanTransition(domain.RuleStateLockedProcessing) {
		return Progress{}, errNotDue
	}
	at := *rule.NextOccurrence

	h, err := s.handlers.Get(rule.HandlerName)
	if err != nil {
		return Progress{}, err
	}

	occ := &handler.Occurrence{Rule: rule, At: at, Tx: tx}
	logger.Debug("handling occurrence", "occurrence", at, "handler", rule.HandlerName)

	if err := h.Handle(telemetry.WithLogger(ctx, logger), occ); err != nil {
		return Progress{}, fmt.Errorf("handler %s: %w", rule.HandlerName, err)
	}

	// Следующий occurrence считается от текущего, а не от now:
	// пропущенные во время простоя occurrences обрабатываются по одному.
	next, err := s.calc.Next(&rule.Recurrence, at)
	if err != nil {
		return Progress{}, fmt.Errorf("next occurrence: %w", err)
	}

	rule.Advance(next, now)
	if err := domain.RuleStateAdvancing.Transition(rule.State(now)); err != nil {
		return Progress{}, err
	}
	if err := s.store.UpdateOccurrence(ctx, tx, rule); err != nil {
		return Progress{}, fmt.Errorf("update rule: %w", err)
	}

	return Progress{
		RuleID:         id,
		Occurrence:     at,
		NextOccurrence: next,
		HandledAt:      now,
	}, nil
}

// markHandled отмечает time_last_handled после неудачи, чтобы правило
// ушло в конец очереди ListDue. Значение lock'а сохраняется прежним.
func (s *Scheduler) markHandled(ctx context.Context, id uuid.UUID) error {
	key := domain.RuleLockKey(id)
	_, err := durable.Run(ctx, s.runner, key, func(ctx context.Context, tx lock.Tx) (json.RawMessage, error) {
		if err := s.store.MarkHandled(ctx, tx, id, s.now()); err != nil {
			return nil, err
		}
		if h, ok := lock.HandleFrom(ctx, key); ok && len(h.Value()) > 0 {
			return h.Value(), nil
		}
		return nil, nil
	})
	return err
}

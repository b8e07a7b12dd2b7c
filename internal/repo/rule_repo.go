package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/Recur/internal/domain"
	"github.com/shaiso/Recur/internal/lock"
)

// querier — общее у pgxpool.Pool и pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const ruleColumns = `
	id, params, exclusion_params, time_zone, day_offset, handler_name, metadata,
	next_occurrence, last_occurrence, time_last_handled, created_at, updated_at
`

// RuleRepo — репозиторий правил повторения.
//
// Методы с параметром tx выполняются в транзакции unit of work
// (durable.Run). tx == nil допустим только там, где это указано.
type RuleRepo struct {
	pool *pgxpool.Pool
}

// NewRuleRepo создаёт новый RuleRepo.
func NewRuleRepo(pool *pgxpool.Pool) *RuleRepo {
	return &RuleRepo{pool: pool}
}

// RuleFilter — параметры фильтрации правил.
type RuleFilter struct {
	HandlerName string
	// Retired: nil — все, true — только исчерпанные, false — только активные.
	Retired *bool
	Limit   int
	Offset  int
}

// Create сохраняет новое правило.
func (r *RuleRepo) Create(ctx context.Context, rule *domain.RRule) error {
	params, exclusion, metadata, err := marshalRule(rule)
	if err != nil {
		return err
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO rrules (id, params, exclusion_params, time_zone, day_offset, handler_name,
		                    metadata, next_occurrence, last_occurrence, time_last_handled,
		                    created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`,
		rule.ID,
		params,
		exclusion,
		rule.TimeZone,
		rule.DayOffset,
		rule.HandlerName,
		metadata,
		rule.NextOccurrence,
		rule.LastOccurrence,
		rule.TimeLastHandled,
		rule.CreatedAt,
		rule.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrAlreadyExists
		}
		return fmt.Errorf("insert rule: %w", err)
	}
	return nil
}

// GetByID возвращает правило по ID.
func (r *RuleRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.RRule, error) {
	return scanRule(r.pool.QueryRow(ctx, `SELECT `+ruleColumns+` FROM rrules WHERE id = $1`, id))
}

// List возвращает список правил с фильтрацией.
func (r *RuleRepo) List(ctx context.Context, filter RuleFilter) ([]domain.RRule, error) {
	if filter.Limit <= 0 {
		filter.Limit = 50
	}

	rows, err := r.pool.Query(ctx, `
		SELECT `+ruleColumns+`
		FROM rrules
		WHERE ($1::text IS NULL OR handler_name = $1)
		  AND ($2::boolean IS NULL OR (next_occurrence IS NULL) = $2)
		ORDER BY created_at DESC, id
		LIMIT $3 OFFSET $4
	`,
		nullString(filter.HandlerName),
		filter.Retired,
		filter.Limit,
		filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	return collectRules(rows)
}

// ListDue возвращает правила с next_occurrence <= now.
// Порядок: сначала давно не обрабатывавшиеся, чтобы одно
// падающее правило не вытесняло остальные.
func (r *RuleRepo) ListDue(ctx context.Context, now time.Time, limit int) ([]domain.RRule, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+ruleColumns+`
		FROM rrules
		WHERE next_occurrence IS NOT NULL
		  AND next_occurrence <= $1
		ORDER BY time_last_handled ASC NULLS FIRST, next_occurrence ASC, id ASC
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list due rules: %w", err)
	}
	return collectRules(rows)
}

// GetForUpdate читает правило в транзакции tx с блокировкой строки.
func (r *RuleRepo) GetForUpdate(ctx context.Context, tx lock.Tx, id uuid.UUID) (*domain.RRule, error) {
	q, err := r.querier(tx)
	if err != nil {
		return nil, err
	}
	return scanRule(q.QueryRow(ctx, `SELECT `+ruleColumns+` FROM rrules WHERE id = $1 FOR UPDATE`, id))
}

// UpdateOccurrence сохраняет результат обработки occurrence.
func (r *RuleRepo) UpdateOccurrence(ctx context.Context, tx lock.Tx, rule *domain.RRule) error {
	q, err := r.querier(tx)
	if err != nil {
		return err
	}

	result, err := q.Exec(ctx, `
		UPDATE rrules
		SET next_occurrence = $2, last_occurrence = $3, time_last_handled = $4, updated_at = $5
		WHERE id = $1
	`, rule.ID, rule.NextOccurrence, rule.LastOccurrence, rule.TimeLastHandled, rule.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update occurrence: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkHandled обновляет только time_last_handled.
func (r *RuleRepo) MarkHandled(ctx context.Context, tx lock.Tx, id uuid.UUID, at time.Time) error {
	q, err := r.querier(tx)
	if err != nil {
		return err
	}

	result, err := q.Exec(ctx, `UPDATE rrules SET time_last_handled = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("mark handled: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateRecurrence перезаписывает параметры правила и его occurrence'ы.
func (r *RuleRepo) UpdateRecurrence(ctx context.Context, tx lock.Tx, rule *domain.RRule) error {
	q, err := r.querier(tx)
	if err != nil {
		return err
	}

	params, exclusion, metadata, err := marshalRule(rule)
	if err != nil {
		return err
	}

	result, err := q.Exec(ctx, `
		UPDATE rrules
		SET params = $2, exclusion_params = $3, time_zone = $4, day_offset = $5,
		    handler_name = $6, metadata = $7, next_occurrence = $8, last_occurrence = $9,
		    updated_at = $10
		WHERE id = $1
	`,
		rule.ID,
		params,
		exclusion,
		rule.TimeZone,
		rule.DayOffset,
		rule.HandlerName,
		metadata,
		rule.NextOccurrence,
		rule.LastOccurrence,
		rule.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update rule: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete удаляет правило. tx == nil — вне транзакции.
func (r *RuleRepo) Delete(ctx context.Context, tx lock.Tx, id uuid.UUID) error {
	q, err := r.querier(tx)
	if err != nil {
		return err
	}

	result, err := q.Exec(ctx, `DELETE FROM rrules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Helpers ---

func (r *RuleRepo) querier(tx lock.Tx) (querier, error) {
	if tx == nil {
		return r.pool, nil
	}
	pgTx, ok := tx.(*lock.PgTx)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrForeignTx, tx)
	}
	return pgTx.Pgx(), nil
}

func marshalRule(rule *domain.RRule) (params, exclusion, metadata []byte, err error) {
	params, err = json.Marshal(rule.Params)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("marshal params: %w", err)
	}
	if rule.Exclusion != nil {
		exclusion, err = json.Marshal(rule.Exclusion)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("marshal exclusion params: %w", err)
		}
	}
	metadata = []byte("{}")
	if rule.Metadata != nil {
		metadata, err = json.Marshal(rule.Metadata)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("marshal metadata: %w", err)
		}
	}
	return params, exclusion, metadata, nil
}

func scanRule(row pgx.Row) (*domain.RRule, error) {
	var (
		rule                                 domain.RRule
		paramsJSON, exclusionJSON, metadJSON []byte
	)

	err := row.Scan(
		&rule.ID,
		&paramsJSON,
		&exclusionJSON,
		&rule.TimeZone,
		&rule.DayOffset,
		&rule.HandlerName,
		&metadJSON,
		&rule.NextOccurrence,
		&rule.LastOccurrence,
		&rule.TimeLastHandled,
		&rule.CreatedAt,
		&rule.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan rule: %w", err)
	}

	if err := json.Unmarshal(paramsJSON, &rule.Params); err != nil {
		return nil, fmt.Errorf("unmarshal params: %w", err)
	}
	if exclusionJSON != nil {
		var ex domain.Params
		if err := json.Unmarshal(exclusionJSON, &ex); err != nil {
			return nil, fmt.Errorf("unmarshal exclusion params: %w", err)
		}
		rule.Exclusion = &ex
	}
	if metadJSON != nil {
		if err := json.Unmarshal(metadJSON, &rule.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}

	return &rule, nil
}

func collectRules(rows pgx.Rows) ([]domain.RRule, error) {
	defer rows.Close()

	var rules []domain.RRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, *rule)
	}
	return rules, rows.Err()
}

// nullString возвращает nil для пустой строки.
func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

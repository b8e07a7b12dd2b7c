package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// WallClockLayout — формат wall-clock дат (DTStart, Until) в параметрах правила.
// Даты интерпретируются в часовом поясе правила, а не в UTC.
const WallClockLayout = "2006-01-02 15:04:05"

// DefaultTimeZone — часовой пояс по умолчанию.
const DefaultTimeZone = "UTC"

// ErrInvalidRule — параметры правила не прошли валидацию.
var ErrInvalidRule = errors.New("invalid rule")

// Frequency — частота повторения правила.
type Frequency string

const (
	FrequencyYearly   Frequency = "YEARLY"
	FrequencyMonthly  Frequency = "MONTHLY"
	FrequencyWeekly   Frequency = "WEEKLY"
	FrequencyDaily    Frequency = "DAILY"
	FrequencyHourly   Frequency = "HOURLY"
	FrequencyMinutely Frequency = "MINUTELY"
)

// IsValid возвращает true для поддерживаемых частот.
func (f Frequency) IsValid() bool {
	switch f {
	case FrequencyYearly, FrequencyMonthly, FrequencyWeekly,
		FrequencyDaily, FrequencyHourly, FrequencyMinutely:
		return true
	default:
		return false
	}
}

// Params — фиксированный набор параметров повторения.
//
// Это не полноценная грамматика RFC 5545: поддерживаются только
// поля ниже. ByWeekday задаётся строками вида "MO", "+1MO", "-1FR".
type Params struct {
	Freq       Frequency `json:"freq"`
	DTStart    string    `json:"dtstart,omitempty"`
	Interval   int       `json:"interval,omitempty"`
	Count      int       `json:"count,omitempty"`
	Until      string    `json:"until,omitempty"`
	ByWeekday  []string  `json:"byweekday,omitempty"`
	ByMonth    []int     `json:"bymonth,omitempty"`
	ByMonthDay []int     `json:"bymonthday,omitempty"`
	ByHour     []int     `json:"byhour,omitempty"`
	ByMinute   []int     `json:"byminute,omitempty"`
	BySetPos   []int     `json:"bysetpos,omitempty"`
}

// Validate проверяет форму параметров.
// Семантику (weekday-селекторы, диапазоны) проверяет recurrence.Calculator.
func (p *Params) Validate() error {
	if !p.Freq.IsValid() {
		return fmt.Errorf("%w: unknown freq %q", ErrInvalidRule, p.Freq)
	}
	if p.Interval < 0 {
		return fmt.Errorf("%w: interval must be positive", ErrInvalidRule)
	}
	if p.Count < 0 {
		return fmt.Errorf("%w: count must not be negative", ErrInvalidRule)
	}
	if p.DTStart != "" {
		if _, err := time.Parse(WallClockLayout, p.DTStart); err != nil {
			return fmt.Errorf("%w: dtstart %q: expected %s", ErrInvalidRule, p.DTStart, WallClockLayout)
		}
	}
	if p.Until != "" {
		if _, err := time.Parse(WallClockLayout, p.Until); err != nil {
			return fmt.Errorf("%w: until %q: expected %s", ErrInvalidRule, p.Until, WallClockLayout)
		}
	}
	return nil
}

// Recurrence — всё, что нужно калькулятору для вычисления occurrences.
type Recurrence struct {
	// Params — параметры основного правила.
	Params Params `json:"params"`

	// Exclusion — опциональное правило исключений.
	// Его occurrences вычитаются из множества основного правила.
	Exclusion *Params `json:"exclusion,omitempty"`

	// TimeZone — IANA часовой пояс, в котором интерпретируются wall-clock поля.
	TimeZone string `json:"time_zone"`

	// DayOffset — сдвиг каждого occurrence на N дней wall-clock времени.
	// Может быть отрицательным.
	DayOffset int `json:"day_offset,omitempty"`
}

// Validate проверяет основное правило и правило исключений.
func (r *Recurrence) Validate() error {
	if err := r.Params.Validate(); err != nil {
		return err
	}
	if r.Exclusion != nil {
		if err := r.Exclusion.Validate(); err != nil {
			return fmt.Errorf("exclusion: %w", err)
		}
	}
	return nil
}

// Zone возвращает часовой пояс правила с учётом значения по умолчанию.
func (r *Recurrence) Zone() string {
	if r.TimeZone == "" {
		return DefaultTimeZone
	}
	return r.TimeZone
}

// DraftRule — правило, которое ещё не сохранено (состояние Created).
//
// Из DraftRule нельзя получить next_occurrence: первое значение
// вычисляет калькулятор (с применением day_offset), и только
// Persist превращает черновик в RRule. Повторное применение offset
// к уже сохранённому правилу невозможно на уровне типов.
type DraftRule struct {
	Recurrence

	// HandlerName — имя обработчика occurrence (см. internal/handler).
	HandlerName string `json:"handler_name"`

	// Metadata — произвольные данные создателя правила.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Persist превращает черновик в сохраняемое правило.
// first — результат recurrence.Calculator.First (nil, если серия пуста).
func (d *DraftRule) Persist(id uuid.UUID, first *time.Time, now time.Time) *RRule {
	return &RRule{
		ID:             id,
		Recurrence:     d.Recurrence,
		HandlerName:    d.HandlerName,
		Metadata:       d.Metadata,
		NextOccurrence: first,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// RRule — сохранённое правило повторения (состояние Persisted).
type RRule struct {
	// ID — уникальный идентификатор правила.
	ID uuid.UUID `json:"id"`

	Recurrence

	// HandlerName — имя обработчика occurrence.
	HandlerName string `json:"handler_name"`

	// Metadata — произвольные данные, доступные обработчику.
	Metadata map[string]any `json:"metadata,omitempty"`

	// NextOccurrence — следующий момент срабатывания.
	// nil означает, что правило исчерпано (retired).
	// Значение пишет только recurrence.Calculator.
	NextOccurrence *time.Time `json:"next_occurrence,omitempty"`

	// LastOccurrence — последний обработанный occurrence.
	LastOccurrence *time.Time `json:"last_occurrence,omitempty"`

	// TimeLastHandled — когда scheduler последний раз брал правило в работу.
	// Используется для справедливой очерёдности в ListDue.
	TimeLastHandled *time.Time `json:"time_last_handled,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsDue проверяет, пора ли обрабатывать правило.
func (r *RRule) IsDue(now time.Time) bool {
	if r.NextOccurrence == nil {
		return false
	}
	return !now.Before(*r.NextOccurrence)
}

// State возвращает состояние правила в состоянии покоя.
// LOCKED_PROCESSING и ADVANCING существуют только внутри scheduler.
func (r *RRule) State(now time.Time) RuleState {
	switch {
	case r.NextOccurrence == nil:
		return RuleStateRetired
	case r.IsDue(now):
		return RuleStateDue
	default:
		return RuleStateIdle
	}
}

// Advance сдвигает правило на следующий occurrence.
// next == nil переводит правило в RETIRED.
func (r *RRule) Advance(next *time.Time, at time.Time) {
	r.LastOccurrence = r.NextOccurrence
	r.NextOccurrence = next
	r.TimeLastHandled = &at
	r.UpdatedAt = at
}

// Retire переводит правило в RETIRED: серия исчерпана.
func (r *RRule) Retire(at time.Time) {
	r.Advance(nil, at)
}

// Touch отмечает, что scheduler обращался к правилу.
func (r *RRule) Touch(at time.Time) {
	r.TimeLastHandled = &at
}

// LockKey возвращает ключ advisory lock для правила.
// Все изменения строки правила выполняются под этим ключом.
func (r *RRule) LockKey() string {
	return RuleLockKey(r.ID)
}

// RuleLockKey возвращает ключ advisory lock по ID правила.
func RuleLockKey(id uuid.UUID) string {
	return "rrule:" + id.String()
}

// CloneDraft создаёт черновик с теми же параметрами.
func (r *RRule) CloneDraft() *DraftRule {
	metadata := make(map[string]any, len(r.Metadata))
	for k, v := range r.Metadata {
		metadata[k] = v
	}

	rec := r.Recurrence
	rec.Params = cloneParams(r.Params)
	if r.Exclusion != nil {
		ex := cloneParams(*r.Exclusion)
		rec.Exclusion = &ex
	}

	return &DraftRule{
		Recurrence:  rec,
		HandlerName: r.HandlerName,
		Metadata:    metadata,
	}
}

func cloneParams(p Params) Params {
	out := p
	out.ByWeekday = append([]string(nil), p.ByWeekday...)
	out.ByMonth = append([]int(nil), p.ByMonth...)
	out.ByMonthDay = append([]int(nil), p.ByMonthDay...)
	out.ByHour = append([]int(nil), p.ByHour...)
	out.ByMinute = append([]int(nil), p.ByMinute...)
	out.BySetPos = append([]int(nil), p.BySetPos...)
	return out
}

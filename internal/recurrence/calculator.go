package recurrence

import (
	"fmt"
	"sync"
	"time"

	"github.com/teambition/rrule-go"

	"github.com/shaiso/Recur/internal/domain"
)

const (
	// DefaultMaxCandidates — сколько кандидатов подряд можно отбросить,
	// прежде чем сдаться с ErrCandidateLimit.
	DefaultMaxCandidates = 10000

	// MaxDates — верхняя граница для Dates.
	MaxDates = 1000
)

// Config — конфигурация калькулятора.
type Config struct {
	// MaxCandidates — лимит отброшенных кандидатов (по умолчанию DefaultMaxCandidates).
	MaxCandidates int

	// Now — источник текущего времени для FillDefaults (по умолчанию time.Now).
	Now func() time.Time
}

// Calculator — OccurrenceCalculator.
//
// Безопасен для конкурентного использования. Загруженные часовые
// пояса кэшируются.
type Calculator struct {
	maxCandidates int
	now           func() time.Time

	mu    sync.RWMutex
	zones map[string]*time.Location
}

// New создаёт Calculator.
func New(cfg Config) *Calculator {
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = DefaultMaxCandidates
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Calculator{
		maxCandidates: cfg.MaxCandidates,
		now:           cfg.Now,
		zones:         make(map[string]*time.Location),
	}
}

// Location возвращает *time.Location по IANA имени.
func (c *Calculator) Location(name string) (*time.Location, error) {
	if name == "" {
		name = domain.DefaultTimeZone
	}

	c.mu.RLock()
	loc, ok := c.zones[name]
	c.mu.RUnlock()
	if ok {
		return loc, nil
	}

	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTimezone, name)
	}

	c.mu.Lock()
	c.zones[name] = loc
	c.mu.Unlock()

	return loc, nil
}

// Validate проверяет, что правило можно развернуть.
// DTStart должен быть задан (см. FillDefaults).
func (c *Calculator) Validate(rec *domain.Recurrence) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	_, err := c.compile(rec)
	return err
}

// FillDefaults подставляет DTStart (текущая минута в поясе правила),
// если он не задан. Вызывается при создании правила, чтобы серия
// не зависела от момента последующих вычислений.
func (c *Calculator) FillDefaults(rec *domain.Recurrence) error {
	loc, err := c.Location(rec.Zone())
	if err != nil {
		return err
	}
	if rec.TimeZone == "" {
		rec.TimeZone = domain.DefaultTimeZone
	}

	start := c.now().In(loc).Truncate(time.Minute).Format(domain.WallClockLayout)
	if rec.Params.DTStart == "" {
		rec.Params.DTStart = start
	}
	if rec.Exclusion != nil && rec.Exclusion.DTStart == "" {
		rec.Exclusion.DTStart = rec.Params.DTStart
	}
	return nil
}

// Next возвращает первый occurrence строго после after.
//
// after — последний обработанный occurrence (уже со сдвигом).
// Перед поиском с него снимается offset, найденный кандидат
// сдвигается обратно. nil — серия исчерпана.
func (c *Calculator) Next(rec *domain.Recurrence, after time.Time) (*time.Time, error) {
	s, err := c.compile(rec)
	if err != nil {
		return nil, err
	}

	from := shiftDays(after.In(s.loc), -rec.DayOffset)

	var next *time.Time
	err = s.walk(from, c.maxCandidates, func(cand time.Time) bool {
		shifted := shiftDays(cand, rec.DayOffset)
		if !shifted.After(after) {
			return true
		}
		utc := shifted.UTC()
		next = &utc
		return false
	})
	if err != nil {
		return nil, err
	}
	return next, nil
}

// First возвращает первый occurrence серии (включая DTStart) со сдвигом.
// Используется только при создании правила: offset применяется один раз.
func (c *Calculator) First(draft *domain.DraftRule) (*time.Time, error) {
	s, err := c.compile(&draft.Recurrence)
	if err != nil {
		return nil, err
	}

	var first *time.Time
	err = s.walk(time.Time{}, c.maxCandidates, func(cand time.Time) bool {
		utc := shiftDays(cand, draft.DayOffset).UTC()
		first = &utc
		return false
	})
	if err != nil {
		return nil, err
	}
	return first, nil
}

// Dates возвращает до n occurrences серии со сдвигом.
// Если start задан, берутся только occurrences, чья несдвинутая дата позже start.
func (c *Calculator) Dates(rec *domain.Recurrence, n int, start *time.Time) ([]time.Time, error) {
	if n <= 0 {
		return nil, fmt.Errorf("%w: number of dates must be positive", ErrInvalidParams)
	}
	if n > MaxDates {
		n = MaxDates
	}

	s, err := c.compile(rec)
	if err != nil {
		return nil, err
	}

	var from time.Time
	if start != nil {
		from = start.In(s.loc)
	}

	dates := make([]time.Time, 0, n)
	err = s.walk(from, c.maxCandidates+n, func(cand time.Time) bool {
		dates = append(dates, shiftDays(cand, rec.DayOffset).UTC())
		return len(dates) < n
	})
	if err != nil {
		return nil, err
	}
	return dates, nil
}

// Reoffset переносит occurrence at с offset правила на newOffset.
func (c *Calculator) Reoffset(rec *domain.Recurrence, at time.Time, newOffset int) (time.Time, error) {
	loc, err := c.Location(rec.Zone())
	if err != nil {
		return time.Time{}, err
	}
	base := shiftDays(at.In(loc), -rec.DayOffset)
	return shiftDays(base, newOffset).UTC(), nil
}

// series — скомпилированное правило: основное + исключения.
type series struct {
	loc       *time.Location
	base      *rrule.RRule
	exclusion *rrule.RRule
}

func (c *Calculator) compile(rec *domain.Recurrence) (*series, error) {
	loc, err := c.Location(rec.Zone())
	if err != nil {
		return nil, err
	}

	// Серия определяется только правилом: DTStart обязателен.
	if rec.Params.DTStart == "" {
		return nil, fmt.Errorf("%w: dtstart required, call FillDefaults", ErrInvalidParams)
	}
	start, err := parseWallClock(rec.Params.DTStart, loc)
	if err != nil {
		return nil, err
	}

	base, err := buildRule(&rec.Params, loc, start)
	if err != nil {
		return nil, err
	}

	s := &series{loc: loc, base: base}
	if rec.Exclusion != nil {
		if s.exclusion, err = buildRule(rec.Exclusion, loc, start); err != nil {
			return nil, fmt.Errorf("exclusion: %w", err)
		}
	}
	return s, nil
}

// walk перебирает кандидатов основного правила строго после from
// (с начала серии, если from нулевой), пропуская исключённые.
// fn возвращает false, чтобы остановить перебор.
// Если limit кандидатов подряд не остановили перебор — ErrCandidateLimit.
//
// Итератор всегда стартует с DTStart, поэтому стоимость вызова линейна
// по числу occurrences до from: для MINUTELY правила двухлетней давности
// это около миллиона кандидатов. Кандидаты до from в limit не входят.
func (s *series) walk(from time.Time, limit int, fn func(time.Time) bool) error {
	next := s.base.Iterator()
	excluded := s.excluder()

	seen := 0
	for {
		cand, ok := next()
		if !ok {
			return nil
		}
		if !from.IsZero() && !cand.After(from) {
			continue
		}

		seen++
		if seen > limit {
			return fmt.Errorf("%w: %d candidates", ErrCandidateLimit, limit)
		}

		if excluded(cand) {
			continue
		}
		if !fn(cand) {
			return nil
		}
	}
}

// excluder возвращает проверку кандидата на исключение.
// Кандидаты должны подаваться по возрастанию: итератор исключений
// продвигается вместе с ними.
func (s *series) excluder() func(time.Time) bool {
	if s.exclusion == nil {
		return func(time.Time) bool { return false }
	}

	next := s.exclusion.Iterator()
	cur, ok := next()

	return func(t time.Time) bool {
		t = t.Truncate(time.Second)
		for ok && cur.Truncate(time.Second).Before(t) {
			cur, ok = next()
		}
		return ok && cur.Truncate(time.Second).Equal(t)
	}
}

// shiftDays сдвигает t на days дней wall-clock времени в поясе t.
// Несуществующее локальное время (переход на летнее) нормализуется
// по правилам time.Date.
func shiftDays(t time.Time, days int) time.Time {
	if days == 0 {
		return t
	}
	y, m, d := t.Date()
	hh, mm, ss := t.Clock()
	return time.Date(y, m, d+days, hh, mm, ss, t.Nanosecond(), t.Location())
}

package recurrence

import (
	"errors"
	"testing"
	"time"

	"github.com/shaiso/Recur/internal/domain"
)

func utc(y int, m time.Month, d, h, mi int) time.Time {
	return time.Date(y, m, d, h, mi, 0, 0, time.UTC)
}

func weeklyMonday() domain.Recurrence {
	return domain.Recurrence{
		Params: domain.Params{
			Freq:      domain.FrequencyWeekly,
			DTStart:   "2024-01-01 09:00:00",
			ByWeekday: []string{"MO"},
		},
		TimeZone: "UTC",
	}
}

func mustNext(t *testing.T, c *Calculator, rec domain.Recurrence, after time.Time) *time.Time {
	t.Helper()
	next, err := c.Next(&rec, after)
	if err != nil {
		t.Fatalf("Next(%v) error: %v", after, err)
	}
	return next
}

func assertTime(t *testing.T, got *time.Time, want time.Time) {
	t.Helper()
	if got == nil {
		t.Fatalf("got nil, want %v", want)
	}
	if !got.Equal(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	if got.Location() != time.UTC {
		t.Errorf("result not in UTC: %v", got.Location())
	}
}

func TestCalculator_FirstAndNextWeekly(t *testing.T) {
	t.Parallel()
	c := New(Config{})
	rec := weeklyMonday()

	first, err := c.First(&domain.DraftRule{Recurrence: rec})
	if err != nil {
		t.Fatalf("First error: %v", err)
	}
	assertTime(t, first, utc(2024, 1, 1, 9, 0))

	next := mustNext(t, c, rec, *first)
	assertTime(t, next, utc(2024, 1, 8, 9, 0))

	// after не обязан совпадать с occurrence.
	next = mustNext(t, c, rec, utc(2024, 1, 3, 12, 0))
	assertTime(t, next, utc(2024, 1, 8, 9, 0))
}

func TestCalculator_NextIsIdempotent(t *testing.T) {
	t.Parallel()
	c := New(Config{})
	rec := weeklyMonday()
	after := utc(2024, 1, 8, 9, 0)

	a := mustNext(t, c, rec, after)
	b := mustNext(t, c, rec, after)
	if !a.Equal(*b) {
		t.Fatalf("Next not idempotent: %v vs %v", a, b)
	}
	assertTime(t, a, utc(2024, 1, 15, 9, 0))
}

func TestCalculator_DayOffsetAcrossDST(t *testing.T) {
	t.Parallel()
	c := New(Config{})

	// Понедельник 09:00 в Нью-Йорке, сдвиг на день назад: воскресенье 09:00.
	// 10 марта 2024 — переход на летнее время.
	rec := domain.Recurrence{
		Params: domain.Params{
			Freq:      domain.FrequencyWeekly,
			DTStart:   "2024-03-04 09:00:00",
			ByWeekday: []string{"MO"},
		},
		TimeZone:  "America/New_York",
		DayOffset: -1,
	}

	first, err := c.First(&domain.DraftRule{Recurrence: rec})
	if err != nil {
		t.Fatalf("First error: %v", err)
	}
	// 3 марта 09:00 EST = 14:00 UTC.
	assertTime(t, first, utc(2024, 3, 3, 14, 0))

	// 10 марта 09:00 EDT = 13:00 UTC: локальное время сохраняется.
	next := mustNext(t, c, rec, *first)
	assertTime(t, next, utc(2024, 3, 10, 13, 0))

	next = mustNext(t, c, rec, *next)
	assertTime(t, next, utc(2024, 3, 17, 13, 0))
}

func TestCalculator_DayOffsetIntoSpringForwardGap(t *testing.T) {
	t.Parallel()
	c := New(Config{})

	// Ежечасное правило, сдвиг на день вперёд: occurrences 9 марта
	// попадают на 10 марта, когда 02:00-03:00 в Нью-Йорке не существует.
	rec := domain.Recurrence{
		Params: domain.Params{
			Freq:    domain.FrequencyHourly,
			DTStart: "2024-03-09 00:00:00",
		},
		TimeZone:  "America/New_York",
		DayOffset: 1,
	}

	first, err := c.First(&domain.DraftRule{Recurrence: rec})
	if err != nil {
		t.Fatalf("First error: %v", err)
	}
	// 10 марта 00:00 EST.
	assertTime(t, first, utc(2024, 3, 10, 5, 0))

	// 01:00 EST, затем 02:00 (нормализуется в 03:00 EDT) и 03:00 EDT
	// совпадают в 07:00 UTC и возвращаются один раз.
	want := []time.Time{
		utc(2024, 3, 10, 6, 0),
		utc(2024, 3, 10, 7, 0),
		utc(2024, 3, 10, 8, 0),
	}
	prev := *first
	for _, w := range want {
		next := mustNext(t, c, rec, prev)
		assertTime(t, next, w)
		prev = *next
	}
}

func TestCalculator_NextRequiresDTStart(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 2, 1, 9, 17, 0, 0, time.UTC)
	c := New(Config{Now: func() time.Time { return now }})

	rec := domain.Recurrence{Params: domain.Params{Freq: domain.FrequencyDaily}, TimeZone: "UTC"}
	after := utc(2024, 2, 1, 0, 0)

	if _, err := c.Next(&rec, after); !errors.Is(err, ErrInvalidParams) {
		t.Fatalf("expected ErrInvalidParams, got %v", err)
	}

	if err := c.FillDefaults(&rec); err != nil {
		t.Fatal(err)
	}
	a := mustNext(t, c, rec, after)

	now = now.Add(3 * time.Minute)
	b := mustNext(t, c, rec, after)
	if !a.Equal(*b) {
		t.Fatalf("Next depends on the clock: %v vs %v", a, b)
	}
	assertTime(t, a, utc(2024, 2, 1, 9, 17))
}

func TestCalculator_PositiveOffset(t *testing.T) {
	t.Parallel()
	c := New(Config{})
	rec := weeklyMonday()
	rec.DayOffset = 2

	first, err := c.First(&domain.DraftRule{Recurrence: rec})
	if err != nil {
		t.Fatal(err)
	}
	assertTime(t, first, utc(2024, 1, 3, 9, 0))

	next := mustNext(t, c, rec, *first)
	assertTime(t, next, utc(2024, 1, 10, 9, 0))
}

func TestCalculator_Exclusion(t *testing.T) {
	t.Parallel()
	c := New(Config{})

	rec := domain.Recurrence{
		Params: domain.Params{
			Freq:    domain.FrequencyDaily,
			DTStart: "2024-01-01 09:00:00",
		},
		Exclusion: &domain.Params{
			Freq:      domain.FrequencyWeekly,
			DTStart:   "2024-01-01 09:00:00",
			ByWeekday: []string{"SA", "SU"},
		},
		TimeZone: "UTC",
	}

	// 5 января 2024 — пятница, выходные исключены.
	next := mustNext(t, c, rec, utc(2024, 1, 5, 9, 0))
	assertTime(t, next, utc(2024, 1, 8, 9, 0))
}

func TestCalculator_ExclusionSwallowsEverything(t *testing.T) {
	t.Parallel()
	c := New(Config{MaxCandidates: 10})

	p := domain.Params{Freq: domain.FrequencyDaily, DTStart: "2024-01-01 09:00:00"}
	ex := p
	rec := domain.Recurrence{Params: p, Exclusion: &ex, TimeZone: "UTC"}

	_, err := c.Next(&rec, utc(2024, 1, 1, 0, 0))
	if !errors.Is(err, ErrCandidateLimit) {
		t.Fatalf("expected ErrCandidateLimit, got %v", err)
	}
}

func TestCalculator_Exhaustion(t *testing.T) {
	t.Parallel()
	c := New(Config{})

	t.Run("count", func(t *testing.T) {
		rec := domain.Recurrence{
			Params:   domain.Params{Freq: domain.FrequencyDaily, DTStart: "2024-01-01 09:00:00", Count: 1},
			TimeZone: "UTC",
		}
		first, err := c.First(&domain.DraftRule{Recurrence: rec})
		if err != nil {
			t.Fatal(err)
		}
		assertTime(t, first, utc(2024, 1, 1, 9, 0))

		next, err := c.Next(&rec, *first)
		if err != nil {
			t.Fatal(err)
		}
		if next != nil {
			t.Fatalf("expected exhausted series, got %v", next)
		}
	})

	t.Run("until", func(t *testing.T) {
		rec := domain.Recurrence{
			Params: domain.Params{
				Freq:    domain.FrequencyDaily,
				DTStart: "2024-01-01 09:00:00",
				Until:   "2024-01-03 09:00:00",
			},
			TimeZone: "UTC",
		}
		next := mustNext(t, c, rec, utc(2024, 1, 2, 9, 0))
		assertTime(t, next, utc(2024, 1, 3, 9, 0))

		next, err := c.Next(&rec, utc(2024, 1, 3, 9, 0))
		if err != nil {
			t.Fatal(err)
		}
		if next != nil {
			t.Fatalf("expected nil after until, got %v", next)
		}
	})
}

func TestCalculator_MonthlySelectors(t *testing.T) {
	t.Parallel()
	c := New(Config{})

	tests := []struct {
		name   string
		params domain.Params
		after  time.Time
		want   time.Time
	}{
		{
			name:   "31st skips february",
			params: domain.Params{Freq: domain.FrequencyMonthly, DTStart: "2024-01-31 09:00:00", ByMonthDay: []int{31}},
			after:  utc(2024, 1, 31, 9, 0),
			want:   utc(2024, 3, 31, 9, 0),
		},
		{
			name: "last weekday of month",
			params: domain.Params{
				Freq:      domain.FrequencyMonthly,
				DTStart:   "2024-01-01 09:00:00",
				ByWeekday: []string{"MO", "TU", "WE", "TH", "FR"},
				BySetPos:  []int{-1},
			},
			after: utc(2024, 1, 31, 9, 0),
			want:  utc(2024, 2, 29, 9, 0),
		},
		{
			name:   "first monday",
			params: domain.Params{Freq: domain.FrequencyMonthly, DTStart: "2024-01-01 09:00:00", ByWeekday: []string{"+1MO"}},
			after:  utc(2024, 1, 1, 9, 0),
			want:   utc(2024, 2, 5, 9, 0),
		},
		{
			name:   "last friday",
			params: domain.Params{Freq: domain.FrequencyMonthly, DTStart: "2024-01-01 09:00:00", ByWeekday: []string{"-1FR"}},
			after:  utc(2024, 1, 26, 9, 0),
			want:   utc(2024, 2, 23, 9, 0),
		},
		{
			name:   "every two hours",
			params: domain.Params{Freq: domain.FrequencyHourly, DTStart: "2024-01-01 00:00:00", Interval: 2},
			after:  utc(2024, 1, 1, 3, 0),
			want:   utc(2024, 1, 1, 4, 0),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := domain.Recurrence{Params: tt.params, TimeZone: "UTC"}
			assertTime(t, mustNext(t, c, rec, tt.after), tt.want)
		})
	}
}

func TestCalculator_Dates(t *testing.T) {
	t.Parallel()
	c := New(Config{})
	rec := weeklyMonday()

	dates, err := c.Dates(&rec, 3, nil)
	if err != nil {
		t.Fatal(err)
	}
	want := []time.Time{utc(2024, 1, 1, 9, 0), utc(2024, 1, 8, 9, 0), utc(2024, 1, 15, 9, 0)}
	if len(dates) != len(want) {
		t.Fatalf("got %d dates, want %d", len(dates), len(want))
	}
	for i := range want {
		if !dates[i].Equal(want[i]) {
			t.Errorf("dates[%d] = %v, want %v", i, dates[i], want[i])
		}
	}

	start := utc(2024, 1, 8, 9, 0)
	dates, err = c.Dates(&rec, 2, &start)
	if err != nil {
		t.Fatal(err)
	}
	if len(dates) != 2 || !dates[0].Equal(utc(2024, 1, 15, 9, 0)) || !dates[1].Equal(utc(2024, 1, 22, 9, 0)) {
		t.Errorf("dates after start = %v", dates)
	}

	rec.DayOffset = -1
	dates, err = c.Dates(&rec, 1, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !dates[0].Equal(utc(2023, 12, 31, 9, 0)) {
		t.Errorf("offset date = %v", dates[0])
	}

	if _, err := c.Dates(&rec, 0, nil); !errors.Is(err, ErrInvalidParams) {
		t.Errorf("expected ErrInvalidParams for n=0, got %v", err)
	}
}

func TestCalculator_DatesStopsAtCount(t *testing.T) {
	t.Parallel()
	c := New(Config{})
	rec := domain.Recurrence{
		Params:   domain.Params{Freq: domain.FrequencyDaily, DTStart: "2024-01-01 09:00:00", Count: 2},
		TimeZone: "UTC",
	}

	dates, err := c.Dates(&rec, 10, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(dates) != 2 {
		t.Fatalf("got %d dates, want 2", len(dates))
	}
}

func TestCalculator_Reoffset(t *testing.T) {
	t.Parallel()
	c := New(Config{})
	rec := weeklyMonday()
	rec.DayOffset = -1

	got, err := c.Reoffset(&rec, utc(2024, 1, 7, 9, 0), 2)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(utc(2024, 1, 10, 9, 0)) {
		t.Fatalf("Reoffset = %v", got)
	}
}

func TestCalculator_FillDefaults(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 6, 1, 10, 15, 42, 0, time.UTC)
	c := New(Config{Now: func() time.Time { return now }})

	rec := domain.Recurrence{
		Params:    domain.Params{Freq: domain.FrequencyDaily},
		Exclusion: &domain.Params{Freq: domain.FrequencyWeekly, ByWeekday: []string{"SU"}},
		TimeZone:  "Europe/Moscow",
	}
	if err := c.FillDefaults(&rec); err != nil {
		t.Fatal(err)
	}
	if rec.Params.DTStart != "2024-06-01 13:15:00" {
		t.Errorf("DTStart = %q", rec.Params.DTStart)
	}
	if rec.Exclusion.DTStart != rec.Params.DTStart {
		t.Errorf("exclusion DTStart = %q", rec.Exclusion.DTStart)
	}
}

func TestCalculator_Validate(t *testing.T) {
	t.Parallel()
	c := New(Config{})
	const start = "2024-01-01 09:00:00"

	tests := []struct {
		name    string
		rec     domain.Recurrence
		wantErr error
	}{
		{"ok", weeklyMonday(), nil},
		{"bad zone", domain.Recurrence{Params: domain.Params{Freq: domain.FrequencyDaily, DTStart: start}, TimeZone: "Mars/Olympus"}, ErrInvalidTimezone},
		{"bad weekday", domain.Recurrence{Params: domain.Params{Freq: domain.FrequencyWeekly, DTStart: start, ByWeekday: []string{"XX"}}}, ErrInvalidParams},
		{"zero ordinal", domain.Recurrence{Params: domain.Params{Freq: domain.FrequencyMonthly, DTStart: start, ByWeekday: []string{"0MO"}}}, ErrInvalidParams},
		{"bad month", domain.Recurrence{Params: domain.Params{Freq: domain.FrequencyYearly, DTStart: start, ByMonth: []int{13}}}, ErrInvalidParams},
		{"bad freq", domain.Recurrence{Params: domain.Params{Freq: "SECONDLY", DTStart: start}}, ErrInvalidParams},
		{"no dtstart", domain.Recurrence{Params: domain.Params{Freq: domain.FrequencyDaily}}, ErrInvalidParams},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.Validate(&tt.rec)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

package recurrence

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/teambition/rrule-go"

	"github.com/shaiso/Recur/internal/domain"
)

var frequencies = map[domain.Frequency]rrule.Frequency{
	domain.FrequencyYearly:   rrule.YEARLY,
	domain.FrequencyMonthly:  rrule.MONTHLY,
	domain.FrequencyWeekly:   rrule.WEEKLY,
	domain.FrequencyDaily:    rrule.DAILY,
	domain.FrequencyHourly:   rrule.HOURLY,
	domain.FrequencyMinutely: rrule.MINUTELY,
}

var weekdays = map[string]rrule.Weekday{
	"MO": rrule.MO,
	"TU": rrule.TU,
	"WE": rrule.WE,
	"TH": rrule.TH,
	"FR": rrule.FR,
	"SA": rrule.SA,
	"SU": rrule.SU,
}

var weekdayRe = regexp.MustCompile(`^([+-]?\d{1,2})?(MO|TU|WE|TH|FR|SA|SU)$`)

// parseWeekday разбирает селектор вида "MO", "+1MO", "-1FR".
func parseWeekday(s string) (rrule.Weekday, error) {
	m := weekdayRe.FindStringSubmatch(s)
	if m == nil {
		return rrule.Weekday{}, fmt.Errorf("%w: weekday %q", ErrInvalidParams, s)
	}

	wd := weekdays[m[2]]
	if m[1] == "" {
		return wd, nil
	}

	n, err := strconv.Atoi(m[1])
	if err != nil || n == 0 || n < -53 || n > 53 {
		return rrule.Weekday{}, fmt.Errorf("%w: weekday %q: bad ordinal", ErrInvalidParams, s)
	}
	return wd.Nth(n), nil
}

// parseWallClock разбирает wall-clock дату в поясе loc.
func parseWallClock(s string, loc *time.Location) (time.Time, error) {
	t, err := time.ParseInLocation(domain.WallClockLayout, s, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q: %v", ErrInvalidParams, s, err)
	}
	return t, nil
}

// buildRule превращает Params в rrule.RRule в поясе loc.
// fallbackStart используется, если DTStart не задан.
func buildRule(p *domain.Params, loc *time.Location, fallbackStart time.Time) (*rrule.RRule, error) {
	freq, ok := frequencies[p.Freq]
	if !ok {
		return nil, fmt.Errorf("%w: unknown freq %q", ErrInvalidParams, p.Freq)
	}
	if err := checkRange("bymonth", p.ByMonth, 1, 12, false); err != nil {
		return nil, err
	}
	if err := checkRange("bymonthday", p.ByMonthDay, -31, 31, true); err != nil {
		return nil, err
	}
	if err := checkRange("byhour", p.ByHour, 0, 23, false); err != nil {
		return nil, err
	}
	if err := checkRange("byminute", p.ByMinute, 0, 59, false); err != nil {
		return nil, err
	}
	if err := checkRange("bysetpos", p.BySetPos, -366, 366, true); err != nil {
		return nil, err
	}

	opt := rrule.ROption{
		Freq:       freq,
		Interval:   p.Interval,
		Count:      p.Count,
		Wkst:       rrule.MO,
		Bymonth:    p.ByMonth,
		Bymonthday: p.ByMonthDay,
		Byhour:     p.ByHour,
		Byminute:   p.ByMinute,
		Bysetpos:   p.BySetPos,
	}
	if opt.Interval == 0 {
		opt.Interval = 1
	}

	if p.DTStart != "" {
		start, err := parseWallClock(p.DTStart, loc)
		if err != nil {
			return nil, err
		}
		opt.Dtstart = start
	} else {
		opt.Dtstart = fallbackStart.In(loc).Truncate(time.Minute)
	}

	if p.Until != "" {
		until, err := parseWallClock(p.Until, loc)
		if err != nil {
			return nil, err
		}
		opt.Until = until
	}

	for _, s := range p.ByWeekday {
		wd, err := parseWeekday(s)
		if err != nil {
			return nil, err
		}
		opt.Byweekday = append(opt.Byweekday, wd)
	}

	r, err := rrule.NewRRule(opt)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	return r, nil
}

func checkRange(field string, values []int, lo, hi int, nonZero bool) error {
	for _, v := range values {
		if v < lo || v > hi || (nonZero && v == 0) {
			return fmt.Errorf("%w: %s value %d out of range", ErrInvalidParams, field, v)
		}
	}
	return nil
}

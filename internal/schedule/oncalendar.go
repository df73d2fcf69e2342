package schedule

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// systemd.time(7) OnCalendar expressions:
//
//	[WEEKDAYS ] [[YEAR-]MONTH-DAY ] [HH:MM[:SS]]
//
// Components accept "*", comma lists, "a..b" ranges and "/step". Weekday
// and day-of-month constraints are ANDed, unlike cron where they are
// ORed. Shorthands (daily, weekly, ...) expand to the canonical forms
// from the systemd manual.
//
// Evaluation walks civil dates forward and enumerates the trigger times
// of each matching day, so a nonexistent local time (spring-forward gap)
// is naturally skipped and an ambiguous one is pinned to its earlier
// UTC instant.

const (
	minYear = 1970
	maxYear = 2199

	// Eight years covers the longest possible wait between
	// occurrences within the supported year range (Feb 29).
	scanHorizonDays = 366 * 8
)

var calendarShorthands = map[string]string{
	"minutely":     "*-*-* *:*:00",
	"hourly":       "*-*-* *:00:00",
	"daily":        "*-*-* 00:00:00",
	"weekly":       "Mon *-*-* 00:00:00",
	"monthly":      "*-*-01 00:00:00",
	"yearly":       "*-01-01 00:00:00",
	"annually":     "*-01-01 00:00:00",
	"quarterly":    "*-01,04,07,10-01 00:00:00",
	"semiannually": "*-01,07-01 00:00:00",
}

var weekdayNames = map[string]time.Weekday{
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
	"sun": time.Sunday, "sunday": time.Sunday,
}

// calendarExpr is a parsed OnCalendar expression. A nil field slice
// means "any value".
type calendarExpr struct {
	weekdays map[time.Weekday]bool
	years    []int
	months   []int
	days     []int
	hours    []int
	minutes  []int
	seconds  []int
}

func parseOnCalendar(raw string) (*calendarExpr, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, fmt.Errorf("%w: empty oncalendar expression", ErrInvalidSchedule)
	}
	if full, ok := calendarShorthands[strings.ToLower(s)]; ok {
		s = full
	}

	e := &calendarExpr{}
	var sawDate, sawTime bool

	for _, part := range strings.Fields(s) {
		switch {
		case strings.Contains(part, ":"):
			if sawTime {
				return nil, fmt.Errorf("%w: duplicate time component in %q", ErrInvalidSchedule, raw)
			}
			if err := e.parseTime(part); err != nil {
				return nil, err
			}
			sawTime = true

		case strings.Contains(part, "-"):
			if sawDate || sawTime {
				return nil, fmt.Errorf("%w: misplaced date component in %q", ErrInvalidSchedule, raw)
			}
			if err := e.parseDate(part); err != nil {
				return nil, err
			}
			sawDate = true

		default:
			if e.weekdays != nil || sawDate || sawTime {
				return nil, fmt.Errorf("%w: unexpected component %q in %q", ErrInvalidSchedule, part, raw)
			}
			wd, err := parseWeekdays(part)
			if err != nil {
				return nil, err
			}
			e.weekdays = wd
		}
	}

	if e.weekdays == nil && !sawDate && !sawTime {
		return nil, fmt.Errorf("%w: cannot parse %q", ErrInvalidSchedule, raw)
	}
	if !sawTime {
		// Date-only expressions trigger at midnight.
		e.hours, e.minutes, e.seconds = []int{0}, []int{0}, []int{0}
	}
	return e, nil
}

func (e *calendarExpr) parseDate(part string) error {
	fields := strings.Split(part, "-")
	var err error
	switch len(fields) {
	case 2: // MONTH-DAY
		if e.months, err = parseCalendarField(fields[0], 1, 12); err != nil {
			return err
		}
		e.days, err = parseCalendarField(fields[1], 1, 31)
		return err
	case 3: // YEAR-MONTH-DAY
		if e.years, err = parseCalendarField(fields[0], minYear, maxYear); err != nil {
			return err
		}
		if e.months, err = parseCalendarField(fields[1], 1, 12); err != nil {
			return err
		}
		e.days, err = parseCalendarField(fields[2], 1, 31)
		return err
	default:
		return fmt.Errorf("%w: bad date component %q", ErrInvalidSchedule, part)
	}
}

func (e *calendarExpr) parseTime(part string) error {
	fields := strings.Split(part, ":")
	if len(fields) != 2 && len(fields) != 3 {
		return fmt.Errorf("%w: bad time component %q", ErrInvalidSchedule, part)
	}
	var err error
	if e.hours, err = parseCalendarField(fields[0], 0, 23); err != nil {
		return err
	}
	if e.minutes, err = parseCalendarField(fields[1], 0, 59); err != nil {
		return err
	}
	if len(fields) == 3 {
		e.seconds, err = parseCalendarField(fields[2], 0, 59)
		return err
	}
	e.seconds = []int{0}
	return nil
}

// parseCalendarField parses one numeric component into a sorted value
// list, or nil for an unconstrained "*".
func parseCalendarField(s string, lo, hi int) ([]int, error) {
	if s == "*" {
		return nil, nil
	}

	seen := map[int]bool{}
	for _, chunk := range strings.Split(s, ",") {
		step := 1
		if i := strings.IndexByte(chunk, '/'); i >= 0 {
			n, err := strconv.Atoi(chunk[i+1:])
			if err != nil || n <= 0 {
				return nil, fmt.Errorf("%w: bad step in %q", ErrInvalidSchedule, s)
			}
			step = n
			chunk = chunk[:i]
		}

		first, last := lo, hi
		switch {
		case chunk == "*":
			// full range
		case strings.Contains(chunk, ".."):
			bounds := strings.SplitN(chunk, "..", 2)
			var err error
			if first, err = parseCalendarNum(bounds[0], lo, hi); err != nil {
				return nil, err
			}
			if last, err = parseCalendarNum(bounds[1], lo, hi); err != nil {
				return nil, err
			}
			if first > last {
				return nil, fmt.Errorf("%w: inverted range %q", ErrInvalidSchedule, chunk)
			}
		default:
			n, err := parseCalendarNum(chunk, lo, hi)
			if err != nil {
				return nil, err
			}
			first, last = n, n
			// "N/step" means every step-th value starting at N.
			if step > 1 {
				last = hi
			}
		}

		for v := first; v <= last; v += step {
			seen[v] = true
		}
	}

	if len(seen) == 0 {
		return nil, fmt.Errorf("%w: empty field %q", ErrInvalidSchedule, s)
	}
	out := make([]int, 0, len(seen))
	for v := range seen {
		out = append(out, v)
	}
	sort.Ints(out)
	return out, nil
}

func parseCalendarNum(s string, lo, hi int) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: bad number %q", ErrInvalidSchedule, s)
	}
	if n < lo || n > hi {
		return 0, fmt.Errorf("%w: value %d out of range %d..%d", ErrInvalidSchedule, n, lo, hi)
	}
	return n, nil
}

func parseWeekdays(s string) (map[time.Weekday]bool, error) {
	out := map[time.Weekday]bool{}
	for _, chunk := range strings.Split(s, ",") {
		if strings.Contains(chunk, "..") {
			bounds := strings.SplitN(chunk, "..", 2)
			from, ok1 := weekdayNames[strings.ToLower(bounds[0])]
			to, ok2 := weekdayNames[strings.ToLower(bounds[1])]
			if !ok1 || !ok2 {
				return nil, fmt.Errorf("%w: bad weekday range %q", ErrInvalidSchedule, chunk)
			}
			// systemd weeks run Mon..Sun; ranges may wrap (Fri..Mon).
			for d := from; ; d = nextWeekday(d) {
				out[d] = true
				if d == to {
					break
				}
			}
			continue
		}
		d, ok := weekdayNames[strings.ToLower(chunk)]
		if !ok {
			return nil, fmt.Errorf("%w: bad weekday %q", ErrInvalidSchedule, chunk)
		}
		out[d] = true
	}
	return out, nil
}

func nextWeekday(d time.Weekday) time.Weekday {
	return time.Weekday((int(d) + 1) % 7)
}

// next returns the first occurrence strictly after the given local time.
func (e *calendarExpr) next(after time.Time, loc *time.Location) (time.Time, error) {
	// Candidates have second resolution, so anything at or past `from`
	// is strictly after `after`.
	from := after.Truncate(time.Second).Add(time.Second)
	year, month, day := from.Date()

	for i := 0; i < scanHorizonDays; i++ {
		date := time.Date(year, month, day+i, 0, 0, 0, 0, loc)
		if date.Year() > maxYear {
			break
		}
		if !e.dateMatches(date) {
			continue
		}
		y, m, d := date.Date()
		for _, hh := range orFullRange(e.hours, 0, 23) {
			for _, mm := range orFullRange(e.minutes, 0, 59) {
				for _, ss := range orFullRange(e.seconds, 0, 59) {
					ct := time.Date(y, m, d, hh, mm, ss, 0, loc)
					if ct.Hour() != hh || ct.Minute() != mm {
						// Spring-forward gap, the wall time does not
						// exist. Skip to the next candidate.
						continue
					}
					ct = earliestInstant(ct, hh, mm, ss)
					if ct.Before(from) {
						continue
					}
					return ct, nil
				}
			}
		}
	}

	return time.Time{}, fmt.Errorf("%w: no occurrence within %d days", ErrInvalidSchedule, scanHorizonDays)
}

func (e *calendarExpr) dateMatches(date time.Time) bool {
	y, m, d := date.Date()
	if e.years != nil && !containsInt(e.years, y) {
		return false
	}
	if e.months != nil && !containsInt(e.months, int(m)) {
		return false
	}
	if e.days != nil && !containsInt(e.days, d) {
		return false
	}
	if e.weekdays != nil && !e.weekdays[date.Weekday()] {
		return false
	}
	return true
}

// earliestInstant pins an ambiguous local time (fall-back overlap) to
// its earlier UTC instant. If the same wall clock also occurs 30 or 60
// minutes before the instant the runtime picked, the earlier one wins.
func earliestInstant(ct time.Time, hh, mm, ss int) time.Time {
	for _, delta := range []time.Duration{time.Hour, 30 * time.Minute} {
		prev := ct.Add(-delta)
		if prev.Hour() == hh && prev.Minute() == mm && prev.Second() == ss &&
			prev.Day() == ct.Day() {
			return prev
		}
	}
	return ct
}

func orFullRange(vals []int, lo, hi int) []int {
	if vals != nil {
		return vals
	}
	out := make([]int, 0, hi-lo+1)
	for v := lo; v <= hi; v++ {
		out = append(out, v)
	}
	return out
}

func containsInt(sorted []int, v int) bool {
	i := sort.SearchInts(sorted, v)
	return i < len(sorted) && sorted[i] == v
}

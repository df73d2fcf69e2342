// Package schedule computes expected ping deadlines for checks.
//
// The same evaluator backs production sweeps, ingestion and the UI
// preview endpoint, so all of them agree on what "next expected ping"
// means for a given schedule.
package schedule

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrInvalidSchedule marks configuration-time schedule errors: bad kind,
// malformed expression, unknown time zone, non-positive period or grace.
var ErrInvalidSchedule = errors.New("invalid schedule")

type Kind string

const (
	KindSimple     Kind = "simple"
	KindCron       Kind = "cron"
	KindOnCalendar Kind = "oncalendar"
)

// Five-field crontab syntax: minute, hour, day-of-month, month, day-of-week.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// probeTime is a fixed instant used by Validate to verify an expression
// can actually produce a next occurrence. Any valid expression resolves
// from here within the evaluator's scan horizon.
var probeTime = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

// Schedule is a value type embedded in a check. It is immutable once
// configured; recomputing deadlines is a pure function of its fields and
// the reference time.
type Schedule struct {
	Kind   Kind
	Period time.Duration // simple only
	Grace  time.Duration
	Expr   string // cron / oncalendar only
	TZ     string // IANA zone name, cron / oncalendar only
}

func Simple(period, grace time.Duration) Schedule {
	return Schedule{Kind: KindSimple, Period: period, Grace: grace}
}

func Cron(expr, tz string, grace time.Duration) Schedule {
	return Schedule{Kind: KindCron, Expr: expr, TZ: tz, Grace: grace}
}

func OnCalendar(expr, tz string, grace time.Duration) Schedule {
	return Schedule{Kind: KindOnCalendar, Expr: expr, TZ: tz, Grace: grace}
}

// Validate rejects malformed schedules at configuration time, before
// they are stored. For expression kinds it also performs one trial
// resolution, so an expression that parses but can never fire (for
// example an impossible date) is rejected here and not first discovered
// by the sweeper.
func (s Schedule) Validate() error {
	if s.Grace <= 0 {
		return fmt.Errorf("%w: grace must be positive", ErrInvalidSchedule)
	}

	switch s.Kind {
	case KindSimple:
		if s.Period <= 0 {
			return fmt.Errorf("%w: period must be positive", ErrInvalidSchedule)
		}
		return nil

	case KindCron:
		if _, err := s.location(); err != nil {
			return err
		}
		sched, err := cronParser.Parse(s.Expr)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
		}
		if sched.Next(probeTime).IsZero() {
			return fmt.Errorf("%w: expression never fires: %q", ErrInvalidSchedule, s.Expr)
		}
		return nil

	case KindOnCalendar:
		loc, err := s.location()
		if err != nil {
			return err
		}
		expr, err := parseOnCalendar(s.Expr)
		if err != nil {
			return err
		}
		if _, err := expr.next(probeTime.In(loc), loc); err != nil {
			return err
		}
		return nil

	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidSchedule, s.Kind)
	}
}

// NextAfter returns the next expected ping deadline strictly after the
// given instant. Returning `after` itself is never allowed: an exact
// boundary hit must resolve to the following occurrence, otherwise a
// re-evaluation at the boundary would loop forever.
//
// Simple schedules are pure duration arithmetic and ignore time zones
// entirely, so they are immune to DST. Expression kinds are evaluated in
// civil time within the configured zone and converted back to an
// absolute instant: occurrences falling into a spring-forward gap are
// skipped to the next valid occurrence, and occurrences inside a
// fall-back overlap resolve to the first (earlier) instant.
func (s Schedule) NextAfter(after time.Time) (time.Time, error) {
	switch s.Kind {
	case KindSimple:
		return after.Add(s.Period), nil

	case KindCron:
		loc, err := s.location()
		if err != nil {
			return time.Time{}, err
		}
		sched, err := cronParser.Parse(s.Expr)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
		}
		// cron.Schedule.Next is strictly-after by contract.
		next := sched.Next(after.In(loc))
		if next.IsZero() {
			return time.Time{}, fmt.Errorf("%w: no next occurrence for %q", ErrInvalidSchedule, s.Expr)
		}
		return next.UTC(), nil

	case KindOnCalendar:
		loc, err := s.location()
		if err != nil {
			return time.Time{}, err
		}
		expr, err := parseOnCalendar(s.Expr)
		if err != nil {
			return time.Time{}, err
		}
		next, err := expr.next(after.In(loc), loc)
		if err != nil {
			return time.Time{}, err
		}
		return next.UTC(), nil

	default:
		return time.Time{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidSchedule, s.Kind)
	}
}

// AlertAfter returns the grace deadline for a computed next deadline.
func (s Schedule) AlertAfter(next time.Time) time.Time {
	return next.Add(s.Grace)
}

func (s Schedule) location() (*time.Location, error) {
	loc, err := time.LoadLocation(s.TZ)
	if err != nil {
		return nil, fmt.Errorf("%w: unknown time zone %q", ErrInvalidSchedule, s.TZ)
	}
	return loc, nil
}

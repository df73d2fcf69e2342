package check

import (
	"time"

	"github.com/google/uuid"

	"github.com/calmops/beatwatch/internal/schedule"
)

type Status string

const (
	StatusNew    Status = "new"
	StatusUp     Status = "up"
	StatusGrace  Status = "grace"
	StatusDown   Status = "down"
	StatusPaused Status = "paused"
)

// Action is the signal carried by a ping request path suffix.
type Action string

const (
	ActionSuccess Action = "success"
	ActionFail    Action = "fail"
	ActionStart   Action = "start"
)

// Check is a monitored heartbeat target. Status together with the
// stored deadlines fully determines the externally visible state; the
// only exception is paused, which is an explicit operator override that
// suspends deadline evaluation until the next ping or resume.
type Check struct {
	ID        int64
	Code      uuid.UUID
	Slug      string
	ProjectID int64
	Name      string
	Tags      string

	Schedule schedule.Schedule

	Status         Status
	NPings         int64
	LastPingAt     *time.Time
	LastStartAt    *time.Time
	LastDuration   *time.Duration
	NextExpectedAt *time.Time
	AlertAfter     *time.Time

	// Version guards concurrent state updates: every UpdateState
	// compare-and-swaps on it, so a ping and a sweep racing on the same
	// check cannot overwrite each other blindly.
	Version int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Transition is one observed status crossing. The services layer turns
// it into a flip record; the At field is the instant the boundary was
// crossed, not the instant it was observed.
type Transition struct {
	From Status
	To   Status
	At   time.Time
}

func New(projectID int64, name string, sched schedule.Schedule) *Check {
	return &Check{
		Code:      uuid.New(),
		ProjectID: projectID,
		Name:      name,
		Schedule:  sched,
		Status:    StatusNew,
	}
}

// OnPing applies one heartbeat signal. A success ping always resets the
// check to up, no matter how long it has been down. When duplicate or
// out-of-order deliveries arrive, the ping with the later timestamp
// wins: an earlier one still counts as received but does not move
// LastPingAt or the deadlines backward.
func (c *Check) OnPing(t time.Time, action Action) (*Transition, error) {
	c.NPings++

	switch action {
	case ActionStart:
		c.LastStartAt = &t
		return nil, nil

	case ActionFail:
		if c.LastPingAt == nil || t.After(*c.LastPingAt) {
			c.LastPingAt = &t
		}
		c.LastStartAt = nil
		c.NextExpectedAt = nil
		c.AlertAfter = nil
		old := c.Status
		c.Status = StatusDown
		if old != StatusDown {
			return &Transition{From: old, To: StatusDown, At: t}, nil
		}
		return nil, nil

	default: // success
		if c.LastPingAt == nil || t.After(*c.LastPingAt) {
			c.LastPingAt = &t
			if c.LastStartAt != nil {
				if d := t.Sub(*c.LastStartAt); d >= 0 {
					c.LastDuration = &d
				}
				c.LastStartAt = nil
			}
			if err := c.rescheduleFrom(t); err != nil {
				return nil, err
			}
		}
		old := c.Status
		c.Status = StatusUp
		if old != StatusUp {
			return &Transition{From: old, To: StatusUp, At: t}, nil
		}
		return nil, nil
	}
}

// OnTick advances the check based purely on elapsed time. It is pure
// and idempotent: calling it twice with the same now yields the same
// state and at most one transition total. When several boundaries were
// crossed since the last sweep, only the terminal transition is
// reported (an unobserved grace period does not produce a late event).
func (c *Check) OnTick(now time.Time, firstPingTimeout time.Duration) *Transition {
	switch c.Status {
	case StatusNew:
		if firstPingTimeout <= 0 || c.CreatedAt.IsZero() {
			return nil
		}
		deadline := c.CreatedAt.Add(firstPingTimeout)
		if now.Before(deadline) {
			return nil
		}
		c.Status = StatusDown
		return &Transition{From: StatusNew, To: StatusDown, At: deadline}

	case StatusUp:
		if c.AlertAfter != nil && !now.Before(*c.AlertAfter) {
			at := *c.AlertAfter
			c.Status = StatusDown
			c.NextExpectedAt = nil
			c.AlertAfter = nil
			return &Transition{From: StatusUp, To: StatusDown, At: at}
		}
		if c.NextExpectedAt != nil && !now.Before(*c.NextExpectedAt) {
			at := *c.NextExpectedAt
			c.Status = StatusGrace
			return &Transition{From: StatusUp, To: StatusGrace, At: at}
		}
		return nil

	case StatusGrace:
		if c.AlertAfter != nil && !now.Before(*c.AlertAfter) {
			at := *c.AlertAfter
			c.Status = StatusDown
			c.NextExpectedAt = nil
			c.AlertAfter = nil
			return &Transition{From: StatusGrace, To: StatusDown, At: at}
		}
		return nil

	default: // down, paused: nothing moves without a ping or an operator
		return nil
	}
}

// StatusAt derives the externally visible status without mutating the
// check. Every read path (list, detail, sweeper) goes through here, so
// a check that silently expired reports down even before a sweep has
// persisted the crossing.
func (c *Check) StatusAt(now time.Time) Status {
	switch c.Status {
	case StatusUp, StatusGrace:
		if c.AlertAfter != nil && !now.Before(*c.AlertAfter) {
			return StatusDown
		}
		if c.NextExpectedAt != nil && !now.Before(*c.NextExpectedAt) {
			return StatusGrace
		}
		return StatusUp
	default:
		return c.Status
	}
}

// Pause suspends evaluation. Deadlines are cleared so the sweeper's due
// query skips the check without looking at it. Reports whether anything
// changed; pausing a paused check is a no-op success.
func (c *Check) Pause() bool {
	if c.Status == StatusPaused {
		return false
	}
	c.Status = StatusPaused
	c.NextExpectedAt = nil
	c.AlertAfter = nil
	return true
}

// Resume reactivates a paused check without a ping. Deadlines are
// recomputed from now, not from the stale pre-pause ping, so resuming
// never produces an instant false down.
func (c *Check) Resume(now time.Time) (*Transition, error) {
	if c.Status != StatusPaused {
		return nil, nil
	}
	if err := c.rescheduleFrom(now); err != nil {
		return nil, err
	}
	c.Status = StatusUp
	return &Transition{From: StatusPaused, To: StatusUp, At: now}, nil
}

// Reschedule swaps the schedule on a live check. Deadlines are
// recomputed from the last successful ping so the new expectations take
// effect immediately instead of waiting for the next heartbeat.
func (c *Check) Reschedule(sched schedule.Schedule) error {
	c.Schedule = sched
	if (c.Status == StatusUp || c.Status == StatusGrace) && c.LastPingAt != nil {
		return c.rescheduleFrom(*c.LastPingAt)
	}
	return nil
}

func (c *Check) rescheduleFrom(t time.Time) error {
	next, err := c.Schedule.NextAfter(t)
	if err != nil {
		return err
	}
	alertAfter := c.Schedule.AlertAfter(next)
	c.NextExpectedAt = &next
	c.AlertAfter = &alertAfter
	return nil
}

package sweeper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/calmops/beatwatch/internal/domain/check"
	"github.com/calmops/beatwatch/internal/domain/flip"
	"github.com/calmops/beatwatch/internal/schedule"
)

type memChecks struct {
	mu   sync.Mutex
	byID map[int64]check.Check

	conflictOnce bool
}

func newMemChecks(cs ...*check.Check) *memChecks {
	m := &memChecks{byID: map[int64]check.Check{}}
	for _, c := range cs {
		m.byID[c.ID] = *c
	}
	return m
}

func (m *memChecks) Create(ctx context.Context, c *check.Check) error { panic("unused") }

func (m *memChecks) GetByID(ctx context.Context, id int64) (*check.Check, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.byID[id]
	if !ok {
		return nil, check.ErrNotFound
	}
	cp := c
	return &cp, nil
}

func (m *memChecks) GetByCode(ctx context.Context, code uuid.UUID) (*check.Check, error) {
	panic("unused")
}
func (m *memChecks) GetBySlug(ctx context.Context, slug string) (*check.Check, error) {
	panic("unused")
}
func (m *memChecks) List(ctx context.Context, projectID int64, tag string) ([]*check.Check, error) {
	panic("unused")
}
func (m *memChecks) Delete(ctx context.Context, id int64) error             { panic("unused") }
func (m *memChecks) UpdateConfig(ctx context.Context, c *check.Check) error { panic("unused") }

func (m *memChecks) UpdateState(ctx context.Context, c *check.Check) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conflictOnce {
		m.conflictOnce = false
		return check.ErrConflict
	}
	cur, ok := m.byID[c.ID]
	if !ok {
		return check.ErrNotFound
	}
	if cur.Version != c.Version {
		return check.ErrConflict
	}
	c.Version++
	m.byID[c.ID] = *c
	return nil
}

func (m *memChecks) FetchDue(ctx context.Context, now time.Time, limit int, firstPingTimeout time.Duration) ([]*check.Check, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*check.Check
	for _, c := range m.byID {
		cp := c
		switch c.Status {
		case check.StatusUp, check.StatusGrace:
			if c.NextExpectedAt != nil && !now.Before(*c.NextExpectedAt) ||
				c.AlertAfter != nil && !now.Before(*c.AlertAfter) {
				out = append(out, &cp)
			}
		case check.StatusNew:
			if firstPingTimeout > 0 && !now.Before(c.CreatedAt.Add(firstPingTimeout)) {
				out = append(out, &cp)
			}
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

type memFlips struct {
	mu        sync.Mutex
	rows      []flip.Flip
	insertErr error
}

func (m *memFlips) Insert(ctx context.Context, f *flip.Flip) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertErr != nil {
		return m.insertErr
	}
	f.ID = int64(len(m.rows) + 1)
	f.State = flip.StateCreated
	m.rows = append(m.rows, *f)
	return nil
}

func (m *memFlips) PickBatch(ctx context.Context, limit int, ttl time.Duration) ([]flip.Flip, error) {
	return nil, nil
}
func (m *memFlips) MarkSent(ctx context.Context, ids []int64) error { return nil }
func (m *memFlips) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	return 0, nil
}

type passTx struct{}

func (passTx) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func upCheck(t *testing.T, id int64, lastPing time.Time) *check.Check {
	t.Helper()
	c := check.New(1, "nightly-export", schedule.Simple(time.Minute, 30*time.Second))
	c.ID = id
	c.CreatedAt = lastPing
	_, err := c.OnPing(lastPing, check.ActionSuccess)
	require.NoError(t, err)
	c.Version = 3
	return c
}

func newTestUC(checks *memChecks, flips *memFlips, now time.Time, fpt time.Duration) *Usecase {
	return NewUC(checks, flips, passTx{}, zap.NewNop(), fpt).
		WithClock(func() time.Time { return now })
}

func TestTickMovesExpiredUpIntoGrace(t *testing.T) {
	c := upCheck(t, 1, t0)
	checks := newMemChecks(c)
	flips := &memFlips{}
	uc := newTestUC(checks, flips, t0.Add(70*time.Second), 0)

	fetched, flipped, errs, err := uc.Tick(context.Background(), 50)
	require.NoError(t, err)
	assert.Equal(t, 1, fetched)
	assert.Equal(t, 1, flipped)
	assert.Zero(t, errs)

	got, _ := checks.GetByID(context.Background(), 1)
	assert.Equal(t, check.StatusGrace, got.Status)

	require.Len(t, flips.rows, 1)
	assert.Equal(t, check.StatusUp, flips.rows[0].OldStatus)
	assert.Equal(t, check.StatusGrace, flips.rows[0].NewStatus)
	// boundary instant, not observation instant
	assert.Equal(t, t0.Add(time.Minute), flips.rows[0].At)
}

func TestTickMovesExpiredGraceIntoDown(t *testing.T) {
	c := upCheck(t, 1, t0)
	checks := newMemChecks(c)
	flips := &memFlips{}

	uc := newTestUC(checks, flips, t0.Add(70*time.Second), 0)
	_, _, _, err := uc.Tick(context.Background(), 50)
	require.NoError(t, err)

	uc2 := newTestUC(checks, flips, t0.Add(2*time.Minute), 0)
	fetched, flipped, errs, err := uc2.Tick(context.Background(), 50)
	require.NoError(t, err)
	assert.Equal(t, 1, fetched)
	assert.Equal(t, 1, flipped)
	assert.Zero(t, errs)

	got, _ := checks.GetByID(context.Background(), 1)
	assert.Equal(t, check.StatusDown, got.Status)
	assert.Nil(t, got.NextExpectedAt)
	assert.Nil(t, got.AlertAfter)

	require.Len(t, flips.rows, 2)
	assert.Equal(t, check.StatusGrace, flips.rows[1].OldStatus)
	assert.Equal(t, check.StatusDown, flips.rows[1].NewStatus)
	assert.Equal(t, t0.Add(90*time.Second), flips.rows[1].At)
}

func TestTickSkipsIntermediateGraceWhenLate(t *testing.T) {
	c := upCheck(t, 1, t0)
	checks := newMemChecks(c)
	flips := &memFlips{}
	uc := newTestUC(checks, flips, t0.Add(time.Hour), 0)

	_, flipped, _, err := uc.Tick(context.Background(), 50)
	require.NoError(t, err)
	assert.Equal(t, 1, flipped)

	require.Len(t, flips.rows, 1)
	assert.Equal(t, check.StatusUp, flips.rows[0].OldStatus)
	assert.Equal(t, check.StatusDown, flips.rows[0].NewStatus)
}

func TestTickIsIdempotentAcrossSweeps(t *testing.T) {
	c := upCheck(t, 1, t0)
	checks := newMemChecks(c)
	flips := &memFlips{}
	now := t0.Add(70 * time.Second)

	uc := newTestUC(checks, flips, now, 0)
	_, _, _, err := uc.Tick(context.Background(), 50)
	require.NoError(t, err)

	// same moment again: grace is re-fetched (alert_after still pending)
	// but no new transition and no duplicate flip
	_, flipped, errs, err := uc.Tick(context.Background(), 50)
	require.NoError(t, err)
	assert.Zero(t, flipped)
	assert.Zero(t, errs)
	assert.Len(t, flips.rows, 1)
}

func TestTickLostRaceIsNotAnError(t *testing.T) {
	c := upCheck(t, 1, t0)
	checks := newMemChecks(c)
	checks.conflictOnce = true
	flips := &memFlips{}
	uc := newTestUC(checks, flips, t0.Add(70*time.Second), 0)

	fetched, flipped, errs, err := uc.Tick(context.Background(), 50)
	require.NoError(t, err)
	assert.Equal(t, 1, fetched)
	assert.Zero(t, flipped)
	assert.Zero(t, errs)
	assert.Empty(t, flips.rows)
}

func TestTickDefersFailingCheckAndContinues(t *testing.T) {
	c := upCheck(t, 1, t0)
	checks := newMemChecks(c)
	flips := &memFlips{insertErr: errors.New("disk on fire")}
	now := t0.Add(70 * time.Second)
	uc := newTestUC(checks, flips, now, 0)

	fetched, flipped, errs, err := uc.Tick(context.Background(), 50)
	require.NoError(t, err)
	assert.Equal(t, 1, fetched)
	assert.Zero(t, flipped)
	assert.Equal(t, 1, errs)

	got, _ := checks.GetByID(context.Background(), 1)
	require.NotNil(t, got.AlertAfter)
	assert.Equal(t, now.Add(time.Hour), *got.AlertAfter)
}

func TestTickAppliesFirstPingTimeout(t *testing.T) {
	c := check.New(1, "never-pinged", schedule.Simple(time.Minute, 30*time.Second))
	c.ID = 1
	c.CreatedAt = t0

	checks := newMemChecks(c)
	flips := &memFlips{}
	uc := newTestUC(checks, flips, t0.Add(25*time.Hour), 24*time.Hour)

	_, flipped, _, err := uc.Tick(context.Background(), 50)
	require.NoError(t, err)
	assert.Equal(t, 1, flipped)

	got, _ := checks.GetByID(context.Background(), 1)
	assert.Equal(t, check.StatusDown, got.Status)
	require.Len(t, flips.rows, 1)
	assert.Equal(t, check.StatusNew, flips.rows[0].OldStatus)
	assert.Equal(t, check.StatusDown, flips.rows[0].NewStatus)
	assert.Equal(t, t0.Add(24*time.Hour), flips.rows[0].At)
}

func TestTickEmptyBatch(t *testing.T) {
	uc := newTestUC(newMemChecks(), &memFlips{}, t0, 0)
	fetched, flipped, errs, err := uc.Tick(context.Background(), 50)
	require.NoError(t, err)
	assert.Zero(t, fetched)
	assert.Zero(t, flipped)
	assert.Zero(t, errs)
}

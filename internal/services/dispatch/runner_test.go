package dispatch

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
	"github.com/calmops/beatwatch/internal/domain/events"
	"github.com/calmops/beatwatch/internal/domain/flip"
)

type memFlips struct {
	mu   sync.Mutex
	rows []flip.Flip
}

func (m *memFlips) Insert(ctx context.Context, f *flip.Flip) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f.ID = int64(len(m.rows) + 1)
	f.State = flip.StateCreated
	m.rows = append(m.rows, *f)
	return nil
}

func (m *memFlips) PickBatch(ctx context.Context, limit int, ttl time.Duration) ([]flip.Flip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []flip.Flip
	for i := range m.rows {
		if m.rows[i].State == flip.StateCreated && len(out) < limit {
			m.rows[i].State = flip.StateInProgress
			out = append(out, m.rows[i])
		}
	}
	return out, nil
}

func (m *memFlips) MarkSent(ctx context.Context, ids []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.rows {
		for _, id := range ids {
			if m.rows[i].ID == id {
				m.rows[i].State = flip.StateSent
			}
		}
	}
	return nil
}

func (m *memFlips) Prune(ctx context.Context, olderThan time.Time) (int64, error) { return 0, nil }

func (m *memFlips) states() []flip.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]flip.State, len(m.rows))
	for i, r := range m.rows {
		out[i] = r.State
	}
	return out
}

type capturePub struct {
	mu     sync.Mutex
	events []events.StatusChanged
	fail   func(ev events.StatusChanged) error
}

func (p *capturePub) PublishStatusChanged(ctx context.Context, ev events.StatusChanged) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		if err := p.fail(ev); err != nil {
			return err
		}
	}
	p.events = append(p.events, ev)
	return nil
}

func insertFlip(t *testing.T, repo *memFlips, old, new check.Status) flip.Flip {
	t.Helper()
	f := flip.Flip{
		CheckID:   1,
		CheckCode: uuid.New(),
		At:        time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		OldStatus: old,
		NewStatus: new,
	}
	require.NoError(t, repo.Insert(context.Background(), &f))
	return f
}

func newTestRunner(flips flip.Repo, pub events.Publisher) *Runner {
	r := NewRunner(zap.NewNop(), flips, pub, 1, 50, time.Second, time.Minute)
	// no backoff sleeps in tests
	r.publishPolicy.Attempts = 1
	return r
}

func TestTickPublishesAndMarksSent(t *testing.T) {
	repo := &memFlips{}
	f := insertFlip(t, repo, check.StatusUp, check.StatusDown)
	pub := &capturePub{}

	newTestRunner(repo, pub).tick(context.Background())

	require.Len(t, pub.events, 1)
	assert.Equal(t, f.CheckCode, pub.events[0].CheckCode)
	assert.Equal(t, check.StatusDown, pub.events[0].New)
	assert.Equal(t, []flip.State{flip.StateSent}, repo.states())
}

func TestTickSkipsNonNotifiableButMarksThem(t *testing.T) {
	repo := &memFlips{}
	insertFlip(t, repo, check.StatusNew, check.StatusUp)
	insertFlip(t, repo, check.StatusPaused, check.StatusUp)
	insertFlip(t, repo, check.StatusGrace, check.StatusUp)
	pub := &capturePub{}

	newTestRunner(repo, pub).tick(context.Background())

	require.Len(t, pub.events, 1)
	assert.Equal(t, check.StatusGrace, pub.events[0].Old)
	// silent flips still leave the queue
	assert.Equal(t, []flip.State{flip.StateSent, flip.StateSent, flip.StateSent}, repo.states())
}

func TestTickFailedPublishStaysInProgress(t *testing.T) {
	repo := &memFlips{}
	bad := insertFlip(t, repo, check.StatusUp, check.StatusDown)
	good := insertFlip(t, repo, check.StatusGrace, check.StatusDown)
	pub := &capturePub{fail: func(ev events.StatusChanged) error {
		if ev.CheckCode == bad.CheckCode {
			return errors.New("broker away")
		}
		return nil
	}}

	newTestRunner(repo, pub).tick(context.Background())

	require.Len(t, pub.events, 1)
	assert.Equal(t, good.CheckCode, pub.events[0].CheckCode)
	assert.Equal(t, []flip.State{flip.StateInProgress, flip.StateSent}, repo.states())
}

func TestTickEmptyQueueIsQuiet(t *testing.T) {
	repo := &memFlips{}
	pub := &capturePub{}
	newTestRunner(repo, pub).tick(context.Background())
	assert.Empty(t, pub.events)
}

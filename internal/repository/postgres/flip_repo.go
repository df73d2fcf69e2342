package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/calmops/beatwatch/internal/domain/check"
	"github.com/calmops/beatwatch/internal/domain/flip"
)

var _ flip.Repo = (*FlipRepo)(nil)

type FlipRepo struct {
	db *DB
}

func NewFlipRepo(db *DB) *FlipRepo { return &FlipRepo{db: db} }

const (
	qFlipInsert = `
INSERT INTO flips (check_id, check_code, at, old_status, new_status, state)
VALUES ($1, $2, $3, $4, $5, 'created')
RETURNING id, created_at, updated_at;`

	// Claim a batch: fresh flips, plus in-progress ones whose worker
	// went quiet past the TTL. The CTE update makes the claim atomic,
	// so concurrent dispatchers never double-pick a flip.
	qFlipPick = `
WITH cand AS (
  SELECT id
  FROM flips
  WHERE state = 'created'
     OR (state = 'in_progress' AND updated_at < now() - $2::interval)
  ORDER BY created_at
  LIMIT $1
  FOR UPDATE SKIP LOCKED
), upd AS (
  UPDATE flips f
  SET state = 'in_progress', updated_at = now()
  FROM cand
  WHERE f.id = cand.id
  RETURNING f.id, f.check_id, f.check_code, f.at, f.old_status, f.new_status,
            f.state, f.created_at, f.updated_at
)
SELECT id, check_id, check_code, at, old_status, new_status, state, created_at, updated_at
FROM upd
ORDER BY created_at;`

	qFlipMarkSent = `
UPDATE flips
SET state = 'sent', updated_at = now()
WHERE id = ANY($1);`

	qFlipPrune = `DELETE FROM flips WHERE state = 'sent' AND created_at < $1;`
)

func (r *FlipRepo) Insert(ctx context.Context, f *flip.Flip) error {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	row := r.db.execQueryer(ctx).QueryRow(ctx, qFlipInsert,
		f.CheckID, f.CheckCode, f.At, string(f.OldStatus), string(f.NewStatus),
	)
	if err := row.Scan(&f.ID, &f.CreatedAt, &f.UpdatedAt); err != nil {
		return fmt.Errorf("insert flip: %w", err)
	}
	f.State = flip.StateCreated
	return nil
}

func (r *FlipRepo) PickBatch(ctx context.Context, limit int, inProgressTTL time.Duration) ([]flip.Flip, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("pick flips: limit must be > 0")
	}
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	ttl := fmt.Sprintf("%f seconds", inProgressTTL.Seconds())
	rows, err := r.db.execQueryer(ctx).Query(ctx, qFlipPick, limit, ttl)
	if err != nil {
		return nil, fmt.Errorf("pick flips: %w", err)
	}
	defer rows.Close()

	var out []flip.Flip
	for rows.Next() {
		var f flip.Flip
		var oldS, newS, state string
		if err := rows.Scan(&f.ID, &f.CheckID, &f.CheckCode, &f.At,
			&oldS, &newS, &state, &f.CreatedAt, &f.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan flip: %w", err)
		}
		f.OldStatus = check.Status(oldS)
		f.NewStatus = check.Status(newS)
		f.State = flip.State(state)
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return out, nil
}

func (r *FlipRepo) MarkSent(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	if _, err := r.db.execQueryer(ctx).Exec(ctx, qFlipMarkSent, ids); err != nil {
		return fmt.Errorf("mark flips sent: %w", err)
	}
	return nil
}

func (r *FlipRepo) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	tag, err := r.db.execQueryer(ctx).Exec(ctx, qFlipPrune, olderThan)
	if err != nil {
		return 0, fmt.Errorf("prune flips: %w", err)
	}
	return tag.RowsAffected(), nil
}

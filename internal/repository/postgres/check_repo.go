package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/calmops/beatwatch/internal/domain/check"
	"github.com/calmops/beatwatch/internal/schedule"
)

var _ check.Repo = (*CheckRepo)(nil)

type CheckRepo struct {
	db *DB
}

func NewCheckRepo(db *DB) *CheckRepo { return &CheckRepo{db: db} }

const checkColumns = `
id, code, slug, project_id, name, tags,
kind, period_sec, grace_sec, sched_expr, tz,
status, n_pings, last_ping_at, last_start_at, last_duration_ms,
next_expected_at, alert_after, version, created_at, updated_at`

const (
	qCheckInsert = `
INSERT INTO checks
  (code, slug, project_id, name, tags, kind, period_sec, grace_sec, sched_expr, tz, status)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
RETURNING ` + checkColumns + `;`

	qCheckByID   = `SELECT ` + checkColumns + ` FROM checks WHERE id = $1;`
	qCheckByCode = `SELECT ` + checkColumns + ` FROM checks WHERE code = $1;`
	qCheckBySlug = `SELECT ` + checkColumns + ` FROM checks WHERE slug = $1;`

	qCheckList = `
SELECT ` + checkColumns + `
FROM checks
WHERE project_id = $1 AND ($2 = '' OR $2 = ANY(string_to_array(tags, ' ')))
ORDER BY id;`

	qCheckDelete = `DELETE FROM checks WHERE id = $1;`

	qCheckUpdateConfig = `
UPDATE checks
SET slug = $2, name = $3, tags = $4, kind = $5, period_sec = $6,
    grace_sec = $7, sched_expr = $8, tz = $9,
    next_expected_at = $10, alert_after = $11, updated_at = now()
WHERE id = $1;`

	// The version guard is the whole concurrency story: a ping and a
	// sweep racing on the same check both read a snapshot, and only
	// the first write lands; the loser sees ErrConflict and retries
	// against fresh state.
	qCheckUpdateState = `
UPDATE checks
SET status = $3, n_pings = $4, last_ping_at = $5, last_start_at = $6,
    last_duration_ms = $7, next_expected_at = $8, alert_after = $9,
    version = version + 1, updated_at = now()
WHERE id = $1 AND version = $2;`

	// Due scan: ordered by the earlier deadline so the sweeper drains
	// the most overdue checks first, backed by the partial indexes on
	// next_expected_at / alert_after. A LIMIT bounds each cycle; new
	// checks join only when the first-ping timeout policy is on.
	qCheckFetchDue = `
SELECT ` + checkColumns + `
FROM checks
WHERE (status IN ('up', 'grace')
        AND (next_expected_at <= $1 OR alert_after <= $1))
   OR (status = 'new' AND $3::bigint > 0
        AND created_at <= $1 - make_interval(secs => $3))
ORDER BY LEAST(next_expected_at, alert_after) NULLS LAST
LIMIT $2;`
)

func (r *CheckRepo) Create(ctx context.Context, c *check.Check) error {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	row := r.db.execQueryer(ctx).QueryRow(ctx, qCheckInsert,
		c.Code, c.Slug, c.ProjectID, c.Name, c.Tags,
		string(c.Schedule.Kind), int64(c.Schedule.Period/time.Second),
		int64(c.Schedule.Grace/time.Second), c.Schedule.Expr, c.Schedule.TZ,
		string(c.Status),
	)
	return scanCheck(row, c)
}

func (r *CheckRepo) GetByID(ctx context.Context, id int64) (*check.Check, error) {
	return r.getOne(ctx, qCheckByID, id)
}

func (r *CheckRepo) GetByCode(ctx context.Context, code uuid.UUID) (*check.Check, error) {
	return r.getOne(ctx, qCheckByCode, code)
}

func (r *CheckRepo) GetBySlug(ctx context.Context, slug string) (*check.Check, error) {
	return r.getOne(ctx, qCheckBySlug, slug)
}

func (r *CheckRepo) getOne(ctx context.Context, q string, arg any) (*check.Check, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	var c check.Check
	if err := scanCheck(r.db.execQueryer(ctx).QueryRow(ctx, q, arg), &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *CheckRepo) List(ctx context.Context, projectID int64, tag string) ([]*check.Check, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	rows, err := r.db.execQueryer(ctx).Query(ctx, qCheckList, projectID, tag)
	if err != nil {
		return nil, fmt.Errorf("list checks: %w", err)
	}
	defer rows.Close()
	return collectChecks(rows)
}

func (r *CheckRepo) Delete(ctx context.Context, id int64) error {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	tag, err := r.db.execQueryer(ctx).Exec(ctx, qCheckDelete, id)
	if err != nil {
		return fmt.Errorf("delete check: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *CheckRepo) UpdateConfig(ctx context.Context, c *check.Check) error {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	tag, err := r.db.execQueryer(ctx).Exec(ctx, qCheckUpdateConfig,
		c.ID, c.Slug, c.Name, c.Tags,
		string(c.Schedule.Kind), int64(c.Schedule.Period/time.Second),
		int64(c.Schedule.Grace/time.Second), c.Schedule.Expr, c.Schedule.TZ,
		c.NextExpectedAt, c.AlertAfter,
	)
	if err != nil {
		return fmt.Errorf("update check config: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *CheckRepo) UpdateState(ctx context.Context, c *check.Check) error {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	var durMS *int64
	if c.LastDuration != nil {
		ms := c.LastDuration.Milliseconds()
		durMS = &ms
	}

	tag, err := r.db.execQueryer(ctx).Exec(ctx, qCheckUpdateState,
		c.ID, c.Version, string(c.Status), c.NPings,
		c.LastPingAt, c.LastStartAt, durMS,
		c.NextExpectedAt, c.AlertAfter,
	)
	if err != nil {
		return fmt.Errorf("update check state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	c.Version++
	return nil
}

func (r *CheckRepo) FetchDue(ctx context.Context, now time.Time, limit int, firstPingTimeout time.Duration) ([]*check.Check, error) {
	if limit <= 0 {
		limit = 100
	}
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	rows, err := r.db.execQueryer(ctx).Query(ctx, qCheckFetchDue,
		now, limit, int64(firstPingTimeout/time.Second))
	if err != nil {
		return nil, fmt.Errorf("fetch due: %w", err)
	}
	defer rows.Close()
	return collectChecks(rows)
}

func collectChecks(rows pgx.Rows) ([]*check.Check, error) {
	var out []*check.Check
	for rows.Next() {
		var c check.Check
		if err := scanCheck(rows, &c); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return out, nil
}

func scanCheck(row pgx.Row, c *check.Check) error {
	var (
		kind      string
		periodSec int64
		graceSec  int64
		status    string
		durMS     *int64
	)
	if err := row.Scan(
		&c.ID, &c.Code, &c.Slug, &c.ProjectID, &c.Name, &c.Tags,
		&kind, &periodSec, &graceSec, &c.Schedule.Expr, &c.Schedule.TZ,
		&status, &c.NPings, &c.LastPingAt, &c.LastStartAt, &durMS,
		&c.NextExpectedAt, &c.AlertAfter, &c.Version, &c.CreatedAt, &c.UpdatedAt,
	); err != nil {
		return mapScanErr(err, "scan check")
	}
	c.Schedule.Kind = schedule.Kind(kind)
	c.Schedule.Period = time.Duration(periodSec) * time.Second
	c.Schedule.Grace = time.Duration(graceSec) * time.Second
	c.Status = check.Status(status)
	if durMS != nil {
		d := time.Duration(*durMS) * time.Millisecond
		c.LastDuration = &d
	}
	return nil
}

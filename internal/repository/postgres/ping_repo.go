package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/calmops/beatwatch/internal/domain/ping"
)

var _ ping.Repo = (*PingRepo)(nil)

type PingRepo struct {
	db *DB
}

func NewPingRepo(db *DB) *PingRepo { return &PingRepo{db: db} }

const (
	qPingInsert = `
INSERT INTO pings (check_id, n, kind, at, remote_addr, scheme, method, user_agent, body)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
RETURNING id;`

	qPingList = `
SELECT id, check_id, n, kind, at, remote_addr, scheme, method, user_agent, body
FROM pings
WHERE check_id = $1
ORDER BY id DESC
LIMIT $2;`

	qPingPrune = `DELETE FROM pings WHERE check_id = $1 AND at < $2;`
)

func (r *PingRepo) Insert(ctx context.Context, p *ping.Ping) error {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	row := r.db.execQueryer(ctx).QueryRow(ctx, qPingInsert,
		p.CheckID, p.N, string(p.Kind), p.At,
		p.RemoteAddr, p.Scheme, p.Method, p.UserAgent, p.Body,
	)
	if err := row.Scan(&p.ID); err != nil {
		return fmt.Errorf("insert ping: %w", err)
	}
	return nil
}

func (r *PingRepo) ListByCheck(ctx context.Context, checkID int64, limit int) ([]ping.Ping, error) {
	if limit <= 0 {
		limit = 100
	}
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	rows, err := r.db.execQueryer(ctx).Query(ctx, qPingList, checkID, limit)
	if err != nil {
		return nil, fmt.Errorf("list pings: %w", err)
	}
	defer rows.Close()

	var out []ping.Ping
	for rows.Next() {
		var p ping.Ping
		var kind string
		if err := rows.Scan(&p.ID, &p.CheckID, &p.N, &kind, &p.At,
			&p.RemoteAddr, &p.Scheme, &p.Method, &p.UserAgent, &p.Body); err != nil {
			return nil, fmt.Errorf("scan ping: %w", err)
		}
		p.Kind = ping.Kind(kind)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return out, nil
}

func (r *PingRepo) Prune(ctx context.Context, checkID int64, olderThan time.Time) (int64, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	tag, err := r.db.execQueryer(ctx).Exec(ctx, qPingPrune, checkID, olderThan)
	if err != nil {
		return 0, fmt.Errorf("prune pings: %w", err)
	}
	return tag.RowsAffected(), nil
}

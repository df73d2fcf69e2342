// Package ping holds the append-only heartbeat event log.
package ping

import (
	"context"
	"time"
)

type Kind string

const (
	KindSuccess Kind = "success"
	KindFail    Kind = "fail"
	KindStart   Kind = "start"
)

// Ping is one received heartbeat. Records are immutable: duplicates and
// out-of-order deliveries each get their own row, deduplication is a
// read-side concern.
type Ping struct {
	ID      int64
	CheckID int64
	N       int64
	Kind    Kind
	At      time.Time

	// Request metadata, kept for the audit log only and never parsed
	// for scheduling.
	RemoteAddr string
	Scheme     string
	Method     string
	UserAgent  string
	Body       []byte
}

type Repo interface {
	Insert(ctx context.Context, p *Ping) error
	ListByCheck(ctx context.Context, checkID int64, limit int) ([]Ping, error)

	// Prune deletes ping history older than the cutoff; retention
	// policy itself is the caller's concern.
	Prune(ctx context.Context, checkID int64, olderThan time.Time) (int64, error)
}

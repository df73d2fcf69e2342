package postgres

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/calmops/beatwatch/internal/domain/check"
)

// Repository errors surface as the domain sentinels so callers never
// need to import this package to classify failures.
var (
	ErrNotFound = check.ErrNotFound
	ErrConflict = check.ErrConflict
)

func mapScanErr(err error, op string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return fmt.Errorf("%s: %w", op, err)
}

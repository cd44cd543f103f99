package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/amelin/walletgate/internal/apperrors"
	"github.com/amelin/walletgate/internal/models"
	"github.com/amelin/walletgate/internal/repository"
)

type LedgerRepo struct {
	db DBTX
}

const entryColumns = `id, user_id, kind, amount, status, provider_ref, attempts, remark, created_at, updated_at`

const createEntry = `-- name: CreateEntry
INSERT INTO ledger_entries (id, user_id, kind, amount, status, remark, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
RETURNING ` + entryColumns

func (r *LedgerRepo) CreateEntry(ctx context.Context, params repository.CreateEntryParams) (models.LedgerEntry, error) {
	now := time.Now()

	rows, _ := r.db.Query(ctx, createEntry,
		uuid.New(), params.UserID, params.Kind, params.Amount, models.EntryStatusPending, params.Remark, now)
	entry, err := pgx.CollectOneRow(rows, rowToEntry)

	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case pgerrcode.ForeignKeyViolation:
				return entry, apperrors.ErrUserNotFound
			case pgerrcode.CheckViolation:
				return entry, apperrors.ErrAmountNotPositive
			}
		}

		return entry, fmt.Errorf("db error: %w", err)
	}

	return entry, nil
}

const getEntry = `-- name: GetEntry
SELECT ` + entryColumns + ` FROM ledger_entries
WHERE id = $1
`

func (r *LedgerRepo) GetEntry(ctx context.Context, entryID uuid.UUID) (models.LedgerEntry, error) {
	rows, _ := r.db.Query(ctx, getEntry, entryID)
	entry, err := pgx.CollectOneRow(rows, rowToEntry)

	switch {
	case err == nil:
		return entry, nil
	case errors.Is(err, pgx.ErrNoRows):
		return entry, apperrors.ErrEntryNotFound
	default:
		return entry, fmt.Errorf("db error: %w", err)
	}
}

// Oldest entries first, so no entry starves behind newer ones
const listEntries = `-- name: ListEntries
SELECT ` + entryColumns + ` FROM ledger_entries
WHERE status = ANY($1)
ORDER BY created_at ASC
LIMIT $2
`

func (r *LedgerRepo) ListEntries(ctx context.Context, opts repository.ListEntriesOpts) ([]models.LedgerEntry, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 1000
	}

	rows, _ := r.db.Query(ctx, listEntries, opts.Statuses, limit)
	entries, err := pgx.CollectRows(rows, rowToEntry)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}

	return entries, nil
}

const listUserEntries = `-- name: ListUserEntries
SELECT ` + entryColumns + ` FROM ledger_entries
WHERE user_id = $1
ORDER BY created_at DESC
`

func (r *LedgerRepo) ListUserEntries(ctx context.Context, userID uuid.UUID) ([]models.LedgerEntry, error) {
	rows, _ := r.db.Query(ctx, listUserEntries, userID)
	entries, err := pgx.CollectRows(rows, rowToEntry)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}

	return entries, nil
}

// Transition is the CAS primitive every status change goes through.
// The WHERE clause matches the expected prior status, so of two concurrent
// sweeps only one updates the row; the loser gets ErrTransitionConflict
const transitionEntry = `-- name: Transition
UPDATE ledger_entries
SET status = $3, updated_at = now()
WHERE id = $1 AND status = $2
RETURNING ` + entryColumns

func (r *LedgerRepo) Transition(ctx context.Context, entryID uuid.UUID, from string, to string) (models.LedgerEntry, error) {
	rows, _ := r.db.Query(ctx, transitionEntry, entryID, from, to)
	entry, err := pgx.CollectOneRow(rows, rowToEntry)

	switch {
	case err == nil:
		return entry, nil
	case errors.Is(err, pgx.ErrNoRows):
		return r.resolveConflict(ctx, entryID)
	default:
		return entry, fmt.Errorf("db error: %w", err)
	}
}

const markSubmitted = `-- name: MarkSubmitted
UPDATE ledger_entries
SET status = $3, provider_ref = $2, updated_at = now()
WHERE id = $1 AND status = $4 AND provider_ref IS NULL
RETURNING ` + entryColumns

func (r *LedgerRepo) MarkSubmitted(ctx context.Context, entryID uuid.UUID, providerRef string) (models.LedgerEntry, error) {
	rows, _ := r.db.Query(ctx, markSubmitted, entryID, providerRef, models.EntryStatusSubmitted, models.EntryStatusPending)
	entry, err := pgx.CollectOneRow(rows, rowToEntry)

	switch {
	case err == nil:
		return entry, nil
	case errors.Is(err, pgx.ErrNoRows):
		return r.resolveConflict(ctx, entryID)
	default:
		return entry, fmt.Errorf("db error: %w", err)
	}
}

const incrementAttempts = `-- name: IncrementAttempts
UPDATE ledger_entries
SET attempts = attempts + 1, updated_at = now()
WHERE id = $1
RETURNING attempts
`

func (r *LedgerRepo) IncrementAttempts(ctx context.Context, entryID uuid.UUID) (int, error) {
	var attempts int
	err := r.db.QueryRow(ctx, incrementAttempts, entryID).Scan(&attempts)

	switch {
	case err == nil:
		return attempts, nil
	case errors.Is(err, pgx.ErrNoRows):
		return 0, apperrors.ErrEntryNotFound
	default:
		return 0, fmt.Errorf("db error: %w", err)
	}
}

// A CAS update that matched no row means either the entry is gone or another
// writer advanced it first. Tell the two apart for the caller
func (r *LedgerRepo) resolveConflict(ctx context.Context, entryID uuid.UUID) (models.LedgerEntry, error) {
	entry, err := r.GetEntry(ctx, entryID)
	if err != nil {
		return entry, err
	}

	return entry, apperrors.ErrTransitionConflict
}

func rowToEntry(row pgx.CollectableRow) (models.LedgerEntry, error) {
	var e models.LedgerEntry
	err := row.Scan(&e.ID, &e.UserID, &e.Kind, &e.Amount, &e.Status, &e.ProviderRef, &e.Attempts, &e.Remark, &e.CreatedAt, &e.UpdatedAt)
	return e, err
}

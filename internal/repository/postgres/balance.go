package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/amelin/walletgate/internal/apperrors"
	"github.com/amelin/walletgate/internal/models"
)

type BalanceRepo struct {
	db DBTX
}

func (r *BalanceRepo) CreateBalance(ctx context.Context, userID uuid.UUID) error {
	const createBalance = `
	INSERT INTO balances (user_id, current)
	VALUES ($1, 0)
	RETURNING id
	`

	_, err := r.db.Exec(ctx, createBalance, userID)

	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return fmt.Errorf("user balance already exists: %w", err)
		}

		return fmt.Errorf("db error: %w", err)
	}

	return nil
}

func (r *BalanceRepo) GetBalance(ctx context.Context, userID uuid.UUID) (models.Balance, error) {
	const getBalanceByUserID = `
	SELECT id, user_id, current FROM balances
	WHERE user_id = $1
	`

	rows, _ := r.db.Query(ctx, getBalanceByUserID, userID)
	balance, err := pgx.CollectOneRow(rows, rowToBalance)

	switch {
	case err == nil:
		return balance, nil
	case errors.Is(err, pgx.ErrNoRows):
		return balance, apperrors.ErrUserNotFound
	default:
		return balance, fmt.Errorf("db error: %w", err)
	}
}

// ApplyDelta updates the balance in a single statement, so concurrent
// settlements never read-modify-write a stale value
func (r *BalanceRepo) ApplyDelta(ctx context.Context, userID uuid.UUID, delta decimal.Decimal) (models.Balance, error) {
	const applyDelta = `
	UPDATE balances
	SET current = current + $2
	WHERE user_id = $1
	RETURNING id, user_id, current
	`

	rows, _ := r.db.Query(ctx, applyDelta, userID, delta)
	balance, err := pgx.CollectOneRow(rows, rowToBalance)

	switch {
	case err == nil:
		return balance, nil
	case errors.Is(err, pgx.ErrNoRows):
		return balance, apperrors.ErrUserNotFound
	default:
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.CheckViolation {
			return balance, apperrors.ErrBalanceInsufficient
		}

		return balance, fmt.Errorf("db error: %w", err)
	}
}

func rowToBalance(row pgx.CollectableRow) (models.Balance, error) {
	var b models.Balance
	err := row.Scan(&b.ID, &b.UserID, &b.Current)
	return b, err
}

package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/amelin/walletgate/internal/apperrors"
	"github.com/amelin/walletgate/internal/models"
)

type UserRepo struct {
	db DBTX
}

const createUser = `-- name: CreateUser
INSERT INTO users (id, username, name, email)
VALUES ($1, $2, $3, $4)
RETURNING id, created_at, username, name, email
`

func (r *UserRepo) CreateUser(ctx context.Context, username string, name string, email string) (models.User, error) {
	rows, _ := r.db.Query(ctx, createUser, uuid.New(), username, name, email)
	user, err := pgx.CollectOneRow(rows, rowToUser)

	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return user, apperrors.ErrUserAlreadyExists
		}

		return user, fmt.Errorf("db error: %w", err)
	}

	return user, nil
}

const getUserByID = `-- name: getUserByID
SELECT id, created_at, username, name, email FROM users
WHERE id = $1
`

func (r *UserRepo) GetUserByID(ctx context.Context, userID uuid.UUID) (models.User, error) {
	rows, _ := r.db.Query(ctx, getUserByID, userID)
	user, err := pgx.CollectOneRow(rows, rowToUser)

	switch {
	case err == nil:
		return user, nil
	case errors.Is(err, pgx.ErrNoRows):
		return user, apperrors.ErrUserNotFound
	default:
		return user, fmt.Errorf("db error: %w", err)
	}
}

func rowToUser(row pgx.CollectableRow) (models.User, error) {
	var u models.User
	err := row.Scan(&u.ID, &u.CreatedAt, &u.Username, &u.Name, &u.Email)
	return u, err
}

package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/amelin/walletgate/internal/models"
)

// User repository interface
type UserRepo interface {
	// Create user
	// If user with username exists already has to return apperrors.ErrUserAlreadyExists
	CreateUser(ctx context.Context, username string, name string, email string) (models.User, error)

	// Get user by id
	// If user not found must return apperrors.ErrUserNotFound
	GetUserByID(ctx context.Context, userID uuid.UUID) (models.User, error)
}

// Balance repository interface
// Handlers never call ApplyDelta directly: balance mutations flow through
// settled ledger entries only (see service/ledger)
type BalanceRepo interface {
	// Create zero balance for user
	CreateBalance(ctx context.Context, userID uuid.UUID) error

	// Get current balance
	// If user balance not found must return apperrors.ErrUserNotFound
	GetBalance(ctx context.Context, userID uuid.UUID) (models.Balance, error)

	// Apply signed delta to the user balance atomically
	// A debit that would drive the balance negative must return apperrors.ErrBalanceInsufficient
	ApplyDelta(ctx context.Context, userID uuid.UUID, delta decimal.Decimal) (models.Balance, error)
}

type CreateEntryParams struct {
	UserID uuid.UUID
	Kind   string
	Amount decimal.Decimal
	Remark string
}

type ListEntriesOpts struct {
	Statuses []string
	Limit    int
}

// Ledger repository interface
// Entries are append-only: no method deletes or rewrites one, statuses only advance
type LedgerRepo interface {
	// Create entry in PENDING status
	CreateEntry(ctx context.Context, params CreateEntryParams) (models.LedgerEntry, error)

	// Get entry by id
	// If entry not found must return apperrors.ErrEntryNotFound
	GetEntry(ctx context.Context, entryID uuid.UUID) (models.LedgerEntry, error)

	// List entries matching opts ordered by created_at ascending (oldest first)
	ListEntries(ctx context.Context, opts ListEntriesOpts) ([]models.LedgerEntry, error)

	// List entries that belong to the user, newest first
	ListUserEntries(ctx context.Context, userID uuid.UUID) ([]models.LedgerEntry, error)

	// Compare-and-swap the entry status: succeeds only if the current status
	// equals from. A lost race returns apperrors.ErrTransitionConflict and
	// must not modify the entry
	Transition(ctx context.Context, entryID uuid.UUID, from string, to string) (models.LedgerEntry, error)

	// CAS PENDING -> SUBMITTED that also stores the provider reference.
	// The reference is assigned once and never overwritten
	MarkSubmitted(ctx context.Context, entryID uuid.UUID, providerRef string) (models.LedgerEntry, error)

	// Bump the submit attempt counter, returns the new count
	IncrementAttempts(ctx context.Context, entryID uuid.UUID) (int, error)
}

// Storage aggregates repositories sharing one database handle
type Storage interface {
	User() UserRepo
	Balance() BalanceRepo
	Ledger() LedgerRepo

	// Run fn within a database transaction
	InTx(ctx context.Context, fn func(Storage) error) error
}

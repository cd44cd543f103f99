package handlers

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/amelin/walletgate/internal/handlers/middleware"
	"github.com/amelin/walletgate/internal/logger"
	"github.com/amelin/walletgate/internal/models"
)

// chain applies middlewares in the given order: m1(m2(...(h)))
func chain(h http.Handler, mds ...func(next http.Handler) http.Handler) http.Handler {
	for i := len(mds) - 1; i >= 0; i-- {
		h = mds[i](h)
	}
	return h
}

func NewRouter(
	ledgerService ledgerService,
	userService userService,
	logger logger.Logger,
	mds ...func(next http.Handler) http.Handler,
) http.Handler {
	api := http.NewServeMux()

	api.Handle("POST /transactions", handleCreateTransaction(ledgerService, logger))
	api.Handle("GET /transactions/{id}", handleGetTransaction(ledgerService, logger))

	api.Handle("POST /users", handleCreateUser(userService, logger))
	api.Handle("GET /users/{id}", handleGetUser(userService, logger))
	api.Handle("GET /users/{id}/balance", handleUserBalance(userService, logger))
	api.Handle("GET /users/{id}/transactions", handleListUserTransactions(ledgerService, logger))

	root := http.NewServeMux()
	root.Handle("/api/", http.StripPrefix("/api", api))

	handler := chain(root,
		append([]func(next http.Handler) http.Handler{middleware.LoggerMiddleware(logger)}, mds...)...,
	)

	return handler
}

type ledgerService interface {
	// Record a credit/debit request as a pending ledger entry
	// Has to return apperrors.ErrUserNotFound for unknown users,
	// apperrors.ErrAmountNotPositive and apperrors.ErrKindUnknown for bad input
	CreateTransaction(ctx context.Context, userID uuid.UUID, kind string, amount decimal.Decimal, remark string) (models.LedgerEntry, error)

	// Has to return apperrors.ErrEntryNotFound if entry not found
	GetTransaction(ctx context.Context, entryID uuid.UUID) (models.LedgerEntry, error)

	ListUserTransactions(ctx context.Context, userID uuid.UUID) ([]models.LedgerEntry, error)
}

type userService interface {
	// Has to return apperrors.ErrUserAlreadyExists if username is taken
	CreateUser(ctx context.Context, username string, name string, email string) (models.User, error)

	// Has to return apperrors.ErrUserNotFound if user not found
	GetUser(ctx context.Context, userID uuid.UUID) (models.User, error)
	GetBalance(ctx context.Context, userID uuid.UUID) (models.Balance, error)
}

package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/amelin/walletgate/internal/apperrors"
	"github.com/amelin/walletgate/internal/handlers/render"
	"github.com/amelin/walletgate/internal/logger"
	"github.com/amelin/walletgate/internal/models"
)

type transactionResponse struct {
	ID          uuid.UUID `json:"id"`
	UserID      uuid.UUID `json:"user_id"`
	Kind        string    `json:"kind"`
	Amount      float64   `json:"amount"`
	Status      string    `json:"status"`
	ProviderRef *string   `json:"provider_ref,omitempty"`
	Remark      string    `json:"remark,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func entryToResponse(entry models.LedgerEntry) transactionResponse {
	amount, _ := entry.Amount.Float64()
	return transactionResponse{
		ID:          entry.ID,
		UserID:      entry.UserID,
		Kind:        entry.Kind,
		Amount:      amount,
		Status:      entry.Status,
		ProviderRef: entry.ProviderRef,
		Remark:      entry.Remark,
		CreatedAt:   entry.CreatedAt,
		UpdatedAt:   entry.UpdatedAt,
	}
}

func handleCreateTransaction(ledgerService ledgerService, l logger.Logger) http.Handler {
	type request struct {
		UserID uuid.UUID       `json:"user_id" validate:"required"`
		Kind   string          `json:"kind" validate:"required,oneof=credit debit"`
		Amount decimal.Decimal `json:"amount" validate:"required"`
		Remark string          `json:"remark"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req, err := render.BindAndValidate[request](w, r)
		if err != nil {
			return
		}

		entry, err := ledgerService.CreateTransaction(r.Context(), req.UserID, req.Kind, req.Amount, req.Remark)

		switch {
		case err == nil:
			// The caller gets the pending entry back, settlement happens asynchronously
			render.JSONWithStatus(w, entryToResponse(entry), http.StatusAccepted)
		case errors.Is(err, apperrors.ErrUserNotFound):
			render.ServiceError(w, "User not found", http.StatusNotFound)
		case errors.Is(err, apperrors.ErrAmountNotPositive):
			render.ServiceError(w, "Amount must be positive", http.StatusUnprocessableEntity)
		case errors.Is(err, apperrors.ErrKindUnknown):
			render.ServiceError(w, "Unknown transaction kind", http.StatusUnprocessableEntity)
		default:
			l.Error("Failed to create transaction", "error", err)
			render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
		}
	})
}

func handleGetTransaction(ledgerService ledgerService, l logger.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		entryID, err := uuid.Parse(r.PathValue("id"))
		if err != nil {
			render.ServiceError(w, "Invalid transaction id", http.StatusBadRequest)
			return
		}

		entry, err := ledgerService.GetTransaction(r.Context(), entryID)

		switch {
		case err == nil:
			render.JSON(w, entryToResponse(entry))
		case errors.Is(err, apperrors.ErrEntryNotFound):
			render.ServiceError(w, "Transaction not found", http.StatusNotFound)
		default:
			l.Error("Failed to get transaction", "error", err, "entry_id", entryID)
			render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
		}
	})
}

func handleListUserTransactions(ledgerService ledgerService, l logger.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := uuid.Parse(r.PathValue("id"))
		if err != nil {
			render.ServiceError(w, "Invalid user id", http.StatusBadRequest)
			return
		}

		entries, err := ledgerService.ListUserTransactions(r.Context(), userID)

		switch {
		case err == nil:
			responses := make([]transactionResponse, 0, len(entries))
			for _, entry := range entries {
				responses = append(responses, entryToResponse(entry))
			}
			render.JSON(w, responses)
		case errors.Is(err, apperrors.ErrUserNotFound):
			render.ServiceError(w, "User not found", http.StatusNotFound)
		default:
			l.Error("Failed to list transactions", "error", err, "user_id", userID)
			render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
		}
	})
}

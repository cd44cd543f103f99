package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/amelin/walletgate/internal/apperrors"
	"github.com/amelin/walletgate/internal/handlers/render"
	"github.com/amelin/walletgate/internal/logger"
)

func handleCreateUser(userService userService, l logger.Logger) http.Handler {
	type request struct {
		Username string `json:"username" validate:"required,min=3"`
		Name     string `json:"name"`
		Email    string `json:"email" validate:"omitempty,email"`
	}

	type response struct {
		ID        uuid.UUID `json:"id"`
		Username  string    `json:"username"`
		Name      string    `json:"name,omitempty"`
		Email     string    `json:"email,omitempty"`
		CreatedAt time.Time `json:"created_at"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req, err := render.BindAndValidate[request](w, r)
		if err != nil {
			return
		}

		user, err := userService.CreateUser(r.Context(), req.Username, req.Name, req.Email)

		switch {
		case err == nil:
			render.JSONWithStatus(w, response{
				ID:        user.ID,
				Username:  user.Username,
				Name:      user.Name,
				Email:     user.Email,
				CreatedAt: user.CreatedAt,
			}, http.StatusCreated)
		case errors.Is(err, apperrors.ErrUserAlreadyExists):
			render.ServiceError(w, "Username already taken", http.StatusConflict)
		default:
			l.Error("Failed to create user", "error", err)
			render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
		}
	})
}

func handleGetUser(userService userService, l logger.Logger) http.Handler {
	type response struct {
		ID       uuid.UUID `json:"id"`
		Username string    `json:"username"`
		Name     string    `json:"name,omitempty"`
		Email    string    `json:"email,omitempty"`
		Balance  float64   `json:"balance"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := uuid.Parse(r.PathValue("id"))
		if err != nil {
			render.ServiceError(w, "Invalid user id", http.StatusBadRequest)
			return
		}

		user, err := userService.GetUser(r.Context(), userID)
		if err == nil {
			b, err := userService.GetBalance(r.Context(), userID)
			if err != nil {
				l.Error("Failed to get balance", "error", err, "user_id", userID)
				render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
				return
			}
			balance, _ := b.Current.Float64()

			render.JSON(w, response{
				ID:       user.ID,
				Username: user.Username,
				Name:     user.Name,
				Email:    user.Email,
				Balance:  balance,
			})
			return
		}

		switch {
		case errors.Is(err, apperrors.ErrUserNotFound):
			render.ServiceError(w, "User not found", http.StatusNotFound)
		default:
			l.Error("Failed to get user", "error", err, "user_id", userID)
			render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
		}
	})
}

func handleUserBalance(userService userService, l logger.Logger) http.Handler {
	type response struct {
		Current float64 `json:"current"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := uuid.Parse(r.PathValue("id"))
		if err != nil {
			render.ServiceError(w, "Invalid user id", http.StatusBadRequest)
			return
		}

		balance, err := userService.GetBalance(r.Context(), userID)

		switch {
		case err == nil:
			current, _ := balance.Current.Float64()
			render.JSON(w, response{Current: current})
		case errors.Is(err, apperrors.ErrUserNotFound):
			render.ServiceError(w, "User not found", http.StatusNotFound)
		default:
			l.Error("Failed to get balance", "error", err, "user_id", userID)
			render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
		}
	})
}

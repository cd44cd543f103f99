package user

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/amelin/walletgate/internal/models"
	"github.com/amelin/walletgate/internal/repository"
)

type UserService struct {
	storage repository.Storage
}

func NewService(storage repository.Storage) *UserService {
	return &UserService{
		storage: storage,
	}
}

// CreateUser provisions the account row together with its zero balance,
// so every known user has a balance to settle against
func (s *UserService) CreateUser(ctx context.Context, username string, name string, email string) (models.User, error) {
	var user models.User

	err := s.storage.InTx(ctx, func(storage repository.Storage) error {
		var err error
		user, err = storage.User().CreateUser(ctx, username, name, email)
		if err != nil {
			return err
		}

		return storage.Balance().CreateBalance(ctx, user.ID)
	})
	if err != nil {
		return user, fmt.Errorf("can't create user. Err: %w", err)
	}

	return user, nil
}

func (s *UserService) GetUser(ctx context.Context, userID uuid.UUID) (models.User, error) {
	return s.storage.User().GetUserByID(ctx, userID)
}

func (s *UserService) GetBalance(ctx context.Context, userID uuid.UUID) (models.Balance, error) {
	return s.storage.Balance().GetBalance(ctx, userID)
}

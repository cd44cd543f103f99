package apperrors

import (
	"errors"
)

var (
	ErrUserAlreadyExists = errors.New("user already exists")
	ErrUserNotFound      = errors.New("user not found")

	ErrEntryNotFound     = errors.New("ledger entry not found")
	ErrAmountNotPositive = errors.New("amount must be positive")
	ErrKindUnknown       = errors.New("unknown transaction kind")

	// A CAS status transition lost the race to a concurrent sweep.
	// The winner's transition is trusted, so callers treat this as a no-op.
	ErrTransitionConflict = errors.New("entry status changed concurrently")

	ErrBalanceInsufficient = errors.New("insufficient balance")
)

package models

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Balance struct {
	ID      uuid.UUID
	UserID  uuid.UUID
	Current decimal.Decimal
}

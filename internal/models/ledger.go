package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Entry statuses, monotonically advancing:
// pending -> submitted -> settled | failed
const (
	EntryStatusPending   = "PENDING"
	EntryStatusSubmitted = "SUBMITTED"
	EntryStatusSettled   = "SETTLED"
	EntryStatusFailed    = "FAILED"
)

// Entry kinds
// Credit recharges the user balance, debit redeems from it
const (
	EntryKindCredit = "credit"
	EntryKindDebit  = "debit"
)

type LedgerEntry struct {
	ID          uuid.UUID
	UserID      uuid.UUID
	Kind        string
	Amount      decimal.Decimal
	Status      string
	ProviderRef *string
	Attempts    int
	Remark      string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// IsTerminal reports whether the entry reached a final status
func (e LedgerEntry) IsTerminal() bool {
	return e.Status == EntryStatusSettled || e.Status == EntryStatusFailed
}

// BalanceDelta is the signed amount to apply to the user balance at settlement
func (e LedgerEntry) BalanceDelta() decimal.Decimal {
	if e.Kind == EntryKindDebit {
		return e.Amount.Neg()
	}
	return e.Amount
}

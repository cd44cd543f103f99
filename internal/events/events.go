package events

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const TopicSettlements = "ledger.settlements"

// Settlement is published once per ledger entry reaching a terminal status
type Settlement struct {
	EntryID    uuid.UUID       `json:"entry_id"`
	UserID     uuid.UUID       `json:"user_id"`
	Kind       string          `json:"kind"`
	Amount     decimal.Decimal `json:"amount"`
	Status     string          `json:"status"`
	OccurredAt time.Time       `json:"occurred_at"`
}

type Publisher interface {
	Publish(ctx context.Context, topic string, event any) error
}

// NopPublisher is used when no broker is configured
type NopPublisher struct{}

func (NopPublisher) Publish(ctx context.Context, topic string, event any) error {
	return nil
}

package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/amelin/walletgate/internal/apperrors"
	"github.com/amelin/walletgate/internal/events"
	"github.com/amelin/walletgate/internal/logger"
	"github.com/amelin/walletgate/internal/models"
	"github.com/amelin/walletgate/internal/repository"
)

// LedgerService is the only writer of ledger statuses and balances.
// Request handlers go through CreateTransaction/GetTransaction, the
// reconciler goes through MarkSubmitted/RecordSubmitAttempt/Settle/Fail
type LedgerService struct {
	storage   repository.Storage
	publisher events.Publisher
	logger    logger.Logger
}

func NewService(storage repository.Storage, publisher events.Publisher, logger logger.Logger) *LedgerService {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}

	return &LedgerService{
		storage:   storage,
		publisher: publisher,
		logger:    logger,
	}
}

// CreateTransaction records a credit or debit request as a pending ledger entry.
// The caller gets the entry back immediately, settlement happens asynchronously
func (s *LedgerService) CreateTransaction(ctx context.Context, userID uuid.UUID, kind string, amount decimal.Decimal, remark string) (models.LedgerEntry, error) {
	var entry models.LedgerEntry

	if kind != models.EntryKindCredit && kind != models.EntryKindDebit {
		return entry, apperrors.ErrKindUnknown
	}
	if !amount.IsPositive() {
		return entry, apperrors.ErrAmountNotPositive
	}

	entry, err := s.storage.Ledger().CreateEntry(ctx, repository.CreateEntryParams{
		UserID: userID,
		Kind:   kind,
		Amount: amount,
		Remark: remark,
	})
	if err != nil {
		return entry, err
	}

	s.logger.Info("Transaction created", "entry_id", entry.ID, "user_id", userID, "kind", kind, "amount", amount)
	return entry, nil
}

func (s *LedgerService) GetTransaction(ctx context.Context, entryID uuid.UUID) (models.LedgerEntry, error) {
	return s.storage.Ledger().GetEntry(ctx, entryID)
}

func (s *LedgerService) ListUserTransactions(ctx context.Context, userID uuid.UUID) ([]models.LedgerEntry, error) {
	if _, err := s.storage.User().GetUserByID(ctx, userID); err != nil {
		return nil, err
	}

	return s.storage.Ledger().ListUserEntries(ctx, userID)
}

// ListByStatus feeds the reconciler's sweep
func (s *LedgerService) ListByStatus(ctx context.Context, statuses []string, limit int) ([]models.LedgerEntry, error) {
	return s.storage.Ledger().ListEntries(ctx, repository.ListEntriesOpts{
		Statuses: statuses,
		Limit:    limit,
	})
}

// MarkSubmitted stores the provider reference and advances PENDING -> SUBMITTED
func (s *LedgerService) MarkSubmitted(ctx context.Context, entryID uuid.UUID, providerRef string) (models.LedgerEntry, error) {
	return s.storage.Ledger().MarkSubmitted(ctx, entryID, providerRef)
}

// RecordSubmitAttempt bumps the entry's submit counter and returns the new value
func (s *LedgerService) RecordSubmitAttempt(ctx context.Context, entryID uuid.UUID) (int, error) {
	return s.storage.Ledger().IncrementAttempts(ctx, entryID)
}

// Settle advances SUBMITTED -> SETTLED and applies the balance delta.
// Both run in one database transaction: losing the CAS rolls back with
// apperrors.ErrTransitionConflict and the balance is untouched, so the delta
// is applied exactly once however many sweeps race over the entry
func (s *LedgerService) Settle(ctx context.Context, entryID uuid.UUID) (models.LedgerEntry, error) {
	var entry models.LedgerEntry

	err := s.storage.InTx(ctx, func(storage repository.Storage) error {
		var err error
		entry, err = storage.Ledger().Transition(ctx, entryID, models.EntryStatusSubmitted, models.EntryStatusSettled)
		if err != nil {
			return err
		}

		_, err = storage.Balance().ApplyDelta(ctx, entry.UserID, entry.BalanceDelta())
		if err != nil {
			return fmt.Errorf("failed to apply balance delta: %w", err)
		}

		return nil
	})
	if err != nil {
		return entry, err
	}

	s.logger.Info("Transaction settled", "entry_id", entry.ID, "user_id", entry.UserID, "amount", entry.Amount)
	s.publishSettlement(ctx, entry)

	return entry, nil
}

// Fail advances the entry to FAILED from the expected prior status.
// No balance change ever accompanies a failure
func (s *LedgerService) Fail(ctx context.Context, entryID uuid.UUID, from string) (models.LedgerEntry, error) {
	entry, err := s.storage.Ledger().Transition(ctx, entryID, from, models.EntryStatusFailed)
	if err != nil {
		return entry, err
	}

	s.logger.Info("Transaction failed", "entry_id", entry.ID, "user_id", entry.UserID, "from", from)
	s.publishSettlement(ctx, entry)

	return entry, nil
}

func (s *LedgerService) publishSettlement(ctx context.Context, entry models.LedgerEntry) {
	event := events.Settlement{
		EntryID:    entry.ID,
		UserID:     entry.UserID,
		Kind:       entry.Kind,
		Amount:     entry.Amount,
		Status:     entry.Status,
		OccurredAt: time.Now(),
	}

	// The ledger row is the source of truth, a lost event is only a lost notification
	if err := s.publisher.Publish(ctx, events.TopicSettlements, event); err != nil {
		s.logger.Error("Failed to publish settlement event", "entry_id", entry.ID, "error", err)
	}
}

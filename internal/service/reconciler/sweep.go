package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/amelin/walletgate/internal/apperrors"
	"github.com/amelin/walletgate/internal/models"
	"github.com/amelin/walletgate/internal/service/provider"
)

// Sweep runs one reconciliation pass: all pending entries are submitted to
// the provider, then all submitted ones are polled for their authoritative
// status. Entries are processed independently: one entry erroring never
// aborts the rest, the ids of entries that errored this tick are returned.
// When the sweep budget runs out, remaining entries wait for the next tick
func (r *Reconciler) Sweep(ctx context.Context) ([]uuid.UUID, error) {
	ctx, cancel := context.WithTimeout(ctx, r.sweepBudget)
	defer cancel()

	var mu sync.Mutex
	var errored []uuid.UUID

	process := func(entries []models.LedgerEntry) {
		entryChan := make(chan models.LedgerEntry)

		var wg sync.WaitGroup
		for range r.countWorkers {
			wg.Add(1)
			go func() {
				defer wg.Done()

				for entry := range entryChan {
					if err := r.processEntry(ctx, entry); err != nil {
						r.logger.Error("Failed to process entry", "entry_id", entry.ID, "status", entry.Status, "error", err)

						mu.Lock()
						errored = append(errored, entry.ID)
						mu.Unlock()
					}
				}
			}()
		}

	feed:
		for _, entry := range entries {
			select {
			case <-ctx.Done():
				r.logger.Debug("Sweep budget exceeded, abandoning remaining entries for this tick")
				break feed
			case entryChan <- entry:
			}
		}

		close(entryChan)
		wg.Wait()
	}

	pending, err := r.ledger.ListByStatus(ctx, []string{models.EntryStatusPending}, r.batchSize)
	if err != nil {
		return errored, fmt.Errorf("failed to list pending entries: %w", err)
	}
	process(pending)

	submitted, err := r.ledger.ListByStatus(ctx, []string{models.EntryStatusSubmitted}, r.batchSize)
	if err != nil {
		return errored, fmt.Errorf("failed to list submitted entries: %w", err)
	}
	process(submitted)

	return errored, nil
}

func (r *Reconciler) processEntry(ctx context.Context, entry models.LedgerEntry) error {
	switch entry.Status {
	case models.EntryStatusPending:
		return r.submit(ctx, entry)
	case models.EntryStatusSubmitted:
		return r.poll(ctx, entry)
	default:
		// Terminal entries are never listed, but an overlapping sweep may
		// have finished one under us
		return nil
	}
}

func (r *Reconciler) submit(ctx context.Context, entry models.LedgerEntry) error {
	var ref string
	var err error

	switch entry.Kind {
	case models.EntryKindCredit:
		ref, err = r.client.SubmitCredit(ctx, entry.UserID, entry.ID, entry.Amount)
	case models.EntryKindDebit:
		ref, err = r.client.SubmitDebit(ctx, entry.UserID, entry.ID, entry.Amount)
	default:
		// The kind column is CHECK-constrained, getting here means the row
		// was corrupted outside the application
		return fmt.Errorf("unexpected kind %q for entry %s", entry.Kind, entry.ID)
	}

	var provErr *provider.Error

	switch {
	case err == nil:
		_, err := r.ledger.MarkSubmitted(ctx, entry.ID, ref)
		if errors.Is(err, apperrors.ErrTransitionConflict) {
			r.logger.Debug("Entry already submitted by concurrent sweep", "entry_id", entry.ID)
			return nil
		}
		return err

	case errors.As(err, &provErr) && provErr.Code == provider.CodeRejected:
		r.logger.Info("Provider rejected entry", "entry_id", entry.ID, "message", provErr.Message)
		return r.fail(ctx, entry.ID, models.EntryStatusPending)

	default:
		// Transient failure: the entry stays pending, but only for a
		// bounded number of attempts
		attempts, attErr := r.ledger.RecordSubmitAttempt(ctx, entry.ID)
		if attErr != nil {
			return attErr
		}

		if attempts >= r.maxSubmitAttempts {
			r.logger.Warn("Submit attempts exhausted", "entry_id", entry.ID, "attempts", attempts)
			return r.fail(ctx, entry.ID, models.EntryStatusPending)
		}

		return fmt.Errorf("submit failed, will retry next sweep: %w", err)
	}
}

func (r *Reconciler) poll(ctx context.Context, entry models.LedgerEntry) error {
	if entry.ProviderRef == nil {
		return fmt.Errorf("submitted entry %s has no provider reference", entry.ID)
	}

	status, err := r.client.PollStatus(ctx, *entry.ProviderRef)

	var provErr *provider.Error

	switch {
	case err == nil:
		switch status {
		case provider.StatusPending:
			// Not final yet, poll again next sweep
			return nil
		case provider.StatusSettled:
			_, err := r.ledger.Settle(ctx, entry.ID)
			if errors.Is(err, apperrors.ErrTransitionConflict) {
				r.logger.Debug("Entry already settled by concurrent sweep", "entry_id", entry.ID)
				return nil
			}
			return err
		case provider.StatusFailed:
			return r.fail(ctx, entry.ID, models.EntryStatusSubmitted)
		default:
			return fmt.Errorf("unexpected provider status %q for entry %s", status, entry.ID)
		}

	case errors.As(err, &provErr) && provErr.Code == provider.CodeRejected:
		r.logger.Info("Provider rejected status query", "entry_id", entry.ID, "message", provErr.Message)
		return r.fail(ctx, entry.ID, models.EntryStatusSubmitted)

	default:
		return fmt.Errorf("poll failed, will retry next sweep: %w", err)
	}
}

func (r *Reconciler) fail(ctx context.Context, entryID uuid.UUID, from string) error {
	_, err := r.ledger.Fail(ctx, entryID, from)
	if errors.Is(err, apperrors.ErrTransitionConflict) {
		r.logger.Debug("Entry already advanced by concurrent sweep", "entry_id", entryID)
		return nil
	}
	return err
}

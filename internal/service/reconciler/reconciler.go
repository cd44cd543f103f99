package reconciler

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/amelin/walletgate/internal/logger"
	"github.com/amelin/walletgate/internal/models"
)

const (
	defaultCountWorkers      = 10               // Number of workers processing entries within a sweep
	defaultSweepInterval     = 10 * time.Second // Interval between scheduled sweeps
	defaultSweepBudget       = 30 * time.Second // Time budget of a single sweep, leftovers wait for the next one
	defaultBatchSize         = 500              // Max entries picked per status per sweep
	defaultMaxSubmitAttempts = 5                // Submit retries before a pending entry is failed
)

type providerClient interface {
	SubmitCredit(ctx context.Context, userID uuid.UUID, entryID uuid.UUID, amount decimal.Decimal) (string, error)
	SubmitDebit(ctx context.Context, userID uuid.UUID, entryID uuid.UUID, amount decimal.Decimal) (string, error)
	PollStatus(ctx context.Context, providerRef string) (string, error)
}

type ledgerService interface {
	ListByStatus(ctx context.Context, statuses []string, limit int) ([]models.LedgerEntry, error)
	MarkSubmitted(ctx context.Context, entryID uuid.UUID, providerRef string) (models.LedgerEntry, error)
	RecordSubmitAttempt(ctx context.Context, entryID uuid.UUID) (int, error)
	Settle(ctx context.Context, entryID uuid.UUID) (models.LedgerEntry, error)
	Fail(ctx context.Context, entryID uuid.UUID, from string) (models.LedgerEntry, error)
}

type Config struct {
	CountWorkers      int
	SweepInterval     time.Duration
	SweepBudget       time.Duration
	BatchSize         int
	MaxSubmitAttempts int
}

// Reconciler drives every non-terminal ledger entry through its state
// machine. It holds no state of its own: all transitions are CAS operations
// on the ledger, so overlapping sweeps are safe by construction
type Reconciler struct {
	countWorkers      int
	sweepInterval     time.Duration
	sweepBudget       time.Duration
	batchSize         int
	maxSubmitAttempts int

	client providerClient
	ledger ledgerService
	logger logger.Logger
}

func New(cfg Config, client providerClient, ledger ledgerService, logger logger.Logger) *Reconciler {
	if cfg.CountWorkers <= 0 {
		cfg.CountWorkers = defaultCountWorkers
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if cfg.SweepBudget <= 0 {
		cfg.SweepBudget = defaultSweepBudget
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.MaxSubmitAttempts <= 0 {
		cfg.MaxSubmitAttempts = defaultMaxSubmitAttempts
	}

	return &Reconciler{
		countWorkers:      cfg.CountWorkers,
		sweepInterval:     cfg.SweepInterval,
		sweepBudget:       cfg.SweepBudget,
		batchSize:         cfg.BatchSize,
		maxSubmitAttempts: cfg.MaxSubmitAttempts,
		client:            client,
		ledger:            ledger,
		logger:            logger,
	}
}

// Run is the scheduler trigger: it sweeps every interval until the context
// is cancelled. The returned channel closes when the loop has fully stopped
func (r *Reconciler) Run(ctx context.Context) <-chan struct{} {
	idleStopped := make(chan struct{})
	r.logger.Debug("Starting reconciler", "interval", r.sweepInterval, "workers", r.countWorkers)

	go func() {
		defer close(idleStopped)

		ticker := time.NewTicker(r.sweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				r.logger.Debug("Reconciler stopped by context")
				return

			case <-ticker.C:
				errored, err := r.Sweep(ctx)
				if err != nil {
					r.logger.Error("Sweep failed", "error", err)
					continue
				}
				if len(errored) > 0 {
					r.logger.Warn("Sweep finished with errored entries", "count", len(errored))
				}
			}
		}
	}()

	return idleStopped
}

// -----------------------------------------------------------------------
// Credit Ledger - Append-only per-job credit accounting
// -----------------------------------------------------------------------

package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/pulse/internal/interfaces"
	"github.com/ternarybob/pulse/internal/models"
)

// Service serializes credit deductions per job and keeps the running
// balance equal to the exact sum of the job's ledger entries. The durable
// append happens before the credits_update event goes out, so a client
// never sees a balance that storage does not hold.
type Service struct {
	storage  interfaces.LedgerStorage
	registry interfaces.EventRegistry
	logger   arbor.ILogger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewService creates a new ledger service
func NewService(storage interfaces.LedgerStorage, registry interfaces.EventRegistry, logger arbor.ILogger) *Service {
	return &Service{
		storage:  storage,
		registry: registry,
		logger:   logger,
		locks:    make(map[string]*sync.Mutex),
	}
}

// jobLock returns the mutex serializing deductions for one job
func (s *Service) jobLock(jobID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, ok := s.locks[jobID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[jobID] = lock
	}
	return lock
}

// Deduct appends a credit entry for the job and returns the new running
// balance. Concurrent deductions against the same job are serialized, so
// every entry lands and none is lost. A storage failure leaves the ledger
// untouched and is returned to the caller.
func (s *Service) Deduct(ctx context.Context, jobID, userID, provider string, amount float64, reason string) (float64, error) {
	if jobID == "" {
		return 0, fmt.Errorf("job ID is required")
	}
	if amount < 0 {
		return 0, fmt.Errorf("deduction amount cannot be negative: %f", amount)
	}

	lock := s.jobLock(jobID)
	lock.Lock()
	defer lock.Unlock()

	entry := &models.CreditEntry{
		JobID:     jobID,
		Amount:    amount,
		Reason:    reason,
		Timestamp: time.Now(),
	}

	if err := s.storage.AppendEntry(ctx, entry); err != nil {
		s.logger.Error().
			Err(err).
			Str("job_id", jobID).
			Float64("amount", amount).
			Msg("Failed to append credit entry")
		return 0, fmt.Errorf("failed to record credit deduction: %w", err)
	}

	balance, err := s.storage.SumByJob(ctx, jobID)
	if err != nil {
		// The entry is durable; only the balance read failed
		s.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to read ledger balance")
		return 0, fmt.Errorf("failed to read ledger balance: %w", err)
	}

	s.logger.Debug().
		Str("job_id", jobID).
		Float64("amount", amount).
		Float64("balance", balance).
		Str("reason", reason).
		Msg("Credits deducted")

	s.registry.Dispatch(ctx, interfaces.Event{
		Topic:    interfaces.TopicCreditsUpdate,
		JobID:    jobID,
		UserID:   userID,
		Provider: provider,
		Payload: models.CreditsPayload{
			Amount:  amount,
			Balance: balance,
			Reason:  reason,
		},
	})

	return balance, nil
}

// Balance returns the running balance for a job
func (s *Service) Balance(ctx context.Context, jobID string) (float64, error) {
	return s.storage.SumByJob(ctx, jobID)
}

// Entries returns a job's ledger entries in append order
func (s *Service) Entries(ctx context.Context, jobID string) ([]*models.CreditEntry, error) {
	return s.storage.ListByJob(ctx, jobID)
}

// Release drops the per-job lock once a job reaches a terminal state
func (s *Service) Release(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.locks, jobID)
}

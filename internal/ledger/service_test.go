package ledger

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/pulse/internal/interfaces"
	"github.com/ternarybob/pulse/internal/models"
	"github.com/ternarybob/pulse/internal/services/events"
)

// memoryLedger is an in-memory LedgerStorage for tests
type memoryLedger struct {
	mu      sync.Mutex
	entries map[string][]*models.CreditEntry
	failing bool
}

func newMemoryLedger() *memoryLedger {
	return &memoryLedger{entries: make(map[string][]*models.CreditEntry)}
}

func (m *memoryLedger) AppendEntry(ctx context.Context, entry *models.CreditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return fmt.Errorf("storage unavailable")
	}
	copied := *entry
	m.entries[entry.JobID] = append(m.entries[entry.JobID], &copied)
	return nil
}

func (m *memoryLedger) ListByJob(ctx context.Context, jobID string) ([]*models.CreditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*models.CreditEntry(nil), m.entries[jobID]...), nil
}

func (m *memoryLedger) SumByJob(ctx context.Context, jobID string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var sum float64
	for _, entry := range m.entries[jobID] {
		sum += entry.Amount
	}
	return sum, nil
}

func newTestService(storage interfaces.LedgerStorage) (*Service, *events.Registry) {
	logger := arbor.NewLogger()
	registry := events.NewRegistry(logger)
	return NewService(storage, registry, logger), registry
}

func TestDeductAccumulatesBalance(t *testing.T) {
	service, _ := newTestService(newMemoryLedger())
	ctx := context.Background()

	balance, err := service.Deduct(ctx, "job-1", "user-1", "linkedin", 2, "subtask")
	require.NoError(t, err)
	assert.Equal(t, 2.0, balance)

	balance, err = service.Deduct(ctx, "job-1", "user-1", "linkedin", 2, "subtask")
	require.NoError(t, err)
	assert.Equal(t, 4.0, balance)
}

func TestBalanceEqualsSumOfEntries(t *testing.T) {
	storage := newMemoryLedger()
	service, _ := newTestService(storage)
	ctx := context.Background()

	amounts := []float64{2, 0.5, 1, 2}
	for _, amount := range amounts {
		_, err := service.Deduct(ctx, "job-1", "user-1", "linkedin", amount, "subtask")
		require.NoError(t, err)
	}

	entries, err := service.Entries(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, entries, len(amounts))

	var sum float64
	for _, entry := range entries {
		sum += entry.Amount
	}
	balance, err := service.Balance(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, sum, balance)
	assert.Equal(t, 5.5, balance)
}

func TestConcurrentDeductionsAllLand(t *testing.T) {
	storage := newMemoryLedger()
	service, _ := newTestService(storage)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := service.Deduct(ctx, "job-1", "user-1", "linkedin", 1, "subtask")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	balance, err := service.Balance(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, 2.0, balance)

	entries, err := service.Entries(ctx, "job-1")
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestDeductDispatchesCreditsUpdate(t *testing.T) {
	service, registry := newTestService(newMemoryLedger())

	var received []interfaces.Event
	registry.Subscribe(interfaces.TopicCreditsUpdate, func(ctx context.Context, event interfaces.Event) error {
		received = append(received, event)
		return nil
	})

	_, err := service.Deduct(context.Background(), "job-1", "user-1", "linkedin", 2, "subtask")
	require.NoError(t, err)

	require.Len(t, received, 1)
	assert.Equal(t, "job-1", received[0].JobID)
	assert.Equal(t, "user-1", received[0].UserID)

	payload, ok := received[0].Payload.(models.CreditsPayload)
	require.True(t, ok)
	assert.Equal(t, 2.0, payload.Amount)
	assert.Equal(t, 2.0, payload.Balance)
}

func TestStorageFailureReturnsErrorAndEmitsNothing(t *testing.T) {
	storage := newMemoryLedger()
	storage.failing = true
	service, registry := newTestService(storage)

	emitted := 0
	registry.Subscribe(interfaces.TopicCreditsUpdate, func(ctx context.Context, event interfaces.Event) error {
		emitted++
		return nil
	})

	_, err := service.Deduct(context.Background(), "job-1", "user-1", "linkedin", 2, "subtask")
	assert.Error(t, err)
	assert.Equal(t, 0, emitted)
}

func TestNegativeAmountRejected(t *testing.T) {
	service, _ := newTestService(newMemoryLedger())
	_, err := service.Deduct(context.Background(), "job-1", "user-1", "linkedin", -1, "subtask")
	assert.Error(t, err)
}

package jobs

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/pulse/internal/common"
	"github.com/ternarybob/pulse/internal/models"
	"github.com/ternarybob/pulse/internal/services/events"
)

func testProviders() map[string]common.ProviderDefinition {
	return map[string]common.ProviderDefinition{
		"linkedin": {Tag: "linkedin", Name: "LinkedIn", CreditCost: 2, CacheHitFree: true},
	}
}

func newTestService(executor ExecutorFunc) (*Service, *fakeLedger, *memoryJobStorage) {
	logger := arbor.NewLogger()
	registry := events.NewRegistry(logger)
	led := &fakeLedger{}
	storage := newMemoryJobStorage()
	workers := common.WorkersConfig{MaxConcurrentSubTasks: 3, SubTaskRetries: 1}
	service := NewService(storage, led, registry, workers, testProviders(), executor, true, logger)
	return service, led, storage
}

func waitForTerminal(t *testing.T, service *Service, jobID string) models.Job {
	t.Helper()
	require.Eventually(t, func() bool {
		job, err := service.GetJob(context.Background(), jobID)
		return err == nil && job.IsTerminal()
	}, 5*time.Second, 10*time.Millisecond, "job did not reach a terminal state")

	job, err := service.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	return *job
}

func TestSubmitRunsToCompletion(t *testing.T) {
	executor := func(ctx context.Context, job models.Job, page int) models.SubTaskResult {
		return models.SubTaskResult{Success: true, ResultCount: 5}
	}
	service, led, _ := newTestService(executor)
	defer service.Stop()

	job, err := service.Submit(context.Background(), SubmitRequest{
		UserID:   "user-1",
		Provider: "linkedin",
		Query:    "golang engineers",
		SubTasks: 10,
	})
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, job.Status)

	final := waitForTerminal(t, service, job.ID)
	assert.Equal(t, models.JobStatusCompleted, final.Status)
	assert.Equal(t, 10, final.CompletedSubTasks)
	assert.Equal(t, 50, final.TotalResults)
	assert.Equal(t, 20.0, final.CreditsUsed)
	assert.Equal(t, 20.0, led.balance)
}

func TestSubmitRejectsUnknownProvider(t *testing.T) {
	service, _, _ := newTestService(func(ctx context.Context, job models.Job, page int) models.SubTaskResult {
		return models.SubTaskResult{Success: true}
	})
	defer service.Stop()

	_, err := service.Submit(context.Background(), SubmitRequest{
		UserID:   "user-1",
		Provider: "nonexistent",
		Query:    "q",
	})
	assert.Error(t, err)
}

func TestSubTaskRetriedOnceThenSucceeds(t *testing.T) {
	var attempts int32
	executor := func(ctx context.Context, job models.Job, page int) models.SubTaskResult {
		if page == 2 && atomic.AddInt32(&attempts, 1) == 1 {
			return models.SubTaskResult{Success: false, Err: "transient"}
		}
		return models.SubTaskResult{Success: true, ResultCount: 1}
	}
	service, _, _ := newTestService(executor)
	defer service.Stop()

	job, err := service.Submit(context.Background(), SubmitRequest{
		UserID: "user-1", Provider: "linkedin", Query: "q", SubTasks: 3,
	})
	require.NoError(t, err)

	final := waitForTerminal(t, service, job.ID)
	assert.Equal(t, models.JobStatusCompleted, final.Status)
	assert.Equal(t, 3, final.CompletedSubTasks)
	// page 2 runs twice: the transient failure plus the successful retry
	assert.Equal(t, int32(2), atomic.LoadInt32(&attempts))
}

func TestRepeatedSubTaskFailureFailsJob(t *testing.T) {
	executor := func(ctx context.Context, job models.Job, page int) models.SubTaskResult {
		if page == 2 {
			return models.SubTaskResult{Success: false, Err: "provider rejected request"}
		}
		return models.SubTaskResult{Success: true, ResultCount: 1}
	}
	service, _, _ := newTestService(executor)
	defer service.Stop()

	job, err := service.Submit(context.Background(), SubmitRequest{
		UserID: "user-1", Provider: "linkedin", Query: "q", SubTasks: 5,
	})
	require.NoError(t, err)

	final := waitForTerminal(t, service, job.ID)
	assert.Equal(t, models.JobStatusFailed, final.Status)
	assert.Contains(t, final.Error, "sub-task 2 failed")
}

func TestCancelStopsDispatchButKeepsProgress(t *testing.T) {
	started := make(chan struct{}, 1)
	executor := func(ctx context.Context, job models.Job, page int) models.SubTaskResult {
		select {
		case started <- struct{}{}:
		default:
		}
		time.Sleep(20 * time.Millisecond)
		return models.SubTaskResult{Success: true, ResultCount: 1}
	}
	service, _, _ := newTestService(executor)
	defer service.Stop()

	job, err := service.Submit(context.Background(), SubmitRequest{
		UserID: "user-1", Provider: "linkedin", Query: "q", SubTasks: 100,
	})
	require.NoError(t, err)

	<-started
	require.NoError(t, service.Cancel(job.ID))

	final := waitForTerminal(t, service, job.ID)
	assert.Equal(t, models.JobStatusCancelled, final.Status)
	assert.Less(t, final.CompletedSubTasks, 100)
}

func TestCancelLetsInFlightSubTasksFinish(t *testing.T) {
	started := make(chan struct{}, 1)
	cancelled := make(chan struct{})
	executor := func(ctx context.Context, job models.Job, page int) models.SubTaskResult {
		select {
		case started <- struct{}{}:
		default:
		}
		<-cancelled
		// a real executor aborts its HTTP request when ctx is done
		select {
		case <-ctx.Done():
			return models.SubTaskResult{Success: false, Err: ctx.Err().Error()}
		case <-time.After(20 * time.Millisecond):
			return models.SubTaskResult{Success: true, ResultCount: 1}
		}
	}
	service, led, _ := newTestService(executor)
	defer service.Stop()

	job, err := service.Submit(context.Background(), SubmitRequest{
		UserID: "user-1", Provider: "linkedin", Query: "q", SubTasks: 100,
	})
	require.NoError(t, err)

	<-started
	require.NoError(t, service.Cancel(job.ID))
	close(cancelled)

	final := waitForTerminal(t, service, job.ID)
	assert.Equal(t, models.JobStatusCancelled, final.Status)
	assert.Less(t, final.CompletedSubTasks, 100)

	// the sub-tasks that were already running finish and still land
	// their progress and credits
	assert.GreaterOrEqual(t, final.CompletedSubTasks, 1)
	assert.Equal(t, float64(final.CompletedSubTasks)*2, final.CreditsUsed)
	assert.Equal(t, final.CreditsUsed, led.balance)
}

func TestCacheHitsAreFree(t *testing.T) {
	executor := func(ctx context.Context, job models.Job, page int) models.SubTaskResult {
		return models.SubTaskResult{Success: true, ResultCount: 1, CacheHit: true}
	}
	service, led, _ := newTestService(executor)
	defer service.Stop()

	job, err := service.Submit(context.Background(), SubmitRequest{
		UserID: "user-1", Provider: "linkedin", Query: "q", SubTasks: 4,
	})
	require.NoError(t, err)

	final := waitForTerminal(t, service, job.ID)
	assert.Equal(t, models.JobStatusCompleted, final.Status)
	assert.Equal(t, 4, final.CacheHits)
	assert.Equal(t, 0.0, final.CreditsUsed)
	assert.Equal(t, 0.0, led.balance)
}

func TestConcurrencyBoundRespected(t *testing.T) {
	var inFlight, peak int32
	var mu sync.Mutex
	executor := func(ctx context.Context, job models.Job, page int) models.SubTaskResult {
		current := atomic.AddInt32(&inFlight, 1)
		mu.Lock()
		if current > peak {
			peak = current
		}
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return models.SubTaskResult{Success: true}
	}
	service, _, _ := newTestService(executor)
	defer service.Stop()

	job, err := service.Submit(context.Background(), SubmitRequest{
		UserID: "user-1", Provider: "linkedin", Query: "q", SubTasks: 12,
	})
	require.NoError(t, err)

	waitForTerminal(t, service, job.ID)
	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, peak, int32(3))
}

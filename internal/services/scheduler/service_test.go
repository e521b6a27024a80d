package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/pulse/internal/common"
	"github.com/ternarybob/pulse/internal/jobs"
	"github.com/ternarybob/pulse/internal/models"
	"github.com/ternarybob/pulse/internal/services/events"
)

type memoryStorage struct {
	mu   sync.Mutex
	jobs map[string]models.Job
}

func newMemoryStorage() *memoryStorage {
	return &memoryStorage{jobs: make(map[string]models.Job)}
}

func (m *memoryStorage) SaveJob(ctx context.Context, job *models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = *job
	return nil
}

func (m *memoryStorage) GetJob(ctx context.Context, id string) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job not found: %s", id)
	}
	return &job, nil
}

func (m *memoryStorage) ListJobs(ctx context.Context, userID string) ([]*models.Job, error) {
	return nil, nil
}

func (m *memoryStorage) ListJobsByStatus(ctx context.Context, status models.JobStatus) ([]*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*models.Job
	for id := range m.jobs {
		job := m.jobs[id]
		if job.Status == status {
			result = append(result, &job)
		}
	}
	return result, nil
}

func (m *memoryStorage) DeleteJob(ctx context.Context, id string) error {
	return nil
}

type noopLedger struct{}

func (noopLedger) Deduct(ctx context.Context, jobID, userID, provider string, amount float64, reason string) (float64, error) {
	return 0, nil
}

func (noopLedger) Release(jobID string) {}

func TestSweepFailsStaleRunningJobs(t *testing.T) {
	logger := arbor.NewLogger()
	storage := newMemoryStorage()
	registry := events.NewRegistry(logger)
	jobService := jobs.NewService(storage, noopLedger{}, registry,
		common.WorkersConfig{MaxConcurrentSubTasks: 1},
		map[string]common.ProviderDefinition{},
		func(ctx context.Context, job models.Job, page int) models.SubTaskResult {
			return models.SubTaskResult{Success: true}
		}, true, logger)
	defer jobService.Stop()

	stale := models.NewJob("job_stale", "user-1", "linkedin", "q")
	stale.MarkStarted()
	stale.UpdatedAt = time.Now().Add(-1 * time.Hour)
	require.NoError(t, storage.SaveJob(context.Background(), stale))

	fresh := models.NewJob("job_fresh", "user-1", "linkedin", "q")
	fresh.MarkStarted()
	require.NoError(t, storage.SaveJob(context.Background(), fresh))

	sweeper := NewService(storage, jobService, common.SchedulerConfig{
		Enabled:    true,
		StaleAfter: "10m",
	}, logger)

	sweeper.Sweep()

	sweptJob, err := storage.GetJob(context.Background(), "job_stale")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, sweptJob.Status)
	assert.Contains(t, sweptJob.Error, "no progress")

	freshJob, err := storage.GetJob(context.Background(), "job_fresh")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, freshJob.Status)
}

func TestSweepSkipsTerminalJobs(t *testing.T) {
	logger := arbor.NewLogger()
	storage := newMemoryStorage()
	registry := events.NewRegistry(logger)
	jobService := jobs.NewService(storage, noopLedger{}, registry,
		common.WorkersConfig{MaxConcurrentSubTasks: 1},
		map[string]common.ProviderDefinition{},
		func(ctx context.Context, job models.Job, page int) models.SubTaskResult {
			return models.SubTaskResult{Success: true}
		}, true, logger)
	defer jobService.Stop()

	done := models.NewJob("job_done", "user-1", "linkedin", "q")
	done.MarkStarted()
	done.MarkCompleted()
	done.UpdatedAt = time.Now().Add(-1 * time.Hour)
	require.NoError(t, storage.SaveJob(context.Background(), done))

	sweeper := NewService(storage, jobService, common.SchedulerConfig{Enabled: true, StaleAfter: "10m"}, logger)
	sweeper.Sweep()

	job, err := storage.GetJob(context.Background(), "job_done")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, job.Status)
}

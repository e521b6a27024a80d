package interfaces

import (
	"context"

	"github.com/ternarybob/pulse/internal/models"
)

// JobStorage persists job snapshots. The in-memory Task counters are
// authoritative while a job runs; storage holds the last written snapshot.
type JobStorage interface {
	SaveJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id string) (*models.Job, error)
	ListJobs(ctx context.Context, userID string) ([]*models.Job, error)
	ListJobsByStatus(ctx context.Context, status models.JobStatus) ([]*models.Job, error)
	DeleteJob(ctx context.Context, id string) error
}

// LedgerStorage persists append-only credit entries
type LedgerStorage interface {
	AppendEntry(ctx context.Context, entry *models.CreditEntry) error
	ListByJob(ctx context.Context, jobID string) ([]*models.CreditEntry, error)
	SumByJob(ctx context.Context, jobID string) (float64, error)
}

// StorageManager bundles the storage backends behind one lifecycle
type StorageManager interface {
	JobStorage() JobStorage
	LedgerStorage() LedgerStorage
	Close() error
}

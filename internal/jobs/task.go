// -----------------------------------------------------------------------
// Task - Per-job state machine with single-writer counter updates
// -----------------------------------------------------------------------

package jobs

import (
	"context"
	"fmt"
	"sync"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/pulse/internal/interfaces"
	"github.com/ternarybob/pulse/internal/models"
)

// CreditLedger is the slice of the ledger service a task needs
type CreditLedger interface {
	Deduct(ctx context.Context, jobID, userID, provider string, amount float64, reason string) (float64, error)
	Release(jobID string)
}

// Task owns the runtime state of one job. Every counter mutation and
// status transition happens under the task mutex, so concurrent sub-task
// reports serialize and events for the job go out in a single order.
//
// Status flow: pending -> running -> completed | failed | cancelled.
// Terminal statuses are final; in strict mode an attempt to leave one is
// an error, otherwise it is a logged no-op.
type Task struct {
	mu       sync.Mutex
	job      *models.Job
	ledger   CreditLedger
	storage  interfaces.JobStorage
	registry interfaces.EventRegistry
	logger   arbor.ILogger
	strict   bool
}

// NewTask wraps a job in its state machine
func NewTask(job *models.Job, ledger CreditLedger, storage interfaces.JobStorage, registry interfaces.EventRegistry, logger arbor.ILogger, strict bool) *Task {
	return &Task{
		job:      job,
		ledger:   ledger,
		storage:  storage,
		registry: registry,
		logger:   logger,
		strict:   strict,
	}
}

// ID returns the job ID
func (t *Task) ID() string {
	return t.job.ID
}

// Status returns the current job status
func (t *Task) Status() models.JobStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.job.Status
}

// Snapshot returns a copy of the job safe to read without the lock
func (t *Task) Snapshot() models.Job {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.job.Snapshot()
}

// Progress returns completion as a fraction in [0,1]
func (t *Task) Progress() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.job.Progress()
}

// Start transitions pending -> running
func (t *Task) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.job.IsTerminal() {
		return t.terminalViolation("start")
	}
	if t.job.Status != models.JobStatusPending {
		return fmt.Errorf("job %s cannot start from status %s", t.job.ID, t.job.Status)
	}

	t.job.MarkStarted()
	t.job.AppendLog("Job started")
	t.persist(ctx)

	t.logger.Info().
		Str("job_id", t.job.ID).
		Str("provider", t.job.Provider).
		Msg("Job started")

	return nil
}

// SetTotalSubTasks refines the sub-task total as discovery progresses.
// The total may only grow and never drops below the completed count.
func (t *Task) SetTotalSubTasks(ctx context.Context, total int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.job.IsTerminal() {
		return t.terminalViolation("set total sub-tasks")
	}
	if total < t.job.TotalSubTasks {
		return fmt.Errorf("job %s total sub-tasks may only grow: %d < %d", t.job.ID, total, t.job.TotalSubTasks)
	}
	if total < t.job.CompletedSubTasks {
		return fmt.Errorf("job %s total sub-tasks below completed count: %d < %d", t.job.ID, total, t.job.CompletedSubTasks)
	}

	t.job.TotalSubTasks = total
	t.persist(ctx)
	return nil
}

// ReportSubTaskProgress records one finished sub-task: deducts its cost,
// advances the counters, persists the snapshot and emits task_progress.
// The ledger write comes first; if it fails the counters stay untouched
// and the job is failed.
func (t *Task) ReportSubTaskProgress(ctx context.Context, res models.SubTaskResult) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.job.IsTerminal() {
		return t.terminalViolation("report sub-task progress")
	}
	if t.job.Status != models.JobStatusRunning {
		return fmt.Errorf("job %s cannot accept progress in status %s", t.job.ID, t.job.Status)
	}

	if !res.Success {
		return fmt.Errorf("sub-task %d of job %s failed: %s", res.Page, t.job.ID, res.Err)
	}

	if res.CostIncrement > 0 {
		balance, err := t.ledger.Deduct(ctx, t.job.ID, t.job.UserID, t.job.Provider, res.CostIncrement, fmt.Sprintf("subtask %d", res.Page))
		if err != nil {
			t.failLocked(ctx, fmt.Sprintf("credit deduction failed: %v", err))
			return fmt.Errorf("sub-task %d of job %s: %w", res.Page, t.job.ID, err)
		}
		t.job.CreditsUsed = balance
	}

	if t.job.CompletedSubTasks < t.job.TotalSubTasks || t.job.TotalSubTasks == 0 {
		t.job.CompletedSubTasks++
	}
	t.job.TotalResults += res.ResultCount
	if res.CacheHit {
		t.job.CacheHits++
	}
	t.job.AppendLog(fmt.Sprintf("Sub-task %d completed: %d results", res.Page, res.ResultCount))
	t.persist(ctx)

	t.registry.Dispatch(ctx, interfaces.Event{
		Topic:    interfaces.TopicTaskProgress,
		JobID:    t.job.ID,
		UserID:   t.job.UserID,
		Provider: t.job.Provider,
		Payload: models.ProgressPayload{
			CompletedSubTasks: t.job.CompletedSubTasks,
			TotalSubTasks:     t.job.TotalSubTasks,
			TotalResults:      t.job.TotalResults,
			CacheHits:         t.job.CacheHits,
			CreditsUsed:       t.job.CreditsUsed,
			Percentage:        t.job.Progress() * 100,
		},
	})

	return nil
}

// Complete transitions running -> completed. Reaching the sub-task total
// never completes a job by itself; this call is the only way in.
func (t *Task) Complete(ctx context.Context, summary string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.job.IsTerminal() {
		return t.terminalViolation("complete")
	}
	if t.job.Status != models.JobStatusRunning {
		return fmt.Errorf("job %s cannot complete from status %s", t.job.ID, t.job.Status)
	}

	t.job.MarkCompleted()
	if summary != "" {
		t.job.AppendLog(summary)
	}
	t.persist(ctx)

	t.logger.Info().
		Str("job_id", t.job.ID).
		Int("total_results", t.job.TotalResults).
		Float64("credits_used", t.job.CreditsUsed).
		Msg("Job completed")

	t.registry.Dispatch(ctx, interfaces.Event{
		Topic:    interfaces.TopicTaskCompleted,
		JobID:    t.job.ID,
		UserID:   t.job.UserID,
		Provider: t.job.Provider,
		Payload: models.CompletionPayload{
			TotalResults: t.job.TotalResults,
			CreditsUsed:  t.job.CreditsUsed,
			Summary:      summary,
		},
	})

	return nil
}

// Fail transitions pending/running -> failed. Credits already deducted
// stay deducted.
func (t *Task) Fail(ctx context.Context, errorMsg string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.job.IsTerminal() {
		return t.terminalViolation("fail")
	}

	t.failLocked(ctx, errorMsg)
	return nil
}

// failLocked performs the failure transition; caller holds the lock
func (t *Task) failLocked(ctx context.Context, errorMsg string) {
	t.job.MarkFailed(errorMsg)
	t.job.AppendLog("Job failed: " + errorMsg)
	t.persist(ctx)

	t.logger.Warn().
		Str("job_id", t.job.ID).
		Str("error", errorMsg).
		Msg("Job failed")

	t.registry.Dispatch(ctx, interfaces.Event{
		Topic:    interfaces.TopicTaskFailed,
		JobID:    t.job.ID,
		UserID:   t.job.UserID,
		Provider: t.job.Provider,
		Payload: models.FailurePayload{
			Error:             errorMsg,
			CompletedSubTasks: t.job.CompletedSubTasks,
			TotalSubTasks:     t.job.TotalSubTasks,
		},
	})
}

// Cancel transitions pending/running -> cancelled. In-flight sub-tasks
// that already reported keep their progress and credits.
func (t *Task) Cancel(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.job.IsTerminal() {
		return t.terminalViolation("cancel")
	}

	t.job.MarkCancelled()
	t.job.AppendLog("Job cancelled")
	t.persist(ctx)

	t.logger.Info().
		Str("job_id", t.job.ID).
		Msg("Job cancelled")

	return nil
}

// terminalViolation handles an attempted transition out of a terminal
// state: error in strict (development) mode, logged no-op otherwise.
// Caller holds the lock.
func (t *Task) terminalViolation(operation string) error {
	if t.strict {
		return fmt.Errorf("job %s is %s: cannot %s", t.job.ID, t.job.Status, operation)
	}

	t.logger.Warn().
		Str("job_id", t.job.ID).
		Str("status", string(t.job.Status)).
		Str("operation", operation).
		Msg("Ignoring transition attempt on terminal job")
	return nil
}

// persist writes the current snapshot; caller holds the lock. The
// in-memory state stays authoritative, so a write failure is logged
// and does not abort the transition.
func (t *Task) persist(ctx context.Context) {
	snapshot := t.job.Snapshot()
	if err := t.storage.SaveJob(ctx, &snapshot); err != nil {
		t.logger.Error().
			Err(err).
			Str("job_id", t.job.ID).
			Msg("Failed to persist job snapshot")
	}
}

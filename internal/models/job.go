// -----------------------------------------------------------------------
// Job - Multi-step collection job with runtime progress state
// -----------------------------------------------------------------------

package models

import (
	"fmt"
	"time"
)

// JobStatus represents the lifecycle state of a job
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// IsTerminal returns true for statuses a job can never leave
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// JobLogEntry is one line of a job's execution log
type JobLogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// Job represents a long-running, multi-step collection job against an
// external provider. Counters are mutated only under the owning Task's
// lock; the struct itself carries no synchronization.
//
// Job State Lifecycle:
//  1. Submitted via the jobs service (status pending)
//  2. Started by the worker pool (status running)
//  3. Sub-task results accumulate counters and credit deductions
//  4. Explicit completion, failure, or cancellation (terminal, final)
type Job struct {
	ID       string `json:"id" badgerhold:"key"` // Unique job ID (job_<uuid>)
	UserID   string `json:"user_id"`             // Owning user, routes push delivery
	Provider string `json:"provider"`            // Enumerated provider tag
	Query    string `json:"query"`               // What the job is collecting

	Status JobStatus `json:"status"`

	// Progress counters. CompletedSubTasks never exceeds TotalSubTasks;
	// CreditsUsed never decreases.
	TotalSubTasks     int     `json:"total_subtasks"`
	CompletedSubTasks int     `json:"completed_subtasks"`
	TotalResults      int     `json:"total_results"`
	CreditsUsed       float64 `json:"credits_used"`
	CacheHits         int     `json:"cache_hits"`

	Logs  []JobLogEntry `json:"logs,omitempty"`
	Error string        `json:"error,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"` // Last progress or transition, used by the stale sweeper
}

// NewJob creates a pending job for a user against a provider
func NewJob(id, userID, provider, query string) *Job {
	now := time.Now()
	return &Job{
		ID:        id,
		UserID:    userID,
		Provider:  provider,
		Query:     query,
		Status:    JobStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// MarkStarted marks the job as started
func (j *Job) MarkStarted() {
	j.Status = JobStatusRunning
	now := time.Now()
	j.StartedAt = &now
	j.UpdatedAt = now
}

// MarkCompleted marks the job as completed
func (j *Job) MarkCompleted() {
	j.Status = JobStatusCompleted
	now := time.Now()
	j.CompletedAt = &now
	j.UpdatedAt = now
}

// MarkFailed marks the job as failed with an error message.
// Credits already deducted are not refunded.
func (j *Job) MarkFailed(errorMsg string) {
	j.Status = JobStatusFailed
	j.Error = errorMsg
	now := time.Now()
	j.CompletedAt = &now
	j.UpdatedAt = now
}

// MarkCancelled marks the job as cancelled
func (j *Job) MarkCancelled() {
	j.Status = JobStatusCancelled
	now := time.Now()
	j.CompletedAt = &now
	j.UpdatedAt = now
}

// IsTerminal returns true if the job is in a terminal state
func (j *Job) IsTerminal() bool {
	return j.Status.IsTerminal()
}

// Progress returns completion as a fraction in [0,1]. Zero while the
// total is still unknown.
func (j *Job) Progress() float64 {
	if j.TotalSubTasks <= 0 {
		return 0
	}
	return float64(j.CompletedSubTasks) / float64(j.TotalSubTasks)
}

// AppendLog appends a timestamped entry to the job log
func (j *Job) AppendLog(message string) {
	j.Logs = append(j.Logs, JobLogEntry{
		Timestamp: time.Now(),
		Message:   message,
	})
}

// Snapshot returns a copy safe to hand outside the owning lock
func (j *Job) Snapshot() Job {
	copied := *j
	copied.Logs = make([]JobLogEntry, len(j.Logs))
	copy(copied.Logs, j.Logs)
	return copied
}

// Validate validates the job
func (j *Job) Validate() error {
	if j.ID == "" {
		return fmt.Errorf("job ID is required")
	}
	if j.UserID == "" {
		return fmt.Errorf("job user ID is required")
	}
	if j.Provider == "" {
		return fmt.Errorf("job provider is required")
	}
	return nil
}

// SubTaskResult is what a sub-task executor reports back for one unit of
// work (typically one page of a paged collection).
type SubTaskResult struct {
	Page          int     `json:"page"`           // Which sub-task this result belongs to
	Success       bool    `json:"success"`        // False routes through the retry policy
	ResultCount   int     `json:"result_count"`   // Items collected by this sub-task
	CacheHit      bool    `json:"cache_hit"`      // Served from cache, may be cost-free
	CostIncrement float64 `json:"cost_increment"` // Credits to deduct for this sub-task
	Err           string  `json:"error,omitempty"`
}

// CreditEntry is one append-only ledger record. The running balance for a
// job is always the exact sum of its entries.
type CreditEntry struct {
	JobID     string    `json:"job_id"`
	Amount    float64   `json:"amount"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

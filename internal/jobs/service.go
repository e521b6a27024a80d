// -----------------------------------------------------------------------
// Jobs Service - Submission boundary and bounded sub-task execution
// -----------------------------------------------------------------------

package jobs

import (
	"context"
	"fmt"
	"sync"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/pulse/internal/common"
	"github.com/ternarybob/pulse/internal/interfaces"
	"github.com/ternarybob/pulse/internal/models"
	"golang.org/x/time/rate"
)

// ExecutorFunc runs one sub-task (one page of a paged collection) and
// reports its result. Implementations must honor ctx cancellation.
type ExecutorFunc func(ctx context.Context, job models.Job, page int) models.SubTaskResult

// SubmitRequest describes a new collection job
type SubmitRequest struct {
	UserID   string `json:"user_id"`
	Provider string `json:"provider"`
	Query    string `json:"query"`
	SubTasks int    `json:"subtasks"` // initial decomposition; refined during discovery
}

// Service owns job submission and execution. Each submitted job gets a
// Task state machine and a bounded dispatch loop: at most the configured
// number of sub-tasks in flight, dispatch paced by the provider's rate
// limiter. A sub-task failure is retried; when retries are exhausted the
// whole job fails.
type Service struct {
	storage   interfaces.JobStorage
	ledger    CreditLedger
	registry  interfaces.EventRegistry
	logger    arbor.ILogger
	workers   common.WorkersConfig
	providers map[string]common.ProviderDefinition
	executor  ExecutorFunc
	strict    bool

	rootCtx    context.Context
	rootCancel context.CancelFunc

	mu        sync.RWMutex
	tasks     map[string]*Task
	cancels   map[string]context.CancelFunc
	stops     map[string]context.CancelFunc
	cancelled map[string]bool
	limiters  map[string]*rate.Limiter
	wg        sync.WaitGroup
}

// NewService creates a new jobs service
func NewService(storage interfaces.JobStorage, creditLedger CreditLedger, registry interfaces.EventRegistry,
	workers common.WorkersConfig, providers map[string]common.ProviderDefinition,
	executor ExecutorFunc, strict bool, logger arbor.ILogger) *Service {

	ctx, cancel := context.WithCancel(context.Background())

	return &Service{
		storage:    storage,
		ledger:     creditLedger,
		registry:   registry,
		logger:     logger,
		workers:    workers,
		providers:  providers,
		executor:   executor,
		strict:     strict,
		rootCtx:    ctx,
		rootCancel: cancel,
		tasks:      make(map[string]*Task),
		cancels:    make(map[string]context.CancelFunc),
		stops:      make(map[string]context.CancelFunc),
		cancelled:  make(map[string]bool),
		limiters:   make(map[string]*rate.Limiter),
	}
}

// Submit validates the request, persists a pending job and starts its
// execution in the background. Returns the initial job snapshot.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*models.Job, error) {
	if req.UserID == "" {
		return nil, fmt.Errorf("user_id is required")
	}
	if req.Query == "" {
		return nil, fmt.Errorf("query is required")
	}

	def, ok := s.providers[req.Provider]
	if !ok {
		return nil, fmt.Errorf("unknown provider: %s", req.Provider)
	}
	if req.SubTasks < 0 {
		return nil, fmt.Errorf("subtasks cannot be negative")
	}

	job := models.NewJob(common.NewJobID(), req.UserID, req.Provider, req.Query)
	job.TotalSubTasks = req.SubTasks
	if err := s.storage.SaveJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to persist job: %w", err)
	}

	task := NewTask(job, s.ledger, s.storage, s.registry, s.logger, s.strict)

	jobCtx, cancel := context.WithCancel(s.rootCtx)
	s.mu.Lock()
	s.tasks[job.ID] = task
	s.cancels[job.ID] = cancel
	s.mu.Unlock()

	s.logger.Info().
		Str("job_id", job.ID).
		Str("user_id", job.UserID).
		Str("provider", job.Provider).
		Int("subtasks", job.TotalSubTasks).
		Msg("Job submitted")

	s.wg.Add(1)
	common.SafeGoWithContext(jobCtx, s.logger, "runJob:"+job.ID, func() {
		defer s.wg.Done()
		s.run(jobCtx, task, def)
	})

	snapshot := task.Snapshot()
	return &snapshot, nil
}

// Cancel requests cooperative cancellation of a running job. Dispatch of
// new sub-tasks stops; in-flight sub-tasks finish and their progress and
// credits still land before the job turns cancelled.
func (s *Service) Cancel(jobID string) error {
	s.mu.Lock()
	task, ok := s.tasks[jobID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("job not found: %s", jobID)
	}
	if status := task.Status(); status.IsTerminal() {
		s.mu.Unlock()
		return fmt.Errorf("job %s is already %s", jobID, status)
	}
	s.cancelled[jobID] = true
	stop := s.stops[jobID]
	s.mu.Unlock()

	// Only dispatch stops here; the executor context stays live so
	// in-flight sub-tasks can finish and report
	if stop != nil {
		stop()
	}

	s.logger.Info().Str("job_id", jobID).Msg("Job cancellation requested")
	return nil
}

// GetJob returns the live snapshot when the job is resident, falling
// back to the stored snapshot
func (s *Service) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	s.mu.RLock()
	task, ok := s.tasks[jobID]
	s.mu.RUnlock()

	if ok {
		snapshot := task.Snapshot()
		return &snapshot, nil
	}
	return s.storage.GetJob(ctx, jobID)
}

// ListJobs returns the stored jobs for a user
func (s *Service) ListJobs(ctx context.Context, userID string) ([]*models.Job, error) {
	return s.storage.ListJobs(ctx, userID)
}

// Task returns the live task for a job, if resident
func (s *Service) Task(jobID string) (*Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[jobID]
	return task, ok
}

// Stop cancels all running jobs and waits for their loops to exit
func (s *Service) Stop() {
	s.rootCancel()
	s.wg.Wait()
	s.logger.Info().Msg("Jobs service stopped")
}

// limiter returns the shared rate limiter for a provider
func (s *Service) limiter(def common.ProviderDefinition) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	limiter, ok := s.limiters[def.Tag]
	if !ok {
		if def.RateLimit > 0 {
			limiter = rate.NewLimiter(rate.Limit(def.RateLimit), def.RateBurst)
		} else {
			limiter = rate.NewLimiter(rate.Inf, 1)
		}
		s.limiters[def.Tag] = limiter
	}
	return limiter
}

// release drops a finished job's residency so the maps do not grow with
// every job ever submitted. GetJob falls back to storage afterwards.
func (s *Service) release(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cancel, ok := s.cancels[jobID]; ok {
		cancel()
	}
	delete(s.tasks, jobID)
	delete(s.cancels, jobID)
	delete(s.stops, jobID)
	delete(s.cancelled, jobID)
	s.ledger.Release(jobID)
}

// run drives one job to a terminal state
func (s *Service) run(ctx context.Context, task *Task, def common.ProviderDefinition) {
	defer s.release(task.ID())

	if err := task.Start(ctx); err != nil {
		s.logger.Error().Err(err).Str("job_id", task.ID()).Msg("Failed to start job")
		return
	}

	maxInFlight := s.workers.MaxConcurrentSubTasks
	if def.MaxConcurrent > 0 {
		maxInFlight = def.MaxConcurrent
	}
	if maxInFlight < 1 {
		maxInFlight = 1
	}

	// dispatchCtx stops new dispatch on cancel or fatal sub-task failure;
	// executors run on ctx, which only service shutdown cancels, so
	// in-flight work is not cut short by Cancel
	dispatchCtx, stopDispatch := context.WithCancel(ctx)
	defer stopDispatch()

	s.mu.Lock()
	s.stops[task.ID()] = stopDispatch
	if s.cancelled[task.ID()] {
		stopDispatch()
	}
	s.mu.Unlock()

	limiter := s.limiter(def)
	sem := make(chan struct{}, maxInFlight)

	var wg sync.WaitGroup
	var failMu sync.Mutex
	var failMsg string

	recordFailure := func(msg string) {
		failMu.Lock()
		if failMsg == "" {
			failMsg = msg
		}
		failMu.Unlock()
		stopDispatch()
	}

	page := 0
dispatch:
	for {
		snapshot := task.Snapshot()
		if snapshot.IsTerminal() || page >= snapshot.TotalSubTasks {
			break
		}
		page++

		if err := limiter.Wait(dispatchCtx); err != nil {
			break
		}
		select {
		case sem <- struct{}{}:
		case <-dispatchCtx.Done():
			break dispatch
		}

		wg.Add(1)
		currentPage := page
		common.SafeGo(s.logger, fmt.Sprintf("subTask:%s:%d", task.ID(), currentPage), func() {
			defer wg.Done()
			defer func() { <-sem }()
			s.runSubTask(ctx, task, def, currentPage, recordFailure)
		})
	}

	wg.Wait()

	failMu.Lock()
	finalFailure := failMsg
	failMu.Unlock()

	if task.Status().IsTerminal() {
		return
	}

	s.mu.RLock()
	wasCancelled := s.cancelled[task.ID()]
	s.mu.RUnlock()

	switch {
	case finalFailure != "":
		if err := task.Fail(ctx, finalFailure); err != nil {
			s.logger.Error().Err(err).Str("job_id", task.ID()).Msg("Failed to fail job")
		}
	case wasCancelled || ctx.Err() != nil:
		if err := task.Cancel(ctx); err != nil {
			s.logger.Error().Err(err).Str("job_id", task.ID()).Msg("Failed to cancel job")
		}
	default:
		snapshot := task.Snapshot()
		summary := fmt.Sprintf("Collected %d results across %d sub-tasks", snapshot.TotalResults, snapshot.CompletedSubTasks)
		if err := task.Complete(ctx, summary); err != nil {
			s.logger.Error().Err(err).Str("job_id", task.ID()).Msg("Failed to complete job")
		}
	}
}

// runSubTask executes one sub-task with the configured retry budget and
// reports its outcome to the task
func (s *Service) runSubTask(ctx context.Context, task *Task, def common.ProviderDefinition, page int, recordFailure func(string)) {
	var res models.SubTaskResult
	for attempt := 0; attempt <= s.workers.SubTaskRetries; attempt++ {
		res = s.executor(ctx, task.Snapshot(), page)
		if res.Success {
			break
		}
		if ctx.Err() != nil {
			return
		}
		if attempt < s.workers.SubTaskRetries {
			s.logger.Warn().
				Str("job_id", task.ID()).
				Int("page", page).
				Int("attempt", attempt+1).
				Str("error", res.Err).
				Msg("Sub-task failed, retrying")
		}
	}

	if !res.Success {
		recordFailure(fmt.Sprintf("sub-task %d failed after %d attempts: %s", page, s.workers.SubTaskRetries+1, res.Err))
		return
	}

	// Cache hits can be cost-free; otherwise the provider's per-sub-task
	// cost applies when the executor did not price the work itself
	if res.CostIncrement == 0 && !(res.CacheHit && def.CacheHitFree) {
		res.CostIncrement = def.CreditCost
	}

	res.Page = page
	if err := task.ReportSubTaskProgress(ctx, res); err != nil {
		s.logger.Warn().
			Err(err).
			Str("job_id", task.ID()).
			Int("page", page).
			Msg("Sub-task progress rejected")
	}
}

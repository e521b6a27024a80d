// -----------------------------------------------------------------------
// Provider Executor - dispatches sub-tasks to external provider endpoints
// -----------------------------------------------------------------------

package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/pulse/internal/common"
	"github.com/ternarybob/pulse/internal/models"
)

// subTaskRequest is the JSON body posted to a provider endpoint for one
// sub-task (one page of a paged collection).
type subTaskRequest struct {
	JobID    string `json:"job_id"`
	Provider string `json:"provider"`
	Query    string `json:"query"`
	Page     int    `json:"page"`
	PerPage  int    `json:"per_page"`
}

// subTaskResponse is what a provider endpoint returns.
type subTaskResponse struct {
	ResultCount int     `json:"result_count"`
	CacheHit    bool    `json:"cache_hit"`
	Cost        float64 `json:"cost"`
}

// Executor runs sub-tasks against provider endpoints. Providers without a
// configured endpoint fall back to a built-in simulator so development
// environments work without live integrations.
type Executor struct {
	definitions map[string]common.ProviderDefinition
	client      *http.Client
	logger      arbor.ILogger
}

// NewExecutor creates an executor for the configured provider definitions
func NewExecutor(definitions map[string]common.ProviderDefinition, logger arbor.ILogger) *Executor {
	return &Executor{
		definitions: definitions,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger,
	}
}

// Execute runs one sub-task and reports the outcome. Failures are returned
// in the result rather than as an error so the retry policy can act on them.
func (e *Executor) Execute(ctx context.Context, job models.Job, page int) models.SubTaskResult {
	def, ok := e.definitions[job.Provider]
	if !ok {
		return models.SubTaskResult{
			Page: page,
			Err:  fmt.Sprintf("no definition for provider %s", job.Provider),
		}
	}

	if def.Endpoint == "" {
		return e.simulate(def, page)
	}

	return e.dispatch(ctx, def, job, page)
}

// dispatch posts the sub-task to the provider endpoint
func (e *Executor) dispatch(ctx context.Context, def common.ProviderDefinition, job models.Job, page int) models.SubTaskResult {
	body, err := json.Marshal(subTaskRequest{
		JobID:    job.ID,
		Provider: job.Provider,
		Query:    job.Query,
		Page:     page,
		PerPage:  def.DefaultPerPage,
	})
	if err != nil {
		return models.SubTaskResult{Page: page, Err: err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, "POST", def.Endpoint, bytes.NewReader(body))
	if err != nil {
		return models.SubTaskResult{Page: page, Err: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return models.SubTaskResult{Page: page, Err: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return models.SubTaskResult{
			Page: page,
			Err:  fmt.Sprintf("provider endpoint returned status %d", resp.StatusCode),
		}
	}

	var result subTaskResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return models.SubTaskResult{Page: page, Err: fmt.Sprintf("invalid provider response: %v", err)}
	}

	return models.SubTaskResult{
		Page:          page,
		Success:       true,
		ResultCount:   result.ResultCount,
		CacheHit:      result.CacheHit,
		CostIncrement: result.Cost,
	}
}

// simulate fakes a successful page fetch for endpoint-less providers
func (e *Executor) simulate(def common.ProviderDefinition, page int) models.SubTaskResult {
	count := def.DefaultPerPage
	if count <= 0 {
		count = 10
	}

	e.logger.Debug().
		Str("provider", def.Tag).
		Int("page", page).
		Msg("No endpoint configured, simulating sub-task")

	return models.SubTaskResult{
		Page:        page,
		Success:     true,
		ResultCount: count,
	}
}

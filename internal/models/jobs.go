// Package models defines the shared data types for Spyglass.
package models

import "time"

// JobExecution is one tracked run of a scheduled job. Created when the run
// starts, transitioned exactly once to a terminal status, never mutated
// thereafter.
type JobExecution struct {
	ID               string    `json:"id"`
	JobName          string    `json:"job_name"`
	TargetDate       string    `json:"target_date"` // YYYY-MM-DD logical business date
	EntityID         string    `json:"entity_id,omitempty"`
	StartedAt        time.Time `json:"started_at"`
	CompletedAt      time.Time `json:"completed_at,omitempty"`
	Status           string    `json:"status"` // "running", "completed", "failed"
	Message          string    `json:"message,omitempty"`
	DurationMS       int64     `json:"duration_ms"`
	TickersProcessed []string  `json:"tickers_processed,omitempty"`
}

// Execution status constants
const (
	ExecStatusRunning   = "running"
	ExecStatusCompleted = "completed"
	ExecStatusFailed    = "failed"
)

// StaleRunningThreshold is how old a "running" row must be before the
// watchdog presumes the owning process dead.
const StaleRunningThreshold = 1 * time.Hour

// RetryQueueEntry is a durable unit of recovery work, keyed by
// (job_name, target_date, entity_id, entity_type).
type RetryQueueEntry struct {
	ID            string    `json:"id"`
	JobName       string    `json:"job_name"`
	TargetDate    string    `json:"target_date"`
	EntityID      string    `json:"entity_id,omitempty"`
	EntityType    string    `json:"entity_type,omitempty"`
	Status        string    `json:"status"` // "pending", "retrying", "resolved", "abandoned"
	RetryCount    int       `json:"retry_count"`
	MaxRetries    int       `json:"max_retries"`
	FailureReason string    `json:"failure_reason"` // "container_restart", "job_failed", "validation_failed"
	ErrorMessage  string    `json:"error_message,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	LastAttemptAt time.Time `json:"last_attempt_at,omitempty"`
}

// Retry queue status constants
const (
	RetryStatusPending   = "pending"
	RetryStatusRetrying  = "retrying"
	RetryStatusResolved  = "resolved"
	RetryStatusAbandoned = "abandoned"
)

// Retry failure reasons
const (
	FailureContainerRestart = "container_restart"
	FailureJobFailed        = "job_failed"
	FailureValidation       = "validation_failed"
)

// DefaultMaxRetries bounds retry attempts per queue entry.
const DefaultMaxRetries = 3

// RetryEntryMaxAge is how long an unresolved entry stays eligible before
// abandonment — source data is likely gone past this window.
const RetryEntryMaxAge = 7 * 24 * time.Hour

// ExecutionLogEntry is one append-only structured log line, recorded
// independently of the tracking row. Used by jobs with no natural target
// date and never transitioned after insert.
type ExecutionLogEntry struct {
	ID         string    `json:"id"`
	JobName    string    `json:"job_name"`
	Success    bool      `json:"success"`
	Message    string    `json:"message,omitempty"`
	DurationMS int64     `json:"duration_ms"`
	LoggedAt   time.Time `json:"logged_at"`
}

// SchedulerHeartbeat records scheduler liveness per process. A stale
// heartbeat on startup means the previous process died with work in flight.
type SchedulerHeartbeat struct {
	ProcessID       string    `json:"process_id"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
	Generation      int64     `json:"generation"`
}

// Job name constants for the built-in job library.
const (
	JobUpdatePortfolioPrices = "update_portfolio_prices"
	JobPerformanceMetrics    = "performance_metrics"
	JobDividendProcessing    = "dividend_processing"
	JobBenchmarkRefresh      = "benchmark_refresh"
	JobExchangeRates         = "exchange_rates"
	JobInsiderTrades         = "insider_trades"
	JobCongressTrades        = "congress_trades"
	JobRSSIngest             = "rss_ingest"
	JobSocialSentiment       = "social_sentiment"
	JobResearchIngest        = "research_ingest"
	JobTickerAnalysis        = "ticker_analysis"
	JobWatchlistDerive       = "watchlist_derive"
)

// calculationJobs are deterministic and idempotent given a target_date, so
// they are safe for the watchdog to re-enqueue. Scrapers and LLM summaries
// are not — re-running them yields different data.
var calculationJobs = map[string]bool{
	JobUpdatePortfolioPrices: true,
	JobPerformanceMetrics:    true,
	JobDividendProcessing:    true,
	JobBenchmarkRefresh:      true,
	JobExchangeRates:         true,
}

// IsCalculationJob reports whether a job is retry-eligible.
func IsCalculationJob(jobName string) bool {
	return calculationJobs[jobName]
}

// JobEvent is broadcast via WebSocket when job state changes.
type JobEvent struct {
	Type       string           `json:"type"` // "job_started", "job_completed", "job_failed", "retry_enqueued"
	Execution  *JobExecution    `json:"execution,omitempty"`
	Retry      *RetryQueueEntry `json:"retry,omitempty"`
	Timestamp  time.Time        `json:"timestamp"`
	QueueDepth int              `json:"queue_depth"` // pending retry entries
}

package interfaces

import (
	"context"
	"time"

	"github.com/mfinch/spyglass/internal/models"
)

// Job is one schedulable unit of work. Implementations live in the job
// library and are registered with the scheduler by name.
type Job interface {
	// Name is the stable identifier recorded in execution rows.
	Name() string

	// Schedule is the cron expression, evaluated in the scheduler timezone.
	Schedule() string

	// Run executes the job for a logical target date (YYYY-MM-DD). The
	// returned summary becomes the execution message.
	Run(ctx context.Context, targetDate string) (*models.JobResult, error)
}

// RegisterConfig carries per-job dispatch options.
type RegisterConfig struct {
	// MaxInstances caps concurrent runs of one job. Default 1.
	MaxInstances int

	// MisfireGrace is how far behind a trigger may fire before the run is
	// dropped. Default 15 minutes.
	MisfireGrace time.Duration

	// Jitter delays each fire by uniform(0, Jitter). Zero disables.
	Jitter time.Duration

	// Coalesce collapses a backlog of pending trigger instants into at most
	// one run per (job, target_date). Default true.
	Coalesce bool
}

// RegisterOption configures one job registration.
type RegisterOption func(*RegisterConfig)

// WithMaxInstances caps concurrent runs of the job.
func WithMaxInstances(n int) RegisterOption {
	return func(c *RegisterConfig) { c.MaxInstances = n }
}

// WithMisfireGrace overrides how late a trigger may fire before being dropped.
func WithMisfireGrace(d time.Duration) RegisterOption {
	return func(c *RegisterConfig) { c.MisfireGrace = d }
}

// WithJitter spreads fire times by uniform(0, d).
func WithJitter(d time.Duration) RegisterOption {
	return func(c *RegisterConfig) { c.Jitter = d }
}

// WithCoalesce controls whether a trigger backlog collapses to one run.
func WithCoalesce(coalesce bool) RegisterOption {
	return func(c *RegisterConfig) { c.Coalesce = coalesce }
}

// Scheduler owns the cron loop: due-job dispatch, execution tracking,
// heartbeats, and graceful drain.
type Scheduler interface {
	Register(job Job, opts ...RegisterOption) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	// TriggerNow runs a registered job out of band, subject to the same
	// duplicate-run guard as scheduled dispatch.
	TriggerNow(ctx context.Context, jobName, targetDate string) (string, error)

	// Registered returns the names of all registered jobs.
	Registered() []string

	// LogExecution appends a structured log line for a job with no natural
	// target date, independent of the execution tracking rows.
	LogExecution(ctx context.Context, jobName string, success bool, message string, duration time.Duration) error
}

// Watchdog periodically audits scheduler health and repairs what it can.
type Watchdog interface {
	Start(ctx context.Context)
	Stop()

	// RunOnce executes all protocols in order and returns a per-protocol
	// summary. Exposed for the CLI and tests.
	RunOnce(ctx context.Context) (*models.WatchdogReport, error)
}

// RetryProcessor drains the retry queue in bounded batches.
type RetryProcessor interface {
	// ProcessBatch leases up to limit pending entries and re-runs them.
	ProcessBatch(ctx context.Context, limit int) (*models.RetryBatchResult, error)
}

// Pipeline runs the scrape-then-analyze flow for one source.
type Pipeline interface {
	// Ingest fetches and parses a source, persisting new items. The result
	// carries found/new/duplicate/skipped/error accounting.
	Ingest(ctx context.Context, source *models.FeedSource) (*models.IngestResult, error)

	// AnalyzeBacklog runs LLM analysis over unanalyzed articles.
	AnalyzeBacklog(ctx context.Context, limit int) (int, error)
}

// Cache is a TTL key-value cache with epoch-based bulk invalidation.
type Cache interface {
	Get(key string) ([]byte, bool)
	Set(key string, value []byte, ttl time.Duration)
	Delete(key string)

	// BumpEpoch invalidates every entry written before the bump.
	BumpEpoch()

	Close() error
}

// RateLimiter enforces a fixed-window request budget per (key, route).
type RateLimiter interface {
	// Allow reports whether the request fits the current window and, when
	// denied, how long until the window resets.
	Allow(key, route string) (bool, time.Duration)
}

// EventBus broadcasts job lifecycle events to connected WebSocket clients.
type EventBus interface {
	Publish(event *models.JobEvent)
	Run(ctx context.Context)
}

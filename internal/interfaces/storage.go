// Package interfaces defines service contracts for Spyglass
package interfaces

import (
	"context"
	"time"

	"github.com/mfinch/spyglass/internal/models"
)

// StorageManager coordinates both storage backends. The operational store
// holds portfolio and scheduler state; the research store holds scraped
// articles, social data, and the derived watchlist.
type StorageManager interface {
	Operational() OperationalStore
	Research() ResearchStore

	// Lifecycle
	Close() error
}

// OperationalStore is the primary database: portfolio data plus all
// scheduler bookkeeping.
type OperationalStore interface {
	JobExecutionStore
	RetryQueueStore
	HeartbeatStore
	PortfolioStore

	Ping(ctx context.Context) error
	Close() error
}

// ResearchStore is the research database: articles, social sentiment, and
// the derived ticker watchlist.
type ResearchStore interface {
	ArticleStore
	SocialStore
	WatchlistStore

	Ping(ctx context.Context) error
	Close() error
}

// JobExecutionStore tracks individual job runs.
type JobExecutionStore interface {
	// MarkStarted inserts a running execution. Returns ErrDuplicateRun when a
	// running execution already exists for (job_name, target_date, entity_id).
	// Terminal rows never block: a completed run may be re-run out of band.
	MarkStarted(ctx context.Context, exec *models.JobExecution) error

	// MarkCompleted transitions a running execution to its terminal status.
	MarkCompleted(ctx context.Context, id, status, message string, tickers []string) error

	GetExecution(ctx context.Context, id string) (*models.JobExecution, error)

	// LastCompleted returns the most recent completed execution for a job,
	// or nil when the job has never completed.
	LastCompleted(ctx context.Context, jobName string) (*models.JobExecution, error)

	// ListExecutions returns recent executions, newest first, optionally
	// filtered by job name and status.
	ListExecutions(ctx context.Context, jobName, status string, limit int) ([]*models.JobExecution, error)

	// StaleRunning returns running executions started before the cutoff.
	StaleRunning(ctx context.Context, cutoff time.Time) ([]*models.JobExecution, error)

	// MissingCompletions returns the job names among jobNames with no
	// completed execution for targetDate.
	MissingCompletions(ctx context.Context, jobNames []string, targetDate string) ([]string, error)

	// LogExecution appends a structured log line independent of the
	// tracking row. Append-only; entries are never updated.
	LogExecution(ctx context.Context, entry *models.ExecutionLogEntry) error

	// ListExecutionLog returns recent log entries, newest first, optionally
	// filtered by job name.
	ListExecutionLog(ctx context.Context, jobName string, limit int) ([]*models.ExecutionLogEntry, error)
}

// RetryQueueStore is the durable recovery queue.
type RetryQueueStore interface {
	// Enqueue inserts a pending entry unless an unresolved entry already
	// exists for the same (job_name, target_date, entity_id, entity_type).
	// Reports whether a new entry was created.
	Enqueue(ctx context.Context, entry *models.RetryQueueEntry) (bool, error)

	// LeasePending atomically claims up to limit pending entries, oldest
	// first, transitioning them to retrying. Entries claimed by a concurrent
	// caller are never returned twice.
	LeasePending(ctx context.Context, limit int) ([]*models.RetryQueueEntry, error)

	// Resolve marks an entry resolved after a successful retry.
	Resolve(ctx context.Context, id string) error

	// Fail records a failed attempt: increments retry_count, stores the
	// error, and returns the entry to pending or abandons it when the
	// retry budget is exhausted.
	Fail(ctx context.Context, id, errMsg string) error

	// Abandon marks an entry abandoned regardless of retry budget.
	Abandon(ctx context.Context, id, reason string) error

	// ListEntries returns entries by status, oldest first. Empty status
	// means all.
	ListEntries(ctx context.Context, status string, limit int) ([]*models.RetryQueueEntry, error)

	// PendingCount returns the number of pending entries.
	PendingCount(ctx context.Context) (int, error)

	// ReleaseStuckRetrying returns entries stuck in retrying since before
	// cutoff back to pending. Reports how many were released.
	ReleaseStuckRetrying(ctx context.Context, cutoff time.Time) (int, error)
}

// HeartbeatStore records scheduler liveness.
type HeartbeatStore interface {
	UpsertHeartbeat(ctx context.Context, hb *models.SchedulerHeartbeat) error
	GetHeartbeat(ctx context.Context, processID string) (*models.SchedulerHeartbeat, error)

	// LatestHeartbeat returns the most recent heartbeat from any process,
	// or nil when none exists.
	LatestHeartbeat(ctx context.Context) (*models.SchedulerHeartbeat, error)
}

// PortfolioStore holds holdings, trades, and computed market data.
type PortfolioStore interface {
	ListTrades(ctx context.Context) ([]*models.Trade, error)

	// ListPositions returns position rows for one valuation date. An empty
	// date means the most recent date on record.
	ListPositions(ctx context.Context, date string) ([]*models.Position, error)

	// CountPositions reports how many position rows exist for a fund on a
	// valuation date. Used by the watchdog's data validation.
	CountPositions(ctx context.Context, fund, date string) (int, error)

	SavePosition(ctx context.Context, pos *models.Position) error

	SaveExchangeRate(ctx context.Context, rate *models.ExchangeRate) error
	GetExchangeRate(ctx context.Context, base, quote, rateDate string) (*models.ExchangeRate, error)

	SaveDividend(ctx context.Context, div *models.Dividend) error
	ListDividends(ctx context.Context, ticker string) ([]*models.Dividend, error)

	SaveBenchmarkBar(ctx context.Context, bar *models.BenchmarkBar) error
	ListBenchmarkBars(ctx context.Context, symbol string, since string) ([]*models.BenchmarkBar, error)

	SavePerformanceMetric(ctx context.Context, m *models.PerformanceMetric) error
	GetPerformanceMetric(ctx context.Context, metricDate string) (*models.PerformanceMetric, error)

	SaveInsiderTrade(ctx context.Context, trade *models.InsiderTrade) error
	SaveCongressTrade(ctx context.Context, trade *models.CongressTrade) (bool, error)
	ListCongressTrades(ctx context.Context, ticker string, limit int) ([]*models.CongressTrade, error)
}

// ArticleStore persists fetched and analyzed articles.
type ArticleStore interface {
	// UpsertArticle inserts or updates by URL. FetchedAt of an existing row
	// is preserved. Reports whether the row was newly inserted.
	UpsertArticle(ctx context.Context, article *models.Article) (bool, error)

	GetArticle(ctx context.Context, url string) (*models.Article, error)

	// ListUnanalyzed returns articles with no analysis yet, oldest first.
	ListUnanalyzed(ctx context.Context, limit int) ([]*models.Article, error)

	// ListRecentArticles returns articles fetched since the cutoff.
	ListRecentArticles(ctx context.Context, since time.Time, limit int) ([]*models.Article, error)

	// UpdateAnalysis writes only the analysis fields for an existing URL.
	UpdateAnalysis(ctx context.Context, url string, result *models.AnalysisResult, embedding []float32) error
}

// SocialStore persists scraped posts and sentiment aggregates.
type SocialStore interface {
	// InsertPost inserts a post unless (platform, post_id) already exists.
	// Reports whether the post was newly inserted.
	InsertPost(ctx context.Context, post *models.SocialPost) (bool, error)

	InsertMetric(ctx context.Context, metric *models.SocialMetric) error

	// ListRecentPosts returns posts mentioning ticker posted since cutoff.
	ListRecentPosts(ctx context.Context, ticker string, since time.Time) ([]*models.SocialPost, error)

	// LatestMetric returns the newest aggregate for (ticker, platform),
	// or nil when none exists.
	LatestMetric(ctx context.Context, ticker, platform string) (*models.SocialMetric, error)
}

// WatchlistStore manages the derived ticker watchlist.
type WatchlistStore interface {
	UpsertWatchedTicker(ctx context.Context, wt *models.WatchedTicker) error
	ListWatchedTickers(ctx context.Context, activeOnly bool) ([]*models.WatchedTicker, error)

	// DeactivateUnseen deactivates tickers not updated since cutoff.
	// Reports how many rows were deactivated.
	DeactivateUnseen(ctx context.Context, cutoff time.Time) (int, error)

	// TickerMentionCounts returns, per ticker, the number of distinct
	// sources mentioning it in articles fetched since cutoff.
	TickerMentionCounts(ctx context.Context, since time.Time) (map[string]int, error)
}

// Package watchdog audits scheduler health on an interval and repairs what
// it can: stale runs, missed completions, and the retry queue.
package watchdog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mfinch/spyglass/internal/common"
	"github.com/mfinch/spyglass/internal/interfaces"
	"github.com/mfinch/spyglass/internal/models"
)

// staleRunMessage is recorded on runs the watchdog presumes dead.
const staleRunMessage = "container restarted / interrupted"

// recentFailureWindow bounds the failed-run sweep. Older failures either
// already have a queue entry or were handled manually.
const recentFailureWindow = 24 * time.Hour

// Watchdog runs four protocols in order each cycle:
//  1. stale "running" rows are failed and re-enqueued where safe
//  2. recent failures of calculation jobs are enqueued for retry
//  3. the retry queue is drained in a bounded batch
//  4. recent trading days are checked for missing completions and for
//     completed runs that left no downstream rows
type Watchdog struct {
	store     interfaces.OperationalStore
	processor interfaces.RetryProcessor
	calendar  *common.MarketCalendar
	logger    *common.Logger
	clock     common.Clock
	bus       interfaces.EventBus

	interval       time.Duration
	retryBatch     int
	validationDays int
	funds          []string
	benchmarks     []string
	ratePairs      []string

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

var _ interfaces.Watchdog = (*Watchdog)(nil)

// Option configures the watchdog.
type Option func(*Watchdog)

// WithClock overrides the wall clock.
func WithClock(clock common.Clock) Option {
	return func(w *Watchdog) { w.clock = clock }
}

// WithEventBus attaches a bus for retry-enqueue broadcasts.
func WithEventBus(bus interfaces.EventBus) Option {
	return func(w *Watchdog) { w.bus = bus }
}

// New creates a watchdog from config.
func New(config *common.Config, store interfaces.OperationalStore, processor interfaces.RetryProcessor, logger *common.Logger, opts ...Option) *Watchdog {
	w := &Watchdog{
		store:          store,
		processor:      processor,
		calendar:       common.NewMarketCalendar(config.Scheduler.Timezone),
		logger:         logger,
		clock:          common.SystemClock{},
		interval:       config.Watchdog.GetInterval(),
		retryBatch:     config.Watchdog.GetRetryBatch(),
		validationDays: config.Watchdog.GetValidationDays(),
		funds:          config.Portfolio.GetFunds(),
		benchmarks:     config.Portfolio.Benchmarks,
		ratePairs:      config.Portfolio.RatePairs,
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start runs the audit loop in the background, with an immediate first pass.
func (w *Watchdog) Start(ctx context.Context) {
	go func() {
		defer close(w.done)

		if _, err := w.RunOnce(ctx); err != nil {
			w.logger.Error().Err(err).Msg("Watchdog pass failed")
		}

		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-w.stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := w.RunOnce(ctx); err != nil {
					w.logger.Error().Err(err).Msg("Watchdog pass failed")
				}
			}
		}
	}()
	w.logger.Info().Dur("interval", w.interval).Msg("Watchdog started")
}

// Stop halts the loop and waits for the current pass to finish.
func (w *Watchdog) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	<-w.done
}

// RunOnce executes all protocols in order and returns the pass summary.
// Each protocol runs even when an earlier one partially fails; the first
// error is returned alongside whatever repairs landed.
func (w *Watchdog) RunOnce(ctx context.Context) (*models.WatchdogReport, error) {
	report := &models.WatchdogReport{}
	var firstErr error

	if err := w.sweepStaleRunning(ctx, report); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("stale-running sweep: %w", err)
	}
	if err := w.sweepRecentFailures(ctx, report); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("recent-failure sweep: %w", err)
	}
	if err := w.releaseStuck(ctx, report); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("release stuck entries: %w", err)
	}
	if err := w.drainRetryQueue(ctx, report); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("drain retry queue: %w", err)
	}
	if err := w.validateRecentDays(ctx, report); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("data validation: %w", err)
	}

	w.logger.Info().
		Int("stale_failed", report.StaleMarkedFailed).
		Int("stale_enqueued", report.StaleEnqueued).
		Int("missing_detected", report.MissingDetected).
		Int("missing_enqueued", report.MissingEnqueued).
		Int("retries_processed", report.RetriesProcessed).
		Int("retries_resolved", report.RetriesResolved).
		Int("stuck_released", report.StuckReleased).
		Int("aged_abandoned", report.AgedAbandoned).
		Msg("Watchdog pass complete")
	return report, firstErr
}

// sweepStaleRunning fails "running" rows older than the threshold. The
// owning process is presumed dead, usually a container restart mid-run.
// Deterministic calculation jobs get a queue entry; scrapers and LLM
// summaries do not, since re-running them yields different data.
func (w *Watchdog) sweepStaleRunning(ctx context.Context, report *models.WatchdogReport) error {
	cutoff := w.clock.Now().UTC().Add(-models.StaleRunningThreshold)
	stale, err := w.store.StaleRunning(ctx, cutoff)
	if err != nil {
		return err
	}

	for _, exec := range stale {
		if err := w.store.MarkCompleted(ctx, exec.ID, models.ExecStatusFailed, staleRunMessage, nil); err != nil {
			w.logger.Error().Str("execution_id", exec.ID).Err(err).Msg("Failed to fail stale run")
			continue
		}
		report.StaleMarkedFailed++
		w.logger.Warn().
			Str("job", exec.JobName).
			Str("target_date", exec.TargetDate).
			Time("started_at", exec.StartedAt).
			Msg("Marked stale running job as failed")

		if !models.IsCalculationJob(exec.JobName) {
			continue
		}
		created, err := w.enqueue(ctx, exec.JobName, exec.TargetDate, exec.EntityID, models.FailureContainerRestart)
		if err != nil {
			return err
		}
		if created {
			report.StaleEnqueued++
		}
	}
	return nil
}

// sweepRecentFailures enqueues retry work for calculation jobs that failed
// inside the window and have no unresolved queue entry yet. The enqueue
// dedupe key makes this sweep idempotent across passes.
func (w *Watchdog) sweepRecentFailures(ctx context.Context, report *models.WatchdogReport) error {
	failed, err := w.store.ListExecutions(ctx, "", models.ExecStatusFailed, 200)
	if err != nil {
		return err
	}

	cutoff := w.clock.Now().UTC().Add(-recentFailureWindow)
	for _, exec := range failed {
		if exec.CompletedAt.Before(cutoff) || !models.IsCalculationJob(exec.JobName) {
			continue
		}
		// Watchdog-failed stale runs were enqueued by protocol one.
		if exec.Message == staleRunMessage {
			continue
		}
		created, err := w.enqueue(ctx, exec.JobName, exec.TargetDate, exec.EntityID, models.FailureJobFailed)
		if err != nil {
			return err
		}
		if created {
			report.MissingEnqueued++
			w.logger.Info().
				Str("job", exec.JobName).
				Str("target_date", exec.TargetDate).
				Msg("Enqueued retry for recent failure")
		}
	}
	return nil
}

// releaseStuck returns "retrying" entries whose attempt never concluded
// back to pending, and ages out entries past the retention window.
func (w *Watchdog) releaseStuck(ctx context.Context, report *models.WatchdogReport) error {
	now := w.clock.Now().UTC()

	released, err := w.store.ReleaseStuckRetrying(ctx, now.Add(-models.StaleRunningThreshold))
	if err != nil {
		return err
	}
	report.StuckReleased = released

	entries, err := w.store.ListEntries(ctx, models.RetryStatusPending, 0)
	if err != nil {
		return err
	}
	ageCutoff := now.Add(-models.RetryEntryMaxAge)
	for _, entry := range entries {
		if entry.CreatedAt.Before(ageCutoff) {
			if err := w.store.Abandon(ctx, entry.ID, "entry exceeded maximum age"); err != nil {
				return err
			}
			report.AgedAbandoned++
		}
	}
	return nil
}

// drainRetryQueue hands the pending backlog to the retry processor in one
// bounded batch per pass.
func (w *Watchdog) drainRetryQueue(ctx context.Context, report *models.WatchdogReport) error {
	result, err := w.processor.ProcessBatch(ctx, w.retryBatch)
	if result != nil {
		report.RetriesProcessed = result.Leased
		report.RetriesResolved = result.Resolved
		report.RetriesAbandoned = result.Abandoned
	}
	return err
}

// validateRecentDays checks the last N trading days for calculation jobs
// with no completed run, then verifies that completed runs actually left
// downstream rows. Catches both work that was never dispatched and runs
// that completed without writing anything.
func (w *Watchdog) validateRecentDays(ctx context.Context, report *models.WatchdogReport) error {
	jobNames := []string{
		models.JobUpdatePortfolioPrices,
		models.JobPerformanceMetrics,
		models.JobDividendProcessing,
		models.JobBenchmarkRefresh,
		models.JobExchangeRates,
	}

	for _, day := range w.calendar.RecentTradingDays(w.clock.Now(), w.validationDays) {
		targetDate := day.Format("2006-01-02")
		missing, err := w.store.MissingCompletions(ctx, jobNames, targetDate)
		if err != nil {
			return err
		}
		missingSet := make(map[string]bool, len(missing))
		for _, jobName := range missing {
			missingSet[jobName] = true
			if err := w.flagValidationGap(ctx, report, jobName, targetDate, "no completed run"); err != nil {
				return err
			}
		}

		for _, jobName := range jobNames {
			if missingSet[jobName] {
				continue
			}
			empty, err := w.downstreamMissing(ctx, jobName, targetDate)
			if err != nil {
				return err
			}
			if empty {
				if err := w.flagValidationGap(ctx, report, jobName, targetDate, "completed but empty"); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (w *Watchdog) flagValidationGap(ctx context.Context, report *models.WatchdogReport, jobName, targetDate, cause string) error {
	report.MissingDetected++
	created, err := w.enqueue(ctx, jobName, targetDate, "", models.FailureValidation)
	if err != nil {
		return err
	}
	if created {
		report.MissingEnqueued++
		w.logger.Warn().
			Str("job", jobName).
			Str("target_date", targetDate).
			Str("cause", cause).
			Msg("Validation gap detected, retry enqueued")
	}
	return nil
}

// downstreamMissing reports whether a completed calculation job left no
// rows behind for the day. Dividend processing is exempt: a trading day
// without ex-dates is legitimately empty.
func (w *Watchdog) downstreamMissing(ctx context.Context, jobName, targetDate string) (bool, error) {
	switch jobName {
	case models.JobUpdatePortfolioPrices:
		for _, fund := range w.funds {
			n, err := w.store.CountPositions(ctx, fund, targetDate)
			if err != nil {
				return false, err
			}
			if n == 0 {
				return true, nil
			}
		}
	case models.JobPerformanceMetrics:
		if _, err := w.store.GetPerformanceMetric(ctx, targetDate); err != nil {
			if errors.Is(err, interfaces.ErrNotFound) {
				return true, nil
			}
			return false, err
		}
	case models.JobExchangeRates:
		for _, pair := range w.ratePairs {
			base, quote, ok := strings.Cut(pair, "/")
			if !ok {
				continue
			}
			if _, err := w.store.GetExchangeRate(ctx, base, quote, targetDate); err != nil {
				if errors.Is(err, interfaces.ErrNotFound) {
					return true, nil
				}
				return false, err
			}
		}
	case models.JobBenchmarkRefresh:
		for _, symbol := range w.benchmarks {
			bars, err := w.store.ListBenchmarkBars(ctx, symbol, targetDate)
			if err != nil {
				return false, err
			}
			found := false
			for _, bar := range bars {
				if bar.BarDate == targetDate {
					found = true
					break
				}
			}
			if !found {
				return true, nil
			}
		}
	}
	return false, nil
}

func (w *Watchdog) enqueue(ctx context.Context, jobName, targetDate, entityID, reason string) (bool, error) {
	entry := &models.RetryQueueEntry{
		JobName:       jobName,
		TargetDate:    targetDate,
		EntityID:      entityID,
		FailureReason: reason,
	}
	created, err := w.store.Enqueue(ctx, entry)
	if err != nil {
		return false, err
	}
	if created && w.bus != nil {
		depth, _ := w.store.PendingCount(ctx)
		w.bus.Publish(&models.JobEvent{
			Type:       "retry_enqueued",
			Retry:      entry,
			Timestamp:  w.clock.Now().UTC(),
			QueueDepth: depth,
		})
	}
	return created, nil
}

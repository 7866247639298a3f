// Package retry drains the durable retry queue by re-running failed jobs.
package retry

import (
	"context"
	"errors"
	"fmt"

	"github.com/mfinch/spyglass/internal/common"
	"github.com/mfinch/spyglass/internal/interfaces"
	"github.com/mfinch/spyglass/internal/models"
)

// Processor leases pending entries and routes them back through the job
// library. Leasing is a CAS transition in the store, so concurrent
// processors never double-claim an entry.
type Processor struct {
	store  interfaces.OperationalStore
	jobs   map[string]interfaces.Job
	logger *common.Logger
	clock  common.Clock
}

var _ interfaces.RetryProcessor = (*Processor)(nil)

// Option configures the processor.
type Option func(*Processor)

// WithClock overrides the wall clock.
func WithClock(clock common.Clock) Option {
	return func(p *Processor) { p.clock = clock }
}

// NewProcessor creates a processor over the given job handlers, keyed by
// job name.
func NewProcessor(store interfaces.OperationalStore, jobs []interfaces.Job, logger *common.Logger, opts ...Option) *Processor {
	byName := make(map[string]interfaces.Job, len(jobs))
	for _, j := range jobs {
		byName[j.Name()] = j
	}
	p := &Processor{
		store:  store,
		jobs:   byName,
		logger: logger,
		clock:  common.SystemClock{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ProcessBatch abandons aged-out entries, then leases up to limit pending
// entries and re-runs each. A handler error returns the entry to pending
// until its retry budget runs out.
func (p *Processor) ProcessBatch(ctx context.Context, limit int) (*models.RetryBatchResult, error) {
	result := &models.RetryBatchResult{}

	aged, err := p.abandonAged(ctx)
	if err != nil {
		return nil, fmt.Errorf("abandon aged entries: %w", err)
	}
	result.Abandoned += aged

	entries, err := p.store.LeasePending(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("lease pending: %w", err)
	}
	result.Leased = len(entries)

	for _, entry := range entries {
		log := p.logger.With().
			Str("job", entry.JobName).
			Str("target_date", entry.TargetDate).
			Str("entry_id", entry.ID).
			Int("attempt", entry.RetryCount).
			Logger()

		job, ok := p.jobs[entry.JobName]
		if !ok {
			log.Error().Msg("No handler for queued job, abandoning")
			if err := p.store.Abandon(ctx, entry.ID, "no handler registered"); err != nil {
				return result, fmt.Errorf("abandon entry %s: %w", entry.ID, err)
			}
			result.Abandoned++
			continue
		}

		// Retried runs get a tracking row of their own, so a resolved entry
		// leaves the same completed record a scheduled run would. Without it
		// the validation sweep re-detects the gap forever.
		exec := &models.JobExecution{
			JobName:    entry.JobName,
			TargetDate: entry.TargetDate,
			EntityID:   entry.EntityID,
		}
		if err := p.store.MarkStarted(ctx, exec); err != nil {
			if errors.Is(err, interfaces.ErrDuplicateRun) {
				log.Warn().Msg("Run already in flight, returning entry to queue")
				if err := p.store.Fail(ctx, entry.ID, "run already in flight"); err != nil {
					return result, fmt.Errorf("fail entry %s: %w", entry.ID, err)
				}
				if entry.RetryCount >= entry.MaxRetries {
					result.Abandoned++
				} else {
					result.Failed++
				}
				continue
			}
			return result, fmt.Errorf("mark started for entry %s: %w", entry.ID, err)
		}

		jobResult, runErr := job.Run(ctx, entry.TargetDate)
		if runErr != nil {
			log.Warn().Err(runErr).Msg("Retry attempt failed")
			if err := p.store.MarkCompleted(ctx, exec.ID, models.ExecStatusFailed, runErr.Error(), nil); err != nil {
				log.Error().Err(err).Msg("Failed to record retry failure")
			}
			if err := p.store.Fail(ctx, entry.ID, runErr.Error()); err != nil {
				return result, fmt.Errorf("fail entry %s: %w", entry.ID, err)
			}
			if entry.RetryCount >= entry.MaxRetries {
				result.Abandoned++
			} else {
				result.Failed++
			}
			continue
		}

		message := ""
		var tickers []string
		if jobResult != nil {
			message = jobResult.Message
			tickers = jobResult.TickersProcessed
		}
		if err := p.store.MarkCompleted(ctx, exec.ID, models.ExecStatusCompleted, message, tickers); err != nil {
			log.Error().Err(err).Msg("Failed to record retry completion")
		}
		if err := p.store.Resolve(ctx, entry.ID); err != nil {
			return result, fmt.Errorf("resolve entry %s: %w", entry.ID, err)
		}
		result.Resolved++
		log.Info().Msg("Retry resolved")
	}

	return result, nil
}

// abandonAged retires unresolved entries past the age window. The source
// data those jobs would reprocess is usually gone by then.
func (p *Processor) abandonAged(ctx context.Context) (int, error) {
	cutoff := p.clock.Now().UTC().Add(-models.RetryEntryMaxAge)
	entries, err := p.store.ListEntries(ctx, models.RetryStatusPending, 0)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, entry := range entries {
		if entry.CreatedAt.Before(cutoff) {
			if err := p.store.Abandon(ctx, entry.ID, "entry exceeded maximum age"); err != nil {
				return n, err
			}
			p.logger.Info().
				Str("job", entry.JobName).
				Str("target_date", entry.TargetDate).
				Time("created_at", entry.CreatedAt).
				Msg("Abandoned aged retry entry")
			n++
		}
	}
	return n, nil
}

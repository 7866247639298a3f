package jobs

import (
	"context"
	"fmt"
	"strings"

	"github.com/mfinch/spyglass/internal/interfaces"
	"github.com/mfinch/spyglass/internal/models"
)

// ExchangeRates refreshes daily FX rates for the configured currency pairs.
type ExchangeRates struct {
	deps *Deps
}

var _ interfaces.Job = (*ExchangeRates)(nil)

// NewExchangeRates creates the exchange_rates job.
func NewExchangeRates(deps *Deps) *ExchangeRates { return &ExchangeRates{deps: deps} }

func (j *ExchangeRates) Name() string     { return models.JobExchangeRates }
func (j *ExchangeRates) Schedule() string { return "30 17 * * 1-5" }

// Run fetches and stores one rate per configured pair. A single bad pair
// fails the run so the watchdog can retry the whole date.
func (j *ExchangeRates) Run(ctx context.Context, targetDate string) (*models.JobResult, error) {
	pairs := j.deps.Config.Portfolio.RatePairs
	if len(pairs) == 0 {
		return &models.JobResult{Message: "no rate pairs configured"}, nil
	}

	saved := 0
	for _, pair := range pairs {
		base, quote, ok := strings.Cut(pair, "/")
		if !ok {
			j.deps.Logger.Warn().Str("pair", pair).Msg("Skipping malformed rate pair")
			continue
		}
		rate, err := j.deps.Market.ExchangeRate(ctx, base, quote)
		if err != nil {
			return nil, fmt.Errorf("pair %s: %w", pair, err)
		}
		if err := j.deps.Operational.SaveExchangeRate(ctx, &models.ExchangeRate{
			Base:      base,
			Quote:     quote,
			Rate:      rate,
			RateDate:  targetDate,
			FetchedAt: j.deps.clock().Now().UTC(),
		}); err != nil {
			return nil, fmt.Errorf("save rate %s: %w", pair, err)
		}
		saved++
	}
	return &models.JobResult{Message: fmt.Sprintf("%d rates saved for %s", saved, targetDate)}, nil
}

// BenchmarkRefresh backfills daily bars for the configured benchmark
// symbols and invalidates the cache so dashboards pick up the new closes.
type BenchmarkRefresh struct {
	deps *Deps
}

var _ interfaces.Job = (*BenchmarkRefresh)(nil)

// NewBenchmarkRefresh creates the benchmark_refresh job.
func NewBenchmarkRefresh(deps *Deps) *BenchmarkRefresh { return &BenchmarkRefresh{deps: deps} }

func (j *BenchmarkRefresh) Name() string     { return models.JobBenchmarkRefresh }
func (j *BenchmarkRefresh) Schedule() string { return "15 17 * * 1-5" }

// backfillDays is how far back each refresh re-reads bars. Wide enough to
// absorb a few missed runs and upstream restatements.
const backfillDays = 14

func (j *BenchmarkRefresh) Run(ctx context.Context, targetDate string) (*models.JobResult, error) {
	symbols := j.deps.Config.Portfolio.Benchmarks
	if len(symbols) == 0 {
		return &models.JobResult{Message: "no benchmarks configured"}, nil
	}

	since := j.deps.clock().Now().UTC().AddDate(0, 0, -backfillDays).Format("2006-01-02")
	total := 0
	for _, symbol := range symbols {
		bars, err := j.deps.Market.DailyBars(ctx, symbol, since)
		if err != nil {
			return nil, fmt.Errorf("symbol %s: %w", symbol, err)
		}
		for _, bar := range bars {
			bar.FetchedAt = j.deps.clock().Now().UTC()
			if err := j.deps.Operational.SaveBenchmarkBar(ctx, bar); err != nil {
				return nil, fmt.Errorf("save bar %s %s: %w", symbol, bar.BarDate, err)
			}
			total++
		}
	}

	if j.deps.Cache != nil {
		j.deps.Cache.BumpEpoch()
	}
	return &models.JobResult{
		Message:          fmt.Sprintf("%d bars saved across %d benchmarks", total, len(symbols)),
		TickersProcessed: symbols,
	}, nil
}

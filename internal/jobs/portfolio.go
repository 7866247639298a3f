package jobs

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mfinch/spyglass/internal/interfaces"
	"github.com/mfinch/spyglass/internal/models"
)

// normalizeCurrency maps the trade-log currency column to a real currency
// code. Legacy rows carry "" or "nan", which mean the base currency.
func normalizeCurrency(currency, base string, deps *Deps, ticker string) string {
	c := strings.ToUpper(strings.TrimSpace(currency))
	if c == "" || c == "NAN" {
		deps.Logger.Warn().Str("ticker", ticker).Str("raw", currency).Str("assumed", base).
			Msg("Trade row missing currency, assuming base")
		return base
	}
	return c
}

// UpdatePortfolioPrices rebuilds positions from the trade log and refreshes
// each holding's market price.
type UpdatePortfolioPrices struct {
	deps *Deps
}

var _ interfaces.Job = (*UpdatePortfolioPrices)(nil)

// NewUpdatePortfolioPrices creates the update_portfolio_prices job.
func NewUpdatePortfolioPrices(deps *Deps) *UpdatePortfolioPrices {
	return &UpdatePortfolioPrices{deps: deps}
}

func (j *UpdatePortfolioPrices) Name() string     { return models.JobUpdatePortfolioPrices }
func (j *UpdatePortfolioPrices) Schedule() string { return "45 16 * * 1-5" }

// holding is the per-fund, per-ticker aggregation of the trade log.
type holding struct {
	fund     string
	ticker   string
	exchange string
	currency string
	quantity float64
	cost     float64 // total cost of the open quantity
}

func (j *UpdatePortfolioPrices) Run(ctx context.Context, targetDate string) (*models.JobResult, error) {
	trades, err := j.deps.Operational.ListTrades(ctx)
	if err != nil {
		return nil, fmt.Errorf("list trades: %w", err)
	}
	holdings := aggregateTrades(trades, j.deps)
	if len(holdings) == 0 {
		return &models.JobResult{Message: "no open positions"}, nil
	}

	now := j.deps.clock().Now().UTC()
	var processed []string
	priced := 0
	for _, h := range holdings {
		pos := &models.Position{
			Fund:      h.fund,
			Ticker:    h.ticker,
			Date:      targetDate,
			Exchange:  h.exchange,
			Quantity:  h.quantity,
			AvgCost:   h.cost / h.quantity,
			Currency:  h.currency,
			UpdatedAt: now,
		}

		quote, err := j.deps.Market.LatestQuote(ctx, h.ticker)
		if err != nil {
			j.deps.Logger.Warn().Str("ticker", h.ticker).Err(err).Msg("Quote unavailable, keeping stale price")
		} else {
			pos.CurrentPrice = quote.Price
			pos.MarketValue = quote.Price * h.quantity
			pos.GainLoss = pos.MarketValue - h.cost
			if h.cost > 0 {
				pos.GainLossPct = pos.GainLoss / h.cost * 100
			}
			pos.PriceAsOf = now
			priced++
		}

		if err := j.deps.Operational.SavePosition(ctx, pos); err != nil {
			return nil, fmt.Errorf("save position %s: %w", h.ticker, err)
		}
		processed = append(processed, h.ticker)
	}

	if priced == 0 {
		return nil, fmt.Errorf("no quotes available for %d positions", len(holdings))
	}
	return &models.JobResult{
		Message:          fmt.Sprintf("%d positions updated, %d priced", len(processed), priced),
		TickersProcessed: processed,
	}, nil
}

// aggregateTrades folds the trade log into open holdings, one per fund and
// ticker. Sells reduce quantity and cost at the running average. Rows with
// no fund belong to the first configured fund.
func aggregateTrades(trades []*models.Trade, deps *Deps) []*holding {
	base := deps.Config.Portfolio.GetBaseCurrency()
	defaultFund := deps.Config.Portfolio.GetFunds()[0]
	byKey := make(map[string]*holding)
	var order []string

	for _, t := range trades {
		fund := t.Fund
		if fund == "" {
			fund = defaultFund
		}
		key := fund + "|" + t.Ticker
		h, ok := byKey[key]
		if !ok {
			h = &holding{
				fund:     fund,
				ticker:   t.Ticker,
				exchange: t.Exchange,
				currency: normalizeCurrency(t.Currency, base, deps, t.Ticker),
			}
			byKey[key] = h
			order = append(order, key)
		}
		switch t.Action {
		case "buy":
			h.quantity += t.Quantity
			h.cost += t.Quantity * t.Price
		case "sell":
			if h.quantity > 0 {
				avg := h.cost / h.quantity
				h.cost -= t.Quantity * avg
			}
			h.quantity -= t.Quantity
		}
	}

	var out []*holding
	for _, key := range order {
		h := byKey[key]
		if h.quantity > 1e-9 {
			out = append(out, h)
		}
	}
	return out
}

// PerformanceMetrics computes the daily portfolio snapshot in the base
// currency, including the benchmark delta.
type PerformanceMetrics struct {
	deps *Deps
}

var _ interfaces.Job = (*PerformanceMetrics)(nil)

// NewPerformanceMetrics creates the performance_metrics job.
func NewPerformanceMetrics(deps *Deps) *PerformanceMetrics { return &PerformanceMetrics{deps: deps} }

func (j *PerformanceMetrics) Name() string     { return models.JobPerformanceMetrics }
func (j *PerformanceMetrics) Schedule() string { return "0 18 * * 1-5" }

func (j *PerformanceMetrics) Run(ctx context.Context, targetDate string) (*models.JobResult, error) {
	positions, err := j.deps.Operational.ListPositions(ctx, targetDate)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	if len(positions) == 0 {
		return &models.JobResult{Message: "no positions to measure"}, nil
	}

	base := j.deps.Config.Portfolio.GetBaseCurrency()
	var totalValue, totalCost float64
	for _, pos := range positions {
		currency := normalizeCurrency(pos.Currency, base, j.deps, pos.Ticker)
		rate := 1.0
		if currency != base {
			fx, err := j.deps.Operational.GetExchangeRate(ctx, currency, base, targetDate)
			if err != nil {
				return nil, fmt.Errorf("no %s/%s rate for %s: %w", currency, base, targetDate, err)
			}
			rate = fx.Rate
		}
		totalValue += pos.MarketValue * rate
		totalCost += pos.Quantity * pos.AvgCost * rate
	}

	metric := &models.PerformanceMetric{
		MetricDate:    targetDate,
		TotalValue:    totalValue,
		TotalCost:     totalCost,
		TotalGainLoss: totalValue - totalCost,
		Currency:      base,
		ComputedAt:    j.deps.clock().Now().UTC(),
	}
	if totalCost > 0 {
		metric.TotalReturnPct = metric.TotalGainLoss / totalCost * 100
	}

	// Day change against the previous trading day's snapshot, when present.
	prevDate := j.deps.Calendar.PreviousTradingDay(parseTargetDate(targetDate)).Format("2006-01-02")
	if prev, err := j.deps.Operational.GetPerformanceMetric(ctx, prevDate); err == nil && prev.TotalValue > 0 {
		metric.DayChange = totalValue - prev.TotalValue
		metric.DayChangePct = metric.DayChange / prev.TotalValue * 100
		metric.BenchmarkDelta = metric.DayChangePct - j.benchmarkDayPct(ctx, targetDate, prevDate)
	}

	if err := j.deps.Operational.SavePerformanceMetric(ctx, metric); err != nil {
		return nil, fmt.Errorf("save metric: %w", err)
	}
	return &models.JobResult{
		Message: fmt.Sprintf("total %.2f %s, return %.2f%%", totalValue, base, metric.TotalReturnPct),
	}, nil
}

// benchmarkDayPct returns the primary benchmark's day move in percent, or
// zero when bars are missing.
func (j *PerformanceMetrics) benchmarkDayPct(ctx context.Context, targetDate, prevDate string) float64 {
	benchmarks := j.deps.Config.Portfolio.Benchmarks
	if len(benchmarks) == 0 {
		return 0
	}
	bars, err := j.deps.Operational.ListBenchmarkBars(ctx, benchmarks[0], prevDate)
	if err != nil || len(bars) == 0 {
		return 0
	}
	var prevClose, dayClose float64
	for _, bar := range bars {
		switch bar.BarDate {
		case prevDate:
			prevClose = bar.Close
		case targetDate:
			dayClose = bar.Close
		}
	}
	if prevClose <= 0 || dayClose <= 0 {
		return 0
	}
	return (dayClose - prevClose) / prevClose * 100
}

// DividendProcessing records dividend events for current holdings.
type DividendProcessing struct {
	deps *Deps
}

var _ interfaces.Job = (*DividendProcessing)(nil)

// NewDividendProcessing creates the dividend_processing job.
func NewDividendProcessing(deps *Deps) *DividendProcessing { return &DividendProcessing{deps: deps} }

func (j *DividendProcessing) Name() string     { return models.JobDividendProcessing }
func (j *DividendProcessing) Schedule() string { return "0 7 * * 1-5" }

func (j *DividendProcessing) Run(ctx context.Context, targetDate string) (*models.JobResult, error) {
	positions, err := j.deps.Operational.ListPositions(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	if len(positions) == 0 {
		return &models.JobResult{Message: "no positions, nothing to process"}, nil
	}

	// Record ex-dates from the last three months up to the target date.
	cutoff := parseTargetDate(targetDate).AddDate(0, -3, 0).Format("2006-01-02")
	now := j.deps.clock().Now().UTC()

	recorded := 0
	var processed []string
	for _, pos := range positions {
		dividends, err := j.deps.Market.Dividends(ctx, pos.Ticker)
		if err != nil {
			j.deps.Logger.Warn().Str("ticker", pos.Ticker).Err(err).Msg("Dividend schedule unavailable")
			continue
		}
		saved := false
		for _, div := range dividends {
			if div.ExDate < cutoff || div.ExDate > targetDate {
				continue
			}
			div.Currency = normalizeCurrency(pos.Currency, j.deps.Config.Portfolio.GetBaseCurrency(), j.deps, pos.Ticker)
			div.SharesHeld = pos.Quantity
			div.TotalAmount = div.Amount * pos.Quantity
			div.ProcessedAt = now
			if err := j.deps.Operational.SaveDividend(ctx, div); err != nil {
				return nil, fmt.Errorf("save dividend %s %s: %w", div.Ticker, div.ExDate, err)
			}
			recorded++
			saved = true
		}
		if saved {
			processed = append(processed, pos.Ticker)
		}
	}

	return &models.JobResult{
		Message:          fmt.Sprintf("%d dividend events recorded", recorded),
		TickersProcessed: processed,
	}, nil
}

// parseTargetDate parses a YYYY-MM-DD target date, falling back to today
// (UTC) on malformed input so date arithmetic never panics mid-job.
func parseTargetDate(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Now().UTC()
	}
	return t
}

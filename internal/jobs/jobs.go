package jobs

import (
	"time"

	"github.com/mfinch/spyglass/internal/common"
	"github.com/mfinch/spyglass/internal/interfaces"
)

// Deps carries everything the job library needs. Individual jobs pick the
// pieces they use; missing optional pieces degrade the job (logged) rather
// than crash it.
type Deps struct {
	Config      *common.Config
	Operational interfaces.OperationalStore
	Research    interfaces.ResearchStore
	Pipeline    interfaces.Pipeline
	Fetcher     interfaces.Fetcher
	LLM         interfaces.LLM
	Cache       interfaces.Cache
	Market      MarketData
	Scrapers    []interfaces.SocialScraper
	Calendar    *common.MarketCalendar
	Logger      *common.Logger
	Clock       common.Clock

	// Sleep is injectable so tests skip the politeness delays.
	Sleep func(time.Duration)
}

func (d *Deps) clock() common.Clock {
	if d.Clock == nil {
		return common.SystemClock{}
	}
	return d.Clock
}

func (d *Deps) sleep(dur time.Duration) {
	if d.Sleep != nil {
		d.Sleep(dur)
		return
	}
	time.Sleep(dur)
}

// All returns the full job library wired against deps, in registration
// order. Schedules are exchange-local (the scheduler timezone).
func All(deps *Deps) []interfaces.Job {
	return []interfaces.Job{
		NewUpdatePortfolioPrices(deps),
		NewPerformanceMetrics(deps),
		NewDividendProcessing(deps),
		NewBenchmarkRefresh(deps),
		NewExchangeRates(deps),
		NewInsiderTrades(deps),
		NewCongressTrades(deps),
		NewRSSIngest(deps),
		NewSocialSentiment(deps),
		NewResearchIngest(deps),
		NewTickerAnalysis(deps),
		NewWatchlistDerive(deps),
	}
}

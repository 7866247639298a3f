package jobs

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/mfinch/spyglass/internal/common"
	"github.com/mfinch/spyglass/internal/interfaces"
	"github.com/mfinch/spyglass/internal/models"
	"github.com/mfinch/spyglass/internal/storage/memory"
)

type fakeMarket struct {
	quotes    map[string]float64
	quoteErr  error
	bars      map[string][]*models.BenchmarkBar
	rates     map[string]float64
	dividends map[string][]*models.Dividend
}

func (m *fakeMarket) LatestQuote(ctx context.Context, ticker string) (*Quote, error) {
	if m.quoteErr != nil {
		return nil, m.quoteErr
	}
	price, ok := m.quotes[ticker]
	if !ok {
		return nil, fmt.Errorf("quote %s: no data", ticker)
	}
	return &Quote{Ticker: ticker, Price: price, Date: "2025-06-05"}, nil
}

func (m *fakeMarket) DailyBars(ctx context.Context, symbol, since string) ([]*models.BenchmarkBar, error) {
	return m.bars[symbol], nil
}

func (m *fakeMarket) ExchangeRate(ctx context.Context, base, quote string) (float64, error) {
	rate, ok := m.rates[base+"/"+quote]
	if !ok {
		return 0, fmt.Errorf("rate %s/%s: no data", base, quote)
	}
	return rate, nil
}

func (m *fakeMarket) Dividends(ctx context.Context, ticker string) ([]*models.Dividend, error) {
	return m.dividends[ticker], nil
}

type fakeCache struct {
	epochBumps int
}

func (c *fakeCache) Get(key string) ([]byte, bool)                 { return nil, false }
func (c *fakeCache) Set(key string, value []byte, _ time.Duration) {}
func (c *fakeCache) Delete(key string)                             {}
func (c *fakeCache) BumpEpoch()                                    { c.epochBumps++ }
func (c *fakeCache) Close() error                                  { return nil }

type fakePipeline struct {
	results map[string]*models.IngestResult
	errs    map[string]error
	backlog int
}

func (p *fakePipeline) Ingest(ctx context.Context, source *models.FeedSource) (*models.IngestResult, error) {
	if err := p.errs[source.Name]; err != nil {
		return nil, err
	}
	if r := p.results[source.Name]; r != nil {
		return r, nil
	}
	return &models.IngestResult{Source: source.Name}, nil
}

func (p *fakePipeline) AnalyzeBacklog(ctx context.Context, limit int) (int, error) {
	return p.backlog, nil
}

type fakeScraper struct {
	posts []*models.SocialPost
	err   error
}

func (s *fakeScraper) Platform() string { return "stocktwits" }

func (s *fakeScraper) ScrapePosts(ctx context.Context, ticker string) ([]*models.SocialPost, error) {
	return s.posts, s.err
}

func testDeps(t *testing.T) (*Deps, *memory.OperationalStore, *memory.ResearchStore) {
	t.Helper()
	op := memory.NewOperationalStore()
	rs := memory.NewResearchStore()
	config := common.NewDefaultConfig()
	config.Scheduler.Timezone = "UTC"
	deps := &Deps{
		Config:      config,
		Operational: op,
		Research:    rs,
		Calendar:    common.NewMarketCalendar("UTC"),
		Logger:      common.NewSilentLogger(),
		Clock:       common.NewFixedClock(time.Date(2025, 6, 5, 18, 0, 0, 0, time.UTC)),
		Sleep:       func(time.Duration) {},
	}
	return deps, op, rs
}

func TestAggregateTrades(t *testing.T) {
	deps, _, _ := testDeps(t)
	trades := []*models.Trade{
		{Ticker: "NVDA", Action: "buy", Quantity: 10, Price: 100, Currency: "USD"},
		{Ticker: "NVDA", Action: "buy", Quantity: 10, Price: 120, Currency: "USD"},
		{Ticker: "NVDA", Action: "sell", Quantity: 5, Price: 150, Currency: "USD"},
		{Ticker: "XIC.TO", Action: "buy", Quantity: 100, Price: 30, Currency: "nan"},
		{Ticker: "GONE", Action: "buy", Quantity: 10, Price: 5, Currency: "CAD"},
		{Ticker: "GONE", Action: "sell", Quantity: 10, Price: 6, Currency: "CAD"},
	}

	holdings := aggregateTrades(trades, deps)
	if len(holdings) != 2 {
		t.Fatalf("holdings = %d, want 2 (closed position dropped)", len(holdings))
	}

	nvda := holdings[0]
	if nvda.ticker != "NVDA" || nvda.quantity != 15 {
		t.Errorf("nvda = %+v", nvda)
	}
	// 20 shares at avg 110, sold 5 at avg: cost 2200 - 550 = 1650.
	if nvda.cost != 1650 {
		t.Errorf("nvda cost = %.2f, want 1650", nvda.cost)
	}
	// Trade rows without a fund land in the first configured fund.
	if nvda.fund != "core" {
		t.Errorf("nvda fund = %q, want core", nvda.fund)
	}

	// "nan" currency falls back to the base currency.
	if holdings[1].currency != "CAD" {
		t.Errorf("xic currency = %q, want CAD", holdings[1].currency)
	}
}

func TestAggregateTrades_SplitsByFund(t *testing.T) {
	deps, _, _ := testDeps(t)
	trades := []*models.Trade{
		{Fund: "core", Ticker: "NVDA", Action: "buy", Quantity: 10, Price: 100, Currency: "USD"},
		{Fund: "growth", Ticker: "NVDA", Action: "buy", Quantity: 5, Price: 120, Currency: "USD"},
	}

	holdings := aggregateTrades(trades, deps)
	if len(holdings) != 2 {
		t.Fatalf("holdings = %d, want one per fund", len(holdings))
	}
	if holdings[0].fund != "core" || holdings[0].quantity != 10 {
		t.Errorf("core holding = %+v", holdings[0])
	}
	if holdings[1].fund != "growth" || holdings[1].quantity != 5 {
		t.Errorf("growth holding = %+v", holdings[1])
	}
}

func TestUpdatePortfolioPrices(t *testing.T) {
	deps, op, _ := testDeps(t)
	op.AddTrade(&models.Trade{Ticker: "NVDA", Action: "buy", Quantity: 10, Price: 100, Currency: "USD"})
	op.AddTrade(&models.Trade{Ticker: "SHOP.TO", Action: "buy", Quantity: 5, Price: 80, Currency: "CAD"})
	deps.Market = &fakeMarket{quotes: map[string]float64{"NVDA": 140, "SHOP.TO": 95}}

	result, err := NewUpdatePortfolioPrices(deps).Run(context.Background(), "2025-06-05")
	if err != nil {
		t.Fatal(err)
	}
	if len(result.TickersProcessed) != 2 {
		t.Fatalf("result = %+v", result)
	}

	positions, err := op.ListPositions(context.Background(), "2025-06-05")
	if err != nil {
		t.Fatal(err)
	}
	if len(positions) != 2 {
		t.Fatalf("positions = %d", len(positions))
	}
	nvda := positions[0]
	if nvda.Ticker != "NVDA" || nvda.CurrentPrice != 140 || nvda.MarketValue != 1400 {
		t.Errorf("nvda = %+v", nvda)
	}
	if nvda.Fund != "core" || nvda.Date != "2025-06-05" {
		t.Errorf("nvda key = %q/%q, want core/2025-06-05", nvda.Fund, nvda.Date)
	}
	if nvda.GainLoss != 400 || nvda.GainLossPct != 40 {
		t.Errorf("nvda gain = %.2f (%.2f%%)", nvda.GainLoss, nvda.GainLossPct)
	}
}

func TestUpdatePortfolioPrices_AllQuotesFailing(t *testing.T) {
	deps, op, _ := testDeps(t)
	op.AddTrade(&models.Trade{Ticker: "NVDA", Action: "buy", Quantity: 10, Price: 100, Currency: "USD"})
	deps.Market = &fakeMarket{quoteErr: errors.New("upstream down")}

	if _, err := NewUpdatePortfolioPrices(deps).Run(context.Background(), "2025-06-05"); err == nil {
		t.Fatal("expected failure when nothing can be priced")
	}
}

func TestPerformanceMetrics_ConvertsToBase(t *testing.T) {
	deps, op, _ := testDeps(t)
	now := time.Now().UTC()
	if err := op.SavePosition(context.Background(), &models.Position{
		Fund: "core", Ticker: "NVDA", Date: "2025-06-05",
		Quantity: 10, AvgCost: 100, MarketValue: 1400, Currency: "USD", UpdatedAt: now,
	}); err != nil {
		t.Fatal(err)
	}
	if err := op.SaveExchangeRate(context.Background(), &models.ExchangeRate{
		Base: "USD", Quote: "CAD", Rate: 1.35, RateDate: "2025-06-05",
	}); err != nil {
		t.Fatal(err)
	}

	result, err := NewPerformanceMetrics(deps).Run(context.Background(), "2025-06-05")
	if err != nil {
		t.Fatal(err)
	}
	if result == nil {
		t.Fatal("nil result")
	}

	metric, err := op.GetPerformanceMetric(context.Background(), "2025-06-05")
	if err != nil {
		t.Fatal(err)
	}
	if metric.TotalValue != 1400*1.35 || metric.TotalCost != 1000*1.35 {
		t.Errorf("metric = %+v", metric)
	}
	if metric.Currency != "CAD" {
		t.Errorf("currency = %q", metric.Currency)
	}
}

func TestPerformanceMetrics_MissingRateFails(t *testing.T) {
	deps, op, _ := testDeps(t)
	if err := op.SavePosition(context.Background(), &models.Position{
		Fund: "core", Ticker: "NVDA", Date: "2025-06-05",
		Quantity: 10, AvgCost: 100, MarketValue: 1400, Currency: "USD",
	}); err != nil {
		t.Fatal(err)
	}

	if _, err := NewPerformanceMetrics(deps).Run(context.Background(), "2025-06-05"); err == nil {
		t.Fatal("expected failure without the day's FX rate")
	}
}

func TestExchangeRates(t *testing.T) {
	deps, op, _ := testDeps(t)
	deps.Market = &fakeMarket{rates: map[string]float64{"USD/CAD": 1.35, "EUR/CAD": 1.48}}

	result, err := NewExchangeRates(deps).Run(context.Background(), "2025-06-05")
	if err != nil {
		t.Fatal(err)
	}
	if result.Message != "2 rates saved for 2025-06-05" {
		t.Errorf("message = %q", result.Message)
	}

	rate, err := op.GetExchangeRate(context.Background(), "USD", "CAD", "2025-06-05")
	if err != nil {
		t.Fatal(err)
	}
	if rate.Rate != 1.35 {
		t.Errorf("rate = %+v", rate)
	}
}

func TestBenchmarkRefresh_SavesBarsAndBumpsEpoch(t *testing.T) {
	deps, op, _ := testDeps(t)
	cache := &fakeCache{}
	deps.Cache = cache
	deps.Config.Portfolio.Benchmarks = []string{"SPY"}
	deps.Market = &fakeMarket{bars: map[string][]*models.BenchmarkBar{
		"SPY": {
			{Symbol: "SPY", BarDate: "2025-06-04", Close: 530},
			{Symbol: "SPY", BarDate: "2025-06-05", Close: 534},
		},
	}}

	result, err := NewBenchmarkRefresh(deps).Run(context.Background(), "2025-06-05")
	if err != nil {
		t.Fatal(err)
	}
	if result.Message != "2 bars saved across 1 benchmarks" {
		t.Errorf("message = %q", result.Message)
	}
	if cache.epochBumps != 1 {
		t.Errorf("epoch bumps = %d", cache.epochBumps)
	}

	bars, err := op.ListBenchmarkBars(context.Background(), "SPY", "2025-06-01")
	if err != nil {
		t.Fatal(err)
	}
	if len(bars) != 2 {
		t.Errorf("bars = %d", len(bars))
	}
}

func TestDividendProcessing_WindowFilter(t *testing.T) {
	deps, op, _ := testDeps(t)
	if err := op.SavePosition(context.Background(), &models.Position{
		Fund: "core", Ticker: "NVDA", Date: "2025-06-05", Quantity: 100, Currency: "USD",
	}); err != nil {
		t.Fatal(err)
	}
	deps.Market = &fakeMarket{dividends: map[string][]*models.Dividend{
		"NVDA": {
			{Ticker: "NVDA", ExDate: "2025-05-20", Amount: 0.25}, // in window
			{Ticker: "NVDA", ExDate: "2024-01-10", Amount: 0.20}, // too old
			{Ticker: "NVDA", ExDate: "2025-07-01", Amount: 0.25}, // future
		},
	}}

	result, err := NewDividendProcessing(deps).Run(context.Background(), "2025-06-05")
	if err != nil {
		t.Fatal(err)
	}
	if result.Message != "1 dividend events recorded" {
		t.Errorf("message = %q", result.Message)
	}

	dividends, err := op.ListDividends(context.Background(), "NVDA")
	if err != nil {
		t.Fatal(err)
	}
	if len(dividends) != 1 || dividends[0].TotalAmount != 25 || dividends[0].SharesHeld != 100 {
		t.Errorf("dividends = %+v", dividends)
	}
}

func TestRSSIngest_PartialFailure(t *testing.T) {
	deps, _, _ := testDeps(t)
	deps.Config.Feeds = []common.FeedConfig{
		{Name: "good", URL: "https://good.example/feed", Kind: "rss", Enabled: true},
		{Name: "bad", URL: "https://bad.example/feed", Kind: "rss", Enabled: true},
		{Name: "off", URL: "https://off.example/feed", Kind: "rss", Enabled: false},
	}
	deps.Pipeline = &fakePipeline{
		results: map[string]*models.IngestResult{
			"good": {Source: "good", Found: 5, New: 3, Duplicates: 2},
		},
		errs: map[string]error{"bad": errors.New("connection refused")},
	}

	result, err := NewRSSIngest(deps).Run(context.Background(), "2025-06-05")
	if err != nil {
		t.Fatal(err)
	}
	if result.Message == "" || result.Message[:11] != "3 new items" {
		t.Errorf("message = %q", result.Message)
	}
}

func TestRSSIngest_AllSourcesFailing(t *testing.T) {
	deps, _, _ := testDeps(t)
	deps.Config.Feeds = []common.FeedConfig{
		{Name: "bad", URL: "https://bad.example/feed", Kind: "rss", Enabled: true},
	}
	deps.Pipeline = &fakePipeline{errs: map[string]error{"bad": errors.New("down")}}

	if _, err := NewRSSIngest(deps).Run(context.Background(), "2025-06-05"); err == nil {
		t.Fatal("expected failure when every source fails")
	}
}

func TestWatchlistDerive(t *testing.T) {
	deps, _, rs := testDeps(t)
	now := deps.clock().Now()
	for i, a := range []*models.Article{
		{URL: "u1", Source: "wire-a", Tickers: []string{"NVDA"}},
		{URL: "u2", Source: "wire-b", Tickers: []string{"NVDA"}},
		{URL: "u3", Source: "wire-c", Tickers: []string{"NVDA", "AMD"}},
		{URL: "u4", Source: "wire-a", Tickers: []string{"AMD"}},
		{URL: "u5", Source: "wire-a", Tickers: []string{"TSLA"}},
	} {
		a.FetchedAt = now.Add(-time.Duration(i) * time.Hour)
		if _, err := rs.UpsertArticle(context.Background(), a); err != nil {
			t.Fatal(err)
		}
	}
	// Stale entry that should be deactivated.
	if err := rs.UpsertWatchedTicker(context.Background(), &models.WatchedTicker{
		Ticker: "OLD", PriorityTier: "B", IsActive: true, UpdatedAt: now.Add(-48 * time.Hour),
	}); err != nil {
		t.Fatal(err)
	}

	result, err := NewWatchlistDerive(deps).Run(context.Background(), "2025-06-05")
	if err != nil {
		t.Fatal(err)
	}
	if len(result.TickersProcessed) != 3 {
		t.Fatalf("result = %+v", result)
	}

	watched, err := rs.ListWatchedTickers(context.Background(), true)
	if err != nil {
		t.Fatal(err)
	}
	tiers := make(map[string]string)
	for _, wt := range watched {
		tiers[wt.Ticker] = wt.PriorityTier
	}
	if tiers["NVDA"] != "A" || tiers["AMD"] != "B" || tiers["TSLA"] != "C" {
		t.Errorf("tiers = %v", tiers)
	}
	if _, ok := tiers["OLD"]; ok {
		t.Error("stale ticker should be deactivated")
	}
}

func TestSocialSentiment_RecordsMetric(t *testing.T) {
	deps, _, rs := testDeps(t)
	if err := rs.UpsertWatchedTicker(context.Background(), &models.WatchedTicker{
		Ticker: "NVDA", PriorityTier: "A", IsActive: true, UpdatedAt: time.Now(),
	}); err != nil {
		t.Fatal(err)
	}
	deps.Scrapers = []interfaces.SocialScraper{&fakeScraper{posts: []*models.SocialPost{
		{Platform: "stocktwits", PostID: "1", Content: "NVDA to the moon, loading calls", Tickers: []string{"NVDA"}, PostedAt: time.Now()},
		{Platform: "stocktwits", PostID: "2", Content: "buying more, this rally has legs", Tickers: []string{"NVDA"}, PostedAt: time.Now()},
		{Platform: "stocktwits", PostID: "3", Content: "overvalued garbage, puts printing", Tickers: []string{"NVDA"}, PostedAt: time.Now()},
	}}}

	result, err := NewSocialSentiment(deps).Run(context.Background(), "2025-06-05")
	if err != nil {
		t.Fatal(err)
	}
	if len(result.TickersProcessed) != 1 {
		t.Fatalf("result = %+v", result)
	}

	metric, err := rs.LatestMetric(context.Background(), "NVDA", "stocktwits")
	if err != nil {
		t.Fatal(err)
	}
	if metric == nil || metric.Volume != 3 {
		t.Fatalf("metric = %+v", metric)
	}
	if metric.SentimentScore <= 0 || metric.SentimentLabel == "" {
		t.Errorf("metric = %+v", metric)
	}
	if metric.BullBearRatio != 2 {
		t.Errorf("ratio = %.2f, want 2", metric.BullBearRatio)
	}

	posts, err := rs.ListRecentPosts(context.Background(), "NVDA", time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(posts) != 3 {
		t.Errorf("posts = %d", len(posts))
	}
}

func TestScorePost(t *testing.T) {
	cases := []struct {
		content string
		want    func(float64) bool
	}{
		{"loading calls, breakout incoming", func(s float64) bool { return s > 0 }},
		{"bagholder city, dump it", func(s float64) bool { return s < 0 }},
		{"earnings are on thursday", func(s float64) bool { return s == 0 }},
		{"bullish on the beat but overvalued here", func(s float64) bool { return s > -1 && s < 1 }},
	}
	for _, tc := range cases {
		if got := scorePost(tc.content); !tc.want(got) {
			t.Errorf("scorePost(%q) = %.2f", tc.content, got)
		}
	}
}

func TestCongressImport_Dedupes(t *testing.T) {
	deps, op, _ := testDeps(t)
	rows := []congressDisclosure{
		{Representative: "Jane Doe", Ticker: "nvda", Type: "purchase", TransactionDate: "2025-06-01", Amount: "$1,001 - $15,000", Party: "Independent"},
		{Representative: "Jane Doe", Ticker: "NVDA", Type: "purchase", TransactionDate: "2025-06-01", Amount: "$1,001 - $15,000"},
		{Representative: "John Roe", Ticker: "--", Type: "sale_full", TransactionDate: "2025-06-02", Amount: "$15,001 - $50,000"},
	}

	inserted, skipped, err := deps.ImportCongressRows(context.Background(), rows, "seed")
	if err != nil {
		t.Fatal(err)
	}
	if inserted != 1 || skipped != 1 {
		t.Errorf("inserted=%d skipped=%d", inserted, skipped)
	}

	trades, err := op.ListCongressTrades(context.Background(), "NVDA", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(trades) != 1 || trades[0].TransactionType != "purchase" || trades[0].Chamber != "house" {
		t.Errorf("trades = %+v", trades)
	}
}

func TestBackfillCongressTrades_PagesAndWindow(t *testing.T) {
	deps, op, _ := testDeps(t)
	// Clock is 2025-06-05; months-back 1 keeps May onward, skip-recent
	// drops the last 7 days.
	feed := `[
		{"representative":"Jane Doe","ticker":"NVDA","type":"purchase","transaction_date":"2025-05-10","amount":"$1,001 - $15,000"},
		{"representative":"Jane Doe","ticker":"AMD","type":"sale_full","transaction_date":"2025-05-20","amount":"$1,001 - $15,000"},
		{"representative":"John Roe","ticker":"TSLA","type":"purchase","transaction_date":"2025-06-03","amount":"$1,001 - $15,000"},
		{"representative":"John Roe","ticker":"OLD","type":"purchase","transaction_date":"2024-01-01","amount":"$1,001 - $15,000"}
	]`
	deps.Fetcher = &canned{bodies: map[string][]byte{
		"https://house-stock-watcher-data": []byte(feed),
	}}

	batchID, inserted, skipped, err := deps.BackfillCongressTrades(context.Background(), CongressBackfill{
		MonthsBack: 1,
		PageSize:   1,
		SkipRecent: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if batchID == "" {
		t.Error("expected a batch id")
	}
	// TSLA is within the skip-recent window, OLD predates the window.
	if inserted != 2 || skipped != 0 {
		t.Errorf("inserted=%d skipped=%d, want 2/0", inserted, skipped)
	}

	trades, err := op.ListCongressTrades(context.Background(), "NVDA", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(trades) != 1 || trades[0].Source != "backfill:"+batchID {
		t.Errorf("trades = %+v", trades)
	}

	// Resuming past the last page imports nothing.
	_, inserted, skipped, err = deps.BackfillCongressTrades(context.Background(), CongressBackfill{
		MonthsBack: 1,
		PageSize:   1,
		StartPage:  3,
		SkipRecent: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if inserted != 0 || skipped != 0 {
		t.Errorf("resume past end: inserted=%d skipped=%d, want 0/0", inserted, skipped)
	}
}

func TestAll_RegistersTwelveJobs(t *testing.T) {
	deps, _, _ := testDeps(t)
	jobs := All(deps)
	if len(jobs) != 12 {
		t.Fatalf("jobs = %d, want 12", len(jobs))
	}
	seen := make(map[string]bool)
	for _, j := range jobs {
		if j.Name() == "" || j.Schedule() == "" {
			t.Errorf("job %T missing name or schedule", j)
		}
		if seen[j.Name()] {
			t.Errorf("duplicate job name %s", j.Name())
		}
		seen[j.Name()] = true
	}
}

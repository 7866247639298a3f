package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mfinch/spyglass/internal/interfaces"
	"github.com/mfinch/spyglass/internal/models"
)

func TestMarkStarted_DuplicateRunGuard(t *testing.T) {
	s := NewOperationalStore()
	ctx := context.Background()

	first := &models.JobExecution{JobName: models.JobExchangeRates, TargetDate: "2025-06-05"}
	if err := s.MarkStarted(ctx, first); err != nil {
		t.Fatal(err)
	}

	dup := &models.JobExecution{JobName: models.JobExchangeRates, TargetDate: "2025-06-05"}
	if err := s.MarkStarted(ctx, dup); !errors.Is(err, interfaces.ErrDuplicateRun) {
		t.Fatalf("expected duplicate-run error, got %v", err)
	}

	// Different target date: independent.
	other := &models.JobExecution{JobName: models.JobExchangeRates, TargetDate: "2025-06-06"}
	if err := s.MarkStarted(ctx, other); err != nil {
		t.Fatalf("different date should start: %v", err)
	}

	// A failed run frees the key.
	if err := s.MarkCompleted(ctx, first.ID, models.ExecStatusFailed, "boom", nil); err != nil {
		t.Fatal(err)
	}
	retry := &models.JobExecution{JobName: models.JobExchangeRates, TargetDate: "2025-06-05"}
	if err := s.MarkStarted(ctx, retry); err != nil {
		t.Fatalf("failed run should not block a restart: %v", err)
	}
}

func TestMarkStarted_CompletedRunDoesNotBlockRerun(t *testing.T) {
	s := NewOperationalStore()
	ctx := context.Background()

	first := &models.JobExecution{JobName: models.JobUpdatePortfolioPrices, TargetDate: "2025-06-05"}
	if err := s.MarkStarted(ctx, first); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkCompleted(ctx, first.ID, models.ExecStatusCompleted, "done", nil); err != nil {
		t.Fatal(err)
	}

	// Only a live running row guards the key; a completed run can be
	// re-run out of band.
	rerun := &models.JobExecution{JobName: models.JobUpdatePortfolioPrices, TargetDate: "2025-06-05"}
	if err := s.MarkStarted(ctx, rerun); err != nil {
		t.Fatalf("completed run should not block a re-run: %v", err)
	}
}

func TestMarkCompleted_TerminalOnce(t *testing.T) {
	s := NewOperationalStore()
	ctx := context.Background()

	exec := &models.JobExecution{JobName: models.JobBenchmarkRefresh, TargetDate: "2025-06-05"}
	if err := s.MarkStarted(ctx, exec); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkCompleted(ctx, exec.ID, models.ExecStatusCompleted, "done", []string{"SPY"}); err != nil {
		t.Fatal(err)
	}

	// Second completion must not land.
	if err := s.MarkCompleted(ctx, exec.ID, models.ExecStatusFailed, "late", nil); !errors.Is(err, interfaces.ErrNotFound) {
		t.Fatalf("terminal row should not transition again, got %v", err)
	}

	got, err := s.GetExecution(ctx, exec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.ExecStatusCompleted || got.Message != "done" {
		t.Errorf("terminal state overwritten: %+v", got)
	}
}

func TestEnqueue_DedupesUnresolvedKeys(t *testing.T) {
	s := NewOperationalStore()
	ctx := context.Background()

	entry := &models.RetryQueueEntry{
		JobName:       models.JobUpdatePortfolioPrices,
		TargetDate:    "2025-06-05",
		FailureReason: models.FailureJobFailed,
	}
	created, err := s.Enqueue(ctx, entry)
	if err != nil || !created {
		t.Fatalf("first enqueue: %v %v", created, err)
	}

	dup := &models.RetryQueueEntry{
		JobName:       models.JobUpdatePortfolioPrices,
		TargetDate:    "2025-06-05",
		FailureReason: models.FailureContainerRestart,
	}
	created, err = s.Enqueue(ctx, dup)
	if err != nil || created {
		t.Fatalf("unresolved key should dedupe: %v %v", created, err)
	}

	// After abandonment, the key is free again.
	if err := s.Abandon(ctx, entry.ID, "gave up"); err != nil {
		t.Fatal(err)
	}
	created, err = s.Enqueue(ctx, dup)
	if err != nil || !created {
		t.Fatalf("resolved key should re-enqueue: %v %v", created, err)
	}
}

func TestLeasePending_ClaimsOnceOldestFirst(t *testing.T) {
	s := NewOperationalStore()
	ctx := context.Background()

	old := &models.RetryQueueEntry{
		JobName: models.JobExchangeRates, TargetDate: "2025-06-03",
		CreatedAt: time.Now().Add(-2 * time.Hour),
	}
	newer := &models.RetryQueueEntry{
		JobName: models.JobExchangeRates, TargetDate: "2025-06-04",
		CreatedAt: time.Now().Add(-1 * time.Hour),
	}
	for _, e := range []*models.RetryQueueEntry{newer, old} {
		if _, err := s.Enqueue(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	leased, err := s.LeasePending(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(leased) != 1 || leased[0].TargetDate != "2025-06-03" {
		t.Fatalf("expected oldest entry first, got %+v", leased)
	}
	if leased[0].Status != models.RetryStatusRetrying || leased[0].RetryCount != 1 {
		t.Errorf("lease should transition and count: %+v", leased[0])
	}

	// Leased entry is not claimable again.
	second, err := s.LeasePending(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(second) != 1 || second[0].TargetDate != "2025-06-04" {
		t.Fatalf("only the remaining pending entry should lease: %+v", second)
	}
}

func TestFail_ReturnsToPendingThenAbandons(t *testing.T) {
	s := NewOperationalStore()
	ctx := context.Background()

	entry := &models.RetryQueueEntry{JobName: models.JobPerformanceMetrics, TargetDate: "2025-06-05"}
	if _, err := s.Enqueue(ctx, entry); err != nil {
		t.Fatal(err)
	}

	for attempt := 1; attempt <= models.DefaultMaxRetries; attempt++ {
		leased, err := s.LeasePending(ctx, 1)
		if err != nil {
			t.Fatal(err)
		}
		if len(leased) != 1 {
			t.Fatalf("attempt %d: expected a lease, got %d", attempt, len(leased))
		}
		if err := s.Fail(ctx, leased[0].ID, "still broken"); err != nil {
			t.Fatal(err)
		}
	}

	// Budget exhausted: abandoned, nothing left to lease.
	leased, err := s.LeasePending(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(leased) != 0 {
		t.Fatalf("abandoned entry must not lease: %+v", leased)
	}
	entries, err := s.ListEntries(ctx, models.RetryStatusAbandoned, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].RetryCount != models.DefaultMaxRetries {
		t.Errorf("expected abandoned entry with %d attempts: %+v", models.DefaultMaxRetries, entries)
	}
}

func TestReleaseStuckRetrying(t *testing.T) {
	s := NewOperationalStore()
	ctx := context.Background()

	entry := &models.RetryQueueEntry{JobName: models.JobDividendProcessing, TargetDate: "2025-06-05"}
	if _, err := s.Enqueue(ctx, entry); err != nil {
		t.Fatal(err)
	}
	if _, err := s.LeasePending(ctx, 1); err != nil {
		t.Fatal(err)
	}

	n, err := s.ReleaseStuckRetrying(ctx, time.Now().Add(time.Minute))
	if err != nil || n != 1 {
		t.Fatalf("expected 1 released, got %d %v", n, err)
	}
	if cnt, _ := s.PendingCount(ctx); cnt != 1 {
		t.Errorf("released entry should be pending, count = %d", cnt)
	}
}

func TestSavePosition_KeyedByFundTickerDate(t *testing.T) {
	s := NewOperationalStore()
	ctx := context.Background()

	seed := []*models.Position{
		{Fund: "core", Ticker: "NVDA", Date: "2025-06-04", Quantity: 10},
		{Fund: "core", Ticker: "NVDA", Date: "2025-06-05", Quantity: 10},
		{Fund: "growth", Ticker: "NVDA", Date: "2025-06-05", Quantity: 5},
		{Fund: "core", Ticker: "AMD", Date: "2025-06-05", Quantity: 20},
	}
	for _, p := range seed {
		if err := s.SavePosition(ctx, p); err != nil {
			t.Fatal(err)
		}
	}
	// Same key overwrites rather than duplicating.
	if err := s.SavePosition(ctx, &models.Position{Fund: "core", Ticker: "NVDA", Date: "2025-06-05", Quantity: 12}); err != nil {
		t.Fatal(err)
	}

	day, err := s.ListPositions(ctx, "2025-06-05")
	if err != nil {
		t.Fatal(err)
	}
	if len(day) != 3 {
		t.Fatalf("expected 3 positions for 2025-06-05, got %d", len(day))
	}
	for _, p := range day {
		if p.Fund == "core" && p.Ticker == "NVDA" && p.Quantity != 12 {
			t.Errorf("same-key save should overwrite, quantity = %v", p.Quantity)
		}
	}

	// Empty date resolves to the latest date on record.
	latest, err := s.ListPositions(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(latest) != 3 {
		t.Fatalf("empty date should return latest snapshot, got %d positions", len(latest))
	}

	n, err := s.CountPositions(ctx, "growth", "2025-06-05")
	if err != nil || n != 1 {
		t.Fatalf("CountPositions(growth, 2025-06-05) = %d, %v; want 1", n, err)
	}
	n, err = s.CountPositions(ctx, "growth", "2025-06-04")
	if err != nil || n != 0 {
		t.Fatalf("CountPositions(growth, 2025-06-04) = %d, %v; want 0", n, err)
	}
}

func TestSaveInsiderTrade_DedupeKeepsDistinctTypeSharesPrice(t *testing.T) {
	s := NewOperationalStore()
	ctx := context.Background()

	base := models.InsiderTrade{
		Ticker: "NVDA", InsiderName: "J. Doe", TransactionDate: "2025-06-05",
		TransactionType: "buy", Shares: 100, Price: 120.50,
	}

	variants := []models.InsiderTrade{
		base,
		base, // exact duplicate
	}
	sell := base
	sell.TransactionType = "sell"
	moreShares := base
	moreShares.Shares = 200
	otherPrice := base
	otherPrice.Price = 121.00
	variants = append(variants, sell, moreShares, otherPrice)

	for i := range variants {
		if err := s.SaveInsiderTrade(ctx, &variants[i]); err != nil {
			t.Fatal(err)
		}
	}

	// Same insider and day, but different type, shares, or price are
	// distinct filings. Only the exact duplicate collapses.
	if len(s.insiders) != 4 {
		t.Fatalf("expected 4 distinct insider trades, got %d", len(s.insiders))
	}
}

func TestLogExecution_AppendsNewestFirst(t *testing.T) {
	s := NewOperationalStore()
	ctx := context.Background()

	entries := []*models.ExecutionLogEntry{
		{JobName: models.JobExchangeRates, Success: true, Message: "3 rates", LoggedAt: time.Date(2025, 6, 5, 6, 0, 0, 0, time.UTC)},
		{JobName: models.JobExchangeRates, Success: false, Message: "source down", LoggedAt: time.Date(2025, 6, 5, 7, 0, 0, 0, time.UTC)},
		{JobName: models.JobBenchmarkRefresh, Success: true, Message: "2 bars", LoggedAt: time.Date(2025, 6, 5, 8, 0, 0, 0, time.UTC)},
	}
	for _, e := range entries {
		if err := s.LogExecution(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.ListExecutionLog(ctx, models.JobExchangeRates, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 entries for the job, got %d", len(got))
	}
	if got[0].Message != "source down" || got[1].Message != "3 rates" {
		t.Errorf("expected newest first, got %q then %q", got[0].Message, got[1].Message)
	}

	all, err := s.ListExecutionLog(ctx, "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("expected all 3 entries without a job filter, got %d", len(all))
	}
}

func TestUpsertArticle_PreservesFetchTimeAndAnalysis(t *testing.T) {
	s := NewResearchStore()
	ctx := context.Background()

	orig := &models.Article{
		URL:       "https://example.com/a",
		Title:     "v1",
		Source:    "wire",
		FetchedAt: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
	}
	inserted, err := s.UpsertArticle(ctx, orig)
	if err != nil || !inserted {
		t.Fatalf("first upsert: %v %v", inserted, err)
	}

	if err := s.UpdateAnalysis(ctx, orig.URL, &models.AnalysisResult{
		Summary: "summary", Sentiment: models.SentimentBullish,
	}, nil); err != nil {
		t.Fatal(err)
	}

	again := &models.Article{URL: orig.URL, Title: "v2", Source: "wire", FetchedAt: time.Now()}
	inserted, err = s.UpsertArticle(ctx, again)
	if err != nil || inserted {
		t.Fatalf("re-upsert should report existing: %v %v", inserted, err)
	}

	got, err := s.GetArticle(ctx, orig.URL)
	if err != nil {
		t.Fatal(err)
	}
	if !got.FetchedAt.Equal(orig.FetchedAt) {
		t.Error("re-upsert must preserve original fetched_at")
	}
	if got.Summary != "summary" {
		t.Error("re-upsert must preserve analysis fields")
	}
	if got.Title != "v2" {
		t.Error("re-upsert should refresh content fields")
	}
}

func TestTickerMentionCounts_DistinctSources(t *testing.T) {
	s := NewResearchStore()
	ctx := context.Background()
	now := time.Now()

	articles := []*models.Article{
		{URL: "u1", Source: "wire-a", Tickers: []string{"NVDA"}, FetchedAt: now},
		{URL: "u2", Source: "wire-a", Tickers: []string{"NVDA"}, FetchedAt: now},
		{URL: "u3", Source: "wire-b", Tickers: []string{"NVDA", "AMD"}, FetchedAt: now},
		{URL: "u4", Source: "wire-c", Tickers: []string{"NVDA"}, FetchedAt: now.Add(-48 * time.Hour)},
	}
	for _, a := range articles {
		if _, err := s.UpsertArticle(ctx, a); err != nil {
			t.Fatal(err)
		}
	}

	counts, err := s.TickerMentionCounts(ctx, now.Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	// Two distinct sources inside the window; the old article is out.
	if counts["NVDA"] != 2 {
		t.Errorf("NVDA count = %d, want 2", counts["NVDA"])
	}
	if counts["AMD"] != 1 {
		t.Errorf("AMD count = %d, want 1", counts["AMD"])
	}
}

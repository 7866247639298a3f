package watchdog

import (
	"context"
	"testing"
	"time"

	"github.com/mfinch/spyglass/internal/common"
	"github.com/mfinch/spyglass/internal/interfaces"
	"github.com/mfinch/spyglass/internal/models"
	"github.com/mfinch/spyglass/internal/retry"
	"github.com/mfinch/spyglass/internal/storage/memory"
)

type noopProcessor struct{}

func (noopProcessor) ProcessBatch(ctx context.Context, limit int) (*models.RetryBatchResult, error) {
	return &models.RetryBatchResult{}, nil
}

type okJob struct{ name string }

func (j *okJob) Name() string     { return j.name }
func (j *okJob) Schedule() string { return "0 6 * * *" }
func (j *okJob) Run(ctx context.Context, targetDate string) (*models.JobResult, error) {
	return &models.JobResult{Message: "recovered"}, nil
}

// Thursday, no holiday anywhere near.
var testNow = time.Date(2025, 6, 5, 12, 0, 0, 0, time.UTC)

func newTestWatchdog(store interfaces.OperationalStore, processor interfaces.RetryProcessor, clock common.Clock) *Watchdog {
	config := common.NewDefaultConfig()
	config.Scheduler.Timezone = "UTC"
	config.Watchdog.ValidationDays = 1
	config.Portfolio.Funds = []string{"core"}
	config.Portfolio.Benchmarks = []string{"SPY"}
	config.Portfolio.RatePairs = []string{"USD/CAD"}
	return New(config, store, processor, common.NewSilentLogger(), WithClock(clock))
}

func startRunning(t *testing.T, store interfaces.OperationalStore, jobName, targetDate string, startedAt time.Time) *models.JobExecution {
	t.Helper()
	exec := &models.JobExecution{JobName: jobName, TargetDate: targetDate, StartedAt: startedAt}
	if err := store.MarkStarted(context.Background(), exec); err != nil {
		t.Fatal(err)
	}
	return exec
}

func completeJob(t *testing.T, store interfaces.OperationalStore, jobName, targetDate string) {
	t.Helper()
	exec := startRunning(t, store, jobName, targetDate, testNow)
	if err := store.MarkCompleted(context.Background(), exec.ID, models.ExecStatusCompleted, "ok", nil); err != nil {
		t.Fatal(err)
	}
}

// seedOutputs writes the rows a healthy calculation day leaves behind, so
// the validation sweep sees completed runs with data.
func seedOutputs(t *testing.T, store interfaces.OperationalStore, targetDate string) {
	t.Helper()
	ctx := context.Background()
	if err := store.SavePosition(ctx, &models.Position{
		Fund: "core", Ticker: "NVDA", Date: targetDate, Quantity: 10, UpdatedAt: testNow,
	}); err != nil {
		t.Fatal(err)
	}
	if err := store.SavePerformanceMetric(ctx, &models.PerformanceMetric{
		MetricDate: targetDate, TotalValue: 1200, ComputedAt: testNow,
	}); err != nil {
		t.Fatal(err)
	}
	if err := store.SaveBenchmarkBar(ctx, &models.BenchmarkBar{
		Symbol: "SPY", BarDate: targetDate, Close: 530, FetchedAt: testNow,
	}); err != nil {
		t.Fatal(err)
	}
	if err := store.SaveExchangeRate(ctx, &models.ExchangeRate{
		Base: "USD", Quote: "CAD", Rate: 1.37, RateDate: targetDate, FetchedAt: testNow,
	}); err != nil {
		t.Fatal(err)
	}
}

func completeAll(t *testing.T, store interfaces.OperationalStore, targetDate string) {
	t.Helper()
	seedOutputs(t, store, targetDate)
	for _, name := range []string{
		models.JobUpdatePortfolioPrices,
		models.JobPerformanceMetrics,
		models.JobDividendProcessing,
		models.JobBenchmarkRefresh,
		models.JobExchangeRates,
	} {
		completeJob(t, store, name, targetDate)
	}
}

func TestSweepStaleRunning(t *testing.T) {
	store := memory.NewOperationalStore()
	clock := common.NewFixedClock(testNow)
	w := newTestWatchdog(store, noopProcessor{}, clock)
	completeAll(t, store, "2025-06-04")

	// Calculation job stuck for two hours, scraper stuck just as long, and
	// a fresh run that must be left alone.
	stale := startRunning(t, store, models.JobExchangeRates, "2025-06-05", testNow.Add(-2*time.Hour))
	scraper := startRunning(t, store, models.JobRSSIngest, "2025-06-05", testNow.Add(-2*time.Hour))
	fresh := startRunning(t, store, models.JobBenchmarkRefresh, "2025-06-05", testNow.Add(-10*time.Minute))

	report, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if report.StaleMarkedFailed != 2 {
		t.Errorf("stale failed = %d, want 2", report.StaleMarkedFailed)
	}
	if report.StaleEnqueued != 1 {
		t.Errorf("stale enqueued = %d, want 1 (scrapers are not retry-eligible)", report.StaleEnqueued)
	}

	got, _ := store.GetExecution(context.Background(), stale.ID)
	if got.Status != models.ExecStatusFailed || got.Message != staleRunMessage {
		t.Errorf("stale run = %+v", got)
	}
	got, _ = store.GetExecution(context.Background(), scraper.ID)
	if got.Status != models.ExecStatusFailed {
		t.Errorf("scraper run should also fail: %+v", got)
	}
	got, _ = store.GetExecution(context.Background(), fresh.ID)
	if got.Status != models.ExecStatusRunning {
		t.Errorf("fresh run must not be touched: %+v", got)
	}

	pending, err := store.ListEntries(context.Background(), models.RetryStatusPending, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].JobName != models.JobExchangeRates ||
		pending[0].FailureReason != models.FailureContainerRestart {
		t.Errorf("pending entries = %+v", pending)
	}
}

func TestSweepRecentFailures_Idempotent(t *testing.T) {
	store := memory.NewOperationalStore()
	clock := common.NewFixedClock(testNow)
	w := newTestWatchdog(store, noopProcessor{}, clock)
	completeAll(t, store, "2025-06-04")

	exec := startRunning(t, store, models.JobPerformanceMetrics, "2025-06-05", testNow.Add(-time.Hour))
	if err := store.MarkCompleted(context.Background(), exec.ID, models.ExecStatusFailed, "division by zero", nil); err != nil {
		t.Fatal(err)
	}
	scraper := startRunning(t, store, models.JobSocialSentiment, "2025-06-05", testNow.Add(-time.Hour))
	if err := store.MarkCompleted(context.Background(), scraper.ID, models.ExecStatusFailed, "timeout", nil); err != nil {
		t.Fatal(err)
	}

	report, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if report.MissingEnqueued != 1 {
		t.Errorf("enqueued = %d, want 1", report.MissingEnqueued)
	}

	// Second pass finds the unresolved entry already present.
	report, err = w.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if report.MissingEnqueued != 0 {
		t.Errorf("second pass enqueued = %d, want 0", report.MissingEnqueued)
	}

	if cnt, _ := store.PendingCount(context.Background()); cnt != 1 {
		t.Errorf("pending = %d, want 1", cnt)
	}
}

func TestValidateRecentDays_EnqueuesGaps(t *testing.T) {
	store := memory.NewOperationalStore()
	clock := common.NewFixedClock(testNow)
	w := newTestWatchdog(store, noopProcessor{}, clock)

	// Previous trading day (2025-06-04) has every calculation job completed
	// except exchange_rates, and the healthy jobs left their rows behind.
	seedOutputs(t, store, "2025-06-04")
	for _, name := range []string{
		models.JobUpdatePortfolioPrices,
		models.JobPerformanceMetrics,
		models.JobDividendProcessing,
		models.JobBenchmarkRefresh,
	} {
		completeJob(t, store, name, "2025-06-04")
	}

	report, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if report.MissingDetected != 1 || report.MissingEnqueued != 1 {
		t.Errorf("report = %+v", report)
	}

	pending, err := store.ListEntries(context.Background(), models.RetryStatusPending, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].JobName != models.JobExchangeRates ||
		pending[0].TargetDate != "2025-06-04" ||
		pending[0].FailureReason != models.FailureValidation {
		t.Errorf("pending entries = %+v", pending)
	}
}

func TestValidateRecentDays_CompletedRunWithNoRows(t *testing.T) {
	store := memory.NewOperationalStore()
	clock := common.NewFixedClock(testNow)
	w := newTestWatchdog(store, noopProcessor{}, clock)

	// Every calculation job completed for 2025-06-04, but the portfolio
	// update left no position rows for that date. A completed run without
	// output is still a gap.
	ctx := context.Background()
	if err := store.SavePosition(ctx, &models.Position{
		Fund: "core", Ticker: "NVDA", Date: "2025-06-03", Quantity: 10, UpdatedAt: testNow,
	}); err != nil {
		t.Fatal(err)
	}
	if err := store.SavePerformanceMetric(ctx, &models.PerformanceMetric{
		MetricDate: "2025-06-04", TotalValue: 1200, ComputedAt: testNow,
	}); err != nil {
		t.Fatal(err)
	}
	if err := store.SaveBenchmarkBar(ctx, &models.BenchmarkBar{
		Symbol: "SPY", BarDate: "2025-06-04", Close: 530, FetchedAt: testNow,
	}); err != nil {
		t.Fatal(err)
	}
	if err := store.SaveExchangeRate(ctx, &models.ExchangeRate{
		Base: "USD", Quote: "CAD", Rate: 1.37, RateDate: "2025-06-04", FetchedAt: testNow,
	}); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{
		models.JobUpdatePortfolioPrices,
		models.JobPerformanceMetrics,
		models.JobDividendProcessing,
		models.JobBenchmarkRefresh,
		models.JobExchangeRates,
	} {
		completeJob(t, store, name, "2025-06-04")
	}

	report, err := w.RunOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.MissingDetected != 1 || report.MissingEnqueued != 1 {
		t.Errorf("report = %+v", report)
	}

	pending, err := store.ListEntries(ctx, models.RetryStatusPending, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].JobName != models.JobUpdatePortfolioPrices ||
		pending[0].TargetDate != "2025-06-04" ||
		pending[0].FailureReason != models.FailureValidation {
		t.Errorf("pending entries = %+v", pending)
	}
}

func TestValidateRecentDays_EmptyDividendDayIsHealthy(t *testing.T) {
	store := memory.NewOperationalStore()
	clock := common.NewFixedClock(testNow)
	w := newTestWatchdog(store, noopProcessor{}, clock)

	// A trading day with no ex-dates leaves the dividends table untouched.
	// That must not read as a validation gap.
	completeAll(t, store, "2025-06-04")

	report, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if report.MissingDetected != 0 || report.MissingEnqueued != 0 {
		t.Errorf("report = %+v", report)
	}
}

func TestRunOnce_DrainsQueueThroughProcessor(t *testing.T) {
	store := memory.NewOperationalStore()
	clock := common.NewFixedClock(testNow)
	processor := retry.NewProcessor(store, []interfaces.Job{&okJob{name: models.JobDividendProcessing}}, common.NewSilentLogger())
	w := newTestWatchdog(store, processor, clock)
	completeAll(t, store, "2025-06-04")

	entry := &models.RetryQueueEntry{
		JobName:       models.JobDividendProcessing,
		TargetDate:    "2025-06-03",
		FailureReason: models.FailureJobFailed,
	}
	if _, err := store.Enqueue(context.Background(), entry); err != nil {
		t.Fatal(err)
	}

	report, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if report.RetriesProcessed != 1 || report.RetriesResolved != 1 {
		t.Errorf("report = %+v", report)
	}
}

func TestReleaseStuckAndAgeOut(t *testing.T) {
	store := memory.NewOperationalStore()
	clock := common.NewFixedClock(testNow)
	w := newTestWatchdog(store, noopProcessor{}, clock)
	completeAll(t, store, "2025-06-04")

	aged := &models.RetryQueueEntry{
		JobName:       models.JobBenchmarkRefresh,
		TargetDate:    "2025-05-20",
		FailureReason: models.FailureJobFailed,
		CreatedAt:     testNow.Add(-models.RetryEntryMaxAge - time.Hour),
	}
	if _, err := store.Enqueue(context.Background(), aged); err != nil {
		t.Fatal(err)
	}

	stuck := &models.RetryQueueEntry{
		JobName:       models.JobExchangeRates,
		TargetDate:    "2025-06-03",
		FailureReason: models.FailureJobFailed,
	}
	if _, err := store.Enqueue(context.Background(), stuck); err != nil {
		t.Fatal(err)
	}
	if _, err := store.LeasePending(context.Background(), 10); err != nil {
		t.Fatal(err)
	}

	// Both leased entries look stuck two hours from now.
	clock.Advance(2 * time.Hour)
	report, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if report.StuckReleased != 2 {
		t.Errorf("stuck released = %d, want 2", report.StuckReleased)
	}
	if report.AgedAbandoned != 1 {
		t.Errorf("aged abandoned = %d, want 1", report.AgedAbandoned)
	}

	abandoned, err := store.ListEntries(context.Background(), models.RetryStatusAbandoned, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(abandoned) != 1 || abandoned[0].TargetDate != "2025-05-20" {
		t.Errorf("abandoned = %+v", abandoned)
	}
}

package models

import (
	"encoding/json"
	"testing"
	"time"
)

func TestIsCalculationJob(t *testing.T) {
	calc := []string{
		JobUpdatePortfolioPrices,
		JobPerformanceMetrics,
		JobDividendProcessing,
		JobBenchmarkRefresh,
		JobExchangeRates,
	}
	for _, name := range calc {
		if !IsCalculationJob(name) {
			t.Errorf("%s should be a calculation job", name)
		}
	}

	notCalc := []string{
		JobRSSIngest,
		JobSocialSentiment,
		JobResearchIngest,
		JobTickerAnalysis,
		JobInsiderTrades,
		JobCongressTrades,
		"unknown_job",
	}
	for _, name := range notCalc {
		if IsCalculationJob(name) {
			t.Errorf("%s should not be a calculation job", name)
		}
	}
}

func TestSocialLabelForScore(t *testing.T) {
	tests := []struct {
		score float64
		want  string
	}{
		{0.9, SocialEuphoric},
		{0.6, SocialEuphoric},
		{0.5, SocialBullish},
		{0.2, SocialBullish},
		{0.0, SocialNeutral},
		{-0.1, SocialNeutral},
		{-0.2, SocialBearish},
		{-0.5, SocialBearish},
		{-0.6, SocialFearful},
		{-1.0, SocialFearful},
	}
	for _, tt := range tests {
		if got := SocialLabelForScore(tt.score); got != tt.want {
			t.Errorf("SocialLabelForScore(%v) = %s, want %s", tt.score, got, tt.want)
		}
	}
}

func TestTierForSourceCount(t *testing.T) {
	tests := []struct {
		n    int
		want string
	}{
		{0, TierC},
		{1, TierC},
		{2, TierB},
		{3, TierA},
		{7, TierA},
	}
	for _, tt := range tests {
		if got := TierForSourceCount(tt.n); got != tt.want {
			t.Errorf("TierForSourceCount(%d) = %s, want %s", tt.n, got, tt.want)
		}
	}
}

func TestAnalysisResultIsZero(t *testing.T) {
	var empty AnalysisResult
	if !empty.IsZero() {
		t.Error("empty result should be zero")
	}

	withSummary := AnalysisResult{Summary: "markets rallied"}
	if withSummary.IsZero() {
		t.Error("result with summary should not be zero")
	}

	withSentiment := AnalysisResult{Sentiment: SentimentBullish}
	if withSentiment.IsZero() {
		t.Error("result with sentiment should not be zero")
	}
}

func TestJobExecutionJSON(t *testing.T) {
	exec := JobExecution{
		ID:         "exec-1",
		JobName:    JobBenchmarkRefresh,
		TargetDate: "2025-06-05",
		StartedAt:  time.Date(2025, 6, 5, 17, 0, 0, 0, time.UTC),
		Status:     ExecStatusRunning,
	}
	data, err := json.Marshal(exec)
	if err != nil {
		t.Fatal(err)
	}

	var got JobExecution
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if got.JobName != exec.JobName || got.TargetDate != exec.TargetDate || got.Status != exec.Status {
		t.Errorf("round trip mismatch: %+v", got)
	}
	// Unset terminal fields must stay zero.
	if !got.CompletedAt.IsZero() || got.DurationMS != 0 {
		t.Error("completion fields should be zero for a running execution")
	}
}

func TestRetryQueueEntryDefaults(t *testing.T) {
	entry := RetryQueueEntry{
		JobName:       JobExchangeRates,
		TargetDate:    "2025-06-05",
		Status:        RetryStatusPending,
		MaxRetries:    DefaultMaxRetries,
		FailureReason: FailureContainerRestart,
	}
	if entry.MaxRetries != 3 {
		t.Errorf("default max retries = %d, want 3", entry.MaxRetries)
	}
	if RetryEntryMaxAge != 7*24*time.Hour {
		t.Errorf("retry entry max age = %s, want 168h", RetryEntryMaxAge)
	}
}

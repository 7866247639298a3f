package models

import "fmt"

// JobResult is what a job returns on success. The message summarizes the
// run for the execution log.
type JobResult struct {
	Message          string   `json:"message"`
	TickersProcessed []string `json:"tickers_processed,omitempty"`
}

// FeedSource is one configured scrape target.
type FeedSource struct {
	Name      string `json:"name"`
	URL       string `json:"url"`
	Kind      string `json:"kind"`       // "rss", "html"
	FetchMode string `json:"fetch_mode"` // "direct", "bypass", "auto"
	Enabled   bool   `json:"enabled"`
}

// IngestResult is the per-source accounting for one pipeline run.
type IngestResult struct {
	Source     string `json:"source"`
	Found      int    `json:"found"`
	New        int    `json:"new"`
	Duplicates int    `json:"duplicates"`
	Skipped    int    `json:"skipped"`
	Errors     int    `json:"errors"`
}

// Summary renders the canonical accounting line for logs and execution
// messages.
func (r *IngestResult) Summary() string {
	return fmt.Sprintf("%s: found %d; new %d; duplicates %d; skipped %d; errors %d",
		r.Source, r.Found, r.New, r.Duplicates, r.Skipped, r.Errors)
}

// WatchdogReport summarizes one watchdog pass across all protocols.
type WatchdogReport struct {
	StaleMarkedFailed int `json:"stale_marked_failed"`
	StaleEnqueued     int `json:"stale_enqueued"`
	MissingDetected   int `json:"missing_detected"`
	MissingEnqueued   int `json:"missing_enqueued"`
	RetriesProcessed  int `json:"retries_processed"`
	RetriesResolved   int `json:"retries_resolved"`
	RetriesAbandoned  int `json:"retries_abandoned"`
	StuckReleased     int `json:"stuck_released"`
	AgedAbandoned     int `json:"aged_abandoned"`
}

// RetryBatchResult is the accounting for one retry-processor batch.
type RetryBatchResult struct {
	Leased    int `json:"leased"`
	Resolved  int `json:"resolved"`
	Failed    int `json:"failed"`
	Abandoned int `json:"abandoned"`
}

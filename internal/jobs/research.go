package jobs

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mfinch/spyglass/internal/interfaces"
	"github.com/mfinch/spyglass/internal/models"
)

// feedSourcesFromConfig converts config rows, filtered by kind.
func feedSourcesFromConfig(deps *Deps, kind string) []*models.FeedSource {
	var out []*models.FeedSource
	for _, f := range deps.Config.Feeds {
		if !f.Enabled || f.Kind != kind {
			continue
		}
		out = append(out, &models.FeedSource{
			Name:      f.Name,
			URL:       f.URL,
			Kind:      f.Kind,
			FetchMode: f.FetchMode,
			Enabled:   f.Enabled,
		})
	}
	return out
}

// RSSIngest scrapes every enabled RSS source through the pipeline.
type RSSIngest struct {
	deps *Deps
}

var _ interfaces.Job = (*RSSIngest)(nil)

// NewRSSIngest creates the rss_ingest job.
func NewRSSIngest(deps *Deps) *RSSIngest { return &RSSIngest{deps: deps} }

func (j *RSSIngest) Name() string     { return models.JobRSSIngest }
func (j *RSSIngest) Schedule() string { return "0 */2 * * *" }

// Run ingests each source independently; one broken feed must not starve
// the rest. The run fails only when every source fails.
func (j *RSSIngest) Run(ctx context.Context, targetDate string) (*models.JobResult, error) {
	sources := feedSourcesFromConfig(j.deps, "rss")
	if len(sources) == 0 {
		return &models.JobResult{Message: "no feeds configured"}, nil
	}

	var summaries []string
	failures := 0
	totalNew := 0
	for _, source := range sources {
		result, err := j.deps.Pipeline.Ingest(ctx, source)
		if err != nil {
			j.deps.Logger.Error().Str("source", source.Name).Err(err).Msg("Source ingest failed")
			summaries = append(summaries, fmt.Sprintf("%s: failed (%v)", source.Name, err))
			failures++
			continue
		}
		summaries = append(summaries, result.Summary())
		totalNew += result.New
	}

	if failures == len(sources) {
		return nil, fmt.Errorf("all %d sources failed", failures)
	}
	return &models.JobResult{
		Message: fmt.Sprintf("%d new items | %s", totalNew, strings.Join(summaries, " | ")),
	}, nil
}

// ResearchIngest scrapes the slower HTML research sources and then works
// through a slice of the analysis backlog.
type ResearchIngest struct {
	deps *Deps
}

var _ interfaces.Job = (*ResearchIngest)(nil)

// NewResearchIngest creates the research_ingest job.
func NewResearchIngest(deps *Deps) *ResearchIngest { return &ResearchIngest{deps: deps} }

func (j *ResearchIngest) Name() string     { return models.JobResearchIngest }
func (j *ResearchIngest) Schedule() string { return "0 6 * * *" }

// analyzeBatch bounds LLM work per run so a deep backlog cannot hold the
// worker slot for hours.
const analyzeBatch = 25

func (j *ResearchIngest) Run(ctx context.Context, targetDate string) (*models.JobResult, error) {
	ingested := 0
	for _, source := range feedSourcesFromConfig(j.deps, "html") {
		result, err := j.deps.Pipeline.Ingest(ctx, source)
		if err != nil {
			j.deps.Logger.Error().Str("source", source.Name).Err(err).Msg("Research source failed")
			continue
		}
		ingested += result.New
	}

	analyzed, err := j.deps.Pipeline.AnalyzeBacklog(ctx, analyzeBatch)
	if err != nil {
		return nil, fmt.Errorf("analyze backlog: %w", err)
	}
	return &models.JobResult{
		Message: fmt.Sprintf("%d items ingested, %d articles analyzed", ingested, analyzed),
	}, nil
}

// TickerAnalysis writes an LLM research brief per top-tier watched ticker,
// synthesized from that ticker's recent coverage.
type TickerAnalysis struct {
	deps *Deps
}

var _ interfaces.Job = (*TickerAnalysis)(nil)

// NewTickerAnalysis creates the ticker_analysis job.
func NewTickerAnalysis(deps *Deps) *TickerAnalysis { return &TickerAnalysis{deps: deps} }

func (j *TickerAnalysis) Name() string     { return models.JobTickerAnalysis }
func (j *TickerAnalysis) Schedule() string { return "0 9 * * 1-5" }

const tickerBriefSystem = "You are a skeptical equity research assistant. " +
	"Summarize the coverage below into a short brief: key developments, " +
	"whether claims are data-backed or hype, and overall sentiment. Be terse."

func (j *TickerAnalysis) Run(ctx context.Context, targetDate string) (*models.JobResult, error) {
	if j.deps.LLM == nil {
		return &models.JobResult{Message: "no model backend configured"}, nil
	}

	watched, err := j.deps.Research.ListWatchedTickers(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("list watchlist: %w", err)
	}

	since := j.deps.clock().Now().UTC().Add(-7 * 24 * time.Hour)
	var processed []string
	for _, wt := range watched {
		if wt.PriorityTier != "A" {
			continue
		}
		coverage, err := j.recentCoverage(ctx, wt.Ticker, since)
		if err != nil {
			return nil, err
		}
		if coverage == "" {
			continue
		}

		brief, err := j.deps.LLM.Generate(ctx, interfaces.GenerateRequest{
			Model:       j.deps.Config.LLM.OllamaModel,
			System:      tickerBriefSystem,
			Prompt:      fmt.Sprintf("Ticker: %s\nDate: %s\n\n%s", wt.Ticker, targetDate, coverage),
			Temperature: 0.3,
			NumCtx:      8192,
		})
		if err != nil {
			j.deps.Logger.Warn().Str("ticker", wt.Ticker).Err(err).Msg("Brief generation failed")
			continue
		}

		// Briefs are stored as synthetic articles so they flow through the
		// same retrieval path as scraped coverage.
		article := &models.Article{
			URL:       fmt.Sprintf("spyglass://brief/%s/%s", wt.Ticker, targetDate),
			Title:     fmt.Sprintf("%s research brief (%s)", wt.Ticker, targetDate),
			Source:    "spyglass-brief",
			Content:   brief,
			Summary:   brief,
			Tickers:   []string{wt.Ticker},
			FetchedAt: j.deps.clock().Now().UTC(),
		}
		if _, err := j.deps.Research.UpsertArticle(ctx, article); err != nil {
			return nil, fmt.Errorf("store brief %s: %w", wt.Ticker, err)
		}
		processed = append(processed, wt.Ticker)
	}

	return &models.JobResult{
		Message:          fmt.Sprintf("%d briefs generated", len(processed)),
		TickersProcessed: processed,
	}, nil
}

// recentCoverage concatenates recent article summaries for one ticker,
// bounded so the prompt stays inside the model context.
func (j *TickerAnalysis) recentCoverage(ctx context.Context, ticker string, since time.Time) (string, error) {
	articles, err := j.deps.Research.ListRecentArticles(ctx, since, 100)
	if err != nil {
		return "", fmt.Errorf("recent articles: %w", err)
	}

	const maxCoverage = 5000
	var b strings.Builder
	for _, a := range articles {
		if a.Source == "spyglass-brief" || !containsTicker(a.Tickers, ticker) {
			continue
		}
		text := a.Summary
		if text == "" {
			text = a.Content
		}
		line := fmt.Sprintf("- [%s] %s: %s\n", a.Source, a.Title, text)
		if b.Len()+len(line) > maxCoverage {
			break
		}
		b.WriteString(line)
	}
	return b.String(), nil
}

func containsTicker(tickers []string, ticker string) bool {
	for _, t := range tickers {
		if strings.EqualFold(t, ticker) {
			return true
		}
	}
	return false
}

// WatchlistDerive rebuilds the watchlist from cross-source ticker mentions.
type WatchlistDerive struct {
	deps *Deps
}

var _ interfaces.Job = (*WatchlistDerive)(nil)

// NewWatchlistDerive creates the watchlist_derive job.
func NewWatchlistDerive(deps *Deps) *WatchlistDerive { return &WatchlistDerive{deps: deps} }

func (j *WatchlistDerive) Name() string     { return models.JobWatchlistDerive }
func (j *WatchlistDerive) Schedule() string { return "30 5 * * *" }

// mentionWindow is how far back mentions count toward the watchlist.
const mentionWindow = 7 * 24 * time.Hour

func (j *WatchlistDerive) Run(ctx context.Context, targetDate string) (*models.JobResult, error) {
	runStart := j.deps.clock().Now().UTC()
	counts, err := j.deps.Research.TickerMentionCounts(ctx, runStart.Add(-mentionWindow))
	if err != nil {
		return nil, fmt.Errorf("mention counts: %w", err)
	}

	var processed []string
	for ticker, sourceCount := range counts {
		wt := &models.WatchedTicker{
			Ticker:       ticker,
			PriorityTier: models.TierForSourceCount(sourceCount),
			IsActive:     true,
			Source:       "articles",
			SourceCount:  sourceCount,
			UpdatedAt:    runStart,
		}
		if err := j.deps.Research.UpsertWatchedTicker(ctx, wt); err != nil {
			return nil, fmt.Errorf("upsert %s: %w", ticker, err)
		}
		processed = append(processed, ticker)
	}

	// Anything not refreshed this run has fallen out of coverage.
	deactivated, err := j.deps.Research.DeactivateUnseen(ctx, runStart)
	if err != nil {
		return nil, fmt.Errorf("deactivate unseen: %w", err)
	}

	return &models.JobResult{
		Message:          fmt.Sprintf("%d tickers watched, %d deactivated", len(processed), deactivated),
		TickersProcessed: processed,
	}, nil
}

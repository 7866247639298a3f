// Package pipeline runs the scrape-then-analyze flow: fetch a source, parse
// it, persist new items, and work through the analysis backlog.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/mfinch/spyglass/internal/common"
	"github.com/mfinch/spyglass/internal/interfaces"
	"github.com/mfinch/spyglass/internal/models"
)

// Pipeline wires the fetcher, parser, store, and analyzer together.
type Pipeline struct {
	fetcher  interfaces.Fetcher
	parser   interfaces.FeedParser
	research interfaces.ResearchStore
	analyzer interfaces.Analyzer
	llm      interfaces.LLM
	logger   *common.Logger
	clock    common.Clock
}

var _ interfaces.Pipeline = (*Pipeline)(nil)

// Option configures the pipeline.
type Option func(*Pipeline)

// WithClock overrides the wall clock.
func WithClock(clock common.Clock) Option {
	return func(p *Pipeline) { p.clock = clock }
}

// WithAnalyzer attaches the LLM analyzer. Without one, AnalyzeBacklog is a
// no-op and ingested items simply accumulate.
func WithAnalyzer(analyzer interfaces.Analyzer, llm interfaces.LLM) Option {
	return func(p *Pipeline) {
		p.analyzer = analyzer
		p.llm = llm
	}
}

// New creates a pipeline.
func New(fetcher interfaces.Fetcher, parser interfaces.FeedParser, research interfaces.ResearchStore, logger *common.Logger, opts ...Option) *Pipeline {
	p := &Pipeline{
		fetcher:  fetcher,
		parser:   parser,
		research: research,
		logger:   logger,
		clock:    common.SystemClock{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Ingest fetches and parses one source, persisting new items. Per-item
// failures are counted, not fatal; only fetch-level failures error out so
// the caller can record the source as failed.
func (p *Pipeline) Ingest(ctx context.Context, source *models.FeedSource) (*models.IngestResult, error) {
	result := &models.IngestResult{Source: source.Name}
	log := p.logger.With().Str("source", source.Name).Str("url", source.URL).Logger()

	allowed, err := p.fetcher.CheckRobots(ctx, source.URL)
	if err != nil {
		log.Warn().Err(err).Msg("robots.txt check failed, proceeding")
	} else if !allowed {
		return result, fmt.Errorf("source %s: disallowed by robots.txt", source.Name)
	}

	mode := source.FetchMode
	if mode == "" {
		mode = "auto"
	}
	fetched, err := p.fetcher.Fetch(ctx, source.URL, mode)
	if err != nil {
		return result, fmt.Errorf("fetch %s: %w", source.Name, err)
	}

	items, err := p.parser.Parse(fetched.Body, source.Name)
	if err != nil {
		return result, fmt.Errorf("parse %s: %w", source.Name, err)
	}
	result.Found = len(items)

	now := p.clock.Now().UTC()
	cutoff := staleCutoff(now)
	for _, item := range items {
		if item.URL == "" {
			result.Skipped++
			continue
		}
		if !item.PublishedAt.IsZero() && item.PublishedAt.Before(cutoff) {
			result.Skipped++
			continue
		}
		article := &models.Article{
			URL:         item.URL,
			Title:       item.Title,
			Source:      source.Name,
			PublishedAt: item.PublishedAt,
			FetchedAt:   now,
			Content:     item.Content,
			Tickers:     item.Tickers,
		}
		inserted, err := p.research.UpsertArticle(ctx, article)
		if err != nil {
			log.Error().Str("item_url", item.URL).Err(err).Msg("Failed to persist item")
			result.Errors++
			continue
		}
		if inserted {
			result.New++
		} else {
			result.Duplicates++
		}
	}

	log.Info().
		Bool("bypassed", fetched.Bypassed).
		Bool("unwrapped", fetched.Unwrapped).
		Msg(result.Summary())
	return result, nil
}

// AnalyzeBacklog runs the analyzer over unanalyzed articles, oldest first,
// and returns how many were analyzed. An unusable model response leaves the
// article unanalyzed for a later pass rather than discarding it.
func (p *Pipeline) AnalyzeBacklog(ctx context.Context, limit int) (int, error) {
	if p.analyzer == nil {
		return 0, nil
	}

	articles, err := p.research.ListUnanalyzed(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("list unanalyzed: %w", err)
	}

	analyzed := 0
	for _, article := range articles {
		if err := ctx.Err(); err != nil {
			return analyzed, err
		}
		log := p.logger.With().Str("url", article.URL).Logger()

		result, err := p.analyzer.Analyze(ctx, article)
		if err != nil {
			log.Warn().Err(err).Msg("Analysis failed, leaving article for next pass")
			continue
		}
		if result == nil || result.IsZero() {
			log.Warn().Msg("Model output unusable, leaving article for next pass")
			continue
		}

		var embedding []float32
		if p.llm != nil {
			text := article.Title + "\n" + result.Summary
			if embedding, err = p.llm.Embed(ctx, text); err != nil {
				log.Warn().Err(err).Msg("Embedding failed, storing analysis without vector")
				embedding = nil
			}
		}

		if err := p.research.UpdateAnalysis(ctx, article.URL, result, embedding); err != nil {
			log.Error().Err(err).Msg("Failed to store analysis")
			continue
		}
		analyzed++
		log.Debug().
			Str("sentiment", result.Sentiment).
			Float64("score", result.SentimentScore).
			Msg("Article analyzed")
	}

	if analyzed > 0 {
		p.logger.Info().Int("analyzed", analyzed).Int("backlog_seen", len(articles)).Msg("Analysis pass complete")
	}
	return analyzed, nil
}

// staleCutoff is the oldest publish date worth ingesting; feeds sometimes
// replay very old items after an upstream migration.
func staleCutoff(now time.Time) time.Time { return now.AddDate(0, -6, 0) }

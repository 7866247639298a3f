package models

import "time"

// Article is a fetched and (optionally) analyzed news or research item,
// keyed by URL. Upserts preserve FetchedAt; re-analysis rewrites only the
// analysis fields.
type Article struct {
	URL            string    `json:"url"`
	Title          string    `json:"title"`
	Source         string    `json:"source"`
	PublishedAt    time.Time `json:"published_at"`
	FetchedAt      time.Time `json:"fetched_at"`
	Content        string    `json:"content"`
	Summary        string    `json:"summary,omitempty"`
	Tickers        []string  `json:"tickers,omitempty"`
	Sector         string    `json:"sector,omitempty"`
	Sentiment      string    `json:"sentiment,omitempty"`
	SentimentScore float64   `json:"sentiment_score"`
	Claims         string    `json:"claims,omitempty"`
	FactCheck      string    `json:"fact_check,omitempty"`
	Conclusion     string    `json:"conclusion,omitempty"`
	RelevanceScore float64   `json:"relevance_score"`
	Embedding      []float32 `json:"embedding,omitempty"` // 768-dim, empty when unavailable
}

// Article sentiment labels, most bullish to most bearish.
const (
	SentimentVeryBullish = "VERY_BULLISH"
	SentimentBullish     = "BULLISH"
	SentimentNeutral     = "NEUTRAL"
	SentimentBearish     = "BEARISH"
	SentimentVeryBearish = "VERY_BEARISH"
)

// SocialPost is one scraped social media post, keyed by (platform, post_id).
// Insert-only.
type SocialPost struct {
	Platform        string    `json:"platform"`
	PostID          string    `json:"post_id"`
	Content         string    `json:"content"`
	Author          string    `json:"author"`
	PostedAt        time.Time `json:"posted_at"`
	EngagementScore float64   `json:"engagement_score"`
	Tickers         []string  `json:"tickers,omitempty"`
	MetricID        string    `json:"metric_id,omitempty"`
}

// SocialMetric is an append-only sentiment aggregate per (ticker, platform).
type SocialMetric struct {
	ID             string    `json:"id"`
	Ticker         string    `json:"ticker"`
	Platform       string    `json:"platform"`
	Volume         int       `json:"volume"`
	SentimentLabel string    `json:"sentiment_label"`
	SentimentScore float64   `json:"sentiment_score"`
	BullBearRatio  float64   `json:"bull_bear_ratio"`
	CreatedAt      time.Time `json:"created_at"`
}

// Social sentiment labels.
const (
	SocialEuphoric = "EUPHORIC"
	SocialBullish  = "BULLISH"
	SocialNeutral  = "NEUTRAL"
	SocialBearish  = "BEARISH"
	SocialFearful  = "FEARFUL"
)

// SocialLabelForScore maps an aggregate score in [-1, 1] to a label.
func SocialLabelForScore(score float64) string {
	switch {
	case score >= 0.6:
		return SocialEuphoric
	case score >= 0.2:
		return SocialBullish
	case score <= -0.6:
		return SocialFearful
	case score <= -0.2:
		return SocialBearish
	default:
		return SocialNeutral
	}
}

// ParsedItem is the parser's output: one feed or page item before filtering.
type ParsedItem struct {
	Title       string    `json:"title"`
	URL         string    `json:"url"`
	Content     string    `json:"content"`
	PublishedAt time.Time `json:"published_at"`
	Source      string    `json:"source"`
	Tickers     []string  `json:"tickers,omitempty"`
	Categories  []string  `json:"categories,omitempty"`
}

/// WatchedTicker is a derived watchlist row: which tickers deserve analysis
// attention and how urgently.
type WatchedTicker struct {
	Ticker       string    `json:"ticker"`
	PriorityTier string    `json:"priority_tier"` // "A", "B", "C"
	IsActive     bool      `json:"is_active"`
	Source       string    `json:"source"`       // comma-joined contributing sources
	SourceCount  int       `json:"source_count"` // independent sources mentioning the ticker
	UpdatedAt    time.Time `json:"updated_at"`
}

// Priority tiers. Tier A gets analyzed first and most often.
const (
	TierA = "A"
	TierB = "B"
	TierC = "C"
)

// TierForSourceCount derives the priority tier from how many independent
// sources mention a ticker in the rolling window.
func TierForSourceCount(n int) string {
	switch {
	case n >= 3:
		return TierA
	case n == 2:
		return TierB
	default:
		return TierC
	}
}

// AnalysisResult is the structured output of the chain-of-thought summary
// contract. Empty fields mean the analyzer had nothing (or failed); callers
// treat a zero result as "no summary", not an error.
type AnalysisResult struct {
	Summary        string   `json:"summary"`
	Claims         []string `json:"claims"`
	FactCheck      string   `json:"fact_check"`
	Conclusion     string   `json:"conclusion"`
	Sentiment      string   `json:"sentiment"`
	SentimentScore float64  `json:"sentiment_score"` // [-2, 2]
	Tickers        []string `json:"tickers"`
	Sectors        []string `json:"sectors"`
	Companies      []string `json:"companies"`
	Relationships  []string `json:"relationships"`
	LogicCheck     string   `json:"logic_check"` // DATA_BACKED, HYPE_DETECTED, NEUTRAL
}

// IsZero reports whether the analyzer produced nothing usable.
func (r AnalysisResult) IsZero() bool {
	return r.Summary == "" && len(r.Claims) == 0 && r.Sentiment == ""
}

// Logic check classifications.
const (
	LogicDataBacked   = "DATA_BACKED"
	LogicHypeDetected = "HYPE_DETECTED"
	LogicNeutral      = "NEUTRAL"
)

package jobs

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/mfinch/spyglass/internal/interfaces"
	"github.com/mfinch/spyglass/internal/models"
)

// Lexical sentiment cues. Crude, but stable and free; the LLM pass covers
// the nuanced read.
var (
	bullishCues = []string{
		"moon", "calls", "bullish", "buy", "long", "breakout", "undervalued",
		"beat", "upgrade", "rally", "squeeze", "all in", "rocket",
	}
	bearishCues = []string{
		"puts", "bearish", "sell", "short", "overvalued", "crash", "dump",
		"miss", "downgrade", "bagholder", "rug", "drill",
	}
)

// scorePost returns a lexical sentiment score in [-1, 1].
func scorePost(content string) float64 {
	text := strings.ToLower(content)
	bulls, bears := 0, 0
	for _, cue := range bullishCues {
		if strings.Contains(text, cue) {
			bulls++
		}
	}
	for _, cue := range bearishCues {
		if strings.Contains(text, cue) {
			bears++
		}
	}
	total := bulls + bears
	if total == 0 {
		return 0
	}
	return float64(bulls-bears) / float64(total)
}

// SocialSentiment scrapes social posts per watched ticker and records an
// aggregate sentiment metric per platform.
type SocialSentiment struct {
	deps *Deps
}

var _ interfaces.Job = (*SocialSentiment)(nil)

// NewSocialSentiment creates the social_sentiment job.
func NewSocialSentiment(deps *Deps) *SocialSentiment { return &SocialSentiment{deps: deps} }

func (j *SocialSentiment) Name() string     { return models.JobSocialSentiment }
func (j *SocialSentiment) Schedule() string { return "0 */4 * * *" }

// Pause between ticker searches; platforms rate-limit aggressive crawlers.
const (
	minTickerPause = 10 * time.Second
	maxTickerPause = 30 * time.Second
)

func (j *SocialSentiment) Run(ctx context.Context, targetDate string) (*models.JobResult, error) {
	if len(j.deps.Scrapers) == 0 {
		return &models.JobResult{Message: "no scrapers configured"}, nil
	}

	watched, err := j.deps.Research.ListWatchedTickers(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("list watchlist: %w", err)
	}

	var processed []string
	metrics := 0
	for i, wt := range watched {
		if wt.PriorityTier == "C" {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if i > 0 {
			pause := minTickerPause + time.Duration(rand.Int63n(int64(maxTickerPause-minTickerPause)))
			j.deps.sleep(pause)
		}

		for _, scraper := range j.deps.Scrapers {
			n, err := j.scrapeTicker(ctx, scraper, wt.Ticker)
			if err != nil {
				j.deps.Logger.Warn().
					Str("ticker", wt.Ticker).
					Str("platform", scraper.Platform()).
					Err(err).
					Msg("Social scrape failed")
				continue
			}
			metrics += n
		}
		processed = append(processed, wt.Ticker)
	}

	return &models.JobResult{
		Message:          fmt.Sprintf("%d tickers scraped, %d metrics recorded", len(processed), metrics),
		TickersProcessed: processed,
	}, nil
}

// scrapeTicker pulls posts from one platform, persists the new ones, and
// appends an aggregate metric. Returns the number of metrics written.
func (j *SocialSentiment) scrapeTicker(ctx context.Context, scraper interfaces.SocialScraper, ticker string) (int, error) {
	posts, err := scraper.ScrapePosts(ctx, ticker)
	if err != nil {
		return 0, err
	}
	if len(posts) == 0 {
		return 0, nil
	}

	var sum float64
	bulls, bears := 0, 0
	for _, post := range posts {
		if _, err := j.deps.Research.InsertPost(ctx, post); err != nil {
			return 0, fmt.Errorf("insert post %s: %w", post.PostID, err)
		}
		score := scorePost(post.Content)
		sum += score
		switch {
		case score > 0:
			bulls++
		case score < 0:
			bears++
		}
	}

	avg := sum / float64(len(posts))
	metric := &models.SocialMetric{
		Ticker:         ticker,
		Platform:       scraper.Platform(),
		Volume:         len(posts),
		SentimentScore: avg,
		SentimentLabel: models.SocialLabelForScore(avg),
		CreatedAt:      j.deps.clock().Now().UTC(),
	}
	if bears > 0 {
		metric.BullBearRatio = float64(bulls) / float64(bears)
	} else {
		metric.BullBearRatio = float64(bulls)
	}
	if err := j.deps.Research.InsertMetric(ctx, metric); err != nil {
		return 0, fmt.Errorf("insert metric: %w", err)
	}
	return 1, nil
}

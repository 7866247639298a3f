// Package social collects ticker chatter from social platforms. Three
// strategies target the same platform: the JSON endpoint, the rendered
// frontend, and the frontend through the challenge solver for when the
// endpoint is gated.
package social

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/mfinch/spyglass/internal/common"
	"github.com/mfinch/spyglass/internal/interfaces"
	"github.com/mfinch/spyglass/internal/models"
)

// Strategy names accepted in config.
const (
	StrategyEndpoint = "endpoint"
	StrategyFrontend = "frontend"
	StrategyBrowser  = "browser"
)

const platformName = "stocktwits"

// NewScraper builds the scraper selected by config. Unknown strategies fall
// back to the endpoint.
func NewScraper(config *common.Config, fetcher interfaces.Fetcher, logger *common.Logger) interfaces.SocialScraper {
	switch config.Social.Strategy {
	case StrategyFrontend:
		return &FrontendScraper{fetcher: fetcher, logger: logger, mode: "direct"}
	case StrategyBrowser:
		return &FrontendScraper{fetcher: fetcher, logger: logger, mode: "bypass"}
	case StrategyEndpoint, "":
		return &EndpointScraper{fetcher: fetcher, logger: logger}
	default:
		logger.Warn().Str("strategy", config.Social.Strategy).Msg("Unknown social strategy, using endpoint")
		return &EndpointScraper{fetcher: fetcher, logger: logger}
	}
}

// EndpointScraper reads the public symbol stream API.
type EndpointScraper struct {
	fetcher interfaces.Fetcher
	logger  *common.Logger
}

var _ interfaces.SocialScraper = (*EndpointScraper)(nil)

func (s *EndpointScraper) Platform() string { return platformName }

// streamResponse is the subset of the symbol stream payload we keep.
type streamResponse struct {
	Messages []struct {
		ID   int64  `json:"id"`
		Body string `json:"body"`
		User struct {
			Username string `json:"username"`
		} `json:"user"`
		CreatedAt time.Time `json:"created_at"`
		Likes     struct {
			Total int `json:"total"`
		} `json:"likes"`
		Symbols []struct {
			Symbol string `json:"symbol"`
		} `json:"symbols"`
	} `json:"messages"`
}

// ScrapePosts pulls the latest messages for a ticker.
func (s *EndpointScraper) ScrapePosts(ctx context.Context, ticker string) ([]*models.SocialPost, error) {
	url := fmt.Sprintf("https://api.stocktwits.com/api/2/streams/symbol/%s.json", strings.ToUpper(ticker))
	res, err := s.fetcher.Fetch(ctx, url, "direct")
	if err != nil {
		return nil, fmt.Errorf("stream %s: %w", ticker, err)
	}

	var payload streamResponse
	if err := json.Unmarshal(res.Body, &payload); err != nil {
		return nil, fmt.Errorf("stream %s: %w", ticker, err)
	}

	posts := make([]*models.SocialPost, 0, len(payload.Messages))
	for _, msg := range payload.Messages {
		if msg.Body == "" {
			continue
		}
		post := &models.SocialPost{
			Platform:        platformName,
			PostID:          fmt.Sprintf("%d", msg.ID),
			Content:         msg.Body,
			Author:          msg.User.Username,
			PostedAt:        msg.CreatedAt,
			EngagementScore: float64(msg.Likes.Total),
		}
		for _, sym := range msg.Symbols {
			post.Tickers = append(post.Tickers, sym.Symbol)
		}
		if len(post.Tickers) == 0 {
			post.Tickers = []string{strings.ToUpper(ticker)}
		}
		posts = append(posts, post)
	}
	return posts, nil
}

// FrontendScraper parses the rendered symbol page. In bypass mode the page
// comes through the challenge solver, which survives the bot wall at the
// cost of latency.
type FrontendScraper struct {
	fetcher interfaces.Fetcher
	logger  *common.Logger
	mode    string
}

var _ interfaces.SocialScraper = (*FrontendScraper)(nil)

func (s *FrontendScraper) Platform() string { return platformName }

// ScrapePosts extracts message cards from the symbol page HTML.
func (s *FrontendScraper) ScrapePosts(ctx context.Context, ticker string) ([]*models.SocialPost, error) {
	url := fmt.Sprintf("https://stocktwits.com/symbol/%s", strings.ToUpper(ticker))
	res, err := s.fetcher.Fetch(ctx, url, s.mode)
	if err != nil {
		return nil, fmt.Errorf("page %s: %w", ticker, err)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(res.Body))
	if err != nil {
		return nil, fmt.Errorf("page %s: %w", ticker, err)
	}

	var posts []*models.SocialPost
	doc.Find("article[data-testid='message']").Each(func(_ int, card *goquery.Selection) {
		body := strings.TrimSpace(card.Find("div[data-testid='message-body']").Text())
		if body == "" {
			return
		}
		id, _ := card.Attr("data-message-id")
		if id == "" {
			// Fall back to a content hash key; the store dedupes on it.
			id = fmt.Sprintf("page-%x", hashString(body))
		}
		posts = append(posts, &models.SocialPost{
			Platform: platformName,
			PostID:   id,
			Content:  body,
			Author:   strings.TrimSpace(card.Find("a[data-testid='username']").Text()),
			PostedAt: time.Now().UTC(),
			Tickers:  []string{strings.ToUpper(ticker)},
		})
	})
	return posts, nil
}

// hashString is FNV-1a, enough to key a post body.
func hashString(s string) uint64 {
	var h uint64 = 14695981039346656037
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= 1099511628211
	}
	return h
}

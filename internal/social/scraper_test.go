package social

import (
	"context"
	"testing"

	"github.com/mfinch/spyglass/internal/common"
	"github.com/mfinch/spyglass/internal/interfaces"
)

type canned struct {
	body     []byte
	lastMode string
}

func (c *canned) Fetch(ctx context.Context, url, mode string) (*interfaces.FetchResult, error) {
	c.lastMode = mode
	return &interfaces.FetchResult{Body: c.body, StatusCode: 200, FinalURL: url}, nil
}

func (c *canned) CheckRobots(ctx context.Context, url string) (bool, error) { return true, nil }

func TestNewScraper_StrategySelection(t *testing.T) {
	config := common.NewDefaultConfig()
	logger := common.NewSilentLogger()
	fetcher := &canned{}

	config.Social.Strategy = "endpoint"
	if _, ok := NewScraper(config, fetcher, logger).(*EndpointScraper); !ok {
		t.Error("endpoint strategy should build EndpointScraper")
	}

	config.Social.Strategy = "frontend"
	s, ok := NewScraper(config, fetcher, logger).(*FrontendScraper)
	if !ok || s.mode != "direct" {
		t.Errorf("frontend strategy = %T mode %q", s, s.mode)
	}

	config.Social.Strategy = "browser"
	s, ok = NewScraper(config, fetcher, logger).(*FrontendScraper)
	if !ok || s.mode != "bypass" {
		t.Errorf("browser strategy = %T mode %q", s, s.mode)
	}

	config.Social.Strategy = "what"
	if _, ok := NewScraper(config, fetcher, logger).(*EndpointScraper); !ok {
		t.Error("unknown strategy should fall back to endpoint")
	}
}

func TestEndpointScraper_ParsesStream(t *testing.T) {
	body := []byte(`{"messages":[
		{"id":101,"body":"loading NVDA calls","user":{"username":"trader1"},
		 "created_at":"2025-06-05T14:00:00Z","likes":{"total":12},
		 "symbols":[{"symbol":"NVDA"}]},
		{"id":102,"body":"","user":{"username":"bot"},"created_at":"2025-06-05T14:01:00Z"},
		{"id":103,"body":"no symbol tag here","user":{"username":"trader2"},
		 "created_at":"2025-06-05T14:02:00Z","likes":{"total":1}}
	]}`)
	s := &EndpointScraper{fetcher: &canned{body: body}, logger: common.NewSilentLogger()}

	posts, err := s.ScrapePosts(context.Background(), "nvda")
	if err != nil {
		t.Fatal(err)
	}
	if len(posts) != 2 {
		t.Fatalf("posts = %d, want 2 (empty body dropped)", len(posts))
	}
	first := posts[0]
	if first.PostID != "101" || first.Author != "trader1" || first.EngagementScore != 12 {
		t.Errorf("post = %+v", first)
	}
	if len(first.Tickers) != 1 || first.Tickers[0] != "NVDA" {
		t.Errorf("tickers = %v", first.Tickers)
	}
	// Untagged posts inherit the searched ticker.
	if posts[1].Tickers[0] != "NVDA" {
		t.Errorf("fallback tickers = %v", posts[1].Tickers)
	}
}

func TestFrontendScraper_ParsesCards(t *testing.T) {
	body := []byte(`<html><body>
	<article data-testid="message" data-message-id="9001">
		<a data-testid="username">trader9</a>
		<div data-testid="message-body">breakout confirmed, long</div>
	</article>
	<article data-testid="message">
		<div data-testid="message-body">puts are printing today</div>
	</article>
	<article data-testid="message"><div data-testid="message-body"></div></article>
	</body></html>`)
	fetcher := &canned{body: body}
	s := &FrontendScraper{fetcher: fetcher, logger: common.NewSilentLogger(), mode: "bypass"}

	posts, err := s.ScrapePosts(context.Background(), "amd")
	if err != nil {
		t.Fatal(err)
	}
	if fetcher.lastMode != "bypass" {
		t.Errorf("mode = %q", fetcher.lastMode)
	}
	if len(posts) != 2 {
		t.Fatalf("posts = %d, want 2", len(posts))
	}
	if posts[0].PostID != "9001" || posts[0].Author != "trader9" {
		t.Errorf("post = %+v", posts[0])
	}
	// Cards without an id get a stable content-hash key.
	if posts[1].PostID == "" || posts[1].PostID == posts[0].PostID {
		t.Errorf("hash id = %q", posts[1].PostID)
	}
}

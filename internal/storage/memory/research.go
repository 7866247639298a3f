package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mfinch/spyglass/internal/interfaces"
	"github.com/mfinch/spyglass/internal/models"
)

// ResearchStore is the in-memory research database.
type ResearchStore struct {
	mu       sync.Mutex
	articles map[string]*models.Article
	posts    map[string]*models.SocialPost
	metrics  []*models.SocialMetric
	watched  map[string]*models.WatchedTicker
}

var _ interfaces.ResearchStore = (*ResearchStore)(nil)

// NewResearchStore creates an empty store.
func NewResearchStore() *ResearchStore {
	return &ResearchStore{
		articles: make(map[string]*models.Article),
		posts:    make(map[string]*models.SocialPost),
		watched:  make(map[string]*models.WatchedTicker),
	}
}

func (s *ResearchStore) Ping(ctx context.Context) error { return nil }
func (s *ResearchStore) Close() error                   { return nil }

func (s *ResearchStore) UpsertArticle(ctx context.Context, article *models.Article) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if article.FetchedAt.IsZero() {
		article.FetchedAt = time.Now().UTC()
	}
	existing, ok := s.articles[article.URL]
	cp := *article
	if ok {
		// Preserve original fetch time and analysis on re-ingest.
		cp.FetchedAt = existing.FetchedAt
		cp.Summary = existing.Summary
		cp.Sentiment = existing.Sentiment
		cp.SentimentScore = existing.SentimentScore
		cp.Claims = existing.Claims
		cp.FactCheck = existing.FactCheck
		cp.Conclusion = existing.Conclusion
		cp.Embedding = existing.Embedding
	}
	s.articles[article.URL] = &cp
	return !ok, nil
}

func (s *ResearchStore) GetArticle(ctx context.Context, url string) (*models.Article, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.articles[url]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *ResearchStore) ListUnanalyzed(ctx context.Context, limit int) ([]*models.Article, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	var out []*models.Article
	for _, a := range s.articles {
		if a.Summary == "" {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FetchedAt.Before(out[j].FetchedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *ResearchStore) ListRecentArticles(ctx context.Context, since time.Time, limit int) ([]*models.Article, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 200
	}
	var out []*models.Article
	for _, a := range s.articles {
		if !a.FetchedAt.Before(since) {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FetchedAt.After(out[j].FetchedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *ResearchStore) UpdateAnalysis(ctx context.Context, url string, result *models.AnalysisResult, embedding []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.articles[url]
	if !ok {
		return interfaces.ErrNotFound
	}
	a.Summary = result.Summary
	a.Sentiment = result.Sentiment
	a.SentimentScore = result.SentimentScore
	a.Claims = strings.Join(result.Claims, "\n")
	a.FactCheck = result.FactCheck
	a.Conclusion = result.Conclusion
	if len(result.Tickers) > 0 {
		a.Tickers = result.Tickers
	}
	if len(result.Sectors) > 0 {
		a.Sector = strings.Join(result.Sectors, ", ")
	}
	a.Embedding = embedding
	return nil
}

func (s *ResearchStore) InsertPost(ctx context.Context, post *models.SocialPost) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := post.Platform + "|" + post.PostID
	if _, exists := s.posts[key]; exists {
		return false, nil
	}
	cp := *post
	s.posts[key] = &cp
	return true, nil
}

func (s *ResearchStore) InsertMetric(ctx context.Context, metric *models.SocialMetric) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if metric.ID == "" {
		metric.ID = uuid.New().String()
	}
	if metric.CreatedAt.IsZero() {
		metric.CreatedAt = time.Now().UTC()
	}
	cp := *metric
	s.metrics = append(s.metrics, &cp)
	return nil
}

func (s *ResearchStore) ListRecentPosts(ctx context.Context, ticker string, since time.Time) ([]*models.SocialPost, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.SocialPost
	for _, p := range s.posts {
		if p.PostedAt.Before(since) {
			continue
		}
		for _, t := range p.Tickers {
			if t == ticker {
				cp := *p
				out = append(out, &cp)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PostedAt.After(out[j].PostedAt) })
	return out, nil
}

func (s *ResearchStore) LatestMetric(ctx context.Context, ticker, platform string) (*models.SocialMetric, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *models.SocialMetric
	for _, m := range s.metrics {
		if m.Ticker == ticker && m.Platform == platform {
			if latest == nil || m.CreatedAt.After(latest.CreatedAt) {
				latest = m
			}
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

func (s *ResearchStore) UpsertWatchedTicker(ctx context.Context, wt *models.WatchedTicker) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if wt.UpdatedAt.IsZero() {
		wt.UpdatedAt = time.Now().UTC()
	}
	cp := *wt
	s.watched[wt.Ticker] = &cp
	return nil
}

func (s *ResearchStore) ListWatchedTickers(ctx context.Context, activeOnly bool) ([]*models.WatchedTicker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.WatchedTicker
	for _, wt := range s.watched {
		if !activeOnly || wt.IsActive {
			cp := *wt
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PriorityTier != out[j].PriorityTier {
			return out[i].PriorityTier < out[j].PriorityTier
		}
		return out[i].Ticker < out[j].Ticker
	})
	return out, nil
}

func (s *ResearchStore) DeactivateUnseen(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, wt := range s.watched {
		if wt.IsActive && wt.UpdatedAt.Before(cutoff) {
			wt.IsActive = false
			n++
		}
	}
	return n, nil
}

func (s *ResearchStore) TickerMentionCounts(ctx context.Context, since time.Time) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sources := make(map[string]map[string]bool)
	for _, a := range s.articles {
		if a.FetchedAt.Before(since) {
			continue
		}
		for _, t := range a.Tickers {
			if sources[t] == nil {
				sources[t] = make(map[string]bool)
			}
			sources[t][a.Source] = true
		}
	}
	out := make(map[string]int, len(sources))
	for t, srcs := range sources {
		out[t] = len(srcs)
	}
	return out, nil
}

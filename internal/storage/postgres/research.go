package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mfinch/spyglass/internal/common"
	"github.com/mfinch/spyglass/internal/interfaces"
	"github.com/mfinch/spyglass/internal/models"
)

// ResearchStore implements the research database over pgx.
type ResearchStore struct {
	pool   *pgxpool.Pool
	logger *common.Logger
}

var _ interfaces.ResearchStore = (*ResearchStore)(nil)

// NewResearchStore connects, migrates, and returns the store.
func NewResearchStore(ctx context.Context, dsn string, logger *common.Logger) (*ResearchStore, error) {
	pool, err := NewPool(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("research pool: %w", err)
	}
	if err := Migrate(ctx, pool, researchSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("research migrate: %w", err)
	}
	logger.Debug().Msg("Research store ready")
	return &ResearchStore{pool: pool, logger: logger}, nil
}

func (s *ResearchStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *ResearchStore) Close() error {
	s.pool.Close()
	return nil
}

// --- articles ---

const articleColumns = `url, title, source, COALESCE(published_at, 'epoch'::timestamptz), fetched_at,
	content, summary, tickers, sector, sentiment, sentiment_score, claims, fact_check,
	conclusion, relevance_score, embedding`

func scanArticle(row pgx.Row) (*models.Article, error) {
	var a models.Article
	err := row.Scan(&a.URL, &a.Title, &a.Source, &a.PublishedAt, &a.FetchedAt,
		&a.Content, &a.Summary, &a.Tickers, &a.Sector, &a.Sentiment, &a.SentimentScore,
		&a.Claims, &a.FactCheck, &a.Conclusion, &a.RelevanceScore, &a.Embedding)
	if err != nil {
		return nil, err
	}
	if a.PublishedAt.Unix() == 0 {
		a.PublishedAt = time.Time{}
	}
	return &a, nil
}

// UpsertArticle inserts or updates by URL. A conflicting insert keeps the
// original fetched_at so re-runs stay idempotent on the natural key.
func (s *ResearchStore) UpsertArticle(ctx context.Context, article *models.Article) (bool, error) {
	if article.FetchedAt.IsZero() {
		article.FetchedAt = time.Now().UTC()
	}
	if article.Tickers == nil {
		article.Tickers = []string{}
	}
	if article.Embedding == nil {
		article.Embedding = []float32{}
	}

	var inserted bool
	err := s.pool.QueryRow(ctx,
		`INSERT INTO articles (url, title, source, published_at, fetched_at, content,
		                       summary, tickers, sector, sentiment, sentiment_score,
		                       claims, fact_check, conclusion, relevance_score, embedding)
		 VALUES ($1,$2,$3,NULLIF($4,'epoch'::timestamptz),$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		 ON CONFLICT (url) DO UPDATE SET
		   title=EXCLUDED.title, source=EXCLUDED.source, published_at=EXCLUDED.published_at,
		   content=EXCLUDED.content
		 RETURNING (xmax = 0)`,
		article.URL, article.Title, article.Source, publishedOrEpoch(article.PublishedAt),
		article.FetchedAt, article.Content, article.Summary, article.Tickers, article.Sector,
		article.Sentiment, article.SentimentScore, article.Claims, article.FactCheck,
		article.Conclusion, article.RelevanceScore, article.Embedding).Scan(&inserted)
	if err != nil {
		return false, fmt.Errorf("op=articles.upsert: %w", err)
	}
	return inserted, nil
}

func publishedOrEpoch(t time.Time) time.Time {
	if t.IsZero() {
		return time.Unix(0, 0).UTC()
	}
	return t
}

func (s *ResearchStore) GetArticle(ctx context.Context, url string) (*models.Article, error) {
	a, err := scanArticle(s.pool.QueryRow(ctx,
		`SELECT `+articleColumns+` FROM articles WHERE url=$1`, url))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, interfaces.ErrNotFound
	}
	return a, err
}

func (s *ResearchStore) ListUnanalyzed(ctx context.Context, limit int) ([]*models.Article, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+articleColumns+` FROM articles
		 WHERE summary = '' ORDER BY fetched_at LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("op=articles.unanalyzed: %w", err)
	}
	defer rows.Close()
	return collectArticles(rows)
}

func (s *ResearchStore) ListRecentArticles(ctx context.Context, since time.Time, limit int) ([]*models.Article, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+articleColumns+` FROM articles
		 WHERE fetched_at >= $1 ORDER BY fetched_at DESC LIMIT $2`, since, limit)
	if err != nil {
		return nil, fmt.Errorf("op=articles.recent: %w", err)
	}
	defer rows.Close()
	return collectArticles(rows)
}

func collectArticles(rows pgx.Rows) ([]*models.Article, error) {
	var out []*models.Article
	for rows.Next() {
		a, err := scanArticle(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *ResearchStore) UpdateAnalysis(ctx context.Context, url string, result *models.AnalysisResult, embedding []float32) error {
	if embedding == nil {
		embedding = []float32{}
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE articles SET
		   summary=$2, sentiment=$3, sentiment_score=$4, claims=$5, fact_check=$6,
		   conclusion=$7, tickers=$8, sector=$9, embedding=$10
		 WHERE url=$1`,
		url, result.Summary, result.Sentiment, result.SentimentScore,
		strings.Join(result.Claims, "\n"), result.FactCheck, result.Conclusion,
		result.Tickers, strings.Join(result.Sectors, ", "), embedding)
	if err != nil {
		return fmt.Errorf("op=articles.update_analysis: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=articles.update_analysis: %w", interfaces.ErrNotFound)
	}
	return nil
}

// --- social ---

func (s *ResearchStore) InsertPost(ctx context.Context, post *models.SocialPost) (bool, error) {
	if post.Tickers == nil {
		post.Tickers = []string{}
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO social_posts (platform, post_id, content, author, posted_at, engagement_score, tickers, metric_id)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		 ON CONFLICT (platform, post_id) DO NOTHING`,
		post.Platform, post.PostID, post.Content, post.Author, post.PostedAt,
		post.EngagementScore, post.Tickers, post.MetricID)
	if err != nil {
		return false, fmt.Errorf("op=social.insert_post: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *ResearchStore) InsertMetric(ctx context.Context, metric *models.SocialMetric) error {
	if metric.ID == "" {
		metric.ID = uuid.New().String()
	}
	if metric.CreatedAt.IsZero() {
		metric.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO social_metrics (id, ticker, platform, volume, sentiment_label, sentiment_score, bull_bear_ratio, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		metric.ID, metric.Ticker, metric.Platform, metric.Volume, metric.SentimentLabel,
		metric.SentimentScore, metric.BullBearRatio, metric.CreatedAt)
	if err != nil {
		return fmt.Errorf("op=social.insert_metric: %w", err)
	}
	return nil
}

func (s *ResearchStore) ListRecentPosts(ctx context.Context, ticker string, since time.Time) ([]*models.SocialPost, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT platform, post_id, content, author, posted_at, engagement_score, tickers, metric_id
		 FROM social_posts WHERE $1 = ANY(tickers) AND posted_at >= $2
		 ORDER BY posted_at DESC`, ticker, since)
	if err != nil {
		return nil, fmt.Errorf("op=social.recent_posts: %w", err)
	}
	defer rows.Close()

	var out []*models.SocialPost
	for rows.Next() {
		var p models.SocialPost
		if err := rows.Scan(&p.Platform, &p.PostID, &p.Content, &p.Author, &p.PostedAt,
			&p.EngagementScore, &p.Tickers, &p.MetricID); err != nil {
			return nil, err
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

func (s *ResearchStore) LatestMetric(ctx context.Context, ticker, platform string) (*models.SocialMetric, error) {
	var m models.SocialMetric
	err := s.pool.QueryRow(ctx,
		`SELECT id, ticker, platform, volume, sentiment_label, sentiment_score, bull_bear_ratio, created_at
		 FROM social_metrics WHERE ticker=$1 AND platform=$2
		 ORDER BY created_at DESC LIMIT 1`, ticker, platform).
		Scan(&m.ID, &m.Ticker, &m.Platform, &m.Volume, &m.SentimentLabel,
			&m.SentimentScore, &m.BullBearRatio, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("op=social.latest_metric: %w", err)
	}
	return &m, nil
}

// --- watchlist ---

func (s *ResearchStore) UpsertWatchedTicker(ctx context.Context, wt *models.WatchedTicker) error {
	if wt.UpdatedAt.IsZero() {
		wt.UpdatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO watched_tickers (ticker, priority_tier, is_active, source, source_count, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6)
		 ON CONFLICT (ticker) DO UPDATE SET
		   priority_tier=EXCLUDED.priority_tier, is_active=EXCLUDED.is_active,
		   source=EXCLUDED.source, source_count=EXCLUDED.source_count,
		   updated_at=EXCLUDED.updated_at`,
		wt.Ticker, wt.PriorityTier, wt.IsActive, wt.Source, wt.SourceCount, wt.UpdatedAt)
	if err != nil {
		return fmt.Errorf("op=watchlist.upsert: %w", err)
	}
	return nil
}

func (s *ResearchStore) ListWatchedTickers(ctx context.Context, activeOnly bool) ([]*models.WatchedTicker, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT ticker, priority_tier, is_active, source, source_count, updated_at
		 FROM watched_tickers WHERE (NOT $1 OR is_active)
		 ORDER BY priority_tier, ticker`, activeOnly)
	if err != nil {
		return nil, fmt.Errorf("op=watchlist.list: %w", err)
	}
	defer rows.Close()

	var out []*models.WatchedTicker
	for rows.Next() {
		var wt models.WatchedTicker
		if err := rows.Scan(&wt.Ticker, &wt.PriorityTier, &wt.IsActive, &wt.Source,
			&wt.SourceCount, &wt.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &wt)
	}
	return out, rows.Err()
}

func (s *ResearchStore) DeactivateUnseen(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE watched_tickers SET is_active=FALSE
		 WHERE is_active AND updated_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("op=watchlist.deactivate: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *ResearchStore) TickerMentionCounts(ctx context.Context, since time.Time) (map[string]int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT t.ticker, count(DISTINCT a.source)
		 FROM articles a, unnest(a.tickers) AS t(ticker)
		 WHERE a.fetched_at >= $1
		 GROUP BY t.ticker`, since)
	if err != nil {
		return nil, fmt.Errorf("op=watchlist.mentions: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var ticker string
		var n int
		if err := rows.Scan(&ticker, &n); err != nil {
			return nil, err
		}
		out[ticker] = n
	}
	return out, rows.Err()
}

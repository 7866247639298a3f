// Package postgres implements the operational and research stores over
// PostgreSQL using pgx connection pools.
package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// NewPool creates a pgx connection pool from the provided DSN.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 10
	cfg.MaxConnIdleTime = 5 * time.Minute
	return pgxpool.NewWithConfig(ctx, cfg)
}

// operationalSchema creates the scheduler and portfolio tables.
const operationalSchema = `
CREATE TABLE IF NOT EXISTS job_executions (
	id                TEXT PRIMARY KEY,
	job_name          TEXT NOT NULL,
	target_date       TEXT NOT NULL,
	entity_id         TEXT NOT NULL DEFAULT '',
	started_at        TIMESTAMPTZ NOT NULL,
	completed_at      TIMESTAMPTZ,
	status            TEXT NOT NULL,
	message           TEXT NOT NULL DEFAULT '',
	duration_ms       BIGINT NOT NULL DEFAULT 0,
	tickers_processed TEXT[] NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_job_exec_name_date ON job_executions (job_name, target_date);
CREATE INDEX IF NOT EXISTS idx_job_exec_status ON job_executions (status, started_at);
CREATE UNIQUE INDEX IF NOT EXISTS idx_job_exec_running_key
	ON job_executions (job_name, target_date, entity_id)
	WHERE status = 'running';

CREATE TABLE IF NOT EXISTS execution_log (
	id          TEXT PRIMARY KEY,
	job_name    TEXT NOT NULL,
	success     BOOLEAN NOT NULL,
	message     TEXT NOT NULL DEFAULT '',
	duration_ms BIGINT NOT NULL DEFAULT 0,
	logged_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_execution_log_name ON execution_log (job_name, logged_at DESC);

CREATE TABLE IF NOT EXISTS job_retry_queue (
	id              TEXT PRIMARY KEY,
	job_name        TEXT NOT NULL,
	target_date     TEXT NOT NULL,
	entity_id       TEXT NOT NULL DEFAULT '',
	entity_type     TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL DEFAULT 'pending',
	retry_count     INT NOT NULL DEFAULT 0,
	max_retries     INT NOT NULL DEFAULT 3,
	failure_reason  TEXT NOT NULL DEFAULT '',
	error_message   TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL,
	last_attempt_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_retry_status_created ON job_retry_queue (status, created_at);
CREATE UNIQUE INDEX IF NOT EXISTS idx_retry_unresolved_key
	ON job_retry_queue (job_name, target_date, entity_id, entity_type)
	WHERE status IN ('pending', 'retrying');

CREATE TABLE IF NOT EXISTS scheduler_heartbeats (
	process_id        TEXT PRIMARY KEY,
	last_heartbeat_at TIMESTAMPTZ NOT NULL,
	generation        BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS trades (
	id         TEXT PRIMARY KEY,
	fund       TEXT NOT NULL DEFAULT '',
	ticker     TEXT NOT NULL,
	exchange   TEXT NOT NULL DEFAULT '',
	action     TEXT NOT NULL,
	quantity   DOUBLE PRECISION NOT NULL,
	price      DOUBLE PRECISION NOT NULL,
	currency   TEXT NOT NULL DEFAULT '',
	trade_date TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS portfolio_positions (
	fund          TEXT NOT NULL,
	ticker        TEXT NOT NULL,
	date          TEXT NOT NULL,
	exchange      TEXT NOT NULL DEFAULT '',
	quantity      DOUBLE PRECISION NOT NULL,
	avg_cost      DOUBLE PRECISION NOT NULL,
	current_price DOUBLE PRECISION NOT NULL,
	currency      TEXT NOT NULL DEFAULT 'CAD',
	market_value  DOUBLE PRECISION NOT NULL,
	gain_loss     DOUBLE PRECISION NOT NULL,
	gain_loss_pct DOUBLE PRECISION NOT NULL,
	price_as_of   TIMESTAMPTZ,
	updated_at    TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (fund, ticker, date)
);

CREATE TABLE IF NOT EXISTS exchange_rates (
	base       TEXT NOT NULL,
	quote      TEXT NOT NULL,
	rate       DOUBLE PRECISION NOT NULL,
	rate_date  TEXT NOT NULL,
	fetched_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (base, quote, rate_date)
);

CREATE TABLE IF NOT EXISTS dividends (
	ticker       TEXT NOT NULL,
	ex_date      TEXT NOT NULL,
	pay_date     TEXT NOT NULL DEFAULT '',
	amount       DOUBLE PRECISION NOT NULL,
	currency     TEXT NOT NULL DEFAULT 'CAD',
	shares_held  DOUBLE PRECISION NOT NULL,
	total_amount DOUBLE PRECISION NOT NULL,
	processed_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (ticker, ex_date)
);

CREATE TABLE IF NOT EXISTS benchmark_bars (
	symbol     TEXT NOT NULL,
	bar_date   TEXT NOT NULL,
	open       DOUBLE PRECISION NOT NULL,
	high       DOUBLE PRECISION NOT NULL,
	low        DOUBLE PRECISION NOT NULL,
	close      DOUBLE PRECISION NOT NULL,
	volume     BIGINT NOT NULL DEFAULT 0,
	fetched_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (symbol, bar_date)
);

CREATE TABLE IF NOT EXISTS performance_metrics (
	metric_date      TEXT PRIMARY KEY,
	total_value      DOUBLE PRECISION NOT NULL,
	total_cost       DOUBLE PRECISION NOT NULL,
	day_change       DOUBLE PRECISION NOT NULL,
	day_change_pct   DOUBLE PRECISION NOT NULL,
	total_gain_loss  DOUBLE PRECISION NOT NULL,
	total_return_pct DOUBLE PRECISION NOT NULL,
	benchmark_delta  DOUBLE PRECISION NOT NULL,
	currency         TEXT NOT NULL DEFAULT 'CAD',
	computed_at      TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS insider_trades (
	ticker           TEXT NOT NULL,
	insider_name     TEXT NOT NULL,
	insider_title    TEXT NOT NULL DEFAULT '',
	transaction_type TEXT NOT NULL,
	transaction_date TEXT NOT NULL,
	shares           DOUBLE PRECISION NOT NULL,
	price            DOUBLE PRECISION NOT NULL,
	value            DOUBLE PRECISION NOT NULL,
	source           TEXT NOT NULL DEFAULT '',
	fetched_at       TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (ticker, insider_name, transaction_date, transaction_type, shares, price)
);

CREATE TABLE IF NOT EXISTS congress_trades (
	politician       TEXT NOT NULL,
	chamber          TEXT NOT NULL DEFAULT '',
	party            TEXT NOT NULL DEFAULT '',
	ticker           TEXT NOT NULL,
	transaction_type TEXT NOT NULL,
	transaction_date TEXT NOT NULL,
	disclosure_date  TEXT NOT NULL DEFAULT '',
	amount_range     TEXT NOT NULL,
	source           TEXT NOT NULL DEFAULT '',
	fetched_at       TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (politician, ticker, transaction_date, amount_range)
);
`

// researchSchema creates the article, social, and watchlist tables.
const researchSchema = `
CREATE TABLE IF NOT EXISTS articles (
	url             TEXT PRIMARY KEY,
	title           TEXT NOT NULL DEFAULT '',
	source          TEXT NOT NULL DEFAULT '',
	published_at    TIMESTAMPTZ,
	fetched_at      TIMESTAMPTZ NOT NULL,
	content         TEXT NOT NULL DEFAULT '',
	summary         TEXT NOT NULL DEFAULT '',
	tickers         TEXT[] NOT NULL DEFAULT '{}',
	sector          TEXT NOT NULL DEFAULT '',
	sentiment       TEXT NOT NULL DEFAULT '',
	sentiment_score DOUBLE PRECISION NOT NULL DEFAULT 0,
	claims          TEXT NOT NULL DEFAULT '',
	fact_check      TEXT NOT NULL DEFAULT '',
	conclusion      TEXT NOT NULL DEFAULT '',
	relevance_score DOUBLE PRECISION NOT NULL DEFAULT 0,
	embedding       REAL[] NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_articles_fetched ON articles (fetched_at);
CREATE INDEX IF NOT EXISTS idx_articles_unanalyzed ON articles (fetched_at) WHERE summary = '';

CREATE TABLE IF NOT EXISTS social_posts (
	platform         TEXT NOT NULL,
	post_id          TEXT NOT NULL,
	content          TEXT NOT NULL DEFAULT '',
	author           TEXT NOT NULL DEFAULT '',
	posted_at        TIMESTAMPTZ,
	engagement_score DOUBLE PRECISION NOT NULL DEFAULT 0,
	tickers          TEXT[] NOT NULL DEFAULT '{}',
	metric_id        TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (platform, post_id)
);

CREATE TABLE IF NOT EXISTS social_metrics (
	id              TEXT PRIMARY KEY,
	ticker          TEXT NOT NULL,
	platform        TEXT NOT NULL,
	volume          INT NOT NULL DEFAULT 0,
	sentiment_label TEXT NOT NULL DEFAULT '',
	sentiment_score DOUBLE PRECISION NOT NULL DEFAULT 0,
	bull_bear_ratio DOUBLE PRECISION NOT NULL DEFAULT 0,
	created_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_social_metrics_key ON social_metrics (ticker, platform, created_at DESC);

CREATE TABLE IF NOT EXISTS watched_tickers (
	ticker        TEXT PRIMARY KEY,
	priority_tier TEXT NOT NULL DEFAULT 'C',
	is_active     BOOLEAN NOT NULL DEFAULT TRUE,
	source        TEXT NOT NULL DEFAULT '',
	source_count  INT NOT NULL DEFAULT 0,
	updated_at    TIMESTAMPTZ NOT NULL
);
`

// Migrate applies the schema for one store. Statements are idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool, schema string) error {
	_, err := pool.Exec(ctx, schema)
	return err
}

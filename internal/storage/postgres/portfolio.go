package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/mfinch/spyglass/internal/interfaces"
	"github.com/mfinch/spyglass/internal/models"
)

func (s *OperationalStore) ListTrades(ctx context.Context) ([]*models.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, fund, ticker, exchange, action, quantity, price, currency, trade_date, created_at
		 FROM trades ORDER BY trade_date, created_at`)
	if err != nil {
		return nil, fmt.Errorf("op=trades.list: %w", err)
	}
	defer rows.Close()

	var out []*models.Trade
	for rows.Next() {
		var t models.Trade
		if err := rows.Scan(&t.ID, &t.Fund, &t.Ticker, &t.Exchange, &t.Action, &t.Quantity,
			&t.Price, &t.Currency, &t.TradeDate, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

func (s *OperationalStore) ListPositions(ctx context.Context, date string) ([]*models.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT fund, ticker, date, exchange, quantity, avg_cost, current_price, currency,
		        market_value, gain_loss, gain_loss_pct,
		        COALESCE(price_as_of, 'epoch'::timestamptz), updated_at
		 FROM portfolio_positions
		 WHERE date = CASE WHEN $1 <> '' THEN $1
		                   ELSE (SELECT COALESCE(max(date), '') FROM portfolio_positions) END
		 ORDER BY fund, ticker`, date)
	if err != nil {
		return nil, fmt.Errorf("op=positions.list: %w", err)
	}
	defer rows.Close()

	var out []*models.Position
	for rows.Next() {
		var p models.Position
		if err := rows.Scan(&p.Fund, &p.Ticker, &p.Date, &p.Exchange, &p.Quantity, &p.AvgCost,
			&p.CurrentPrice, &p.Currency, &p.MarketValue, &p.GainLoss, &p.GainLossPct,
			&p.PriceAsOf, &p.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

func (s *OperationalStore) CountPositions(ctx context.Context, fund, date string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM portfolio_positions WHERE fund=$1 AND date=$2`,
		fund, date).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("op=positions.count: %w", err)
	}
	return n, nil
}

func (s *OperationalStore) SavePosition(ctx context.Context, pos *models.Position) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO portfolio_positions (fund, ticker, date, exchange, quantity, avg_cost,
		                                  current_price, currency, market_value, gain_loss,
		                                  gain_loss_pct, price_as_of, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		 ON CONFLICT (fund, ticker, date) DO UPDATE SET
		   exchange=EXCLUDED.exchange, quantity=EXCLUDED.quantity, avg_cost=EXCLUDED.avg_cost,
		   current_price=EXCLUDED.current_price, currency=EXCLUDED.currency,
		   market_value=EXCLUDED.market_value, gain_loss=EXCLUDED.gain_loss,
		   gain_loss_pct=EXCLUDED.gain_loss_pct, price_as_of=EXCLUDED.price_as_of,
		   updated_at=EXCLUDED.updated_at`,
		pos.Fund, pos.Ticker, pos.Date, pos.Exchange, pos.Quantity, pos.AvgCost,
		pos.CurrentPrice, pos.Currency, pos.MarketValue, pos.GainLoss, pos.GainLossPct,
		pos.PriceAsOf, pos.UpdatedAt)
	if err != nil {
		return fmt.Errorf("op=positions.save: %w", err)
	}
	return nil
}

func (s *OperationalStore) SaveExchangeRate(ctx context.Context, rate *models.ExchangeRate) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO exchange_rates (base, quote, rate, rate_date, fetched_at)
		 VALUES ($1,$2,$3,$4,$5)
		 ON CONFLICT (base, quote, rate_date) DO UPDATE
		 SET rate=EXCLUDED.rate, fetched_at=EXCLUDED.fetched_at`,
		rate.Base, rate.Quote, rate.Rate, rate.RateDate, rate.FetchedAt)
	if err != nil {
		return fmt.Errorf("op=fx.save: %w", err)
	}
	return nil
}

func (s *OperationalStore) GetExchangeRate(ctx context.Context, base, quote, rateDate string) (*models.ExchangeRate, error) {
	var r models.ExchangeRate
	err := s.pool.QueryRow(ctx,
		`SELECT base, quote, rate, rate_date, fetched_at FROM exchange_rates
		 WHERE base=$1 AND quote=$2 AND rate_date=$3`,
		base, quote, rateDate).Scan(&r.Base, &r.Quote, &r.Rate, &r.RateDate, &r.FetchedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, interfaces.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("op=fx.get: %w", err)
	}
	return &r, nil
}

func (s *OperationalStore) SaveDividend(ctx context.Context, div *models.Dividend) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO dividends (ticker, ex_date, pay_date, amount, currency, shares_held, total_amount, processed_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		 ON CONFLICT (ticker, ex_date) DO UPDATE SET
		   pay_date=EXCLUDED.pay_date, amount=EXCLUDED.amount, currency=EXCLUDED.currency,
		   shares_held=EXCLUDED.shares_held, total_amount=EXCLUDED.total_amount,
		   processed_at=EXCLUDED.processed_at`,
		div.Ticker, div.ExDate, div.PayDate, div.Amount, div.Currency,
		div.SharesHeld, div.TotalAmount, div.ProcessedAt)
	if err != nil {
		return fmt.Errorf("op=dividends.save: %w", err)
	}
	return nil
}

func (s *OperationalStore) ListDividends(ctx context.Context, ticker string) ([]*models.Dividend, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT ticker, ex_date, pay_date, amount, currency, shares_held, total_amount, processed_at
		 FROM dividends WHERE ($1 = '' OR ticker = $1) ORDER BY ex_date DESC`, ticker)
	if err != nil {
		return nil, fmt.Errorf("op=dividends.list: %w", err)
	}
	defer rows.Close()

	var out []*models.Dividend
	for rows.Next() {
		var d models.Dividend
		if err := rows.Scan(&d.Ticker, &d.ExDate, &d.PayDate, &d.Amount, &d.Currency,
			&d.SharesHeld, &d.TotalAmount, &d.ProcessedAt); err != nil {
			return nil, err
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

func (s *OperationalStore) SaveBenchmarkBar(ctx context.Context, bar *models.BenchmarkBar) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO benchmark_bars (symbol, bar_date, open, high, low, close, volume, fetched_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		 ON CONFLICT (symbol, bar_date) DO UPDATE SET
		   open=EXCLUDED.open, high=EXCLUDED.high, low=EXCLUDED.low, close=EXCLUDED.close,
		   volume=EXCLUDED.volume, fetched_at=EXCLUDED.fetched_at`,
		bar.Symbol, bar.BarDate, bar.Open, bar.High, bar.Low, bar.Close, bar.Volume, bar.FetchedAt)
	if err != nil {
		return fmt.Errorf("op=benchmark.save: %w", err)
	}
	return nil
}

func (s *OperationalStore) ListBenchmarkBars(ctx context.Context, symbol string, since string) ([]*models.BenchmarkBar, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT symbol, bar_date, open, high, low, close, volume, fetched_at
		 FROM benchmark_bars WHERE symbol=$1 AND bar_date >= $2 ORDER BY bar_date`,
		symbol, since)
	if err != nil {
		return nil, fmt.Errorf("op=benchmark.list: %w", err)
	}
	defer rows.Close()

	var out []*models.BenchmarkBar
	for rows.Next() {
		var b models.BenchmarkBar
		if err := rows.Scan(&b.Symbol, &b.BarDate, &b.Open, &b.High, &b.Low, &b.Close,
			&b.Volume, &b.FetchedAt); err != nil {
			return nil, err
		}
		out = append(out, &b)
	}
	return out, rows.Err()
}

func (s *OperationalStore) SavePerformanceMetric(ctx context.Context, m *models.PerformanceMetric) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO performance_metrics (metric_date, total_value, total_cost, day_change, day_change_pct,
		                                  total_gain_loss, total_return_pct, benchmark_delta, currency, computed_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		 ON CONFLICT (metric_date) DO UPDATE SET
		   total_value=EXCLUDED.total_value, total_cost=EXCLUDED.total_cost,
		   day_change=EXCLUDED.day_change, day_change_pct=EXCLUDED.day_change_pct,
		   total_gain_loss=EXCLUDED.total_gain_loss, total_return_pct=EXCLUDED.total_return_pct,
		   benchmark_delta=EXCLUDED.benchmark_delta, currency=EXCLUDED.currency,
		   computed_at=EXCLUDED.computed_at`,
		m.MetricDate, m.TotalValue, m.TotalCost, m.DayChange, m.DayChangePct,
		m.TotalGainLoss, m.TotalReturnPct, m.BenchmarkDelta, m.Currency, m.ComputedAt)
	if err != nil {
		return fmt.Errorf("op=performance.save: %w", err)
	}
	return nil
}

func (s *OperationalStore) GetPerformanceMetric(ctx context.Context, metricDate string) (*models.PerformanceMetric, error) {
	var m models.PerformanceMetric
	err := s.pool.QueryRow(ctx,
		`SELECT metric_date, total_value, total_cost, day_change, day_change_pct,
		        total_gain_loss, total_return_pct, benchmark_delta, currency, computed_at
		 FROM performance_metrics WHERE metric_date=$1`, metricDate).
		Scan(&m.MetricDate, &m.TotalValue, &m.TotalCost, &m.DayChange, &m.DayChangePct,
			&m.TotalGainLoss, &m.TotalReturnPct, &m.BenchmarkDelta, &m.Currency, &m.ComputedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, interfaces.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("op=performance.get: %w", err)
	}
	return &m, nil
}

func (s *OperationalStore) SaveInsiderTrade(ctx context.Context, trade *models.InsiderTrade) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO insider_trades (ticker, insider_name, insider_title, transaction_type,
		                             transaction_date, shares, price, value, source, fetched_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		 ON CONFLICT (ticker, insider_name, transaction_date, transaction_type, shares, price) DO NOTHING`,
		trade.Ticker, trade.InsiderName, trade.InsiderTitle, trade.TransactionType,
		trade.TransactionDate, trade.Shares, trade.Price, trade.Value, trade.Source, trade.FetchedAt)
	if err != nil {
		return fmt.Errorf("op=insider.save: %w", err)
	}
	return nil
}

func (s *OperationalStore) SaveCongressTrade(ctx context.Context, trade *models.CongressTrade) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO congress_trades (politician, chamber, party, ticker, transaction_type,
		                              transaction_date, disclosure_date, amount_range, source, fetched_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		 ON CONFLICT (politician, ticker, transaction_date, amount_range) DO NOTHING`,
		trade.Politician, trade.Chamber, trade.Party, trade.Ticker, trade.TransactionType,
		trade.TransactionDate, trade.DisclosureDate, trade.AmountRange, trade.Source, trade.FetchedAt)
	if err != nil {
		return false, fmt.Errorf("op=congress.save: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *OperationalStore) ListCongressTrades(ctx context.Context, ticker string, limit int) ([]*models.CongressTrade, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT politician, chamber, party, ticker, transaction_type, transaction_date,
		        disclosure_date, amount_range, source, fetched_at
		 FROM congress_trades WHERE ($1 = '' OR ticker = $1)
		 ORDER BY transaction_date DESC LIMIT $2`, ticker, limit)
	if err != nil {
		return nil, fmt.Errorf("op=congress.list: %w", err)
	}
	defer rows.Close()

	var out []*models.CongressTrade
	for rows.Next() {
		var t models.CongressTrade
		if err := rows.Scan(&t.Politician, &t.Chamber, &t.Party, &t.Ticker, &t.TransactionType,
			&t.TransactionDate, &t.DisclosureDate, &t.AmountRange, &t.Source, &t.FetchedAt); err != nil {
			return nil, err
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

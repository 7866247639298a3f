// Package jobs holds the scheduled job library: portfolio calculations,
// market data refreshes, filing scrapers, and the research pipeline jobs.
package jobs

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/mfinch/spyglass/internal/common"
	"github.com/mfinch/spyglass/internal/interfaces"
	"github.com/mfinch/spyglass/internal/models"
)

// Quote is one delayed end-of-day quote.
type Quote struct {
	Ticker string
	Price  float64
	Date   string // YYYY-MM-DD
}

// MarketData supplies quotes, bars, FX rates, and dividend schedules to the
// calculation jobs.
type MarketData interface {
	LatestQuote(ctx context.Context, ticker string) (*Quote, error)
	DailyBars(ctx context.Context, symbol, since string) ([]*models.BenchmarkBar, error)
	ExchangeRate(ctx context.Context, base, quote string) (float64, error)
	Dividends(ctx context.Context, ticker string) ([]*models.Dividend, error)
}

// StooqClient reads delayed market data from stooq.com CSV endpoints and
// dividend schedules from the Nasdaq API. Everything goes through the
// fetcher, so protected endpoints escalate to the challenge solver.
type StooqClient struct {
	fetcher     interfaces.Fetcher
	logger      *common.Logger
	quoteURL    string
	historyURL  string
	dividendURL string
}

var _ MarketData = (*StooqClient)(nil)

// NewStooqClient creates the production market data client.
func NewStooqClient(fetcher interfaces.Fetcher, logger *common.Logger) *StooqClient {
	return &StooqClient{
		fetcher:     fetcher,
		logger:      logger,
		quoteURL:    "https://stooq.com/q/l/?s=%s&f=sd2t2ohlcv&h&e=csv",
		historyURL:  "https://stooq.com/q/d/l/?s=%s&i=d&d1=%s&d2=%s",
		dividendURL: "https://api.nasdaq.com/api/quote/%s/dividends?assetclass=stocks",
	}
}

// stooqSymbol maps a ticker to stooq's naming: lowercase, bare US tickers
// get the .us suffix, exchange suffixes are folded to lowercase.
func stooqSymbol(ticker string) string {
	s := strings.ToLower(strings.TrimSpace(ticker))
	if s == "" {
		return s
	}
	if !strings.Contains(s, ".") {
		return s + ".us"
	}
	return s
}

// LatestQuote fetches the current delayed quote.
func (c *StooqClient) LatestQuote(ctx context.Context, ticker string) (*Quote, error) {
	url := fmt.Sprintf(c.quoteURL, stooqSymbol(ticker))
	res, err := c.fetcher.Fetch(ctx, url, "direct")
	if err != nil {
		return nil, fmt.Errorf("quote %s: %w", ticker, err)
	}

	rows, err := readCSV(res.Body)
	if err != nil || len(rows) < 2 {
		return nil, fmt.Errorf("quote %s: malformed response", ticker)
	}
	// Symbol,Date,Time,Open,High,Low,Close,Volume
	row := rows[1]
	if len(row) < 8 || row[6] == "N/D" {
		return nil, fmt.Errorf("quote %s: no data", ticker)
	}
	price, err := strconv.ParseFloat(row[6], 64)
	if err != nil {
		return nil, fmt.Errorf("quote %s: bad close %q", ticker, row[6])
	}
	return &Quote{Ticker: ticker, Price: price, Date: row[1]}, nil
}

// DailyBars fetches daily OHLC history from since (YYYY-MM-DD) to today.
func (c *StooqClient) DailyBars(ctx context.Context, symbol, since string) ([]*models.BenchmarkBar, error) {
	d1 := strings.ReplaceAll(since, "-", "")
	d2 := time.Now().UTC().Format("20060102")
	url := fmt.Sprintf(c.historyURL, stooqSymbol(symbol), d1, d2)
	res, err := c.fetcher.Fetch(ctx, url, "direct")
	if err != nil {
		return nil, fmt.Errorf("bars %s: %w", symbol, err)
	}

	rows, err := readCSV(res.Body)
	if err != nil {
		return nil, fmt.Errorf("bars %s: %w", symbol, err)
	}

	var bars []*models.BenchmarkBar
	for i, row := range rows {
		if i == 0 || len(row) < 6 {
			continue // header: Date,Open,High,Low,Close,Volume
		}
		open, err1 := strconv.ParseFloat(row[1], 64)
		high, err2 := strconv.ParseFloat(row[2], 64)
		low, err3 := strconv.ParseFloat(row[3], 64)
		closePx, err4 := strconv.ParseFloat(row[4], 64)
		if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
			continue
		}
		volume, _ := strconv.ParseInt(row[5], 10, 64)
		bars = append(bars, &models.BenchmarkBar{
			Symbol:  symbol,
			BarDate: row[0],
			Open:    open,
			High:    high,
			Low:     low,
			Close:   closePx,
			Volume:  volume,
		})
	}
	return bars, nil
}

// ExchangeRate fetches the current rate for base/quote (e.g. USD, CAD).
func (c *StooqClient) ExchangeRate(ctx context.Context, base, quote string) (float64, error) {
	pair := strings.ToLower(base + quote)
	url := fmt.Sprintf(c.quoteURL, pair)
	res, err := c.fetcher.Fetch(ctx, url, "direct")
	if err != nil {
		return 0, fmt.Errorf("rate %s/%s: %w", base, quote, err)
	}
	rows, err := readCSV(res.Body)
	if err != nil || len(rows) < 2 || len(rows[1]) < 8 {
		return 0, fmt.Errorf("rate %s/%s: malformed response", base, quote)
	}
	rate, err := strconv.ParseFloat(rows[1][6], 64)
	if err != nil || rate <= 0 {
		return 0, fmt.Errorf("rate %s/%s: bad close %q", base, quote, rows[1][6])
	}
	return rate, nil
}

// nasdaqDividendResponse is the subset of the Nasdaq dividends payload the
// dividend job reads.
type nasdaqDividendResponse struct {
	Data struct {
		Dividends struct {
			Rows []struct {
				ExOrEffDate string `json:"exOrEffDate"`
				PaymentDate string `json:"paymentDate"`
				Amount      string `json:"amount"` // "$0.24"
			} `json:"rows"`
		} `json:"dividends"`
	} `json:"data"`
}

// Dividends fetches the dividend schedule for a ticker. The Nasdaq API sits
// behind bot protection, so this goes out in auto mode.
func (c *StooqClient) Dividends(ctx context.Context, ticker string) ([]*models.Dividend, error) {
	symbol := strings.ToUpper(strings.SplitN(ticker, ".", 2)[0])
	url := fmt.Sprintf(c.dividendURL, symbol)
	res, err := c.fetcher.Fetch(ctx, url, "auto")
	if err != nil {
		return nil, fmt.Errorf("dividends %s: %w", ticker, err)
	}

	var payload nasdaqDividendResponse
	if err := json.Unmarshal(res.Body, &payload); err != nil {
		return nil, fmt.Errorf("dividends %s: %w", ticker, err)
	}

	var out []*models.Dividend
	for _, row := range payload.Data.Dividends.Rows {
		amount, err := parseDollarAmount(row.Amount)
		if err != nil {
			continue
		}
		exDate, err := normalizeUSDate(row.ExOrEffDate)
		if err != nil {
			continue
		}
		payDate, _ := normalizeUSDate(row.PaymentDate)
		out = append(out, &models.Dividend{
			Ticker:  ticker,
			ExDate:  exDate,
			PayDate: payDate,
			Amount:  amount,
		})
	}
	return out, nil
}

func readCSV(data []byte) ([][]string, error) {
	r := csv.NewReader(strings.NewReader(string(data)))
	r.FieldsPerRecord = -1
	var rows [][]string
	for {
		row, err := r.Read()
		if err == io.EOF {
			return rows, nil
		}
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
}

// parseDollarAmount parses "$0.24" style amounts.
func parseDollarAmount(s string) (float64, error) {
	s = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(s), "$"))
	s = strings.ReplaceAll(s, ",", "")
	return strconv.ParseFloat(s, 64)
}

// normalizeUSDate converts MM/DD/YYYY to YYYY-MM-DD.
func normalizeUSDate(s string) (string, error) {
	t, err := time.Parse("01/02/2006", strings.TrimSpace(s))
	if err != nil {
		return "", err
	}
	return t.Format("2006-01-02"), nil
}

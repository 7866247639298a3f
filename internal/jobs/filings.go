package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"

	"github.com/mfinch/spyglass/internal/interfaces"
	"github.com/mfinch/spyglass/internal/models"
)

// openInsiderURL lists the latest cluster buys and large filings. The table
// layout is stable enough to scrape by column position.
const openInsiderURL = "http://openinsider.com/latest-insider-trading"

// InsiderTrades scrapes recent corporate insider filings.
type InsiderTrades struct {
	deps *Deps
}

var _ interfaces.Job = (*InsiderTrades)(nil)

// NewInsiderTrades creates the insider_trades job.
func NewInsiderTrades(deps *Deps) *InsiderTrades { return &InsiderTrades{deps: deps} }

func (j *InsiderTrades) Name() string     { return models.JobInsiderTrades }
func (j *InsiderTrades) Schedule() string { return "0 8 * * *" }

func (j *InsiderTrades) Run(ctx context.Context, targetDate string) (*models.JobResult, error) {
	res, err := j.deps.Fetcher.Fetch(ctx, openInsiderURL, "auto")
	if err != nil {
		return nil, fmt.Errorf("fetch filings: %w", err)
	}

	trades, err := parseInsiderTable(res.Body)
	if err != nil {
		return nil, fmt.Errorf("parse filings: %w", err)
	}

	now := j.deps.clock().Now().UTC()
	saved := 0
	for _, trade := range trades {
		trade.Source = "openinsider"
		trade.FetchedAt = now
		if err := j.deps.Operational.SaveInsiderTrade(ctx, trade); err != nil {
			return nil, fmt.Errorf("save filing %s: %w", trade.Ticker, err)
		}
		saved++
	}
	return &models.JobResult{Message: fmt.Sprintf("%d filings found, %d processed", len(trades), saved)}, nil
}

// parseInsiderTable extracts filings from the screener table. Rows that do
// not parse cleanly are skipped; the table carries ads and summary rows.
func parseInsiderTable(body []byte) ([]*models.InsiderTrade, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	var trades []*models.InsiderTrade
	doc.Find("table.tinytable tbody tr").Each(func(_ int, row *goquery.Selection) {
		cells := row.Find("td")
		if cells.Length() < 13 {
			return
		}
		cell := func(i int) string { return strings.TrimSpace(cells.Eq(i).Text()) }

		// Columns: X, filing date, trade date, ticker, insider, title,
		// trade type, price, qty, owned, delta-own, value, ...
		ticker := cell(3)
		insider := cell(4)
		tradeDate := cell(2)
		if ticker == "" || insider == "" || tradeDate == "" {
			return
		}

		trade := &models.InsiderTrade{
			Ticker:          ticker,
			InsiderName:     insider,
			InsiderTitle:    cell(5),
			TransactionDate: tradeDate,
			TransactionType: normalizeInsiderType(cell(6)),
		}
		trade.Price, _ = parseDollarAmount(cell(7))
		if shares, err := parseSignedNumber(cell(8)); err == nil {
			trade.Shares = shares
		}
		if value, err := parseSignedNumber(strings.TrimPrefix(cell(11), "$")); err == nil {
			trade.Value = value
		}
		trades = append(trades, trade)
	})
	return trades, nil
}

// normalizeInsiderType maps "P - Purchase" / "S - Sale" style labels.
func normalizeInsiderType(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	switch {
	case strings.HasPrefix(s, "P"):
		return "buy"
	case strings.HasPrefix(s, "S"):
		return "sell"
	}
	return strings.ToLower(s)
}

// parseSignedNumber parses "+12,500" / "-3,000" style counts.
func parseSignedNumber(s string) (float64, error) {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", "")
	s = strings.TrimPrefix(s, "+")
	return strconv.ParseFloat(s, 64)
}

// congressFeedURL is the community mirror of house financial disclosures.
const congressFeedURL = "https://house-stock-watcher-data.s3-us-west-2.amazonaws.com/data/all_transactions.json"

// congressDisclosure is one row of the disclosure feed.
type congressDisclosure struct {
	Representative  string `json:"representative"`
	Ticker          string `json:"ticker"`
	Type            string `json:"type"`
	TransactionDate string `json:"transaction_date"`
	DisclosureDate  string `json:"disclosure_date"`
	Amount          string `json:"amount"`
	Party           string `json:"party"`
}

// CongressTrades ingests congressional trading disclosures.
type CongressTrades struct {
	deps *Deps
}

var _ interfaces.Job = (*CongressTrades)(nil)

// NewCongressTrades creates the congress_trades job.
func NewCongressTrades(deps *Deps) *CongressTrades { return &CongressTrades{deps: deps} }

func (j *CongressTrades) Name() string     { return models.JobCongressTrades }
func (j *CongressTrades) Schedule() string { return "30 8 * * *" }

func (j *CongressTrades) Run(ctx context.Context, targetDate string) (*models.JobResult, error) {
	res, err := j.deps.Fetcher.Fetch(ctx, congressFeedURL, "direct")
	if err != nil {
		return nil, fmt.Errorf("fetch disclosures: %w", err)
	}

	var rows []congressDisclosure
	if err := json.Unmarshal(res.Body, &rows); err != nil {
		return nil, fmt.Errorf("parse disclosures: %w", err)
	}

	inserted, skipped, err := j.deps.ImportCongressRows(ctx, rows, "house-stock-watcher")
	if err != nil {
		return nil, err
	}
	return &models.JobResult{
		Message: fmt.Sprintf("%d disclosures found, %d new, %d duplicates", len(rows), inserted, skipped),
	}, nil
}

// ImportCongressRows persists disclosure rows, deduplicating on the natural
// key. Shared with the CLI seed importer.
func (d *Deps) ImportCongressRows(ctx context.Context, rows []congressDisclosure, source string) (inserted, skipped int, err error) {
	now := d.clock().Now().UTC()
	for _, row := range rows {
		ticker := strings.ToUpper(strings.TrimSpace(row.Ticker))
		if ticker == "" || ticker == "--" || row.Representative == "" {
			continue
		}
		trade := &models.CongressTrade{
			Politician:      row.Representative,
			Chamber:         "house",
			Party:           row.Party,
			Ticker:          ticker,
			TransactionType: normalizeCongressType(row.Type),
			TransactionDate: row.TransactionDate,
			DisclosureDate:  row.DisclosureDate,
			AmountRange:     row.Amount,
			Source:          source,
			FetchedAt:       now,
		}
		created, err := d.Operational.SaveCongressTrade(ctx, trade)
		if err != nil {
			return inserted, skipped, fmt.Errorf("save disclosure %s/%s: %w", trade.Politician, ticker, err)
		}
		if created {
			inserted++
		} else {
			skipped++
		}
	}
	return inserted, skipped, nil
}

// normalizeCongressType folds "purchase", "sale_full", "sale_partial".
func normalizeCongressType(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if strings.HasPrefix(s, "sale") {
		return "sale"
	}
	if s == "" {
		return "purchase"
	}
	return s
}

// ImportCongressSeed parses a seed file in the disclosure feed format and
// imports it. Used by the CLI for initial backfill.
func (d *Deps) ImportCongressSeed(ctx context.Context, data []byte) (int, int, error) {
	var rows []congressDisclosure
	if err := json.Unmarshal(data, &rows); err != nil {
		return 0, 0, fmt.Errorf("parse seed: %w", err)
	}
	return d.ImportCongressRows(ctx, rows, "seed")
}

// CongressBackfill bounds a historical disclosure import.
type CongressBackfill struct {
	MonthsBack int  // window of transaction dates to import
	PageSize   int  // rows imported per page
	StartPage  int  // 1-based resume point
	SkipRecent bool // drop the last 7 days, the daily job owns those
}

// BackfillCongressTrades imports historical disclosures in pages. The batch
// ID is recorded as the source of every imported row so a partial backfill
// can be identified and resumed.
func (d *Deps) BackfillCongressTrades(ctx context.Context, opts CongressBackfill) (batchID string, inserted, skipped int, err error) {
	if opts.MonthsBack <= 0 {
		opts.MonthsBack = 6
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 500
	}
	if opts.StartPage <= 0 {
		opts.StartPage = 1
	}
	batchID = uuid.New().String()[:8]

	res, err := d.Fetcher.Fetch(ctx, congressFeedURL, "direct")
	if err != nil {
		return batchID, 0, 0, fmt.Errorf("fetch disclosures: %w", err)
	}
	var all []congressDisclosure
	if err := json.Unmarshal(res.Body, &all); err != nil {
		return batchID, 0, 0, fmt.Errorf("parse disclosures: %w", err)
	}

	now := d.clock().Now().UTC()
	oldest := now.AddDate(0, -opts.MonthsBack, 0).Format("2006-01-02")
	newest := now.Format("2006-01-02")
	if opts.SkipRecent {
		newest = now.AddDate(0, 0, -7).Format("2006-01-02")
	}

	var rows []congressDisclosure
	for _, row := range all {
		if row.TransactionDate < oldest || row.TransactionDate > newest {
			continue
		}
		rows = append(rows, row)
	}

	source := "backfill:" + batchID
	for start := (opts.StartPage - 1) * opts.PageSize; start < len(rows); start += opts.PageSize {
		end := start + opts.PageSize
		if end > len(rows) {
			end = len(rows)
		}
		ins, skip, err := d.ImportCongressRows(ctx, rows[start:end], source)
		inserted += ins
		skipped += skip
		if err != nil {
			return batchID, inserted, skipped, err
		}
		d.Logger.Info().
			Str("batch_id", batchID).
			Int("page", start/opts.PageSize+1).
			Int("inserted", inserted).
			Int("skipped", skipped).
			Msg("Backfill page imported")
	}
	return batchID, inserted, skipped, nil
}

package models

import "time"

// Trade is one portfolio transaction as recorded in the operational store.
type Trade struct {
	ID        string    `json:"id"`
	Fund      string    `json:"fund,omitempty"` // empty means the default fund
	Ticker    string    `json:"ticker"`
	Exchange  string    `json:"exchange,omitempty"`
	Action    string    `json:"action"` // "buy", "sell"
	Quantity  float64   `json:"quantity"`
	Price     float64   `json:"price"`
	Currency  string    `json:"currency"` // empty or "nan" treated as CAD downstream
	TradeDate string    `json:"trade_date"`
	CreatedAt time.Time `json:"created_at"`
}

// Position is one fund's holding valued on a given date, keyed by
// (fund, ticker, date).
type Position struct {
	Fund         string    `json:"fund"`
	Ticker       string    `json:"ticker"`
	Date         string    `json:"date"` // YYYY-MM-DD valuation date
	Exchange     string    `json:"exchange,omitempty"`
	Quantity     float64   `json:"quantity"`
	AvgCost      float64   `json:"avg_cost"`
	CurrentPrice float64   `json:"current_price"`
	Currency     string    `json:"currency"`
	MarketValue  float64   `json:"market_value"`
	GainLoss     float64   `json:"gain_loss"`
	GainLossPct  float64   `json:"gain_loss_pct"`
	PriceAsOf    time.Time `json:"price_as_of"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ExchangeRate is one daily FX rate, keyed by (base, quote, rate_date).
type ExchangeRate struct {
	Base      string    `json:"base"`
	Quote     string    `json:"quote"`
	Rate      float64   `json:"rate"`
	RateDate  string    `json:"rate_date"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Dividend is one dividend event per holding, keyed by (ticker, ex_date).
type Dividend struct {
	Ticker      string    `json:"ticker"`
	ExDate      string    `json:"ex_date"`
	PayDate     string    `json:"pay_date,omitempty"`
	Amount      float64   `json:"amount"`
	Currency    string    `json:"currency"`
	SharesHeld  float64   `json:"shares_held"`
	TotalAmount float64   `json:"total_amount"`
	ProcessedAt time.Time `json:"processed_at"`
}

// BenchmarkBar is one daily OHLC bar for a benchmark index, keyed by
// (symbol, bar_date).
type BenchmarkBar struct {
	Symbol    string    `json:"symbol"`
	BarDate   string    `json:"bar_date"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    int64     `json:"volume"`
	FetchedAt time.Time `json:"fetched_at"`
}

// PerformanceMetric is a computed portfolio performance snapshot for one
// target date, keyed by (metric_date).
type PerformanceMetric struct {
	MetricDate     string    `json:"metric_date"`
	TotalValue     float64   `json:"total_value"`
	TotalCost      float64   `json:"total_cost"`
	DayChange      float64   `json:"day_change"`
	DayChangePct   float64   `json:"day_change_pct"`
	TotalGainLoss  float64   `json:"total_gain_loss"`
	TotalReturnPct float64   `json:"total_return_pct"`
	BenchmarkDelta float64   `json:"benchmark_delta"` // vs primary benchmark, pct points
	Currency       string    `json:"currency"`        // reporting currency, CAD
	ComputedAt     time.Time `json:"computed_at"`
}

// InsiderTrade is one corporate insider filing row, keyed by
// (ticker, insider_name, transaction_date, type, shares, price).
type InsiderTrade struct {
	Ticker          string    `json:"ticker"`
	InsiderName     string    `json:"insider_name"`
	InsiderTitle    string    `json:"insider_title,omitempty"`
	TransactionType string    `json:"transaction_type"` // "buy", "sell"
	TransactionDate string    `json:"transaction_date"`
	Shares          float64   `json:"shares"`
	Price           float64   `json:"price"`
	Value           float64   `json:"value"`
	Source          string    `json:"source"`
	FetchedAt       time.Time `json:"fetched_at"`
}

// CongressTrade is one congressional trading disclosure, keyed by
// (politician, ticker, transaction_date, amount_range).
type CongressTrade struct {
	Politician      string    `json:"politician"`
	Chamber         string    `json:"chamber,omitempty"` // "house", "senate"
	Party           string    `json:"party,omitempty"`
	Ticker          string    `json:"ticker"`
	TransactionType string    `json:"transaction_type"` // "purchase", "sale"
	TransactionDate string    `json:"transaction_date"`
	DisclosureDate  string    `json:"disclosure_date,omitempty"`
	AmountRange     string    `json:"amount_range"` // e.g. "$1,001 - $15,000"
	Source          string    `json:"source"`
	FetchedAt       time.Time `json:"fetched_at"`
}

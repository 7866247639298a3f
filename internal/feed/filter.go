package feed

import (
	"strings"

	"github.com/mfinch/spyglass/internal/models"
)

// spamPhrases reject an item outright when present in title+content.
var spamPhrases = []string{
	"sign up now",
	"click here",
	"subscribe today",
	"limited time offer",
	"act now",
	"buy now",
	"sponsored content",
	"advertisement",
}

// junkCategories reject an item by its category tags.
var junkCategories = map[string]bool{
	"sponsored":     true,
	"advertisement": true,
	"press release": true,
	"promo":         true,
}

// financialKeywords is the vocabulary an item must touch at least once to
// count as market-relevant.
var financialKeywords = []string{
	"market", "markets", "stock", "stocks", "share", "shares", "equity", "equities",
	"trading", "trade", "trader", "investor", "investment", "investing",
	"earnings", "revenue", "profit", "loss", "margin", "guidance",
	"dividend", "dividends", "yield", "payout",
	"bond", "bonds", "treasury", "debt", "credit",
	"fed", "federal reserve", "central bank", "interest rate", "rate cut", "rate hike",
	"inflation", "deflation", "cpi", "gdp", "recession", "economy", "economic",
	"ipo", "merger", "acquisition", "buyback", "valuation",
	"nasdaq", "nyse", "s&p", "dow", "tsx", "index", "etf", "fund",
	"portfolio", "hedge", "short", "long", "bullish", "bearish", "rally", "selloff",
	"volatility", "futures", "options", "commodity", "commodities",
	"oil", "gold", "crypto", "bitcoin", "currency", "forex", "exchange rate",
	"analyst", "upgrade", "downgrade", "price target", "quarterly", "fiscal",
	"sec", "filing", "insider", "ceo", "cfo",
}

// minContentLength is the shortest content the filter accepts.
const minContentLength = 100

// JunkFilter applies the closed-list relevance rules.
type JunkFilter struct{}

// NewJunkFilter creates the default filter.
func NewJunkFilter() *JunkFilter {
	return &JunkFilter{}
}

// Keep reports whether an item passes every filter rule: no spam phrase,
// no junk category, content of at least 100 characters, and at least one
// financial keyword in title+content.
func (f *JunkFilter) Keep(item *models.ParsedItem) bool {
	combined := strings.ToLower(item.Title + " " + item.Content)

	for _, phrase := range spamPhrases {
		if strings.Contains(combined, phrase) {
			return false
		}
	}

	for _, cat := range item.Categories {
		if junkCategories[strings.ToLower(strings.TrimSpace(cat))] {
			return false
		}
	}

	if len(item.Content) < minContentLength {
		return false
	}

	for _, kw := range financialKeywords {
		if strings.Contains(combined, kw) {
			return true
		}
	}
	return false
}

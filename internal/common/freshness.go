// Package common provides shared utilities for Spyglass
package common

import "time"

// Freshness TTLs for derived data
const (
	FreshnessPrices     = 1 * time.Hour
	FreshnessRates      = 24 * time.Hour
	FreshnessBenchmarks = 24 * time.Hour
	FreshnessArticles   = 6 * time.Hour
	FreshnessSentiment  = 4 * time.Hour
	FreshnessWatchlist  = 24 * time.Hour
)

// IsFresh returns true if the given timestamp is within the TTL
func IsFresh(updated time.Time, ttl time.Duration) bool {
	if updated.IsZero() {
		return false
	}
	return time.Since(updated) < ttl
}

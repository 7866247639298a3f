package models

import "time"

// CookieBundle is the shared session cookie file format consumed by the
// cookie-authenticated AI backend. Cookie names are the literal keys the
// upstream service sets; the underscore-prefixed fields are bundle metadata.
type CookieBundle struct {
	PSID         string    `json:"__Secure-1PSID"`
	PSIDTS       string    `json:"__Secure-1PSIDTS"`
	RefreshedAt  time.Time `json:"_refreshed_at,omitempty"`
	RefreshCount int       `json:"_refresh_count,omitempty"`
}

// Valid reports whether the bundle carries the primary session cookie.
// __Secure-1PSIDTS rotates server-side and may be absent from a fresh bundle.
func (b *CookieBundle) Valid() bool {
	return b != nil && b.PSID != ""
}

// ModelInfo describes one model exposed by an LLM backend.
type ModelInfo struct {
	Name    string `json:"name"`
	Backend string `json:"backend"` // "ollama", "zhipu", "webai"
	Visible bool   `json:"visible"`
}

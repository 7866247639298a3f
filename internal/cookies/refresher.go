package cookies

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mfinch/spyglass/internal/common"
	"github.com/mfinch/spyglass/internal/models"
)

const (
	DefaultRefreshInterval = 30 * time.Minute
	DefaultRetryDelay      = 60 * time.Second
	DefaultMaxRetries      = 3
	DefaultTargetURL       = "https://gemini.google.com/app"
)

// challengeMarkers flag a security interstitial in the rendered page.
// A match is logged prominently but the cycle continues; cookies may
// still be harvested.
var challengeMarkers = []string{
	"verify",
	"verification",
	"two-factor",
	"2fa",
	"2-step",
	"security check",
	"unusual activity",
	"suspicious",
	"confirm your identity",
	"enter code",
	"send code",
}

// Refresher keeps the shared cookie bundle alive by periodically replaying
// the session through the challenge-solver's managed browser and writing
// the harvested cookies back.
type Refresher struct {
	solverURL  string
	targetURL  string
	bundlePath string
	interval   time.Duration
	retryDelay time.Duration
	maxRetries int
	httpClient *http.Client
	logger     *common.Logger
}

// RefresherOption configures the refresher
type RefresherOption func(*Refresher)

// WithInterval sets the cycle interval
func WithInterval(d time.Duration) RefresherOption {
	return func(r *Refresher) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithTargetURL sets the service page the browser session visits
func WithTargetURL(u string) RefresherOption {
	return func(r *Refresher) { r.targetURL = u }
}

// WithRetryDelay sets the delay between attempts within one cycle
func WithRetryDelay(d time.Duration) RefresherOption {
	return func(r *Refresher) { r.retryDelay = d }
}

// NewRefresher creates a refresher writing to bundlePath.
func NewRefresher(solverURL, bundlePath string, logger *common.Logger, opts ...RefresherOption) *Refresher {
	r := &Refresher{
		solverURL:  strings.TrimRight(solverURL, "/"),
		targetURL:  DefaultTargetURL,
		bundlePath: bundlePath,
		interval:   DefaultRefreshInterval,
		retryDelay: DefaultRetryDelay,
		maxRetries: DefaultMaxRetries,
		httpClient: &http.Client{Timeout: 120 * time.Second},
		logger:     logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes refresh cycles until the context is cancelled. A failed
// cycle never stops the loop; the next scheduled cycle proceeds normally.
func (r *Refresher) Run(ctx context.Context) error {
	r.logger.Info().
		Dur("interval", r.interval).
		Str("bundle", r.bundlePath).
		Msg("Cookie refresher started")

	// First cycle immediately, then on the interval.
	r.RunCycle(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("Cookie refresher stopped")
			return ctx.Err()
		case <-ticker.C:
			r.RunCycle(ctx)
		}
	}
}

// RunCycle performs one refresh with the per-cycle retry budget.
func (r *Refresher) RunCycle(ctx context.Context) {
	for attempt := 1; attempt <= r.maxRetries; attempt++ {
		err := r.refreshOnce(ctx)
		if err == nil {
			return
		}
		r.logger.Error().Err(err).
			Int("attempt", attempt).
			Int("max_retries", r.maxRetries).
			Msg("Cookie refresh attempt failed")

		if attempt == r.maxRetries {
			r.logger.Error().Msg("Cycle abandoned after consecutive failures")
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(r.retryDelay):
		}
	}
}

// solverSession is the request the solver turns into a browser visit with
// our cookies installed.
type solverSession struct {
	Cmd        string         `json:"cmd"`
	URL        string         `json:"url"`
	MaxTimeout int            `json:"maxTimeout"`
	Cookies    []solverCookie `json:"cookies,omitempty"`
}

type solverCookie struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Domain string `json:"domain"`
}

type solverResult struct {
	Status   string `json:"status"`
	Message  string `json:"message"`
	Solution struct {
		Response string         `json:"response"`
		Cookies  []solverCookie `json:"cookies"`
	} `json:"solution"`
}

func (r *Refresher) refreshOnce(ctx context.Context) error {
	current, err := LoadBundle(r.bundlePath)
	if err != nil {
		return fmt.Errorf("load current bundle: %w", err)
	}

	// Domain starts with a dot so the cookies cover subdomains. A fresh
	// bundle may not carry __Secure-1PSIDTS yet; never install an empty one.
	domain := cookieDomain(r.targetURL)
	sessionCookies := []solverCookie{
		{Name: "__Secure-1PSID", Value: current.PSID, Domain: domain},
	}
	if current.PSIDTS != "" {
		sessionCookies = append(sessionCookies, solverCookie{Name: "__Secure-1PSIDTS", Value: current.PSIDTS, Domain: domain})
	}
	payload, err := json.Marshal(solverSession{
		Cmd:        "request.get",
		URL:        r.targetURL,
		MaxTimeout: 110000,
		Cookies:    sessionCookies,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.solverURL+"/v1", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("solver request: %w", err)
	}
	defer resp.Body.Close()

	var sr solverResult
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return fmt.Errorf("decode solver response: %w", err)
	}
	if sr.Status != "ok" {
		return fmt.Errorf("solver: %s", sr.Message)
	}

	if marker := detectChallenge(sr.Solution.Response); marker != "" {
		r.logger.Warn().
			Str("marker", marker).
			Msg("SECURITY CHALLENGE DETECTED on rendered page, continuing cookie harvest")
	}

	var psid, psidts string
	for _, c := range sr.Solution.Cookies {
		switch c.Name {
		case "__Secure-1PSID":
			psid = c.Value
		case "__Secure-1PSIDTS":
			psidts = c.Value
		}
	}
	if psid == "" {
		return fmt.Errorf("session cookie missing from browser context, aborting cycle")
	}
	if psidts == "" {
		r.logger.Warn().Msg("Rotating session cookie absent, keeping previous value")
		psidts = current.PSIDTS
	}

	next := &models.CookieBundle{
		PSID:         psid,
		PSIDTS:       psidts,
		RefreshedAt:  time.Now().UTC(),
		RefreshCount: current.RefreshCount + 1,
	}
	if err := SaveBundle(r.bundlePath, next); err != nil {
		return fmt.Errorf("save bundle: %w", err)
	}

	r.logger.Info().
		Int("refresh_count", next.RefreshCount).
		Bool("psidts_rotated", psidts != current.PSIDTS).
		Msg("Cookie bundle refreshed")
	return nil
}

// detectChallenge returns the first matching challenge marker, or empty.
func detectChallenge(page string) string {
	lower := strings.ToLower(page)
	for _, m := range challengeMarkers {
		if strings.Contains(lower, m) {
			return m
		}
	}
	return ""
}

// cookieDomain derives the subdomain-covering cookie domain from a URL.
func cookieDomain(rawURL string) string {
	host := rawURL
	if i := strings.Index(host, "://"); i >= 0 {
		host = host[i+3:]
	}
	if i := strings.IndexAny(host, "/:"); i >= 0 {
		host = host[:i]
	}
	// Drop the leftmost label so the domain covers sibling subdomains.
	if parts := strings.Split(host, "."); len(parts) > 2 {
		host = strings.Join(parts[1:], ".")
	}
	return "." + host
}

// Package fetch retrieves web content with browser-like headers, retry
// backoff, and transparent escalation to a challenge-solver endpoint.
package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/mfinch/spyglass/internal/common"
	"github.com/mfinch/spyglass/internal/interfaces"
)

// Fetch modes.
const (
	ModeDirect = "direct"
	ModeBypass = "bypass"
	ModeAuto   = "auto"
)

const (
	DefaultTimeout       = 30 * time.Second
	DefaultSolverTimeout = 70 * time.Second
	directMaxAttempts    = 3
	directBackoffBase    = 300 * time.Millisecond
	hostPolitenessDelay  = 2 * time.Second
)

// userAgents is the rotating browser profile set.
var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/125.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:127.0) Gecko/20100101 Firefox/127.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.5 Safari/605.1.15",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
}

var acceptHeaders = []string{
	"text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8",
	"text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8",
	"application/rss+xml,application/xml;q=0.9,text/html;q=0.8,*/*;q=0.7",
}

// Client implements the Fetcher interface.
type Client struct {
	httpClient   *http.Client
	solverURL    string
	solverClient *http.Client
	logger       *common.Logger
	robots       *robotsCache
	robotsChecks bool
	crawlMode    bool
	rng          *rand.Rand

	mu           sync.Mutex
	hostLimiters map[string]*rate.Limiter // per-host politeness
}

var _ interfaces.Fetcher = (*Client)(nil)

// ClientOption configures the client
type ClientOption func(*Client)

// WithLogger sets the logger
func WithLogger(logger *common.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithSolverURL sets the challenge-solver endpoint. Empty disables bypass.
func WithSolverURL(solverURL string) ClientOption {
	return func(c *Client) {
		c.solverURL = solverURL
	}
}

// WithTimeout sets the direct HTTP timeout
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// WithSolverTimeout sets the solver HTTP timeout
func WithSolverTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.solverClient.Timeout = timeout
	}
}

// WithRobotsChecks enables robots.txt validation.
func WithRobotsChecks(enabled bool) ClientOption {
	return func(c *Client) {
		c.robotsChecks = enabled
	}
}

// WithCrawlMode adds a uniform(3,8)s delay before each request, for callers
// walking many pages of one site.
func WithCrawlMode(enabled bool) ClientOption {
	return func(c *Client) {
		c.crawlMode = enabled
	}
}

// NewClient creates a fetcher.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		httpClient:   &http.Client{Timeout: DefaultTimeout},
		solverClient: &http.Client{Timeout: DefaultSolverTimeout},
		logger:       common.NewSilentLogger(),
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
		hostLimiters: make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.robots = newRobotsCache(c.httpClient)
	return c
}

// Fetch retrieves the URL body in the given mode.
func (c *Client) Fetch(ctx context.Context, rawURL string, mode string) (*interfaces.FetchResult, error) {
	if err := c.politeWait(ctx, rawURL); err != nil {
		return nil, err
	}

	switch mode {
	case ModeDirect:
		return c.fetchDirect(ctx, rawURL)
	case ModeBypass:
		if c.solverURL == "" {
			c.logger.Debug().Str("url", rawURL).Msg("No solver configured, falling back to direct")
			return c.fetchDirect(ctx, rawURL)
		}
		res, err := c.fetchBypass(ctx, rawURL)
		if err != nil {
			c.logger.Warn().Err(err).Str("url", rawURL).Msg("Bypass failed, falling back to direct")
			return c.fetchDirect(ctx, rawURL)
		}
		return res, nil
	case ModeAuto, "":
		if c.solverURL != "" {
			if res, err := c.fetchBypass(ctx, rawURL); err == nil {
				return res, nil
			}
		}
		return c.fetchDirect(ctx, rawURL)
	default:
		return nil, &FetchError{Kind: KindParseError, URL: rawURL, Err: fmt.Errorf("unknown fetch mode %q", mode)}
	}
}

// politeWait enforces the per-host gap and the crawl-mode delay.
func (c *Client) politeWait(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return &FetchError{Kind: KindParseError, URL: rawURL, Err: err}
	}

	c.mu.Lock()
	limiter, ok := c.hostLimiters[u.Host]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(hostPolitenessDelay), 1)
		c.hostLimiters[u.Host] = limiter
	}
	var crawlDelay time.Duration
	if c.crawlMode {
		crawlDelay = time.Duration(3+c.rng.Float64()*5) * time.Second
	}
	c.mu.Unlock()

	if crawlDelay > 0 {
		select {
		case <-time.After(crawlDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return limiter.Wait(ctx)
}

// retryableStatus are the statuses the direct path retries with backoff.
var retryableStatus = map[int]bool{429: true, 500: true, 502: true, 503: true, 504: true}

func (c *Client) fetchDirect(ctx context.Context, rawURL string) (*interfaces.FetchResult, error) {
	var result *interfaces.FetchResult

	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(directBackoffBase),
	), directMaxAttempts-1)

	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return backoff.Permanent(&FetchError{Kind: KindParseError, URL: rawURL, Err: err})
		}
		c.mu.Lock()
		req.Header.Set("User-Agent", userAgents[c.rng.Intn(len(userAgents))])
		req.Header.Set("Accept", acceptHeaders[c.rng.Intn(len(acceptHeaders))])
		c.mu.Unlock()
		req.Header.Set("Accept-Language", "en-US,en;q=0.9")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
				return backoff.Permanent(&FetchError{Kind: KindTimeout, URL: rawURL, Err: err})
			}
			return err
		}
		defer resp.Body.Close()

		if retryableStatus[resp.StatusCode] {
			return &FetchError{Kind: KindHTTPStatus, URL: rawURL, StatusCode: resp.StatusCode}
		}
		if resp.StatusCode >= 400 {
			return backoff.Permanent(&FetchError{Kind: KindHTTPStatus, URL: rawURL, StatusCode: resp.StatusCode})
		}

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return backoff.Permanent(&FetchError{Kind: KindParseError, URL: rawURL, Err: err})
		}

		result = &interfaces.FetchResult{
			Body:       body,
			StatusCode: resp.StatusCode,
			FinalURL:   resp.Request.URL.String(),
		}
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		var fe *FetchError
		if errors.As(err, &fe) {
			return nil, fe
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &FetchError{Kind: KindTimeout, URL: rawURL, Err: err}
		}
		return nil, &FetchError{Kind: KindParseError, URL: rawURL, Err: err}
	}
	return result, nil
}

// solverRequest is the challenge-solver request payload.
type solverRequest struct {
	Cmd        string            `json:"cmd"`
	URL        string            `json:"url"`
	MaxTimeout int               `json:"maxTimeout"` // milliseconds
	Headers    map[string]string `json:"headers,omitempty"`
}

// solverResponse is the challenge-solver response envelope.
type solverResponse struct {
	Status   string `json:"status"`
	Message  string `json:"message"`
	Solution struct {
		URL      string `json:"url"`
		Status   int    `json:"status"`
		Response string `json:"response"`
		Cookies  []struct {
			Name  string `json:"name"`
			Value string `json:"value"`
		} `json:"cookies"`
		UserAgent string `json:"userAgent"`
	} `json:"solution"`
}

func (c *Client) fetchBypass(ctx context.Context, rawURL string) (*interfaces.FetchResult, error) {
	// Same rotating headers as the direct path, so the solver's browser
	// presents consistently with our other traffic.
	c.mu.Lock()
	headers := map[string]string{
		"User-Agent": userAgents[c.rng.Intn(len(userAgents))],
		"Accept":     acceptHeaders[c.rng.Intn(len(acceptHeaders))],
	}
	c.mu.Unlock()

	payload, err := json.Marshal(solverRequest{
		Cmd:        "request.get",
		URL:        rawURL,
		MaxTimeout: int(c.solverClient.Timeout / time.Millisecond),
		Headers:    headers,
	})
	if err != nil {
		return nil, &FetchError{Kind: KindParseError, URL: rawURL, Err: err}
	}

	endpoint := strings.TrimRight(c.solverURL, "/") + "/v1"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, &FetchError{Kind: KindParseError, URL: rawURL, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.solverClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return nil, &FetchError{Kind: KindTimeout, URL: rawURL, Err: err}
		}
		return nil, &FetchError{Kind: KindChallengeUnbypassed, URL: rawURL, Err: err}
	}
	defer resp.Body.Close()

	var sr solverResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, &FetchError{Kind: KindParseError, URL: rawURL, Err: err}
	}
	if sr.Status != "ok" {
		return nil, &FetchError{Kind: KindChallengeUnbypassed, URL: rawURL,
			Err: fmt.Errorf("solver: %s", sr.Message)}
	}
	if sr.Solution.Status >= 400 {
		return nil, &FetchError{Kind: KindHTTPStatus, URL: rawURL, StatusCode: sr.Solution.Status}
	}

	body := []byte(sr.Solution.Response)
	unwrapped := false
	if xml, ok := UnwrapEscapedXML(body); ok {
		body = xml
		unwrapped = true
		c.logger.Debug().Str("url", rawURL).Msg("Unwrapped solver HTML around XML feed")
	}

	return &interfaces.FetchResult{
		Body:       body,
		StatusCode: sr.Solution.Status,
		FinalURL:   sr.Solution.URL,
		Bypassed:   true,
		Unwrapped:  unwrapped,
	}, nil
}

// CheckRobots reports whether fetching the URL is permitted by the target's
// robots.txt. Always permitted when checks are disabled.
func (c *Client) CheckRobots(ctx context.Context, rawURL string) (bool, error) {
	if !c.robotsChecks {
		return true, nil
	}
	return c.robots.Allowed(ctx, rawURL)
}

func isTimeout(err error) bool {
	type timeout interface{ Timeout() bool }
	var te timeout
	return errors.As(err, &te) && te.Timeout()
}

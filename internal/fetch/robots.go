package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
)

const robotsCacheTTL = 1 * time.Hour

type robotsEntry struct {
	group     *robotstxt.Group
	fetchedAt time.Time
}

// robotsCache fetches and caches per-host robots.txt groups.
type robotsCache struct {
	client  *http.Client
	mu      sync.Mutex
	entries map[string]robotsEntry
}

func newRobotsCache(client *http.Client) *robotsCache {
	return &robotsCache{
		client:  client,
		entries: make(map[string]robotsEntry),
	}
}

// Allowed reports whether the URL path may be fetched. An unreachable or
// missing robots.txt permits everything, per convention.
func (rc *robotsCache) Allowed(ctx context.Context, rawURL string) (bool, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false, err
	}

	rc.mu.Lock()
	e, ok := rc.entries[u.Host]
	rc.mu.Unlock()

	if !ok || time.Since(e.fetchedAt) > robotsCacheTTL {
		group, err := rc.fetch(ctx, u)
		if err != nil {
			return true, nil // unreachable robots.txt: allow
		}
		e = robotsEntry{group: group, fetchedAt: time.Now()}
		rc.mu.Lock()
		rc.entries[u.Host] = e
		rc.mu.Unlock()
	}

	if e.group == nil {
		return true, nil
	}
	return e.group.Test(u.Path), nil
}

func (rc *robotsCache) fetch(ctx context.Context, u *url.URL) (*robotstxt.Group, error) {
	robotsURL := fmt.Sprintf("%s://%s/robots.txt", u.Scheme, u.Host)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := rc.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	robots, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		return nil, err
	}
	return robots.FindGroup("*"), nil
}

package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

const sampleRSS = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0"><channel><title>Wire</title>
<item><title>Markets rally on earnings</title><link>https://example.com/a</link></item>
</channel></rss>`

func TestFetchDirect_RetriesOnServerError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, "ok")
	}))
	defer srv.Close()

	c := NewClient()
	res, err := c.Fetch(context.Background(), srv.URL, ModeDirect)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if string(res.Body) != "ok" {
		t.Errorf("body = %q", res.Body)
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestFetchDirect_ClientErrorIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient()
	_, err := c.Fetch(context.Background(), srv.URL, ModeDirect)
	if !IsKind(err, KindHTTPStatus) {
		t.Fatalf("expected http_status failure, got %v", err)
	}
	if fe := err.(*FetchError); fe.StatusCode != 404 {
		t.Errorf("status = %d, want 404", fe.StatusCode)
	}
	if calls.Load() != 1 {
		t.Errorf("404 should not be retried, got %d attempts", calls.Load())
	}
}

func TestFetchDirect_SetsBrowserHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") == "" || r.Header.Get("Accept") == "" {
			t.Error("expected browser-like headers")
		}
		if r.Header.Get("User-Agent") == "Go-http-client/1.1" {
			t.Error("default Go user agent leaked")
		}
		fmt.Fprint(w, "ok")
	}))
	defer srv.Close()

	c := NewClient()
	if _, err := c.Fetch(context.Background(), srv.URL, ModeDirect); err != nil {
		t.Fatal(err)
	}
}

func TestFetchBypass_UnwrapsEscapedFeed(t *testing.T) {
	// Target serves raw XML on a direct hit.
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		fmt.Fprint(w, sampleRSS)
	}))
	defer target.Close()

	// Solver returns the feed rendered as an HTML document.
	wrapped := "<html><head></head><body><pre>" + html.EscapeString(sampleRSS) + "</pre></body></html>"
	solver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{
			"status": "ok",
			"solution": map[string]any{
				"url":      target.URL,
				"status":   200,
				"response": wrapped,
			},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer solver.Close()

	c := NewClient(WithSolverURL(solver.URL))

	direct, err := c.Fetch(context.Background(), target.URL, ModeDirect)
	if err != nil {
		t.Fatalf("direct fetch failed: %v", err)
	}
	bypassed, err := c.Fetch(context.Background(), target.URL+"/feed", ModeBypass)
	if err != nil {
		t.Fatalf("bypass fetch failed: %v", err)
	}

	if !bypassed.Bypassed || !bypassed.Unwrapped {
		t.Errorf("expected bypassed+unwrapped, got %+v", bypassed)
	}
	if string(bypassed.Body) != string(direct.Body) {
		t.Errorf("bypassed bytes differ from direct:\n%s\nvs\n%s", bypassed.Body, direct.Body)
	}
}

func TestFetchBypass_PassesBrowserHeadersToSolver(t *testing.T) {
	solver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req solverRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatal(err)
		}
		if req.Headers["User-Agent"] == "" || req.Headers["Accept"] == "" {
			t.Errorf("solver request missing browser headers: %+v", req.Headers)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"status": "ok",
			"solution": map[string]any{
				"url":      req.URL,
				"status":   200,
				"response": "<html><body>ok</body></html>",
			},
		})
	}))
	defer solver.Close()

	c := NewClient(WithSolverURL(solver.URL))
	if _, err := c.Fetch(context.Background(), "https://blocked.example/feed", ModeBypass); err != nil {
		t.Fatal(err)
	}
}

func TestFetchBypass_SolverErrorFallsBackToDirect(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "direct-content")
	}))
	defer target.Close()

	solver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"status": "error", "message": "challenge failed"})
	}))
	defer solver.Close()

	c := NewClient(WithSolverURL(solver.URL))
	res, err := c.Fetch(context.Background(), target.URL, ModeBypass)
	if err != nil {
		t.Fatalf("expected fallback to direct, got %v", err)
	}
	if string(res.Body) != "direct-content" || res.Bypassed {
		t.Errorf("expected direct result, got %+v", res)
	}
}

func TestCheckRobots(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			fmt.Fprint(w, "User-agent: *\nDisallow: /private/\n")
			return
		}
		fmt.Fprint(w, "ok")
	}))
	defer srv.Close()

	c := NewClient(WithRobotsChecks(true))

	allowed, err := c.CheckRobots(context.Background(), srv.URL+"/news/item")
	if err != nil || !allowed {
		t.Errorf("public path should be allowed: %v %v", allowed, err)
	}

	allowed, err = c.CheckRobots(context.Background(), srv.URL+"/private/item")
	if err != nil || allowed {
		t.Errorf("private path should be disallowed: %v %v", allowed, err)
	}

	// Checks disabled: everything allowed without a request.
	off := NewClient()
	allowed, err = off.CheckRobots(context.Background(), "http://unreachable.invalid/x")
	if err != nil || !allowed {
		t.Errorf("disabled checks should allow: %v %v", allowed, err)
	}
}


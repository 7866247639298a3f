package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mfinch/spyglass/internal/common"
	"github.com/mfinch/spyglass/internal/interfaces"
	"github.com/mfinch/spyglass/internal/models"
)

// fakeBundle satisfies CookieProvider for web backend tests.
type fakeBundle struct{}

func (fakeBundle) Current() (*models.CookieBundle, error) {
	return &models.CookieBundle{PSID: "psid-value", PSIDTS: "psidts-value"}, nil
}

func newOllamaServer(t *testing.T, response string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/generate":
			json.NewEncoder(w).Encode(map[string]any{"response": response, "done": true})
		case "/api/tags":
			json.NewEncoder(w).Encode(map[string]any{"models": []map[string]string{{"name": "llama3"}}})
		case "/api/embeddings":
			vec := make([]float32, EmbeddingDimensions)
			json.NewEncoder(w).Encode(map[string]any{"embedding": vec})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func TestAdapter_RoutesByModelName(t *testing.T) {
	ollamaSrv := newOllamaServer(t, "local-reply")
	defer ollamaSrv.Close()

	zhipuSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer zk-test" {
			t.Error("missing bearer auth on remote call")
		}
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]string{"content": "remote-reply"}}},
		})
	}))
	defer zhipuSrv.Close()

	webSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie("__Secure-1PSID"); err != nil || c.Value != "psid-value" {
			t.Error("missing session cookie on web call")
		}
		json.NewEncoder(w).Encode(map[string]string{"text": "web-reply"})
	}))
	defer webSrv.Close()

	a := NewAdapter(common.NewSilentLogger(),
		WithOllama(NewOllamaClient(ollamaSrv.URL)),
		WithZhipu(NewZhipuClient("zk-test", WithZhipuBaseURL(zhipuSrv.URL))),
		WithWebAI(NewWebAIClient(webSrv.URL, fakeBundle{})),
	)

	tests := []struct {
		model string
		want  string
	}{
		{"llama3", "local-reply"},
		{"glm-4-flash", "remote-reply"},
		{"gemini-web", "web-reply"},
	}
	for _, tt := range tests {
		got, err := a.Generate(context.Background(), interfaces.GenerateRequest{Model: tt.model, Prompt: "hi"})
		if err != nil {
			t.Errorf("%s: %v", tt.model, err)
			continue
		}
		if got != tt.want {
			t.Errorf("%s: got %q, want %q", tt.model, got, tt.want)
		}
	}
}

func TestAdapter_GlmWithoutKeyFails(t *testing.T) {
	ollamaSrv := newOllamaServer(t, "x")
	defer ollamaSrv.Close()

	a := NewAdapter(common.NewSilentLogger(), WithOllama(NewOllamaClient(ollamaSrv.URL)))
	_, err := a.Generate(context.Background(), interfaces.GenerateRequest{Model: "glm-4-flash", Prompt: "hi"})
	if err == nil {
		t.Fatal("expected error for unconfigured remote backend")
	}
}

func TestAdapter_StreamTimeoutEmitsMarker(t *testing.T) {
	// Server drips one chunk then stalls past the deadline.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fl := w.(http.Flusher)
		fmt.Fprintln(w, `{"response":"partial ","done":false}`)
		fl.Flush()
		time.Sleep(2 * time.Second)
	}))
	defer srv.Close()

	a := NewAdapter(common.NewSilentLogger(),
		WithOllama(NewOllamaClient(srv.URL)),
		WithStreamTimeout(300*time.Millisecond),
	)

	var chunks []string
	text, err := a.Stream(context.Background(), interfaces.GenerateRequest{Model: "llama3", Prompt: "hi"},
		func(c string) { chunks = append(chunks, c) })
	if err != nil {
		t.Fatalf("timeout should not surface as error: %v", err)
	}
	if text != "partial " {
		t.Errorf("partial text = %q", text)
	}
	if len(chunks) == 0 || chunks[len(chunks)-1] != StreamTimeoutMarker {
		t.Errorf("last chunk should be the timeout marker, got %v", chunks)
	}
}

func TestAdapter_Embed(t *testing.T) {
	srv := newOllamaServer(t, "")
	defer srv.Close()

	a := NewAdapter(common.NewSilentLogger(), WithOllama(NewOllamaClient(srv.URL)))
	vec, err := a.Embed(context.Background(), "some text")
	if err != nil {
		t.Fatal(err)
	}
	if len(vec) != EmbeddingDimensions {
		t.Errorf("dims = %d, want %d", len(vec), EmbeddingDimensions)
	}

	// No local backend: empty vector, no error.
	bare := NewAdapter(common.NewSilentLogger())
	vec, err = bare.Embed(context.Background(), "text")
	if err != nil || len(vec) != 0 {
		t.Errorf("expected empty vector without backend, got %d dims, err %v", len(vec), err)
	}
}

func TestAdapter_ListModels(t *testing.T) {
	srv := newOllamaServer(t, "")
	defer srv.Close()

	a := NewAdapter(common.NewSilentLogger(),
		WithOllama(NewOllamaClient(srv.URL)),
		WithWebAI(NewWebAIClient("http://unused.invalid", fakeBundle{})),
	)

	visible, err := a.ListModels(context.Background(), false)
	if err != nil {
		t.Fatal(err)
	}
	for _, m := range visible {
		if !m.Visible {
			t.Errorf("hidden model %s in default listing", m.Name)
		}
	}

	all, err := a.ListModels(context.Background(), true)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) <= len(visible) {
		t.Errorf("include_hidden should add models: %d vs %d", len(all), len(visible))
	}
}

func TestZhipuStream_SSE(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, chunk := range []string{"The ", "market ", "rose."} {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", chunk)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	c := NewZhipuClient("key", WithZhipuBaseURL(srv.URL))
	var got strings.Builder
	text, err := c.Stream(context.Background(), interfaces.GenerateRequest{Model: "glm-4-flash", Prompt: "p"},
		func(chunk string) { got.WriteString(chunk) })
	if err != nil {
		t.Fatal(err)
	}
	if text != "The market rose." || got.String() != text {
		t.Errorf("stream text = %q, chunks = %q", text, got.String())
	}
}

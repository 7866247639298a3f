package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mfinch/spyglass/internal/common"
	"github.com/mfinch/spyglass/internal/interfaces"
	"github.com/mfinch/spyglass/internal/models"
)

const DefaultWebAITimeout = 120 * time.Second

// webAIModels is the fixed model list the web backend exposes. Hidden
// models are reachable by name but not enumerated by default.
var webAIModels = []models.ModelInfo{
	{Name: "gemini-web", Backend: "webai", Visible: true},
	{Name: "gemini-web-flash", Backend: "webai", Visible: true},
	{Name: "webai-experimental", Backend: "webai", Visible: false},
}

// WebAIClient talks to the cookie-authenticated web AI service. Session
// cookies come from the shared bundle maintained by the refresher; the
// bundle is re-read on every call so a refresh takes effect immediately.
type WebAIClient struct {
	serviceURL string
	cookies    interfaces.CookieProvider
	httpClient *http.Client
	logger     *common.Logger
}

// WebAIOption configures the client
type WebAIOption func(*WebAIClient)

// WithWebAILogger sets the logger
func WithWebAILogger(logger *common.Logger) WebAIOption {
	return func(c *WebAIClient) { c.logger = logger }
}

// WithWebAITimeout sets the HTTP timeout
func WithWebAITimeout(timeout time.Duration) WebAIOption {
	return func(c *WebAIClient) { c.httpClient.Timeout = timeout }
}

// NewWebAIClient creates a web backend client.
func NewWebAIClient(serviceURL string, cookies interfaces.CookieProvider, opts ...WebAIOption) *WebAIClient {
	c := &WebAIClient{
		serviceURL: strings.TrimRight(serviceURL, "/"),
		cookies:    cookies,
		httpClient: &http.Client{Timeout: DefaultWebAITimeout},
		logger:     common.NewSilentLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *WebAIClient) Name() string { return "webai" }

type webAIRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type webAIResponse struct {
	Text  string `json:"text"`
	Error string `json:"error,omitempty"`
}

func (c *WebAIClient) call(ctx context.Context, req interfaces.GenerateRequest) (string, error) {
	bundle, err := c.cookies.Current()
	if err != nil {
		return "", fmt.Errorf("no session cookies: %w", err)
	}

	prompt := req.Prompt
	if req.System != "" {
		prompt = req.System + "\n\n" + prompt
	}
	if req.JSONMode {
		// JSON mode is prompt discipline on this backend.
		prompt += "\n\nRespond with a single valid JSON object and nothing else."
	}

	payload, err := json.Marshal(webAIRequest{Model: req.Model, Prompt: prompt})
	if err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.serviceURL+"/generate", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.AddCookie(&http.Cookie{Name: "__Secure-1PSID", Value: bundle.PSID})
	if bundle.PSIDTS != "" {
		httpReq.AddCookie(&http.Cookie{Name: "__Secure-1PSIDTS", Value: bundle.PSIDTS})
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return "", fmt.Errorf("session cookies rejected (status %d)", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("web backend returned status %d", resp.StatusCode)
	}

	var wr webAIResponse
	if err := json.NewDecoder(resp.Body).Decode(&wr); err != nil {
		return "", err
	}
	if wr.Error != "" {
		return "", fmt.Errorf("web backend: %s", wr.Error)
	}
	return wr.Text, nil
}

// Generate runs a completion through the web service.
func (c *WebAIClient) Generate(ctx context.Context, req interfaces.GenerateRequest) (string, error) {
	return c.call(ctx, req)
}

// Stream emulates streaming: the web service responds in full, which is
// delivered as a single chunk.
func (c *WebAIClient) Stream(ctx context.Context, req interfaces.GenerateRequest, onChunk func(string)) (string, error) {
	text, err := c.call(ctx, req)
	if err != nil {
		return "", err
	}
	if text != "" {
		onChunk(text)
	}
	return text, nil
}

// Models returns the fixed web model list.
func (c *WebAIClient) Models(ctx context.Context) ([]models.ModelInfo, error) {
	return webAIModels, nil
}

package llm

import (
	"bufio"
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

const (
	DefaultOllamaBaseURL = "http://localhost:11434"
	DefaultOllamaTimeout = 120 * time.Second
	DefaultEmbedModel    = "nomic-embed-text"
)

// OllamaClient talks to a local inference server.
type OllamaClient struct {
	baseURL    string
	embedModel string
	httpClient *http.Client
	logger     *common.Logger
}

// OllamaOption configures the client
type OllamaOption func(*OllamaClient)

// WithOllamaLogger sets the logger
func WithOllamaLogger(logger *common.Logger) OllamaOption {
	return func(c *OllamaClient) { c.logger = logger }
}

// WithOllamaTimeout sets the HTTP timeout
func WithOllamaTimeout(timeout time.Duration) OllamaOption {
	return func(c *OllamaClient) { c.httpClient.Timeout = timeout }
}

// WithEmbedModel sets the embedding model name
func WithEmbedModel(model string) OllamaOption {
	return func(c *OllamaClient) { c.embedModel = model }
}

// NewOllamaClient creates a local inference client.
func NewOllamaClient(baseURL string, opts ...OllamaOption) *OllamaClient {
	if baseURL == "" {
		baseURL = DefaultOllamaBaseURL
	}
	c := &OllamaClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		embedModel: DefaultEmbedModel,
		httpClient: &http.Client{Timeout: DefaultOllamaTimeout},
		logger:     common.NewSilentLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *OllamaClient) Name() string { return "ollama" }

type ollamaGenerateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	System  string         `json:"system,omitempty"`
	Format  string         `json:"format,omitempty"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

type ollamaGenerateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error,omitempty"`
}

func (c *OllamaClient) buildRequest(req interfaces.GenerateRequest, stream bool) ollamaGenerateRequest {
	out := ollamaGenerateRequest{
		Model:  req.Model,
		Prompt: req.Prompt,
		System: req.System,
		Stream: stream,
	}
	if req.JSONMode {
		out.Format = "json"
	}
	opts := map[string]any{}
	if req.Temperature > 0 {
		opts["temperature"] = req.Temperature
	}
	if req.NumCtx > 0 {
		opts["num_ctx"] = req.NumCtx
	}
	if req.NumPredict > 0 {
		opts["num_predict"] = req.NumPredict
	}
	if len(opts) > 0 {
		out.Options = opts
	}
	return out
}

// Generate runs a non-streaming completion.
func (c *OllamaClient) Generate(ctx context.Context, req interfaces.GenerateRequest) (string, error) {
	payload, err := json.Marshal(c.buildRequest(req, false))
	if err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("generate returned status %d", resp.StatusCode)
	}

	var gr ollamaGenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
		return "", err
	}
	if gr.Error != "" {
		return "", fmt.Errorf("generate: %s", gr.Error)
	}
	return gr.Response, nil
}

// Stream runs a streaming completion, invoking onChunk per line of the
// NDJSON response. Returns the accumulated text.
func (c *OllamaClient) Stream(ctx context.Context, req interfaces.GenerateRequest, onChunk func(string)) (string, error) {
	payload, err := json.Marshal(c.buildRequest(req, true))
	if err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	// The context deadline governs streaming, not the client timeout.
	client := &http.Client{}
	resp, err := client.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("stream returned status %d", resp.StatusCode)
	}

	var full strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var gr ollamaGenerateResponse
		if err := json.Unmarshal(line, &gr); err != nil {
			continue
		}
		if gr.Error != "" {
			return full.String(), fmt.Errorf("stream: %s", gr.Error)
		}
		if gr.Response != "" {
			full.WriteString(gr.Response)
			onChunk(gr.Response)
		}
		if gr.Done {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return full.String(), err
	}
	return full.String(), nil
}

type ollamaEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed returns the embedding vector for text using the configured model.
func (c *OllamaClient) Embed(ctx context.Context, text string) ([]float32, error) {
	payload, err := json.Marshal(map[string]string{
		"model":  c.embedModel,
		"prompt": text,
	})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embeddings returned status %d", resp.StatusCode)
	}

	var er ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return nil, err
	}
	return er.Embedding, nil
}

type ollamaTagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// Models lists the local server's installed models.
func (c *OllamaClient) Models(ctx context.Context) ([]models.ModelInfo, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tags returned status %d", resp.StatusCode)
	}

	var tr ollamaTagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return nil, err
	}
	out := make([]models.ModelInfo, 0, len(tr.Models))
	for _, m := range tr.Models {
		out = append(out, models.ModelInfo{Name: m.Name, Backend: "ollama", Visible: true})
	}
	return out, nil
}

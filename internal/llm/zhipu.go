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
	DefaultZhipuBaseURL = "https://open.bigmodel.cn/api/paas/v4"
	DefaultZhipuTimeout = 120 * time.Second
)

// zhipuKnownModels is the fixed list surfaced by ListModels; the remote API
// has no cheap enumeration endpoint.
var zhipuKnownModels = []string{"glm-4-flash", "glm-4-plus", "glm-4-air"}

// ZhipuClient talks to the remote chat API (OpenAI-style messages, SSE
// streaming, bearer auth).
type ZhipuClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *common.Logger
}

// ZhipuOption configures the client
type ZhipuOption func(*ZhipuClient)

// WithZhipuLogger sets the logger
func WithZhipuLogger(logger *common.Logger) ZhipuOption {
	return func(c *ZhipuClient) { c.logger = logger }
}

// WithZhipuBaseURL sets the base URL
func WithZhipuBaseURL(baseURL string) ZhipuOption {
	return func(c *ZhipuClient) { c.baseURL = strings.TrimRight(baseURL, "/") }
}

// NewZhipuClient creates a remote chat client.
func NewZhipuClient(apiKey string, opts ...ZhipuOption) *ZhipuClient {
	c := &ZhipuClient{
		baseURL:    DefaultZhipuBaseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: DefaultZhipuTimeout},
		logger:     common.NewSilentLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *ZhipuClient) Name() string { return "zhipu" }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Stream      bool          `json:"stream"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (c *ZhipuClient) buildRequest(req interfaces.GenerateRequest, stream bool) chatRequest {
	msgs := make([]chatMessage, 0, 2)
	system := req.System
	if req.JSONMode {
		// No format flag upstream; JSON mode is prompt discipline.
		if system != "" {
			system += "\n\n"
		}
		system += "Respond with a single valid JSON object and nothing else."
	}
	if system != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: system})
	}
	msgs = append(msgs, chatMessage{Role: "user", Content: req.Prompt})

	return chatRequest{
		Model:       req.Model,
		Messages:    msgs,
		Stream:      stream,
		Temperature: req.Temperature,
		MaxTokens:   req.NumPredict,
	}
}

func (c *ZhipuClient) post(ctx context.Context, req chatRequest, streaming bool) (*http.Response, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	if streaming {
		httpReq.Header.Set("Accept", "text/event-stream")
		// The context deadline governs streaming, not the client timeout.
		return (&http.Client{}).Do(httpReq)
	}
	return c.httpClient.Do(httpReq)
}

// Generate runs a non-streaming completion.
func (c *ZhipuClient) Generate(ctx context.Context, req interfaces.GenerateRequest) (string, error) {
	resp, err := c.post(ctx, c.buildRequest(req, false), false)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("chat returned status %d", resp.StatusCode)
	}

	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return "", err
	}
	if cr.Error != nil {
		return "", fmt.Errorf("chat: %s", cr.Error.Message)
	}
	if len(cr.Choices) == 0 {
		return "", fmt.Errorf("chat returned no choices")
	}
	return cr.Choices[0].Message.Content, nil
}

// Stream runs an SSE streaming completion. Each `data:` event carries a
// delta chunk; the stream ends at `data: [DONE]`.
func (c *ZhipuClient) Stream(ctx context.Context, req interfaces.GenerateRequest, onChunk func(string)) (string, error) {
	resp, err := c.post(ctx, c.buildRequest(req, true), true)
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
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			break
		}
		var cr chatResponse
		if err := json.Unmarshal([]byte(data), &cr); err != nil {
			continue
		}
		if len(cr.Choices) == 0 {
			continue
		}
		chunk := cr.Choices[0].Delta.Content
		if chunk != "" {
			full.WriteString(chunk)
			onChunk(chunk)
		}
	}
	if err := scanner.Err(); err != nil {
		return full.String(), err
	}
	return full.String(), nil
}

// Models returns the fixed remote model list.
func (c *ZhipuClient) Models(ctx context.Context) ([]models.ModelInfo, error) {
	out := make([]models.ModelInfo, 0, len(zhipuKnownModels))
	for _, name := range zhipuKnownModels {
		out = append(out, models.ModelInfo{Name: name, Backend: "zhipu", Visible: true})
	}
	return out, nil
}

// Package llm adapts three model backends behind one surface: a local
// inference server, a remote chat API, and a cookie-authenticated web
// client. Model name routing picks the backend.
package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mfinch/spyglass/internal/common"
	"github.com/mfinch/spyglass/internal/interfaces"
	"github.com/mfinch/spyglass/internal/models"
)

// StreamTimeoutMarker is the final chunk emitted when a stream stalls past
// its deadline.
const StreamTimeoutMarker = "[ERROR: streaming timed out]"

// DefaultStreamTimeout is the wall-clock budget for one streaming call.
const DefaultStreamTimeout = 90 * time.Second

// EmbeddingDimensions is the vector size the local embed model produces.
const EmbeddingDimensions = 768

// backend is the per-provider surface the adapter routes to.
type backend interface {
	Name() string
	Generate(ctx context.Context, req interfaces.GenerateRequest) (string, error)
	Stream(ctx context.Context, req interfaces.GenerateRequest, onChunk func(string)) (string, error)
	Models(ctx context.Context) ([]models.ModelInfo, error)
}

// webAIPrefixes route a model name to the cookie-authenticated web client.
var webAIPrefixes = []string{"gemini-web", "webai-"}

// Adapter implements the LLM interface over the configured backends.
type Adapter struct {
	ollama        *OllamaClient
	zhipu         *ZhipuClient
	webai         *WebAIClient
	logger        *common.Logger
	streamTimeout time.Duration
}

var _ interfaces.LLM = (*Adapter)(nil)

// AdapterOption configures the adapter
type AdapterOption func(*Adapter)

// WithOllama sets the local inference backend.
func WithOllama(c *OllamaClient) AdapterOption {
	return func(a *Adapter) { a.ollama = c }
}

// WithZhipu sets the remote chat API backend.
func WithZhipu(c *ZhipuClient) AdapterOption {
	return func(a *Adapter) { a.zhipu = c }
}

// WithWebAI sets the cookie-authenticated web backend.
func WithWebAI(c *WebAIClient) AdapterOption {
	return func(a *Adapter) { a.webai = c }
}

// WithStreamTimeout overrides the streaming deadline.
func WithStreamTimeout(d time.Duration) AdapterOption {
	return func(a *Adapter) {
		if d > 0 {
			a.streamTimeout = d
		}
	}
}

// NewAdapter creates the adapter.
func NewAdapter(logger *common.Logger, opts ...AdapterOption) *Adapter {
	a := &Adapter{
		logger:        logger,
		streamTimeout: DefaultStreamTimeout,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// route picks the backend for a model name: "glm-" goes to the remote API,
// web-AI prefixes go to the cookie client, everything else is local.
func (a *Adapter) route(model string) (backend, error) {
	switch {
	case strings.HasPrefix(model, "glm-"):
		if a.zhipu == nil {
			return nil, fmt.Errorf("model %s requires the remote chat backend (no API key configured)", model)
		}
		return a.zhipu, nil
	case isWebAIModel(model):
		if a.webai == nil {
			return nil, fmt.Errorf("model %s requires the web backend (not configured)", model)
		}
		return a.webai, nil
	default:
		if a.ollama == nil {
			return nil, fmt.Errorf("local inference backend not configured")
		}
		return a.ollama, nil
	}
}

func isWebAIModel(model string) bool {
	for _, p := range webAIPrefixes {
		if strings.HasPrefix(model, p) {
			return true
		}
	}
	return false
}

// Generate runs a full completion on the routed backend.
func (a *Adapter) Generate(ctx context.Context, req interfaces.GenerateRequest) (string, error) {
	b, err := a.route(req.Model)
	if err != nil {
		return "", err
	}
	start := time.Now()
	text, err := b.Generate(ctx, req)
	if err != nil {
		return "", fmt.Errorf("%s generate: %w", b.Name(), err)
	}
	a.logger.Debug().
		Str("backend", b.Name()).
		Str("model", req.Model).
		Dur("elapsed", time.Since(start)).
		Int("chars", len(text)).
		Msg("Generation complete")
	return text, nil
}

// Stream runs a streaming completion with the wall-clock deadline. On
// timeout the marker chunk is emitted and the partial text returned.
func (a *Adapter) Stream(ctx context.Context, req interfaces.GenerateRequest, onChunk func(string)) (string, error) {
	b, err := a.route(req.Model)
	if err != nil {
		return "", err
	}

	streamCtx, cancel := context.WithTimeout(ctx, a.streamTimeout)
	defer cancel()

	text, err := b.Stream(streamCtx, req, onChunk)
	if err != nil {
		if streamCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			a.logger.Warn().
				Str("backend", b.Name()).
				Str("model", req.Model).
				Dur("timeout", a.streamTimeout).
				Msg("Stream deadline exceeded, emitting partial text")
			onChunk(StreamTimeoutMarker)
			return text, nil
		}
		return text, fmt.Errorf("%s stream: %w", b.Name(), err)
	}
	return text, nil
}

// Embed returns an embedding from the local backend, or an empty vector
// when no local backend is configured. Callers treat empty as "no
// embedding".
func (a *Adapter) Embed(ctx context.Context, text string) ([]float32, error) {
	if a.ollama == nil {
		return nil, nil
	}
	vec, err := a.ollama.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("ollama embed: %w", err)
	}
	if len(vec) != 0 && len(vec) != EmbeddingDimensions {
		a.logger.Warn().Int("dims", len(vec)).Msg("Unexpected embedding dimensions")
	}
	return vec, nil
}

// ListModels enumerates models across all configured backends.
func (a *Adapter) ListModels(ctx context.Context, includeHidden bool) ([]models.ModelInfo, error) {
	var out []models.ModelInfo
	for _, b := range []backend{a.ollama, a.zhipu, a.webai} {
		if b == nil || isNilBackend(b) {
			continue
		}
		ms, err := b.Models(ctx)
		if err != nil {
			a.logger.Warn().Err(err).Str("backend", b.Name()).Msg("Model listing failed")
			continue
		}
		for _, m := range ms {
			if m.Visible || includeHidden {
				out = append(out, m)
			}
		}
	}
	return out, nil
}

// isNilBackend guards against typed-nil interface values from the
// functional options.
func isNilBackend(b backend) bool {
	switch v := b.(type) {
	case *OllamaClient:
		return v == nil
	case *ZhipuClient:
		return v == nil
	case *WebAIClient:
		return v == nil
	}
	return false
}

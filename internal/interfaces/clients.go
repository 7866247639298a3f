package interfaces

import (
	"context"
	"errors"

	"github.com/mfinch/spyglass/internal/models"
)

// Sentinel errors shared across storage implementations.
var (
	// ErrNotFound means the requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateRun means an execution for the same (job_name,
	// target_date, entity_id) already started and has not failed.
	ErrDuplicateRun = errors.New("duplicate run")
)

// Fetcher retrieves web content, transparently escalating to the challenge
// solver when a target is protected.
type Fetcher interface {
	// Fetch retrieves the URL body. Mode is "direct", "bypass", or "auto".
	Fetch(ctx context.Context, url string, mode string) (*FetchResult, error)

	// CheckRobots reports whether the fetcher may retrieve the URL under
	// the target's robots.txt. Always true when checks are disabled.
	CheckRobots(ctx context.Context, url string) (bool, error)
}

// FetchResult is the outcome of one fetch.
type FetchResult struct {
	Body       []byte
	StatusCode int
	FinalURL   string
	Bypassed   bool // content came through the challenge solver
	Unwrapped  bool // body was extracted from a solver HTML wrapper
}

// FeedParser turns raw feed or page bytes into items.
type FeedParser interface {
	// Parse detects the format (RSS 2.0 or Atom) and returns the items
	// that survive the junk filter.
	Parse(data []byte, sourceName string) ([]*models.ParsedItem, error)
}

// GenerateRequest carries one completion request across backends.
type GenerateRequest struct {
	Model       string
	Prompt      string
	System      string
	JSONMode    bool
	Temperature float64
	NumCtx      int
	NumPredict  int
}

// LLM is the model-backend adapter. Model name routing picks the backend.
type LLM interface {
	// Generate runs a full completion and returns the final text.
	Generate(ctx context.Context, req GenerateRequest) (string, error)

	// Stream runs a streaming completion, invoking onChunk per token batch.
	// A stall past the stream deadline appends an error marker chunk and
	// returns the partial text without error.
	Stream(ctx context.Context, req GenerateRequest, onChunk func(string)) (string, error)

	// Embed returns a 768-dimension embedding vector for the text, or an
	// empty vector when the routed backend cannot embed.
	Embed(ctx context.Context, text string) ([]float32, error)

	// ListModels enumerates models across backends.
	ListModels(ctx context.Context, includeHidden bool) ([]models.ModelInfo, error)
}

// Analyzer produces structured analysis from article content.
type Analyzer interface {
	// Analyze runs the chain-of-thought summary over article content.
	// A zero result with nil error means the model output was unusable.
	Analyze(ctx context.Context, article *models.Article) (*models.AnalysisResult, error)
}

// CookieProvider supplies the current session cookie bundle for the
// cookie-authenticated AI backend.
type CookieProvider interface {
	// Current returns the freshest available bundle, or an error when no
	// source yields one.
	Current() (*models.CookieBundle, error)
}

// SocialScraper collects recent posts for a ticker from one platform.
type SocialScraper interface {
	Platform() string
	ScrapePosts(ctx context.Context, ticker string) ([]*models.SocialPost, error)
}

package llm

import (
	"context"
	"fmt"

	"github.com/mfinch/spyglass/internal/common"
	"github.com/mfinch/spyglass/internal/interfaces"
	"github.com/mfinch/spyglass/internal/models"
)

// maxAnalysisInput bounds the article text sent to the model.
const maxAnalysisInput = 6000

const analysisSystemPrompt = `You are a financial research analyst. Read the article and work through it step by step: summarize it, list the factual claims it makes, check those claims against the data the article itself provides, and draw a conclusion. Classify the overall reasoning as DATA_BACKED, HYPE_DETECTED, or NEUTRAL.`

const analysisFormatPrompt = `Return a JSON object with exactly these fields:
{
  "summary": "2-3 sentence summary",
  "claims": ["claim 1", "claim 2"],
  "fact_check": "how well the claims are supported by the article's own data",
  "conclusion": "your conclusion",
  "sentiment": "VERY_BULLISH | BULLISH | NEUTRAL | BEARISH | VERY_BEARISH",
  "sentiment_score": -2.0 to 2.0,
  "tickers": ["SYM"],
  "sectors": ["sector"],
  "companies": ["company"],
  "relationships": ["company A supplies company B"],
  "logic_check": "DATA_BACKED | HYPE_DETECTED | NEUTRAL"
}`

// Analyzer runs the structured article analysis through the adapter.
type Analyzer struct {
	llm    interfaces.LLM
	model  string
	logger *common.Logger
}

var _ interfaces.Analyzer = (*Analyzer)(nil)

// NewAnalyzer creates an analyzer bound to one model.
func NewAnalyzer(llm interfaces.LLM, model string, logger *common.Logger) *Analyzer {
	return &Analyzer{llm: llm, model: model, logger: logger}
}

// Analyze produces a structured result for one article. Unusable model
// output yields a zero result with nil error; the caller persists the
// article without analysis and may retry later.
func (a *Analyzer) Analyze(ctx context.Context, article *models.Article) (*models.AnalysisResult, error) {
	text := article.Content
	if len(text) > maxAnalysisInput {
		text = text[:maxAnalysisInput]
	}

	prompt := fmt.Sprintf("Title: %s\nSource: %s\n\n%s\n\n%s",
		article.Title, article.Source, text, analysisFormatPrompt)

	out, err := a.llm.Generate(ctx, interfaces.GenerateRequest{
		Model:       a.model,
		Prompt:      prompt,
		System:      analysisSystemPrompt,
		JSONMode:    true,
		Temperature: 0.2,
		NumCtx:      8192,
	})
	if err != nil {
		return nil, err
	}

	result := ParseAnalysis(out)
	if result.IsZero() {
		a.logger.Debug().Str("url", article.URL).Msg("Analysis output unusable, persisting without summary")
	}
	return result, nil
}

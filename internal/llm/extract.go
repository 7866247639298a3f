package llm

import (
	"encoding/json"
	"strings"

	"github.com/mfinch/spyglass/internal/models"
)

// ExtractJSON pulls the first JSON object out of model output, tolerating
// code fences and surrounding prose. Returns the raw substring, or empty
// when no balanced object exists.
func ExtractJSON(text string) string {
	text = strings.TrimSpace(text)

	// Strip a code fence if the whole output is fenced.
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if i := strings.LastIndex(text, "```"); i >= 0 {
			text = text[:i]
		}
		text = strings.TrimSpace(text)
	}

	start := strings.Index(text, "{")
	if start < 0 {
		return ""
	}

	// Walk to the matching brace, skipping braces inside strings.
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		ch := text[i]
		switch {
		case escaped:
			escaped = false
		case ch == '\\' && inString:
			escaped = true
		case ch == '"':
			inString = !inString
		case inString:
		case ch == '{':
			depth++
		case ch == '}':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}

// ParseAnalysis decodes the structured analysis contract from raw model
// output. Invalid or empty output yields a zero result, never an error;
// callers treat "no summary" as a recoverable no-op.
func ParseAnalysis(text string) *models.AnalysisResult {
	raw := ExtractJSON(text)
	if raw == "" {
		return &models.AnalysisResult{}
	}

	var result models.AnalysisResult
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return &models.AnalysisResult{}
	}

	result.Sentiment = normalizeSentiment(result.Sentiment)
	result.LogicCheck = normalizeLogicCheck(result.LogicCheck)
	if result.SentimentScore > 2 {
		result.SentimentScore = 2
	}
	if result.SentimentScore < -2 {
		result.SentimentScore = -2
	}
	return &result
}

func normalizeSentiment(s string) string {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case models.SentimentVeryBullish:
		return models.SentimentVeryBullish
	case models.SentimentBullish:
		return models.SentimentBullish
	case models.SentimentBearish:
		return models.SentimentBearish
	case models.SentimentVeryBearish:
		return models.SentimentVeryBearish
	case models.SentimentNeutral:
		return models.SentimentNeutral
	case "":
		return ""
	default:
		return models.SentimentNeutral
	}
}

func normalizeLogicCheck(s string) string {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case models.LogicDataBacked:
		return models.LogicDataBacked
	case models.LogicHypeDetected:
		return models.LogicHypeDetected
	case "":
		return ""
	default:
		return models.LogicNeutral
	}
}

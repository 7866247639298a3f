package fetch

import "fmt"

// Failure kinds. Callers branch on kind, not message text.
const (
	KindTimeout             = "timeout"
	KindHTTPStatus          = "http_status"
	KindChallengeUnbypassed = "challenge_unbypassed"
	KindParseError          = "parse_error"
)

// FetchError classifies a failed fetch.
type FetchError struct {
	Kind       string
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	switch e.Kind {
	case KindHTTPStatus:
		return fmt.Sprintf("fetch %s: status %d", e.URL, e.StatusCode)
	case KindTimeout:
		return fmt.Sprintf("fetch %s: timeout", e.URL)
	case KindChallengeUnbypassed:
		return fmt.Sprintf("fetch %s: challenge not bypassed", e.URL)
	default:
		return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
	}
}

func (e *FetchError) Unwrap() error { return e.Err }

// IsKind reports whether err is a FetchError of the given kind.
func IsKind(err error, kind string) bool {
	fe, ok := err.(*FetchError)
	return ok && fe.Kind == kind
}

package engine

import "strings"

// ErrorClass buckets provider failures so callers can report them
// consistently.
type ErrorClass string

const (
	// ErrorClassAuth covers 401/403 and rejected keys.
	ErrorClassAuth ErrorClass = "AUTH"

	// ErrorClassRateLimit covers 429 and quota exhaustion.
	ErrorClassRateLimit ErrorClass = "RATE_LIMIT"

	ErrorClassTimeout ErrorClass = "TIMEOUT"

	ErrorClassBilling ErrorClass = "BILLING"

	// ErrorClassContextOverflow means the prompt no longer fits the model window.
	ErrorClassContextOverflow ErrorClass = "CONTEXT_OVERFLOW"

	ErrorClassUnknown ErrorClass = "UNKNOWN"
)

var errorPatterns = []struct {
	class    ErrorClass
	patterns []string
}{
	{ErrorClassAuth, []string{"401", "unauthorized", "invalid key", "invalid api key", "forbidden", "403", "missing api key"}},
	{ErrorClassRateLimit, []string{"429", "rate limit", "rate_limit", "quota", "too many requests", "overloaded"}},
	{ErrorClassTimeout, []string{"deadline exceeded", "timeout", "timed out"}},
	{ErrorClassBilling, []string{"billing", "payment", "insufficient funds", "credit balance"}},
	{ErrorClassContextOverflow, []string{"context_length", "context length", "token limit", "max tokens", "maximum context", "context window", "prompt is too long"}},
}

// ClassifyError inspects an error message for known provider failure
// patterns. The first matching class in declaration order wins.
func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ErrorClassUnknown
	}
	msg := strings.ToLower(err.Error())
	for _, p := range errorPatterns {
		for _, s := range p.patterns {
			if strings.Contains(msg, s) {
				return p.class
			}
		}
	}
	return ErrorClassUnknown
}

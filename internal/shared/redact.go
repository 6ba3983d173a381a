package shared

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// Patterns with a prefix group keep the prefix and mask the value.
var secretPatterns = []*regexp.Regexp{
	// key=value and "key": "value" forms, including ?api_key= on request URLs.
	regexp.MustCompile(`(?i)((?:anthropic_|openai_|google_)?api[_-]?key|x-api-key|auth[_-]?token|secret[_-]?key)("?\s*[:=]\s*"?)([A-Za-z0-9_\-./+=]{8,})`),
	regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{8,})`),
	// Provider key shapes that show up in tool output and provider errors.
	regexp.MustCompile(`sk-(?:ant-|proj-)?[A-Za-z0-9_\-]{20,}`),
	regexp.MustCompile(`AIza[A-Za-z0-9_\-]{30,}`),
}

// Redact masks credentials in free text. Log lines, audit records, bash
// output and relayed approval prompts all pass through it.
func Redact(input string) string {
	if input == "" {
		return input
	}
	result := input
	for _, pat := range secretPatterns {
		result = pat.ReplaceAllStringFunc(result, func(match string) string {
			sub := pat.FindStringSubmatch(match)
			switch len(sub) {
			case 4:
				return sub[1] + sub[2] + redactedPlaceholder
			case 3:
				return sub[1] + redactedPlaceholder
			}
			return redactedPlaceholder
		})
	}
	return result
}

// SensitiveKey reports whether a config, credential or log attribute key
// names a secret.
func SensitiveKey(key string) bool {
	k := strings.ToLower(key)
	// Token counts, not token secrets.
	if strings.Contains(k, "tokens") || strings.Contains(k, "token_usage") {
		return false
	}
	for _, s := range []string{"api_key", "apikey", "secret", "token", "password", "credential", "authorization", "bearer"} {
		if strings.Contains(k, s) {
			return true
		}
	}
	return false
}

// RedactMap returns a copy of m with secret-named values masked and string
// values scrubbed. Nested maps and slices are copied too; m is not modified.
func RedactMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if SensitiveKey(k) {
			if s, ok := v.(string); ok && s == "" {
				out[k] = ""
				continue
			}
			out[k] = redactedPlaceholder
			continue
		}
		out[k] = redactAny(v)
	}
	return out
}

func redactAny(v any) any {
	switch t := v.(type) {
	case string:
		return Redact(t)
	case map[string]any:
		return RedactMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = redactAny(e)
		}
		return out
	}
	return v
}

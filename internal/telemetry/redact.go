package telemetry

import "regexp"

const redactedPlaceholder = "[REDACTED]"

// secretPatterns matches secret-bearing spans inside free-form strings
// (error text, provider responses, rendered prompts).
var secretPatterns = []*regexp.Regexp{
	// key=value style assignments with secret-like key names.
	regexp.MustCompile(`(?i)(client[_-]?secret|api[_-]?key|apikey|access[_-]?token|client[_-]?assertion|refresh[_-]?token)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{12,})"?`),
	// Bearer tokens embedded in header dumps.
	regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{16,})`),
	// Raw JWTs: three dot-separated base64url segments.
	regexp.MustCompile(`\beyJ[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]+\b`),
}

// Redact replaces secret-bearing spans in the input with [REDACTED],
// keeping any key/prefix portion so log lines stay diagnosable.
func Redact(input string) string {
	if input == "" {
		return input
	}
	result := input
	for _, pat := range secretPatterns {
		result = pat.ReplaceAllStringFunc(result, func(match string) string {
			sub := pat.FindStringSubmatch(match)
			if len(sub) >= 3 {
				return sub[1] + redactedPlaceholder
			}
			return redactedPlaceholder
		})
	}
	return result
}

package sweep

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// Errors are stored on the event document, so credentials in them are
// redacted and the length is bounded.
const (
	maxErrorLength       = 512
	errorTruncatedSuffix = "... (truncated)"
	redactedValue        = "[REDACTED]"
)

var sensitiveDataPatterns = []struct {
	pattern     *regexp.Regexp
	replacement string
}{
	{
		pattern:     regexp.MustCompile(`(?i)\b([a-z][a-z0-9+.-]*://[^:\s/]+):([^@\s]+)@`),
		replacement: `$1:` + redactedValue + `@`,
	},
	{
		pattern:     regexp.MustCompile(`(?i)\bbearer\s+[a-z0-9\-._~+/]+=*`),
		replacement: "Bearer " + redactedValue,
	},
	{
		pattern:     regexp.MustCompile(`(?i)\b(password|secret|token|api[-_]?key)\s*[:=]\s*([^\s,;]+)`),
		replacement: `$1=` + redactedValue,
	},
}

func sanitizeError(err error) string {
	if err == nil {
		return ""
	}

	msg := strings.TrimSpace(err.Error())
	for _, p := range sensitiveDataPatterns {
		msg = p.pattern.ReplaceAllString(msg, p.replacement)
	}

	if len(msg) <= maxErrorLength {
		return msg
	}

	cut := maxErrorLength - len(errorTruncatedSuffix)
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}

	return msg[:cut] + errorTruncatedSuffix
}

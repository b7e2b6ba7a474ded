package logger

import (
	"regexp"
	"strings"
)

const redactedValue = "[REDACTED]"

// sensitivePatterns match secrets embedded in free text such as error messages
var sensitivePatterns = []*regexp.Regexp{
	// bearer tokens
	regexp.MustCompile(`(?i)(bearer\s+)([A-Za-z0-9-._~+/]+=*)`),
	// key=value style secrets
	regexp.MustCompile(`(?i)((api|access|auth|token|secret|passw(or)?d)[0-9a-z\-_\.]*[\s:=]+)([^;,\s]{5,})`),
	// user:password@ in MySQL DSNs and broker URLs
	regexp.MustCompile(`([A-Za-z0-9_\-.]+:)([^@/\s]+)(@)`),
}

// sensitiveKeywords mark field keys whose string values are never logged
var sensitiveKeywords = []string{
	"password", "passwd", "secret", "token", "dsn", "authorization", "cookie", "credential",
}

// RedactSensitiveData replaces secrets in free text with [REDACTED]
func RedactSensitiveData(input string) string {
	if input == "" {
		return input
	}
	for i, pattern := range sensitivePatterns {
		if i == len(sensitivePatterns)-1 {
			input = pattern.ReplaceAllString(input, "${1}"+redactedValue+"${3}")
			continue
		}
		input = pattern.ReplaceAllString(input, "${1}"+redactedValue)
	}
	return input
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, kw := range sensitiveKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

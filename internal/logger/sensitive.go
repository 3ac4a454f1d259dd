package logger

import (
	"regexp"
	"strings"
)

const redacted = "[REDACTED]"

// sensitiveDataPatterns match credentials embedded in free text such as error messages.
var sensitiveDataPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(bearer\s+)([A-Za-z0-9-._~+/]+=*)`),
	regexp.MustCompile(`(?i)((training|prediction)-key[\s:=]+)([^;,\s"]{5,})`),
	regexp.MustCompile(`(?i)((api|access|auth|token|secret|key|passw(or)?d)[0-9a-z\-_\.]*[\s:=]+)([^;,\s"]{5,})`),
}

// sensitiveKeywords mark field keys whose values are never logged.
var sensitiveKeywords = []string{
	"password", "secret", "token", "apikey", "api_key", "trainingkey", "training_key",
	"predictionkey", "prediction_key", "authorization", "dsn",
}

// RedactSensitiveData replaces credentials found in input with [REDACTED].
func RedactSensitiveData(input string) string {
	if input == "" {
		return input
	}
	for _, pattern := range sensitiveDataPatterns {
		input = pattern.ReplaceAllString(input, "${1}"+redacted)
	}
	return input
}

func isSensitiveKey(key string) bool {
	k := strings.ToLower(key)
	for _, kw := range sensitiveKeywords {
		if strings.Contains(k, kw) {
			return true
		}
	}
	return false
}

// Package logging holds redaction helpers applied to text before it reaches the logger.
package logging

import (
	"regexp"
	"unicode/utf8"
)

const (
	// MaxQueryLogLength is the maximum length of generated SQL to log
	MaxQueryLogLength = 200
	// MaxMessageLogLength caps engine error details and similar free text
	MaxMessageLogLength = 500
	// RedactedText is the replacement text for sensitive data
	RedactedText = "[REDACTED]"
)

var (
	// password=xxx, pwd=xxx, pass=xxx (until next delimiter)
	passwordPattern = regexp.MustCompile(`(?i)(password|pwd|pass)=[^;&\s]+`)

	bearerPattern = regexp.MustCompile(`(?i)Bearer\s+[A-Za-z0-9\-_.~+/]+=*`)

	apiKeyPattern = regexp.MustCompile(`(?i)(api[_-]?key|apikey|key)=[A-Za-z0-9-_]{20,}`)

	// user:pass@host, as found in mongodb:// and postgres:// URIs
	connStringPattern = regexp.MustCompile(`://[^:/\s]+:[^@\s]+@[^/\s]+`)
)

// SanitizeConnectionString removes credentials from a connection string or URI.
// Use this before logging a Mongo URI or Postgres DSN.
func SanitizeConnectionString(connStr string) string {
	if connStr == "" {
		return ""
	}
	sanitized := passwordPattern.ReplaceAllString(connStr, "${1}="+RedactedText)
	return connStringPattern.ReplaceAllString(sanitized, "://"+RedactedText+"@"+RedactedText)
}

// SanitizeError redacts an error message that might carry credentials.
func SanitizeError(err error) string {
	if err == nil {
		return ""
	}
	return redact(err.Error())
}

// SanitizeMessage redacts and truncates free text received from an external service,
// such as a query engine error detail.
func SanitizeMessage(msg string) string {
	return TruncateString(redact(msg), MaxMessageLogLength)
}

// SanitizeQuery truncates and sanitizes a SQL query for logging.
func SanitizeQuery(query string) string {
	if query == "" {
		return ""
	}
	return redact(TruncateString(query, MaxQueryLogLength))
}

// TruncateString truncates s to maxLen bytes without splitting a rune, adding an
// ellipsis if anything was cut.
func TruncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

func redact(s string) string {
	s = passwordPattern.ReplaceAllString(s, "${1}="+RedactedText)
	s = bearerPattern.ReplaceAllString(s, "Bearer "+RedactedText)
	s = apiKeyPattern.ReplaceAllString(s, "${1}="+RedactedText)
	return connStringPattern.ReplaceAllString(s, "://"+RedactedText+"@"+RedactedText)
}

// Package redact masks sensitive values before they reach logs or alert
// context, so a SecurityMonitor alert or a log line never leaks a secret.
package redact

import (
	"regexp"
	"strings"
)

// Pattern names one kind of sensitive substring and how to mask it.
type Pattern struct {
	Name    string
	Pattern *regexp.Regexp
	Mask    string
}

var patterns = []Pattern{
	{
		Name:    "JWT Token",
		Pattern: regexp.MustCompile(`eyJ[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}`),
		Mask:    "[REDACTED_JWT]",
	},
	{
		Name:    "Private Key Header",
		Pattern: regexp.MustCompile(`-----BEGIN\s+(RSA\s+)?PRIVATE\s+KEY-----[\s\S]*?-----END\s+(RSA\s+)?PRIVATE\s+KEY-----`),
		Mask:    "[REDACTED_PRIVATE_KEY]",
	},
	{
		Name:    "Bearer Token",
		Pattern: regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9_\-\.]{20,}`),
		Mask:    "Bearer [REDACTED_TOKEN]",
	},
	{
		Name:    "API Key",
		Pattern: regexp.MustCompile(`(?i)(api[_-]?key|apikey|access[_-]?key)\s*[:=]\s*['"]?([A-Za-z0-9_\-]{20,})['"]?`),
		Mask:    "$1=[REDACTED_API_KEY]",
	},
	{
		Name:    "Password",
		Pattern: regexp.MustCompile(`(?i)(password|passwd|pwd)\s*[:=]\s*['"]?([^'"\s]{6,})['"]?`),
		Mask:    "$1=[REDACTED_PASSWORD]",
	},
	{
		Name:    "Secret",
		Pattern: regexp.MustCompile(`(?i)(secret|client_secret)\s*[:=]\s*['"]?([A-Za-z0-9_\-]{16,})['"]?`),
		Mask:    "$1=[REDACTED_SECRET]",
	},
	{
		Name:    "Authorization Header",
		Pattern: regexp.MustCompile(`(?i)authorization\s*:\s*['"]?([^'"\n]{20,})['"]?`),
		Mask:    "Authorization: [REDACTED_AUTH]",
	},
}

var sensitiveHeaders = []string{
	"authorization", "x-api-key", "cookie", "set-cookie", "proxy-authorization",
}

var sensitiveKeywords = []string{
	"password", "passwd", "pwd", "secret", "token", "key", "auth",
	"authorization", "credential", "private", "api_key", "apikey",
	"client_secret", "access_token", "refresh_token",
}

// String masks every recognized sensitive pattern found in input.
func String(input string) string {
	if input == "" {
		return input
	}
	result := input
	for _, p := range patterns {
		result = p.Pattern.ReplaceAllString(result, p.Mask)
	}
	return result
}

// Error masks an error's message, returning "" for a nil error.
func Error(err error) string {
	if err == nil {
		return ""
	}
	return String(err.Error())
}

// Map masks values whose key name suggests sensitive data, and runs String
// over the remaining string values. Used to sanitize alert/audit context
// before it is logged or persisted.
func Map(data map[string]interface{}) map[string]interface{} {
	if data == nil {
		return nil
	}
	out := make(map[string]interface{}, len(data))
	for key, value := range data {
		if IsSensitiveKey(key) {
			out[key] = "[REDACTED]"
			continue
		}
		if s, ok := value.(string); ok {
			out[key] = String(s)
		} else {
			out[key] = value
		}
	}
	return out
}

// Headers masks values of sensitive HTTP header names.
func Headers(headers map[string][]string) map[string][]string {
	if headers == nil {
		return nil
	}
	out := make(map[string][]string, len(headers))
	for key, values := range headers {
		lowerKey := strings.ToLower(key)
		sensitive := false
		for _, h := range sensitiveHeaders {
			if lowerKey == h || strings.Contains(lowerKey, h) {
				sensitive = true
				break
			}
		}
		if sensitive {
			out[key] = []string{"[REDACTED]"}
			continue
		}
		masked := make([]string, len(values))
		for i, v := range values {
			masked[i] = String(v)
		}
		out[key] = masked
	}
	return out
}

// IsSensitiveKey reports whether a key name suggests it holds sensitive data.
func IsSensitiveKey(key string) bool {
	lowerKey := strings.ToLower(key)
	for _, keyword := range sensitiveKeywords {
		if strings.Contains(lowerKey, keyword) {
			return true
		}
	}
	return false
}

package logger

import (
	"log/slog"
	"strings"
)

// SanitizedUsername masks an account name for logging. Email-shaped names
// keep the first character and the TLD (e.g., "u***@***.com"); bare names
// keep the first character only.
func SanitizedUsername(username string) string {
	if username == "" {
		return "[empty]"
	}

	local, domain, isEmail := strings.Cut(username, "@")
	if len(local) > 1 {
		local = string(local[0]) + strings.Repeat("*", len(local)-1)
	}
	if !isEmail {
		return local
	}

	domainParts := strings.Split(domain, ".")
	if len(domainParts) > 1 {
		for i := 0; i < len(domainParts)-1; i++ {
			domainParts[i] = strings.Repeat("*", len(domainParts[i]))
		}
		domain = strings.Join(domainParts, ".")
	}

	return local + "@" + domain
}

// RedactedAttr returns a redacted slog attribute for sensitive values
// In production, returns "[REDACTED]"; in development, returns the actual value
func RedactedAttr(key, value, env string) slog.Attr {
	if env == "production" {
		return slog.String(key, "[REDACTED]")
	}
	return slog.String(key, value)
}

// SanitizeQueryString checks if query string contains sensitive parameters
// and returns true if the entire query string should be redacted
func SanitizeQueryString(rawQuery string) bool {
	sensitiveParams := map[string]bool{
		"password": true,
		"token":    true,
		"secret":   true,
		"api_key":  true,
		"apikey":   true,
		"code":     true,
		"otp":      true,
		"nonce":    true,
		"auth":     true,
		"csrf":     true,
	}

	query := strings.ToLower(rawQuery)
	for param := range sensitiveParams {
		if strings.Contains(query, param) {
			return true
		}
	}
	return false
}

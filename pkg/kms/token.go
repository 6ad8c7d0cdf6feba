package kms

import "strings"

// TokenLast4 returns the last four characters of token, or "**" if
// token is too short to safely reveal any of it.
func TokenLast4(token string) string {
	if len(token) < 4 {
		return "**"
	}
	return token[len(token)-4:]
}

// RedactToken returns token with everything but its first two and
// last four characters replaced by asterisks, suitable for inclusion
// in logs and Integration rows' token-last-4 field.
func RedactToken(token string) string {
	if len(token) <= 6 {
		return strings.Repeat("*", len(token))
	}
	prefix := token[:2]
	suffix := token[len(token)-4:]
	masked := strings.Repeat("*", len(token)-len(prefix)-len(suffix))
	return prefix + masked + suffix
}

package model

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// DefaultAccount is substituted when an account sanitizes to nothing.
const DefaultAccount = "default"

var accountDisallowed = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// GenerateTaskID returns a fresh random task id. Dashes are dropped so ids
// never collide with the "__" account separator or the lease suffix.
func GenerateTaskID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// SanitizeAccount restricts an account key to [A-Za-z0-9_-], falling back to
// fallback (or DefaultAccount) when nothing is left.
func SanitizeAccount(account, fallback string) string {
	clean := accountDisallowed.ReplaceAllString(strings.TrimSpace(account), "")
	if clean == "" {
		clean = accountDisallowed.ReplaceAllString(strings.TrimSpace(fallback), "")
	}
	if clean == "" {
		return DefaultAccount
	}
	return clean
}

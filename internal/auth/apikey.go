// Package auth validates the gateway's credentials: remote API keys,
// never local passwords. There are no local accounts to authenticate
// against — the upstream is the sole source of truth for who an API
// key belongs to.
package auth

import "strings"

const (
	liveKeyPrefix = "pm_live_"
	testKeyPrefix = "pm_test_"
)

// ValidKeyFormat reports whether key carries a recognised prefix.
// IMAP LOGIN and SMTP AUTH both reject malformed keys this way before
// spending an upstream call on them.
func ValidKeyFormat(key string) bool {
	return strings.HasPrefix(key, liveKeyPrefix) || strings.HasPrefix(key, testKeyPrefix)
}

// IsAllSendersUsername reports whether username requests the
// unscoped, all-senders login convention ("api" or "*") rather than
// naming a specific sender's email address.
func IsAllSendersUsername(username string) bool {
	return username == "api" || username == "*"
}

// ResolveSenderEmail reports whether any of senders owns email,
// case-insensitively, matching the lookup IMAP LOGIN and SMTP AUTH/MAIL
// both perform against the all-senders scope.
func ResolveSenderEmail(senders []Sender, email string) (Sender, bool) {
	for _, s := range senders {
		if strings.EqualFold(s.Email, email) {
			return s, true
		}
	}
	return Sender{}, false
}

// Sender is the minimal shape ResolveSenderEmail needs; both the IMAP
// and SMTP packages' own upstream.Sender satisfy it structurally.
type Sender struct {
	ID    string
	Email string
}

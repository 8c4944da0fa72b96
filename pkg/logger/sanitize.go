package logger

import (
	"log/slog"
	"net/url"
	"strings"
	"unicode/utf8"
)

const redacted = "[REDACTED]"

// Attribute and query keys whose values are credentials or contact details.
var sensitiveKeys = map[string]struct{}{
	"password":     {},
	"code":         {},
	"otp":          {},
	"token":        {},
	"secret":       {},
	"backup_code":  {},
	"destination":  {},
	"phone":        {},
	"email":        {},
	"fingerprint":  {},
	"assertion":    {},
	"credential":   {},
	"session":      {},
	"access_token": {},
}

func sensitive(key string) bool {
	_, ok := sensitiveKeys[strings.ToLower(key)]
	return ok
}

// SanitizedEmail masks an email address for logging, keeping the first
// character and the top-level domain: "jane@clinic.org" becomes "j***@******.org".
func SanitizedEmail(email string) string {
	user, domain, ok := strings.Cut(email, "@")
	if !ok || user == "" || domain == "" || strings.Contains(domain, "@") {
		return "[invalid-email]"
	}

	first, size := utf8.DecodeRuneInString(user)
	masked := string(first) + strings.Repeat("*", utf8.RuneCountInString(user[size:]))

	if i := strings.LastIndexByte(domain, '.'); i > 0 {
		domain = strings.Repeat("*", utf8.RuneCountInString(domain[:i])) + domain[i:]
	}
	return masked + "@" + domain
}

// RedactedAttr logs value outside production only.
func RedactedAttr(key, value, env string) slog.Attr {
	if env == "production" {
		return slog.String(key, redacted)
	}
	return slog.String(key, value)
}

// SanitizeQueryString reports whether a raw query carries a sensitive
// parameter and should be dropped from request logs. Unparseable queries
// are treated as sensitive.
func SanitizeQueryString(rawQuery string) bool {
	if rawQuery == "" {
		return false
	}
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return true
	}
	for key := range values {
		if sensitive(key) {
			return true
		}
	}
	return false
}

// ReplaceAttr is a slog.HandlerOptions.ReplaceAttr hook that masks string
// attributes under sensitive keys. Email-valued attributes keep their masked
// form so operators can still correlate lines.
func ReplaceAttr(_ []string, a slog.Attr) slog.Attr {
	if !sensitive(a.Key) || a.Value.Kind() != slog.KindString {
		return a
	}
	v := a.Value.String()
	if v == "" || v == redacted || strings.Contains(v, "*") {
		return a
	}
	if strings.EqualFold(a.Key, "email") {
		return slog.String(a.Key, SanitizedEmail(v))
	}
	return slog.String(a.Key, redacted)
}

// MaskDestination masks an OTP destination for receipts and logs.
// Emails use SanitizedEmail, phone numbers keep the last four digits.
func MaskDestination(destination string) string {
	if strings.Contains(destination, "@") {
		return SanitizedEmail(destination)
	}
	digits := make([]rune, 0, len(destination))
	for _, r := range destination {
		if r >= '0' && r <= '9' {
			digits = append(digits, r)
		}
	}
	if len(digits) <= 4 {
		return strings.Repeat("*", len(digits))
	}
	return strings.Repeat("*", len(digits)-4) + string(digits[len(digits)-4:])
}

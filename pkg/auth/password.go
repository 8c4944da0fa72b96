package auth

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"unicode/utf8"

	"golang.org/x/crypto/bcrypt"
)

const (
	// BcryptCost keeps a ward-terminal login under roughly a quarter second.
	BcryptCost = 12
	// BackupCodeCost is lower because backup codes are single-use and the
	// recovery endpoint is rate limited.
	BackupCodeCost = 10

	MinPasswordRunes = 12
	// MaxPasswordBytes is bcrypt's input limit; longer input would be truncated.
	MaxPasswordBytes = 72

	minIdentityPart = 4
)

// PasswordPolicyError lists every rule a proposed staff password broke.
// Passwords are only set by administrators, so the reasons are safe to show.
type PasswordPolicyError struct {
	Reasons []string
}

func (e *PasswordPolicyError) Error() string {
	return "password " + strings.Join(e.Reasons, "; ")
}

// Passwords seen in clinical breach corpora; compared case-insensitively.
var blockedPasswords = map[string]struct{}{
	"password1234":  {},
	"password123!":  {},
	"123456789012":  {},
	"qwertyuiop12":  {},
	"welcome12345":  {},
	"changeme1234":  {},
	"letmein12345":  {},
	"hospital1234":  {},
	"hospital123!":  {},
	"clinic123456":  {},
	"nurse1234567":  {},
	"doctor123456":  {},
	"summer2026!!":  {},
	"winter2026!!":  {},
	"iloveyou1234":  {},
	"administrator": {},
}

// ValidatePassword checks a proposed password. identity carries values the
// password must not contain, such as the email address and display name.
func ValidatePassword(password string, identity ...string) error {
	var reasons []string

	if n := utf8.RuneCountInString(password); n < MinPasswordRunes {
		reasons = append(reasons, fmt.Sprintf("must be at least %d characters", MinPasswordRunes))
	}
	if len(password) > MaxPasswordBytes {
		reasons = append(reasons, fmt.Sprintf("must be at most %d bytes", MaxPasswordBytes))
	}
	if !utf8.ValidString(password) {
		reasons = append(reasons, "must be valid UTF-8")
	}

	lower := strings.ToLower(password)
	if _, ok := blockedPasswords[lower]; ok {
		reasons = append(reasons, "is a commonly used password")
	}
	if first, _ := utf8.DecodeRuneInString(password); password != "" &&
		strings.Count(password, string(first)) == utf8.RuneCountInString(password) {
		reasons = append(reasons, "must not repeat a single character")
	}
	for _, part := range identityParts(identity) {
		if strings.Contains(lower, part) {
			reasons = append(reasons, "must not contain the account's name or email")
			break
		}
	}

	if len(reasons) > 0 {
		return &PasswordPolicyError{Reasons: reasons}
	}
	return nil
}

// identityParts splits emails and names into lowercase fragments worth
// checking; short fragments like initials are skipped.
func identityParts(identity []string) []string {
	var parts []string
	for _, v := range identity {
		local, _, _ := strings.Cut(strings.ToLower(v), "@")
		for _, f := range strings.FieldsFunc(local, func(r rune) bool {
			return r == ' ' || r == '.' || r == '-' || r == '_' || r == '+'
		}) {
			if utf8.RuneCountInString(f) >= minIdentityPart {
				parts = append(parts, f)
			}
		}
	}
	return parts
}

func HashPassword(password string) (string, error) {
	return HashPasswordWithCost(password, BcryptCost)
}

// HashPasswordWithCost hashes with an explicit bcrypt cost.
func HashPasswordWithCost(password string, cost int) (string, error) {
	if password == "" {
		return "", errors.New("password cannot be empty")
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hashed), nil
}

// ComparePassword returns nil when password matches hash.
func ComparePassword(hash, password string) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}

// HashBackupCode hashes a recovery code for storage.
func HashBackupCode(code string) (string, error) {
	return HashPasswordWithCost(code, BackupCodeCost)
}

// GenerateNumericCode returns a uniformly random decimal code of n digits.
func GenerateNumericCode(n int) (string, error) {
	var b strings.Builder
	b.Grow(n)
	ten := big.NewInt(10)
	for i := 0; i < n; i++ {
		d, err := rand.Int(rand.Reader, ten)
		if err != nil {
			return "", fmt.Errorf("failed to generate code: %w", err)
		}
		b.WriteByte(byte('0' + d.Int64()))
	}
	return b.String(), nil
}

// DummyHash is compared against when the account does not exist so that
// unknown identifiers cost the same bcrypt work as wrong passwords.
var DummyHash = func() string {
	h, err := bcrypt.GenerateFromPassword([]byte("neurolock-dummy-password"), BcryptCost)
	if err != nil {
		panic(err)
	}
	return string(h)
}()

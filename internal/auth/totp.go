package auth

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/awnumar/memguard"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	qrcode "github.com/skip2/go-qrcode"
)

const totpPeriod = 30 * time.Second

var (
	ErrTOTPInvalid = errors.New("invalid authenticator code")
	ErrTOTPReplay  = errors.New("authenticator code already used")
)

var totpOpts = totp.ValidateOpts{
	Period:    uint(totpPeriod / time.Second),
	Skew:      1,
	Digits:    otp.DigitsSix,
	Algorithm: otp.AlgorithmSHA1,
}

// TOTPManager handles TOTP generation, secret encryption and validation.
// The AES-256 key lives in a memguard enclave and is only decrypted per call.
type TOTPManager struct {
	key    *memguard.Enclave
	issuer string
}

// TOTPEnrollment is the material returned when an authenticator is enrolled.
type TOTPEnrollment struct {
	SecretEncrypted []byte
	SecretNonce     []byte
	Secret          string // base32, shown once for manual entry
	QRCodeDataURL   string
}

// NewTOTPManager creates a new TOTP manager.
// encryptionKey must be exactly 32 bytes and is wiped after it is sealed.
func NewTOTPManager(encryptionKey []byte, issuer string) (*TOTPManager, error) {
	if len(encryptionKey) != 32 {
		return nil, fmt.Errorf("encryption key must be exactly 32 bytes, got %d", len(encryptionKey))
	}

	return &TOTPManager{
		key:    memguard.NewEnclave(encryptionKey),
		issuer: issuer,
	}, nil
}

func (tm *TOTPManager) withKey(fn func(key []byte) error) error {
	buf, err := tm.key.Open()
	if err != nil {
		return fmt.Errorf("failed to open key enclave: %w", err)
	}
	defer buf.Destroy()
	return fn(buf.Bytes())
}

// Enroll generates a secret for accountName and returns it encrypted, plus a QR code.
func (tm *TOTPManager) Enroll(accountName string) (*TOTPEnrollment, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      tm.issuer,
		AccountName: accountName,
		SecretSize:  32,
		Period:      totpOpts.Period,
		Digits:      totpOpts.Digits,
		Algorithm:   totpOpts.Algorithm,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate TOTP key: %w", err)
	}

	encrypted, nonce, err := tm.EncryptSecret([]byte(key.Secret()))
	if err != nil {
		return nil, err
	}

	qr, err := qrcode.New(key.URL(), qrcode.Highest)
	if err != nil {
		return nil, fmt.Errorf("failed to create QR code: %w", err)
	}
	png, err := qr.PNG(200)
	if err != nil {
		return nil, fmt.Errorf("failed to encode QR code: %w", err)
	}

	return &TOTPEnrollment{
		SecretEncrypted: encrypted,
		SecretNonce:     nonce,
		Secret:          key.Secret(),
		QRCodeDataURL:   "data:image/png;base64," + base64.StdEncoding.EncodeToString(png),
	}, nil
}

// EncryptSecret encrypts a TOTP secret using AES-256-GCM
func (tm *TOTPManager) EncryptSecret(secret []byte) (ciphertext, nonce []byte, err error) {
	err = tm.withKey(func(key []byte) error {
		gcm, err := newGCM(key)
		if err != nil {
			return err
		}
		nonce = make([]byte, gcm.NonceSize())
		if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
			return fmt.Errorf("failed to generate nonce: %w", err)
		}
		ciphertext = gcm.Seal(nil, nonce, secret, nil)
		return nil
	})
	return ciphertext, nonce, err
}

// DecryptSecret decrypts an encrypted TOTP secret
func (tm *TOTPManager) DecryptSecret(ciphertext, nonce []byte) ([]byte, error) {
	var plaintext []byte
	err := tm.withKey(func(key []byte) error {
		gcm, err := newGCM(key)
		if err != nil {
			return err
		}
		plaintext, err = gcm.Open(nil, nonce, ciphertext, nil)
		if err != nil {
			return fmt.Errorf("failed to decrypt secret: %w", err)
		}
		return nil
	})
	return plaintext, err
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// ValidateCode checks code against the base32 secret at now, allowing one step of drift.
// It returns the start of the matched time step. lastStep is the step accepted last
// time; a code from that step or earlier is a replay.
func (tm *TOTPManager) ValidateCode(secret []byte, code string, lastStep *time.Time, now time.Time) (time.Time, error) {
	for _, offset := range []time.Duration{0, -totpPeriod, totpPeriod} {
		at := now.Add(offset)
		expected, err := totp.GenerateCodeCustom(string(secret), at, totpOpts)
		if err != nil {
			return time.Time{}, fmt.Errorf("failed to generate TOTP: %w", err)
		}
		if subtle.ConstantTimeCompare([]byte(expected), []byte(code)) != 1 {
			continue
		}

		step := stepStart(at)
		if lastStep != nil && !step.After(*lastStep) {
			return time.Time{}, ErrTOTPReplay
		}
		return step, nil
	}
	return time.Time{}, ErrTOTPInvalid
}

// GenerateCode returns the current code for secret. Used by tests and the CLI.
func GenerateCode(secret string, at time.Time) (string, error) {
	return totp.GenerateCodeCustom(secret, at, totpOpts)
}

func stepStart(t time.Time) time.Time {
	period := int64(totpPeriod / time.Second)
	return time.Unix((t.Unix()/period)*period, 0).UTC()
}

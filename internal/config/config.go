package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Database  DatabaseConfig
	Server    ServerConfig
	Auth      AuthConfig
	Lockout   LockoutConfig
	OTP       OTPConfig
	RateLimit RateLimitConfig
	Device    DeviceConfig
	TOTP      TOTPConfig
	WebAuthn  WebAuthnConfig
	Redis     RedisConfig
	NATS      NATSConfig
	Email     EmailConfig
	Policy    PolicyConfig
	Store     StoreConfig
}

type DatabaseConfig struct {
	Host              string
	Port              int
	User              string
	Password          string
	Name              string
	SSLMode           string
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
	ConnectAttempts   int
}

type ServerConfig struct {
	Port           string
	Env            string
	LogLevel       string
	TrustedProxies []string
	AuthRateLimit  int // requests per minute per IP on public auth routes
}

type AuthConfig struct {
	JWTSecret         string
	PartialSessionTTL time.Duration
	IdleTimeout       time.Duration
	AbsoluteTimeout   time.Duration
	TouchInterval     time.Duration
	CleanupInterval   time.Duration
	TimingBaseDelay   time.Duration
	TimingRandomDelay time.Duration
	BackupCodeCount   int
	BackupCodeLength  int
}

type LockoutConfig struct {
	Threshold              int
	Window                 time.Duration
	FailedAttemptsDuration time.Duration
	SecurityBreachDuration time.Duration
}

type OTPConfig struct {
	TTL            time.Duration
	ResendInterval time.Duration
	Length         int
	Pepper         string
	QueueSize      int
}

type RateLimitConfig struct {
	VerifyPerMinute int
	Burst           int
}

type DeviceConfig struct {
	TrustTTL time.Duration
}

type TOTPConfig struct {
	EncryptionKey []byte // 32 bytes, decoded from base64
	Issuer        string
}

type WebAuthnConfig struct {
	RPID          string
	RPDisplayName string
	RPOrigins     []string
	Timeout       time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

func (c RedisConfig) Enabled() bool { return c.Addr != "" }

type NATSConfig struct {
	URL           string
	SubjectPrefix string
	SMSSubject    string
}

func (c NATSConfig) Enabled() bool { return c.URL != "" }

type EmailConfig struct {
	Enabled     bool
	AWSRegion   string
	FromAddress string
}

type PolicyConfig struct {
	Path string
}

// Store drivers
const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

type StoreConfig struct {
	Driver string
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	jwtSecret := getEnv("JWT_SECRET", "")
	if jwtSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	env := getEnv("ENV", "development")

	totpKey, err := base64.StdEncoding.DecodeString(getEnv("TOTP_ENCRYPTION_KEY", ""))
	if err != nil {
		return nil, fmt.Errorf("TOTP_ENCRYPTION_KEY must be base64: %w", err)
	}
	if len(totpKey) != 32 {
		return nil, fmt.Errorf("TOTP_ENCRYPTION_KEY must decode to 32 bytes (got %d)", len(totpKey))
	}

	cfg := &Config{
		Database: DatabaseConfig{
			Host:              getEnv("DB_HOST", "localhost"),
			Port:              getEnvAsInt("DB_PORT", 5432),
			User:              getEnv("DB_USER", "postgres"),
			Password:          getEnv("DB_PASSWORD", ""),
			Name:              getEnv("DB_NAME", "neurolock"),
			SSLMode:           getEnv("DB_SSLMODE", "disable"),
			MaxConns:          int32(getEnvAsInt("DB_MAX_CONNS", 25)),
			MinConns:          int32(getEnvAsInt("DB_MIN_CONNS", 5)),
			MaxConnLifetime:   getEnvAsDuration("DB_MAX_CONN_LIFETIME", 5*time.Minute),
			MaxConnIdleTime:   getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", 1*time.Minute),
			HealthCheckPeriod: getEnvAsDuration("DB_HEALTH_CHECK_PERIOD", 1*time.Minute),
			ConnectAttempts:   getEnvAsInt("DB_CONNECT_ATTEMPTS", 5),
		},
		Server: ServerConfig{
			Port:           getEnv("PORT", "8080"),
			Env:            env,
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			TrustedProxies: getEnvAsList("TRUSTED_PROXIES"),
			AuthRateLimit:  getEnvAsInt("AUTH_RATE_LIMIT_PER_MINUTE", 10),
		},
		Auth: AuthConfig{
			JWTSecret:         jwtSecret,
			PartialSessionTTL: getEnvAsDuration("PARTIAL_SESSION_TTL", 5*time.Minute),
			IdleTimeout:       getEnvAsDuration("SESSION_IDLE_TIMEOUT", 30*time.Minute),
			AbsoluteTimeout:   getEnvAsDuration("SESSION_ABSOLUTE_TIMEOUT", 12*time.Hour),
			TouchInterval:     getEnvAsDuration("SESSION_TOUCH_INTERVAL", 1*time.Minute),
			CleanupInterval:   getEnvAsDuration("CLEANUP_INTERVAL", 1*time.Hour),
			TimingBaseDelay:   getEnvAsDuration("TIMING_BASE_DELAY", 250*time.Millisecond),
			TimingRandomDelay: getEnvAsDuration("TIMING_RANDOM_DELAY", 100*time.Millisecond),
			BackupCodeCount:   getEnvAsInt("BACKUP_CODE_COUNT", 8),
			BackupCodeLength:  getEnvAsInt("BACKUP_CODE_LENGTH", 8),
		},
		Lockout: LockoutConfig{
			Threshold:              getEnvAsInt("LOCKOUT_THRESHOLD", 5),
			Window:                 getEnvAsDuration("LOCKOUT_WINDOW", 15*time.Minute),
			FailedAttemptsDuration: getEnvAsDuration("LOCKOUT_DURATION", 30*time.Minute),
			SecurityBreachDuration: getEnvAsDuration("LOCKOUT_BREACH_DURATION", 24*time.Hour),
		},
		OTP: OTPConfig{
			TTL:            getEnvAsDuration("OTP_TTL", 10*time.Minute),
			ResendInterval: getEnvAsDuration("OTP_RESEND_INTERVAL", 30*time.Second),
			Length:         getEnvAsInt("OTP_LENGTH", 6),
			Pepper:         getEnv("OTP_PEPPER", jwtSecret),
			QueueSize:      getEnvAsInt("OTP_QUEUE_SIZE", 256),
		},
		RateLimit: RateLimitConfig{
			VerifyPerMinute: getEnvAsInt("VERIFY_RATE_PER_MINUTE", 20),
			Burst:           getEnvAsInt("VERIFY_RATE_BURST", 10),
		},
		Device: DeviceConfig{
			TrustTTL: getEnvAsDuration("DEVICE_TRUST_TTL", 30*24*time.Hour),
		},
		TOTP: TOTPConfig{
			EncryptionKey: totpKey,
			Issuer:        getEnv("TOTP_ISSUER", "NeuroLock"),
		},
		WebAuthn: WebAuthnConfig{
			RPID:          getEnv("WEBAUTHN_RP_ID", "localhost"),
			RPDisplayName: getEnv("WEBAUTHN_RP_NAME", "NeuroLock"),
			RPOrigins:     getEnvAsListDefault("WEBAUTHN_RP_ORIGINS", []string{"http://localhost:8080"}),
			Timeout:       getEnvAsDuration("WEBAUTHN_TIMEOUT", 2*time.Minute),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		NATS: NATSConfig{
			URL:           getEnv("NATS_URL", ""),
			SubjectPrefix: getEnv("NATS_AUDIT_SUBJECT_PREFIX", "neurolock.audit"),
			SMSSubject:    getEnv("NATS_SMS_SUBJECT", "neurolock.notify.sms"),
		},
		Email: EmailConfig{
			Enabled:     getEnvAsBool("EMAIL_ENABLED", false),
			AWSRegion:   getEnv("AWS_REGION", "us-east-1"),
			FromAddress: getEnv("EMAIL_FROM_ADDRESS", "no-reply@neurolock.local"),
		},
		Policy: PolicyConfig{
			Path: getEnv("ACCESS_POLICY_FILE", ""),
		},
		Store: StoreConfig{
			Driver: getEnv("STORE_DRIVER", StoreDriverPostgres),
		},
	}

	if cfg.Store.Driver == StoreDriverPostgres && cfg.Database.Password == "" {
		return nil, fmt.Errorf("DB_PASSWORD is required")
	}
	if cfg.Store.Driver != StoreDriverPostgres && cfg.Store.Driver != StoreDriverMemory {
		return nil, fmt.Errorf("STORE_DRIVER must be %q or %q", StoreDriverPostgres, StoreDriverMemory)
	}
	if env == "production" && cfg.Store.Driver == StoreDriverMemory {
		return nil, fmt.Errorf("STORE_DRIVER=memory is not allowed in production")
	}
	if cfg.Lockout.Threshold < 1 {
		return nil, fmt.Errorf("LOCKOUT_THRESHOLD must be at least 1")
	}

	// Validate JWT secret strength
	if err := validateJWTSecret(jwtSecret, env); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validateJWTSecret enforces minimum security standards for JWT secret
func validateJWTSecret(secret, env string) error {
	minLength := 16
	if env == "production" {
		minLength = 32
	}

	if len(secret) < minLength {
		return fmt.Errorf("JWT_SECRET must be at least %d characters in %s environment (got %d)",
			minLength, env, len(secret))
	}

	weakSecrets := []string{
		"secret", "test", "password", "12345", "changeme",
		"admin", "root", "default", "example",
	}

	secretLower := strings.ToLower(secret)
	for _, weak := range weakSecrets {
		if secretLower == weak {
			return fmt.Errorf("JWT_SECRET cannot be a common weak value")
		}
	}

	return nil
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

func getEnv(key, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsBool(key string, defaultVal bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultVal
}

func getEnvAsList(key string) []string {
	return getEnvAsListDefault(key, nil)
}

func getEnvAsListDefault(key string, defaultVal []string) []string {
	value := getEnv(key, "")
	if value == "" {
		return defaultVal
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

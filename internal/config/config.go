package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Database   DatabaseConfig
	Server     ServerConfig
	Auth       AuthConfig
	RateLimit  RateLimitConfig
	Lockout    LockoutConfig
	Threat     ThreatConfig
	Reputation ReputationConfig
	Email      EmailConfig
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
}

type ServerConfig struct {
	Port           string
	Env            string
	LogLevel       string
	AllowedOrigins []string
	TrustedProxies []string
}

type AuthConfig struct {
	JWTSecret          string
	AccessTokenExpiry  time.Duration
	RefreshTokenExpiry time.Duration
}

// BucketConfig describes one token-bucket category.
type BucketConfig struct {
	Capacity       int
	RefillTokens   int
	RefillInterval time.Duration
}

// RateLimitConfig holds per-category bucket settings for the BucketStore.
type RateLimitConfig struct {
	Enabled    bool
	FailOpen   bool // allow-and-log on internal errors
	MaxBuckets int  // eviction bound on distinct keys
	Auth       BucketConfig
	MFA        BucketConfig
	API        BucketConfig
	General    BucketConfig
}

// LockoutConfig holds brute-force protection thresholds.
type LockoutConfig struct {
	MaxFailedAttempts   int
	LockoutDuration     time.Duration
	SlidingWindow       time.Duration
	IPMaxFailedAttempts int
	AttemptRetention    time.Duration
}

// ThreatConfig holds the scoring weights and action thresholds.
type ThreatConfig struct {
	Enabled               bool
	HighRiskThreshold     int
	CriticalRiskThreshold int
	AccountLockDuration   time.Duration
	SessionLookback       time.Duration
	FailedLoginLookback   time.Duration
	FailedLoginThreshold  int
	UnusualHourStart      int // inclusive, 24h clock
	UnusualHourEnd        int // exclusive
	Weights               ThreatWeights
	Workers               int
	QueueSize             int
}

// ThreatWeights are the per-factor score contributions. They compose
// additively and the total is capped at 100.
type ThreatWeights struct {
	ReputationDivisor int // reputation score scaled by 1/divisor
	ReputationCap     int
	VPN               int
	Proxy             int
	Tor               int
	LocationAnomaly   int
	FailedLogins      int
	NewDevice         int
	UnusualTime       int
}

// ReputationConfig holds IP-reputation cache and provider settings.
type ReputationConfig struct {
	CacheTTL        time.Duration
	SweepInterval   time.Duration
	ProviderTimeout time.Duration
	LookupRateLimit float64 // provider calls per second
	GeoAPIURL       string
	AbuseAPIURL     string
	AbuseAPIKey     string
	MaliciousScore  int
}

type EmailConfig struct {
	Enabled     bool
	AWSRegion   string
	FromAddress string
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	jwtSecret := getEnv("JWT_SECRET", "")
	if jwtSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	env := getEnv("ENV", "development")

	cfg := &Config{
		Database: DatabaseConfig{
			Host:              getEnv("DB_HOST", "localhost"),
			Port:              getEnvAsInt("DB_PORT", 5432),
			User:              getEnv("DB_USER", "postgres"),
			Password:          getEnv("DB_PASSWORD", ""),
			Name:              getEnv("DB_NAME", "bastion"),
			SSLMode:           getEnv("DB_SSLMODE", "disable"),
			MaxConns:          int32(getEnvAsInt("DB_MAX_CONNS", 25)),
			MinConns:          int32(getEnvAsInt("DB_MIN_CONNS", 5)),
			MaxConnLifetime:   getEnvAsDuration("DB_MAX_CONN_LIFETIME", 5*time.Minute),
			MaxConnIdleTime:   getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", 1*time.Minute),
			HealthCheckPeriod: getEnvAsDuration("DB_HEALTH_CHECK_PERIOD", 1*time.Minute),
		},
		Server: ServerConfig{
			Port:           getEnv("PORT", "8080"),
			Env:            env,
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			AllowedOrigins: getEnvAsSlice("ALLOWED_ORIGINS"),
			TrustedProxies: getEnvAsSlice("TRUSTED_PROXIES"),
		},
		Auth: AuthConfig{
			JWTSecret:          jwtSecret,
			AccessTokenExpiry:  getEnvAsDuration("ACCESS_TOKEN_EXPIRY", 15*time.Minute),
			RefreshTokenExpiry: getEnvAsDuration("REFRESH_TOKEN_EXPIRY", 7*24*time.Hour),
		},
		RateLimit: RateLimitConfig{
			Enabled:    getEnvAsBool("RATE_LIMIT_ENABLED", true),
			FailOpen:   getEnvAsBool("RATE_LIMIT_FAIL_OPEN", true),
			MaxBuckets: getEnvAsInt("RATE_LIMIT_MAX_BUCKETS", 100000),
			Auth: BucketConfig{
				Capacity:       getEnvAsInt("RATE_LIMIT_AUTH_CAPACITY", 5),
				RefillTokens:   getEnvAsInt("RATE_LIMIT_AUTH_REFILL_TOKENS", 5),
				RefillInterval: getEnvAsDuration("RATE_LIMIT_AUTH_REFILL_INTERVAL", 60*time.Second),
			},
			MFA: BucketConfig{
				Capacity:       getEnvAsInt("RATE_LIMIT_MFA_CAPACITY", 5),
				RefillTokens:   getEnvAsInt("RATE_LIMIT_MFA_REFILL_TOKENS", 5),
				RefillInterval: getEnvAsDuration("RATE_LIMIT_MFA_REFILL_INTERVAL", 300*time.Second),
			},
			API: BucketConfig{
				Capacity:       getEnvAsInt("RATE_LIMIT_API_CAPACITY", 1000),
				RefillTokens:   getEnvAsInt("RATE_LIMIT_API_REFILL_TOKENS", 1000),
				RefillInterval: getEnvAsDuration("RATE_LIMIT_API_REFILL_INTERVAL", 60*time.Second),
			},
			General: BucketConfig{
				Capacity:       getEnvAsInt("RATE_LIMIT_GENERAL_CAPACITY", 100),
				RefillTokens:   getEnvAsInt("RATE_LIMIT_GENERAL_REFILL_TOKENS", 100),
				RefillInterval: getEnvAsDuration("RATE_LIMIT_GENERAL_REFILL_INTERVAL", 60*time.Second),
			},
		},
		Lockout: LockoutConfig{
			MaxFailedAttempts:   getEnvAsInt("LOCKOUT_MAX_FAILED_ATTEMPTS", 5),
			LockoutDuration:     getEnvAsDuration("LOCKOUT_DURATION", 30*time.Minute),
			SlidingWindow:       getEnvAsDuration("LOCKOUT_SLIDING_WINDOW", 15*time.Minute),
			IPMaxFailedAttempts: getEnvAsInt("LOCKOUT_IP_MAX_FAILED_ATTEMPTS", 10),
			AttemptRetention:    getEnvAsDuration("LOCKOUT_ATTEMPT_RETENTION", 90*24*time.Hour),
		},
		Threat: ThreatConfig{
			Enabled:               getEnvAsBool("THREAT_ENABLED", true),
			HighRiskThreshold:     getEnvAsInt("THREAT_HIGH_RISK_THRESHOLD", 60),
			CriticalRiskThreshold: getEnvAsInt("THREAT_CRITICAL_RISK_THRESHOLD", 80),
			AccountLockDuration:   getEnvAsDuration("THREAT_ACCOUNT_LOCK_DURATION", 30*time.Minute),
			SessionLookback:       getEnvAsDuration("THREAT_SESSION_LOOKBACK", 30*24*time.Hour),
			FailedLoginLookback:   getEnvAsDuration("THREAT_FAILED_LOGIN_LOOKBACK", 30*time.Minute),
			FailedLoginThreshold:  getEnvAsInt("THREAT_FAILED_LOGIN_THRESHOLD", 3),
			UnusualHourStart:      getEnvAsInt("THREAT_UNUSUAL_HOUR_START", 2),
			UnusualHourEnd:        getEnvAsInt("THREAT_UNUSUAL_HOUR_END", 6),
			Weights: ThreatWeights{
				ReputationDivisor: getEnvAsInt("THREAT_WEIGHT_REPUTATION_DIVISOR", 3),
				ReputationCap:     getEnvAsInt("THREAT_WEIGHT_REPUTATION_CAP", 40),
				VPN:               getEnvAsInt("THREAT_WEIGHT_VPN", 15),
				Proxy:             getEnvAsInt("THREAT_WEIGHT_PROXY", 15),
				Tor:               getEnvAsInt("THREAT_WEIGHT_TOR", 30),
				LocationAnomaly:   getEnvAsInt("THREAT_WEIGHT_LOCATION_ANOMALY", 20),
				FailedLogins:      getEnvAsInt("THREAT_WEIGHT_FAILED_LOGINS", 10),
				NewDevice:         getEnvAsInt("THREAT_WEIGHT_NEW_DEVICE", 10),
				UnusualTime:       getEnvAsInt("THREAT_WEIGHT_UNUSUAL_TIME", 5),
			},
			Workers:   getEnvAsInt("THREAT_WORKERS", 4),
			QueueSize: getEnvAsInt("THREAT_QUEUE_SIZE", 256),
		},
		Reputation: ReputationConfig{
			CacheTTL:        getEnvAsDuration("REPUTATION_CACHE_TTL", 24*time.Hour),
			SweepInterval:   getEnvAsDuration("REPUTATION_SWEEP_INTERVAL", 12*time.Hour),
			ProviderTimeout: getEnvAsDuration("REPUTATION_PROVIDER_TIMEOUT", 5*time.Second),
			LookupRateLimit: getEnvAsFloat("REPUTATION_LOOKUP_RATE_LIMIT", 10),
			GeoAPIURL:       getEnv("REPUTATION_GEO_API_URL", "http://ip-api.com/json"),
			AbuseAPIURL:     getEnv("REPUTATION_ABUSE_API_URL", "https://api.abuseipdb.com/api/v2/check"),
			AbuseAPIKey:     getEnv("REPUTATION_ABUSE_API_KEY", ""),
			MaliciousScore:  getEnvAsInt("REPUTATION_MALICIOUS_SCORE", 80),
		},
		Email: EmailConfig{
			Enabled:     getEnvAsBool("EMAIL_ENABLED", false),
			AWSRegion:   getEnv("AWS_REGION", "us-east-1"),
			FromAddress: getEnv("EMAIL_FROM_ADDRESS", ""),
		},
	}

	if cfg.Database.Password == "" {
		return nil, fmt.Errorf("DB_PASSWORD is required")
	}

	if err := validateJWTSecret(jwtSecret, env); err != nil {
		return nil, err
	}

	if err := cfg.validateThresholds(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validateThresholds rejects configurations the engine cannot run with.
// Invalid thresholds are fatal at startup rather than silently clamped.
func (c *Config) validateThresholds() error {
	if c.Threat.CriticalRiskThreshold <= c.Threat.HighRiskThreshold {
		return fmt.Errorf("THREAT_CRITICAL_RISK_THRESHOLD (%d) must be greater than THREAT_HIGH_RISK_THRESHOLD (%d)",
			c.Threat.CriticalRiskThreshold, c.Threat.HighRiskThreshold)
	}

	for _, b := range []struct {
		name string
		cfg  BucketConfig
	}{
		{"AUTH", c.RateLimit.Auth},
		{"MFA", c.RateLimit.MFA},
		{"API", c.RateLimit.API},
		{"GENERAL", c.RateLimit.General},
	} {
		if b.cfg.Capacity <= 0 || b.cfg.RefillTokens <= 0 || b.cfg.RefillInterval <= 0 {
			return fmt.Errorf("rate limit %s bucket requires positive capacity, refill tokens and interval", b.name)
		}
	}

	if c.Lockout.MaxFailedAttempts <= 0 || c.Lockout.IPMaxFailedAttempts <= 0 {
		return fmt.Errorf("lockout thresholds must be positive")
	}
	if c.Lockout.SlidingWindow <= 0 || c.Lockout.LockoutDuration <= 0 {
		return fmt.Errorf("lockout window and duration must be positive")
	}

	if c.Threat.Weights.ReputationDivisor <= 0 {
		return fmt.Errorf("THREAT_WEIGHT_REPUTATION_DIVISOR must be positive")
	}
	if c.Threat.UnusualHourStart < 0 || c.Threat.UnusualHourStart > 23 ||
		c.Threat.UnusualHourEnd < 0 || c.Threat.UnusualHourEnd > 24 {
		return fmt.Errorf("unusual hour window must be within a 24h clock")
	}

	return nil
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
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultVal
}

func getEnvAsFloat(key string, defaultVal float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
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

func getEnvAsSlice(key string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return parts
}

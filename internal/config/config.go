package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application
type Config struct {
	// Server configuration
	Server ServerConfig

	// Database configuration
	Database DatabaseConfig

	// JWT configuration (admin tokens)
	JWT JWTConfig

	// Admin back-office credentials
	Admin AdminConfig

	// Rate limiting configuration for the status-poll endpoint
	RateLimit RateLimitConfig

	// CORS configuration
	CORS CORSConfig

	// PhonePe gateway configuration
	PhonePe PhonePeConfig

	// Remote NIBOG booking/payment API
	BookingAPI BookingAPIConfig

	// Transaction deduplication
	Dedup DedupConfig

	// Reconciliation policy
	Reconciliation ReconciliationConfig

	// Booking confirmation email
	Email EmailConfig
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	Port        string
	Environment string // development, staging, production
	LogLevel    string // debug, info, warn, error
}

// HandlerWriteTimeout is the server write timeout. Status polls run the
// gateway check and the whole booking pipeline inside the request.
func (c *Config) HandlerWriteTimeout() time.Duration {
	return c.PhonePe.StatusTimeout + c.BookingAPI.WorstCaseDuration() + 10*time.Second
}

// IsProduction reports whether the service runs in production mode.
// Outside production the PhonePe callback signature check is bypassed.
func (s ServerConfig) IsProduction() bool {
	return s.Environment == "production"
}

// DatabaseConfig holds database-related configuration
type DatabaseConfig struct {
	URL                string
	MaxConnections     int
	MaxIdleConnections int
	ConnMaxLifetime    time.Duration
}

// JWTConfig holds JWT-related configuration
type JWTConfig struct {
	Secret            string
	AccessTokenExpiry time.Duration
}

// AdminConfig holds the single back-office operator account
type AdminConfig struct {
	Email        string
	PasswordHash string // bcrypt hash, generate with cmd/generate-secrets
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	StatusPollRequests int
	WindowSeconds      int
}

// CORSConfig holds CORS-related configuration
type CORSConfig struct {
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
}

// PhonePeConfig holds PhonePe PG configuration
type PhonePeConfig struct {
	Environment   string // "sandbox" or "production"
	HostURL       string // overrides the environment default when set
	MerchantID    string
	SaltKey       string // SECRET - never expose to client
	SaltIndex     string
	StatusTimeout time.Duration
}

// IsSandbox reports whether the PhonePe sandbox is in use
func (p PhonePeConfig) IsSandbox() bool {
	return p.Environment != "production"
}

// BookingAPIConfig holds the remote persistence API endpoints
type BookingAPIConfig struct {
	BaseURL           string
	CreatePath        string
	UpdateStatusPath  string
	PaymentCreatePath string
	EmailSettingsPath string
	RequestTimeout    time.Duration // per attempt
	MaxRetries        int
	RetryBackoff      time.Duration // multiplied by the attempt number
}

// WorstCaseDuration bounds the booking API time spent on one transaction:
// every create attempt and its backoff, then the payment and status-update calls.
func (b BookingAPIConfig) WorstCaseDuration() time.Duration {
	retries := time.Duration(b.MaxRetries)
	if retries < 0 {
		retries = 0
	}
	attempts := (retries + 1) * b.RequestTimeout
	backoff := b.RetryBackoff * retries * (retries + 1) / 2
	return attempts + backoff + 2*b.RequestTimeout
}

// DedupConfig holds transaction deduplication configuration
type DedupConfig struct {
	Store            string // "memory" or "postgres"
	TTL              time.Duration
	EvictionSchedule string // cron expression or @every descriptor
}

// ReconciliationConfig holds booking reconstruction policy
type ReconciliationConfig struct {
	AllowDegradedBookingID bool
	GameTotalTolerance     string // rupees, parsed as decimal
	FallbackEventID        int64
	FallbackGameID         int64
	PaymentMethod          string
}

// EmailConfig holds booking confirmation email configuration
type EmailConfig struct {
	Enabled     bool
	SendTimeout time.Duration
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists (for local development)
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	config := &Config{
		Server: ServerConfig{
			Port:        getEnv("PORT", "8080"),
			Environment: getEnv("ENVIRONMENT", "development"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
		},
		Database: DatabaseConfig{
			URL:                getEnv("DATABASE_URL", ""),
			MaxConnections:     getEnvAsInt("DATABASE_MAX_CONNECTIONS", 10),
			MaxIdleConnections: getEnvAsInt("DATABASE_MAX_IDLE_CONNECTIONS", 5),
			ConnMaxLifetime:    time.Duration(getEnvAsInt("DATABASE_CONN_MAX_LIFETIME", 300)) * time.Second,
		},
		JWT: JWTConfig{
			Secret:            getEnv("JWT_SECRET", ""),
			AccessTokenExpiry: time.Duration(getEnvAsInt("JWT_ACCESS_TOKEN_EXPIRY", 3600)) * time.Second,
		},
		Admin: AdminConfig{
			Email:        getEnv("ADMIN_EMAIL", ""),
			PasswordHash: getEnv("ADMIN_PASSWORD_HASH", ""),
		},
		RateLimit: RateLimitConfig{
			StatusPollRequests: getEnvAsInt("STATUS_POLL_RATE_LIMIT", 30),
			WindowSeconds:      getEnvAsInt("STATUS_POLL_RATE_WINDOW_SECONDS", 60),
		},
		CORS: CORSConfig{
			AllowedOrigins: getEnvAsSlice("CORS_ALLOWED_ORIGINS", []string{"*"}),
			AllowedMethods: getEnvAsSlice("CORS_ALLOWED_METHODS", []string{"GET", "POST", "OPTIONS"}),
			AllowedHeaders: getEnvAsSlice("CORS_ALLOWED_HEADERS", []string{"Content-Type", "Authorization", "X-VERIFY"}),
		},
		PhonePe: PhonePeConfig{
			Environment:   getEnv("PHONEPE_ENVIRONMENT", "sandbox"),
			HostURL:       getEnv("PHONEPE_HOST_URL", ""),
			MerchantID:    getEnv("PHONEPE_MERCHANT_ID", ""),
			SaltKey:       getEnv("PHONEPE_SALT_KEY", ""),
			SaltIndex:     getEnv("PHONEPE_SALT_INDEX", "1"),
			StatusTimeout: getEnvAsDuration("PHONEPE_STATUS_TIMEOUT", 15*time.Second),
		},
		BookingAPI: BookingAPIConfig{
			BaseURL:           strings.TrimRight(getEnv("BOOKING_API_BASE_URL", ""), "/"),
			CreatePath:        getEnv("BOOKING_API_CREATE_PATH", "/bookings/create"),
			UpdateStatusPath:  getEnv("BOOKING_API_UPDATE_STATUS_PATH", "/bookings/update-status"),
			PaymentCreatePath: getEnv("PAYMENT_API_CREATE_PATH", "/payments/create"),
			EmailSettingsPath: getEnv("EMAIL_SETTINGS_PATH", "/email-settings/get"),
			RequestTimeout:    getEnvAsDuration("BOOKING_API_TIMEOUT", 15*time.Second),
			MaxRetries:        getEnvAsInt("BOOKING_API_MAX_RETRIES", 3),
			RetryBackoff:      getEnvAsDuration("BOOKING_API_RETRY_BACKOFF", time.Second),
		},
		Dedup: DedupConfig{
			Store:            getEnv("DEDUP_STORE", "postgres"),
			TTL:              getEnvAsDuration("DEDUP_TTL", time.Hour),
			EvictionSchedule: getEnv("DEDUP_EVICTION_SCHEDULE", "@every 1h"),
		},
		Reconciliation: ReconciliationConfig{
			AllowDegradedBookingID: getEnvAsBool("ALLOW_DEGRADED_BOOKING_ID", true),
			GameTotalTolerance:     getEnv("GAME_TOTAL_TOLERANCE", "1.00"),
			FallbackEventID:        int64(getEnvAsInt("FALLBACK_EVENT_ID", 1)),
			FallbackGameID:         int64(getEnvAsInt("FALLBACK_GAME_ID", 1)),
			PaymentMethod:          getEnv("BOOKING_PAYMENT_METHOD", "PhonePe"),
		},
		Email: EmailConfig{
			Enabled:     getEnvAsBool("BOOKING_EMAIL_ENABLED", true),
			SendTimeout: getEnvAsDuration("BOOKING_EMAIL_TIMEOUT", 30*time.Second),
		},
	}

	// Validate required configuration
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.JWT.Secret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}

	if c.BookingAPI.BaseURL == "" {
		return fmt.Errorf("BOOKING_API_BASE_URL is required")
	}

	if c.BookingAPI.MaxRetries < 0 {
		return fmt.Errorf("BOOKING_API_MAX_RETRIES must not be negative")
	}

	if c.Dedup.Store != "memory" && c.Dedup.Store != "postgres" {
		return fmt.Errorf("invalid DEDUP_STORE: %s (must be 'memory' or 'postgres')", c.Dedup.Store)
	}

	if c.PhonePe.Environment != "sandbox" && c.PhonePe.Environment != "production" {
		return fmt.Errorf("invalid PHONEPE_ENVIRONMENT: %s (must be 'sandbox' or 'production')", c.PhonePe.Environment)
	}

	// Gateway credentials are only mandatory in production mode
	if c.Server.IsProduction() {
		if c.PhonePe.MerchantID == "" {
			return fmt.Errorf("PHONEPE_MERCHANT_ID is required in production mode")
		}
		if c.PhonePe.SaltKey == "" {
			return fmt.Errorf("PHONEPE_SALT_KEY is required in production mode")
		}
	}

	return nil
}

// Helper functions to get environment variables

func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		log.Printf("Invalid integer value for %s, using default: %d", key, defaultValue)
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		log.Printf("Invalid boolean value for %s, using default: %t", key, defaultValue)
		return defaultValue
	}
	return value
}

// getEnvAsDuration accepts Go duration strings ("15s", "1h") or plain seconds
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	if seconds, err := strconv.Atoi(valueStr); err == nil {
		return time.Duration(seconds) * time.Second
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		log.Printf("Invalid duration value for %s, using default: %s", key, defaultValue)
		return defaultValue
	}
	return value
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var result []string
	for _, v := range strings.Split(valueStr, ",") {
		trimmed := strings.TrimSpace(v)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	if len(result) == 0 {
		return defaultValue
	}
	return result
}

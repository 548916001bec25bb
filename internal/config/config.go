// Package config loads server configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the server configuration
type Config struct {
	Port          string
	Environment   string
	LogLevel      string
	AllowedOrigin string

	DatabaseURL   string
	RedisURL      string
	RedisPassword string

	PhoneHashMode   string // "hmac" or "salted"
	PhoneHashPepper string
	MessageScheme   string // "box" or "sealed"

	JWTSecret string
	TokenTTL  time.Duration

	TwilioAccountSID       string
	TwilioAuthToken        string
	TwilioVerifyServiceSID string

	OTPSendLimit  int
	OTPCheckLimit int
	LockTTL       time.Duration
}

// Load reads configuration from the environment, applying defaults
func Load() (*Config, error) {
	cfg := &Config{
		Port:          getEnvOrDefault("PORT", "8080"),
		Environment:   getEnvOrDefault("ENVIRONMENT", "development"),
		LogLevel:      getEnvOrDefault("LOG_LEVEL", "info"),
		AllowedOrigin: getEnvOrDefault("ALLOWED_ORIGIN", "*"),

		DatabaseURL:   os.Getenv("DATABASE_URL"),
		RedisURL:      getEnvOrDefault("REDIS_URL", "localhost:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),

		PhoneHashMode:   getEnvOrDefault("PHONE_HASH_MODE", "hmac"),
		PhoneHashPepper: os.Getenv("PHONE_HASH_PEPPER"),
		MessageScheme:   getEnvOrDefault("MESSAGE_SCHEME", "box"),

		JWTSecret: os.Getenv("JWT_SECRET"),

		TwilioAccountSID:       os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:        os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioVerifyServiceSID: os.Getenv("TWILIO_VERIFY_SERVICE_SID"),
	}

	var err error
	if cfg.TokenTTL, err = getDurationOrDefault("TOKEN_TTL", 24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.LockTTL, err = getDurationOrDefault("LOCK_TTL", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.OTPSendLimit, err = getIntOrDefault("OTP_SEND_LIMIT", 5); err != nil {
		return nil, err
	}
	if cfg.OTPCheckLimit, err = getIntOrDefault("OTP_CHECK_LIMIT", 10); err != nil {
		return nil, err
	}

	return cfg, nil
}

// IsDevelopment reports whether the server runs in development mode
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// TwilioConfigured reports whether all Twilio Verify settings are present
func (c *Config) TwilioConfigured() bool {
	return c.TwilioAccountSID != "" && c.TwilioAuthToken != "" && c.TwilioVerifyServiceSID != ""
}

// Validate checks settings that have no safe default
func (c *Config) Validate() error {
	switch c.PhoneHashMode {
	case "hmac", "salted":
	default:
		return fmt.Errorf("PHONE_HASH_MODE must be hmac or salted, got %q", c.PhoneHashMode)
	}
	switch c.MessageScheme {
	case "box", "sealed":
	default:
		return fmt.Errorf("MESSAGE_SCHEME must be box or sealed, got %q", c.MessageScheme)
	}
	if c.TokenTTL <= 0 {
		return errors.New("TOKEN_TTL must be positive")
	}

	if c.IsDevelopment() {
		return nil
	}
	if c.PhoneHashMode == "hmac" && c.PhoneHashPepper == "" {
		return errors.New("PHONE_HASH_PEPPER is required outside development")
	}
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET is required outside development")
	}
	if !c.TwilioConfigured() {
		return errors.New("TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN and TWILIO_VERIFY_SERVICE_SID are required outside development")
	}
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func getIntOrDefault(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

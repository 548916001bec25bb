package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("PHONE_HASH_MODE", "")
	t.Setenv("MESSAGE_SCHEME", "")
	t.Setenv("TOKEN_TTL", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "hmac", cfg.PhoneHashMode)
	assert.Equal(t, "box", cfg.MessageScheme)
	assert.Equal(t, 24*time.Hour, cfg.TokenTTL)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("MESSAGE_SCHEME", "sealed")
	t.Setenv("TOKEN_TTL", "15m")
	t.Setenv("OTP_SEND_LIMIT", "3")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "sealed", cfg.MessageScheme)
	assert.Equal(t, 15*time.Minute, cfg.TokenTTL)
	assert.Equal(t, 3, cfg.OTPSendLimit)
}

func TestLoad_InvalidValues(t *testing.T) {
	t.Setenv("TOKEN_TTL", "soon")
	_, err := Load()
	assert.Error(t, err)

	t.Setenv("TOKEN_TTL", "")
	t.Setenv("OTP_CHECK_LIMIT", "many")
	_, err = Load()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Environment:            "production",
			PhoneHashMode:          "hmac",
			PhoneHashPepper:        "pepper",
			MessageScheme:          "box",
			JWTSecret:              "secret",
			TokenTTL:               time.Hour,
			TwilioAccountSID:       "AC",
			TwilioAuthToken:        "token",
			TwilioVerifyServiceSID: "VA",
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid production", func(c *Config) {}, false},
		{"unknown hash mode", func(c *Config) { c.PhoneHashMode = "md5" }, true},
		{"unknown scheme", func(c *Config) { c.MessageScheme = "aes" }, true},
		{"missing pepper", func(c *Config) { c.PhoneHashPepper = "" }, true},
		{"salted needs no pepper", func(c *Config) { c.PhoneHashMode = "salted"; c.PhoneHashPepper = "" }, false},
		{"missing jwt secret", func(c *Config) { c.JWTSecret = "" }, true},
		{"missing twilio", func(c *Config) { c.TwilioAuthToken = "" }, true},
		{"development tolerates missing secrets", func(c *Config) {
			c.Environment = "development"
			c.PhoneHashPepper = ""
			c.JWTSecret = ""
			c.TwilioAccountSID = ""
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

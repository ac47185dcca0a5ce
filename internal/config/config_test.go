package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "parley.db", cfg.DBFile)
	assert.Equal(t, ":8080", cfg.APIAddr)
	assert.Equal(t, 5*time.Second, cfg.PersistTimeout)
	assert.Equal(t, 2*time.Minute, cfg.IdempotencyTTL)
	assert.Equal(t, 30*time.Second, cfg.TypingTTL)
	assert.Empty(t, cfg.AllowedOrigins)
	assert.False(t, cfg.Debug)
}

func TestLoad_FromEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("PARLEY_DB", "/tmp/x.db")
	t.Setenv("PERSIST_TIMEOUT", "750ms")
	t.Setenv("EVENT_RATE", "2.5")
	t.Setenv("EVENT_BURST", "5")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, https://b.example,")
	t.Setenv("PARLEY_DEBUG", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "/tmp/x.db", cfg.DBFile)
	assert.Equal(t, 750*time.Millisecond, cfg.PersistTimeout)
	assert.Equal(t, 2.5, cfg.EventRate)
	assert.Equal(t, 5, cfg.EventBurst)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
	assert.True(t, cfg.Debug)
}

func TestLoad_Invalid(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("TOKEN_EXPIRY", "forever")
	t.Setenv("EVENT_BURST", "many")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TOKEN_EXPIRY")
	assert.Contains(t, err.Error(), "EVENT_BURST")
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			DBFile:         "db",
			APIAddr:        ":0",
			TokenExpiry:    time.Hour,
			PersistTimeout: time.Second,
			IdempotencyTTL: time.Minute,
			TypingTTL:      time.Second,
			EventRate:      1,
			EventBurst:     1,
		}
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"valid", func(*Config) {}, true},
		{"no db", func(c *Config) { c.DBFile = "" }, false},
		{"zero timeout", func(c *Config) { c.PersistTimeout = 0 }, false},
		{"negative rate", func(c *Config) { c.EventRate = -1 }, false},
		{"zero burst", func(c *Config) { c.EventBurst = 0 }, false},
		{"limiter off", func(c *Config) { c.EventRate = 0; c.EventBurst = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(&c)
			err := c.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

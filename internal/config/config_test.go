package config

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("APP_ENV", "dev")
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9588", cfg.Port)
	assert.Equal(t, DevSecret, cfg.JWTSecret)
	assert.Equal(t, time.Hour, cfg.AccessTTL)
	assert.Equal(t, 168*time.Hour, cfg.RefreshTTL)
	assert.Equal(t, 10*time.Minute, cfg.CodeTTL)
	assert.Equal(t, 5, cfg.MaxFailedAttempts)
	assert.True(t, cfg.SeedDefaults)
	assert.False(t, cfg.DB.Enabled())
	assert.Equal(t, "sso.audit", cfg.Audit.Queue)
	assert.Equal(t, []string{"*"}, cfg.CORSOrigins)
	assert.Equal(t, 120, cfg.RateLimit.Capacity)
	assert.Empty(t, cfg.TrustedProxies)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("APP_ENV", "prod")
	t.Setenv("PORT", "8080")
	t.Setenv("SSO_JWT_SECRET", "s3cret")
	t.Setenv("SSO_ACCESS_TOKEN_EXPIRY", "15m")
	t.Setenv("SSO_CLIENT_REQUIRE_APPROVAL", "true")
	t.Setenv("DB_HOST", "db")
	t.Setenv("CORS_ALLOWED_ORIGINS", "http://a.test, http://b.test")
	t.Setenv("RATE_LIMIT_BURST", "5")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 15*time.Minute, cfg.AccessTTL)
	assert.True(t, cfg.ClientRequireApproval)
	assert.False(t, cfg.SeedDefaults)
	assert.True(t, cfg.DB.Enabled())
	assert.Equal(t, []string{"http://a.test", "http://b.test"}, cfg.CORSOrigins)
	assert.Equal(t, 5, cfg.RateLimit.Capacity)
}

func TestLoadRejects(t *testing.T) {
	cases := map[string]map[string]string{
		"refresh not longer than access": {"SSO_ACCESS_TOKEN_EXPIRY": "2h", "SSO_REFRESH_TOKEN_EXPIRY": "1h"},
		"algorithm":                      {"SSO_JWT_ALGORITHM": "RS256"},
		"threshold":                      {"SSO_MAX_FAILED_ATTEMPTS": "0"},
		"malformed duration":             {"SSO_SESSION_EXPIRY": "a day"},
		"malformed int":                  {"BCRYPT_COST": "ten"},
		"default secret in prod":         {"APP_ENV": "production"},
		"trusted proxy":                  {"TRUSTED_PROXIES": "10.0.0.0/33"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv("APP_ENV", "dev")
			for k, v := range env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestNewRedisClient(t *testing.T) {
	assert.Nil(t, NewRedisClient(RedisConfig{}))

	mr := miniredis.RunT(t)
	t.Setenv("REDIS_ADDR", mr.Addr())
	rc := LoadRedisConfig()
	assert.Equal(t, mr.Addr(), rc.Addr)

	client := NewRedisClient(rc)
	require.NotNil(t, client)
	defer client.Close()

	mr.Close()
	assert.Nil(t, NewRedisClient(rc))
}

func TestTrustedProxyRanges(t *testing.T) {
	cfg := Config{TrustedProxies: []string{"10.0.0.0/8", "192.168.1.7", "::1"}}
	ranges, err := cfg.TrustedProxyRanges()
	require.NoError(t, err)
	require.Len(t, ranges, 3)
	assert.Equal(t, "10.0.0.0/8", ranges[0].String())
	assert.Equal(t, "192.168.1.7/32", ranges[1].String())
	assert.Equal(t, "::1/128", ranges[2].String())

	_, err = Config{TrustedProxies: []string{"proxy.local"}}.TrustedProxyRanges()
	assert.Error(t, err)
}

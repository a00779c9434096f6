package config // package config loads application configuration from environment variables

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"
)

// DevSecret signs tokens when no SSO_JWT_SECRET is configured.  It is only
// accepted in development environments.
const DevSecret = "dev-only-sso-secret-change-me"

// Config holds all runtime configuration values.  Each field corresponds to
// an environment variable; durations use time.ParseDuration syntax.
type Config struct {
	Env  string // application environment (dev, test, prod)
	Port string // HTTP port to listen on

	JWTSecret    string
	JWTAlgorithm string
	JWTIssuer    string
	JWTAudience  string

	AccessTTL  time.Duration
	RefreshTTL time.Duration
	CodeTTL    time.Duration
	SessionTTL time.Duration

	MaxFailedAttempts int
	LockoutDuration   time.Duration
	StoreTimeout      time.Duration
	SweepInterval     time.Duration
	HistoryRetention  time.Duration

	ClientViolationCeiling int
	ClientRequireApproval  bool
	ClientRateLimit        int
	ClientMaxSessions      int

	SeedDefaults bool
	BcryptCost   int

	RateWindow       time.Duration
	RateCeiling      int
	ClientRateWindow time.Duration
	FailureRetention time.Duration

	RateLimit RateLimitConfig
	DB        DBConfig
	Redis     RedisConfig
	Audit     AuditConfig

	CORSOrigins []string

	// TrustedProxies lists the CIDRs (or single addresses) whose
	// X-Forwarded-For header is believed.  Empty means the socket peer is
	// the client address.
	TrustedProxies []string
}

// DBConfig selects the MySQL backend.  An empty Host keeps the stores in
// memory.
type DBConfig struct {
	User string
	Pass string
	Host string
	Port string
	Name string
}

func (d DBConfig) Enabled() bool { return d.Host != "" }

// AuditConfig wires the audit trail to RabbitMQ.
type AuditConfig struct {
	URL      string
	Queue    string
	Consumer bool
	LogPath  string
}

// Load reads configuration values from environment variables.  Unset
// variables take their defaults; malformed ones are reported together.
func Load() (Config, error) {
	var errs []error
	env := envStr("APP_ENV", "dev")
	port := envStr("PORT", envStr("APP_PORT", "9588"))

	dur := func(k string, d time.Duration) time.Duration {
		v, err := parseDuration(k, d)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}
	num := func(k string, d int) int {
		v, err := parseInt(k, d)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}

	cfg := Config{
		Env:          env,
		Port:         port,
		JWTSecret:    envStr("SSO_JWT_SECRET", DevSecret),
		JWTAlgorithm: envStr("SSO_JWT_ALGORITHM", "HS256"),
		JWTIssuer:    envStr("SSO_JWT_ISSUER", "gate-sso"),
		JWTAudience:  envStr("SSO_JWT_AUDIENCE", "gate-clients"),

		AccessTTL:  dur("SSO_ACCESS_TOKEN_EXPIRY", time.Hour),
		RefreshTTL: dur("SSO_REFRESH_TOKEN_EXPIRY", 168*time.Hour),
		CodeTTL:    dur("SSO_AUTH_CODE_EXPIRY", 10*time.Minute),
		SessionTTL: dur("SSO_SESSION_EXPIRY", 24*time.Hour),

		MaxFailedAttempts: num("SSO_MAX_FAILED_ATTEMPTS", 5),
		LockoutDuration:   dur("SSO_LOCKOUT_DURATION", 30*time.Minute),
		StoreTimeout:      dur("SSO_STORE_TIMEOUT", 10*time.Second),
		SweepInterval:     dur("SSO_SWEEP_INTERVAL", 5*time.Minute),
		HistoryRetention:  dur("SSO_SESSION_HISTORY_RETENTION", 720*time.Hour),

		ClientViolationCeiling: num("SSO_CLIENT_VIOLATION_CEILING", 5),
		ClientRequireApproval:  envBool("SSO_CLIENT_REQUIRE_APPROVAL", false),
		ClientRateLimit:        num("SSO_CLIENT_RATE_LIMIT", 60),
		ClientMaxSessions:      num("SSO_CLIENT_MAX_SESSIONS", 10),

		SeedDefaults: envBool("SSO_SEED_DEFAULTS", IsDev(env)),
		BcryptCost:   num("BCRYPT_COST", 10),

		RateWindow:       dur("SSO_RATE_WINDOW", 15*time.Minute),
		RateCeiling:      num("SSO_RATE_CEILING", 10),
		ClientRateWindow: dur("SSO_CLIENT_RATE_WINDOW", time.Minute),
		FailureRetention: dur("SSO_FAILURE_RETENTION", time.Hour),

		RateLimit: LoadRateLimitConfig(),
		DB: DBConfig{
			User: envStr("DB_USER", "root"),
			Pass: os.Getenv("DB_PASS"),
			Host: os.Getenv("DB_HOST"),
			Port: envStr("DB_PORT", "3306"),
			Name: envStr("DB_NAME", "gate_sso"),
		},
		Redis: LoadRedisConfig(),
		Audit: AuditConfig{
			URL:      envStr("RABBITMQ_URL", os.Getenv("AMQP_URL")),
			Queue:    envStr("SSO_AUDIT_QUEUE", "sso.audit"),
			Consumer: envBool("SSO_AUDIT_CONSUMER", false),
			LogPath:  envStr("SSO_AUDIT_LOG", "logs/audit.log"),
		},
		CORSOrigins:    splitList(envStr("CORS_ALLOWED_ORIGINS", "*")),
		TrustedProxies: splitList(os.Getenv("TRUSTED_PROXIES")),
	}
	if err := errors.Join(errs...); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// Validate rejects settings the service cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.RefreshTTL <= c.AccessTTL {
		errs = append(errs, fmt.Errorf("SSO_REFRESH_TOKEN_EXPIRY (%s) must exceed SSO_ACCESS_TOKEN_EXPIRY (%s)", c.RefreshTTL, c.AccessTTL))
	}
	if !strings.EqualFold(c.JWTAlgorithm, "HS256") {
		errs = append(errs, fmt.Errorf("unsupported SSO_JWT_ALGORITHM %q: only HS256 is accepted", c.JWTAlgorithm))
	}
	if c.MaxFailedAttempts < 1 {
		errs = append(errs, errors.New("SSO_MAX_FAILED_ATTEMPTS must be at least 1"))
	}
	if c.JWTSecret == "" || (c.JWTSecret == DevSecret && !IsDev(c.Env)) {
		errs = append(errs, fmt.Errorf("SSO_JWT_SECRET is required when APP_ENV=%s", c.Env))
	}
	if _, err := c.TrustedProxyRanges(); err != nil {
		errs = append(errs, err)
	}
	for k, d := range map[string]time.Duration{
		"SSO_AUTH_CODE_EXPIRY": c.CodeTTL,
		"SSO_SESSION_EXPIRY":   c.SessionTTL,
		"SSO_STORE_TIMEOUT":    c.StoreTimeout,
		"SSO_SWEEP_INTERVAL":   c.SweepInterval,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", k))
		}
	}
	return errors.Join(errs...)
}

// TrustedProxyRanges parses TrustedProxies.  A bare address is taken as a
// single-host range.
func (c Config) TrustedProxyRanges() ([]*net.IPNet, error) {
	var out []*net.IPNet
	for _, p := range c.TrustedProxies {
		if !strings.Contains(p, "/") {
			ip := net.ParseIP(p)
			if ip == nil {
				return nil, fmt.Errorf("TRUSTED_PROXIES: invalid address %q", p)
			}
			bits := 128
			if ip.To4() != nil {
				ip, bits = ip.To4(), 32
			}
			out = append(out, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		_, ipnet, err := net.ParseCIDR(p)
		if err != nil {
			return nil, fmt.Errorf("TRUSTED_PROXIES: %w", err)
		}
		out = append(out, ipnet)
	}
	return out, nil
}

// IsDev reports whether env names a development environment.
func IsDev(env string) bool {
	switch strings.ToLower(env) {
	case "dev", "development", "test", "local":
		return true
	}
	return false
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

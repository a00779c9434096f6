package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// RateLimitConfig drives the fixed-window limiter in front of the
// management API.
type RateLimitConfig struct {
	Enabled  bool
	Capacity int
	Window   time.Duration
	Prefix   string
	Debug    bool
}

func LoadRateLimitConfig() RateLimitConfig {
	def := RateLimitConfig{
		Enabled:  envBool("RATE_LIMIT_ENABLED", true),
		Capacity: envInt("RATE_LIMIT_CAPACITY", 120),
		Window:   envDur("RATE_LIMIT_WINDOW", time.Minute),
		Prefix:   envStr("RATE_LIMIT_PREFIX", "rl"),
		Debug:    envBool("RATE_LIMIT_DEBUG", false),
	}
	if b := envInt("RATE_LIMIT_BURST", -1); b > 0 {
		def.Capacity = b
	}
	if def.Capacity < 1 {
		def.Capacity = 1
	}
	if def.Window <= 0 {
		def.Window = time.Minute
	}
	return def
}

func envStr(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

func envBool(k string, d bool) bool {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	switch v {
	case "1", "true", "TRUE", "True", "yes", "YES", "on", "ON":
		return true
	case "0", "false", "FALSE", "False", "no", "NO", "off", "OFF":
		return false
	}
	return d
}

func envInt(k string, d int) int {
	n, err := parseInt(k, d)
	if err != nil {
		return d
	}
	return n
}

func envDur(k string, d time.Duration) time.Duration {
	v, err := parseDuration(k, d)
	if err != nil {
		return d
	}
	return v
}

func parseInt(k string, d int) (int, error) {
	v := os.Getenv(k)
	if v == "" {
		return d, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return d, fmt.Errorf("invalid int for %s: %q", k, v)
	}
	return n, nil
}

func parseDuration(k string, d time.Duration) (time.Duration, error) {
	v := os.Getenv(k)
	if v == "" {
		return d, nil
	}
	dur, err := time.ParseDuration(v)
	if err != nil {
		return d, fmt.Errorf("invalid duration for %s: %q", k, v)
	}
	return dur, nil
}

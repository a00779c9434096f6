package guard

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/iliyamo/gate-sso/internal/apperr"
)

// Limits configures admission.
type Limits struct {
	Window           time.Duration // generic per-ip window
	Ceiling          int           // generic per-ip ceiling
	ClientWindow     time.Duration // per (ip, client) window
	ClientCeiling    int           // per (ip, client) ceiling when the client sets none
	FailureRetention time.Duration // how long failure tallies are kept
}

// DefaultLimits returns the stock admission limits.
func DefaultLimits() Limits {
	return Limits{
		Window:           15 * time.Minute,
		Ceiling:          10,
		ClientWindow:     time.Minute,
		ClientCeiling:    60,
		FailureRetention: time.Hour,
	}
}

// Guard combines the admission counter, the failure tally and the
// blacklist.
type Guard struct {
	counter   Counter
	tally     *FailureTally
	blacklist Blacklist
	limits    Limits
	logger    *zap.Logger
	now       func() time.Time
}

// Option configures a Guard.
type Option func(*Guard)

func WithLogger(l *zap.Logger) Option { return func(g *Guard) { g.logger = l } }

func WithClock(now func() time.Time) Option { return func(g *Guard) { g.now = now } }

// New builds a Guard.  The same Blacklist should be handed to the token
// service so revocations and sweeps act on one set.
func New(counter Counter, blacklist Blacklist, limits Limits, opts ...Option) *Guard {
	g := &Guard{
		counter:   counter,
		blacklist: blacklist,
		limits:    limits,
		logger:    zap.NewNop(),
		now:       time.Now,
	}
	for _, o := range opts {
		o(g)
	}
	g.tally = NewFailureTally(g.now)
	return g
}

// IsLimited counts one hit on key against an explicit window and ceiling.
func (g *Guard) IsLimited(ctx context.Context, key string, window time.Duration, ceiling int) (Decision, error) {
	return g.counter.Hit(ctx, key, window, ceiling)
}

// Admit counts one protocol request from ip.  Requests naming a client are
// counted per (ip, client) against the client's per-minute ceiling, others
// per ip against the generic ceiling.  A counter failure admits the
// request.
func (g *Guard) Admit(ctx context.Context, ip, clientID string, clientCeiling int) error {
	key, window, ceiling := "ip:"+ip, g.limits.Window, g.limits.Ceiling
	if clientID != "" {
		key = "ip:" + ip + ":client:" + clientID
		window = g.limits.ClientWindow
		ceiling = clientCeiling
		if ceiling <= 0 {
			ceiling = g.limits.ClientCeiling
		}
	}
	d, err := g.counter.Hit(ctx, key, window, ceiling)
	if err != nil {
		g.logger.Warn("rate counter unavailable, admitting request", zap.String("key", key), zap.Error(err))
		return nil
	}
	if d.Limited {
		g.logger.Info("request rate limited",
			zap.String("ip", ip), zap.String("client_id", clientID),
			zap.Int("count", d.Count), zap.Duration("retry_after", d.RetryAfter))
		return apperr.RateLimited("rate_limited", d.RetryAfter)
	}
	return nil
}

// RecordFailedAttempt tallies one failed login for (ip, username) and
// returns the running total.
func (g *Guard) RecordFailedAttempt(ip, username string) int {
	n := g.tally.Record(ip, username)
	if n > 1 {
		g.logger.Debug("repeated login failure", zap.String("ip", ip), zap.String("username", username), zap.Int("failures", n))
	}
	return n
}

// FailedAttempts returns the tally for (ip, username).
func (g *Guard) FailedAttempts(ip, username string) int { return g.tally.Count(ip, username) }

// SweepReport counts what one Sweep removed.
type SweepReport struct {
	Windows   int
	Failures  int
	Blacklist int
}

// Sweep purges elapsed windows, stale failure tallies and naturally expired
// blacklist entries.
func (g *Guard) Sweep(ctx context.Context) (SweepReport, error) {
	now := g.now()
	var r SweepReport
	var windowErr, blacklistErr error
	r.Windows, windowErr = g.counter.Purge(ctx, now)
	r.Failures = g.tally.Purge(now, g.limits.FailureRetention)
	r.Blacklist, blacklistErr = g.blacklist.Purge(ctx, now)
	return r, errors.Join(windowErr, blacklistErr)
}

// Stats reports the guard's current sizes.
type Stats struct {
	RateLimitedKeys       int `json:"rate_limited_ips"`
	FailedAttemptsTracked int `json:"failed_attempts_tracked"`
	BlacklistedTokens     int `json:"blacklisted_tokens"`
}

func (g *Guard) Stats(ctx context.Context) (Stats, error) {
	limited, err := g.counter.Limited(ctx)
	if err != nil {
		return Stats{}, err
	}
	black, err := g.blacklist.Len(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{RateLimitedKeys: limited, FailedAttemptsTracked: g.tally.Len(), BlacklistedTokens: black}, nil
}

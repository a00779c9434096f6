package sso

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// SweepReport counts what one sweep removed.
type SweepReport struct {
	RateWindows     int
	FailureTallies  int
	BlacklistTokens int
	Codes           int
	Tokens          int
	Sessions        int
	SessionEvents   int
}

// Sweep purges expired state across every component.  Each component
// snapshots what it deletes, so no lock is held for a whole pass.  A failing
// component does not stop the others; their errors are joined.
func (s *Service) Sweep(ctx context.Context) (SweepReport, error) {
	var (
		r    SweepReport
		errs []error
	)
	gr, err := s.guard.Sweep(ctx)
	errs = append(errs, err)
	r.RateWindows, r.FailureTallies, r.BlacklistTokens = gr.Windows, gr.Failures, gr.Blacklist

	r.Codes, err = s.codes.Purge(ctx)
	errs = append(errs, err)
	r.Tokens, err = s.tokens.Purge(ctx)
	errs = append(errs, err)

	sr, err := s.sessions.Sweep(ctx)
	errs = append(errs, err)
	r.Sessions, r.SessionEvents = sr.Expired, sr.Events
	return r, errors.Join(errs...)
}

// RunSweeper sweeps every interval until ctx is done.  A failed sweep is
// logged and retried on the next tick.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			r, err := s.Sweep(ctx)
			if err != nil {
				s.logger.Warn("sweep failed", zap.Error(err))
				continue
			}
			s.logger.Debug("sweep done",
				zap.Int("rate_windows", r.RateWindows),
				zap.Int("failure_tallies", r.FailureTallies),
				zap.Int("blacklist", r.BlacklistTokens),
				zap.Int("codes", r.Codes),
				zap.Int("tokens", r.Tokens),
				zap.Int("sessions", r.Sessions),
				zap.Int("session_events", r.SessionEvents))
		}
	}
}

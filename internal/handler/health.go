package handler

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/labstack/echo/v4"
)

// Health is a liveness probe.  It returns a plain text "ok".
func Health(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

// Check probes one backing service.
type Check func(ctx context.Context) error

// Readiness reports whether every configured backend answers.
type Readiness struct {
	checks map[string]Check
}

func NewReadiness(checks map[string]Check) *Readiness {
	return &Readiness{checks: checks}
}

// Readyz runs every check with a short timeout and answers 503 when any
// fails.
func (r *Readiness) Readyz(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
	defer cancel()

	names := make([]string, 0, len(r.checks))
	for n := range r.checks {
		names = append(names, n)
	}
	sort.Strings(names)

	status := http.StatusOK
	results := make(map[string]string, len(names))
	for _, n := range names {
		if err := r.checks[n](ctx); err != nil {
			results[n] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		results[n] = "ok"
	}
	return c.JSON(status, echo.Map{"ready": status == http.StatusOK, "checks": results})
}

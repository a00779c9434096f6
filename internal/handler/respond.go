package handler // package handler contains the HTTP handlers of the SSO service

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/iliyamo/gate-sso/internal/apperr"
)

var errInvalidBody = apperr.Validation("invalid_body", "invalid request body")

// errorBody is the shape of every error response.
type errorBody struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

// ErrorHandler renders handler errors.  Classified errors map their kind to
// a status; internal ones are logged with the cause and answered with a
// generic message.  Echo's own errors (unknown route, bad method) keep
// their status.
func ErrorHandler(logger *zap.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		var he *echo.HTTPError
		if errors.As(err, &he) {
			msg := http.StatusText(he.Code)
			if s, ok := he.Message.(string); ok {
				msg = s
			}
			_ = c.JSON(he.Code, errorBody{Error: strings.ReplaceAll(strings.ToLower(http.StatusText(he.Code)), " ", "_"), Message: msg})
			return
		}

		ae := apperr.As(err)
		if ae.Kind == apperr.KindInternal {
			logger.Error("request failed",
				zap.String("method", c.Request().Method),
				zap.String("path", c.Request().URL.Path),
				zap.Error(err))
		}
		body := errorBody{Error: ae.PublicCode(), Message: ae.Message}
		if ae.RetryAfter > 0 {
			body.RetryAfter = int(math.Ceil(ae.RetryAfter.Seconds()))
			c.Response().Header().Set("Retry-After", strconv.Itoa(body.RetryAfter))
		}
		status := ae.Kind.Status()
		if c.Request().Method == http.MethodHead {
			_ = c.NoContent(status)
			return
		}
		_ = c.JSON(status, body)
	}
}

// bind decodes a JSON body strictly: unknown fields and trailing data are
// rejected.  Form bodies go through echo's binder.
func bind(c echo.Context, v any) error {
	ct := c.Request().Header.Get(echo.HeaderContentType)
	if strings.HasPrefix(ct, echo.MIMEApplicationForm) {
		if err := (&echo.DefaultBinder{}).BindBody(c, v); err != nil {
			return errInvalidBody
		}
		return nil
	}
	if c.Request().Body == nil || c.Request().ContentLength == 0 {
		return errInvalidBody
	}
	dec := json.NewDecoder(c.Request().Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperr.Validation("invalid_body", "invalid request body: "+err.Error())
	}
	if dec.More() {
		return errInvalidBody
	}
	return nil
}

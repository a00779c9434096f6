package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/gate-sso/internal/middleware"
	"github.com/iliyamo/gate-sso/internal/model"
	"github.com/iliyamo/gate-sso/internal/sso"
)

// SessionHandler serves session introspection and termination.
type SessionHandler struct {
	svc *sso.Service
}

func NewSessionHandler(svc *sso.Service) *SessionHandler { return &SessionHandler{svc: svc} }

type sessionListResp struct {
	Sessions []model.Session `json:"sessions"`
	Count    int             `json:"count"`
}

func listResp(s []model.Session) sessionListResp {
	if s == nil {
		s = []model.Session{}
	}
	return sessionListResp{Sessions: s, Count: len(s)}
}

// Get returns one session.  Users see their own sessions, admins any.
func (h *SessionHandler) Get(c echo.Context) error {
	s, err := h.svc.GetSession(c.Request().Context(), middleware.Actor(c), c.Param("session_id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, s)
}

func (h *SessionHandler) History(c echo.Context) error {
	id := c.Param("session_id")
	events, err := h.svc.SessionHistory(c.Request().Context(), id)
	if err != nil {
		return err
	}
	if events == nil {
		events = []model.SessionEvent{}
	}
	return c.JSON(http.StatusOK, echo.Map{"session_id": id, "events": events})
}

// End terminates a session and revokes its tokens.
func (h *SessionHandler) End(c echo.Context) error {
	s, err := h.svc.EndSession(c.Request().Context(), middleware.Actor(c), c.Param("session_id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, echo.Map{"message": "session terminated", "session": s})
}

func (h *SessionHandler) ListForUser(c echo.Context) error {
	s, err := h.svc.ListUserSessions(c.Request().Context(), middleware.Actor(c), c.Param("user_id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, listResp(s))
}

// EndForUser logs a user out of every client.
func (h *SessionHandler) EndForUser(c echo.Context) error {
	n, err := h.svc.EndUserSessions(c.Request().Context(), middleware.Actor(c), c.Param("user_id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, echo.Map{"message": "sessions terminated", "sessions_terminated": n})
}

func (h *SessionHandler) ListForClient(c echo.Context) error {
	s, err := h.svc.ListClientSessions(c.Request().Context(), c.Param("client_id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, listResp(s))
}

func (h *SessionHandler) Stats(c echo.Context) error {
	st, err := h.svc.SessionStats(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, st)
}

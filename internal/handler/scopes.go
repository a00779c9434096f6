package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/gate-sso/internal/apperr"
	"github.com/iliyamo/gate-sso/internal/scope"
	"github.com/iliyamo/gate-sso/internal/sso"
)

// ScopeHandler serves the scope catalog.
type ScopeHandler struct {
	svc *sso.Service
}

func NewScopeHandler(svc *sso.Service) *ScopeHandler { return &ScopeHandler{svc: svc} }

type validateScopesReq struct {
	ClientID string   `json:"client_id"`
	Scopes   []string `json:"scopes"`
}

type checkPermissionReq struct {
	Scopes     []string `json:"scopes"`
	Permission string   `json:"permission"`
}

func (h *ScopeHandler) List(c echo.Context) error {
	return c.JSON(http.StatusOK, echo.Map{"scopes": h.svc.Scopes()})
}

func (h *ScopeHandler) Get(c echo.Context) error {
	d, err := h.svc.Scope(c.Param("scope"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, d)
}

// Validate splits requested scopes into those the client may receive and
// the rest.
func (h *ScopeHandler) Validate(c echo.Context) error {
	var req validateScopesReq
	if err := bind(c, &req); err != nil {
		return err
	}
	if req.ClientID == "" {
		return apperr.Validation("missing_client_id", "client_id is required")
	}
	res, err := h.svc.ValidateScopes(c.Request().Context(), req.ClientID, req.Scopes)
	if err != nil {
		return err
	}
	if res.Valid == nil {
		res.Valid = []string{}
	}
	if res.Invalid == nil {
		res.Invalid = []string{}
	}
	return c.JSON(http.StatusOK, struct {
		scope.Result
		OK bool `json:"valid"`
	}{res, res.OK()})
}

func (h *ScopeHandler) CheckPermission(c echo.Context) error {
	var req checkPermissionReq
	if err := bind(c, &req); err != nil {
		return err
	}
	if req.Permission == "" {
		return apperr.Validation("missing_permission", "permission is required")
	}
	ok, effective := h.svc.CheckPermission(req.Scopes, req.Permission)
	if effective == nil {
		effective = []string{}
	}
	return c.JSON(http.StatusOK, echo.Map{
		"permission":            req.Permission,
		"has_permission":        ok,
		"effective_permissions": effective,
	})
}

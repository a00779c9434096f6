package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/gate-sso/internal/client"
	"github.com/iliyamo/gate-sso/internal/middleware"
	"github.com/iliyamo/gate-sso/internal/model"
	"github.com/iliyamo/gate-sso/internal/sso"
)

// ClientHandler serves client registration and administration.
type ClientHandler struct {
	svc *sso.Service
}

func NewClientHandler(svc *sso.Service) *ClientHandler { return &ClientHandler{svc: svc} }

// ----- DTOs -----

type registerClientReq struct {
	Name            string   `json:"name"`
	Description     string   `json:"description"`
	RedirectURIs    []string `json:"redirect_uris"`
	Scopes          []string `json:"scopes"`
	AllowedOrigins  []string `json:"allowed_origins"`
	ContactEmail    string   `json:"contact_email"`
	Website         string   `json:"website"`
	LogoURL         string   `json:"logo_url"`
	SecurityLevel   string   `json:"security_level"`
	TermsAccepted   bool     `json:"terms_accepted"`
	PrivacyAccepted bool     `json:"privacy_accepted"`
}

type updateClientReq struct {
	Name                  *string  `json:"name"`
	Description           *string  `json:"description"`
	RedirectURIs          []string `json:"redirect_uris"`
	Scopes                []string `json:"scopes"`
	AllowedOrigins        []string `json:"allowed_origins"`
	ContactEmail          *string  `json:"contact_email"`
	Website               *string  `json:"website"`
	LogoURL               *string  `json:"logo_url"`
	Status                *string  `json:"status"`
	SecurityLevel         *string  `json:"security_level"`
	TokenExpiry           *int     `json:"token_expiry"`         // seconds
	RefreshTokenExpiry    *int     `json:"refresh_token_expiry"` // seconds
	RateLimitPerMinute    *int     `json:"rate_limit_per_minute"`
	MaxConcurrentSessions *int     `json:"max_concurrent_sessions"`
	ResetViolations       bool     `json:"reset_violations"`
}

// clientView is a client as the API shows it.  The secret hash never
// leaves the service.
type clientView struct {
	ClientID              string     `json:"client_id"`
	Name                  string     `json:"name"`
	Description           string     `json:"description,omitempty"`
	RedirectURIs          []string   `json:"redirect_uris"`
	Scopes                []string   `json:"scopes"`
	AllowedOrigins        []string   `json:"allowed_origins"`
	ContactEmail          string     `json:"contact_email"`
	Website               string     `json:"website,omitempty"`
	LogoURL               string     `json:"logo_url,omitempty"`
	Status                string     `json:"status"`
	IsActive              bool       `json:"is_active"`
	SecurityLevel         string     `json:"security_level"`
	SecurityViolations    int        `json:"security_violations"`
	TokenExpiry           int        `json:"token_expiry,omitempty"`
	RefreshTokenExpiry    int        `json:"refresh_token_expiry,omitempty"`
	RateLimitPerMinute    int        `json:"rate_limit_per_minute"`
	MaxConcurrentSessions int        `json:"max_concurrent_sessions"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
	LastUsed              *time.Time `json:"last_used,omitempty"`
	DeactivatedAt         *time.Time `json:"deactivated_at,omitempty"`
}

func viewClient(c model.Client) clientView {
	return clientView{
		ClientID:              c.ID,
		Name:                  c.Name,
		Description:           c.Description,
		RedirectURIs:          c.RedirectURIs,
		Scopes:                c.Scopes,
		AllowedOrigins:        c.AllowedOrigins,
		ContactEmail:          c.ContactEmail,
		Website:               c.Website,
		LogoURL:               c.LogoURL,
		Status:                c.Status,
		IsActive:              c.IsActive,
		SecurityLevel:         c.SecurityLevel,
		SecurityViolations:    c.SecurityViolations,
		TokenExpiry:           int(c.TokenTTL / time.Second),
		RefreshTokenExpiry:    int(c.RefreshTokenTTL / time.Second),
		RateLimitPerMinute:    c.RateLimitPerMinute,
		MaxConcurrentSessions: c.MaxConcurrentSessions,
		CreatedAt:             c.CreatedAt,
		UpdatedAt:             c.UpdatedAt,
		LastUsed:              c.LastUsed,
		DeactivatedAt:         c.DeactivatedAt,
	}
}

type registerClientResp struct {
	clientView
	ClientSecret string `json:"client_secret"`
	Message      string `json:"message"`
}

type clientPageResp struct {
	Clients    []clientView `json:"clients"`
	Page       int          `json:"page"`
	Limit      int          `json:"limit"`
	Total      int          `json:"total"`
	TotalPages int          `json:"total_pages"`
}

// Register creates a client.  The plaintext secret appears in this
// response only.
func (h *ClientHandler) Register(c echo.Context) error {
	var req registerClientReq
	if err := bind(c, &req); err != nil {
		return err
	}
	reg, err := h.svc.RegisterClient(c.Request().Context(), middleware.Actor(c), client.RegisterRequest{
		Name:            req.Name,
		Description:     req.Description,
		RedirectURIs:    req.RedirectURIs,
		Scopes:          req.Scopes,
		AllowedOrigins:  req.AllowedOrigins,
		ContactEmail:    req.ContactEmail,
		Website:         req.Website,
		LogoURL:         req.LogoURL,
		SecurityLevel:   req.SecurityLevel,
		TermsAccepted:   req.TermsAccepted,
		PrivacyAccepted: req.PrivacyAccepted,
	})
	if err != nil {
		return err
	}
	msg := "client registered"
	if reg.Client.Status == model.ClientPending {
		msg = "client registered, pending approval"
	}
	return c.JSON(http.StatusCreated, registerClientResp{
		clientView:   viewClient(reg.Client),
		ClientSecret: reg.Secret,
		Message:      msg,
	})
}

// List pages through clients: ?page=&limit=&status=&search=
func (h *ClientHandler) List(c echo.Context) error {
	page, _ := strconv.Atoi(c.QueryParam("page"))
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	p, err := h.svc.ListClients(c.Request().Context(), client.ListRequest{
		Page:   page,
		Limit:  limit,
		Status: c.QueryParam("status"),
		Search: c.QueryParam("search"),
	})
	if err != nil {
		return err
	}
	out := clientPageResp{Clients: make([]clientView, 0, len(p.Clients)), Page: p.Page, Limit: p.Limit, Total: p.Total, TotalPages: p.TotalPages}
	for _, cl := range p.Clients {
		out.Clients = append(out.Clients, viewClient(cl))
	}
	return c.JSON(http.StatusOK, out)
}

func (h *ClientHandler) Get(c echo.Context) error {
	cl, err := h.svc.GetClient(c.Request().Context(), c.Param("client_id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, viewClient(cl))
}

func (h *ClientHandler) Update(c echo.Context) error {
	var req updateClientReq
	if err := bind(c, &req); err != nil {
		return err
	}
	cl, err := h.svc.UpdateClient(c.Request().Context(), middleware.Actor(c), c.Param("client_id"), client.UpdateRequest{
		Name:                  req.Name,
		Description:           req.Description,
		RedirectURIs:          req.RedirectURIs,
		Scopes:                req.Scopes,
		AllowedOrigins:        req.AllowedOrigins,
		ContactEmail:          req.ContactEmail,
		Website:               req.Website,
		LogoURL:               req.LogoURL,
		Status:                req.Status,
		SecurityLevel:         req.SecurityLevel,
		TokenTTL:              seconds(req.TokenExpiry),
		RefreshTokenTTL:       seconds(req.RefreshTokenExpiry),
		RateLimitPerMinute:    req.RateLimitPerMinute,
		MaxConcurrentSessions: req.MaxConcurrentSessions,
		ResetViolations:       req.ResetViolations,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, viewClient(cl))
}

// Deactivate soft-deletes a client.
func (h *ClientHandler) Deactivate(c echo.Context) error {
	cl, err := h.svc.DeactivateClient(c.Request().Context(), middleware.Actor(c), c.Param("client_id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, echo.Map{"message": "client deactivated", "client": viewClient(cl)})
}

func seconds(n *int) *time.Duration {
	if n == nil {
		return nil
	}
	d := time.Duration(*n) * time.Second
	return &d
}

package model

import "time"

// Client statuses.
const (
	ClientActive   = "active"
	ClientInactive = "inactive"
	ClientPending  = "pending"
)

// Security levels a client may be registered with.
const (
	SecurityStandard = "standard"
	SecurityHigh     = "high"
	SecurityCritical = "critical"
)

// Client is a registered OAuth2 client (row of `sso_clients`).  The plaintext
// secret is never stored; SecretHash holds its bcrypt hash.  A zero TokenTTL or
// RefreshTokenTTL means the service-wide default applies.
type Client struct {
	ID                    string
	SecretHash            string
	Name                  string
	Description           string
	RedirectURIs          []string
	Scopes                []string
	AllowedOrigins        []string
	ContactEmail          string
	Website               string
	LogoURL               string
	Status                string
	IsActive              bool
	SecurityLevel         string
	SecurityViolations    int
	TokenTTL              time.Duration
	RefreshTokenTTL       time.Duration
	RateLimitPerMinute    int
	MaxConcurrentSessions int
	TermsAccepted         bool
	PrivacyAccepted       bool
	RegistrationIP        string
	CreatedAt             time.Time
	UpdatedAt             time.Time
	LastUsed              *time.Time
	DeactivatedAt         *time.Time
}

// HasRedirectURI reports whether uri is a literal member of the registered
// redirect URIs. No normalization is applied.
func (c Client) HasRedirectURI(uri string) bool {
	for _, r := range c.RedirectURIs {
		if r == uri {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so callers never share slices with a store.
func (c Client) Clone() Client {
	cp := c
	cp.RedirectURIs = append([]string(nil), c.RedirectURIs...)
	cp.Scopes = append([]string(nil), c.Scopes...)
	cp.AllowedOrigins = append([]string(nil), c.AllowedOrigins...)
	if c.LastUsed != nil {
		t := *c.LastUsed
		cp.LastUsed = &t
	}
	if c.DeactivatedAt != nil {
		t := *c.DeactivatedAt
		cp.DeactivatedAt = &t
	}
	return cp
}

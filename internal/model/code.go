package model

import "time"

// AuthorizationCode binds a single-use code to the user, client, redirect URI
// and scopes it was issued for.
type AuthorizationCode struct {
	Code        string       `json:"code"`
	ClientID    string       `json:"client_id"`
	RedirectURI string       `json:"redirect_uri"`
	User        UserSnapshot `json:"user"`
	Scopes      []string     `json:"scopes"`
	State       string       `json:"state,omitempty"`
	SessionID   string       `json:"session_id,omitempty"`
	IPAddress   string       `json:"ip_address,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	ExpiresAt   time.Time    `json:"expires_at"`
}

// Expired reports whether the code is past its absolute expiry at now.
func (c AuthorizationCode) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

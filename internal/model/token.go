package model

import "time"

// TokenType discriminates access and refresh tokens.
type TokenType string

const (
	AccessToken  TokenType = "access_token"
	RefreshToken TokenType = "refresh_token"
)

// TokenRecord mirrors an issued token server side.  Stores key records by the
// SHA-256 of the token string (Hash); the raw token is only held by the
// caller that received it.
//
// Fields:
//  Hash      – SHA-256 hex digest of the token value.
//  Type      – access or refresh.
//  UserID    – subject.
//  ClientID  – client the token was issued to.
//  SessionID – session the token belongs to.
//  Scopes    – granted scopes.
//  IPAddress – remote address at issuance.
//  IssuedAt  – issuance time.
//  ExpiresAt – natural expiry.
type TokenRecord struct {
	Hash      string
	Type      TokenType
	UserID    string
	Username  string
	ClientID  string
	SessionID string
	Scopes    []string
	IPAddress string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Expired reports whether the record is past its expiry at now.
func (r TokenRecord) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

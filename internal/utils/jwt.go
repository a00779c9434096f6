package utils // package utils provides helpers for token signing, hashing and random identifiers

import (
	"crypto/sha256" // SHA-256 digests used as store keys for tokens
	"encoding/hex"  // hex encoding of digests
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5" // JWT library for creating signed tokens
	"github.com/google/uuid"       // unique token ids (jti)
)

// Token type discriminators carried in the "typ" claim.
const (
	TypeAccess  = "access_token"
	TypeRefresh = "refresh_token"
)

// ErrInvalidToken is returned by Parse for any token that does not verify.
var ErrInvalidToken = errors.New("invalid token")

// Claims is the payload of every token the service signs.  The registered
// claims carry subject, issuer, audience, expiry, issued-at and a unique id;
// the private claims bind the token to a client, a session and its scopes.
type Claims struct {
	Username  string   `json:"username,omitempty"`
	Email     string   `json:"email,omitempty"`
	ClientID  string   `json:"client_id"`
	SessionID string   `json:"session_id"`
	Scopes    []string `json:"scopes"`
	Type      string   `json:"typ"`
	jwt.RegisteredClaims
}

// SignedToken is a signed JWT together with its identifying data.
type SignedToken struct {
	Token     string    // the serialized JWT string
	ID        string    // jti claim
	IssuedAt  time.Time // iat claim
	ExpiresAt time.Time // exp claim
}

// TokenSigner signs and verifies HS256 tokens for one issuer/audience pair.
type TokenSigner struct {
	secret   []byte
	issuer   string
	audience string
	now      func() time.Time
}

// NewTokenSigner builds a signer.  now may be nil, in which case time.Now is
// used.
func NewTokenSigner(secret, issuer, audience string, now func() time.Time) *TokenSigner {
	if now == nil {
		now = time.Now
	}
	return &TokenSigner{secret: []byte(secret), issuer: issuer, audience: audience, now: now}
}

// Sign fills in the registered claims and signs c with HS256.  The subject
// must already be set by the caller.
func (s *TokenSigner) Sign(c Claims, ttl time.Duration) (SignedToken, error) {
	// JWT timestamps have second precision; truncate so the record and the
	// claims agree exactly.
	now := s.now().UTC().Truncate(time.Second)
	exp := now.Add(ttl)
	c.Issuer = s.issuer
	c.Audience = jwt.ClaimStrings{s.audience}
	c.IssuedAt = jwt.NewNumericDate(now)
	c.NotBefore = jwt.NewNumericDate(now)
	c.ExpiresAt = jwt.NewNumericDate(exp)
	c.ID = uuid.NewString()

	t := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := t.SignedString(s.secret)
	if err != nil {
		return SignedToken{}, fmt.Errorf("sign token: %w", err)
	}
	return SignedToken{Token: signed, ID: c.ID, IssuedAt: now, ExpiresAt: exp}, nil
}

// Parse verifies the signature, issuer, audience and time claims of raw and
// returns its claims.  Only HMAC signatures are accepted.
func (s *TokenSigner) Parse(raw string) (*Claims, error) {
	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		// Reject any token not signed with HMAC; this blocks "none" and
		// asymmetric algorithm confusion.
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithAudience(s.audience),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil || !tok.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// HashToken returns the SHA-256 hash of a token as a hex string.  Stores key
// token records by this value so a leaked store does not leak usable tokens.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// TokenRef is a short, log-safe reference to a token.
func TokenRef(raw string) string {
	return HashToken(raw)[:8]
}

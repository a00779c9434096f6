package model

import "time"

// Session tracks a user's authenticated presence at one client across token
// rotations.  Sessions are values: every transition below returns a new
// snapshot and leaves the receiver untouched.
type Session struct {
	ID           string     `json:"session_id"`
	UserID       string     `json:"user_id"`
	ClientID     string     `json:"client_id"`
	Scopes       []string   `json:"scopes"`
	UserAgent    string     `json:"user_agent"`
	IPAddress    string     `json:"ip_address"`
	CreatedAt    time.Time  `json:"created_at"`
	LastActivity time.Time  `json:"last_activity"`
	ExpiresAt    time.Time  `json:"expires_at"`
	IsActive     bool       `json:"is_active"`
	LoginTime    time.Time  `json:"login_time"`
	LogoutTime   *time.Time `json:"logout_time,omitempty"`
	EndReason    string     `json:"end_reason,omitempty"`
	RefreshCount int        `json:"refresh_count"`
	RequestCount int        `json:"request_count"`
}

// Expired reports whether the absolute expiry has passed at now.
func (s Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// Touched records one request at now.
func (s Session) Touched(now time.Time, ip, userAgent string) Session {
	next := s.Clone()
	next.LastActivity = now
	next.RequestCount++
	if ip != "" {
		next.IPAddress = ip
	}
	if userAgent != "" {
		next.UserAgent = userAgent
	}
	return next
}

// Refreshed extends the expiry to now+ttl and counts the refresh.
func (s Session) Refreshed(now time.Time, ttl time.Duration) Session {
	next := s.Clone()
	next.LastActivity = now
	next.ExpiresAt = now.Add(ttl)
	next.RefreshCount++
	return next
}

// Ended marks the session inactive at now.
func (s Session) Ended(now time.Time, reason string) Session {
	next := s.Clone()
	next.IsActive = false
	next.LogoutTime = &now
	next.EndReason = reason
	return next
}

// Clone returns a deep copy of s.
func (s Session) Clone() Session {
	cp := s
	cp.Scopes = append([]string(nil), s.Scopes...)
	if s.LogoutTime != nil {
		t := *s.LogoutTime
		cp.LogoutTime = &t
	}
	return cp
}

// Session event actions.
const (
	SessionCreated   = "created"
	SessionRefreshed = "refreshed"
	SessionEnded     = "ended"
)

// SessionEvent is one entry of a session's audit history.
type SessionEvent struct {
	SessionID string    `json:"session_id"`
	Action    string    `json:"action"`
	Reason    string    `json:"reason,omitempty"`
	IPAddress string    `json:"ip_address,omitempty"`
	UserAgent string    `json:"user_agent,omitempty"`
	At        time.Time `json:"timestamp"`
}

package domain

import "time"

// Credential holds the OAuth material for one (user, provider) connection.
// There is at most one credential per pair; disconnecting clears the token
// fields but keeps the row.
type Credential struct {
	ID                  string
	UserID              string
	Provider            Provider
	AccessToken         string
	RefreshToken        string
	TokenType           string
	Scopes              []string
	ExpiresAt           time.Time
	LastRefreshAttempt  time.Time
	LastRefreshSuccess  time.Time
	RefreshFailures     int
	NextScheduledAt     time.Time
	HealthCheckFailures int
	RequiresReconnect   bool
	LastNotifiedAt      time.Time
	NotifyFailures      int
	Version             int64
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// IsExpired reports whether the access token is past its expiry.
func (c *Credential) IsExpired(now time.Time) bool {
	if c == nil || c.ExpiresAt.IsZero() {
		return true
	}
	return !c.ExpiresAt.After(now)
}

// IsExpiringSoon reports whether the token expires within the given window.
// Holds exactly when expiry - now <= window.
func (c *Credential) IsExpiringSoon(now time.Time, window time.Duration) bool {
	if c == nil || c.ExpiresAt.IsZero() {
		return true
	}
	return c.ExpiresAt.Sub(now) <= window
}

// CanBeRefreshed reports whether an automatic refresh is still worth
// attempting: a refresh token exists, no human intervention is pending, and
// the failure counter has not hit the ceiling.
func (c *Credential) CanBeRefreshed(maxFailures int) bool {
	if c == nil || c.RefreshToken == "" {
		return false
	}
	if c.RequiresReconnect {
		return false
	}
	return c.RefreshFailures < maxFailures
}

// HasValidConnection reports whether the connection is usable without forcing
// an immediate refresh: the token is still live, or it can be refreshed.
func (c *Credential) HasValidConnection(now time.Time, maxFailures int) bool {
	if c == nil {
		return false
	}
	return !c.IsExpired(now) || c.CanBeRefreshed(maxFailures)
}

// Disconnected reports whether the user has disconnected the provider
// (token material cleared, row retained).
func (c *Credential) Disconnected() bool {
	return c == nil || (c.AccessToken == "" && c.RefreshToken == "")
}

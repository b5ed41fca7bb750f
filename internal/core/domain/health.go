package domain

import "time"

// RawStatus is the coarse per-connection status used for display grouping.
type RawStatus string

const (
	RawHealthy      RawStatus = "healthy"
	RawDegraded     RawStatus = "degraded"
	RawUnhealthy    RawStatus = "unhealthy"
	RawDisconnected RawStatus = "disconnected"
)

// ConsolidatedStatus is the single derived health state for a connection.
// It is a cache of a deterministic computation over the credential and the
// health record, never an independent source of truth.
type ConsolidatedStatus string

const (
	StatusHealthy      ConsolidatedStatus = "healthy"
	StatusAuthRequired ConsolidatedStatus = "authentication_required"
	StatusConnIssues   ConsolidatedStatus = "connection_issues"
	StatusNotConnected ConsolidatedStatus = "not_connected"
)

// ConnectionHealth is the consolidated health record for one (user, provider)
// connection. One row per pair.
type ConnectionHealth struct {
	ID                 string
	UserID             string
	Provider           Provider
	Status             RawStatus
	Consolidated       ConsolidatedStatus
	ConsecutiveFails   int
	LastSuccessAt      time.Time
	LastErrorType      string
	LastErrorMessage   string
	LastErrorContext   map[string]string
	TokenExpiresAt     time.Time
	ReconnectRequired  bool
	LastRefreshAttempt time.Time
	RefreshFailures    int
	LastValidationOK   bool
	LastValidatedAt    time.Time
	UpdatedAt          time.Time
}

// HealthSnapshot is the compact health view stamped onto a transfer at the
// moment of a failure.
type HealthSnapshot struct {
	Consolidated     ConsolidatedStatus `json:"consolidated"`
	ConsecutiveFails int                `json:"consecutive_fails"`
	TokenExpiresAt   time.Time          `json:"token_expires_at"`
	TakenAt          time.Time          `json:"taken_at"`
}

// Snapshot captures the fields of h relevant to a transfer failure record.
func (h *ConnectionHealth) Snapshot(now time.Time) HealthSnapshot {
	if h == nil {
		return HealthSnapshot{Consolidated: StatusNotConnected, TakenAt: now}
	}
	return HealthSnapshot{
		Consolidated:     h.Consolidated,
		ConsecutiveFails: h.ConsecutiveFails,
		TokenExpiresAt:   h.TokenExpiresAt,
		TakenAt:          now,
	}
}

// Package health owns the consolidated health record per (user, provider)
// connection: a single derived status computed by a pure function from the
// credential and the recent operation outcomes, persisted as a cache.
package health

import (
	"time"

	"github.com/syncguard/syncguard/internal/classify"
	"github.com/syncguard/syncguard/internal/core/domain"
)

// Params are the tunables the consolidation function depends on. Passing them
// explicitly keeps the function pure and callable from the repair job with
// the same inputs the live path uses.
type Params struct {
	// MaxRefreshFailures is the automatic-refresh ceiling.
	MaxRefreshFailures int
	// AuthFailureThreshold is the consecutive auth-type failure count above
	// which the connection demands reconnection.
	AuthFailureThreshold int
	// FreshnessWindow bounds how old the last successful remote operation may
	// be for the connection to count as healthy.
	FreshnessWindow time.Duration
}

// DefaultParams returns the parameters used when no settings are available.
func DefaultParams() Params {
	return Params{
		MaxRefreshFailures:   5,
		AuthFailureThreshold: 2,
		FreshnessWindow:      24 * time.Hour,
	}
}

// DetermineConsolidatedStatus derives the single health state for a
// connection. It is pure: identical inputs always produce identical output,
// so the live scheduler and the backfill repair job can both call it safely.
//
// Precedence, most severe first:
//  1. intervention pending or repeated auth-type failures -> authentication_required
//  2. token unusable (expired and unrefreshable, or refresh ceiling hit) -> connection_issues
//  3. recent successful operation and no outstanding high/medium error -> healthy
//  4. otherwise -> not_connected
func DetermineConsolidatedStatus(
	cred *domain.Credential,
	h *domain.ConnectionHealth,
	now time.Time,
	p Params,
) domain.ConsolidatedStatus {
	if cred != nil && cred.RequiresReconnect {
		return domain.StatusAuthRequired
	}
	if h != nil && h.ConsecutiveFails > p.AuthFailureThreshold &&
		classify.ErrorType(h.LastErrorType).AuthRelated() {
		return domain.StatusAuthRequired
	}

	if cred == nil || cred.Disconnected() {
		return domain.StatusNotConnected
	}

	if cred.IsExpired(now) && !cred.CanBeRefreshed(p.MaxRefreshFailures) {
		return domain.StatusConnIssues
	}
	if cred.RefreshFailures >= p.MaxRefreshFailures {
		return domain.StatusConnIssues
	}

	if h != nil && !h.LastSuccessAt.IsZero() &&
		now.Sub(h.LastSuccessAt) <= p.FreshnessWindow &&
		!outstandingError(h) {
		return domain.StatusHealthy
	}

	return domain.StatusNotConnected
}

// outstandingError reports whether the record carries an unresolved error of
// high or medium severity. A success resets ConsecutiveFails, which resolves
// the error.
func outstandingError(h *domain.ConnectionHealth) bool {
	if h.ConsecutiveFails == 0 || h.LastErrorType == "" {
		return false
	}
	switch classify.ErrorType(h.LastErrorType).Severity() {
	case classify.SeverityHigh, classify.SeverityMedium:
		return true
	}
	return false
}

// RawStatusFor maps a consolidated status plus failure streak onto the
// coarser display status.
func RawStatusFor(consolidated domain.ConsolidatedStatus, consecutiveFails int) domain.RawStatus {
	switch consolidated {
	case domain.StatusHealthy:
		if consecutiveFails > 0 {
			return domain.RawDegraded
		}
		return domain.RawHealthy
	case domain.StatusAuthRequired, domain.StatusConnIssues:
		return domain.RawUnhealthy
	default:
		return domain.RawDisconnected
	}
}

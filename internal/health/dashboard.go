package health

import (
	"context"
	"fmt"
	"time"

	"github.com/syncguard/syncguard/internal/classify"
	"github.com/syncguard/syncguard/internal/core/domain"
)

// Dashboard is the reporting snapshot served to an external surface.
type Dashboard struct {
	GeneratedAt time.Time      `json:"generated_at"`
	WindowHours int            `json:"window_hours"`
	Summary     map[string]int `json:"summary"`
	Recent      []Operation    `json:"recent_operations"`
	Alerts      []Alert        `json:"active_alerts"`
}

// Operation is one recent transfer outcome.
type Operation struct {
	TransferID string    `json:"transfer_id"`
	UserID     string    `json:"user_id"`
	Provider   string    `json:"provider"`
	FileName   string    `json:"file_name"`
	State      string    `json:"state"`
	RetryCount int       `json:"retry_count"`
	ErrorType  string    `json:"error_type,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Alert flags a connection that needs attention.
type Alert struct {
	UserID    string `json:"user_id"`
	Provider  string `json:"provider"`
	Status    string `json:"status"`
	ErrorType string `json:"error_type,omitempty"`
	Message   string `json:"message,omitempty"`
}

const recentOperationLimit = 50

// Dashboard builds the snapshot for one provider (empty means all) over the
// given window.
func (t *Tracker) Dashboard(
	ctx context.Context,
	provider domain.Provider,
	windowHours int,
) (*Dashboard, error) {
	if windowHours <= 0 {
		windowHours = 24
	}
	now := t.now()
	since := now.Add(-time.Duration(windowHours) * time.Hour)

	records, err := t.store.Health.List(ctx, provider)
	if err != nil {
		return nil, fmt.Errorf("failed to list health records: %w", err)
	}
	updateStatusGauges(records)

	summary := make(map[string]int)
	var alerts []Alert
	for _, h := range records {
		summary[string(h.Consolidated)]++

		if alert, ok := alertFor(h); ok {
			alerts = append(alerts, alert)
		}
	}

	transfers, err := t.store.Transfers.ListRecent(ctx, provider, since, recentOperationLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent transfers: %w", err)
	}

	recent := make([]Operation, 0, len(transfers))
	for _, tr := range transfers {
		recent = append(recent, Operation{
			TransferID: tr.ID,
			UserID:     tr.UserID,
			Provider:   string(tr.Provider),
			FileName:   tr.FileName,
			State:      string(tr.State),
			RetryCount: tr.RetryCount,
			ErrorType:  tr.ErrorType,
			UpdatedAt:  tr.UpdatedAt,
		})
	}

	return &Dashboard{
		GeneratedAt: now,
		WindowHours: windowHours,
		Summary:     summary,
		Recent:      recent,
		Alerts:      alerts,
	}, nil
}

// alertFor raises an alert for connections demanding intervention or carrying
// an outstanding high-severity error.
func alertFor(h *domain.ConnectionHealth) (Alert, bool) {
	errType := classify.ErrorType(h.LastErrorType)

	switch {
	case h.Consolidated == domain.StatusAuthRequired:
	case h.ConsecutiveFails > 0 && errType.Severity() == classify.SeverityHigh:
	default:
		return Alert{}, false
	}

	return Alert{
		UserID:    h.UserID,
		Provider:  string(h.Provider),
		Status:    string(h.Consolidated),
		ErrorType: h.LastErrorType,
		Message:   h.LastErrorMessage,
	}, true
}

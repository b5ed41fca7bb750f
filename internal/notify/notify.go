// Package notify delivers user-facing escalation notifications for
// connection problems, throttled per (user, provider, condition) so a flapping
// connection cannot spam anyone.
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/syncguard/syncguard/internal/core/domain"
)

// Notification is one user-facing escalation.
type Notification struct {
	UserID    string
	Provider  domain.Provider
	Condition string
	Message   string
}

// Conditions used across the workers.
const (
	ConditionAuthRequired  = "authentication_required"
	ConditionRefreshFailed = "refresh_failed"
	ConditionUploadFailed  = "upload_failed"
)

// Notifier delivers a notification to the user.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier writes notifications to the structured log. Stands in for a
// real delivery channel (email, push) which lives outside this subsystem.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a log-backed notifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With("component", "notify")}
}

func (n *LogNotifier) Notify(ctx context.Context, msg Notification) error {
	n.logger.Warn("user notification",
		"user_id", msg.UserID,
		"provider", msg.Provider,
		"condition", msg.Condition,
		"message", msg.Message,
	)
	return nil
}

// ThrottleStore records one-shot throttle windows per
// (user, provider, condition). The redis client implements this for
// cross-process coordination; MemoryThrottle serves single-process runs.
type ThrottleStore interface {
	// MarkNotified opens a throttle window. Returns false without writing
	// when a window is already open.
	MarkNotified(ctx context.Context, userID, provider, condition string, window time.Duration) (bool, error)
}

package domain

import "time"

// TransferState tracks a pending upload through its lifecycle.
type TransferState string

const (
	TransferPending  TransferState = "pending"
	TransferRetrying TransferState = "retrying"
	TransferUploaded TransferState = "uploaded"
	TransferFailed   TransferState = "failed"
)

// Terminal reports whether the state admits no further automatic work.
func (s TransferState) Terminal() bool {
	return s == TransferUploaded || s == TransferFailed
}

// TransferError is one entry in a transfer's bounded error history.
type TransferError struct {
	At        time.Time         `json:"at"`
	ErrorType string            `json:"error_type"`
	Message   string            `json:"message"`
	Context   map[string]string `json:"context,omitempty"`
}

// MaxErrorHistory bounds the per-transfer error audit trail. Older entries
// are dropped, newest kept.
const MaxErrorHistory = 10

// PendingTransfer is one upload attempt queued for synchronization.
// RetryCount and RecoveryAttempts only ever grow until the transfer reaches a
// terminal state.
type PendingTransfer struct {
	ID               string
	UserID           string
	Provider         Provider
	FileName         string
	FileSize         int64
	State            TransferState
	RetryCount       int
	RecoveryAttempts int
	LastError        string
	ErrorHistory     []TransferError
	ErrorType        string
	ErrorContext     map[string]string
	HealthAtFailure  *HealthSnapshot
	RetryAfter       time.Time
	LastProcessedAt  time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// RecordError replaces the structured error context with the latest failure
// and appends it to the bounded history. Counters are the caller's business.
func (t *PendingTransfer) RecordError(now time.Time, errType, message string, context map[string]string) {
	t.LastError = message
	t.ErrorType = errType
	t.ErrorContext = context

	t.ErrorHistory = append(t.ErrorHistory, TransferError{
		At:        now,
		ErrorType: errType,
		Message:   message,
		Context:   context,
	})
	if len(t.ErrorHistory) > MaxErrorHistory {
		t.ErrorHistory = t.ErrorHistory[len(t.ErrorHistory)-MaxErrorHistory:]
	}
}

// IsStuck reports whether no progress has been recorded within the threshold.
func (t *PendingTransfer) IsStuck(now time.Time, threshold time.Duration) bool {
	if t.State.Terminal() {
		return false
	}
	last := t.LastProcessedAt
	if last.IsZero() {
		last = t.CreatedAt
	}
	return now.Sub(last) >= threshold
}

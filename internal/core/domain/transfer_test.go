package domain

import (
	"fmt"
	"testing"
	"time"
)

func TestRecordErrorBoundedHistory(t *testing.T) {
	tr := &PendingTransfer{State: TransferRetrying}
	base := time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC)

	for i := 0; i < MaxErrorHistory+5; i++ {
		tr.RecordError(base.Add(time.Duration(i)*time.Minute), "NETWORK_ERROR", fmt.Sprintf("attempt %d", i), nil)
	}

	if len(tr.ErrorHistory) != MaxErrorHistory {
		t.Fatalf("history length = %d, want %d", len(tr.ErrorHistory), MaxErrorHistory)
	}
	// Newest entry survives, oldest entries are dropped.
	last := tr.ErrorHistory[len(tr.ErrorHistory)-1]
	if last.Message != fmt.Sprintf("attempt %d", MaxErrorHistory+4) {
		t.Errorf("newest entry = %q, want the last recorded failure", last.Message)
	}
	first := tr.ErrorHistory[0]
	if first.Message != "attempt 5" {
		t.Errorf("oldest retained entry = %q, want %q", first.Message, "attempt 5")
	}
	if tr.LastError != last.Message {
		t.Errorf("LastError = %q, want %q", tr.LastError, last.Message)
	}
}

func TestRecordErrorReplacesContext(t *testing.T) {
	tr := &PendingTransfer{State: TransferPending}
	now := time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC)

	tr.RecordError(now, "API_QUOTA_EXCEEDED", "rate limited", map[string]string{"retry_after": "120"})
	tr.RecordError(now.Add(time.Minute), "NETWORK_ERROR", "connection reset", nil)

	if tr.ErrorType != "NETWORK_ERROR" {
		t.Errorf("ErrorType = %q, want NETWORK_ERROR", tr.ErrorType)
	}
	if tr.ErrorContext != nil {
		t.Errorf("ErrorContext = %v, want nil after latest failure", tr.ErrorContext)
	}
	if len(tr.ErrorHistory) != 2 {
		t.Errorf("history length = %d, want 2", len(tr.ErrorHistory))
	}
}

func TestIsStuck(t *testing.T) {
	now := time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC)
	threshold := 30 * time.Minute

	tests := []struct {
		name string
		tr   PendingTransfer
		want bool
	}{
		{
			"recently processed",
			PendingTransfer{State: TransferRetrying, LastProcessedAt: now.Add(-5 * time.Minute)},
			false,
		},
		{
			"idle past threshold",
			PendingTransfer{State: TransferRetrying, LastProcessedAt: now.Add(-time.Hour)},
			true,
		},
		{
			"exactly at threshold",
			PendingTransfer{State: TransferPending, LastProcessedAt: now.Add(-threshold)},
			true,
		},
		{
			"never processed, falls back to creation time",
			PendingTransfer{State: TransferPending, CreatedAt: now.Add(-time.Hour)},
			true,
		},
		{
			"terminal states are never stuck",
			PendingTransfer{State: TransferFailed, LastProcessedAt: now.Add(-24 * time.Hour)},
			false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.tr.IsStuck(now, threshold); got != tt.want {
				t.Errorf("IsStuck() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTransferStateTerminal(t *testing.T) {
	if TransferPending.Terminal() || TransferRetrying.Terminal() {
		t.Error("pending and retrying must admit further work")
	}
	if !TransferUploaded.Terminal() || !TransferFailed.Terminal() {
		t.Error("uploaded and failed must be terminal")
	}
}

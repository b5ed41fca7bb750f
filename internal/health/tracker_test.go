package health

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/syncguard/syncguard/internal/classify"
	"github.com/syncguard/syncguard/internal/core/domain"
	"github.com/syncguard/syncguard/internal/infra/storage"
	"github.com/syncguard/syncguard/internal/infra/storage/memory"
)

func newTestTracker(t *testing.T) (*Tracker, *storage.Storage) {
	t.Helper()
	store := memory.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewTracker(store, nil, logger), store
}

func seedCredential(t *testing.T, store *storage.Storage) *domain.Credential {
	t.Helper()
	cred := &domain.Credential{
		ID:           "cred-1",
		UserID:       "user-1",
		Provider:     domain.ProviderDropbox,
		AccessToken:  "at",
		RefreshToken: "rt",
		ExpiresAt:    time.Now().Add(2 * time.Hour),
	}
	if err := store.Credentials.Save(context.Background(), cred); err != nil {
		t.Fatalf("Save credential failed: %v", err)
	}
	return cred
}

func TestRecordSuccessCreatesHealthyRecord(t *testing.T) {
	ctx := context.Background()
	tracker, store := newTestTracker(t)
	seedCredential(t, store)

	if err := tracker.RecordSuccess(ctx, "user-1", domain.ProviderDropbox); err != nil {
		t.Fatalf("RecordSuccess failed: %v", err)
	}

	h, err := store.Health.Get(ctx, "user-1", domain.ProviderDropbox)
	if err != nil {
		t.Fatalf("Get health failed: %v", err)
	}
	if h.Consolidated != domain.StatusHealthy {
		t.Errorf("expected healthy, got %s", h.Consolidated)
	}
	if h.Status != domain.RawHealthy {
		t.Errorf("expected raw healthy, got %s", h.Status)
	}
	if h.ConsecutiveFails != 0 {
		t.Errorf("expected zero fails, got %d", h.ConsecutiveFails)
	}
}

func TestRecordFailureAccumulatesAndEscalates(t *testing.T) {
	ctx := context.Background()
	tracker, store := newTestTracker(t)
	seedCredential(t, store)

	if err := tracker.RecordSuccess(ctx, "user-1", domain.ProviderDropbox); err != nil {
		t.Fatalf("RecordSuccess failed: %v", err)
	}

	cerr := &classify.ClassifiedError{Type: classify.TokenExpired, Cause: errors.New("401")}
	for i := 0; i < 3; i++ {
		if err := tracker.RecordFailure(ctx, "user-1", domain.ProviderDropbox, cerr); err != nil {
			t.Fatalf("RecordFailure %d failed: %v", i, err)
		}
	}

	h, err := store.Health.Get(ctx, "user-1", domain.ProviderDropbox)
	if err != nil {
		t.Fatalf("Get health failed: %v", err)
	}
	if h.ConsecutiveFails != 3 {
		t.Errorf("expected 3 consecutive fails, got %d", h.ConsecutiveFails)
	}
	if h.LastErrorType != string(classify.TokenExpired) {
		t.Errorf("expected TOKEN_EXPIRED, got %s", h.LastErrorType)
	}
	// Three consecutive auth failures exceed the default threshold of two.
	if h.Consolidated != domain.StatusAuthRequired {
		t.Errorf("expected authentication_required, got %s", h.Consolidated)
	}
}

func TestSuccessResetsFailureStreak(t *testing.T) {
	ctx := context.Background()
	tracker, store := newTestTracker(t)
	seedCredential(t, store)

	cerr := &classify.ClassifiedError{Type: classify.NetworkError, Cause: errors.New("conn reset")}
	for i := 0; i < 2; i++ {
		if err := tracker.RecordFailure(ctx, "user-1", domain.ProviderDropbox, cerr); err != nil {
			t.Fatalf("RecordFailure failed: %v", err)
		}
	}
	if err := tracker.RecordSuccess(ctx, "user-1", domain.ProviderDropbox); err != nil {
		t.Fatalf("RecordSuccess failed: %v", err)
	}

	h, _ := store.Health.Get(ctx, "user-1", domain.ProviderDropbox)
	if h.ConsecutiveFails != 0 {
		t.Errorf("expected reset streak, got %d", h.ConsecutiveFails)
	}
	if h.Consolidated != domain.StatusHealthy {
		t.Errorf("expected healthy after success, got %s", h.Consolidated)
	}
}

func TestRecordValidationOutcomes(t *testing.T) {
	ctx := context.Background()
	tracker, store := newTestTracker(t)
	seedCredential(t, store)

	if err := tracker.RecordValidation(ctx, "user-1", domain.ProviderDropbox, true, nil); err != nil {
		t.Fatalf("RecordValidation failed: %v", err)
	}
	h, _ := store.Health.Get(ctx, "user-1", domain.ProviderDropbox)
	if !h.LastValidationOK {
		t.Error("expected passing validation recorded")
	}
	if h.Consolidated != domain.StatusHealthy {
		t.Errorf("expected healthy after passing test, got %s", h.Consolidated)
	}

	cerr := &classify.ClassifiedError{Type: classify.InvalidCredentials, Cause: errors.New("403")}
	if err := tracker.RecordValidation(ctx, "user-1", domain.ProviderDropbox, false, cerr); err != nil {
		t.Fatalf("RecordValidation failed: %v", err)
	}
	h, _ = store.Health.Get(ctx, "user-1", domain.ProviderDropbox)
	if h.LastValidationOK {
		t.Error("expected failing validation recorded")
	}
	if h.LastErrorType != string(classify.InvalidCredentials) {
		t.Errorf("expected INVALID_CREDENTIALS, got %s", h.LastErrorType)
	}
}

func TestRepairIsIdempotent(t *testing.T) {
	ctx := context.Background()
	tracker, store := newTestTracker(t)
	seedCredential(t, store)

	if err := tracker.RecordSuccess(ctx, "user-1", domain.ProviderDropbox); err != nil {
		t.Fatalf("RecordSuccess failed: %v", err)
	}

	// Corrupt the cached consolidated status; repair must restore it.
	h, _ := store.Health.Get(ctx, "user-1", domain.ProviderDropbox)
	h.Consolidated = domain.StatusConnIssues
	if err := store.Health.Upsert(ctx, h, time.Now()); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	n, err := tracker.Repair(ctx)
	if err != nil {
		t.Fatalf("Repair failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 repaired row, got %d", n)
	}
	h, _ = store.Health.Get(ctx, "user-1", domain.ProviderDropbox)
	if h.Consolidated != domain.StatusHealthy {
		t.Errorf("expected repaired healthy, got %s", h.Consolidated)
	}

	// Second run recomputes the same statuses.
	if _, err := tracker.Repair(ctx); err != nil {
		t.Fatalf("second Repair failed: %v", err)
	}
	again, _ := store.Health.Get(ctx, "user-1", domain.ProviderDropbox)
	if again.Consolidated != h.Consolidated {
		t.Errorf("repair not idempotent: %s then %s", h.Consolidated, again.Consolidated)
	}
}

func TestStaleWriteIsDiscarded(t *testing.T) {
	ctx := context.Background()
	tracker, store := newTestTracker(t)
	seedCredential(t, store)

	if err := tracker.RecordSuccess(ctx, "user-1", domain.ProviderDropbox); err != nil {
		t.Fatalf("RecordSuccess failed: %v", err)
	}

	// A computation that started before the last write must lose silently.
	tracker.now = func() time.Time { return time.Now().Add(-time.Minute) }
	if err := tracker.RecordFailure(ctx, "user-1", domain.ProviderDropbox,
		&classify.ClassifiedError{Type: classify.NetworkError, Cause: errors.New("late")}); err != nil {
		t.Fatalf("expected stale write to be swallowed, got %v", err)
	}

	h, _ := store.Health.Get(ctx, "user-1", domain.ProviderDropbox)
	if h.ConsecutiveFails != 0 {
		t.Errorf("stale write landed: %d fails", h.ConsecutiveFails)
	}
}

func TestDashboardSummaryAndAlerts(t *testing.T) {
	ctx := context.Background()
	tracker, store := newTestTracker(t)
	seedCredential(t, store)

	cerr := &classify.ClassifiedError{Type: classify.TokenExpired, Cause: errors.New("401")}
	for i := 0; i < 3; i++ {
		if err := tracker.RecordFailure(ctx, "user-1", domain.ProviderDropbox, cerr); err != nil {
			t.Fatalf("RecordFailure failed: %v", err)
		}
	}

	if err := store.Transfers.Save(ctx, &domain.PendingTransfer{
		ID:       "tr-1",
		UserID:   "user-1",
		Provider: domain.ProviderDropbox,
		FileName: "report.pdf",
		State:    domain.TransferRetrying,
	}); err != nil {
		t.Fatalf("Save transfer failed: %v", err)
	}

	snap, err := tracker.Dashboard(ctx, domain.ProviderDropbox, 24)
	if err != nil {
		t.Fatalf("Dashboard failed: %v", err)
	}
	if snap.Summary[string(domain.StatusAuthRequired)] != 1 {
		t.Errorf("expected one authentication_required connection, got %v", snap.Summary)
	}
	if len(snap.Alerts) != 1 {
		t.Fatalf("expected one alert, got %d", len(snap.Alerts))
	}
	if snap.Alerts[0].ErrorType != string(classify.TokenExpired) {
		t.Errorf("unexpected alert error type %s", snap.Alerts[0].ErrorType)
	}
	if len(snap.Recent) != 1 || snap.Recent[0].FileName != "report.pdf" {
		t.Errorf("unexpected recent operations: %+v", snap.Recent)
	}
}

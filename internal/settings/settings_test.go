package settings

import (
	"context"
	"testing"
	"time"

	"github.com/syncguard/syncguard/internal/infra/storage/memory"
)

func newService() *Service {
	return NewService(memory.New().Settings)
}

func TestSetAndGetIntegerRoundTrip(t *testing.T) {
	ctx := context.Background()
	svc := newService()

	if err := svc.Set(ctx, "timing.max_retry_attempts", "7", false); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	v, err := svc.Get(ctx, "timing.max_retry_attempts")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got, ok := v.(int); !ok || got != 7 {
		t.Errorf("expected int 7, got %T %v", v, v)
	}
}

func TestSetRejectsUnknownKey(t *testing.T) {
	svc := newService()
	if err := svc.Set(context.Background(), "timing.made_up_key", "5", false); err == nil {
		t.Error("expected error for key outside the allow-list")
	}
}

func TestSetEnforcesBounds(t *testing.T) {
	ctx := context.Background()
	svc := newService()

	cases := []struct {
		name    string
		key     string
		value   string
		wantErr bool
	}{
		{"below minimum", "timing.proactive_refresh_window_minutes", "0", true},
		{"above maximum", "timing.proactive_refresh_window_minutes", "61", true},
		{"at minimum", "timing.proactive_refresh_window_minutes", "1", false},
		{"at maximum", "timing.proactive_refresh_window_minutes", "60", false},
		{"non-integer", "timing.proactive_refresh_window_minutes", "abc", true},
		{"bool accepts true", "features.auto_refresh_enabled", "true", false},
		{"bool rejects garbage", "features.auto_refresh_enabled", "yes", true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := svc.Set(ctx, tc.key, tc.value, false)
			if tc.wantErr && err == nil {
				t.Errorf("expected error for %s=%s", tc.key, tc.value)
			}
			if !tc.wantErr && err != nil {
				t.Errorf("unexpected error for %s=%s: %v", tc.key, tc.value, err)
			}
		})
	}
}

func TestSetRequiresConfirmation(t *testing.T) {
	ctx := context.Background()
	svc := newService()

	if err := svc.Set(ctx, "features.upload_recovery_enabled", "false", false); err == nil {
		t.Error("expected confirmation error")
	}
	if err := svc.Set(ctx, "features.upload_recovery_enabled", "false", true); err != nil {
		t.Errorf("confirmed set failed: %v", err)
	}

	v, err := svc.Get(ctx, "features.upload_recovery_enabled")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got, ok := v.(bool); !ok || got {
		t.Errorf("expected false after confirmed set, got %T %v", v, v)
	}
}

func TestGetReturnsDefaultWhenUnset(t *testing.T) {
	svc := newService()

	v, err := svc.Get(context.Background(), "notifications.throttle_hours")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got := v.(int); got != 24 {
		t.Errorf("expected default 24, got %d", got)
	}
}

func TestSnapshotUsesStoredAndDefaultValues(t *testing.T) {
	ctx := context.Background()
	svc := newService()

	if err := svc.Set(ctx, "timing.stuck_threshold_minutes", "45", false); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := svc.Set(ctx, "features.notifications_enabled", "false", false); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	snap, err := svc.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if snap.StuckThreshold != 45*time.Minute {
		t.Errorf("expected 45m stuck threshold, got %v", snap.StuckThreshold)
	}
	if snap.NotificationsEnabled {
		t.Error("expected notifications disabled")
	}
	if snap.RefreshInterval != 15*time.Minute {
		t.Errorf("expected default 15m refresh interval, got %v", snap.RefreshInterval)
	}
	if snap.MaxRecoveryAttempts != 3 {
		t.Errorf("expected default 3 recovery attempts, got %d", snap.MaxRecoveryAttempts)
	}
}

func TestSnapshotFallsBackOnInvalidStoredValue(t *testing.T) {
	ctx := context.Background()
	store := memory.New().Settings

	// Write an out-of-range value directly, bypassing validation.
	if err := store.Upsert(ctx, "timing.max_retry_attempts", "999"); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	svc := NewService(store)
	snap, err := svc.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if snap.MaxRetryAttempts != 5 {
		t.Errorf("expected fallback to default 5, got %d", snap.MaxRetryAttempts)
	}
}

func TestValidateReportsViolations(t *testing.T) {
	ctx := context.Background()
	store := memory.New().Settings

	if err := store.Upsert(ctx, "timing.max_retry_attempts", "50"); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if err := store.Upsert(ctx, "timing.rogue_key", "oops"); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	svc := NewService(store)
	errs := svc.Validate(ctx)
	// Out-of-range value, unknown key, and the unknown key's non-integer value.
	if len(errs) != 3 {
		t.Fatalf("expected 3 violations, got %d: %v", len(errs), errs)
	}
}

func TestClearCacheForcesReload(t *testing.T) {
	ctx := context.Background()
	store := memory.New().Settings
	svc := NewService(store)

	if _, err := svc.Get(ctx, "timing.max_retry_attempts"); err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	// Out-of-band write is invisible until the cache is cleared.
	if err := store.Upsert(ctx, "timing.max_retry_attempts", "9"); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	v, _ := svc.Get(ctx, "timing.max_retry_attempts")
	if v.(int) != 5 {
		t.Errorf("expected cached default 5, got %v", v)
	}

	svc.ClearCache()
	v, err := svc.Get(ctx, "timing.max_retry_attempts")
	if err != nil {
		t.Fatalf("Get after ClearCache failed: %v", err)
	}
	if v.(int) != 9 {
		t.Errorf("expected reloaded value 9, got %v", v)
	}
}

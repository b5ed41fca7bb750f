package recovery

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/syncguard/syncguard/internal/classify"
	"github.com/syncguard/syncguard/internal/core/domain"
	"github.com/syncguard/syncguard/internal/health"
	"github.com/syncguard/syncguard/internal/infra/storage"
	"github.com/syncguard/syncguard/internal/infra/storage/memory"
	"github.com/syncguard/syncguard/internal/settings"
)

type fakeStorageClient struct {
	err   error
	calls int
}

func (f *fakeStorageClient) Upload(
	ctx context.Context,
	cred *domain.Credential,
	t *domain.PendingTransfer,
) error {
	f.calls++
	return f.err
}

type failingTransfers struct {
	storage.TransferRepository
}

type failingCredentials struct {
	storage.CredentialRepository
}

func (failingCredentials) Get(
	ctx context.Context,
	userID string,
	provider domain.Provider,
) (*domain.Credential, error) {
	return nil, errors.New("connection refused")
}

func (failingTransfers) ListActive(
	ctx context.Context,
	now time.Time,
	limit int,
) ([]*domain.PendingTransfer, error) {
	return nil, errors.New("connection refused")
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testSnapshot(ctx context.Context) (settings.Snapshot, error) {
	return settings.Snapshot{
		RefreshInterval:       15 * time.Minute,
		MaxRetryAttempts:      3,
		MaxRecoveryAttempts:   3,
		StuckThreshold:        30 * time.Minute,
		NotifyThrottle:        24 * time.Hour,
		UploadRecoveryEnabled: true,
	}, nil
}

func newCoordinator(store *storage.Storage, client StorageClient) *Coordinator {
	tracker := health.NewTracker(store, nil, testLogger())
	return NewCoordinator(store, client, tracker, nil, testSnapshot, testLogger())
}

func seed(t *testing.T, store *storage.Storage) {
	t.Helper()
	cred := &domain.Credential{
		ID:           "cred-1",
		UserID:       "user-1",
		Provider:     domain.ProviderDropbox,
		AccessToken:  "at",
		RefreshToken: "rt",
		ExpiresAt:    time.Now().Add(time.Hour),
	}
	if err := store.Credentials.Save(context.Background(), cred); err != nil {
		t.Fatalf("Save credential failed: %v", err)
	}
}

func TestNetworkFailuresExhaustRetries(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	seed(t, store)

	client := &fakeStorageClient{err: errors.New("connection reset by peer")}
	coord := newCoordinator(store, client)

	tr, err := coord.Enqueue(ctx, "user-1", domain.ProviderDropbox, "photo.jpg", 1024)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if tr.State != domain.TransferPending {
		t.Fatalf("expected pending, got %s", tr.State)
	}

	// First two failures keep the transfer retryable.
	for attempt := 1; attempt <= 2; attempt++ {
		coord.Tick(ctx)
		got, _ := store.Transfers.Get(ctx, tr.ID)
		if got.State != domain.TransferRetrying {
			t.Fatalf("attempt %d: expected retrying, got %s", attempt, got.State)
		}
		if got.RetryCount != attempt {
			t.Errorf("attempt %d: expected retry count %d, got %d", attempt, attempt, got.RetryCount)
		}
		if got.ErrorType != string(classify.NetworkError) {
			t.Errorf("attempt %d: expected NETWORK_ERROR, got %s", attempt, got.ErrorType)
		}
	}

	// Third failure exhausts max_retry_attempts = 3.
	coord.Tick(ctx)
	got, _ := store.Transfers.Get(ctx, tr.ID)
	if got.State != domain.TransferFailed {
		t.Fatalf("expected failed after third attempt, got %s", got.State)
	}
	if got.RetryCount != 3 {
		t.Errorf("expected retry count 3, got %d", got.RetryCount)
	}
	if got.ErrorType != string(classify.NetworkError) {
		t.Errorf("expected NETWORK_ERROR preserved, got %s", got.ErrorType)
	}

	// Terminal transfers are no longer picked up.
	calls := client.calls
	coord.Tick(ctx)
	if client.calls != calls {
		t.Error("terminal transfer was retried")
	}
}

func TestUnrecoverableErrorFailsWithoutRetry(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	seed(t, store)

	client := &fakeStorageClient{err: &classify.StatusError{StatusCode: 403, Body: "insufficient scope"}}
	coord := newCoordinator(store, client)

	tr, _ := coord.Enqueue(ctx, "user-1", domain.ProviderDropbox, "doc.txt", 64)

	// First tick records the failure; the stored error is unrecoverable, so
	// the next tick finalizes without another upload call.
	coord.Tick(ctx)
	got, _ := store.Transfers.Get(ctx, tr.ID)
	if got.RetryCount != 1 {
		t.Fatalf("expected 1 attempt, got %d", got.RetryCount)
	}
	if got.State != domain.TransferFailed {
		t.Fatalf("expected failed, got %s", got.State)
	}
	if client.calls != 1 {
		t.Errorf("expected exactly 1 upload call, got %d", client.calls)
	}
}

func TestTerminalMessageIsRendered(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	seed(t, store)

	client := &fakeStorageClient{err: &classify.StatusError{StatusCode: 401, Body: "expired"}}
	coord := newCoordinator(store, client)

	tr, _ := coord.Enqueue(ctx, "user-1", domain.ProviderDropbox, "doc.txt", 64)
	coord.Tick(ctx)

	got, _ := store.Transfers.Get(ctx, tr.ID)
	if got.State != domain.TransferFailed {
		t.Fatalf("expected failed, got %s", got.State)
	}
	if !strings.Contains(got.LastError, "Dropbox") {
		t.Errorf("terminal message missing provider name: %q", got.LastError)
	}
	if strings.Contains(got.LastError, "%s") {
		t.Errorf("unrendered template: %q", got.LastError)
	}
}

func TestCountersOnlyGrow(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	seed(t, store)

	client := &fakeStorageClient{err: errors.New("timeout awaiting response")}
	coord := newCoordinator(store, client)

	tr, _ := coord.Enqueue(ctx, "user-1", domain.ProviderDropbox, "a.bin", 10)

	prev := 0
	for i := 0; i < 4; i++ {
		coord.Tick(ctx)
		got, _ := store.Transfers.Get(ctx, tr.ID)
		if got.RetryCount < prev {
			t.Fatalf("retry count shrank from %d to %d", prev, got.RetryCount)
		}
		prev = got.RetryCount
	}
}

func TestFailureStampsHealthSnapshotAndHistory(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	seed(t, store)

	client := &fakeStorageClient{err: errors.New("connection reset by peer")}
	coord := newCoordinator(store, client)

	// Establish a health record first so the snapshot has content.
	if err := coord.tracker.RecordSuccess(ctx, "user-1", domain.ProviderDropbox); err != nil {
		t.Fatalf("RecordSuccess failed: %v", err)
	}

	tr, _ := coord.Enqueue(ctx, "user-1", domain.ProviderDropbox, "a.bin", 10)
	coord.Tick(ctx)

	got, _ := store.Transfers.Get(ctx, tr.ID)
	if got.HealthAtFailure == nil {
		t.Fatal("expected health snapshot stamped on failure")
	}
	if got.HealthAtFailure.Consolidated != domain.StatusHealthy {
		t.Errorf("snapshot should show pre-failure status, got %s", got.HealthAtFailure.Consolidated)
	}
	if len(got.ErrorHistory) != 1 {
		t.Fatalf("expected 1 history entry, got %d", len(got.ErrorHistory))
	}
	if got.ErrorHistory[0].ErrorType != string(classify.NetworkError) {
		t.Errorf("unexpected history entry: %+v", got.ErrorHistory[0])
	}
}

func TestSuccessMarksUploaded(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	seed(t, store)

	client := &fakeStorageClient{}
	coord := newCoordinator(store, client)

	tr, _ := coord.Enqueue(ctx, "user-1", domain.ProviderDropbox, "a.bin", 10)
	coord.Tick(ctx)

	got, _ := store.Transfers.Get(ctx, tr.ID)
	if got.State != domain.TransferUploaded {
		t.Fatalf("expected uploaded, got %s", got.State)
	}

	h, err := store.Health.Get(ctx, "user-1", domain.ProviderDropbox)
	if err != nil {
		t.Fatalf("expected health record after success: %v", err)
	}
	if h.Consolidated != domain.StatusHealthy {
		t.Errorf("expected healthy after upload, got %s", h.Consolidated)
	}
}

func TestMissingCredentialFailsAsReconnectCondition(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	// No credential seeded for this pair.

	client := &fakeStorageClient{}
	coord := newCoordinator(store, client)

	tr, _ := coord.Enqueue(ctx, "user-1", domain.ProviderDropbox, "a.bin", 10)
	coord.Tick(ctx)

	got, _ := store.Transfers.Get(ctx, tr.ID)
	if got.State != domain.TransferFailed {
		t.Fatalf("expected failed, got %s", got.State)
	}
	if got.ErrorType != string(classify.InvalidCredentials) {
		t.Errorf("expected INVALID_CREDENTIALS, got %s", got.ErrorType)
	}
	if !strings.Contains(got.LastError, "reconnect") {
		t.Errorf("terminal message should ask the user to reconnect: %q", got.LastError)
	}
	if client.calls != 0 {
		t.Errorf("expected no upload attempt without a credential, got %d", client.calls)
	}

	status, err := coord.tracker.Status(ctx, "user-1", domain.ProviderDropbox)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status != domain.StatusNotConnected {
		t.Errorf("expected not_connected, got %s", status)
	}
}

func TestCredentialLookupOutageLeavesTransferUntouched(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	seed(t, store)

	client := &fakeStorageClient{}
	coord := newCoordinator(store, client)

	tr, _ := coord.Enqueue(ctx, "user-1", domain.ProviderDropbox, "a.bin", 10)
	store.Credentials = failingCredentials{store.Credentials}
	coord.Tick(ctx)

	got, _ := store.Transfers.Get(ctx, tr.ID)
	if got.State != domain.TransferPending {
		t.Fatalf("expected pending, got %s", got.State)
	}
	if got.RetryCount != 0 {
		t.Errorf("persistence outage must not move the retry counter, got %d", got.RetryCount)
	}
	if client.calls != 0 {
		t.Errorf("expected no upload attempt, got %d", client.calls)
	}
}

func TestTickSkipsWhenStorageUnreachable(t *testing.T) {
	store := memory.New()
	seed(t, store)

	client := &fakeStorageClient{}
	coord := newCoordinator(store, client)
	store.Transfers = failingTransfers{store.Transfers}

	coord.Tick(context.Background())
	if client.calls != 0 {
		t.Error("tick with unreachable storage must not attempt uploads")
	}
}

func TestTickRespectsFeatureFlag(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	seed(t, store)

	client := &fakeStorageClient{}
	tracker := health.NewTracker(store, nil, testLogger())
	coord := NewCoordinator(store, client, tracker, nil,
		func(ctx context.Context) (settings.Snapshot, error) {
			snap, _ := testSnapshot(ctx)
			snap.UploadRecoveryEnabled = false
			return snap, nil
		},
		testLogger(),
	)

	if _, err := coord.Enqueue(ctx, "user-1", domain.ProviderDropbox, "a.bin", 10); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	coord.Tick(ctx)
	if client.calls != 0 {
		t.Error("disabled upload recovery still attempted an upload")
	}
}

// Package conntest runs human-initiated connection tests: a live probe
// against the provider's storage API, rate-limited per identity, with the
// outcome recorded on the connection's health.
package conntest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/syncguard/syncguard/internal/classify"
	"github.com/syncguard/syncguard/internal/core/domain"
	"github.com/syncguard/syncguard/internal/health"
	"github.com/syncguard/syncguard/internal/infra/storage"
	"github.com/syncguard/syncguard/internal/ratelimit"
)

// ErrRateLimited is returned when the identity has exhausted its manual-test
// allowance or is inside the post-test cooldown.
var ErrRateLimited = errors.New("connection test rate limit exceeded")

// Prober performs the live storage-API check. Implementations live outside
// this subsystem.
type Prober interface {
	Probe(ctx context.Context, cred *domain.Credential) error
}

// Result is the outcome of one manual connection test.
type Result struct {
	OK        bool                      `json:"ok"`
	Status    domain.ConsolidatedStatus `json:"status"`
	ErrorType string                    `json:"error_type,omitempty"`
	Message   string                    `json:"message,omitempty"`
	TestedAt  time.Time                 `json:"tested_at"`
}

// Service runs manual connection tests.
type Service struct {
	store   *storage.Storage
	tracker *health.Tracker
	prober  Prober
	limiter *ratelimit.TestLimiter
	logger  *slog.Logger

	probeTimeout time.Duration
	now          func() time.Time
}

// NewService creates the connection test service.
func NewService(
	store *storage.Storage,
	tracker *health.Tracker,
	prober Prober,
	limiter *ratelimit.TestLimiter,
	logger *slog.Logger,
) *Service {
	return &Service{
		store:        store,
		tracker:      tracker,
		prober:       prober,
		limiter:      limiter,
		logger:       logger.With("component", "conntest"),
		probeTimeout: 30 * time.Second,
		now:          time.Now,
	}
}

// TestConnection probes the provider once for the given pair and records the
// outcome. Returns ErrRateLimited without probing when the identity is over
// its allowance.
func (s *Service) TestConnection(
	ctx context.Context,
	userID string,
	provider domain.Provider,
) (*Result, error) {
	identity := userID + ":" + string(provider)
	if !s.limiter.Allow(identity) {
		return nil, ErrRateLimited
	}
	defer s.limiter.Completed(identity)

	cred, err := s.store.Credentials.Get(ctx, userID, provider)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return &Result{
				OK:       false,
				Status:   domain.StatusNotConnected,
				TestedAt: s.now(),
			}, nil
		}
		return nil, fmt.Errorf("failed to load credential: %w", err)
	}

	pctx, cancel := context.WithTimeout(ctx, s.probeTimeout)
	probeErr := s.prober.Probe(pctx, cred)
	cancel()

	var cerr *classify.ClassifiedError
	if probeErr != nil {
		cerr = classify.Classify(probeErr)
	}

	s.recordCheckOutcome(ctx, cred, probeErr == nil)

	if err := s.tracker.RecordValidation(ctx, userID, provider, probeErr == nil, cerr); err != nil {
		s.logger.Warn("failed to record test outcome", "error", err)
	}

	status, err := s.tracker.Status(ctx, userID, provider)
	if err != nil {
		return nil, err
	}

	result := &Result{
		OK:       probeErr == nil,
		Status:   status,
		TestedAt: s.now(),
	}
	if cerr != nil {
		result.ErrorType = string(cerr.Type)
		result.Message = classify.UserMessage(cerr.Type, provider, cerr.Context)
	}

	s.logger.Info("connection test finished",
		"user_id", userID,
		"provider", provider,
		"ok", result.OK,
		"status", result.Status,
	)
	return result, nil
}

// recordCheckOutcome keeps the credential's consecutive health-check failure
// counter current. Best-effort: a concurrent writer winning the version race
// just means the counter moves on the next test.
func (s *Service) recordCheckOutcome(ctx context.Context, cred *domain.Credential, ok bool) {
	if ok && cred.HealthCheckFailures == 0 {
		return
	}
	if ok {
		cred.HealthCheckFailures = 0
	} else {
		cred.HealthCheckFailures++
	}
	if err := s.store.Credentials.Update(ctx, cred); err != nil && !errors.Is(err, storage.ErrVersionConflict) {
		s.logger.Warn("failed to persist health check counter", "error", err)
	}
}

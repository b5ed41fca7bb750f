// Package settings implements the admin-tunable runtime configuration: a
// fixed allow-list of typed, bounded keys persisted as key/value rows and
// served to components as an immutable snapshot.
package settings

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/syncguard/syncguard/internal/infra/storage"
)

// ValueType is the coerced type of a setting value.
type ValueType int

const (
	TypeString ValueType = iota
	TypeInt
	TypeBool
)

// KeySpec describes one allow-listed key: its coerced type, integer bounds,
// default, and whether mutation needs an explicit confirmation flag.
type KeySpec struct {
	Type           ValueType
	Min, Max       int
	Default        string
	RequireConfirm bool
}

// Keys is the fixed allow-list of modifiable settings. Keys outside this map
// are rejected by Set.
var Keys = map[string]KeySpec{
	"timing.proactive_refresh_window_minutes":    {Type: TypeInt, Min: 1, Max: 60, Default: "15"},
	"timing.background_refresh_interval_minutes": {Type: TypeInt, Min: 5, Max: 120, Default: "15"},
	"timing.max_retry_attempts":                  {Type: TypeInt, Min: 1, Max: 10, Default: "5"},
	"timing.max_recovery_attempts":               {Type: TypeInt, Min: 1, Max: 10, Default: "3"},
	"timing.stuck_threshold_minutes":             {Type: TypeInt, Min: 5, Max: 240, Default: "30"},
	"timing.health_freshness_hours":              {Type: TypeInt, Min: 1, Max: 168, Default: "24"},
	"notifications.throttle_hours":               {Type: TypeInt, Min: 1, Max: 168, Default: "24"},
	"rate_limiting.manual_tests_per_hour":        {Type: TypeInt, Min: 1, Max: 100, Default: "10"},
	"features.auto_refresh_enabled":              {Type: TypeBool, Default: "true"},
	"features.upload_recovery_enabled":           {Type: TypeBool, Default: "true", RequireConfirm: true},
	"features.notifications_enabled":             {Type: TypeBool, Default: "true"},
}

// coercedType applies the namespace rule for keys without an explicit spec:
// features.* are boolean; timing.*, rate_limiting.*, notifications.* are
// integers; everything else is a string.
func coercedType(key string) ValueType {
	switch {
	case strings.HasPrefix(key, "features."):
		return TypeBool
	case strings.HasPrefix(key, "timing."),
		strings.HasPrefix(key, "rate_limiting."),
		strings.HasPrefix(key, "notifications."):
		return TypeInt
	}
	return TypeString
}

// Snapshot is the immutable typed view handed to components. Components hold
// a snapshot for the duration of one tick and re-read it on the next.
type Snapshot struct {
	ProactiveRefreshWindow time.Duration
	RefreshInterval        time.Duration
	MaxRetryAttempts       int
	MaxRecoveryAttempts    int
	StuckThreshold         time.Duration
	HealthFreshness        time.Duration
	NotifyThrottle         time.Duration
	ManualTestsPerHour     int
	AutoRefreshEnabled     bool
	UploadRecoveryEnabled  bool
	NotificationsEnabled   bool
}

// Service is the runtime-mutable configuration service. Values live in the
// setting repository; reads are served from a cached copy.
type Service struct {
	repo storage.SettingRepository

	mu     sync.RWMutex
	cache  map[string]string
	loaded bool
}

// NewService creates a settings service over the given repository.
func NewService(repo storage.SettingRepository) *Service {
	return &Service{repo: repo}
}

func (s *Service) ensureLoaded(ctx context.Context) error {
	s.mu.RLock()
	loaded := s.loaded
	s.mu.RUnlock()
	if loaded {
		return nil
	}
	return s.Reload(ctx)
}

// Reload replaces the cache with the stored values.
func (s *Service) Reload(ctx context.Context) error {
	stored, err := s.repo.GetAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to reload settings: %w", err)
	}

	s.mu.Lock()
	s.cache = stored
	s.loaded = true
	s.mu.Unlock()
	return nil
}

// ClearCache drops the cached values; the next read goes to storage.
func (s *Service) ClearCache() {
	s.mu.Lock()
	s.cache = nil
	s.loaded = false
	s.mu.Unlock()
}

func (s *Service) raw(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.cache[key]
	return v, ok
}

// Get returns the typed value for an allow-listed key: int for integer keys,
// bool for feature flags, string otherwise. Unset keys return their default.
func (s *Service) Get(ctx context.Context, key string) (interface{}, error) {
	spec, ok := Keys[key]
	if !ok {
		return nil, fmt.Errorf("unknown setting key: %s", key)
	}
	if err := s.ensureLoaded(ctx); err != nil {
		return nil, err
	}

	raw, found := s.raw(key)
	if !found {
		raw = spec.Default
	}
	return coerce(key, spec, raw)
}

func coerce(key string, spec KeySpec, raw string) (interface{}, error) {
	switch spec.Type {
	case TypeBool:
		return raw == "true", nil
	case TypeInt:
		v, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("setting %s holds non-integer value %q", key, raw)
		}
		return v, nil
	}
	return raw, nil
}

// Set validates and persists one key. Keys with RequireConfirm refuse
// mutation unless confirm is true.
func (s *Service) Set(ctx context.Context, key, value string, confirm bool) error {
	spec, ok := Keys[key]
	if !ok {
		return fmt.Errorf("setting %s is not modifiable", key)
	}
	if spec.RequireConfirm && !confirm {
		return fmt.Errorf("setting %s requires explicit confirmation", key)
	}
	if err := validateValue(key, spec, value); err != nil {
		return err
	}

	if err := s.repo.Upsert(ctx, key, value); err != nil {
		return err
	}

	s.mu.Lock()
	if s.cache == nil {
		s.cache = make(map[string]string)
	}
	s.cache[key] = value
	s.loaded = true
	s.mu.Unlock()
	return nil
}

func validateValue(key string, spec KeySpec, value string) error {
	switch spec.Type {
	case TypeBool:
		if value != "true" && value != "false" {
			return fmt.Errorf("setting %s must be true or false, got %q", key, value)
		}
	case TypeInt:
		v, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("setting %s must be an integer, got %q", key, value)
		}
		if v < spec.Min || v > spec.Max {
			return fmt.Errorf("setting %s must be between %d and %d, got %d", key, spec.Min, spec.Max, v)
		}
	}
	return nil
}

// Validate checks every stored value against its spec and returns all
// violations. Keys outside the allow-list are reported too: they indicate a
// write that bypassed this service.
func (s *Service) Validate(ctx context.Context) []error {
	if err := s.ensureLoaded(ctx); err != nil {
		return []error{err}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var errs []error
	for key, value := range s.cache {
		spec, ok := Keys[key]
		if !ok {
			errs = append(errs, fmt.Errorf("stored setting %s is not in the allow-list", key))
			// Still type-check by namespace so a bad out-of-band write
			// surfaces both problems.
			spec = KeySpec{Type: coercedType(key), Min: 0, Max: 1<<31 - 1}
		}
		if err := validateValue(key, spec, value); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// Snapshot materializes the current configuration into an immutable typed
// view. Invalid stored values fall back to the key's default.
func (s *Service) Snapshot(ctx context.Context) (Snapshot, error) {
	if err := s.ensureLoaded(ctx); err != nil {
		return Snapshot{}, err
	}

	intVal := func(key string) int {
		spec := Keys[key]
		raw, ok := s.raw(key)
		if !ok {
			raw = spec.Default
		}
		v, err := strconv.Atoi(raw)
		if err != nil || v < spec.Min || v > spec.Max {
			v, _ = strconv.Atoi(spec.Default)
		}
		return v
	}
	boolVal := func(key string) bool {
		raw, ok := s.raw(key)
		if !ok {
			raw = Keys[key].Default
		}
		return raw == "true"
	}

	return Snapshot{
		ProactiveRefreshWindow: time.Duration(intVal("timing.proactive_refresh_window_minutes")) * time.Minute,
		RefreshInterval:        time.Duration(intVal("timing.background_refresh_interval_minutes")) * time.Minute,
		MaxRetryAttempts:       intVal("timing.max_retry_attempts"),
		MaxRecoveryAttempts:    intVal("timing.max_recovery_attempts"),
		StuckThreshold:         time.Duration(intVal("timing.stuck_threshold_minutes")) * time.Minute,
		HealthFreshness:        time.Duration(intVal("timing.health_freshness_hours")) * time.Hour,
		NotifyThrottle:         time.Duration(intVal("notifications.throttle_hours")) * time.Hour,
		ManualTestsPerHour:     intVal("rate_limiting.manual_tests_per_hour"),
		AutoRefreshEnabled:     boolVal("features.auto_refresh_enabled"),
		UploadRecoveryEnabled:  boolVal("features.upload_recovery_enabled"),
		NotificationsEnabled:   boolVal("features.notifications_enabled"),
	}, nil
}

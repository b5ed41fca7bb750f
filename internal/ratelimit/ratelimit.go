// Package ratelimit gates human-initiated connection tests. Each identity
// gets a token bucket that decays over the hour plus a short cooldown after
// every completed test, so double-clicks cannot start duplicate probes.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultCooldown is the pause enforced after a completed test.
const DefaultCooldown = 30 * time.Second

type entry struct {
	limiter       *rate.Limiter
	lastCompleted time.Time
	lastSeen      time.Time
}

// TestLimiter rate-limits manual connection tests per identity.
type TestLimiter struct {
	mu       sync.Mutex
	entries  map[string]*entry
	perHour  int
	cooldown time.Duration
	now      func() time.Time
}

// NewTestLimiter creates a limiter allowing perHour tests per identity.
func NewTestLimiter(perHour int) *TestLimiter {
	if perHour <= 0 {
		perHour = 10
	}
	return &TestLimiter{
		entries:  make(map[string]*entry),
		perHour:  perHour,
		cooldown: DefaultCooldown,
		now:      time.Now,
	}
}

// SetRate adjusts the hourly allowance for new and existing identities.
func (l *TestLimiter) SetRate(perHour int) {
	if perHour <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.perHour = perHour
	for _, e := range l.entries {
		e.limiter.SetLimit(rate.Limit(float64(perHour) / 3600.0))
		e.limiter.SetBurst(perHour)
	}
}

// Allow reports whether the identity may start a test right now. A granted
// call consumes one token.
func (l *TestLimiter) Allow(identity string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	e := l.entry(identity, now)

	if now.Sub(e.lastCompleted) < l.cooldown {
		return false
	}
	return e.limiter.AllowN(now, 1)
}

// Completed marks a finished test, starting the cooldown for the identity.
func (l *TestLimiter) Completed(identity string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.entry(identity, now).lastCompleted = now
}

// Prune drops identities idle longer than maxIdle. Called opportunistically
// by the control loop to keep the map bounded.
func (l *TestLimiter) Prune(maxIdle time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-maxIdle)
	for id, e := range l.entries {
		if e.lastSeen.Before(cutoff) {
			delete(l.entries, id)
		}
	}
}

func (l *TestLimiter) entry(identity string, now time.Time) *entry {
	e, ok := l.entries[identity]
	if !ok {
		// Tokens replenish continuously across the hour; the burst equals
		// the hourly allowance.
		e = &entry{
			limiter: rate.NewLimiter(rate.Limit(float64(l.perHour)/3600.0), l.perHour),
		}
		l.entries[identity] = e
	}
	e.lastSeen = now
	return e
}

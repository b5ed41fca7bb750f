package domain

import (
	"testing"
	"time"
)

var credNow = time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC)

func TestCredentialIsExpiringSoon(t *testing.T) {
	window := 15 * time.Minute

	tests := []struct {
		name      string
		expiresAt time.Time
		want      bool
	}{
		{"already expired", credNow.Add(-time.Hour), true},
		{"inside window", credNow.Add(10 * time.Minute), true},
		{"exactly at window boundary", credNow.Add(window), true},
		{"just outside window", credNow.Add(window + time.Second), false},
		{"far in the future", credNow.Add(48 * time.Hour), false},
		{"zero expiry", time.Time{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Credential{ExpiresAt: tt.expiresAt}
			if got := c.IsExpiringSoon(credNow, window); got != tt.want {
				t.Errorf("IsExpiringSoon() = %v, want %v", got, tt.want)
			}
		})
	}

	var nilCred *Credential
	if !nilCred.IsExpiringSoon(credNow, window) {
		t.Error("nil credential should report expiring soon")
	}
}

func TestCredentialCanBeRefreshed(t *testing.T) {
	tests := []struct {
		name string
		cred *Credential
		want bool
	}{
		{"healthy with refresh token", &Credential{RefreshToken: "rt", RefreshFailures: 0}, true},
		{"failures below ceiling", &Credential{RefreshToken: "rt", RefreshFailures: 4}, true},
		{"failures at ceiling", &Credential{RefreshToken: "rt", RefreshFailures: 5}, false},
		{"no refresh token", &Credential{RefreshFailures: 0}, false},
		{"reconnect pending", &Credential{RefreshToken: "rt", RequiresReconnect: true}, false},
		{"nil", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cred.CanBeRefreshed(5); got != tt.want {
				t.Errorf("CanBeRefreshed(5) = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCredentialHasValidConnection(t *testing.T) {
	live := &Credential{AccessToken: "at", ExpiresAt: credNow.Add(time.Hour)}
	if !live.HasValidConnection(credNow, 5) {
		t.Error("live token should be a valid connection")
	}

	// Expired but refreshable still counts.
	refreshable := &Credential{RefreshToken: "rt", ExpiresAt: credNow.Add(-time.Hour)}
	if !refreshable.HasValidConnection(credNow, 5) {
		t.Error("expired but refreshable should be a valid connection")
	}

	dead := &Credential{RefreshToken: "rt", ExpiresAt: credNow.Add(-time.Hour), RefreshFailures: 5}
	if dead.HasValidConnection(credNow, 5) {
		t.Error("expired with exhausted refreshes should not be valid")
	}

	var nilCred *Credential
	if nilCred.HasValidConnection(credNow, 5) {
		t.Error("nil credential should not be valid")
	}
}

func TestCredentialDisconnected(t *testing.T) {
	connected := &Credential{AccessToken: "at", RefreshToken: "rt"}
	if connected.Disconnected() {
		t.Error("credential with tokens should not be disconnected")
	}

	// Disconnect clears token material but keeps the row.
	cleared := &Credential{UserID: "u1", Provider: ProviderDropbox}
	if !cleared.Disconnected() {
		t.Error("credential with cleared tokens should be disconnected")
	}

	var nilCred *Credential
	if !nilCred.Disconnected() {
		t.Error("nil credential should be disconnected")
	}
}

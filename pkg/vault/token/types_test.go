/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package token

import (
	"strings"
	"testing"
	"time"

	"github.com/panteparak/vault-credential-broker/internal/retry"
)

var t0 = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func TestSession_Timing(t *testing.T) {
	s := &Session{Token: "tok", IssuedAt: t0, TTL: time.Minute}

	if got := s.ExpiresAt(); !got.Equal(t0.Add(time.Minute)) {
		t.Errorf("ExpiresAt() = %v", got)
	}
	if got := s.RenewAt(0.5); !got.Equal(t0.Add(30 * time.Second)) {
		t.Errorf("RenewAt(0.5) = %v", got)
	}

	tests := []struct {
		name     string
		now      time.Time
		expected bool
	}{
		{name: "at issue", now: t0, expected: true},
		{name: "just before expiry", now: t0.Add(59 * time.Second), expected: true},
		{name: "at expiry", now: t0.Add(time.Minute), expected: false},
		{name: "after expiry", now: t0.Add(time.Hour), expected: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.Valid(tt.now); got != tt.expected {
				t.Errorf("Valid(%v) = %v, want %v", tt.now, got, tt.expected)
			}
		})
	}
}

func TestSession_NonExpiring(t *testing.T) {
	s := &Session{Token: "root", IssuedAt: t0}

	if !s.ExpiresAt().IsZero() || !s.RenewAt(0.6).IsZero() {
		t.Error("a zero TTL session should have no expiry or renewal time")
	}
	if !s.Valid(t0.Add(24 * 365 * time.Hour)) {
		t.Error("a zero TTL session should stay valid")
	}
	if s.CanRenew(t0) {
		t.Error("a zero TTL session should not be renewed")
	}
}

func TestSession_ValidNil(t *testing.T) {
	var s *Session
	if s.Valid(t0) {
		t.Error("nil session should not be valid")
	}
	if (&Session{TTL: time.Hour, IssuedAt: t0}).Valid(t0) {
		t.Error("session without token should not be valid")
	}
}

func TestSession_CanRenew(t *testing.T) {
	tests := []struct {
		name     string
		session  Session
		now      time.Time
		expected bool
	}{
		{
			name:     "renewable without max TTL",
			session:  Session{Renewable: true, TTL: time.Hour, CreatedAt: t0},
			now:      t0.Add(10 * time.Hour),
			expected: true,
		},
		{
			name:     "not renewable",
			session:  Session{Renewable: false, TTL: time.Hour, CreatedAt: t0},
			now:      t0,
			expected: false,
		},
		{
			name:     "within max TTL",
			session:  Session{Renewable: true, TTL: time.Hour, MaxTTL: 2 * time.Hour, CreatedAt: t0},
			now:      t0.Add(time.Hour),
			expected: true,
		},
		{
			name:     "max TTL reached",
			session:  Session{Renewable: true, TTL: time.Hour, MaxTTL: 2 * time.Hour, CreatedAt: t0},
			now:      t0.Add(2 * time.Hour),
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.session.CanRenew(tt.now); got != tt.expected {
				t.Errorf("CanRenew() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestSession_CloneIsDeep(t *testing.T) {
	s := &Session{ID: "a", Token: "tok", Policies: []string{"default", "app"}}
	c := s.Clone()
	c.Policies[0] = "changed"
	c.Token = "other"

	if s.Policies[0] != "default" || s.Token != "tok" {
		t.Error("Clone should not share state with the original")
	}
}

func TestSession_ZeroAndString(t *testing.T) {
	s := &Session{ID: "a", Token: "hvs.secret", Accessor: "acc", IssuedAt: t0, TTL: time.Hour}

	if strings.Contains(s.String(), "hvs.secret") {
		t.Errorf("String() leaked the token: %s", s.String())
	}

	s.Zero()
	if s.Token != "" || s.Accessor != "" {
		t.Error("Zero should wipe the token and accessor")
	}
	if s.Valid(t0) {
		t.Error("zeroed session should not be valid")
	}
}

func TestConfig_WithDefaults(t *testing.T) {
	tests := []struct {
		name             string
		input            Config
		expectedFraction float64
		expectedTimeout  time.Duration
	}{
		{
			name:             "empty config gets all defaults",
			input:            Config{},
			expectedFraction: DefaultRenewalFraction,
			expectedTimeout:  DefaultOperationTimeout,
		},
		{
			name:             "fraction below range is clamped",
			input:            Config{RenewalFraction: 0.01},
			expectedFraction: MinRenewalFraction,
			expectedTimeout:  DefaultOperationTimeout,
		},
		{
			name:             "fraction above range is clamped",
			input:            Config{RenewalFraction: 1.5},
			expectedFraction: MaxRenewalFraction,
			expectedTimeout:  DefaultOperationTimeout,
		},
		{
			name:             "custom values are preserved",
			input:            Config{RenewalFraction: 0.5, OperationTimeout: 5 * time.Second},
			expectedFraction: 0.5,
			expectedTimeout:  5 * time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := tt.input.WithDefaults()
			if result.RenewalFraction != tt.expectedFraction {
				t.Errorf("RenewalFraction = %v, want %v", result.RenewalFraction, tt.expectedFraction)
			}
			if result.OperationTimeout != tt.expectedTimeout {
				t.Errorf("OperationTimeout = %v, want %v", result.OperationTimeout, tt.expectedTimeout)
			}
			if result.Retry.MaxAttempts != retry.MaxRetryAttempts {
				t.Errorf("Retry.MaxAttempts = %d, want %d", result.Retry.MaxAttempts, retry.MaxRetryAttempts)
			}
		})
	}
}

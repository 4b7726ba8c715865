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
	"fmt"
	"time"

	"github.com/panteparak/vault-credential-broker/internal/retry"
	"github.com/panteparak/vault-credential-broker/pkg/vault"
	"github.com/panteparak/vault-credential-broker/pkg/vault/auth"
)

// Default values for session lifecycle management.
const (
	// DefaultRenewalFraction is the fraction of TTL at which to renew.
	// At 0.6, renewal occurs when 60% of the TTL has elapsed.
	DefaultRenewalFraction = 0.6

	// MinRenewalFraction and MaxRenewalFraction bound the configured fraction.
	MinRenewalFraction = 0.1
	MaxRenewalFraction = 0.9

	// DefaultOperationTimeout bounds a single authenticate or renew operation.
	DefaultOperationTimeout = 30 * time.Second
)

// State is the lease manager state.
type State string

// Lease manager states.
const (
	StateNoSession State = "NoSession"
	StateActive    State = "Active"
	StateRenewing  State = "Renewing"
	StateExpired   State = "Expired"
	StateFailed    State = "Failed"
)

// Session is an authenticated Vault session.
// The lease manager owns the live session; everyone else receives copies.
type Session struct {
	// ID is a local identifier; it is stable across renewals and changes
	// on every new login.
	ID string

	// Token is the Vault client token. Never log it.
	Token string

	// Accessor is the token accessor, safe to log.
	Accessor string

	// Policies are the policies attached to the token.
	Policies []string

	// IssuedAt is when the current TTL started (login or last renewal).
	IssuedAt time.Time

	// TTL is the token's time-to-live from IssuedAt. Zero means the token
	// does not expire.
	TTL time.Duration

	// Renewable indicates if the token can be renewed.
	Renewable bool

	// MaxTTL caps the lifetime since CreatedAt, zero if unknown.
	MaxTTL time.Duration

	// CreatedAt is when the original login happened.
	CreatedAt time.Time

	// Method is the auth method used to log in.
	Method auth.Method

	// Role is the Vault role the session was issued for.
	Role string

	// RenewalCount is the number of successful renewals.
	RenewalCount int
}

// ExpiresAt returns when the token expires, zero if it never does.
func (s *Session) ExpiresAt() time.Time {
	if s.TTL <= 0 {
		return time.Time{}
	}
	return s.IssuedAt.Add(s.TTL)
}

// RenewAt returns when renewal should start for the given fraction.
func (s *Session) RenewAt(fraction float64) time.Time {
	if s.TTL <= 0 {
		return time.Time{}
	}
	return s.IssuedAt.Add(time.Duration(float64(s.TTL) * fraction))
}

// Valid reports whether the token is still usable at now.
func (s *Session) Valid(now time.Time) bool {
	if s == nil || s.Token == "" {
		return false
	}
	return s.TTL <= 0 || now.Before(s.ExpiresAt())
}

// CanRenew reports whether renew-self may extend the token at now.
func (s *Session) CanRenew(now time.Time) bool {
	if !s.Renewable || s.TTL <= 0 {
		return false
	}
	return s.MaxTTL <= 0 || now.Before(s.CreatedAt.Add(s.MaxTTL))
}

// Clone returns a deep copy of the session.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	if s.Policies != nil {
		c.Policies = append([]string(nil), s.Policies...)
	}
	return &c
}

// SessionToken returns the identity used for Vault calls on behalf of s.
func (s *Session) SessionToken() vault.SessionToken {
	return vault.SessionToken{SessionID: s.ID, Token: s.Token}
}

// Zero wipes the token from memory.
func (s *Session) Zero() {
	if s == nil {
		return
	}
	s.Token = ""
	s.Accessor = ""
}

// String describes the session without its token.
func (s *Session) String() string {
	return fmt.Sprintf("Session{id=%s method=%s role=%q expires=%s renewable=%t}",
		s.ID, s.Method, s.Role, s.ExpiresAt().Format(time.RFC3339), s.Renewable)
}

// SessionStatus is a point-in-time view of the lease manager.
type SessionStatus struct {
	// State is the lease manager state.
	State State

	// SessionID is the current session, empty without one.
	SessionID string

	// Method and Role describe how the session was obtained.
	Method auth.Method
	Role   string

	// Accessor is the token accessor.
	Accessor string

	// IssuedAt and ExpiresAt bound the current TTL.
	IssuedAt  time.Time
	ExpiresAt time.Time

	// NextRenewal is when the next renewal is scheduled.
	NextRenewal time.Time

	// RetryAt is when the next retry is scheduled, zero if none.
	RetryAt time.Time

	// RetryCount is the number of consecutive failed attempts.
	RetryCount int

	// RenewalCount is the number of times the session has been renewed.
	RenewalCount int

	// Error contains the error from the last failed attempt.
	Error string
}

// Config configures the lease manager.
type Config struct {
	// Role is the Vault role to authenticate as.
	Role string

	// RenewalFraction is the fraction of TTL at which to renew (0.1-0.9).
	RenewalFraction float64

	// RenewIncrement is the TTL requested on renewal; zero lets Vault decide.
	RenewIncrement time.Duration

	// OperationTimeout bounds each authenticate or renew operation.
	OperationTimeout time.Duration

	// Retry configures backoff between failed attempts.
	Retry retry.Config
}

// WithDefaults returns a copy of Config with default values applied.
func (c Config) WithDefaults() Config {
	switch {
	case c.RenewalFraction == 0:
		c.RenewalFraction = DefaultRenewalFraction
	case c.RenewalFraction < MinRenewalFraction:
		c.RenewalFraction = MinRenewalFraction
	case c.RenewalFraction > MaxRenewalFraction:
		c.RenewalFraction = MaxRenewalFraction
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = DefaultOperationTimeout
	}
	c.Retry = c.Retry.WithDefaults()
	return c
}

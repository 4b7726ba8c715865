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

package events

import "time"

// Session event type constants.
const (
	SessionAuthenticatedType = "session.authenticated"
	SessionRenewedType       = "session.renewed"
	SessionRenewalFailedType = "session.renewal_failed"
	SessionExpiredType       = "session.expired"
	SessionInvalidatedType   = "session.invalidated"
	SessionFailedType        = "session.failed"
)

// SessionAuthenticated is published when a new session is obtained from the broker,
// either on first use or as a replacement for a session that could not be renewed.
type SessionAuthenticated struct {
	BaseEvent
	// SessionID is the local identifier of the new session
	SessionID string
	// PreviousSessionID is the session this one replaces, empty on first login
	PreviousSessionID string
	// Method is the auth method used, e.g. "kubernetes"
	Method string
	// Role is the broker role the identity was bound to
	Role string
	// ExpiresAt is when the new session expires unless renewed
	ExpiresAt time.Time
}

// Type returns the event type identifier.
func (e SessionAuthenticated) Type() string {
	return SessionAuthenticatedType
}

// NewSessionAuthenticated creates a SessionAuthenticated event.
func NewSessionAuthenticated(
	at time.Time, sessionID, previousSessionID, method, role string, expiresAt time.Time,
) SessionAuthenticated {
	return SessionAuthenticated{
		BaseEvent:         NewBaseEventAt(SessionAuthenticatedType, at),
		SessionID:         sessionID,
		PreviousSessionID: previousSessionID,
		Method:            method,
		Role:              role,
		ExpiresAt:         expiresAt,
	}
}

// SessionRenewed is published when the session TTL is extended in place.
type SessionRenewed struct {
	BaseEvent
	// SessionID is the local identifier of the renewed session
	SessionID string
	// NewExpiration is when the renewed session expires
	NewExpiration time.Time
	// RenewalCount is how many times this session has been renewed
	RenewalCount int
}

// Type returns the event type identifier.
func (e SessionRenewed) Type() string {
	return SessionRenewedType
}

// NewSessionRenewed creates a SessionRenewed event.
func NewSessionRenewed(at time.Time, sessionID string, newExpiration time.Time, renewalCount int) SessionRenewed {
	return SessionRenewed{
		BaseEvent:     NewBaseEventAt(SessionRenewedType, at),
		SessionID:     sessionID,
		NewExpiration: newExpiration,
		RenewalCount:  renewalCount,
	}
}

// SessionRenewalFailed is published when a renewal or re-authentication attempt fails.
// This allows for monitoring and alerting on broker connectivity.
type SessionRenewalFailed struct {
	BaseEvent
	// SessionID is the session being kept alive, empty if none
	SessionID string
	// Error describes what went wrong
	Error string
	// RetryCount is how many attempts have failed so far
	RetryCount int
	// WillRetry indicates if another attempt is scheduled
	WillRetry bool
	// RetryAt is when the next attempt runs, zero if none
	RetryAt time.Time
}

// Type returns the event type identifier.
func (e SessionRenewalFailed) Type() string {
	return SessionRenewalFailedType
}

// NewSessionRenewalFailed creates a SessionRenewalFailed event.
func NewSessionRenewalFailed(
	at time.Time, sessionID, errMsg string, retryCount int, willRetry bool, retryAt time.Time,
) SessionRenewalFailed {
	return SessionRenewalFailed{
		BaseEvent:  NewBaseEventAt(SessionRenewalFailedType, at),
		SessionID:  sessionID,
		Error:      errMsg,
		RetryCount: retryCount,
		WillRetry:  willRetry,
		RetryAt:    retryAt,
	}
}

// SessionExpired is published when a session reaches its expiry without renewal.
type SessionExpired struct {
	BaseEvent
	// SessionID is the local identifier of the expired session
	SessionID string
}

// Type returns the event type identifier.
func (e SessionExpired) Type() string {
	return SessionExpiredType
}

// NewSessionExpired creates a SessionExpired event.
func NewSessionExpired(at time.Time, sessionID string) SessionExpired {
	return SessionExpired{
		BaseEvent: NewBaseEventAt(SessionExpiredType, at),
		SessionID: sessionID,
	}
}

// SessionInvalidated is published when a session is dropped before its expiry,
// e.g. revoked at the broker or logged out.
type SessionInvalidated struct {
	BaseEvent
	// SessionID is the local identifier of the dropped session
	SessionID string
	// Reason is a short machine-friendly reason, e.g. "revoked", "logout"
	Reason string
}

// Type returns the event type identifier.
func (e SessionInvalidated) Type() string {
	return SessionInvalidatedType
}

// NewSessionInvalidated creates a SessionInvalidated event.
func NewSessionInvalidated(at time.Time, sessionID, reason string) SessionInvalidated {
	return SessionInvalidated{
		BaseEvent: NewBaseEventAt(SessionInvalidatedType, at),
		SessionID: sessionID,
		Reason:    reason,
	}
}

// SessionFailed is published when the lease manager gives up and needs a reset.
type SessionFailed struct {
	BaseEvent
	// Error describes the failure that stopped retries
	Error string
	// Attempts is how many attempts were made before giving up
	Attempts int
}

// Type returns the event type identifier.
func (e SessionFailed) Type() string {
	return SessionFailedType
}

// NewSessionFailed creates a SessionFailed event.
func NewSessionFailed(at time.Time, errMsg string, attempts int) SessionFailed {
	return SessionFailed{
		BaseEvent: NewBaseEventAt(SessionFailedType, at),
		Error:     errMsg,
		Attempts:  attempts,
	}
}

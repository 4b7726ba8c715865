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

// Secret event type constants.
const (
	SecretRotatedType     = "secret.rotated"
	SecretServedStaleType = "secret.served_stale"
)

// SecretRotated is published when a fetched secret differs from the cached one.
// It never carries the payload.
type SecretRotated struct {
	BaseEvent
	// Path is the broker path of the secret
	Path string
	// Version is the new local version
	Version int64
	// PreviousVersion is the version that was replaced, 0 if none
	PreviousVersion int64
	// SessionID is the session that fetched the new value
	SessionID string
}

// Type returns the event type identifier.
func (e SecretRotated) Type() string {
	return SecretRotatedType
}

// NewSecretRotated creates a SecretRotated event.
func NewSecretRotated(at time.Time, path string, version, previousVersion int64, sessionID string) SecretRotated {
	return SecretRotated{
		BaseEvent:       NewBaseEventAt(SecretRotatedType, at),
		Path:            path,
		Version:         version,
		PreviousVersion: previousVersion,
		SessionID:       sessionID,
	}
}

// SecretServedStale is published when a last-known-good value is returned
// because a fresh one could not be obtained.
type SecretServedStale struct {
	BaseEvent
	// Path is the broker path of the secret
	Path string
	// Version is the local version that was served
	Version int64
	// StaleBy is how long ago the entry was invalidated
	StaleBy time.Duration
	// Cause describes why a fresh value was unavailable
	Cause string
}

// Type returns the event type identifier.
func (e SecretServedStale) Type() string {
	return SecretServedStaleType
}

// NewSecretServedStale creates a SecretServedStale event.
func NewSecretServedStale(at time.Time, path string, version int64, staleBy time.Duration, cause string) SecretServedStale {
	return SecretServedStale{
		BaseEvent: NewBaseEventAt(SecretServedStaleType, at),
		Path:      path,
		Version:   version,
		StaleBy:   staleBy,
		Cause:     cause,
	}
}

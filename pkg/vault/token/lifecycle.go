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
	"context"
	"time"

	"github.com/panteparak/vault-credential-broker/pkg/vault"
	"github.com/panteparak/vault-credential-broker/pkg/vault/auth"
	"github.com/panteparak/vault-credential-broker/shared/events"
)

// Authenticator exchanges identity proofs for Vault sessions and manages
// the resulting tokens. This allows for mocking in tests and decouples the
// lease manager from the concrete Vault client.
//
// Failures are AuthRejectedError (permanent) or BrokerUnreachableError
// (transient).
type Authenticator interface {
	// Authenticate logs in with proof as role and returns a new session.
	// The proof is consumed.
	Authenticate(ctx context.Context, proof *auth.IdentityProof, role string) (*Session, error)

	// Renew extends the session token and returns the renewed session.
	// The returned session keeps the ID of the input.
	Renew(ctx context.Context, session *Session, increment time.Duration) (*Session, error)

	// Lookup returns what Vault currently knows about the session token.
	Lookup(ctx context.Context, session *Session) (*vault.TokenInfo, error)

	// Revoke revokes the session token.
	Revoke(ctx context.Context, session *Session) error

	// Forget releases local resources held for the session.
	Forget(session *Session)
}

// EventPublisher is the interface for publishing events.
// This decouples from the concrete event bus implementation.
type EventPublisher interface {
	Publish(ctx context.Context, event events.Event) error
}

// InvalidateFunc is called when a session stops being usable: it expired,
// was replaced, revoked by the broker, or logged out.
// Hooks run under the lease manager's lock, before the session stops being
// current. They must not block or call back into the LeaseManager.
type InvalidateFunc func(sessionID, reason string)

// Invalidation reasons passed to InvalidateFunc.
const (
	ReasonExpired  = "expired"
	ReasonReplaced = "replaced"
	ReasonRevoked  = "revoked"
	ReasonLogout   = "logout"
	ReasonFailed   = "failed"
)
